package domain

import "fmt"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCanceled,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCanceled,
	},
	OrderStatusFilled:   nil,
	OrderStatusCanceled: nil,
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// Active reports whether an order in this status may still be filled.
func (s OrderStatus) Active() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// CanTransition reports whether moving from s to next is allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, to := range orderTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Transition moves the order to next, or returns ErrInvalidTransition
// leaving the order untouched.
func (o *Order) Transition(next OrderStatus) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("order %s %s -> %s: %w", o.ID, o.Status, next, ErrInvalidTransition)
	}
	o.Status = next
	return nil
}
