package domain

import "errors"

var (
	// ErrNotFound is returned for unknown accounts, orders and symbols.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed requests. Nothing is written
	// to the ledger when it is returned.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when an order status change is not
	// allowed, e.g. canceling a filled order.
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrUnsupported is returned by backends that do not implement an
	// operation.
	ErrUnsupported = errors.New("unsupported operation")
)
