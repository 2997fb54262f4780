// Package live fans emulator events out to subscribers: an in-process
// pub/sub hub plus a gRPC streaming server and client on top of it.
package live

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"tradesim/internal/domain"
)

// Event types and names.
const (
	TypeMarketData = "market_data"
	TypeOrder      = "order"
	TypeSystem     = "system"

	EventPriceUpdate = "price_update"
	EventExecuted    = "executed"
	EventCanceled    = "canceled"
	EventReset       = "reset"
)

// Event is one state-change notification.
type Event struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	Quotes    []domain.Quote `json:"quotes,omitempty"`
	Order     *domain.Order  `json:"order,omitempty"`
	Trade     *domain.Trade  `json:"trade,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// PriceUpdate carries every live quote after a tick.
func PriceUpdate(quotes []domain.Quote, ts time.Time) Event {
	return Event{Type: TypeMarketData, Event: EventPriceUpdate, Quotes: quotes, Timestamp: ts}
}

// OrderExecuted reports one fill of an order.
func OrderExecuted(o domain.Order, t domain.Trade, ts time.Time) Event {
	return Event{Type: TypeOrder, Event: EventExecuted, Order: &o, Trade: &t, Timestamp: ts}
}

// OrderCanceled reports a canceled or expired order.
func OrderCanceled(o domain.Order, ts time.Time) Event {
	return Event{Type: TypeOrder, Event: EventCanceled, Order: &o, Timestamp: ts}
}

// SystemReset reports a full ledger wipe and reseed.
func SystemReset(ts time.Time) Event {
	return Event{Type: TypeSystem, Event: EventReset, Timestamp: ts}
}

// Key returns "type/event", e.g. "order/executed".
func (e Event) Key() string {
	return e.Type + "/" + e.Event
}

// ToStruct converts the event to its wire message.
func (e Event) ToStruct() (*structpb.Struct, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// EventFromStruct decodes a wire message.
func EventFromStruct(s *structpb.Struct) (Event, error) {
	var e Event
	data, err := protojson.Marshal(s)
	if err != nil {
		return e, err
	}
	err = json.Unmarshal(data, &e)
	return e, err
}
