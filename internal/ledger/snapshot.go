package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"tradesim/internal/domain"
)

// Pair is one [key, value] entry of a snapshot table. It encodes as a
// two-element JSON array.
type Pair[V any] struct {
	Key   string
	Value V
}

// MarshalJSON implements json.Marshaler.
func (p Pair[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Value})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Pair[V]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("snapshot pair: want 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("snapshot pair key: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Value); err != nil {
		return fmt.Errorf("snapshot pair %q: %w", p.Key, err)
	}
	return nil
}

// Snapshot is the durable document form of a Ledger. Tables are lists of
// [key, value] pairs sorted by key so equal ledgers encode identically.
type Snapshot struct {
	Accounts     []Pair[*domain.Account]     `json:"accounts"`
	Orders       []Pair[*domain.Order]       `json:"orders"`
	Positions    []Pair[*domain.Position]    `json:"positions"`
	Trades       []Pair[*domain.Trade]       `json:"trades"`
	Transactions []Pair[*domain.Transaction] `json:"transactions"`
	Quotes       []Pair[*domain.Quote]       `json:"quotes"`
	Bars         []Pair[[]domain.Bar]        `json:"historical_bars"`
	IDCounters   Counters                    `json:"id_counters"`
	SavedAt      time.Time                   `json:"saved_at"`
}

// Snapshot encodes the ledger. The result shares state with l, so callers
// snapshot a Clone when l may keep changing.
func (l *Ledger) Snapshot(savedAt time.Time) *Snapshot {
	return &Snapshot{
		Accounts:     sortedPairs(l.Accounts),
		Orders:       sortedPairs(l.Orders),
		Positions:    sortedPairs(l.Positions),
		Trades:       sortedPairs(l.Trades),
		Transactions: sortedPairs(l.Transactions),
		Quotes:       sortedPairs(l.Quotes),
		Bars:         sortedPairs(l.Bars),
		IDCounters:   l.Counters,
		SavedAt:      savedAt,
	}
}

// FromSnapshot rebuilds a Ledger from a decoded snapshot.
func FromSnapshot(s *Snapshot) (*Ledger, error) {
	l := New()
	l.Counters = s.IDCounters

	var err error
	if l.Accounts, err = fromPairs("accounts", s.Accounts); err != nil {
		return nil, err
	}
	if l.Orders, err = fromPairs("orders", s.Orders); err != nil {
		return nil, err
	}
	if l.Positions, err = fromPairs("positions", s.Positions); err != nil {
		return nil, err
	}
	if l.Trades, err = fromPairs("trades", s.Trades); err != nil {
		return nil, err
	}
	if l.Transactions, err = fromPairs("transactions", s.Transactions); err != nil {
		return nil, err
	}
	if l.Quotes, err = fromPairs("quotes", s.Quotes); err != nil {
		return nil, err
	}
	for _, p := range s.Bars {
		l.Bars[p.Key] = p.Value
	}

	for id, a := range l.Accounts {
		if a.Cash == nil {
			a.Cash = make(map[string]float64)
		}
		if a.ID != id {
			return nil, fmt.Errorf("accounts: key %q holds account %q", id, a.ID)
		}
	}
	for id, o := range l.Orders {
		if !o.Status.Valid() {
			return nil, fmt.Errorf("orders: %s has unknown status %q", id, o.Status)
		}
	}
	return l, nil
}

func sortedPairs[V any](m map[string]V) []Pair[V] {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Pair[V], 0, len(keys))
	for _, k := range keys {
		out = append(out, Pair[V]{Key: k, Value: m[k]})
	}
	return out
}

func fromPairs[T any](table string, pairs []Pair[*T]) (map[string]*T, error) {
	out := make(map[string]*T, len(pairs))
	for _, p := range pairs {
		if p.Value == nil {
			return nil, fmt.Errorf("%s: null value for key %q", table, p.Key)
		}
		if _, dup := out[p.Key]; dup {
			return nil, fmt.Errorf("%s: duplicate key %q", table, p.Key)
		}
		out[p.Key] = p.Value
	}
	return out, nil
}
