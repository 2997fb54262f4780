// Package store persists emulator state: full ledger snapshots, an
// append-only fill journal, and an archive of generated daily bars.
package store

import (
	"context"
	"errors"
	"time"

	"tradesim/internal/domain"
	"tradesim/internal/ledger"
)

// ErrNoSnapshot is returned by SnapshotStore.Load when nothing was saved yet.
var ErrNoSnapshot = errors.New("no snapshot")

// SnapshotStore saves and loads full ledger snapshots.
type SnapshotStore interface {
	// Save durably replaces the stored snapshot. Readers never observe a
	// partially written document.
	Save(ctx context.Context, snap *ledger.Snapshot) error

	// Load returns the stored snapshot or ErrNoSnapshot.
	Load(ctx context.Context) (*ledger.Snapshot, error)
}

// Journal mirrors trades and cash transactions into an append-only log.
type Journal interface {
	// Append records new trades and transactions. Re-appending an id is a
	// no-op.
	Append(ctx context.Context, trades []domain.Trade, txs []domain.Transaction) error

	// Reset drops every journaled row.
	Reset(ctx context.Context) error
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}
