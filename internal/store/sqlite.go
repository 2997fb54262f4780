package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradesim/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Journal = (*SQLiteJournal)(nil)

const journalSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	order_id     TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	price        REAL NOT NULL,
	qty          REAL NOT NULL,
	commission   REAL NOT NULL,
	ts           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_account_ts ON trades(account_id, ts);

CREATE TABLE IF NOT EXISTS transactions (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	type          TEXT NOT NULL,
	currency      TEXT NOT NULL,
	amount        REAL NOT NULL,
	balance_after REAL NOT NULL,
	reference     TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	ts            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_account_ts ON transactions(account_id, ts);
`

// SQLiteJournal is a Journal backed by a SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single writer

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Append inserts trades and transactions in one database transaction.
func (j *SQLiteJournal) Append(ctx context.Context, trades []domain.Trade, txs []domain.Transaction) error {
	if len(trades) == 0 && len(txs) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range trades {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO trades
			 (id, execution_id, order_id, account_id, symbol, side, price, qty, commission, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ExecutionID, t.OrderID, t.AccountID, t.Symbol, string(t.Side),
			t.Price, t.Qty, t.Commission, t.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("journal trade %s: %w", t.ID, err)
		}
	}
	for _, x := range txs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO transactions
			 (id, account_id, type, currency, amount, balance_after, reference, description, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			x.ID, x.AccountID, string(x.Type), x.Currency, x.Amount, x.BalanceAfter,
			x.Reference, x.Description, x.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("journal transaction %s: %w", x.ID, err)
		}
	}
	return tx.Commit()
}

// Reset deletes every journaled row.
func (j *SQLiteJournal) Reset(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM trades; DELETE FROM transactions;`)
	return err
}

// ListTrades returns the account's journaled trades, oldest first.
func (j *SQLiteJournal) ListTrades(ctx context.Context, accountID string) ([]domain.Trade, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, execution_id, order_id, account_id, symbol, side, price, qty, commission, ts
		 FROM trades WHERE account_id = ? ORDER BY ts, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side string
		var ts int64
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.OrderID, &t.AccountID, &t.Symbol,
			&side, &t.Price, &t.Qty, &t.Commission, &ts); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTransactions returns the account's journaled transactions, oldest
// first.
func (j *SQLiteJournal) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, account_id, type, currency, amount, balance_after, reference, description, ts
		 FROM transactions WHERE account_id = ? ORDER BY ts, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var x domain.Transaction
		var typ string
		var ts int64
		if err := rows.Scan(&x.ID, &x.AccountID, &typ, &x.Currency, &x.Amount,
			&x.BalanceAfter, &x.Reference, &x.Description, &ts); err != nil {
			return nil, err
		}
		x.Type = domain.TxType(typ)
		x.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, x)
	}
	return out, rows.Err()
}
