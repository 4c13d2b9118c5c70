// Package sqlite provides SQLite-based persistent storage for the engine.
// Uses WAL mode for concurrent reads and crash-safe writes. Every state
// change runs inside Update, so an entity's status, its ledger rows and its
// outbox events commit or roll back together.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/shm-network/shm/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB

	mu       sync.RWMutex
	onCommit func([]domain.Event)
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys and a 5-second busy timeout. Transactions
// take the write lock up front (BEGIN IMMEDIATE).
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection serializes every transaction
	// in this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// OnCommit registers fn to receive the events of every committed Update.
// fn runs synchronously after commit and must not block.
func (d *DB) OnCommit(fn func([]domain.Event)) {
	d.mu.Lock()
	d.onCommit = fn
	d.mu.Unlock()
}

// Tx is a store transaction. All repository methods hang off Tx so reads and
// writes of one operation share the same snapshot.
type Tx struct {
	tx     *sql.Tx
	events []domain.Event
}

// Update runs fn in a read-write transaction. Any error returned by fn rolls
// the whole transaction back.
func (d *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	events, err := d.run(ctx, fn)
	if err != nil {
		return err
	}
	d.mu.RLock()
	hook := d.onCommit
	d.mu.RUnlock()
	if hook != nil && len(events) > 0 {
		hook(events)
	}
	return nil
}

// View runs fn in a transaction that is always rolled back.
func (d *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(&Tx{tx: sqlTx})
}

func (d *DB) run(ctx context.Context, fn func(tx *Tx) error) (events []domain.Event, err error) {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return tx.events, nil
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Token ledger: transfers group legs; legs are the balance source.
		`CREATE TABLE IF NOT EXISTS transfers (
			id              TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			idempotency_key TEXT UNIQUE,
			ref             TEXT,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS token_transactions (
			id          TEXT PRIMARY KEY,
			transfer_id TEXT NOT NULL REFERENCES transfers(id),
			account     TEXT NOT NULL,
			amount      INTEGER NOT NULL,
			type        TEXT NOT NULL,
			status      TEXT NOT NULL,
			ref         TEXT,
			memo        TEXT,
			created_at  INTEGER NOT NULL,
			settled_at  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokentx_account ON token_transactions(account, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tokentx_transfer ON token_transactions(transfer_id)`,

		// Contracts and milestones
		`CREATE TABLE IF NOT EXISTS contracts (
			id                TEXT PRIMARY KEY,
			client_id         TEXT NOT NULL,
			freelancer_id     TEXT NOT NULL,
			title             TEXT NOT NULL DEFAULT '',
			bid_ref           TEXT,
			total_amount      INTEGER NOT NULL,
			locked_amount     INTEGER NOT NULL DEFAULT 0,
			state             TEXT NOT NULL,
			pre_dispute_state TEXT,
			current_milestone INTEGER NOT NULL DEFAULT 0,
			version           INTEGER NOT NULL DEFAULT 1,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			CHECK (locked_amount >= 0 AND locked_amount <= total_amount)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contracts_client ON contracts(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contracts_freelancer ON contracts(freelancer_id)`,
		`CREATE TABLE IF NOT EXISTS milestones (
			contract_id     TEXT NOT NULL REFERENCES contracts(id),
			idx             INTEGER NOT NULL,
			title           TEXT NOT NULL,
			amount          INTEGER NOT NULL,
			duration_days   INTEGER NOT NULL DEFAULT 0,
			state           TEXT NOT NULL,
			paid_amount     INTEGER NOT NULL DEFAULT 0,
			refunded_amount INTEGER NOT NULL DEFAULT 0,
			release_tx_id   TEXT,
			updated_at      INTEGER NOT NULL,
			PRIMARY KEY (contract_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS contract_transitions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			contract_id TEXT NOT NULL,
			from_state  TEXT NOT NULL,
			to_state    TEXT NOT NULL,
			actor       TEXT,
			reason      TEXT,
			at          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_contract ON contract_transitions(contract_id, id)`,

		// Submissions: one active row per milestone plus an append-only history
		`CREATE TABLE IF NOT EXISTS submissions (
			id           TEXT PRIMARY KEY,
			contract_id  TEXT NOT NULL,
			idx          INTEGER NOT NULL,
			proof_url    TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			feedback     TEXT,
			revision     INTEGER NOT NULL,
			submitted_at INTEGER NOT NULL,
			reviewed_at  INTEGER,
			UNIQUE (contract_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS submission_history (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			submission_id TEXT NOT NULL,
			contract_id   TEXT NOT NULL,
			idx           INTEGER NOT NULL,
			revision      INTEGER NOT NULL,
			proof_url     TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			feedback      TEXT,
			submitted_at  INTEGER NOT NULL,
			reviewed_at   INTEGER,
			UNIQUE (submission_id, revision)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subhist_milestone ON submission_history(contract_id, idx, seq)`,

		// Disputes: at most one unresolved dispute per contract
		`CREATE TABLE IF NOT EXISTS disputes (
			id              TEXT PRIMARY KEY,
			contract_id     TEXT NOT NULL REFERENCES contracts(id),
			milestone_index INTEGER,
			raised_by       TEXT NOT NULL,
			amount          INTEGER NOT NULL,
			reason          TEXT NOT NULL,
			domain          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			arbitrator_id   TEXT,
			outcome_kind    TEXT,
			outcome_share   INTEGER,
			outcome_notes   TEXT,
			resolved_by     TEXT,
			created_at      INTEGER NOT NULL,
			assigned_at     INTEGER,
			resolved_at     INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_active ON disputes(contract_id) WHERE status <> 'RESOLVED'`,
		`CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_disputes_arbitrator ON disputes(arbitrator_id)`,

		// Arbitrator pool and gigs
		`CREATE TABLE IF NOT EXISTS arbitrators (
			account_id      TEXT PRIMARY KEY,
			domains         TEXT NOT NULL DEFAULT '',
			presence        TEXT NOT NULL,
			active_cases    INTEGER NOT NULL DEFAULT 0,
			completed_cases INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gigs (
			id            TEXT PRIMARY KEY,
			arbitrator_id TEXT NOT NULL REFERENCES arbitrators(account_id),
			start_at      INTEGER NOT NULL,
			end_at        INTEGER NOT NULL,
			status        TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_gigs_booked ON gigs(arbitrator_id, start_at) WHERE status = 'BOOKED'`,
		`CREATE INDEX IF NOT EXISTS idx_gigs_window ON gigs(status, end_at)`,

		// Transactional outbox / change feed
		`CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			topic      TEXT NOT NULL,
			entity_id  TEXT NOT NULL,
			payload    TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_recipients (
			account TEXT NOT NULL,
			seq     INTEGER NOT NULL REFERENCES events(seq),
			PRIMARY KEY (account, seq)
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Times are stored as unix milliseconds; zero times are stored as NULL.

func unixMs(t time.Time) int64 { return t.UnixMilli() }

func nullableMs(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMs(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMs(v.Int64)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
