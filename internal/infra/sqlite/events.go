package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shm-network/shm/internal/domain"
)

// ─── Outbox / Change Feed ───────────────────────────────────────────────────

// Emit writes an event in the current transaction. It is delivered to the
// commit hook only if the transaction commits.
func (t *Tx) Emit(ctx context.Context, topic, entityID string, recipients []string, payload any, at time.Time) error {
	var raw []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", topic, err)
		}
		raw = b
	}

	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO events (topic, entity_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		topic, entityID, string(raw), unixMs(at),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event seq: %w", err)
	}

	seen := make(map[string]bool, len(recipients))
	unique := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		unique = append(unique, r)
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO event_recipients (account, seq) VALUES (?, ?)`, r, seq); err != nil {
			return fmt.Errorf("insert event recipient: %w", err)
		}
	}

	t.events = append(t.events, domain.Event{
		Seq:        seq,
		Topic:      topic,
		EntityID:   entityID,
		Recipients: unique,
		Payload:    raw,
		CreatedAt:  fromMs(unixMs(at)),
	})
	return nil
}

// ChangesSince returns events addressed to account with seq > after, in order.
func (t *Tx) ChangesSince(ctx context.Context, account string, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT e.seq, e.topic, e.entity_id, e.payload, e.created_at
		 FROM event_recipients r JOIN events e ON e.seq = r.seq
		 WHERE r.account = ? AND r.seq > ?
		 ORDER BY r.seq LIMIT ?`, account, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload string
		var created int64
		if err := rows.Scan(&e.Seq, &e.Topic, &e.EntityID, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		e.Recipients = []string{account}
		e.CreatedAt = fromMs(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest event sequence addressed to account.
func (t *Tx) LatestSeq(ctx context.Context, account string) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM event_recipients WHERE account = ?`, account).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}
