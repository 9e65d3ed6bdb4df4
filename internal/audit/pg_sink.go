package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veridata/govern/internal/canonical"
)

// PGSink persists audit events into Postgres. Rows also carry relay bookkeeping
// (stream_status, attempts, archived_key) so the Relay can drain them to Kafka
// and S3 with the database as the source of truth for retries.
type PGSink struct {
	db *sql.DB
}

func NewPGSink(db *sql.DB) *PGSink {
	return &PGSink{db: db}
}

func (p *PGSink) lastHash(ctx context.Context, tx *sql.Tx) (string, error) {
	var h sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY ts DESC, id DESC LIMIT 1 FOR UPDATE`).Scan(&h)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !h.Valid {
		return "", nil
	}
	return h.String, nil
}

// Append canonicalizes the payload, extends the hash chain, and inserts the
// event. The last-hash read and the insert share a transaction so concurrent
// appenders serialize on the chain head without losing events.
func (p *PGSink) Append(ctx context.Context, ev *Event) error {
	canon, err := canonical.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	prev, err := p.lastHash(ctx, tx)
	if err != nil {
		return fmt.Errorf("fetch last hash: %w", err)
	}
	hash, err := ChainHash(canon, prev)
	if err != nil {
		return fmt.Errorf("chain hash: %w", err)
	}

	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	ev.PrevHash = prev
	ev.Hash = hash

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	const q = `
		INSERT INTO audit_events (id, event_type, actor, payload, prev_hash, hash, ts, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending')
	`
	if _, err := tx.ExecContext(ctx, q, ev.ID, ev.EventType, ev.Actor, payloadJSON, ev.PrevHash, ev.Hash, ev.Ts); err != nil {
		return fmt.Errorf("insert audit_event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit_event: %w", err)
	}
	return nil
}

func scanEvent(rows interface{ Scan(...interface{}) error }) (Event, error) {
	var (
		ev           Event
		payloadBytes []byte
	)
	if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Actor, &payloadBytes, &ev.PrevHash, &ev.Hash, &ev.Ts); err != nil {
		return Event{}, err
	}
	if len(payloadBytes) > 0 {
		var payload interface{}
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			// Keep raw bytes as string rather than losing data.
			payload = string(payloadBytes)
		}
		ev.Payload = payload
	}
	return ev, nil
}

func (p *PGSink) Export(ctx context.Context, f Filter) ([]Event, error) {
	query := `SELECT id, event_type, actor, payload, prev_hash, hash, ts FROM audit_events WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if f.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argPos)
		args = append(args, f.EventType)
		argPos++
	}
	if f.Actor != "" {
		query += fmt.Sprintf(" AND actor = $%d", argPos)
		args = append(args, f.Actor)
		argPos++
	}
	if !f.Since.IsZero() {
		query += fmt.Sprintf(" AND ts >= $%d", argPos)
		args = append(args, f.Since)
		argPos++
	}
	if !f.Until.IsZero() {
		query += fmt.Sprintf(" AND ts <= $%d", argPos)
		args = append(args, f.Until)
		argPos++
	}
	query += " ORDER BY ts"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// FetchPendingForRelay claims up to limit pending events for relaying using
// FOR UPDATE SKIP LOCKED, marking them in_progress and bumping attempts.
func (p *PGSink) FetchPendingForRelay(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const claim = `
		UPDATE audit_events
		SET stream_status='in_progress', attempts=attempts+1
		WHERE id IN (
			SELECT id FROM audit_events
			WHERE stream_status='pending'
			ORDER BY ts
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING id, event_type, actor, payload, prev_hash, hash, ts
	`
	rows, err := tx.QueryContext(ctx, claim, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return events, nil
}

// MarkRelayResult records the relay outcome for one event. Failed events go
// back to pending so a later pass retries them.
func (p *PGSink) MarkRelayResult(ctx context.Context, id string, archivedKey string, ok bool, relayErr string) error {
	status := "relayed"
	if !ok {
		status = "pending"
	}
	const q = `
		UPDATE audit_events
		SET stream_status=$2,
		    archived_key=NULLIF($3, ''),
		    last_error=NULLIF($4, ''),
		    relayed_at=CASE WHEN $2='relayed' THEN NOW() ELSE relayed_at END
		WHERE id=$1
	`
	if _, err := p.db.ExecContext(ctx, q, id, status, archivedKey, relayErr); err != nil {
		return fmt.Errorf("mark relay result: %w", err)
	}
	return nil
}
