package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Kind classifies a lifecycle event.
type Kind string

const (
	KindAttach Kind = "attach"
	KindDetach Kind = "detach"
	KindExit   Kind = "exit"
	KindFailed Kind = "attach_failed"
)

// Event is one journal row. ExitCode is nil when unknown.
type Event struct {
	ID         int64     `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	Kind       Kind      `json:"kind"`
	PID        int       `json:"pid"`
	Handler    string    `json:"handler,omitempty"`
	Path       string    `json:"path,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Record appends ev, stamping RecordedAt when unset, then prunes rows beyond
// the retention limit.
func (j *Journal) Record(ctx context.Context, ev Event) error {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now()
	}
	var exitCode sql.NullInt64
	if ev.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*ev.ExitCode), Valid: true}
	}
	if _, err := j.execWithRetry(ctx,
		`INSERT INTO events (recorded_at, kind, pid, handler, path, exit_code, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RecordedAt.UTC().Format(time.RFC3339Nano), string(ev.Kind), ev.PID, ev.Handler, ev.Path, exitCode, ev.Detail,
	); err != nil {
		return fmt.Errorf("record %s event: %w", ev.Kind, err)
	}
	if j.retention > 0 {
		if _, err := j.Prune(ctx, j.retention); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-positive limit
// returns every event.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	ctx = ensureContext(ctx)
	query := `SELECT id, recorded_at, kind, pid, handler, path, exit_code, detail FROM events ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev       Event
			recorded string
			kind     string
			exitCode sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &recorded, &kind, &ev.PID, &ev.Handler, &ev.Path, &exitCode, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = Kind(kind)
		if ts, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
			ev.RecordedAt = ts
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			ev.ExitCode = &code
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Count returns the number of stored events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(1) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest keep events.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := j.execWithRetry(ctx,
		`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
