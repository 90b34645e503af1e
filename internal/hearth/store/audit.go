package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/hearth/internal/hearth/intent"
)

// AuditEntry is one execution result as recorded in the audit log.
type AuditEntry struct {
	ID           int64
	Timestamp    time.Time
	TraceID      string
	SessionID    string
	Seq          int
	IntentIndex  int
	Kind         string
	Target       sql.NullString
	Status       string
	Summary      string
	RawJSON      sql.NullString
	ErrorMessage sql.NullString
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func target(rec intent.Record) string {
	if len(rec.DeviceIDs) > 0 {
		return strings.Join(rec.DeviceIDs, ",")
	}
	if rec.SceneID != "" {
		return rec.SceneID
	}
	return rec.SceneName
}

// WriteResults appends one audit row per result of a turn.
func (s *Store) WriteResults(ctx context.Context, turn intent.Turn, results []intent.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit write: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, res := range results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (ts, trace_id, session_id, seq, intent_index, kind, target, status, summary, raw_json, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, now, turn.TraceID, turn.SessionID, turn.Seq, res.Intent.Index, string(res.Intent.Kind),
			nullString(target(res.Intent)), string(res.Status), res.Summary,
			nullString(string(res.Raw)), nullString(res.Error))
		if err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit log: %w", err)
	}
	return nil
}

const auditColumns = `id, ts, trace_id, session_id, seq, intent_index, kind, target, status, summary, raw_json, error_message`

func scanAudit(rows *sql.Rows) ([]*AuditEntry, error) {
	defer rows.Close()
	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.TraceID, &e.SessionID, &e.Seq, &e.IntentIndex,
			&e.Kind, &e.Target, &e.Status, &e.Summary, &e.RawJSON, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

// GetAuditLog returns the most recent entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return scanAudit(rows)
}

// GetAuditByTrace returns every entry of one turn in intent order.
func (s *Store) GetAuditByTrace(ctx context.Context, traceID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE trace_id = ?
		ORDER BY intent_index ASC, id ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log by trace: %w", err)
	}
	return scanAudit(rows)
}

// GetAuditBySession returns a session's entries in turn order.
func (s *Store) GetAuditBySession(ctx context.Context, sessionID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE session_id = ?
		ORDER BY seq ASC, intent_index ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log by session: %w", err)
	}
	return scanAudit(rows)
}
