package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/hearth/internal/hearth/confirm"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/session"
)

// SaveSession writes st in a single transaction: the session row, its
// turns, its pending confirmation and its idempotency keys. Turns are
// append-only; keys no longer held by st are deleted.
func (s *Store) SaveSession(ctx context.Context, st *session.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, next_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET next_seq = excluded.next_seq, updated_at = excluded.updated_at
	`, st.SessionID, st.NextSeq, st.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	for _, e := range st.History {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (session_id, seq, text, trace_id, received_at, response_text)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, seq) DO UPDATE SET response_text = excluded.response_text
		`, st.SessionID, e.Turn.Seq, e.Turn.Text, e.Turn.TraceID, e.Turn.ReceivedAt.UTC(), e.Response); err != nil {
			return fmt.Errorf("failed to write turn %d: %w", e.Turn.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE session_id = ?`, st.SessionID); err != nil {
		return fmt.Errorf("failed to clear pending confirmation: %w", err)
	}
	if p := st.Pending; p != nil {
		intentJSON, err := json.Marshal(p.Intent)
		if err != nil {
			return fmt.Errorf("failed to marshal pending intent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_confirmations (session_id, id, intent_json, summary, created_at, expires_at, unclear_replies)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, st.SessionID, p.ID, string(intentJSON), p.Summary, p.CreatedAt.UTC(), p.ExpiresAt.UTC(), p.UnclearReplies); err != nil {
			return fmt.Errorf("failed to write pending confirmation: %w", err)
		}
	}

	keys := make([]any, 0, len(st.Keys)+1)
	keys = append(keys, st.SessionID)
	for _, k := range st.Keys {
		respJSON, err := json.Marshal(k.Response)
		if err != nil {
			return fmt.Errorf("failed to marshal response for key %q: %w", k.Key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (session_id, key, response_json, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, key) DO NOTHING
		`, st.SessionID, k.Key, string(respJSON), k.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to write idempotency key: %w", err)
		}
		keys = append(keys, k.Key)
	}
	prune := `DELETE FROM idempotency_keys WHERE session_id = ?`
	if len(keys) > 1 {
		prune += ` AND key NOT IN (?` + strings.Repeat(", ?", len(keys)-2) + `)`
	}
	if _, err := tx.ExecContext(ctx, prune, keys...); err != nil {
		return fmt.Errorf("failed to prune idempotency keys: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session save: %w", err)
	}
	return nil
}

// LoadSession restores a session, or returns (nil, nil) when it was never
// saved. Only the most recent turns are restored.
func (s *Store) LoadSession(ctx context.Context, id string) (*session.State, error) {
	st := session.NewState(id)
	err := s.db.QueryRowContext(ctx,
		`SELECT next_seq, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&st.NextSeq, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if st.History, err = s.loadTurns(ctx, id); err != nil {
		return nil, err
	}
	if st.Pending, err = s.loadPending(ctx, id); err != nil {
		return nil, err
	}
	if st.Keys, err = s.loadKeys(ctx, id); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) loadTurns(ctx context.Context, id string) ([]session.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, text, trace_id, received_at, response_text
		FROM turns WHERE session_id = ?
		ORDER BY seq DESC LIMIT ?
	`, id, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var entries []session.Entry
	for rows.Next() {
		e := session.Entry{Turn: intent.Turn{SessionID: id}}
		if err := rows.Scan(&e.Turn.Seq, &e.Turn.Text, &e.Turn.TraceID, &e.Turn.ReceivedAt, &e.Response); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Store) loadPending(ctx context.Context, id string) (*confirm.Pending, error) {
	p := &confirm.Pending{SessionID: id}
	var intentJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, intent_json, summary, created_at, expires_at, unclear_replies
		FROM pending_confirmations WHERE session_id = ?
	`, id).Scan(&p.ID, &intentJSON, &p.Summary, &p.CreatedAt, &p.ExpiresAt, &p.UnclearReplies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending confirmation: %w", err)
	}
	if err := json.Unmarshal([]byte(intentJSON), &p.Intent); err != nil {
		return nil, fmt.Errorf("failed to decode pending intent: %w", err)
	}
	return p, nil
}

func (s *Store) loadKeys(ctx context.Context, id string) ([]session.KeyedResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, response_json, created_at
		FROM idempotency_keys WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query idempotency keys: %w", err)
	}
	defer rows.Close()

	var keys []session.KeyedResponse
	for rows.Next() {
		var (
			k        session.KeyedResponse
			respJSON string
		)
		if err := rows.Scan(&k.Key, &respJSON, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan idempotency key: %w", err)
		}
		if err := json.Unmarshal([]byte(respJSON), &k.Response); err != nil {
			return nil, fmt.Errorf("failed to decode stored response for %q: %w", k.Key, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating idempotency keys: %w", err)
	}
	return keys, nil
}

// CountSessions returns how many sessions were ever saved.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}
