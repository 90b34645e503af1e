// Package session holds per-session conversation state and serializes turns
// within a session.
package session

import (
	"strings"
	"time"

	"github.com/bdobrica/hearth/internal/hearth/confirm"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
)

const (
	// DefaultMaxTurns bounds the history kept per session.
	DefaultMaxTurns = 50
	// DefaultMaxKeys bounds the idempotency keys kept per session.
	DefaultMaxKeys = 100
)

// Entry is one completed turn and the text it was answered with.
type Entry struct {
	Turn     intent.Turn `json:"turn"`
	Response string      `json:"response"`
}

// KeyedResponse is a turn response remembered under an idempotency key.
type KeyedResponse struct {
	Key       string               `json:"key"`
	Response  *intent.TurnResponse `json:"response"`
	CreatedAt time.Time            `json:"created_at"`
}

// State is the conversation state of one session.
type State struct {
	SessionID string `json:"session_id"`
	// NextSeq is the sequence number the next turn receives, starting at 1.
	NextSeq   int              `json:"next_seq"`
	History   []Entry          `json:"history"`
	Pending   *confirm.Pending `json:"pending,omitempty"`
	Keys      []KeyedResponse  `json:"keys,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewState returns the initial state of a session.
func NewState(id string) *State {
	return &State{SessionID: id, NextSeq: 1}
}

// Clone returns a deep copy of s. Turn responses are shared since they are
// never mutated once stored.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]Entry(nil), s.History...)
	c.Keys = append([]KeyedResponse(nil), s.Keys...)
	if s.Pending != nil {
		p := *s.Pending
		p.Intent.DeviceIDs = append([]string(nil), s.Pending.Intent.DeviceIDs...)
		c.Pending = &p
	}
	return &c
}

// NextTurn allocates the next sequence number and returns the new turn.
func (s *State) NextTurn(text, traceID string, now time.Time) intent.Turn {
	if s.NextSeq < 1 {
		s.NextSeq = 1
	}
	t := intent.Turn{SessionID: s.SessionID, Seq: s.NextSeq, Text: text, ReceivedAt: now, TraceID: traceID}
	s.NextSeq++
	return t
}

// Append records a completed turn, dropping the oldest entries beyond max.
func (s *State) Append(t intent.Turn, resp *intent.TurnResponse, max int) {
	if max <= 0 {
		max = DefaultMaxTurns
	}
	s.History = append(s.History, Entry{Turn: t, Response: resp.Text()})
	if over := len(s.History) - max; over > 0 {
		s.History = append([]Entry(nil), s.History[over:]...)
	}
	s.UpdatedAt = t.ReceivedAt
}

// Replay returns the response stored under key.
func (s *State) Replay(key string) (*intent.TurnResponse, bool) {
	if key == "" {
		return nil, false
	}
	for _, k := range s.Keys {
		if k.Key == key {
			return k.Response, true
		}
	}
	return nil, false
}

// Remember stores resp under key, dropping the oldest keys beyond max.
func (s *State) Remember(key string, resp *intent.TurnResponse, now time.Time, max int) {
	if key == "" || resp == nil {
		return
	}
	if max <= 0 {
		max = DefaultMaxKeys
	}
	if _, ok := s.Replay(key); ok {
		return
	}
	s.Keys = append(s.Keys, KeyedResponse{Key: key, Response: resp, CreatedAt: now})
	if over := len(s.Keys) - max; over > 0 {
		s.Keys = append([]KeyedResponse(nil), s.Keys[over:]...)
	}
}

// Messages renders the last limit turns as classifier history, oldest
// first.
func (s *State) Messages(limit int) []nlp.HistoryMessage {
	entries := s.History
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]nlp.HistoryMessage, 0, 2*len(entries))
	for _, e := range entries {
		out = append(out, nlp.HistoryMessage{Role: "user", Content: e.Turn.Text})
		if strings.TrimSpace(e.Response) != "" {
			out = append(out, nlp.HistoryMessage{Role: "assistant", Content: e.Response})
		}
	}
	return out
}
