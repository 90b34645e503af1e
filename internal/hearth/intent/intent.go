// Package intent holds the types shared by every stage of a Hearth turn:
// the user's turn, the classified intent records, the per-record execution
// results and the assembled turn response.
package intent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of intent kinds the classifier may produce.
type Kind string

const (
	KindControl      Kind = "control"
	KindQuery        Kind = "query"
	KindSchedule     Kind = "schedule"
	KindScene        Kind = "scene"
	KindAmbiguous    Kind = "ambiguous"
	KindHighRisk     Kind = "high_risk"
	KindConversation Kind = "conversation"
)

// Kinds lists every valid Kind in a stable order.
var Kinds = []Kind{KindControl, KindQuery, KindSchedule, KindScene, KindAmbiguous, KindHighRisk, KindConversation}

// ParseKind normalises s and reports whether it names a known kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// Executable reports whether k runs directly against the backend.
func (k Kind) Executable() bool {
	switch k {
	case KindControl, KindQuery, KindSchedule, KindScene:
		return true
	}
	return false
}

// Rationales produced by the classifier adapter itself.
const (
	RationaleEmptyUtterance            = "empty_utterance"
	RationaleClassificationUnavailable = "classification_unavailable"
	RationaleScheduleMissingTime       = "schedule_missing_time"
	RationaleScheduleMissingDays       = "schedule_missing_days"
)

// Schedule is the time-of-day and weekdays of a schedule intent.
type Schedule struct {
	// Time is "HH:MM", 24-hour clock.
	Time string `json:"time"`
	// Days are three-letter weekday names, Sun..Sat.
	Days []string `json:"days"`
}

// Record is one classified sub-command of a turn.
//
// Every non-conversation record references devices or a scene present in
// the catalog it was classified against, or is KindAmbiguous with a
// Rationale.
type Record struct {
	// Index is the position of the record within its turn.
	Index int  `json:"index"`
	Kind  Kind `json:"kind"`
	// Action is the executable kind a KindHighRisk record defers.
	Action    Kind     `json:"action,omitempty"`
	DeviceIDs []string `json:"device_ids,omitempty"`
	SceneID   string   `json:"scene_id,omitempty"`
	SceneName string   `json:"scene_name,omitempty"`
	// Mention is the name the user used when it could not be resolved.
	Mention   string    `json:"mention,omitempty"`
	SubText   string    `json:"sub_text"`
	Rationale string    `json:"rationale,omitempty"`
	Schedule  *Schedule `json:"schedule,omitempty"`
	// Reply is the conversational answer for KindConversation.
	Reply string `json:"reply,omitempty"`
}

// Deferred returns the record a high-risk record stands for, with Kind set
// to its Action (control when unset). Other records are returned unchanged.
func (r Record) Deferred() Record {
	if r.Kind != KindHighRisk {
		return r
	}
	d := r
	d.Kind = r.Action
	if !d.Kind.Executable() {
		d.Kind = KindControl
	}
	d.Action = ""
	return d
}

// Ambiguous returns a copy of r downgraded to KindAmbiguous.
func (r Record) Ambiguous(rationale, mention string) Record {
	a := r
	a.Kind = KindAmbiguous
	a.Action = ""
	a.Rationale = rationale
	if mention != "" {
		a.Mention = mention
	}
	return a
}

// Describe renders a short human description ("control switch_2").
func (r Record) Describe() string {
	kind := r.Kind
	if kind == KindHighRisk {
		kind = r.Deferred().Kind
	}
	switch {
	case len(r.DeviceIDs) > 0:
		return fmt.Sprintf("%s %s", kind, strings.Join(r.DeviceIDs, ", "))
	case r.SceneID != "" || r.SceneName != "":
		name := r.SceneName
		if name == "" {
			name = r.SceneID
		}
		return fmt.Sprintf("%s %s", kind, name)
	}
	return string(kind)
}

// Status is the outcome of running a Record.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusFailed             Status = "failed"
	StatusNeedsConfirmation  Status = "needs_confirmation"
	StatusNeedsClarification Status = "needs_clarification"
)

// Result is the immutable outcome of one Record.
type Result struct {
	Intent  Record `json:"intent"`
	Status  Status `json:"status"`
	Summary string `json:"summary"`
	// Raw is the opaque backend response kept for audit.
	Raw json.RawMessage `json:"raw,omitempty"`
	// Error preserves the underlying error text of a failed result.
	Error       string   `json:"error,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Success builds a successful result.
func Success(rec Record, summary string, raw json.RawMessage) Result {
	return Result{Intent: rec, Status: StatusSuccess, Summary: summary, Raw: raw}
}

// Failed builds a failed result preserving err.
func Failed(rec Record, summary string, err error) Result {
	res := Result{Intent: rec, Status: StatusFailed, Summary: summary}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// Turn is one user message within a session. It is never mutated after
// creation.
type Turn struct {
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"seq"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// TurnResponse is the ordered set of results produced for one turn.
type TurnResponse struct {
	SessionID string   `json:"session_id"`
	Seq       int      `json:"seq"`
	TraceID   string   `json:"trace_id,omitempty"`
	Results   []Result `json:"results"`
	// Replayed is set when the response was served from an idempotency key.
	Replayed bool `json:"replayed,omitempty"`
}

// Text renders the response as chat text, one line per result.
func (r *TurnResponse) Text() string {
	if r == nil || len(r.Results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, res := range r.Results {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(statusIcon(res.Status))
		b.WriteByte(' ')
		b.WriteString(res.Summary)
		if len(res.Suggestions) > 0 {
			b.WriteString(" (did you mean: ")
			b.WriteString(strings.Join(res.Suggestions, ", "))
			b.WriteString("?)")
		}
	}
	return b.String()
}

func statusIcon(s Status) string {
	switch s {
	case StatusSuccess:
		return "✅"
	case StatusFailed:
		return "❌"
	case StatusNeedsConfirmation:
		return "⚠️"
	case StatusNeedsClarification:
		return "❓"
	}
	return "•"
}
