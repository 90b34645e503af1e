// Package confirm holds high-risk intents until the user confirms them.
//
// Each session is in one of two states: no pending confirmation, or
// awaiting a reply to exactly one. The Machine is a set of pure
// transitions: it takes the session's current *Pending and returns the
// result to report plus the next *Pending (nil for the idle state). The
// caller owns storage and serialization of the session.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
)

var (
	// ErrConfirmationExpired is attached to the notice reported when a
	// pending confirmation timed out.
	ErrConfirmationExpired = errors.New("confirm: confirmation expired")

	// ErrPendingExists rejects a new high-risk intent while another one is
	// still awaiting a reply.
	ErrPendingExists = errors.New("pending confirmation exists")
)

const (
	// DefaultTTL is how long a confirmation may stay pending.
	DefaultTTL = 2 * time.Minute
	// DefaultMaxUnclearReplies is how many consecutive unclear replies are
	// tolerated before the pending action is cancelled.
	DefaultMaxUnclearReplies = 3
)

// State is the confirmation state of a session.
type State string

const (
	StateNone     State = "NONE"
	StateAwaiting State = "AWAITING_CONFIRMATION"
)

// StateOf returns the state implied by p.
func StateOf(p *Pending) State {
	if p == nil {
		return StateNone
	}
	return StateAwaiting
}

// Pending is a deferred high-risk intent awaiting a yes/no reply.
type Pending struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Intent    intent.Record `json:"intent"`
	// Summary describes the risk to the user.
	Summary        string    `json:"summary"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	UnclearReplies int       `json:"unclear_replies"`
}

// Expired reports whether p's deadline has passed at now.
func (p *Pending) Expired(now time.Time) bool {
	return p != nil && !now.Before(p.ExpiresAt)
}

// Dispatcher executes a confirmed record after re-validating it against
// the current catalog.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec intent.Record, cat *catalog.Catalog) intent.Result
}

// Event names reported to Config.Observe.
const (
	EventRequested     = "requested"
	EventRejected      = "rejected"
	EventConfirmed     = "confirmed"
	EventDenied        = "denied"
	EventUnclear       = "unclear"
	EventAutoCancelled = "auto_cancelled"
	EventExpired       = "expired"
)

// Config tunes a Machine. Zero values select defaults.
type Config struct {
	TTL               time.Duration
	MaxUnclearReplies int
	Now               func() time.Time
	// Observe is called with an Event* name on every transition.
	Observe func(event string)
}

// Machine implements the confirmation transitions.
type Machine struct {
	ttl        time.Duration
	maxUnclear int
	now        func() time.Time
	observe    func(string)
}

// NewMachine returns a Machine for cfg.
func NewMachine(cfg Config) *Machine {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxUnclearReplies <= 0 {
		cfg.MaxUnclearReplies = DefaultMaxUnclearReplies
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observe == nil {
		cfg.Observe = func(string) {}
	}
	return &Machine{ttl: cfg.TTL, maxUnclear: cfg.MaxUnclearReplies, now: cfg.Now, observe: cfg.Observe}
}

// TTL returns the configured confirmation lifetime.
func (m *Machine) TTL() time.Duration { return m.ttl }

func (m *Machine) prompt(p *Pending) string {
	left := p.ExpiresAt.Sub(m.now()).Round(time.Second)
	return fmt.Sprintf("%s Reply yes to proceed or no to cancel (expires in %s).", p.Summary, left)
}

// Request defers a high-risk record. With no pending confirmation it
// returns a needs_confirmation result and the new Pending. Otherwise the
// record is rejected and current is returned unchanged.
func (m *Machine) Request(sessionID string, current *Pending, rec intent.Record) (intent.Result, *Pending) {
	if current != nil {
		m.observe(EventRejected)
		summary := fmt.Sprintf("%s: finish confirming %q first", ErrPendingExists, current.Intent.Describe())
		return intent.Failed(rec, summary, ErrPendingExists), current
	}

	now := m.now()
	p := &Pending{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Intent:    rec,
		Summary:   fmt.Sprintf("This is a high-risk action: %s (%q).", rec.Describe(), rec.SubText),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.observe(EventRequested)
	return intent.Result{Intent: rec, Status: intent.StatusNeedsConfirmation, Summary: m.prompt(p)}, p
}

// Expire cancels current when its deadline has passed, returning the
// "confirmation expired" notice. Otherwise it returns nil and current.
func (m *Machine) Expire(current *Pending) (*intent.Result, *Pending) {
	if current == nil || !current.Expired(m.now()) {
		return nil, current
	}
	m.observe(EventExpired)
	res := intent.Failed(current.Intent,
		fmt.Sprintf("confirmation expired: %s was not executed", current.Intent.Describe()),
		ErrConfirmationExpired)
	return &res, nil
}

// Resolve applies a reply to current, which must be non-nil and
// unexpired. An affirmative reply dispatches the deferred record exactly
// once; a negative one drops it; an unclear one re-asks until the
// unclear-reply cap cancels it.
func (m *Machine) Resolve(ctx context.Context, current *Pending, reply Reply, d Dispatcher, cat *catalog.Catalog) (intent.Result, *Pending) {
	switch reply.Verdict {
	case VerdictAffirm:
		m.observe(EventConfirmed)
		return d.Dispatch(ctx, current.Intent.Deferred(), cat), nil

	case VerdictDeny:
		m.observe(EventDenied)
		return intent.Success(current.Intent,
			fmt.Sprintf("Cancelled: %s was not executed.", current.Intent.Describe()), nil), nil
	}

	next := *current
	next.UnclearReplies++
	if next.UnclearReplies >= m.maxUnclear {
		m.observe(EventAutoCancelled)
		return intent.Failed(current.Intent,
			fmt.Sprintf("confirmation cancelled after %d unclear replies: %s was not executed",
				next.UnclearReplies, current.Intent.Describe()), nil), nil
	}
	m.observe(EventUnclear)
	return intent.Result{
		Intent:  current.Intent,
		Status:  intent.StatusNeedsConfirmation,
		Summary: "Sorry, that was an unclear reply. " + m.prompt(&next),
	}, &next
}
