// Package assistant runs one user turn end to end: confirmation replies,
// classification, risk escalation, routing, state commit and audit.
package assistant

import (
	"context"
	"errors"
	"time"

	"github.com/bdobrica/hearth/common/observability"
	"github.com/bdobrica/hearth/common/trace"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/confirm"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/metrics"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
	"github.com/bdobrica/hearth/internal/hearth/router"
	"github.com/bdobrica/hearth/internal/hearth/session"
)

// Catalogs yields the current device and scene catalog. *catalog.Cache
// implements it.
type Catalogs interface {
	Get(ctx context.Context) (*catalog.Catalog, error)
}

// Auditor records the results of a turn. *store.Store implements it.
type Auditor interface {
	WriteResults(ctx context.Context, turn intent.Turn, results []intent.Result) error
}

// Config wires an Assistant. Policy and Auditor are optional.
type Config struct {
	Classifier *nlp.Classifier
	Router     *router.Router
	Sessions   *session.Manager
	Catalogs   Catalogs
	Policy     *confirm.Policy
	Auditor    Auditor
	// HistoryLimit is the number of past turns shown to the classifier.
	HistoryLimit int
	Now          func() time.Time
}

// Assistant handles turns. It is safe for concurrent use; turns of the same
// session are serialized.
type Assistant struct {
	cfg Config
}

// New validates cfg and returns an Assistant.
func New(cfg Config) (*Assistant, error) {
	switch {
	case cfg.Classifier == nil:
		return nil, errors.New("assistant: classifier is required")
	case cfg.Router == nil:
		return nil, errors.New("assistant: router is required")
	case cfg.Sessions == nil:
		return nil, errors.New("assistant: session manager is required")
	case cfg.Catalogs == nil:
		return nil, errors.New("assistant: catalog source is required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = nlp.DefaultHistoryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Assistant{cfg: cfg}, nil
}

// Sessions returns the session manager.
func (a *Assistant) Sessions() *session.Manager { return a.cfg.Sessions }

type turnOptions struct {
	idempotencyKey string
}

// TurnOption customizes one HandleTurn call.
type TurnOption func(*turnOptions)

// WithIdempotencyKey makes a repeated key within the same session return
// the stored response without doing anything again.
func WithIdempotencyKey(key string) TurnOption {
	return func(o *turnOptions) { o.idempotencyKey = key }
}

// HandleTurn processes one utterance for sessionID. The only error it
// returns is the cancellation of ctx; every other failure is reported as a
// result inside the response.
func (a *Assistant) HandleTurn(ctx context.Context, sessionID, utterance string, opts ...TurnOption) (*intent.TurnResponse, error) {
	var o turnOptions
	for _, fn := range opts {
		fn(&o)
	}
	ctx, traceID := trace.Ensure(ctx)
	ctx = trace.WithSession(ctx, sessionID)
	log := observability.WithTrace(ctx)
	start := time.Now()

	tx, err := a.cfg.Sessions.Begin(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			metrics.TurnsTotal.WithLabelValues(metrics.TurnCancelled).Inc()
			return nil, ctx.Err()
		}
		log.Error("session load failed", "err", err)
		rec := intent.Record{Kind: intent.KindConversation, SubText: utterance}
		return &intent.TurnResponse{
			SessionID: sessionID,
			TraceID:   traceID,
			Results:   []intent.Result{intent.Failed(rec, "Session state is unavailable right now; nothing was done. Please try again.", err)},
		}, nil
	}
	st := tx.State

	if prev, ok := st.Replay(o.idempotencyKey); ok {
		tx.Rollback()
		metrics.TurnsTotal.WithLabelValues(metrics.TurnReplayed).Inc()
		log.Info("turn replayed", "idempotency_key", o.idempotencyKey)
		replayed := *prev
		replayed.Replayed = true
		return &replayed, nil
	}

	turn := st.NextTurn(utterance, traceID, a.cfg.Now())
	log = log.With("seq", turn.Seq)

	cat, err := a.cfg.Catalogs.Get(ctx)
	if err != nil {
		log.Warn("catalog unavailable, classifying against an empty catalog", "err", err)
		cat = nil
	}

	results, settled, err := a.process(ctx, st, utterance, cat)
	if err != nil {
		// The user sees nothing from this turn, so only a confirmation they
		// answered yes or no is settled. Prompts they never saw are undone.
		st.Pending = settled
		st.Append(turn, nil, a.cfg.Sessions.MaxTurns())
		bg := context.WithoutCancel(ctx)
		if cerr := tx.Commit(bg); cerr != nil {
			log.Warn("commit after cancellation failed", "err", cerr)
		}
		if a.cfg.Auditor != nil && len(results) > 0 {
			if aerr := a.cfg.Auditor.WriteResults(bg, turn, results); aerr != nil {
				log.Error("audit write failed", "err", aerr)
			}
		}
		metrics.TurnsTotal.WithLabelValues(metrics.TurnCancelled).Inc()
		log.Warn("turn cancelled", "err", err, "settled_results", len(results))
		return nil, err
	}

	resp := &intent.TurnResponse{SessionID: sessionID, Seq: turn.Seq, TraceID: traceID, Results: results}
	st.Append(turn, resp, a.cfg.Sessions.MaxTurns())
	st.Remember(o.idempotencyKey, resp, turn.ReceivedAt, a.cfg.Sessions.MaxKeys())

	bg := context.WithoutCancel(ctx)
	if err := tx.Commit(bg); err != nil {
		log.Error("session commit failed", "err", err)
	}
	if a.cfg.Auditor != nil {
		if err := a.cfg.Auditor.WriteResults(bg, turn, results); err != nil {
			log.Error("audit write failed", "err", err)
		}
	}

	metrics.TurnsTotal.WithLabelValues(metrics.TurnHandled).Inc()
	metrics.ObserveResults(results)
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	metrics.PendingConfirmations.Set(float64(a.cfg.Sessions.PendingCount()))
	log.Info("turn handled",
		"results", len(results),
		"state", confirm.StateOf(st.Pending),
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// process produces the results of one turn, mutating st. On cancellation
// it returns the error together with the pending confirmation the session
// should keep and the results of any confirmation the reply settled.
func (a *Assistant) process(ctx context.Context, st *session.State, utterance string, cat *catalog.Catalog) ([]intent.Result, *confirm.Pending, error) {
	machine := a.cfg.Router.Machine()
	settled := st.Pending
	var results, answeredResults []intent.Result

	if notice, next := machine.Expire(st.Pending); notice != nil {
		results = append(results, *notice)
		st.Pending = next
	}

	text := utterance
	actionableOnly := false
	if st.Pending != nil {
		reply := confirm.ParseReply(utterance)
		res, next := machine.Resolve(ctx, st.Pending, reply, a.cfg.Router, cat)
		st.Pending = next
		results = append(results, res)
		answered := reply.Verdict != confirm.VerdictUnclear
		if answered {
			settled = next
			answeredResults = []intent.Result{res}
		}
		if err := ctx.Err(); err != nil {
			return answeredResults, settled, err
		}

		// A verdict may carry a further request ("yes, and turn on the hall
		// light"). An unclear reply may itself be a new request; only
		// records that do something are kept from it.
		text = reply.Remainder
		actionableOnly = !answered
		if text == "" {
			return results, nil, nil
		}
	}

	records := a.cfg.Classifier.Classify(ctx, nlp.ClassifyRequest{
		Message:   text,
		Devices:   cat.Devices(),
		Scenes:    cat.Scenes(),
		History:   st.Messages(a.cfg.HistoryLimit),
		SessionID: st.SessionID,
	})
	if actionableOnly {
		records = actionable(records)
	}
	records = a.cfg.Policy.Escalate(records, cat)
	if len(records) == 0 {
		return results, nil, nil
	}

	routed, err := a.cfg.Router.Route(ctx, records, st, cat)
	if err != nil {
		return answeredResults, settled, err
	}
	return append(results, routed...), nil, nil
}

func actionable(records []intent.Record) []intent.Record {
	var out []intent.Record
	for _, r := range records {
		if r.Kind.Executable() || r.Kind == intent.KindHighRisk {
			out = append(out, r)
		}
	}
	return out
}
