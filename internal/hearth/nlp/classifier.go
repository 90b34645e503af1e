package nlp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/hearth/common/observability"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
)

// MinConfidence is the score below which a reported confidence turns a
// proposal into an ambiguous record. A zero confidence means "not
// reported" and is accepted.
const MinConfidence = 0.5

// DefaultHistoryLimit bounds how many history messages reach the model.
const DefaultHistoryLimit = 10

// Classifier turns provider proposals into trusted intent records.
//
// Its guarantees, whatever the provider returns:
//  1. At least one record is returned, in utterance order.
//  2. Every device or scene id on a non-ambiguous record exists in the
//     catalog of the request. Invented ids and near-matches are downgraded
//     to ambiguous records naming the unresolved mention.
//  3. Schedule records carry a valid HH:MM time and at least one weekday.
//  4. Provider failures degrade to one ambiguous record with rationale
//     classification_unavailable.
type Classifier struct {
	provider     Provider
	limiter      *RateLimiter
	historyLimit int
	onDegraded   func(reason string)
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithRateLimiter applies a per-session call limit.
func WithRateLimiter(rl *RateLimiter) ClassifierOption {
	return func(c *Classifier) { c.limiter = rl }
}

// WithHistoryLimit caps the history messages sent to the provider.
func WithHistoryLimit(n int) ClassifierOption {
	return func(c *Classifier) { c.historyLimit = n }
}

// WithDegradedHook is called with a short reason whenever classification
// degrades ("provider_error", "rate_limited", "malformed_output").
func WithDegradedHook(fn func(reason string)) ClassifierOption {
	return func(c *Classifier) { c.onDegraded = fn }
}

// NewClassifier returns a Classifier backed by provider.
func NewClassifier(provider Provider, opts ...ClassifierOption) *Classifier {
	c := &Classifier{provider: provider, historyLimit: DefaultHistoryLimit}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify never fails; see the Classifier guarantees.
func (c *Classifier) Classify(ctx context.Context, req ClassifyRequest) []intent.Record {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return []intent.Record{{Kind: intent.KindAmbiguous, Rationale: intent.RationaleEmptyUtterance}}
	}
	log := observability.WithTrace(ctx)

	if c.limiter != nil && !c.limiter.Allow(req.SessionID) {
		log.Warn("classification rate limit reached")
		return c.degraded(text, "rate_limited")
	}

	req.Message = text
	if c.historyLimit > 0 && len(req.History) > c.historyLimit {
		req.History = req.History[len(req.History)-c.historyLimit:]
	}

	resp, err := c.provider.Classify(ctx, req)
	if err != nil {
		reason := "provider_error"
		switch {
		case errors.Is(err, ErrMalformedOutput):
			reason = "malformed_output"
		case errors.Is(err, ErrRateLimit):
			reason = "upstream_rate_limited"
		}
		log.Warn("classification degraded", "reason", reason, "err", err)
		return c.degraded(text, reason)
	}
	if resp == nil || len(resp.Intents) == 0 {
		return []intent.Record{{Kind: intent.KindConversation, SubText: text}}
	}

	cat := catalog.New(req.Devices, req.Scenes, time.Time{})
	out := make([]intent.Record, 0, len(resp.Intents))
	for i, raw := range resp.Intents {
		rec := validate(raw, cat)
		rec.Index = i
		if rec.SubText == "" {
			rec.SubText = text
		}
		if rec.Kind == intent.KindAmbiguous {
			log.Debug("intent downgraded to ambiguous", "index", i, "kind", raw.Kind, "rationale", rec.Rationale)
		}
		out = append(out, rec)
	}
	return out
}

func (c *Classifier) degraded(text, reason string) []intent.Record {
	if c.onDegraded != nil {
		c.onDegraded(reason)
	}
	return []intent.Record{{
		Kind:      intent.KindAmbiguous,
		SubText:   text,
		Rationale: intent.RationaleClassificationUnavailable,
	}}
}

// validate converts one proposal into a record that satisfies the catalog
// membership rule.
func validate(raw RawIntent, cat *catalog.Catalog) intent.Record {
	rec := intent.Record{
		SubText:   strings.TrimSpace(raw.SubText),
		Mention:   strings.TrimSpace(raw.Mention),
		Rationale: strings.TrimSpace(raw.Rationale),
	}

	kind, ok := intent.ParseKind(raw.Kind)
	if !ok {
		return rec.Ambiguous(fmt.Sprintf("unrecognised request type %q", raw.Kind), "")
	}
	rec.Kind = kind

	switch kind {
	case intent.KindConversation:
		rec.Reply = strings.TrimSpace(raw.Reply)
		rec.Rationale = ""
		return rec
	case intent.KindAmbiguous:
		rec.DeviceIDs, rec.SceneID = nil, ""
		if rec.Rationale == "" {
			rec.Rationale = "unclear request"
		}
		return rec
	}

	if raw.Confidence > 0 && raw.Confidence < MinConfidence {
		return rec.Ambiguous(fmt.Sprintf("not sure what %q means", fallback(rec.SubText, rec.Mention)), "")
	}
	rec.Rationale = ""

	target := kind
	if kind == intent.KindHighRisk {
		action, ok := intent.ParseKind(raw.Action)
		if !ok || !action.Executable() {
			action = intent.KindControl
		}
		rec.Action = action
		target = action
	}

	if target == intent.KindScene {
		return resolveScene(rec, raw, cat)
	}

	rec, ok = resolveDevices(rec, raw, cat)
	if !ok {
		return rec
	}
	if target == intent.KindSchedule {
		return resolveSchedule(rec, raw)
	}
	return rec
}

func resolveDevices(rec intent.Record, raw RawIntent, cat *catalog.Catalog) (intent.Record, bool) {
	if len(raw.DeviceIDs) == 0 {
		mention := fallback(rec.Mention, rec.SubText)
		return rec.Ambiguous(fmt.Sprintf("device %q not found", mention), mention), false
	}
	ids := make([]string, 0, len(raw.DeviceIDs))
	for _, id := range raw.DeviceIDs {
		id = strings.TrimSpace(id)
		if !cat.HasDevice(id) {
			mention := fallback(rec.Mention, id)
			return rec.Ambiguous(fmt.Sprintf("device %q not found", mention), mention), false
		}
		ids = append(ids, id)
	}
	rec.DeviceIDs = ids
	return rec, true
}

func resolveScene(rec intent.Record, raw RawIntent, cat *catalog.Catalog) intent.Record {
	if s, ok := cat.Scene(strings.TrimSpace(raw.SceneID)); ok {
		rec.SceneID, rec.SceneName = s.ID, s.Name
		return rec
	}
	name := fallback(strings.TrimSpace(raw.SceneName), rec.Mention)
	if s, err := cat.ResolveScene(name); err == nil {
		rec.SceneID, rec.SceneName = s.ID, s.Name
		return rec
	}
	mention := fallback(name, fallback(raw.SceneID, rec.SubText))
	return rec.Ambiguous(fmt.Sprintf("scene %q not found", mention), mention)
}

func resolveSchedule(rec intent.Record, raw RawIntent) intent.Record {
	clock, err := intent.NormalizeClock(raw.Time)
	if err != nil {
		return rec.Ambiguous(intent.RationaleScheduleMissingTime, "")
	}
	days, _ := intent.NormalizeDays(raw.Days)
	if len(days) == 0 {
		return rec.Ambiguous(intent.RationaleScheduleMissingDays, "")
	}
	rec.Schedule = &intent.Schedule{Time: clock, Days: days}
	return rec
}

func fallback(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
