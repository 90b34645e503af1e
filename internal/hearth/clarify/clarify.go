// Package clarify answers ambiguous intents with a request for more detail.
package clarify

import (
	"fmt"
	"strings"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
)

// DefaultMaxSuggestions bounds the names offered per clarification.
const DefaultMaxSuggestions = 3

// Handler builds needs_clarification results. It never touches pending
// confirmations and never picks a device on the user's behalf.
type Handler struct {
	MaxSuggestions int
}

// New returns a Handler offering at most maxSuggestions names.
func New(maxSuggestions int) *Handler {
	if maxSuggestions <= 0 {
		maxSuggestions = DefaultMaxSuggestions
	}
	return &Handler{MaxSuggestions: maxSuggestions}
}

// Handle returns a needs_clarification result whose summary carries the
// record's rationale verbatim. Records with an unresolved mention get
// nearest-name suggestions from cat.
func (h *Handler) Handle(rec intent.Record, cat *catalog.Catalog) intent.Result {
	rationale := rec.Rationale
	if rationale == "" {
		rationale = "unclear request"
	}

	res := intent.Result{
		Intent:  rec,
		Status:  intent.StatusNeedsClarification,
		Summary: summary(rationale, rec.SubText),
	}
	if rationale == intent.RationaleClassificationUnavailable {
		res.Error = nlp.ErrClassificationUnavailable.Error()
	}

	if rec.Mention != "" {
		res.Error = fmt.Sprintf("%s: %q", catalog.ErrUnresolvedReference, rec.Mention)
		res.Suggestions = cat.Suggest(rec.Mention, h.MaxSuggestions)
	}
	return res
}

func summary(rationale, subText string) string {
	var hint string
	switch rationale {
	case intent.RationaleEmptyUtterance:
		hint = "I didn't get any text. What would you like me to do?"
	case intent.RationaleClassificationUnavailable:
		hint = "I can't interpret requests right now. Please try again in a moment."
	case intent.RationaleScheduleMissingTime:
		hint = "At what time should this happen?"
	case intent.RationaleScheduleMissingDays:
		hint = "On which days should this happen?"
	default:
		hint = "Which device or scene did you mean?"
	}
	s := rationale + ". " + hint
	if sub := strings.TrimSpace(subText); sub != "" {
		s = fmt.Sprintf("%s (%q)", s, sub)
	}
	return s
}
