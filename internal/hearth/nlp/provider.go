// Package nlp is the language-model layer of Hearth.
//
// A Provider turns an utterance into raw intent proposals (Classify) and
// picks a concrete device function and value for one sub-command (Extract).
// The Classifier wraps a Provider and is the only place raw proposals are
// turned into intent.Records: it checks every reference against the catalog
// and degrades anything it cannot trust to an ambiguous record. The model
// only ever proposes; it never reaches the backend.
package nlp

import (
	"context"
	"errors"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
)

// ErrRateLimit is returned by a Provider when the upstream API reports a
// rate-limiting condition (HTTP 429).
var ErrRateLimit = errors.New("nlp: upstream rate limit exceeded")

// ErrMalformedOutput is returned when the model's answer cannot be decoded
// into the expected JSON shape.
var ErrMalformedOutput = errors.New("nlp: malformed response from LLM")

// ErrClassificationUnavailable marks a turn whose classification degraded
// because the provider failed or the session hit its rate limit.
var ErrClassificationUnavailable = errors.New("nlp: classification unavailable")

// HistoryMessage is a prior turn shown to the model for continuity.
type HistoryMessage struct {
	// Role is "user" or "assistant".
	Role    string
	Content string
}

// ClassifyRequest is the input to one classification call.
type ClassifyRequest struct {
	Message string
	Devices []catalog.Device
	Scenes  []catalog.Scene
	// History holds the most recent turns of the session, oldest first.
	History []HistoryMessage
	// SessionID is used for rate limiting only; it is never sent upstream.
	SessionID string
}

// RawIntent is one sub-command as the model proposed it. Nothing in it is
// trusted until the Classifier has checked it.
type RawIntent struct {
	Kind       string   `json:"kind"`
	Action     string   `json:"action,omitempty"`
	DeviceIDs  []string `json:"device_ids,omitempty"`
	SceneID    string   `json:"scene_id,omitempty"`
	SceneName  string   `json:"scene_name,omitempty"`
	Mention    string   `json:"mention,omitempty"`
	SubText    string   `json:"sub_text"`
	Rationale  string   `json:"rationale,omitempty"`
	Time       string   `json:"time,omitempty"`
	Days       []string `json:"days,omitempty"`
	Reply      string   `json:"reply,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// ClassifyResponse is the raw output of a Provider.
type ClassifyResponse struct {
	Intents []RawIntent `json:"intents"`
	// Usage is nil when the provider does not report token counts.
	Usage *TokenUsage `json:"-"`
}

// TokenUsage carries the token counts reported by the upstream API.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	LatencyMS        int64
}

// ExtractRequest asks for the function and value one sub-command sets on a
// device, constrained to the functions the device declares.
type ExtractRequest struct {
	Text      string
	Device    catalog.Device
	Functions []catalog.Function
	// WantSchedule asks for time and days as well.
	WantSchedule bool
}

// Extraction is the extracted command. A nil *Extraction means the model
// found nothing it could map onto the device.
type Extraction struct {
	Code  string   `json:"code"`
	Value any      `json:"value"`
	Time  string   `json:"time,omitempty"`
	Days  []string `json:"days,omitempty"`
	// FailureReason explains a nil-equivalent answer ("device has no
	// brightness function").
	FailureReason string `json:"failure_reason,omitempty"`
}

// Provider is the language-model collaborator.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResponse, error)
	Extract(ctx context.Context, req ExtractRequest) (*Extraction, error)
}
