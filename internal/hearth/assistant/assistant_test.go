package assistant_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/hearth/internal/hearth/assistant"
	"github.com/bdobrica/hearth/internal/hearth/backend"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/clarify"
	"github.com/bdobrica/hearth/internal/hearth/confirm"
	"github.com/bdobrica/hearth/internal/hearth/executor"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
	"github.com/bdobrica/hearth/internal/hearth/router"
	"github.com/bdobrica/hearth/internal/hearth/session"
)

// scriptedProvider classifies by exact message and extracts by device id.
// Unknown messages classify as conversation.
type scriptedProvider struct {
	mu       sync.Mutex
	intents  map[string][]nlp.RawIntent
	extract  map[string]*nlp.Extraction
	messages []string
}

func (p *scriptedProvider) Classify(_ context.Context, req nlp.ClassifyRequest) (*nlp.ClassifyResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, req.Message)
	if in, ok := p.intents[req.Message]; ok {
		return &nlp.ClassifyResponse{Intents: in}, nil
	}
	return &nlp.ClassifyResponse{Intents: []nlp.RawIntent{{Kind: "conversation", SubText: req.Message, Reply: "ok"}}}, nil
}

func (p *scriptedProvider) Extract(_ context.Context, req nlp.ExtractRequest) (*nlp.Extraction, error) {
	return p.extract[req.Device.ID], nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memAuditor collects audited results.
type memAuditor struct {
	mu      sync.Mutex
	results []intent.Result
}

func (a *memAuditor) WriteResults(_ context.Context, _ intent.Turn, results []intent.Result) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, results...)
	return nil
}

type harness struct {
	a        *assistant.Assistant
	mem      *backend.Memory
	provider *scriptedProvider
	clock    *fakeClock
	audit    *memAuditor
	sessions *session.Manager
}

var (
	turnOff  = catalog.Function{Code: "turn_off", Type: "Boolean"}
	switchFn = catalog.Function{Code: "switch_1", Type: "Boolean"}
	unlockFn = catalog.Function{Code: "unlock", Type: "Boolean"}
)

func newHarness(t *testing.T, policy *confirm.Policy) *harness {
	t.Helper()
	mem := backend.NewMemory()
	mem.AddDevice(catalog.Device{ID: "switch_1", Name: "Switch 1", Category: "switch"}, turnOff, switchFn)
	mem.AddDevice(catalog.Device{ID: "switch_2", Name: "Switch 2", Category: "switch"}, turnOff, switchFn)
	mem.AddDevice(catalog.Device{ID: "hall_light", Name: "Hall Light", Category: "light"}, switchFn)
	mem.AddDevice(catalog.Device{ID: "front_lock", Name: "Front Door", Category: "lock"}, unlockFn)
	mem.AddScene(catalog.Scene{ID: "sc_movie", Name: "Movie Night"})

	p := &scriptedProvider{
		intents: map[string][]nlp.RawIntent{
			"turn off switch 2": {{Kind: "control", DeviceIDs: []string{"switch_2"}, SubText: "turn off switch 2"}},
			"turn on the TV":    {{Kind: "control", DeviceIDs: []string{"tv"}, Mention: "TV", SubText: "turn on the TV"}},
			"unlock all doors":  {{Kind: "high_risk", Action: "control", DeviceIDs: []string{"front_lock"}, SubText: "unlock all doors"}},
			"turn off switch 1 and switch 2": {
				{Kind: "control", DeviceIDs: []string{"switch_1"}, SubText: "turn off switch 1"},
				{Kind: "control", DeviceIDs: []string{"switch_2"}, SubText: "switch 2"},
			},
			"is switch 1 on? and is switch 1 on?": {
				{Kind: "query", DeviceIDs: []string{"switch_1"}, SubText: "is switch 1 on?"},
				{Kind: "query", DeviceIDs: []string{"switch_1"}, SubText: "is switch 1 on?"},
			},
			"turn on the hall light": {{Kind: "control", DeviceIDs: []string{"hall_light"}, SubText: "turn on the hall light"}},
			"open the front door":    {{Kind: "control", DeviceIDs: []string{"front_lock"}, SubText: "open the front door"}},
			"unlock all doors and turn off switch 2": {
				{Kind: "high_risk", Action: "control", DeviceIDs: []string{"front_lock"}, SubText: "unlock all doors"},
				{Kind: "control", DeviceIDs: []string{"switch_2"}, SubText: "turn off switch 2"},
			},
			"hmm, switch 2 off first": {{Kind: "control", DeviceIDs: []string{"switch_2"}, SubText: "switch 2 off first"}},
		},
		extract: map[string]*nlp.Extraction{
			"switch_1":   {Code: "turn_off", Value: true},
			"switch_2":   {Code: "turn_off", Value: true},
			"hall_light": {Code: "switch_1", Value: true},
			"front_lock": {Code: "unlock", Value: true},
		},
	}

	clock := &fakeClock{t: time.Date(2026, 5, 4, 20, 0, 0, 0, time.UTC)}
	machine := confirm.NewMachine(confirm.Config{TTL: 2 * time.Minute, Now: clock.Now})
	r := router.New(executor.NewSet(mem, p, executor.Options{Now: clock.Now}), clarify.New(3), machine, router.Options{})
	sessions := session.NewManager(session.Options{Now: clock.Now})
	audit := &memAuditor{}

	a, err := assistant.New(assistant.Config{
		Classifier: nlp.NewClassifier(p),
		Router:     r,
		Sessions:   sessions,
		Catalogs:   catalog.NewCache(backend.CatalogSource(mem, backend.Scope{}, clock.Now), catalog.CacheOptions{Now: clock.Now}),
		Policy:     policy,
		Auditor:    audit,
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{a: a, mem: mem, provider: p, clock: clock, audit: audit, sessions: sessions}
}

func (h *harness) turn(t *testing.T, text string, opts ...assistant.TurnOption) *intent.TurnResponse {
	t.Helper()
	resp, err := h.a.HandleTurn(context.Background(), "s1", text, opts...)
	if err != nil {
		t.Fatalf("HandleTurn(%q): %v", text, err)
	}
	return resp
}

func (h *harness) sends(target string) int {
	n := 0
	for _, c := range h.mem.Calls("SendCommand") {
		if c.Target == target {
			n++
		}
	}
	return n
}

func statuses(resp *intent.TurnResponse) []intent.Status {
	out := make([]intent.Status, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = r.Status
	}
	return out
}

// ----------------------------------------------------------------------------
// Scenarios

func TestScenario_TurnOffSwitch2(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.turn(t, "turn off switch 2")

	if len(resp.Results) != 1 || resp.Results[0].Status != intent.StatusSuccess {
		t.Fatalf("results = %+v", resp.Results)
	}
	calls := h.mem.Calls("SendCommand")
	if len(calls) != 1 {
		t.Fatalf("SendCommand calls = %d, want 1", len(calls))
	}
	if c := calls[0]; c.Target != "switch_2" || c.Code != "turn_off" || c.Value != true {
		t.Errorf("call = %+v", c)
	}
	if resp.Seq != 1 || resp.TraceID == "" {
		t.Errorf("seq=%d trace=%q", resp.Seq, resp.TraceID)
	}
	if len(h.audit.results) != 1 {
		t.Errorf("audited %d results", len(h.audit.results))
	}
}

func TestScenario_UnknownDeviceNeedsClarification(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.turn(t, "turn on the TV")

	if len(resp.Results) != 1 {
		t.Fatalf("results = %d", len(resp.Results))
	}
	res := resp.Results[0]
	if res.Status != intent.StatusNeedsClarification {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Intent.Rationale == "" || !strings.Contains(res.Intent.Rationale, "TV") {
		t.Errorf("rationale = %q", res.Intent.Rationale)
	}
	if len(h.mem.Calls("SendCommand")) != 0 {
		t.Error("nothing should be sent for an unresolved device")
	}
}

func TestScenario_UnlockConfirmedOnce(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.turn(t, "unlock all doors")
	if got := statuses(resp); len(got) != 1 || got[0] != intent.StatusNeedsConfirmation {
		t.Fatalf("statuses = %v", got)
	}
	if h.sends("front_lock") != 0 {
		t.Fatal("high-risk action ran before confirmation")
	}
	if confirm.StateOf(h.sessions.Peek("s1").Pending) != confirm.StateAwaiting {
		t.Fatal("session should await confirmation")
	}

	resp = h.turn(t, "yes")
	if resp.Results[0].Status != intent.StatusSuccess {
		t.Fatalf("confirmed result = %+v", resp.Results[0])
	}
	if h.sends("front_lock") != 1 {
		t.Errorf("unlock calls = %d, want 1", h.sends("front_lock"))
	}
	if confirm.StateOf(h.sessions.Peek("s1").Pending) != confirm.StateNone {
		t.Error("state should return to NONE")
	}

	// A second "yes" has nothing left to confirm.
	h.turn(t, "yes")
	if h.sends("front_lock") != 1 {
		t.Errorf("unlock calls after second yes = %d, want 1", h.sends("front_lock"))
	}
}

func TestScenario_UnlockDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, "unlock all doors")
	resp := h.turn(t, "no")

	if h.sends("front_lock") != 0 {
		t.Error("denied action was executed")
	}
	if !strings.HasPrefix(resp.Results[0].Summary, "Cancelled:") {
		t.Errorf("summary = %q", resp.Results[0].Summary)
	}
	if h.sessions.Peek("s1").Pending != nil {
		t.Error("pending should be cleared")
	}
}

func TestScenario_MultiDevicePartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.mem.FailOn("SendCommand", "switch_1", backend.ErrBackendUnavailable)

	resp := h.turn(t, "turn off switch 1 and switch 2")
	got := statuses(resp)
	if len(got) != 2 || got[0] != intent.StatusFailed || got[1] != intent.StatusSuccess {
		t.Fatalf("statuses = %v, want [failed success]", got)
	}
	if resp.Results[0].Intent.DeviceIDs[0] != "switch_1" || resp.Results[1].Intent.DeviceIDs[0] != "switch_2" {
		t.Error("results are not in input order")
	}
	if !strings.Contains(resp.Results[0].Error, backend.ErrBackendUnavailable.Error()) {
		t.Errorf("error = %q", resp.Results[0].Error)
	}
}

func TestScenario_IdenticalQueriesIdenticalSummaries(t *testing.T) {
	h := newHarness(t, nil)
	h.mem.SetStatus("switch_1", "switch_1", true)

	resp := h.turn(t, "is switch 1 on? and is switch 1 on?")
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d", len(resp.Results))
	}
	if resp.Results[0].Summary != resp.Results[1].Summary {
		t.Errorf("summaries differ: %q vs %q", resp.Results[0].Summary, resp.Results[1].Summary)
	}
	for _, r := range resp.Results {
		if r.Status == intent.StatusNeedsClarification {
			t.Error("catalog devices must not need clarification")
		}
	}
}

// ----------------------------------------------------------------------------
// Confirmation flow through turns

func TestConfirmation_UnclearCap(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, "unlock all doors")

	for i := 1; i < confirm.DefaultMaxUnclearReplies; i++ {
		resp := h.turn(t, "hmm")
		if len(resp.Results) != 1 || resp.Results[0].Status != intent.StatusNeedsConfirmation {
			t.Fatalf("reply %d: %+v", i, resp.Results)
		}
		if !strings.Contains(resp.Results[0].Summary, "unclear reply") {
			t.Errorf("reply %d summary = %q", i, resp.Results[0].Summary)
		}
	}
	resp := h.turn(t, "hmm")
	if resp.Results[0].Status != intent.StatusFailed {
		t.Errorf("status = %s", resp.Results[0].Status)
	}
	if h.sessions.Peek("s1").Pending != nil {
		t.Error("pending should be auto-cancelled")
	}
	if h.sends("front_lock") != 0 {
		t.Error("auto-cancelled action was executed")
	}
}

func TestConfirmation_ReplyWithRemainder(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, "unlock all doors")

	resp := h.turn(t, "yes, and turn on the hall light")
	got := statuses(resp)
	if len(got) != 2 || got[0] != intent.StatusSuccess || got[1] != intent.StatusSuccess {
		t.Fatalf("statuses = %v", got)
	}
	if h.sends("front_lock") != 1 || h.sends("hall_light") != 1 {
		t.Errorf("sends: lock=%d light=%d", h.sends("front_lock"), h.sends("hall_light"))
	}
}

func TestConfirmation_UnclearReplyStillRunsNewRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, "unlock all doors")

	resp := h.turn(t, "turn on the hall light")
	got := statuses(resp)
	if len(got) != 2 || got[0] != intent.StatusNeedsConfirmation || got[1] != intent.StatusSuccess {
		t.Fatalf("statuses = %v", got)
	}
	if h.sessions.Peek("s1").Pending == nil {
		t.Error("pending confirmation should survive an unrelated request")
	}
}

func TestConfirmation_Expiry(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, "unlock all doors")
	h.clock.Advance(3 * time.Minute)

	resp := h.turn(t, "yes")
	if len(resp.Results) < 1 || !strings.Contains(resp.Results[0].Summary, "confirmation expired") {
		t.Fatalf("first result = %+v", resp.Results)
	}
	if !strings.Contains(resp.Results[0].Error, confirm.ErrConfirmationExpired.Error()) {
		t.Errorf("error = %q", resp.Results[0].Error)
	}
	if h.sends("front_lock") != 0 {
		t.Error("expired action was executed")
	}
}

func TestConfirmation_PolicyEscalation(t *testing.T) {
	policy, err := confirm.ParsePolicy([]byte("high_risk:\n  categories: [lock]\n"))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, policy)

	resp := h.turn(t, "open the front door")
	if resp.Results[0].Status != intent.StatusNeedsConfirmation {
		t.Fatalf("status = %s", resp.Results[0].Status)
	}
	if h.sends("front_lock") != 0 {
		t.Error("escalated action ran without confirmation")
	}
}

// ----------------------------------------------------------------------------
// Turn mechanics

func TestHandleTurn_IdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t, nil)
	first := h.turn(t, "turn off switch 2", assistant.WithIdempotencyKey("$evt1"))
	second := h.turn(t, "turn off switch 2", assistant.WithIdempotencyKey("$evt1"))

	if !second.Replayed || first.Replayed {
		t.Errorf("replayed flags: first=%v second=%v", first.Replayed, second.Replayed)
	}
	if second.Seq != first.Seq {
		t.Errorf("replayed seq = %d, want %d", second.Seq, first.Seq)
	}
	if len(h.mem.Calls("SendCommand")) != 1 {
		t.Errorf("SendCommand calls = %d, want 1", len(h.mem.Calls("SendCommand")))
	}

	third := h.turn(t, "turn off switch 2", assistant.WithIdempotencyKey("$evt2"))
	if third.Replayed || third.Seq != 2 {
		t.Errorf("new key: replayed=%v seq=%d", third.Replayed, third.Seq)
	}
}

func TestHandleTurn_HistoryReachesClassifier(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, "hello")
	h.turn(t, "turn off switch 2")

	st := h.sessions.Peek("s1")
	if len(st.History) != 2 || st.History[1].Turn.Seq != 2 {
		t.Fatalf("history = %+v", st.History)
	}
	if st.History[0].Response != "✅ ok" {
		t.Errorf("stored response = %q", st.History[0].Response)
	}
}

func TestHandleTurn_Cancellation(t *testing.T) {
	h := newHarness(t, nil)
	h.mem.SetLatency("switch_2", 200*time.Millisecond)

	// Warm the catalog so the deadline is spent in the executor.
	h.turn(t, "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	resp, err := h.a.HandleTurn(ctx, "s1", "turn off switch 2")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if resp != nil {
		t.Error("response must be nil on cancellation")
	}

	// The session is usable again and the sequence moved on.
	next := h.turn(t, "hello")
	if next.Seq != 3 {
		t.Errorf("seq = %d, want 3", next.Seq)
	}
}

func TestHandleTurn_CancelledConfirmationStillRuns(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, "unlock all doors")
	h.mem.SetLatency("front_lock", 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := h.a.HandleTurn(ctx, "s1", "yes"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if n := h.sends("front_lock"); n != 1 {
		t.Fatalf("unlock calls = %d, want 1", n)
	}
	if confirm.StateOf(h.sessions.Peek("s1").Pending) != confirm.StateNone {
		t.Error("answered confirmation should be settled")
	}

	h.audit.mu.Lock()
	audited := len(h.audit.results) > 0 && h.audit.results[len(h.audit.results)-1].Status == intent.StatusSuccess
	h.audit.mu.Unlock()
	if !audited {
		t.Error("confirmed action should be audited even though the turn was cancelled")
	}

	h.mem.SetLatency("front_lock", 0)
	h.turn(t, "yes")
	if n := h.sends("front_lock"); n != 1 {
		t.Errorf("unlock calls after second yes = %d, want 1", n)
	}
}

func TestHandleTurn_CancelledTurnDropsUnseenPrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, "hello")
	h.mem.SetLatency("switch_2", 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := h.a.HandleTurn(ctx, "s1", "unlock all doors and turn off switch 2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if confirm.StateOf(h.sessions.Peek("s1").Pending) != confirm.StateNone {
		t.Fatal("a confirmation prompt the user never saw must not stay pending")
	}

	h.mem.SetLatency("switch_2", 0)
	h.turn(t, "yes")
	if n := h.sends("front_lock"); n != 0 {
		t.Errorf("unlock calls = %d, want 0", n)
	}
}

func TestHandleTurn_CancelledUnclearReplyNotCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.turn(t, "unlock all doors")
	h.mem.SetLatency("switch_2", 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := h.a.HandleTurn(ctx, "s1", "hmm, switch 2 off first"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	p := h.sessions.Peek("s1").Pending
	if p == nil {
		t.Fatal("pending confirmation should survive the cancelled turn")
	}
	if p.UnclearReplies != 0 {
		t.Errorf("unclear replies = %d, want 0", p.UnclearReplies)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := assistant.New(assistant.Config{}); err == nil {
		t.Error("expected error for empty config")
	}
}
