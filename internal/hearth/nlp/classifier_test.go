package nlp_test

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
)

// stubProvider returns a canned response and records the last request.
type stubProvider struct {
	resp     *nlp.ClassifyResponse
	err      error
	calls    int
	captured nlp.ClassifyRequest
}

func (s *stubProvider) Classify(_ context.Context, req nlp.ClassifyRequest) (*nlp.ClassifyResponse, error) {
	s.calls++
	s.captured = req
	return s.resp, s.err
}

func (s *stubProvider) Extract(context.Context, nlp.ExtractRequest) (*nlp.Extraction, error) {
	return nil, nil
}

var _ nlp.Provider = (*stubProvider)(nil)

var (
	devices = []catalog.Device{
		{ID: "switch_1", Name: "Switch 1"},
		{ID: "switch_2", Name: "Switch 2"},
		{ID: "lock_front", Name: "Front Door", Category: "lock"},
	}
	scenes = []catalog.Scene{{ID: "sc_movie", Name: "Movie Night"}}
)

func classify(t *testing.T, p nlp.Provider, msg string, opts ...nlp.ClassifierOption) []intent.Record {
	t.Helper()
	c := nlp.NewClassifier(p, opts...)
	recs := c.Classify(context.Background(), nlp.ClassifyRequest{
		Message: msg, Devices: devices, Scenes: scenes, SessionID: "s1",
	})
	if len(recs) == 0 {
		t.Fatal("Classify must return at least one record")
	}
	return recs
}

func TestClassifier_ValidRecordsKeepOrder(t *testing.T) {
	p := &stubProvider{resp: &nlp.ClassifyResponse{Intents: []nlp.RawIntent{
		{Kind: "control", DeviceIDs: []string{"switch_1"}, SubText: "turn off switch 1"},
		{Kind: "control", DeviceIDs: []string{"switch_1"}, SubText: "then switch 1 again"},
		{Kind: "query", DeviceIDs: []string{"switch_2"}, SubText: "is switch 2 on"},
	}}}
	recs := classify(t, p, "turn off switch 1, then switch 1 again, is switch 2 on")
	if len(recs) != 3 {
		t.Fatalf("expected 3 records (duplicates kept), got %d", len(recs))
	}
	for i, r := range recs {
		if r.Index != i {
			t.Errorf("record %d has index %d", i, r.Index)
		}
		if r.Kind == intent.KindAmbiguous {
			t.Errorf("record %d unexpectedly ambiguous: %s", i, r.Rationale)
		}
	}
	if recs[2].Kind != intent.KindQuery {
		t.Errorf("record 2 kind = %q", recs[2].Kind)
	}
}

func TestClassifier_UnknownDeviceBecomesAmbiguous(t *testing.T) {
	cases := []struct {
		name string
		raw  nlp.RawIntent
		want string
	}{
		{"invented id", nlp.RawIntent{Kind: "control", DeviceIDs: []string{"tv_1"}, Mention: "TV"}, `device "TV" not found`},
		{"null reference", nlp.RawIntent{Kind: "control", Mention: "TV", SubText: "turn on the TV"}, `device "TV" not found`},
		{"id without mention", nlp.RawIntent{Kind: "query", DeviceIDs: []string{"switch_9"}}, `device "switch_9" not found`},
		{"unknown scene", nlp.RawIntent{Kind: "scene", SceneName: "Party"}, `scene "Party" not found`},
		{"high risk on unknown", nlp.RawIntent{Kind: "high_risk", DeviceIDs: []string{"garage"}}, `device "garage" not found`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs := classify(t, &stubProvider{resp: &nlp.ClassifyResponse{Intents: []nlp.RawIntent{tc.raw}}}, "x")
			r := recs[0]
			if r.Kind != intent.KindAmbiguous {
				t.Fatalf("kind = %q, want ambiguous", r.Kind)
			}
			if r.Rationale != tc.want {
				t.Errorf("rationale = %q, want %q", r.Rationale, tc.want)
			}
			if len(r.DeviceIDs) != 0 {
				t.Errorf("ambiguous record carries device ids %v", r.DeviceIDs)
			}
		})
	}
}

func TestClassifier_EmptyCatalogMakesEverythingAmbiguous(t *testing.T) {
	p := &stubProvider{resp: &nlp.ClassifyResponse{Intents: []nlp.RawIntent{
		{Kind: "control", DeviceIDs: []string{"switch_1"}},
	}}}
	c := nlp.NewClassifier(p)
	recs := c.Classify(context.Background(), nlp.ClassifyRequest{Message: "switch 1 off"})
	if recs[0].Kind != intent.KindAmbiguous {
		t.Fatalf("expected ambiguous with empty catalog, got %q", recs[0].Kind)
	}
}

func TestClassifier_SceneResolvedByName(t *testing.T) {
	p := &stubProvider{resp: &nlp.ClassifyResponse{Intents: []nlp.RawIntent{
		{Kind: "scene", SceneName: "movie night scene"},
	}}}
	r := classify(t, p, "start movie night")[0]
	if r.Kind != intent.KindScene || r.SceneID != "sc_movie" {
		t.Fatalf("got %+v", r)
	}
}

func TestClassifier_ScheduleValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  nlp.RawIntent
		kind intent.Kind
		want string
	}{
		{"complete", nlp.RawIntent{Kind: "schedule", DeviceIDs: []string{"switch_1"}, Time: "7:30", Days: []string{"monday", "fri"}}, intent.KindSchedule, ""},
		{"no time", nlp.RawIntent{Kind: "schedule", DeviceIDs: []string{"switch_1"}, Days: []string{"Mon"}}, intent.KindAmbiguous, intent.RationaleScheduleMissingTime},
		{"bad time", nlp.RawIntent{Kind: "schedule", DeviceIDs: []string{"switch_1"}, Time: "25:00", Days: []string{"Mon"}}, intent.KindAmbiguous, intent.RationaleScheduleMissingTime},
		{"no days", nlp.RawIntent{Kind: "schedule", DeviceIDs: []string{"switch_1"}, Time: "07:30"}, intent.KindAmbiguous, intent.RationaleScheduleMissingDays},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := classify(t, &stubProvider{resp: &nlp.ClassifyResponse{Intents: []nlp.RawIntent{tc.raw}}}, "x")[0]
			if r.Kind != tc.kind || r.Rationale != tc.want {
				t.Fatalf("got kind=%q rationale=%q", r.Kind, r.Rationale)
			}
			if tc.kind == intent.KindSchedule {
				want := &intent.Schedule{Time: "07:30", Days: []string{"Mon", "Fri"}}
				if !reflect.DeepEqual(r.Schedule, want) {
					t.Errorf("schedule = %+v", r.Schedule)
				}
			}
		})
	}
}

func TestClassifier_HighRiskDefaultsToControl(t *testing.T) {
	p := &stubProvider{resp: &nlp.ClassifyResponse{Intents: []nlp.RawIntent{
		{Kind: "high_risk", DeviceIDs: []string{"lock_front"}, SubText: "unlock the front door"},
	}}}
	r := classify(t, p, "unlock the front door")[0]
	if r.Kind != intent.KindHighRisk || r.Action != intent.KindControl {
		t.Fatalf("got kind=%q action=%q", r.Kind, r.Action)
	}
}

func TestClassifier_Degrades(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		reason string
	}{
		{"timeout", context.DeadlineExceeded, "provider_error"},
		{"malformed", nlp.ErrMalformedOutput, "malformed_output"},
		{"upstream 429", nlp.ErrRateLimit, "upstream_rate_limited"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			recs := classify(t, &stubProvider{err: tc.err}, "turn off switch 1",
				nlp.WithDegradedHook(func(r string) { got = r }))
			if len(recs) != 1 || recs[0].Kind != intent.KindAmbiguous ||
				recs[0].Rationale != intent.RationaleClassificationUnavailable {
				t.Fatalf("got %+v", recs)
			}
			if got != tc.reason {
				t.Errorf("degraded reason = %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestClassifier_SessionRateLimit(t *testing.T) {
	p := &stubProvider{resp: &nlp.ClassifyResponse{}}
	c := nlp.NewClassifier(p, nlp.WithRateLimiter(nlp.NewRateLimiter(1, 0)))
	req := nlp.ClassifyRequest{Message: "hi", SessionID: "s1"}
	c.Classify(context.Background(), req)
	recs := c.Classify(context.Background(), req)
	if recs[0].Rationale != intent.RationaleClassificationUnavailable {
		t.Fatalf("expected degraded record, got %+v", recs[0])
	}
	if p.calls != 1 {
		t.Errorf("provider should not be called when rate limited, calls=%d", p.calls)
	}
}

func TestClassifier_EmptyAndTrivial(t *testing.T) {
	p := &stubProvider{resp: &nlp.ClassifyResponse{}}
	c := nlp.NewClassifier(p)

	recs := c.Classify(context.Background(), nlp.ClassifyRequest{Message: "   "})
	if recs[0].Kind != intent.KindAmbiguous || recs[0].Rationale != intent.RationaleEmptyUtterance {
		t.Fatalf("empty utterance: got %+v", recs[0])
	}
	if p.calls != 0 {
		t.Error("provider must not be called for an empty utterance")
	}

	recs = c.Classify(context.Background(), nlp.ClassifyRequest{Message: "thanks!"})
	if len(recs) != 1 || recs[0].Kind != intent.KindConversation {
		t.Fatalf("trivial utterance: got %+v", recs)
	}
}

func TestClassifier_UnknownKindAndLowConfidence(t *testing.T) {
	p := &stubProvider{resp: &nlp.ClassifyResponse{Intents: []nlp.RawIntent{
		{Kind: "teleport", SubText: "beam me up"},
		{Kind: "control", DeviceIDs: []string{"switch_1"}, SubText: "maybe switch", Confidence: 0.2},
		{Kind: "ambiguous", SubText: "do the thing"},
	}}}
	recs := classify(t, p, "beam me up, maybe switch, do the thing")
	for i, r := range recs {
		if r.Kind != intent.KindAmbiguous || r.Rationale == "" {
			t.Errorf("record %d: kind=%q rationale=%q", i, r.Kind, r.Rationale)
		}
	}
	if !strings.Contains(recs[0].Rationale, "teleport") {
		t.Errorf("rationale should name the unknown kind: %q", recs[0].Rationale)
	}
}

func TestClassifier_HistoryIsBounded(t *testing.T) {
	p := &stubProvider{resp: &nlp.ClassifyResponse{}}
	c := nlp.NewClassifier(p, nlp.WithHistoryLimit(2))
	hist := []nlp.HistoryMessage{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}, {Role: "user", Content: "c"}}
	c.Classify(context.Background(), nlp.ClassifyRequest{Message: "d", History: hist})
	if len(p.captured.History) != 2 || p.captured.History[0].Content != "b" {
		t.Fatalf("history = %+v", p.captured.History)
	}
}
