package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/hearth/common/environment"
	"github.com/bdobrica/hearth/internal/hearth/app"
	"github.com/bdobrica/hearth/internal/hearth/assistant"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
)

// stubTurns answers every turn with one success result.
type stubTurns struct {
	sessionID string
	text      string
	opts      int
	err       error
}

func (s *stubTurns) HandleTurn(_ context.Context, sessionID, utterance string, opts ...assistant.TurnOption) (*intent.TurnResponse, error) {
	s.sessionID, s.text, s.opts = sessionID, utterance, len(opts)
	if s.err != nil {
		return nil, s.err
	}
	return &intent.TurnResponse{SessionID: sessionID, Seq: 1, Results: []intent.Result{{Status: intent.StatusSuccess, Summary: "ok"}}}, nil
}

type stubStatus struct{}

func (stubStatus) Sessions() []string { return []string{"a", "b"} }
func (stubStatus) PendingCount() int  { return 1 }

type stubCatalog struct{ cat *catalog.Catalog }

func (s stubCatalog) Peek() *catalog.Catalog { return s.cat }

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

// --- Server ---

func TestServer_Health(t *testing.T) {
	s := app.NewServer("127.0.0.1:0", &stubTurns{}, nil, nil, 0)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestServer_Status(t *testing.T) {
	cat := catalog.New([]catalog.Device{{ID: "d1"}, {ID: "d2"}}, []catalog.Scene{{ID: "s1"}}, time.Now())
	s := app.NewServer("127.0.0.1:0", &stubTurns{}, stubStatus{}, stubCatalog{cat}, 0)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	resp := decode(t, w)
	if resp["sessions"].(float64) != 2 || resp["pending_confirmations"].(float64) != 1 {
		t.Errorf("session counters = %v / %v", resp["sessions"], resp["pending_confirmations"])
	}
	if resp["catalog_devices"].(float64) != 2 || resp["catalog_scenes"].(float64) != 1 {
		t.Errorf("catalog counters = %v / %v", resp["catalog_devices"], resp["catalog_scenes"])
	}
}

func TestServer_Metrics(t *testing.T) {
	s := app.NewServer("127.0.0.1:0", &stubTurns{}, nil, nil, 0)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "hearth_") {
		t.Errorf("metrics: code=%d", w.Code)
	}
}

func TestServer_Turn(t *testing.T) {
	turns := &stubTurns{}
	s := app.NewServer("127.0.0.1:0", turns, nil, nil, time.Second)

	body := `{"session_id":"kitchen","text":"turn off switch 2"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "req-1")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", w.Code, w.Body.String())
	}
	if turns.sessionID != "kitchen" || turns.text != "turn off switch 2" || turns.opts != 1 {
		t.Errorf("handler saw %+v", turns)
	}
	var resp intent.TurnResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Summary != "ok" {
		t.Errorf("response = %+v", resp)
	}
}

func TestServer_TurnErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"unknown field", `{"session_id":"a","txt":"x"}`, nil, http.StatusBadRequest},
		{"missing session", `{"text":"hi"}`, nil, http.StatusBadRequest},
		{"cancelled", `{"session_id":"a","text":"hi"}`, context.DeadlineExceeded, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := app.NewServer("127.0.0.1:0", &stubTurns{err: tc.err}, nil, nil, 0)
			w := httptest.NewRecorder()
			s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/turns", bytes.NewBufferString(tc.body)))
			if w.Code != tc.code {
				t.Errorf("code = %d, want %d", w.Code, tc.code)
			}
		})
	}
}

// --- Config ---

func TestLoadConfig(t *testing.T) {
	env := environment.FromMap(app.EnvPrefix, map[string]string{
		"HEARTH_BACKEND_URL":   "https://api.example.com",
		"HEARTH_BACKEND_EMAIL": "me@example.com",
		"HEARTH_PROJECT_ID":    "p",
		"HEARTH_COMMUNITY_ID":  "c",
		"HEARTH_SPACE_ID":      "s",
		"HEARTH_NLP_API_KEY":   "sk-test",
		"HEARTH_WORKERS":       "8",
		"HEARTH_CATALOG_TTL":   "90s",
		"HEARTH_MATRIX_ROOMS":  "!a:x, !b:x",
	})
	cfg := app.LoadConfig(env)
	if cfg.Workers != 8 || cfg.CatalogTTL != 90*time.Second {
		t.Errorf("workers=%d ttl=%s", cfg.Workers, cfg.CatalogTTL)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if len(cfg.Matrix.Rooms) != 2 {
		t.Errorf("rooms = %v", cfg.Matrix.Rooms)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConfig_ValidateReportsEverything(t *testing.T) {
	cfg := app.LoadConfig(environment.FromMap(app.EnvPrefix, map[string]string{
		"HEARTH_MATRIX_HOMESERVER": "https://matrix.example.com",
	}))
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"HEARTH_BACKEND_URL", "HEARTH_NLP_API_KEY", "HEARTH_MATRIX_ROOMS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

// --- App wiring ---

// fixedProvider classifies every message as one control intent on lamp.
type fixedProvider struct{}

func (fixedProvider) Classify(context.Context, nlp.ClassifyRequest) (*nlp.ClassifyResponse, error) {
	return &nlp.ClassifyResponse{Intents: []nlp.RawIntent{{Kind: "control", DeviceIDs: []string{"lamp"}, SubText: "turn on the lamp"}}}, nil
}

func (fixedProvider) Extract(context.Context, nlp.ExtractRequest) (*nlp.Extraction, error) {
	return &nlp.Extraction{Code: "switch_1", Value: true}, nil
}

const fixtureYAML = `
devices:
  - id: lamp
    name: Lamp
    category: light
    functions:
      - {code: switch_1, type: Boolean}
`

func TestApp_EndToEndWithFixtureAndStore(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "home.yaml")
	if err := os.WriteFile(fixture, []byte(fixtureYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := app.LoadConfig(environment.FromMap(app.EnvPrefix, map[string]string{
		"HEARTH_FIXTURE": fixture,
		"HEARTH_DB_PATH": filepath.Join(dir, "hearth.db"),
	}))
	cfg.Provider = fixedProvider{}

	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	resp, err := a.HandleTurn(context.Background(), "s1", "turn on the lamp")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != intent.StatusSuccess {
		t.Fatalf("results = %+v", resp.Results)
	}

	w := httptest.NewRecorder()
	a.Server().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if got := decode(t, w)["sessions"].(float64); got != 1 {
		t.Errorf("sessions = %v", got)
	}
}
