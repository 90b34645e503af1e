package nlp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
)

// buildOAIResponse builds a minimal OpenAI-style body whose single choice
// has the given content.
func buildOAIResponse(content string) []byte {
	data, _ := json.Marshal(map[string]any{
		"model": "gpt-4o-mini",
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120},
	})
	return data
}

func serve(t *testing.T, status int, content string, inspect func(body map[string]any)) nlp.Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if inspect != nil {
			raw, _ := io.ReadAll(r.Body)
			var body map[string]any
			_ = json.Unmarshal(raw, &body)
			inspect(body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write(buildOAIResponse(content))
		}
	}))
	t.Cleanup(srv.Close)
	return nlp.New(nlp.Config{APIKey: "test-key", BaseURL: srv.URL + "/"})
}

func TestOpenAIProvider_Classify(t *testing.T) {
	content := `{"intents":[{"kind":"control","device_ids":["switch_2"],"sub_text":"turn off switch 2"}]}`
	p := serve(t, http.StatusOK, content, func(body map[string]any) {
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 4 {
			t.Errorf("expected system + 2 history + user messages, got %d", len(msgs))
			return
		}
		system := msgs[0].(map[string]any)["content"].(string)
		if !strings.Contains(system, "switch_2 | Switch 2") {
			t.Errorf("system prompt lacks device table:\n%s", system)
		}
		if f, _ := body["response_format"].(map[string]any); f["type"] != "json_object" {
			t.Errorf("response_format = %v", body["response_format"])
		}
	})

	resp, err := p.Classify(context.Background(), nlp.ClassifyRequest{
		Message: "turn off switch 2",
		Devices: []catalog.Device{{ID: "switch_2", Name: "Switch 2"}},
		History: []nlp.HistoryMessage{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(resp.Intents) != 1 || resp.Intents[0].DeviceIDs[0] != "switch_2" {
		t.Fatalf("intents = %+v", resp.Intents)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 120 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIProvider_MalformedOutput(t *testing.T) {
	p := serve(t, http.StatusOK, "not json", nil)
	_, err := p.Classify(context.Background(), nlp.ClassifyRequest{Message: "x"})
	if !errors.Is(err, nlp.ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestOpenAIProvider_RateLimited(t *testing.T) {
	p := serve(t, http.StatusTooManyRequests, "", nil)
	_, err := p.Classify(context.Background(), nlp.ClassifyRequest{Message: "x"})
	if !errors.Is(err, nlp.ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
}

func TestOpenAIProvider_Extract(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantNil bool
		code    string
	}{
		{"function", `{"code":"switch_1","value":false}`, false, "switch_1"},
		{"null", `{"code":""}`, true, ""},
		{"failure reason", `{"code":"","failure_reason":"no dimmer"}`, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := serve(t, http.StatusOK, tc.content, func(body map[string]any) {
				msgs, _ := body["messages"].([]any)
				system := msgs[0].(map[string]any)["content"].(string)
				if !strings.Contains(system, "switch_1 | Boolean") {
					t.Errorf("extract prompt lacks function table:\n%s", system)
				}
			})
			ext, err := p.Extract(context.Background(), nlp.ExtractRequest{
				Text:      "turn off switch 1",
				Device:    catalog.Device{ID: "sw", Name: "Switch"},
				Functions: []catalog.Function{{Code: "switch_1", Type: "Boolean"}},
			})
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if (ext == nil) != tc.wantNil {
				t.Fatalf("ext = %+v, wantNil %v", ext, tc.wantNil)
			}
			if ext != nil && ext.Code != tc.code {
				t.Errorf("code = %q, want %q", ext.Code, tc.code)
			}
		})
	}
}
