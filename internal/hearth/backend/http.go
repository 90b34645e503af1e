package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/hearth/common/redact"
	"github.com/bdobrica/hearth/common/retry"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
)

// Config configures the HTTP backend client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com.
	BaseURL  string
	Email    string
	Password string
	// Token is an optional pre-issued access token. When empty the client
	// logs in with Email/Password before the first call.
	Token   string
	Timeout time.Duration
	// LoginRetry controls retries of the login call only.
	LoginRetry retry.Config
}

// HTTPClient implements Backend against a Syncrow-style REST API.
//
// Authentication is a bearer token obtained from /authentication/user/login.
// A 401 triggers one re-login and one replay of the request.
type HTTPClient struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	token string
}

// NewHTTPClient returns a client for cfg. No network call is made.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LoginRetry.MaxAttempts == 0 {
		cfg.LoginRetry = retry.DefaultConfig
	}
	cfg.LoginRetry.Name = "backend login"
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		token:  cfg.Token,
	}
}

// envelope is the response wrapper every endpoint uses.
type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Login obtains a fresh access token.
func (c *HTTPClient) Login(ctx context.Context) error {
	if c.cfg.Email == "" || c.cfg.Password == "" {
		return fmt.Errorf("backend: login: email and password are required")
	}
	body := map[string]string{"email": c.cfg.Email, "password": c.cfg.Password}

	var token string
	err := retry.Do(ctx, c.cfg.LoginRetry, func() error {
		raw, err := c.send(ctx, http.MethodPost, "/authentication/user/login", body, "")
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		var data struct {
			AccessToken string `json:"accessToken"`
		}
		if err := decodeData(raw, &data); err != nil {
			return retry.Permanent(err)
		}
		if data.AccessToken == "" {
			return retry.Permanent(errors.New("backend: login response carried no access token"))
		}
		token = data.AccessToken
		return nil
	})
	if err != nil {
		slog.Error("backend login failed", "err", redact.Error(err, c.cfg.Password))
		return err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	slog.Info("backend login successful")
	return nil
}

func (c *HTTPClient) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" || c.cfg.Email == "" {
		return tok, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// call performs an authenticated request, re-authenticating once on 401.
func (c *HTTPClient) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	tok, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := c.send(ctx, method, path, body, tok)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized && c.cfg.Password != "" {
		slog.Info("backend token rejected; logging in again", "path", path)
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		if tok, err = c.currentToken(ctx); err != nil {
			return nil, err
		}
		raw, err = c.send(ctx, method, path, body, tok)
	}
	return raw, err
}

func (c *HTTPClient) send(ctx context.Context, method, path string, body any, token string) (json.RawMessage, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("backend: marshal %s body: %w", path, err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("backend call failed", "method", method, "path", path,
			"err", redact.Error(err, token, c.cfg.Password))
		return nil, fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", ErrBackendUnavailable, path, err)
	}
	slog.Debug("backend call", "method", method, "path", path,
		"status", resp.StatusCode, "latency_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   redact.String(string(data), token, c.cfg.Password),
		}
	}
	return json.RawMessage(data), nil
}

// decodeData unmarshals the "data" member of an envelope into v.
func decodeData(raw json.RawMessage, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("backend: decode envelope: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("backend: decode data: %w", err)
	}
	return nil
}

func scopePath(s Scope, leaf string) string {
	return fmt.Sprintf("/projects/%s/communities/%s/spaces/%s/%s",
		url.PathEscape(s.ProjectID), url.PathEscape(s.CommunityID), url.PathEscape(s.SpaceID), leaf)
}

type wireDevice struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	ProductType  string `json:"productType"`
	CategoryName string `json:"categoryName"`
	Spaces       []struct {
		SpaceName string `json:"spaceName"`
	} `json:"spaces"`
	Subspace *struct {
		SubspaceName string `json:"subspaceName"`
	} `json:"subspace"`
	DeviceTag *struct {
		Name string `json:"name"`
	} `json:"deviceTag"`
}

// ListDevices implements Backend.
func (c *HTTPClient) ListDevices(ctx context.Context, scope Scope) ([]catalog.Device, error) {
	raw, err := c.call(ctx, http.MethodGet, scopePath(scope, "devices"), nil)
	if err != nil {
		return nil, err
	}
	var wire []wireDevice
	if err := decodeData(raw, &wire); err != nil {
		return nil, err
	}
	out := make([]catalog.Device, 0, len(wire))
	for _, w := range wire {
		d := catalog.Device{
			ID:          w.UUID,
			Name:        w.Name,
			ProductType: w.ProductType,
			Category:    w.CategoryName,
		}
		if len(w.Spaces) > 0 {
			d.Space = w.Spaces[0].SpaceName
		}
		if w.Subspace != nil {
			d.Subspace = w.Subspace.SubspaceName
		}
		if w.DeviceTag != nil {
			d.Tag = w.DeviceTag.Name
		}
		out = append(out, d)
	}
	return out, nil
}

// ListScenes implements Backend.
func (c *HTTPClient) ListScenes(ctx context.Context, scope Scope) ([]catalog.Scene, error) {
	raw, err := c.call(ctx, http.MethodGet, scopePath(scope, "scenes")+"?showInHomePage=true", nil)
	if err != nil {
		return nil, err
	}
	var wire []struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	}
	if err := decodeData(raw, &wire); err != nil {
		return nil, err
	}
	out := make([]catalog.Scene, 0, len(wire))
	for _, w := range wire {
		out = append(out, catalog.Scene{ID: w.UUID, Name: w.Name})
	}
	return out, nil
}

// DeviceFunctions implements Backend. The API encodes each function's
// "values" as a JSON string; it is unwrapped into raw JSON here.
func (c *HTTPClient) DeviceFunctions(ctx context.Context, deviceID string) ([]catalog.Function, error) {
	raw, err := c.call(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID)+"/functions", nil)
	if err != nil {
		return nil, err
	}
	var data struct {
		Functions []struct {
			Code   string          `json:"code"`
			Type   string          `json:"type"`
			Values json.RawMessage `json:"values"`
		} `json:"functions"`
	}
	if err := decodeData(raw, &data); err != nil {
		return nil, err
	}
	out := make([]catalog.Function, 0, len(data.Functions))
	for _, f := range data.Functions {
		out = append(out, catalog.Function{Code: f.Code, Type: f.Type, Values: unquoteJSON(f.Values)})
	}
	return out, nil
}

// unquoteJSON turns a JSON string holding a JSON document into the document.
// Anything else is returned unchanged.
func unquoteJSON(v json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return v
	}
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return v
}

// SendCommand implements Backend. One device per call.
func (c *HTTPClient) SendCommand(ctx context.Context, deviceID, code string, value any) (json.RawMessage, error) {
	body := map[string]any{
		"operationType": "COMMAND",
		"devicesUuid":   []string{deviceID},
		"code":          code,
		"value":         value,
	}
	return c.call(ctx, http.MethodPost, "/devices/batch", body)
}

// GetStatus implements Backend.
func (c *HTTPClient) GetStatus(ctx context.Context, deviceID string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID)+"/functions/status", nil)
}

// CreateSchedule implements Backend.
func (c *HTTPClient) CreateSchedule(ctx context.Context, req ScheduleRequest) (json.RawMessage, error) {
	body := map[string]any{
		"category": req.Category,
		"time":     req.Time,
		"function": map[string]any{"code": req.Code, "value": req.Value},
		"days":     req.Days,
	}
	return c.call(ctx, http.MethodPost, "/schedule/"+url.PathEscape(req.DeviceID), body)
}

// TriggerScene implements Backend.
func (c *HTTPClient) TriggerScene(ctx context.Context, sceneID string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, "/scene/tap-to-run/"+url.PathEscape(sceneID)+"/trigger", nil)
}
