package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/hearth/common/version"
	"github.com/bdobrica/hearth/internal/hearth/assistant"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/metrics"
)

// TurnHandler runs a turn. *assistant.Assistant implements it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, sessionID, utterance string, opts ...assistant.TurnOption) (*intent.TurnResponse, error)
}

// StatusSource reports runtime counters for /status.
type StatusSource interface {
	Sessions() []string
	PendingCount() int
}

// CatalogPeeker returns the cached catalog without refreshing it.
type CatalogPeeker interface {
	Peek() *catalog.Catalog
}

// Server exposes /health, /status, /metrics and POST /v1/turns.
type Server struct {
	addr      string
	turns     TurnHandler
	status    StatusSource
	catalog   CatalogPeeker
	timeout   time.Duration
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status               string    `json:"status"`
	Version              string    `json:"version"`
	Commit               string    `json:"commit"`
	BuildTime            string    `json:"build_time"`
	StartedAt            time.Time `json:"started_at"`
	UptimeSecs           float64   `json:"uptime_seconds"`
	Sessions             int       `json:"sessions"`
	PendingConfirmations int       `json:"pending_confirmations"`
	CatalogDevices       int       `json:"catalog_devices"`
	CatalogScenes        int       `json:"catalog_scenes"`
	CatalogFetchedAt     time.Time `json:"catalog_fetched_at,omitzero"`
}

type turnRequest struct {
	SessionID      string `json:"session_id"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the HTTP server (does not start it). status and cat
// may be nil.
func NewServer(addr string, turns TurnHandler, status StatusSource, cat CatalogPeeker, turnTimeout time.Duration) *Server {
	mux := http.NewServeMux()
	s := &Server{
		addr:      addr,
		turns:     turns,
		status:    status,
		catalog:   cat,
		timeout:   turnTimeout,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /v1/turns", s.handleTurn)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start listens in the background and shuts down when ctx ends. It returns
// once the listener is open.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http server: listen %s: %w", s.addr, err)
	}
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	}
	if s.status != nil {
		resp.Sessions = len(s.status.Sessions())
		resp.PendingConfirmations = s.status.PendingCount()
	}
	if s.catalog != nil {
		if cat := s.catalog.Peek(); cat != nil {
			resp.CatalogDevices = len(cat.Devices())
			resp.CatalogScenes = len(cat.Scenes())
			resp.CatalogFetchedAt = cat.FetchedAt()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id is required"})
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	var opts []assistant.TurnOption
	if req.IdempotencyKey != "" {
		opts = append(opts, assistant.WithIdempotencyKey(req.IdempotencyKey))
	}

	resp, err := s.turns.HandleTurn(ctx, req.SessionID, req.Text, opts...)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "turn cancelled: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http: failed to encode JSON response", "err", err)
	}
}
