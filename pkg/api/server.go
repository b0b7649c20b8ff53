package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/metrics"
	"github.com/jervisai/jervis/pkg/storage"
)

// Version is stamped by the build; "dev" for local builds.
var Version = "dev"

// ReadyCheck reports whether one dependency is usable. The returned
// string is surfaced verbatim in the readiness payload.
type ReadyCheck func(ctx context.Context) (string, error)

// Server is the operational HTTP endpoint of the daemon.
type Server struct {
	store  storage.Store
	broker *events.Broker
	checks map[string]ReadyCheck
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates a Server. Extra readiness checks (search store,
// planner) are registered by name alongside the built-in storage check.
func NewServer(addr string, store storage.Store, broker *events.Broker, checks map[string]ReadyCheck) *Server {
	s := &Server{
		store:  store,
		broker: broker,
		checks: checks,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/events", s.eventsHandler)
	mux.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: /events is a long-lived stream
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("API server started")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// statusResponse summarizes the pipeline for the status CLI and the UI.
type statusResponse struct {
	Timestamp time.Time                 `json:"timestamp"`
	Tasks     map[string]int            `json:"tasks"`
	Artifacts map[string]map[string]int `json:"artifacts"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true

	if _, err := s.store.ListClients(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	for name, check := range s.checks {
		detail, err := check(r.Context())
		if err != nil {
			checks[name] = fmt.Sprintf("error: %v", err)
			ready = false
			continue
		}
		if detail == "" {
			detail = "ok"
		}
		checks[name] = detail
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, readyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskCounts, err := s.store.CountTasksByState()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Timestamp: time.Now(),
		Tasks:     make(map[string]int),
		Artifacts: make(map[string]map[string]int),
	}
	for state, n := range taskCounts {
		resp.Tasks[string(state)] = n
	}
	for _, src := range storage.Sources {
		counts, err := s.store.CountArtifactsByState(src)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		byState := make(map[string]int)
		for state, n := range counts {
			byState[string(state)] = n
		}
		resp.Artifacts[string(src)] = byState
	}
	writeJSON(w, http.StatusOK, resp)
}

// eventsHandler streams broker events as server-sent events until the
// client disconnects.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub:
			if !open {
				return
			}
			payload, err := json.Marshal(eventPayload(event))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}

func eventPayload(event *events.Event) map[string]interface{} {
	return map[string]interface{}{
		"id":        event.ID,
		"type":      string(event.Type),
		"timestamp": event.Timestamp.Format(time.RFC3339),
		"message":   event.Message,
		"metadata":  event.Metadata,
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
