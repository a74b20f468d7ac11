// Package statusweb exposes a small HTTP surface for operating the
// proxy: a liveness check, Prometheus-format metrics, and a
// server-sent-events stream of dispatch decisions, adapted from the
// teacher daemon's embedded web server.
package statusweb

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/alex-rizov/pos-proxy/broker"
	"github.com/alex-rizov/pos-proxy/metricsx"
)

// Server is the status HTTP server.
type Server struct {
	addr    string
	metrics *metricsx.Metrics
	broker  *broker.Broker

	srv *http.Server
}

// New constructs a Server listening on addr (e.g. "127.0.0.1:9090").
func New(addr string, metrics *metricsx.Metrics, brk *broker.Broker) *Server {
	s := &Server{addr: addr, metrics: metrics, broker: brk}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/events", s.handleEvents)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	log.Printf("statusweb: listening on %s", s.addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.metrics.WritePrometheus(w)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		http.Error(w, "event broker not configured", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub := s.broker.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := eventToJSON(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func eventToJSON(ev broker.Event) ([]byte, error) {
	return json.Marshal(struct {
		ID           string  `json:"id"`
		ConnectionID string  `json:"connection_id"`
		Mode         string  `json:"mode"`
		RoutingKey   string  `json:"routing_key"`
		SessionID    string  `json:"session_id"`
		Winner       string  `json:"winner"`
		Responded    bool    `json:"responded"`
		DurationMS   float64 `json:"duration_ms"`
		Time         string  `json:"time"`
	}{
		ID:           ev.ID,
		ConnectionID: ev.ConnectionID,
		Mode:         ev.Mode,
		RoutingKey:   ev.RoutingKey,
		SessionID:    ev.SessionID,
		Winner:       ev.Winner,
		Responded:    ev.Responded,
		DurationMS:   float64(ev.Duration) / float64(time.Millisecond),
		Time:         ev.Time.Format(time.RFC3339Nano),
	})
}
