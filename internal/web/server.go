// Package web provides the HTTP surface of the wellness-monitor daemon:
// a status page, JSON and Prometheus views of the tracker, a websocket
// feed, and a few control endpoints.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/sweeney/wellness-monitor/internal/logger"
	"github.com/sweeney/wellness-monitor/internal/pause"
	"github.com/sweeney/wellness-monitor/internal/posture"
	"github.com/sweeney/wellness-monitor/internal/status"
)

// Controller is the set of user actions the control endpoints expose.
type Controller interface {
	Pause(d time.Duration) (pause.State, error)
	Resume() bool
	Calibrate() (posture.Baseline, error)
	ClearCalibration()
	Retry(ctx context.Context) error
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctl        Controller
	hub        *Hub
	log        *logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithController enables the control endpoints.
func WithController(c Controller) Option {
	return func(s *Server) { s.ctl = c }
}

// WithHub mounts the websocket feed at /ws.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithLogger sets the request logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts ...Option) *Server {
	s := &Server{tracker: tracker, log: logger.Nop()}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/calibrate", s.handleCalibrate)
	mux.HandleFunc("/retry", s.handleRetry)
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Error().Err(err).Msg("render status page")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
