// Package web serves the engine's read-only ops surface: health, metrics,
// task snapshots and a live feed of task changes.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chorusdev/chorus/internal/logging"
	"github.com/chorusdev/chorus/internal/task"
)

var webLog = logging.ForComponent(logging.CompHTTP)

// DefaultListenAddr keeps the server on loopback unless configured.
const DefaultListenAddr = "127.0.0.1:8765"

// TaskLister reads task snapshots.
type TaskLister interface {
	ListTasks(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
}

// Feed streams committed task changes. The cancel func unsubscribes and
// closes the channel.
type Feed interface {
	Subscribe() (<-chan *task.Task, func())
}

// StatsFunc returns the JSON-encodable engine summary served on /api/stats.
type StatsFunc func(ctx context.Context) (any, error)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string

	// Token, when set, is required as ?token= or a Bearer header on every
	// route except /healthz.
	Token string

	Tasks    TaskLister
	Feed     Feed
	Stats    StatsFunc
	Gatherer prometheus.Gatherer

	// Heartbeat is the SSE keepalive period.
	Heartbeat time.Duration
}

// Server wraps the HTTP server for `chorus run`.
type Server struct {
	cfg        Config
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server with every route and middleware installed.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{cfg: cfg}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.withAuth(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	mux.Handle("/api/stats", s.withAuth(http.HandlerFunc(s.handleStats)))
	mux.Handle("/api/tasks", s.withAuth(http.HandlerFunc(s.handleTasks)))
	mux.Handle("/api/tasks/", s.withAuth(http.HandlerFunc(s.handleTaskByID)))
	mux.Handle("/events/tasks", s.withAuth(http.HandlerFunc(s.handleTaskEvents)))
	mux.Handle("/ws/tasks", s.withAuth(http.HandlerFunc(s.handleTasksWS)))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("http_listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Long-lived SSE and websocket handlers watch the base context.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.cfg.ListenAddr, s.cfg.Token != "")
}
