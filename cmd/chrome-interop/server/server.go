// Package server provides an importable HTTP server for the Chrome interop test.
// This allows E2E tests to programmatically start/stop the server without running main().
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/thesyncim/gcc/internal/logging"
	"github.com/thesyncim/gcc/pkg/bwe"
	"github.com/thesyncim/gcc/pkg/bwe/metrics"
)

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., ":8080" or ":0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout

	// BWE configures the congestion controller of every session.
	BWE bwe.Config

	// FrameRate of the synthetic video sent to the browser.
	FrameRate int

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns a configuration suitable for testing.
// Uses ":0" to bind to a random available port.
func DefaultConfig() Config {
	cfg := bwe.DefaultConfig()
	cfg.StartBitrate = 500_000
	cfg.MinBitrate = 100_000
	cfg.MaxBitrate = 5_000_000
	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BWE:          cfg,
		FrameRate:    30,
	}
}

// SessionStats is one entry of the /stats response.
type SessionStats struct {
	ID         string    `json:"id"`
	Connection string    `json:"connection"`
	Started    time.Time `json:"started"`
	Target     int64     `json:"target"`
	SentBytes  uint64    `json:"sent_bytes"`
	Stats      bwe.Stats `json:"stats"`
}

// Server is an importable HTTP server for WebRTC Chrome interop testing.
type Server struct {
	config     Config
	logger     *zap.Logger
	factory    *logging.LoggerFactory
	collector  *metrics.Collector
	httpServer *http.Server
	listener   net.Listener
	addr       string
	mu         sync.Mutex
	running    bool

	sessionsMu sync.Mutex
	sessions   map[string]*session
	nextID     int
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.BWE.Validate(); err != nil {
		return nil, err
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %d", cfg.FrameRate)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		factory:   logging.NewLoggerFactory(cfg.Logger),
		collector: metrics.NewCollector(nil),
		sessions:  make(map[string]*session),
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(s.collector); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(HTMLPage))
	})
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	return s.addr, nil
}

// Shutdown closes every session and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.sessionsMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}

	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Sessions returns the stats of every open session, oldest first.
func (s *Server) Sessions() []SessionStats {
	s.sessionsMu.Lock()
	out := make([]SessionStats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.stats())
	}
	s.sessionsMu.Unlock()

	slices.SortFunc(out, func(a, b SessionStats) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Sessions()); err != nil {
		s.logger.Warn("failed to encode stats", zap.Error(err))
	}
}

func (s *Server) addSession(sess *session) {
	s.sessionsMu.Lock()
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()
	s.collector.Add(sess.id, sess)
}

func (s *Server) removeSession(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
	s.collector.Remove(id)
}

func (s *Server) newSessionID() string {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.nextID++
	return fmt.Sprintf("session-%d", s.nextID)
}
