// Package server assembles the relay: offline queue backend, router, metrics,
// hub and HTTP server, and tears them down in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/relay/internal/relay"
	"github.com/Tyrowin/relay/internal/store/redis"
	"github.com/Tyrowin/relay/internal/store/sqlite"
)

// Server bundles every long-lived component of a running relay.
type Server struct {
	Config  Config
	Queue   relay.Queue
	Router  *relay.Router
	Metrics *Metrics
	Hub     *Hub
	HTTP    *http.Server

	log zerolog.Logger
}

// New builds a Server from cfg. The hub is not started until Start is called.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Server, error) {
	cfg = cfg.Sanitize()

	queue, err := OpenQueue(ctx, cfg.Queue, log.With().Str("component", "queue").Logger())
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", cfg.Queue.Backend).Msg("offline queue ready")

	router := relay.NewRouter(queue, relay.Options{
		EnforceSender: cfg.EnforceSender,
		Logger:        log.With().Str("component", "router").Logger(),
	})

	var metrics *Metrics
	if cfg.MetricsEnabled {
		metrics = NewMetrics()
	}

	hub := NewHub(cfg, router, metrics, log.With().Str("component", "hub").Logger())

	return &Server{
		Config:  cfg,
		Queue:   queue,
		Router:  router,
		Metrics: metrics,
		Hub:     hub,
		HTTP:    CreateServer(cfg.Addr(), SetupRoutes(hub, metrics)),
		log:     log,
	}, nil
}

// OpenQueue opens the offline queue backend named by cfg.Backend.
func OpenQueue(ctx context.Context, cfg QueueConfig, log zerolog.Logger) (relay.Queue, error) {
	switch cfg.Backend {
	case "", QueueMemory:
		return relay.NewMemoryQueue(), nil
	case QueueSQLite:
		q, err := sqlite.Open(cfg.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		return q, nil
	case QueueRedis:
		q, err := redis.Open(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   log,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// Start launches the hub's event loop.
func (s *Server) Start() {
	go s.Hub.Run()
	s.log.Info().Msg("hub started and ready to manage websocket connections")
}

// ListenAndServe serves HTTP until Shutdown. http.ErrServerClosed is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	if err := StartServer(s.HTTP, s.log); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes clients and releases the
// queue backend.
func (s *Server) Shutdown(timeout time.Duration) error {
	httpErr := ShutdownServer(s.HTTP, timeout, s.log)
	hubErr := s.Hub.Shutdown(timeout)

	var queueErr error
	if err := s.Queue.Close(); err != nil {
		queueErr = fmt.Errorf("close offline queue: %w", err)
	}
	return errors.Join(httpErr, hubErr, queueErr)
}
