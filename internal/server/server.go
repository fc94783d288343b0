// Package server serves the latest reconciled dataset over HTTP and pushes
// every refresh to connected browsers as a Server-Sent Event.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"worldstats/internal/logging"
	"worldstats/internal/model"
	"worldstats/internal/publish"
	"worldstats/internal/store"
	"worldstats/internal/stream"
)

const (
	defaultAddr            = ":8080"
	defaultRefreshInterval = 10 * time.Minute
	shutdownTimeout        = 5 * time.Second
)

// Reconciler is the part of reconcile.Reconciler the server needs.
type Reconciler interface {
	Reconcile(ctx context.Context, queries []model.IndicatorQuery) *model.Dataset
}

type Config struct {
	Addr            string
	RefreshInterval time.Duration
	Provider        string
	Queries         []model.IndicatorQuery
	ExplicitNull    bool
}

type Server struct {
	config     Config
	reconciler Reconciler
	store      store.Store
	stream     *stream.Broadcaster
	latest     atomic.Pointer[store.Snapshot]
	logger     *zerolog.Logger
	startTime  time.Time
	now        func() time.Time
}

func New(cfg Config, reconciler Reconciler, st store.Store, logger *zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if st == nil {
		st = &store.NopStore{}
	}
	if logger == nil {
		nop := logging.Nop
		logger = &nop
	}
	return &Server{
		config:     cfg,
		reconciler: reconciler,
		store:      st,
		stream:     stream.NewBroadcaster(logger),
		logger:     logger,
		startTime:  time.Now(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Seed loads the newest stored snapshot so the first requests are answered
// before the first refresh completes.
func (s *Server) Seed(ctx context.Context) error {
	snapshot, err := s.store.LatestSnapshot(ctx, s.config.Provider)
	if errors.Is(err, store.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}
	s.latest.Store(&snapshot)
	s.logger.Info().
		Str("snapshot_id", snapshot.ID).
		Int("records", snapshot.Dataset.Len()).
		Msg("Seeded from stored snapshot")
	return nil
}

// Refresh reconciles once, publishes the result and persists it. A store
// failure is returned after the new dataset is already live.
func (s *Server) Refresh(ctx context.Context) error {
	dataset := s.reconciler.Reconcile(ctx, s.config.Queries)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	snapshot := store.NewSnapshot(s.config.Provider, dataset, dataset.FetchedAt)
	s.latest.Store(&snapshot)

	// Unnamed, so EventSource.onmessage receives it.
	s.stream.Broadcast(stream.Event{
		ID:   snapshot.ID,
		Data: publish.BuildCountries(dataset, s.now(), publish.Options{ExplicitNull: s.config.ExplicitNull}),
	})
	s.logger.Info().
		Str("snapshot_id", snapshot.ID).
		Int("records", dataset.Len()).
		Int("clients", s.stream.ClientCount()).
		Msg("Dataset refreshed")

	return s.store.SaveSnapshot(ctx, snapshot)
}

// Latest returns the snapshot currently served, if any.
func (s *Server) Latest() (store.Snapshot, bool) {
	snapshot := s.latest.Load()
	if snapshot == nil {
		return store.Snapshot{}, false
	}
	return *snapshot, true
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/countries", s.handleCountries)
	mux.HandleFunc("GET /api/meta", s.handleMeta)
	mux.Handle("GET /api/real-time-data", s.stream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return chain(recovery(s.logger), requestLogger(s.logger))(mux)
}

// Run serves HTTP and refreshes on the configured interval until ctx is
// cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.stream.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		s.refreshLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		s.logger.Info().Str("addr", s.config.Addr).Msg("Serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Failed to save snapshot")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "dataset not loaded yet")
		return
	}
	explicitNull := s.config.ExplicitNull
	if r.URL.Query().Get("explicit_null") == "true" {
		explicitNull = true
	}
	writeJSON(w, http.StatusOK, publish.BuildCountries(snapshot.Dataset, s.now(), publish.Options{ExplicitNull: explicitNull}))
}

func (s *Server) handleMeta(w http.ResponseWriter, _ *http.Request) {
	snapshot, ok := s.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "dataset not loaded yet")
		return
	}
	writeJSON(w, http.StatusOK, publish.BuildMeta(snapshot, s.now()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"clients": s.stream.ClientCount(),
	}
	if snapshot, ok := s.Latest(); ok {
		body["snapshot_id"] = snapshot.ID
		body["records"] = snapshot.Dataset.Len()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
