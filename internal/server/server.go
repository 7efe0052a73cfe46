// Package server is the collector behind the analytics endpoints. It stores
// error batches and funnel events in SQLite and serves a summary dashboard.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/dashboard"
	"github.com/vincentbai/pagetrace/internal/database"
	"github.com/vincentbai/pagetrace/internal/metrics"
	"github.com/vincentbai/pagetrace/internal/models"
)

const (
	ErrorsPath  = "/api/analytics/errors"
	FunnelsPath = "/api/analytics/funnels"
	SummaryPath = "/api/analytics/summary"

	maxBodyBytes = 1 << 20
)

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Gatherer backs /metrics; nil disables the route.
	Gatherer       prometheus.Gatherer
	Clock          quartz.Clock
	AllowedOrigins []string
	// RequestsPerMinute caps requests per client IP; zero disables it.
	RequestsPerMinute int
	RecentErrors      int
	ShutdownTimeout   time.Duration
}

type Server struct {
	db      *database.Database
	address string
	server  *http.Server
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options
}

func NewServer(db *database.Database, address string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.RecentErrors <= 0 {
		opts.RecentErrors = 20
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		db:      db,
		address: address,
		log:     opts.Logger.Named("server"),
		metrics: opts.Metrics,
		opts:    opts,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleErrors(w http.ResponseWriter, request *http.Request) {
	var batch models.ErrorBatch
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil {
		s.reject(w, "errors", "bad_json", "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(batch.Errors) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for _, event := range batch.Errors {
		if err := s.db.ValidateError(event); err != nil {
			s.log.Debug("invalid error event", zap.String("error_id", event.ErrorID), zap.Error(err))
			s.reject(w, "errors", "invalid", err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := s.db.InsertErrors(request.Context(), batch.Errors); err != nil {
		s.log.Error("database error", zap.Error(err))
		s.reject(w, "errors", "store", "Failed to store events", http.StatusInternalServerError)
		return
	}
	s.metrics.IngestedEvents.WithLabelValues("error").Add(float64(len(batch.Errors)))
	s.log.Debug("stored error batch",
		zap.String("session_id", batch.SessionInfo.SessionID),
		zap.Int("count", len(batch.Errors)),
	)
	w.WriteHeader(http.StatusNoContent) // success, no body
}

// handleFunnels accepts a single flat funnel event or an array of them.
func (s *Server) handleFunnels(w http.ResponseWriter, request *http.Request) {
	body, err := io.ReadAll(request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		s.reject(w, "funnels", "bad_json", "Invalid JSON format", http.StatusBadRequest)
		return
	}

	parsed := gjson.ParseBytes(body)
	var items []gjson.Result
	switch {
	case parsed.IsArray():
		items = parsed.Array()
	case parsed.IsObject():
		items = []gjson.Result{parsed}
	default:
		s.reject(w, "funnels", "bad_json", "Expected a JSON object", http.StatusBadRequest)
		return
	}
	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	records := make([]database.FunnelRecord, 0, len(items))
	for _, item := range items {
		record := database.FunnelRecord{
			Type:      item.Get("type").String(),
			FunnelID:  item.Get("funnelId").String(),
			SessionID: item.Get("sessionId").String(),
			Timestamp: item.Get("timestamp").Int(),
			Raw:       json.RawMessage(item.Raw),
		}
		if err := s.db.ValidateFunnelEvent(record); err != nil {
			s.reject(w, "funnels", "invalid", err.Error(), http.StatusBadRequest)
			return
		}
		records = append(records, record)
	}
	if err := s.db.InsertFunnelEvents(request.Context(), records); err != nil {
		s.log.Error("database error", zap.Error(err))
		s.reject(w, "funnels", "store", "Failed to store events", http.StatusInternalServerError)
		return
	}
	s.metrics.IngestedEvents.WithLabelValues("funnel").Add(float64(len(records)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummary(w http.ResponseWriter, request *http.Request) {
	summary, err := s.db.Summary(request.Context(), s.opts.RecentErrors)
	if err != nil {
		s.log.Error("summary failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.Envelope[any]{Error: "Failed to load summary"})
		return
	}
	writeJSON(w, http.StatusOK, models.Envelope[database.Summary]{Success: true, Data: summary})
}

func (s *Server) handleDashboard(w http.ResponseWriter, request *http.Request) {
	summary, err := s.db.Summary(request.Context(), s.opts.RecentErrors)
	if err != nil {
		s.log.Error("summary failed", zap.Error(err))
		http.Error(w, "Failed to load summary", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboard.Render(w, dashboard.NewModel(summary, s.opts.Clock.Now())); err != nil {
		s.log.Warn("render dashboard", zap.Error(err))
	}
}

func (s *Server) reject(w http.ResponseWriter, kind, reason, message string, status int) {
	s.metrics.IngestFailures.WithLabelValues(kind, reason).Inc()
	http.Error(w, message, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/", s.handleDashboard)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if s.opts.RequestsPerMinute > 0 {
			r.Use(httprate.Limit(
				s.opts.RequestsPerMinute,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					s.reject(w, "any", "rate_limited", "Too many requests", http.StatusTooManyRequests)
				}),
			))
		}
		r.Use(limitBody)
		r.Post(ErrorsPath, s.handleErrors)
		r.Post(FunnelsPath, s.handleFunnels)
		r.Get(SummaryPath, s.handleSummary)
	})
	return r
}

// Handler returns the collector's routes without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return xerrors.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("pagetrace collector listening", zap.String("address", listener.Addr().String()))
		serveErr <- s.server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return xerrors.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownContext, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownContext); err != nil {
		return xerrors.Errorf("server forced to shutdown: %w", err)
	}
	<-serveErr
	s.log.Info("server exited")
	return nil
}
