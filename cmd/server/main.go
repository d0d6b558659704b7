package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/liamcoop/featurerules/engines/celexpr"
	"github.com/liamcoop/featurerules/engines/javascript"
	"github.com/liamcoop/featurerules/internal/logger"
	"github.com/liamcoop/featurerules/metrics"
	"github.com/liamcoop/featurerules/multitenantengine"
	"github.com/liamcoop/featurerules/rules"
	"github.com/liamcoop/featurerules/rulesfile"
)

const (
	modeDatabase = "database"
	modeFile     = "file"
)

type Server struct {
	cfg     *Config
	db      *sql.DB
	tenants *multitenantengine.MultiTenantEngineManager
	file    *rulesfile.Source
	metrics *metrics.Collector
	log     *slog.Logger
	router  *chi.Mux
}

// NewServer opens the configured rule source and builds the router
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Storage.RulesFile != "" {
		return NewServerWithFile(cfg.Storage.RulesFile, cfg)
	}

	db, err := sql.Open("postgres", cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s, err := NewServerWithDB(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithDB serves every tenant stored in db
func NewServerWithDB(db *sql.DB, cfg *Config) (*Server, error) {
	s, base, err := newServer(cfg)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.tenants = multitenantengine.NewMultiTenantEngineManager(db, base)

	s.log.Info("loading tenants from database")
	if err := s.tenants.LoadAllTenants(); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}
	s.log.Info("tenants loaded", "count", len(s.tenants.ListTenants()))

	s.setupRoutes()
	return s, nil
}

// NewServerWithFile serves the single rule set of a rules file
func NewServerWithFile(path string, cfg *Config) (*Server, error) {
	s, base, err := newServer(cfg)
	if err != nil {
		return nil, err
	}
	base.OnRuleNotFound = rules.Always(cfg.Storage.EnableMissing)
	base.OnScriptError = rules.AlwaysOnFault(cfg.Storage.EnableOnError)

	src, err := rulesfile.NewSource(path, base, logger.Component("rulesfile"))
	if err != nil {
		return nil, fmt.Errorf("failed to load rules file: %w", err)
	}
	src.OnReload = func(err error) {
		logger.RuleReloads.Add(1)
		if err != nil {
			logger.RuleReloadErrors.Add(1)
		}
	}
	s.file = src

	s.setupRoutes()
	return s, nil
}

func newServer(cfg *Config) (*Server, rules.Config, error) {
	registry, err := newRegistry(cfg.Engines)
	if err != nil {
		return nil, rules.Config{}, err
	}

	s := &Server{
		cfg:     cfg,
		metrics: metrics.NewCollector(cfg.Metrics.Namespace, nil),
		log:     logger.Component("server"),
	}

	base := rules.Config{
		Registry: registry,
		Observer: s.metrics,
		Logger:   logger.Component("rules"),
	}
	return s, base, nil
}

// newRegistry registers the engines in preference order; the first one is
// used by tenants that do not name an engine.
func newRegistry(cfg EnginesConfig) (*rules.Registry, error) {
	registry := rules.NewRegistry()

	jsFactory := func() (rules.ScriptEngine, error) {
		return javascript.New(javascript.Options{MaxCallStackSize: cfg.JSMaxCallStackSize}), nil
	}
	if err := registry.Register(javascript.Name, jsFactory); err != nil {
		return nil, err
	}
	if err := registry.Register("js", jsFactory); err != nil {
		return nil, err
	}

	// One CEL engine for all tenants so compiled programs are shared
	cel := celexpr.New(celexpr.Options{
		CostLimit:        cfg.CELCostLimit,
		ProgramCacheSize: cfg.CELProgramCacheSize,
	})
	if err := registry.Register(celexpr.Name, func() (rules.ScriptEngine, error) {
		return cel, nil
	}); err != nil {
		return nil, err
	}

	return registry, nil
}

func (s *Server) mode() string {
	if s.file != nil {
		return modeFile
	}
	return modeDatabase
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

	// Health check
	r.Get("/api/v1/health", s.handleHealth)

	// Evaluation
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Method(http.MethodGet, s.cfg.Metrics.Path, s.metrics.Handler())

	// Tenant management needs the database
	if s.db != nil {
		r.Route("/api/v1/tenants", func(r chi.Router) {
			r.Get("/", s.handleListTenants)
			r.Post("/", s.handleCreateTenant)

			r.Route("/{tenantId}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteTenant)

				// Settings management
				r.Get("/settings", s.handleGetSettings)
				r.Put("/settings", s.handleUpdateSettings)

				// Rule management
				r.Post("/rules", s.handleCreateRule)
				r.Get("/rules", s.handleListRules)
				r.Get("/rules/{ruleId}", s.handleGetRule)
				r.Put("/rules/{ruleId}", s.handleUpdateRule)
				r.Delete("/rules/{ruleId}", s.handleDeleteRule)
			})
		})
	}

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the database connection, if any
func (s *Server) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// requestLogger logs each request and feeds the HTTP status counters
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.CountHTTPStatus(status)

			level := slog.LevelDebug
			if status >= 500 {
				level = slog.LevelError
			}
			log.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "healthy",
		Mode:   s.mode(),
		Stats:  logger.Stats(),
	}

	if s.file != nil {
		resp.Features = len(s.file.Evaluator().Features())
		respondJSON(w, http.StatusOK, resp)
		return
	}

	resp.TenantsLoaded = len(s.tenants.ListTenants())
	if err := s.db.PingContext(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// evaluator picks the evaluator for a request. In file mode the tenant is
// ignored.
func (s *Server) evaluator(tenantID string) (*rules.Evaluator, int, error) {
	if s.file != nil {
		return s.file.Evaluator(), 0, nil
	}

	if tenantID == "" {
		return nil, http.StatusBadRequest, errors.New("tenantId is required")
	}

	ev, err := s.tenants.GetEvaluator(tenantID)
	if err != nil {
		return nil, http.StatusNotFound, err
	}
	return ev, 0, nil
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	ev, status, err := s.evaluator(req.TenantID)
	if err != nil {
		respondError(w, status, err.Error(), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.EvaluationTimeout)
	defer cancel()

	startTime := time.Now()

	var results []*rules.EvaluationResult
	if len(req.Features) > 0 {
		results = make([]*rules.EvaluationResult, 0, len(req.Features))
		for _, feature := range req.Features {
			res, err := ev.EvaluateDetailed(ctx, feature, req.Context)
			if err != nil {
				s.respondEvaluationError(w, err)
				return
			}
			results = append(results, res)
		}
	} else {
		results, err = ev.EvaluateAll(ctx, req.Context)
		if err != nil {
			s.respondEvaluationError(w, err)
			return
		}
	}

	evaluationTime := time.Since(startTime)

	resp := EvaluateResponse{
		Results:        make([]EvaluationResultResponse, 0, len(results)),
		EvaluationTime: evaluationTime.String(),
	}
	for _, res := range results {
		resp.Results = append(resp.Results, toResultResponse(res))
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondEvaluationError(w http.ResponseWriter, err error) {
	if errors.Is(err, rules.ErrUnbindableContext) {
		respondError(w, http.StatusBadRequest, "context must be a JSON object", err)
		return
	}
	s.log.Error("evaluation failed", "error", err)
	respondError(w, http.StatusInternalServerError, "evaluation failed", err)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := logger.Setup(ctx); err != nil {
		logger.Warn("OpenTelemetry logging unavailable, using stdout", "error", err)
	}

	cfg, err := LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.Close()

	if server.file != nil && cfg.Storage.Watch {
		go func() {
			if err := server.file.Watch(ctx); err != nil {
				logger.Error("rules file watcher stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "address", cfg.Server.ListenAddress, "mode", server.mode())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("log exporter shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
