package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/modelrun/internal/config"
	"github.com/seantiz/modelrun/internal/engine"
	"github.com/seantiz/modelrun/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server exposes the evaluation engine over HTTP.
type Server struct {
	router   *chi.Mux
	store    store.Store
	engine   *engine.Engine
	defaults config.RunConfig
	root     string
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server. Runs submitted over
// HTTP start from cfg.Run; fields present in the request body override them
// but cannot leave cfg.Run.ProjectDir, which becomes the server's project
// root. Cross-origin requests are refused unless cfg.CORSOrigins lists the
// caller.
func NewServer(cfg config.Config, s store.Store, eng *engine.Engine, logger *slog.Logger) *Server {
	root, err := filepath.Abs(cfg.Run.ProjectDir)
	if err != nil {
		root = filepath.Clean(cfg.Run.ProjectDir)
	}

	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		engine:   eng,
		defaults: cfg.Run,
		root:     root,
		logger:   logger,
		addr:     cfg.ListenAddr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	if len(cfg.CORSOrigins) > 0 {
		srv.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id", "Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	srv.routes()

	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/dispatch", s.handleListDispatch)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.handleSubmitRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/results", s.handleGetResults)
		r.Get("/{id}/logs", s.handleStreamLogs)
		r.Get("/{id}/logs/history", s.handleGetLogHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until SIGINT or SIGTERM, then shuts down gracefully and
// waits for submitted runs to finish.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("waiting for submitted runs")
	s.engine.Wait()

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware writes one line per request once the handler returns.
// Requests addressing a run carry its run_id. A log stream is only logged
// when it closes, as "log stream closed", with how long the client followed
// the run.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if id := runIDParam(r); id != "" {
			attrs = append(attrs, "run_id", id)
		}

		msg := "request"
		if route == logStreamRoute && ww.Status() == http.StatusOK {
			msg = "log stream closed"
		}
		s.logger.Info(msg, attrs...)
	})
}
