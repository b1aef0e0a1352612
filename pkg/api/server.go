// Package api exposes the governor, router, cache and scheduler over a
// JSON HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/audit"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/cache"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/governor"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/router"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/scheduler"
)

// Server routes API requests to the orchestration components. The
// decision log may be nil.
type Server struct {
	listen string
	gov    *governor.Governor
	rtr    *router.Router
	cch    *cache.Manager
	sch    *scheduler.Scheduler
	dec    *audit.Log
	log    *logger.Logger
	mux    *http.ServeMux
}

// New creates a Server wired with all dependencies.
func New(listen string, gov *governor.Governor, rtr *router.Router, cch *cache.Manager, sch *scheduler.Scheduler, dec *audit.Log, log *logger.Logger) *Server {
	s := &Server{
		listen: listen,
		gov:    gov,
		rtr:    rtr,
		cch:    cch,
		sch:    sch,
		dec:    dec,
		log:    log,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/budget", s.handleBudget)
	s.mux.HandleFunc("GET /v1/budget/metrics", s.handleBudgetMetrics)
	s.mux.HandleFunc("GET /v1/budget/history", s.handleBudgetHistory)
	s.mux.HandleFunc("POST /v1/allocations", s.handleAllocate)
	s.mux.HandleFunc("DELETE /v1/allocations/{id}", s.handleRelease)
	s.mux.HandleFunc("POST /v1/usage", s.handleUsage)
	s.mux.HandleFunc("POST /v1/cache/lookup", s.handleCacheLookup)
	s.mux.HandleFunc("POST /v1/cache/store", s.handleCacheStore)
	s.mux.HandleFunc("POST /v1/cache/invalidate", s.handleCacheInvalidate)
	s.mux.HandleFunc("GET /v1/cache/metrics", s.handleCacheMetrics)
	s.mux.HandleFunc("GET /v1/projects", s.handleProjects)
	s.mux.HandleFunc("POST /v1/projects", s.handleSubmitProject)
	s.mux.HandleFunc("GET /v1/projects/{id}", s.handleProject)
	s.mux.HandleFunc("POST /v1/projects/{id}/execute", s.handleExecute)
	s.mux.HandleFunc("POST /v1/projects/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /v1/router/explain", s.handleExplain)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Debug("http request",
		logger.String("method", r.Method),
		logger.String("path", r.URL.Path),
		logger.Int("status", rec.status),
		logger.Duration("elapsed", time.Since(start)))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ListenAndServe starts the API server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logger.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"apec_error","code":%d}}`, message, code)
}

// decodeJSON reads a JSON body into v, capping the body size.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, logger.Error(err))
	writeJSONError(w, http.StatusInternalServerError, op+" failed")
}
