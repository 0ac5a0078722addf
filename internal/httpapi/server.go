// Package httpapi exposes the navigation controller and the
// synchronisation service over HTTP.
//
// Routes:
//
//	POST /executions                          start an execution
//	GET  /executions/{id}/context             current test context
//	GET  /executions/{id}/session             authoritative session
//	GET  /executions/{id}/snapshot            offline bundle
//	POST /executions/{id}/navigate            navigation request
//	POST /executions/{id}/{exit,suspend,pause,resume}
//	POST /executions/{id}/comment             {"comment": "..."}
//	POST /executions/{id}/flag                {"flagged": true}
//	POST /executions/{id}/sync                offline action batch
//	GET  /executions/{id}/items/{item}        item session state
//	PUT  /executions/{id}/items/{item}        submit item session state
//	PUT  /executions/{id}/items/{item}/responses/{response}
//	GET  /healthz
//	GET  /metrics
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/session"
	"github.com/roach88/qtinav/internal/store"
	"github.com/roach88/qtinav/internal/syncsvc"
)

// maxBody caps request bodies. Sync batches are the largest.
const maxBody = 8 << 20

// Server holds the handlers' dependencies.
type Server struct {
	ctrl    *engine.Controller
	sync    *syncsvc.Service
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a Server.
func New(ctrl *engine.Controller, sync *syncsvc.Service, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, sync: sync, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Post("/executions", s.handleStart)
	r.Route("/executions/{executionID}", func(r chi.Router) {
		r.Get("/context", s.handleContext)
		r.Get("/session", s.handleSession)
		r.Get("/snapshot", s.handleSnapshot)
		r.Post("/navigate", s.handleNavigate)
		r.Post("/exit", s.simple(s.ctrl.Exit))
		r.Post("/suspend", s.simple(s.ctrl.Suspend))
		r.Post("/pause", s.simple(s.ctrl.Pause))
		r.Post("/resume", s.simple(s.ctrl.Resume))
		r.Post("/comment", s.handleComment)
		r.Post("/flag", s.handleFlag)
		r.Post("/sync", s.handleSync)

		r.Get("/items/{itemSessionID}", s.handleGetItem)
		r.Put("/items/{itemSessionID}", s.handlePutItem)
		r.Put("/items/{itemSessionID}/responses/{responseID}", s.handlePutResponse)
	})
	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		begin := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(begin),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type startRequest struct {
	ExecutionID string `json:"execution_id,omitempty"`
	TestMapID   string `json:"test_map_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TestMapID == "" {
		s.badRequest(w, "test_map_id is required")
		return
	}
	tc, err := s.ctrl.Start(r.Context(), req.ExecutionID, req.TestMapID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tc)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	tc, err := s.ctrl.Context(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctrl.Session(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Snapshot(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if !s.decode(w, r, &req) {
		return
	}
	tc, err := s.ctrl.Navigate(r.Context(), chi.URLParam(r, "executionID"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) simple(op func(context.Context, string) (ir.TestContext, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc, err := op(r.Context(), chi.URLParam(r, "executionID"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tc)
	}
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Comment string `json:"comment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	tc, err := s.ctrl.Comment(r.Context(), chi.URLParam(r, "executionID"), body.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Flagged *bool `json:"flagged"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Flagged == nil {
		s.badRequest(w, "flagged is required")
		return
	}
	tc, err := s.ctrl.Flag(r.Context(), chi.URLParam(r, "executionID"), *body.Flagged)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

// handleSync always answers 200 with one result per entry; per-entry
// failures travel in the results.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var batch syncsvc.Batch
	if !s.decode(w, r, &batch) {
		return
	}
	results := s.sync.Process(r.Context(), chi.URLParam(r, "executionID"), batch.Entries)
	writeJSON(w, http.StatusOK, syncsvc.BatchResult{Results: results})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	is, err := s.ctrl.Store().GetItemState(r.Context(), chi.URLParam(r, "executionID"), chi.URLParam(r, "itemSessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, is)
}

func (s *Server) handlePutItem(w http.ResponseWriter, r *http.Request) {
	var is session.ItemSession
	if !s.decode(w, r, &is) {
		return
	}
	id := chi.URLParam(r, "itemSessionID")
	if is.ID == "" {
		is.ID = id
	}
	if is.ID != id {
		s.badRequest(w, "item session id does not match the path")
		return
	}
	tc, err := s.ctrl.SubmitItemState(r.Context(), chi.URLParam(r, "executionID"), &is)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handlePutResponse(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	value, err := ir.DecodeValue(raw)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	tc, err := s.ctrl.StoreItemResponse(r.Context(),
		chi.URLParam(r, "executionID"),
		chi.URLParam(r, "itemSessionID"),
		chi.URLParam(r, "responseID"),
		value,
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Store().Ping(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, &ir.Error{Code: "BAD_REQUEST", Message: msg})
}

// fail writes err as an *ir.Error with a status derived from its code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	exec := chi.URLParam(r, "executionID")
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, &ir.Error{Code: "NOT_FOUND", Message: err.Error(), ExecutionID: exec})
		return
	}
	e := ir.AsError(exec, err)
	status := statusFor(e.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "execution", exec, "error", err)
	}
	writeJSON(w, status, e)
}

func statusFor(code ir.ErrorCode) int {
	switch code {
	case ir.ErrCodeSessionNotFound, ir.ErrCodeItemNotFound:
		return http.StatusNotFound
	case ir.ErrCodeSessionPaused, ir.ErrCodeSessionClosed, ir.ErrCodeStaleSession, ir.ErrCodeSessionExists:
		return http.StatusConflict
	case ir.ErrCodeIllegalNavigation, ir.ErrCodeIllegalBranchTarget, ir.ErrCodeMissingBranchTarget,
		ir.ErrCodeInvalidActionPayload, ir.ErrCodeInvalidBranchRuleKind:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
