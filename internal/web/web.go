package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskcal/internal/config"
	"taskcal/internal/ics"
	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/reconcile"
	"taskcal/internal/recur"
	"taskcal/internal/source"
)

// Engine is the read side the API serves from.
type Engine interface {
	Track(ctx context.Context, uid string) error
	Occurrences(uid string) model.Buckets
	Tasks(uid string) []model.Task
	Task(uid, id string) (model.Task, bool)
	ExpandTask(uid, id string, limit int) ([]time.Time, error)
}

// UserHeader carries the user id of a request. The uid query parameter is
// accepted as a fallback for calendar clients that cannot set headers.
const UserHeader = "X-User-ID"

// maxExpandLimit bounds /api/tasks/{id}/dates?limit=.
const maxExpandLimit = 1000

// Server provides the HTTP API over the engine's views. Writes go straight to
// the data source; the views catch up through the source's push.
type Server struct {
	cfg    *config.Config
	engine Engine
	src    source.Source
	mux    *http.ServeMux

	// base outlives requests; users tracked on demand stay tracked until it
	// is cancelled.
	base context.Context
	loc  *time.Location
	opts recur.Options
}

// NewServer constructs a new Server. ctx bounds the tracking started by
// requests for users not tracked yet.
func NewServer(ctx context.Context, cfg *config.Config, eng Engine, src source.Source) *Server {
	opts, err := cfg.RecurOptions()
	if err != nil {
		appLog.Warn("invalid recurrence options; using defaults", "error", err)
		opts = recur.Options{}
	}
	s := &Server{
		cfg:    cfg,
		engine: eng,
		src:    src,
		mux:    http.NewServeMux(),
		base:   ctx,
		loc:    resolveLocationOrLocal(cfg.Timezone),
		opts:   opts,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="taskcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/occurrences", s.withUser(s.handleOccurrences))
	s.mux.HandleFunc("GET /api/tasks", s.withUser(s.handleListTasks))
	s.mux.HandleFunc("POST /api/tasks", s.withUser(s.handleCreateTask))
	s.mux.HandleFunc("PATCH /api/tasks/{id}", s.withUser(s.handleUpdateTask))
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.withUser(s.handleDeleteTask))
	s.mux.HandleFunc("GET /api/tasks/{id}/dates", s.withUser(s.handleTaskDates))
	s.mux.HandleFunc("POST /api/overrides", s.withUser(s.handleRecordOverride))
	s.mux.HandleFunc("GET /calendar.ics", s.withUser(s.handleCalendar))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type userHandler func(w http.ResponseWriter, r *http.Request, uid string)

// withUser resolves the request's user and makes sure the engine tracks it
// before the handler reads any view.
func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.Header.Get(UserHeader))
		if uid == "" {
			uid = strings.TrimSpace(r.URL.Query().Get("uid"))
		}
		if uid == "" {
			writeError(w, http.StatusBadRequest, "missing user id")
			return
		}
		if err := s.engine.Track(s.base, uid); err != nil {
			appLog.Error("track user failed", err, "uid", uid)
			writeError(w, http.StatusServiceUnavailable, "data source unavailable")
			return
		}
		h(w, r, uid)
	}
}

func (s *Server) handleOccurrences(w http.ResponseWriter, _ *http.Request, uid string) {
	writeJSON(w, http.StatusOK, s.engine.Occurrences(uid))
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request, uid string) {
	writeJSON(w, http.StatusOK, s.engine.Tasks(uid))
}

type createResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, uid string) {
	var t model.Task
	if err := decodeJSON(w, r, &t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t.UID = uid
	id, err := s.src.CreateTask(r.Context(), t)
	if err != nil {
		writeSourceError(w, "create task", err)
		return
	}
	appLog.Info("task created", "uid", uid, "id", id)
	writeJSON(w, http.StatusCreated, createResponse{ID: id})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, uid string) {
	id := r.PathValue("id")
	if _, ok := s.engine.Task(uid, id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	var patch model.TaskPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.src.UpdateTask(r.Context(), id, patch); err != nil {
		writeSourceError(w, "update task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, uid string) {
	id := r.PathValue("id")
	if _, ok := s.engine.Task(uid, id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err := s.src.DeleteTask(r.Context(), id); err != nil {
		writeSourceError(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// datesResponse is the JSON response shape for /api/tasks/{id}/dates.
type datesResponse struct {
	TaskID string   `json:"taskId"`
	Dates  []string `json:"dates"`
	// RRule is the equivalent RFC 5545 rule when one exists.
	RRule string `json:"rrule,omitempty"`
}

// handleTaskDates returns the raw expansion of one task, without overrides.
//
// GET /api/tasks/{id}/dates?limit=10
//   - limit: 개수 제한 (생략 시 horizon 기준 전체)
func (s *Server) handleTaskDates(w http.ResponseWriter, r *http.Request, uid string) {
	id := r.PathValue("id")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)
	if limit < 0 {
		limit = 0
	}
	if limit > maxExpandLimit {
		limit = maxExpandLimit
	}

	dates, err := s.engine.ExpandTask(uid, id, limit)
	if err != nil {
		writeSourceError(w, "expand task", err)
		return
	}
	resp := datesResponse{TaskID: id, Dates: make([]string, 0, len(dates))}
	for _, d := range dates {
		resp.Dates = append(resp.Dates, recur.FormatDate(d))
	}

	if t, ok := s.engine.Task(uid, id); ok && t.IsRecurring() {
		if rule, err := t.Rule(); err == nil {
			if start, err := recur.ParseDate(t.StartDate); err == nil {
				resp.RRule = recur.RRuleString(rule, start, s.opts)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type overrideRequest struct {
	OccurrenceID string `json:"occurrenceId"`
	Kind         string `json:"kind"`
	Value        bool   `json:"value"`
}

func (s *Server) handleRecordOverride(w http.ResponseWriter, r *http.Request, uid string) {
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := model.ParseOverrideKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.ownsOccurrence(uid, req.OccurrenceID) {
		writeError(w, http.StatusNotFound, "occurrence not found")
		return
	}
	if err := s.src.RecordOverride(r.Context(), uid, req.OccurrenceID, kind, req.Value); err != nil {
		writeSourceError(w, "record override", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownsOccurrence accepts a dated occurrence id of one of uid's tasks, or the
// bare id of an undated one.
func (s *Server) ownsOccurrence(uid, occurrenceID string) bool {
	if taskID, _, err := model.SplitOccurrenceID(occurrenceID); err == nil {
		if _, ok := s.engine.Task(uid, taskID); ok {
			return true
		}
	}
	_, ok := s.engine.Task(uid, occurrenceID)
	return ok
}

// handleCalendar exports the user's view as an iCalendar feed.
func (s *Server) handleCalendar(w http.ResponseWriter, _ *http.Request, uid string) {
	occs := ics.Flatten(s.engine.Occurrences(uid))
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="taskcal.ics"`)
	if err := ics.Export(w, "taskcal", occs, time.Now().In(s.loc)); err != nil {
		appLog.Error("calendar export failed", err, "uid", uid)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeSourceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, source.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, source.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reconcile.ErrUndated):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		appLog.Error(op+" failed", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
