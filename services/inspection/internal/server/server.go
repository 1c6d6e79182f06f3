package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lemmacheck/internal/ratelimit"
	"lemmacheck/internal/util"
	"lemmacheck/pkg/domain"
	"lemmacheck/pkg/realtime"
	"lemmacheck/services/inspection/internal/app"
)

const (
	defaultMaxBodyBytes      = 32 << 20
	defaultStreamTimeout     = 30 * time.Minute
	defaultHeartbeatInterval = 25 * time.Second
	defaultSocketIdleTimeout = 2 * time.Minute
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	Hub *realtime.Hub
	// Limiters are optional; a nil limiter allows every request.
	EventLimiter      *ratelimit.FixedWindowLimiter
	ChatLimiter       *ratelimit.FixedWindowLimiter
	TrustedProxies    *util.TrustedProxies
	Gatherer          prometheus.Gatherer
	MaxBodyBytes      int64
	StreamTimeout     time.Duration
	HeartbeatInterval time.Duration
	SocketIdleTimeout time.Duration
}

// Server exposes the inspection HTTP API.
type Server struct {
	app          *app.App
	hub          *realtime.Hub
	mux          *http.ServeMux
	eventLimiter *ratelimit.FixedWindowLimiter
	chatLimiter  *ratelimit.FixedWindowLimiter
	trusted      *util.TrustedProxies
	gatherer     prometheus.Gatherer
	maxBodyBytes int64
	streamTTL    time.Duration
	heartbeat    time.Duration
	socketIdle   time.Duration
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub required")
	}
	s := &Server{
		app:          cfg.App,
		hub:          cfg.Hub,
		mux:          http.NewServeMux(),
		eventLimiter: cfg.EventLimiter,
		chatLimiter:  cfg.ChatLimiter,
		trusted:      cfg.TrustedProxies,
		gatherer:     cfg.Gatherer,
		maxBodyBytes: orDefault(cfg.MaxBodyBytes, defaultMaxBodyBytes),
		streamTTL:    orDefault(cfg.StreamTimeout, defaultStreamTimeout),
		heartbeat:    orDefault(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		socketIdle:   orDefault(cfg.SocketIdleTimeout, defaultSocketIdleTimeout),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("inspection", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.mux.HandleFunc("GET /api/houses", s.handleListHouses)

	// events
	s.mux.HandleFunc("GET /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("GET /api/events/url/{url}", s.handleGetEvent)
	s.mux.HandleFunc("PUT /api/events/url/{url}", s.handleUpdateEvent)
	s.mux.HandleFunc("POST /api/events/url/{url}/problems", s.handleAddProblem)
	s.mux.HandleFunc("DELETE /api/events/url/{url}/problems/{id}", s.handleDeleteProblem)

	// documents
	s.mux.HandleFunc("GET /api/events/url/{url}/report", s.handleReport)
	s.mux.HandleFunc("GET /api/events/url/{url}/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/events/url/{url}/report/archive", s.handleArchive)
	// Older clients download from /api/events/{url}/report. A direct pattern
	// would overlap /api/events/url/{url}, so it is matched by hand.
	s.mux.HandleFunc("GET /api/events/{path...}", s.handleLegacyReport)

	// chat & realtime
	s.mux.HandleFunc("GET /api/events/url/{url}/chat/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /api/events/url/{url}/chat/messages", s.handleSendMessage)
	s.mux.HandleFunc("GET /api/events/url/{url}/stream", s.handleStream)
	s.mux.Handle("GET /api/socket", s.socketHandler())

	// admin
	s.mux.HandleFunc("POST /api/admin/login", s.handleAdminLogin)
	s.mux.Handle("POST /api/admin/houses/import", s.adminOnly(s.handleImportHouses))
	s.mux.Handle("DELETE /api/admin/events/{url}", s.adminOnly(s.handleAdminDeleteEvent))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListHouses(w http.ResponseWriter, r *http.Request) {
	houses, err := s.app.ListHouses(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "houses": houses})
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.eventLimiter) {
		return
	}
	event, err := s.app.CreateEvent(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event_id": event.ID, "url": event.URL})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.app.GetEvent(r.Context(), r.PathValue("url"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": event})
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if !s.decode(w, r, &body) {
		return
	}
	patch, err := parseEventPatch(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	event, err := s.app.UpdateEvent(r.Context(), r.PathValue("url"), patch)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": event})
}

func (s *Server) handleAddProblem(w http.ResponseWriter, r *http.Request) {
	var body problemPayload
	if !s.decode(w, r, &body) {
		return
	}
	url := r.PathValue("url")
	problem, note, err := s.app.AddProblem(r.Context(), url, body.input())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	event, err := s.app.GetEvent(r.Context(), url)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"problem_id": problem.ID,
		"problem":    problem,
		"message":    note,
		"event":      event,
	})
}

func (s *Server) handleDeleteProblem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid problem id")
		return
	}
	if err := s.app.DeleteProblem(r.Context(), r.PathValue("url"), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.app.Report(r.Context(), r.PathValue("url"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeAttachment(w, rep)
}

func (s *Server) handleLegacyReport(w http.ResponseWriter, r *http.Request) {
	token, rest, ok := strings.Cut(r.PathValue("path"), "/")
	if !ok || rest != "report" || token == "" || token == "url" {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	r.SetPathValue("url", token)
	s.handleReport(w, r)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	rep, err := s.app.ProblemRegister(r.Context(), r.PathValue("url"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeAttachment(w, rep)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	arc, err := s.app.ArchiveReport(r.Context(), r.PathValue("url"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "archive": arc})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.app.ListMessages(r.Context(), r.PathValue("url"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.chatLimiter) {
		return
	}
	var body struct {
		User    string `json:"user"`
		Content string `json:"content"`
		Message string `json:"message"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	text := body.Content
	if text == "" {
		text = body.Message
	}
	msg, err := s.app.SendMessage(r.Context(), r.PathValue("url"), body.User, text)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "message": msg})
}

// problemPayload accepts "image" as a list of data URIs or a single string.
type problemPayload struct {
	Image       json.RawMessage `json:"image"`
	Description string          `json:"description"`
	Important   bool            `json:"important"`
	Category    string          `json:"category"`
}

func (p problemPayload) input() app.ProblemInput {
	return app.ProblemInput{
		Description: p.Description,
		Category:    p.Category,
		Important:   p.Important,
		Images:      parseImages(p.Image),
	}
}

func (p problemPayload) problem() domain.Problem {
	in := p.input()
	return domain.Problem{
		Description: in.Description,
		Category:    in.Category,
		Important:   in.Important,
		Images:      in.Images,
	}
}

func parseImages(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

func parseEventPatch(body map[string]json.RawMessage) (domain.EventPatch, error) {
	var patch domain.EventPatch
	if raw, ok := body["house_id"]; ok {
		var id *int64
		if err := json.Unmarshal(raw, &id); err != nil || id == nil {
			return patch, app.ErrInvalidHouse
		}
		patch.HouseID = id
	}
	for name, dst := range map[string]**string{
		"old_house_id":  &patch.OldHouseID,
		"flat":          &patch.Flat,
		"customer_name": &patch.CustomerName,
	} {
		raw, ok := body[name]
		if !ok {
			continue
		}
		var v *string
		if err := json.Unmarshal(raw, &v); err != nil {
			return patch, fmt.Errorf("invalid %s", name)
		}
		if v == nil {
			v = new(string)
		}
		*dst = v
	}
	if raw, ok := body["problems"]; ok {
		var items []problemPayload
		if err := json.Unmarshal(raw, &items); err != nil {
			return patch, errors.New("invalid problems")
		}
		problems := make([]domain.Problem, 0, len(items))
		for _, item := range items {
			problems = append(problems, item.problem())
		}
		patch.Problems = &problems
	}
	return patch, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, r, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, r, http.StatusBadRequest, "invalid_request", "request body required")
		default:
			writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid json")
		}
		return false
	}
	return true
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	decision := limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	s.audit(r, "inspection.ratelimit", "fail")
	writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
	return false
}

func writeAttachment(w http.ResponseWriter, rep app.Report) {
	w.Header().Set("Content-Type", rep.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rep.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(rep.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rep.Data)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"success":   false,
		"error":     msg,
		"code":      code,
		"requestId": util.RequestIDFromRequest(r),
	})
}

// writeAppError is the single translation point from app errors to HTTP.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrEventNotFound):
		writeError(w, r, http.StatusNotFound, "event_not_found", "Event not found")
	case errors.Is(err, app.ErrProblemNotFound):
		writeError(w, r, http.StatusNotFound, "problem_not_found", "Problem not found")
	case errors.Is(err, app.ErrInvalidHouse):
		writeError(w, r, http.StatusBadRequest, "invalid_house", "Invalid house_id")
	case errors.Is(err, app.ErrMessageRequired):
		writeError(w, r, http.StatusBadRequest, "message_required", "message required")
	case errors.Is(err, app.ErrInvalidListing):
		writeError(w, r, http.StatusBadRequest, "invalid_listing", err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, app.ErrArchiveDisabled), errors.Is(err, app.ErrAdminDisabled):
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func orDefault[T int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
