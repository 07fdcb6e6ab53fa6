package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/logger"
	"github.com/willibrandon/hostwatch/internal/storage"
)

// EventService is the alert event surface exposed over HTTP.
type EventService interface {
	Events(ctx context.Context, filter alerts.EventFilter) ([]alerts.Event, error)
	Event(ctx context.Context, eventID string) (*alerts.Event, error)
	Acknowledge(ctx context.Context, eventID, userID string) (*alerts.Event, error)
	Resolve(ctx context.Context, eventID string) (*alerts.Event, error)
}

// Inbox is the per-user notification store.
type Inbox interface {
	Notifications(ctx context.Context, userID string, unreadOnly bool) ([]storage.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
}

// AdminHandler serves the local admin API.
type AdminHandler struct {
	Events   EventService
	Inbox    Inbox
	Gatherer prometheus.Gatherer

	// Health returns nil when the agent can reach its store.
	Health func(ctx context.Context) error

	// Status returns the current agent status row.
	Status func() storage.AgentStatus

	// Reload requests an early re-evaluation.
	Reload func()

	Timeout time.Duration
}

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ackRequest struct {
	UserID string `json:"user_id"`
}

// Router builds the chi router.
func (h *AdminHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the admin endpoints on r.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	if h.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/reload", h.handleReload)
	r.Get("/debug/logs", h.handleDebugLogs)

	r.Route("/events", func(r chi.Router) {
		r.Get("/", h.handleEventsList)
		r.Get("/{id}", h.handleEventGet)
		r.Post("/{id}/ack", h.handleEventAck)
		r.Post("/{id}/resolve", h.handleEventResolve)
	})

	r.Route("/users/{userID}/notifications", func(r chi.Router) {
		r.Get("/", h.handleNotificationsList)
		r.Post("/read", h.handleNotificationsReadAll)
		r.Post("/{id}/read", h.handleNotificationRead)
	})
}

func (h *AdminHandler) context(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (h *AdminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	resp := map[string]any{"ok": true}
	if h.Status != nil {
		resp["status"] = h.Status()
	}
	if h.Health != nil {
		if err := h.Health(ctx); err != nil {
			resp["ok"] = false
			resp["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) handleReload(w http.ResponseWriter, r *http.Request) {
	if h.Reload != nil {
		h.Reload()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (h *AdminHandler) handleDebugLogs(w http.ResponseWriter, r *http.Request) {
	warn, errs := logger.GetCounts()
	entries := logger.GetEntries()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Format())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"warnings": warn,
		"errors":   errs,
		"entries":  lines,
	})
}

func (h *AdminHandler) handleEventsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := alerts.EventFilter{
		Status: alerts.Status(q.Get("status")),
		Host:   q.Get("host"),
		RuleID: q.Get("rule"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", "status must be triggered, acknowledged or resolved")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	ctx, cancel := h.context(r)
	defer cancel()

	events, err := h.Events.Events(ctx, filter)
	if err != nil {
		writeEventError(w, err)
		return
	}
	if events == nil {
		events = []alerts.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *AdminHandler) handleEventGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	ev, err := h.Events.Event(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeEventError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *AdminHandler) handleEventAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "body must be JSON with user_id")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_USER", "user_id is required")
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	ev, err := h.Events.Acknowledge(ctx, chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		writeEventError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *AdminHandler) handleEventResolve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	ev, err := h.Events.Resolve(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeEventError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *AdminHandler) handleNotificationsList(w http.ResponseWriter, r *http.Request) {
	if h.Inbox == nil {
		writeError(w, http.StatusNotFound, "NO_INBOX", "notifications are not available")
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	unread := r.URL.Query().Get("unread") == "true"
	items, err := h.Inbox.Notifications(ctx, chi.URLParam(r, "userID"), unread)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if items == nil {
		items = []storage.Notification{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *AdminHandler) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	if h.Inbox == nil {
		writeError(w, http.StatusNotFound, "NO_INBOX", "notifications are not available")
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	ok, err := h.Inbox.MarkNotificationRead(ctx, chi.URLParam(r, "userID"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *AdminHandler) handleNotificationsReadAll(w http.ResponseWriter, r *http.Request) {
	if h.Inbox == nil {
		writeError(w, http.StatusNotFound, "NO_INBOX", "notifications are not available")
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	n, err := h.Inbox.MarkAllNotificationsRead(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": n})
}

func writeEventError(w http.ResponseWriter, err error) {
	var notFound *alerts.EventNotFoundError
	var notOpen *alerts.EventNotOpenError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &notOpen):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, alerts.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Ok: false, Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// AdminServer runs AdminHandler on a listener.
type AdminServer struct {
	srv *http.Server
	ln  net.Listener
}

// StartAdminServer listens on addr and serves h in the background.
func StartAdminServer(addr string, h *AdminHandler) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &AdminServer{
		ln: ln,
		srv: &http.Server{
			Handler:      h.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()

	logger.Info("admin server listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address.
func (s *AdminServer) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
