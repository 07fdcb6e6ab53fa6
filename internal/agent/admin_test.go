package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/storage"
)

type fakeEvents struct {
	events     map[string]*alerts.Event
	lastFilter alerts.EventFilter
}

func newFakeEvents() *fakeEvents {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return &fakeEvents{events: map[string]*alerts.Event{
		"ev-1": {ID: "ev-1", RuleID: "cpu-high", Host: "web-1", Status: alerts.StatusTriggered, Value: 95, TriggeredAt: at},
		"ev-2": {ID: "ev-2", RuleID: "cpu-high", Host: "web-2", Status: alerts.StatusResolved, Value: 97, TriggeredAt: at},
	}}
}

func (f *fakeEvents) Events(ctx context.Context, filter alerts.EventFilter) ([]alerts.Event, error) {
	f.lastFilter = filter
	var out []alerts.Event
	for _, id := range []string{"ev-1", "ev-2"} {
		ev := f.events[id]
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (f *fakeEvents) Event(ctx context.Context, id string) (*alerts.Event, error) {
	ev, ok := f.events[id]
	if !ok {
		return nil, &alerts.EventNotFoundError{ID: id}
	}
	return ev, nil
}

func (f *fakeEvents) Acknowledge(ctx context.Context, id, userID string) (*alerts.Event, error) {
	ev, err := f.Event(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status != alerts.StatusTriggered {
		return nil, &alerts.EventNotOpenError{ID: id, Status: ev.Status, Action: "acknowledge"}
	}
	ev.Status = alerts.StatusAcknowledged
	ev.AcknowledgedBy = userID
	return ev, nil
}

func (f *fakeEvents) Resolve(ctx context.Context, id string) (*alerts.Event, error) {
	ev, err := f.Event(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ev.IsOpen() {
		return nil, &alerts.EventNotOpenError{ID: id, Status: ev.Status, Action: "resolve"}
	}
	ev.Status = alerts.StatusResolved
	return ev, nil
}

type fakeInbox struct {
	items []storage.Notification
}

func (f *fakeInbox) Notifications(ctx context.Context, userID string, unreadOnly bool) ([]storage.Notification, error) {
	var out []storage.Notification
	for _, n := range f.items {
		if n.UserID == userID && (!unreadOnly || !n.IsRead) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeInbox) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	for i := range f.items {
		if f.items[i].UserID == userID && f.items[i].ID == id {
			f.items[i].IsRead = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeInbox) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	var n int64
	for i := range f.items {
		if f.items[i].UserID == userID && !f.items[i].IsRead {
			f.items[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func newTestAdmin(t *testing.T) (*AdminHandler, *fakeEvents, *int) {
	t.Helper()
	events := newFakeEvents()
	reloads := 0

	reg := prometheus.NewRegistry()
	alerts.NewTelemetry(reg)

	h := &AdminHandler{
		Events: events,
		Inbox: &fakeInbox{items: []storage.Notification{
			{ID: "n-1", AlertID: "ev-1", UserID: "u-1"},
			{ID: "n-2", AlertID: "ev-2", UserID: "u-1", IsRead: true},
		}},
		Gatherer: reg,
		Health:   func(ctx context.Context) error { return nil },
		Status:   func() storage.AgentStatus { return storage.AgentStatus{PID: 42, Ticks: 3} },
		Reload:   func() { reloads++ },
	}
	return h, events, &reloads
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestAdmin_Events(t *testing.T) {
	h, events, _ := newTestAdmin(t)
	router := h.Router()

	resp := do(t, router, http.MethodGet, "/events?status=triggered&host=web-1&limit=10", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var list []alerts.Event
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "ev-1", list[0].ID)
	assert.Equal(t, alerts.EventFilter{Status: alerts.StatusTriggered, Host: "web-1", Limit: 10}, events.lastFilter)

	resp = do(t, router, http.MethodGet, "/events?status=firing", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(t, router, http.MethodGet, "/events?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(t, router, http.MethodGet, "/events/ev-2", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"resolved"`)

	resp = do(t, router, http.MethodGet, "/events/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), `"code":"NOT_FOUND"`)
}

func TestAdmin_Transitions(t *testing.T) {
	h, events, _ := newTestAdmin(t)
	router := h.Router()

	resp := do(t, router, http.MethodPost, "/events/ev-1/ack", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code, "user_id is required")

	resp = do(t, router, http.MethodPost, "/events/ev-1/ack", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(t, router, http.MethodPost, "/events/ev-1/ack", `{"user_id":"u-1"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, alerts.StatusAcknowledged, events.events["ev-1"].Status)
	assert.Equal(t, "u-1", events.events["ev-1"].AcknowledgedBy)

	resp = do(t, router, http.MethodPost, "/events/ev-1/ack", `{"user_id":"u-2"}`)
	assert.Equal(t, http.StatusConflict, resp.Code, "acknowledge applies only to triggered events")

	resp = do(t, router, http.MethodPost, "/events/ev-1/resolve", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, alerts.StatusResolved, events.events["ev-1"].Status)

	resp = do(t, router, http.MethodPost, "/events/ev-1/resolve", "")
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = do(t, router, http.MethodPost, "/events/nope/resolve", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAdmin_HealthReloadMetrics(t *testing.T) {
	h, _, reloads := newTestAdmin(t)
	router := h.Router()

	resp := do(t, router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"pid":42`)

	h.Health = func(ctx context.Context) error { return errors.New("database is locked") }
	resp = do(t, h.Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Contains(t, resp.Body.String(), "database is locked")

	resp = do(t, router, http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, 1, *reloads)

	resp = do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "hostwatch_alerts_open_events")

	resp = do(t, router, http.MethodGet, "/debug/logs", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"entries"`)
}

func TestAdmin_Notifications(t *testing.T) {
	h, _, _ := newTestAdmin(t)
	router := h.Router()

	resp := do(t, router, http.MethodGet, "/users/u-1/notifications?unread=true", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var items []storage.Notification
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "n-1", items[0].ID)

	resp = do(t, router, http.MethodPost, "/users/u-1/notifications/n-1/read", "")
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, router, http.MethodPost, "/users/u-1/notifications/n-9/read", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(t, router, http.MethodPost, "/users/u-1/notifications/read", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"updated":0`)

	resp = do(t, router, http.MethodGet, "/users/u-2/notifications", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())
}
