package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"streamdeck/internal/playlist"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// DefaultEventBuffer is the per-connection event queue used by /events.
	DefaultEventBuffer = 32
)

// ClientSignals receives page and network state from presentation layers and
// toggles auto refresh. The refresh scheduler implements it.
type ClientSignals interface {
	SetVisible(visible bool)
	SetOnline(online bool)
	SetAutoRefresh(enabled bool)
	AutoRefresh() bool
}

// Handler exposes the registry's query surface over HTTP using go-chi.
type Handler struct {
	reg         *Registry
	signals     ClientSignals
	log         *slog.Logger
	eventBuffer int
}

// NewHandler returns a Handler for reg. signals may be nil, in which case the
// client and settings endpoints answer 501.
func NewHandler(reg *Registry, signals ClientSignals, log *slog.Logger) *Handler {
	return &Handler{reg: reg, signals: signals, log: log, eventBuffer: DefaultEventBuffer}
}

// WithEventBuffer sets how many events each /events connection may queue
// before the bus starts dropping for it. Non-positive values are ignored.
func (h *Handler) WithEventBuffer(n int) *Handler {
	if n > 0 {
		h.eventBuffer = n
	}
	return h
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/streams", h.ListStreams)
	r.Get("/streams/{id}", h.GetStream)
	r.Post("/streams/{id}/play", h.PlayStream)
	r.Post("/player/stop", h.StopStream)
	r.Post("/player/failures", h.ReportFailure)
	r.Get("/selection", h.GetSelection)
	r.Put("/selection/{id}", h.SelectStream)
	r.Delete("/selection", h.ClearSelection)
	r.Get("/stats", h.GetStatistics)
	r.Post("/refresh", h.Refresh)
	r.Put("/settings/auto-refresh", h.SetAutoRefresh)
	r.Post("/client/visibility", h.ClientVisibility)
	r.Post("/client/network", h.ClientNetwork)
	r.Get("/events", h.Events)
	r.Get("/playlist.m3u8", h.ExportPlaylist)
}

// streamView is the rendered form of a Stream: status and expiry are
// evaluated at response time.
type streamView struct {
	playlist.Stream
	Status           playlist.Status `json:"status"`
	IsExpired        bool            `json:"isExpired"`
	ExpiresInSeconds int64           `json:"expiresInSeconds,omitempty"`
}

func newStreamView(st playlist.Stream, now time.Time) streamView {
	return streamView{
		Stream:           st,
		Status:           st.EffectiveStatus(now),
		IsExpired:        st.IsExpired(now),
		ExpiresInSeconds: int64(st.TimeUntilExpiry(now) / time.Second),
	}
}

func newStreamViews(streams []playlist.Stream, now time.Time) []streamView {
	views := make([]streamView, 0, len(streams))
	for _, st := range streams {
		views = append(views, newStreamView(st, now))
	}
	return views
}

// ListStreams handles GET /streams?status=&q=&sort=&order=&min_viewers=.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		h.log.Debug("invalid stream query", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	streams := h.reg.Query(q)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": newStreamViews(streams, h.reg.Now()),
		"count":   len(streams),
	})
}

func parseQuery(r *http.Request) (Query, error) {
	v := r.URL.Query()

	var q Query
	var err error
	if q.Status, err = ParseStatusFilter(v.Get("status")); err != nil {
		return Query{}, err
	}
	if q.Sort, err = ParseSortKey(v.Get("sort")); err != nil {
		return Query{}, err
	}
	if q.Order, err = ParseSortOrder(v.Get("order")); err != nil {
		return Query{}, err
	}
	if s := v.Get("min_viewers"); s != "" {
		if q.MinViewers, err = strconv.ParseUint(s, 10, 64); err != nil {
			return Query{}, fmt.Errorf("invalid min_viewers %q", s)
		}
	}
	q.Search = v.Get("q")
	return q, nil
}

// GetStream handles GET /streams/{id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	st, ok := h.reg.Stream(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrStreamNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, newStreamView(st, h.reg.Now()))
}

// PlayStream handles POST /streams/{id}/play.
func (h *Handler) PlayStream(w http.ResponseWriter, r *http.Request) {
	st, err := h.reg.Play(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newStreamView(st, h.reg.Now()))
}

// StopStream handles POST /player/stop.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	h.reg.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// ReportFailure handles POST /player/failures.
// Body: { "streamId": "...", "cause": "expired-url" }.
func (h *Handler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StreamID string `json:"streamId"`
		Cause    string `json:"cause"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid failure body")
		return
	}

	report := h.reg.ReportPlaybackFailure(detached(r), body.StreamID, ParsePlaybackCause(body.Cause))
	writeJSON(w, http.StatusOK, report)
}

// GetSelection handles GET /selection.
func (h *Handler) GetSelection(w http.ResponseWriter, r *http.Request) {
	st, ok := h.reg.Selected()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newStreamView(st, h.reg.Now()))
}

// SelectStream handles PUT /selection/{id}.
func (h *Handler) SelectStream(w http.ResponseWriter, r *http.Request) {
	st, ok := h.reg.Select(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrStreamNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, newStreamView(st, h.reg.Now()))
}

// ClearSelection handles DELETE /selection.
func (h *Handler) ClearSelection(w http.ResponseWriter, r *http.Request) {
	h.reg.ClearSelection(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// GetStatistics handles GET /stats.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Statistics())
}

// Refresh handles POST /refresh?force=true. Failures still answer with the
// collection size that remains available.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	out, err := h.reg.Refresh(detached(r), force)
	resp := map[string]interface{}{
		"count":    out.Count,
		"shared":   out.Shared,
		"restored": out.Restored,
	}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetAutoRefresh handles PUT /settings/auto-refresh. Body: { "enabled": true }.
func (h *Handler) SetAutoRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !h.decodeSignal(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	h.signals.SetAutoRefresh(*body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.signals.AutoRefresh()})
}

// ClientVisibility handles POST /client/visibility. Body: { "visible": true }.
func (h *Handler) ClientVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Visible *bool `json:"visible"`
	}
	if !h.decodeSignal(w, r, &body) {
		return
	}
	if body.Visible == nil {
		writeError(w, http.StatusBadRequest, "visible is required")
		return
	}
	h.signals.SetVisible(*body.Visible)
	w.WriteHeader(http.StatusAccepted)
}

// ClientNetwork handles POST /client/network. Body: { "online": true }.
func (h *Handler) ClientNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if !h.decodeSignal(w, r, &body) {
		return
	}
	if body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	h.signals.SetOnline(*body.Online)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) decodeSignal(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if h.signals == nil {
		writeError(w, http.StatusNotImplemented, "refresh scheduler not configured")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

// Events handles GET /events as a server-sent event stream mirroring the bus.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.reg.Events().Subscribe(h.eventBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(h.eventPayload(ev))
			if err != nil {
				h.log.Error("encode event failed", slog.String("kind", ev.Kind.String()), slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (h *Handler) eventPayload(ev Event) interface{} {
	now := h.reg.Now()
	switch ev.Kind {
	case EventStreamsUpdated:
		return map[string]interface{}{"streams": newStreamViews(ev.Streams, now)}
	case EventStreamsError:
		return ev.Error
	case EventStreamChanged, EventPlayStream:
		if ev.Stream == nil {
			return map[string]interface{}{"stream": nil}
		}
		return map[string]interface{}{"stream": newStreamView(*ev.Stream, now)}
	default:
		return struct{}{}
	}
}

// ExportPlaylist handles GET /playlist.m3u8, re-encoding the streams that
// match the same query parameters as GET /streams.
func (h *Handler) ExportPlaylist(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(playlist.BuildPlaylist(h.reg.Query(q))))
}

// detached keeps request values but not cancellation, so a client hanging up
// does not abort a refresh other callers may be sharing.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
