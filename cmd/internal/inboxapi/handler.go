// Package inboxapi exposes the inbox engine to the UI over HTTP/JSON.
//
// The viewer is identified by the X-Viewer-ID header, set by the upstream authenticator.
package inboxapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/marketplace"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/realtime"
)

const (
	maxBodyBytes   = 16 << 10
	defaultMaxWait = 30 * time.Second
)

// Handler wires HTTP routes to per-viewer inbox engines and marketplace state.
type Handler struct {
	log      *slog.Logger
	engines  *inbox.Registry
	sessions *marketplace.Sessions
	maxWait  time.Duration
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithMaxWait caps the long-poll wait of GET /v1/conversations.
func WithMaxWait(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.maxWait = d
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, engines *inbox.Registry, sessions *marketplace.Sessions, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if engines == nil {
		return nil, errors.New("inboxapi: nil registry")
	}
	if sessions == nil {
		sessions = marketplace.NewSessions()
	}
	h := &Handler{log: log, engines: engines, sessions: sessions, maxWait: defaultMaxWait}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/conversations", h.handleConversations)
	mux.HandleFunc("POST /v1/conversations/{counterpart}/select", h.handleSelect)
	mux.HandleFunc("POST /v1/conversations/{counterpart}/read", h.handleMarkRead)
	mux.HandleFunc("GET /v1/messages/open", h.handleOpen)
	mux.HandleFunc("POST /v1/messages", h.handleSend)
	mux.HandleFunc("GET /v1/thread", h.handleThread)
	mux.HandleFunc("GET /v1/filters", h.handleGetFilters)
	mux.HandleFunc("PUT /v1/filters", h.handlePutFilters)
}

// ---- handlers ----

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("version")); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_version", "version must be an unsigned integer")
			return
		}
		wait := h.maxWait
		if rawWait := strings.TrimSpace(q.Get("wait")); rawWait != "" {
			d, err := time.ParseDuration(rawWait)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "bad_wait", "wait must be a duration like 30s")
				return
			}
			wait = min(d, h.maxWait)
		}

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		_, err = e.Wait(ctx, since)
		cancel()
		if err != nil && r.Context().Err() != nil {
			// Client went away.
			return
		}
	}

	convs, version := e.Conversations()
	if convs == nil {
		convs = []inbox.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversationsResponse{
		Version:       version,
		LiveState:     e.State().String(),
		TotalUnread:   e.TotalUnread(),
		Conversations: convs,
	})
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	var req selectRequest
	if err := decodeJSON(w, r, maxBodyBytes, true, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	view, err := e.SelectConversation(r.Context(), r.PathValue("counterpart"), req.ProductRef)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{View: view})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	n, err := e.MarkRead(r.Context(), r.PathValue("counterpart"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Cleared: n})
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	dl, ok := inbox.ParseDeepLink(r.URL.Query())
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_link", "user is required")
		return
	}
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	view, err := e.OpenDeepLink(r.Context(), dl)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{View: view})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := decodeJSON(w, r, maxBodyBytes, false, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	m, err := e.SendMessage(r.Context(), req.CounterpartID, req.Body, req.ProductRef)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: m})
}

func (h *Handler) handleThread(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	view, ok := e.CurrentThread()
	if !ok {
		writeError(w, http.StatusNotFound, "no_selection", "no conversation selected")
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{View: view})
}

func (h *Handler) handleGetFilters(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := viewer(w, r)
	if !ok {
		return
	}
	st := h.sessions.Get(viewerID)
	writeJSON(w, http.StatusOK, filtersResponse{Version: st.Version(), Filters: st.Filters()})
}

func (h *Handler) handlePutFilters(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := viewer(w, r)
	if !ok {
		return
	}
	var f marketplace.Filters
	if err := decodeJSON(w, r, maxBodyBytes, false, &f); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	st := h.sessions.Get(viewerID)
	if err := st.Replace(f); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_filters", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, filtersResponse{Version: st.Version(), Filters: st.Filters()})
}

// ---- helpers ----

func viewer(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(realtime.ViewerHeader))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing viewer")
		return "", false
	}
	return id, true
}

func (h *Handler) engine(w http.ResponseWriter, r *http.Request) (*inbox.Engine, bool) {
	viewerID, ok := viewer(w, r)
	if !ok {
		return nil, false
	}
	e, err := h.engines.Get(r.Context(), viewerID)
	if err != nil {
		if errors.Is(err, inbox.ErrEngineClosed) {
			writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
			return nil, false
		}
		h.log.Error("inboxapi.engine.fail", "viewer_id", viewerID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return nil, false
	}
	return e, true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case inbox.IsInvalidMessage(err):
		var ie *inbox.InvalidMessageError
		msg := "invalid request"
		if errors.As(err, &ie) {
			msg = ie.Reason
		}
		writeError(w, http.StatusBadRequest, "invalid", msg)
	case inbox.IsStale(err):
		writeError(w, http.StatusConflict, "stale_selection", "superseded by a newer selection")
	case errors.Is(err, inbox.ErrTransientFetch):
		writeError(w, http.StatusServiceUnavailable, "fetch_failed", "messages temporarily unavailable")
	case errors.Is(err, inbox.ErrWriteFailure):
		writeError(w, http.StatusBadGateway, "send_failed", "message was not sent")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.log.Error("inboxapi.request.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
