package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"livecast/internal/session"
)

// hookRequest is the SRS-style callback payload. Unknown fields are common
// across media servers and ignored.
type hookRequest struct {
	Action   string `json:"action"`
	Stream   string `json:"stream"`
	ClientID string `json:"client_id,omitempty"`
	Param    string `json:"param,omitempty"`
}

func normalizeHookAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	return strings.TrimPrefix(normalized, "on_")
}

func (h *Handler) hookAuthorized(r *http.Request) bool {
	if h.hookToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")) == h.hookToken {
			return true
		}
	}
	return r.URL.Query().Get("token") == h.hookToken
}

// MediaServerHook processes publish/unpublish/play/stop callbacks from an
// external media server, mapping them onto the session lifecycle. The
// embedded RTMP listener goes through the same gateway directly.
func (h *Handler) MediaServerHook(w http.ResponseWriter, r *http.Request) {
	if !h.hookAuthorized(r) {
		h.logger.Warn("media-server hook rejected token", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}

	var req hookRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := decodeJSONAllowUnknown(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}

	action := normalizeHookAction(req.Action)
	if action == "" {
		writeError(w, http.StatusBadRequest, errors.New("action is required"))
		return
	}
	streamKey := strings.TrimSpace(req.Stream)
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("stream is required"))
		return
	}

	switch action {
	case "publish":
		snap, err := h.gateway.Authorize(r.Context(), streamKey)
		if err != nil {
			writeError(w, statusForStreamError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"action":   "on_publish",
			"recordId": snap.RecordID,
		})
	case "unpublish":
		err := h.gateway.Release(r.Context(), streamKey, session.EndReasonPublisherStopped)
		if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, statusForStreamError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": "on_unpublish"})
	case "play", "stop":
		// Viewer presence is tracked by the hub, not by edge callbacks.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
	}
}
