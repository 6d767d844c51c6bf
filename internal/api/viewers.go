package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"livecast/internal/models"
)

type issueViewerTokenRequest struct {
	Name string `json:"name"`
}

type viewerTokenResponse struct {
	Viewer models.ViewerIdentity `json:"viewer"`
	// Token is shown exactly once, at issue time.
	Token string `json:"token"`
}

// IssueViewerToken mints a join credential for the viewer rooms.
func (h *Handler) IssueViewerToken(w http.ResponseWriter, r *http.Request) {
	var req issueViewerTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	identity, token, err := h.store.IssueViewerToken(r.Context(), req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewerTokenResponse{Viewer: identity, Token: token})
}

type systemMessageRequest struct {
	Text string `json:"text"`
}

// RoomSystemMessage injects a server-side notification into an active room.
func (h *Handler) RoomSystemMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	var req systemMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if !h.rooms.SystemBroadcast(r.Context(), roomID, req.Text) {
		writeError(w, http.StatusNotFound, fmt.Errorf("room %s has no viewers", roomID))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "sent",
		"roomId":      roomID,
		"viewerCount": h.rooms.ViewerCount(roomID),
		"sentAt":      time.Now().UTC().Format(time.RFC3339),
	})
}
