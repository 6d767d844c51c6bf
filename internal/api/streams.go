package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"livecast/internal/models"
	"livecast/internal/session"
	"livecast/internal/storage"
	"livecast/internal/supervisor"
)

type streamResponse struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Live         bool              `json:"live"`
	RetainOutput bool              `json:"retainOutput"`
	PlaybackURL  string            `json:"playbackUrl,omitempty"`
	ViewerCount  int               `json:"viewerCount"`
	Media        *models.MediaInfo `json:"media,omitempty"`
	LastLiveAt   *time.Time        `json:"lastLiveAt,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

type streamWithKeyResponse struct {
	Stream streamResponse `json:"stream"`
	// StreamKey is shown exactly once, at issue time.
	StreamKey string `json:"streamKey"`
}

func (h *Handler) newStreamResponse(record models.StreamRecord) streamResponse {
	resp := streamResponse{
		ID:           record.ID,
		Title:        record.Title,
		Description:  record.Description,
		Live:         record.Live,
		RetainOutput: record.RetainOutput,
		PlaybackURL:  record.PlaybackURL,
		ViewerCount:  h.rooms.ViewerCount(record.ID),
		Media:        record.Media,
		LastLiveAt:   record.LastLiveAt,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
	if record.Live {
		if key, ok := h.liveStreamKey(record.ID); ok {
			resp.PlaybackURL = h.manifestURL(key)
		}
	}
	return resp
}

func (h *Handler) manifestURL(streamKey string) string {
	base := strings.TrimSuffix(h.playbackBaseURL, "/")
	return base + "/streams/" + supervisor.StreamDirName(streamKey) + "/index.m3u8"
}

// liveStreamKey resolves the stream key serving a record right now, if any.
func (h *Handler) liveStreamKey(recordID string) (string, bool) {
	for _, key := range h.registry.ListLiveStreamKeys() {
		snap, ok := h.registry.Snapshot(key)
		if ok && snap.RecordID == recordID {
			return key, true
		}
	}
	return "", false
}

// ListStreams returns all stream records, newest first, with live viewer
// counts.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListStreamRecords(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	responses := make([]streamResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, h.newStreamResponse(record))
	}
	writeJSON(w, http.StatusOK, responses)
}

type createStreamRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	RetainOutput bool   `json:"retainOutput"`
}

// CreateStream provisions a record and issues its stream key.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, key, err := h.store.CreateStreamRecord(r.Context(), storage.CreateStreamRecordParams{
		Title:        req.Title,
		Description:  req.Description,
		RetainOutput: req.RetainOutput,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, streamWithKeyResponse{
		Stream:    h.newStreamResponse(record),
		StreamKey: key,
	})
}

// GetStream returns a single record.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, ok := h.store.GetStreamRecord(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, h.newStreamResponse(record))
}

// DeleteStream removes a record. Live records must be ended first.
func (h *Handler) DeleteStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, live := h.liveStreamKey(id); live {
		writeError(w, http.StatusConflict, errors.New("stream is live, end it first"))
		return
	}
	if err := h.store.DeleteStreamRecord(r.Context(), id); err != nil {
		writeError(w, statusForStreamError(err), err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// RotateStreamKey invalidates the current key and issues a fresh one.
func (h *Handler) RotateStreamKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, key, err := h.store.RotateStreamKey(r.Context(), id)
	if err != nil {
		writeError(w, statusForStreamError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, streamWithKeyResponse{
		Stream:    h.newStreamResponse(record),
		StreamKey: key,
	})
}

// EndStream stops a live broadcast from the operator side: the session is
// released and the publisher connection is dropped.
func (h *Handler) EndStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, live := h.liveStreamKey(id)
	if !live {
		writeError(w, http.StatusConflict, errors.New("stream is not live"))
		return
	}
	if err := h.gateway.Release(r.Context(), key, session.EndReasonManual); err != nil {
		writeError(w, statusForStreamError(err), err)
		return
	}
	if h.ingest != nil {
		h.ingest.Disconnect(key)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}
