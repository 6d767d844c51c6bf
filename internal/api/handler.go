package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"livecast/internal/ingest"
	"livecast/internal/observability/logging"
	"livecast/internal/session"
	"livecast/internal/storage"
)

// Rooms is the slice of the viewer hub the API consumes.
type Rooms interface {
	ViewerCount(roomID string) int
	SystemBroadcast(ctx context.Context, roomID, text string) bool
	HandleConnection(w http.ResponseWriter, r *http.Request)
}

// StreamController is the slice of the ingest gateway driven by the API and
// the media-server hook.
type StreamController interface {
	Authorize(ctx context.Context, streamKey string) (session.Snapshot, error)
	Release(ctx context.Context, streamKey string, reason session.EndReason) error
}

// Disconnector drops an active publisher connection at the ingest edge.
type Disconnector interface {
	Disconnect(streamKey string) bool
}

// Config wires the API handler.
type Config struct {
	Store    storage.Repository
	Registry *session.Registry
	Gateway  StreamController
	Rooms    Rooms
	// Ingest is optional; without it a manual end only releases the session.
	Ingest Disconnector
	Logger *slog.Logger
	// PlaybackBaseURL prefixes the HLS manifest URLs exposed in listings.
	PlaybackBaseURL string
	// HookToken guards the media-server hook endpoint when non-empty.
	HookToken string
}

// Handler exposes the stream record and viewer surface over HTTP.
type Handler struct {
	store    storage.Repository
	registry *session.Registry
	gateway  StreamController
	rooms    Rooms
	ingest   Disconnector
	logger   *slog.Logger

	playbackBaseURL string
	hookToken       string
}

// NewHandler validates the configuration and constructs a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("api: registry is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("api: gateway is required")
	}
	if cfg.Rooms == nil {
		return nil, errors.New("api: rooms are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:           cfg.Store,
		registry:        cfg.Registry,
		gateway:         cfg.Gateway,
		rooms:           cfg.Rooms,
		ingest:          cfg.Ingest,
		logger:          logging.WithComponent(logger, "api"),
		playbackBaseURL: cfg.PlaybackBaseURL,
		hookToken:       cfg.HookToken,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeJSONAllowUnknown tolerates extra fields; media-server callbacks carry
// vendor-specific payloads.
func decodeJSONAllowUnknown(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dest)
}

// Health reports persistence reachability and the active session count.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
		h.logger.Warn("storage ping failed", "error", err)
	}
	writeJSON(w, httpStatus, map[string]any{
		"status":         status,
		"activeSessions": h.registry.ActiveCount(),
	})
}

// ViewerSocket upgrades the request into a viewer room connection.
func (h *Handler) ViewerSocket(w http.ResponseWriter, r *http.Request) {
	h.rooms.HandleConnection(w, r)
}

func statusForStreamError(err error) int {
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrUnknownStreamKey):
		return http.StatusForbidden
	case errors.Is(err, ingest.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrAuthorizationBackend):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
