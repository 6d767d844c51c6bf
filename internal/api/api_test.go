package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"livecast/internal/ingest"
	"livecast/internal/observability/metrics"
	"livecast/internal/session"
	"livecast/internal/storage"
)

type stubRooms struct {
	mu     sync.Mutex
	counts map[string]int
	sent   []string
}

func newStubRooms() *stubRooms {
	return &stubRooms{counts: make(map[string]int)}
}

func (s *stubRooms) ViewerCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[roomID]
}

func (s *stubRooms) SystemBroadcast(_ context.Context, roomID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[roomID] == 0 {
		return false
	}
	s.sent = append(s.sent, roomID+": "+text)
	return true
}

func (s *stubRooms) HandleConnection(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

type stubDisconnector struct {
	mu   sync.Mutex
	keys []string
}

func (s *stubDisconnector) Disconnect(streamKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, streamKey)
	return true
}

type apiFixture struct {
	handler      *Handler
	store        storage.Repository
	registry     *session.Registry
	gateway      *ingest.Gateway
	rooms        *stubRooms
	disconnector *stubDisconnector
	srv          *httptest.Server
}

func newAPIFixture(t *testing.T, hookToken string) *apiFixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"), storage.WithKeyPepper("test"))
	require.NoError(t, err)

	registry := session.NewRegistry()
	bus := session.NewMemoryBus(16)
	gateway, err := ingest.NewGateway(ingest.Config{
		Repository:           store,
		Registry:             registry,
		Bus:                  bus,
		Metrics:              metrics.New(),
		PersistRetryAttempts: 2,
		PersistRetryBackoff:  time.Millisecond,
	})
	require.NoError(t, err)

	rooms := newStubRooms()
	disconnector := &stubDisconnector{}
	handler, err := NewHandler(Config{
		Store:           store,
		Registry:        registry,
		Gateway:         gateway,
		Rooms:           rooms,
		Ingest:          disconnector,
		PlaybackBaseURL: "http://cdn.test",
		HookToken:       hookToken,
	})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Get("/healthz", handler.Health)
	router.Mount("/api", handler.Routes())
	router.Post("/hooks/media-server", handler.MediaServerHook)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiFixture{
		handler:      handler,
		store:        store,
		registry:     registry,
		gateway:      gateway,
		rooms:        rooms,
		disconnector: disconnector,
		srv:          srv,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) createStream(t *testing.T, retain bool) (streamResponse, string) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/streams", map[string]any{
		"title":        "launch day",
		"retainOutput": retain,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[streamWithKeyResponse](t, resp)
	require.NotEmpty(t, created.StreamKey)
	return created.Stream, created.StreamKey
}

func TestCreateAndListStreams(t *testing.T) {
	f := newAPIFixture(t, "")
	stream, _ := f.createStream(t, true)
	f.rooms.counts[stream.ID] = 3

	resp := f.do(t, http.MethodGet, "/api/streams", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	streams := decodeBody[[]streamResponse](t, resp)
	require.Len(t, streams, 1)
	require.Equal(t, "launch day", streams[0].Title)
	require.Equal(t, 3, streams[0].ViewerCount)
	require.False(t, streams[0].Live)
}

func TestHookPublishLifecycle(t *testing.T) {
	f := newAPIFixture(t, "")
	stream, key := f.createStream(t, true)

	resp := f.do(t, http.MethodPost, "/hooks/media-server", map[string]string{
		"action": "on_publish",
		"stream": key,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	require.Equal(t, stream.ID, body["recordId"])

	// A concurrent duplicate publish for the same key is refused.
	resp = f.do(t, http.MethodPost, "/hooks/media-server", map[string]string{
		"action": "publish",
		"stream": key,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/streams/"+stream.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeBody[streamResponse](t, resp)
	require.True(t, detail.Live)
	require.Equal(t, fmt.Sprintf("http://cdn.test/streams/%s/index.m3u8", key), detail.PlaybackURL)

	resp = f.do(t, http.MethodPost, "/hooks/media-server", map[string]string{
		"action": "on_unpublish",
		"stream": key,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Releasing twice is harmless; the hook answers ok either way.
	resp = f.do(t, http.MethodPost, "/hooks/media-server", map[string]string{
		"action": "on_unpublish",
		"stream": key,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHookRejectsUnknownKey(t *testing.T) {
	f := newAPIFixture(t, "")
	resp := f.do(t, http.MethodPost, "/hooks/media-server", map[string]string{
		"action": "publish",
		"stream": "NOPE",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.False(t, f.registry.IsLive("NOPE"))
}

func TestHookTokenGuard(t *testing.T) {
	f := newAPIFixture(t, "secret-hook")

	resp := f.do(t, http.MethodPost, "/hooks/media-server", map[string]string{"action": "play", "stream": "k"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/hooks/media-server",
		strings.NewReader(`{"action":"play","stream":"k"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-hook")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	require.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestEndStreamManually(t *testing.T) {
	f := newAPIFixture(t, "")
	stream, key := f.createStream(t, false)

	resp := f.do(t, http.MethodPost, "/api/streams/"+stream.ID+"/end", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	_, err := f.gateway.Authorize(context.Background(), key)
	require.NoError(t, err)

	resp = f.do(t, http.MethodPost, "/api/streams/"+stream.ID+"/end", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []string{key}, f.disconnector.keys)
}

func TestDeleteLiveStreamRefused(t *testing.T) {
	f := newAPIFixture(t, "")
	stream, key := f.createStream(t, false)
	_, err := f.gateway.Authorize(context.Background(), key)
	require.NoError(t, err)

	resp := f.do(t, http.MethodDelete, "/api/streams/"+stream.ID, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRotateStreamKey(t *testing.T) {
	f := newAPIFixture(t, "")
	stream, key := f.createStream(t, false)

	resp := f.do(t, http.MethodPost, "/api/streams/"+stream.ID+"/rotate-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decodeBody[streamWithKeyResponse](t, resp)
	require.NotEmpty(t, rotated.StreamKey)
	require.NotEqual(t, key, rotated.StreamKey)

	// The old key no longer authorizes a publish.
	hookResp := f.do(t, http.MethodPost, "/hooks/media-server", map[string]string{
		"action": "publish",
		"stream": key,
	})
	require.Equal(t, http.StatusForbidden, hookResp.StatusCode)
}

func TestIssueViewerToken(t *testing.T) {
	f := newAPIFixture(t, "")

	resp := f.do(t, http.MethodPost, "/api/viewer-tokens", map[string]string{"name": "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	issued := decodeBody[viewerTokenResponse](t, resp)
	require.NotEmpty(t, issued.Token)
	require.Equal(t, "alice", issued.Viewer.Name)

	resp = f.do(t, http.MethodPost, "/api/viewer-tokens", map[string]string{"name": "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomSystemMessage(t *testing.T) {
	f := newAPIFixture(t, "")
	f.rooms.counts["video-1"] = 2

	resp := f.do(t, http.MethodPost, "/api/rooms/video-1/system", map[string]string{"text": "stream starts soon"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []string{"video-1: stream starts soon"}, f.rooms.sent)

	resp = f.do(t, http.MethodPost, "/api/rooms/empty/system", map[string]string{"text": "anyone?"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, "")
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	require.Equal(t, "ok", body["status"])
}
