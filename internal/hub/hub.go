package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livecast/internal/models"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
)

// Credentials resolves viewer join tokens to identities.
type Credentials interface {
	LookupViewerToken(ctx context.Context, token string) (models.ViewerIdentity, bool)
}

// Config configures the hub.
type Config struct {
	Queue       Queue
	Credentials Credentials
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	// MaxMessageLength caps chat message content in runes. Defaults to 500.
	MaxMessageLength int
	// HeartbeatInterval controls WebSocket ping frames. Defaults to 30s.
	HeartbeatInterval time.Duration
}

const (
	defaultMaxMessageLength = 500
	writeWait               = 10 * time.Second
	// maxFrameBytes bounds a single inbound frame; generous relative to the
	// message cap because tokens and JSON framing ride along.
	maxFrameBytes = 8192
)

// Hub owns the viewer rooms. Rooms are keyed by the record ID being watched,
// exist only while they have members, and report their size as the viewer
// count.
type Hub struct {
	queue  Queue
	creds  Credentials
	logger *slog.Logger
	rec    *metrics.Recorder

	maxMessageLength  int
	heartbeatInterval time.Duration
	upgrader          websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// New initialises a hub using the provided configuration.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	maxLen := cfg.MaxMessageLength
	if maxLen <= 0 {
		maxLen = defaultMaxMessageLength
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		queue:             cfg.Queue,
		creds:             cfg.Credentials,
		logger:            logging.WithComponent(logger, "hub"),
		rec:               rec,
		maxMessageLength:  maxLen,
		heartbeatInterval: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// HandleConnection upgrades the HTTP request to a WebSocket viewer
// connection. The viewer is anonymous until a join with a valid token.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 16),
		quit:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	go c.writeLoop(h.heartbeatInterval)
	c.readLoop()
}

// ViewerCount reports the current size of a room. Missing rooms have zero
// viewers.
func (h *Hub) ViewerCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// RoomCounts snapshots all rooms and their sizes.
func (h *Hub) RoomCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	counts := make(map[string]int, len(h.rooms))
	for roomID, members := range h.rooms {
		counts[roomID] = len(members)
	}
	return counts
}

// SystemBroadcast injects a server-side notification into a room. It reports
// whether the room existed.
func (h *Hub) SystemBroadcast(ctx context.Context, roomID, text string) bool {
	h.mu.RLock()
	count := len(h.rooms[roomID])
	h.mu.RUnlock()
	if count == 0 {
		return false
	}
	now := time.Now().UTC()
	h.broadcast(roomID, outboundFrame{
		Type:        frameTypeSystem,
		RoomID:      roomID,
		Text:        text,
		ViewerCount: &count,
		Timestamp:   now.Format(time.RFC3339),
	})
	h.publish(ctx, Event{
		Type:       EventTypeSystem,
		System:     &SystemEvent{RoomID: roomID, Text: text, ViewerCount: count, OccurredAt: now},
		OccurredAt: now,
	})
	h.rec.ObserveChatEvent("system")
	return true
}

// join adds the client to the room, creating it on demand, and returns the
// resulting viewer count.
func (h *Hub) join(roomID string, c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	count := len(h.rooms[roomID])
	h.rec.SetRoomViewers(roomID, count)
	return count
}

// leave removes the client from the room and returns the remaining viewer
// count. The last viewer out deletes the room.
func (h *Hub) leave(roomID string, c *client) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return 0, false
	}
	if _, member := members[c]; !member {
		return len(members), false
	}
	delete(members, c)
	count := len(members)
	if count == 0 {
		delete(h.rooms, roomID)
		h.rec.RoomClosed(roomID)
	} else {
		h.rec.SetRoomViewers(roomID, count)
	}
	return count, true
}

func (h *Hub) broadcast(roomID string, frame outboundFrame) {
	payload, err := frame.marshal()
	if err != nil {
		h.logger.Error("marshal room frame failed", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for member := range h.rooms[roomID] {
		member.deliver(payload)
	}
}

func (h *Hub) publish(ctx context.Context, event Event) {
	if h.queue == nil {
		return
	}
	if err := h.queue.Publish(ctx, event); err != nil {
		h.logger.Warn("publish room event failed", "error", err)
	}
}

func generateID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
