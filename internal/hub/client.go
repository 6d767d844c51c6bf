package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livecast/internal/models"
)

const (
	frameTypeJoined  = "joined"
	frameTypeSystem  = "system"
	frameTypeMessage = "message"
	frameTypeError   = "error"
)

type wireSender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type outboundFrame struct {
	Type        string      `json:"type"`
	RoomID      string      `json:"roomId,omitempty"`
	Sender      *wireSender `json:"sender,omitempty"`
	Content     string      `json:"content,omitempty"`
	Text        string      `json:"text,omitempty"`
	ViewerCount *int        `json:"viewerCount,omitempty"`
	Error       string      `json:"error,omitempty"`
	Timestamp   string      `json:"timestamp"`
}

func (f outboundFrame) marshal() ([]byte, error) {
	return json.Marshal(f)
}

type inboundFrame struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Token   string `json:"token"`
	Content string `json:"content"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}

	// identity is set by the first successful join and only read from the
	// read loop afterwards.
	identity models.ViewerIdentity
	authed   bool
	rooms    map[string]struct{}
	closed   sync.Once
}

func (c *client) deliver(payload []byte) {
	// Never block a broadcast on a slow reader.
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) writeLoop(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

func (c *client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(maxFrameBytes)
	pongWait := 2 * c.hub.heartbeatInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.sendError("invalid payload")
			continue
		}
		switch frame.Type {
		case "join":
			c.handleJoin(frame)
		case "message":
			c.handleMessage(frame)
		case "leave":
			c.handleLeave(frame.RoomID)
		default:
			c.sendError("unknown command")
		}
	}
}

func (c *client) handleJoin(frame inboundFrame) {
	if frame.RoomID == "" {
		c.sendError("room required")
		return
	}
	if _, joined := c.rooms[frame.RoomID]; joined {
		c.sendError("already joined")
		return
	}
	if c.hub.creds == nil {
		c.sendError("joins are not accepted")
		return
	}
	identity, ok := c.hub.creds.LookupViewerToken(context.Background(), strings.TrimSpace(frame.Token))
	if !ok {
		// Invalid credentials leave the connection open; only the sender
		// hears about the failure.
		c.sendError("invalid viewer token")
		return
	}
	c.identity = identity
	c.authed = true
	c.rooms[frame.RoomID] = struct{}{}

	count := c.hub.join(frame.RoomID, c)
	now := time.Now().UTC()

	ack := outboundFrame{
		Type:        frameTypeJoined,
		RoomID:      frame.RoomID,
		ViewerCount: &count,
		Timestamp:   now.Format(time.RFC3339),
	}
	if payload, err := ack.marshal(); err == nil {
		c.deliver(payload)
	}

	c.hub.broadcast(frame.RoomID, outboundFrame{
		Type:        frameTypeSystem,
		RoomID:      frame.RoomID,
		Text:        fmt.Sprintf("%s joined", identity.Name),
		ViewerCount: &count,
		Timestamp:   now.Format(time.RFC3339),
	})
	c.hub.publish(context.Background(), Event{
		Type: EventTypePresence,
		Presence: &PresenceEvent{
			RoomID:      frame.RoomID,
			ViewerID:    identity.ID,
			ViewerName:  identity.Name,
			Action:      PresenceActionJoined,
			ViewerCount: count,
			OccurredAt:  now,
		},
		OccurredAt: now,
	})
	c.hub.rec.ObserveChatEvent("join")
}

func (c *client) handleMessage(frame inboundFrame) {
	if frame.RoomID == "" {
		c.sendError("room required")
		return
	}
	if _, joined := c.rooms[frame.RoomID]; !joined {
		c.sendError("join room first")
		return
	}
	content := strings.TrimSpace(frame.Content)
	if content == "" {
		c.sendError("message cannot be empty")
		return
	}
	if len([]rune(content)) > c.hub.maxMessageLength {
		c.sendError(fmt.Sprintf("message exceeds %d characters", c.hub.maxMessageLength))
		return
	}
	id, err := generateID()
	if err != nil {
		c.sendError("message could not be created")
		return
	}
	now := time.Now().UTC()
	c.hub.broadcast(frame.RoomID, outboundFrame{
		Type:      frameTypeMessage,
		RoomID:    frame.RoomID,
		Sender:    &wireSender{ID: c.identity.ID, Name: c.identity.Name},
		Content:   content,
		Timestamp: now.Format(time.RFC3339),
	})
	c.hub.publish(context.Background(), Event{
		Type: EventTypeMessage,
		Message: &MessageEvent{
			ID:         id,
			RoomID:     frame.RoomID,
			SenderID:   c.identity.ID,
			SenderName: c.identity.Name,
			Content:    content,
			CreatedAt:  now,
		},
		OccurredAt: now,
	})
	c.hub.rec.ObserveChatEvent("message")
}

// handleLeave covers both the explicit leave command and connection loss;
// the two are indistinguishable to the room.
func (c *client) handleLeave(roomID string) {
	if roomID == "" {
		return
	}
	if _, joined := c.rooms[roomID]; !joined {
		return
	}
	delete(c.rooms, roomID)
	count, removed := c.hub.leave(roomID, c)
	if !removed {
		return
	}
	now := time.Now().UTC()
	if count > 0 {
		c.hub.broadcast(roomID, outboundFrame{
			Type:        frameTypeSystem,
			RoomID:      roomID,
			Text:        fmt.Sprintf("%s left", c.identity.Name),
			ViewerCount: &count,
			Timestamp:   now.Format(time.RFC3339),
		})
	}
	c.hub.publish(context.Background(), Event{
		Type: EventTypePresence,
		Presence: &PresenceEvent{
			RoomID:      roomID,
			ViewerID:    c.identity.ID,
			ViewerName:  c.identity.Name,
			Action:      PresenceActionLeft,
			ViewerCount: count,
			OccurredAt:  now,
		},
		OccurredAt: now,
	})
	c.hub.rec.ObserveChatEvent("leave")
}

func (c *client) sendError(message string) {
	frame := outboundFrame{
		Type:      frameTypeError,
		Error:     message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload, err := frame.marshal(); err == nil {
		c.deliver(payload)
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		for roomID := range c.rooms {
			c.handleLeave(roomID)
		}
		close(c.quit)
		_ = c.conn.Close()
	})
}
