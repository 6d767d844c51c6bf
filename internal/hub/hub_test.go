package hub

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"livecast/internal/models"
	"livecast/internal/observability/metrics"
)

type stubCredentials map[string]models.ViewerIdentity

func (s stubCredentials) LookupViewerToken(_ context.Context, token string) (models.ViewerIdentity, bool) {
	identity, ok := s[token]
	return identity, ok
}

type hubFixture struct {
	hub   *Hub
	queue Queue
	sub   Subscription
	srv   *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	queue := NewMemoryQueue(32)
	sub := queue.Subscribe()
	h := New(Config{
		Queue: queue,
		Credentials: stubCredentials{
			"token-alice": {ID: "viewer-1", Name: "alice"},
			"token-bob":   {ID: "viewer-2", Name: "bob"},
		},
		Metrics:           metrics.New(),
		HeartbeatInterval: 500 * time.Millisecond,
	})
	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	t.Cleanup(func() {
		sub.Close()
		srv.Close()
	})
	return &hubFixture{hub: h, queue: queue, sub: sub, srv: srv}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame inboundFrame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame outboundFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout(), "expected read timeout, got %v", err)
}

func join(t *testing.T, f *hubFixture, conn *websocket.Conn, roomID, token string) {
	t.Helper()
	sendFrame(t, conn, inboundFrame{Type: "join", RoomID: roomID, Token: token})
	ack := readFrame(t, conn)
	require.Equal(t, frameTypeJoined, ack.Type)
	require.Equal(t, roomID, ack.RoomID)
	system := readFrame(t, conn)
	require.Equal(t, frameTypeSystem, system.Type)
}

func waitForViewers(t *testing.T, f *hubFixture, roomID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.hub.ViewerCount(roomID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d viewers, have %d", roomID, want, f.hub.ViewerCount(roomID))
}

func TestJoinWithInvalidTokenRejected(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	sendFrame(t, conn, inboundFrame{Type: "join", RoomID: "video-1", Token: "bogus"})
	frame := readFrame(t, conn)
	require.Equal(t, frameTypeError, frame.Type)
	require.Equal(t, "invalid viewer token", frame.Error)
	require.Zero(t, f.hub.ViewerCount("video-1"))

	// The connection survives the rejection and can retry.
	join(t, f, conn, "video-1", "token-alice")
	require.Equal(t, 1, f.hub.ViewerCount("video-1"))
}

func TestJoinBroadcastsViewerCount(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)

	sendFrame(t, alice, inboundFrame{Type: "join", RoomID: "video-1", Token: "token-alice"})
	ack := readFrame(t, alice)
	require.Equal(t, frameTypeJoined, ack.Type)
	require.NotNil(t, ack.ViewerCount)
	require.Equal(t, 1, *ack.ViewerCount)
	require.NotEmpty(t, ack.Timestamp)
	_, err := time.Parse(time.RFC3339, ack.Timestamp)
	require.NoError(t, err)
	system := readFrame(t, alice)
	require.Equal(t, frameTypeSystem, system.Type)
	require.Equal(t, "alice joined", system.Text)

	join(t, f, bob, "video-1", "token-bob")
	notice := readFrame(t, alice)
	require.Equal(t, frameTypeSystem, notice.Type)
	require.Equal(t, "bob joined", notice.Text)
	require.NotNil(t, notice.ViewerCount)
	require.Equal(t, 2, *notice.ViewerCount)
}

func TestMessageBroadcastToAllViewers(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)
	join(t, f, alice, "video-1", "token-alice")
	join(t, f, bob, "video-1", "token-bob")
	readFrame(t, alice) // bob's join notice

	sendFrame(t, alice, inboundFrame{Type: "message", RoomID: "video-1", Content: "hello room"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, conn)
		require.Equal(t, frameTypeMessage, frame.Type)
		require.Equal(t, "hello room", frame.Content)
		require.NotNil(t, frame.Sender)
		require.Equal(t, "alice", frame.Sender.Name)
	}

	// The message is also handed to the persistence queue.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-f.sub.Events():
			if evt.Type != EventTypeMessage {
				continue
			}
			require.NotNil(t, evt.Message)
			require.Equal(t, "hello room", evt.Message.Content)
			require.Equal(t, "viewer-1", evt.Message.SenderID)
			return
		case <-deadline:
			t.Fatalf("message event never reached the queue")
		}
	}
}

func TestOversizedMessageNeverBroadcast(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)
	join(t, f, alice, "video-1", "token-alice")
	join(t, f, bob, "video-1", "token-bob")
	readFrame(t, alice) // bob's join notice

	sendFrame(t, alice, inboundFrame{Type: "message", RoomID: "video-1", Content: strings.Repeat("x", 501)})
	frame := readFrame(t, alice)
	require.Equal(t, frameTypeError, frame.Type)
	require.Contains(t, frame.Error, "500")
	expectNoFrame(t, bob)
}

func TestMessageRequiresJoin(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	sendFrame(t, conn, inboundFrame{Type: "message", RoomID: "video-1", Content: "hi"})
	frame := readFrame(t, conn)
	require.Equal(t, frameTypeError, frame.Type)
	require.Equal(t, "join room first", frame.Error)
}

func TestLeaveBroadcastsAndLastOutDeletesRoom(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)
	join(t, f, alice, "video-1", "token-alice")
	join(t, f, bob, "video-1", "token-bob")
	readFrame(t, alice) // bob's join notice

	sendFrame(t, bob, inboundFrame{Type: "leave", RoomID: "video-1"})
	notice := readFrame(t, alice)
	require.Equal(t, frameTypeSystem, notice.Type)
	require.Equal(t, "bob left", notice.Text)
	require.NotNil(t, notice.ViewerCount)
	require.Equal(t, 1, *notice.ViewerCount)
	waitForViewers(t, f, "video-1", 1)

	// Connection loss behaves exactly like an explicit leave.
	require.NoError(t, alice.Close())
	waitForViewers(t, f, "video-1", 0)
	require.Empty(t, f.hub.RoomCounts())
}

func TestViewerCountUnderInterleaving(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)

	join(t, f, alice, "video-1", "token-alice")
	join(t, f, bob, "video-1", "token-bob")
	waitForViewers(t, f, "video-1", 2)

	sendFrame(t, alice, inboundFrame{Type: "leave", RoomID: "video-1"})
	waitForViewers(t, f, "video-1", 1)

	join(t, f, alice, "video-1", "token-alice")
	waitForViewers(t, f, "video-1", 2)

	sendFrame(t, alice, inboundFrame{Type: "leave", RoomID: "video-1"})
	sendFrame(t, bob, inboundFrame{Type: "leave", RoomID: "video-1"})
	waitForViewers(t, f, "video-1", 0)
}

func TestSystemBroadcast(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t)
	join(t, f, alice, "video-1", "token-alice")

	require.False(t, f.hub.SystemBroadcast(context.Background(), "missing-room", "stream ending"))

	require.True(t, f.hub.SystemBroadcast(context.Background(), "video-1", "stream ending soon"))
	frame := readFrame(t, alice)
	require.Equal(t, frameTypeSystem, frame.Type)
	require.Equal(t, "stream ending soon", frame.Text)
	require.NotNil(t, frame.ViewerCount)
	require.Equal(t, 1, *frame.ViewerCount)
}

func TestMemoryQueueFanOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	a := queue.Subscribe()
	b := queue.Subscribe()
	defer a.Close()
	defer b.Close()

	now := time.Now().UTC()
	err := queue.Publish(context.Background(), Event{
		Type:       EventTypeSystem,
		System:     &SystemEvent{RoomID: "video-1", Text: "hello", OccurredAt: now},
		OccurredAt: now,
	})
	require.NoError(t, err)

	for _, sub := range []Subscription{a, b} {
		select {
		case evt := <-sub.Events():
			require.Equal(t, EventTypeSystem, evt.Type)
		case <-time.After(time.Second):
			t.Fatalf("subscriber never received the event")
		}
	}

	require.Error(t, queue.Publish(context.Background(), Event{}))
}
