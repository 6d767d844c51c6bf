package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionLifecycleCounters(t *testing.T) {
	rec := New()

	rec.SessionStarted()
	rec.SessionStarted()
	rec.SessionEnded("clean")

	if got := testutil.ToFloat64(rec.sessionsStarted); got != 2 {
		t.Fatalf("expected 2 started sessions, got %v", got)
	}
	if got := testutil.ToFloat64(rec.activeSessions); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(rec.sessionsEnded.WithLabelValues("clean")); got != 1 {
		t.Fatalf("expected 1 clean ended session, got %v", got)
	}
}

func TestSessionRejectedByReason(t *testing.T) {
	rec := New()

	rec.SessionRejected("unknown_key")
	rec.SessionRejected("unknown_key")
	rec.SessionRejected("duplicate")

	if got := testutil.ToFloat64(rec.sessionsRejected.WithLabelValues("unknown_key")); got != 2 {
		t.Fatalf("expected 2 unknown_key rejections, got %v", got)
	}
	if got := testutil.ToFloat64(rec.sessionsRejected.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate rejection, got %v", got)
	}
}

func TestRoomViewerGauge(t *testing.T) {
	rec := New()

	rec.SetRoomViewers("video-1", 3)
	if got := testutil.ToFloat64(rec.roomViewers.WithLabelValues("video-1")); got != 3 {
		t.Fatalf("expected 3 viewers, got %v", got)
	}

	rec.RoomClosed("video-1")
	if got := testutil.CollectAndCount(rec.roomViewers); got != 0 {
		t.Fatalf("expected gauge series to be dropped, got %d series", got)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	rec := New()
	rec.ObserveChatEvent("message")
	rec.TranscodeFault()

	server := httptest.NewServer(rec.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read scrape body: %v", err)
	}

	text := string(body)
	if !strings.Contains(text, `livecast_chat_events_total{type="message"} 1`) {
		t.Fatalf("expected chat event counter in scrape, got:\n%s", text)
	}
	if !strings.Contains(text, "livecast_transcode_faults_total 1") {
		t.Fatalf("expected transcode fault counter in scrape, got:\n%s", text)
	}
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	rec := New()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond)
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/streams/missing", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	counter := rec.requestsTotal.WithLabelValues(http.MethodGet, "/streams/missing", "404")
	if got := testutil.ToFloat64(counter); got != 1 {
		t.Fatalf("expected 1 recorded request, got %v", got)
	}
}
