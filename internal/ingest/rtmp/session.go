package rtmp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	gortmp "github.com/yapingcat/gomedia/go-rtmp"

	"livecast/internal/ingest"
	"livecast/internal/session"
)

const readDeadline = 100 * time.Millisecond

// mediaSession drives one RTMP connection, publisher or player.
type mediaSession struct {
	server *Server
	conn   net.Conn
	handle *gortmp.RtmpServerHandle
	logger *slog.Logger

	producer *producer
	consumer *pullConsumer

	publishKey string
	die        sync.Once
	quit       chan struct{}
}

func (sess *mediaSession) init() {
	sess.handle.SetOutput(func(b []byte) error {
		_, err := sess.conn.Write(b)
		return err
	})

	sess.handle.OnPublish(func(app, streamName string) gortmp.StatusCode {
		_, err := sess.server.gateway.Authorize(context.Background(), streamName)
		if err != nil {
			switch {
			case errors.Is(err, ingest.ErrUnknownStreamKey):
				sess.logger.Warn("publish refused", "reason", "unknown stream key")
			case errors.Is(err, ingest.ErrDuplicateSession):
				sess.logger.Warn("publish refused", "reason", "duplicate session")
			default:
				sess.logger.Error("publish refused", "error", err)
			}
			return gortmp.NETCONNECT_CONNECT_REJECTED
		}
		sess.publishKey = streamName
		sess.producer = newProducer(streamName, sess)
		return gortmp.NETSTREAM_PUBLISH_START
	})

	sess.handle.OnPlay(func(app, streamName string, start, duration float64, reset bool) gortmp.StatusCode {
		if _, ok := sess.server.lookupProducer(streamName); !ok {
			return gortmp.NETSTREAM_PLAY_NOTFOUND
		}
		return gortmp.NETSTREAM_PLAY_START
	})

	sess.handle.OnStateChange(func(newState gortmp.RtmpState) {
		switch newState {
		case gortmp.STATE_RTMP_PUBLISH_START:
			sess.logger.Info("publish started", "stream", sess.handle.GetStreamName())
			sess.server.registerProducer(sess.producer)
			sess.producer.start()
		case gortmp.STATE_RTMP_PUBLISH_FAILED:
			sess.logger.Warn("publish failed", "stream", sess.handle.GetStreamName())
			sess.stop()
		case gortmp.STATE_RTMP_PLAY_START:
			name := sess.handle.GetStreamName()
			prod, ok := sess.server.lookupProducer(name)
			if !ok {
				sess.stop()
				return
			}
			consumer := newPullConsumer(sess)
			sess.consumer = consumer
			prod.addConsumer(consumer)
			go consumer.run()
		}
	})
}

// run pumps bytes from the socket into the RTMP handle until the connection
// or the context ends.
func (sess *mediaSession) run(ctx context.Context) {
	defer sess.stop()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.quit:
			return
		default:
		}

		if err := sess.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		n, err := sess.conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			sess.logger.Warn("read failed", "error", err)
			return
		}
		if err := sess.handle.Input(buf[:n]); err != nil {
			sess.logger.Warn("rtmp input failed", "error", err)
			return
		}
	}
}

func (sess *mediaSession) stop() {
	if sess.producer != nil {
		sess.server.unregisterProducer(sess.producer)
		sess.producer.close()
		sess.producer = nil
	}
	if sess.consumer != nil {
		sess.consumer.close()
		sess.consumer = nil
	}
	if sess.publishKey != "" {
		key := sess.publishKey
		sess.publishKey = ""
		if err := sess.server.gateway.Release(context.Background(), key, session.EndReasonPublisherStopped); err != nil {
			// Already torn down elsewhere (manual end, crash finalize).
			if !errors.Is(err, session.ErrSessionNotFound) && !errors.Is(err, session.ErrInvalidTransition) {
				sess.logger.Error("release failed", "error", err)
			}
		}
	}
	sess.close()
}

func (sess *mediaSession) close() {
	sess.die.Do(func() {
		close(sess.quit)
		_ = sess.conn.Close()
	})
}
