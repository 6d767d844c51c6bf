package rtmp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	gortmp "github.com/yapingcat/gomedia/go-rtmp"

	"livecast/internal/observability/logging"
	"livecast/internal/session"
)

// Authorizer is the slice of the ingest gateway the listener needs.
type Authorizer interface {
	Authorize(ctx context.Context, streamKey string) (session.Snapshot, error)
	Release(ctx context.Context, streamKey string, reason session.EndReason) error
}

// Config wires the RTMP listener.
type Config struct {
	Addr    string
	Gateway Authorizer
	Logger  *slog.Logger
}

// Server accepts RTMP connections, admits publishers through the gateway, and
// relays published frames to local play sessions so the transcoder can pull
// rtmp://127.0.0.1/live/KEY.
type Server struct {
	addr    string
	gateway Authorizer
	logger  *slog.Logger

	mu        sync.Mutex
	producers map[string]*producer

	wg sync.WaitGroup
}

// NewServer constructs the listener.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("rtmp: gateway is required")
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":1935"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		gateway:   cfg.Gateway,
		logger:    logging.WithComponent(logger, "rtmp"),
		producers: make(map[string]*producer),
	}, nil
}

// Serve listens and accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("rtmp listener started", "addr", s.addr)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		sess := s.newMediaSession(conn)
		sess.init()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(ctx)
		}()
	}
}

// Disconnect closes the publishing connection for streamKey, if any. Used by
// the manual stream-end path so the publisher does not keep feeding a
// torn-down session.
func (s *Server) Disconnect(streamKey string) bool {
	s.mu.Lock()
	prod, ok := s.producers[streamKey]
	s.mu.Unlock()
	if !ok {
		return false
	}
	prod.close()
	return true
}

func (s *Server) newMediaSession(conn net.Conn) *mediaSession {
	return &mediaSession{
		server: s,
		conn:   conn,
		handle: gortmp.NewRtmpServerHandle(),
		logger: s.logger.With("remote_addr", conn.RemoteAddr().String()),
		quit:   make(chan struct{}),
	}
}

func (s *Server) registerProducer(prod *producer) {
	s.mu.Lock()
	s.producers[prod.streamKey] = prod
	s.mu.Unlock()
}

func (s *Server) unregisterProducer(prod *producer) {
	s.mu.Lock()
	if current, ok := s.producers[prod.streamKey]; ok && current == prod {
		delete(s.producers, prod.streamKey)
	}
	s.mu.Unlock()
}

func (s *Server) lookupProducer(streamKey string) (*producer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prod, ok := s.producers[streamKey]
	return prod, ok
}
