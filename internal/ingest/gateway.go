package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"livecast/internal/models"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
	"livecast/internal/session"
	"livecast/internal/storage"
)

// Config wires the gateway's collaborators.
type Config struct {
	Repository storage.Repository
	Registry   *session.Registry
	Bus        session.Bus
	Logger     *slog.Logger
	Metrics    *metrics.Recorder

	// PersistRetryAttempts bounds how often a failed live/offline write is
	// retried before the lifecycle proceeds anyway.
	PersistRetryAttempts int
	PersistRetryBackoff  time.Duration
}

// Gateway is the single admission point for publish sessions. It owns the
// check-then-act on the stream key, consults the persistence adapter, and
// announces lifecycle changes on the bus. It never touches the transcode
// subprocess.
type Gateway struct {
	repo     storage.Repository
	registry *session.Registry
	bus      session.Bus
	logger   *slog.Logger
	recorder *metrics.Recorder

	persistAttempts int
	persistBackoff  time.Duration
}

// NewGateway validates the configuration and constructs a Gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Repository == nil {
		return nil, errors.New("ingest: repository is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("ingest: registry is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("ingest: bus is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	attempts := cfg.PersistRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.PersistRetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Gateway{
		repo:            cfg.Repository,
		registry:        cfg.Registry,
		bus:             cfg.Bus,
		logger:          logging.WithComponent(logger, "ingest"),
		recorder:        recorder,
		persistAttempts: attempts,
		persistBackoff:  backoff,
	}, nil
}

// Authorize admits or rejects a publish attempt for streamKey. On success the
// session is Live, the record is marked live, and SessionAuthorized has been
// published for the supervisor.
func (g *Gateway) Authorize(ctx context.Context, streamKey string) (session.Snapshot, error) {
	logger := logging.WithContext(ctx, g.logger).With("stream_key", redactKey(streamKey))

	// Begin claims the key atomically; a concurrent publish on the same key
	// loses here before any backend work happens.
	if _, err := g.registry.Begin(streamKey, "", false); err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			logger.Warn("publish rejected", "reason", "duplicate session")
			g.recorder.SessionRejected("duplicate")
			return session.Snapshot{}, ErrDuplicateSession
		}
		return session.Snapshot{}, err
	}

	record, err := g.repo.FindLiveRecordByKey(ctx, streamKey)
	if err != nil {
		g.reject(streamKey)
		if errors.Is(err, storage.ErrRecordNotFound) {
			logger.Warn("publish rejected", "reason", "unknown stream key")
			g.recorder.SessionRejected("unknown_key")
			return session.Snapshot{}, ErrUnknownStreamKey
		}
		logger.Error("authorization backend failure", "error", err)
		g.recorder.SessionRejected("backend")
		return session.Snapshot{}, fmt.Errorf("%w: %v", ErrAuthorizationBackend, err)
	}

	// The retain policy is latched here; a later record edit does not affect
	// this session.
	if _, err := g.registry.Bind(streamKey, record.ID, record.RetainOutput); err != nil {
		g.reject(streamKey)
		return session.Snapshot{}, err
	}

	snap, err := g.registry.Transition(streamKey, session.StateLive)
	if err != nil {
		g.reject(streamKey)
		return session.Snapshot{}, err
	}

	g.persistWithRetry(ctx, logger, "mark live", func() error {
		_, err := g.repo.MarkLive(ctx, record.ID)
		return err
	})

	g.recorder.SessionStarted()
	logger.Info("publish authorized", "record_id", record.ID, "retain_output", record.RetainOutput)

	if err := g.bus.Publish(ctx, session.Event{
		Type:         session.EventSessionAuthorized,
		StreamKey:    streamKey,
		RecordID:     record.ID,
		RetainOutput: record.RetainOutput,
		OccurredAt:   time.Now().UTC(),
	}); err != nil {
		logger.Error("publish lifecycle event failed", "error", err)
	}
	return snap, nil
}

// Release begins teardown for an active session, typically on publisher
// disconnect or a manual end. The supervisor completes teardown and calls
// Finalize.
func (g *Gateway) Release(ctx context.Context, streamKey string, reason session.EndReason) error {
	logger := logging.WithContext(ctx, g.logger).With("stream_key", redactKey(streamKey))

	snap, ok := g.registry.Snapshot(streamKey)
	if !ok {
		return session.ErrSessionNotFound
	}
	if snap.State != session.StateLive {
		return fmt.Errorf("%w: release in state %s", session.ErrInvalidTransition, snap.State)
	}
	if _, err := g.registry.Transition(streamKey, session.StateStopping); err != nil {
		return err
	}

	logger.Info("publish released", "reason", string(reason))
	if err := g.bus.Publish(ctx, session.Event{
		Type:         session.EventSessionEnded,
		StreamKey:    streamKey,
		RecordID:     snap.RecordID,
		RetainOutput: snap.RetainOutput,
		Reason:       reason,
		OccurredAt:   time.Now().UTC(),
	}); err != nil {
		logger.Error("release lifecycle event failed", "error", err)
	}
	return nil
}

// Finalize completes teardown once the subprocess is gone: the session reaches
// Ended, the record is marked offline with bounded retry, and the registry
// entry is removed. Crash paths may call Finalize from StateLive directly.
func (g *Gateway) Finalize(ctx context.Context, streamKey string, reason session.EndReason) error {
	logger := logging.WithContext(ctx, g.logger).With("stream_key", redactKey(streamKey))

	snap, ok := g.registry.Snapshot(streamKey)
	if !ok {
		return session.ErrSessionNotFound
	}
	if snap.State == session.StateLive {
		if _, err := g.registry.Transition(streamKey, session.StateStopping); err != nil {
			return err
		}
	}
	snap, err := g.registry.Transition(streamKey, session.StateEnded)
	if err != nil {
		return err
	}

	if snap.RecordID != "" {
		g.persistWithRetry(ctx, logger, "mark offline", func() error {
			_, err := g.repo.MarkOffline(ctx, snap.RecordID)
			return err
		})
	}

	// Remove regardless of persistence outcome; a leaked registry entry would
	// block the key forever, while persisted drift is recoverable.
	g.registry.Remove(streamKey)

	outcome := "clean"
	if reason == session.EndReasonSubprocessCrashed {
		outcome = "crashed"
	}
	g.recorder.SessionEnded(outcome)
	logger.Info("session ended", "reason", string(reason), "record_id", snap.RecordID)
	return nil
}

// AttachArtifact persists the archived output reference for a retained
// session's record.
func (g *Gateway) AttachArtifact(ctx context.Context, recordID, playbackURL string, media *models.MediaInfo) error {
	logger := logging.WithContext(ctx, g.logger).With("record_id", recordID)
	var lastErr error
	g.persistWithRetry(ctx, logger, "attach artifact", func() error {
		_, err := g.repo.AttachOnDemandArtifact(ctx, recordID, storage.OnDemandArtifact{
			PlaybackURL: playbackURL,
			Media:       media,
		})
		lastErr = err
		return err
	})
	return lastErr
}

func (g *Gateway) reject(streamKey string) {
	if _, err := g.registry.Transition(streamKey, session.StateRejected); err != nil {
		g.logger.Error("reject transition failed", "error", err)
	}
	g.registry.Remove(streamKey)
}

func (g *Gateway) persistWithRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) {
	var err error
	for attempt := 1; attempt <= g.persistAttempts; attempt++ {
		if err = fn(); err == nil {
			return
		}
		logger.Warn("persistence write failed", "op", op, "attempt", attempt, "error", err)
		if attempt == g.persistAttempts {
			break
		}
		g.recorder.PersistenceRetry()
		select {
		case <-ctx.Done():
			logger.Warn("persistence retry abandoned", "op", op, "error", ctx.Err())
			return
		case <-time.After(g.persistBackoff * time.Duration(attempt)):
		}
	}
	logger.Error("persistence write abandoned after retries", "op", op, "error", err)
}

// redactKey keeps stream keys out of logs while leaving enough to correlate.
func redactKey(streamKey string) string {
	if len(streamKey) <= 6 {
		return "******"
	}
	return streamKey[:6] + "..."
}
