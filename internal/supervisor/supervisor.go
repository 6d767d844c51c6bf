package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"livecast/internal/models"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
	"livecast/internal/session"
)

// Finalizer is the slice of the ingest gateway the supervisor drives during
// teardown.
type Finalizer interface {
	Finalize(ctx context.Context, streamKey string, reason session.EndReason) error
	AttachArtifact(ctx context.Context, recordID, playbackURL string, media *models.MediaInfo) error
}

// Config wires the supervisor.
type Config struct {
	Bus     session.Bus
	Gateway Finalizer
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	OutputRoot    string
	IngestBaseURL string
	PublicBaseURL string
	FFmpegPath    string
	FFprobePath   string

	// SettleDelay is the wait between authorization and spawning ffmpeg so
	// the ingest edge has frames to serve.
	SettleDelay time.Duration
	// StopTimeout bounds the graceful SIGTERM window before SIGKILL.
	StopTimeout time.Duration
}

type process struct {
	streamKey string
	recordID  string
	retain    bool
	plan      *transcodePlan
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	done      chan struct{}
}

// processMeta is persisted next to the stream output so a restarted
// supervisor can reconcile processes that survived a crash.
type processMeta struct {
	StreamKey string    `json:"streamKey"`
	RecordID  string    `json:"recordId"`
	Retain    bool      `json:"retain"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

const processMetaFile = "process.json"

// Supervisor owns exactly one ffmpeg child per live stream key. It consumes
// lifecycle events from the bus; it never admits or rejects sessions itself.
type Supervisor struct {
	bus     session.Bus
	gateway Finalizer
	logger  *slog.Logger
	rec     *metrics.Recorder

	outputRoot    string
	ingestBaseURL string
	publicBaseURL string
	ffmpegPath    string
	ffprobePath   string
	settleDelay   time.Duration
	stopTimeout   time.Duration

	mu    sync.Mutex
	procs map[string]*process
	wg    sync.WaitGroup
}

// New validates the configuration and constructs a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Bus == nil {
		return nil, errors.New("supervisor: bus is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("supervisor: gateway is required")
	}
	if strings.TrimSpace(cfg.OutputRoot) == "" {
		return nil, errors.New("supervisor: output root is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	ffmpegPath := cfg.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := cfg.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	settle := cfg.SettleDelay
	if settle < 0 {
		settle = 0
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &Supervisor{
		bus:           cfg.Bus,
		gateway:       cfg.Gateway,
		logger:        logging.WithComponent(logger, "supervisor"),
		rec:           rec,
		outputRoot:    cfg.OutputRoot,
		ingestBaseURL: strings.TrimSuffix(cfg.IngestBaseURL, "/"),
		publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		ffmpegPath:    ffmpegPath,
		ffprobePath:   ffprobePath,
		settleDelay:   settle,
		stopTimeout:   stopTimeout,
	}, nil
}

// Run sweeps orphaned processes from a previous run, then consumes lifecycle
// events until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.procs == nil {
		s.procs = make(map[string]*process)
	}
	s.mu.Unlock()

	s.sweepOrphans()

	sub := s.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.shutdown()
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch evt.Type {
			case session.EventSessionAuthorized:
				s.wg.Add(1)
				go func(evt session.Event) {
					defer s.wg.Done()
					s.launch(ctx, evt)
				}(evt)
			case session.EventSessionEnded:
				s.wg.Add(1)
				go func(evt session.Event) {
					defer s.wg.Done()
					s.stop(ctx, evt)
				}(evt)
			}
		}
	}
}

func (s *Supervisor) ingestURL(streamKey string) string {
	return s.ingestBaseURL + "/" + streamKey
}

func (s *Supervisor) playbackURL(plan *transcodePlan) string {
	return s.publicBaseURL + "/streams/" + filepath.Base(plan.outputDir) + "/index.m3u8"
}

func (s *Supervisor) launch(ctx context.Context, evt session.Event) {
	logger := s.logger.With("stream_key", evt.StreamKey, "record_id", evt.RecordID)

	placeholder := &process{
		streamKey: evt.StreamKey,
		recordID:  evt.RecordID,
		retain:    evt.RetainOutput,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.procs[evt.StreamKey]; exists {
		s.mu.Unlock()
		// One child per key; a second authorization for a supervised key is
		// a bug upstream and must not spawn a second process.
		logger.Warn("ignoring authorization for already supervised key")
		return
	}
	s.procs[evt.StreamKey] = placeholder
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.removeIfCurrent(evt.StreamKey, placeholder)
		return
	case <-time.After(s.settleDelay):
	}

	plan, err := buildTranscodePlan(s.ingestURL(evt.StreamKey), s.outputRoot, evt.StreamKey)
	if err != nil {
		logger.Error("transcode spawn failed", "error", err)
		s.failSpawn(ctx, evt, placeholder, nil)
		return
	}

	// Hold the lock across the final check and Start so a concurrent stop
	// cannot slip between them and leave an unsupervised child behind.
	s.mu.Lock()
	if s.procs[evt.StreamKey] != placeholder {
		s.mu.Unlock()
		_ = os.RemoveAll(plan.outputDir)
		return
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.ffmpegPath, plan.args...)
	cmd.Stdout = newLogWriter(logger, "stdout")
	cmd.Stderr = newLogWriter(logger, "stderr")
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		cancel()
		logger.Error("transcode spawn failed", "error", err)
		s.failSpawn(ctx, evt, placeholder, plan)
		return
	}
	placeholder.plan = plan
	placeholder.cmd = cmd
	placeholder.cancel = cancel
	s.mu.Unlock()

	meta := processMeta{
		StreamKey: evt.StreamKey,
		RecordID:  evt.RecordID,
		Retain:    evt.RetainOutput,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now().UTC(),
	}
	if err := writeJSONFile(filepath.Join(plan.outputDir, processMetaFile), meta); err != nil {
		logger.Warn("persist process metadata failed", "error", err)
	}
	logger.Info("transcode started", "pid", cmd.Process.Pid, "output_dir", plan.outputDir)

	go func() {
		waitErr := cmd.Wait()
		cancel()
		close(placeholder.done)

		// If the entry is already gone, the stop path owns teardown.
		if !s.removeIfCurrent(evt.StreamKey, placeholder) {
			return
		}

		logger.Error("transcode exited unexpectedly", "error", waitErr)
		s.rec.TranscodeFault()
		s.cleanupOutputs(context.Background(), placeholder)
		if err := s.gateway.Finalize(context.Background(), evt.StreamKey, session.EndReasonSubprocessCrashed); err != nil {
			logger.Error("finalize after crash failed", "error", err)
		}
	}()
}

// failSpawn tears a session down when ffmpeg could not be started: the
// session ends and no output artifacts survive, regardless of retain policy.
func (s *Supervisor) failSpawn(ctx context.Context, evt session.Event, placeholder *process, plan *transcodePlan) {
	s.removeIfCurrent(evt.StreamKey, placeholder)
	if plan != nil {
		_ = os.RemoveAll(plan.outputDir)
	}
	s.rec.TranscodeFault()
	if err := s.gateway.Finalize(ctx, evt.StreamKey, session.EndReasonSubprocessCrashed); err != nil {
		s.logger.Error("finalize after spawn failure failed", "stream_key", evt.StreamKey, "error", err)
	}
}

func (s *Supervisor) stop(ctx context.Context, evt session.Event) {
	logger := s.logger.With("stream_key", evt.StreamKey, "record_id", evt.RecordID)

	s.mu.Lock()
	proc, ok := s.procs[evt.StreamKey]
	if ok {
		delete(s.procs, evt.StreamKey)
	}
	s.mu.Unlock()

	if !ok {
		// Nothing supervised (spawn failed, or crash already finalized);
		// still drive the session to its terminal state.
		if err := s.gateway.Finalize(ctx, evt.StreamKey, evt.Reason); err != nil &&
			!errors.Is(err, session.ErrSessionNotFound) {
			logger.Error("finalize failed", "error", err)
		}
		return
	}

	if proc.cmd != nil && proc.cmd.Process != nil {
		if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Warn("terminate signal failed", "error", err)
		}
		select {
		case <-proc.done:
		case <-time.After(s.stopTimeout):
			logger.Warn("graceful stop timed out, killing", "timeout", s.stopTimeout)
			proc.cancel()
			<-proc.done
		}
		logger.Info("transcode stopped")
	}

	s.cleanupOutputs(ctx, proc)
	if err := s.gateway.Finalize(ctx, evt.StreamKey, evt.Reason); err != nil {
		logger.Error("finalize failed", "error", err)
	}
}

// cleanupOutputs applies the retain policy latched on the session: discard
// removes the whole per-key directory; retain archives it and attaches the
// manifest reference plus best-effort probe metadata to the record.
func (s *Supervisor) cleanupOutputs(ctx context.Context, proc *process) {
	if proc.plan == nil {
		return
	}
	logger := s.logger.With("stream_key", proc.streamKey, "record_id", proc.recordID)

	if !proc.retain {
		if err := os.RemoveAll(proc.plan.outputDir); err != nil {
			logger.Error("discard outputs failed", "error", err)
		}
		return
	}

	_ = os.Remove(filepath.Join(proc.plan.outputDir, processMetaFile))

	var media *models.MediaInfo
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if info, err := probeMedia(probeCtx, s.ffprobePath, proc.plan.manifest); err != nil {
		// Metadata extraction never blocks archival.
		logger.Warn("probe failed", "error", err)
	} else {
		media = info
	}

	if err := s.gateway.AttachArtifact(ctx, proc.recordID, s.playbackURL(proc.plan), media); err != nil {
		logger.Error("attach artifact failed", "error", err)
	}
}

// sweepOrphans kills ffmpeg children recorded by a previous run whose stream
// keys have no session anymore, and clears their discardable outputs.
func (s *Supervisor) sweepOrphans() {
	entries, err := os.ReadDir(s.outputRoot)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("orphan sweep failed", "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.outputRoot, entry.Name())
		metaPath := filepath.Join(dir, processMetaFile)
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta processMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("orphan metadata unreadable", "path", metaPath, "error", err)
			continue
		}

		logger := s.logger.With("stream_key", meta.StreamKey, "pid", meta.PID)
		if meta.PID > 0 {
			if proc, err := os.FindProcess(meta.PID); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					logger.Warn("killing orphaned transcode process")
					_ = proc.Kill()
				}
			}
		}

		_ = os.Remove(metaPath)
		if !meta.Retain {
			if err := os.RemoveAll(dir); err != nil {
				logger.Error("discard orphan outputs failed", "error", err)
			}
		}
		logger.Info("orphan reconciled", "retained", meta.Retain)
	}
}

// shutdown terminates any remaining children without finalizing sessions; the
// process is exiting and the next start will reconcile.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for _, proc := range s.procs {
		procs = append(procs, proc)
	}
	s.procs = make(map[string]*process)
	s.mu.Unlock()

	for _, proc := range procs {
		if proc.cmd == nil || proc.cmd.Process == nil {
			continue
		}
		_ = proc.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-proc.done:
		case <-time.After(s.stopTimeout):
			proc.cancel()
			<-proc.done
		}
	}
}

func (s *Supervisor) removeIfCurrent(streamKey string, proc *process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.procs[streamKey]; ok && current == proc {
		delete(s.procs, streamKey)
		return true
	}
	return false
}

// Supervises reports whether a child is currently tracked for the key.
func (s *Supervisor) Supervises(streamKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[streamKey]
	return ok
}

func writeJSONFile(path string, payload any) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "meta-*.json")
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace metadata: %w", err)
	}
	success = true
	return nil
}

type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
