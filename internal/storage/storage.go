package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"livecast/internal/models"
)

type dataset struct {
	Records      map[string]models.StreamRecord   `json:"records"`
	ViewerTokens map[string]models.ViewerIdentity `json:"viewerTokens"`
}

// Storage is the JSON-file-backed Repository. Every mutation clones the
// dataset, persists the clone atomically, and only then swaps it in, so a
// failed write never leaves partially applied state in memory.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	digester keyDigester
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Records:      make(map[string]models.StreamRecord),
		ViewerTokens: make(map[string]models.ViewerIdentity),
	}
}

// NewStorage opens or creates the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		digester: newKeyDigester(""),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	if s.data.Records == nil {
		s.data.Records = make(map[string]models.StreamRecord)
	}
	if s.data.ViewerTokens == nil {
		s.data.ViewerTokens = make(map[string]models.ViewerIdentity)
	}
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
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
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, record := range src.Records {
		clone.Records[id] = cloneRecord(record)
	}
	for digest, identity := range src.ViewerTokens {
		clone.ViewerTokens[digest] = identity
	}
	return clone
}

func cloneRecord(record models.StreamRecord) models.StreamRecord {
	cloned := record
	if record.Media != nil {
		media := *record.Media
		cloned.Media = &media
	}
	if record.LastLiveAt != nil {
		ts := *record.LastLiveAt
		cloned.LastLiveAt = &ts
	}
	return cloned
}

// Ping reports whether the backing file's directory is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// Close is a no-op for the JSON backend.
func (s *Storage) Close(ctx context.Context) error {
	return nil
}

// CreateStreamRecord registers a new live-kind record and returns it together
// with the freshly issued stream key. The key is returned exactly once; only
// its digest is stored.
func (s *Storage) CreateStreamRecord(ctx context.Context, params CreateStreamRecordParams) (models.StreamRecord, string, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.StreamRecord{}, "", errors.New("title is required")
	}

	id, err := generateID()
	if err != nil {
		return models.StreamRecord{}, "", err
	}
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.StreamRecord{}, "", err
	}

	now := s.now()
	record := models.StreamRecord{
		ID:              id,
		Title:           title,
		Description:     strings.TrimSpace(params.Description),
		Kind:            models.RecordKindLive,
		StreamKeyDigest: s.digester.digest(streamKey),
		RetainOutput:    params.RetainOutput,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	updated.Records[id] = record
	if err := s.persistDataset(updated); err != nil {
		return models.StreamRecord{}, "", err
	}
	s.data = updated
	return cloneRecord(record), streamKey, nil
}

// GetStreamRecord returns the record with the given ID when it exists.
func (s *Storage) GetStreamRecord(ctx context.Context, id string) (models.StreamRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data.Records[id]
	if !ok {
		return models.StreamRecord{}, false
	}
	return cloneRecord(record), true
}

// ListStreamRecords returns all records sorted by creation time, newest first.
func (s *Storage) ListStreamRecords(ctx context.Context) ([]models.StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]models.StreamRecord, 0, len(s.data.Records))
	for _, record := range s.data.Records {
		records = append(records, cloneRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// RotateStreamKey replaces the record's stream key, invalidating the old one,
// and returns the new key exactly once.
func (s *Storage) RotateStreamKey(ctx context.Context, id string) (models.StreamRecord, string, error) {
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.StreamRecord{}, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.Records[id]
	if !ok {
		return models.StreamRecord{}, "", ErrRecordNotFound
	}

	updated := cloneDataset(s.data)
	record = cloneRecord(record)
	record.StreamKeyDigest = s.digester.digest(streamKey)
	record.UpdatedAt = s.now()
	updated.Records[id] = record

	if err := s.persistDataset(updated); err != nil {
		return models.StreamRecord{}, "", err
	}
	s.data = updated
	return cloneRecord(record), streamKey, nil
}

// DeleteStreamRecord removes the record with the given ID.
func (s *Storage) DeleteStreamRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Records[id]; !ok {
		return ErrRecordNotFound
	}

	updated := cloneDataset(s.data)
	delete(updated.Records, id)
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

// FindLiveRecordByKey resolves a presented stream key to its live-kind record.
func (s *Storage) FindLiveRecordByKey(ctx context.Context, streamKey string) (models.StreamRecord, error) {
	if strings.TrimSpace(streamKey) == "" {
		return models.StreamRecord{}, ErrRecordNotFound
	}

	// Derive once outside the lock; pbkdf2 is deliberately slow.
	candidate := s.digester.digest(streamKey)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.data.Records {
		if record.Kind != models.RecordKindLive {
			continue
		}
		if record.StreamKeyDigest == candidate {
			return cloneRecord(record), nil
		}
	}
	return models.StreamRecord{}, ErrRecordNotFound
}

// MarkLive flips the record live and stamps LastLiveAt.
func (s *Storage) MarkLive(ctx context.Context, id string) (models.StreamRecord, error) {
	return s.updateRecord(id, func(record *models.StreamRecord, now time.Time) {
		record.Live = true
		ts := now
		record.LastLiveAt = &ts
	})
}

// MarkOffline clears the record's live flag.
func (s *Storage) MarkOffline(ctx context.Context, id string) (models.StreamRecord, error) {
	return s.updateRecord(id, func(record *models.StreamRecord, now time.Time) {
		record.Live = false
	})
}

// AttachOnDemandArtifact records the archived playback location and any probe
// metadata for a retained broadcast.
func (s *Storage) AttachOnDemandArtifact(ctx context.Context, id string, artifact OnDemandArtifact) (models.StreamRecord, error) {
	return s.updateRecord(id, func(record *models.StreamRecord, now time.Time) {
		record.PlaybackURL = artifact.PlaybackURL
		if artifact.Media != nil {
			media := *artifact.Media
			record.Media = &media
		}
	})
}

func (s *Storage) updateRecord(id string, mutate func(*models.StreamRecord, time.Time)) (models.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data.Records[id]
	if !ok {
		return models.StreamRecord{}, ErrRecordNotFound
	}

	updated := cloneDataset(s.data)
	record = cloneRecord(record)
	now := s.now()
	mutate(&record, now)
	record.UpdatedAt = now
	updated.Records[id] = record

	if err := s.persistDataset(updated); err != nil {
		return models.StreamRecord{}, err
	}
	s.data = updated
	return cloneRecord(record), nil
}

// IssueViewerToken mints a viewer credential and returns the identity plus the
// raw token exactly once.
func (s *Storage) IssueViewerToken(ctx context.Context, name string) (models.ViewerIdentity, string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return models.ViewerIdentity{}, "", errors.New("viewer name is required")
	}

	id, err := generateID()
	if err != nil {
		return models.ViewerIdentity{}, "", err
	}
	token, err := generateViewerToken()
	if err != nil {
		return models.ViewerIdentity{}, "", err
	}

	identity := models.ViewerIdentity{
		ID:        id,
		Name:      trimmed,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	updated.ViewerTokens[hashViewerToken(token)] = identity
	if err := s.persistDataset(updated); err != nil {
		return models.ViewerIdentity{}, "", err
	}
	s.data = updated
	return identity, token, nil
}

// LookupViewerToken resolves a presented token to its identity.
func (s *Storage) LookupViewerToken(ctx context.Context, token string) (models.ViewerIdentity, bool) {
	if token == "" {
		return models.ViewerIdentity{}, false
	}
	digest := hashViewerToken(token)

	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.data.ViewerTokens[digest]
	return identity, ok
}
