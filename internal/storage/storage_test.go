package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	opts = append([]Option{WithKeyPepper("test-pepper")}, opts...)
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	return store
}

func TestCreateStreamRecordIssuesKey(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	record, key, err := store.CreateStreamRecord(ctx, CreateStreamRecordParams{Title: "first stream", RetainOutput: true})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if key == "" {
		t.Fatalf("expected a stream key to be issued")
	}
	if record.StreamKeyDigest == "" {
		t.Fatalf("expected a stored key digest")
	}
	if record.StreamKeyDigest == key {
		t.Fatalf("stream key must not be stored in clear")
	}
	if !record.RetainOutput {
		t.Fatalf("expected retain flag to be kept")
	}

	found, err := store.FindLiveRecordByKey(ctx, key)
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if found.ID != record.ID {
		t.Fatalf("expected record %s, got %s", record.ID, found.ID)
	}
}

func TestCreateStreamRecordRequiresTitle(t *testing.T) {
	store := newTestStorage(t)
	if _, _, err := store.CreateStreamRecord(context.Background(), CreateStreamRecordParams{Title: "   "}); err == nil {
		t.Fatalf("expected error for empty title")
	}
}

func TestFindLiveRecordByKeyUnknown(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if _, _, err := store.CreateStreamRecord(ctx, CreateStreamRecordParams{Title: "stream"}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	_, err := store.FindLiveRecordByKey(ctx, "NOT-A-REAL-KEY")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := store.FindLiveRecordByKey(ctx, ""); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound for empty key, got %v", err)
	}
}

func TestRotateStreamKeyInvalidatesOldKey(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	record, oldKey, err := store.CreateStreamRecord(ctx, CreateStreamRecordParams{Title: "stream"})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	_, newKey, err := store.RotateStreamKey(ctx, record.ID)
	if err != nil {
		t.Fatalf("rotate key: %v", err)
	}
	if newKey == oldKey {
		t.Fatalf("expected a fresh key on rotation")
	}

	if _, err := store.FindLiveRecordByKey(ctx, oldKey); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected old key to be invalidated, got %v", err)
	}
	if _, err := store.FindLiveRecordByKey(ctx, newKey); err != nil {
		t.Fatalf("expected new key to resolve: %v", err)
	}
}

func TestRotateStreamKeyUnknownRecord(t *testing.T) {
	store := newTestStorage(t)
	if _, _, err := store.RotateStreamKey(context.Background(), "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestMarkLiveAndOffline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStorage(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	record, _, err := store.CreateStreamRecord(ctx, CreateStreamRecordParams{Title: "stream"})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	live, err := store.MarkLive(ctx, record.ID)
	if err != nil {
		t.Fatalf("mark live: %v", err)
	}
	if !live.Live {
		t.Fatalf("expected live flag set")
	}
	if live.LastLiveAt == nil || !live.LastLiveAt.Equal(now) {
		t.Fatalf("expected LastLiveAt %s, got %v", now, live.LastLiveAt)
	}

	offline, err := store.MarkOffline(ctx, record.ID)
	if err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if offline.Live {
		t.Fatalf("expected live flag cleared")
	}
	if offline.LastLiveAt == nil {
		t.Fatalf("expected LastLiveAt to survive going offline")
	}
}

func TestAttachOnDemandArtifact(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	record, _, err := store.CreateStreamRecord(ctx, CreateStreamRecordParams{Title: "stream", RetainOutput: true})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	updated, err := store.AttachOnDemandArtifact(ctx, record.ID, OnDemandArtifact{
		PlaybackURL: "/streams/" + record.ID + "/index.m3u8",
		Media:       &mediaFixture,
	})
	if err != nil {
		t.Fatalf("attach artifact: %v", err)
	}
	if updated.PlaybackURL == "" {
		t.Fatalf("expected playback URL to be recorded")
	}
	if updated.Media == nil || updated.Media.DurationSeconds != mediaFixture.DurationSeconds {
		t.Fatalf("expected probe metadata to be recorded, got %+v", updated.Media)
	}

	// Mutating the returned record must not leak into stored state.
	updated.Media.DurationSeconds = 1

	stored, ok := store.GetStreamRecord(ctx, record.ID)
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if stored.Media.DurationSeconds != mediaFixture.DurationSeconds {
		t.Fatalf("stored metadata mutated through returned copy")
	}
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	store, err := NewStorage(path, WithKeyPepper("test-pepper"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	record, key, err := store.CreateStreamRecord(ctx, CreateStreamRecordParams{Title: "stream"})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if _, err := store.MarkLive(ctx, record.ID); err != nil {
		t.Fatalf("mark live: %v", err)
	}

	reopened, err := NewStorage(path, WithKeyPepper("test-pepper"))
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	found, err := reopened.FindLiveRecordByKey(ctx, key)
	if err != nil {
		t.Fatalf("find by key after reopen: %v", err)
	}
	if !found.Live {
		t.Fatalf("expected live flag to survive reopen")
	}
}

func TestPersistFailureLeavesStateUntouched(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	record, _, err := store.CreateStreamRecord(ctx, CreateStreamRecordParams{Title: "stream"})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	failure := errors.New("disk full")
	store.persistOverride = func(dataset) error { return failure }

	if _, err := store.MarkLive(ctx, record.ID); !errors.Is(err, failure) {
		t.Fatalf("expected persist failure, got %v", err)
	}

	stored, ok := store.GetStreamRecord(ctx, record.ID)
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if stored.Live {
		t.Fatalf("expected live flag unset after failed persist")
	}
}

func TestViewerTokens(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	identity, token, err := store.IssueViewerToken(ctx, "alice")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a token to be issued")
	}

	resolved, ok := store.LookupViewerToken(ctx, token)
	if !ok {
		t.Fatalf("expected token to resolve")
	}
	if resolved.ID != identity.ID || resolved.Name != "alice" {
		t.Fatalf("unexpected identity %+v", resolved)
	}

	if _, ok := store.LookupViewerToken(ctx, "bogus"); ok {
		t.Fatalf("expected bogus token to fail lookup")
	}
	if _, ok := store.LookupViewerToken(ctx, ""); ok {
		t.Fatalf("expected empty token to fail lookup")
	}
}

func TestListStreamRecordsNewestFirst(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStorage(t, WithClock(func() time.Time {
		current = current.Add(time.Minute)
		return current
	}))
	ctx := context.Background()

	if _, _, err := store.CreateStreamRecord(ctx, CreateStreamRecordParams{Title: "older"}); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if _, _, err := store.CreateStreamRecord(ctx, CreateStreamRecordParams{Title: "newer"}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	records, err := store.ListStreamRecords(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Title != "newer" {
		t.Fatalf("expected newest first, got %q", records[0].Title)
	}
}
