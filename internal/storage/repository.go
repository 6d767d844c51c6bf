package storage

import (
	"context"
	"errors"

	"livecast/internal/models"
)

var (
	// ErrRecordNotFound is returned when no stream record matches the lookup.
	ErrRecordNotFound = errors.New("stream record not found")
	// ErrTokenNotFound is returned when a viewer credential does not resolve.
	ErrTokenNotFound = errors.New("viewer token not found")
)

// CreateStreamRecordParams captures the attributes settable at record creation.
type CreateStreamRecordParams struct {
	Title        string
	Description  string
	RetainOutput bool
}

// OnDemandArtifact references the archived output attached to a record once a
// retained broadcast ends.
type OnDemandArtifact struct {
	PlaybackURL string
	Media       *models.MediaInfo
}

// Repository exposes the datastore operations required by the ingest gateway,
// the supervisor teardown path, and the HTTP API.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateStreamRecord(ctx context.Context, params CreateStreamRecordParams) (models.StreamRecord, string, error)
	GetStreamRecord(ctx context.Context, id string) (models.StreamRecord, bool)
	ListStreamRecords(ctx context.Context) ([]models.StreamRecord, error)
	RotateStreamKey(ctx context.Context, id string) (models.StreamRecord, string, error)
	DeleteStreamRecord(ctx context.Context, id string) error

	// FindLiveRecordByKey resolves a presented stream key to its live-kind
	// record. ErrRecordNotFound means the key authorizes nothing; any other
	// error is a backend fault the caller must treat as retriable.
	FindLiveRecordByKey(ctx context.Context, streamKey string) (models.StreamRecord, error)
	MarkLive(ctx context.Context, id string) (models.StreamRecord, error)
	MarkOffline(ctx context.Context, id string) (models.StreamRecord, error)
	AttachOnDemandArtifact(ctx context.Context, id string, artifact OnDemandArtifact) (models.StreamRecord, error)

	IssueViewerToken(ctx context.Context, name string) (models.ViewerIdentity, string, error)
	LookupViewerToken(ctx context.Context, token string) (models.ViewerIdentity, bool)
}

var _ Repository = (*Storage)(nil)
