package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livecast/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS stream_records (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	stream_key_digest TEXT NOT NULL DEFAULT '',
	live BOOLEAN NOT NULL DEFAULT FALSE,
	retain_output BOOLEAN NOT NULL DEFAULT FALSE,
	playback_url TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER,
	width INTEGER,
	height INTEGER,
	video_codec TEXT,
	audio_codec TEXT,
	last_live_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stream_records_key_digest_idx
	ON stream_records (stream_key_digest) WHERE kind = 'live';
CREATE TABLE IF NOT EXISTS viewer_tokens (
	token_digest TEXT PRIMARY KEY,
	viewer_id TEXT NOT NULL,
	viewer_name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

const streamRecordColumns = `id, title, description, kind, stream_key_digest, live, retain_output,
	playback_url, duration_seconds, width, height, video_codec, audio_codec,
	last_live_at, created_at, updated_at`

type postgresRepository struct {
	pool     *pgxpool.Pool
	digester keyDigester
	now      func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &postgresRepository{
		pool:     pool,
		digester: newKeyDigester(cfg.KeyPepper),
		now:      cfg.Clock,
	}, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanStreamRecord(row pgx.Row) (models.StreamRecord, error) {
	var (
		record          models.StreamRecord
		durationSeconds *int
		width           *int
		height          *int
		videoCodec      *string
		audioCodec      *string
	)
	err := row.Scan(
		&record.ID, &record.Title, &record.Description, &record.Kind,
		&record.StreamKeyDigest, &record.Live, &record.RetainOutput,
		&record.PlaybackURL, &durationSeconds, &width, &height,
		&videoCodec, &audioCodec, &record.LastLiveAt,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return models.StreamRecord{}, err
	}
	if durationSeconds != nil {
		media := models.MediaInfo{DurationSeconds: *durationSeconds}
		if width != nil {
			media.Width = *width
		}
		if height != nil {
			media.Height = *height
		}
		if videoCodec != nil {
			media.VideoCodec = *videoCodec
		}
		if audioCodec != nil {
			media.AudioCodec = *audioCodec
		}
		record.Media = &media
	}
	return record, nil
}

func (r *postgresRepository) CreateStreamRecord(ctx context.Context, params CreateStreamRecordParams) (models.StreamRecord, string, error) {
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

	now := r.now()
	record := models.StreamRecord{
		ID:              id,
		Title:           title,
		Description:     strings.TrimSpace(params.Description),
		Kind:            models.RecordKindLive,
		StreamKeyDigest: r.digester.digest(streamKey),
		RetainOutput:    params.RetainOutput,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO stream_records (id, title, description, kind, stream_key_digest, retain_output, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.Title, record.Description, record.Kind,
		record.StreamKeyDigest, record.RetainOutput, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return models.StreamRecord{}, "", fmt.Errorf("insert stream record %s: %w", id, err)
	}
	return record, streamKey, nil
}

func (r *postgresRepository) GetStreamRecord(ctx context.Context, id string) (models.StreamRecord, bool) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+streamRecordColumns+" FROM stream_records WHERE id = $1", id)
	record, err := scanStreamRecord(row)
	if err != nil {
		return models.StreamRecord{}, false
	}
	return record, true
}

func (r *postgresRepository) ListStreamRecords(ctx context.Context) ([]models.StreamRecord, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+streamRecordColumns+" FROM stream_records ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list stream records: %w", err)
	}
	defer rows.Close()

	var records []models.StreamRecord
	for rows.Next() {
		record, err := scanStreamRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream records: %w", err)
	}
	return records, nil
}

func (r *postgresRepository) RotateStreamKey(ctx context.Context, id string) (models.StreamRecord, string, error) {
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.StreamRecord{}, "", err
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE stream_records SET stream_key_digest = $2, updated_at = $3
		 WHERE id = $1 RETURNING `+streamRecordColumns,
		id, r.digester.digest(streamKey), r.now(),
	)
	record, err := scanStreamRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamRecord{}, "", ErrRecordNotFound
	}
	if err != nil {
		return models.StreamRecord{}, "", fmt.Errorf("rotate stream key %s: %w", id, err)
	}
	return record, streamKey, nil
}

func (r *postgresRepository) DeleteStreamRecord(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM stream_records WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete stream record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *postgresRepository) FindLiveRecordByKey(ctx context.Context, streamKey string) (models.StreamRecord, error) {
	if strings.TrimSpace(streamKey) == "" {
		return models.StreamRecord{}, ErrRecordNotFound
	}

	row := r.pool.QueryRow(ctx,
		"SELECT "+streamRecordColumns+" FROM stream_records WHERE kind = $1 AND stream_key_digest = $2",
		models.RecordKindLive, r.digester.digest(streamKey),
	)
	record, err := scanStreamRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("find record by stream key: %w", err)
	}
	return record, nil
}

func (r *postgresRepository) MarkLive(ctx context.Context, id string) (models.StreamRecord, error) {
	now := r.now()
	row := r.pool.QueryRow(ctx,
		`UPDATE stream_records SET live = TRUE, last_live_at = $2, updated_at = $2
		 WHERE id = $1 RETURNING `+streamRecordColumns,
		id, now,
	)
	record, err := scanStreamRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("mark record %s live: %w", id, err)
	}
	return record, nil
}

func (r *postgresRepository) MarkOffline(ctx context.Context, id string) (models.StreamRecord, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE stream_records SET live = FALSE, updated_at = $2
		 WHERE id = $1 RETURNING `+streamRecordColumns,
		id, r.now(),
	)
	record, err := scanStreamRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("mark record %s offline: %w", id, err)
	}
	return record, nil
}

func (r *postgresRepository) AttachOnDemandArtifact(ctx context.Context, id string, artifact OnDemandArtifact) (models.StreamRecord, error) {
	var (
		durationSeconds *int
		width           *int
		height          *int
		videoCodec      *string
		audioCodec      *string
	)
	if artifact.Media != nil {
		media := *artifact.Media
		durationSeconds = &media.DurationSeconds
		if media.Width > 0 {
			width = &media.Width
		}
		if media.Height > 0 {
			height = &media.Height
		}
		if media.VideoCodec != "" {
			videoCodec = &media.VideoCodec
		}
		if media.AudioCodec != "" {
			audioCodec = &media.AudioCodec
		}
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE stream_records SET playback_url = $2, duration_seconds = COALESCE($3, duration_seconds),
			width = COALESCE($4, width), height = COALESCE($5, height),
			video_codec = COALESCE($6, video_codec), audio_codec = COALESCE($7, audio_codec),
			updated_at = $8
		 WHERE id = $1 RETURNING `+streamRecordColumns,
		id, artifact.PlaybackURL, durationSeconds, width, height, videoCodec, audioCodec, r.now(),
	)
	record, err := scanStreamRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("attach artifact to record %s: %w", id, err)
	}
	return record, nil
}

func (r *postgresRepository) IssueViewerToken(ctx context.Context, name string) (models.ViewerIdentity, string, error) {
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

	identity := models.ViewerIdentity{ID: id, Name: trimmed, CreatedAt: r.now()}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO viewer_tokens (token_digest, viewer_id, viewer_name, created_at)
		 VALUES ($1, $2, $3, $4)`,
		hashViewerToken(token), identity.ID, identity.Name, identity.CreatedAt,
	)
	if err != nil {
		return models.ViewerIdentity{}, "", fmt.Errorf("insert viewer token: %w", err)
	}
	return identity, token, nil
}

func (r *postgresRepository) LookupViewerToken(ctx context.Context, token string) (models.ViewerIdentity, bool) {
	if token == "" {
		return models.ViewerIdentity{}, false
	}

	var identity models.ViewerIdentity
	err := r.pool.QueryRow(ctx,
		"SELECT viewer_id, viewer_name, created_at FROM viewer_tokens WHERE token_digest = $1",
		hashViewerToken(token),
	).Scan(&identity.ID, &identity.Name, &identity.CreatedAt)
	if err != nil {
		return models.ViewerIdentity{}, false
	}
	return identity, true
}
