package models

import "time"

// RecordKindLive identifies persisted records that represent live broadcasts
// rather than uploaded assets.
const RecordKindLive = "live"

// StreamRecord is the persisted content entry a publish session binds to.
// The stream key itself is never stored; only its derived digest is.
type StreamRecord struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Kind            string     `json:"kind"`
	StreamKeyDigest string     `json:"streamKeyDigest,omitempty"`
	Live            bool       `json:"live"`
	RetainOutput    bool       `json:"retainOutput"`
	PlaybackURL     string     `json:"playbackUrl,omitempty"`
	Media           *MediaInfo `json:"media,omitempty"`
	LastLiveAt      *time.Time `json:"lastLiveAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// MediaInfo carries the probe results extracted from an archived manifest.
type MediaInfo struct {
	DurationSeconds int    `json:"durationSeconds"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	VideoCodec      string `json:"videoCodec,omitempty"`
	AudioCodec      string `json:"audioCodec,omitempty"`
}

// ViewerIdentity is the resolved identity behind a viewer-channel credential.
type ViewerIdentity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
