package storage

import "livecast/internal/models"

var mediaFixture = models.MediaInfo{
	DurationSeconds: 3723,
	Width:           1920,
	Height:          1080,
	VideoCodec:      "h264",
	AudioCodec:      "aac",
}
