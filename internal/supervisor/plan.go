package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type transcodePlan struct {
	args      []string
	outputDir string
	manifest  string
}

// buildTranscodePlan derives the per-stream working directory and the ffmpeg
// argument list producing an HLS manifest plus segments in it. Segments are
// kept on disk; whether they survive the session is decided at teardown.
func buildTranscodePlan(input, outputRoot, streamKey string) (*transcodePlan, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	dirName := sanitizeName(streamKey)
	if dirName == "" {
		return nil, fmt.Errorf("stream key yields no usable directory name")
	}

	absDir, err := filepath.Abs(filepath.Join(outputRoot, dirName))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}

	manifest := filepath.ToSlash(filepath.Join(absDir, "index.m3u8"))
	args := []string{
		"-y",
		"-i", input,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(absDir, "segment_%06d.ts")),
		manifest,
	}

	return &transcodePlan{
		args:      args,
		outputDir: absDir,
		manifest:  manifest,
	}, nil
}

// StreamDirName is the directory name a key's outputs live under, shared
// with the playback URL surface.
func StreamDirName(streamKey string) string {
	return sanitizeName(streamKey)
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
