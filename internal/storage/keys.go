package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	streamKeyDigestIterations = 120000
	streamKeyDigestKeyLength  = 32
	viewerTokenLength         = 32
)

// keyDigester derives the at-rest digest for stream keys. The salt is fixed
// per deployment (derived from the configured pepper) so a presented key maps
// to exactly one stored digest and lookups stay indexable.
type keyDigester struct {
	salt []byte
}

func newKeyDigester(pepper string) keyDigester {
	sum := sha256.Sum256([]byte("livecast/stream-key:" + pepper))
	return keyDigester{salt: sum[:]}
}

func (d keyDigester) digest(streamKey string) string {
	derived := pbkdf2.Key([]byte(streamKey), d.salt, streamKeyDigestIterations, streamKeyDigestKeyLength, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s", streamKeyDigestIterations, base64.RawStdEncoding.EncodeToString(derived))
}

func (d keyDigester) matches(storedDigest, streamKey string) bool {
	if storedDigest == "" {
		return false
	}
	candidate := d.digest(streamKey)
	return subtle.ConstantTimeCompare([]byte(storedDigest), []byte(candidate)) == 1
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func generateStreamKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

func generateViewerToken() (string, error) {
	bytes := make([]byte, viewerTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate viewer token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func hashViewerToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
