// Package jobid derives deterministic job identifiers from source image
// URLs, so re-submitting the same source lands on the same job instead of
// duplicating work.
package jobid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"tileserver/internal/domain"
)

// FromSource returns the job identifier for a source URL: the first 16
// bytes of SHA-256 over the normalized URL, hex encoded. An error means
// the URL is not an absolute http(s) URL.
func FromSource(sourceURL string) (string, error) {
	norm, err := Normalize(sourceURL)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16]), nil
}

// Normalize canonicalizes a source URL so that trivially different
// spellings of the same resource map to one job: scheme and host are
// lowercased, default ports dropped, the fragment removed and a trailing
// slash on the path stripped.
func Normalize(sourceURL string) (string, error) {
	raw := strings.TrimSpace(sourceURL)
	if raw == "" {
		return "", domain.ErrInvalidSource
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidSource, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", domain.ErrInvalidSource)
	}
	host := strings.ToLower(u.Host)
	switch u.Scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// Valid reports whether id looks like an identifier produced by
// FromSource. The artifact store relies on this to keep job directories
// traversal-safe.
func Valid(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
