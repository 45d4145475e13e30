// Package storage uploads archive artifacts to one of several remote
// backends and returns the public URL of each uploaded file.
package storage

import (
	"context"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-archiver/internal/apperr"
	"call-archiver/internal/config"
)

// Backend is the uniform upload contract every variant implements.
type Backend interface {
	Name() string
	Upload(ctx context.Context, t Target) (string, error)
}

// Pruner is implemented by backends that can expire old archive files.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// Target describes one artifact upload.
type Target struct {
	SourcePath string
	// DestPath is the backend-specific address: a remote path, object key
	// or local file path.
	DestPath string
	// GeneratedPath is the fragment joined into the public URL.
	GeneratedPath string
	// MaxAttempts overrides the backend policy when positive.
	MaxAttempts int
}

// New resolves exactly one backend from the archive configuration.
func New(ctx context.Context, cfg config.Archive, log *logrus.Entry) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.ArchiveType {
	case config.ArchiveSCP:
		b, err = asBackend(NewSCP(cfg.SCP, log))
	case config.ArchiveGCS:
		b, err = asBackend(NewGCS(ctx, cfg.GoogleCloud, log))
	case config.ArchiveS3:
		b, err = asBackend(NewS3(ctx, cfg.AWSS3, log))
	case config.ArchiveLocal:
		b = NewLocal(cfg.Local, log)
	default:
		err = apperr.Newf(apperr.UnknownBackendType, "unknown archive type %q", cfg.ArchiveType).
			WithMetadata("archive_type", cfg.ArchiveType)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// asBackend keeps a failed constructor from yielding a typed nil.
func asBackend[T Backend](b T, err error) (Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// PublicURL joins base, fragment and the percent-encoded file name.
func PublicURL(base, fragment, name string) string {
	parts := make([]string, 0, 3)
	if b := strings.TrimRight(base, "/"); b != "" {
		parts = append(parts, b)
	}
	if f := strings.Trim(fragment, "/"); f != "" {
		parts = append(parts, f)
	}
	parts = append(parts, quote(name))
	return strings.Join(parts, "/")
}

// quote percent-encodes every byte outside the RFC 3986 unreserved set,
// keeping "/" literal.
func quote(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) || c == '/' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '-' || c == '_' || c == '.' || c == '~'
}

// checkSource runs before any provisioning or network call.
func checkSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperr.Wrapf(err, apperr.SourceNotFound, "source file %s does not exist", path)
	}
	if !info.Mode().IsRegular() {
		return apperr.Newf(apperr.SourceNotFound, "source %s is not a regular file", path)
	}
	return nil
}

var contentTypes = map[string]string{
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".json": "application/json",
}

func contentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
