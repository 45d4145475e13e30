// Package archive uploads a call's artifacts through the configured storage
// backend and collects the resulting public URLs.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-archiver/internal/apperr"
	"call-archiver/internal/callmeta"
	"call-archiver/internal/config"
	"call-archiver/internal/storage"
	"call-archiver/internal/types"
)

type URLs = types.URLs

// Request names the artifacts of one call.
type Request struct {
	SourceDir   string
	WAVFileName string
	Call        types.CallRecord
	ShortName   string
}

// BackendFactory resolves a storage backend from the archive block.
type BackendFactory func(ctx context.Context, cfg config.Archive, log *logrus.Entry) (storage.Backend, error)

// Archiver coordinates per-artifact uploads for one call.
type Archiver struct {
	cfg     config.Archive
	factory BackendFactory
	now     func() time.Time
	log     *logrus.Entry
}

func New(cfg config.Archive, log *logrus.Entry) *Archiver {
	return &Archiver{
		cfg:     cfg,
		factory: storage.New,
		now:     time.Now,
		log:     log.WithField("component", "archive"),
	}
}

// NewForTests constructs an archiver with an injectable backend and clock.
func NewForTests(cfg config.Archive, factory BackendFactory, now func() time.Time, log *logrus.Entry) *Archiver {
	a := New(cfg, log)
	a.factory = factory
	a.now = now
	return a
}

// artifact order is wav, m4a, json; each is uploaded independently.
var artifacts = []string{".wav", ".m4a", ".json"}

// Archive uploads every present artifact. Per-artifact failures are
// recorded in URLs.Failures and never returned; only a backend that
// cannot be resolved is an error. When nothing uploads, URLs.Empty()
// reports true.
func (a *Archiver) Archive(ctx context.Context, req Request) (URLs, error) {
	if !bool(a.cfg.Enabled) {
		a.log.Debug("archive disabled, skipping upload")
		return URLs{}, nil
	}

	backend, err := a.factory(ctx, a.cfg, a.log)
	if err != nil {
		return URLs{}, err
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}

	fragment := a.fragment(req)
	stem := strings.TrimSuffix(req.WAVFileName, filepath.Ext(req.WAVFileName))
	log := a.log.WithFields(logrus.Fields{"backend": backend.Name(), "fragment": fragment})

	urls := URLs{Failures: map[string]error{}}
	for _, ext := range artifacts {
		if !a.wants(ext) {
			continue
		}
		name := stem + ext
		src := filepath.Join(req.SourceDir, name)
		if _, err := os.Stat(src); err != nil {
			log.WithField("path", src).Debug("artifact not present, skipping")
			continue
		}

		target := storage.Target{
			SourcePath:    src,
			DestPath:      a.destination(backend.Name(), fragment, name),
			GeneratedPath: fragment,
		}
		u, err := backend.Upload(ctx, target)
		if err != nil {
			urls.Failures[ext] = err
			log.WithError(err).WithFields(logrus.Fields{
				"path":     src,
				"dest":     target.DestPath,
				"attempts": attemptsOf(err),
				"code":     apperr.CodeOf(err),
			}).Error("artifact upload failed")
			continue
		}

		switch ext {
		case ".wav":
			urls.WAV = u
		case ".m4a":
			urls.M4A = u
		case ".json":
			urls.JSON = u
		}
		log.WithField("url", u).Debugf("archived %s", name)
	}

	a.prune(ctx, backend)
	return urls, nil
}

// fragment is <short_name>/<YYYY>/<M>/<D>, dated by the call's start time.
func (a *Archiver) fragment(req Request) string {
	ts, ok := callmeta.StartTime(req.Call)
	if !ok {
		ts = a.now().UTC()
	}
	date := fmt.Sprintf("%d/%d/%d", ts.Year(), int(ts.Month()), ts.Day())
	if req.ShortName == "" {
		return date
	}
	return path.Join(req.ShortName, date)
}

func (a *Archiver) destination(backend, fragment, name string) string {
	switch backend {
	case config.ArchiveLocal:
		return filepath.Join(a.cfg.Local.LocalPath, filepath.FromSlash(fragment), name)
	case config.ArchiveGCS, config.ArchiveS3:
		return strings.TrimPrefix(path.Join(a.cfg.ArchivePath, fragment, name), "/")
	default:
		return path.Join(a.cfg.ArchivePath, fragment, name)
	}
}

func (a *Archiver) wants(ext string) bool {
	if len(a.cfg.ArchiveExtensions) == 0 {
		return true
	}
	for _, e := range a.cfg.ArchiveExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e == ext {
			return true
		}
	}
	return false
}

func (a *Archiver) prune(ctx context.Context, backend storage.Backend) {
	if a.cfg.ArchiveDays <= 0 {
		return
	}
	p, ok := backend.(storage.Pruner)
	if !ok {
		return
	}
	cutoff := a.now().AddDate(0, 0, -a.cfg.ArchiveDays)
	if _, err := p.Prune(ctx, cutoff); err != nil {
		a.log.WithError(err).Warn("archive prune failed")
	}
}

func attemptsOf(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		if v, ok := e.Metadata["attempts"]; ok {
			return v
		}
	}
	return "1"
}
