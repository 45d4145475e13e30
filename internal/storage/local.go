package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-archiver/internal/apperr"
	"call-archiver/internal/config"
)

// LocalBackend copies files under a directory on the same host.
type LocalBackend struct {
	root    string
	baseURL string
	policy  RetryPolicy
	log     *logrus.Entry
}

func NewLocal(cfg config.Local, log *logrus.Entry) *LocalBackend {
	return &LocalBackend{
		root:    cfg.LocalPath,
		baseURL: cfg.BaseURL,
		policy:  policyFrom(cfg.Retry),
		log:     log.WithFields(logrus.Fields{"component": "storage", "backend": config.ArchiveLocal}),
	}
}

func (b *LocalBackend) Name() string { return config.ArchiveLocal }

func (b *LocalBackend) Upload(ctx context.Context, t Target) (string, error) {
	if err := checkSource(t.SourcePath); err != nil {
		return "", err
	}

	attempts, err := b.policy.Do(ctx, b.log, t.MaxAttempts, func(context.Context, int) error {
		return copyFile(t.SourcePath, t.DestPath)
	})
	if err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"path":     t.SourcePath,
			"dest":     t.DestPath,
			"attempts": attempts,
		}).Error("local copy failed")
		return "", err
	}
	return PublicURL(b.baseURL, t.GeneratedPath, filepath.Base(t.DestPath)), nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return apperr.Wrapf(err, apperr.CopyFailed, "stat %s", src)
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrapf(err, apperr.CopyFailed, "create directory %s", dir)
	}

	in, err := os.Open(src)
	if err != nil {
		return apperr.Wrapf(err, apperr.CopyFailed, "open %s", src)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".partial-*")
	if err != nil {
		return apperr.Wrapf(err, apperr.CopyFailed, "create %s", dst)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()
		return apperr.Wrapf(err, apperr.CopyFailed, "copy %s to %s", src, dst)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		cleanup()
		return apperr.Wrapf(err, apperr.CopyFailed, "chmod %s", dst)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Wrapf(err, apperr.CopyFailed, "close %s", dst)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Wrapf(err, apperr.CopyFailed, "rename into %s", dst)
	}
	return nil
}

// Prune removes archived files older than the cutoff, then any directory
// left empty. The root itself is never removed.
func (b *LocalBackend) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	if strings.TrimSpace(b.root) == "" {
		return 0, nil
	}
	if _, err := os.Stat(b.root); os.IsNotExist(err) {
		return 0, nil
	}

	removed := 0
	var dirs []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != b.root {
				dirs = append(dirs, p)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(olderThan) {
			if err := os.Remove(p); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, apperr.Wrapf(err, apperr.CopyFailed, "prune %s", b.root)
	}

	// Deepest first so parents empty out after their children.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			b.log.WithError(err).WithField("dir", dir).Warn("failed to remove empty directory")
		}
	}

	b.log.WithFields(logrus.Fields{"removed": removed, "cutoff": olderThan.Format(time.RFC3339)}).Info("pruned local archive")
	return removed, nil
}
