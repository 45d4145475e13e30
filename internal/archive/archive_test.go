package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"call-archiver/internal/apperr"
	"call-archiver/internal/config"
	"call-archiver/internal/logger"
	"call-archiver/internal/storage"
	"call-archiver/internal/types"
)

type fakeBackend struct {
	name    string
	targets []storage.Target
	fail    map[string]error
	pruned  []time.Time
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Upload(_ context.Context, t storage.Target) (string, error) {
	f.targets = append(f.targets, t)
	if err, ok := f.fail[filepath.Ext(t.SourcePath)]; ok {
		return "", err
	}
	return storage.PublicURL("https://x.test/audio", t.GeneratedPath, filepath.Base(t.DestPath)), nil
}

type pruningBackend struct{ *fakeBackend }

func (p pruningBackend) Prune(_ context.Context, olderThan time.Time) (int, error) {
	p.pruned = append(p.pruned, olderThan)
	return 0, nil
}

func factoryFor(b storage.Backend) BackendFactory {
	return func(context.Context, config.Archive, *logrus.Entry) (storage.Backend, error) {
		return b, nil
	}
}

var fixedNow = func() time.Time { return time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC) }

func writeArtifacts(t *testing.T, dir, stem string, exts ...string) {
	t.Helper()
	for _, ext := range exts {
		if err := os.WriteFile(filepath.Join(dir, stem+ext), []byte(ext), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func enabledArchive(kind string) config.Archive {
	cfg := config.Default().Archive
	cfg.Enabled = true
	cfg.ArchiveType = kind
	cfg.ArchivePath = "/srv/calls"
	return cfg
}

// TestArchiveDisabled returns empty URLs without resolving a backend.
func TestArchiveDisabled(t *testing.T) {
	called := false
	a := NewForTests(config.Archive{}, func(context.Context, config.Archive, *logrus.Entry) (storage.Backend, error) {
		called = true
		return nil, nil
	}, fixedNow, logger.Discard().Entry)

	urls, err := a.Archive(context.Background(), Request{})
	if err != nil || !urls.Empty() || called {
		t.Fatalf("urls = %+v err = %v called = %v", urls, err, called)
	}
}

// TestArchiveUploadsAllArtifacts builds dated destinations per artifact.
func TestArchiveUploadsAllArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "1704067200-100", ".wav", ".m4a", ".json")

	backend := &fakeBackend{name: config.ArchiveSCP}
	a := NewForTests(enabledArchive(config.ArchiveSCP), factoryFor(backend), fixedNow, logger.Discard().Entry)

	urls, err := a.Archive(context.Background(), Request{
		SourceDir:   dir,
		WAVFileName: "1704067200-100.wav",
		Call:        types.CallRecord{"start_time": float64(1704067200)},
		ShortName:   "metro",
	})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if urls.WAV != "https://x.test/audio/metro/2024/1/1/1704067200-100.wav" {
		t.Fatalf("wav url = %q", urls.WAV)
	}
	if urls.M4A == "" || urls.JSON == "" || len(urls.Failures) != 0 {
		t.Fatalf("urls = %+v", urls)
	}
	if len(backend.targets) != 3 {
		t.Fatalf("targets = %d, want 3", len(backend.targets))
	}
	if got := backend.targets[1].DestPath; got != "/srv/calls/metro/2024/1/1/1704067200-100.m4a" {
		t.Fatalf("m4a dest = %q", got)
	}
}

// TestArchiveIsolatesFailures keeps going after one artifact fails.
func TestArchiveIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "call", ".wav", ".m4a", ".json")

	backend := &fakeBackend{
		name: config.ArchiveSCP,
		fail: map[string]error{".wav": apperr.New(apperr.UploadExhausted, "gave up").WithMetadata("attempts", "3")},
	}
	a := NewForTests(enabledArchive(config.ArchiveSCP), factoryFor(backend), fixedNow, logger.Discard().Entry)

	urls, err := a.Archive(context.Background(), Request{SourceDir: dir, WAVFileName: "call.wav", ShortName: "metro"})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if urls.WAV != "" || urls.M4A == "" || urls.JSON == "" {
		t.Fatalf("urls = %+v", urls)
	}
	if !apperr.IsCode(urls.Failures[".wav"], apperr.UploadExhausted) {
		t.Fatalf("failures = %v", urls.Failures)
	}
	if len(backend.targets) != 3 {
		t.Fatalf("targets = %d, want 3", len(backend.targets))
	}
}

// TestArchiveAllFail signals total failure with empty URLs and no error.
func TestArchiveAllFail(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "call", ".wav", ".m4a", ".json")

	boom := apperr.New(apperr.TransportFailed, "down")
	backend := &fakeBackend{name: config.ArchiveSCP, fail: map[string]error{".wav": boom, ".m4a": boom, ".json": boom}}
	a := NewForTests(enabledArchive(config.ArchiveSCP), factoryFor(backend), fixedNow, logger.Discard().Entry)

	urls, err := a.Archive(context.Background(), Request{SourceDir: dir, WAVFileName: "call.wav", ShortName: "metro"})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !urls.Empty() || len(urls.Failures) != 3 {
		t.Fatalf("urls = %+v", urls)
	}
}

// TestArchiveBackendResolutionFails surfaces unknown backend types.
func TestArchiveBackendResolutionFails(t *testing.T) {
	cfg := enabledArchive("ftp")
	a := New(cfg, logger.Discard().Entry)
	_, err := a.Archive(context.Background(), Request{WAVFileName: "call.wav"})
	if !apperr.IsCode(err, apperr.UnknownBackendType) {
		t.Fatalf("err = %v, want unknown_backend_type", err)
	}
}

// TestArchiveFiltersExtensionsAndMissingFiles skips unconfigured or absent artifacts.
func TestArchiveFiltersExtensionsAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "call", ".wav", ".json")

	cfg := enabledArchive(config.ArchiveSCP)
	cfg.ArchiveExtensions = []string{"m4a", ".WAV"}
	backend := &fakeBackend{name: config.ArchiveSCP}
	a := NewForTests(cfg, factoryFor(backend), fixedNow, logger.Discard().Entry)

	urls, err := a.Archive(context.Background(), Request{SourceDir: dir, WAVFileName: "call.wav"})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if len(backend.targets) != 1 || urls.WAV == "" || urls.JSON != "" {
		t.Fatalf("targets = %+v urls = %+v", backend.targets, urls)
	}
	// no start_time and no short name: run clock date only
	if got := backend.targets[0].GeneratedPath; got != "2025/3/9" {
		t.Fatalf("fragment = %q", got)
	}
}

// TestArchiveDestinations addresses each backend kind.
func TestArchiveDestinations(t *testing.T) {
	cfg := enabledArchive(config.ArchiveLocal)
	cfg.Local.LocalPath = "/data/audio"
	a := NewForTests(cfg, nil, fixedNow, logger.Discard().Entry)

	tests := map[string]string{
		config.ArchiveSCP:   "/srv/calls/metro/2025/3/9/call.wav",
		config.ArchiveLocal: "/data/audio/metro/2025/3/9/call.wav",
		config.ArchiveS3:    "srv/calls/metro/2025/3/9/call.wav",
		config.ArchiveGCS:   "srv/calls/metro/2025/3/9/call.wav",
	}
	for kind, want := range tests {
		if got := a.destination(kind, "metro/2025/3/9", "call.wav"); got != want {
			t.Errorf("%s: destination = %q, want %q", kind, got, want)
		}
	}
}

// TestArchivePrunes calls Prune with the archive_days cutoff.
func TestArchivePrunes(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "call", ".wav")

	cfg := enabledArchive(config.ArchiveLocal)
	cfg.ArchiveDays = 7
	backend := pruningBackend{&fakeBackend{name: config.ArchiveLocal}}
	a := NewForTests(cfg, factoryFor(backend), fixedNow, logger.Discard().Entry)

	if _, err := a.Archive(context.Background(), Request{SourceDir: dir, WAVFileName: "call.wav"}); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if len(backend.pruned) != 1 || !backend.pruned[0].Equal(fixedNow().AddDate(0, 0, -7)) {
		t.Fatalf("pruned = %v", backend.pruned)
	}
}
