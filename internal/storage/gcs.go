package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"call-archiver/internal/apperr"
	"call-archiver/internal/config"
)

// gcsBucket wraps the bucket operations so tests can swap the client.
type gcsBucket interface {
	Verify(ctx context.Context) error
	Write(ctx context.Context, key, contentType string, r io.Reader) error
	MakePublic(ctx context.Context, key string) error
}

// GCSBackend uploads objects to a Google Cloud Storage bucket.
type GCSBackend struct {
	bucketName string
	bucket     gcsBucket
	closeFn    func() error
	policy     RetryPolicy
	log        *logrus.Entry
}

// NewGCS validates the block, opens a client and checks the bucket exists.
func NewGCS(ctx context.Context, cfg config.GCS, log *logrus.Entry) (*GCSBackend, error) {
	var missing []string
	if cfg.CredentialsFile == "" {
		missing = append(missing, "credentials_file")
	}
	if cfg.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if cfg.BucketName == "" {
		missing = append(missing, "bucket_name")
	}
	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.ConfigInvalid, "google_cloud is missing %s", strings.Join(missing, ", "))
	}

	client, err := storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ClientError, "create google cloud storage client").AsPermanent()
	}

	b := newGCSBackend(cfg, &gcsHandle{h: client.Bucket(cfg.BucketName)}, log)
	b.closeFn = client.Close
	if err := b.bucket.Verify(ctx); err != nil {
		_ = client.Close()
		return nil, classifyGCS(err, "verify bucket "+cfg.BucketName)
	}
	b.log.WithField("project_id", cfg.ProjectID).Debug("google cloud storage bucket verified")
	return b, nil
}

func newGCSBackend(cfg config.GCS, bucket gcsBucket, log *logrus.Entry) *GCSBackend {
	return &GCSBackend{
		bucketName: cfg.BucketName,
		bucket:     bucket,
		policy:     policyFrom(cfg.Retry),
		log:        log.WithFields(logrus.Fields{"component": "storage", "backend": config.ArchiveGCS}),
	}
}

func (b *GCSBackend) Name() string { return config.ArchiveGCS }

// Close releases the storage client.
func (b *GCSBackend) Close() error {
	if b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}

// Upload writes the object, then grants public read as a second call.
// The object is briefly private between the two steps.
func (b *GCSBackend) Upload(ctx context.Context, t Target) (string, error) {
	if err := checkSource(t.SourcePath); err != nil {
		return "", err
	}
	key := strings.TrimPrefix(t.DestPath, "/")

	attempts, err := b.policy.Do(ctx, b.log, t.MaxAttempts, func(ctx context.Context, _ int) error {
		f, err := os.Open(t.SourcePath)
		if err != nil {
			return apperr.Wrapf(err, apperr.SourceNotFound, "open %s", t.SourcePath)
		}
		defer f.Close()

		if err := b.bucket.Write(ctx, key, contentType(key), f); err != nil {
			return classifyGCS(err, "write gs://"+b.bucketName+"/"+key)
		}
		if err := b.bucket.MakePublic(ctx, key); err != nil {
			return classifyGCS(err, "make gs://"+b.bucketName+"/"+key+" public")
		}
		return nil
	})
	if err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"path":     t.SourcePath,
			"key":      key,
			"attempts": attempts,
		}).Error("google cloud upload failed")
		return "", err
	}

	return objectURL("https://storage.googleapis.com/"+b.bucketName, key), nil
}

// objectURL escapes only the basename of the key.
func objectURL(endpoint, key string) string {
	dir, name := path.Split(key)
	return PublicURL(endpoint, dir, name)
}

func classifyGCS(err error, op string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return apperr.Wrap(err, apperr.PermissionDenied, op).
				WithMetadata("status", fmt.Sprint(gerr.Code))
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError:
			return apperr.Wrap(err, apperr.ClientError, op).
				WithMetadata("status", fmt.Sprint(gerr.Code))
		default:
			return apperr.Wrap(err, apperr.ClientError, op).
				WithMetadata("status", fmt.Sprint(gerr.Code)).
				AsPermanent()
		}
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return apperr.Wrap(err, apperr.ClientError, op).AsPermanent()
	}
	return apperr.Wrap(err, apperr.ClientError, op)
}

type gcsHandle struct {
	h *storage.BucketHandle
}

func (g *gcsHandle) Verify(ctx context.Context) error {
	_, err := g.h.Attrs(ctx)
	return err
}

func (g *gcsHandle) Write(ctx context.Context, key, contentType string, r io.Reader) error {
	w := g.h.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (g *gcsHandle) MakePublic(ctx context.Context, key string) error {
	return g.h.Object(key).ACL().Set(ctx, storage.AllUsers, storage.RoleReader)
}
