package storage

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"call-archiver/internal/apperr"
	"call-archiver/internal/config"
)

const defaultS3Region = "us-east-1"

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	PutObjectAcl(ctx context.Context, in *s3.PutObjectAclInput, optFns ...func(*s3.Options)) (*s3.PutObjectAclOutput, error)
}

// S3Backend uploads objects to an AWS S3 bucket.
type S3Backend struct {
	bucket string
	client s3API
	policy RetryPolicy
	log    *logrus.Entry
}

func NewS3(ctx context.Context, cfg config.S3, log *logrus.Entry) (*S3Backend, error) {
	var missing []string
	if cfg.AccessKeyID == "" {
		missing = append(missing, "access_key_id")
	}
	if cfg.SecretAccessKey == "" {
		missing = append(missing, "secret_access_key")
	}
	if cfg.BucketName == "" {
		missing = append(missing, "bucket_name")
	}
	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.ConfigInvalid, "aws_s3 is missing %s", strings.Join(missing, ", "))
	}
	if cfg.Region == "" {
		cfg.Region = defaultS3Region
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		// attempts are governed by RetryPolicy
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ClientError, "load aws configuration").AsPermanent()
	}
	return newS3Backend(cfg, s3.NewFromConfig(awsCfg), log), nil
}

func newS3Backend(cfg config.S3, client s3API, log *logrus.Entry) *S3Backend {
	return &S3Backend{
		bucket: cfg.BucketName,
		client: client,
		policy: policyFrom(cfg.Retry),
		log:    log.WithFields(logrus.Fields{"component": "storage", "backend": config.ArchiveS3}),
	}
}

func (b *S3Backend) Name() string { return config.ArchiveS3 }

// Upload puts the object, then applies a public-read ACL. Readers may see
// the object before the ACL lands.
func (b *S3Backend) Upload(ctx context.Context, t Target) (string, error) {
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
		info, err := f.Stat()
		if err != nil {
			return apperr.Wrapf(err, apperr.SourceNotFound, "stat %s", t.SourcePath)
		}

		_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String(contentType(key)),
		})
		if err != nil {
			return classifyS3(err, "put s3://"+b.bucket+"/"+key)
		}

		_, err = b.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			ACL:    types.ObjectCannedACLPublicRead,
		})
		if err != nil {
			return classifyS3(err, "set public-read on s3://"+b.bucket+"/"+key)
		}
		return nil
	})
	if err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"path":     t.SourcePath,
			"key":      key,
			"attempts": attempts,
		}).Error("s3 upload failed")
		return "", err
	}

	return objectURL("https://"+b.bucket+".s3.amazonaws.com", key), nil
}

var s3PermissionCodes = map[string]bool{
	"AccessDenied":                  true,
	"InvalidAccessKeyId":            true,
	"SignatureDoesNotMatch":         true,
	"AccessControlListNotSupported": true,
}

var s3PermanentCodes = map[string]bool{
	"NoSuchBucket":      true,
	"InvalidBucketName": true,
	"InvalidArgument":   true,
}

func classifyS3(err error, op string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case s3PermissionCodes[code]:
			return apperr.Wrap(err, apperr.PermissionDenied, op).WithMetadata("aws_code", code)
		case s3PermanentCodes[code] || apiErr.ErrorFault() == smithy.FaultClient:
			return apperr.Wrap(err, apperr.ClientError, op).WithMetadata("aws_code", code).AsPermanent()
		default:
			return apperr.Wrap(err, apperr.ClientError, op).WithMetadata("aws_code", code)
		}
	}
	return apperr.Wrap(err, apperr.ClientError, op)
}
