package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"call-archiver/internal/apperr"
	"call-archiver/internal/config"
)

// RetryPolicy is a fixed-delay attempt ceiling shared by every backend.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration

	// ReportExhausted wraps a retryable final failure in UploadExhausted
	// even when the ceiling is a single attempt. Without it a one-shot
	// policy returns the cause unchanged.
	ReportExhausted bool
}

func policyFrom(r config.Retry) RetryPolicy {
	return RetryPolicy{MaxAttempts: r.MaxAttempts, Delay: r.Delay()}
}

func (p RetryPolicy) ceiling(override int) int {
	n := p.MaxAttempts
	if override > 0 {
		n = override
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempt ceiling is reached. It returns the number of attempts made.
// Reaching the ceiling yields UploadExhausted carrying an attempts count,
// except for single-attempt policies without ReportExhausted.
func (p RetryPolicy) Do(ctx context.Context, log *logrus.Entry, override int, op func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.ceiling(override)

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))

	attempt := 0
	var last error
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err
		if !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": attempts,
		}).Warnf("upload attempt failed, retrying in %s", wait)
	})
	if err == nil {
		return attempt, nil
	}

	if last == nil {
		return attempt, apperr.Wrap(err, apperr.TransportFailed, "upload cancelled")
	}
	if ctxErr := ctx.Err(); ctxErr != nil && attempt < attempts {
		return attempt, apperr.Wrapf(last, apperr.TransportFailed, "upload cancelled after %d attempts", attempt).
			WithMetadata("attempts", strconv.Itoa(attempt)).
			AsPermanent()
	}
	if !apperr.IsRetryable(last) || (attempts == 1 && !p.ReportExhausted) {
		return attempt, last
	}
	return attempt, apperr.Wrapf(last, apperr.UploadExhausted, "upload failed after %d attempts", attempt).
		WithMetadata("attempts", strconv.Itoa(attempt))
}
