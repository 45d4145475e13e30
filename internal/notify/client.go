// Package notify submits call metadata to rdio-scanner style upload
// endpoints.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"call-archiver/internal/apperr"
	"call-archiver/internal/callmeta"
	"call-archiver/internal/config"
	"call-archiver/internal/types"
)

const (
	requestTimeout = 12 * time.Second
	maxElapsed     = 12 * time.Second
)

// Client posts metadata-only call uploads.
type Client struct {
	secure     *http.Client
	insecure   *http.Client
	newBackOff func() backoff.BackOff
	log        *logrus.Entry
}

func New(log *logrus.Entry) *Client {
	return &Client{
		secure: &http.Client{Timeout: requestTimeout},
		insecure: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = maxElapsed
			return bo
		},
		log: log.WithField("component", "notify"),
	}
}

// Upload sends key, audioUrl, system and the JSON document as meta.
// 4xx responses fail immediately; 5xx and transport errors are retried
// until the backoff gives up.
func (c *Client) Upload(ctx context.Context, sys config.RdioSystem, call types.CallRecord) error {
	log := c.log.WithField("url", sys.URL)
	log.Info("uploading call to trunk-recorder endpoint")

	body, contentType, err := buildForm(sys, call)
	if err != nil {
		return apperr.Wrap(err, apperr.NotifyFailed, "encode upload form").AsPermanent()
	}

	httpClient := c.insecure
	if sys.VerifyTLS {
		httpClient = c.secure
	}

	var lastErr error
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sys.URL, bytes.NewReader(body))
		if err != nil {
			lastErr = apperr.Wrapf(err, apperr.NotifyFailed, "build request for %s", sys.URL).AsPermanent()
			return backoff.Permanent(lastErr)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = apperr.Wrapf(err, apperr.NotifyFailed, "request error while uploading to %s", sys.URL)
			if ctx.Err() != nil {
				return backoff.Permanent(lastErr)
			}
			return lastErr
		}
		defer resp.Body.Close()
		text, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode >= 500:
			lastErr = statusError(sys.URL, resp.StatusCode, text)
			return lastErr
		case resp.StatusCode >= 400:
			lastErr = statusError(sys.URL, resp.StatusCode, text).AsPermanent()
			return backoff.Permanent(lastErr)
		}

		log.WithFields(logrus.Fields{"status": resp.StatusCode, "response": string(text)}).
			Info("successfully uploaded metadata")
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		if lastErr == nil {
			lastErr = apperr.Wrap(err, apperr.NotifyFailed, "upload cancelled")
		}
		return lastErr
	}
	return nil
}

func statusError(url string, status int, body []byte) *apperr.Error {
	return apperr.Newf(apperr.NotifyFailed, "HTTP error while uploading to %s: %s", url, string(body)).
		WithMetadata("status", strconv.Itoa(status))
}

func buildForm(sys config.RdioSystem, call types.CallRecord) ([]byte, string, error) {
	meta, err := json.Marshal(call)
	if err != nil {
		return nil, "", fmt.Errorf("marshal call metadata: %w", err)
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fields := []struct{ name, value string }{
		{"key", sys.APIKey},
		{"audioUrl", callmeta.AudioURL(call)},
		{"system", sys.SystemID},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="meta"`)
	h.Set("Content-Type", "application/json")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(meta); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return b.Bytes(), w.FormDataContentType(), nil
}
