package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"call-archiver/internal/apperr"
	"call-archiver/internal/config"
	"call-archiver/internal/logger"
	"call-archiver/internal/types"
)

func newTestClient() *Client {
	c := New(logger.Discard().Entry)
	c.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
	return c
}

// TestUploadSendsMultipartFields checks every form part.
func TestUploadSendsMultipartFields(t *testing.T) {
	var got struct {
		key, audioURL, system, metaType string
		meta                            map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("multipart reader: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("next part: %v", err)
				return
			}
			body, _ := io.ReadAll(part)
			switch part.FormName() {
			case "key":
				got.key = string(body)
			case "audioUrl":
				got.audioURL = string(body)
			case "system":
				got.system = string(body)
			case "meta":
				got.metaType = part.Header.Get("Content-Type")
				_ = json.Unmarshal(body, &got.meta)
			}
		}
		_, _ = io.WriteString(w, "Call imported successfully.")
	}))
	defer srv.Close()

	call := types.CallRecord{"audio_url": "https://x.test/a.m4a", "talkgroup": 100, "short_name": "metro"}
	sys := config.RdioSystem{Enabled: true, URL: srv.URL + "/api/call-upload", APIKey: "k1", SystemID: "7"}

	if err := newTestClient().Upload(context.Background(), sys, call); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if got.key != "k1" || got.audioURL != "https://x.test/a.m4a" || got.system != "7" {
		t.Fatalf("fields = %+v", got)
	}
	if got.metaType != "application/json" || got.meta["short_name"] != "metro" {
		t.Fatalf("meta part = %q %v", got.metaType, got.meta)
	}
}

// TestUploadRetriesServerErrors retries 5xx until the endpoint recovers.
func TestUploadRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient().Upload(context.Background(), config.RdioSystem{URL: srv.URL}, types.CallRecord{})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("hits = %d, want 3", hits)
	}
}

// TestUploadClientErrorIsPermanent does not retry 4xx.
func TestUploadClientErrorIsPermanent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestClient().Upload(context.Background(), config.RdioSystem{URL: srv.URL, APIKey: "bad"}, types.CallRecord{})
	if !apperr.IsCode(err, apperr.NotifyFailed) {
		t.Fatalf("err = %v, want notify_failed", err)
	}
	if !strings.Contains(err.Error(), "Invalid API key") || !strings.Contains(err.Error(), "status=401") {
		t.Fatalf("error should carry status and body: %v", err)
	}
	if apperr.IsRetryable(err) {
		t.Fatal("4xx should be permanent")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
}

// TestUploadExhaustsOnServerErrors returns the last failure.
func TestUploadExhaustsOnServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient().Upload(context.Background(), config.RdioSystem{URL: srv.URL}, types.CallRecord{})
	if !apperr.IsCode(err, apperr.NotifyFailed) {
		t.Fatalf("err = %v, want notify_failed", err)
	}
	if atomic.LoadInt32(&hits) != 4 {
		t.Fatalf("hits = %d, want 4", hits)
	}
}

// TestUploadSkipsTLSVerificationByDefault accepts self-signed endpoints.
func TestUploadSkipsTLSVerificationByDefault(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient()
	if err := c.Upload(context.Background(), config.RdioSystem{URL: srv.URL}, types.CallRecord{}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	c.newBackOff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	err := c.Upload(context.Background(), config.RdioSystem{URL: srv.URL, VerifyTLS: true}, types.CallRecord{})
	if err == nil {
		t.Fatal("verify_tls should reject the self-signed certificate")
	}
}
