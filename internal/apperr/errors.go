// Package apperr provides a coded error type shared by the transcoder,
// storage backends and the notification client.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies one failure kind.
type Code string

const (
	SourceNotFound         Code = "source_not_found"
	ToolUnavailable        Code = "tool_unavailable"
	ToolExecutionFailed    Code = "tool_execution_failed"
	MeasurementParseFailed Code = "measurement_parse_failed"
	NoCredentials          Code = "no_credentials"
	UploadExhausted        Code = "upload_exhausted"
	ClientError            Code = "client_error"
	PermissionDenied       Code = "permission_denied"
	CopyFailed             Code = "copy_failed"
	UnknownBackendType     Code = "unknown_backend_type"
	ConfigInvalid          Code = "config_invalid"
	TransportFailed        Code = "transport_failed"
	MetadataInvalid        Code = "metadata_invalid"
	NotifyFailed           Code = "notify_failed"
	Unknown                Code = "unknown"
)

// Class groups codes by how callers should react to them.
type Class string

const (
	ClassPrecondition       Class = "precondition"
	ClassToolExecution      Class = "tool_execution"
	ClassTransientTransport Class = "transient_transport"
	ClassPermissionOrConfig Class = "permission_or_config"
)

var classOf = map[Code]Class{
	SourceNotFound:         ClassPrecondition,
	ToolUnavailable:        ClassPrecondition,
	UnknownBackendType:     ClassPrecondition,
	MetadataInvalid:        ClassPrecondition,
	ToolExecutionFailed:    ClassToolExecution,
	MeasurementParseFailed: ClassToolExecution,
	TransportFailed:        ClassTransientTransport,
	UploadExhausted:        ClassTransientTransport,
	ClientError:            ClassTransientTransport,
	CopyFailed:             ClassTransientTransport,
	NotifyFailed:           ClassTransientTransport,
	NoCredentials:          ClassPermissionOrConfig,
	PermissionDenied:       ClassPermissionOrConfig,
	ConfigInvalid:          ClassPermissionOrConfig,
}

// Error is the base error type with a failure code and diagnostic metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
	// Permanent marks an otherwise retryable failure as not worth retrying.
	Permanent bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Metadata[k])
		}
		s += " (" + strings.Join(parts, " ") + ")"
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// Class reports which taxonomy bucket the code belongs to.
func (e *Error) Class() Class {
	if c, ok := classOf[e.Code]; ok {
		return c
	}
	return ClassPrecondition
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: err}
}

func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds one metadata pair and returns the receiver.
func (e *Error) WithMetadata(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// AsPermanent marks the error as not retryable regardless of its class.
func (e *Error) AsPermanent() *Error {
	e.Permanent = true
	return e
}

// CodeOf returns the code of the first *Error in the chain, or Unknown.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}

// IsCode checks if an error chain carries a specific code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is a transient transport failure.
// Errors outside this package are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		return true
	}
	if appErr.Permanent {
		return false
	}
	return appErr.Class() == ClassTransientTransport
}
