package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Error names used across the pipeline. Phase rows persist these in
// error_type, and the retry policy classifies on them.
const (
	ErrNameValidation         = "ValidationError"
	ErrNameValue              = "ValueError"
	ErrNameFileNotFound       = "FileNotFoundError"
	ErrNameInvalidFileFormat  = "InvalidFileFormat"
	ErrNameAuthentication     = "AuthenticationError"
	ErrNamePermissionDenied   = "PermissionDenied"
	ErrNameConnection         = "ConnectionError"
	ErrNameTimeout            = "TimeoutError"
	ErrNameRateLimit          = "RateLimitError"
	ErrNameServiceUnavailable = "ServiceUnavailable"
	ErrNamePartialIngest      = "PartialIngestError"
	ErrNameRuntime            = "RuntimeError"
	ErrNameTenantMismatch     = "TenantMismatch"
)

// nonRetryableNames is the closed set of error names that must never be
// retried regardless of how often the phase has run.
var nonRetryableNames = map[string]bool{
	ErrNameValidation:        true,
	ErrNameValue:             true,
	ErrNameFileNotFound:      true,
	ErrNameInvalidFileFormat: true,
	ErrNameAuthentication:    true,
	ErrNamePermissionDenied:  true,
	ErrNameTenantMismatch:    true,
}

// PipelineError is the reified error carried between handlers, the retry
// policy and the phase rows. Name matches one of the ErrName constants,
// RetryAfter is an optional provider hint that overrides the retry delay.
type PipelineError struct {
	Name       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

func (e *PipelineError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Name
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewValidationError reports bad input on the submission or handler path.
func NewValidationError(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Name: ErrNameValidation, Message: fmt.Sprintf(format, args...)}
}

// NewValueError reports a non-retryable processing failure such as a video
// without an audio track or a corrupted download.
func NewValueError(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Name: ErrNameValue, Message: fmt.Sprintf(format, args...)}
}

// NewFileNotFoundError reports a missing artifact in the object store or at
// the source of origin.
func NewFileNotFoundError(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Name: ErrNameFileNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidFormatError reports an unsupported or unparseable file format.
func NewInvalidFormatError(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Name: ErrNameInvalidFileFormat, Message: fmt.Sprintf(format, args...)}
}

// NewAuthenticationError reports a missing or rejected credential, such as
// an absent OAuth token row for the origin adapter.
func NewAuthenticationError(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Name: ErrNameAuthentication, Message: fmt.Sprintf(format, args...)}
}

// NewTenantMismatchError reports an operation whose tenant does not own the
// targeted document.
func NewTenantMismatchError(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Name: ErrNameTenantMismatch, Message: fmt.Sprintf(format, args...)}
}

// NewRateLimitError reports a provider 429 or a governor denial. retryAfter
// may be zero when the provider gave no hint.
func NewRateLimitError(retryAfter time.Duration, format string, args ...interface{}) *PipelineError {
	return &PipelineError{
		Name:       ErrNameRateLimit,
		Message:    fmt.Sprintf(format, args...),
		Retryable:  true,
		RetryAfter: retryAfter,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewPartialIngestError reports a compensated partial failure in the graph
// ingest phase. Always retryable; the retry re-processes every chunk.
func NewPartialIngestError(succeeded, failed int) *PipelineError {
	return &PipelineError{
		Name:      ErrNamePartialIngest,
		Message:   fmt.Sprintf("%d episodes succeeded, %d failed; compensation applied", succeeded, failed),
		Retryable: true,
	}
}

// NewRuntimeError reports an internal failure with no better classification.
// Unknown failures default to retryable.
func NewRuntimeError(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Name: ErrNameRuntime, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// FromHTTPStatus maps an HTTP response status onto the taxonomy: 429 is a
// rate limit, other 4xx are non-retryable, 5xx are retryable.
func FromHTTPStatus(status int, message string) *PipelineError {
	switch {
	case status == http.StatusTooManyRequests:
		return &PipelineError{
			Name:       ErrNameRateLimit,
			Message:    message,
			Retryable:  true,
			StatusCode: status,
		}
	case status == http.StatusUnauthorized:
		return &PipelineError{Name: ErrNameAuthentication, Message: message, StatusCode: status}
	case status == http.StatusForbidden:
		return &PipelineError{Name: ErrNamePermissionDenied, Message: message, StatusCode: status}
	case status == http.StatusNotFound:
		return &PipelineError{Name: ErrNameFileNotFound, Message: message, StatusCode: status}
	case status >= 400 && status < 500:
		return &PipelineError{Name: ErrNameValidation, Message: message, StatusCode: status}
	default:
		return &PipelineError{
			Name:       ErrNameServiceUnavailable,
			Message:    message,
			Retryable:  true,
			StatusCode: status,
		}
	}
}

// Classify normalizes an arbitrary error into a PipelineError. Already
// classified errors pass through; network timeouts and context deadlines
// become TimeoutError; everything unknown is a retryable RuntimeError.
func Classify(err error) *PipelineError {
	if err == nil {
		return nil
	}

	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &PipelineError{Name: ErrNameTimeout, Message: err.Error(), Retryable: true, Err: err}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		name := ErrNameConnection
		if nerr.Timeout() {
			name = ErrNameTimeout
		}
		return &PipelineError{Name: name, Message: err.Error(), Retryable: true, Err: err}
	}

	return &PipelineError{Name: ErrNameRuntime, Message: err.Error(), Retryable: true, Err: err}
}

// IsRetryable reports whether the error may be retried under the phase
// retry policy. Names on the non-retryable list always win.
func IsRetryable(err error) bool {
	perr := Classify(err)
	if perr == nil {
		return false
	}
	if nonRetryableNames[perr.Name] {
		return false
	}
	if perr.StatusCode >= 400 && perr.StatusCode < 500 && perr.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return true
}

// RetryAfterHint returns the provider-supplied retry delay, or zero.
func RetryAfterHint(err error) time.Duration {
	if perr := Classify(err); perr != nil {
		return perr.RetryAfter
	}
	return 0
}

// ErrorName returns the taxonomy name for an error, suitable for the
// error_type column on a phase row.
func ErrorName(err error) string {
	if perr := Classify(err); perr != nil {
		return perr.Name
	}
	return ""
}
