package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClassify_Passthrough verifies already classified errors survive wrapping
func TestClassify_Passthrough(t *testing.T) {
	orig := NewValueError("video has no audio track")
	wrapped := fmt.Errorf("extraction failed: %w", orig)

	perr := Classify(wrapped)
	require.NotNil(t, perr)
	assert.Equal(t, ErrNameValue, perr.Name)
	assert.False(t, IsRetryable(wrapped))
}

// TestClassify_Builtin verifies mapping of stdlib error shapes
func TestClassify_Builtin(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantName  string
		retryable bool
	}{
		{
			name:      "DeadlineExceeded",
			err:       context.DeadlineExceeded,
			wantName:  ErrNameTimeout,
			retryable: true,
		},
		{
			name:      "NetTimeout",
			err:       &net.DNSError{Err: "i/o timeout", IsTimeout: true},
			wantName:  ErrNameTimeout,
			retryable: true,
		},
		{
			name:      "NetConnection",
			err:       &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			wantName:  ErrNameConnection,
			retryable: true,
		},
		{
			name:      "Unknown",
			err:       errors.New("something odd"),
			wantName:  ErrNameRuntime,
			retryable: true,
		},
		{
			name:      "FileMissing",
			err:       NewFileNotFoundError("no such object: %s", "raw_documents/x.pdf"),
			wantName:  ErrNameFileNotFound,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := Classify(tt.err)
			require.NotNil(t, perr)
			assert.Equal(t, tt.wantName, perr.Name)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

// TestFromHTTPStatus verifies the status-code mapping rules
func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantName  string
		retryable bool
	}{
		{400, ErrNameValidation, false},
		{401, ErrNameAuthentication, false},
		{403, ErrNamePermissionDenied, false},
		{404, ErrNameFileNotFound, false},
		{422, ErrNameValidation, false},
		{429, ErrNameRateLimit, true},
		{500, ErrNameServiceUnavailable, true},
		{503, ErrNameServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("Status%d", tt.status), func(t *testing.T) {
			perr := FromHTTPStatus(tt.status, "upstream said no")
			assert.Equal(t, tt.wantName, perr.Name)
			assert.Equal(t, tt.retryable, IsRetryable(perr))
		})
	}
}

// TestRetryAfterHint verifies the provider hint round-trips through Classify
func TestRetryAfterHint(t *testing.T) {
	err := NewRateLimitError(7*time.Second, "429 from provider")
	wrapped := fmt.Errorf("chunk context request: %w", err)

	assert.Equal(t, 7*time.Second, RetryAfterHint(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, ErrNameRateLimit, ErrorName(wrapped))
}

// TestRetryAfterHint_None verifies a zero hint for unhinted errors
func TestRetryAfterHint_None(t *testing.T) {
	assert.Equal(t, time.Duration(0), RetryAfterHint(os.ErrClosed))
	assert.Equal(t, time.Duration(0), RetryAfterHint(nil))
}

// TestPartialIngestError verifies the compensation error shape
func TestPartialIngestError(t *testing.T) {
	err := NewPartialIngestError(4, 6)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrNamePartialIngest, err.Name)
	assert.Contains(t, err.Error(), "4 episodes succeeded")
}
