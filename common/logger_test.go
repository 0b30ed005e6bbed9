package common

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewLogger_ServiceField verifies the configured service name is stamped
// on every entry.
func TestNewLogger_ServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: LogLevelInfo, Format: "json", Service: "worker"})
	logger.SetOutput(&buf)

	logger.Info("pool started")

	assert.Contains(t, buf.String(), `"service":"worker"`)
}

func TestNewLogger_NoServiceHookWhenUnset(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: LogLevelInfo, Format: "json"})
	logger.SetOutput(&buf)

	logger.Info("pool started")

	assert.NotContains(t, buf.String(), `"service"`)
}

func TestPhaseFields(t *testing.T) {
	fields := PhaseFields("job-1", "doc-1", "chunking", "tenant-a")

	require.Len(t, fields, 4)
	assert.Equal(t, "job-1", fields["job_id"])
	assert.Equal(t, "doc-1", fields["document_id"])
	assert.Equal(t, "chunking", fields["phase"])
	assert.Equal(t, "tenant-a", fields["tenant_id"])
}

func TestLogDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	done := LogDuration(logger.WithField("document_id", "doc-1"), "text extraction")
	done()

	out := buf.String()
	assert.Contains(t, out, `"operation":"text extraction"`)
	assert.Contains(t, out, `"duration_ms"`)
	assert.Contains(t, out, "Operation completed")
}
