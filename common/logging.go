// Package common provides the logging infrastructure and the error taxonomy
// shared by every docpipe service. Log output is routed so that error-level
// messages go to stderr while everything else goes to stdout, which keeps
// stream separation intact in containerized deployments.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity marker. It operates on the final formatted output so it is
// compatible with both the text and JSON formatters.
type OutputSplitter struct{}

// Write sends error-level lines to stderr and everything else to stdout.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger instance. Services derive component
// loggers from it via WithField("component", ...).
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
