package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
)

// TranscriptionResult is what the speech service returns for one file.
type TranscriptionResult struct {
	Text            string  `json:"text"`
	DurationSeconds float64 `json:"duration"`
	Language        string  `json:"language,omitempty"`
}

// CostEstimate returns the estimated transcription cost in USD given a
// per-minute rate.
func (r TranscriptionResult) CostEstimate(ratePerMinute float64) float64 {
	if r.DurationSeconds <= 0 {
		return 0
	}
	return r.DurationSeconds / 60 * ratePerMinute
}

// Transcriber sends audio to the speech-to-text service.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (*TranscriptionResult, error)
}

// TranscriberConfig configures the HTTP transcription client.
type TranscriberConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Retries int
}

// HTTPTranscriber talks to a Whisper-compatible transcription endpoint.
type HTTPTranscriber struct {
	cfg    TranscriberConfig
	client *http.Client
	log    *logrus.Entry
}

var _ Transcriber = (*HTTPTranscriber)(nil)

func NewHTTPTranscriber(cfg TranscriberConfig, logger *logrus.Logger) *HTTPTranscriber {
	if cfg.Timeout == 0 {
		cfg.Timeout = 600 * time.Second
	}
	return &HTTPTranscriber{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.WithField("component", "transcriber"),
	}
}

// Transcribe uploads the audio and returns the transcript. Transient
// failures are retried up to the configured count before surfacing.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (*TranscriptionResult, error) {
	var lastErr error
	for attempt := 0; attempt <= t.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 5 * time.Second):
			}
			t.log.WithFields(logrus.Fields{"attempt": attempt, "file": filename}).
				Warn("Retrying transcription")
		}

		result, err := t.request(ctx, audio, filename)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !common.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (t *HTTPTranscriber) request(ctx context.Context, audio []byte, filename string) (*TranscriptionResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio payload: %w", err)
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("failed to write form field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, common.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, common.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("transcription service returned %d: %s", resp.StatusCode, msg))
	}

	var result TranscriptionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode transcription response: %w", err)
	}

	t.log.WithFields(logrus.Fields{
		"file":         filename,
		"duration_sec": result.DurationSeconds,
		"elapsed":      time.Since(start).Round(time.Millisecond).String(),
	}).Info("Transcription complete")
	return &result, nil
}
