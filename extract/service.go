package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/storage"
)

// Result is the outcome of one extraction run.
type Result struct {
	// TextLocation is the object key the extracted text was written to.
	// Empty when the extraction produced no text.
	TextLocation string
	// Empty reports that the source had no extractable content. The
	// pipeline completes the job early instead of chunking nothing.
	Empty bool
	// Metadata is merged into the phase row on completion.
	Metadata db.JSONMap
}

// Service extracts plain text from raw document bytes already present in
// the object store.
type Service struct {
	store       storage.ObjectStore
	transcriber Transcriber
	audio       AudioExtractor
	ratePerMin  float64
	log         *logrus.Entry
}

func NewService(store storage.ObjectStore, transcriber Transcriber, audio AudioExtractor, ratePerMinute float64, logger *logrus.Logger) *Service {
	return &Service{
		store:       store,
		transcriber: transcriber,
		audio:       audio,
		ratePerMin:  ratePerMinute,
		log:         logger.WithField("component", "extractor"),
	}
}

// Extract reads the raw object, produces text for the document's MIME type
// and writes it to the extracted-text location.
func (s *Service) Extract(ctx context.Context, documentID, mimeType, rawLocation string) (*Result, error) {
	raw, err := s.store.Get(ctx, rawLocation)
	if err != nil {
		return nil, err
	}
	return s.extract(ctx, documentID, mimeType, storage.ExtFromKey(rawLocation), raw)
}

// ExtractBytes extracts from raw bytes held in memory, for callers that
// just downloaded the source and have not persisted it yet.
func (s *Service) ExtractBytes(ctx context.Context, documentID, mimeType string, raw []byte) (*Result, error) {
	return s.extract(ctx, documentID, mimeType, Extension(mimeType), raw)
}

func (s *Service) extract(ctx context.Context, documentID, mimeType, ext string, raw []byte) (*Result, error) {
	if err := CheckSize(mimeType, int64(len(raw))); err != nil {
		return nil, err
	}
	defer common.LogDuration(s.log.WithField("document_id", documentID), "text extraction")()

	meta := db.JSONMap{}
	var text string
	var err error

	switch KindOf(mimeType) {
	case KindAudio:
		text, err = s.transcribe(ctx, raw, documentID, ext, meta)
	case KindVideo:
		var audio []byte
		audio, err = s.audio.ExtractAudio(ctx, raw, ext)
		if err == nil {
			meta["audio_bytes"] = len(audio)
			text, err = s.transcribe(ctx, audio, documentID, "mp3", meta)
		}
	case KindDocument, KindSubtitle:
		text, err = ExtractDocument(mimeType, raw)
	default:
		return nil, common.NewInvalidFormatError("unsupported MIME type %s", mimeType)
	}
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		s.log.WithField("document_id", documentID).Warn("Extraction produced no text")
		meta["empty_extraction"] = true
		return &Result{Empty: true, Metadata: meta}, nil
	}

	key := storage.TextKey(documentID)
	if err := s.store.Put(ctx, key, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return nil, err
	}

	meta["text_chars"] = len(text)
	s.log.WithFields(logrus.Fields{
		"document_id": documentID,
		"mime_type":   mimeType,
		"text_chars":  len(text),
	}).Info("Extraction complete")
	return &Result{TextLocation: key, Metadata: meta}, nil
}

func (s *Service) transcribe(ctx context.Context, audio []byte, documentID, ext string, meta db.JSONMap) (string, error) {
	if s.transcriber == nil {
		return "", fmt.Errorf("no transcription service configured")
	}
	result, err := s.transcriber.Transcribe(ctx, audio, documentID+"."+ext)
	if err != nil {
		return "", err
	}
	meta["duration_seconds"] = result.DurationSeconds
	meta["transcription_cost_usd"] = result.CostEstimate(s.ratePerMin)
	if result.Language != "" {
		meta["language"] = result.Language
	}
	return result.Text, nil
}
