// Package extract turns raw document bytes into plain text. Dispatch is by
// MIME type: audio goes to transcription, video has its audio track pulled
// out first, documents and subtitles are parsed directly.
package extract

import (
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/graphworks/docpipe/common"
)

// Kind classifies a MIME type for dispatch.
type Kind int

const (
	KindUnknown Kind = iota
	KindAudio
	KindVideo
	KindDocument
	KindSubtitle
)

// MIME types with special handling.
const (
	MimeGoogleDoc = "application/vnd.google-apps.document"
	MimeDocx      = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeDoc       = "application/msword"
	MimePDF       = "application/pdf"
	MimePlain     = "text/plain"
	MimeVTT       = "text/vtt"
	MimeSRT       = "application/x-subrip"
)

// Size caps per kind. Oversized inputs fail without retry.
const (
	MaxMediaBytes    = 1200 * 1024 * 1024
	MaxDocumentBytes = 50 * 1024 * 1024
)

var audioTypes = map[string]bool{
	"audio/mpeg": true,
	"audio/mp4":  true,
	"audio/wav":  true,
	"audio/flac": true,
	"audio/ogg":  true,
	"audio/opus": true,
}

var videoTypes = map[string]bool{
	"video/mp4":        true,
	"video/quicktime":  true,
	"video/x-msvideo":  true,
	"video/x-matroska": true,
	"video/webm":       true,
	"video/mpeg":       true,
}

var documentTypes = map[string]bool{
	MimePDF:       true,
	MimeDocx:      true,
	MimeDoc:       true,
	MimePlain:     true,
	MimeGoogleDoc: true,
}

var subtitleTypes = map[string]bool{
	MimeVTT: true,
	MimeSRT: true,
}

// extensions maps MIME types to the extension used for raw object keys.
var extensions = map[string]string{
	"audio/mpeg":       "mp3",
	"audio/mp4":        "m4a",
	"audio/wav":        "wav",
	"audio/flac":       "flac",
	"audio/ogg":        "ogg",
	"audio/opus":       "opus",
	"video/mp4":        "mp4",
	"video/quicktime":  "mov",
	"video/x-msvideo":  "avi",
	"video/x-matroska": "mkv",
	"video/webm":       "webm",
	"video/mpeg":       "mpeg",
	MimePDF:            "pdf",
	MimeDocx:           "docx",
	MimeDoc:            "doc",
	MimePlain:          "txt",
	MimeGoogleDoc:      "docx",
	MimeVTT:            "vtt",
	MimeSRT:            "srt",
}

// KindOf classifies a MIME type. Parameters after ";" are ignored.
func KindOf(mimeType string) Kind {
	mt := normalize(mimeType)
	switch {
	case audioTypes[mt]:
		return KindAudio
	case videoTypes[mt]:
		return KindVideo
	case documentTypes[mt]:
		return KindDocument
	case subtitleTypes[mt]:
		return KindSubtitle
	default:
		return KindUnknown
	}
}

// Supported reports whether the pipeline can extract this MIME type.
func Supported(mimeType string) bool {
	return KindOf(mimeType) != KindUnknown
}

// Extension returns the raw-object extension for a MIME type, defaulting
// to "bin" for anything unrecognized.
func Extension(mimeType string) string {
	if ext, ok := extensions[normalize(mimeType)]; ok {
		return ext
	}
	return "bin"
}

// SizeLimit returns the byte cap for a MIME type.
func SizeLimit(mimeType string) int64 {
	switch KindOf(mimeType) {
	case KindAudio, KindVideo:
		return MaxMediaBytes
	default:
		return MaxDocumentBytes
	}
}

// CheckSize validates a payload size against the cap for its MIME type.
func CheckSize(mimeType string, size int64) error {
	limit := SizeLimit(mimeType)
	if size > limit {
		return common.NewValidationError("file size %s exceeds limit %s for %s",
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limit)), mimeType)
	}
	return nil
}

func normalize(mimeType string) string {
	mt := mimeType
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
