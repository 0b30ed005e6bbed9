package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/graphworks/docpipe/common"
)

// PDF extraction loses spaces at glyph boundaries. These patterns restore
// the most common cases.
var (
	lowerUpper   = regexp.MustCompile(`([a-z])([A-Z])`)
	punctCapital = regexp.MustCompile(`([.!?,;:])([A-Z])`)
	letterDigit  = regexp.MustCompile(`([a-zA-Z])([0-9])`)
	digitLetter  = regexp.MustCompile(`([0-9])([a-zA-Z])`)

	multiBlank = regexp.MustCompile(`\n{3,}`)
	srtIndex   = regexp.MustCompile(`^\d+$`)
	cueTiming  = regexp.MustCompile(`-->`)
	vttTag     = regexp.MustCompile(`<[^>]+>`)
)

// FixPDFSpacing reinserts spaces that PDF text extraction tends to drop:
// caseTransitions, capitals glued to punctuation and letter/digit seams.
func FixPDFSpacing(text string) string {
	text = lowerUpper.ReplaceAllString(text, "$1 $2")
	text = punctCapital.ReplaceAllString(text, "$1 $2")
	text = letterDigit.ReplaceAllString(text, "$1 $2")
	text = digitLetter.ReplaceAllString(text, "$1 $2")
	return text
}

// NormalizeText trims trailing whitespace per line and collapses runs of
// blank lines so paragraph structure survives without padding.
func NormalizeText(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Join(lines, "\n")
	out = multiBlank.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// StripSubtitles removes cue indices, timestamps and markup from VTT and
// SRT content, leaving only the spoken text.
func StripSubtitles(content string) string {
	var out []string
	var prev string
	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "WEBVTT"):
			continue
		case strings.HasPrefix(line, "NOTE"):
			continue
		case strings.HasPrefix(line, "STYLE"):
			continue
		case srtIndex.MatchString(line):
			continue
		case cueTiming.MatchString(line):
			continue
		}
		line = vttTag.ReplaceAllString(line, "")
		if line == "" || line == prev {
			continue
		}
		out = append(out, line)
		prev = line
	}
	return strings.Join(out, "\n")
}

// ExtractPDF pulls plain text from PDF bytes and repairs spacing.
func ExtractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", common.NewInvalidFormatError("failed to parse PDF: %v", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	return NormalizeText(FixPDFSpacing(sb.String())), nil
}

// docxBody mirrors the parts of word/document.xml we care about. Paragraphs
// become newlines, runs inside a paragraph concatenate.
type docxBody struct {
	Paragraphs []struct {
		Runs []struct {
			Text []struct {
				Value string `xml:",chardata"`
			} `xml:"t"`
		} `xml:"r"`
	} `xml:"body>p"`
}

// ExtractDocx pulls plain text from DOCX bytes. Legacy binary .doc files
// that are not really zip archives are rejected as InvalidFileFormat.
func ExtractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", common.NewInvalidFormatError("not a DOCX archive: %v", err)
	}

	var docXML []byte
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return "", fmt.Errorf("failed to open document.xml: %w", err)
			}
			docXML, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return "", fmt.Errorf("failed to read document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return "", common.NewInvalidFormatError("DOCX archive has no word/document.xml")
	}

	var body docxBody
	if err := xml.Unmarshal(docXML, &body); err != nil {
		return "", common.NewInvalidFormatError("failed to parse document.xml: %v", err)
	}

	var sb strings.Builder
	for _, p := range body.Paragraphs {
		for _, r := range p.Runs {
			for _, t := range r.Text {
				sb.WriteString(t.Value)
			}
		}
		sb.WriteString("\n")
	}
	return NormalizeText(sb.String()), nil
}

// ExtractDocument dispatches document bytes by MIME type.
func ExtractDocument(mimeType string, data []byte) (string, error) {
	switch normalize(mimeType) {
	case MimePDF:
		return ExtractPDF(data)
	case MimeDocx, MimeGoogleDoc:
		return ExtractDocx(data)
	case MimeDoc:
		// Modern exporters frequently label DOCX content as msword.
		text, err := ExtractDocx(data)
		if err != nil {
			return "", common.NewInvalidFormatError("legacy .doc is not supported, convert to .docx")
		}
		return text, nil
	case MimePlain:
		return NormalizeText(string(data)), nil
	case MimeVTT, MimeSRT:
		return StripSubtitles(string(data)), nil
	default:
		return "", common.NewInvalidFormatError("unsupported document type %s", mimeType)
	}
}
