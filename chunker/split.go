// Package chunker splits extracted text into overlapping chunks and asks
// an LLM to situate each chunk within the whole document. The document text
// rides in a cacheable system prefix so only the first request of a run
// pays full input cost.
package chunker

import (
	"regexp"
	"strings"
)

// Sizing knobs. Token counts are estimated at four characters per token,
// which is close enough for packing decisions.
const (
	TargetChunkTokens = 800
	OverlapTokens     = 100
	CharsPerToken     = 4
	TargetChunkChars  = TargetChunkTokens * CharsPerToken
	OverlapChars      = OverlapTokens * CharsPerToken
)

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// sentence is a span of the source text. Offsets index into the original
// string so chunk boundaries can be stored alongside the content.
type sentence struct {
	text  string
	start int
	end   int
}

// EstimateTokens approximates the token count of a string.
func EstimateTokens(s string) int {
	n := len(s) / CharsPerToken
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// splitSentences cuts text after terminal punctuation followed by
// whitespace. Text without terminal punctuation comes back as one sentence.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		// Cut right after the punctuation character, keeping it.
		end := loc[0] + 1
		seg := strings.TrimSpace(text[start:end])
		if seg != "" {
			out = append(out, sentence{text: seg, start: start, end: end})
		}
		start = loc[1]
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, sentence{text: tail, start: start, end: len(text)})
	}
	return out
}

// Span is a packed chunk before any LLM contextualization.
type Span struct {
	Content   string
	StartChar int
	EndChar   int
	Tokens    int
}

// Pack groups sentences into chunks of roughly TargetChunkTokens, carrying
// about OverlapTokens of trailing sentences into the next chunk so no
// thought is cut mid-context.
func Pack(text string) []Span {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var spans []Span
	i := 0
	for i < len(sentences) {
		chars := 0
		j := i
		for j < len(sentences) && (j == i || chars+len(sentences[j].text) <= TargetChunkChars) {
			chars += len(sentences[j].text) + 1
			j++
		}

		first, last := sentences[i], sentences[j-1]
		content := strings.TrimSpace(text[first.start:last.end])
		spans = append(spans, Span{
			Content:   content,
			StartChar: first.start,
			EndChar:   last.end,
			Tokens:    EstimateTokens(content),
		})

		if j >= len(sentences) {
			break
		}

		// Walk back over trailing sentences until roughly OverlapChars
		// are carried into the next chunk.
		overlap := 0
		next := j
		for next > i+1 && overlap < OverlapChars {
			next--
			overlap += len(sentences[next].text)
		}
		i = next
	}
	return spans
}
