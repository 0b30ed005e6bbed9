package chunker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
)

// MessagesClient is the slice of the Anthropic SDK the contextualizer
// needs. *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// NewMessagesClient builds the real SDK client from an API key.
func NewMessagesClient(apiKey string) MessagesClient {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &client.Messages
}

const contextInstructions = `You will receive a chunk from the document above. Write a short context (2-3 sentences) that situates this chunk within the overall document for search retrieval. Answer with the context only, nothing else.`

// Contextualizer asks the model to situate one chunk inside the full
// document. The document rides in the system prefix with a cache marker so
// repeated calls for the same document hit the prompt cache.
type Contextualizer struct {
	client    MessagesClient
	model     string
	maxTokens int64
	log       *logrus.Entry
}

func NewContextualizer(client MessagesClient, model string, maxContextTokens int, logger *logrus.Logger) *Contextualizer {
	return &Contextualizer{
		client:    client,
		model:     model,
		maxTokens: int64(maxContextTokens),
		log:       logger.WithField("component", "contextualizer"),
	}
}

// Situate returns a short retrieval context for the chunk.
func (c *Contextualizer) Situate(ctx context.Context, title, docText, chunk string) (string, error) {
	system := []sdk.TextBlockParam{
		{
			Text:         fmt.Sprintf("<document title=%q>\n%s\n</document>\n\n%s", title, docText, contextInstructions),
			CacheControl: sdk.NewCacheControlEphemeralParam(),
		},
	}

	msg, err := c.client.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    system,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock("<chunk>\n" + chunk + "\n</chunk>")),
		},
	})
	if err != nil {
		return "", classifyAnthropicError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.log.WithFields(logrus.Fields{
		"cache_read_tokens":     msg.Usage.CacheReadInputTokens,
		"cache_creation_tokens": msg.Usage.CacheCreationInputTokens,
		"output_tokens":         msg.Usage.OutputTokens,
	}).Debug("Contextualized chunk")
	return strings.TrimSpace(sb.String()), nil
}

// classifyAnthropicError maps SDK errors onto the pipeline taxonomy,
// preserving the Retry-After header on 429s.
func classifyAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			retryAfter := 60 * time.Second
			if apiErr.Response != nil {
				if v := apiErr.Response.Header.Get("retry-after"); v != "" {
					if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
						retryAfter = time.Duration(secs) * time.Second
					}
				}
			}
			return common.NewRateLimitError(retryAfter, "model API rate limited")
		}
		return common.FromHTTPStatus(apiErr.StatusCode, apiErr.Error())
	}
	return common.Classify(err)
}
