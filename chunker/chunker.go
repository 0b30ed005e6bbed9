package chunker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
)

// Wave pacing. Requests within a wave start staggered, waves are separated
// by a pause so the provider sees a smooth request curve.
const (
	intraWaveStagger = 250 * time.Millisecond
	interWavePause   = 2 * time.Second
	maxWaveRetries   = 10

	// Rough per-request prompt overhead on top of the chunk itself.
	promptOverheadTokens = 256
)

// RateGovernor is the slice of the rate limiter the chunker needs.
type RateGovernor interface {
	WaitForRequest(ctx context.Context, provider string) error
	WaitForTokens(ctx context.Context, provider string, tokens int) error
}

// Chunker packs text into spans and contextualizes each one.
type Chunker struct {
	contextualizer *Contextualizer
	governor       RateGovernor
	provider       string
	maxConcurrent  int
	log            *logrus.Entry

	// sleep is swappable in tests so wave pacing doesn't slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(contextualizer *Contextualizer, governor RateGovernor, provider string, maxConcurrent int, logger *logrus.Logger) *Chunker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Chunker{
		contextualizer: contextualizer,
		governor:       governor,
		provider:       provider,
		maxConcurrent:  maxConcurrent,
		log:            logger.WithField("component", "chunker"),
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Chunk splits the document text and returns chunk rows ready for insert.
// A document that fits in a single chunk skips the model entirely and uses
// the title as its context. Otherwise the first chunk runs alone so its
// request writes the prompt cache, then the rest run in waves.
func (c *Chunker) Chunk(ctx context.Context, documentID, title, text string) ([]db.DocumentChunk, error) {
	spans := Pack(text)
	if len(spans) == 0 {
		return nil, nil
	}

	chunks := make([]db.DocumentChunk, len(spans))
	for i, sp := range spans {
		chunks[i] = db.DocumentChunk{
			DocumentID: documentID,
			ChunkIndex: i,
			Content:    sp.Content,
			TokenCount: sp.Tokens,
			StartChar:  sp.StartChar,
			EndChar:    sp.EndChar,
		}
	}

	if len(spans) == 1 {
		chunks[0].Context = title
		return chunks, nil
	}

	docTokens := EstimateTokens(text)
	waveRetries := 0

	// Wave boundaries: [0,1) warms the cache, then maxConcurrent at a time.
	start := 0
	for start < len(chunks) {
		end := start + c.maxConcurrent
		if start == 0 {
			end = 1
		}
		if end > len(chunks) {
			end = len(chunks)
		}

		err := c.runWave(ctx, title, text, docTokens, chunks[start:end], start == 0)
		if err != nil {
			if common.ErrorName(err) == common.ErrNameRateLimit {
				waveRetries++
				if waveRetries > maxWaveRetries {
					return nil, common.NewRateLimitError(0,
						"chunking gave up after %d rate-limited wave retries", maxWaveRetries)
				}
				pause := common.RetryAfterHint(err)
				if pause <= 0 {
					pause = 60 * time.Second
				}
				c.log.WithFields(logrus.Fields{
					"document_id": documentID,
					"pause":       pause.String(),
					"retry":       waveRetries,
				}).Warn("Wave rate limited, pausing")
				if serr := c.sleep(ctx, pause); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, err
		}

		start = end
		if start < len(chunks) {
			if err := c.sleep(ctx, interWavePause); err != nil {
				return nil, err
			}
		}
	}

	c.log.WithFields(logrus.Fields{
		"document_id": documentID,
		"chunks":      len(chunks),
	}).Info("Chunking complete")
	return chunks, nil
}

// runWave contextualizes a slice of chunks concurrently. A rate-limit error
// from any request fails the whole wave so it can be retried in full; other
// errors surface as-is, preferring non-retryable ones.
func (c *Chunker) runWave(ctx context.Context, title, text string, docTokens int, wave []db.DocumentChunk, first bool) error {
	var wg sync.WaitGroup
	errs := make([]error, len(wave))

	for i := range wave {
		reserve := wave[i].TokenCount + promptOverheadTokens
		if first {
			reserve += docTokens
		}

		if err := c.sleep(ctx, time.Duration(i)*intraWaveStagger); err != nil {
			return err
		}
		if err := c.governor.WaitForTokens(ctx, c.provider, reserve); err != nil {
			return err
		}
		if err := c.governor.WaitForRequest(ctx, c.provider); err != nil {
			return err
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := c.contextualizer.Situate(ctx, title, text, wave[i].Content)
			if err != nil {
				errs[i] = err
				return
			}
			wave[i].Context = result
		}(i)
	}
	wg.Wait()

	var rateLimited error
	var retryable error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if common.ErrorName(err) == common.ErrNameRateLimit {
			rateLimited = err
			continue
		}
		if !common.IsRetryable(err) {
			return err
		}
		retryable = err
	}
	if rateLimited != nil {
		return rateLimited
	}
	return retryable
}
