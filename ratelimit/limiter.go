// Package ratelimit provides the cross-process rate governor. Every worker
// process shares one sliding window per provider, held in Redis sorted sets,
// so N processes observe one global request-per-minute and token-per-minute
// budget. The governor is advisory: callers loop with backoff and give up
// after a bounded number of attempts.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
)

const (
	// window is the sliding-window span.
	window = 60 * time.Second

	// keyTTL bounds memory when traffic stops; one second past the window.
	keyTTL = 61 * time.Second

	// maxAcquireAttempts bounds the caller wait loop.
	maxAcquireAttempts = 20

	// backoffCap bounds the exponential backoff between attempts.
	backoffCap = 30 * time.Second
)

// Limits holds the per-minute caps for one provider.
type Limits struct {
	RPM int
	TPM int
}

// Governor enforces sliding-window request and token limits per provider.
type Governor struct {
	client *redis.Client
	limits map[string]Limits
	log    *logrus.Entry

	// now is swappable for tests.
	now func() time.Time
}

// New creates a governor over an existing Redis client. limits maps provider
// name (lowercase) to its caps.
func New(client *redis.Client, limits map[string]Limits, logger *logrus.Logger) *Governor {
	return &Governor{
		client: client,
		limits: limits,
		log:    logger.WithField("component", "rate_governor"),
		now:    time.Now,
	}
}

func rpmKey(provider string) string {
	return fmt.Sprintf("rate_limit:%s:rpm", provider)
}

func tpmKey(provider string) string {
	return fmt.Sprintf("rate_limit:%s:tpm", provider)
}

// AcquireRequest tries to admit one request for the provider. When the
// window is full it returns false and the duration until the oldest entry
// leaves the window.
func (g *Governor) AcquireRequest(ctx context.Context, provider string) (bool, time.Duration, error) {
	limits, ok := g.limits[provider]
	if !ok {
		return false, 0, fmt.Errorf("no rate limits configured for provider %q", provider)
	}

	key := rpmKey(provider)
	now := g.now()

	if err := g.prune(ctx, key, now); err != nil {
		return false, 0, err
	}

	count, err := g.client.ZCard(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to count request window: %w", err)
	}

	if int(count) < limits.RPM {
		member := strconv.FormatInt(now.UnixNano(), 10)
		if err := g.insert(ctx, key, now, member); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}

	wait, err := g.oldestWait(ctx, key, now)
	if err != nil {
		return false, 0, err
	}
	return false, wait, nil
}

// AcquireTokens tries to reserve n tokens for the provider. On denial it
// returns the duration until enough window entries expire to admit n.
func (g *Governor) AcquireTokens(ctx context.Context, provider string, n int) (bool, time.Duration, error) {
	limits, ok := g.limits[provider]
	if !ok {
		return false, 0, fmt.Errorf("no rate limits configured for provider %q", provider)
	}
	if n > limits.TPM {
		return false, 0, common.NewValidationError(
			"requested %d tokens exceeds the per-minute cap of %d", n, limits.TPM)
	}

	key := tpmKey(provider)
	now := g.now()

	if err := g.prune(ctx, key, now); err != nil {
		return false, 0, err
	}

	entries, err := g.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to read token window: %w", err)
	}

	used := 0
	for _, entry := range entries {
		used += tokensOf(entry)
	}

	if used+n <= limits.TPM {
		member := fmt.Sprintf("%d:%d", now.UnixNano(), n)
		if err := g.insert(ctx, key, now, member); err != nil {
			return false, 0, err
		}
		return true, 0, nil
	}

	// Walk the window oldest-first until enough tokens would have expired.
	deficit := used + n - limits.TPM
	freed := 0
	wait := window
	for _, entry := range entries {
		freed += tokensOf(entry)
		if freed >= deficit {
			expiresAt := time.Unix(0, int64(entry.Score)).Add(window)
			wait = expiresAt.Sub(now)
			break
		}
	}
	if wait < 0 {
		wait = 0
	}
	return false, wait, nil
}

// WaitForRequest loops on AcquireRequest with exponential backoff and
// jitter. It fails after the bounded attempt count so a saturated window
// surfaces as a retryable error instead of an infinite wait.
func (g *Governor) WaitForRequest(ctx context.Context, provider string) error {
	return g.waitLoop(ctx, provider, func() (bool, time.Duration, error) {
		return g.AcquireRequest(ctx, provider)
	})
}

// WaitForTokens loops on AcquireTokens the same way.
func (g *Governor) WaitForTokens(ctx context.Context, provider string, n int) error {
	return g.waitLoop(ctx, provider, func() (bool, time.Duration, error) {
		return g.AcquireTokens(ctx, provider, n)
	})
}

func (g *Governor) waitLoop(ctx context.Context, provider string, acquire func() (bool, time.Duration, error)) error {
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		ok, hint, err := acquire()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		sleep := Backoff(attempt)
		if hint > sleep {
			sleep = hint
		}
		g.log.WithFields(logrus.Fields{
			"provider": provider,
			"attempt":  attempt + 1,
			"sleep":    sleep.String(),
		}).Debug("Rate window full, waiting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return common.NewRuntimeError("rate governor denied %s after %d attempts", provider, maxAcquireAttempts)
}

// Backoff returns the jittered exponential backoff for an attempt: base 2
// capped at 30s, multiplied by a factor in [0.8, 1.2].
func Backoff(attempt int) time.Duration {
	base := math.Min(math.Pow(2, float64(attempt)), backoffCap.Seconds())
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(base * jitter * float64(time.Second))
}

func (g *Governor) prune(ctx context.Context, key string, now time.Time) error {
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)
	if err := g.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return fmt.Errorf("failed to prune rate window: %w", err)
	}
	return nil
}

func (g *Governor) insert(ctx context.Context, key string, now time.Time, member string) error {
	err := g.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record rate window entry: %w", err)
	}
	if err := g.client.Expire(ctx, key, keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to expire rate window key: %w", err)
	}
	return nil
}

// oldestWait computes how long until the oldest window entry expires.
func (g *Governor) oldestWait(ctx context.Context, key string, now time.Time) (time.Duration, error) {
	oldest, err := g.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read oldest window entry: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	expiresAt := time.Unix(0, int64(oldest[0].Score)).Add(window)
	wait := expiresAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// tokensOf decodes the token count from a "<timestamp>:<tokens>" member.
func tokensOf(entry redis.Z) int {
	member, ok := entry.Member.(string)
	if !ok {
		return 0
	}
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return n
}
