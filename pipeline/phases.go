// Package pipeline holds the phase topology, the retry policy and the
// coordinator that moves documents through ingestion, extraction, chunking
// and knowledge-graph ingest.
package pipeline

import (
	"time"

	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/queue"
)

// Base execution times per phase. Expected completion adds the worst-case
// retry budget plus a safety buffer on top, so the reaper only fires on
// phases that are truly stuck.
const (
	BaseExtractionTime = 600 * time.Second
	BaseChunkingTime   = 300 * time.Second
	BaseKGIngestTime   = 1200 * time.Second

	completionBuffer = 300 * time.Second
)

// RetryDelays is the backoff schedule between attempts of one phase.
var RetryDelays = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// MaxRetries is how many times a failed phase is requeued before the job
// gives up.
const MaxRetries = 3

// Progress checkpoints reported when a job enters each phase.
var phaseProgress = map[string]int{
	db.PhaseIngestion:  0,
	db.PhaseExtraction: 25,
	db.PhaseChunking:   50,
	db.PhaseKGIngest:   75,
	db.PhaseCompleted:  100,
}

var nextPhase = map[string]string{
	db.PhaseIngestion:  db.PhaseExtraction,
	db.PhaseExtraction: db.PhaseChunking,
	db.PhaseChunking:   db.PhaseKGIngest,
	db.PhaseKGIngest:   db.PhaseCompleted,
}

var phaseQueue = map[string]string{
	db.PhaseExtraction: queue.QueueExtraction,
	db.PhaseChunking:   queue.QueueChunking,
	db.PhaseKGIngest:   queue.QueueKGIngest,
}

var baseTime = map[string]time.Duration{
	db.PhaseExtraction: BaseExtractionTime,
	db.PhaseChunking:   BaseChunkingTime,
	db.PhaseKGIngest:   BaseKGIngestTime,
}

// NextPhase returns the phase that follows the given one.
func NextPhase(phase string) (string, bool) {
	next, ok := nextPhase[phase]
	return next, ok
}

// QueueForPhase returns the queue a phase's work is published on.
func QueueForPhase(phase string) (string, bool) {
	q, ok := phaseQueue[phase]
	return q, ok
}

// Progress returns the 0-100 checkpoint for a job sitting at a phase.
func Progress(phase string) int {
	return phaseProgress[phase]
}

// totalRetryBudget is the sum of all retry delays.
func totalRetryBudget() time.Duration {
	var total time.Duration
	for _, d := range RetryDelays {
		total += d
	}
	return total
}

// ExpectedCompletion returns the deadline after which a processing phase is
// considered orphaned.
func ExpectedCompletion(phase string, now time.Time) time.Time {
	base, ok := baseTime[phase]
	if !ok {
		base = BaseChunkingTime
	}
	return now.Add(base + totalRetryBudget() + completionBuffer)
}

// RetryDelay returns the wait before attempt retryCount+1. The caller caps
// retryCount at MaxRetries before asking.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(RetryDelays) {
		return RetryDelays[len(RetryDelays)-1]
	}
	return RetryDelays[retryCount]
}
