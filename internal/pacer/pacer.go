// Package pacer computes retry backoff delays and recognizes hostile server
// responses: flood/IP-lock pages that demand a long fixed sleep, and wait
// pages that embed a server-imposed delay.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hostget/hostget/internal/logger"
)

// ErrWaitTooLong is returned when a server demands a wait longer than the
// caller is willing to honor. Long waits are a policy violation, not a retry
// target.
var ErrWaitTooLong = errors.New("server-imposed wait exceeds maximum")

const (
	DefaultMinBackoff   = 400 * time.Millisecond
	DefaultMaxBackoff   = 5 * time.Second
	DefaultFloodSleep   = 30 * time.Second
	DefaultJitterFactor = 0.1
)

var floodPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ip\s*(?:address)?\s*(?:has\s+been\s+)?lock`),
	regexp.MustCompile(`(?i)too\s+many\s+(?:connection|download|request)`),
	regexp.MustCompile(`(?i)download\s+limit\s+(?:reached|exceeded)`),
	regexp.MustCompile(`(?i)flood\s+control`),
	regexp.MustCompile(`(?i)request\s+limit`),
	regexp.MustCompile(`(?i)rate\s+limit`),
	regexp.MustCompile(`(?i)wait\s+(?:before|until)`),
}

var (
	waitPhrase = regexp.MustCompile(`(?i)(?:wait|countdown|must wait)\D+(\d+)\s*(seconds?|minutes?|min|sec)?`)
	waitAssign = regexp.MustCompile(`(?i)(?:wait_time|countdown|wait)\s*=\s*(\d+)`)
	waitScript = regexp.MustCompile(`(?i)(?:var|let|const)\s+wait\s*=\s*(\d+)`)
)

// Pacer turns an attempt index into a wait duration with exponential growth
// and jitter. One Pacer serves one logical operation; the attempt counter
// resets when the operation starts succeeding.
type Pacer struct {
	minBackoff   time.Duration
	maxBackoff   time.Duration
	floodSleep   time.Duration
	jitterFactor float64

	attempts atomic.Int32
}

// New creates a Pacer. Zero values fall back to the defaults.
func New(minBackoff, maxBackoff, floodSleep time.Duration, jitterFactor float64) *Pacer {
	if minBackoff <= 0 {
		minBackoff = DefaultMinBackoff
	}

	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	if floodSleep <= 0 {
		floodSleep = DefaultFloodSleep
	}

	if jitterFactor <= 0 {
		jitterFactor = DefaultJitterFactor
	}

	return &Pacer{
		minBackoff:   minBackoff,
		maxBackoff:   maxBackoff,
		floodSleep:   floodSleep,
		jitterFactor: jitterFactor,
	}
}

// Default returns a Pacer with the stock tuning.
func Default() *Pacer {
	return New(0, 0, 0, 0)
}

// Backoff computes the delay for the given attempt:
// min(minBackoff * 2^attempt, maxBackoff) scaled by a uniform jitter in
// [1-jitterFactor, 1+jitterFactor].
func (p *Pacer) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.minBackoff << uint(attempt)
	if delay > p.maxBackoff || delay <= 0 {
		delay = p.maxBackoff
	}

	jitter := 1.0 + p.jitterFactor*(2*rand.Float64()-1)

	return time.Duration(float64(delay) * jitter)
}

// Sleep waits for the backoff delay of the internal attempt counter and then
// advances it. It returns early if the context is cancelled.
func (p *Pacer) Sleep(ctx context.Context) error {
	attempt := int(p.attempts.Load())
	delay := p.Backoff(attempt)
	p.attempts.Add(1)

	logger.Debugf("Pacer sleeping %v (attempt %d)", delay, attempt+1)

	return sleep(ctx, delay)
}

// Reset clears the attempt counter after a successful operation.
func (p *Pacer) Reset() {
	p.attempts.Store(0)
}

// Attempts returns the current attempt counter.
func (p *Pacer) Attempts() int {
	return int(p.attempts.Load())
}

// FloodSleep returns the fixed flood/IP-lock sleep duration.
func (p *Pacer) FloodSleep() time.Duration {
	return p.floodSleep
}

// DetectFloodLock reports whether the response body matches a known flood,
// IP-lock, or connection-limit phrasing. Callers must sleep the fixed flood
// duration on a match; quick retries do not clear these locks.
func (p *Pacer) DetectFloodLock(body string) bool {
	for _, pattern := range floodPatterns {
		if pattern.MatchString(body) {
			logger.Warnf("Flood/IP-lock pattern detected in response")
			return true
		}
	}

	return false
}

// ParseWaitTime extracts a server-imposed wait from free text or embedded
// script ("wait 30 seconds", "wait_time=45", "var wait = 60").
// The second return value is false when no wait time is present.
func (p *Pacer) ParseWaitTime(body string) (time.Duration, bool) {
	if m := waitPhrase.FindStringSubmatch(body); m != nil {
		value, err := strconv.Atoi(m[1])
		if err == nil {
			d := time.Duration(value) * time.Second
			if strings.HasPrefix(strings.ToLower(m[2]), "min") {
				d = time.Duration(value) * time.Minute
			}

			logger.Infof("Parsed wait time %v from response", d)

			return d, true
		}
	}

	for _, pattern := range []*regexp.Regexp{waitAssign, waitScript} {
		if m := pattern.FindStringSubmatch(body); m != nil {
			value, err := strconv.Atoi(m[1])
			if err == nil {
				d := time.Duration(value) * time.Second
				logger.Infof("Parsed wait time %v from response", d)

				return d, true
			}
		}
	}

	return 0, false
}

// WaitIfRequested parses a wait time from the body and honors it when it does
// not exceed maxWait, sleeping the parsed duration plus one second of buffer.
// It reports whether a wait was performed. A wait beyond maxWait returns
// ErrWaitTooLong.
func (p *Pacer) WaitIfRequested(ctx context.Context, body string, maxWait time.Duration) (bool, error) {
	wait, ok := p.ParseWaitTime(body)
	if !ok {
		return false, nil
	}

	if wait <= 0 {
		return false, nil
	}

	if wait > maxWait {
		return false, fmt.Errorf("%w: %v > %v", ErrWaitTooLong, wait, maxWait)
	}

	logger.Infof("Waiting %v as required by server", wait)

	if err := sleep(ctx, wait+time.Second); err != nil {
		return false, err
	}

	return true, nil
}

// HandleRateLimited inspects a hostile response body and performs the
// appropriate sleep: the fixed flood duration for flood/IP-lock pages, or the
// embedded wait for wait pages. It reports whether any sleep happened.
func (p *Pacer) HandleRateLimited(ctx context.Context, body string, maxWait time.Duration) (bool, error) {
	if p.DetectFloodLock(body) {
		logger.Warnf("Flood/IP-lock detected, sleeping %v", p.floodSleep)

		if err := sleep(ctx, p.floodSleep); err != nil {
			return false, err
		}

		return true, nil
	}

	return p.WaitIfRequested(ctx, body, maxWait)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
