// Package gate implements the download gate: a single mutex-guarded
// struct enforcing start-to-start spacing between downloads and a
// pause-on-blocked circuit breaker over the download capability.
//
// This is hand-rolled rather than built on sony/gobreaker: the Gate's
// contract (absolute-deadline pause, start spacing, a plain failure counter)
// doesn't map onto gobreaker's closed/open/half-open state machine, and the
// whole state fits one cache line.
package gate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/constants"
	"github.com/sunyych/ingestd/internal/metrics"
)

// Persister is the subset of store.DB the Gate needs to survive restarts.
// The paused_until deadline is persisted so a crash mid-pause doesn't let
// downloads resume early.
type Persister interface {
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
}

const settingPausedUntil = "gate.paused_until"

// Gate is the Download Gate's shared state.
type Gate struct {
	mu sync.Mutex

	pausedUntil     time.Time
	blockedFailures int
	lastStarted     time.Time

	threshold    int
	pauseSeconds int
	minInterval  time.Duration

	store Persister
	log   zerolog.Logger
}

// Option configures a Gate at construction.
type Option func(*Gate)

// WithThreshold overrides the blocked-failure threshold (default 3).
func WithThreshold(n int) Option { return func(g *Gate) { g.threshold = n } }

// WithPauseSeconds overrides the pause duration in seconds. 0 means "until
// process restart", implemented as a century in the future.
func WithPauseSeconds(n int) Option { return func(g *Gate) { g.pauseSeconds = n } }

// WithMinInterval overrides the minimum spacing between download starts.
// 0 disables spacing.
func WithMinInterval(d time.Duration) Option { return func(g *Gate) { g.minInterval = d } }

// New builds a Gate, restoring paused_until from store if present.
func New(store Persister, log zerolog.Logger, opts ...Option) *Gate {
	g := &Gate{
		threshold:    constants.DefaultBlockedThreshold,
		pauseSeconds: constants.DefaultBlockedPauseSeconds,
		minInterval:  constants.DefaultMinIntervalSeconds * time.Second,
		store:        store,
		log:          log,
	}
	for _, opt := range opts {
		opt(g)
	}
	if store != nil {
		if raw, ok, err := store.GetSetting(settingPausedUntil); err == nil && ok {
			if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
				g.pausedUntil = time.Unix(unix, 0).UTC()
			}
		}
	}
	return g
}

// WaitIfPaused blocks in small increments until paused_until expires (or ctx
// is cancelled), then zeros the blocked-failure counter.
func (g *Gate) WaitIfPaused(ctx context.Context) error {
	for {
		g.mu.Lock()
		until := g.pausedUntil
		g.mu.Unlock()

		if until.IsZero() || time.Now().After(until) {
			g.mu.Lock()
			if !until.IsZero() {
				g.blockedFailures = 0
				g.pausedUntil = time.Time{}
			}
			g.mu.Unlock()
			if !until.IsZero() {
				metrics.GateBlockedFailures.Set(0)
			}
			return nil
		}

		wait := time.Until(until)
		if wait > constants.GateWaitPollInterval {
			wait = constants.GateWaitPollInterval
		}
		g.log.Debug().Time("paused_until", until).Msg("gate: waiting out blocked pause")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// WaitForSpacing sleeps so the next download start is >= minInterval after
// the last one. A 0 minInterval disables spacing.
func (g *Gate) WaitForSpacing(ctx context.Context) error {
	g.mu.Lock()
	var wait time.Duration
	if g.minInterval > 0 && !g.lastStarted.IsZero() {
		elapsed := time.Since(g.lastStarted)
		if elapsed < g.minInterval {
			wait = g.minInterval - elapsed
		}
	}
	g.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	g.mu.Lock()
	g.lastStarted = time.Now()
	g.mu.Unlock()
	return nil
}

// RegisterBlockedFailure increments the blocked counter under lock; once it
// reaches threshold, pauses downloads until now + pauseSeconds.
func (g *Gate) RegisterBlockedFailure(msg string) {
	g.mu.Lock()
	g.blockedFailures++
	n := g.blockedFailures
	var until time.Time
	if n >= g.threshold {
		pause := g.pauseSeconds
		if pause == 0 {
			until = time.Now().AddDate(100, 0, 0)
		} else {
			until = time.Now().Add(time.Duration(pause) * time.Second)
		}
		g.pausedUntil = until
	}
	g.mu.Unlock()

	metrics.GateBlockedFailures.Set(float64(n))
	g.log.Warn().Int("blocked_failures", n).Str("reason", msg).Msg("gate: blocked failure registered")
	if !until.IsZero() {
		metrics.GateTrips.Inc()
		g.persistPause(until)
		g.log.Error().Time("paused_until", until).Msg("gate: download pause engaged")
	}
}

// ResetBlockedCounterOnSuccess zeros the blocked-failure counter.
func (g *Gate) ResetBlockedCounterOnSuccess() {
	g.mu.Lock()
	g.blockedFailures = 0
	g.mu.Unlock()
	metrics.GateBlockedFailures.Set(0)
}

// Status returns a snapshot for logging/metrics. The lock is taken even
// though readers could get away without it; the struct is tiny and
// contention negligible.
func (g *Gate) Status() (blockedFailures int, pausedUntil time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blockedFailures, g.pausedUntil
}

func (g *Gate) persistPause(until time.Time) {
	if g.store == nil {
		return
	}
	if err := g.store.SetSetting(settingPausedUntil, strconv.FormatInt(until.Unix(), 10)); err != nil {
		g.log.Error().Err(err).Msg("gate: failed to persist paused_until")
	}
}
