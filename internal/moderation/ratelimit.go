// Package moderation implements the advisory client-side gate: a persisted
// sliding-window rate limiter, a length-preserving profanity masker and
// nickname sanitising. None of it replaces enforcement on the server.
package moderation

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/omochice/stomp-chat/internal/kv"
)

const (
	// DefaultLimit is the number of sends allowed per window.
	DefaultLimit = 5
	// DefaultWindow is the trailing window the limit applies to.
	DefaultWindow = 10 * time.Second

	rateLimitKey = "moderation.ratelimit.v1"
)

// Gate is a sliding-window rate limiter whose timestamps survive reloads.
type Gate struct {
	mu     sync.Mutex
	store  kv.Store
	clk    clock.Clock
	limit  int
	window time.Duration
	log    zerolog.Logger

	// mem mirrors the last window seen; used when the store is unreadable.
	mem []int64
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock sets the time source.
func WithClock(clk clock.Clock) GateOption {
	return func(g *Gate) { g.clk = clk }
}

// WithLimit overrides the default 5 sends per 10 seconds.
func WithLimit(limit int, window time.Duration) GateOption {
	return func(g *Gate) {
		if limit > 0 {
			g.limit = limit
		}
		if window > 0 {
			g.window = window
		}
	}
}

// WithLogger sets the logger used for storage failures.
func WithLogger(log zerolog.Logger) GateOption {
	return func(g *Gate) { g.log = log.With().Str("component", "ratelimit").Logger() }
}

// NewGate creates a Gate persisting into store. A nil store keeps the window
// in memory only.
func NewGate(store kv.Store, opts ...GateOption) *Gate {
	g := &Gate{
		store:  store,
		clk:    clock.New(),
		limit:  DefaultLimit,
		window: DefaultWindow,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limit returns the configured number of sends per window.
func (g *Gate) Limit() int {
	return g.limit
}

// CanSendNow reports whether a send is allowed and, if so, records it.
// Check and increment happen under one lock, so a true result is a spent
// unit of budget: call it only when actually sending.
func (g *Gate) CanSendNow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now().UnixMilli()
	kept := g.inWindow(now)
	if len(kept) >= g.limit {
		return false
	}

	kept = append(kept, now)
	g.save(kept)
	return true
}

// Remaining returns how many sends are still allowed in the current window.
func (g *Gate) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.inWindow(g.clk.Now().UnixMilli())
	return max(0, g.limit-len(kept))
}

// RetryAfter returns zero when a send is allowed now, otherwise the time
// until the oldest timestamp in the window expires.
func (g *Gate) RetryAfter() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now().UnixMilli()
	kept := g.inWindow(now)
	if len(kept) < g.limit {
		return 0
	}
	oldest := kept[0]
	for _, t := range kept[1:] {
		oldest = min(oldest, t)
	}
	wait := oldest + g.window.Milliseconds() - now
	return time.Duration(max(0, wait)) * time.Millisecond
}

// RetryAfterMs is RetryAfter in whole milliseconds.
func (g *Gate) RetryAfterMs() int64 {
	return g.RetryAfter().Milliseconds()
}

// inWindow loads the persisted timestamps and drops those older than the window.
func (g *Gate) inWindow(now int64) []int64 {
	all := g.load()
	w := g.window.Milliseconds()
	kept := make([]int64, 0, len(all))
	for _, t := range all {
		if now-t < w {
			kept = append(kept, t)
		}
	}
	return kept
}

func (g *Gate) load() []int64 {
	if g.store == nil {
		return g.mem
	}
	raw, err := g.store.Get(rateLimitKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		g.log.Warn().Err(err).Msg("read rate limit window failed; using memory")
		return g.mem
	}
	var stamps []int64
	if err := json.Unmarshal(raw, &stamps); err != nil {
		g.log.Warn().Err(err).Msg("corrupt rate limit window; resetting")
		return nil
	}
	return stamps
}

func (g *Gate) save(stamps []int64) {
	g.mem = stamps
	if g.store == nil {
		return
	}
	raw, err := json.Marshal(stamps)
	if err != nil {
		return
	}
	if err := g.store.Set(rateLimitKey, raw); err != nil {
		g.log.Warn().Err(err).Msg("persist rate limit window failed")
	}
}
