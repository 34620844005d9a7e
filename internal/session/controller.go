// Package session orchestrates profile, moderation, transport and message log
// into one chat session.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/omochice/stomp-chat/internal/chat"
	"github.com/omochice/stomp-chat/internal/client"
	"github.com/omochice/stomp-chat/internal/ident"
	"github.com/omochice/stomp-chat/internal/moderation"
	"github.com/omochice/stomp-chat/internal/profile"
	"github.com/omochice/stomp-chat/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	DefaultTopic           = "/topic/public"
	DefaultSendDestination = "/app/chat/send"
)

// HistoryFetcher returns recent messages, newest first.
type HistoryFetcher interface {
	Fetch(ctx context.Context, limit int) ([]protocol.Inbound, error)
}

// Controller drives one chat session. Transport events are handled in order
// on a single goroutine started by Mount; Send, Rename and Clear may be
// called from any goroutine.
type Controller struct {
	profiles *profile.Store
	gate     *moderation.Gate
	masker   *moderation.Masker
	log      *chat.Log

	history      HistoryFetcher
	historyLimit int

	topic      string
	sendDest   string
	notices    bool
	optimistic bool

	clk    clock.Clock
	newID  func() string
	logger zerolog.Logger

	mounted atomic.Bool

	mu        sync.Mutex
	transport client.Transport
	state     State
	connected bool
	torn      bool
	sub       client.Subscription
	cancel    context.CancelFunc

	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int

	wg sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithHistory restores up to limit messages from h on every connect.
func WithHistory(h HistoryFetcher, limit int) Option {
	return func(c *Controller) {
		c.history = h
		c.historyLimit = limit
	}
}

// WithDestinations overrides the subscribe topic and the send destination.
func WithDestinations(topic, send string) Option {
	return func(c *Controller) {
		if topic != "" {
			c.topic = topic
		}
		if send != "" {
			c.sendDest = send
		}
	}
}

// WithSystemNotices toggles connection notices in the log. Error notices are
// always shown.
func WithSystemNotices(enabled bool) Option {
	return func(c *Controller) { c.notices = enabled }
}

// WithOptimisticEcho appends sent messages before the broker echoes them.
func WithOptimisticEcho(enabled bool) Option {
	return func(c *Controller) { c.optimistic = enabled }
}

// WithMasker replaces the profanity masker.
func WithMasker(m *moderation.Masker) Option {
	return func(c *Controller) { c.masker = m }
}

// WithClock sets the clock used for message timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clk = clk }
}

// WithIDFunc replaces the message id generator.
func WithIDFunc(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l.With().Str("component", "session").Logger() }
}

// New creates a Controller. Nothing happens until Mount.
func New(t client.Transport, profiles *profile.Store, gate *moderation.Gate, log *chat.Log, opts ...Option) *Controller {
	c := &Controller{
		profiles:  profiles,
		gate:      gate,
		masker:    moderation.NewMasker(moderation.DefaultBlocklist),
		log:       log,
		topic:     DefaultTopic,
		sendDest:  DefaultSendDestination,
		notices:   true,
		clk:       clock.New(),
		newID:     ident.New,
		logger:    zerolog.Nop(),
		transport: t,
		observers: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mount resolves the profile, activates the transport and starts handling
// its events. Only the first call does anything.
func (c *Controller) Mount(ctx context.Context) error {
	if !c.mounted.CompareAndSwap(false, true) {
		c.logger.Debug().Msg("mount ignored, already mounted")
		return nil
	}

	p := c.profiles.GetOrCreate()

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return ErrTornDown
	}
	t := c.transport
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	c.wg.Add(1)
	go c.run(ctx, t.Events())
	c.mu.Unlock()

	c.logger.Info().Str("sender", p.SenderID).Str("nickname", p.Nickname).Msg("mounted")
	c.notify()

	if err := t.Activate(ctx); err != nil {
		return fmt.Errorf("failed to activate transport: %w", err)
	}
	return nil
}

func (c *Controller) run(ctx context.Context, events <-chan client.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

// Unmount unsubscribes, deactivates the transport and drops the reference to
// it. Events or history responses arriving later are ignored. It must not be
// called from an observer.
func (c *Controller) Unmount() error {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return nil
	}
	c.torn = true
	sub, t, cancel := c.sub, c.transport, c.cancel
	c.sub = nil
	c.transport = nil
	c.connected = false
	c.state = StateTornDown
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}

	var err error
	if t != nil {
		if derr := t.Deactivate(); derr != nil {
			err = fmt.Errorf("failed to deactivate transport: %w", derr)
		}
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.logger.Info().Msg("unmounted")
	c.notify()
	return err
}

// Snapshot returns the current state, profile and messages.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	p, ok := c.profiles.Current()
	return Snapshot{
		State:      c.state,
		Connected:  c.connected,
		Profile:    p,
		HasProfile: ok,
		Messages:   c.log.Messages(),
	}
}

// OnChange registers fn to be called after every state change. The returned
// function removes it.
func (c *Controller) OnChange(fn func(Snapshot)) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// notify delivers the current snapshot to observers. Deliveries are
// serialised and each snapshot is taken inside the critical section, so
// observers never see an older snapshot after a newer one. Observers must not
// call back into methods that change the session.
func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.obsMu.Lock()
	if len(c.observers) == 0 {
		c.obsMu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	snap := c.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// noticeLocked appends a system message. Callers hold c.mu.
func (c *Controller) noticeLocked(text string) {
	c.log.Append(chat.Message{
		ID:        c.newID(),
		Role:      chat.RoleSystem,
		Text:      text,
		CreatedAt: c.clk.Now(),
	})
}
