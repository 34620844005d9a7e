package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"
)

const (
	// DefaultReconnectDelay is the pause between a lost connection and the next attempt.
	DefaultReconnectDelay = 2 * time.Second
	// DefaultDialTimeout bounds the WebSocket handshake.
	DefaultDialTimeout = 10 * time.Second

	defaultEventBuffer = 64
	contentTypeJSON    = "application/json"
)

var errConnectionLost = errors.New("connection lost")

// Options configures a STOMPClient.
type Options struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws-chat.
	URL            string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	// HeartBeat is offered in both directions. Zero disables heart-beating.
	HeartBeat   time.Duration
	EventBuffer int
	Clock       clock.Clock
	Logger      zerolog.Logger
}

// STOMPClient is a Transport speaking STOMP 1.2 over a WebSocket. It
// reconnects after ReconnectDelay until deactivated.
type STOMPClient struct {
	opts   Options
	log    zerolog.Logger
	events chan Event

	active atomic.Bool

	mu     sync.RWMutex
	conn   *stomp.Conn
	stream *Connection
	cancel context.CancelFunc
	done   chan struct{}

	deactivateOnce sync.Once
	wg             sync.WaitGroup
}

var _ Transport = (*STOMPClient)(nil)

// NewSTOMPClient creates a client. Nothing is dialed until Activate.
func NewSTOMPClient(opts Options) *STOMPClient {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &STOMPClient{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "transport").Logger(),
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

func (c *STOMPClient) Activate(ctx context.Context) error {
	if !c.active.CompareAndSwap(false, true) {
		return ErrAlreadyActive
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrDeactivated
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *STOMPClient) Deactivate() error {
	c.deactivateOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		close(c.events)
	})
	return nil
}

func (c *STOMPClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *STOMPClient) Events() <-chan Event {
	return c.events
}

func (c *STOMPClient) Subscribe(destination string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, ErrDeactivated
	default:
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}

	s := &subscription{
		client:      c,
		sub:         sub,
		stream:      c.stream,
		destination: destination,
		stop:        make(chan struct{}),
	}
	c.wg.Add(1)
	go s.pump()

	c.log.Debug().Str("destination", destination).Msg("subscribed")
	return s, nil
}

func (c *STOMPClient) Publish(destination string, body []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(destination, contentTypeJSON, body); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *STOMPClient) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.emit(Event{Type: EventConnecting})
		c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-c.opts.Clock.After(c.opts.ReconnectDelay):
		}
	}
}

// session runs one connection until it drops or ctx is cancelled.
func (c *STOMPClient) session(ctx context.Context) {
	stream, err := Dial(ctx, c.opts.URL, c.opts.DialTimeout)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Str("url", c.opts.URL).Msg("dial failed")
			c.emit(Event{Type: EventSocketClosed, Err: err})
		}
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	conn, err := stomp.Connect(stream, c.connectOptions()...)
	if err != nil {
		_ = stream.Close()
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("stomp handshake failed")
			c.emit(Event{Type: EventSocketClosed, Err: fmt.Errorf("failed to connect to broker: %w", err)})
		}
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.mu.Unlock()

	c.log.Info().Str("url", c.opts.URL).Msg("connected")
	c.emit(Event{Type: EventConnected})

	<-stream.Done()

	c.mu.Lock()
	c.conn = nil
	c.stream = nil
	c.mu.Unlock()
	_ = conn.MustDisconnect()
	_ = stream.Close()

	if ctx.Err() == nil {
		c.log.Info().Msg("connection lost")
		c.emit(Event{Type: EventSocketClosed, Err: errConnectionLost})
	}
}

func (c *STOMPClient) connectOptions() []func(*stomp.Conn) error {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(c.opts.HeartBeat, c.opts.HeartBeat),
	}
	if u, err := url.Parse(c.opts.URL); err == nil && u.Hostname() != "" {
		opts = append(opts, stomp.ConnOpt.Host(u.Hostname()))
	}
	return opts
}

func (c *STOMPClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

type subscription struct {
	client      *STOMPClient
	sub         *stomp.Subscription
	stream      *Connection
	destination string

	stop     chan struct{}
	stopOnce sync.Once
}

func (s *subscription) pump() {
	defer s.client.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case <-s.client.done:
			return
		case msg, ok := <-s.sub.C:
			if !ok {
				return
			}
			if msg.Err != nil {
				s.handleError(msg.Err)
				return
			}
			s.client.emit(Event{Type: EventFrame, Destination: s.destination, Body: msg.Body})
		}
	}
}

// handleError reports broker ERROR frames. Other subscription errors only
// mean the socket went away, which the session loop reports itself.
func (s *subscription) handleError(err error) {
	var serr *stomp.Error
	if !errors.As(err, &serr) || serr.Frame == nil || serr.Frame.Command != frame.ERROR {
		return
	}
	s.client.log.Warn().Str("message", serr.Message).Msg("broker error")
	s.client.emit(Event{Type: EventStompError, Destination: s.destination, Err: err})
	_ = s.stream.Close()
}

// Unsubscribe stops delivery right away. The UNSUBSCRIBE frame waits for a
// broker receipt, so it is sent in the background.
func (s *subscription) Unsubscribe() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		go func() { _ = s.sub.Unsubscribe() }()
	})
	return nil
}
