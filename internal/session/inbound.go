package session

import (
	"context"
	"time"

	"github.com/omochice/stomp-chat/internal/chat"
	"github.com/omochice/stomp-chat/internal/client"
	"github.com/omochice/stomp-chat/internal/moderation"
	"github.com/omochice/stomp-chat/internal/profile"
	"github.com/omochice/stomp-chat/pkg/protocol"
)

// HandleEvent applies one transport event. Mount feeds it from the
// transport; tests may call it directly.
func (c *Controller) HandleEvent(ctx context.Context, ev client.Event) {
	switch ev.Type {
	case client.EventConnecting:
		c.onConnecting()
	case client.EventConnected:
		c.onConnect(ctx)
	case client.EventFrame:
		c.onFrame(ev.Body)
	case client.EventStompError, client.EventSocketClosed:
		c.onDisconnect(ev)
	}
}

func (c *Controller) onConnecting() {
	c.mu.Lock()
	if c.torn || c.connected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify()
}

// onConnect restores history, replaces the stale subscription and marks the
// session connected, in that order.
func (c *Controller) onConnect(ctx context.Context) {
	if c.isTornDown() {
		return
	}

	if c.history != nil {
		items, err := c.history.Fetch(ctx, c.historyLimit)
		if c.isTornDown() {
			c.logger.Debug().Msg("discarding history fetched after teardown")
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("history fetch failed")
		} else {
			c.restore(items)
		}
	}

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to drop stale subscription")
		}
		c.sub = nil
	}
	sub, err := c.transport.Subscribe(c.topic)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("topic", c.topic).Msg("subscribe failed")
		return
	}
	c.sub = sub
	c.connected = true
	c.state = StateConnected
	if c.notices {
		c.noticeLocked(noticeConnected)
	}
	c.mu.Unlock()

	c.logger.Info().Str("topic", c.topic).Msg("connected")
	c.notify()
}

func (c *Controller) onDisconnect(ev client.Event) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	was := c.connected
	c.connected = false
	c.state = StateDisconnected
	if was && c.notices {
		if ev.Type == client.EventStompError {
			c.noticeLocked(noticeBrokerError)
		} else {
			c.noticeLocked(noticeConnectionClosed)
		}
	}
	c.mu.Unlock()

	c.logger.Info().Err(ev.Err).Str("event", ev.Type.String()).Msg("disconnected")
	c.notify()
}

func (c *Controller) onFrame(body []byte) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}

	in, err := protocol.ParseInbound(body)
	if err != nil {
		c.noticeLocked(noticeParseError)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("dropping unparseable frame")
		c.notify()
		return
	}

	me, ok := c.profiles.Current()
	m := c.toMessage(in, me, ok, c.clk.Now())
	if c.log.Has(m.ID) {
		c.mu.Unlock()
		c.logger.Debug().Str("id", m.ID).Msg("duplicate frame dropped")
		return
	}
	c.log.Append(m)
	c.mu.Unlock()

	c.notify()
}

// restore replaces the log with a newest-first history batch.
func (c *Controller) restore(items []protocol.Inbound) {
	me, ok := c.profiles.Current()
	now := c.clk.Now()

	msgs := make([]chat.Message, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		msgs = append(msgs, c.toMessage(items[i], me, ok, now))
	}

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.log.Restore(msgs)
	c.mu.Unlock()

	c.logger.Debug().Int("count", len(msgs)).Msg("history restored")
	c.notify()
}

func (c *Controller) toMessage(in protocol.Inbound, me profile.Profile, hasProfile bool, now time.Time) chat.Message {
	id := in.ID
	if id == "" {
		id = c.newID()
	}

	role := chat.RoleBot
	mine := hasProfile && in.Sender != "" && in.Sender == me.SenderID
	if mine {
		role = chat.RoleUser
	}

	nickname := moderation.SanitizeNickname(in.Nickname)
	if nickname == "" {
		if mine {
			nickname = me.Nickname
		} else {
			nickname = AnonymousNickname
		}
	}

	return chat.Message{
		ID:        id,
		Role:      role,
		Text:      c.masker.Mask(in.Text),
		CreatedAt: in.Timestamp(now),
		SenderID:  in.Sender,
		Nickname:  nickname,
	}
}

func (c *Controller) isTornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.torn
}
