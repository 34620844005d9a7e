package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/omochice/stomp-chat/internal/chat"
	"github.com/omochice/stomp-chat/internal/profile"
	"github.com/omochice/stomp-chat/pkg/protocol"
)

// Send masks text and publishes it. Every rejection except an empty message
// also leaves a system notice in the log.
func (c *Controller) Send(text string) error {
	t := strings.TrimSpace(c.masker.Mask(text))
	if t == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	err := c.sendLocked(t)
	c.mu.Unlock()

	c.notify()
	return err
}

func (c *Controller) sendLocked(text string) error {
	if c.torn {
		return ErrTornDown
	}
	if !c.connected || !c.transport.Connected() {
		c.noticeLocked(noticeWaiting)
		return ErrNotConnected
	}
	me, ok := c.profiles.Current()
	if !ok {
		c.noticeLocked(noticeWaiting)
		return ErrNoProfile
	}
	if !c.gate.CanSendNow() {
		wait := c.gate.RetryAfter()
		c.noticeLocked(fmt.Sprintf(noticeRateLimited, ceilSeconds(wait)))
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, wait)
	}

	out := protocol.Outbound{
		ID:       c.newID(),
		Sender:   me.SenderID,
		Nickname: me.Nickname,
		Text:     text,
	}
	body, err := out.Encode()
	if err != nil {
		c.noticeLocked(noticeSendFailed)
		return err
	}
	if err := c.transport.Publish(c.sendDest, body); err != nil {
		c.noticeLocked(noticeSendFailed)
		c.logger.Warn().Err(err).Str("id", out.ID).Msg("publish failed")
		return fmt.Errorf("failed to send message: %w", err)
	}
	c.logger.Debug().Str("id", out.ID).Msg("message sent")

	if c.optimistic {
		c.log.Append(chat.Message{
			ID:        out.ID,
			Role:      chat.RoleUser,
			Text:      text,
			CreatedAt: c.clk.Now(),
			SenderID:  me.SenderID,
			Nickname:  me.Nickname,
		})
	}
	return nil
}

// Rename changes the local nickname and returns the updated profile.
func (c *Controller) Rename(nickname string) profile.Profile {
	p := c.profiles.Rename(nickname)
	c.logger.Info().Str("nickname", p.Nickname).Msg("renamed")
	c.notify()
	return p
}

// Clear empties the message log.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.log.Clear()
	c.mu.Unlock()
	c.notify()
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
