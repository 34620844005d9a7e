package session

import (
	"errors"

	"github.com/omochice/stomp-chat/internal/chat"
	"github.com/omochice/stomp-chat/internal/profile"
)

var (
	// ErrEmptyMessage is returned by Send when nothing is left after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotConnected is returned by Send while the broker is unreachable.
	ErrNotConnected = errors.New("not connected to server")
	// ErrNoProfile is returned by Send before Mount resolved the profile.
	ErrNoProfile = errors.New("profile not resolved")
	// ErrRateLimited is returned by Send when the moderation gate refuses.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTornDown is returned once Unmount has run.
	ErrTornDown = errors.New("session torn down")
)

// State is the lifecycle state of a Controller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateTornDown
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// Snapshot is what observers and the presentation layer read.
type Snapshot struct {
	State      State
	Connected  bool
	Profile    profile.Profile
	HasProfile bool
	Messages   []chat.Message
}

// Notice texts appended as system messages.
const (
	AnonymousNickname = "anonymous"

	noticeConnected        = "connected"
	noticeBrokerError      = "broker error"
	noticeConnectionClosed = "connection closed"
	noticeParseError       = "could not parse incoming message"
	noticeWaiting          = "waiting for server connection…"
	noticeRateLimited      = "sending too fast, try again in %ds"
	noticeSendFailed       = "failed to send message"
)
