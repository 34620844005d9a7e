// Package chat provides the ordered, deduplicated message log shown to the user.
package chat

import "time"

// Role tells who authored a message relative to the local profile.
type Role int

const (
	// RoleUser marks messages authored by the local profile.
	RoleUser Role = iota
	// RoleBot marks messages from any other participant. The name is
	// historical; it does not imply automation.
	RoleBot
	// RoleSystem marks client-local notices. They never cross the broker.
	RoleSystem
)

// String returns the string representation of Role
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleBot:
		return "bot"
	case RoleSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Message is one entry of the log. ID is unique within the log.
type Message struct {
	ID        string
	Role      Role
	Text      string
	CreatedAt time.Time
	SenderID  string
	Nickname  string
}
