// Package protocol defines the JSON payloads exchanged with the chat broker
// and the history endpoint.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMissingText is reported for an inbound payload without a text field.
var ErrMissingText = errors.New("payload has no text")

// ParseError wraps any failure to decode an inbound body.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Outbound is what the client publishes to the send destination. The server
// is expected to echo ID back unchanged.
type Outbound struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Nickname string `json:"nickname"`
	Text     string `json:"text"`
}

// Encode encodes the payload as JSON.
func (o Outbound) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Inbound is a broadcast frame body or a history entry. Every field but
// Text is optional.
type Inbound struct {
	ID         string
	Sender     string
	Nickname   string
	Text       string
	CreatedAt  Millis
	CreateDate string
}

type inboundWire struct {
	ID         ID      `json:"id"`
	Sender     string  `json:"sender"`
	Nickname   string  `json:"nickname"`
	Text       *string `json:"text"`
	CreatedAt  Millis  `json:"createdAt"`
	CreateDate string  `json:"createDate"`
}

func (w inboundWire) toInbound() (Inbound, error) {
	if w.Text == nil {
		return Inbound{}, ErrMissingText
	}
	return Inbound{
		ID:         string(w.ID),
		Sender:     w.Sender,
		Nickname:   w.Nickname,
		Text:       *w.Text,
		CreatedAt:  w.CreatedAt,
		CreateDate: w.CreateDate,
	}, nil
}

// ParseInbound decodes a single broadcast frame body.
func ParseInbound(data []byte) (Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, &ParseError{Err: err}
	}
	in, err := w.toInbound()
	if err != nil {
		return Inbound{}, &ParseError{Err: err}
	}
	return in, nil
}

// ParseHistory decodes a history response, an array in whatever order the
// server sent it. Entries that do not decode or have no text are skipped.
func ParseHistory(data []byte) ([]Inbound, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &ParseError{Err: err}
	}
	out := make([]Inbound, 0, len(raws))
	for _, raw := range raws {
		in, err := ParseInbound(raw)
		if err != nil {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// Timestamp returns when the message was created: createdAt if set, then a
// parseable createDate, otherwise now (receipt time).
func (in Inbound) Timestamp(now time.Time) time.Time {
	if in.CreatedAt > 0 {
		return time.UnixMilli(int64(in.CreatedAt))
	}
	if t, ok := ParseCreateDate(in.CreateDate); ok {
		return t
	}
	return now
}

// Millis is an epoch-milliseconds value. It accepts a JSON number or a
// numeric string; anything else decodes as zero rather than failing the
// whole payload.
type Millis int64

func (m *Millis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*m = Millis(v)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*m = Millis(int64(f))
		return nil
	}
	*m = 0
	return nil
}

// ID is a message id. The server may send it as a string or a number; both
// decode to the same text form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*id = ""
		return nil
	case strings.HasPrefix(s, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*id = ID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}
