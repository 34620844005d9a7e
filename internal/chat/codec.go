package chat

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot wire layout (protobuf):
//
//	message Snapshot { repeated Entry messages = 1; }
//	message Entry {
//	  string id = 1; int32 role = 2; string text = 3;
//	  int64 created_at_ms = 4; string sender_id = 5; string nickname = 6;
//	}
const (
	fieldSnapshotMessages protowire.Number = 1

	fieldID        protowire.Number = 1
	fieldRole      protowire.Number = 2
	fieldText      protowire.Number = 3
	fieldCreatedAt protowire.Number = 4
	fieldSenderID  protowire.Number = 5
	fieldNickname  protowire.Number = 6
)

// EncodeSnapshot encodes msgs in protobuf wire format.
func EncodeSnapshot(msgs []Message) []byte {
	var out []byte
	for _, m := range msgs {
		out = protowire.AppendTag(out, fieldSnapshotMessages, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeEntry(m))
	}
	return out
}

// DecodeSnapshot decodes data produced by EncodeSnapshot. Unknown fields are
// skipped; entries without an ID are dropped.
func DecodeSnapshot(data []byte) ([]Message, error) {
	var msgs []Message
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("failed to decode snapshot: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num == fieldSnapshotMessages && typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("failed to decode snapshot: %w", protowire.ParseError(n))
			}
			data = data[n:]
			m, err := decodeEntry(raw)
			if err != nil {
				return nil, err
			}
			if m.ID != "" {
				msgs = append(msgs, m)
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("failed to decode snapshot: %w", protowire.ParseError(n))
		}
		data = data[n:]
	}
	return msgs, nil
}

func encodeEntry(m Message) []byte {
	var b []byte
	b = appendString(b, fieldID, m.ID)
	b = protowire.AppendTag(b, fieldRole, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Role))
	b = appendString(b, fieldText, m.Text)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixMilli()))
	}
	b = appendString(b, fieldSenderID, m.SenderID)
	b = appendString(b, fieldNickname, m.Nickname)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func decodeEntry(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("failed to decode entry: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldID || num == fieldText || num == fieldSenderID || num == fieldNickname):
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, fmt.Errorf("failed to decode entry: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldID:
				m.ID = s
			case fieldText:
				m.Text = s
			case fieldSenderID:
				m.SenderID = s
			case fieldNickname:
				m.Nickname = s
			}
		case typ == protowire.VarintType && (num == fieldRole || num == fieldCreatedAt):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("failed to decode entry: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldRole {
				m.Role = roleFromWire(v)
			} else {
				m.CreatedAt = time.UnixMilli(int64(v))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("failed to decode entry: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// roleFromWire maps unknown values to RoleBot so a newer snapshot never
// turns a foreign message into one of ours.
func roleFromWire(v uint64) Role {
	switch Role(v) {
	case RoleUser, RoleBot, RoleSystem:
		return Role(v)
	default:
		return RoleBot
	}
}
