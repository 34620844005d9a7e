package chat

import (
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/omochice/stomp-chat/internal/kv"
)

const (
	// DefaultMaxMessages bounds the log; the oldest entries are evicted first.
	DefaultMaxMessages = 200

	logKey = "chat.messages.v1"
)

// Log is the append-only message log. Every mutation is mirrored to the
// store so a restart resumes the visible conversation.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	ids      map[string]struct{}
	store    kv.Store
	max      int
	log      zerolog.Logger
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithMaxMessages sets the eviction bound. Values below 1 are ignored.
func WithMaxMessages(n int) LogOption {
	return func(l *Log) {
		if n > 0 {
			l.max = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) LogOption {
	return func(l *Log) { l.log = log.With().Str("component", "chatlog").Logger() }
}

// NewLog creates a Log and loads any snapshot persisted in store. A nil
// store keeps the log in memory only.
func NewLog(store kv.Store, opts ...LogOption) *Log {
	l := &Log{
		ids:   make(map[string]struct{}),
		store: store,
		max:   DefaultMaxMessages,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.load()
	return l
}

// Append adds m to the end of the log. It returns false, and changes
// nothing, if a message with the same ID is already present.
func (l *Log) Append(m Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.ids[m.ID]; dup {
		return false
	}
	l.messages = append(l.messages, m)
	l.ids[m.ID] = struct{}{}
	l.evict()
	l.persist()
	return true
}

// Has reports whether a message with id is in the log.
func (l *Log) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = nil
	l.ids = make(map[string]struct{})
	l.persist()
}

// Restore replaces the whole log with list, ordered oldest first by
// CreatedAt. Entries with equal timestamps keep their relative order, and
// only the first of several entries sharing an ID is kept.
func (l *Log) Restore(list []Message) {
	sorted := slices.Clone(list)
	slices.SortStableFunc(sorted, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = nil
	l.ids = make(map[string]struct{}, len(sorted))
	for _, m := range sorted {
		if _, dup := l.ids[m.ID]; dup {
			continue
		}
		l.messages = append(l.messages, m)
		l.ids[m.ID] = struct{}{}
	}
	l.evict()
	l.persist()
}

// Messages returns a copy of the log, oldest first.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.messages)
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// evict drops the oldest entries beyond max. Caller holds mu.
func (l *Log) evict() {
	over := len(l.messages) - l.max
	if over <= 0 {
		return
	}
	for _, m := range l.messages[:over] {
		delete(l.ids, m.ID)
	}
	l.messages = slices.Clone(l.messages[over:])
}

// persist writes the snapshot; failures are logged, never returned. Caller holds mu.
func (l *Log) persist() {
	if l.store == nil {
		return
	}
	if err := l.store.Set(logKey, EncodeSnapshot(l.messages)); err != nil {
		l.log.Warn().Err(err).Msg("persist message log failed")
	}
}

func (l *Log) load() {
	if l.store == nil {
		return
	}
	raw, err := l.store.Get(logKey)
	if errors.Is(err, kv.ErrNotFound) {
		return
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("read message log failed; starting empty")
		return
	}
	msgs, err := DecodeSnapshot(raw)
	if err != nil {
		l.log.Warn().Err(err).Msg("corrupt message log; starting empty")
		return
	}
	for _, m := range msgs {
		if _, dup := l.ids[m.ID]; dup {
			continue
		}
		l.messages = append(l.messages, m)
		l.ids[m.ID] = struct{}{}
	}
	l.evict()
	l.log.Debug().Int("count", len(l.messages)).Msg("restored message log")
}
