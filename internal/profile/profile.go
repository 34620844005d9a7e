// Package profile keeps the stable anonymous identity of this client.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/omochice/stomp-chat/internal/ident"
	"github.com/omochice/stomp-chat/internal/kv"
	"github.com/omochice/stomp-chat/internal/moderation"
)

const profileKey = "profile.v1"

// Profile is the local identity. SenderID never changes once created and is
// the only basis for deciding whether a message is ours.
type Profile struct {
	SenderID string `json:"senderId"`
	Nickname string `json:"nickname"`
}

var (
	adjectives = []string{"Despairing", "Hopeful", "Gritty", "Tearful", "Antlion", "Unyielding", "Fallen", "Reborn"}
	animals    = []string{"Dolphin", "Lion", "Mole", "Raccoon", "Penguin", "Crane", "Cat", "Puppy"}
)

// NicknameFor derives the display nickname for senderID. The same id always
// yields the same nickname.
func NicknameFor(senderID string) string {
	h := xxhash.Sum64String(senderID)
	adj := adjectives[h%uint64(len(adjectives))]
	ani := animals[(h/uint64(len(adjectives)))%uint64(len(animals))]
	tag := (h >> 32) % 100000
	return fmt.Sprintf("%s %s#%05d", adj, ani, tag)
}

// Store reads and writes the profile. Storage failures are logged and the
// profile lives on in memory for the rest of the session. If the stored
// record could not be read, nothing is written back, so a stored identity is
// never overwritten by a session-only one.
type Store struct {
	mu       sync.Mutex
	kv       kv.Store
	log      zerolog.Logger
	current  *Profile
	newID    func() string
	detached bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log.With().Str("component", "profile").Logger() }
}

// WithIDFunc replaces the sender id generator.
func WithIDFunc(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore creates a Store over store. A nil store keeps the profile in memory.
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:    store,
		log:   zerolog.Nop(),
		newID: ident.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the persisted profile, creating and persisting a new
// one when none exists or the stored record is unusable. When the store
// cannot be read the new profile is kept in memory only.
func (s *Store) GetOrCreate() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return *s.current
	}

	if p, ok := s.load(); ok {
		s.current = &p
		return p
	}

	id := s.newID()
	p := Profile{SenderID: id, Nickname: NicknameFor(id)}
	s.current = &p
	s.save(p)
	s.log.Info().Str("sender", p.SenderID).Str("nickname", p.Nickname).Msg("created profile")
	return p
}

// Current returns the resolved profile, if GetOrCreate has run.
func (s *Store) Current() (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Profile{}, false
	}
	return *s.current, true
}

// Rename sets a new nickname. Input is trimmed and stripped of markup; if
// nothing is left the previous nickname is kept.
func (s *Store) Rename(nickname string) Profile {
	cur := s.GetOrCreate()

	s.mu.Lock()
	defer s.mu.Unlock()

	if clean := moderation.SanitizeNickname(nickname); clean != "" {
		cur.Nickname = clean
	}
	s.current = &cur
	s.save(cur)
	return cur
}

func (s *Store) load() (Profile, bool) {
	if s.kv == nil {
		return Profile{}, false
	}
	raw, err := s.kv.Get(profileKey)
	if errors.Is(err, kv.ErrNotFound) {
		return Profile{}, false
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("read profile failed; keeping profile in memory only")
		s.detached = true
		return Profile{}, false
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil || p.SenderID == "" {
		s.log.Warn().Err(err).Msg("stored profile unusable; creating a new one")
		return Profile{}, false
	}
	if p.Nickname == "" {
		p.Nickname = NicknameFor(p.SenderID)
	}
	return p, true
}

func (s *Store) save(p Profile) {
	if s.kv == nil || s.detached {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.kv.Set(profileKey, raw); err != nil {
		s.log.Warn().Err(err).Msg("persist profile failed")
	}
}
