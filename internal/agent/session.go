package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ai-icarus/icarus/internal/azure"
)

const (
	defaultSessionTTL    = 30 * time.Minute
	sessionSweepInterval = time.Minute
)

// sessionKey scopes a conversation to one caller. A session ID alone is never
// enough to resume a thread; the subject has to match too.
type sessionKey struct {
	subject string
	id      string
}

type conversation struct {
	messages  []azure.ChatMessage
	updatedAt time.Time
}

// SessionStore keeps chat transcripts in memory. Conversations carry tool
// results derived from the caller's delegated access, so they are never
// persisted to disk and idle ones are swept once the TTL passes.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*conversation
	ttl      time.Duration

	stopSweep chan struct{}
	sweepOnce sync.Once

	now func() time.Time
}

// NewSessionStore builds a store with the given idle TTL and starts the
// background sweeper.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	s := &SessionStore{
		sessions:  make(map[sessionKey]*conversation),
		ttl:       ttl,
		stopSweep: make(chan struct{}),
		now:       time.Now,
	}
	go s.sweepLoop()
	return s
}

// Ensure normalizes a session ID, minting a fresh one when the caller did not
// supply any. The conversation record itself is created on first Append.
func (s *SessionStore) Ensure(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}

// History returns a copy of the conversation transcript, oldest first.
func (s *SessionStore) History(subject, id string) []azure.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.sessions[sessionKey{subject: subject, id: id}]
	if !ok {
		return nil
	}
	return append([]azure.ChatMessage(nil), conv.messages...)
}

// Append adds messages to a conversation, creating it on first use, and
// refreshes its idle deadline.
func (s *SessionStore) Append(subject, id string, msgs ...azure.ChatMessage) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{subject: subject, id: id}
	conv, ok := s.sessions[key]
	if !ok {
		conv = &conversation{}
		s.sessions[key] = conv
	}
	conv.messages = append(conv.messages, msgs...)
	conv.updatedAt = s.now()
}

// Len reports the number of live conversations.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the background sweeper.
func (s *SessionStore) Close() {
	s.sweepOnce.Do(func() {
		close(s.stopSweep)
	})
}

func (s *SessionStore) sweepLoop() {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *SessionStore) removeExpired() {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, conv := range s.sessions {
		if conv.updatedAt.Before(cutoff) {
			delete(s.sessions, key)
		}
	}
}
