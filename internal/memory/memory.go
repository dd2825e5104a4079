// Package memory keeps short per-session question/answer history so
// follow-up questions can be answered in context.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	// DefaultMaxMessages keeps the last ten turns.
	DefaultMaxMessages = 20

	// DefaultTTL expires a session after an hour of inactivity.
	DefaultTTL = time.Hour

	cleanupInterval = 5 * time.Minute
)

// Message represents a single message in a conversation.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

type conversation struct {
	messages  []Message
	updatedAt time.Time
}

// Store is an in-process session store. Expired sessions are removed by Run.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	maxMessages   int
	ttl           time.Duration
	now           func() time.Time
}

// NewStore creates a conversation store.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		conversations: make(map[string]*conversation),
		maxMessages:   maxMessages,
		ttl:           ttl,
		now:           time.Now,
	}
}

// DefaultStore creates a store with DefaultMaxMessages and DefaultTTL.
func DefaultStore() *Store {
	return NewStore(DefaultMaxMessages, DefaultTTL)
}

// AddTurn records a question and its answer.
func (s *Store) AddTurn(sessionID, question, answer string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv, ok := s.conversations[sessionID]
	if !ok {
		conv = &conversation{}
		s.conversations[sessionID] = conv
	}
	conv.messages = append(conv.messages,
		Message{Role: RoleUser, Content: question, Timestamp: now},
		Message{Role: RoleAssistant, Content: answer, Timestamp: now},
	)
	conv.updatedAt = now

	if len(conv.messages) > s.maxMessages {
		conv.messages = conv.messages[len(conv.messages)-s.maxMessages:]
	}
}

// History returns a copy of the last n messages of a live session, or all
// of them when n <= 0. Expired sessions have no history.
func (s *Store) History(sessionID string, n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[sessionID]
	if !ok || s.now().Sub(conv.updatedAt) > s.ttl {
		return nil
	}
	msgs := conv.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Clear removes a session.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, sessionID)
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Run removes expired sessions periodically until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, conv := range s.conversations {
		if now.Sub(conv.updatedAt) > s.ttl {
			delete(s.conversations, id)
		}
	}
}

// FormatForPrompt renders messages as "User:"/"Assistant:" lines.
func FormatForPrompt(messages []Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			sb.WriteString("User: ")
		case RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(msg.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}
