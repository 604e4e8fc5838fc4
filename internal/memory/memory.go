// Package memory provides conversation history storage for multi-turn
// question answering.
package memory

import (
	"strings"
	"sync"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string
	Content string
	At      time.Time
}

type conversation struct {
	messages  []Message
	updatedAt time.Time
}

// Store holds per-session conversation history in memory.
//
// Expired sessions are pruned lazily on writes; the store runs no
// background timers.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*conversation
	maxMessages int
	ttl         time.Duration
}

// NewStore creates a conversation store keeping at most maxMessages per
// session and expiring sessions idle longer than ttl.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		sessions:    make(map[string]*conversation),
		maxMessages: maxMessages,
		ttl:         ttl,
	}
}

// Append records a message for the session.
func (s *Store) Append(sessionID, role, content string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)

	conv, ok := s.sessions[sessionID]
	if !ok {
		conv = &conversation{}
		s.sessions[sessionID] = conv
	}

	conv.messages = append(conv.messages, Message{Role: role, Content: content, At: now})
	conv.updatedAt = now

	if len(conv.messages) > s.maxMessages {
		conv.messages = conv.messages[len(conv.messages)-s.maxMessages:]
	}
}

// Recent returns up to n most recent messages for the session.
func (s *Store) Recent(sessionID string, n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.sessions[sessionID]
	if !ok || time.Since(conv.updatedAt) > s.ttl {
		return nil
	}

	messages := conv.messages
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}

	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// Clear removes a session.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *Store) pruneLocked(now time.Time) {
	for id, conv := range s.sessions {
		if now.Sub(conv.updatedAt) > s.ttl {
			delete(s.sessions, id)
		}
	}
}

// FormatForPrompt renders history for inclusion in an LLM prompt.
func FormatForPrompt(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

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
		sb.WriteString("\n")
	}
	return sb.String()
}
