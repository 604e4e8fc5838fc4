package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestStore_AppendAndRecent(t *testing.T) {
	store := NewStore(10, time.Hour)

	store.Append("s1", RoleUser, "hello")
	store.Append("s1", RoleAssistant, "hi there")
	store.Append("s2", RoleUser, "other session")

	messages := store.Recent("s1", 10)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != RoleUser || messages[0].Content != "hello" {
		t.Errorf("first message = %+v", messages[0])
	}
	if messages[1].Role != RoleAssistant || messages[1].Content != "hi there" {
		t.Errorf("second message = %+v", messages[1])
	}

	if got := store.Recent("s2", 10); len(got) != 1 {
		t.Errorf("session s2 has %d messages, want 1", len(got))
	}
	if got := store.Recent("missing", 10); got != nil {
		t.Errorf("unknown session returned %v", got)
	}
}

func TestStore_RecentLimitsCount(t *testing.T) {
	store := NewStore(10, time.Hour)
	for i := 0; i < 5; i++ {
		store.Append("s1", RoleUser, fmt.Sprintf("message %d", i))
	}

	messages := store.Recent("s1", 2)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Content != "message 3" || messages[1].Content != "message 4" {
		t.Errorf("expected the two most recent messages, got %+v", messages)
	}
}

func TestStore_CapsPerSessionMessages(t *testing.T) {
	store := NewStore(3, time.Hour)
	for i := 0; i < 6; i++ {
		store.Append("s1", RoleUser, fmt.Sprintf("message %d", i))
	}

	messages := store.Recent("s1", 10)
	if len(messages) != 3 {
		t.Fatalf("expected cap of 3 messages, got %d", len(messages))
	}
	if messages[0].Content != "message 3" {
		t.Errorf("oldest kept message = %q, want message 3", messages[0].Content)
	}
}

func TestStore_ExpiredSessionReturnsNil(t *testing.T) {
	store := NewStore(10, 10*time.Millisecond)

	store.Append("s1", RoleUser, "hello")
	time.Sleep(30 * time.Millisecond)

	if got := store.Recent("s1", 10); got != nil {
		t.Errorf("expired session returned %v", got)
	}

	// A write to any session prunes expired ones.
	store.Append("s2", RoleUser, "new")
	store.mu.RLock()
	_, exists := store.sessions["s1"]
	store.mu.RUnlock()
	if exists {
		t.Error("expired session was not pruned on write")
	}
}

func TestStore_Clear(t *testing.T) {
	store := NewStore(10, time.Hour)
	store.Append("s1", RoleUser, "hello")

	store.Clear("s1")
	if got := store.Recent("s1", 10); got != nil {
		t.Errorf("cleared session returned %v", got)
	}
}

func TestFormatForPrompt(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "what is Go"},
		{Role: RoleAssistant, Content: "a programming language"},
		{Role: "tool", Content: "ignored"},
	}

	formatted := FormatForPrompt(messages)
	if !strings.Contains(formatted, "User: what is Go") {
		t.Errorf("missing user line: %q", formatted)
	}
	if !strings.Contains(formatted, "Assistant: a programming language") {
		t.Errorf("missing assistant line: %q", formatted)
	}
	if strings.Contains(formatted, "ignored") {
		t.Errorf("unknown role leaked into prompt: %q", formatted)
	}

	if got := FormatForPrompt(nil); got != "" {
		t.Errorf("empty history formatted to %q", got)
	}
}
