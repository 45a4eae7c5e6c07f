// Package models defines the data structures shared across simplewebui
package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Role identifies the author of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	// ConversationIDPrefix is prepended to every generated conversation id
	ConversationIDPrefix = "conv-"
	// MaxConversationIDLen bounds ids accepted from the client
	MaxConversationIDLen = 128
	// TitleLength is the number of runes kept from the first user message
	TitleLength = 40
	// UntitledChat is shown for conversations without a user message
	UntitledChat = "Untitled chat"
)

// Message is one entry of a conversation file: {"role": ..., "message": ...}
type Message struct {
	Role    Role   `json:"role"`
	Message string `json:"message"`
}

// Conversation is an ordered list of messages identified by SID
type Conversation struct {
	SID      string
	Messages []Message
}

// LLMConfig holds the provider settings a session talks to
type LLMConfig struct {
	Model   string `json:"model"`    // e.g. "openai/local" or "ollama/llama3"
	APIBase string `json:"api_base"` // e.g. "http://localhost:1234/v1"
	APIKey  string `json:"api_key"`
}

// Session represents a browser session stored in the main database
type Session struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	LLM            LLMConfig `json:"llm"`
	Title          string    `json:"title" db:"title"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
}

// ChatSummary is what the sidebar needs to know about a stored conversation
type ChatSummary struct {
	SID      string
	Title    string
	ModTime  time.Time
	Messages int // visible (non-system) messages
}

// NewConversationID returns "conv-" followed by 32 lowercase hex characters
func NewConversationID() string {
	return ConversationIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidConversationID reports whether sid is safe to use as a file name stem
func ValidConversationID(sid string) bool {
	if sid == "" || len(sid) > MaxConversationIDLen {
		return false
	}
	for i := 0; i < len(sid); i++ {
		c := sid[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// NewConversation starts a conversation seeded with the system prompt
func NewConversation(sid, systemPrompt string) *Conversation {
	conv := &Conversation{SID: sid}
	if systemPrompt != "" {
		conv.Messages = append(conv.Messages, Message{Role: RoleSystem, Message: systemPrompt})
	}
	return conv
}

// Visible returns the messages shown in the UI (everything but system)
func (c *Conversation) Visible() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the final message, ok=false for an empty conversation
func (c *Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// UserTurns counts the user messages
func (c *Conversation) UserTurns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// Title returns the sidebar title of the conversation
func (c *Conversation) Title() string {
	return TitleFromMessages(c.Messages)
}

// TitleFromMessages derives a title from the first user message
func TitleFromMessages(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == RoleUser {
			return TruncateTitle(m.Message)
		}
	}
	return UntitledChat
}

// TruncateTitle keeps the first TitleLength runes and marks the cut with "…"
func TruncateTitle(s string) string {
	s = norm.NFC.String(s)
	if utf8.RuneCountInString(s) <= TitleLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:TitleLength]) + "…"
}

// WithDefaults trims every field and replaces blank ones with def
func (l LLMConfig) WithDefaults(def LLMConfig) LLMConfig {
	pick := func(v, d string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return d
	}
	return LLMConfig{
		Model:   pick(l.Model, def.Model),
		APIBase: pick(l.APIBase, def.APIBase),
		APIKey:  pick(l.APIKey, def.APIKey),
	}
}
