package chat

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind tags which content channel an assistant message came from.
type Kind string

const (
	KindReasoning Kind = "reasoning"
	KindAnswer    Kind = "answer"
	KindPlain     Kind = "plain"
)

// Message is one committed transcript entry. It is never mutated after append.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Kind      Kind              `json:"kind,omitempty"`
	Steps     []json.RawMessage `json:"steps,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Wire is the role/content pair sent upstream as conversation history.
type Wire struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History converts a transcript into upstream history. Reasoning entries are
// display-only and never replayed to the model.
func History(messages []Message) []Wire {
	history := make([]Wire, 0, len(messages))
	for _, msg := range messages {
		if msg.Kind == KindReasoning {
			continue
		}
		history = append(history, Wire{Role: msg.Role, Content: msg.Content})
	}
	return history
}
