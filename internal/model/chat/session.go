package chat

import "time"

const (
	// PlaceholderLabel is shown until the first turn of a session commits.
	PlaceholderLabel = "New session"
	// DefaultGroup buckets freshly created sessions in the session list.
	DefaultGroup = "Today"
	// LabelLength caps the label derived from the first prompt, in characters.
	LabelLength = 20
)

// Session captures one independently persisted conversation.
type Session struct {
	ID                string    `json:"key"`
	Label             string    `json:"label"`
	Group             string    `json:"group"`
	UpstreamSessionID string    `json:"upstreamSessionId,omitempty"`
	// LabelSet records that the first turn labeled the session, whatever the
	// label text turned out to be.
	LabelSet          bool      `json:"labelSet,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Labeled reports whether the session has left the placeholder label.
func (s Session) Labeled() bool {
	return s.LabelSet || s.Label != PlaceholderLabel
}

// LabelFromPrompt derives a session label from the first submitted prompt:
// its first LabelLength characters.
func LabelFromPrompt(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > LabelLength {
		runes = runes[:LabelLength]
	}
	return string(runes)
}
