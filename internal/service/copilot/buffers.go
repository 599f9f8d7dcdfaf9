package copilot

import (
	"encoding/json"
	"strings"

	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/stream"
)

// AgentReasoningSeparator joins agent reasoning steps inside the rendered
// reasoning text. Steps are also kept as discrete records in Buffers.Steps.
const AgentReasoningSeparator = "[agent_reasoning]"

// Delta is one piece of content appended to a buffer.
type Delta struct {
	Kind chat.Kind `json:"kind"`
	Text string    `json:"text"`
}

// Buffers accumulates the reasoning and answer channels of one turn.
type Buffers struct {
	mode              chat.Mode
	reasoning         strings.Builder
	steps             []json.RawMessage
	answer            strings.Builder
	upstreamSessionID string
}

// NewBuffers returns empty buffers classifying payloads for mode.
func NewBuffers(mode chat.Mode) *Buffers {
	return &Buffers{mode: mode}
}

// Apply folds one payload into the buffers and returns what was appended.
func (b *Buffers) Apply(p stream.Payload) []Delta {
	switch p.Kind {
	case stream.PayloadAnswer:
		return b.appendAnswer(chat.KindAnswer, p.Text)
	case stream.PayloadReasoning:
		if b.mode == chat.ModeAgentReasoning {
			return b.appendStep(json.RawMessage(p.Raw))
		}
		if p.Text == "" {
			return nil
		}
		b.reasoning.WriteString(p.Text)
		return []Delta{{Kind: chat.KindReasoning, Text: p.Text}}
	case stream.PayloadAgent:
		var deltas []Delta
		if p.Agent.SessionID != "" {
			b.upstreamSessionID = p.Agent.SessionID
		}
		if b.mode == chat.ModeAgentReasoning {
			for _, thought := range p.Agent.Thoughts {
				deltas = append(deltas, b.appendStep(thought)...)
			}
		}
		return append(deltas, b.appendAnswer(chat.KindAnswer, p.Agent.Text)...)
	default:
		return b.appendAnswer(chat.KindPlain, p.Text)
	}
}

func (b *Buffers) appendAnswer(kind chat.Kind, text string) []Delta {
	if text == "" {
		return nil
	}
	b.answer.WriteString(text)
	return []Delta{{Kind: kind, Text: text}}
}

func (b *Buffers) appendStep(raw json.RawMessage) []Delta {
	if len(raw) == 0 {
		return nil
	}
	text := string(raw)
	if b.reasoning.Len() > 0 {
		b.reasoning.WriteString(AgentReasoningSeparator)
	}
	b.reasoning.WriteString(text)
	b.steps = append(b.steps, append(json.RawMessage(nil), raw...))
	return []Delta{{Kind: chat.KindReasoning, Text: text}}
}

// Mark appends a terminal marker to the answer channel.
func (b *Buffers) Mark(marker string) Delta {
	b.answer.WriteString(marker)
	return Delta{Kind: chat.KindAnswer, Text: marker}
}

func (b *Buffers) Reasoning() string { return b.reasoning.String() }

func (b *Buffers) Answer() string { return b.answer.String() }

// Steps returns the discrete agent reasoning records, in arrival order.
func (b *Buffers) Steps() []json.RawMessage {
	return append([]json.RawMessage(nil), b.steps...)
}

// UpstreamSessionID is the last remote session id reported by the agent proxy.
func (b *Buffers) UpstreamSessionID() string { return b.upstreamSessionID }

// Messages builds the assistant messages to commit: reasoning first, then
// answer, each only when non-empty.
func (b *Buffers) Messages() []chat.Message {
	var msgs []chat.Message
	if b.reasoning.Len() > 0 {
		msgs = append(msgs, chat.Message{
			Role:    chat.RoleAssistant,
			Content: b.reasoning.String(),
			Kind:    chat.KindReasoning,
			Steps:   b.Steps(),
		})
	}
	if b.answer.Len() > 0 {
		msgs = append(msgs, chat.Message{
			Role:    chat.RoleAssistant,
			Content: b.answer.String(),
			Kind:    chat.KindAnswer,
		})
	}
	return msgs
}

// SplitAgentReasoning recovers step records from a reasoning message. Stored
// steps win; otherwise the content is split on the separator and fragments
// that are not valid JSON are dropped, since the separator may legitimately
// occur inside step text.
func SplitAgentReasoning(msg chat.Message) []json.RawMessage {
	if len(msg.Steps) > 0 {
		return msg.Steps
	}

	var steps []json.RawMessage
	for _, fragment := range strings.Split(msg.Content, AgentReasoningSeparator) {
		fragment = strings.TrimSpace(fragment)
		if fragment == "" || !json.Valid([]byte(fragment)) {
			continue
		}
		steps = append(steps, json.RawMessage(fragment))
	}
	return steps
}
