package chat

import (
	"fmt"
	"strings"
)

// Mode selects the upstream endpoint and how its payloads are classified.
type Mode string

const (
	ModeChat           Mode = "chat"
	ModeReasoning      Mode = "reasoning"
	ModeAgent          Mode = "agent"
	ModeAgentReasoning Mode = "agent-reasoning"
)

// ModeFromFlags maps the widget's agent/reasoning toggle pair onto a Mode.
func ModeFromFlags(agent, reasoning bool) Mode {
	switch {
	case agent && reasoning:
		return ModeAgentReasoning
	case agent:
		return ModeAgent
	case reasoning:
		return ModeReasoning
	default:
		return ModeChat
	}
}

// ParseMode accepts the textual form used in configuration and requests.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeChat:
		return ModeChat, nil
	case ModeReasoning:
		return ModeReasoning, nil
	case ModeAgent:
		return ModeAgent, nil
	case ModeAgentReasoning:
		return ModeAgentReasoning, nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

// Agent reports whether the mode talks to the agent proxy endpoint.
func (m Mode) Agent() bool {
	return m == ModeAgent || m == ModeAgentReasoning
}

// Path is the endpoint suffix appended to the configured base URL.
func (m Mode) Path() string {
	switch m {
	case ModeReasoning:
		return "/ai/chat/reasoning"
	case ModeAgent, ModeAgentReasoning:
		return "/ai/dashscope-proxy-stream"
	default:
		return "/ai/chat/stream"
	}
}
