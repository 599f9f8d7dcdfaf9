package stream

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// PayloadKind discriminates the decoded payload variants.
type PayloadKind int

const (
	// PayloadPlain is a legacy raw token fragment, or JSON without a known shape.
	PayloadPlain PayloadKind = iota
	PayloadReasoning
	PayloadAnswer
	// PayloadAgent is an agent-proxy frame carrying an `output` object.
	PayloadAgent
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadReasoning:
		return "reasoning"
	case PayloadAnswer:
		return "answer"
	case PayloadAgent:
		return "agent"
	default:
		return "plain"
	}
}

// AgentOutput is the `output` object of an agent-proxy frame.
type AgentOutput struct {
	Text         string
	Thoughts     []json.RawMessage
	SessionID    string
	FinishReason string
}

// Payload is one classified record.
type Payload struct {
	Kind PayloadKind
	// Text is the content to accumulate: the verbatim payload for plain
	// records, the content string for reasoning and answer records.
	Text string
	// Raw is the JSON encoding of a reasoning record's content.
	Raw   string
	Agent *AgentOutput
}

// Parse classifies raw. It never fails: anything that is not a recognised
// JSON object comes back as PayloadPlain with raw untouched.
func Parse(raw string) Payload {
	plain := Payload{Kind: PayloadPlain, Text: raw}
	if !gjson.Valid(raw) {
		return plain
	}

	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return plain
	}

	switch doc.Get("type").String() {
	case "reasoning":
		content := doc.Get("content")
		return Payload{Kind: PayloadReasoning, Text: contentText(content), Raw: contentRaw(content)}
	case "answer":
		return Payload{Kind: PayloadAnswer, Text: contentText(doc.Get("content"))}
	}

	output := doc.Get("output")
	if !output.IsObject() {
		return plain
	}

	agent := &AgentOutput{
		Text:         output.Get("text").String(),
		SessionID:    output.Get("session_id").String(),
		FinishReason: output.Get("finish_reason").String(),
	}
	output.Get("thoughts").ForEach(func(_, thought gjson.Result) bool {
		agent.Thoughts = append(agent.Thoughts, json.RawMessage(thought.Raw))
		return true
	})
	return Payload{Kind: PayloadAgent, Text: agent.Text, Agent: agent}
}

func contentText(content gjson.Result) string {
	if !content.Exists() {
		return ""
	}
	if content.Type == gjson.String {
		return content.String()
	}
	return content.Raw
}

func contentRaw(content gjson.Result) string {
	if !content.Exists() {
		return ""
	}
	return content.Raw
}
