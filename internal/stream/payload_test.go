package stream_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-copilot/backend/internal/stream"
)

func TestParseAnswer(t *testing.T) {
	p := stream.Parse(`{"type":"answer","content":"Hi"}`)
	require.Equal(t, stream.PayloadAnswer, p.Kind)
	require.Equal(t, "Hi", p.Text)
}

func TestParseReasoningKeepsRawEncoding(t *testing.T) {
	p := stream.Parse(`{"type":"reasoning","content":"think \"hard\""}`)
	require.Equal(t, stream.PayloadReasoning, p.Kind)
	require.Equal(t, `think "hard"`, p.Text)
	require.Equal(t, `"think \"hard\""`, p.Raw)

	p = stream.Parse(`{"type":"reasoning","content":{"action_name":"search","arguments":"{}"}}`)
	require.Equal(t, stream.PayloadReasoning, p.Kind)
	require.Equal(t, `{"action_name":"search","arguments":"{}"}`, p.Text)
	require.Equal(t, p.Text, p.Raw)
}

func TestParsePlainIsVerbatim(t *testing.T) {
	for _, raw := range []string{
		"hello world",
		`{"type":"answer","content":`,
		`"quoted"`,
		"42",
		`{"foo":"bar"}`,
		`{"type":"unknown","content":"x"}`,
	} {
		p := stream.Parse(raw)
		require.Equal(t, stream.PayloadPlain, p.Kind, raw)
		require.Equal(t, raw, p.Text, raw)
	}
}

func TestParseAgentOutput(t *testing.T) {
	raw := `{"output":{"text":"done","session_id":"abc","finish_reason":"stop",` +
		`"thoughts":[{"action_name":"rag","action_type":"tool"},{"thought":"next"}]}}`

	p := stream.Parse(raw)
	require.Equal(t, stream.PayloadAgent, p.Kind)
	require.NotNil(t, p.Agent)
	require.Equal(t, "done", p.Text)
	require.Equal(t, "abc", p.Agent.SessionID)
	require.Equal(t, "stop", p.Agent.FinishReason)
	require.Len(t, p.Agent.Thoughts, 2)
	require.JSONEq(t, `{"action_name":"rag","action_type":"tool"}`, string(p.Agent.Thoughts[0]))
}

func TestParseAgentOutputNullFinishReason(t *testing.T) {
	p := stream.Parse(`{"output":{"text":"par","finish_reason":null}}`)
	require.Equal(t, stream.PayloadAgent, p.Kind)
	require.Empty(t, p.Agent.FinishReason)
	require.Empty(t, p.Agent.Thoughts)
}
