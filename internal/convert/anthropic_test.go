package convert

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestAnthropicRequestRoundTrip(t *testing.T) {
	ar := &AnthropicRequest{
		Model: "claude-sonnet-4-5",
		System: AnthropicSystem{Text: "be terse"},
		Messages: []AnthropicMessage{
			{Role: "user", Content: AnthropicContent{Text: "hello"}},
			{Role: "assistant", Content: AnthropicContent{Blocks: []AnthropicBlock{
				{Type: "text", Text: "checking"},
				{Type: "tool_use", ID: "tu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"Oslo"}`)},
			}}},
			{Role: "user", Content: AnthropicContent{Blocks: []AnthropicBlock{
				{Type: "tool_result", ToolUseID: "tu_1", Content: json.RawMessage(`"rainy"`)},
			}}},
		},
		Tools: []AnthropicTool{
			{Name: "get_weather", Description: "weather lookup", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		MaxTokens:     512,
		Temperature:   floatPtr(0.5),
		TopP:          floatPtr(0.9),
		StopSequences: []string{"END"},
		Stream:        true,
	}

	req, err := OpenAIFromAnthropicRequest(ar)
	require.NoError(t, err)

	require.Len(t, req.Messages, 4) // system + user + assistant + tool
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Content.Flat())
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "assistant", req.Messages[2].Role)
	require.Len(t, req.Messages[2].ToolCalls, 1)
	assert.Equal(t, "get_weather", req.Messages[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", req.Messages[3].Role)
	assert.Equal(t, "tu_1", req.Messages[3].ToolCallID)
	assert.Equal(t, "rainy", req.Messages[3].Content.Flat())
	require.Len(t, req.Tools, 1)
	assert.True(t, req.Stream)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 512, *req.MaxTokens)

	// Back out to Anthropic shape: ordering and semantics survive.
	back := AnthropicFromOpenAIRequest(req)
	assert.Equal(t, "be terse", back.System.Flat())
	require.Len(t, back.Messages, 3)
	assert.Equal(t, "user", back.Messages[0].Role)
	assert.Equal(t, "assistant", back.Messages[1].Role)

	var sawToolUse bool
	for _, b := range back.Messages[1].Content.Blocks {
		if b.Type == "tool_use" {
			sawToolUse = true
			assert.Equal(t, "tu_1", b.ID)
			assert.JSONEq(t, `{"city":"Oslo"}`, string(b.Input))
		}
	}
	assert.True(t, sawToolUse, "tool_use block lost in round trip")

	require.Len(t, back.Messages[2].Content.Blocks, 1)
	assert.Equal(t, "tool_result", back.Messages[2].Content.Blocks[0].Type)
	assert.Equal(t, 512, back.MaxTokens)
	assert.Equal(t, []string{"END"}, back.StopSequences)
}

func TestFinishReasonMapping(t *testing.T) {
	cases := map[string]string{
		"end_turn":      FinishStop,
		"stop_sequence": FinishStop,
		"max_tokens":    FinishLength,
		"tool_use":      FinishToolCalls,
		"refusal":       FinishContentFilter,
	}
	for anthropic, canonical := range cases {
		assert.Equal(t, canonical, finishFromAnthropic(anthropic))
	}
	assert.Equal(t, "max_tokens", anthropicStopReason(FinishLength))
	assert.Equal(t, "tool_use", anthropicStopReason(FinishToolCalls))
	assert.Equal(t, "end_turn", anthropicStopReason(FinishStop))
}

func TestAnthropicResponseConversion(t *testing.T) {
	resp := &AnthropicResponse{
		ID:    "msg_1",
		Type:  "message",
		Role:  "assistant",
		Model: "claude-sonnet-4-5",
		Content: []AnthropicBlock{
			{Type: "text", Text: "hello"},
			{Type: "tool_use", ID: "tu_9", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
		},
		StopReason: "tool_use",
		Usage:      &AnthropicUsage{InputTokens: 10, OutputTokens: 5},
	}

	out := OpenAIResponseFromAnthropic(resp)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hello", out.Choices[0].Message.Content.Flat())
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, FinishToolCalls, out.Choices[0].FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 15, out.Usage.TotalTokens)

	back := AnthropicResponseFromOpenAI(out)
	assert.Equal(t, "tool_use", back.StopReason)
	require.Len(t, back.Content, 2)
	assert.Equal(t, "text", back.Content[0].Type)
	assert.Equal(t, "tool_use", back.Content[1].Type)
}

func TestAnthropicStreamWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewStreamWriter(ProtoAnthropic, rec, "claude-sonnet-4-5")

	require.NoError(t, w.WriteChunk(NewChunk("msg_1", "claude-sonnet-4-5", 1, Delta{Role: "assistant"}, nil)))
	require.NoError(t, w.WriteChunk(NewChunk("msg_1", "claude-sonnet-4-5", 1, Delta{Content: "hel"}, nil)))
	require.NoError(t, w.WriteChunk(NewChunk("msg_1", "claude-sonnet-4-5", 1, Delta{Content: "lo"}, nil)))
	finish := FinishStop
	require.NoError(t, w.WriteChunk(NewChunk("msg_1", "claude-sonnet-4-5", 1, Delta{}, &finish)))
	require.NoError(t, w.Finish())

	body := rec.Body.String()
	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		assert.Contains(t, body, "event: "+event)
	}
	assert.Contains(t, body, `"text":"hel"`)
	assert.Contains(t, body, `"stop_reason":"end_turn"`)
}

func TestAnthropicStreamParserCollectsAtomicToolCall(t *testing.T) {
	events := []SSEEvent{
		{Name: "message_start", Data: `{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-5","usage":{"input_tokens":7,"output_tokens":0}}}`},
		{Name: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"search"}}`},
		{Name: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`},
		{Name: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`},
		{Name: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
		{Name: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`},
		{Name: "message_stop", Data: `{"type":"message_stop"}`},
	}

	parser := &AnthropicStreamParser{}
	var all []ChatChunk
	var done bool
	for i := range events {
		chunks, d, err := parser.Parse(&events[i])
		require.NoError(t, err)
		all = append(all, chunks...)
		done = done || d
	}
	require.True(t, done)

	var toolChunks int
	for _, c := range all {
		for _, choice := range c.Choices {
			for _, tc := range choice.Delta.ToolCalls {
				toolChunks++
				assert.Equal(t, "search", tc.Function.Name)
				assert.JSONEq(t, `{"q":"go"}`, tc.Function.Arguments)
			}
			if choice.FinishReason != nil {
				assert.Equal(t, FinishToolCalls, *choice.FinishReason)
			}
		}
	}
	assert.Equal(t, 1, toolChunks, "tool call must arrive atomically")
}

func TestOpenAIStreamErrorFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewStreamWriter(ProtoOpenAI, rec, "gpt-5")

	require.NoError(t, w.WriteChunk(NewChunk("c1", "gpt-5", 1, Delta{Content: "hel"}, nil)))
	require.NoError(t, w.WriteError(502, ErrorDetail{Type: "server_error", Message: "upstream died"}))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"id":"c1"`)
	assert.Contains(t, body, `"error":{"type":"server_error","message":"upstream died"}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), "stream must end with [DONE], got %q", body)
}

func TestSSEScannerParsesEvents(t *testing.T) {
	raw := "event: message_start\ndata: {\"a\":1}\n\ndata: {\"b\":2}\n\n"
	s := NewSSEScanner(strings.NewReader(raw))

	ev, err := s.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "message_start", ev.Name)
	assert.Equal(t, `{"a":1}`, ev.Data)

	ev, err = s.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "", ev.Name)
	assert.Equal(t, `{"b":2}`, ev.Data)

	ev, err = s.Next()
	require.NoError(t, err)
	assert.Nil(t, ev)
}
