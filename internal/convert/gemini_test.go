package convert

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiRequestRoundTrip(t *testing.T) {
	gr := &GeminiRequest{
		SystemInstruction: &GeminiContent{Parts: []GeminiPart{{Text: "be helpful"}}},
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{{Text: "hi"}}},
			{Role: "model", Parts: []GeminiPart{{Text: "checking"}, {FunctionCall: &GeminiFunctionCall{Name: "lookup", Args: json.RawMessage(`{"q":"go"}`)}}}},
		},
		Tools: []GeminiToolDecl{{FunctionDeclarations: []GeminiFunctionDecl{
			{Name: "lookup", Description: "find things", Parameters: json.RawMessage(`{"type":"object"}`)},
		}}},
		GenerationConfig: &GeminiGenConfig{
			Temperature:     floatPtr(0.2),
			MaxOutputTokens: intPtr(256),
			StopSequences:   []string{"STOP"},
		},
	}

	req, err := OpenAIFromGeminiRequest(gr, "gemini-2.5-pro", true)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", req.Model)
	assert.True(t, req.Stream)
	require.GreaterOrEqual(t, len(req.Messages), 3)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "assistant", req.Messages[2].Role)
	require.Len(t, req.Messages[2].ToolCalls, 1)
	require.Len(t, req.Tools, 1)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 256, *req.MaxTokens)

	back := GeminiFromOpenAIRequest(req)
	require.NotNil(t, back.SystemInstruction)
	assert.Equal(t, "be helpful", geminiText(back.SystemInstruction.Parts))
	require.Len(t, back.Contents, 2)
	assert.Equal(t, "user", back.Contents[0].Role)
	assert.Equal(t, "model", back.Contents[1].Role)

	var sawCall bool
	for _, p := range back.Contents[1].Parts {
		if p.FunctionCall != nil {
			sawCall = true
			assert.Equal(t, "lookup", p.FunctionCall.Name)
			assert.JSONEq(t, `{"q":"go"}`, string(p.FunctionCall.Args))
		}
	}
	assert.True(t, sawCall, "functionCall lost in round trip")
	require.NotNil(t, back.GenerationConfig)
	assert.Equal(t, []string{"STOP"}, back.GenerationConfig.StopSequences)
}

func TestGeminiResponseConversion(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{Text: "hello"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &GeminiUsage{PromptTokenCount: 4, CandidatesTokenCount: 2, TotalTokenCount: 6},
	}

	out := OpenAIResponseFromGemini(resp, "gemini-2.5-flash")
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hello", out.Choices[0].Message.Content.Flat())
	assert.Equal(t, FinishStop, out.Choices[0].FinishReason)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 6, out.Usage.TotalTokens)

	back := GeminiResponseFromOpenAI(out)
	require.Len(t, back.Candidates, 1)
	assert.Equal(t, "STOP", back.Candidates[0].FinishReason)
	assert.Equal(t, "hello", geminiText(back.Candidates[0].Content.Parts))
}

func TestGeminiStreamWriterEmitsJSONArray(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewStreamWriter(ProtoGemini, rec, "gemini-2.5-pro")

	require.NoError(t, w.WriteChunk(NewChunk("c1", "gemini-2.5-pro", 1, Delta{Content: "hel"}, nil)))
	finish := FinishStop
	require.NoError(t, w.WriteChunk(NewChunk("c1", "gemini-2.5-pro", 1, Delta{Content: "lo"}, &finish)))
	require.NoError(t, w.Finish())

	var frames []GeminiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frames), "stream must be a JSON array, got %q", rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "hel", geminiText(frames[0].Candidates[0].Content.Parts))
	assert.Equal(t, "STOP", frames[1].Candidates[0].FinishReason)
}

func TestGeminiStreamParser(t *testing.T) {
	parser := NewGeminiStreamParser("gemini-2.5-pro")
	chunks, err := parser.Parse(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1,"totalTokenCount":4}}`)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	choice := chunks[0].Choices[0]
	assert.Equal(t, "hi", choice.Delta.Content)
	require.NotNil(t, choice.FinishReason)
	assert.Equal(t, FinishStop, *choice.FinishReason)
	require.NotNil(t, chunks[0].Usage)
	assert.Equal(t, 4, chunks[0].Usage.TotalTokens)
}

func TestErrorBodiesAreClientProtocolShaped(t *testing.T) {
	anthropic := string(ErrorBody(ProtoAnthropic, 503, "overloaded"))
	assert.Contains(t, anthropic, `"type":"error"`)
	assert.Contains(t, anthropic, `"overloaded_error"`)

	openai := string(ErrorBody(ProtoOpenAI, 429, "slow down"))
	assert.Contains(t, openai, `"rate_limit_error"`)

	gemini := string(ErrorBody(ProtoGemini, 429, "slow down"))
	assert.Contains(t, gemini, `"RESOURCE_EXHAUSTED"`)
	assert.Contains(t, gemini, `"code":429`)

	ollama := string(ErrorBody(ProtoOllama, 500, "boom"))
	assert.Equal(t, `{"error":"boom"}`, strings.TrimSpace(ollama))
}
