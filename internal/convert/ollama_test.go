package convert

import (
	"bufio"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaChatRequestConversion(t *testing.T) {
	streamOff := false
	or := &OllamaChatRequest{
		Model: "kiro/claude-sonnet-4-5",
		Messages: []OllamaMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi", Images: []string{"aGVsbG8="}},
		},
		Stream: &streamOff,
		Options: &OllamaOptions{
			Temperature: floatPtr(0.1),
			NumPredict:  intPtr(64),
			Stop:        []string{"###"},
		},
	}

	req := OpenAIFromOllamaChatRequest(or)
	assert.False(t, req.Stream)
	assert.Equal(t, "kiro/claude-sonnet-4-5", req.Model)
	require.Len(t, req.Messages, 2)
	require.NotNil(t, req.Messages[1].Content.Parts)
	assert.Equal(t, "image_url", req.Messages[1].Content.Parts[1].Type)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 64, *req.MaxTokens)
}

func TestOllamaStreamDefaultsToTrue(t *testing.T) {
	req := OpenAIFromOllamaChatRequest(&OllamaChatRequest{Model: "m", Messages: []OllamaMessage{{Role: "user", Content: "x"}}})
	assert.True(t, req.Stream)
}

func TestOllamaGenerateRequestConversion(t *testing.T) {
	req := OpenAIFromOllamaGenerateRequest(&OllamaGenerateRequest{
		Model:  "qwen3-coder-plus",
		Prompt: "write a haiku",
		System: "you are a poet",
	})
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
}

func TestOllamaStreamWriterNDJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewStreamWriter(ProtoOllama, rec, "qwen3-coder-plus")

	require.NoError(t, w.WriteChunk(NewChunk("c1", "qwen3-coder-plus", 1, Delta{Content: "hel"}, nil)))
	finish := FinishStop
	chunk := NewChunk("c1", "qwen3-coder-plus", 1, Delta{}, &finish)
	chunk.Usage = &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
	require.NoError(t, w.WriteChunk(chunk))
	require.NoError(t, w.Finish())

	scanner := bufio.NewScanner(rec.Body)
	var lines []OllamaChatResponse
	for scanner.Scan() {
		var line OllamaChatResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line), "each line must be standalone JSON")
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.False(t, lines[0].Done)
	assert.Equal(t, "hel", lines[0].Message.Content)
	assert.True(t, lines[1].Done)
	assert.Equal(t, "stop", lines[1].DoneReason)
	assert.Equal(t, 3, lines[1].PromptEvalCount)
}

func TestOllamaGenerateWriterUsesResponseField(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewOllamaGenerateStreamWriter(rec, "qwen3-coder-plus")

	require.NoError(t, w.WriteChunk(NewChunk("c1", "qwen3-coder-plus", 1, Delta{Content: "hi"}, nil)))
	require.NoError(t, w.Finish())

	scanner := bufio.NewScanner(rec.Body)
	require.True(t, scanner.Scan())
	var first OllamaChatResponse
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &first))
	assert.Equal(t, "hi", first.Response)
	assert.Nil(t, first.Message)
}

func TestOllamaUnaryResponses(t *testing.T) {
	resp := &ChatResponse{
		Model: "m",
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: TextContent("hello")},
			FinishReason: FinishStop,
		}},
		Usage: &Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3},
	}

	chat := OllamaChatResponseFromOpenAI(resp)
	require.NotNil(t, chat.Message)
	assert.Equal(t, "hello", chat.Message.Content)
	assert.True(t, chat.Done)

	gen := OllamaGenerateResponseFromOpenAI(resp)
	assert.Nil(t, gen.Message)
	assert.Equal(t, "hello", gen.Response)
}

func TestMessageContentJSONShapes(t *testing.T) {
	// String form.
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &m))
	assert.Equal(t, "hi", m.Content.Flat())

	// Part-list form.
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`), &m))
	assert.Equal(t, "ab", m.Content.Flat())

	// Marshal keeps the string form for plain text.
	data, err := json.Marshal(Message{Role: "user", Content: TextContent("x")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"x"}`, string(data))
}
