package convert

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Ollama API shapes (NDJSON streaming).

type OllamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Tools    []Tool          `json:"tools,omitempty"`
	Stream   *bool           `json:"stream,omitempty"` // default true
	Options  *OllamaOptions  `json:"options,omitempty"`
}

type OllamaMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images,omitempty"` // base64 payloads
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type OllamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type OllamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  *bool          `json:"stream,omitempty"`
	Options *OllamaOptions `json:"options,omitempty"`
}

type OllamaChatResponse struct {
	Model           string         `json:"model"`
	CreatedAt       string         `json:"created_at"`
	Message         *OllamaMessage `json:"message,omitempty"`
	Response        string         `json:"response,omitempty"` // generate mode
	Done            bool           `json:"done"`
	DoneReason      string         `json:"done_reason,omitempty"`
	PromptEvalCount int            `json:"prompt_eval_count,omitempty"`
	EvalCount       int            `json:"eval_count,omitempty"`
	Error           string         `json:"error,omitempty"`
}

type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

type OllamaModel struct {
	Name       string             `json:"name"`
	Model      string             `json:"model"`
	ModifiedAt string             `json:"modified_at"`
	Size       int64              `json:"size"`
	Digest     string             `json:"digest,omitempty"`
	Details    OllamaModelDetails `json:"details"`
}

type OllamaModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

// OllamaShowResponse is the canned descriptor served for /api/show.
type OllamaShowResponse struct {
	ModelFile  string             `json:"modelfile"`
	Parameters string             `json:"parameters"`
	Template   string             `json:"template"`
	Details    OllamaModelDetails `json:"details"`
	ModelInfo  map[string]any     `json:"model_info"`
}

func ollamaDoneReason(finish string) string {
	switch finish {
	case FinishLength:
		return "length"
	}
	return "stop"
}

// --- request conversions ---

func OpenAIFromOllamaChatRequest(or *OllamaChatRequest) *ChatRequest {
	req := &ChatRequest{
		Model:  or.Model,
		Tools:  or.Tools,
		Stream: or.Stream == nil || *or.Stream,
	}
	applyOllamaOptions(req, or.Options)
	for _, m := range or.Messages {
		msg := Message{Role: m.Role, ToolCalls: m.ToolCalls}
		if len(m.Images) > 0 {
			parts := []ContentPart{{Type: "text", Text: m.Content}}
			for _, img := range m.Images {
				parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{
					URL: "data:image/png;base64," + img,
				}})
			}
			msg.Content = MessageContent{Parts: parts}
		} else {
			msg.Content = TextContent(m.Content)
		}
		req.Messages = append(req.Messages, msg)
	}
	return req
}

func OpenAIFromOllamaGenerateRequest(or *OllamaGenerateRequest) *ChatRequest {
	req := &ChatRequest{
		Model:  or.Model,
		Stream: or.Stream == nil || *or.Stream,
	}
	applyOllamaOptions(req, or.Options)
	if or.System != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: TextContent(or.System)})
	}
	req.Messages = append(req.Messages, Message{Role: "user", Content: TextContent(or.Prompt)})
	return req
}

func applyOllamaOptions(req *ChatRequest, opts *OllamaOptions) {
	if opts == nil {
		return
	}
	req.Temperature = opts.Temperature
	req.TopP = opts.TopP
	req.MaxTokens = opts.NumPredict
	req.Stop = opts.Stop
}

// --- response conversions ---

func OllamaChatResponseFromOpenAI(resp *ChatResponse) *OllamaChatResponse {
	out := &OllamaChatResponse{
		Model:     resp.Model,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Done:      true,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Message = &OllamaMessage{
			Role:      "assistant",
			Content:   choice.Message.Content.Flat(),
			ToolCalls: choice.Message.ToolCalls,
		}
		out.DoneReason = ollamaDoneReason(choice.FinishReason)
	}
	if resp.Usage != nil {
		out.PromptEvalCount = resp.Usage.PromptTokens
		out.EvalCount = resp.Usage.CompletionTokens
	}
	return out
}

func OllamaGenerateResponseFromOpenAI(resp *ChatResponse) *OllamaChatResponse {
	out := OllamaChatResponseFromOpenAI(resp)
	if out.Message != nil {
		out.Response = out.Message.Content
		out.Message = nil
	}
	return out
}

// --- streaming: canonical chunks → NDJSON ---

type ollamaStreamWriter struct {
	w        http.ResponseWriter
	fl       http.Flusher
	model    string
	generate bool

	finish string
	usage  *Usage
}

// NewOllamaGenerateStreamWriter frames chunks in /api/generate shape
// (response field) instead of /api/chat (message field).
func NewOllamaGenerateStreamWriter(w http.ResponseWriter, model string) StreamWriter {
	fl, _ := w.(http.Flusher)
	return &ollamaStreamWriter{w: w, fl: fl, model: model, generate: true}
}

func (s *ollamaStreamWriter) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "%s\n", data); err != nil {
		return err
	}
	flush(s.fl)
	return nil
}

func (s *ollamaStreamWriter) WriteChunk(chunk ChatChunk) error {
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	for _, c := range chunk.Choices {
		if c.FinishReason != nil {
			s.finish = *c.FinishReason
		}
		if c.Delta.Content == "" && len(c.Delta.ToolCalls) == 0 {
			continue
		}
		line := &OllamaChatResponse{
			Model:     s.model,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Done:      false,
		}
		if s.generate {
			line.Response = c.Delta.Content
		} else {
			msg := &OllamaMessage{Role: "assistant", Content: c.Delta.Content}
			for _, tc := range c.Delta.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Type: "function", Function: tc.Function})
			}
			line.Message = msg
		}
		if err := s.writeLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *ollamaStreamWriter) WriteError(status int, detail ErrorDetail) error {
	return s.writeLine(&OllamaChatResponse{
		Model:     s.model,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Done:      true,
		Error:     detail.Message,
	})
}

func (s *ollamaStreamWriter) Finish() error {
	line := &OllamaChatResponse{
		Model:      s.model,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Done:       true,
		DoneReason: ollamaDoneReason(s.finish),
	}
	if !s.generate {
		line.Message = &OllamaMessage{Role: "assistant"}
	}
	if s.usage != nil {
		line.PromptEvalCount = s.usage.PromptTokens
		line.EvalCount = s.usage.CompletionTokens
	}
	return s.writeLine(line)
}

// OllamaModelFromID renders one aggregated upstream model in tag-list shape.
func OllamaModelFromID(id string, family string) OllamaModel {
	return OllamaModel{
		Name:       id,
		Model:      id,
		ModifiedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Details: OllamaModelDetails{
			Format: "gguf",
			Family: family,
		},
	}
}

// OllamaShowFromModel is the canned /api/show descriptor.
func OllamaShowFromModel(id string, family string) *OllamaShowResponse {
	return &OllamaShowResponse{
		ModelFile:  "# proxied model " + id,
		Parameters: "",
		Template:   "{{ .Prompt }}",
		Details: OllamaModelDetails{
			Format: "gguf",
			Family: family,
		},
		ModelInfo: map[string]any{"general.architecture": family},
	}
}
