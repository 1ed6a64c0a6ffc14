package convert

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Anthropic Messages API shapes.

type AnthropicRequest struct {
	Model         string             `json:"model"`
	System        AnthropicSystem    `json:"system,omitzero"`
	Messages      []AnthropicMessage `json:"messages"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Metadata      *AnthropicMetadata `json:"metadata,omitempty"`
}

type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// AnthropicSystem is a string or a list of text blocks on the wire.
type AnthropicSystem struct {
	Text   string
	Blocks []AnthropicBlock
}

func (s AnthropicSystem) IsZero() bool { return s.Text == "" && s.Blocks == nil }

func (s AnthropicSystem) MarshalJSON() ([]byte, error) {
	if s.Blocks != nil {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

func (s *AnthropicSystem) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Text = str
		return nil
	}
	return json.Unmarshal(data, &s.Blocks)
}

// Flat joins the system prompt into one string.
func (s AnthropicSystem) Flat() string {
	if s.Blocks == nil {
		return s.Text
	}
	var parts []string
	for _, b := range s.Blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content AnthropicContent `json:"content"`
}

// AnthropicContent is a string or a block list on the wire.
type AnthropicContent struct {
	Text   string
	Blocks []AnthropicBlock
}

func (c AnthropicContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *AnthropicContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		c.Text = str
		c.Blocks = nil
		return nil
	}
	return json.Unmarshal(data, &c.Blocks)
}

type AnthropicBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *AnthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type AnthropicImageSource struct {
	Type      string `json:"type"` // base64, url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type AnthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"` // message
	Role         string           `json:"role"` // assistant
	Model        string           `json:"model"`
	Content      []AnthropicBlock `json:"content"`
	StopReason   string           `json:"stop_reason,omitempty"`
	StopSequence string           `json:"stop_sequence,omitempty"`
	Usage        *AnthropicUsage  `json:"usage,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- finish reason mapping ---

func finishFromAnthropic(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	}
	return FinishStop
}

func anthropicStopReason(finish string) string {
	switch finish {
	case FinishLength:
		return "max_tokens"
	case FinishToolCalls:
		return "tool_use"
	case FinishContentFilter:
		return "refusal"
	}
	return "end_turn"
}

// --- request conversions ---

// OpenAIFromAnthropicRequest normalises an Anthropic Messages request into
// canonical form.
func OpenAIFromAnthropicRequest(ar *AnthropicRequest) (*ChatRequest, error) {
	req := &ChatRequest{
		Model:       ar.Model,
		Temperature: ar.Temperature,
		TopP:        ar.TopP,
		Stop:        ar.StopSequences,
		Stream:      ar.Stream,
	}
	if ar.MaxTokens > 0 {
		mt := ar.MaxTokens
		req.MaxTokens = &mt
	}
	if ar.Metadata != nil {
		req.User = ar.Metadata.UserID
	}
	if !ar.System.IsZero() {
		req.Messages = append(req.Messages, Message{Role: "system", Content: TextContent(ar.System.Flat())})
	}

	for _, am := range ar.Messages {
		msgs, err := openAIMessagesFromAnthropic(am)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}

	for _, t := range ar.Tools {
		req.Tools = append(req.Tools, Tool{
			Type: "function",
			Function: FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return req, nil
}

func openAIMessagesFromAnthropic(am AnthropicMessage) ([]Message, error) {
	if am.Content.Blocks == nil {
		return []Message{{Role: am.Role, Content: TextContent(am.Content.Text)}}, nil
	}

	var out []Message
	cur := Message{Role: am.Role}
	var parts []ContentPart

	flushCur := func() {
		if len(parts) > 0 || len(cur.ToolCalls) > 0 {
			cur.Content = MessageContent{Parts: parts}
			if len(parts) == 1 && parts[0].Type == "text" {
				cur.Content = TextContent(parts[0].Text)
			}
			out = append(out, cur)
			cur = Message{Role: am.Role}
			parts = nil
		}
	}

	for _, b := range am.Content.Blocks {
		switch b.Type {
		case "text":
			parts = append(parts, ContentPart{Type: "text", Text: b.Text})
		case "image":
			parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: imageURLFromSource(b.Source)}})
		case "tool_use":
			cur.ToolCalls = append(cur.ToolCalls, ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		case "tool_result":
			// Tool results become dedicated tool-role messages.
			flushCur()
			out = append(out, Message{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    TextContent(flattenToolResult(b.Content)),
			})
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}
	flushCur()
	if len(out) == 0 {
		out = append(out, Message{Role: am.Role, Content: TextContent("")})
	}
	return out, nil
}

func imageURLFromSource(src *AnthropicImageSource) string {
	if src == nil {
		return ""
	}
	if src.Type == "url" {
		return src.URL
	}
	return "data:" + src.MediaType + ";base64," + src.Data
}

func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []AnthropicBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// AnthropicFromOpenAIRequest renders a canonical request in Anthropic
// Messages form for anthropic-native upstreams.
func AnthropicFromOpenAIRequest(req *ChatRequest) *AnthropicRequest {
	ar := &AnthropicRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
		MaxTokens:     4096,
	}
	if req.MaxTokens != nil {
		ar.MaxTokens = *req.MaxTokens
	}
	if req.User != "" {
		ar.Metadata = &AnthropicMetadata{UserID: req.User}
	}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, m.Content.Flat())
		case "tool":
			ar.Messages = append(ar.Messages, AnthropicMessage{
				Role: "user",
				Content: AnthropicContent{Blocks: []AnthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   mustJSON(m.Content.Flat()),
				}}},
			})
		case "assistant":
			blocks := blocksFromContent(m.Content)
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, AnthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: argumentsJSON(tc.Function.Arguments),
				})
			}
			ar.Messages = append(ar.Messages, AnthropicMessage{Role: "assistant", Content: AnthropicContent{Blocks: blocks}})
		default:
			ar.Messages = append(ar.Messages, AnthropicMessage{Role: "user", Content: AnthropicContent{Blocks: blocksFromContent(m.Content)}})
		}
	}
	if len(systemParts) > 0 {
		ar.System = AnthropicSystem{Text: strings.Join(systemParts, "\n")}
	}

	for _, t := range req.Tools {
		ar.Tools = append(ar.Tools, AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return ar
}

func blocksFromContent(c MessageContent) []AnthropicBlock {
	if c.Parts == nil {
		if c.Text == "" {
			return nil
		}
		return []AnthropicBlock{{Type: "text", Text: c.Text}}
	}
	var blocks []AnthropicBlock
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, AnthropicBlock{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				blocks = append(blocks, AnthropicBlock{Type: "image", Source: sourceFromImageURL(p.ImageURL.URL)})
			}
		}
	}
	return blocks
}

func sourceFromImageURL(url string) *AnthropicImageSource {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		media, data, ok := strings.Cut(rest, ";base64,")
		if ok {
			return &AnthropicImageSource{Type: "base64", MediaType: media, Data: data}
		}
	}
	return &AnthropicImageSource{Type: "url", URL: url}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func argumentsJSON(args string) json.RawMessage {
	if json.Valid([]byte(args)) && args != "" {
		return json.RawMessage(args)
	}
	return mustJSON(map[string]any{})
}

// --- response conversions ---

// OpenAIResponseFromAnthropic normalises a unary Anthropic response.
func OpenAIResponseFromAnthropic(resp *AnthropicResponse) *ChatResponse {
	msg := Message{Role: "assistant"}
	var texts []string
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		}
	}
	msg.Content = TextContent(strings.Join(texts, ""))

	out := &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{Message: msg, FinishReason: finishFromAnthropic(resp.StopReason)}},
	}
	if resp.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out
}

// AnthropicResponseFromOpenAI renders a canonical response in Anthropic form
// for anthropic-protocol clients.
func AnthropicResponseFromOpenAI(resp *ChatResponse) *AnthropicResponse {
	out := &AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if text := choice.Message.Content.Flat(); text != "" {
			out.Content = append(out.Content, AnthropicBlock{Type: "text", Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			out.Content = append(out.Content, AnthropicBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: argumentsJSON(tc.Function.Arguments),
			})
		}
		out.StopReason = anthropicStopReason(choice.FinishReason)
	}
	if resp.Usage != nil {
		out.Usage = &AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// --- streaming: canonical chunks → Anthropic SSE ---

type anthropicStreamWriter struct {
	w     http.ResponseWriter
	fl    http.Flusher
	model string

	started    bool
	textOpen   bool
	blockIndex int
	stopReason string
	usage      *Usage
}

func (s *anthropicStreamWriter) WriteChunk(chunk ChatChunk) error {
	if !s.started {
		s.started = true
		start := map[string]any{
			"type": "message_start",
			"message": AnthropicResponse{
				ID:      chunk.ID,
				Type:    "message",
				Role:    "assistant",
				Model:   s.model,
				Content: []AnthropicBlock{},
				Usage:   &AnthropicUsage{},
			},
		}
		if err := writeSSEEvent(s.w, s.fl, "message_start", start); err != nil {
			return err
		}
	}
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}

	for _, c := range chunk.Choices {
		if c.Delta.Content != "" {
			if !s.textOpen {
				s.textOpen = true
				if err := writeSSEEvent(s.w, s.fl, "content_block_start", map[string]any{
					"type":          "content_block_start",
					"index":         s.blockIndex,
					"content_block": AnthropicBlock{Type: "text"},
				}); err != nil {
					return err
				}
			}
			if err := writeSSEEvent(s.w, s.fl, "content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": s.blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": c.Delta.Content},
			}); err != nil {
				return err
			}
		}

		for _, tc := range c.Delta.ToolCalls {
			if err := s.closeTextBlock(); err != nil {
				return err
			}
			if err := writeSSEEvent(s.w, s.fl, "content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": s.blockIndex,
				"content_block": AnthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage("{}"),
				},
			}); err != nil {
				return err
			}
			if err := writeSSEEvent(s.w, s.fl, "content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": s.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
			}); err != nil {
				return err
			}
			if err := writeSSEEvent(s.w, s.fl, "content_block_stop", map[string]any{
				"type":  "content_block_stop",
				"index": s.blockIndex,
			}); err != nil {
				return err
			}
			s.blockIndex++
		}

		if c.FinishReason != nil {
			s.stopReason = anthropicStopReason(*c.FinishReason)
		}
	}
	return nil
}

func (s *anthropicStreamWriter) closeTextBlock() error {
	if !s.textOpen {
		return nil
	}
	s.textOpen = false
	err := writeSSEEvent(s.w, s.fl, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	})
	s.blockIndex++
	return err
}

func (s *anthropicStreamWriter) WriteError(status int, detail ErrorDetail) error {
	if err := writeSSEEvent(s.w, s.fl, "error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": detail.Type, "message": detail.Message},
	}); err != nil {
		return err
	}
	return s.Finish()
}

func (s *anthropicStreamWriter) Finish() error {
	if err := s.closeTextBlock(); err != nil {
		return err
	}
	if s.started {
		delta := map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": orDefault(s.stopReason, "end_turn")},
		}
		if s.usage != nil {
			delta["usage"] = AnthropicUsage{InputTokens: s.usage.PromptTokens, OutputTokens: s.usage.CompletionTokens}
		}
		if err := writeSSEEvent(s.w, s.fl, "message_delta", delta); err != nil {
			return err
		}
	}
	return writeSSEEvent(s.w, s.fl, "message_stop", map[string]any{"type": "message_stop"})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// --- streaming: Anthropic SSE → canonical chunks ---

// AnthropicStreamParser folds Anthropic stream events into canonical chunks.
// Tool calls are buffered until their block closes, then emitted atomically.
type AnthropicStreamParser struct {
	id    string
	model string

	toolOpen bool
	toolID   string
	toolName string
	toolArgs strings.Builder
	usage    *Usage
}

// Parse consumes one SSE event. done is true after message_stop.
func (p *AnthropicStreamParser) Parse(ev *SSEEvent) (chunks []ChatChunk, done bool, err error) {
	var payload struct {
		Type    string `json:"type"`
		Message *struct {
			ID    string          `json:"id"`
			Model string          `json:"model"`
			Usage *AnthropicUsage `json:"usage"`
		} `json:"message"`
		Index        int             `json:"index"`
		ContentBlock *AnthropicBlock `json:"content_block"`
		Delta        *struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
			StopReason  string `json:"stop_reason"`
		} `json:"delta"`
		Usage *AnthropicUsage `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if ev.Data == "" {
		return nil, false, nil
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return nil, false, fmt.Errorf("parse stream event: %w", err)
	}

	now := time.Now().Unix()
	switch payload.Type {
	case "message_start":
		if payload.Message != nil {
			p.id = payload.Message.ID
			p.model = payload.Message.Model
			if payload.Message.Usage != nil {
				p.usage = &Usage{PromptTokens: payload.Message.Usage.InputTokens}
			}
		}
		chunks = append(chunks, NewChunk(p.id, p.model, now, Delta{Role: "assistant"}, nil))

	case "content_block_start":
		if payload.ContentBlock != nil && payload.ContentBlock.Type == "tool_use" {
			p.toolOpen = true
			p.toolID = payload.ContentBlock.ID
			p.toolName = payload.ContentBlock.Name
			p.toolArgs.Reset()
		}

	case "content_block_delta":
		if payload.Delta == nil {
			break
		}
		switch payload.Delta.Type {
		case "text_delta":
			chunks = append(chunks, NewChunk(p.id, p.model, now, Delta{Content: payload.Delta.Text}, nil))
		case "input_json_delta":
			p.toolArgs.WriteString(payload.Delta.PartialJSON)
		}

	case "content_block_stop":
		if p.toolOpen {
			p.toolOpen = false
			args := p.toolArgs.String()
			if args == "" {
				args = "{}"
			}
			chunks = append(chunks, NewChunk(p.id, p.model, now, Delta{ToolCalls: []ToolCallDelta{{
				ID:       p.toolID,
				Type:     "function",
				Function: FunctionCall{Name: p.toolName, Arguments: args},
			}}}, nil))
		}

	case "message_delta":
		if payload.Usage != nil {
			if p.usage == nil {
				p.usage = &Usage{}
			}
			p.usage.CompletionTokens = payload.Usage.OutputTokens
			p.usage.TotalTokens = p.usage.PromptTokens + payload.Usage.OutputTokens
		}
		if payload.Delta != nil && payload.Delta.StopReason != "" {
			finish := finishFromAnthropic(payload.Delta.StopReason)
			chunk := NewChunk(p.id, p.model, now, Delta{}, &finish)
			chunk.Usage = p.usage
			chunks = append(chunks, chunk)
		}

	case "message_stop":
		return nil, true, nil

	case "error":
		msg := "upstream stream error"
		if payload.Error != nil {
			msg = payload.Error.Message
		}
		return nil, false, fmt.Errorf("upstream error event: %s", msg)
	}
	return chunks, false, nil
}
