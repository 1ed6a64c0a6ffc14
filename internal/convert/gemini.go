package convert

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gemini generateContent API shapes.

type GeminiRequest struct {
	Contents          []GeminiContent   `json:"contents"`
	SystemInstruction *GeminiContent    `json:"systemInstruction,omitempty"`
	Tools             []GeminiToolDecl  `json:"tools,omitempty"`
	GenerationConfig  *GeminiGenConfig  `json:"generationConfig,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text             string              `json:"text,omitempty"`
	InlineData       *GeminiBlob         `json:"inlineData,omitempty"`
	FileData         *GeminiFileData     `json:"fileData,omitempty"`
	FunctionCall     *GeminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResp `json:"functionResponse,omitempty"`
}

type GeminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type GeminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type GeminiFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type GeminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GeminiToolDecl struct {
	FunctionDeclarations []GeminiFunctionDecl `json:"functionDeclarations"`
}

type GeminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata *GeminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// --- finish reason mapping ---

func finishFromGemini(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return FinishContentFilter
	}
	return FinishStop
}

func geminiFinishReason(finish string) string {
	switch finish {
	case FinishLength:
		return "MAX_TOKENS"
	case FinishContentFilter:
		return "SAFETY"
	}
	return "STOP"
}

// --- request conversions ---

// OpenAIFromGeminiRequest normalises a Gemini generateContent request. The
// model is not part of the Gemini body; callers pass it from the URL path.
func OpenAIFromGeminiRequest(gr *GeminiRequest, model string, stream bool) (*ChatRequest, error) {
	req := &ChatRequest{Model: model, Stream: stream}
	if gc := gr.GenerationConfig; gc != nil {
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.MaxTokens = gc.MaxOutputTokens
		req.Stop = gc.StopSequences
	}
	if gr.SystemInstruction != nil {
		req.Messages = append(req.Messages, Message{Role: "system", Content: TextContent(geminiText(gr.SystemInstruction.Parts))})
	}

	for _, content := range gr.Contents {
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}
		msg := Message{Role: role}
		var parts []ContentPart
		for _, p := range content.Parts {
			switch {
			case p.FunctionCall != nil:
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:   "call_" + uuid.New().String()[:8],
					Type: "function",
					Function: FunctionCall{
						Name:      p.FunctionCall.Name,
						Arguments: stringOrEmptyObject(p.FunctionCall.Args),
					},
				})
			case p.FunctionResponse != nil:
				req.Messages = append(req.Messages, Message{
					Role:       "tool",
					Name:       p.FunctionResponse.Name,
					Content:    TextContent(string(p.FunctionResponse.Response)),
					ToolCallID: "call_" + p.FunctionResponse.Name,
				})
			case p.InlineData != nil:
				parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{
					URL: "data:" + p.InlineData.MimeType + ";base64," + p.InlineData.Data,
				}})
			case p.FileData != nil:
				parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: p.FileData.FileURI}})
			default:
				parts = append(parts, ContentPart{Type: "text", Text: p.Text})
			}
		}
		if len(parts) == 1 && parts[0].Type == "text" {
			msg.Content = TextContent(parts[0].Text)
		} else if len(parts) > 0 {
			msg.Content = MessageContent{Parts: parts}
		}
		if msg.Content.Flat() != "" || len(msg.ToolCalls) > 0 || msg.Content.Parts != nil {
			req.Messages = append(req.Messages, msg)
		}
	}

	for _, tool := range gr.Tools {
		for _, fd := range tool.FunctionDeclarations {
			req.Tools = append(req.Tools, Tool{
				Type: "function",
				Function: FunctionDef{
					Name:        fd.Name,
					Description: fd.Description,
					Parameters:  fd.Parameters,
				},
			})
		}
	}
	return req, nil
}

// GeminiFromOpenAIRequest renders a canonical request for gemini-native
// upstreams.
func GeminiFromOpenAIRequest(req *ChatRequest) *GeminiRequest {
	gr := &GeminiRequest{}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		gr.GenerationConfig = &GeminiGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, m.Content.Flat())
		case "tool":
			gr.Contents = append(gr.Contents, GeminiContent{
				Role: "user",
				Parts: []GeminiPart{{FunctionResponse: &GeminiFunctionResp{
					Name:     m.Name,
					Response: wrapGeminiResponse(m.Content.Flat()),
				}}},
			})
		case "assistant":
			content := GeminiContent{Role: "model", Parts: geminiPartsFromContent(m.Content)}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
					Name: tc.Function.Name,
					Args: argumentsJSON(tc.Function.Arguments),
				}})
			}
			gr.Contents = append(gr.Contents, content)
		default:
			gr.Contents = append(gr.Contents, GeminiContent{Role: "user", Parts: geminiPartsFromContent(m.Content)})
		}
	}
	if len(systemParts) > 0 {
		gr.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: strings.Join(systemParts, "\n")}}}
	}

	if len(req.Tools) > 0 {
		decl := GeminiToolDecl{}
		for _, t := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, GeminiFunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		gr.Tools = []GeminiToolDecl{decl}
	}
	return gr
}

func geminiPartsFromContent(c MessageContent) []GeminiPart {
	if c.Parts == nil {
		return []GeminiPart{{Text: c.Text}}
	}
	var parts []GeminiPart
	for _, p := range c.Parts {
		switch p.Type {
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if strings.HasPrefix(p.ImageURL.URL, "data:") {
				rest := strings.TrimPrefix(p.ImageURL.URL, "data:")
				if media, data, ok := strings.Cut(rest, ";base64,"); ok {
					parts = append(parts, GeminiPart{InlineData: &GeminiBlob{MimeType: media, Data: data}})
					continue
				}
			}
			parts = append(parts, GeminiPart{FileData: &GeminiFileData{FileURI: p.ImageURL.URL}})
		default:
			parts = append(parts, GeminiPart{Text: p.Text})
		}
	}
	return parts
}

func wrapGeminiResponse(s string) json.RawMessage {
	if json.Valid([]byte(s)) && len(s) > 0 && (s[0] == '{' || s[0] == '[') {
		return json.RawMessage(s)
	}
	return mustJSON(map[string]any{"result": s})
}

func geminiText(parts []GeminiPart) string {
	var out []string
	for _, p := range parts {
		if p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return strings.Join(out, "\n")
}

func stringOrEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// --- response conversions ---

func OpenAIResponseFromGemini(resp *GeminiResponse, model string) *ChatResponse {
	out := &ChatResponse{
		ID:      "chatcmpl-" + uuid.New().String()[:12],
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
	for i, cand := range resp.Candidates {
		msg := Message{Role: "assistant", Content: TextContent(geminiText(cand.Content.Parts))}
		finish := finishFromGemini(cand.FinishReason)
		for _, p := range cand.Content.Parts {
			if p.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:   "call_" + uuid.New().String()[:8],
					Type: "function",
					Function: FunctionCall{
						Name:      p.FunctionCall.Name,
						Arguments: stringOrEmptyObject(p.FunctionCall.Args),
					},
				})
			}
		}
		if len(msg.ToolCalls) > 0 {
			finish = FinishToolCalls
		}
		out.Choices = append(out.Choices, Choice{Index: i, Message: msg, FinishReason: finish})
	}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

func GeminiResponseFromOpenAI(resp *ChatResponse) *GeminiResponse {
	out := &GeminiResponse{ModelVersion: resp.Model}
	for i, choice := range resp.Choices {
		content := GeminiContent{Role: "model"}
		if text := choice.Message.Content.Flat(); text != "" {
			content.Parts = append(content.Parts, GeminiPart{Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			content.Parts = append(content.Parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
				Name: tc.Function.Name,
				Args: argumentsJSON(tc.Function.Arguments),
			}})
		}
		out.Candidates = append(out.Candidates, GeminiCandidate{
			Content:      content,
			FinishReason: geminiFinishReason(choice.FinishReason),
			Index:        i,
		})
	}
	if resp.Usage != nil {
		out.UsageMetadata = &GeminiUsage{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		}
	}
	return out
}

// --- streaming: canonical chunks → Gemini JSON array ---

type geminiStreamWriter struct {
	w     http.ResponseWriter
	fl    http.Flusher
	model string

	opened bool
	wrote  bool
}

func (s *geminiStreamWriter) writeElement(v any) error {
	if !s.opened {
		s.opened = true
		if _, err := fmt.Fprint(s.w, "["); err != nil {
			return err
		}
	}
	if s.wrote {
		if _, err := fmt.Fprint(s.w, ",\n"); err != nil {
			return err
		}
	}
	s.wrote = true
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	flush(s.fl)
	return nil
}

func (s *geminiStreamWriter) WriteChunk(chunk ChatChunk) error {
	frag := &GeminiResponse{ModelVersion: s.model}
	for _, c := range chunk.Choices {
		content := GeminiContent{Role: "model"}
		if c.Delta.Content != "" {
			content.Parts = append(content.Parts, GeminiPart{Text: c.Delta.Content})
		}
		for _, tc := range c.Delta.ToolCalls {
			content.Parts = append(content.Parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
				Name: tc.Function.Name,
				Args: argumentsJSON(tc.Function.Arguments),
			}})
		}
		cand := GeminiCandidate{Content: content}
		if c.FinishReason != nil {
			cand.FinishReason = geminiFinishReason(*c.FinishReason)
		}
		if len(content.Parts) == 0 && cand.FinishReason == "" {
			continue
		}
		frag.Candidates = append(frag.Candidates, cand)
	}
	if chunk.Usage != nil {
		frag.UsageMetadata = &GeminiUsage{
			PromptTokenCount:     chunk.Usage.PromptTokens,
			CandidatesTokenCount: chunk.Usage.CompletionTokens,
			TotalTokenCount:      chunk.Usage.TotalTokens,
		}
	}
	if len(frag.Candidates) == 0 && frag.UsageMetadata == nil {
		return nil
	}
	return s.writeElement(frag)
}

func (s *geminiStreamWriter) WriteError(status int, detail ErrorDetail) error {
	if err := s.writeElement(map[string]any{
		"error": map[string]any{"code": status, "status": detail.Type, "message": detail.Message},
	}); err != nil {
		return err
	}
	return s.Finish()
}

func (s *geminiStreamWriter) Finish() error {
	if !s.opened {
		if _, err := fmt.Fprint(s.w, "["); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, "]"); err != nil {
		return err
	}
	flush(s.fl)
	return nil
}

// --- streaming: Gemini SSE → canonical chunks ---

// GeminiStreamParser folds streamGenerateContent SSE frames into canonical
// chunks.
type GeminiStreamParser struct {
	id    string
	model string
}

func NewGeminiStreamParser(model string) *GeminiStreamParser {
	return &GeminiStreamParser{id: "chatcmpl-" + uuid.New().String()[:12], model: model}
}

func (p *GeminiStreamParser) Parse(data string) ([]ChatChunk, error) {
	var resp GeminiResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("parse gemini stream frame: %w", err)
	}

	now := time.Now().Unix()
	var chunks []ChatChunk
	for _, cand := range resp.Candidates {
		delta := Delta{}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				delta.Content += part.Text
			}
			if part.FunctionCall != nil {
				delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
					ID:   "call_" + uuid.New().String()[:8],
					Type: "function",
					Function: FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: stringOrEmptyObject(part.FunctionCall.Args),
					},
				})
			}
		}
		var finish *string
		if cand.FinishReason != "" {
			f := finishFromGemini(cand.FinishReason)
			if len(delta.ToolCalls) > 0 {
				f = FinishToolCalls
			}
			finish = &f
		}
		chunk := NewChunk(p.id, p.model, now, delta, finish)
		if resp.UsageMetadata != nil && finish != nil {
			chunk.Usage = &Usage{
				PromptTokens:     resp.UsageMetadata.PromptTokenCount,
				CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      resp.UsageMetadata.TotalTokenCount,
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
