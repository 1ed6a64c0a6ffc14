package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/makihq/maki-gateway/internal/compress"
	"github.com/makihq/maki-gateway/internal/convert"
	"github.com/makihq/maki-gateway/internal/dispatch"
)

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, proto convert.Protocol, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBodyMB)<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			convert.WriteError(proto, w, http.StatusRequestEntityTooLarge, "request body exceeds size limit")
			return false
		}
		convert.WriteError(proto, w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) maybeCompact(req *convert.ChatRequest) {
	if !req.Compact {
		return
	}
	compacted, stats := compress.Run(req.Messages)
	req.Messages = compacted
	req.Compact = false
	if stats.InputMessages != stats.OutputMessages || stats.Deduplicated > 0 {
		s.metrics.Request("internal", "compact")
	}
}

// --- OpenAI protocol ---

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("openai", "chat_completions")
	var req convert.ChatRequest
	if !s.readJSON(w, r, convert.ProtoOpenAI, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		convert.WriteError(convert.ProtoOpenAI, w, http.StatusBadRequest, "model and messages are required")
		return
	}
	s.maybeCompact(&req)
	s.dispatcher.Execute(w, r, &req, dispatch.Options{ClientProto: convert.ProtoOpenAI})
}

// handleCompletions serves the legacy text-completion shape by folding the
// prompt into a single user message.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("openai", "completions")
	var legacy struct {
		Model       string   `json:"model"`
		Prompt      string   `json:"prompt"`
		MaxTokens   *int     `json:"max_tokens,omitempty"`
		Temperature *float64 `json:"temperature,omitempty"`
		TopP        *float64 `json:"top_p,omitempty"`
		Stop        []string `json:"stop,omitempty"`
		Stream      bool     `json:"stream,omitempty"`
	}
	if !s.readJSON(w, r, convert.ProtoOpenAI, &legacy) {
		return
	}
	if legacy.Model == "" {
		convert.WriteError(convert.ProtoOpenAI, w, http.StatusBadRequest, "model is required")
		return
	}
	req := convert.ChatRequest{
		Model:       legacy.Model,
		Messages:    []convert.Message{{Role: "user", Content: convert.TextContent(legacy.Prompt)}},
		MaxTokens:   legacy.MaxTokens,
		Temperature: legacy.Temperature,
		TopP:        legacy.TopP,
		Stop:        legacy.Stop,
		Stream:      legacy.Stream,
	}
	s.dispatcher.Execute(w, r, &req, dispatch.Options{ClientProto: convert.ProtoOpenAI})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("openai", "models")
	models := s.dispatcher.ListModels(r.Context())
	writeJSON(w, http.StatusOK, convert.ModelList{Object: "list", Data: models})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("openai", "embeddings")
	// None of the pooled upstreams expose an embeddings surface over OAuth.
	convert.WriteError(convert.ProtoOpenAI, w, http.StatusNotImplemented, "embeddings are not supported by the configured providers")
}

// --- Anthropic protocol ---

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("anthropic", "messages")
	var ar convert.AnthropicRequest
	if !s.readJSON(w, r, convert.ProtoAnthropic, &ar) {
		return
	}
	if ar.Model == "" || len(ar.Messages) == 0 {
		convert.WriteError(convert.ProtoAnthropic, w, http.StatusBadRequest, "model and messages are required")
		return
	}
	req, err := convert.OpenAIFromAnthropicRequest(&ar)
	if err != nil {
		convert.WriteError(convert.ProtoAnthropic, w, http.StatusBadRequest, err.Error())
		return
	}
	s.maybeCompact(req)
	s.dispatcher.Execute(w, r, req, dispatch.Options{ClientProto: convert.ProtoAnthropic})
}

// --- Gemini protocol ---

func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("gemini", "generate_content")
	modelAction := r.PathValue("modelAction")
	model, action, ok := strings.Cut(modelAction, ":")
	if !ok {
		convert.WriteError(convert.ProtoGemini, w, http.StatusNotFound, "expected models/{model}:generateContent")
		return
	}

	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		convert.WriteError(convert.ProtoGemini, w, http.StatusNotFound, "unsupported action "+action)
		return
	}

	var gr convert.GeminiRequest
	if !s.readJSON(w, r, convert.ProtoGemini, &gr) {
		return
	}
	req, err := convert.OpenAIFromGeminiRequest(&gr, model, stream)
	if err != nil {
		convert.WriteError(convert.ProtoGemini, w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatcher.Execute(w, r, req, dispatch.Options{ClientProto: convert.ProtoGemini})
}

// --- Ollama protocol ---

func (s *Server) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("ollama", "chat")
	var or convert.OllamaChatRequest
	if !s.readJSON(w, r, convert.ProtoOllama, &or) {
		return
	}
	if or.Model == "" {
		convert.WriteError(convert.ProtoOllama, w, http.StatusBadRequest, "model is required")
		return
	}
	req := convert.OpenAIFromOllamaChatRequest(&or)
	s.dispatcher.Execute(w, r, req, dispatch.Options{ClientProto: convert.ProtoOllama})
}

func (s *Server) handleOllamaGenerate(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("ollama", "generate")
	var or convert.OllamaGenerateRequest
	if !s.readJSON(w, r, convert.ProtoOllama, &or) {
		return
	}
	if or.Model == "" {
		convert.WriteError(convert.ProtoOllama, w, http.StatusBadRequest, "model is required")
		return
	}
	req := convert.OpenAIFromOllamaGenerateRequest(&or)
	s.dispatcher.Execute(w, r, req, dispatch.Options{ClientProto: convert.ProtoOllama, OllamaGenerate: true})
}

func (s *Server) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("ollama", "tags")
	models := s.dispatcher.ListModels(r.Context())
	tags := convert.OllamaTagsResponse{Models: []convert.OllamaModel{}}
	for _, m := range models {
		family := m.OwnedBy
		if family == "" {
			family = "unknown"
		}
		tags.Models = append(tags.Models, convert.OllamaModelFromID(m.ID, family))
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleOllamaShow(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("ollama", "show")
	var body struct {
		Model string `json:"model"`
		Name  string `json:"name"`
	}
	if !s.readJSON(w, r, convert.ProtoOllama, &body) {
		return
	}
	id := body.Model
	if id == "" {
		id = body.Name
	}
	if id == "" {
		convert.WriteError(convert.ProtoOllama, w, http.StatusBadRequest, "model is required")
		return
	}
	family := "unknown"
	if prefix, _, ok := strings.Cut(id, "/"); ok {
		family = prefix
	}
	writeJSON(w, http.StatusOK, convert.OllamaShowFromModel(id, family))
}

func (s *Server) handleOllamaVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// --- Compression ---

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	s.metrics.Request("openai", "compact")
	var body struct {
		Messages []convert.Message `json:"messages"`
	}
	if !s.readJSON(w, r, convert.ProtoOpenAI, &body) {
		return
	}
	if len(body.Messages) == 0 {
		convert.WriteError(convert.ProtoOpenAI, w, http.StatusBadRequest, "messages are required")
		return
	}
	compacted, stats := compress.Run(body.Messages)
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": compacted,
		"stats":    stats,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
