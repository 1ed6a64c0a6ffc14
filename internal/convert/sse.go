package convert

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Name string
	Data string
}

// SSEScanner reads SSE frames from an upstream body.
type SSEScanner struct {
	scanner *bufio.Scanner
	err     error
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB max line
	return &SSEScanner{scanner: s}
}

// Next returns the next event, or nil at end of stream.
func (s *SSEScanner) Next() (*SSEEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	var ev SSEEvent
	var sawField bool
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if sawField {
				return &ev, nil
			}
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			sawField = true
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += data
			sawField = true
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.err = err
		return nil, err
	}
	if sawField {
		return &ev, nil
	}
	return nil, nil
}

// StreamWriter frames chunks for one client protocol. Implementations are
// single-request state machines, not safe for concurrent use.
type StreamWriter interface {
	// WriteChunk emits one canonical chunk in the client protocol.
	WriteChunk(chunk ChatChunk) error
	// WriteError emits the protocol's terminal in-band error framing.
	WriteError(status int, detail ErrorDetail) error
	// Finish closes the stream framing ([DONE], message_stop, array close).
	Finish() error
}

// NewStreamWriter returns the stream framer for a client protocol.
func NewStreamWriter(proto Protocol, w http.ResponseWriter, model string) StreamWriter {
	fl, _ := w.(http.Flusher)
	switch proto {
	case ProtoAnthropic:
		return &anthropicStreamWriter{w: w, fl: fl, model: model}
	case ProtoGemini:
		return &geminiStreamWriter{w: w, fl: fl, model: model}
	case ProtoOllama:
		return &ollamaStreamWriter{w: w, fl: fl, model: model}
	default:
		return &openAIStreamWriter{w: w, fl: fl}
	}
}

// StreamHeaders sets the response headers for a client protocol's stream.
func StreamHeaders(proto Protocol, h http.Header) {
	switch proto {
	case ProtoOllama:
		h.Set("Content-Type", "application/x-ndjson")
	case ProtoGemini:
		h.Set("Content-Type", "application/json")
	default:
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
	}
}

// --- OpenAI SSE framing ---

type openAIStreamWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func (s *openAIStreamWriter) WriteChunk(chunk ChatChunk) error {
	return writeSSEData(s.w, s.fl, chunk)
}

func (s *openAIStreamWriter) WriteError(status int, detail ErrorDetail) error {
	payload := map[string]any{"error": detail}
	if err := writeSSEData(s.w, s.fl, payload); err != nil {
		return err
	}
	return s.Finish()
}

func (s *openAIStreamWriter) Finish() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	flush(s.fl)
	return nil
}

func writeSSEData(w io.Writer, fl http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flush(fl)
	return nil
}

func writeSSEEvent(w io.Writer, fl http.Flusher, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flush(fl)
	return nil
}

func flush(fl http.Flusher) {
	if fl != nil {
		fl.Flush()
	}
}
