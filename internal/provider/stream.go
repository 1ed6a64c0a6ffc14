package provider

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/makihq/maki-gateway/internal/convert"
)

// ParseFunc folds one SSE event into canonical chunks. done ends the stream.
type ParseFunc func(ev *convert.SSEEvent) (chunks []convert.ChatChunk, done bool, err error)

// sseChunkStream adapts an upstream SSE body to a ChunkStream via a
// protocol-specific parser.
type sseChunkStream struct {
	body    io.ReadCloser
	scanner *convert.SSEScanner
	parse   ParseFunc
	pending []convert.ChatChunk
	done    bool
}

// NewSSEChunkStream wraps an SSE body with a parser.
func NewSSEChunkStream(body io.ReadCloser, parse ParseFunc) ChunkStream {
	return &sseChunkStream{
		body:    body,
		scanner: convert.NewSSEScanner(body),
		parse:   parse,
	}
}

func (s *sseChunkStream) Next() (*convert.ChatChunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return &chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}

		ev, err := s.scanner.Next()
		if err != nil {
			return nil, err
		}
		if ev == nil {
			// Upstream closed without a terminal frame; treat as end.
			return nil, io.EOF
		}

		chunks, done, err := s.parse(ev)
		if err != nil {
			return nil, err
		}
		s.pending = append(s.pending, chunks...)
		if done {
			s.done = true
		}
	}
}

func (s *sseChunkStream) Close() error {
	return s.body.Close()
}

// NewOpenAIChunkStream parses OpenAI-compatible SSE ("data: {chunk}" frames
// terminated by "data: [DONE]"), shared by the openai-protocol upstreams.
func NewOpenAIChunkStream(body io.ReadCloser) ChunkStream {
	return NewSSEChunkStream(body, func(ev *convert.SSEEvent) ([]convert.ChatChunk, bool, error) {
		if ev.Data == "" || ev.Data == "[DONE]" {
			return nil, ev.Data == "[DONE]", nil
		}
		var chunk convert.ChatChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return nil, false, fmt.Errorf("parse stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return nil, false, fmt.Errorf("upstream error chunk: %s", chunk.Error.Message)
		}
		return []convert.ChatChunk{chunk}, false, nil
	})
}
