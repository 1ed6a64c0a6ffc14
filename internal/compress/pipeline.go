package compress

import (
	"time"

	"github.com/makihq/maki-gateway/internal/convert"
)

// Truncation limits for the LIGHT tier.
const (
	lightToolResultLimit = 1000
	lightOtherLimit      = 500
)

// Stats reports what the pipeline did.
type Stats struct {
	InputMessages  int     `json:"input_messages"`
	OutputMessages int     `json:"output_messages"`
	Deduplicated   int     `json:"deduplicated"`
	Kept           int     `json:"kept"`
	Truncated      int     `json:"truncated"`
	Summarized     int     `json:"summarized"`
	Discarded      int     `json:"discarded"`
	InputBytes     int     `json:"input_bytes"`
	OutputBytes    int     `json:"output_bytes"`
	Ratio          float64 `json:"compression_ratio"`
	ProcessingMs   int64   `json:"processing_ms"`
}

// Run executes the five stages in order and preserves message ordering.
func Run(messages []convert.Message) ([]convert.Message, Stats) {
	start := time.Now()
	stats := Stats{
		InputMessages: len(messages),
		InputBytes:    totalBytes(messages),
	}

	// Stage 1+2: modification tracking feeds the deduplicator.
	idx := TrackModifications(messages)
	deduped, replaced := Deduplicate(messages, idx)
	stats.Deduplicated = replaced

	// Stage 3+4: classification and scoring.
	categories := Classify(deduped)
	scores := Score(deduped, categories)

	// Stage 5: apply, in original order.
	out := make([]convert.Message, 0, len(deduped))
	for i, m := range deduped {
		switch ActionFor(scores[i]) {
		case ActionKeep:
			stats.Kept++
			out = append(out, m)
		case ActionLight:
			stats.Truncated++
			out = append(out, truncateMessage(m))
		case ActionHeavy:
			stats.Summarized++
			out = append(out, summarizeMessage(m, categories[i]))
		case ActionDiscard:
			stats.Discarded++
		}
	}

	stats.OutputMessages = len(out)
	stats.OutputBytes = totalBytes(out)
	if stats.InputBytes > 0 {
		stats.Ratio = float64(stats.OutputBytes) / float64(stats.InputBytes)
	}
	stats.ProcessingMs = time.Since(start).Milliseconds()
	return out, stats
}

func truncateMessage(m convert.Message) convert.Message {
	limit := lightOtherLimit
	if m.Role == "tool" {
		limit = lightToolResultLimit
	}
	content := m.Content.Flat()
	if len(content) > limit {
		m.Content = convert.TextContent(content[:limit] + "\n[truncated]")
	}
	return m
}

func summarizeMessage(m convert.Message, cat Category) convert.Message {
	content := m.Content.Flat()
	head := content
	if len(head) > 120 {
		head = head[:120]
	}
	m.Content = convert.TextContent("[compressed " + string(cat) + ": " + head + " ...]")
	return m
}

func totalBytes(messages []convert.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content.Flat())
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Arguments)
		}
	}
	return total
}
