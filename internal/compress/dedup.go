package compress

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/makihq/maki-gateway/internal/convert"
)

// Tools whose calls are idempotent and therefore eligible for dedup.
var idempotentTools = map[string]bool{
	"Read":         true,
	"Glob":         true,
	"Grep":         true,
	"LS":           true,
	"NotebookRead": true,
	"WebFetch":     true,
	"WebSearch":    true,
}

// Read-only shell invocations are idempotent too.
var readOnlyShellPattern = regexp.MustCompile(`^\s*(?:` +
	`ls|cat|head|tail|grep|rg|find|pwd|wc|file|stat|which|echo\s+\$` +
	`|git\s+(?:status|log|diff|branch|show|remote)` +
	`)\b[^;&|<>]*$`)

const jaccardStubThreshold = 0.99

// Deduplicate is stage two: collapse repeated idempotent tool results.
// Within a fingerprint bucket the newest occurrence not invalidated by a
// later file modification keeps its content; near-identical older results
// become reference stubs, diverging ones a diff summary. The pass is
// idempotent: stubs and summaries never fingerprint equal to live content.
func Deduplicate(messages []convert.Message, idx *ModificationIndex) ([]convert.Message, int) {
	out := make([]convert.Message, len(messages))
	copy(out, messages)

	// Locate the tool-result message for every eligible call, newest last.
	type occurrence struct {
		callIndex   int // index of the assistant message carrying the call
		resultIndex int // index of the tool-role result message, -1 if none
		path        string
	}
	buckets := make(map[string][]occurrence)
	resultByCallID := indexToolResults(out)

	for i, m := range out {
		for _, tc := range m.ToolCalls {
			if !eligible(tc) {
				continue
			}
			params := parseParams(tc.Function.Arguments)
			occ := occurrence{
				callIndex:   i,
				resultIndex: -1,
				path:        paramPath(params),
			}
			if ri, ok := resultByCallID[tc.ID]; ok {
				occ.resultIndex = ri
			}
			fp := Fingerprint(tc.Function.Name, tc.Function.Arguments)
			buckets[fp] = append(buckets[fp], occ)
		}
	}

	replaced := 0
	for _, occs := range buckets {
		if len(occs) < 2 {
			continue
		}

		// Pick the newest occurrence still valid against the tracked
		// modification index; stale results cannot serve as the retained
		// copy.
		retained := -1
		for k := len(occs) - 1; k >= 0; k-- {
			occ := occs[k]
			if occ.resultIndex < 0 {
				continue
			}
			if occ.path != "" && idx.LastModified(occ.path) > occ.callIndex {
				continue
			}
			retained = k
			break
		}
		if retained < 0 {
			continue
		}

		keep := occs[retained]
		keepContent := out[keep.resultIndex].Content.Flat()

		for k, occ := range occs {
			if k == retained || occ.resultIndex < 0 {
				continue
			}
			old := out[occ.resultIndex].Content.Flat()
			if isDedupMarker(old) {
				continue
			}
			var replacement string
			if jaccard(old, keepContent) >= jaccardStubThreshold {
				replacement = fmt.Sprintf("[duplicate result: see message %d]", keep.resultIndex)
			} else {
				added, removed := lineDiff(old, keepContent)
				replacement = fmt.Sprintf("[superseded result: +%d lines / -%d lines vs message %d]", added, removed, keep.resultIndex)
			}
			out[occ.resultIndex].Content = convert.TextContent(replacement)
			replaced++
		}
	}
	return out, replaced
}

func eligible(tc convert.ToolCall) bool {
	if idempotentTools[tc.Function.Name] {
		return true
	}
	if tc.Function.Name == "Bash" {
		params := parseParams(tc.Function.Arguments)
		cmd, _ := params["command"].(string)
		return cmd != "" && readOnlyShellPattern.MatchString(cmd)
	}
	return false
}

func indexToolResults(messages []convert.Message) map[string]int {
	out := make(map[string]int)
	for i, m := range messages {
		if m.Role == "tool" && m.ToolCallID != "" {
			out[m.ToolCallID] = i
		}
	}
	return out
}

func isDedupMarker(s string) bool {
	return strings.HasPrefix(s, "[duplicate result:") || strings.HasPrefix(s, "[superseded result:")
}

// Fingerprint is MD5 over the tool name and canonicalised parameters.
func Fingerprint(toolName, arguments string) string {
	h := md5.Sum([]byte(toolName + "|" + canonicalParams(arguments)))
	return hex.EncodeToString(h[:])
}

// canonicalParams renders JSON params with sorted keys so field order never
// splits a bucket.
func canonicalParams(args string) string {
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return args
	}
	return canonicalJSON(v)
}

func canonicalJSON(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(canonicalJSON(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalJSON(e))
		}
		b.WriteByte(']')
		return b.String()
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}

// jaccard computes token-set similarity between two contents.
func jaccard(a, b string) float64 {
	if a == b {
		return 1
	}
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

// lineDiff counts added and removed lines between old and new content.
func lineDiff(old, new string) (added, removed int) {
	oldLines := lineSet(old)
	newLines := lineSet(new)
	for line, n := range newLines {
		if n > oldLines[line] {
			added += n - oldLines[line]
		}
	}
	for line, n := range oldLines {
		if n > newLines[line] {
			removed += n - newLines[line]
		}
	}
	return added, removed
}

func lineSet(s string) map[string]int {
	out := make(map[string]int)
	for _, line := range strings.Split(s, "\n") {
		out[line]++
	}
	return out
}
