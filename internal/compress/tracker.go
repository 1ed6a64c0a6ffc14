// Package compress shrinks long chat histories before dispatch: file
// modification tracking, semantic dedup of idempotent tool calls,
// classification, weight scoring, and the final apply pass.
package compress

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"

	"github.com/makihq/maki-gateway/internal/convert"
)

// Tools whose calls mutate files.
var writeTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"NotebookEdit": true,
}

// Shell commands that mutate the working tree.
var (
	shellWritePattern = regexp.MustCompile(`(?:^|[;&|]\s*)(?:` +
		`[^;&|]*(?:>|>>)\s*\S+` + // redirection
		`|sed\s+-i\b` +
		`|git\s+(?:checkout|reset|revert|merge|rebase)\b` +
		`|(?:npm|pnpm|yarn|pip|pip3|cargo|go)\s+(?:install|add|get)\b` +
		`)`)
	shellPathArg = regexp.MustCompile(`(?:>|>>)\s*(\S+)`)
)

// ModificationIndex records, per normalised path, the last message index
// that mutated it, plus a global index for fleet-wide operations.
type ModificationIndex struct {
	lastModified map[string]int
	globalIndex  int
}

// TrackModifications is stage one: walk messages and record write effects.
func TrackModifications(messages []convert.Message) *ModificationIndex {
	idx := &ModificationIndex{
		lastModified: make(map[string]int),
		globalIndex:  -1,
	}

	for i, m := range messages {
		for _, tc := range m.ToolCalls {
			name := tc.Function.Name
			params := parseParams(tc.Function.Arguments)

			if writeTools[name] {
				if p := paramPath(params); p != "" {
					idx.record(p, i)
				} else {
					idx.globalIndex = i
				}
				continue
			}
			if name == "Bash" {
				cmd, _ := params["command"].(string)
				if cmd == "" || !shellWritePattern.MatchString(cmd) {
					continue
				}
				if match := shellPathArg.FindStringSubmatch(cmd); match != nil {
					idx.record(match[1], i)
				} else {
					// Tree-wide mutation (git reset, package install, ...).
					idx.globalIndex = i
				}
			}
		}
	}
	return idx
}

func (idx *ModificationIndex) record(p string, i int) {
	idx.lastModified[normalizePath(p)] = i
}

// LastModified returns the newest index that invalidates reads of p.
func (idx *ModificationIndex) LastModified(p string) int {
	last := -1
	if i, ok := idx.lastModified[normalizePath(p)]; ok {
		last = i
	}
	if idx.globalIndex > last {
		last = idx.globalIndex
	}
	return last
}

// GlobalIndex is the last fleet-wide modification.
func (idx *ModificationIndex) GlobalIndex() int { return idx.globalIndex }

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.Trim(p, `"'`)
	return path.Clean(p)
}

func paramPath(params map[string]any) string {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := params[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func parseParams(args string) map[string]any {
	var params map[string]any
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return map[string]any{}
	}
	return params
}
