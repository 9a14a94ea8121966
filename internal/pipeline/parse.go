package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
)

// parseTaskList turns the model's reply into task nodes. The parser is
// deliberately tolerant: fenced code blocks are stripped, anything before
// the first '[' is ignored, and entries are objects that must at least name
// a kind. An empty array is a valid "do nothing".
func parseTaskList(raw string) ([]*tasks.Node, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = stripFences(s)
	}
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in reply: %q", truncate(raw, 120))
	}
	s = s[start : end+1]

	var entries []map[string]any
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return nil, fmt.Errorf("decode task array: %w", err)
	}

	out := make([]*tasks.Node, 0, len(entries))
	for i, e := range entries {
		kind, _ := e["kind"].(string)
		if kind == "" {
			kind, _ = e["type"].(string)
		}
		if kind == "" {
			return nil, fmt.Errorf("task %d has no kind", i)
		}
		id, _ := e["id"].(string)
		var deps []string
		if rawDeps, ok := e["depends_on"].([]any); ok {
			for _, d := range rawDeps {
				if ds, ok := d.(string); ok {
					deps = append(deps, ds)
				}
			}
		}
		// "id" stays in params too: remember and schedule use it as their
		// record key while the graph uses it as the source identifier.
		params := make(map[string]any, len(e))
		for k, v := range e {
			switch k {
			case "kind", "type", "depends_on":
				continue
			}
			params[k] = v
		}
		out = append(out, &tasks.Node{
			ID:        id,
			Type:      kind,
			Params:    params,
			DependsOn: deps,
			Status:    tasks.StatusPending,
		})
	}
	return out, nil
}

func stripFences(s string) string {
	var b strings.Builder
	inFence := false
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if out := strings.TrimSpace(b.String()); out != "" {
		return out
	}
	// Fences present but nothing inside them; fall back to the raw text with
	// fence markers removed.
	return strings.ReplaceAll(s, "```", "")
}

// dedupeAndReID deduplicates by the model's own ids (keeping the last
// occurrence), then assigns fresh globally-unique ids and rewrites
// depends_on references consistently. Tasks without a model id are kept.
func dedupeAndReID(list []*tasks.Node) []*tasks.Node {
	last := make(map[string]int)
	for i, n := range list {
		if n.ID != "" {
			last[n.ID] = i
		}
	}
	kept := make([]*tasks.Node, 0, len(list))
	for i, n := range list {
		if n.ID != "" && last[n.ID] != i {
			continue
		}
		kept = append(kept, n)
	}

	rename := make(map[string]string, len(kept))
	for _, n := range kept {
		fresh := tasks.NewID(n.Type)
		if n.ID != "" {
			rename[n.ID] = fresh
		}
		n.ID = fresh
	}
	for _, n := range kept {
		deps := n.DependsOn[:0]
		for _, d := range n.DependsOn {
			if fresh, ok := rename[d]; ok {
				deps = append(deps, fresh)
			}
		}
		n.DependsOn = deps
	}
	return kept
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
