package tasks

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// The queue persists as markdown: one "## Task Graph: <id>" header per graph
// followed by its JSON in a fenced block. Human-inspectable, diff-friendly.

// Save writes the queue to its path via temp-file rename, keeping the
// previous file as .bak. A queue with an empty path never persists.
func (q *WorkQueue) Save() error {
	if q.path == "" {
		return nil
	}
	q.mu.Lock()
	graphs := make([]*Graph, len(q.graphs))
	copy(graphs, q.graphs)
	q.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteString("# Work Queue\n")
	for _, g := range graphs {
		data, err := json.MarshalIndent(g, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal graph %s: %w", g.ID, err)
		}
		fmt.Fprintf(&buf, "\n## Task Graph: %s\n\n```json\n%s\n```\n", g.ID, data)
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write work queue: %w", err)
	}
	if _, err := os.Stat(q.path); err == nil {
		// Best effort: keep the previous file around for recovery.
		_ = os.Rename(q.path, q.path+".bak")
	}
	if err := os.Rename(tmp, q.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename work queue: %w", err)
	}
	return nil
}

// Load replaces the queue contents from disk. Any task found ACTIVE is reset
// to PENDING: the process died mid-dispatch and the task must rerun.
// A missing file loads an empty queue.
func (q *WorkQueue) Load() error {
	if q.path == "" {
		return nil
	}
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open work queue: %w", err)
	}
	defer f.Close()

	var graphs []*Graph
	var block strings.Builder
	inBlock := false

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case !inBlock && strings.HasPrefix(strings.TrimSpace(line), "```json"):
			inBlock = true
			block.Reset()
		case inBlock && strings.TrimSpace(line) == "```":
			inBlock = false
			var g Graph
			if err := json.Unmarshal([]byte(block.String()), &g); err != nil {
				return fmt.Errorf("parse work queue graph: %w", err)
			}
			for _, n := range g.Tasks {
				if n.Status == StatusActive {
					n.Status = StatusPending
				}
			}
			graphs = append(graphs, &g)
		case inBlock:
			block.WriteString(line)
			block.WriteString("\n")
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read work queue: %w", err)
	}

	q.mu.Lock()
	q.graphs = graphs
	q.cursor = 0
	q.mu.Unlock()
	return nil
}
