package tasks

import "time"

// Context keys every graph carries.
const (
	CtxAgentID          = "agent_id"
	CtxChannelID        = "channel_id"
	CtxIsGroupChat      = "is_group_chat"
	CtxFetchedResources = "fetched_resources"
)

// Graph is the set of tasks for one (agent, conversation) pair. It is owned
// exclusively by one WorkQueue; all access goes through the queue's lock.
type Graph struct {
	ID      string         `json:"id"`
	Context map[string]any `json:"context"`
	Tasks   []*Node        `json:"tasks"`
}

// NewGraph creates an empty graph for a conversation.
func NewGraph(agentID string, channelID int64, isGroup bool) *Graph {
	return &Graph{
		ID: NewID("graph"),
		Context: map[string]any{
			CtxAgentID:     agentID,
			CtxChannelID:   channelID,
			CtxIsGroupChat: isGroup,
		},
	}
}

// AgentID returns the owning agent's name.
func (g *Graph) AgentID() string {
	s, _ := g.Context[CtxAgentID].(string)
	return s
}

// ChannelID returns the conversation peer id, tolerating JSON float64.
func (g *Graph) ChannelID() int64 {
	switch v := g.Context[CtxChannelID].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// IsGroupChat reports whether the conversation is a group or channel.
func (g *Graph) IsGroupChat() bool {
	b, _ := g.Context[CtxIsGroupChat].(bool)
	return b
}

// FetchedResources returns the url → content map, creating it on demand.
func (g *Graph) FetchedResources() map[string]string {
	switch v := g.Context[CtxFetchedResources].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		g.Context[CtxFetchedResources] = out
		return out
	}
	out := make(map[string]string)
	g.Context[CtxFetchedResources] = out
	return out
}

// AddFetchedResource records retrieved url content in the graph context.
func (g *Graph) AddFetchedResource(url, content string) {
	res := g.FetchedResources()
	res[url] = content
}

// Task looks up a node by id.
func (g *Graph) Task(id string) *Node {
	for _, n := range g.Tasks {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Complete reports whether every task is terminal; complete graphs are
// removed from the queue.
func (g *Graph) Complete() bool {
	for _, n := range g.Tasks {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// CancelPending cancels every non-terminal task.
func (g *Graph) CancelPending() {
	for _, n := range g.Tasks {
		if !n.Status.Terminal() {
			n.Status = StatusCancelled
		}
	}
}

// ReceivedTask returns the non-terminal received task, if any. Used by the
// coalescing insert.
func (g *Graph) ReceivedTask() *Node {
	for _, n := range g.Tasks {
		if n.Type == KindReceived && !n.Status.Terminal() {
			return n
		}
	}
	return nil
}

// propagateFailures marks any pending task with a FAILED dependency as
// FAILED itself. Cancelled dependencies do not block; missing ones do.
func (g *Graph) propagateFailures() {
	changed := true
	for changed {
		changed = false
		for _, n := range g.Tasks {
			if n.Status != StatusPending {
				continue
			}
			for _, dep := range n.DependsOn {
				d := g.Task(dep)
				if d != nil && d.Status == StatusFailed {
					n.Status = StatusFailed
					changed = true
					break
				}
			}
		}
	}
}

// depsSatisfied reports whether every dependency exists and is DONE or
// CANCELLED.
func (g *Graph) depsSatisfied(n *Node) bool {
	for _, dep := range n.DependsOn {
		d := g.Task(dep)
		if d == nil {
			return false
		}
		if d.Status != StatusDone && d.Status != StatusCancelled {
			return false
		}
	}
	return true
}

// ready evaluates spec readiness for one task. Wait deadlines convert lazily
// here, so a duration starts counting only once dependencies complete.
func (g *Graph) ready(n *Node, now time.Time) bool {
	if n.Status != StatusPending {
		return false
	}
	if !g.depsSatisfied(n) {
		return false
	}
	if n.Type == KindWait {
		until, ok := n.effectiveUntil(now)
		if ok && now.Before(until) {
			return false
		}
	}
	return true
}

// TypingWaitPending reports whether the graph has a dependency-unblocked
// pending wait with the given presence flag ("typing" or "online"). The tick
// loop uses this to emit typing indicators.
func (g *Graph) TypingWaitPending(flag string) bool {
	for _, n := range g.Tasks {
		if n.Type == KindWait && n.Status == StatusPending && n.ParamBool(flag) && g.depsSatisfied(n) {
			return true
		}
	}
	return false
}
