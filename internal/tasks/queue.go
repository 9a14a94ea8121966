package tasks

import (
	"log/slog"
	"sync"
	"time"
)

// ReplanKeep decides which non-terminal tasks survive a replan. The default
// keeps preserve-flagged tasks regardless of chat type; a stricter group
// policy can be swapped in without touching call sites.
type ReplanKeep func(g *Graph, n *Node) bool

func defaultReplanKeep(_ *Graph, n *Node) bool { return n.Preserve() }

// WorkQueue owns every task graph in the process. All mutation happens under
// its mutex; persistence to disk follows every mutation on the tick path.
type WorkQueue struct {
	mu     sync.Mutex
	graphs []*Graph
	cursor int
	path   string

	Typing *TypingTracker
	// Gagged suppresses received-task creation for a conversation. Nil means
	// nothing is gagged. Wired to the store's conversation_gagged table.
	Gagged func(agentID string, channelID int64) bool
	Keep   ReplanKeep
}

// NewWorkQueue creates an empty queue persisting to path ("" disables
// persistence, used by tests).
func NewWorkQueue(path string) *WorkQueue {
	return &WorkQueue{
		path:   path,
		Typing: NewTypingTracker(),
		Keep:   defaultReplanKeep,
	}
}

// Graphs returns a snapshot of the graph list.
func (q *WorkQueue) Graphs() []*Graph {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Graph, len(q.graphs))
	copy(out, q.graphs)
	return out
}

// GraphFor returns the graph for a conversation, or nil.
func (q *WorkQueue) GraphFor(agentID string, channelID int64) *Graph {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.graphForLocked(agentID, channelID)
}

func (q *WorkQueue) graphForLocked(agentID string, channelID int64) *Graph {
	for _, g := range q.graphs {
		if g.AgentID() == agentID && g.ChannelID() == channelID {
			return g
		}
	}
	return nil
}

// AddGraph appends a graph. At most one graph per conversation may exist;
// callers go through InsertReceivedTask for conversation graphs.
func (q *WorkQueue) AddGraph(g *Graph) {
	q.mu.Lock()
	q.graphs = append(q.graphs, g)
	q.mu.Unlock()
}

// RemoveGraph drops a graph by id.
func (q *WorkQueue) RemoveGraph(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeGraphLocked(id)
}

func (q *WorkQueue) removeGraphLocked(id string) {
	for i, g := range q.graphs {
		if g.ID == id {
			q.graphs = append(q.graphs[:i], q.graphs[i+1:]...)
			if q.cursor > i {
				q.cursor--
			}
			return
		}
	}
}

// RemoveIfComplete drops the graph when every task is terminal. Returns true
// when removed.
func (q *WorkQueue) RemoveIfComplete(g *Graph) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !g.Complete() {
		return false
	}
	q.removeGraphLocked(g.ID)
	return true
}

// NextTask advances the round-robin cursor and returns the first ready task
// of the first graph that has one. At most one task per call, which bounds
// per-conversation latency regardless of graph depth.
func (q *WorkQueue) NextTask(now time.Time) (*Graph, *Node) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.graphs)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		g := q.graphs[idx]
		g.propagateFailures()
		if task := q.firstReadyLocked(g, now); task != nil {
			q.cursor = (idx + 1) % n
			return g, task
		}
	}
	return nil, nil
}

func (q *WorkQueue) firstReadyLocked(g *Graph, now time.Time) *Node {
	for _, n := range g.Tasks {
		if !g.ready(n, now) {
			continue
		}
		// The typing gate only applies to received tasks in DMs.
		if n.Type == KindReceived && !g.IsGroupChat() && q.Typing != nil &&
			q.Typing.IsPartnerRecentlyTyping(g.AgentID(), g.ChannelID(), now) {
			continue
		}
		return n
	}
	return nil
}

// ReceivedInsert describes one inbound event to coalesce into a received task.
type ReceivedInsert struct {
	AgentID           string
	ChannelID         int64
	IsGroupChat       bool
	MessageID         int
	IsCallout         bool
	ClearMentions     bool
	ClearReactions    bool
	ReactionMessageID int // 0 = not a reaction event
	XSendIntent       string
	BypassGagged      bool
}

// InsertReceivedTask coalesces an inbound event into the conversation's
// graph. With a live received task the event merges into it; otherwise the
// conversation is replanned: terminal tasks carry over unchanged,
// preserve-flagged tasks stay live, everything else is cancelled, and a
// fresh received task is appended depending on the newest preserved task.
// Returns the task the event landed on (nil when gagged).
func (q *WorkQueue) InsertReceivedTask(ins ReceivedInsert) *Node {
	if !ins.BypassGagged && q.Gagged != nil && q.Gagged(ins.AgentID, ins.ChannelID) {
		slog.Debug("work queue: conversation gagged, dropping event",
			"agent", ins.AgentID, "channel", ins.ChannelID)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	old := q.graphForLocked(ins.AgentID, ins.ChannelID)
	if old != nil {
		if task := old.ReceivedTask(); task != nil {
			coalesce(task, ins)
			return task
		}
	}

	g := NewGraph(ins.AgentID, ins.ChannelID, ins.IsGroupChat)
	var lastPreserved *Node
	if old != nil {
		for k, v := range old.FetchedResources() {
			g.AddFetchedResource(k, v)
		}
		for _, n := range old.Tasks {
			switch {
			case n.Status.Terminal():
				g.Tasks = append(g.Tasks, n)
			case q.keep(old, n):
				g.Tasks = append(g.Tasks, n)
				lastPreserved = n
			default:
				n.Status = StatusCancelled
				g.Tasks = append(g.Tasks, n)
			}
		}
		q.removeGraphLocked(old.ID)
	}

	task := &Node{
		ID:     NewID("received"),
		Type:   KindReceived,
		Status: StatusPending,
		Params: map[string]any{},
	}
	if lastPreserved != nil {
		task.DependsOn = []string{lastPreserved.ID}
	}
	coalesce(task, ins)
	g.Tasks = append(g.Tasks, task)
	q.graphs = append(q.graphs, g)
	slog.Debug("work queue: received task inserted",
		"agent", ins.AgentID, "channel", ins.ChannelID, "graph", g.ID, "task", task.ID)
	return task
}

func (q *WorkQueue) keep(g *Graph, n *Node) bool {
	if q.Keep != nil {
		return q.Keep(g, n)
	}
	return defaultReplanKeep(g, n)
}

// coalesce merges one inbound event into a received task. Flags accumulate,
// reaction ids dedupe by message id, and message_id tracks the latest.
func coalesce(task *Node, ins ReceivedInsert) {
	if ins.MessageID != 0 {
		task.SetParam("message_id", ins.MessageID)
	}
	if ins.IsCallout {
		task.SetParam("is_callout", true)
	}
	if ins.ClearMentions {
		task.SetParam("clear_mentions", true)
	}
	if ins.ClearReactions {
		task.SetParam("clear_reactions", true)
	}
	if ins.XSendIntent != "" {
		task.SetParam("xsend_intent", ins.XSendIntent)
	}
	if ins.ReactionMessageID != 0 {
		ids := task.ParamIntList("reaction_message_ids")
		for _, id := range ids {
			if id == ins.ReactionMessageID {
				return
			}
		}
		task.SetParam("reaction_message_ids", append(ids, ins.ReactionMessageID))
	}
}

// CancelConversation cancels and removes the graph for a conversation.
func (q *WorkQueue) CancelConversation(agentID string, channelID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.graphForLocked(agentID, channelID)
	if g == nil {
		return false
	}
	g.CancelPending()
	q.removeGraphLocked(g.ID)
	return true
}

// CancelAgent cancels every graph belonging to a disabled agent.
func (q *WorkQueue) CancelAgent(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for i := len(q.graphs) - 1; i >= 0; i-- {
		g := q.graphs[i]
		if g.AgentID() != agentID {
			continue
		}
		g.CancelPending()
		q.removeGraphLocked(g.ID)
		count++
	}
	return count
}
