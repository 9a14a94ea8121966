// Package admin exposes the operator console over HTTP: queue inspection and
// clearing, per-conversation documents and memories, gag and model overrides,
// schedules, sticker import, and cross-conversation send triggers.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/agent"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/clock"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/config"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/schedule"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/store"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram"
)

// execTimeout bounds console operations marshalled onto an agent's loop.
const execTimeout = 30 * time.Second

// Server is the admin console. It mutates agent state only through the work
// queue, the store, and Agent.Execute, never behind their locks.
type Server struct {
	Cfg    config.Admin
	Clock  clock.Clock
	Queue  *tasks.WorkQueue
	Store  *store.Store
	Agents map[string]*agent.Agent
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents/{agent}/enable", s.handleSetEnabled(true))
	mux.HandleFunc("POST /v1/agents/{agent}/disable", s.handleSetEnabled(false))
	mux.HandleFunc("POST /v1/agents/{agent}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/agents/{agent}/xsend", s.handleXSend)

	mux.HandleFunc("GET /v1/queue", s.handleQueue)
	mux.HandleFunc("DELETE /v1/queue/{agent}", s.handleClearAgent)
	mux.HandleFunc("DELETE /v1/queue/{agent}/{channel}", s.handleClearConversation)

	mux.HandleFunc("GET /v1/agents/{agent}/channels/{channel}/memories", s.handleListMemories)
	mux.HandleFunc("PUT /v1/agents/{agent}/channels/{channel}/memories/{id}", s.handlePutMemory)
	mux.HandleFunc("DELETE /v1/agents/{agent}/channels/{channel}/memories/{id}", s.handleDeleteMemory)

	mux.HandleFunc("GET /v1/agents/{agent}/channels/{channel}/docs/{kind}", s.handleGetDoc)
	mux.HandleFunc("PUT /v1/agents/{agent}/channels/{channel}/docs/{kind}", s.handlePutDoc)
	mux.HandleFunc("DELETE /v1/agents/{agent}/channels/{channel}/docs/{kind}", s.handleDeleteDoc)

	mux.HandleFunc("GET /v1/agents/{agent}/channels/{channel}/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/agents/{agent}/channels/{channel}/gag", s.handlePutGag)
	mux.HandleFunc("PUT /v1/agents/{agent}/channels/{channel}/model", s.handlePutModel)

	mux.HandleFunc("GET /v1/agents/{agent}/schedule", s.handleGetSchedule)
	mux.HandleFunc("PUT /v1/agents/{agent}/schedule", s.handlePutSchedule)

	mux.HandleFunc("GET /v1/agents/{agent}/tasklog", s.handleTaskLog)

	mux.HandleFunc("POST /v1/agents/{agent}/stickers/{set}/import", s.handleImportStickers)
	mux.HandleFunc("GET /v1/agents/{agent}/media/{id}", s.handleGetMedia)
	mux.HandleFunc("PUT /v1/agents/{agent}/media/{id}", s.handlePutMedia)
	mux.HandleFunc("GET /v1/agents/{agent}/media/{id}/file", s.handleExportMedia)

	return mux
}

// Run serves until ctx is cancelled. TLS is used when both cert and key are
// configured.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.Cfg.Host, strconv.Itoa(s.Cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.Cfg.TLS() {
			err = srv.ListenAndServeTLS(s.Cfg.CertFile, s.Cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	slog.Info("admin console listening", "addr", srv.Addr, "tls", s.Cfg.TLS())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) agentFrom(w http.ResponseWriter, r *http.Request) *agent.Agent {
	a, ok := s.Agents[r.PathValue("agent")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return nil
	}
	return a
}

func channelFrom(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("channel"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	type agentInfo struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Phone      string `json:"phone"`
		Disabled   bool   `json:"disabled"`
		Authorized bool   `json:"authorized"`
	}
	var out []agentInfo
	for _, a := range s.Agents {
		authorized, _ := a.Client.IsAuthorized(r.Context())
		out = append(out, agentInfo{
			ID:         a.ID,
			Name:       a.Cfg.Name,
			Phone:      a.Cfg.Phone,
			Disabled:   a.Disabled(),
			Authorized: authorized,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := s.agentFrom(w, r)
		if a == nil {
			return
		}
		a.SetDisabled(!enabled)
		if !enabled {
			cleared := s.Queue.CancelAgent(a.ID)
			slog.Info("admin: agent disabled", "agent", a.ID, "graphs_cancelled", cleared)
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": a.ID, "disabled": a.Disabled()})
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	err := a.Execute(r.Context(), func(ctx context.Context) {
		a.RefreshCaches(ctx)
	}, execTimeout)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

// handleXSend asks an agent to initiate contact on a conversation with a
// stated intent. The message content is still the model's to write.
func (s *Server) handleXSend(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	var req struct {
		ChannelID int64  `json:"channel_id"`
		Intent    string `json:"intent"`
		IsGroup   bool   `json:"is_group"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.ChannelID == 0 || req.Intent == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel_id and intent are required"})
		return
	}
	task := s.Queue.InsertReceivedTask(tasks.ReceivedInsert{
		AgentID:      a.ID,
		ChannelID:    req.ChannelID,
		IsGroupChat:  req.IsGroup,
		XSendIntent:  req.Intent,
		BypassGagged: true,
	})
	if err := s.Queue.Save(); err != nil {
		slog.Warn("admin: queue save failed", "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": task.ID})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	type taskInfo struct {
		ID     string `json:"id"`
		Kind   string `json:"kind"`
		Status string `json:"status"`
	}
	type graphInfo struct {
		ID        string     `json:"id"`
		AgentID   string     `json:"agent_id"`
		ChannelID int64      `json:"channel_id"`
		Group     bool       `json:"is_group"`
		Tasks     []taskInfo `json:"tasks"`
	}
	var out []graphInfo
	for _, g := range s.Queue.Graphs() {
		gi := graphInfo{ID: g.ID, AgentID: g.AgentID(), ChannelID: g.ChannelID(), Group: g.IsGroupChat()}
		for _, n := range g.Tasks {
			gi.Tasks = append(gi.Tasks, taskInfo{ID: n.ID, Kind: n.Type, Status: string(n.Status)})
		}
		out = append(out, gi)
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": out})
}

func (s *Server) handleClearAgent(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	cleared := s.Queue.CancelAgent(a.ID)
	if err := s.Queue.Save(); err != nil {
		slog.Warn("admin: queue save failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	cleared := s.Queue.CancelConversation(a.ID, channel)
	if err := s.Queue.Save(); err != nil {
		slog.Warn("admin: queue save failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	memories, err := s.Store.Memories(r.Context(), a.ID, channel)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

func (s *Server) handlePutMemory(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	if err := s.Store.UpsertMemory(r.Context(), a.ID, channel, r.PathValue("id"), req.Content); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	if err := s.Store.DeleteMemory(r.Context(), a.ID, channel, r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	content, err := s.Store.Doc(r.Context(), a.ID, channel, r.PathValue("kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kind": r.PathValue("kind"), "content": content})
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := s.Store.SetDoc(r.Context(), a.ID, channel, r.PathValue("kind"), req.Content); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	if err := s.Store.SetDoc(r.Context(), a.ID, channel, r.PathValue("kind"), ""); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	gagged, err := s.Store.IsGagged(r.Context(), a.ID, channel)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	model, err := s.Store.ConversationModel(r.Context(), a.ID, channel)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gagged": gagged, "model": model})
}

func (s *Server) handlePutGag(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Gagged bool `json:"gagged"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := s.Store.SetGagged(r.Context(), a.ID, channel, req.Gagged); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	// Gagging an active conversation also drops its pending work.
	if req.Gagged {
		s.Queue.CancelConversation(a.ID, channel)
		if err := s.Queue.Save(); err != nil {
			slog.Warn("admin: queue save failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"gagged": req.Gagged})
}

func (s *Server) handlePutModel(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	channel, ok := channelFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := s.Store.SetConversationModel(r.Context(), a.ID, channel, req.Model); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": req.Model})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	sched, err := s.Store.LoadSchedule(r.Context(), a.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sched == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no schedule"})
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	var sched schedule.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	// Re-apply through Upsert so the overlap invariant holds for hand-edited
	// documents too.
	clean := schedule.Schedule{Timezone: sched.Timezone, LastExtended: sched.LastExtended}
	for _, act := range sched.Activities {
		if act.ID == "" {
			act.ID = tasks.NewID("act")
		}
		if err := clean.Upsert(act); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("activity %q: %v", act.Name, err)})
			return
		}
	}
	if err := s.Store.SaveSchedule(r.Context(), a.ID, &clean); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": len(clean.Activities)})
}

func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		limit, _ = strconv.Atoi(q)
	}
	entries, err := s.Store.RecentTaskLog(r.Context(), a.ID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleImportStickers(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	set := r.PathValue("set")
	var described int
	var importErr error
	err := a.Execute(r.Context(), func(ctx context.Context) {
		described, importErr = a.ImportStickerSet(ctx, set)
	}, execTimeout)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if importErr != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": importErr.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"set": set, "described": described})
}

func (s *Server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	rec, err := a.MediaRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no record"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePutMedia(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	var req struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := a.SetMediaDescription(r.PathValue("id"), telegramMediaKind(req.Kind), req.Description); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleExportMedia(w http.ResponseWriter, r *http.Request) {
	a := s.agentFrom(w, r)
	if a == nil {
		return
	}
	data, kind, err := a.ExportMedia(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(kind))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func contentTypeFor(kind telegram.MediaKind) string {
	switch kind {
	case telegram.MediaPhoto:
		return "image/jpeg"
	case telegram.MediaSticker:
		return "image/webp"
	case telegram.MediaGIF, telegram.MediaVideo, telegram.MediaAnimation:
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

func telegramMediaKind(s string) telegram.MediaKind {
	if s == "" {
		return telegram.MediaPhoto
	}
	return telegram.MediaKind(s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("admin: response encode failed", "error", err)
	}
}
