package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/olivia3215/cw-telegram-agent-sub000/internal/admin"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/agent"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/clock"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/config"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/dispatch"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/handlers"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/llm"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/media"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/pipeline"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/store"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tasks"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/telegram/gotd"
	"github.com/olivia3215/cw-telegram-agent-sub000/internal/tick"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch {
	case verbose:
		logLevel = slog.LevelDebug
	default:
		switch strings.ToLower(level) {
		case "debug":
			logLevel = slog.LevelDebug
		case "warn", "warning":
			logLevel = slog.LevelWarn
		case "error":
			logLevel = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func runServe() {
	cfg, err := config.Load()
	if err != nil {
		setupLogging("info")
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Join(cfg.StateDir, "sessions"), 0o755); err != nil {
		slog.Error("failed to create state dir", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(cfg.StateDir, "agent.db"))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	queue := tasks.NewWorkQueue(filepath.Join(cfg.StateDir, "work-queue.md"))
	if err := queue.Load(); err != nil {
		slog.Warn("could not restore work queue, starting empty", "error", err)
	}
	queue.Gagged = func(agentID string, channelID int64) bool {
		gagged, err := st.IsGagged(context.Background(), agentID, channelID)
		return err == nil && gagged
	}

	registry := dispatch.NewRegistry()
	handlers.Register(registry)
	pipe := &pipeline.Pipeline{Registry: registry, StateDir: cfg.StateDir}
	pipe.Register(registry)

	rolePrompts, err := config.LoadRolePrompts(cfg.ConfigPath)
	if err != nil {
		slog.Error("failed to load role prompts", "error", err)
		os.Exit(1)
	}

	budget := media.NewBudget(cfg.MediaBudgetPerTick)
	clk := clock.System{}

	agents := make(map[string]*agent.Agent, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		provider, err := llm.New(ac.LLM, llm.Keys{
			Gemini:     cfg.Keys.Gemini,
			Grok:       cfg.Keys.Grok,
			OpenAI:     cfg.Keys.OpenAI,
			OpenRouter: cfg.Keys.OpenRouter,
		})
		if err != nil {
			slog.Error("failed to resolve LLM provider", "agent", ac.ID(), "llm", ac.LLM, "error", err)
			os.Exit(1)
		}

		client := gotd.New(gotd.Config{
			APIID:       cfg.Telegram.APIID,
			APIHash:     cfg.Telegram.APIHash,
			Phone:       ac.Phone,
			SessionPath: filepath.Join(cfg.StateDir, "sessions", ac.ID()+".session"),
		})

		a := agent.New(agent.Options{
			Cfg:         ac,
			Client:      client,
			Queue:       queue,
			Store:       st,
			LLM:         provider,
			Clock:       clk,
			StateDir:    cfg.StateDir,
			Budget:      budget,
			RolePrompts: rolePrompts,
		})
		agents[a.ID] = a
		slog.Info("agent configured", "agent", a.ID, "llm", provider.Name(), "model", provider.Model(), "disabled", a.Disabled())
	}

	loop := &tick.Loop{
		Interval: cfg.TickInterval,
		BudgetN:  cfg.MediaBudgetPerTick,
		Clock:    clk,
		Queue:    queue,
		Registry: registry,
		Store:    st,
		Budget:   budget,
		Agents:   agents,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("daemon starting",
		"version", Version,
		"agents", len(agents),
		"loop_enabled", cfg.LoopEnabled,
		"admin_enabled", cfg.Admin.Enabled,
	)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.LoopEnabled {
		for _, a := range agents {
			g.Go(func() error { return a.Run(ctx) })
		}
		g.Go(func() error { return loop.Run(ctx) })
	} else {
		slog.Warn("work loop disabled, serving admin console only")
	}

	if cfg.Admin.Enabled {
		console := &admin.Server{
			Cfg:    cfg.Admin,
			Clock:  clk,
			Queue:  queue,
			Store:  st,
			Agents: agents,
		}
		g.Go(func() error { return console.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon stopped", "error", err)
		os.Exit(1)
	}

	if err := queue.Save(); err != nil {
		slog.Warn("failed to persist work queue on shutdown", "error", err)
	}
	slog.Info("daemon stopped")
}
