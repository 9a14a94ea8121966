package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadAgentsFromDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cindy.json5", `{
		// persona for testing
		name: "Cindy",
		phone: "+15550001111",
		llm_name: "gemini",
		instructions: "You are Cindy.",
		timezone: "America/Los_Angeles",
		sticker_set_names: ["HotCherry"],
	}`)
	writeFile(t, dir, "bob.json", `{"name":"Bob","phone":"+15550002222","llm_name":"grok","instructions":"@bob-prompt.md"}`)
	writeFile(t, dir, "bob-prompt.md", "You are Bob.")
	writeFile(t, dir, "notes.txt", "ignored")

	agents, err := LoadAgents(dir)
	if err != nil {
		t.Fatalf("LoadAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("len = %d, want 2", len(agents))
	}
	// Sorted by filename: bob before cindy.
	if agents[0].Name != "Bob" || agents[1].Name != "Cindy" {
		t.Fatalf("order = %s, %s", agents[0].Name, agents[1].Name)
	}
	if agents[0].Instructions != "You are Bob." {
		t.Fatalf("@file instructions = %q", agents[0].Instructions)
	}
	if agents[1].HistorySize != 50 {
		t.Fatalf("default history size = %d", agents[1].HistorySize)
	}
	if agents[1].ID() != "cindy" {
		t.Fatalf("ID = %q", agents[1].ID())
	}
}

func TestLoadRolePrompts(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "prompts"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "prompts"), "Task-Schedule.md", "Plan your day.")
	writeFile(t, filepath.Join(dir, "prompts"), "README.txt", "ignored")

	prompts, err := LoadRolePrompts(dir)
	if err != nil {
		t.Fatalf("LoadRolePrompts: %v", err)
	}
	if prompts["Task-Schedule"] != "Plan your day." {
		t.Fatalf("prompts = %+v", prompts)
	}

	empty, err := LoadRolePrompts(t.TempDir())
	if err != nil || len(empty) != 0 {
		t.Fatalf("missing prompts dir should be empty, got %+v err %v", empty, err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Default()
		c.StateDir = "/tmp/state"
		c.ConfigPath = "/tmp/conf"
		c.Telegram = Telegram{APIID: 12345, APIHash: "h"}
		c.Keys = Keys{Gemini: "k"}
		c.Agents = []Agent{{Name: "Cindy", Phone: "+1", LLM: "gemini", Instructions: "x"}}
		return c
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := base()
	c.Telegram.APIHash = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("missing telegram hash should fail")
	}

	c = base()
	c.Keys = Keys{}
	if err := c.Validate(); err == nil {
		t.Fatalf("missing llm keys should fail")
	}

	c = base()
	c.Agents[0].Instructions = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("missing instructions should fail")
	}

	c = base()
	c.Agents[0].Disabled = true
	if err := c.Validate(); err == nil {
		t.Fatalf("no enabled agents should fail")
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv(EnvStateDir, "/var/lib/cindy")
	t.Setenv(EnvTelegramAPIID, "9999")
	t.Setenv(EnvAdminPort, "8443")
	t.Setenv(EnvLoopEnabled, "false")
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/var/lib/cindy" {
		t.Fatalf("state dir = %q", cfg.StateDir)
	}
	if cfg.Telegram.APIID != 9999 {
		t.Fatalf("api id = %d", cfg.Telegram.APIID)
	}
	if cfg.Admin.Port != 8443 {
		t.Fatalf("admin port = %d", cfg.Admin.Port)
	}
	if cfg.LoopEnabled {
		t.Fatalf("loop should be disabled")
	}
}
