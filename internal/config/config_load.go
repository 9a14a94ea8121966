package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with process defaults filled in. Env and persona
// files overlay it in Load.
func Default() *Config {
	return &Config{
		LoopEnabled:        true,
		LogLevel:           "info",
		MediaBudgetPerTick: 2,
		TickInterval:       2 * time.Second,
		Admin: Admin{
			Host: "127.0.0.1",
			Port: 9083,
		},
	}
}

// Load builds the configuration from the environment and the persona files
// under the config directory. It does not validate; callers decide whether a
// partial config is fatal.
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if cfg.ConfigPath != "" {
		agents, err := LoadAgents(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.Agents = agents
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr(EnvStateDir, &c.StateDir)
	envStr(EnvConfigPath, &c.ConfigPath)
	envStr(EnvLogLevel, &c.LogLevel)
	envStr(EnvTelegramAPIHash, &c.Telegram.APIHash)
	envStr(EnvGeminiKey, &c.Keys.Gemini)
	envStr(EnvGrokKey, &c.Keys.Grok)
	envStr(EnvOpenAIKey, &c.Keys.OpenAI)
	envStr(EnvOpenRouterKey, &c.Keys.OpenRouter)
	envStr(EnvAdminHost, &c.Admin.Host)
	envStr(EnvAdminSSLCert, &c.Admin.CertFile)
	envStr(EnvAdminSSLKey, &c.Admin.KeyFile)
	if v := os.Getenv(EnvAdminEnabled); v != "" {
		c.Admin.Enabled = v != "0" && !strings.EqualFold(v, "false") && !strings.EqualFold(v, "no")
	}

	if v := os.Getenv(EnvTelegramAPIID); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Telegram.APIID = id
		}
	}
	if v := os.Getenv(EnvAdminPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Admin.Port = port
		}
	}
	if v := os.Getenv(EnvLoopEnabled); v != "" {
		c.LoopEnabled = v != "0" && !strings.EqualFold(v, "false") && !strings.EqualFold(v, "no")
	}
}

// LoadAgents reads every .json/.json5 persona file under dir, sorted by
// filename so agent ordering is stable across restarts.
func LoadAgents(dir string) ([]Agent, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".json" || ext == ".json5" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	agents := make([]Agent, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var a Agent
		if err := json5.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if a.HistorySize <= 0 {
			a.HistorySize = 50
		}
		// Instructions may name a file next to the persona instead of
		// carrying the prompt inline.
		if strings.HasPrefix(a.Instructions, "@") {
			promptPath := filepath.Join(dir, strings.TrimPrefix(a.Instructions, "@"))
			prompt, err := os.ReadFile(promptPath)
			if err != nil {
				return nil, fmt.Errorf("agent %q: read instructions %s: %w", a.Name, promptPath, err)
			}
			a.Instructions = string(prompt)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// LoadRolePrompts reads the shared role prompt library: every .md file under
// dir/prompts, keyed by filename without extension (e.g. "Task-Schedule").
func LoadRolePrompts(dir string) (map[string]string, error) {
	promptDir := filepath.Join(dir, "prompts")
	entries, err := os.ReadDir(promptDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read prompts dir: %w", err)
	}
	prompts := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(promptDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".md")
		prompts[name] = string(data)
	}
	return prompts, nil
}
