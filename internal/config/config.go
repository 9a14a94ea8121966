// Package config loads the runtime configuration: process-wide settings from
// the environment and one persona file per agent from the config directory.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Env var names. CINDY_* vars are specific to this daemon; the Telegram and
// provider keys follow their upstream naming.
const (
	EnvStateDir    = "CINDY_AGENT_STATE_DIR"
	EnvConfigPath  = "CINDY_AGENT_CONFIG_PATH"
	EnvLoopEnabled = "CINDY_AGENT_LOOP_ENABLED"
	EnvLogLevel    = "CINDY_LOG_LEVEL"

	EnvTelegramAPIID   = "TELEGRAM_API_ID"
	EnvTelegramAPIHash = "TELEGRAM_API_HASH"

	EnvGeminiKey     = "GOOGLE_GEMINI_API_KEY"
	EnvGrokKey       = "GROK_API_KEY"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenRouterKey = "OPENROUTER_API_KEY"

	EnvAdminEnabled = "CINDY_ADMIN_CONSOLE_ENABLED"
	EnvAdminHost    = "CINDY_ADMIN_CONSOLE_HOST"
	EnvAdminPort    = "CINDY_ADMIN_CONSOLE_PORT"
	EnvAdminSSLCert = "CINDY_ADMIN_CONSOLE_SSL_CERT"
	EnvAdminSSLKey  = "CINDY_ADMIN_CONSOLE_SSL_KEY"
)

// StickerRef names one sticker inside a set.
type StickerRef struct {
	SetName     string `json:"set_name"`
	StickerName string `json:"sticker_name"`
}

// Agent is one persona, loaded from a json5 file in the config directory.
type Agent struct {
	Name             string       `json:"name"`
	Phone            string       `json:"phone"`
	LLM              string       `json:"llm_name"`
	Instructions     string       `json:"instructions"`
	RolePrompts      []string     `json:"role_prompts"`
	Timezone         string       `json:"timezone"`
	StickerSets      []string     `json:"sticker_set_names"`
	ExplicitStickers []StickerRef `json:"explicit_stickers"`
	CuratedDirs      []string     `json:"curated_media_dirs"`
	HistorySize      int          `json:"history_size"`

	// DailySchedule seeds schedule extension prompts with the persona's
	// typical day.
	DailySchedule string `json:"daily_schedule_description"`

	// ResetOnFirstMessage clears plans and summaries when a conversation
	// starts over; ClearSummariesOnFirstMessage clears only summaries.
	ResetOnFirstMessage          bool `json:"reset_on_first_message"`
	ClearSummariesOnFirstMessage bool `json:"clear_summaries_on_first_message"`

	Disabled bool `json:"is_disabled"`
}

// ID is the stable identifier used in queue context and store keys.
func (a *Agent) ID() string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(a.Name), " ", "-"))
}

// Admin configures the admin console listener. TLS is enabled when both
// cert and key files are set.
type Admin struct {
	Enabled  bool
	Host     string
	Port     int
	CertFile string
	KeyFile  string
}

func (a Admin) TLS() bool { return a.CertFile != "" && a.KeyFile != "" }

// Telegram holds the MTProto application credentials shared by all agents.
type Telegram struct {
	APIID   int
	APIHash string
}

// Keys holds the LLM provider API keys.
type Keys struct {
	Gemini     string
	Grok       string
	OpenAI     string
	OpenRouter string
}

func (k Keys) Any() bool {
	return k.Gemini != "" || k.Grok != "" || k.OpenAI != "" || k.OpenRouter != ""
}

// Config is the full process configuration.
type Config struct {
	StateDir    string
	ConfigPath  string
	LoopEnabled bool
	LogLevel    string

	Telegram Telegram
	Keys     Keys
	Admin    Admin

	// MediaBudgetPerTick bounds AI media descriptions per scheduler tick.
	MediaBudgetPerTick int
	// TickInterval is the scheduler cadence.
	TickInterval time.Duration

	Agents []Agent
}

// Validate checks that the process can actually run: credentials present,
// at least one enabled agent, personas complete.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("%s is required", EnvStateDir)
	}
	if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
		return fmt.Errorf("%s and %s are required", EnvTelegramAPIID, EnvTelegramAPIHash)
	}
	if !c.Keys.Any() {
		return fmt.Errorf("at least one LLM API key is required (%s, %s, %s or %s)",
			EnvGeminiKey, EnvGrokKey, EnvOpenAIKey, EnvOpenRouterKey)
	}
	enabled := 0
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if a.Phone == "" {
			return fmt.Errorf("agent %q: phone is required", a.Name)
		}
		if a.Instructions == "" {
			return fmt.Errorf("agent %q: instructions are required", a.Name)
		}
		if a.LLM == "" {
			return fmt.Errorf("agent %q: llm_name is required", a.Name)
		}
		if !a.Disabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled agents configured under %s", c.ConfigPath)
	}
	return nil
}
