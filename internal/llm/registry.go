package llm

import (
	"fmt"
	"strings"
)

// Keys holds the provider API keys found in the environment. At least one
// must be set for every configured agent.
type Keys struct {
	Gemini     string
	Grok       string
	OpenAI     string
	OpenRouter string
}

// Known provider identifiers. Agent configs name one of these (optionally
// with a "/model" suffix, e.g. "gemini/gemini-2.0-flash").
const (
	ProviderGemini     = "gemini"
	ProviderGrok       = "grok"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

var defaultModels = map[string]string{
	ProviderGemini:     "gemini-2.0-flash",
	ProviderGrok:       "grok-3",
	ProviderOpenAI:     "gpt-4o",
	ProviderOpenRouter: "google/gemini-2.0-flash-001",
}

var apiBases = map[string]string{
	ProviderGemini:     "https://generativelanguage.googleapis.com/v1beta/openai",
	ProviderGrok:       "https://api.x.ai/v1",
	ProviderOpenAI:     "https://api.openai.com/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
}

// New resolves an agent's llm_name to a configured provider client.
func New(llmName string, keys Keys) (Provider, error) {
	name := llmName
	model := ""
	if i := strings.Index(llmName, "/"); i > 0 {
		name, model = llmName[:i], llmName[i+1:]
	}
	name = strings.ToLower(strings.TrimSpace(name))

	var key string
	switch name {
	case ProviderGemini:
		key = keys.Gemini
	case ProviderGrok:
		key = keys.Grok
	case ProviderOpenAI:
		key = keys.OpenAI
	case ProviderOpenRouter:
		key = keys.OpenRouter
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", llmName)
	}
	if key == "" {
		return nil, fmt.Errorf("llm: no API key configured for provider %q", name)
	}
	if model == "" {
		model = defaultModels[name]
	}
	return NewOpenAICompat(name, key, apiBases[name], model), nil
}

// Any reports whether at least one key is configured.
func (k Keys) Any() bool {
	return k.Gemini != "" || k.Grok != "" || k.OpenAI != "" || k.OpenRouter != ""
}

func defaultSupportedMimes() map[string]bool {
	return map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/webp": true,
		"image/gif":  true,
		"video/mp4":  true,
		"video/webm": true,
		"audio/ogg":  true,
		"audio/mpeg": true,
		"audio/mp4":  true,
		"audio/wav":  true,
	}
}

const defaultInstructions = `You are operating a real chat account. Observe the conversation and decide
what, if anything, to do next. Reply with a JSON array of task objects and
nothing else. Each object must carry a "kind" field. Supported kinds include:
send (params: text, optional in_reply_to), sticker (sticker_set_name,
sticker_name), send_media (unique_id), wait (duration seconds or until
ISO-8601), think (text), remember (id, content), retrieve (urls), block,
unblock, xsend (target_channel_id, intent), schedule (id, start_time,
end_time, activity_name, description), clear-conversation. Return [] to do
nothing. Never wrap the array in prose.`
