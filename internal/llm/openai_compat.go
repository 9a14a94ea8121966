package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 120 * time.Second

// OpenAICompat talks to any OpenAI-compatible chat completions endpoint.
type OpenAICompat struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	instructions string
	// vision MIME types the backing model accepts for description calls.
	supportedMimes map[string]bool
}

// NewOpenAICompat builds a provider client. apiBase must not end in a slash.
func NewOpenAICompat(name, apiKey, apiBase, defaultModel string) *OpenAICompat {
	return &OpenAICompat{
		name:           name,
		apiKey:         apiKey,
		apiBase:        strings.TrimRight(apiBase, "/"),
		defaultModel:   defaultModel,
		client:         &http.Client{Timeout: defaultHTTPTimeout},
		instructions:   defaultInstructions,
		supportedMimes: defaultSupportedMimes(),
	}
}

func (p *OpenAICompat) Name() string  { return p.name }
func (p *OpenAICompat) Model() string { return p.defaultModel }

func (p *OpenAICompat) Instructions() string { return p.instructions }

func (p *OpenAICompat) SupportsMime(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return p.supportedMimes[mime]
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature,omitempty"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAICompat) QueryStructured(ctx context.Context, req StructuredRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	msgs := []chatMessage{{Role: "system", Content: req.SystemPrompt}}
	history := req.History
	if req.HistorySize > 0 && len(history) > req.HistorySize {
		history = history[len(history)-req.HistorySize:]
	}
	for _, h := range history {
		role := "user"
		if h.Out {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: formatHistoryLine(h, req.ChatType)})
	}
	msgs = append(msgs, chatMessage{
		Role: "user",
		Content: fmt.Sprintf("The current time is %s. Respond with a JSON array of task objects. Allowed task kinds: %s.",
			req.NowISO, strings.Join(req.AllowedTaskTypes, ", ")),
	})

	body := chatRequest{Model: model, Messages: msgs, Temperature: 0.7}
	return p.complete(ctx, body, req.Timeout)
}

// formatHistoryLine renders one turn. Group messages carry the sender name
// so the model can track who said what; DMs don't need it.
func formatHistoryLine(h HistoryMessage, chatType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[msg %d", h.MsgID)
	if h.TimeISO != "" {
		fmt.Fprintf(&b, " at %s", h.TimeISO)
	}
	b.WriteString("] ")
	if chatType != "user" && h.SenderName != "" && !h.Out {
		fmt.Fprintf(&b, "%s: ", h.SenderName)
	}
	b.WriteString(h.Text)
	return b.String()
}

func (p *OpenAICompat) QueryJSONSchema(ctx context.Context, systemPrompt string, schema map[string]any, model string, timeout time.Duration) (string, error) {
	if model == "" {
		model = p.defaultModel
	}
	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Respond with JSON matching the schema."},
		},
		ResponseFormat: map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": schema,
			},
		},
	}
	return p.complete(ctx, body, timeout)
}

func (p *OpenAICompat) DescribeImage(ctx context.Context, data []byte, mime string, timeout time.Duration) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	body := chatRequest{
		Model: p.defaultModel,
		Messages: []chatMessage{{
			Role: "user",
			Content: []map[string]any{
				{"type": "text", "text": "Describe this media in one or two sentences, focusing on what a person scrolling a chat would notice."},
				{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
			},
		}},
	}
	return p.complete(ctx, body, timeout)
}

// complete posts one chat-completions request with bounded retries on 429
// and 5xx. Content-filter finishes map to ErrProhibited.
func (p *OpenAICompat) complete(ctx context.Context, body chatRequest, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		text, retry, err := p.doOnce(ctx, payload)
		if err == nil {
			return text, nil
		}
		if !retry {
			return "", err
		}
		lastErr = err
		slog.Warn("llm request retrying", "provider", p.name, "attempt", attempt+1, "error", err)
	}
	return "", lastErr
}

func (p *OpenAICompat) doOnce(ctx context.Context, payload []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", true, fmt.Errorf("%s: read response: %w", p.name, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("%s: HTTP %d: %s", p.name, resp.StatusCode, truncate(string(raw), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%s: HTTP %d: %s", p.name, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("%s: %s", p.name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("%s: empty choices", p.name)
	}
	choice := parsed.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", false, ErrProhibited
	}
	return choice.Message.Content, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
