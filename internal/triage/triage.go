// Package triage is a minimal JSON-over-HTTPS client for the secondary
// model endpoint, used for yes/no act decisions and short titles.
package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeebsjenkins/openclaw/internal/config"
)

const (
	defaultAPIBase = "https://api.anthropic.com"
	defaultModel   = "claude-3-5-haiku-latest"
	apiVersion     = "2023-06-01"
	maxTitleWords  = 8
)

// Client talks to the triage model's messages endpoint.
type Client struct {
	apiBase    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New builds a Client from the triage config section.
func New(cfg config.TriageConfig) *Client {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiBase:    base,
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Enabled reports whether an API key is configured. Callers without a key
// fall back to the LLM-CLI one-shot mode.
func (c *Client) Enabled() bool { return c.apiKey != "" }

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
}

// Complete sends one user prompt and returns the model's text.
func (c *Client) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model":      c.model,
		"max_tokens": maxTokens,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	}
	if system != "" {
		body["system"] = system
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal triage request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build triage request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call triage endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read triage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Anthropic API %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse triage response: %w", err)
	}
	var out strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

// ShouldAct asks the model the yes/no question in prompt. Only a first
// line starting with NO rejects; anything else accepts.
func (c *Client) ShouldAct(ctx context.Context, prompt string) (bool, error) {
	text, err := c.Complete(ctx, "Answer with YES or NO on the first line.", prompt, 16)
	if err != nil {
		return false, err
	}
	return ParseDecision(text), nil
}

// Title asks the model for a short session title and clamps it to eight
// words.
func (c *Client) Title(ctx context.Context, prompt string) (string, error) {
	text, err := c.Complete(ctx,
		"Generate a concise title for this conversation. Maximum 8 words. Reply with the title only.",
		prompt, 64)
	if err != nil {
		return "", err
	}
	return ClampTitle(text), nil
}

// ParseDecision reads the first line of a triage reply. NO rejects,
// everything else accepts.
func ParseDecision(text string) bool {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "NO")
}

// ClampTitle trims quotes and cuts the reply down to the first line and
// at most eight words.
func ClampTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.Trim(line, `"'`)
	words := strings.Fields(line)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	return strings.Join(words, " ")
}
