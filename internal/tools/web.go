package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/jeebsjenkins/openclaw/internal/schema"
	"github.com/jeebsjenkins/openclaw/internal/shared/stringutils"
)

const (
	webUserAgent    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36"
	maxFetchBody    = 4 << 20
	defaultMaxChars = 20_000
)

// WebFetchTool downloads a page and extracts its readable text.
type WebFetchTool struct {
	httpClient *http.Client
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a web page and return its readable text content."
}
func (t *WebFetchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The http(s) URL to fetch"},
			"maxChars": {"type": "integer", "description": "Truncate the extracted text to this many characters"}
		},
		"required": ["url"]
	}`)
}

func (t *WebFetchTool) Execute(ctx context.Context, input map[string]any, tc schema.ToolContext) schema.ToolResult {
	rawURL, _ := input["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return schema.ToolResult{Output: fmt.Sprintf("invalid url %q: need http(s) with a host", rawURL), IsError: true}
	}

	maxChars := defaultMaxChars
	if v, ok := input["maxChars"].(float64); ok && v > 0 {
		maxChars = int(v)
	}

	client := t.httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return schema.ToolResult{Output: err.Error(), IsError: true}
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return schema.ToolResult{Output: fmt.Sprintf("fetch %s: %v", rawURL, err), IsError: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return schema.ToolResult{Output: fmt.Sprintf("fetch %s: HTTP %d", rawURL, resp.StatusCode), IsError: true}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return schema.ToolResult{Output: fmt.Sprintf("read %s: %v", rawURL, err), IsError: true}
	}

	article, err := readability.FromReader(bytes.NewReader(body), resp.Request.URL)
	if err != nil {
		// Extraction failure still yields the raw body, truncated.
		return schema.ToolResult{Output: stringutils.Truncate(string(body), maxChars)}
	}
	return schema.ToolResult{Output: map[string]any{
		"title": article.Title,
		"text":  stringutils.Truncate(article.TextContent, maxChars),
	}}
}
