// Package web provides the FetchUrl tool: HTTP GET plus readability
// extraction, gated on the network capability of the tool's source
// subtree.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	reploid "github.com/clocksmith/reploid"
)

// sourcePath is where the tool notionally lives in the VFS; its subtree
// profile decides whether network access is granted.
const sourcePath = "/infrastructure/tools/FetchUrl.js"

const (
	fetchTimeout  = 15 * time.Second
	maxBodyBytes  = 1 << 20 // 1MB
	maxResultRune = 8000
)

// Tools returns the web tool pack.
func Tools() []reploid.BuiltinTool {
	client := &http.Client{Timeout: fetchTimeout}
	return []reploid.BuiltinTool{
		{
			Name: "FetchUrl",
			Definition: reploid.ToolDefinition{
				Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
				ReadOnly:    true,
			},
			Handler: func(ctx context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
				return fetchURL(ctx, client, args, deps)
			},
		},
	}
}

func fetchURL(ctx context.Context, client *http.Client, args map[string]any, deps *reploid.Deps) (any, error) {
	if deps.Matrix != nil && !deps.Matrix.CapsFor(sourcePath).CanNetwork {
		return nil, fmt.Errorf("network capability not granted for %s", sourcePath)
	}
	rawURL, _ := args["url"].(string)

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ReploidBot/1.0)")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}

	content := extractText(string(body), rawURL)
	if len(content) > maxResultRune {
		content = content[:maxResultRune] + "\n... (truncated)"
	}
	return content, nil
}

// extractText runs readability extraction, falling back to tag
// stripping when the page has no extractable article.
func extractText(html, rawURL string) string {
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return stripHTML(html)
}

var (
	reScript = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	reTag    = regexp.MustCompile(`<[^>]+>`)
	reBlank  = regexp.MustCompile(`\n{3,}`)
)

func stripHTML(html string) string {
	text := reScript.ReplaceAllString(html, "")
	text = reTag.ReplaceAllString(text, "\n")
	text = reBlank.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
