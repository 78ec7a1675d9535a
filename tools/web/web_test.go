package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	reploid "github.com/clocksmith/reploid"
	"github.com/clocksmith/reploid/caps"
)

func fetchHandler(t *testing.T) reploid.ToolHandler {
	t.Helper()
	tools := Tools()
	if len(tools) != 1 || tools[0].Name != "FetchUrl" {
		t.Fatalf("tools = %+v", tools)
	}
	return tools[0].Handler
}

func TestFetchUrlExtractsText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>T</title><script>var x=1;</script></head>
<body><article><h1>Headline</h1><p>The actual body text of the page.</p></article></body></html>`))
	}))
	defer server.Close()

	deps := &reploid.Deps{Matrix: caps.DefaultMatrix()}
	result, err := fetchHandler(t)(context.Background(), map[string]any{"url": server.URL}, deps)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	text := result.(string)
	if !strings.Contains(text, "actual body text") {
		t.Errorf("extracted = %q", text)
	}
	if strings.Contains(text, "var x=1") {
		t.Errorf("script content leaked into extraction")
	}
}

func TestFetchUrlHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	deps := &reploid.Deps{Matrix: caps.DefaultMatrix()}
	if _, err := fetchHandler(t)(context.Background(), map[string]any{"url": server.URL}, deps); err == nil {
		t.Errorf("404 accepted")
	}
}

func TestFetchUrlRequiresNetworkCapability(t *testing.T) {
	// A matrix that denies network to the tool's subtree.
	matrix := caps.NewMatrix(map[string]caps.Profile{
		"/infrastructure/": {Allowed: []string{"*"}, Privileged: true},
	})
	deps := &reploid.Deps{Matrix: matrix}
	_, err := fetchHandler(t)(context.Background(), map[string]any{"url": "http://localhost/"}, deps)
	if err == nil || !strings.Contains(err.Error(), "network capability") {
		t.Errorf("err = %v, want capability denial", err)
	}
}

func TestStripHTML(t *testing.T) {
	out := stripHTML(`<div><script>bad()</script><p>keep this</p><style>.x{}</style></div>`)
	if !strings.Contains(out, "keep this") || strings.Contains(out, "bad()") || strings.Contains(out, ".x{}") {
		t.Errorf("stripHTML = %q", out)
	}
}
