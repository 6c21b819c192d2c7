package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTavilyURL is the Tavily search endpoint
	DefaultTavilyURL = "https://api.tavily.com/search"

	searchTimeout     = 30 * time.Second
	searchMaxResults  = 10
	searchExcerptSize = 300
)

// TavilySearchRequest is the body sent to the search provider.
type TavilySearchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

// TavilySearchResult is one hit returned by the provider.
type TavilySearchResult struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

// TavilySearchResponse is the provider response body.
type TavilySearchResponse struct {
	Answer  string               `json:"answer,omitempty"`
	Results []TavilySearchResult `json:"results"`
}

// WebSearchTool queries the Tavily search API.
type WebSearchTool struct {
	APIKey     string
	APIURL     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewWebSearchTool creates the web_search tool.
func NewWebSearchTool(apiKey, apiURL string, logger *slog.Logger) *WebSearchTool {
	if apiURL == "" {
		apiURL = DefaultTavilyURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSearchTool{
		APIKey:     apiKey,
		APIURL:     apiURL,
		HTTPClient: &http.Client{Timeout: searchTimeout},
		Logger:     logger,
	}
}

func (t *WebSearchTool) Name() ToolName { return ToolWebSearch }

func (t *WebSearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunctionSchema{
			Name:        string(ToolWebSearch),
			Description: "Search the web for current information. Use this when the question requires up-to-date information, news, or facts that might have changed after your knowledge cutoff.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query to find relevant information",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// Run executes the search. Provider problems come back as text so the
// model still receives a tool result.
func (t *WebSearchTool) Run(ctx context.Context, arguments map[string]any) ToolOutcome {
	query := stringArgument(arguments, "query")

	if t.APIKey == "" {
		msg := "Error: Web search not configured (TAVILY_API_KEY not set)"
		t.Logger.Warn("web search requested without credentials")
		return ToolOutcome{Text: msg, Err: fmt.Errorf("TAVILY_API_KEY not configured")}
	}
	if strings.TrimSpace(query) == "" {
		return ToolOutcome{Text: "Error searching: empty query", Err: fmt.Errorf("empty query")}
	}

	data, err := t.search(ctx, query)
	if err != nil {
		t.Logger.Error("web search failed", "query", query, "error", err)
		return ToolOutcome{Text: fmt.Sprintf("Error searching: %v", err), Err: err}
	}

	return ToolOutcome{Text: FormatSearchResults(data), Count: len(data.Results)}
}

func (t *WebSearchTool) search(ctx context.Context, query string) (*TavilySearchResponse, error) {
	payload, err := json.Marshal(TavilySearchRequest{
		APIKey:        t.APIKey,
		Query:         query,
		SearchDepth:   "basic",
		MaxResults:    searchMaxResults,
		IncludeAnswer: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: searchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search provider returned status %d", resp.StatusCode)
	}

	var data TavilySearchResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &data, nil
}

// FormatSearchResults renders provider results as plain text for the model.
func FormatSearchResults(data *TavilySearchResponse) string {
	var b strings.Builder

	if data.Answer != "" {
		b.WriteString("Summary: " + data.Answer + "\n\n")
	}
	if len(data.Results) == 0 {
		b.WriteString("No results found")
		return b.String()
	}

	b.WriteString("Sources:\n")
	for _, r := range data.Results {
		title := r.Title
		if title == "" {
			title = "No title"
		}
		fmt.Fprintf(&b, "- %s\n", title)
		fmt.Fprintf(&b, "  %s...\n", truncateText(r.Content, searchExcerptSize))
		fmt.Fprintf(&b, "  URL: %s\n\n", r.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}
