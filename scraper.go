package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// HTTP timeout for each page fetch
	ScraperTimeout = 30 * time.Second

	// MaxPageContentLength caps the text handed back to a model
	MaxPageContentLength = 4000

	// User agent for HTTP requests
	UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
)

// PageContent is the readable text extracted from a web page.
type PageContent struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated"`
}

// FetchURLContent downloads a page and extracts its readable text.
func FetchURLContent(ctx context.Context, rawURL string) (*PageContent, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers to mimic a browser
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	client := &http.Client{
		Timeout: ScraperTimeout,
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", parsed.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, parsed.String())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page := ExtractPageContent(doc)
	page.URL = parsed.String()
	return page, nil
}

// ExtractPageContent pulls the title, meta description and body text out of
// an HTML document. Scripts, styles and navigation chrome are dropped.
func ExtractPageContent(doc *goquery.Document) *PageContent {
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()

	page := &PageContent{
		Title: collapseWhitespace(doc.Find("title").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		page.Description = collapseWhitespace(desc)
	}

	// Prefer the main article when the page marks one
	root := doc.Find("article, main").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	var blocks []string
	root.Find("h1, h2, h3, h4, p, li, pre, td").Each(func(i int, s *goquery.Selection) {
		text := collapseWhitespace(s.Text())
		if text == "" {
			return
		}
		// Nested blocks (li > p) would repeat text
		if s.ParentsFiltered("p, li").Length() > 0 {
			return
		}
		blocks = append(blocks, text)
	})
	if len(blocks) == 0 {
		if text := collapseWhitespace(root.Text()); text != "" {
			blocks = append(blocks, text)
		}
	}

	text := strings.Join(blocks, "\n")
	if len([]rune(text)) > MaxPageContentLength {
		text = truncateText(text, MaxPageContentLength)
		page.Truncated = true
	}
	page.Text = text
	return page
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FetchURLTool exposes FetchURLContent to models as the fetch_url tool.
type FetchURLTool struct {
	Logger *slog.Logger
	fetch  func(ctx context.Context, rawURL string) (*PageContent, error)
}

// NewFetchURLTool creates the fetch_url tool.
func NewFetchURLTool(logger *slog.Logger) *FetchURLTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &FetchURLTool{Logger: logger, fetch: FetchURLContent}
}

func (t *FetchURLTool) Name() ToolName { return ToolFetchURL }

func (t *FetchURLTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunctionSchema{
			Name:        string(ToolFetchURL),
			Description: "Fetch a web page and return its readable text. Use this to read a specific URL, for example one found through web_search.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Absolute http(s) URL of the page to read",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}

func (t *FetchURLTool) Run(ctx context.Context, arguments map[string]any) ToolOutcome {
	target := stringArgument(arguments, "url")
	page, err := t.fetch(ctx, target)
	if err != nil {
		t.Logger.Warn("fetch_url failed", "url", target, "error", err)
		return ToolOutcome{Text: fmt.Sprintf("Error fetching URL: %v", err), Err: err}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nURL: %s\n", page.Title, page.URL)
	if page.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", page.Description)
	}
	b.WriteString("\n" + page.Text)
	if page.Truncated {
		b.WriteString("\n[content truncated]")
	}
	return ToolOutcome{Text: b.String(), Count: 1}
}
