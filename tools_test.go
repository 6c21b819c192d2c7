package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTool is a ToolHandler with a fixed outcome.
type stubTool struct {
	name    ToolName
	outcome ToolOutcome
}

func (s stubTool) Name() ToolName { return s.name }

func (s stubTool) Definition() ToolDefinition {
	return ToolDefinition{Type: "function", Function: ToolFunctionSchema{Name: string(s.name)}}
}

func (s stubTool) Run(ctx context.Context, arguments map[string]any) ToolOutcome {
	return s.outcome
}

func TestToolRegistry(t *testing.T) {
	registry := NewToolRegistry(
		NewWebSearchTool("", "", testLogger()),
		NewFetchURLTool(testLogger()),
	)

	_, ok := registry.Lookup("web_search")
	assert.True(t, ok)
	_, ok = registry.Lookup("fetch_url")
	assert.True(t, ok)
	_, ok = registry.Lookup("rm_rf")
	assert.False(t, ok)

	defs := registry.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "fetch_url", defs[0].Function.Name)
	assert.Equal(t, "web_search", defs[1].Function.Name)
	for _, d := range defs {
		assert.Equal(t, "function", d.Type)
		assert.Equal(t, "object", d.Function.Parameters["type"])
	}
}

func TestToolExecutor(t *testing.T) {
	t.Run("successful call is logged", func(t *testing.T) {
		registry := NewToolRegistry(stubTool{name: ToolWebSearch, outcome: ToolOutcome{Text: strings.Repeat("x", 150), Count: 4}})
		executor := NewToolExecutor(registry, testLogger())

		text := executor.Execute(context.Background(), "web_search", map[string]any{"query": "go"})
		assert.Len(t, text, 150)

		logs := executor.Logs()
		require.Len(t, logs, 1)
		assert.Equal(t, "web_search", logs[0].ToolName)
		assert.True(t, logs[0].Success)
		assert.Equal(t, 4, logs[0].ResultCount)
		assert.Len(t, logs[0].ResultPreview, toolPreviewLength)
		assert.Equal(t, "go", logs[0].Arguments["query"])
	})

	t.Run("failed call keeps its text", func(t *testing.T) {
		registry := NewToolRegistry(stubTool{name: ToolFetchURL, outcome: ToolOutcome{Text: "Error fetching URL: 404", Err: errors.New("404")}})
		executor := NewToolExecutor(registry, testLogger())

		text := executor.Execute(context.Background(), "fetch_url", nil)
		assert.Equal(t, "Error fetching URL: 404", text)

		logs := executor.Logs()
		require.Len(t, logs, 1)
		assert.False(t, logs[0].Success)
		assert.Equal(t, "404", logs[0].Error)
		assert.NotNil(t, logs[0].Arguments)
	})

	t.Run("unknown tool", func(t *testing.T) {
		executor := NewToolExecutor(NewToolRegistry(), testLogger())

		text := executor.Execute(context.Background(), "launch_missiles", map[string]any{})
		assert.Equal(t, "Unknown tool: launch_missiles", text)

		logs := executor.Logs()
		require.Len(t, logs, 1)
		assert.False(t, logs[0].Success)
	})

	t.Run("log is bounded", func(t *testing.T) {
		registry := NewToolRegistry(stubTool{name: ToolWebSearch, outcome: ToolOutcome{Text: "ok"}})
		executor := NewToolExecutor(registry, testLogger())

		var wg sync.WaitGroup
		for i := 0; i < MaxToolLogEntries+25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				executor.Execute(context.Background(), "web_search", map[string]any{})
			}()
		}
		wg.Wait()

		assert.Len(t, executor.Logs(), MaxToolLogEntries)
		assert.Equal(t, 25, executor.Dropped())

		ledger := NewUsageLedger(nil, testLogger())
		ledger.AttachTools(executor)
		assert.Equal(t, 25, ledger.Summary().ToolCallsDropped)
	})
}

func TestStringArgument(t *testing.T) {
	args := map[string]any{"query": "go", "count": 3}
	assert.Equal(t, "go", stringArgument(args, "query"))
	assert.Equal(t, "", stringArgument(args, "count"))
	assert.Equal(t, "", stringArgument(args, "missing"))
	assert.Equal(t, "", stringArgument(nil, "query"))
}

func TestWebSearchTool(t *testing.T) {
	t.Run("missing API key", func(t *testing.T) {
		tool := NewWebSearchTool("", "", testLogger())
		outcome := tool.Run(context.Background(), map[string]any{"query": "golang"})

		assert.Error(t, outcome.Err)
		assert.Equal(t, "Error: Web search not configured (TAVILY_API_KEY not set)", outcome.Text)
	})

	t.Run("empty query", func(t *testing.T) {
		tool := NewWebSearchTool("key", "", testLogger())
		outcome := tool.Run(context.Background(), map[string]any{})

		assert.Error(t, outcome.Err)
		assert.Contains(t, outcome.Text, "empty query")
	})

	t.Run("results are formatted", func(t *testing.T) {
		var got TavilySearchRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, decodeJSON(r, &got))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"answer":"Go 1.23 added iterators.","results":[{"title":"Go 1.23 Release Notes","content":"Range over func","url":"https://go.dev/doc/go1.23"}]}`)
		}))
		defer server.Close()

		tool := NewWebSearchTool("tvly-key", server.URL, testLogger())
		outcome := tool.Run(context.Background(), map[string]any{"query": "go 1.23"})

		require.NoError(t, outcome.Err)
		assert.Equal(t, 1, outcome.Count)
		assert.Equal(t, "tvly-key", got.APIKey)
		assert.Equal(t, "go 1.23", got.Query)
		assert.Equal(t, "basic", got.SearchDepth)
		assert.Equal(t, 10, got.MaxResults)
		assert.True(t, got.IncludeAnswer)

		want := "Summary: Go 1.23 added iterators.\n\nSources:\n- Go 1.23 Release Notes\n  Range over func...\n  URL: https://go.dev/doc/go1.23"
		assert.Equal(t, want, outcome.Text)
	})

	t.Run("provider error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		tool := NewWebSearchTool("bad-key", server.URL, testLogger())
		outcome := tool.Run(context.Background(), map[string]any{"query": "go"})

		assert.Error(t, outcome.Err)
		assert.True(t, strings.HasPrefix(outcome.Text, "Error searching:"), outcome.Text)
	})
}

func TestFormatSearchResults(t *testing.T) {
	t.Run("no results", func(t *testing.T) {
		assert.Equal(t, "No results found", FormatSearchResults(&TavilySearchResponse{}))
	})

	t.Run("untitled result and long excerpt", func(t *testing.T) {
		text := FormatSearchResults(&TavilySearchResponse{
			Results: []TavilySearchResult{{Content: strings.Repeat("a", 400), URL: "https://example.com"}},
		})
		assert.Contains(t, text, "- No title\n")
		assert.Contains(t, text, "  "+strings.Repeat("a", 300)+"...\n")
		assert.NotContains(t, text, "Summary:")
	})
}

func TestExtractPageContent(t *testing.T) {
	html := `<html>
<head>
  <title> Example   Page </title>
  <meta name="description" content="A page about things">
  <script>var tracking = 1;</script>
</head>
<body>
  <nav><a href="/">Home</a></nav>
  <article>
    <h1>Heading</h1>
    <p>First   paragraph.</p>
    <ul><li><p>Nested item</p></li></ul>
  </article>
  <footer>Copyright</footer>
</body>
</html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	page := ExtractPageContent(doc)
	assert.Equal(t, "Example Page", page.Title)
	assert.Equal(t, "A page about things", page.Description)
	assert.Equal(t, "Heading\nFirst paragraph.\nNested item", page.Text)
	assert.False(t, page.Truncated)
	assert.NotContains(t, page.Text, "tracking")
	assert.NotContains(t, page.Text, "Copyright")
}

func TestExtractPageContentTruncates(t *testing.T) {
	html := "<html><body><p>" + strings.Repeat("word ", 2000) + "</p></body></html>"
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	page := ExtractPageContent(doc)
	assert.True(t, page.Truncated)
	assert.Len(t, []rune(page.Text), MaxPageContentLength)
}

func TestFetchURLContent(t *testing.T) {
	t.Run("fetches and extracts", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NotEmpty(t, r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><head><title>Docs</title></head><body><main><p>Hello from the docs.</p></main></body></html>`)
		}))
		defer server.Close()

		page, err := FetchURLContent(context.Background(), server.URL+"/docs")
		require.NoError(t, err)
		assert.Equal(t, "Docs", page.Title)
		assert.Equal(t, "Hello from the docs.", page.Text)
		assert.Equal(t, server.URL+"/docs", page.URL)
	})

	t.Run("rejects non-http URLs", func(t *testing.T) {
		for _, raw := range []string{"", "ftp://example.com", "file:///etc/passwd", "not a url"} {
			_, err := FetchURLContent(context.Background(), raw)
			assert.Error(t, err, raw)
		}
	})

	t.Run("non-200 status", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()

		_, err := FetchURLContent(context.Background(), server.URL)
		assert.Error(t, err)
	})
}

func TestFetchURLTool(t *testing.T) {
	tool := &FetchURLTool{
		Logger: testLogger(),
		fetch: func(ctx context.Context, rawURL string) (*PageContent, error) {
			if rawURL == "https://broken.example" {
				return nil, errors.New("connection refused")
			}
			return &PageContent{URL: rawURL, Title: "T", Description: "D", Text: "body", Truncated: true}, nil
		},
	}

	outcome := tool.Run(context.Background(), map[string]any{"url": "https://ok.example"})
	require.NoError(t, outcome.Err)
	assert.Equal(t, "Title: T\nURL: https://ok.example\nDescription: D\n\nbody\n[content truncated]", outcome.Text)
	assert.Equal(t, 1, outcome.Count)

	outcome = tool.Run(context.Background(), map[string]any{"url": "https://broken.example"})
	assert.Error(t, outcome.Err)
	assert.Equal(t, "Error fetching URL: connection refused", outcome.Text)
}
