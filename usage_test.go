package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceTable(t *testing.T) {
	table, err := ParsePriceTable([]byte(`
default: {input: 1.0, output: 2.0}
models:
  test/cheap: {input: 0.5, output: 1.0}
`))
	require.NoError(t, err)

	assert.Equal(t, ModelPrice{Input: 0.5, Output: 1.0}, table.Rate("test/cheap"))
	assert.Equal(t, ModelPrice{Input: 1.0, Output: 2.0}, table.Rate("test/unknown"))

	usage := TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 500_000, TotalTokens: 1_500_000}
	assert.InDelta(t, 1.0, table.Cost("test/cheap", usage), 1e-9)
	assert.InDelta(t, 2.0, table.Cost("test/unknown", usage), 1e-9)
}

func TestParsePriceTableErrors(t *testing.T) {
	_, err := ParsePriceTable([]byte("models: [not, a, map"))
	assert.Error(t, err)

	_, err = ParsePriceTable([]byte("models:\n  a/b: {input: 1, output: 1}\n"))
	assert.ErrorContains(t, err, "no default entry")
}

func TestDefaultPriceTable(t *testing.T) {
	table := DefaultPriceTable()
	assert.NotZero(t, table.Default.Input)
	assert.NotEmpty(t, table.Models)
}

func TestPriceBookReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: {input: 1, output: 1}\n"), 0644))

	book, err := NewPriceBook(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1.0, book.Current().Default.Input)

	require.NoError(t, os.WriteFile(path, []byte("default: {input: 4, output: 8}\n"), 0644))
	require.NoError(t, book.Reload())
	assert.Equal(t, 4.0, book.Current().Default.Input)

	// A broken file keeps the previous table
	require.NoError(t, os.WriteFile(path, []byte("default: ["), 0644))
	assert.Error(t, book.Reload())
	assert.Equal(t, 4.0, book.Current().Default.Input)
}

func TestNewPriceBookMissingFile(t *testing.T) {
	_, err := NewPriceBook(filepath.Join(t.TempDir(), "missing.yaml"), testLogger())
	assert.Error(t, err)

	book, err := NewPriceBook("", testLogger())
	require.NoError(t, err)
	assert.NoError(t, book.Reload())
	assert.Equal(t, DefaultPriceTable().Default, book.Current().Default)
}

func TestUsageLedgerSummary(t *testing.T) {
	prices := &PriceTable{
		Default: ModelPrice{Input: 1, Output: 1},
		Models: map[string]ModelPrice{
			"test/a": {Input: 2, Output: 4},
		},
	}
	ledger := NewUsageLedger(prices, testLogger())

	ledger.Record("test/a", StageOne, "a", TokenUsage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500}, 100, true, "web_search")
	ledger.Record("test/b", StageOne, "b", TokenUsage{PromptTokens: 200, CompletionTokens: 100, TotalTokens: 300}, 200, false, "")
	ledger.Record("test/a", StageTwo, "a", TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}, 51, false, "")

	summary := ledger.Summary()
	assert.Equal(t, 3, summary.TotalCalls)
	assert.Equal(t, 1950, summary.TotalTokens)
	assert.Equal(t, 1300, summary.TotalPromptTokens)
	assert.Equal(t, 650, summary.TotalCompletionTokens)
	assert.Equal(t, int64(351), summary.TotalLatencyMS)
	assert.Equal(t, int64(117), summary.AverageLatencyMS)

	// (1000*2 + 500*4 + 200 + 100 + 100*2 + 50*4) / 1e6
	assert.InDelta(t, 0.0047, summary.TotalCostUSD, 1e-9)

	stage1 := summary.ByStage[StageOne]
	assert.Equal(t, 2, stage1.Calls)
	assert.Equal(t, 1800, stage1.Tokens)
	assert.Equal(t, 1, stage1.ToolUsedCount)
	assert.Equal(t, int64(300), stage1.LatencyMS)

	modelA := summary.ByModel["test/a"]
	assert.Equal(t, 2, modelA.Calls)
	assert.Equal(t, 1650, modelA.Tokens)
	assert.InDelta(t, 0.0044, modelA.CostUSD, 1e-9)

	assert.NotNil(t, summary.ToolCalls)
	assert.Len(t, ledger.Records(), 3)
}

func TestUsageLedgerEmpty(t *testing.T) {
	summary := NewUsageLedger(nil, testLogger()).Summary()
	assert.Zero(t, summary.TotalCalls)
	assert.Zero(t, summary.AverageLatencyMS)
	assert.NotNil(t, summary.ByStage)
	assert.NotNil(t, summary.ByModel)
	assert.NotNil(t, summary.ToolCalls)
}

func TestUsageLedgerIncludesToolLog(t *testing.T) {
	executor := NewToolExecutor(NewToolRegistry(stubTool{name: ToolWebSearch, outcome: ToolOutcome{Text: "ok"}}), testLogger())
	ledger := NewUsageLedger(nil, testLogger())
	ledger.AttachTools(executor)

	executor.Execute(context.Background(), "web_search", map[string]any{"query": "q"})

	summary := ledger.Summary()
	require.Len(t, summary.ToolCalls, 1)
	assert.Equal(t, "web_search", summary.ToolCalls[0].ToolName)
}

func TestRoundCost(t *testing.T) {
	assert.Equal(t, 0.123457, roundCost(0.1234567))
	assert.Equal(t, 0.0, roundCost(0.0000004))
}
