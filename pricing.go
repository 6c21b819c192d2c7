package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var defaultPricingYAML []byte

// ModelPrice is a rate in USD per million tokens.
type ModelPrice struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// PriceTable maps model identifiers to rates, with a fallback for
// unrecognized models.
type PriceTable struct {
	Default ModelPrice            `yaml:"default" json:"default"`
	Models  map[string]ModelPrice `yaml:"models" json:"models"`
}

// Rate returns the price for model, or the default entry.
func (t *PriceTable) Rate(model string) ModelPrice {
	if t == nil {
		return ModelPrice{}
	}
	if p, ok := t.Models[model]; ok {
		return p
	}
	return t.Default
}

// Cost estimates the USD cost of a call.
func (t *PriceTable) Cost(model string, usage TokenUsage) float64 {
	rate := t.Rate(model)
	input := float64(usage.PromptTokens) / 1_000_000 * rate.Input
	output := float64(usage.CompletionTokens) / 1_000_000 * rate.Output
	return input + output
}

// ParsePriceTable decodes a YAML price table.
func ParsePriceTable(data []byte) (*PriceTable, error) {
	var table PriceTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse price table: %w", err)
	}
	if table.Models == nil {
		table.Models = map[string]ModelPrice{}
	}
	if table.Default == (ModelPrice{}) {
		return nil, fmt.Errorf("price table has no default entry")
	}
	return &table, nil
}

// DefaultPriceTable returns the table compiled into the binary.
func DefaultPriceTable() *PriceTable {
	table, err := ParsePriceTable(defaultPricingYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded pricing.yaml: %v", err))
	}
	return table
}

// PriceBook holds the current price table and swaps it on reload.
type PriceBook struct {
	mu     sync.RWMutex
	table  *PriceTable
	path   string
	logger *slog.Logger
}

// NewPriceBook loads the table at path, or the embedded default when path is empty.
func NewPriceBook(path string, logger *slog.Logger) (*PriceBook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &PriceBook{path: path, logger: logger, table: DefaultPriceTable()}
	if path == "" {
		return b, nil
	}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Path returns the override file being tracked, if any.
func (b *PriceBook) Path() string { return b.path }

// Current returns the active price table.
func (b *PriceBook) Current() *PriceTable {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.table
}

// Reload re-reads the override file. On error the previous table stays active.
func (b *PriceBook) Reload() error {
	if b.path == "" {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("failed to read price table: %w", err)
	}
	table, err := ParsePriceTable(data)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.table = table
	b.mu.Unlock()

	b.logger.Info("price table loaded", "path", b.path, "models", len(table.Models))
	return nil
}
