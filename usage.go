package main

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Stage names used by the usage ledger and the job tracker.
const (
	StageOne   = "stage1"
	StageTwo   = "stage2"
	StageThree = "stage3"
	StageTitle = "title"
)

// UsageRecord is one model call recorded by the ledger.
type UsageRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	Stage            string    `json:"stage"`
	MemberID         string    `json:"member_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	ToolUsed         bool      `json:"tool_used"`
	ToolName         string    `json:"tool_name,omitempty"`
	EstimatedCost    float64   `json:"estimated_cost_usd"`
}

// StageUsage aggregates the calls of one stage.
type StageUsage struct {
	Calls         int     `json:"calls"`
	Tokens        int     `json:"tokens"`
	CostUSD       float64 `json:"cost_usd"`
	LatencyMS     int64   `json:"latency_ms"`
	ToolUsedCount int     `json:"tool_used_count"`
}

// ModelUsage aggregates the calls of one model.
type ModelUsage struct {
	Calls     int     `json:"calls"`
	Tokens    int     `json:"tokens"`
	CostUSD   float64 `json:"cost_usd"`
	LatencyMS int64   `json:"latency_ms"`
}

// UsageSummary is the grouped view of a ledger.
type UsageSummary struct {
	TotalCalls            int                   `json:"total_calls"`
	TotalTokens           int                   `json:"total_tokens"`
	TotalPromptTokens     int                   `json:"total_prompt_tokens"`
	TotalCompletionTokens int                   `json:"total_completion_tokens"`
	TotalCostUSD          float64               `json:"total_cost_usd"`
	AverageLatencyMS      int64                 `json:"average_latency_ms"`
	TotalLatencyMS        int64                 `json:"total_latency_ms"`
	ByStage               map[string]StageUsage `json:"by_stage"`
	ByModel               map[string]ModelUsage `json:"by_model"`
	ToolCalls             []ToolExecutionLog    `json:"tool_calls"`
	ToolCallsDropped      int                   `json:"tool_calls_dropped,omitempty"`
}

// UsageLedger accumulates usage records for one pipeline run.
type UsageLedger struct {
	prices *PriceTable
	logger *slog.Logger

	mu      sync.Mutex
	records []UsageRecord
	tools   *ToolExecutor
}

// NewUsageLedger creates an empty ledger priced with prices.
func NewUsageLedger(prices *PriceTable, logger *slog.Logger) *UsageLedger {
	if prices == nil {
		prices = DefaultPriceTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageLedger{prices: prices, logger: logger}
}

// AttachTools makes the summary include the executor's tool log.
func (l *UsageLedger) AttachTools(tools *ToolExecutor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tools = tools
}

// Record appends one call to the ledger.
func (l *UsageLedger) Record(model, stage, memberID string, usage TokenUsage, latencyMS int64, toolUsed bool, toolName string) UsageRecord {
	rec := UsageRecord{
		Timestamp:        time.Now().UTC(),
		Model:            model,
		Stage:            stage,
		MemberID:         memberID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		LatencyMS:        latencyMS,
		ToolUsed:         toolUsed,
		ToolName:         toolName,
		EstimatedCost:    l.prices.Cost(model, usage),
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()

	l.logger.Info("llm call",
		"model", model,
		"stage", stage,
		"member", memberID,
		"tokens", usage.TotalTokens,
		"latency_ms", latencyMS,
		"cost_usd", rec.EstimatedCost,
	)
	return rec
}

// Records returns a copy of every recorded call.
func (l *UsageLedger) Records() []UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]UsageRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Summary groups the ledger by stage and by model.
func (l *UsageLedger) Summary() UsageSummary {
	l.mu.Lock()
	records := make([]UsageRecord, len(l.records))
	copy(records, l.records)
	tools := l.tools
	l.mu.Unlock()

	summary := UsageSummary{
		ByStage:   map[string]StageUsage{},
		ByModel:   map[string]ModelUsage{},
		ToolCalls: []ToolExecutionLog{},
	}
	if tools != nil {
		summary.ToolCalls = tools.Logs()
		summary.ToolCallsDropped = tools.Dropped()
	}

	for _, rec := range records {
		summary.TotalCalls++
		summary.TotalTokens += rec.TotalTokens
		summary.TotalPromptTokens += rec.PromptTokens
		summary.TotalCompletionTokens += rec.CompletionTokens
		summary.TotalCostUSD += rec.EstimatedCost
		summary.TotalLatencyMS += rec.LatencyMS

		st := summary.ByStage[rec.Stage]
		st.Calls++
		st.Tokens += rec.TotalTokens
		st.CostUSD += rec.EstimatedCost
		st.LatencyMS += rec.LatencyMS
		if rec.ToolUsed {
			st.ToolUsedCount++
		}
		summary.ByStage[rec.Stage] = st

		m := summary.ByModel[rec.Model]
		m.Calls++
		m.Tokens += rec.TotalTokens
		m.CostUSD += rec.EstimatedCost
		m.LatencyMS += rec.LatencyMS
		summary.ByModel[rec.Model] = m
	}

	if summary.TotalCalls > 0 {
		summary.AverageLatencyMS = int64(math.Round(float64(summary.TotalLatencyMS) / float64(summary.TotalCalls)))
	}
	summary.TotalCostUSD = roundCost(summary.TotalCostUSD)
	for k, st := range summary.ByStage {
		st.CostUSD = roundCost(st.CostUSD)
		summary.ByStage[k] = st
	}
	for k, m := range summary.ByModel {
		m.CostUSD = roundCost(m.CostUSD)
		summary.ByModel[k] = m
	}
	return summary
}

func roundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
