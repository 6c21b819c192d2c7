package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ToolName identifies a tool capability offered to models.
type ToolName string

const (
	ToolWebSearch ToolName = "web_search"
	ToolFetchURL  ToolName = "fetch_url"
)

const (
	// toolPreviewLength bounds the result preview kept in the execution log.
	toolPreviewLength = 100

	// MaxToolLogEntries bounds the execution log of one pipeline run.
	MaxToolLogEntries = 200
)

// ToolOutcome is what a tool handler produces. Text is always fed back to
// the model; Err only marks the execution log entry as failed.
type ToolOutcome struct {
	Text  string
	Count int
	Err   error
}

// ToolHandler implements one tool capability.
type ToolHandler interface {
	Name() ToolName
	Definition() ToolDefinition
	Run(ctx context.Context, arguments map[string]any) ToolOutcome
}

// ToolRegistry maps tool names to their handlers.
type ToolRegistry struct {
	handlers map[ToolName]ToolHandler
}

// NewToolRegistry builds a registry from the given handlers.
func NewToolRegistry(handlers ...ToolHandler) *ToolRegistry {
	r := &ToolRegistry{handlers: make(map[ToolName]ToolHandler)}
	for _, h := range handlers {
		r.handlers[h.Name()] = h
	}
	return r
}

// Lookup returns the handler registered under name.
func (r *ToolRegistry) Lookup(name string) (ToolHandler, bool) {
	h, ok := r.handlers[ToolName(name)]
	return h, ok
}

// Definitions returns the function-calling schemas, sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, string(name))
	}
	sort.Strings(names)

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.handlers[ToolName(name)].Definition())
	}
	return defs
}

// ToolExecutionLog is one entry of the per-run tool execution log.
type ToolExecutionLog struct {
	Timestamp     time.Time      `json:"timestamp"`
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments"`
	ResultPreview string         `json:"result_preview"`
	ResultCount   int            `json:"result_count"`
	LatencyMS     int64          `json:"latency_ms"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
}

// ToolExecutor dispatches tool calls for one pipeline run and keeps its
// execution log. It is safe for concurrent use by the member fan-out.
type ToolExecutor struct {
	registry *ToolRegistry
	logger   *slog.Logger

	mu      sync.Mutex
	logs    []ToolExecutionLog
	dropped int
}

// NewToolExecutor creates an executor backed by registry.
func NewToolExecutor(registry *ToolRegistry, logger *slog.Logger) *ToolExecutor {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{registry: registry, logger: logger}
}

// Execute runs the named tool and returns text for the tool-result message.
// Unknown tools resolve to an explanatory string.
func (e *ToolExecutor) Execute(ctx context.Context, name string, arguments map[string]any) string {
	if arguments == nil {
		arguments = map[string]any{}
	}

	handler, ok := e.registry.Lookup(name)
	if !ok {
		msg := fmt.Sprintf("Unknown tool: %s", name)
		e.logger.Warn("unknown tool requested", "tool", name)
		e.record(name, arguments, ToolOutcome{Text: msg, Err: fmt.Errorf("%s", msg)}, 0)
		return msg
	}

	start := time.Now()
	outcome := handler.Run(ctx, arguments)
	latency := time.Since(start).Milliseconds()
	e.record(name, arguments, outcome, latency)

	e.logger.Info("tool executed", "tool", name, "latency_ms", latency, "success", outcome.Err == nil)
	return outcome.Text
}

func (e *ToolExecutor) record(name string, arguments map[string]any, outcome ToolOutcome, latencyMS int64) {
	entry := ToolExecutionLog{
		Timestamp:     time.Now().UTC(),
		ToolName:      name,
		Arguments:     arguments,
		ResultPreview: truncateText(outcome.Text, toolPreviewLength),
		ResultCount:   outcome.Count,
		LatencyMS:     latencyMS,
		Success:       outcome.Err == nil,
	}
	if outcome.Err != nil {
		entry.Error = outcome.Err.Error()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.logs) >= MaxToolLogEntries {
		e.dropped++
		if e.dropped == 1 {
			e.logger.Warn("tool execution log full, dropping entries", "limit", MaxToolLogEntries)
		}
		return
	}
	e.logs = append(e.logs, entry)
}

// Dropped returns how many executions were not logged because the log was full.
func (e *ToolExecutor) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Logs returns a copy of the execution log.
func (e *ToolExecutor) Logs() []ToolExecutionLog {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ToolExecutionLog, len(e.logs))
	copy(out, e.logs)
	return out
}

// Definitions returns the schemas of every registered tool.
func (e *ToolExecutor) Definitions() []ToolDefinition {
	return e.registry.Definitions()
}

// stringArgument reads a string argument, tolerating missing or mistyped values.
func stringArgument(arguments map[string]any, key string) string {
	if v, ok := arguments[key].(string); ok {
		return v
	}
	return ""
}
