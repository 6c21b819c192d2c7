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

	"golang.org/x/sync/errgroup"
)

// FailureKind classifies why a model invocation failed.
type FailureKind string

const (
	FailureTransport FailureKind = "transport"
	FailureStatus    FailureKind = "status"
	FailureDecode    FailureKind = "decode"
	FailureEmpty     FailureKind = "empty"
)

// GatewayError is returned by every failed model invocation.
// Callers substitute a placeholder and continue.
type GatewayError struct {
	Model      string
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Kind == FailureStatus {
		return fmt.Sprintf("model %s: API returned status %d: %v", e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model %s: %s failure: %v", e.Model, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ToolRunner executes a named tool. It always yields text, even for
// unknown tools or failures, so every tool call gets a result message.
type ToolRunner interface {
	Execute(ctx context.Context, name string, arguments map[string]any) string
}

// QueryOptions controls a single model invocation.
type QueryOptions struct {
	SystemPrompt string
	Tools        []ToolDefinition
	Timeout      time.Duration
}

// OpenRouterClient is the model gateway. It knows nothing about stages or members.
type OpenRouterClient struct {
	APIURL     string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewOpenRouterClient creates a gateway for the given endpoint.
func NewOpenRouterClient(apiURL, apiKey string, logger *slog.Logger) *OpenRouterClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenRouterClient{
		APIURL:     apiURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// QueryModel queries a single model via OpenRouter API with the given timeout.
// Every failure is returned as a *GatewayError.
func (c *OpenRouterClient) QueryModel(ctx context.Context, model string, messages []OpenRouterMessage, opts QueryOptions) (*OpenRouterResponse, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultModelTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// Build messages with optional system prompt
	finalMessages := make([]OpenRouterMessage, 0, len(messages)+1)
	if opts.SystemPrompt != "" {
		finalMessages = append(finalMessages, OpenRouterMessage{Role: "system", Content: opts.SystemPrompt})
	}
	finalMessages = append(finalMessages, messages...)

	payload := OpenRouterRequest{
		Model:    model,
		Messages: finalMessages,
	}
	if len(opts.Tools) > 0 {
		payload.Tools = opts.Tools
		payload.ToolChoice = "auto"
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, &GatewayError{Model: model, Kind: FailureDecode, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, &GatewayError{Model: model, Kind: FailureTransport, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, &GatewayError{Model: model, Kind: FailureTransport, Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Model: model, Kind: FailureTransport, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &GatewayError{
			Model:      model,
			Kind:       FailureStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", truncateText(strings.TrimSpace(string(bodyBytes)), 500)),
		}
	}

	var apiResponse OpenRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return nil, &GatewayError{Model: model, Kind: FailureDecode, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if len(apiResponse.Choices) == 0 {
		return nil, &GatewayError{Model: model, Kind: FailureEmpty, Err: fmt.Errorf("no choices in response")}
	}

	message := apiResponse.Choices[0].Message
	result := &OpenRouterResponse{
		Content:          message.Content,
		ReasoningDetails: message.ReasoningDetails,
		ToolCalls:        message.ToolCalls,
		LatencyMS:        time.Since(start).Milliseconds(),
	}
	if apiResponse.Usage != nil {
		result.Usage = *apiResponse.Usage
	}
	return result, nil
}

// QueryModelWithTools runs the bounded tool-use loop for one logical model call.
// It issues at most maxIterations tool-enabled calls plus one final call with
// tools disabled. Usage accumulates across every call of the loop. When a
// call fails after earlier rounds succeeded, the partial response carrying
// the usage and tool trace so far is returned alongside the error.
func (c *OpenRouterClient) QueryModelWithTools(ctx context.Context, model string, messages []OpenRouterMessage, opts QueryOptions, runner ToolRunner, maxIterations int) (*OpenRouterResponse, error) {
	if runner == nil || len(opts.Tools) == 0 {
		return c.QueryModel(ctx, model, messages, opts)
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxToolIterations
	}

	start := time.Now()
	conversation := append([]OpenRouterMessage(nil), messages...)
	var total TokenUsage
	var trace []ToolCallRecord

	finish := func(resp *OpenRouterResponse) *OpenRouterResponse {
		resp.Usage = total
		resp.LatencyMS = time.Since(start).Milliseconds()
		resp.ToolUsed = len(trace) > 0
		resp.ToolTrace = trace
		resp.ToolCalls = nil
		return resp
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := c.QueryModel(ctx, model, conversation, opts)
		if err != nil {
			if iteration == 0 {
				return nil, err
			}
			return finish(&OpenRouterResponse{}), err
		}
		total.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			return finish(resp), nil
		}

		c.Logger.Debug("model requested tools", "model", model, "iteration", iteration+1, "calls", len(resp.ToolCalls))
		conversation = append(conversation, OpenRouterMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			args := parseToolArguments(call.Function.Arguments)
			trace = append(trace, ToolCallRecord{Name: call.Function.Name, Arguments: args})
			result := runner.Execute(ctx, call.Function.Name, args)
			conversation = append(conversation, OpenRouterMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	c.Logger.Warn("tool loop exhausted, forcing final answer", "model", model, "max_iterations", maxIterations)
	final := opts
	final.Tools = nil
	resp, err := c.QueryModel(ctx, model, conversation, final)
	if err != nil {
		c.Logger.Error("final answer after tool loop failed", "model", model, "error", err)
		return finish(&OpenRouterResponse{
			Content: fmt.Sprintf("Error: no final answer after %d tool iterations (%v)", maxIterations, err),
		}), nil
	}
	total.Add(resp.Usage)
	return finish(resp), nil
}

func (c *OpenRouterClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// parseToolArguments decodes the JSON-encoded argument string.
// Anything that is not a JSON object becomes an empty argument map.
func parseToolArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// MemberResult pairs a member with the outcome of its invocation.
type MemberResult struct {
	Member   CouncilMember
	Response *OpenRouterResponse
	Err      error
}

// QueryMembersParallel invokes query once per member concurrently and waits
// for every outcome. Failures are reported per member, never as a group error.
// Results keep member declaration order.
func QueryMembersParallel(ctx context.Context, members []CouncilMember, query func(ctx context.Context, member CouncilMember) (*OpenRouterResponse, error)) []MemberResult {
	results := make([]MemberResult, len(members))

	var g errgroup.Group
	for i, member := range members {
		i, member := i, member
		g.Go(func() error {
			response, err := query(ctx, member)
			results[i] = MemberResult{Member: member, Response: response, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func truncateText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
