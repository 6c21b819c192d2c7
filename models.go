package main

import "time"

// CouncilMember is one configured model consulted by the council.
// The chairman uses the same shape.
type CouncilMember struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// DisplayName returns the member name, falling back to the model identifier.
func (m CouncilMember) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Model
}

// Message represents a single message in a conversation
type Message struct {
	Role    string           `json:"role"`
	Content string           `json:"content,omitempty"`
	Stage1  []Stage1Response `json:"stage1,omitempty"`
	Stage2  []Stage2Ranking  `json:"stage2,omitempty"`
	Stage3  *Stage3Response  `json:"stage3,omitempty"`
}

// Conversation represents a full conversation with all messages
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

// ConversationMetadata represents conversation list metadata
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// TokenUsage is the usage block reported by the provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage block into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ToolCallRecord is the trace of one tool invocation requested by a model.
type ToolCallRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Stage1Response represents a single member's response in Stage 1.
// Failed members carry placeholder content so every member is represented.
type Stage1Response struct {
	MemberID  string           `json:"member_id"`
	Name      string           `json:"name"`
	Model     string           `json:"model"`
	Response  string           `json:"response"`
	Reasoning any              `json:"reasoning_details,omitempty"`
	Usage     TokenUsage       `json:"usage"`
	LatencyMS int64            `json:"latency_ms"`
	ToolUsed  bool             `json:"tool_used"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Failed    bool             `json:"failed,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Stage2Ranking represents a member's ranking of the anonymized responses
type Stage2Ranking struct {
	MemberID      string     `json:"member_id"`
	Name          string     `json:"name"`
	Model         string     `json:"model"`
	Ranking       string     `json:"ranking"`
	ParsedRanking []string   `json:"parsed_ranking"`
	Usage         TokenUsage `json:"usage"`
	LatencyMS     int64      `json:"latency_ms"`
	Failed        bool       `json:"failed,omitempty"`
}

// Stage3Response represents the chairman's final synthesis
type Stage3Response struct {
	MemberID  string     `json:"member_id"`
	Name      string     `json:"name"`
	Model     string     `json:"model"`
	Response  string     `json:"response"`
	Usage     TokenUsage `json:"usage"`
	LatencyMS int64      `json:"latency_ms"`
	Failed    bool       `json:"failed,omitempty"`
}

// AggregateRanking summarizes how the other members ranked one member.
// BordaScore is the primary score; AverageRank is kept for display.
type AggregateRanking struct {
	MemberID      string  `json:"member_id"`
	Name          string  `json:"name"`
	Model         string  `json:"model"`
	Label         string  `json:"label"`
	BordaScore    int     `json:"borda_score"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata contains additional information about the council process
type Metadata struct {
	LabelToMember     map[string]string  `json:"label_to_id"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// SessionMetadata describes the client session. It is never persisted.
type SessionMetadata struct {
	Device           string `json:"device,omitempty"`
	OS               string `json:"os,omitempty"`
	Browser          string `json:"browser,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Language         string `json:"language,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
}

// OpenRouterMessage represents a message for OpenRouter API
type OpenRouterMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the tool name and JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is the function-calling schema offered to the model.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema describes one callable function.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// OpenRouterRequest represents a request to OpenRouter API
type OpenRouterRequest struct {
	Model      string              `json:"model"`
	Messages   []OpenRouterMessage `json:"messages"`
	Tools      []ToolDefinition    `json:"tools,omitempty"`
	ToolChoice string              `json:"tool_choice,omitempty"`
}

// OpenRouterResponse is the normalized result of one model invocation,
// or of a whole tool-use loop.
type OpenRouterResponse struct {
	Content          string           `json:"content"`
	ReasoningDetails any              `json:"reasoning_details,omitempty"`
	ToolCalls        []ToolCall       `json:"-"`
	Usage            TokenUsage       `json:"usage"`
	LatencyMS        int64            `json:"latency_ms"`
	ToolUsed         bool             `json:"tool_used"`
	ToolTrace        []ToolCallRecord `json:"tool_calls,omitempty"`
}

// OpenRouterAPIMessage is choices[].message in the provider response.
type OpenRouterAPIMessage struct {
	Content          string     `json:"content"`
	ReasoningDetails any        `json:"reasoning_details,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// OpenRouterAPIChoice is one entry of choices[] in the provider response.
type OpenRouterAPIChoice struct {
	Message OpenRouterAPIMessage `json:"message"`
}

// OpenRouterAPIResponse represents the full API response structure
type OpenRouterAPIResponse struct {
	Choices []OpenRouterAPIChoice `json:"choices"`
	Usage   *TokenUsage           `json:"usage,omitempty"`
}

// SendMessageRequest represents a request to send a message
type SendMessageRequest struct {
	Content         string           `json:"content"`
	Annotations     []string         `json:"annotations,omitempty"`
	SessionMetadata *SessionMetadata `json:"session_metadata,omitempty"`
}

// SendMessageResponse represents the response after sending a message
type SendMessageResponse struct {
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
	Usage    UsageSummary     `json:"usage"`
}

// CreateJobResponse is returned when a council run is started in the background.
type CreateJobResponse struct {
	JobID          string `json:"job_id"`
	ConversationID string `json:"conversation_id"`
}
