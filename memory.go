package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	// MinMemoryConfidence drops extracted facts the model is unsure about
	MinMemoryConfidence = 0.7

	memoryTaskTimeout      = 30 * time.Second
	maxAssistantExcerpt    = 2000
	summaryMaxChars        = 3000
	summaryMaxMessages     = 12
	memoryContextSummaries = 5
)

var memoryCategoryLabels = map[string]string{
	"personal":   "Personal",
	"preference": "Preferences and style",
	"goal":       "Goals and projects",
	"skill":      "Skills and experience",
	"context":    "Current context",
}

// memoryCategoryOrder keeps rendered context stable.
var memoryCategoryOrder = []string{"personal", "preference", "goal", "skill", "context"}

const memoryExtractionPrompt = `You extract durable facts about the user from a conversation.

%s

Current exchange:
User: %s
Assistant: %s

Extract new or changed information in these categories:
- personal: name, occupation, affiliation, age
- preference: preferred style, format, language, level of detail
- goal: goals, projects, things being learned
- skill: skill level, specialties, experience
- context: ongoing context such as work in progress

Reply with pure JSON only (no code block):
{
  "extracted": [
    {
      "category": "category name",
      "key": "short identifier",
      "value": "detailed value",
      "confidence": 0.0 to 1.0,
      "action": "add" or "update",
      "update_key": "key of the existing memory when updating"
    }
  ]
}

Rules:
- Only extract information stated explicitly
- Do not guess (omit anything with confidence below 0.7)
- Use action "update" when an existing memory covers the same fact
- When there is nothing to extract reply {"extracted": []}
- The reply must be valid JSON`

const summaryGenerationPrompt = `Summarize the following conversation.

Conversation title: %s
Message count: %d

Existing summary:
%s

Recent conversation excerpt:
%s

Reply with pure JSON only (no code block):
{
  "summary": "2-3 sentence summary",
  "key_topics": ["topic 1", "topic 2", "topic 3"],
  "user_intent": "what the user is trying to achieve",
  "outcome": "result of the conversation so far"
}

Rules:
- Rewrite the existing summary if there is one, replacing outdated information
- Keep the summary short but informative
- 3 to 5 key topics
- Focus on what the user was trying to achieve rather than technical detail
- The reply must be valid JSON`

// MemoryService extracts durable user facts and rolling conversation
// summaries with a cheap utility model, and renders them as model context.
type MemoryService struct {
	gateway ModelGateway
	store   *Storage
	logger  *slog.Logger
}

// NewMemoryService creates the memory layer.
func NewMemoryService(gateway ModelGateway, store *Storage, logger *slog.Logger) *MemoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryService{gateway: gateway, store: store, logger: logger}
}

type extractedMemory struct {
	Category   string   `json:"category"`
	Key        string   `json:"key"`
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence"`
	Action     string   `json:"action"`
	UpdateKey  string   `json:"update_key"`
}

// ExtractMemory asks the utility model for facts in one exchange and stores
// those with enough confidence. Returns the entries that were added or updated.
func (s *MemoryService) ExtractMemory(ctx context.Context, projectID string, cfg ProjectConfig, conversationID, userMessage, assistantResponse string) ([]MemoryEntry, error) {
	settings := cfg.MemorySettings
	if !settings.Enabled || !settings.AutoExtract {
		s.logger.Debug("memory extraction disabled", "project", projectID)
		return nil, nil
	}

	existing := s.store.GetMemory(projectID).Entries
	existingSection := "Existing memory: none"
	if len(existing) > 0 {
		lines := make([]string, 0, len(existing))
		for _, e := range existing {
			lines = append(lines, fmt.Sprintf("- %s/%s: %s", e.Category, e.Key, e.Value))
		}
		existingSection = "Existing memory:\n" + strings.Join(lines, "\n")
	}

	prompt := fmt.Sprintf(memoryExtractionPrompt, existingSection, userMessage, truncateText(assistantResponse, maxAssistantExcerpt))
	s.logger.Info("extracting memory", "project", projectID, "model", settings.UtilityModel)

	response, err := s.gateway.QueryModel(ctx, settings.UtilityModel, []OpenRouterMessage{{Role: "user", Content: prompt}}, QueryOptions{Timeout: memoryTaskTimeout})
	if err != nil {
		return nil, fmt.Errorf("memory extraction: %w", err)
	}

	var parsed struct {
		Extracted []extractedMemory `json:"extracted"`
	}
	if !parseJSONResponse(response.Content, &parsed) {
		s.logger.Debug("memory extraction returned no JSON", "project", projectID)
		return nil, nil
	}

	var saved []MemoryEntry
	for _, item := range parsed.Extracted {
		confidence := 0.0
		if item.Confidence != nil {
			confidence = *item.Confidence
		}
		if confidence < MinMemoryConfidence || strings.TrimSpace(item.Value) == "" {
			continue
		}

		if item.Action == "update" && item.UpdateKey != "" {
			if id, ok := findMemoryByKey(existing, item.UpdateKey); ok {
				entry, err := s.store.UpdateMemoryEntryValue(projectID, id, item.Value)
				if err != nil {
					return saved, err
				}
				saved = append(saved, entry)
				continue
			}
		}

		category := item.Category
		if category == "" {
			category = "context"
		}
		entry, err := s.store.AddMemoryEntry(projectID, MemoryEntry{
			Category:             category,
			Key:                  item.Key,
			Value:                item.Value,
			Confidence:           confidence,
			SourceConversationID: conversationID,
		})
		if err != nil {
			return saved, err
		}
		saved = append(saved, entry)
	}

	s.logger.Info("memory extracted", "project", projectID, "entries", len(saved))
	return saved, nil
}

func findMemoryByKey(entries []MemoryEntry, key string) (string, bool) {
	for _, e := range entries {
		if e.Key == key {
			return e.ID, true
		}
	}
	return "", false
}

// GenerateSummary refreshes the rolling summary of a conversation.
// Returns nil without error when there is nothing to summarize.
func (s *MemoryService) GenerateSummary(ctx context.Context, projectID string, cfg ProjectConfig, conversationID string) (*ConversationSummary, error) {
	settings := cfg.MemorySettings
	if !settings.Enabled {
		return nil, nil
	}

	conversation, err := s.store.GetConversation(projectID, conversationID)
	if err != nil {
		return nil, err
	}
	if len(conversation.Messages) == 0 {
		return nil, nil
	}

	previous := "none"
	if existing, ok := s.store.FindSummary(projectID, conversationID); ok {
		previous = fmt.Sprintf("summary: %s\nkey_topics: %s\nuser_intent: %s\noutcome: %s",
			existing.Summary, strings.Join(existing.KeyTopics, ", "), existing.UserIntent, existing.Outcome)
	}

	content := buildRecentConversationContent(conversation.Messages, summaryMaxChars, summaryMaxMessages)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	prompt := fmt.Sprintf(summaryGenerationPrompt, conversation.Title, len(conversation.Messages), previous, content)
	s.logger.Info("generating summary", "project", projectID, "conversation", shortID(conversationID), "model", settings.UtilityModel)

	response, err := s.gateway.QueryModel(ctx, settings.UtilityModel, []OpenRouterMessage{{Role: "user", Content: prompt}}, QueryOptions{Timeout: memoryTaskTimeout})
	if err != nil {
		return nil, fmt.Errorf("summary generation: %w", err)
	}

	var parsed struct {
		Summary    string   `json:"summary"`
		KeyTopics  []string `json:"key_topics"`
		UserIntent string   `json:"user_intent"`
		Outcome    string   `json:"outcome"`
	}
	if !parseJSONResponse(response.Content, &parsed) {
		return nil, fmt.Errorf("summary generation: unparseable reply")
	}

	summary := ConversationSummary{
		ConversationID: conversationID,
		Title:          conversation.Title,
		Summary:        parsed.Summary,
		KeyTopics:      parsed.KeyTopics,
		UserIntent:     parsed.UserIntent,
		Outcome:        parsed.Outcome,
		MessageCount:   len(conversation.Messages),
		CreatedAt:      conversation.CreatedAt,
	}
	if summary.KeyTopics == nil {
		summary.KeyTopics = []string{}
	}
	if err := s.store.AddSummary(projectID, summary, settings.MaxSummaries); err != nil {
		return nil, err
	}
	return &summary, nil
}

// buildRecentConversationContent renders the tail of a conversation, newest
// messages first in priority, within maxChars and maxMessages.
func buildRecentConversationContent(messages []Message, maxChars, maxMessages int) string {
	var lines []string
	total := 0

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		var line string
		if msg.Role == "assistant" {
			if msg.Stage3 == nil || msg.Stage3.Response == "" {
				continue
			}
			line = "Assistant: " + msg.Stage3.Response
		} else {
			line = "User: " + msg.Content
		}

		lineLen := len([]rune(line)) + 1
		if len(lines) > 0 && total+lineLen > maxChars {
			break
		}
		lines = append(lines, line)
		total += lineLen

		if len(lines) >= maxMessages {
			break
		}
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// BuildMemoryContext renders session metadata, user memory and recent
// conversation summaries as text for the Stage 1 system prompt.
func (s *MemoryService) BuildMemoryContext(projectID string, cfg ProjectConfig, session *SessionMetadata) string {
	if !cfg.MemorySettings.Enabled {
		return ""
	}

	var parts []string

	if session != nil {
		var lines []string
		if session.Device != "" {
			lines = append(lines, "- Device: "+session.Device)
		}
		if session.OS != "" {
			lines = append(lines, "- OS: "+session.OS)
		}
		if session.Timezone != "" {
			lines = append(lines, "- Timezone: "+session.Timezone)
		}
		if session.Language != "" {
			lines = append(lines, "- Language: "+session.Language)
		}
		if len(lines) > 0 {
			parts = append(parts, "[Current session]\n"+strings.Join(lines, "\n"))
		}
	}

	if entries := s.store.GetMemory(projectID).Entries; len(entries) > 0 {
		byCategory := make(map[string][]string)
		for _, e := range entries {
			cat := e.Category
			if cat == "" {
				cat = "other"
			}
			byCategory[cat] = append(byCategory[cat], fmt.Sprintf("- %s: %s", e.Key, e.Value))
		}

		var lines []string
		render := func(cat string) {
			items, ok := byCategory[cat]
			if !ok {
				return
			}
			label := memoryCategoryLabels[cat]
			if label == "" {
				label = cat
			}
			lines = append(lines, label+":")
			lines = append(lines, items...)
			delete(byCategory, cat)
		}
		for _, cat := range memoryCategoryOrder {
			render(cat)
		}
		for _, cat := range sortedKeys(byCategory) {
			render(cat)
		}
		parts = append(parts, "[About the user]\n"+strings.Join(lines, "\n"))
	}

	summaries := s.store.GetSummaries(projectID).Entries
	if len(summaries) > memoryContextSummaries {
		summaries = summaries[:memoryContextSummaries]
	}
	if len(summaries) > 0 {
		lines := make([]string, 0, len(summaries))
		for _, sum := range summaries {
			lines = append(lines, fmt.Sprintf("- %s: %s", sum.Title, sum.Summary))
		}
		parts = append(parts, "[Recent conversations]\n"+strings.Join(lines, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

// parseJSONResponse decodes a JSON object from model output, tolerating code
// fences and surrounding prose.
func parseJSONResponse(content string, v any) bool {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if err := json.Unmarshal([]byte(content), v); err == nil {
		return true
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), v); err == nil {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
