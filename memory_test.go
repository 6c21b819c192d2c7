package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryConfig returns testProjectConfig with the memory layer switched on.
func memoryConfig() ProjectConfig {
	cfg := testProjectConfig()
	cfg.MemorySettings.Enabled = true
	cfg.MemorySettings.AutoExtract = true
	return cfg
}

// replyWith returns a fakeGateway that answers every call with content.
func replyWith(content string) *fakeGateway {
	return &fakeGateway{reply: func(string, []OpenRouterMessage) (*OpenRouterResponse, error) {
		return &OpenRouterResponse{Content: content}, nil
	}}
}

func TestExtractMemory(t *testing.T) {
	t.Run("stores confident facts", func(t *testing.T) {
		store := newTestStorage(t)
		gateway := replyWith("```json\n" + `{"extracted": [
			{"category": "personal", "key": "name", "value": "Sam", "confidence": 0.95, "action": "add"},
			{"category": "goal", "key": "guess", "value": "Maybe learning Rust", "confidence": 0.4, "action": "add"},
			{"key": "project", "value": "Building a CLI", "confidence": 0.8},
			{"category": "skill", "key": "unsure", "value": "No confidence given"},
			{"category": "skill", "key": "blank", "value": "  ", "confidence": 0.9}
		]}` + "\n```")
		svc := NewMemoryService(gateway, store, testLogger())

		saved, err := svc.ExtractMemory(context.Background(), "default", memoryConfig(), "conv-1", "I'm Sam", "Hello Sam")
		require.NoError(t, err)
		require.Len(t, saved, 2)
		assert.Equal(t, "Sam", saved[0].Value)
		assert.Equal(t, "conv-1", saved[0].SourceConversationID)
		assert.Equal(t, "context", saved[1].Category)

		assert.Len(t, store.GetMemory("default").Entries, 2)
		assert.Equal(t, []string{"test/utility"}, gateway.Calls())
	})

	t.Run("updates an existing key", func(t *testing.T) {
		store := newTestStorage(t)
		existing, err := store.AddMemoryEntry("default", MemoryEntry{Category: "preference", Key: "style", Value: "verbose", Confidence: 0.9})
		require.NoError(t, err)

		var prompt string
		gateway := &fakeGateway{reply: func(_ string, msgs []OpenRouterMessage) (*OpenRouterResponse, error) {
			prompt = msgs[0].Content
			return &OpenRouterResponse{Content: `{"extracted": [{"category": "preference", "key": "style", "value": "concise", "confidence": 0.9, "action": "update", "update_key": "style"}]}`}, nil
		}}
		svc := NewMemoryService(gateway, store, testLogger())

		saved, err := svc.ExtractMemory(context.Background(), "default", memoryConfig(), "conv-1", "Keep it short", "Sure")
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.Equal(t, existing.ID, saved[0].ID)

		entries := store.GetMemory("default").Entries
		require.Len(t, entries, 1)
		assert.Equal(t, "concise", entries[0].Value)
		assert.Contains(t, prompt, "- preference/style: verbose")
	})

	t.Run("update of an unknown key adds", func(t *testing.T) {
		store := newTestStorage(t)
		svc := NewMemoryService(replyWith(`{"extracted": [{"category": "goal", "key": "g", "value": "Ship v1", "confidence": 0.9, "action": "update", "update_key": "missing"}]}`), store, testLogger())

		saved, err := svc.ExtractMemory(context.Background(), "default", memoryConfig(), "conv-1", "q", "a")
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.Len(t, store.GetMemory("default").Entries, 1)
	})

	t.Run("disabled settings skip the model", func(t *testing.T) {
		gateway := replyWith(`{"extracted": []}`)
		svc := NewMemoryService(gateway, newTestStorage(t), testLogger())

		cfg := memoryConfig()
		cfg.MemorySettings.AutoExtract = false
		saved, err := svc.ExtractMemory(context.Background(), "default", cfg, "conv-1", "q", "a")
		assert.NoError(t, err)
		assert.Nil(t, saved)

		saved, err = svc.ExtractMemory(context.Background(), "default", testProjectConfig(), "conv-1", "q", "a")
		assert.NoError(t, err)
		assert.Nil(t, saved)
		assert.Empty(t, gateway.Calls())
	})

	t.Run("unparseable reply stores nothing", func(t *testing.T) {
		store := newTestStorage(t)
		svc := NewMemoryService(replyWith("I could not find anything."), store, testLogger())

		saved, err := svc.ExtractMemory(context.Background(), "default", memoryConfig(), "conv-1", "q", "a")
		assert.NoError(t, err)
		assert.Empty(t, saved)
		assert.Empty(t, store.GetMemory("default").Entries)
	})

	t.Run("gateway errors are returned", func(t *testing.T) {
		gateway := &fakeGateway{reply: func(string, []OpenRouterMessage) (*OpenRouterResponse, error) {
			return nil, errors.New("provider down")
		}}
		svc := NewMemoryService(gateway, newTestStorage(t), testLogger())

		_, err := svc.ExtractMemory(context.Background(), "default", memoryConfig(), "conv-1", "q", "a")
		assert.ErrorContains(t, err, "provider down")
	})
}

func TestGenerateSummary(t *testing.T) {
	t.Run("stores the summary", func(t *testing.T) {
		store := newTestStorage(t)
		require.NoError(t, store.SaveConversation("default", SampleConversation("conv-1")))

		var prompt string
		gateway := &fakeGateway{reply: func(_ string, msgs []OpenRouterMessage) (*OpenRouterResponse, error) {
			prompt = msgs[0].Content
			return &OpenRouterResponse{Content: `Here you go: {"summary": "Intro to Go.", "key_topics": ["go"], "user_intent": "learn", "outcome": "answered"}`}, nil
		}}
		svc := NewMemoryService(gateway, store, testLogger())

		summary, err := svc.GenerateSummary(context.Background(), "default", memoryConfig(), "conv-1")
		require.NoError(t, err)
		require.NotNil(t, summary)
		assert.Equal(t, "Intro to Go.", summary.Summary)
		assert.Equal(t, "Test Conversation", summary.Title)
		assert.Equal(t, 2, summary.MessageCount)
		assert.Equal(t, []string{"go"}, summary.KeyTopics)

		assert.Contains(t, prompt, "Conversation title: Test Conversation")
		assert.Contains(t, prompt, "Existing summary:\nnone")
		assert.Contains(t, prompt, "User: What is Go?\nAssistant: Go is a programming language developed by Google.")

		stored, ok := store.FindSummary("default", "conv-1")
		require.True(t, ok)
		assert.Equal(t, "Intro to Go.", stored.Summary)
	})

	t.Run("existing summary is passed along", func(t *testing.T) {
		store := newTestStorage(t)
		require.NoError(t, store.SaveConversation("default", SampleConversation("conv-1")))
		require.NoError(t, store.AddSummary("default", ConversationSummary{ConversationID: "conv-1", Summary: "Old summary.", KeyTopics: []string{"a", "b"}}, 5))

		var prompt string
		gateway := &fakeGateway{reply: func(_ string, msgs []OpenRouterMessage) (*OpenRouterResponse, error) {
			prompt = msgs[0].Content
			return &OpenRouterResponse{Content: `{"summary": "New summary."}`}, nil
		}}
		svc := NewMemoryService(gateway, store, testLogger())

		summary, err := svc.GenerateSummary(context.Background(), "default", memoryConfig(), "conv-1")
		require.NoError(t, err)
		assert.Equal(t, []string{}, summary.KeyTopics)
		assert.Contains(t, prompt, "summary: Old summary.\nkey_topics: a, b")

		list := store.GetSummaries("default").Entries
		require.Len(t, list, 1)
		assert.Equal(t, "New summary.", list[0].Summary)
	})

	t.Run("nothing to summarize", func(t *testing.T) {
		store := newTestStorage(t)
		_, err := store.CreateConversation("default", "empty")
		require.NoError(t, err)
		gateway := replyWith("{}")
		svc := NewMemoryService(gateway, store, testLogger())

		summary, err := svc.GenerateSummary(context.Background(), "default", memoryConfig(), "empty")
		assert.NoError(t, err)
		assert.Nil(t, summary)

		summary, err = svc.GenerateSummary(context.Background(), "default", testProjectConfig(), "empty")
		assert.NoError(t, err)
		assert.Nil(t, summary)
		assert.Empty(t, gateway.Calls())
	})

	t.Run("errors", func(t *testing.T) {
		store := newTestStorage(t)
		require.NoError(t, store.SaveConversation("default", SampleConversation("conv-1")))

		svc := NewMemoryService(replyWith("not json"), store, testLogger())
		_, err := svc.GenerateSummary(context.Background(), "default", memoryConfig(), "conv-1")
		assert.ErrorContains(t, err, "unparseable")

		_, err = svc.GenerateSummary(context.Background(), "default", memoryConfig(), "missing")
		assert.ErrorIs(t, err, ErrConversationNotFound)
	})
}

func TestParseJSONResponse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ok      bool
	}{
		{"plain", `{"summary": "x"}`, true},
		{"fenced json", "```json\n{\"summary\": \"x\"}\n```", true},
		{"bare fence", "```\n{\"summary\": \"x\"}\n```", true},
		{"surrounding prose", "Sure! {\"summary\": \"x\"} Hope that helps.", true},
		{"no object", "nothing here", false},
		{"broken object", `{"summary": }`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v struct {
				Summary string `json:"summary"`
			}
			ok := parseJSONResponse(tt.content, &v)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, "x", v.Summary)
			}
		})
	}
}

func TestBuildRecentConversationContent(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Stage3: &Stage3Response{Response: "first answer"}},
		{Role: "user", Content: "second question"},
		{Role: "assistant"},
		{Role: "user", Content: "third question"},
	}

	t.Run("keeps chronological order", func(t *testing.T) {
		got := buildRecentConversationContent(messages, 1000, 10)
		assert.Equal(t, "User: first question\nAssistant: first answer\nUser: second question\nUser: third question", got)
	})

	t.Run("message limit keeps the newest", func(t *testing.T) {
		got := buildRecentConversationContent(messages, 1000, 2)
		assert.Equal(t, "User: second question\nUser: third question", got)
	})

	t.Run("character limit keeps the newest", func(t *testing.T) {
		got := buildRecentConversationContent(messages, 45, 10)
		assert.Equal(t, "User: second question\nUser: third question", got)
	})

	t.Run("a single long message is kept", func(t *testing.T) {
		long := []Message{{Role: "user", Content: strings.Repeat("x", 100)}}
		got := buildRecentConversationContent(long, 10, 10)
		assert.Equal(t, "User: "+strings.Repeat("x", 100), got)
	})
}

func TestBuildMemoryContext(t *testing.T) {
	store := newTestStorage(t)
	svc := NewMemoryService(replyWith(""), store, testLogger())

	t.Run("disabled", func(t *testing.T) {
		assert.Empty(t, svc.BuildMemoryContext("default", testProjectConfig(), &SessionMetadata{Device: "desktop"}))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, svc.BuildMemoryContext("default", memoryConfig(), nil))
	})

	for _, e := range []MemoryEntry{
		{Category: "skill", Key: "language", Value: "Go"},
		{Category: "personal", Key: "name", Value: "Sam"},
		{Category: "hobby", Key: "sport", Value: "Climbing"},
		{Category: "skill", Key: "level", Value: "Senior"},
	} {
		_, err := store.AddMemoryEntry("default", e)
		require.NoError(t, err)
	}
	require.NoError(t, store.AddSummary("default", ConversationSummary{ConversationID: "c1", Title: "Goroutines", Summary: "Talked about goroutines."}, 10))

	t.Run("all sections", func(t *testing.T) {
		got := svc.BuildMemoryContext("default", memoryConfig(), &SessionMetadata{Device: "desktop", Timezone: "Europe/Berlin"})
		want := "[Current session]\n- Device: desktop\n- Timezone: Europe/Berlin" +
			"\n\n[About the user]\nPersonal:\n- name: Sam\nSkills and experience:\n- language: Go\n- level: Senior\nhobby:\n- sport: Climbing" +
			"\n\n[Recent conversations]\n- Goroutines: Talked about goroutines."
		assert.Equal(t, want, got)
	})

	t.Run("empty session is omitted", func(t *testing.T) {
		got := svc.BuildMemoryContext("default", memoryConfig(), &SessionMetadata{})
		assert.True(t, strings.HasPrefix(got, "[About the user]"))
	})
}

func TestBuildMemoryContextLimitsSummaries(t *testing.T) {
	store := newTestStorage(t)
	svc := NewMemoryService(replyWith(""), store, testLogger())

	for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7"} {
		require.NoError(t, store.AddSummary("default", ConversationSummary{ConversationID: id, Title: id, Summary: "s"}, 10))
	}

	got := svc.BuildMemoryContext("default", memoryConfig(), nil)
	assert.Equal(t, memoryContextSummaries, strings.Count(got, ": s"))
	assert.Contains(t, got, "- c7: s")
	assert.NotContains(t, got, "- c1: s")
}
