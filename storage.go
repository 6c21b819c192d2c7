package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Storage persists projects, conversations, project configs, user memory and
// conversation summaries as JSON files under <data>/projects/<pid>/.
// Writes replace the whole file; the last writer wins.
type Storage struct {
	baseDir string
	logger  *slog.Logger

	// mu serializes read-modify-write cycles inside this process
	mu sync.Mutex
}

// NewStorage creates a file storage rooted at baseDir.
func NewStorage(baseDir string, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{baseDir: baseDir, logger: logger}
}

// BaseDir returns the storage root.
func (s *Storage) BaseDir() string { return s.baseDir }

// ProjectDir returns the directory holding everything of one project.
func (s *Storage) ProjectDir(projectID string) string {
	return filepath.Join(s.baseDir, "projects", projectID)
}

// GetConversationPath returns the file path for a conversation.
func (s *Storage) GetConversationPath(projectID, conversationID string) string {
	return filepath.Join(s.ProjectDir(projectID), "conversations", conversationID+".json")
}

// ConfigPath returns the file path of a project's council configuration.
func (s *Storage) ConfigPath(projectID string) string {
	return filepath.Join(s.ProjectDir(projectID), "config.json")
}

func (s *Storage) memoryPath(projectID string) string {
	return filepath.Join(s.ProjectDir(projectID), "memory.json")
}

func (s *Storage) summariesPath(projectID string) string {
	return filepath.Join(s.ProjectDir(projectID), "summaries.json")
}

// writeJSONFile writes v as indented JSON through a temp file and rename.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Projects

// ProjectInfo is returned by the project endpoints.
type ProjectInfo struct {
	ID string `json:"id"`
}

// ListProjects lists project ids, always including the default project.
func (s *Storage) ListProjects() ([]ProjectInfo, error) {
	dir := filepath.Join(s.baseDir, "projects")
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read projects directory: %w", err)
	}

	ids := map[string]bool{DefaultProjectID: true}
	for _, entry := range entries {
		if entry.IsDir() && validID(entry.Name()) {
			ids[entry.Name()] = true
		}
	}

	projects := make([]ProjectInfo, 0, len(ids))
	for id := range ids {
		projects = append(projects, ProjectInfo{ID: id})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

// CreateProject creates the directory layout of a project.
func (s *Storage) CreateProject(projectID string) (*ProjectInfo, error) {
	if !validID(projectID) {
		return nil, ErrInvalidID
	}
	if err := os.MkdirAll(filepath.Join(s.ProjectDir(projectID), "conversations"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	s.logger.Info("project created", "project", projectID)
	return &ProjectInfo{ID: projectID}, nil
}

// ProjectExists reports whether a project directory exists. The default
// project always exists.
func (s *Storage) ProjectExists(projectID string) bool {
	if projectID == DefaultProjectID {
		return true
	}
	if !validID(projectID) {
		return false
	}
	info, err := os.Stat(s.ProjectDir(projectID))
	return err == nil && info.IsDir()
}

// DeleteProject removes a project and everything stored under it.
func (s *Storage) DeleteProject(projectID string) error {
	if projectID == DefaultProjectID {
		return ErrProtectedProject
	}
	if !s.ProjectExists(projectID) {
		return ErrProjectNotFound
	}
	if err := os.RemoveAll(s.ProjectDir(projectID)); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	s.logger.Info("project deleted", "project", projectID)
	return nil
}

// Conversations

// CreateConversation creates a new conversation with the given ID.
// Initializes an empty conversation with default title and saves it to disk.
func (s *Storage) CreateConversation(projectID, conversationID string) (*Conversation, error) {
	if !validID(projectID) || !validID(conversationID) {
		return nil, ErrInvalidID
	}

	conversation := &Conversation{
		ID:        conversationID,
		CreatedAt: time.Now().UTC(),
		Title:     "New Conversation",
		Messages:  []Message{},
	}

	if err := s.SaveConversation(projectID, conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// GetConversation loads a conversation from storage by ID.
// Returns ErrConversationNotFound if the conversation doesn't exist.
func (s *Storage) GetConversation(projectID, conversationID string) (*Conversation, error) {
	if !validID(projectID) || !validID(conversationID) {
		return nil, ErrConversationNotFound
	}

	data, err := os.ReadFile(s.GetConversationPath(projectID, conversationID))
	if os.IsNotExist(err) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conversation Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
	}
	if conversation.Messages == nil {
		conversation.Messages = []Message{}
	}
	return &conversation, nil
}

// SaveConversation saves a conversation to storage.
func (s *Storage) SaveConversation(projectID string, conversation *Conversation) error {
	return writeJSONFile(s.GetConversationPath(projectID, conversation.ID), conversation)
}

// ListConversations lists all conversations of a project with metadata only.
// Returns metadata sorted by creation time (newest first).
// Silently skips invalid or unreadable files.
func (s *Storage) ListConversations(projectID string) ([]ConversationMetadata, error) {
	dir := filepath.Dir(s.GetConversationPath(projectID, "x"))

	// Initialize with empty slice to avoid null in JSON
	conversations := make([]ConversationMetadata, 0)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return conversations, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue // Skip files we can't read
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			s.logger.Warn("skipping corrupt conversation file", "file", entry.Name(), "error", err)
			continue
		}

		conversations = append(conversations, ConversationMetadata{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
		})
	}

	// Sort by creation time, newest first
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return conversations, nil
}

// DeleteConversation removes a conversation file.
func (s *Storage) DeleteConversation(projectID, conversationID string) error {
	if !validID(projectID) || !validID(conversationID) {
		return ErrConversationNotFound
	}
	err := os.Remove(s.GetConversationPath(projectID, conversationID))
	if os.IsNotExist(err) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// updateConversation runs fn on the stored conversation and saves the result.
func (s *Storage) updateConversation(projectID, conversationID string, fn func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, err := s.GetConversation(projectID, conversationID)
	if err != nil {
		return err
	}
	fn(conversation)
	return s.SaveConversation(projectID, conversation)
}

// AddUserMessage appends a user message to a conversation.
func (s *Storage) AddUserMessage(projectID, conversationID, content string) error {
	return s.updateConversation(projectID, conversationID, func(c *Conversation) {
		c.Messages = append(c.Messages, Message{Role: "user", Content: content})
	})
}

// AddAssistantMessage appends an assistant message with all 3 stages.
func (s *Storage) AddAssistantMessage(projectID, conversationID string, stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 Stage3Response) error {
	return s.updateConversation(projectID, conversationID, func(c *Conversation) {
		c.Messages = append(c.Messages, Message{
			Role:   "assistant",
			Stage1: stage1,
			Stage2: stage2,
			Stage3: &stage3,
		})
	})
}

// UpdateConversationTitle updates the title of a conversation.
func (s *Storage) UpdateConversationTitle(projectID, conversationID, title string) error {
	return s.updateConversation(projectID, conversationID, func(c *Conversation) {
		c.Title = title
	})
}

// Project configuration

// LoadProjectConfig reads a project's council configuration. A missing or
// corrupt file yields the defaults.
func (s *Storage) LoadProjectConfig(projectID string) ProjectConfig {
	cfg := DefaultProjectConfig()

	data, err := os.ReadFile(s.ConfigPath(projectID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read project config, using defaults", "project", projectID, "error", err)
		}
		return cfg
	}

	var loaded ProjectConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("corrupt project config, using defaults", "project", projectID, "error", err)
		return cfg
	}
	loaded.Normalize()
	return loaded
}

// SaveProjectConfig validates and stores a project's council configuration.
func (s *Storage) SaveProjectConfig(projectID string, cfg ProjectConfig) (ProjectConfig, error) {
	if !validID(projectID) {
		return ProjectConfig{}, ErrInvalidID
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return ProjectConfig{}, err
	}
	if err := writeJSONFile(s.ConfigPath(projectID), cfg); err != nil {
		return ProjectConfig{}, err
	}
	return cfg, nil
}

// User memory

// MemoryEntry is one durable fact about the user.
type MemoryEntry struct {
	ID                   string    `json:"id"`
	Category             string    `json:"category"`
	Key                  string    `json:"key"`
	Value                string    `json:"value"`
	Confidence           float64   `json:"confidence"`
	SourceConversationID string    `json:"source_conversation_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastConfirmedAt      time.Time `json:"last_confirmed_at"`
}

// UserMemory is the memory.json document of a project.
type UserMemory struct {
	Entries   []MemoryEntry `json:"entries"`
	UpdatedAt *time.Time    `json:"updated_at"`
}

// GetMemory reads a project's memory. Missing or corrupt files yield an empty document.
func (s *Storage) GetMemory(projectID string) UserMemory {
	memory := UserMemory{Entries: []MemoryEntry{}}
	data, err := os.ReadFile(s.memoryPath(projectID))
	if err != nil {
		return memory
	}
	if err := json.Unmarshal(data, &memory); err != nil {
		s.logger.Warn("corrupt memory file, using empty memory", "project", projectID, "error", err)
		return UserMemory{Entries: []MemoryEntry{}}
	}
	if memory.Entries == nil {
		memory.Entries = []MemoryEntry{}
	}
	return memory
}

func (s *Storage) saveMemory(projectID string, memory UserMemory) error {
	now := time.Now().UTC()
	memory.UpdatedAt = &now
	return writeJSONFile(s.memoryPath(projectID), memory)
}

// AddMemoryEntry stores a new entry, assigning its id and timestamps.
func (s *Storage) AddMemoryEntry(projectID string, entry MemoryEntry) (MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	entry.ID = uuid.New().String()
	entry.CreatedAt = now
	entry.LastConfirmedAt = now
	if entry.Category == "" {
		entry.Category = "context"
	}

	memory := s.GetMemory(projectID)
	memory.Entries = append(memory.Entries, entry)
	if err := s.saveMemory(projectID, memory); err != nil {
		return MemoryEntry{}, err
	}
	return entry, nil
}

// UpdateMemoryEntryValue replaces the value of an entry and marks it confirmed.
func (s *Storage) UpdateMemoryEntryValue(projectID, memoryID, value string) (MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memory := s.GetMemory(projectID)
	for i := range memory.Entries {
		if memory.Entries[i].ID == memoryID {
			memory.Entries[i].Value = value
			memory.Entries[i].LastConfirmedAt = time.Now().UTC()
			if err := s.saveMemory(projectID, memory); err != nil {
				return MemoryEntry{}, err
			}
			return memory.Entries[i], nil
		}
	}
	return MemoryEntry{}, ErrMemoryNotFound
}

// DeleteMemoryEntry removes one entry.
func (s *Storage) DeleteMemoryEntry(projectID, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	memory := s.GetMemory(projectID)
	kept := memory.Entries[:0]
	for _, e := range memory.Entries {
		if e.ID != memoryID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(memory.Entries) {
		return ErrMemoryNotFound
	}
	memory.Entries = kept
	return s.saveMemory(projectID, memory)
}

// ClearMemory removes every entry of a project.
func (s *Storage) ClearMemory(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveMemory(projectID, UserMemory{Entries: []MemoryEntry{}})
}

// Conversation summaries

// ConversationSummary is the rolling summary of one conversation.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary"`
	KeyTopics      []string  `json:"key_topics"`
	UserIntent     string    `json:"user_intent"`
	Outcome        string    `json:"outcome"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	SummarizedAt   time.Time `json:"summarized_at"`
}

// SummaryList is the summaries.json document of a project, newest first.
type SummaryList struct {
	Entries   []ConversationSummary `json:"entries"`
	UpdatedAt *time.Time            `json:"updated_at"`
}

// GetSummaries reads a project's summaries. Missing or corrupt files yield an empty list.
func (s *Storage) GetSummaries(projectID string) SummaryList {
	list := SummaryList{Entries: []ConversationSummary{}}
	data, err := os.ReadFile(s.summariesPath(projectID))
	if err != nil {
		return list
	}
	if err := json.Unmarshal(data, &list); err != nil {
		s.logger.Warn("corrupt summaries file, using empty list", "project", projectID, "error", err)
		return SummaryList{Entries: []ConversationSummary{}}
	}
	if list.Entries == nil {
		list.Entries = []ConversationSummary{}
	}
	return list
}

func (s *Storage) saveSummaries(projectID string, list SummaryList) error {
	now := time.Now().UTC()
	list.UpdatedAt = &now
	return writeJSONFile(s.summariesPath(projectID), list)
}

// AddSummary stores summary at the front of the list, replacing an older
// summary of the same conversation and keeping at most maxEntries.
func (s *Storage) AddSummary(projectID string, summary ConversationSummary, maxEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if summary.SummarizedAt.IsZero() {
		summary.SummarizedAt = time.Now().UTC()
	}

	list := s.GetSummaries(projectID)
	entries := []ConversationSummary{summary}
	for _, e := range list.Entries {
		if e.ConversationID != summary.ConversationID {
			entries = append(entries, e)
		}
	}
	if maxEntries > 0 && len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}
	list.Entries = entries
	return s.saveSummaries(projectID, list)
}

// FindSummary returns the stored summary of a conversation, if any.
func (s *Storage) FindSummary(projectID, conversationID string) (ConversationSummary, bool) {
	for _, e := range s.GetSummaries(projectID).Entries {
		if e.ConversationID == conversationID {
			return e, true
		}
	}
	return ConversationSummary{}, false
}

// ClearSummaries removes every summary of a project.
func (s *Storage) ClearSummaries(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSummaries(projectID, SummaryList{Entries: []ConversationSummary{}})
}

// isNotFound reports whether err is one of the storage not-found sentinels.
func isNotFound(err error) bool {
	return errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrMemoryNotFound)
}
