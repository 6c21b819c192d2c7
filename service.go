package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CouncilService drives one council run per message: it loads the
// conversation, runs title generation alongside the pipeline, persists the
// turn, reports progress to observers and queues the memory tasks. Every
// transport (sync, SSE, WebSocket, background job, CLI) goes through it.
type CouncilService struct {
	cfg     *Config
	store   *Storage
	configs *ConfigCache
	prices  *PriceBook
	council *Council
	memory  *MemoryService
	tools   *ToolRegistry
	jobs    *JobTracker
	queue   *BackgroundQueue
	logger  *slog.Logger

	// runs tracks detached background job runs
	runs sync.WaitGroup
}

// ServiceDeps groups the collaborators of a CouncilService.
type ServiceDeps struct {
	Config  *Config
	Store   *Storage
	Configs *ConfigCache
	Prices  *PriceBook
	Council *Council
	Memory  *MemoryService
	Tools   *ToolRegistry
	Jobs    *JobTracker
	Queue   *BackgroundQueue
	Logger  *slog.Logger
}

// NewCouncilService wires a service from its dependencies.
func NewCouncilService(deps ServiceDeps) *CouncilService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CouncilService{
		cfg:     deps.Config,
		store:   deps.Store,
		configs: deps.Configs,
		prices:  deps.Prices,
		council: deps.Council,
		memory:  deps.Memory,
		tools:   deps.Tools,
		jobs:    deps.Jobs,
		queue:   deps.Queue,
		logger:  logger,
	}
}

// Store returns the conversation storage.
func (s *CouncilService) Store() *Storage { return s.store }

// Jobs returns the job tracker.
func (s *CouncilService) Jobs() *JobTracker { return s.jobs }

// ProjectConfig returns the effective configuration of a project.
func (s *CouncilService) ProjectConfig(projectID string) ProjectConfig {
	cfg := s.configs.Get(projectID)
	if s.cfg != nil && s.cfg.MaxToolIterations > 0 && cfg.Tools.MaxIterations > s.cfg.MaxToolIterations {
		cfg.Tools.MaxIterations = s.cfg.MaxToolIterations
	}
	return cfg
}

// SaveProjectConfig stores a project configuration and refreshes the cache.
func (s *CouncilService) SaveProjectConfig(projectID string, cfg ProjectConfig) (ProjectConfig, error) {
	saved, err := s.store.SaveProjectConfig(projectID, cfg)
	if err != nil {
		return ProjectConfig{}, err
	}
	s.configs.Set(projectID, saved)
	return saved, nil
}

// ProcessMessage runs the council for one user message and returns the full
// result. Progress is reported to observers; a pipeline-fatal failure is
// reported as an error event and returned. The run is detached from ctx
// cancellation so it always reaches a terminal state.
func (s *CouncilService) ProcessMessage(ctx context.Context, projectID, conversationID string, req SendMessageRequest, observers ...Observer) (*SendMessageResponse, error) {
	ctx = context.WithoutCancel(ctx)
	events := NewEmitter(s.logger, observers...)

	fail := func(err error) (*SendMessageResponse, error) {
		events.Emit(ctx, Event{Type: EventError, Message: err.Error()})
		return nil, err
	}

	conversation, err := s.store.GetConversation(projectID, conversationID)
	if err != nil {
		return fail(err)
	}
	cfg := s.ProjectConfig(projectID)

	ledger := NewUsageLedger(s.prices.Current(), s.logger)
	var executor *ToolExecutor
	if cfg.Tools.Enabled && s.tools != nil {
		executor = NewToolExecutor(s.tools, s.logger)
		ledger.AttachTools(executor)
	}

	isFirstMessage := len(conversation.Messages) == 0
	history := conversation.Messages

	if err := s.store.AddUserMessage(projectID, conversationID, req.Content); err != nil {
		return fail(fmt.Errorf("failed to add user message: %w", err))
	}

	// Title generation overlaps with the pipeline
	var titles errgroup.Group
	var title string
	if isFirstMessage {
		titles.Go(func() error {
			generated, err := s.council.GenerateConversationTitle(ctx, cfg.TitleModel, req.Content, ledger)
			if err != nil {
				s.logger.Warn("failed to generate title", "conversation", shortID(conversationID), "error", err)
				return nil
			}
			if err := s.store.UpdateConversationTitle(projectID, conversationID, generated); err != nil {
				s.logger.Warn("failed to save title", "conversation", shortID(conversationID), "error", err)
				return nil
			}
			title = generated
			return nil
		})
	}

	memoryContext := ""
	if s.memory != nil {
		memoryContext = s.memory.BuildMemoryContext(projectID, cfg, req.SessionMetadata)
	}

	result, err := s.council.Run(ctx, &CouncilRun{
		Config: cfg,
		Request: CouncilRequest{
			Query:         req.Content,
			History:       history,
			Annotations:   req.Annotations,
			MemoryContext: memoryContext,
		},
		Tools:  executor,
		Ledger: ledger,
		Events: events,
	})

	_ = titles.Wait()
	if title != "" {
		events.Emit(ctx, Event{Type: EventTitleComplete, Data: map[string]string{"title": title}})
	}

	if err != nil {
		return fail(fmt.Errorf("council process failed: %w", err))
	}

	if err := s.store.AddAssistantMessage(projectID, conversationID, result.Stage1, result.Stage2, result.Stage3); err != nil {
		return fail(fmt.Errorf("failed to save message: %w", err))
	}

	usage := ledger.Summary()
	events.Emit(ctx, Event{Type: EventComplete, Data: &usage})

	s.enqueueMemoryTasks(projectID, conversationID, cfg, req.Content, result.Stage3)

	return &SendMessageResponse{
		Stage1:   result.Stage1,
		Stage2:   result.Stage2,
		Stage3:   result.Stage3,
		Metadata: result.Metadata,
		Usage:    usage,
	}, nil
}

// StartJob creates a job for the message and runs the council in the
// background. The returned record is the freshly created pending job.
func (s *CouncilService) StartJob(ctx context.Context, projectID, conversationID string, req SendMessageRequest) (*JobRecord, error) {
	if _, err := s.store.GetConversation(projectID, conversationID); err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, projectID, conversationID)
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	observer := NewJobObserver(s.jobs, projectID, job.JobID)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("council job panicked", "job", shortID(job.JobID), "panic", r)
				_, _ = s.jobs.Fail(runCtx, projectID, job.JobID, fmt.Sprintf("internal error: %v", r))
			}
		}()

		if _, err := s.ProcessMessage(runCtx, projectID, conversationID, req, observer); err != nil {
			s.logger.Error("council job failed", "job", shortID(job.JobID), "error", err)
		}
	}()

	return job, nil
}

// Wait blocks until every background job run has finished.
func (s *CouncilService) Wait() {
	s.runs.Wait()
}

// enqueueMemoryTasks queues memory extraction and summary generation.
// Both are fire-and-forget.
func (s *CouncilService) enqueueMemoryTasks(projectID, conversationID string, cfg ProjectConfig, userMessage string, stage3 Stage3Response) {
	if s.memory == nil || s.queue == nil || !cfg.MemorySettings.Enabled {
		return
	}

	if cfg.MemorySettings.AutoExtract && !stage3.Failed {
		s.queue.Enqueue(BackgroundTask{
			ID:     uuid.New().String(),
			Source: "memory_extraction",
			Work: func(ctx context.Context) error {
				_, err := s.memory.ExtractMemory(ctx, projectID, cfg, conversationID, userMessage, stage3.Response)
				return err
			},
		})
	}

	s.queue.Enqueue(BackgroundTask{
		ID:     uuid.New().String(),
		Source: "conversation_summary",
		Work: func(ctx context.Context) error {
			_, err := s.memory.GenerateSummary(ctx, projectID, cfg, conversationID)
			return err
		},
	})
}
