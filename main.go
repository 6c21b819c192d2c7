package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// slowRequestThreshold is the duration above which requests are logged at WARN level.
// Council runs routinely take tens of seconds.
const slowRequestThreshold = 30 * time.Second

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// App holds every long-lived component of the process.
type App struct {
	Config  *Config
	Logger  *slog.Logger
	Store   *Storage
	Configs *ConfigCache
	Prices  *PriceBook
	Jobs    *JobTracker
	Queue   *BackgroundQueue
	Watcher *ConfigWatcher
	Service *CouncilService
}

// NewApp wires the components from configuration.
func NewApp(cfg *Config, logger *slog.Logger) (*App, error) {
	store := NewStorage(cfg.DataDir, logger)

	prices, err := NewPriceBook(cfg.PricingFile, logger)
	if err != nil {
		return nil, err
	}

	jobStore, err := OpenJobStore(cfg)
	if err != nil {
		return nil, err
	}
	jobs := NewJobTracker(jobStore, logger)

	gateway := NewOpenRouterClient(cfg.OpenRouterAPIURL, cfg.OpenRouterAPIKey, logger)
	council := NewCouncil(gateway, logger)
	council.ModelTimeout = cfg.ModelTimeout
	council.TitleTimeout = cfg.TitleTimeout

	configs := NewConfigCache(ConfigCacheTTL, store.LoadProjectConfig)
	queue := NewBackgroundQueue(64, cfg.BackgroundWorkers, 2*time.Minute, logger)
	tools := NewToolRegistry(
		NewWebSearchTool(cfg.TavilyAPIKey, cfg.TavilyAPIURL, logger),
		NewFetchURLTool(logger),
	)

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Configs: configs,
		Prices:  prices,
		Jobs:    jobs,
		Queue:   queue,
		Service: NewCouncilService(ServiceDeps{
			Config:  cfg,
			Store:   store,
			Configs: configs,
			Prices:  prices,
			Council: council,
			Memory:  NewMemoryService(gateway, store, logger),
			Tools:   tools,
			Jobs:    jobs,
			Queue:   queue,
			Logger:  logger,
		}),
	}
	if cfg.WatchConfig {
		app.Watcher = NewConfigWatcher(store, configs, prices, logger)
	}
	return app, nil
}

// Start launches the background workers and the config watcher.
func (a *App) Start(ctx context.Context) {
	a.Queue.Start(ctx)
	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("config watcher unavailable", "error", err)
		}
	}
}

// Close waits for background work and releases the job store.
func (a *App) Close(ctx context.Context) {
	a.Service.Wait()
	a.Queue.Stop(ctx)
	if err := a.Jobs.Close(); err != nil {
		a.Logger.Warn("failed to close job store", "error", err)
	}
}

// Server exposes the council over HTTP.
type Server struct {
	svc      *CouncilService
	prices   *PriceBook
	queue    *BackgroundQueue
	cfg      *Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewRouter builds the Gin engine with middleware and routes.
func NewRouter(app *App) *gin.Engine {
	s := &Server{
		svc:    app.Service,
		prices: app.Prices,
		queue:  app.Queue,
		cfg:    app.Config,
		logger: app.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowOrigin(origin)
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(app.Logger))

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc:  s.allowOrigin,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	// Routes
	router.GET("/", s.healthCheck)
	router.GET("/api/health", s.healthCheck)

	router.GET("/api/projects", s.listProjectsHandler)
	router.POST("/api/projects", s.createProjectHandler)
	router.DELETE("/api/projects/:project_id", s.deleteProjectHandler)

	router.GET("/api/config", s.getConfigHandler)
	router.PUT("/api/config", s.updateConfigHandler)

	router.GET("/api/conversations", s.listConversationsHandler)
	router.POST("/api/conversations", s.createConversationHandler)
	router.GET("/api/conversations/:id", s.getConversationHandler)
	router.DELETE("/api/conversations/:id", s.deleteConversationHandler)
	router.POST("/api/conversations/:id/message", s.sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", s.sendMessageStreamHandler)
	router.GET("/api/conversations/:id/message/ws", s.sendMessageWebSocketHandler)
	router.POST("/api/conversations/:id/message/async", s.sendMessageAsyncHandler)

	router.GET("/api/jobs/:job_id", s.getJobHandler)

	router.GET("/api/memory", s.getMemoryHandler)
	router.POST("/api/memory", s.addMemoryHandler)
	router.DELETE("/api/memory", s.clearMemoryHandler)
	router.DELETE("/api/memory/:memory_id", s.deleteMemoryHandler)
	router.GET("/api/summaries", s.getSummariesHandler)
	router.DELETE("/api/summaries", s.clearSummariesHandler)

	router.GET("/api/usage/pricing", s.getPricingHandler)
	router.POST("/api/fetch-url", fetchURLHandler)

	return router
}

// RequestLogger logs every request with timing. Slow requests are logged at
// WARN level and server errors at ERROR.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", duration.Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request failed", attrs...)
		case duration > slowRequestThreshold:
			logger.Warn("slow request", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// allowOrigin accepts configured origins in production and any localhost
// origin in development.
func (s *Server) allowOrigin(origin string) bool {
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		for _, allowed := range s.cfg.CORSAllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1")
}

// projectID reads ?project_id=, defaulting to the default project.
func projectID(c *gin.Context) string {
	return c.DefaultQuery("project_id", DefaultProjectID)
}

// writeError maps an error onto a JSON error response.
func writeError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case isNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrProtectedProject):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{
		"error": fmt.Sprintf("%s: %v", message, err),
	})
}

// healthCheck returns a simple health check response.
// GET / - Returns service status and background queue metrics.
func (s *Server) healthCheck(c *gin.Context) {
	response := gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	}
	if s.queue != nil {
		if !s.queue.Healthy() {
			response["status"] = "degraded"
		}
		response["background_queue"] = s.queue.Stats()
	}
	c.JSON(http.StatusOK, response)
}

// listProjectsHandler lists project ids.
// GET /api/projects
func (s *Server) listProjectsHandler(c *gin.Context) {
	projects, err := s.svc.Store().ListProjects()
	if err != nil {
		writeError(c, "Failed to list projects", err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

// createProjectHandler creates a project.
// POST /api/projects - Body: {"id": "..."}; a missing id gets a generated one.
func (s *Server) createProjectHandler(c *gin.Context) {
	var request struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}
	if request.ID == "" {
		request.ID = uuid.New().String()
	}

	project, err := s.svc.Store().CreateProject(request.ID)
	if err != nil {
		writeError(c, "Failed to create project", err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// deleteProjectHandler deletes a project and all of its data.
// DELETE /api/projects/:project_id - The default project cannot be deleted.
func (s *Server) deleteProjectHandler(c *gin.Context) {
	if err := s.svc.Store().DeleteProject(c.Param("project_id")); err != nil {
		writeError(c, "Failed to delete project", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// getConfigHandler returns the council configuration of a project.
// GET /api/config?project_id=
func (s *Server) getConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ProjectConfig(projectID(c)))
}

// updateConfigHandler replaces the council configuration of a project.
// PUT /api/config?project_id=
func (s *Server) updateConfigHandler(c *gin.Context) {
	var cfg ProjectConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	saved, err := s.svc.SaveProjectConfig(projectID(c), cfg)
	if err != nil {
		if errors.Is(err, ErrInvalidID) {
			writeError(c, "Failed to save config", err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid config: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, saved)
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func (s *Server) listConversationsHandler(c *gin.Context) {
	conversations, err := s.svc.Store().ListConversations(projectID(c))
	if err != nil {
		writeError(c, "Failed to list conversations", err)
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation.
// POST /api/conversations - Generates a new UUID and creates an empty conversation.
func (s *Server) createConversationHandler(c *gin.Context) {
	pid := projectID(c)
	if !s.svc.Store().ProjectExists(pid) {
		writeError(c, "Failed to create conversation", ErrProjectNotFound)
		return
	}

	conversation, err := s.svc.Store().CreateConversation(pid, uuid.New().String())
	if err != nil {
		writeError(c, "Failed to create conversation", err)
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func (s *Server) getConversationHandler(c *gin.Context) {
	conversation, err := s.svc.Store().GetConversation(projectID(c), c.Param("id"))
	if err != nil {
		writeError(c, "Failed to get conversation", err)
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// deleteConversationHandler deletes a conversation.
// DELETE /api/conversations/:id
func (s *Server) deleteConversationHandler(c *gin.Context) {
	if err := s.svc.Store().DeleteConversation(projectID(c), c.Param("id")); err != nil {
		writeError(c, "Failed to delete conversation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// bindMessage parses a SendMessageRequest and checks the conversation exists.
// On failure the response has already been written.
func (s *Server) bindMessage(c *gin.Context) (SendMessageRequest, bool) {
	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return request, false
	}
	if strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: content is required",
		})
		return request, false
	}

	if _, err := s.svc.Store().GetConversation(projectID(c), c.Param("id")); err != nil {
		writeError(c, "Failed to get conversation", err)
		return request, false
	}
	return request, true
}

// sendMessageHandler sends a message and runs the 3-stage council process.
// POST /api/conversations/:id/message - Runs full council and returns all stages at once.
func (s *Server) sendMessageHandler(c *gin.Context) {
	request, ok := s.bindMessage(c)
	if !ok {
		return
	}

	response, err := s.svc.ProcessMessage(c.Request.Context(), projectID(c), c.Param("id"), request)
	if err != nil {
		writeError(c, "Council process failed", err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// sendMessageStreamHandler sends a message and streams the 3-stage council process via SSE.
// POST /api/conversations/:id/message/stream - Streams progress events as each stage completes.
// Events: stage1_start, stage1_complete, stage2_start, stage2_complete, stage3_start,
// stage3_complete, title_complete, complete, error.
func (s *Server) sendMessageStreamHandler(c *gin.Context) {
	request, ok := s.bindMessage(c)
	if !ok {
		return
	}

	stream := NewSSEWriter(c)
	_, _ = s.svc.ProcessMessage(c.Request.Context(), projectID(c), c.Param("id"), request, stream)
}

// sendMessageWebSocketHandler runs the council over a WebSocket.
// GET /api/conversations/:id/message/ws - The first client frame is the
// SendMessageRequest; every pipeline event is sent back as a JSON frame.
func (s *Server) sendMessageWebSocketHandler(c *gin.Context) {
	pid := projectID(c)
	conversationID := c.Param("id")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	stream := NewWebSocketWriter(conn)
	defer stream.Close()

	conn.SetReadLimit(MaxRequestBodySize)
	_ = conn.SetReadDeadline(time.Now().Add(time.Minute))

	var request SendMessageRequest
	if err := conn.ReadJSON(&request); err != nil {
		_ = stream.Observe(c, Event{Type: EventError, Message: fmt.Sprintf("Invalid request: %v", err)})
		return
	}
	if strings.TrimSpace(request.Content) == "" {
		_ = stream.Observe(c, Event{Type: EventError, Message: "Invalid request: content is required"})
		return
	}

	_, _ = s.svc.ProcessMessage(c.Request.Context(), pid, conversationID, request, stream)
}

// sendMessageAsyncHandler starts the council as a background job.
// POST /api/conversations/:id/message/async - Returns {job_id} immediately;
// poll GET /api/jobs/:job_id for progress.
func (s *Server) sendMessageAsyncHandler(c *gin.Context) {
	request, ok := s.bindMessage(c)
	if !ok {
		return
	}

	job, err := s.svc.StartJob(c.Request.Context(), projectID(c), c.Param("id"), request)
	if err != nil {
		writeError(c, "Failed to start job", err)
		return
	}

	c.JSON(http.StatusOK, CreateJobResponse{JobID: job.JobID, ConversationID: job.ConversationID})
}

// getJobHandler returns a job record.
// GET /api/jobs/:job_id?project_id=
func (s *Server) getJobHandler(c *gin.Context) {
	job, err := s.svc.Jobs().Get(c.Request.Context(), projectID(c), c.Param("job_id"))
	if err != nil {
		writeError(c, "Failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// getMemoryHandler returns the user memory of a project.
// GET /api/memory?project_id=
func (s *Server) getMemoryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Store().GetMemory(projectID(c)))
}

// addMemoryHandler stores a memory entry by hand.
// POST /api/memory - Body: {"category", "key", "value"}
func (s *Server) addMemoryHandler(c *gin.Context) {
	var request struct {
		Category string `json:"category"`
		Key      string `json:"key" binding:"required"`
		Value    string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	entry, err := s.svc.Store().AddMemoryEntry(projectID(c), MemoryEntry{
		Category:   request.Category,
		Key:        request.Key,
		Value:      request.Value,
		Confidence: 1.0,
	})
	if err != nil {
		writeError(c, "Failed to add memory", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// deleteMemoryHandler removes one memory entry.
// DELETE /api/memory/:memory_id
func (s *Server) deleteMemoryHandler(c *gin.Context) {
	if err := s.svc.Store().DeleteMemoryEntry(projectID(c), c.Param("memory_id")); err != nil {
		writeError(c, "Failed to delete memory", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// clearMemoryHandler removes every memory entry of a project.
// DELETE /api/memory
func (s *Server) clearMemoryHandler(c *gin.Context) {
	if err := s.svc.Store().ClearMemory(projectID(c)); err != nil {
		writeError(c, "Failed to clear memory", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// getSummariesHandler returns the conversation summaries of a project.
// GET /api/summaries
func (s *Server) getSummariesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Store().GetSummaries(projectID(c)))
}

// clearSummariesHandler removes every conversation summary of a project.
// DELETE /api/summaries
func (s *Server) clearSummariesHandler(c *gin.Context) {
	if err := s.svc.Store().ClearSummaries(projectID(c)); err != nil {
		writeError(c, "Failed to clear summaries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// getPricingHandler returns the active price table.
// GET /api/usage/pricing
func (s *Server) getPricingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.prices.Current())
}

// fetchURLHandler fetches and extracts content from a given URL
// POST /api/fetch-url - Body: {"url": "https://..."}
func fetchURLHandler(c *gin.Context) {
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	content, err := FetchURLContent(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content": content,
	})
}
