package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// EventType names a pipeline progress event.
type EventType string

const (
	EventStage1Start    EventType = "stage1_start"
	EventStage1Complete EventType = "stage1_complete"
	EventStage2Start    EventType = "stage2_start"
	EventStage2Complete EventType = "stage2_complete"
	EventStage3Start    EventType = "stage3_start"
	EventStage3Complete EventType = "stage3_complete"
	EventTitleComplete  EventType = "title_complete"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
)

// Event is one frame of the live stream.
type Event struct {
	Type     EventType `json:"type"`
	Data     any       `json:"data,omitempty"`
	Metadata any       `json:"metadata,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Observer receives pipeline events. Errors are logged by the emitter and
// never stop the pipeline.
type Observer interface {
	Observe(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

func (f ObserverFunc) Observe(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Emitter fans events out to every observer of one run.
type Emitter struct {
	observers []Observer
	logger    *slog.Logger
}

// NewEmitter creates an emitter; nil observers are skipped.
func NewEmitter(logger *slog.Logger, observers ...Observer) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{logger: logger}
	for _, o := range observers {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
	return e
}

// Emit delivers ev to every observer.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil {
		return
	}
	for _, o := range e.observers {
		if err := o.Observe(ctx, ev); err != nil {
			e.logger.Warn("event observer failed", "event", ev.Type, "error", err)
		}
	}
}

// SSEWriter writes events as Server-Sent Events frames: "data: {json}\n\n".
type SSEWriter struct {
	c      *gin.Context
	mu     sync.Mutex
	closed bool
}

// NewSSEWriter sets the SSE headers on c and returns a writer for it.
func NewSSEWriter(c *gin.Context) *SSEWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	return &SSEWriter{c: c}
}

// Observe sends a Server-Sent Event.
func (w *SSEWriter) Observe(ctx context.Context, ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("stream closed")
	}
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", jsonData); err != nil {
		// Client went away; later frames are dropped
		w.closed = true
		return err
	}
	w.c.Writer.Flush()
	if ev.Type == EventError {
		w.closed = true
	}
	return nil
}

const wsWriteTimeout = 10 * time.Second

// WebSocketWriter writes events as JSON text frames.
type WebSocketWriter struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// NewWebSocketWriter wraps an upgraded connection.
func NewWebSocketWriter(conn *websocket.Conn) *WebSocketWriter {
	return &WebSocketWriter{conn: conn}
}

// Observe sends one event frame.
func (w *WebSocketWriter) Observe(ctx context.Context, ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("websocket closed")
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteJSON(ev); err != nil {
		w.closed = true
		return err
	}
	if ev.Type == EventError {
		w.closed = true
	}
	return nil
}

// Close sends a normal close frame and closes the connection.
func (w *WebSocketWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.closed = true
	}
	return w.conn.Close()
}

// JobObserver mirrors pipeline events into a job record.
type JobObserver struct {
	tracker   *JobTracker
	projectID string
	jobID     string
}

// NewJobObserver creates an observer that advances jobID on each stage event.
func NewJobObserver(tracker *JobTracker, projectID, jobID string) *JobObserver {
	return &JobObserver{tracker: tracker, projectID: projectID, jobID: jobID}
}

func (o *JobObserver) Observe(ctx context.Context, ev Event) error {
	var err error
	switch ev.Type {
	case EventStage1Start:
		_, err = o.tracker.AdvanceStage(ctx, o.projectID, o.jobID, StageOne, StageRunning, nil, nil)
	case EventStage1Complete:
		_, err = o.tracker.AdvanceStage(ctx, o.projectID, o.jobID, StageOne, StageCompleted, ev.Data, nil)
	case EventStage2Start:
		_, err = o.tracker.AdvanceStage(ctx, o.projectID, o.jobID, StageTwo, StageRunning, nil, nil)
	case EventStage2Complete:
		_, err = o.tracker.AdvanceStage(ctx, o.projectID, o.jobID, StageTwo, StageCompleted, ev.Data, ev.Metadata)
	case EventStage3Start:
		_, err = o.tracker.AdvanceStage(ctx, o.projectID, o.jobID, StageThree, StageRunning, nil, nil)
	case EventStage3Complete:
		_, err = o.tracker.AdvanceStage(ctx, o.projectID, o.jobID, StageThree, StageCompleted, ev.Data, nil)
	case EventComplete:
		usage, _ := ev.Data.(*UsageSummary)
		_, err = o.tracker.Complete(ctx, o.projectID, o.jobID, usage)
	case EventError:
		_, err = o.tracker.Fail(ctx, o.projectID, o.jobID, ev.Message)
	}
	return err
}
