package api

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Harvey-AU/lyrebird/internal/queue"
	"github.com/Harvey-AU/lyrebird/internal/tts"
	"golang.org/x/sync/errgroup"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

// sampleRenderLimit caps how many voice samples render concurrently when a
// catalog request asks for audio previews.
const sampleRenderLimit = 10

// TaskStore is the read-side queue surface the API needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*queue.Task, error)
	ListTasks(ctx context.Context, limit int, cursor int64) ([]*queue.Task, int64, error)
	ListTasksByState(ctx context.Context, state queue.TaskState, limit int, cursor int64) ([]*queue.Task, int64, error)
}

// TaskPublisher is the enqueue surface the API needs.
type TaskPublisher interface {
	Publish(ctx context.Context, requests []json.RawMessage) ([]string, error)
}

// Handler holds dependencies for API handlers
type Handler struct {
	DB        *sql.DB
	Tasks     TaskStore
	Publisher TaskPublisher
	Engine    tts.Engine
}

// NewHandler creates a new API handler with dependencies
func NewHandler(database *sql.DB, tasks TaskStore, publisher TaskPublisher, engine tts.Engine) *Handler {
	return &Handler{
		DB:        database,
		Tasks:     tasks,
		Publisher: publisher,
		Engine:    engine,
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	// Task queue routes
	mux.HandleFunc("/v1/tasks", h.TasksHandler)
	mux.HandleFunc("/v1/tasks/", h.TaskHandler) // For /v1/tasks/:id
	mux.HandleFunc("/v1/task-states", h.TaskStatesHandler)

	// Synthesis routes
	mux.HandleFunc("/v1/tts", h.SynthesizeHandler)
	mux.HandleFunc("/v1/tts/voices", h.VoicesHandler)
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, "lyrebird", Version)
}

// DatabaseHealthCheck verifies database connectivity
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if err := h.DB.PingContext(r.Context()); err != nil {
		WriteUnhealthy(w, r, "lyrebird-db", err)
		return
	}
	WriteHealthy(w, r, "lyrebird-db", Version)
}

// TasksHandler routes /v1/tasks by method.
func (h *Handler) TasksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createTask(w, r)
	case http.MethodGet:
		h.listTasks(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

// createTaskRequest is the POST /v1/tasks payload: a batch of synthesis
// requests that will travel through the queue as one task.
type createTaskRequest struct {
	Items []tts.Request `json:"items"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Items) == 0 {
		BadRequest(w, r, "At least one synthesis item is required")
		return
	}

	raw := make([]json.RawMessage, len(req.Items))
	for i, item := range req.Items {
		if strings.TrimSpace(item.Text) == "" {
			BadRequest(w, r, fmt.Sprintf("Item %d is missing text", i))
			return
		}
		if item.VoiceID == "" {
			BadRequest(w, r, fmt.Sprintf("Item %d is missing voice_id", i))
			return
		}
		encoded, err := json.Marshal(item)
		if err != nil {
			InternalError(w, r, err)
			return
		}
		raw[i] = encoded
	}

	ids, err := h.Publisher.Publish(r.Context(), raw)
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}

	WriteCreated(w, r, map[string]interface{}{"task_ids": ids}, "Task created")
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			BadRequest(w, r, "Invalid limit: "+v)
			return
		}
		limit = n
	}

	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			BadRequest(w, r, "Invalid cursor: "+v)
			return
		}
		cursor = n
	}

	var (
		tasks []*queue.Task
		next  int64
		err   error
	)
	if v := r.URL.Query().Get("state"); v != "" {
		state, parseErr := queue.ParseState(v)
		if parseErr != nil {
			BadRequest(w, r, parseErr.Error())
			return
		}
		tasks, next, err = h.Tasks.ListTasksByState(r.Context(), state, limit, cursor)
	} else {
		tasks, next, err = h.Tasks.ListTasks(r.Context(), limit, cursor)
	}
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}

	data := map[string]interface{}{"tasks": tasks}
	if next > 0 {
		data["next_cursor"] = next
	}
	WriteSuccess(w, r, data, "")
}

// TaskHandler handles GET /v1/tasks/:id
func (h *Handler) TaskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		BadRequest(w, r, "Invalid task ID")
		return
	}

	task, err := h.Tasks.GetTask(r.Context(), id)
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	WriteSuccess(w, r, task, "")
}

// TaskStatesHandler lists the task lifecycle states and their meanings.
func (h *Handler) TaskStatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	states := queue.States()
	infos := make([]queue.StateInfo, len(states))
	for i, s := range states {
		infos[i] = s.Metadata()
	}
	WriteSuccess(w, r, map[string]interface{}{"states": infos}, "")
}

// SynthesizeHandler handles POST /v1/tts: synchronous synthesis that skips
// the queue entirely.
func (h *Handler) SynthesizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req tts.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		BadRequest(w, r, "Text is required")
		return
	}
	if req.VoiceID == "" {
		BadRequest(w, r, "voice_id is required")
		return
	}

	result, err := h.Engine.Synthesize(r.Context(), req)
	if err != nil {
		h.writeSynthesisError(w, r, err)
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"voice_id":    result.VoiceID,
		"audio":       result.AudioBase64(),
		"duration_ms": result.Duration.Milliseconds(),
	}, "")
}

// VoicesHandler handles GET /v1/tts/voices. With include_samples=true each
// voice carries a base64 preview; renders are bounded so one catalog
// request can't monopolise the engine.
func (h *Handler) VoicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	voices := h.Engine.Voices()

	if r.URL.Query().Get("include_samples") == "true" {
		g, ctx := errgroup.WithContext(r.Context())
		g.SetLimit(sampleRenderLimit)
		for i := range voices {
			g.Go(func() error {
				audio, err := h.Engine.Sample(ctx, voices[i].ID)
				if err != nil {
					return err
				}
				voices[i].Sample = base64.StdEncoding.EncodeToString(audio)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			h.writeSynthesisError(w, r, err)
			return
		}
	}

	WriteSuccess(w, r, map[string]interface{}{"voices": voices}, "")
}

// writeQueueError maps queue error taxonomy onto HTTP statuses.
func (h *Handler) writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	var notFound *queue.TaskNotFoundError
	var conflict *queue.StateTransitionError
	switch {
	case errors.As(err, &notFound):
		NotFound(w, r, err.Error())
	case errors.As(err, &conflict):
		Conflict(w, r, err.Error())
	case queue.IsQueueError(err):
		DatabaseError(w, r, err)
	default:
		BadRequest(w, r, err.Error())
	}
}

// writeSynthesisError maps engine error taxonomy onto HTTP statuses.
func (h *Handler) writeSynthesisError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case tts.IsVoiceNotFound(err):
		BadRequest(w, r, err.Error())
	case tts.IsTimeout(err):
		ServiceUnavailable(w, r, err.Error())
	default:
		InternalError(w, r, err)
	}
}
