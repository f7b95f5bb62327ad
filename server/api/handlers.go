// Package api defines the REST API handlers of the trok daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/trok/task"
	"github.com/GoCodeAlone/trok/workspace"
)

// maxBody bounds request bodies, webhook payloads included.
const maxBody = 5 << 20

// Dispatcher is the queue the API submits tasks to.
type Dispatcher interface {
	Enqueue(t task.Task) (int, error)
	Current() (task.Task, bool)
	Pending() []task.Task
}

// Registry is the workspace view the API exposes.
type Registry interface {
	Root() string
	Repositories() []workspace.Repository
	ScannedAt() time.Time
	Rescan(ctx context.Context) error
}

// Publisher relays events to live observers.
type Publisher interface {
	Publish(ev task.Event)
	Observers() int
}

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Dispatcher Dispatcher
	Registry   Registry
	Snapshots  task.Store
	Hub        Publisher
	Logger     *slog.Logger
	Version    string
	ServerID   string // default "from" label of submitted tasks
	StartAt    int64  // unix timestamp of server start

	// WebhookSecret verifies X-Hub-Signature-256 when set.
	WebhookSecret string
}

// RegisterRoutes registers the authenticated API routes on mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/snapshots", h.listSnapshots)
	mux.HandleFunc("POST /api/events", h.publishEvent)
	mux.HandleFunc("GET /api/repos", h.listRepos)
	mux.HandleFunc("POST /api/repos/rescan", h.rescan)
}

// RegisterPublicRoutes registers the routes that never require a token.
func (h *Handlers) RegisterPublicRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
	mux.HandleFunc("POST /api/webhooks/github", h.githubWebhook)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- Task handlers ---

// taskRequest is the body accepted by POST /api/tasks.
type taskRequest struct {
	Origin   string `json:"origin"`
	Branch   string `json:"branch"`
	Selector string `json:"selector"`
	From     string `json:"from,omitempty"`
}

// taskResponse acknowledges a queued task.
type taskResponse struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// queueResponse is the body of GET /api/tasks.
type queueResponse struct {
	Current *task.Task  `json:"current"`
	Pending []task.Task `json:"pending"`
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	from := req.From
	if from == "" {
		from = h.ServerID
	}
	h.submit(w, task.New(req.Origin, req.Branch, req.Selector, from))
}

// submit enqueues t and answers 202 with its id and queue position.
func (h *Handlers) submit(w http.ResponseWriter, t task.Task) {
	pos, err := h.Dispatcher.Enqueue(t)
	if err != nil {
		if errors.Is(err, task.ErrInvalidTask) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger().Info("task submitted",
		slog.String("task", t.ID),
		slog.String("origin", workspace.RedactOrigin(t.Origin)),
		slog.String("branch", t.Branch),
		slog.String("selector", t.Selector),
		slog.String("from", t.From),
	)
	writeJSON(w, http.StatusAccepted, taskResponse{ID: t.ID, Position: pos})
}

func (h *Handlers) listTasks(w http.ResponseWriter, _ *http.Request) {
	resp := queueResponse{Pending: h.Dispatcher.Pending()}
	if cur, ok := h.Dispatcher.Current(); ok {
		cur.Origin = workspace.RedactOrigin(cur.Origin)
		resp.Current = &cur
	}
	if resp.Pending == nil {
		resp.Pending = []task.Task{}
	}
	for i := range resp.Pending {
		resp.Pending[i].Origin = workspace.RedactOrigin(resp.Pending[i].Origin)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Snapshots.List(r.URL.Query().Get("task"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snaps == nil {
		snaps = []task.Snapshot{}
	}
	for i := range snaps {
		snaps[i].Task.Origin = workspace.RedactOrigin(snaps[i].Task.Origin)
	}
	writeJSON(w, http.StatusOK, snaps)
}

// publishEvent lets a remote builder push its events into this hub.
func (h *Handlers) publishEvent(w http.ResponseWriter, r *http.Request) {
	var ev task.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	h.Hub.Publish(ev)
	w.WriteHeader(http.StatusNoContent)
}

// --- Workspace handlers ---

// reposResponse is the body of GET /api/repos.
type reposResponse struct {
	Root         string                 `json:"root,omitempty"`
	ScannedAt    time.Time              `json:"scanned_at"`
	Repositories []workspace.Repository `json:"repositories"`
}

func (h *Handlers) repos() reposResponse {
	repos := h.Registry.Repositories()
	if repos == nil {
		repos = []workspace.Repository{}
	}
	for i := range repos {
		repos[i].Origin = workspace.RedactOrigin(repos[i].Origin)
	}
	return reposResponse{Root: h.Registry.Root(), ScannedAt: h.Registry.ScannedAt(), Repositories: repos}
}

func (h *Handlers) listRepos(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.repos())
}

func (h *Handlers) rescan(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Rescan(r.Context()); err != nil {
		h.logger().Error("rescan workspace", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.repos())
}

// --- Server info ---

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ServerID     string `json:"server_id,omitempty"`
	Uptime       string `json:"uptime"`
	Running      string `json:"running,omitempty"`
	Queued       int    `json:"queued"`
	Repositories int    `json:"repositories"`
	Observers    int    `json:"observers"`
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:   "ok",
		Version:  h.Version,
		ServerID: h.ServerID,
	}
	if h.StartAt > 0 {
		resp.Uptime = time.Since(time.Unix(h.StartAt, 0)).Truncate(time.Second).String()
	}
	if h.Dispatcher != nil {
		if cur, ok := h.Dispatcher.Current(); ok {
			resp.Running = cur.ID
		}
		resp.Queued = len(h.Dispatcher.Pending())
	}
	if h.Registry != nil {
		resp.Repositories = len(h.Registry.Repositories())
	}
	if h.Hub != nil {
		resp.Observers = h.Hub.Observers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
