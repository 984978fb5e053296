// Package realtime pushes board events to connected clients over WebSockets.
// Each project is a room; events published on one API instance reach clients
// on every instance through a Redis channel.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "kanbu:events:"

// Event is a single realtime message scoped to a project room.
type Event struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const (
	EventTaskChanged   = "task.changed"
	EventTaskCreated   = "task.created"
	EventTaskDeleted   = "task.deleted"
	EventUndoApplied   = "undo.applied"
	EventRedoApplied   = "redo.applied"
	EventToast         = "toast"
	EventPresence      = "presence"
	EventCommentAdded  = "comment.added"
	EventGitHubUpdated = "github.updated"
)

// Hub tracks rooms and their clients. Broadcasts go through Redis so peers
// behind another instance see them too; delivery to local clients happens
// when the subscription loop receives the message back.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[*Client]bool
	rdb    *redis.Client
	logger *slog.Logger
}

func NewHub(rdb *redis.Client, logger *slog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]bool),
		rdb:    rdb,
		logger: logger,
	}
}

// Run subscribes to the shared Redis channel pattern and fans incoming
// events into local rooms until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.logger.Warn("drop malformed realtime event", "channel", msg.Channel, "error", err)
				continue
			}
			h.deliverLocal(event)
		}
	}
}

// Publish sends an event to every subscriber of the project's room, across
// all instances.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := h.rdb.Publish(ctx, channelPrefix+event.ProjectID, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// deliverLocal pushes an event to clients of this instance. Slow clients
// whose buffers are full are disconnected rather than allowed to stall the
// room.
func (h *Hub) deliverLocal(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.Lock()
	room := h.rooms[event.ProjectID]
	stalled := make([]*Client, 0)
	for client := range room {
		select {
		case client.send <- data:
		default:
			stalled = append(stalled, client)
		}
	}
	h.mu.Unlock()

	for _, client := range stalled {
		h.logger.Warn("dropping stalled realtime client", "project_id", event.ProjectID, "user", client.DisplayName)
		h.remove(client)
		client.close()
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	room, ok := h.rooms[client.ProjectID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[client.ProjectID] = room
	}
	room[client] = true
	h.mu.Unlock()
	h.announcePresence(client.ProjectID)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	room, ok := h.rooms[client.ProjectID]
	if ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, client.ProjectID)
		}
	}
	h.mu.Unlock()
	if ok {
		h.announcePresence(client.ProjectID)
	}
}

// Presence returns the display names currently connected to a project room
// on this instance, sorted and de-duplicated.
func (h *Hub) Presence(projectID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]bool)
	names := make([]string, 0)
	for client := range h.rooms[projectID] {
		if seen[client.DisplayName] {
			continue
		}
		seen[client.DisplayName] = true
		names = append(names, client.DisplayName)
	}
	sort.Strings(names)
	return names
}

// RoomSize returns the number of local connections in a project room.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[projectID])
}

func (h *Hub) announcePresence(projectID string) {
	payload, err := json.Marshal(map[string]any{"online": h.Presence(projectID)})
	if err != nil {
		return
	}
	h.deliverLocal(Event{Type: EventPresence, ProjectID: projectID, Payload: payload})
}
