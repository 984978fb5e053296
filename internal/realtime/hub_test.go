package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewHub(rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func addTestClient(h *Hub, projectID, name string) *Client {
	c := &Client{ID: name, ProjectID: projectID, DisplayName: name, send: make(chan []byte, sendBuffer)}
	h.add(c)
	return c
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func waitEvent(t *testing.T, c *Client, eventType string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.send:
			var event Event
			require.NoError(t, json.Unmarshal(data, &event))
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestPublishReachesRoomMembers(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// Give the pattern subscription a moment to register.
	time.Sleep(50 * time.Millisecond)

	member := addTestClient(h, "prj_1", "ana")
	outsider := addTestClient(h, "prj_2", "ben")
	drain(member)
	drain(outsider)

	payload, _ := json.Marshal(map[string]string{"task_id": "tsk_1"})
	require.NoError(t, h.Publish(ctx, Event{Type: EventTaskChanged, ProjectID: "prj_1", Actor: "ana", Payload: payload}))

	event := waitEvent(t, member, EventTaskChanged)
	assert.Equal(t, "prj_1", event.ProjectID)
	assert.Equal(t, "ana", event.Actor)

	select {
	case data := <-outsider.send:
		t.Fatalf("outsider received event for another room: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPresenceAnnouncedOnJoinAndLeave(t *testing.T) {
	h := newTestHub(t)

	ana := addTestClient(h, "prj_1", "ana")
	event := waitEvent(t, ana, EventPresence)

	var body struct {
		Online []string `json:"online"`
	}
	require.NoError(t, json.Unmarshal(event.Payload, &body))
	assert.Equal(t, []string{"ana"}, body.Online)

	ben := addTestClient(h, "prj_1", "ben")
	event = waitEvent(t, ana, EventPresence)
	require.NoError(t, json.Unmarshal(event.Payload, &body))
	assert.Equal(t, []string{"ana", "ben"}, body.Online)

	h.remove(ben)
	event = waitEvent(t, ana, EventPresence)
	require.NoError(t, json.Unmarshal(event.Payload, &body))
	assert.Equal(t, []string{"ana"}, body.Online)
}

func TestPresenceDeduplicatesNames(t *testing.T) {
	h := newTestHub(t)
	addTestClient(h, "prj_1", "ana")
	addTestClient(h, "prj_1", "ana")

	assert.Equal(t, []string{"ana"}, h.Presence("prj_1"))
	assert.Equal(t, 2, h.RoomSize("prj_1"))
}

func TestStalledClientIsEvicted(t *testing.T) {
	h := newTestHub(t)
	stalled := &Client{ID: "slow", ProjectID: "prj_1", DisplayName: "slow", send: make(chan []byte)}
	h.add(stalled)

	// An unbuffered channel with no reader stalls immediately.
	h.deliverLocal(Event{Type: EventTaskChanged, ProjectID: "prj_1"})

	assert.Equal(t, 0, h.RoomSize("prj_1"))
}

func TestRoomRemovedWhenEmpty(t *testing.T) {
	h := newTestHub(t)
	c := addTestClient(h, "prj_1", "ana")
	require.Equal(t, 1, h.RoomSize("prj_1"))

	h.remove(c)
	assert.Equal(t, 0, h.RoomSize("prj_1"))
	assert.Empty(t, h.Presence("prj_1"))
}
