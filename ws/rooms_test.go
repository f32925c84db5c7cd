package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meridian-social/meridian-chat/auth"
	"github.com/meridian-social/meridian-chat/config"
	"github.com/meridian-social/meridian-chat/persistence"
	"github.com/meridian-social/meridian-chat/types"
)

func newTestHub(t *testing.T) (*Hub, persistence.Store) {
	t.Helper()
	cfg := &config.Config{PreviewLength: 50}
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = ":memory:"
	cfg.HistoryConfig.HistorySize = 100
	store, err := persistence.NewStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewHub(cfg, store), store
}

func newTestClient(t *testing.T, hub *Hub, userId, username string) *Client {
	t.Helper()
	c := NewClient(hub, nil, auth.Identity{UserID: userId, Username: username})
	hub.Register(c)
	t.Cleanup(func() { hub.Unregister(c) })
	return c
}

// nextEvent pops the next queued outbound event of the client. The handlers
// send synchronously, so anything due is already buffered.
func nextEvent(t *testing.T, c *Client) (string, json.RawMessage) {
	t.Helper()
	select {
	case raw, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			t.Fatal(err)
		}
		return message.Event, message.Data
	default:
		t.Fatal("no event queued")
	}
	return "", nil
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("unexpected event: %s", raw)
	default:
	}
}

func drainEvents(c *Client) {
	for {
		select {
		case <-c.Send:
		default:
			return
		}
	}
}

func makeRoom(t *testing.T, store persistence.Store, id string) {
	t.Helper()
	if err := store.StoreRoom(context.Background(), &types.Chatroom{Id: id, Name: id, IsActive: true}); err != nil {
		t.Fatal(err)
	}
}

func TestJoinRoomNotFound(t *testing.T) {
	hub, _ := newTestHub(t)
	c := newTestClient(t, hub, "u1", "alice")

	hub.JoinRoom(context.Background(), c, types.JoinRoomRequest{RoomId: "nope"})

	event, data := nextEvent(t, c)
	assert.Equal(t, types.EventError, event)
	errEvent := types.ErrorEvent{}
	if err := json.Unmarshal(data, &errEvent); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "Chatroom not found", errEvent.Message)
}

func TestJoinRoomInactive(t *testing.T) {
	hub, store := newTestHub(t)
	if err := store.StoreRoom(context.Background(), &types.Chatroom{Id: "r1", IsActive: false}); err != nil {
		t.Fatal(err)
	}
	c := newTestClient(t, hub, "u1", "alice")

	hub.JoinRoom(context.Background(), c, types.JoinRoomRequest{RoomId: "r1"})

	event, data := nextEvent(t, c)
	assert.Equal(t, types.EventError, event)
	errEvent := types.ErrorEvent{}
	if err := json.Unmarshal(data, &errEvent); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "Chatroom is not active", errEvent.Message)
}

func TestJoinRoomAnnouncesAndSeedsHistory(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	makeRoom(t, store, "r1")

	c1 := newTestClient(t, hub, "u1", "alice")
	hub.JoinRoom(ctx, c1, types.JoinRoomRequest{RoomId: "r1"})
	drainEvents(c1)

	hub.SendMessage(ctx, c1, types.SendMessageRequest{RoomId: "r1", Content: "first"})
	hub.SendMessage(ctx, c1, types.SendMessageRequest{RoomId: "r1", Content: "second"})
	drainEvents(c1)

	c2 := newTestClient(t, hub, "u2", "bob")
	hub.JoinRoom(ctx, c2, types.JoinRoomRequest{RoomId: "r1"})

	// the member already present sees the join
	event, data := nextEvent(t, c1)
	assert.Equal(t, types.EventUserJoined, event)
	userEvent := types.UserEvent{}
	if err := json.Unmarshal(data, &userEvent); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "bob", userEvent.Username)

	// the joiner gets the history in creation order, not its own join event
	event, data = nextEvent(t, c2)
	assert.Equal(t, types.EventRoomHistory, event)
	history := types.RoomHistoryEvent{}
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "r1", history.RoomId)
	assert.Len(t, history.Messages, 2)
	assert.Equal(t, "first", history.Messages[0].Content)
	assert.Equal(t, "second", history.Messages[1].Content)
	expectNoEvent(t, c2)

	room, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, room.Participants, 2)
}

func TestJoinRoomAnonymousAlias(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	makeRoom(t, store, "r1")

	c1 := newTestClient(t, hub, "u1", "alice")
	hub.JoinRoom(ctx, c1, types.JoinRoomRequest{RoomId: "r1"})
	drainEvents(c1)

	c2 := newTestClient(t, hub, "u2", "bob")
	hub.JoinRoom(ctx, c2, types.JoinRoomRequest{RoomId: "r1", IsAnonymous: true})

	event, data := nextEvent(t, c1)
	assert.Equal(t, types.EventUserJoined, event)
	userEvent := types.UserEvent{}
	if err := json.Unmarshal(data, &userEvent); err != nil {
		t.Fatal(err)
	}
	// a generated alias, never the real username
	assert.NotEmpty(t, userEvent.Username)
	assert.NotEqual(t, "bob", userEvent.Username)

	room, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range room.Participants {
		if p.UserId == "u2" {
			assert.True(t, p.IsAnonymous)
			assert.Equal(t, userEvent.Username, p.AnonymousName)
		}
	}
}

func TestSendMessageEmptyContentIsNoOp(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	makeRoom(t, store, "r1")

	c := newTestClient(t, hub, "u1", "alice")
	hub.JoinRoom(ctx, c, types.JoinRoomRequest{RoomId: "r1"})
	drainEvents(c)

	hub.SendMessage(ctx, c, types.SendMessageRequest{RoomId: "r1", Content: "   \n\t "})
	expectNoEvent(t, c)

	messages, err := store.RoomMessages(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, messages, 0)
}

func TestSendMessageNotAMemberFails(t *testing.T) {
	hub, store := newTestHub(t)
	makeRoom(t, store, "r1")

	c := newTestClient(t, hub, "u1", "alice")
	hub.SendMessage(context.Background(), c, types.SendMessageRequest{RoomId: "r1", Content: "hi"})

	event, _ := nextEvent(t, c)
	assert.Equal(t, types.EventError, event)
}

func TestBroadcastOrderMatchesPersistenceOrder(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	makeRoom(t, store, "r1")

	c1 := newTestClient(t, hub, "u1", "alice")
	c2 := newTestClient(t, hub, "u2", "bob")
	hub.JoinRoom(ctx, c1, types.JoinRoomRequest{RoomId: "r1"})
	hub.JoinRoom(ctx, c2, types.JoinRoomRequest{RoomId: "r1"})
	drainEvents(c1)
	drainEvents(c2)

	for i := 0; i < 5; i++ {
		hub.SendMessage(ctx, c1, types.SendMessageRequest{RoomId: "r1", Content: fmt.Sprintf("message %d", i)})
		time.Sleep(time.Millisecond) // distinct createdAt timestamps
	}

	received := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		event, data := nextEvent(t, c2)
		assert.Equal(t, types.EventNewMessage, event)
		msgEvent := types.NewMessageEvent{}
		if err := json.Unmarshal(data, &msgEvent); err != nil {
			t.Fatal(err)
		}
		received = append(received, msgEvent.Content)
	}

	persisted, err := store.RoomMessages(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, persisted, 5)
	// the store returns newest first
	for i, msg := range persisted {
		assert.Equal(t, received[len(received)-1-i], msg.Content)
	}
}

func TestLeaveRoomAnnounces(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	makeRoom(t, store, "r1")

	c1 := newTestClient(t, hub, "u1", "alice")
	c2 := newTestClient(t, hub, "u2", "bob")
	hub.JoinRoom(ctx, c1, types.JoinRoomRequest{RoomId: "r1"})
	hub.JoinRoom(ctx, c2, types.JoinRoomRequest{RoomId: "r1"})
	drainEvents(c1)
	drainEvents(c2)

	hub.LeaveRoom(ctx, c2, "r1")

	event, data := nextEvent(t, c1)
	assert.Equal(t, types.EventUserLeft, event)
	userEvent := types.UserEvent{}
	if err := json.Unmarshal(data, &userEvent); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "bob", userEvent.Username)

	room, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, room.Participants, 1)

	// leaving a room the session is not in does nothing
	hub.LeaveRoom(ctx, c2, "r1")
	expectNoEvent(t, c1)
}

func TestTypingIsForwardedNotPersisted(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	makeRoom(t, store, "r1")

	c1 := newTestClient(t, hub, "u1", "alice")
	c2 := newTestClient(t, hub, "u2", "bob")
	hub.JoinRoom(ctx, c1, types.JoinRoomRequest{RoomId: "r1"})
	hub.JoinRoom(ctx, c2, types.JoinRoomRequest{RoomId: "r1"})
	drainEvents(c1)
	drainEvents(c2)

	hub.Typing(c1, types.TypingRequest{RoomId: "r1", IsTyping: true})

	event, data := nextEvent(t, c2)
	assert.Equal(t, types.EventUserTyping, event)
	typingEvent := types.TypingEvent{}
	if err := json.Unmarshal(data, &typingEvent); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "alice", typingEvent.Username)
	assert.True(t, typingEvent.IsTyping)
	expectNoEvent(t, c1)

	messages, err := store.RoomMessages(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, messages, 0)
}

func TestRejoinSameRoomKeepsAnonymousAlias(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	makeRoom(t, store, "r1")

	c1 := newTestClient(t, hub, "u1", "alice")
	hub.JoinRoom(ctx, c1, types.JoinRoomRequest{RoomId: "r1"})
	drainEvents(c1)

	c2 := newTestClient(t, hub, "u2", "bob")
	hub.JoinRoom(ctx, c2, types.JoinRoomRequest{RoomId: "r1", IsAnonymous: true})

	event, data := nextEvent(t, c1)
	assert.Equal(t, types.EventUserJoined, event)
	userEvent := types.UserEvent{}
	if err := json.Unmarshal(data, &userEvent); err != nil {
		t.Fatal(err)
	}
	alias := userEvent.Username
	assert.NotEmpty(t, alias)

	// a duplicated join of the same room must not mint a new alias, the
	// broadcast name stays in step with the stored participant record
	hub.JoinRoom(ctx, c2, types.JoinRoomRequest{RoomId: "r1", IsAnonymous: true})

	event, data = nextEvent(t, c1)
	assert.Equal(t, types.EventUserJoined, event)
	userEvent = types.UserEvent{}
	if err := json.Unmarshal(data, &userEvent); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, alias, userEvent.Username)

	room, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, room.Participants, 2)
	for _, p := range room.Participants {
		if p.UserId == "u2" {
			assert.Equal(t, alias, p.AnonymousName)
		}
	}
}

func TestSwitchingRoomsLeavesThePreviousOne(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	makeRoom(t, store, "r1")
	makeRoom(t, store, "r2")

	c := newTestClient(t, hub, "u1", "alice")
	hub.JoinRoom(ctx, c, types.JoinRoomRequest{RoomId: "r1"})
	hub.JoinRoom(ctx, c, types.JoinRoomRequest{RoomId: "r2"})

	assert.Equal(t, "r2", c.roomId)
	room, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, room.Participants, 0)
}
