package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridian-social/meridian-chat/persistence"
	"github.com/meridian-social/meridian-chat/types"
)

// flakyHistoryStore fails the history load while failHistory is set.
type flakyHistoryStore struct {
	persistence.Store
	failHistory bool
}

func (s *flakyHistoryStore) PrivateMessages(ctx context.Context, chatId string) ([]*types.PrivateMessage, error) {
	if s.failHistory {
		return nil, errors.New("history unavailable")
	}
	return s.Store.PrivateMessages(ctx, chatId)
}

func joinPrivate(t *testing.T, hub *Hub, c *Client, target string) types.PrivateChatInitEvent {
	t.Helper()
	hub.JoinPrivateChat(context.Background(), c, types.JoinPrivateChatRequest{TargetUserId: target})
	event, data := nextEvent(t, c)
	assert.Equal(t, types.EventPrivateChatInit, event)
	initEvent := types.PrivateChatInitEvent{}
	if err := json.Unmarshal(data, &initEvent); err != nil {
		t.Fatal(err)
	}
	return initEvent
}

func TestJoinPrivateChatSamePairSameChat(t *testing.T) {
	hub, _ := newTestHub(t)
	alice := newTestClient(t, hub, "alice", "alice")
	bob := newTestClient(t, hub, "bob", "bob")

	initAlice := joinPrivate(t, hub, alice, "bob")
	initBob := joinPrivate(t, hub, bob, "alice")

	assert.NotEmpty(t, initAlice.ChatId)
	assert.Equal(t, initAlice.ChatId, initBob.ChatId)
}

func TestJoinPrivateChatSelfRejected(t *testing.T) {
	hub, _ := newTestHub(t)
	alice := newTestClient(t, hub, "alice", "alice")

	hub.JoinPrivateChat(context.Background(), alice, types.JoinPrivateChatRequest{TargetUserId: "alice"})
	event, _ := nextEvent(t, alice)
	assert.Equal(t, types.EventError, event)
}

func TestPrivateMessageReadWhileRecipientActive(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	alice := newTestClient(t, hub, "alice", "alice")
	bob := newTestClient(t, hub, "bob", "bob")

	chatId := joinPrivate(t, hub, alice, "bob").ChatId
	joinPrivate(t, hub, bob, "alice")

	hub.SendPrivateMessage(ctx, alice, types.SendPrivateMessageRequest{ChatId: chatId, Content: "hi bob"})

	// both active members get the message on the chat channel
	event, data := nextEvent(t, bob)
	assert.Equal(t, types.EventNewPrivateMessage, event)
	msg := types.PrivateMessage{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "hi bob", msg.Content)
	assert.True(t, msg.IsRead)

	// plus the advisory notification on the personal channel
	event, data = nextEvent(t, bob)
	assert.Equal(t, types.EventPrivateMessageNotif, event)
	notif := types.PrivateMessageNotifEvent{}
	if err := json.Unmarshal(data, &notif); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "alice", notif.SenderId)
	assert.Equal(t, "hi bob", notif.ContentPreview)
	assert.Equal(t, chatId, notif.ChatId)

	messages, err := store.PrivateMessages(ctx, chatId)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, messages, 1)
	assert.True(t, messages[0].IsRead)
}

func TestPrivateMessageUnreadUntilRecipientJoins(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	alice := newTestClient(t, hub, "alice", "alice")
	bob := newTestClient(t, hub, "bob", "bob")

	chatId := joinPrivate(t, hub, alice, "bob").ChatId
	hub.SendPrivateMessage(ctx, alice, types.SendPrivateMessageRequest{ChatId: chatId, Content: "you there?"})

	messages, err := store.PrivateMessages(ctx, chatId)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, messages, 1)
	assert.False(t, messages[0].IsRead)

	// the offline recipient still gets the advisory notification
	event, _ := nextEvent(t, bob)
	assert.Equal(t, types.EventPrivateMessageNotif, event)

	// joining flips the pending message to read and replays it
	initEvent := joinPrivate(t, hub, bob, "alice")
	assert.Equal(t, chatId, initEvent.ChatId)
	assert.Len(t, initEvent.Messages, 1)
	assert.True(t, initEvent.Messages[0].IsRead)
}

func TestPrivateMessagePreviewTruncated(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()
	alice := newTestClient(t, hub, "alice", "alice")
	bob := newTestClient(t, hub, "bob", "bob")

	chatId := joinPrivate(t, hub, alice, "bob").ChatId
	long := strings.Repeat("x", 80)
	hub.SendPrivateMessage(ctx, alice, types.SendPrivateMessageRequest{ChatId: chatId, Content: long})

	event, data := nextEvent(t, bob)
	assert.Equal(t, types.EventPrivateMessageNotif, event)
	notif := types.PrivateMessageNotifEvent{}
	if err := json.Unmarshal(data, &notif); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, strings.Repeat("x", 50)+"...", notif.ContentPreview)
}

func TestPrivateMessageEmptyContentIsNoOp(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	alice := newTestClient(t, hub, "alice", "alice")

	chatId := joinPrivate(t, hub, alice, "bob").ChatId
	hub.SendPrivateMessage(ctx, alice, types.SendPrivateMessageRequest{ChatId: chatId, Content: "  "})
	expectNoEvent(t, alice)

	messages, err := store.PrivateMessages(ctx, chatId)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, messages, 0)
}

func TestLeaveEmptiesChatDeletesReadMessages(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	alice := newTestClient(t, hub, "alice", "alice")
	bob := newTestClient(t, hub, "bob", "bob")

	chatId := joinPrivate(t, hub, alice, "bob").ChatId
	joinPrivate(t, hub, bob, "alice")

	// read while bob is active
	hub.SendPrivateMessage(ctx, alice, types.SendPrivateMessageRequest{ChatId: chatId, Content: "seen"})
	drainEvents(alice)
	drainEvents(bob)

	// unread once bob has left
	hub.LeavePrivateChat(ctx, bob, chatId)
	hub.SendPrivateMessage(ctx, alice, types.SendPrivateMessageRequest{ChatId: chatId, Content: "missed"})

	// the last one out empties the chat, the read subset is purged
	hub.LeavePrivateChat(ctx, alice, chatId)

	messages, err := store.PrivateMessages(ctx, chatId)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, messages, 1)
	assert.Equal(t, "missed", messages[0].Content)
	assert.False(t, messages[0].IsRead)

	chat, err := store.GetPrivateChat(ctx, chatId)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, chat.ActiveParticipants, 0)

	// the unread message survives for the next join and flips to read then
	drainEvents(bob)
	initEvent := joinPrivate(t, hub, bob, "alice")
	assert.Len(t, initEvent.Messages, 1)
	assert.True(t, initEvent.Messages[0].IsRead)
}

func TestJoinPrivateChatHistoryFailureRollsBack(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	flaky := &flakyHistoryStore{Store: store, failHistory: true}
	hub.store = flaky

	alice := newTestClient(t, hub, "alice", "alice")
	hub.JoinPrivateChat(ctx, alice, types.JoinPrivateChatRequest{TargetUserId: "bob"})

	event, _ := nextEvent(t, alice)
	assert.Equal(t, types.EventError, event)

	// the failed join left no trace: session pointer cleared, activation
	// rolled back in the store
	assert.Equal(t, "", alice.chatId)
	chat, err := store.FindOrCreatePrivateChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, chat.ActiveParticipants, 0)

	// once the store recovers, joining works
	flaky.failHistory = false
	initEvent := joinPrivate(t, hub, alice, "bob")
	assert.Equal(t, chat.Id, initEvent.ChatId)
}

func TestSendPrivateMessageRequiresMembership(t *testing.T) {
	hub, _ := newTestHub(t)
	alice := newTestClient(t, hub, "alice", "alice")

	hub.SendPrivateMessage(context.Background(), alice, types.SendPrivateMessageRequest{ChatId: "some-chat", Content: "hi"})
	event, _ := nextEvent(t, alice)
	assert.Equal(t, types.EventError, event)
}
