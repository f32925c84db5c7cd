package ws

import (
	"context"
	"strings"
	"time"

	"github.com/folkengine/goname"

	"github.com/meridian-social/meridian-chat/globals"
	"github.com/meridian-social/meridian-chat/persistence"
	"github.com/meridian-social/meridian-chat/types"
)

// JoinRoom registers the session as a member of a public room, derives the
// visible name, seeds the client with recent history and announces the join
// to the other members. The joining session does not receive its own join
// event.
func (h *Hub) JoinRoom(ctx context.Context, c *Client, req types.JoinRoomRequest) {
	room, err := h.store.GetRoom(ctx, req.RoomId)
	if err != nil {
		if err == persistence.ErrNotFound {
			h.sendError(c, "Chatroom not found")
			return
		}
		globals.AppLogger.Error("could not load room", "room", req.RoomId, "error", err)
		h.sendError(c, "Failed to join room")
		return
	}
	if !room.IsActive {
		h.sendError(c, "Chatroom is not active")
		return
	}

	// the alias is derived once and stays stable for the session's
	// lifetime in this room; a repeated join of the same room keeps it
	if c.roomId != req.RoomId {
		if c.roomId != "" {
			h.LeaveRoom(ctx, c, c.roomId)
		}
		displayName := c.identity.Username
		if req.IsAnonymous {
			displayName = req.DisplayName
			if displayName == "" {
				displayName = goname.New(goname.FantasyMap).FirstLast()
			}
		}
		c.displayName = displayName
		c.isAnonymous = req.IsAnonymous
	}
	c.roomId = req.RoomId
	h.addToRoom(req.RoomId, c)

	participant := types.Participant{
		UserId:      c.identity.UserID,
		Username:    c.identity.Username,
		IsAnonymous: c.isAnonymous,
		JoinedAt:    time.Now().UTC(),
	}
	if c.isAnonymous {
		participant.AnonymousName = c.displayName
	}
	if err := h.store.AddParticipant(ctx, req.RoomId, participant); err != nil {
		globals.AppLogger.Error("could not store participant", "room", req.RoomId, "error", err)
	}

	h.broadcastRoom(req.RoomId, c, types.EventUserJoined, types.UserEvent{
		Username:  c.displayName,
		Timestamp: time.Now().UTC(),
	})

	history, err := h.store.RoomMessages(ctx, req.RoomId, h.cfg.HistoryConfig.HistorySize)
	if err != nil {
		globals.AppLogger.Error("could not load room history", "room", req.RoomId, "error", err)
		return
	}
	// the store returns newest first, the client wants creation order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	h.send(c, types.EventRoomHistory, types.RoomHistoryEvent{RoomId: req.RoomId, Messages: history})
}

// LeaveRoom removes the session from the room and announces the leave to the
// remaining members. Leaving a room the session is not in is a no-op.
func (h *Hub) LeaveRoom(ctx context.Context, c *Client, roomId string) {
	if c.roomId != roomId {
		return
	}
	h.removeFromRoom(roomId, c)
	c.roomId = ""
	if err := h.store.RemoveParticipant(ctx, roomId, c.identity.UserID); err != nil {
		globals.AppLogger.Error("could not remove participant", "room", roomId, "error", err)
	}
	h.broadcastRoom(roomId, nil, types.EventUserLeft, types.UserEvent{
		Username:  c.displayName,
		Timestamp: time.Now().UTC(),
	})
}

// Typing forwards a typing indicator to the other members of the room. It is
// never persisted.
func (h *Hub) Typing(c *Client, req types.TypingRequest) {
	if c.roomId != req.RoomId {
		return
	}
	h.broadcastRoom(req.RoomId, c, types.EventUserTyping, types.TypingEvent{
		Username: c.displayName,
		IsTyping: req.IsTyping,
	})
}

// SendMessage persists a public message and fans it out to every member of
// the room including the sender. Content that trims to empty is dropped
// silently; clients double-submit and must not get an error for it. The
// room's order lock is held across the store write and the broadcast, so for
// a single room the broadcast order always matches the persistence order.
func (h *Hub) SendMessage(ctx context.Context, c *Client, req types.SendMessageRequest) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return
	}
	if c.roomId != req.RoomId {
		h.sendError(c, "Failed to send message")
		return
	}
	rc, ok := h.roomChannelFor(req.RoomId)
	if !ok {
		h.sendError(c, "Failed to send message")
		return
	}

	rc.order.Lock()
	defer rc.order.Unlock()

	msg := &types.Message{
		RoomId:      req.RoomId,
		UserId:      c.identity.UserID,
		Username:    c.displayName,
		IsAnonymous: c.isAnonymous,
		Content:     content,
	}
	if err := h.store.StoreMessage(ctx, msg); err != nil {
		globals.AppLogger.Error("could not persist message", "room", req.RoomId, "error", err)
		h.sendError(c, "Failed to send message")
		return
	}
	if err := h.store.TouchRoom(ctx, req.RoomId, msg.CreatedAt); err != nil {
		globals.AppLogger.Error("could not update room activity", "room", req.RoomId, "error", err)
	}

	h.broadcastRoom(req.RoomId, nil, types.EventNewMessage, types.NewMessageEvent{
		Id:          msg.Id,
		Username:    msg.Username,
		Content:     msg.Content,
		IsAnonymous: msg.IsAnonymous,
		CreatedAt:   msg.CreatedAt,
	})
}
