package ws

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/meridian-social/meridian-chat/globals"
	"github.com/meridian-social/meridian-chat/persistence"
	"github.com/meridian-social/meridian-chat/types"
)

// JoinPrivateChat resolves (or lazily creates) the 1:1 conversation between
// the session's user and the target user, marks the session active in it and
// replays the full message history. The canonical sorted pair is the
// uniqueness key, so both sides always land in the same conversation no
// matter who joins first.
func (h *Hub) JoinPrivateChat(ctx context.Context, c *Client, req types.JoinPrivateChatRequest) {
	if req.TargetUserId == "" || req.TargetUserId == c.identity.UserID {
		h.sendError(c, "Invalid private chat target")
		return
	}
	chat, err := h.store.FindOrCreatePrivateChat(ctx, c.identity.UserID, req.TargetUserId)
	if err != nil {
		globals.AppLogger.Error("could not resolve private chat", "target", req.TargetUserId, "error", err)
		h.sendError(c, "Failed to join private chat")
		return
	}
	// the add re-checks membership at write time, a concurrent join of the
	// same user cannot produce a duplicate entry
	if _, err := h.store.AddActiveParticipant(ctx, chat.Id, c.identity.UserID); err != nil {
		globals.AppLogger.Error("could not activate private chat participant", "chat", chat.Id, "error", err)
		h.sendError(c, "Failed to join private chat")
		return
	}

	if c.chatId != "" && c.chatId != chat.Id {
		h.LeavePrivateChat(ctx, c, c.chatId)
	}
	c.chatId = chat.Id
	h.addToChat(chat.Id, c)

	messages, err := h.store.PrivateMessages(ctx, chat.Id)
	if err != nil {
		globals.AppLogger.Error("could not load private chat history", "chat", chat.Id, "error", err)
		// undo the activation so the session and the store agree
		h.removeFromChat(chat.Id, c)
		c.chatId = ""
		if _, err := h.store.RemoveActiveParticipant(ctx, chat.Id, c.identity.UserID); err != nil {
			globals.AppLogger.Error("could not deactivate private chat participant", "chat", chat.Id, "error", err)
		}
		h.sendError(c, "Failed to join private chat")
		return
	}

	// everything the other side sent while we were away is now read
	if _, err := h.store.MarkPrivateMessagesRead(ctx, chat.Id, c.identity.UserID); err != nil {
		globals.AppLogger.Error("could not mark private messages read", "chat", chat.Id, "error", err)
	} else {
		for _, msg := range messages {
			if msg.SenderId != c.identity.UserID {
				msg.IsRead = true
			}
		}
	}

	h.send(c, types.EventPrivateChatInit, types.PrivateChatInitEvent{
		ChatId:   chat.Id,
		Messages: messages,
	})
}

// SendPrivateMessage persists a private message and fans it out to the
// conversation channel. The read flag is computed at write time from the
// recipient's current presence, which is re-fetched so a stale in-memory
// copy cannot be trusted across the store round-trip.
func (h *Hub) SendPrivateMessage(ctx context.Context, c *Client, req types.SendPrivateMessageRequest) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return
	}
	if c.chatId != req.ChatId {
		h.sendError(c, "Failed to send private message")
		return
	}
	chat, err := h.store.GetPrivateChat(ctx, req.ChatId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			h.sendError(c, "Private chat not found")
			return
		}
		globals.AppLogger.Error("could not load private chat", "chat", req.ChatId, "error", err)
		h.sendError(c, "Failed to send private message")
		return
	}
	recipient := chat.Recipient(c.identity.UserID)

	msg := &types.PrivateMessage{
		ChatId:   chat.Id,
		SenderId: c.identity.UserID,
		Content:  content,
		IsRead:   chat.ActiveParticipants.Contains(recipient),
	}
	if err := h.store.StorePrivateMessage(ctx, msg); err != nil {
		globals.AppLogger.Error("could not persist private message", "chat", chat.Id, "error", err)
		h.sendError(c, "Failed to send private message")
		return
	}
	if err := h.store.TouchPrivateChat(ctx, chat.Id, msg.CreatedAt); err != nil {
		globals.AppLogger.Error("could not update private chat activity", "chat", chat.Id, "error", err)
	}

	h.broadcastChat(chat.Id, types.EventNewPrivateMessage, msg)

	// advisory only: a failed delivery must never fail the send path
	if err := h.EmitPersonal(recipient, types.EventPrivateMessageNotif, types.PrivateMessageNotifEvent{
		SenderId:       c.identity.UserID,
		Username:       c.identity.Username,
		ContentPreview: preview(content, h.cfg.PreviewLength),
		ChatId:         chat.Id,
	}); err != nil {
		globals.AppLogger.Warn("could not deliver private message notification", "recipient", recipient, "error", err)
	}
}

// LeavePrivateChat removes the session from the conversation channel and
// runs the presence-driven deletion path.
func (h *Hub) LeavePrivateChat(ctx context.Context, c *Client, chatId string) {
	if c.chatId != chatId {
		return
	}
	h.removeFromChat(chatId, c)
	c.chatId = ""
	h.leavePrivateChat(ctx, chatId, c.identity.UserID)
}

// leavePrivateChat is the store side of leaving: the user is removed from
// the active participants, and once the conversation is empty every message
// already marked read is hard-deleted. Unread messages are deliberately
// preserved so the next joiner still sees what they missed. The conversation
// row itself is never deleted, which keeps its id stable across sessions.
func (h *Hub) leavePrivateChat(ctx context.Context, chatId, userId string) {
	chat, err := h.store.RemoveActiveParticipant(ctx, chatId, userId)
	if err != nil {
		globals.AppLogger.Error("could not deactivate private chat participant", "chat", chatId, "error", err)
		return
	}
	if err := h.store.TouchPrivateChat(ctx, chatId, time.Now().UTC()); err != nil {
		globals.AppLogger.Error("could not update private chat activity", "chat", chatId, "error", err)
	}
	if len(chat.ActiveParticipants) > 0 {
		return
	}
	count, err := h.store.DeleteReadPrivateMessages(ctx, chatId)
	if err != nil {
		globals.AppLogger.Error("could not delete read private messages", "chat", chatId, "error", err)
		return
	}
	globals.AppLogger.Info("private chat emptied, deleted read messages", "chat", chatId, "count", count)
}

// preview truncates message content for the advisory notification event.
func preview(content string, max int) string {
	if max <= 0 {
		max = 50
	}
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "..."
}
