package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/meridian-social/meridian-chat/auth"
	"github.com/meridian-social/meridian-chat/globals"
	"github.com/meridian-social/meridian-chat/types"
)

const (
	maxMessageSize  = 4096
	pongWait        = 2 * time.Minute
	pingPeriod      = time.Minute
	writeWait       = 10 * time.Second
	sendChannelSize = 256
)

// Client is a middleman between the websocket connection and the hub. It owns
// the ephemeral session state: the verified identity, the display name
// derived at join time, and the current room/chat membership (at most one
// each). The session dies with the connection.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	identity auth.Identity

	// session state, written only by the read loop
	displayName string
	isAnonymous bool
	roomId      string
	chatId      string

	doneChan chan struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, identity auth.Identity) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		identity: identity,
		doneChan: make(chan struct{}),
	}
}

// ReadLoop pumps messages from the websocket connection to the event
// handlers.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine, which also makes it the single
// writer of the session state.
func (c *Client) ReadLoop() {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
		c.disconnect()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Info("ws closed unexpected", "user", c.identity.UserID, "error", err)
			}
			return
		}

		message := &types.WebsocketMessage{}
		if err := json.Unmarshal(raw, message); err != nil {
			globals.AppLogger.Warn("could not unmarshal ws message", "error", err)
			continue
		}
		c.dispatch(message)
	}
}

// dispatch decodes the event payload and runs the matching handler. Handlers
// run on the read loop, so a single session's operations are naturally
// serialized; unknown events are ignored.
func (c *Client) dispatch(message *types.WebsocketMessage) {
	payload := make(map[string]interface{})
	if len(message.Data) > 0 {
		if err := json.Unmarshal(message.Data, &payload); err != nil {
			globals.AppLogger.Warn("could not unmarshal event payload", "event", message.Event, "error", err)
			return
		}
	}
	ctx := context.Background()

	switch message.Event {
	case types.EventJoinRoom:
		req := types.JoinRoomRequest{}
		if err := mapstructure.WeakDecode(payload, &req); err != nil {
			globals.AppLogger.Warn("could not decode join-room payload", "error", err)
			return
		}
		c.hub.JoinRoom(ctx, c, req)

	case types.EventSendMessage:
		req := types.SendMessageRequest{}
		if err := mapstructure.WeakDecode(payload, &req); err != nil {
			globals.AppLogger.Warn("could not decode send-message payload", "error", err)
			return
		}
		c.hub.SendMessage(ctx, c, req)

	case types.EventLeaveRoom:
		req := types.LeaveRoomRequest{}
		if err := mapstructure.WeakDecode(payload, &req); err != nil {
			globals.AppLogger.Warn("could not decode leave-room payload", "error", err)
			return
		}
		c.hub.LeaveRoom(ctx, c, req.RoomId)

	case types.EventTyping:
		req := types.TypingRequest{}
		if err := mapstructure.WeakDecode(payload, &req); err != nil {
			globals.AppLogger.Warn("could not decode typing payload", "error", err)
			return
		}
		c.hub.Typing(c, req)

	case types.EventJoinPrivateChat:
		req := types.JoinPrivateChatRequest{}
		if err := mapstructure.WeakDecode(payload, &req); err != nil {
			globals.AppLogger.Warn("could not decode join-private-chat payload", "error", err)
			return
		}
		c.hub.JoinPrivateChat(ctx, c, req)

	case types.EventSendPrivateMessage:
		req := types.SendPrivateMessageRequest{}
		if err := mapstructure.WeakDecode(payload, &req); err != nil {
			globals.AppLogger.Warn("could not decode send-private-message payload", "error", err)
			return
		}
		c.hub.SendPrivateMessage(ctx, c, req)

	case types.EventLeavePrivateChat:
		req := types.LeavePrivateChatRequest{}
		if err := mapstructure.WeakDecode(payload, &req); err != nil {
			globals.AppLogger.Warn("could not decode leave-private-chat payload", "error", err)
			return
		}
		c.hub.LeavePrivateChat(ctx, c, req.ChatId)
	}
}

// disconnect runs once when the read loop exits. The registry entry is
// removed synchronously; the remaining cleanup (the "left" broadcast for a
// held room and the private-chat leave path) is queued as a background task
// with its own error isolation, since the connection is already gone and
// neither action is revocable once begun.
func (c *Client) disconnect() {
	roomId := c.roomId
	chatId := c.chatId
	displayName := c.displayName
	c.hub.Unregister(c)

	go func() {
		if roomId != "" {
			c.hub.broadcastRoom(roomId, nil, types.EventUserLeft, types.UserEvent{
				Username:  displayName,
				Timestamp: time.Now().UTC(),
			})
			if err := c.hub.store.RemoveParticipant(context.Background(), roomId, c.identity.UserID); err != nil {
				globals.AppLogger.Error("could not remove participant on disconnect", "room", roomId, "error", err)
			}
		}
		if chatId != "" {
			c.hub.leavePrivateChat(context.Background(), chatId, c.identity.UserID)
		}
	}()
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}
