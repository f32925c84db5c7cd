package ws

import (
	"encoding/json"
	"sync"

	"github.com/meridian-social/meridian-chat/config"
	"github.com/meridian-social/meridian-chat/globals"
	"github.com/meridian-social/meridian-chat/persistence"
	"github.com/meridian-social/meridian-chat/types"
)

// roomChannel is the hub-owned membership set of one public room. The order
// mutex serializes the persist-then-broadcast section of the message
// pipeline, so the broadcast order seen by every member matches persistence
// order for that room.
type roomChannel struct {
	order   sync.Mutex
	members map[*Client]struct{}
}

// Hub is the explicitly constructed registry of all live connections and of
// the channel membership sets (public rooms, private chats, per-user personal
// channels). It is created once at process start and passed to everything
// that needs to address a session by identity; no component broadcasts to a
// group it does not own.
type Hub struct {
	store persistence.Store
	cfg   *config.Config

	// mutex for manipulating the registry maps
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	rooms    map[string]*roomChannel
	chats    map[string]map[*Client]struct{}
	personal map[string]map[*Client]struct{}
}

func NewHub(cfg *config.Config, store persistence.Store) *Hub {
	return &Hub{
		store:    store,
		cfg:      cfg,
		clients:  make(map[*Client]struct{}),
		rooms:    make(map[string]*roomChannel),
		chats:    make(map[string]map[*Client]struct{}),
		personal: make(map[string]map[*Client]struct{}),
	}
}

// NumClients returns the number of registered connections.
func (h *Hub) NumClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register admits an authenticated connection and subscribes it to the
// personal channel named by its user id. The personal channel is used
// exclusively for targeted notification delivery, never for room broadcasts.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	userId := c.identity.UserID
	if h.personal[userId] == nil {
		h.personal[userId] = make(map[*Client]struct{})
	}
	h.personal[userId][c] = struct{}{}
}

// Unregister removes the connection from the registry and from every
// membership set it is still part of. It does not emit any events; the
// disconnect side effects are queued separately (see Client.disconnect).
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if rc, ok := h.rooms[c.roomId]; ok {
		delete(rc.members, c)
		if len(rc.members) == 0 {
			delete(h.rooms, c.roomId)
		}
	}
	if members, ok := h.chats[c.chatId]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.chats, c.chatId)
		}
	}
	userId := c.identity.UserID
	if conns, ok := h.personal[userId]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.personal, userId)
		}
	}
	close(c.Send)
}

func (h *Hub) addToRoom(roomId string, c *Client) *roomChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.rooms[roomId]
	if !ok {
		rc = &roomChannel{members: make(map[*Client]struct{})}
		h.rooms[roomId] = rc
	}
	rc.members[c] = struct{}{}
	return rc
}

func (h *Hub) removeFromRoom(roomId string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rc, ok := h.rooms[roomId]; ok {
		delete(rc.members, c)
		if len(rc.members) == 0 {
			delete(h.rooms, roomId)
		}
	}
}

func (h *Hub) addToChat(chatId string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.chats[chatId] == nil {
		h.chats[chatId] = make(map[*Client]struct{})
	}
	h.chats[chatId][c] = struct{}{}
}

func (h *Hub) removeFromChat(chatId string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.chats[chatId]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.chats, chatId)
		}
	}
}

func (h *Hub) roomChannelFor(roomId string) (*roomChannel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rc, ok := h.rooms[roomId]
	return rc, ok
}

// send marshals the event envelope and queues it on the client's send
// channel. A client whose channel is full is considered too slow and the
// event is dropped for it.
func (h *Hub) send(c *Client, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal event payload", "event", event, "error", err)
		return
	}
	raw, err := json.Marshal(types.WebsocketMessage{Event: event, Data: data})
	if err != nil {
		globals.AppLogger.Error("could not marshal ws message", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.Send <- raw:
	default:
		globals.AppLogger.Warn("send channel full, dropping event", "event", event, "user", c.identity.UserID)
	}
}

func (h *Hub) sendError(c *Client, message string) {
	h.send(c, types.EventError, types.ErrorEvent{Message: message})
}

// broadcastRoom fans an event out to the members of a public room,
// optionally excluding one client (the actor).
func (h *Hub) broadcastRoom(roomId string, except *Client, event string, payload interface{}) {
	h.mu.RLock()
	rc, ok := h.rooms[roomId]
	if !ok {
		h.mu.RUnlock()
		return
	}
	members := make([]*Client, 0, len(rc.members))
	for c := range rc.members {
		if c != except {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range members {
		h.send(c, event, payload)
	}
}

// broadcastChat fans an event out to the active members of a private chat.
func (h *Hub) broadcastChat(chatId string, event string, payload interface{}) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.chats[chatId]))
	for c := range h.chats[chatId] {
		members = append(members, c)
	}
	h.mu.RUnlock()
	for _, c := range members {
		h.send(c, event, payload)
	}
}

// EmitPersonal delivers an event to every live connection of one user. It
// satisfies the notify.Emitter contract.
func (h *Hub) EmitPersonal(userId string, event string, payload interface{}) error {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.personal[userId]))
	for c := range h.personal[userId] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.send(c, event, payload)
	}
	return nil
}
