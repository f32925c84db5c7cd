package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-social/meridian-chat/config"
	"github.com/meridian-social/meridian-chat/types"
)

// ErrNotFound is returned whenever a room, chat or notification does not
// exist in the store. All backends map their driver-specific not-found
// condition to this error.
var ErrNotFound = errors.New("not found")

// Store is the document-store contract the messaging core runs on. All
// methods are safe for concurrent use; the conditional membership updates
// (AddParticipant, AddActiveParticipant, RemoveActiveParticipant) re-check
// the current state at write time so concurrent joins cannot produce
// duplicate entries or lost updates.
type Store interface {
	// Public rooms.
	StoreRoom(ctx context.Context, room *types.Chatroom) error
	GetRoom(ctx context.Context, id string) (*types.Chatroom, error)
	ActiveRooms(ctx context.Context) ([]*types.Chatroom, error)
	AddParticipant(ctx context.Context, roomId string, p types.Participant) error
	RemoveParticipant(ctx context.Context, roomId, userId string) error
	TouchRoom(ctx context.Context, roomId string, at time.Time) error

	// Public messages.
	StoreMessage(ctx context.Context, msg *types.Message) error
	RoomMessages(ctx context.Context, roomId string, limit int) ([]*types.Message, error) // newest first
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeactivateIdleRooms(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteInactiveRoomMessages(ctx context.Context) (int64, error)

	// Private chats. FindOrCreatePrivateChat expects the canonical
	// (sorted) pair, see types.CanonicalPair.
	FindOrCreatePrivateChat(ctx context.Context, userA, userB string) (*types.PrivateChat, error)
	GetPrivateChat(ctx context.Context, id string) (*types.PrivateChat, error)
	AddActiveParticipant(ctx context.Context, chatId, userId string) (*types.PrivateChat, error)
	RemoveActiveParticipant(ctx context.Context, chatId, userId string) (*types.PrivateChat, error)
	TouchPrivateChat(ctx context.Context, chatId string, at time.Time) error

	// Private messages.
	StorePrivateMessage(ctx context.Context, msg *types.PrivateMessage) error
	PrivateMessages(ctx context.Context, chatId string) ([]*types.PrivateMessage, error) // creation order
	MarkPrivateMessagesRead(ctx context.Context, chatId, exceptSender string) (int64, error)
	DeleteReadPrivateMessages(ctx context.Context, chatId string) (int64, error)

	// Notifications.
	StoreNotification(ctx context.Context, n *types.Notification) error
	UpdateNotification(ctx context.Context, n *types.Notification) error
	UnreadNotificationSince(ctx context.Context, recipient, notifType string, since time.Time) (*types.Notification, error)
	DeleteNotificationsBefore(ctx context.Context, readCutoff, unreadCutoff time.Time) (int64, error)

	Close() error
}

// NewStore creates the Store selected by the persistence configuration.
func NewStore(cfg *config.Config) (Store, error) {
	switch cfg.PersistenceConfig.Type {
	case "", "buntdb":
		return NewBuntStore(cfg)
	case "sqlite", "postgres":
		return NewGormStore(cfg)
	case "mongo":
		return NewMongoStore(cfg)
	}
	return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
}

func newId() string {
	return uuid.NewString()
}
