package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meridian-social/meridian-chat/config"
	"github.com/meridian-social/meridian-chat/types"
)

// GormStore backs the Store contract with a relational database. Supported
// dialects are sqlite and postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(cfg *config.Config) (*GormStore, error) {
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	err = db.AutoMigrate(
		&types.Chatroom{},
		&types.Participant{},
		&types.Message{},
		&types.PrivateChat{},
		&types.PrivateMessage{},
		&types.Notification{},
	)
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func mapGormErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) StoreRoom(ctx context.Context, room *types.Chatroom) error {
	if room.Id == "" {
		room.Id = newId()
	}
	if room.LastActivity.IsZero() {
		room.LastActivity = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(room).Error
}

func (s *GormStore) GetRoom(ctx context.Context, id string) (*types.Chatroom, error) {
	room := &types.Chatroom{}
	err := s.db.WithContext(ctx).Preload("Participants").First(room, "id = ?", id).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return room, nil
}

func (s *GormStore) ActiveRooms(ctx context.Context) ([]*types.Chatroom, error) {
	rooms := make([]*types.Chatroom, 0)
	err := s.db.WithContext(ctx).Preload("Participants").
		Where("is_active = ?", true).
		Order("last_activity DESC").
		Find(&rooms).Error
	return rooms, err
}

func (s *GormStore) AddParticipant(ctx context.Context, roomId string, p types.Participant) error {
	p.RoomId = roomId
	// the composite primary key makes a concurrent duplicate a no-op
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error
}

func (s *GormStore) RemoveParticipant(ctx context.Context, roomId, userId string) error {
	return s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomId, userId).
		Delete(&types.Participant{}).Error
}

func (s *GormStore) TouchRoom(ctx context.Context, roomId string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&types.Chatroom{}).
		Where("id = ?", roomId).
		Update("last_activity", at).Error
}

func (s *GormStore) StoreMessage(ctx context.Context, msg *types.Message) error {
	if msg.Id == "" {
		msg.Id = newId()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *GormStore) RoomMessages(ctx context.Context, roomId string, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	q := s.db.WithContext(ctx).Where("room_id = ?", roomId).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&messages).Error
	return messages, err
}

func (s *GormStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&types.Message{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeactivateIdleRooms(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&types.Chatroom{}).
		Where("is_active = ? AND last_activity < ?", true, cutoff).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteInactiveRoomMessages(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("room_id IN (?)", s.db.Model(&types.Chatroom{}).Select("id").Where("is_active = ?", false)).
		Delete(&types.Message{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) FindOrCreatePrivateChat(ctx context.Context, userA, userB string) (*types.PrivateChat, error) {
	userA, userB = types.CanonicalPair(userA, userB)
	chat := &types.PrivateChat{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(chat, "user_a = ? AND user_b = ?", userA, userB).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := time.Now().UTC()
		chat.Id = newId()
		chat.UserA = userA
		chat.UserB = userB
		chat.ActiveParticipants = types.JSONStringSlice{}
		chat.LastActivity = now
		// the unique pair index resolves a concurrent create
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(chat).Error
	})
	if err != nil {
		return nil, err
	}
	// re-read in case a concurrent create won the conflict
	err = s.db.WithContext(ctx).First(chat, "user_a = ? AND user_b = ?", userA, userB).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return chat, nil
}

func (s *GormStore) GetPrivateChat(ctx context.Context, id string) (*types.PrivateChat, error) {
	chat := &types.PrivateChat{}
	err := s.db.WithContext(ctx).First(chat, "id = ?", id).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return chat, nil
}

func (s *GormStore) updatePrivateChat(ctx context.Context, chatId string, mutate func(*types.PrivateChat)) (*types.PrivateChat, error) {
	chat := &types.PrivateChat{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// re-fetch inside the transaction, never trust a stale copy
		if err := tx.First(chat, "id = ?", chatId).Error; err != nil {
			return mapGormErr(err)
		}
		mutate(chat)
		return tx.Model(chat).Update("active_participants", chat.ActiveParticipants).Error
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *GormStore) AddActiveParticipant(ctx context.Context, chatId, userId string) (*types.PrivateChat, error) {
	return s.updatePrivateChat(ctx, chatId, func(chat *types.PrivateChat) {
		if !chat.ActiveParticipants.Contains(userId) {
			chat.ActiveParticipants = append(chat.ActiveParticipants, userId)
		}
	})
}

func (s *GormStore) RemoveActiveParticipant(ctx context.Context, chatId, userId string) (*types.PrivateChat, error) {
	return s.updatePrivateChat(ctx, chatId, func(chat *types.PrivateChat) {
		chat.ActiveParticipants = chat.ActiveParticipants.Without(userId)
	})
}

func (s *GormStore) TouchPrivateChat(ctx context.Context, chatId string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&types.PrivateChat{}).
		Where("id = ?", chatId).
		Update("last_activity", at).Error
}

func (s *GormStore) StorePrivateMessage(ctx context.Context, msg *types.PrivateMessage) error {
	if msg.Id == "" {
		msg.Id = newId()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *GormStore) PrivateMessages(ctx context.Context, chatId string) ([]*types.PrivateMessage, error) {
	messages := make([]*types.PrivateMessage, 0)
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatId).
		Order("created_at ASC").
		Find(&messages).Error
	return messages, err
}

func (s *GormStore) MarkPrivateMessagesRead(ctx context.Context, chatId, exceptSender string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&types.PrivateMessage{}).
		Where("chat_id = ? AND is_read = ? AND sender_id <> ?", chatId, false, exceptSender).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteReadPrivateMessages(ctx context.Context, chatId string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("chat_id = ? AND is_read = ?", chatId, true).
		Delete(&types.PrivateMessage{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) StoreNotification(ctx context.Context, n *types.Notification) error {
	if n.Id == "" {
		n.Id = newId()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *GormStore) UpdateNotification(ctx context.Context, n *types.Notification) error {
	return s.db.WithContext(ctx).Save(n).Error
}

func (s *GormStore) UnreadNotificationSince(ctx context.Context, recipient, notifType string, since time.Time) (*types.Notification, error) {
	n := &types.Notification{}
	err := s.db.WithContext(ctx).
		Where("recipient = ? AND type = ? AND is_read = ? AND created_at >= ?", recipient, notifType, false, since).
		Order("created_at DESC").
		First(n).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return n, nil
}

func (s *GormStore) DeleteNotificationsBefore(ctx context.Context, readCutoff, unreadCutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("(is_read = ? AND created_at < ?) OR (is_read = ? AND created_at < ?)",
			true, readCutoff, false, unreadCutoff).
		Delete(&types.Notification{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*GormStore)(nil)
