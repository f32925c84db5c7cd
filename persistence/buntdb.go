package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/meridian-social/meridian-chat/config"
	"github.com/meridian-social/meridian-chat/types"
)

// BuntStore is the default, file-backed (or in-memory) store. Documents are
// stored as JSON values under type-prefixed keys, time-ordered scans go
// through IndexJSON secondary indexes.
type BuntStore struct {
	db *buntdb.DB
}

func NewBuntStore(cfg *config.Config) (*BuntStore, error) {
	dsn := cfg.PersistenceConfig.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := buntdb.Open(dsn)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("messages_created", "message:*", buntdb.IndexJSON("createdAt"))
	if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
		db.Close()
		return nil, err
	}
	err = db.CreateIndex("pmsg_created", "pmsg:*", buntdb.IndexJSON("createdAt"))
	if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
		db.Close()
		return nil, err
	}
	return &BuntStore{db: db}, nil
}

func mapBuntErr(err error) error {
	if errors.Is(err, buntdb.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *BuntStore) setJSON(tx *buntdb.Tx, key string, val interface{}) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(raw), nil)
	return err
}

func (s *BuntStore) StoreRoom(_ context.Context, room *types.Chatroom) error {
	if room.Id == "" {
		room.Id = newId()
	}
	now := time.Now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	if room.LastActivity.IsZero() {
		room.LastActivity = now
	}
	room.UpdatedAt = now
	return s.db.Update(func(tx *buntdb.Tx) error {
		return s.setJSON(tx, "room:"+room.Id, room)
	})
}

func (s *BuntStore) GetRoom(_ context.Context, id string) (*types.Chatroom, error) {
	room := &types.Chatroom{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get("room:" + id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), room)
	})
	if err != nil {
		return nil, mapBuntErr(err)
	}
	return room, nil
}

func (s *BuntStore) ActiveRooms(_ context.Context) ([]*types.Chatroom, error) {
	rooms := make([]*types.Chatroom, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, val string) bool {
			room := &types.Chatroom{}
			if err := json.Unmarshal([]byte(val), room); err == nil && room.IsActive {
				rooms = append(rooms, room)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].LastActivity.After(rooms[j].LastActivity) })
	return rooms, nil
}

func (s *BuntStore) AddParticipant(_ context.Context, roomId string, p types.Participant) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get("room:" + roomId)
		if err != nil {
			return mapBuntErr(err)
		}
		room := &types.Chatroom{}
		if err := json.Unmarshal([]byte(raw), room); err != nil {
			return err
		}
		for _, existing := range room.Participants {
			if existing.UserId == p.UserId {
				return nil
			}
		}
		p.RoomId = roomId
		room.Participants = append(room.Participants, p)
		room.UpdatedAt = time.Now().UTC()
		return s.setJSON(tx, "room:"+roomId, room)
	})
}

func (s *BuntStore) RemoveParticipant(_ context.Context, roomId, userId string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get("room:" + roomId)
		if err != nil {
			return mapBuntErr(err)
		}
		room := &types.Chatroom{}
		if err := json.Unmarshal([]byte(raw), room); err != nil {
			return err
		}
		kept := room.Participants[:0]
		for _, existing := range room.Participants {
			if existing.UserId != userId {
				kept = append(kept, existing)
			}
		}
		room.Participants = kept
		room.UpdatedAt = time.Now().UTC()
		return s.setJSON(tx, "room:"+roomId, room)
	})
}

func (s *BuntStore) TouchRoom(_ context.Context, roomId string, at time.Time) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get("room:" + roomId)
		if err != nil {
			return mapBuntErr(err)
		}
		room := &types.Chatroom{}
		if err := json.Unmarshal([]byte(raw), room); err != nil {
			return err
		}
		room.LastActivity = at
		room.UpdatedAt = at
		return s.setJSON(tx, "room:"+roomId, room)
	})
}

func (s *BuntStore) StoreMessage(_ context.Context, msg *types.Message) error {
	if msg.Id == "" {
		msg.Id = newId()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		return s.setJSON(tx, "message:"+msg.Id, msg)
	})
}

func (s *BuntStore) RoomMessages(_ context.Context, roomId string, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend("messages_created", func(key, val string) bool {
			msg := &types.Message{}
			if err := json.Unmarshal([]byte(val), msg); err == nil && msg.RoomId == roomId {
				messages = append(messages, msg)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	// the index compares RFC3339 strings, which misorders sub-second
	// timestamps against whole-second ones; re-sort the decoded values
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].CreatedAt.After(messages[j].CreatedAt) })
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (s *BuntStore) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return s.deleteMatching("message:*", func(val string) bool {
		msg := &types.Message{}
		if err := json.Unmarshal([]byte(val), msg); err != nil {
			return false
		}
		return msg.CreatedAt.Before(cutoff)
	})
}

func (s *BuntStore) DeactivateIdleRooms(_ context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.Update(func(tx *buntdb.Tx) error {
		idle := make(map[string]*types.Chatroom)
		err := tx.AscendKeys("room:*", func(key, val string) bool {
			room := &types.Chatroom{}
			if err := json.Unmarshal([]byte(val), room); err == nil && room.IsActive && room.LastActivity.Before(cutoff) {
				idle[key] = room
			}
			return true
		})
		if err != nil {
			return err
		}
		for key, room := range idle {
			room.IsActive = false
			room.UpdatedAt = time.Now().UTC()
			if err := s.setJSON(tx, key, room); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *BuntStore) DeleteInactiveRoomMessages(_ context.Context) (int64, error) {
	inactive := make(map[string]struct{})
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, val string) bool {
			room := &types.Chatroom{}
			if err := json.Unmarshal([]byte(val), room); err == nil && !room.IsActive {
				inactive[room.Id] = struct{}{}
			}
			return true
		})
	})
	if err != nil {
		return 0, err
	}
	if len(inactive) == 0 {
		return 0, nil
	}
	return s.deleteMatching("message:*", func(val string) bool {
		msg := &types.Message{}
		if err := json.Unmarshal([]byte(val), msg); err != nil {
			return false
		}
		_, ok := inactive[msg.RoomId]
		return ok
	})
}

func pairKey(userA, userB string) string {
	return "pchatpair:" + userA + "|" + userB
}

func (s *BuntStore) FindOrCreatePrivateChat(_ context.Context, userA, userB string) (*types.PrivateChat, error) {
	userA, userB = types.CanonicalPair(userA, userB)
	chat := &types.PrivateChat{}
	err := s.db.Update(func(tx *buntdb.Tx) error {
		chatId, err := tx.Get(pairKey(userA, userB))
		if err == nil {
			raw, err := tx.Get("pchat:" + chatId)
			if err != nil {
				return mapBuntErr(err)
			}
			return json.Unmarshal([]byte(raw), chat)
		}
		if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		now := time.Now().UTC()
		chat.Id = newId()
		chat.UserA = userA
		chat.UserB = userB
		chat.ActiveParticipants = types.JSONStringSlice{}
		chat.LastActivity = now
		chat.CreatedAt = now
		chat.UpdatedAt = now
		if _, _, err := tx.Set(pairKey(userA, userB), chat.Id, nil); err != nil {
			return err
		}
		return s.setJSON(tx, "pchat:"+chat.Id, chat)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *BuntStore) GetPrivateChat(_ context.Context, id string) (*types.PrivateChat, error) {
	chat := &types.PrivateChat{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get("pchat:" + id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), chat)
	})
	if err != nil {
		return nil, mapBuntErr(err)
	}
	return chat, nil
}

func (s *BuntStore) updatePrivateChat(chatId string, mutate func(*types.PrivateChat)) (*types.PrivateChat, error) {
	chat := &types.PrivateChat{}
	err := s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get("pchat:" + chatId)
		if err != nil {
			return mapBuntErr(err)
		}
		if err := json.Unmarshal([]byte(raw), chat); err != nil {
			return err
		}
		mutate(chat)
		chat.UpdatedAt = time.Now().UTC()
		return s.setJSON(tx, "pchat:"+chatId, chat)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *BuntStore) AddActiveParticipant(_ context.Context, chatId, userId string) (*types.PrivateChat, error) {
	return s.updatePrivateChat(chatId, func(chat *types.PrivateChat) {
		if !chat.ActiveParticipants.Contains(userId) {
			chat.ActiveParticipants = append(chat.ActiveParticipants, userId)
		}
	})
}

func (s *BuntStore) RemoveActiveParticipant(_ context.Context, chatId, userId string) (*types.PrivateChat, error) {
	return s.updatePrivateChat(chatId, func(chat *types.PrivateChat) {
		chat.ActiveParticipants = chat.ActiveParticipants.Without(userId)
	})
}

func (s *BuntStore) TouchPrivateChat(_ context.Context, chatId string, at time.Time) error {
	_, err := s.updatePrivateChat(chatId, func(chat *types.PrivateChat) {
		chat.LastActivity = at
	})
	return err
}

func (s *BuntStore) StorePrivateMessage(_ context.Context, msg *types.PrivateMessage) error {
	if msg.Id == "" {
		msg.Id = newId()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		return s.setJSON(tx, "pmsg:"+msg.Id, msg)
	})
}

func (s *BuntStore) PrivateMessages(_ context.Context, chatId string) ([]*types.PrivateMessage, error) {
	messages := make([]*types.PrivateMessage, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("pmsg_created", func(key, val string) bool {
			msg := &types.PrivateMessage{}
			if err := json.Unmarshal([]byte(val), msg); err == nil && msg.ChatId == chatId {
				messages = append(messages, msg)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].CreatedAt.Before(messages[j].CreatedAt) })
	return messages, nil
}

func (s *BuntStore) MarkPrivateMessagesRead(_ context.Context, chatId, exceptSender string) (int64, error) {
	var count int64
	err := s.db.Update(func(tx *buntdb.Tx) error {
		unread := make(map[string]*types.PrivateMessage)
		err := tx.AscendKeys("pmsg:*", func(key, val string) bool {
			msg := &types.PrivateMessage{}
			if err := json.Unmarshal([]byte(val), msg); err == nil &&
				msg.ChatId == chatId && !msg.IsRead && msg.SenderId != exceptSender {
				unread[key] = msg
			}
			return true
		})
		if err != nil {
			return err
		}
		for key, msg := range unread {
			msg.IsRead = true
			if err := s.setJSON(tx, key, msg); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *BuntStore) DeleteReadPrivateMessages(_ context.Context, chatId string) (int64, error) {
	return s.deleteMatching("pmsg:*", func(val string) bool {
		msg := &types.PrivateMessage{}
		if err := json.Unmarshal([]byte(val), msg); err != nil {
			return false
		}
		return msg.ChatId == chatId && msg.IsRead
	})
}

func (s *BuntStore) StoreNotification(_ context.Context, n *types.Notification) error {
	if n.Id == "" {
		n.Id = newId()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	return s.db.Update(func(tx *buntdb.Tx) error {
		return s.setJSON(tx, "notification:"+n.Id, n)
	})
}

func (s *BuntStore) UpdateNotification(_ context.Context, n *types.Notification) error {
	n.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get("notification:" + n.Id); err != nil {
			return mapBuntErr(err)
		}
		return s.setJSON(tx, "notification:"+n.Id, n)
	})
}

func (s *BuntStore) UnreadNotificationSince(_ context.Context, recipient, notifType string, since time.Time) (*types.Notification, error) {
	var found *types.Notification
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("notification:*", func(key, val string) bool {
			n := &types.Notification{}
			if err := json.Unmarshal([]byte(val), n); err == nil &&
				n.Recipient == recipient && n.Type == notifType && !n.IsRead && !n.CreatedAt.Before(since) {
				found = n
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BuntStore) DeleteNotificationsBefore(_ context.Context, readCutoff, unreadCutoff time.Time) (int64, error) {
	return s.deleteMatching("notification:*", func(val string) bool {
		n := &types.Notification{}
		if err := json.Unmarshal([]byte(val), n); err != nil {
			return false
		}
		if n.IsRead {
			return n.CreatedAt.Before(readCutoff)
		}
		return n.CreatedAt.Before(unreadCutoff)
	})
}

// deleteMatching collects the matching keys first and deletes them afterwards
// within the same transaction; buntdb does not allow mutation during
// iteration.
func (s *BuntStore) deleteMatching(pattern string, match func(val string) bool) (int64, error) {
	var count int64
	err := s.db.Update(func(tx *buntdb.Tx) error {
		keys := make([]string, 0)
		err := tx.AscendKeys(pattern, func(key, val string) bool {
			if match(val) {
				keys = append(keys, key)
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *BuntStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BuntStore)(nil)
