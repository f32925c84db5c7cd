package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meridian-social/meridian-chat/config"
	"github.com/meridian-social/meridian-chat/types"
)

const defaultMongoDatabase = "meridian"

// MongoStore is the document-store backend. Membership mutations use
// targeted conditional updates ($addToSet / $pull) instead of
// read-modify-write.
type MongoStore struct {
	client        *mongo.Client
	rooms         *mongo.Collection
	messages      *mongo.Collection
	privateChats  *mongo.Collection
	privateMsgs   *mongo.Collection
	notifications *mongo.Collection
}

func NewMongoStore(cfg *config.Config) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.PersistenceConfig.DSN))
	if err != nil {
		return nil, err
	}
	dbName := cfg.PersistenceConfig.Database
	if dbName == "" {
		dbName = defaultMongoDatabase
	}
	db := client.Database(dbName)
	s := &MongoStore{
		client:        client,
		rooms:         db.Collection("chatrooms"),
		messages:      db.Collection("messages"),
		privateChats:  db.Collection("private_chats"),
		privateMsgs:   db.Collection("private_messages"),
		notifications: db.Collection("notifications"),
	}
	idx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, idx); err != nil {
		return nil, err
	}
	unique := true
	pairIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "user_a", Value: 1}, {Key: "user_b", Value: 1}},
		Options: &options.IndexOptions{Unique: &unique},
	}
	if _, err := s.privateChats.Indexes().CreateOne(ctx, pairIdx); err != nil {
		return nil, err
	}
	return s, nil
}

func mapMongoErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (s *MongoStore) StoreRoom(ctx context.Context, room *types.Chatroom) error {
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
	upsert := true
	_, err := s.rooms.ReplaceOne(ctx, bson.M{"_id": room.Id}, room, &options.ReplaceOptions{Upsert: &upsert})
	return err
}

func (s *MongoStore) GetRoom(ctx context.Context, id string) (*types.Chatroom, error) {
	room := &types.Chatroom{}
	err := s.rooms.FindOne(ctx, bson.M{"_id": id}).Decode(room)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return room, nil
}

func (s *MongoStore) ActiveRooms(ctx context.Context) ([]*types.Chatroom, error) {
	cur, err := s.rooms.Find(ctx, bson.M{"is_active": true},
		options.Find().SetSort(bson.D{{Key: "last_activity", Value: -1}}))
	if err != nil {
		return nil, err
	}
	rooms := make([]*types.Chatroom, 0)
	if err := cur.All(ctx, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *MongoStore) AddParticipant(ctx context.Context, roomId string, p types.Participant) error {
	// add only if the user is not present yet, the filter re-checks state
	// at write time
	res, err := s.rooms.UpdateOne(ctx,
		bson.M{"_id": roomId, "participants.user_id": bson.M{"$ne": p.UserId}},
		bson.M{"$push": bson.M{"participants": p}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// either the room does not exist or the user already participates
		n, err := s.rooms.CountDocuments(ctx, bson.M{"_id": roomId})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *MongoStore) RemoveParticipant(ctx context.Context, roomId, userId string) error {
	_, err := s.rooms.UpdateOne(ctx,
		bson.M{"_id": roomId},
		bson.M{"$pull": bson.M{"participants": bson.M{"user_id": userId}}},
	)
	return err
}

func (s *MongoStore) TouchRoom(ctx context.Context, roomId string, at time.Time) error {
	_, err := s.rooms.UpdateOne(ctx,
		bson.M{"_id": roomId},
		bson.M{"$set": bson.M{"last_activity": at, "updated_at": at}},
	)
	return err
}

func (s *MongoStore) StoreMessage(ctx context.Context, msg *types.Message) error {
	if msg.Id == "" {
		msg.Id = newId()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.messages.InsertOne(ctx, msg)
	return err
}

func (s *MongoStore) RoomMessages(ctx context.Context, roomId string, limit int) ([]*types.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.messages.Find(ctx, bson.M{"room_id": roomId}, opts)
	if err != nil {
		return nil, err
	}
	messages := make([]*types.Message, 0)
	if err := cur.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *MongoStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.messages.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) DeactivateIdleRooms(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.rooms.UpdateMany(ctx,
		bson.M{"is_active": true, "last_activity": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"is_active": false}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) DeleteInactiveRoomMessages(ctx context.Context) (int64, error) {
	cur, err := s.rooms.Find(ctx, bson.M{"is_active": false},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0)
	for cur.Next(ctx) {
		var doc struct {
			Id string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err == nil {
			ids = append(ids, doc.Id)
		}
	}
	if err := cur.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.messages.DeleteMany(ctx, bson.M{"room_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) FindOrCreatePrivateChat(ctx context.Context, userA, userB string) (*types.PrivateChat, error) {
	userA, userB = types.CanonicalPair(userA, userB)
	now := time.Now().UTC()
	upsert := true
	after := options.After
	chat := &types.PrivateChat{}
	err := s.privateChats.FindOneAndUpdate(ctx,
		bson.M{"user_a": userA, "user_b": userB},
		bson.M{"$setOnInsert": bson.M{
			"_id":                 newId(),
			"user_a":              userA,
			"user_b":              userB,
			"active_participants": []string{},
			"last_activity":       now,
			"created_at":          now,
			"updated_at":          now,
		}},
		&options.FindOneAndUpdateOptions{Upsert: &upsert, ReturnDocument: &after},
	).Decode(chat)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return chat, nil
}

func (s *MongoStore) GetPrivateChat(ctx context.Context, id string) (*types.PrivateChat, error) {
	chat := &types.PrivateChat{}
	err := s.privateChats.FindOne(ctx, bson.M{"_id": id}).Decode(chat)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return chat, nil
}

func (s *MongoStore) AddActiveParticipant(ctx context.Context, chatId, userId string) (*types.PrivateChat, error) {
	after := options.After
	chat := &types.PrivateChat{}
	err := s.privateChats.FindOneAndUpdate(ctx,
		bson.M{"_id": chatId},
		bson.M{
			"$addToSet": bson.M{"active_participants": userId},
			"$set":      bson.M{"updated_at": time.Now().UTC()},
		},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	).Decode(chat)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return chat, nil
}

func (s *MongoStore) RemoveActiveParticipant(ctx context.Context, chatId, userId string) (*types.PrivateChat, error) {
	after := options.After
	chat := &types.PrivateChat{}
	err := s.privateChats.FindOneAndUpdate(ctx,
		bson.M{"_id": chatId},
		bson.M{
			"$pull": bson.M{"active_participants": userId},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	).Decode(chat)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return chat, nil
}

func (s *MongoStore) TouchPrivateChat(ctx context.Context, chatId string, at time.Time) error {
	_, err := s.privateChats.UpdateOne(ctx,
		bson.M{"_id": chatId},
		bson.M{"$set": bson.M{"last_activity": at, "updated_at": at}},
	)
	return err
}

func (s *MongoStore) StorePrivateMessage(ctx context.Context, msg *types.PrivateMessage) error {
	if msg.Id == "" {
		msg.Id = newId()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.privateMsgs.InsertOne(ctx, msg)
	return err
}

func (s *MongoStore) PrivateMessages(ctx context.Context, chatId string) ([]*types.PrivateMessage, error) {
	cur, err := s.privateMsgs.Find(ctx, bson.M{"chat_id": chatId},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	messages := make([]*types.PrivateMessage, 0)
	if err := cur.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *MongoStore) MarkPrivateMessagesRead(ctx context.Context, chatId, exceptSender string) (int64, error) {
	res, err := s.privateMsgs.UpdateMany(ctx,
		bson.M{"chat_id": chatId, "is_read": false, "sender_id": bson.M{"$ne": exceptSender}},
		bson.M{"$set": bson.M{"is_read": true}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) DeleteReadPrivateMessages(ctx context.Context, chatId string) (int64, error) {
	res, err := s.privateMsgs.DeleteMany(ctx, bson.M{"chat_id": chatId, "is_read": true})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) StoreNotification(ctx context.Context, n *types.Notification) error {
	if n.Id == "" {
		n.Id = newId()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	_, err := s.notifications.InsertOne(ctx, n)
	return err
}

func (s *MongoStore) UpdateNotification(ctx context.Context, n *types.Notification) error {
	n.UpdatedAt = time.Now().UTC()
	_, err := s.notifications.ReplaceOne(ctx, bson.M{"_id": n.Id}, n)
	return err
}

func (s *MongoStore) UnreadNotificationSince(ctx context.Context, recipient, notifType string, since time.Time) (*types.Notification, error) {
	n := &types.Notification{}
	err := s.notifications.FindOne(ctx, bson.M{
		"recipient":  recipient,
		"type":       notifType,
		"is_read":    false,
		"created_at": bson.M{"$gte": since},
	}).Decode(n)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return n, nil
}

func (s *MongoStore) DeleteNotificationsBefore(ctx context.Context, readCutoff, unreadCutoff time.Time) (int64, error) {
	res, err := s.notifications.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"is_read": true, "created_at": bson.M{"$lt": readCutoff}},
		bson.M{"is_read": false, "created_at": bson.M{"$lt": unreadCutoff}},
	}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
