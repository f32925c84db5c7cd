package types

import "time"

// Notification types. The CRUD layer triggers "FOLLOW" / "NEARBY" / "SYSTEM",
// the messaging core only ever produces "MESSAGE".
const (
	NotificationTypeFollow  = "FOLLOW"
	NotificationTypeNearby  = "NEARBY"
	NotificationTypeSystem  = "SYSTEM"
	NotificationTypeMessage = "MESSAGE"
)

// Chatroom is a persistent public room. It is created via the CRUD surface,
// mutated on join/leave/activity and soft-deleted (IsActive=false) by the
// cleanup sweeps. It is never hard-deleted.
type Chatroom struct {
	Id           string        `json:"id" gorm:"primaryKey" bson:"_id"`
	Name         string        `json:"name" bson:"name"`
	Topic        string        `json:"topic" bson:"topic"`
	Description  string        `json:"description" bson:"description"`
	CreatedBy    string        `json:"createdBy" bson:"created_by"`
	Participants []Participant `json:"participants" gorm:"foreignKey:RoomId;references:Id" bson:"participants"`
	LastActivity time.Time     `json:"lastActivity" gorm:"index" bson:"last_activity"`
	IsActive     bool          `json:"isActive" gorm:"index" bson:"is_active"`
	CreatedAt    time.Time     `json:"createdAt" bson:"created_at"`
	UpdatedAt    time.Time     `json:"updatedAt" bson:"updated_at"`
}

// Participant is one membership record of a Chatroom. A user appears at most
// once per room.
type Participant struct {
	RoomId        string    `json:"-" gorm:"primaryKey" bson:"-"`
	UserId        string    `json:"userId" gorm:"primaryKey" bson:"user_id"`
	Username      string    `json:"username" bson:"username"`
	IsAnonymous   bool      `json:"isAnonymous" bson:"is_anonymous"`
	AnonymousName string    `json:"anonymousName,omitempty" bson:"anonymous_name,omitempty"`
	JoinedAt      time.Time `json:"joinedAt" bson:"joined_at"`
}

// Message is a public chat message. Content is non-empty after trimming.
// Messages are hard-deleted once older than the retention window or as soon
// as their room is deactivated.
type Message struct {
	Id          string    `json:"id" gorm:"primaryKey" bson:"_id"`
	RoomId      string    `json:"roomId" gorm:"index" bson:"room_id"`
	UserId      string    `json:"userId" bson:"user_id"`
	Username    string    `json:"username" bson:"username"`
	IsAnonymous bool      `json:"isAnonymous" bson:"is_anonymous"`
	Content     string    `json:"content" bson:"content"`
	CreatedAt   time.Time `json:"createdAt" gorm:"index" bson:"created_at"`
}

// PrivateChat identifies an unordered pair of users. UserA < UserB is the
// canonical order and the uniqueness key, so the same pair always resolves to
// the same chat no matter who joins first. The row is reused across sessions
// and never hard-deleted, which keeps the chat id stable.
type PrivateChat struct {
	Id                 string          `json:"id" gorm:"primaryKey" bson:"_id"`
	UserA              string          `json:"userA" gorm:"index:idx_private_chat_pair,unique" bson:"user_a"`
	UserB              string          `json:"userB" gorm:"index:idx_private_chat_pair,unique" bson:"user_b"`
	ActiveParticipants JSONStringSlice `json:"activeParticipants" bson:"active_participants"`
	LastActivity       time.Time       `json:"lastActivity" bson:"last_activity"`
	CreatedAt          time.Time       `json:"createdAt" bson:"created_at"`
	UpdatedAt          time.Time       `json:"updatedAt" bson:"updated_at"`
}

// Recipient returns the other participant of the pair.
func (c *PrivateChat) Recipient(senderId string) string {
	if senderId == c.UserA {
		return c.UserB
	}
	return c.UserA
}

// PrivateMessage belongs to exactly one PrivateChat. IsRead is decided at
// write time: true iff the recipient is an active participant at that moment.
// The read subset is hard-deleted when the chat's active set becomes empty,
// unread messages survive so the next joiner still sees what they missed.
type PrivateMessage struct {
	Id        string    `json:"id" gorm:"primaryKey" bson:"_id"`
	ChatId    string    `json:"chatId" gorm:"index" bson:"chat_id"`
	SenderId  string    `json:"senderId" bson:"sender_id"`
	Content   string    `json:"content" bson:"content"`
	IsRead    bool      `json:"isRead" bson:"is_read"`
	CreatedAt time.Time `json:"createdAt" gorm:"index" bson:"created_at"`
}

// Notification is an aggregated per-recipient notification. While unread, at
// most one row exists per recipient/type/UTC-day; repeated occurrences bump
// GroupCount instead of creating duplicates.
type Notification struct {
	Id         string    `json:"id" gorm:"primaryKey" bson:"_id"`
	Recipient  string    `json:"recipient" gorm:"index" bson:"recipient"`
	Sender     string    `json:"sender" bson:"sender"`
	Type       string    `json:"type" bson:"type"`
	Message    string    `json:"message" bson:"message"`
	RelatedId  string    `json:"relatedId,omitempty" bson:"related_id,omitempty"`
	IsRead     bool      `json:"isRead" bson:"is_read"`
	GroupCount int       `json:"groupCount" bson:"group_count"`
	CreatedAt  time.Time `json:"createdAt" gorm:"index" bson:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updated_at"`
}
