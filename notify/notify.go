// Package notify aggregates targeted notifications per recipient, type and
// UTC calendar day, and delivers them over the recipient's personal channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meridian-social/meridian-chat/globals"
	"github.com/meridian-social/meridian-chat/persistence"
	"github.com/meridian-social/meridian-chat/types"
)

// Emitter delivers an event to every live connection of one user. The hub
// satisfies this; tests substitute their own.
type Emitter interface {
	EmitPersonal(userId string, event string, payload interface{}) error
}

// Service is the notification aggregator. It is safe for concurrent use as
// long as the underlying store is.
type Service struct {
	store   persistence.Store
	emitter Emitter
}

func NewService(store persistence.Store, emitter Emitter) *Service {
	return &Service{store: store, emitter: emitter}
}

// Notify records a notification for the recipient and emits it in real time.
// A second notification of the same type for the same recipient within the
// same UTC calendar day folds into the existing row while that row is still
// unread: the group count is incremented, the sender is replaced by the
// latest actor and the message is rewritten as an aggregate phrase. Once the
// recipient reads the row, the next call starts a fresh one.
//
// Real-time delivery is advisory; an emit failure is logged and never
// surfaces to the caller.
func (s *Service) Notify(ctx context.Context, recipient, sender, notifType, message, relatedId string) (*types.Notification, error) {
	dayStart := startOfDayUTC(time.Now().UTC())

	notification, err := s.store.UnreadNotificationSince(ctx, recipient, notifType, dayStart)
	switch {
	case err == nil:
		notification.GroupCount++
		notification.Sender = sender
		notification.Message = aggregateMessage(notifType, sender, notification.GroupCount)
		notification.RelatedId = relatedId
		if err := s.store.UpdateNotification(ctx, notification); err != nil {
			return nil, fmt.Errorf("could not update notification: %w", err)
		}
	case errors.Is(err, persistence.ErrNotFound):
		notification = &types.Notification{
			Recipient: recipient,
			Sender:    sender,
			Type:      notifType,
			Message:   message,
			RelatedId: relatedId,
		}
		if err := s.store.StoreNotification(ctx, notification); err != nil {
			return nil, fmt.Errorf("could not store notification: %w", err)
		}
	default:
		return nil, fmt.Errorf("could not look up notification: %w", err)
	}

	if err := s.emitter.EmitPersonal(recipient, types.EventNotification, notification); err != nil {
		globals.AppLogger.Warn("could not deliver notification", "recipient", recipient, "type", notifType, "error", err)
	}
	return notification, nil
}

// aggregateMessage phrases a folded notification. The count is the number of
// additional actors beyond the one named.
func aggregateMessage(notifType, sender string, count int) string {
	switch notifType {
	case types.NotificationTypeFollow:
		return fmt.Sprintf("%s and %d others started following you", sender, count)
	case types.NotificationTypeNearby:
		return fmt.Sprintf("%s and %d others are nearby", sender, count)
	case types.NotificationTypeMessage:
		return fmt.Sprintf("%s and %d others sent you messages", sender, count)
	default:
		return fmt.Sprintf("%s and %d others", sender, count)
	}
}

// startOfDayUTC truncates to 00:00 UTC. "Today" is always the UTC day, the
// server's local zone never leaks into the aggregation window.
func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
