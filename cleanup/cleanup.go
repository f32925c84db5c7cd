// Package cleanup runs the background expiry sweeps: public messages age
// out, idle rooms are deactivated and drained, old notifications are pruned.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridian-social/meridian-chat/config"
	"github.com/meridian-social/meridian-chat/globals"
	"github.com/meridian-social/meridian-chat/persistence"
)

// Sweeper schedules the retention sweeps on a UTC cron runner. A sweep that
// is still running when its next tick fires is skipped, sweeps never overlap
// themselves.
type Sweeper struct {
	store persistence.Store
	cfg   config.RetentionConfig

	runner *cron.Cron
}

func NewSweeper(cfg *config.Config, store persistence.Store) *Sweeper {
	return &Sweeper{
		store: store,
		cfg:   cfg.RetentionConfig,
		runner: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}
}

// Start registers the sweeps and starts the runner. Both sweeps run once
// immediately so a restart does not postpone overdue expiry by a full
// interval.
func (s *Sweeper) Start() error {
	if _, err := s.runner.AddFunc(everySpec(s.cfg.SweepInterval), s.SweepMessages); err != nil {
		return fmt.Errorf("could not schedule message sweep: %w", err)
	}
	if _, err := s.runner.AddFunc(everySpec(s.cfg.NotificationSweepInterval), s.SweepNotifications); err != nil {
		return fmt.Errorf("could not schedule notification sweep: %w", err)
	}
	s.SweepMessages()
	s.SweepNotifications()
	s.runner.Start()
	return nil
}

// Stop stops the runner and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.runner.Stop().Done()
}

// SweepMessages expires public messages past the message TTL, deactivates
// rooms idle past the room idle TTL and drains the messages of inactive
// rooms. The three actions are independent, a failing one does not stop the
// others.
func (s *Sweeper) SweepMessages() {
	ctx := context.Background()
	now := time.Now().UTC()

	count, err := s.store.DeleteMessagesBefore(ctx, now.Add(-s.cfg.MessageTTL))
	if err != nil {
		globals.AppLogger.Error("could not delete expired messages", "error", err)
	} else if count > 0 {
		globals.AppLogger.Info("deleted expired messages", "count", count)
	}

	count, err = s.store.DeactivateIdleRooms(ctx, now.Add(-s.cfg.RoomIdleTTL))
	if err != nil {
		globals.AppLogger.Error("could not deactivate idle rooms", "error", err)
	} else if count > 0 {
		globals.AppLogger.Info("deactivated idle rooms", "count", count)
	}

	count, err = s.store.DeleteInactiveRoomMessages(ctx)
	if err != nil {
		globals.AppLogger.Error("could not delete inactive room messages", "error", err)
	} else if count > 0 {
		globals.AppLogger.Info("deleted inactive room messages", "count", count)
	}
}

// SweepNotifications prunes notifications past their retention windows. Read
// notifications expire sooner than unread ones.
func (s *Sweeper) SweepNotifications() {
	ctx := context.Background()
	now := time.Now().UTC()

	count, err := s.store.DeleteNotificationsBefore(ctx, now.Add(-s.cfg.ReadNotificationTTL), now.Add(-s.cfg.UnreadNotificationTTL))
	if err != nil {
		globals.AppLogger.Error("could not delete expired notifications", "error", err)
	} else if count > 0 {
		globals.AppLogger.Info("deleted expired notifications", "count", count)
	}
}

func everySpec(interval time.Duration) string {
	return "@every " + interval.String()
}
