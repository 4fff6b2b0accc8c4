package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSweepSchedule runs the expired role sweep every five minutes
const DefaultSweepSchedule = "*/5 * * * *"

// ExpirySweeper deletes expired role assignments and invalidates their
// holders. Expired roles are already ignored by the engine; the sweep keeps
// the table and role fan-out small.
type ExpirySweeper struct {
	store   Store
	events  Publisher
	logger  logrus.FieldLogger
	now     func() time.Time
	timeout time.Duration
}

// NewExpirySweeper creates a sweeper
func NewExpirySweeper(store Store, events Publisher, logger logrus.FieldLogger) *ExpirySweeper {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ExpirySweeper{
		store:   store,
		events:  events,
		logger:  logger,
		now:     time.Now,
		timeout: 30 * time.Second,
	}
}

// Sweep runs one pass and returns the users whose role was removed
func (s *ExpirySweeper) Sweep(ctx context.Context) ([]int64, error) {
	userIDs, err := s.store.DeleteExpiredRoles(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 || s.events == nil {
		return userIDs, nil
	}

	events := make([]IdentityEvent, len(userIDs))
	for i, id := range userIDs {
		events[i] = UserAffected(id, "ROLE_EXPIRED")
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		return userIDs, fmt.Errorf("%w: %w", ErrInvalidation, err)
	}
	return userIDs, nil
}

// Schedule registers the sweep on c using a cron spec
func (s *ExpirySweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	id, err := c.AddFunc(spec, s.run)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule role expiry sweep: %w", err)
	}
	return id, nil
}

func (s *ExpirySweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	userIDs, err := s.Sweep(ctx)
	if err != nil {
		s.logger.WithError(err).Error("role expiry sweep failed")
		return
	}
	if len(userIDs) > 0 {
		s.logger.WithField("users", len(userIDs)).Info("removed expired role assignments")
	}
}
