package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// IdentityEvent signals that resolved authorization state changed for one
// or more identities. Exactly one of UserID or Role is set.
type IdentityEvent struct {
	UserID *int64
	Role   *Role
	Cause  string
}

// UserAffected builds an event for a single user
func UserAffected(userID int64, cause string) IdentityEvent {
	return IdentityEvent{UserID: &userID, Cause: cause}
}

// RoleAffected builds an event for every holder of role
func RoleAffected(role Role, cause string) IdentityEvent {
	return IdentityEvent{Role: &role, Cause: cause}
}

func (e IdentityEvent) String() string {
	switch {
	case e.UserID != nil:
		return fmt.Sprintf("user:%d (%s)", *e.UserID, e.Cause)
	case e.Role != nil:
		return fmt.Sprintf("role:%s (%s)", *e.Role, e.Cause)
	default:
		return "empty (" + e.Cause + ")"
	}
}

// IdentityHandler consumes identity-affected events
type IdentityHandler interface {
	HandleIdentityEvent(ctx context.Context, event IdentityEvent) error
}

// IdentityHandlerFunc adapts a function to IdentityHandler
type IdentityHandlerFunc func(ctx context.Context, event IdentityEvent) error

func (f IdentityHandlerFunc) HandleIdentityEvent(ctx context.Context, event IdentityEvent) error {
	return f(ctx, event)
}

// EventBus delivers identity events synchronously to every subscriber.
// Publish returns after all handlers ran so a mutation can report a failed
// invalidation to its caller.
type EventBus struct {
	mu       sync.RWMutex
	handlers []IdentityHandler
	logger   logrus.FieldLogger
}

// NewEventBus creates an empty bus
func NewEventBus(logger logrus.FieldLogger) *EventBus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventBus{logger: logger}
}

// Subscribe registers a handler
func (b *EventBus) Subscribe(h IdentityHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers events to every handler and joins their errors
func (b *EventBus) Publish(ctx context.Context, events ...IdentityEvent) error {
	b.mu.RLock()
	handlers := make([]IdentityHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	var errs []error
	for _, event := range events {
		for _, h := range handlers {
			if err := h.HandleIdentityEvent(ctx, event); err != nil {
				b.logger.WithError(err).WithField("event", event.String()).Error("identity event handler failed")
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
