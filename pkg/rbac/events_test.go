package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestEventBus_Publish(t *testing.T) {
	logger, hook := test.NewNullLogger()
	bus := NewEventBus(logger)

	var seen []string
	bus.Subscribe(IdentityHandlerFunc(func(_ context.Context, e IdentityEvent) error {
		seen = append(seen, e.String())
		return nil
	}))
	failing := errors.New("handler failed")
	bus.Subscribe(IdentityHandlerFunc(func(_ context.Context, e IdentityEvent) error {
		if e.Role != nil {
			return failing
		}
		return nil
	}))

	err := bus.Publish(context.Background(), UserAffected(3, "ROLE_ASSIGNED"), RoleAffected(RoleAdmin, "PERMISSION_ASSIGNED"))
	assert.ErrorIs(t, err, failing)
	assert.Equal(t, []string{"user:3 (ROLE_ASSIGNED)", "role:admin (PERMISSION_ASSIGNED)"}, seen)
	assert.Len(t, hook.AllEntries(), 1)

	assert.NoError(t, bus.Publish(context.Background()))
}

func TestIdentityEvent_String(t *testing.T) {
	assert.Equal(t, "empty (x)", IdentityEvent{Cause: "x"}.String())
}
