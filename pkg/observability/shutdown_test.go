package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsHooksInReverse(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, nil, time.Second)

	var order []string
	for _, name := range []string{"db", "redis", "cron"} {
		sm.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"cron", "redis", "db"}, order)
}

func TestShutdownManager_JoinsErrors(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, nil, time.Second)
	failure := errors.New("close failed")

	ran := false
	sm.Register("first", func(context.Context) error { ran = true; return nil })
	sm.Register("second", func(context.Context) error { return failure })

	err := sm.Shutdown(context.Background())
	assert.ErrorIs(t, err, failure)
	assert.ErrorContains(t, err, "second")
	assert.True(t, ran, "later failures do not skip earlier hooks")
}

func TestShutdownManager_StopsServer(t *testing.T) {
	logger, _ := test.NewNullLogger()
	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.Start()
	defer srv.Close()

	sm := NewShutdownManager(logger, srv.Config, time.Second)
	require.NoError(t, sm.Shutdown(context.Background()))

	_, err := http.Get(srv.URL)
	assert.Error(t, err)
}

func TestShutdownManager_WaitForSignalHonoursContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, nil, time.Second)

	called := make(chan struct{})
	sm.Register("hook", func(context.Context) error { close(called); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForSignal(ctx))

	select {
	case <-called:
	default:
		t.Fatal("hook did not run")
	}
}
