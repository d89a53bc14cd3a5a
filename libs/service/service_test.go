package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

type testService struct {
	*BaseService
	startErr error
	stops    int32
}

func newTestService(startErr error) *testService {
	ts := &testService{startErr: startErr}
	ts.BaseService = NewBaseService(nil, "TestService", ts)
	return ts
}

func (ts *testService) OnStart(context.Context) error { return ts.startErr }
func (ts *testService) OnStop()                       { atomic.AddInt32(&ts.stops, 1) }

func TestBaseServiceWait(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService(nil)
	require.NoError(t, ts.Start(ctx))

	waitFinished := make(chan struct{})
	go func() {
		ts.Wait()
		close(waitFinished)
	}()

	go ts.Stop() //nolint:errcheck // ignore for tests

	select {
	case <-waitFinished:
		// all good
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected Wait() to finish within 100 ms.")
	}
}

func TestBaseServiceStopsOnContextCancel(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	ts := newTestService(nil)
	require.NoError(t, ts.Start(ctx))
	require.True(t, ts.IsRunning())

	cancel()
	ts.Wait()
	require.False(t, ts.IsRunning())
	require.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
	require.EqualValues(t, 1, atomic.LoadInt32(&ts.stops))
}

func TestBaseServiceLifecycleErrors(t *testing.T) {
	ctx := context.Background()

	ts := newTestService(nil)
	require.ErrorIs(t, ts.Stop(), ErrNotStarted)
	require.NoError(t, ts.Start(ctx))
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, ts.Stop())

	boom := errors.New("boom")
	failing := newTestService(boom)
	require.ErrorIs(t, failing.Start(ctx), boom)
	require.False(t, failing.IsRunning())
}
