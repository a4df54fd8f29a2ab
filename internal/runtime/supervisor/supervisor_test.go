package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("fails", func(context.Context) error { return boom })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	err := s.Wait(waitCtx(t))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fails")
	assert.Equal(t, Counters{Active: 0, Started: 2}, s.Counters())
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("panics", func(context.Context) { panic("oops") })
	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in panics")
}

func TestCanceledIsClean(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, s.Stop(waitCtx(t)))
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		n := runs.Add(1)
		switch n {
		case 1:
			return errors.New("transient")
		case 2:
			panic("again")
		default:
			return nil
		}
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	assert.NoError(t, s.Wait(waitCtx(t)))
	assert.Equal(t, int32(3), runs.Load())
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("still broken")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, int32(3), runs.Load())
	assert.Error(t, s.Context().Err())
}

func TestWaitHonorsDeadline(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	close(release)
	assert.NoError(t, s.Wait(waitCtx(t)))
}
