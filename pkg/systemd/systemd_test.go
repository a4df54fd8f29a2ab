package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"

	logx "crosspost/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	err    error
}

func (r *recorder) send(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return r.err == nil, r.err
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestReadyStopping(t *testing.T) {
	r := &recorder{}
	n := New(logx.Nop())
	n.send = r.send
	n.Ready()
	n.Stopping()
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, r.got())
}

func TestNotifyErrorIsLoggedOnly(t *testing.T) {
	r := &recorder{err: errors.New("socket gone")}
	n := New(logx.Nop())
	n.send = r.send
	assert.NotPanics(t, n.Ready)
}

func TestWatchdogSkipsWhenNotAlive(t *testing.T) {
	r := &recorder{}
	n := New(logx.Nop())
	n.send = r.send

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n.Watchdog(ctx, 5*time.Millisecond, func() bool { return false })
	assert.Empty(t, r.got())

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	n.Watchdog(ctx2, 5*time.Millisecond, nil)
	assert.NotEmpty(t, r.got())
	assert.Equal(t, daemon.SdNotifyWatchdog, r.got()[0])
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	assert.Zero(t, WatchdogInterval())
	n := New(logx.Nop())
	n.Watchdog(context.Background(), 0, nil)
}
