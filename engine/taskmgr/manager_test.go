package taskmgr

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Should run admitted work and clean up after it", func(t *testing.T) {
		m := NewManager(1)
		var ran atomic.Bool
		require.NoError(t, m.Start(ctx, 1, func(context.Context, *atomic.Bool) {
			ran.Store(true)
		}))
		m.Wait(1)
		assert.True(t, ran.Load())
		assert.False(t, m.IsLive(1))
	})
	t.Run("Should serialize work at the admission bound", func(t *testing.T) {
		m := NewManager(1)
		release := make(chan struct{})
		var concurrent, peak atomic.Int32
		work := func(context.Context, *atomic.Bool) {
			if now := concurrent.Add(1); now > peak.Load() {
				peak.Store(now)
			}
			<-release
			concurrent.Add(-1)
		}
		require.NoError(t, m.Start(ctx, 1, work))
		started := make(chan error, 1)
		go func() { started <- m.Start(ctx, 2, work) }()
		time.Sleep(200 * time.Millisecond)
		close(release)
		require.NoError(t, <-started)
		m.Wait(1)
		m.Wait(2)
		assert.Equal(t, int32(1), peak.Load())
	})
	t.Run("Should honor a cancel issued before start", func(t *testing.T) {
		m := NewManager(1)
		flag := m.CreateCancelFlag(7)
		flag.Store(true)
		err := m.Start(ctx, 7, func(context.Context, *atomic.Bool) {
			t.Error("work must not run after cancel")
		})
		assert.Error(t, err)
		assert.False(t, m.IsLive(7))
	})
	t.Run("Should honor a cancel issued during admission wait", func(t *testing.T) {
		m := NewManager(1)
		release := make(chan struct{})
		require.NoError(t, m.Start(ctx, 1, func(context.Context, *atomic.Bool) {
			<-release
		}))
		m.CreateCancelFlag(2)
		waiting := make(chan error, 1)
		go func() {
			waiting <- m.Start(ctx, 2, func(context.Context, *atomic.Bool) {
				t.Error("cancelled work must not run")
			})
		}()
		time.Sleep(100 * time.Millisecond)
		assert.True(t, m.Cancel(2))
		err := <-waiting
		assert.Error(t, err)
		close(release)
		m.Wait(1)
	})
	t.Run("Should flag a running task on cancel", func(t *testing.T) {
		m := NewManager(1)
		observed := make(chan bool, 1)
		require.NoError(t, m.Start(ctx, 3, func(ctx context.Context, cancelled *atomic.Bool) {
			<-ctx.Done()
			observed <- cancelled.Load()
		}))
		assert.True(t, m.Cancel(3))
		select {
		case saw := <-observed:
			assert.True(t, saw)
		case <-time.After(2 * time.Second):
			t.Fatal("work never observed cancellation")
		}
	})
	t.Run("Should report unknown tasks on cancel", func(t *testing.T) {
		m := NewManager(1)
		assert.False(t, m.Cancel(404))
	})
}
