package wloop_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/wyvern/internal/wtest"
	"github.com/gordian-engine/wyvern/wloop"
	"github.com/stretchr/testify/require"
)

func TestLoop_CallSoon_FIFO(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	defer l.Shutdown(false)

	var mu sync.Mutex
	var got []int

	done := make(chan struct{})
	for i := range 100 {
		l.CallSoon(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()

			if i == 99 {
				close(done)
			}
		})
	}

	wtest.ReceiveSoon(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestLoop_Call_InlineOnLoop(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	defer l.Shutdown(false)

	inline := make(chan bool, 1)
	l.CallSoon(func() {
		ran := false
		l.Call(func() { ran = true })

		// Call from the loop goroutine must have executed
		// synchronously.
		inline <- ran
	})

	require.True(t, wtest.ReceiveSoon(t, inline))
}

func TestLoop_CallGet_Result(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	defer l.Shutdown(false)

	v, err := wloop.CallGet(l, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestLoop_CallGet_ErrorMarshalled(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	defer l.Shutdown(false)

	wantErr := errors.New("deliberate failure")
	_, err := wloop.CallGet(l, func() (int, error) {
		return 0, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestLoop_CallGet_PanicMarshalled(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	defer l.Shutdown(false)

	require.PanicsWithValue(t, "boom", func() {
		_, _ = wloop.CallGet(l, func() (int, error) {
			panic("boom")
		})
	})
}

func TestLoop_CallGet_InlineOnLoop(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	defer l.Shutdown(false)

	// A nested CallGet from the loop goroutine must run inline
	// rather than deadlocking.
	v, err := wloop.CallGet(l, func() (int, error) {
		return wloop.CallGet(l, func() (int, error) {
			return 7, nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestLoop_Shutdown_GracefulDrains(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})

	var mu sync.Mutex
	ran := 0
	for range 50 {
		l.CallSoon(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	l.Shutdown(false)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, ran)
}

func TestLoop_Shutdown_Idempotent(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	l.Shutdown(false)
	l.Shutdown(true)
}

func TestLoop_CallGet_AfterShutdown(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	l.Shutdown(true)

	_, err := wloop.CallGet(l, func() (int, error) {
		return 1, nil
	})
	require.ErrorIs(t, err, wloop.ErrStopped)
}

func TestLoop_Shutdown_PanicsOnLoop(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	defer l.Shutdown(false)

	panicked := make(chan any, 1)
	l.CallSoon(func() {
		defer func() { panicked <- recover() }()
		l.Shutdown(false)
	})

	require.NotNil(t, wtest.ReceiveSoon(t, panicked))
}

func TestLoop_JobPanicContained(t *testing.T) {
	t.Parallel()

	l := wloop.New(wtest.NewLogger(t), wloop.Config{})
	defer l.Shutdown(false)

	l.CallSoon(func() { panic("contained") })

	// The loop must survive and keep serving jobs.
	v, err := wloop.CallGet(l, func() (int, error) { return 5, nil })
	require.NoError(t, err)
	require.Equal(t, 5, v)
}

func TestTicker_MockClock(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	l := wloop.New(wtest.NewLogger(t), wloop.Config{Clock: mock})
	defer l.Shutdown(false)

	ticks := make(chan struct{}, 16)
	tk := l.CallEvery(100*time.Millisecond, func() {
		ticks <- struct{}{}
	})
	require.True(t, tk.IsRunning())

	// Let the forwarding goroutine register its ticker before
	// advancing the mock clock.
	time.Sleep(50 * time.Millisecond)

	mock.Add(350 * time.Millisecond)
	for range 3 {
		wtest.ReceiveSoon(t, ticks)
	}

	tk.Stop()
	require.False(t, tk.IsRunning())

	// Stopping twice is a no-op.
	tk.Stop()

	mock.Add(time.Second)
	wtest.NotSending(t, ticks)
}

func TestTicker_StartIdempotent(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	l := wloop.New(wtest.NewLogger(t), wloop.Config{Clock: mock})
	defer l.Shutdown(false)

	tk := l.CallEvery(time.Second, func() {})
	require.False(t, tk.Start(), "starting a running ticker must be a no-op")

	tk.Stop()
	require.True(t, tk.Start())
	tk.Stop()
}

func TestOneShot_FiresOnce(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	l := wloop.New(wtest.NewLogger(t), wloop.Config{Clock: mock})
	defer l.Shutdown(false)

	fired := make(chan struct{}, 2)
	o := l.CallLater(100*time.Millisecond, func() {
		fired <- struct{}{}
	})
	require.True(t, o.IsRunning())

	mock.Add(150 * time.Millisecond)
	wtest.ReceiveSoon(t, fired)

	mock.Add(time.Second)
	wtest.NotSending(t, fired)
	require.False(t, o.IsRunning())
}

func TestOneShot_Stop(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	l := wloop.New(wtest.NewLogger(t), wloop.Config{Clock: mock})
	defer l.Shutdown(false)

	fired := make(chan struct{}, 1)
	o := l.CallLater(100*time.Millisecond, func() {
		fired <- struct{}{}
	})
	o.Stop()
	require.False(t, o.IsRunning())

	mock.Add(time.Second)
	wtest.NotSending(t, fired)
}
