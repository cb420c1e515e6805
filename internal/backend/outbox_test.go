package backend

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeWriter struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (w *fakeWriter) WriteMessage(_ int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.sent = append(w.sent, string(data))
	return nil
}

func (w *fakeWriter) Sent() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.sent...)
}

func cmd(name string) Command {
	return Command{Name: name, Payload: []byte(name)}
}

func TestOutbox_RejectsWithoutConnection(t *testing.T) {
	o := NewOutbox(2, 10, nil, Hooks{})
	err := o.Enqueue(cmd("a"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, o.Status().Size)
}

func TestOutbox_SingleFlight(t *testing.T) {
	w := &fakeWriter{}
	o := NewOutbox(5, 10, nil, Hooks{})
	o.Attach(w)

	require.NoError(t, o.Enqueue(cmd("a")))
	require.NoError(t, o.Enqueue(cmd("b")))
	require.NoError(t, o.Enqueue(cmd("c")))

	assert.Equal(t, []string{"a"}, w.Sent(), "only one command in flight")
	assert.Equal(t, Status{Size: 2, Capacity: 5, CanSend: false}, o.Status())

	o.Finished()
	assert.Equal(t, []string{"a", "b"}, w.Sent())
	o.Finished()
	assert.Equal(t, []string{"a", "b", "c"}, w.Sent())

	o.Finished()
	assert.True(t, o.Status().CanSend, "gate stays open with nothing to send")

	require.NoError(t, o.Enqueue(cmd("d")))
	assert.Equal(t, []string{"a", "b", "c", "d"}, w.Sent())
}

func TestOutbox_DropOldestWhileBusy(t *testing.T) {
	w := &fakeWriter{}
	var evictions int
	o := NewOutbox(2, 10, nil, Hooks{
		OnStatus: func(_ Status, evicted int) { evictions += evicted },
	})
	o.Attach(w)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, o.Enqueue(cmd(name)))
	}
	assert.Equal(t, 1, evictions)

	o.Finished()
	o.Finished()
	assert.Equal(t, []string{"a", "c", "d"}, w.Sent())
}

func TestOutbox_FastForward(t *testing.T) {
	w := &fakeWriter{}
	o := NewOutbox(10, 10, nil, Hooks{})
	o.Attach(w)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, o.Enqueue(cmd(name)))
	}
	assert.Equal(t, 2, o.FastForward())
	assert.Equal(t, 1, o.Status().Size)

	o.Finished()
	assert.Equal(t, []string{"a", "d"}, w.Sent())
}

func TestOutbox_DetachClearsAndCloses(t *testing.T) {
	w := &fakeWriter{}
	o := NewOutbox(5, 10, nil, Hooks{})
	o.Attach(w)
	require.NoError(t, o.Enqueue(cmd("a")))
	require.NoError(t, o.Enqueue(cmd("b")))

	o.Detach()
	assert.Equal(t, Status{Size: 0, Capacity: 5, CanSend: false}, o.Status())
	assert.False(t, o.Connected())

	w2 := &fakeWriter{}
	o.Attach(w2)
	require.NoError(t, o.Enqueue(cmd("c")))
	assert.Equal(t, []string{"c"}, w2.Sent(), "fresh connection opens the gate")
}

func TestOutbox_SetCapacity(t *testing.T) {
	o := NewOutbox(5, 20, nil, Hooks{})
	assert.Equal(t, 20, o.SetCapacity(50))
	assert.Equal(t, 1, o.SetCapacity(0))
	assert.Equal(t, 7, o.SetCapacity(7))
	assert.Equal(t, 7, o.Status().Capacity)

	o.SetMaxCapacity(100)
	assert.Equal(t, 50, o.SetCapacity(50))
}

func TestOutbox_ShrinkIsLazy(t *testing.T) {
	w := &fakeWriter{}
	o := NewOutbox(5, 10, nil, Hooks{})
	o.Attach(w)
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, o.Enqueue(cmd(name)))
	}
	o.SetCapacity(1)
	assert.Equal(t, 3, o.Status().Size)

	require.NoError(t, o.Enqueue(cmd("e")))
	assert.Equal(t, 1, o.Status().Size)
	o.Finished()
	assert.Equal(t, []string{"a", "e"}, w.Sent())
}

func TestOutbox_WriteFailureKeepsGateClosed(t *testing.T) {
	w := &fakeWriter{err: errors.New("broken pipe")}
	o := NewOutbox(5, 10, nil, Hooks{})
	o.Attach(w)

	require.NoError(t, o.Enqueue(cmd("a")))
	require.NoError(t, o.Enqueue(cmd("b")))
	st := o.Status()
	assert.False(t, st.CanSend)
	assert.Equal(t, 1, st.Size)
}

func TestOutbox_Hooks(t *testing.T) {
	w := &fakeWriter{}
	var sent []string
	var rtts int
	o := NewOutbox(5, 10, nil, Hooks{
		OnSent:      func(c Command) { sent = append(sent, c.Name) },
		OnRoundTrip: func(time.Duration) { rtts++ },
	})
	o.Attach(w)
	require.NoError(t, o.Enqueue(cmd("a")))
	time.Sleep(time.Millisecond)
	o.Finished()

	assert.Equal(t, []string{"a"}, sent)
	assert.Equal(t, 1, rtts)
}

func TestOutbox_RateLimitedRetry(t *testing.T) {
	w := &fakeWriter{}
	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	o := NewOutbox(5, 10, limiter, Hooks{})
	o.Attach(w)

	require.NoError(t, o.Enqueue(cmd("a")))
	o.Finished()
	require.NoError(t, o.Enqueue(cmd("b")))
	assert.Equal(t, []string{"a"}, w.Sent(), "second send waits for a token")

	assert.Eventually(t, func() bool {
		return len(w.Sent()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, w.Sent())
}
