package backend

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"anroll-controller/internal/queue"
)

// Writer is the part of a websocket connection the outbox needs.
type Writer interface {
	WriteMessage(messageType int, data []byte) error
}

// Status is the observable state of the outbox.
type Status struct {
	Size     int  `json:"size"`
	Capacity int  `json:"capacity"`
	CanSend  bool `json:"canSend"`
}

// Hooks are invoked after the outbox lock is released. They must not block.
type Hooks struct {
	OnStatus    func(st Status, evicted int)
	OnSent      func(cmd Command)
	OnRoundTrip func(d time.Duration)
}

// Outbox owns the command queue and lets at most one command be in flight.
// A command is written only while a writer is attached and the previous
// command has been acknowledged with "finished".
type Outbox struct {
	mu           sync.Mutex
	queue        *queue.CommandQueue[Command]
	maxCapacity  int
	writer       Writer
	canSend      bool
	limiter      *rate.Limiter
	retryPending bool
	sentAt       time.Time
	hooks        Hooks
}

// NewOutbox creates an outbox. A nil limiter disables rate limiting.
func NewOutbox(capacity, maxCapacity int, limiter *rate.Limiter, hooks Hooks) *Outbox {
	if maxCapacity < 1 {
		maxCapacity = 1
	}
	return &Outbox{
		queue:       queue.New[Command](clampCapacity(capacity, maxCapacity)),
		maxCapacity: maxCapacity,
		limiter:     limiter,
		hooks:       hooks,
	}
}

func clampCapacity(n, max int) int {
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// Attach binds a fresh connection and opens the gate.
func (o *Outbox) Attach(w Writer) {
	o.mu.Lock()
	o.writer = w
	o.canSend = true
	o.sentAt = time.Time{}
	sent := o.drainLocked()
	st := o.statusLocked()
	o.mu.Unlock()

	o.notify(st, 0, sent)
}

// Detach drops the connection, discards pending commands and closes the gate.
func (o *Outbox) Detach() {
	o.mu.Lock()
	o.writer = nil
	o.canSend = false
	o.sentAt = time.Time{}
	o.queue.Clear()
	st := o.statusLocked()
	o.mu.Unlock()

	o.notify(st, 0, nil)
}

// Connected reports whether a writer is attached.
func (o *Outbox) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writer != nil
}

// Enqueue buffers cmd, evicting the oldest pending command when full.
func (o *Outbox) Enqueue(cmd Command) error {
	o.mu.Lock()
	if o.writer == nil {
		o.mu.Unlock()
		return ErrNotConnected
	}
	evicted := o.queue.Enqueue(cmd)
	sent := o.drainLocked()
	st := o.statusLocked()
	o.mu.Unlock()

	if evicted > 0 {
		log.Debug().Str("component", "outbox").Int("evicted", evicted).Str("command", cmd.Name).Msg("Queue full, dropped oldest commands")
	}
	o.notify(st, evicted, sent)
	return nil
}

// Finished reopens the gate after the backend acknowledged the last command.
func (o *Outbox) Finished() {
	o.mu.Lock()
	var rtt time.Duration
	if !o.sentAt.IsZero() {
		rtt = time.Since(o.sentAt)
		o.sentAt = time.Time{}
	}
	o.canSend = true
	sent := o.drainLocked()
	st := o.statusLocked()
	o.mu.Unlock()

	if rtt > 0 && o.hooks.OnRoundTrip != nil {
		o.hooks.OnRoundTrip(rtt)
	}
	o.notify(st, 0, sent)
}

// FastForward keeps only the newest pending command and returns how many were discarded.
func (o *Outbox) FastForward() int {
	o.mu.Lock()
	n := o.queue.FastForward()
	sent := o.drainLocked()
	st := o.statusLocked()
	o.mu.Unlock()

	o.notify(st, 0, sent)
	return n
}

// Clear discards every pending command.
func (o *Outbox) Clear() {
	o.mu.Lock()
	o.queue.Clear()
	st := o.statusLocked()
	o.mu.Unlock()

	o.notify(st, 0, nil)
}

// SetCapacity changes the queue bound, clamped to [1, max], and returns the
// applied value. Pending commands beyond the new bound are kept until the
// next enqueue.
func (o *Outbox) SetCapacity(n int) int {
	o.mu.Lock()
	n = clampCapacity(n, o.maxCapacity)
	o.queue.SetCapacity(n)
	sent := o.drainLocked()
	st := o.statusLocked()
	o.mu.Unlock()

	o.notify(st, 0, sent)
	return n
}

// SetMaxCapacity raises or lowers the upper bound accepted by SetCapacity.
func (o *Outbox) SetMaxCapacity(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n < 1 {
		n = 1
	}
	o.maxCapacity = n
}

// Status returns the current queue state.
func (o *Outbox) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Outbox) statusLocked() Status {
	return Status{Size: o.queue.Size(), Capacity: o.queue.Capacity(), CanSend: o.canSend}
}

// drainLocked writes the next command if the gate is open. It returns the
// command that was written, if any.
func (o *Outbox) drainLocked() *Command {
	if o.writer == nil || !o.canSend || o.queue.Size() == 0 {
		return nil
	}

	if o.limiter != nil {
		r := o.limiter.Reserve()
		if !r.OK() {
			return nil
		}
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			if !o.retryPending {
				o.retryPending = true
				time.AfterFunc(delay, o.retry)
			}
			return nil
		}
	}

	cmd, ok := o.queue.Dequeue()
	if !ok {
		return nil
	}
	o.canSend = false

	if err := o.writer.WriteMessage(websocket.TextMessage, cmd.Payload); err != nil {
		// The read loop notices the broken connection and detaches.
		log.Warn().Str("component", "outbox").Err(err).Str("command", cmd.Name).Msg("Failed to write command")
		return nil
	}
	o.sentAt = time.Now()
	return &cmd
}

func (o *Outbox) retry() {
	o.mu.Lock()
	o.retryPending = false
	sent := o.drainLocked()
	st := o.statusLocked()
	o.mu.Unlock()

	o.notify(st, 0, sent)
}

func (o *Outbox) notify(st Status, evicted int, sent *Command) {
	if sent != nil && o.hooks.OnSent != nil {
		o.hooks.OnSent(*sent)
	}
	if o.hooks.OnStatus != nil {
		o.hooks.OnStatus(st, evicted)
	}
}
