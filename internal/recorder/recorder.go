package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"anroll-controller/internal/backend"
	"anroll-controller/internal/core"
	"anroll-controller/internal/logger"
)

var (
	// ErrNoTransitions is returned when the transitions yield no frames.
	ErrNoTransitions = errors.New("no valid state transitions")
	// ErrBusy is returned when a recording is already running.
	ErrBusy = errors.New("a recording is already in progress")
)

const (
	ActionCollecting = "Collecting Frames"
	ActionRendering  = "Rendering Video"
	ActionDone       = "Done"
	ActionFailed     = "Failed"
)

// Outbox is the part of the backend outbox a recording drives.
type Outbox interface {
	Status() backend.Status
	Clear()
	SetCapacity(n int) int
	SetMaxCapacity(n int)
	Enqueue(cmd backend.Command) error
}

// FrameSource provides the latest encoded preview.
type FrameSource interface {
	PNG(target string) ([]byte, error)
}

// Options configures a Recorder.
type Options struct {
	FPS         int
	WorkDir     string
	MaxCapacity int
	Encoder     Encoder
	Outbox      Outbox
	Frames      FrameSource
	State       *core.State
	EventBus    *core.EventBus
}

type session struct {
	id           string
	dir          string
	total        int
	collected    int
	prevCapacity int
}

// Recorder renders a list of transitions through the backend and encodes the
// returned previews into a video.
type Recorder struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	active *session
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Recorder {
	if opts.FPS <= 0 {
		opts.FPS = 24
	}
	if opts.MaxCapacity < 1 {
		opts.MaxCapacity = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		opts:   opts,
		log:    logger.Component("recorder"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Recording reports whether a recording is collecting or encoding.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Start queues one tune per frame and begins collecting previews.
// It returns the recording id.
func (r *Recorder) Start(transitions []Transition) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return "", ErrBusy
	}

	states := Interpolate(transitions, r.opts.FPS)
	if len(states) == 0 {
		return "", ErrNoTransitions
	}

	commands := make([]backend.Command, 0, len(states))
	for _, s := range states {
		cmd, err := backend.Tune(s)
		if err != nil {
			return "", err
		}
		commands = append(commands, cmd)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate recording id: %w", err)
	}
	dir := filepath.Join(r.opts.WorkDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create frame directory: %w", err)
	}

	prev := r.opts.Outbox.Status().Capacity
	r.opts.Outbox.Clear()
	r.opts.Outbox.SetMaxCapacity(max(len(commands), r.opts.MaxCapacity))
	r.opts.Outbox.SetCapacity(len(commands))

	for _, cmd := range commands {
		if err := r.opts.Outbox.Enqueue(cmd); err != nil {
			r.restoreQueue(prev)
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("failed to queue frame: %w", err)
		}
	}

	r.active = &session{id: id, dir: dir, total: len(commands), prevCapacity: prev}
	r.log.Info().Str("id", id).Int("frames", len(commands)).Msg("Recording started")
	r.progressLocked(ActionCollecting, 0, len(commands))
	return id, nil
}

// CapturePreview stores the current preview as the next frame. It is a
// no-op when no recording is collecting.
func (r *Recorder) CapturePreview() {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.active
	if s == nil || s.collected >= s.total {
		return
	}

	data, err := r.opts.Frames.PNG("preview")
	if err != nil {
		r.log.Warn().Err(err).Msg("Preview frame unavailable")
		return
	}
	path := filepath.Join(s.dir, fmt.Sprintf(FramePattern, s.collected))
	if err := os.WriteFile(path, data, 0644); err != nil {
		r.log.Error().Err(err).Str("path", path).Msg("Failed to write frame")
		r.finishLocked(ActionFailed, err)
		return
	}
	s.collected++
	r.progressLocked(ActionCollecting, s.collected, s.total)

	if s.collected == s.total {
		r.restoreQueue(s.prevCapacity)
		r.wg.Add(1)
		go r.encode(s)
	}
}

func (r *Recorder) encode(s *session) {
	defer r.wg.Done()

	r.progress(ActionRendering, 0, 100)
	out, err := r.opts.Encoder(r.ctx, s.dir, r.opts.FPS, func(encoded int) {
		pct := int(math.Round(float64(encoded) / float64(s.total) * 100))
		r.progress(ActionRendering, min(pct, 100), 100)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != s {
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("id", s.id).Msg("Video encoding failed")
		r.finishLocked(ActionFailed, err)
		return
	}
	r.log.Info().Str("id", s.id).Str("path", out).Msg("Video ready")
	r.active = nil
	r.opts.State.SetRecording(false, nil)
	r.opts.EventBus.Emit(core.RecordingProgressEvent, map[string]interface{}{
		"id":     s.id,
		"action": ActionDone,
		"path":   out,
	})
}

// Abort stops the current recording, if any, and restores the queue.
func (r *Recorder) Abort(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	if r.active.collected < r.active.total {
		r.restoreQueue(r.active.prevCapacity)
	}
	r.finishLocked(ActionFailed, errors.New(reason))
}

// Close cancels any running encode and waits for it.
func (r *Recorder) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Recorder) restoreQueue(capacity int) {
	r.opts.Outbox.SetMaxCapacity(r.opts.MaxCapacity)
	r.opts.Outbox.SetCapacity(capacity)
}

func (r *Recorder) finishLocked(action string, err error) {
	id := r.active.id
	r.active = nil
	r.opts.State.SetRecording(false, nil)
	r.opts.EventBus.Emit(core.RecordingProgressEvent, map[string]interface{}{
		"id":     id,
		"action": action,
		"error":  err.Error(),
	})
}

func (r *Recorder) progressLocked(action string, done, of int) {
	p := &core.RecordingProgress{ID: r.active.id, Action: action, Current: done, Total: of}
	r.opts.State.SetRecording(true, p)
	r.opts.EventBus.Emit(core.RecordingProgressEvent, *p)
}

func (r *Recorder) progress(action string, done, of int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	r.progressLocked(action, done, of)
}
