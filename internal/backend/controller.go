package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"anroll-controller/internal/core"
	"anroll-controller/internal/logger"
	"anroll-controller/internal/metrics"
)

// FrameSink stores RGBA frames received from the backend.
type FrameSink interface {
	Put(target string, width, height int, rgba []byte) error
}

// Controller keeps a session with the compute backend alive and routes its
// replies into state and events.
type Controller struct {
	address          string
	retryDelay       time.Duration
	handshakeTimeout time.Duration

	outbox   *Outbox
	state    *core.State
	eventBus *core.EventBus
	frames   FrameSink
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// ControllerOptions groups the collaborators of a Controller.
type ControllerOptions struct {
	Address          string
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	Outbox           *Outbox
	State            *core.State
	EventBus         *core.EventBus
	Frames           FrameSink
	Metrics          *metrics.Metrics
}

// NewController creates a controller. Address is host:port without scheme.
func NewController(opts ControllerOptions) *Controller {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	return &Controller{
		address:          opts.Address,
		retryDelay:       opts.RetryDelay,
		handshakeTimeout: opts.HandshakeTimeout,
		outbox:           opts.Outbox,
		state:            opts.State,
		eventBus:         opts.EventBus,
		frames:           opts.Frames,
		metrics:          opts.Metrics,
		log:              logger.Component("backend"),
	}
}

// URL returns the websocket URL of the backend.
func (c *Controller) URL() string {
	u := url.URL{Scheme: "ws", Host: c.address, Path: "/"}
	return u.String()
}

// Run dials the backend and redials after every disconnect until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	c.log.Info().Str("url", c.URL()).Msg("Backend controller started")
	for {
		if ctx.Err() != nil {
			c.log.Info().Msg("Backend controller shutting down")
			return
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.log.Info().Msg("Backend controller shutting down")
			return
		}
		if err != nil {
			c.log.Debug().Err(err).Dur("retry_in", c.retryDelay).Msg("Backend session ended")
		}

		select {
		case <-ctx.Done():
			c.log.Info().Msg("Backend controller shutting down")
			return
		case <-time.After(c.retryDelay):
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *Controller) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.URL(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial backend: %w", err)
	}

	sessionID := uuid.NewString()
	sessLog := c.log.With().Str("session", sessionID).Logger()
	sessLog.Info().Str("url", c.URL()).Msg("Connected to backend")

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	c.state.SetConnection(true, sessionID)
	c.eventBus.Emit(core.BackendConnectedEvent, map[string]interface{}{"sessionId": sessionID})
	c.outbox.Attach(conn)

	readErr := c.readLoop(conn, sessLog)

	close(done)
	_ = conn.Close()

	c.outbox.Detach()
	c.state.Reset()
	c.eventBus.Emit(core.BackendDisconnectedEvent, map[string]interface{}{"sessionId": sessionID})
	c.metrics.Reconnect()
	sessLog.Info().Err(readErr).Msg("Disconnected from backend")

	return readErr
}

func (c *Controller) readLoop(conn *websocket.Conn, sessLog zerolog.Logger) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			sessLog.Debug().Int("type", mt).Msg("Ignoring non-binary message")
			continue
		}

		msg, err := DecodeFrame(data)
		if err != nil {
			if errors.Is(err, ErrShortFrame) {
				sessLog.Error().Err(err).Msg("Message too short")
			} else {
				sessLog.Error().Err(err).Msg("Malformed backend message")
			}
			continue
		}
		c.Dispatch(msg)
	}
}

// Dispatch applies one decoded backend message.
func (c *Controller) Dispatch(msg *Message) {
	switch msg.Command {
	case MsgFinished:
		c.outbox.Finished()

	case MsgImage:
		if c.frames != nil {
			if err := c.frames.Put(msg.Target, msg.Width, msg.Height, msg.Raw); err != nil {
				c.log.Warn().Err(err).Str("target", msg.Target).Msg("Dropping frame")
				return
			}
		}
		c.metrics.FrameReceived(msg.Target)
		c.eventBus.Emit(core.FrameReceivedEvent, map[string]interface{}{
			"target": msg.Target,
			"width":  msg.Width,
			"height": msg.Height,
		})

	case MsgModelLoaded:
		c.state.SetModelLoaded(true)
		c.eventBus.Emit(core.ModelLoadedEvent, nil)

	case MsgFeedback:
		changed := c.state.ApplyFeedback(msg.Feedback)
		c.eventBus.Emit(core.FeedbackReceivedEvent, map[string]interface{}{
			"feedback": msg.Feedback,
			"changed":  changed,
		})

	case MsgPlot:
		target := msg.PlotTarget()
		if !c.state.SetPlot(target, msg.Data) {
			c.log.Debug().Str("target", target).Msg("Ignoring plot with unknown target")
			return
		}
		c.eventBus.Emit(core.PlotReceivedEvent, map[string]interface{}{"target": target, "data": msg.Data})

	case MsgError:
		c.log.Warn().Str("text", msg.Text).Msg("Backend reported an error")
		c.state.SetLastError(msg.Text)
		c.eventBus.Emit(core.BackendErrorEvent, map[string]interface{}{"text": msg.Text})

	default:
		c.log.Debug().Str("command", msg.Command).Msg("Unknown backend message")
	}
}
