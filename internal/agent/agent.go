// Package agent wires the backend session, local state and every control
// surface together.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"anroll-controller/internal/backend"
	"anroll-controller/internal/config"
	"anroll-controller/internal/core"
	"anroll-controller/internal/frames"
	"anroll-controller/internal/logger"
	"anroll-controller/internal/lua"
	"anroll-controller/internal/metrics"
	"anroll-controller/internal/mqtt"
	"anroll-controller/internal/project"
	"anroll-controller/internal/recorder"
	"anroll-controller/internal/scheduler"
	"anroll-controller/internal/server"
)

const projectReloadDebounce = 500 * time.Millisecond

type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	wg     sync.WaitGroup
	log    zerolog.Logger

	defaults       core.Settings
	state          *core.State
	eventBus       *core.EventBus
	commandChannel core.CommandChannel
	metrics        *metrics.Metrics

	outbox     *backend.Outbox
	controller *backend.Controller
	frames     *frames.Store
	recorder   *recorder.Recorder
	luaEngine  *lua.Engine
	scheduler  *scheduler.Scheduler
	server     *server.Server
	mqttClient *mqtt.Client
	watcher    *project.Watcher

	// opMu serialises operations that touch more than one of state, outbox
	// and images. REST handlers, the command loop, Lua scripts and bus
	// reactions all go through it.
	opMu sync.Mutex

	imagesMu  sync.Mutex
	mask      []byte
	unrolling []byte
}

func NewAgent(cfg *config.Config) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())

	defaults := core.DefaultSettings(cfg.Queue.Capacity)
	a := &Agent{
		ctx:            ctx,
		cancel:         cancel,
		config:         cfg,
		log:            logger.Component("agent"),
		defaults:       defaults,
		state:          core.NewState(defaults),
		eventBus:       core.NewEventBus(),
		commandChannel: make(core.CommandChannel, 20),
		frames:         frames.NewStore(),
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewMetrics()
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Backend.SendRateLimit), cfg.Backend.SendRateBurst)
	a.outbox = backend.NewOutbox(cfg.Queue.Capacity, cfg.Queue.MaxCapacity, limiter, backend.Hooks{
		OnStatus:    a.onQueueStatus,
		OnSent:      func(backend.Command) { a.metrics.CommandSent() },
		OnRoundTrip: a.metrics.RoundTrip,
	})

	a.controller = backend.NewController(backend.ControllerOptions{
		Address:          cfg.Backend.Address,
		RetryDelay:       cfg.RetryDelay(),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		Outbox:           a.outbox,
		State:            a.state,
		EventBus:         a.eventBus,
		Frames:           a.frames,
		Metrics:          a.metrics,
	})

	a.recorder = recorder.New(recorder.Options{
		FPS:         cfg.Video.FPS,
		WorkDir:     cfg.Video.WorkDir,
		MaxCapacity: cfg.Queue.MaxCapacity,
		Encoder:     recorder.FFmpegEncoder(cfg.Video.FFmpegPath),
		Outbox:      a.outbox,
		Frames:      a.frames,
		State:       a.state,
		EventBus:    a.eventBus,
	})

	a.luaEngine = lua.NewEngine(a, cfg.ScriptsDir, a.eventBus)
	a.scheduler = scheduler.NewScheduler(a.commandChannel, cfg.SchedulesFile)

	var metricsHandler http.Handler
	if a.metrics != nil {
		metricsHandler = a.metrics.Handler()
	}
	a.server = server.NewServer(a, a.commandChannel, server.Options{
		Port:           cfg.Server.Port,
		StaticFilesDir: cfg.Server.WebFilesDir,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        metricsHandler,
	})

	a.mqttClient = mqtt.NewClient(cfg.MQTT, a.commandChannel)

	if cfg.ProjectFile != "" {
		w, err := project.NewWatcher(cfg.ProjectFile, projectReloadDebounce, func(path string) {
			a.commandChannel.Dispatch(core.Command{
				Type:    core.CmdLoadProject,
				Payload: map[string]interface{}{"path": path, "ifChanged": true},
			})
		})
		if err != nil {
			cancel()
			a.luaEngine.Close()
			return nil, fmt.Errorf("failed to watch project file: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// Run starts every component and the orchestrator loop. It returns after
// Shutdown.
func (a *Agent) Run() {
	a.goRun(a.listenEvents)
	a.goRun(func() { a.server.Hub.Run(a.ctx) })
	a.goRun(func() { a.server.Hub.Forward(a.ctx, a.eventBus) })
	a.goRun(func() { a.controller.Run(a.ctx) })

	if a.mqttClient != nil {
		go func() {
			if err := a.mqttClient.Connect(); err != nil {
				a.log.Error().Err(err).Msg("MQTT setup error")
			}
		}()
		a.goRun(func() { a.mqttClient.Forward(a.ctx, a.eventBus) })
	}

	a.scheduler.Start()

	if a.watcher != nil {
		a.watcher.Start()
		a.loadProjectFile()
	}

	a.log.Info().Str("url", "http://localhost:"+a.config.Server.Port).Msg("Agent running")
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("Server error")
		}
	}()

	a.log.Info().Msg("Agent orchestrator ready")
	for {
		select {
		case <-a.ctx.Done():
			a.log.Info().Msg("Agent orchestrator shutting down")
			return
		case cmd := <-a.commandChannel:
			a.handleCommand(cmd)
		}
	}
}

func (a *Agent) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Agent) Shutdown() {
	a.scheduler.Stop()
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.server.Shutdown(shutdownCtx)
	a.mqttClient.Disconnect()
	a.luaEngine.Close()
	a.cancel()
	a.recorder.Close()
	a.wg.Wait()
}

// onQueueStatus mirrors the outbox into state, events and metrics.
func (a *Agent) onQueueStatus(st backend.Status, evicted int) {
	a.state.SetQueue(st.Size, st.Capacity, st.CanSend)
	a.metrics.ObserveQueue(st.Size, st.Capacity, evicted)
	a.eventBus.Emit(core.QueueChangedEvent, map[string]interface{}{
		"size":     st.Size,
		"capacity": st.Capacity,
		"canSend":  st.CanSend,
		"evicted":  evicted,
	})
}

func (a *Agent) listenEvents() {
	types := []core.EventType{
		core.BackendConnectedEvent,
		core.BackendDisconnectedEvent,
		core.ModelLoadedEvent,
		core.FeedbackReceivedEvent,
		core.FrameReceivedEvent,
	}
	sub := a.eventBus.Subscribe(types...)
	defer a.eventBus.Unsubscribe(sub, types...)

	for {
		select {
		case <-a.ctx.Done():
			return
		case event := <-sub:
			a.handleEvent(event)
		}
	}
}

func (a *Agent) handleEvent(event core.Event) {
	payload, _ := event.Payload.(map[string]interface{})

	a.opMu.Lock()
	defer a.opMu.Unlock()

	switch event.Type {
	case core.BackendConnectedEvent:
		a.loadProjectFile()

	case core.BackendDisconnectedEvent:
		// state was reset to defaults, bring the queue back in line
		a.outbox.SetCapacity(a.state.Settings().Advanced.CommandQueueCapacity)
		a.setImages(nil, nil)
		a.recorder.Abort("backend disconnected")

	case core.ModelLoadedEvent:
		a.log.Info().Msg("Model loaded, resending parameters")
		a.resend()

	case core.FeedbackReceivedEvent:
		changed, _ := payload["changed"].([]string)
		settings := a.state.Settings()
		for _, key := range changed {
			if !settings.Gated(key) {
				a.resend()
				return
			}
		}

	case core.FrameReceivedEvent:
		if payload["target"] == frames.TargetPreview {
			a.recorder.CapturePreview()
		}
	}
}

// loadProjectFile queues a load of project_file when it exists.
func (a *Agent) loadProjectFile() {
	if a.config.ProjectFile == "" {
		return
	}
	if _, err := os.Stat(a.config.ProjectFile); err != nil {
		return
	}
	a.log.Info().Str("file", a.config.ProjectFile).Msg("Loading project file")
	a.commandChannel.Dispatch(core.Command{
		Type:    core.CmdLoadProject,
		Payload: map[string]interface{}{"path": a.config.ProjectFile},
	})
}

// resend must be called with opMu held.
func (a *Agent) resend() {
	if err := a.sendTune(); err != nil {
		a.log.Debug().Err(err).Msg("Tune not queued")
	}
}

func (a *Agent) setImages(mask, unrolling []byte) {
	a.imagesMu.Lock()
	defer a.imagesMu.Unlock()
	a.mask, a.unrolling = mask, unrolling
}

func (a *Agent) images() ([]byte, []byte) {
	a.imagesMu.Lock()
	defer a.imagesMu.Unlock()
	return a.mask, a.unrolling
}
