// Package lua runs parameter sweep scripts against the backend.
package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"anroll-controller/internal/core"
	"anroll-controller/internal/logger"
)

// ErrClosed is returned once the engine has been closed.
var ErrClosed = errors.New("lua engine closed")

// Host is what scripts can drive. Implementations must be safe for use from
// the script goroutine.
type Host interface {
	SetParam(key string, value interface{}) error
	GetParam(key string) (interface{}, bool)
	SendTune() error
	Skip() int
	SetCapacity(n int) int
}

// cmdType defines the type of engine command.
type cmdType int

const (
	cmdRunFile cmdType = iota
	cmdRunString
	cmdStop
)

// engineCmd represents a command sent to the Lua engine.
type engineCmd struct {
	kind cmdType
	name string
	code string
}

// Engine manages the Lua scripting environment using a single worker goroutine
// to ensure only one script runs at a time.
type Engine struct {
	host       Host
	scriptsDir string
	eventBus   *core.EventBus
	log        zerolog.Logger

	cmdChan   chan engineCmd
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	running string
}

// NewEngine creates a new Lua engine and starts its background worker.
func NewEngine(host Host, scriptsDir string, eb *core.EventBus) *Engine {
	e := &Engine{
		host:       host,
		scriptsDir: scriptsDir,
		eventBus:   eb,
		log:        logger.Component("lua"),
		cmdChan:    make(chan engineCmd, 10),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	go e.runLoop()

	return e
}

// runLoop processes engine commands sequentially. A new command always
// cancels the script that is currently running.
func (e *Engine) runLoop() {
	defer close(e.stopped)

	var currentCancel context.CancelFunc
	var scriptDone chan struct{}

	stopCurrent := func() {
		if currentCancel == nil {
			return
		}
		currentCancel()
		select {
		case <-scriptDone:
		case <-time.After(2 * time.Second):
			e.log.Warn().Msg("Timeout waiting for script to stop")
		}
		currentCancel = nil
		scriptDone = nil
	}

	for {
		var cmd engineCmd
		select {
		case <-e.quit:
			stopCurrent()
			return
		case cmd = <-e.cmdChan:
		}
		stopCurrent()

		if cmd.kind == cmdStop {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		currentCancel = cancel
		scriptDone = make(chan struct{})

		go func(cmd engineCmd, ctx context.Context, done chan struct{}) {
			defer close(done)
			switch cmd.kind {
			case cmdRunFile:
				e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoFile(cmd.code) })
			case cmdRunString:
				e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoString(cmd.code) })
			}
		}(cmd, ctx, scriptDone)
	}
}

// StopCurrentScript stops the currently running script if any.
func (e *Engine) StopCurrentScript() {
	select {
	case e.cmdChan <- engineCmd{kind: cmdStop}:
	default:
		e.log.Warn().Msg("Command channel full, could not send stop command")
	}
}

// RunScript queues the named script file for execution.
func (e *Engine) RunScript(name string) error {
	scriptPath, err := e.GetScriptPath(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return fmt.Errorf("script %q: %w", name, err)
	}
	return e.submit(engineCmd{kind: cmdRunFile, name: name, code: scriptPath})
}

// ExecuteString queues a one-off chunk of Lua code.
func (e *Engine) ExecuteString(code string) error {
	return e.submit(engineCmd{kind: cmdRunString, name: "inline", code: code})
}

func (e *Engine) submit(cmd engineCmd) error {
	select {
	case e.cmdChan <- cmd:
		return nil
	case <-e.quit:
		return ErrClosed
	}
}

// Running returns the name of the running script, or "".
func (e *Engine) Running() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Close stops any running script and the worker. It is safe to call twice.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.stopped
}

func (e *Engine) setRunning(name string) {
	e.mu.Lock()
	e.running = name
	e.mu.Unlock()
	if e.eventBus != nil {
		e.eventBus.Emit(core.ScriptChangedEvent, map[string]interface{}{"running": name})
	}
}

// execute runs Lua code in a fresh state bound to ctx.
func (e *Engine) execute(ctx context.Context, name string, executor func(*lua.LState) error) {
	e.log.Info().Str("script", name).Msg("Starting script")
	e.setRunning(name)
	defer func() {
		e.log.Info().Str("script", name).Msg("Script finished")
		e.setRunning("")
	}()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	e.registerGoFunctions(L, ctx)

	if err := executor(L); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			e.log.Info().Str("script", name).Msg("Script execution was canceled")
		} else {
			e.log.Error().Err(err).Str("script", name).Msg("Error executing script")
		}
	}
}
