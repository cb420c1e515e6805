package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"anroll-controller/internal/backend"
	"anroll-controller/internal/core"
	"anroll-controller/internal/frames"
	"anroll-controller/internal/project"
	"anroll-controller/internal/recorder"
	"anroll-controller/internal/scheduler"
	"anroll-controller/internal/server"
)

// ErrNoProjectPath is returned when neither a path nor project_file is set.
var ErrNoProjectPath = errors.New("no project path given and project_file is not configured")

func (a *Agent) handleCommand(cmd core.Command) {
	a.log.Debug().Str("type", string(cmd.Type)).Interface("payload", cmd.Payload).Msg("Handling command")

	var err error
	switch cmd.Type {
	case core.CmdSetParam:
		key := stringArg(cmd.Payload, "key")
		err = a.SetParams(map[string]interface{}{key: cmd.Payload["value"]})

	case core.CmdSetParams:
		err = a.SetParams(cmd.Payload)

	case core.CmdResend:
		err = a.SendTune()

	case core.CmdSkip:
		a.Skip()

	case core.CmdClearQueue:
		a.ClearQueue()

	case core.CmdSetCapacity:
		n, ok := intArg(cmd.Payload, "capacity")
		if !ok {
			err = errors.New("capacity must be a number")
			break
		}
		a.SetCapacity(n)

	case core.CmdLoadProject:
		path := stringArg(cmd.Payload, "path")
		if ifChanged, _ := cmd.Payload["ifChanged"].(bool); ifChanged {
			err = a.reloadProject(path)
		} else {
			err = a.LoadProject(path)
		}

	case core.CmdSaveProject:
		err = a.SaveProject(stringArg(cmd.Payload, "path"))

	case core.CmdExport:
		var files []string
		files, err = a.Export(stringArg(cmd.Payload, "prefix"))
		if err == nil {
			a.server.Hub.Broadcast(server.NewMessage("export_done", map[string]interface{}{"files": files}))
		}

	case core.CmdRecordVideo:
		var specs []recorder.TransitionSpec
		if specs, err = transitionSpecs(cmd.Payload); err != nil {
			break
		}
		var transitions []recorder.Transition
		if transitions, err = recorder.ResolveAll(a.state.Settings(), specs); err != nil {
			break
		}
		_, err = a.RecordVideo(transitions)

	case core.CmdRunScript:
		err = a.luaEngine.RunScript(stringArg(cmd.Payload, "name"))

	case core.CmdStopScript:
		a.luaEngine.StopCurrentScript()

	case core.CmdAddSchedule:
		_, err = a.scheduler.Add(stringArg(cmd.Payload, "spec"), stringArg(cmd.Payload, "command"))
		if err == nil {
			a.server.Hub.Broadcast(server.NewMessage(server.MsgScheduleList, a.scheduler.List()))
		}

	case core.CmdRemoveSchedule:
		id, ok := intArg(cmd.Payload, "id")
		if !ok {
			err = errors.New("schedule id must be a number")
			break
		}
		a.scheduler.Remove(id)
		a.server.Hub.Broadcast(server.NewMessage(server.MsgScheduleList, a.scheduler.List()))

	default:
		err = fmt.Errorf("unknown command type %q", cmd.Type)
	}

	if err != nil {
		a.log.Warn().Err(err).Str("type", string(cmd.Type)).Msg("Command failed")
		a.server.Hub.Broadcast(server.NewMessage("command_error", map[string]interface{}{
			"type":  cmd.Type,
			"error": err.Error(),
		}))
	}
}

// Snapshot returns a copy of the current state.
func (a *Agent) Snapshot() core.Snapshot {
	return a.state.Clone()
}

// SetParams applies values by wire key and queues a tune unless every
// changed key is owned by the optimiser.
func (a *Agent) SetParams(values map[string]interface{}) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	changed, err := a.state.ApplyAll(values)
	if len(changed) > 0 {
		a.eventBus.Emit(core.SettingsChangedEvent, a.state.Settings())
	}
	if err != nil {
		return err
	}

	settings := a.state.Settings()
	for _, key := range changed {
		if !settings.Gated(key) {
			a.resend()
			return nil
		}
	}
	return nil
}

// SetParam updates one setting without sending it.
func (a *Agent) SetParam(key string, value interface{}) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	changed, err := a.state.Apply(key, value)
	if err != nil {
		return err
	}
	if changed {
		a.eventBus.Emit(core.SettingsChangedEvent, a.state.Settings())
	}
	return nil
}

// GetParam reads one setting by wire key.
func (a *Agent) GetParam(key string) (interface{}, bool) {
	settings := a.state.Settings()
	return settings.Get(key)
}

// SendTune queues the current settings for the backend.
func (a *Agent) SendTune() error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.sendTune()
}

func (a *Agent) sendTune() error {
	cmd, err := backend.Tune(a.state.Settings())
	if err != nil {
		return err
	}
	return a.outbox.Enqueue(cmd)
}

// Skip drops every pending command except the newest.
func (a *Agent) Skip() int {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.outbox.FastForward()
}

// ClearQueue drops every pending command.
func (a *Agent) ClearQueue() {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	a.outbox.Clear()
}

// SetCapacity resizes the command queue and returns the applied capacity.
func (a *Agent) SetCapacity(n int) int {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	applied := a.outbox.SetCapacity(n)
	a.state.SetQueueCapacitySetting(applied)
	a.eventBus.Emit(core.SettingsChangedEvent, a.state.Settings())
	return applied
}

// FramePNG encodes the latest frame for target.
func (a *Agent) FramePNG(target string) ([]byte, error) {
	return a.frames.PNG(target)
}

// Export writes the current frames into export_dir.
func (a *Agent) Export(prefix string) ([]string, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	persistent := a.state.Settings().Persistent
	if prefix == "" {
		prefix = persistent.ExportPrefix
	}
	opts := frames.ExportOptions{
		Dir:              a.config.ExportDir,
		Prefix:           prefix,
		IncludeErrorMaps: persistent.ExportIncludeErrorMaps,
	}
	mask, unrolling := a.images()
	if persistent.ExportIncludeMask {
		opts.Mask = mask
	}
	if persistent.ExportIncludeUnrolling {
		opts.Unrolling = unrolling
	}
	files, err := a.frames.Export(opts)
	if err != nil {
		return files, err
	}
	a.log.Info().Strs("files", files).Msg("Exported images")
	return files, nil
}

func (a *Agent) projectPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if a.config.ProjectFile == "" {
		return "", ErrNoProjectPath
	}
	return a.config.ProjectFile, nil
}

// SaveProject writes the settings and source images to path, or to
// project_file when path is empty.
func (a *Agent) SaveProject(path string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	path, err := a.projectPath(path)
	if err != nil {
		return err
	}
	mask, unrolling := a.images()
	if err := project.Save(path, project.New(a.state.Settings(), mask, unrolling)); err != nil {
		return err
	}
	a.log.Info().Str("file", path).Msg("Project saved")
	return nil
}

// LoadProject replaces the settings with the project at path and sends it
// to the backend. A disconnected backend receives it on the next connect.
func (a *Agent) LoadProject(path string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	path, err := a.projectPath(path)
	if err != nil {
		return err
	}
	p, err := project.Load(path, a.defaults)
	if err != nil {
		return err
	}
	return a.applyProject(p, path)
}

// reloadProject loads path only when it differs from the current session,
// so our own saves do not bounce back through the watcher.
func (a *Agent) reloadProject(path string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	p, err := project.Load(path, a.defaults)
	if err != nil {
		return err
	}
	mask, unrolling := a.images()
	current := project.New(a.state.Settings(), mask, unrolling)
	if reflect.DeepEqual(p, current) {
		a.log.Debug().Str("file", path).Msg("Project file unchanged, skipping reload")
		return nil
	}
	return a.applyProject(p, path)
}

func (a *Agent) applyProject(p *project.Project, path string) error {
	mask, err := p.Mask()
	if err != nil {
		return err
	}
	unrolling, err := p.Unrolling()
	if err != nil {
		return err
	}

	a.state.ReplaceSettings(p.Settings)
	a.outbox.SetCapacity(p.Settings.Advanced.CommandQueueCapacity)
	a.setImages(mask, unrolling)
	a.eventBus.Emit(core.SettingsChangedEvent, p.Settings)
	a.log.Info().Str("file", path).Bool("images", p.HasImages()).Msg("Project loaded")

	if !p.HasImages() {
		a.resend()
		return nil
	}
	cmd, err := backend.LoadProject(mask, unrolling)
	if err != nil {
		return err
	}
	// the backend answers with modelLoaded, which triggers the tune
	if err := a.outbox.Enqueue(cmd); err != nil && !errors.Is(err, backend.ErrNotConnected) {
		return err
	}
	return nil
}

// RecordVideo starts rendering transitions into a video.
func (a *Agent) RecordVideo(transitions []recorder.Transition) (string, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.recorder.Start(transitions)
}

// Scripts lists the available sweep scripts.
func (a *Agent) Scripts() ([]string, error) {
	return a.luaEngine.GetScriptList()
}

// Schedules lists the cron schedules.
func (a *Agent) Schedules() []scheduler.Schedule {
	return a.scheduler.List()
}

func stringArg(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

// intArg accepts JSON numbers and numeric strings.
func intArg(payload map[string]interface{}, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func transitionSpecs(payload map[string]interface{}) ([]recorder.TransitionSpec, error) {
	raw, err := json.Marshal(payload["transitions"])
	if err != nil {
		return nil, err
	}
	var specs []recorder.TransitionSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("invalid transitions: %w", err)
	}
	return specs, nil
}
