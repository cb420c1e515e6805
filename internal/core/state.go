package core

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// RecordingProgress reports the phase of a running video export.
type RecordingProgress struct {
	ID      string `json:"id"`
	Action  string `json:"action"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// Dynamic is session state that is neither tunable nor saved in project files.
type Dynamic struct {
	Connected     bool               `json:"connected"`
	SessionID     string             `json:"sessionId,omitempty"`
	ModelLoaded   bool               `json:"modelLoaded"`
	CanSend       bool               `json:"canSendCommand"`
	QueueSize     int                `json:"commandQueueSize"`
	QueueCapacity int                `json:"commandQueueCapacity"`
	PlotInterp    interface{}        `json:"plotInterpData,omitempty"`
	PlotIFCurve   interface{}        `json:"plotIFCurveData,omitempty"`
	DLow          float64            `json:"dLow"`
	DHigh         float64            `json:"dHigh"`
	Recording     bool               `json:"recordingVideo"`
	Progress      *RecordingProgress `json:"recordingProgress,omitempty"`
	LastError     string             `json:"lastError,omitempty"`
}

// Snapshot is a copy of the state safe to read without locking.
type Snapshot struct {
	Settings Settings `json:"settings"`
	Dynamic  Dynamic  `json:"dynamic"`
}

// State holds the single source of truth for the controller.
type State struct {
	mu       sync.RWMutex
	defaults Settings
	settings Settings
	dynamic  Dynamic
}

// NewState creates a State starting from defaults.
func NewState(defaults Settings) *State {
	s := &State{defaults: defaults}
	s.resetLocked()
	return s
}

// Clone returns a snapshot of the current state for safe reading.
func (s *State) Clone() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Settings: s.settings, Dynamic: s.dynamic}
}

// Settings returns a copy of the tunable parameters.
func (s *State) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Apply sets one parameter by wire key and reports whether anything changed.
func (s *State) Apply(key string, value interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.settings
	if err := s.settings.Set(key, value); err != nil {
		return false, err
	}
	return before != s.settings, nil
}

// ApplyAll sets several parameters in Params order, so edges that clamp
// each other resolve the same way every time. Unknown keys are rejected
// before anything is applied. It returns the keys whose value changed; on a
// conversion error the parameters before it stay applied.
func (s *State) ApplyAll(values map[string]interface{}) ([]string, error) {
	keys := make([]string, 0, len(values))
	if _, ok := values[splineSmoothingDisplay]; ok {
		keys = append(keys, splineSmoothingDisplay)
	}
	for _, p := range Params {
		if _, ok := values[p.Key]; ok {
			keys = append(keys, p.Key)
		}
	}
	if len(keys) != len(values) {
		var unknown []string
		for key := range values {
			if _, ok := LookupParam(key); !ok && key != splineSmoothingDisplay {
				unknown = append(unknown, key)
			}
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown parameter %q", unknown[0])
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for _, key := range keys {
		before := s.settings
		if err := s.settings.Set(key, values[key]); err != nil {
			return changed, err
		}
		if before != s.settings {
			changed = append(changed, key)
		}
	}
	return changed, nil
}

// ReplaceSettings swaps in a complete parameter set, e.g. from a project file.
func (s *State) ReplaceSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.dynamic.QueueCapacity = settings.Advanced.CommandQueueCapacity
}

// SetQueueCapacitySetting records the user-selected buffer size.
func (s *State) SetQueueCapacitySetting(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.settings.Advanced.CommandQueueCapacity = n
}

var feedbackParams = map[string]string{
	"SET_INTERPOLATION_FACTOR": "if",
	"SET_D_FACTOR":             "d",
	"SET_RADIUS_MODIFIER":      "rad",
}

// ApplyFeedback applies backend parameter feedback, rounded to two decimals.
// It returns the wire keys of the parameters whose value changed. Unknown
// and non-numeric entries are ignored.
func (s *State) ApplyFeedback(feedback map[string]interface{}) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for action, raw := range feedback {
		v, ok := raw.(float64)
		if !ok {
			continue
		}
		v = math.Round(v*100) / 100

		switch action {
		case "D_LOW":
			s.dynamic.DLow = v
			continue
		case "D_HIGH":
			s.dynamic.DHigh = v
			continue
		}

		key, ok := feedbackParams[action]
		if !ok {
			continue
		}
		before := s.settings
		if err := s.settings.Set(key, v); err != nil {
			continue
		}
		if before != s.settings {
			changed = append(changed, key)
		}
	}
	return changed
}

// Reset restores the initial state after the backend session ends.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *State) resetLocked() {
	s.settings = s.defaults
	s.dynamic = Dynamic{QueueCapacity: s.defaults.Advanced.CommandQueueCapacity}
}

// SetConnection updates connection state.
func (s *State) SetConnection(connected bool, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamic.Connected = connected
	s.dynamic.SessionID = sessionID
}

// SetModelLoaded marks whether the backend has a model ready.
func (s *State) SetModelLoaded(loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamic.ModelLoaded = loaded
}

// SetQueue mirrors the outbox status.
func (s *State) SetQueue(size, capacity int, canSend bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamic.QueueSize = size
	s.dynamic.QueueCapacity = capacity
	s.dynamic.CanSend = canSend
}

// SetPlot stores plot data for "interp" or "ifcurve". Other targets are ignored.
func (s *State) SetPlot(target string, data interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch target {
	case "interp":
		s.dynamic.PlotInterp = data
	case "ifcurve":
		s.dynamic.PlotIFCurve = data
	default:
		return false
	}
	return true
}

// SetRecording updates the video export status. A nil progress clears it.
func (s *State) SetRecording(recording bool, progress *RecordingProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamic.Recording = recording
	s.dynamic.Progress = progress
}

// SetLastError records the latest backend error text.
func (s *State) SetLastError(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamic.LastError = text
}
