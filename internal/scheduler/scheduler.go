// Package scheduler runs queue and script commands on cron schedules.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"anroll-controller/internal/core"
	"anroll-controller/internal/logger"
)

// ErrUnknownCommand is returned for schedule commands that cannot be mapped.
var ErrUnknownCommand = errors.New("unknown schedule command")

// ScheduleEntry defines the structure for a saved schedule.
type ScheduleEntry struct {
	Spec    string `json:"spec"`
	Command string `json:"command"`
}

// Schedule is a live entry with its cron id and next run time.
type Schedule struct {
	ID      int       `json:"id"`
	Spec    string    `json:"spec"`
	Command string    `json:"command"`
	Next    time.Time `json:"next"`
}

// Scheduler manages all cron-related tasks.
type Scheduler struct {
	cron           *cron.Cron
	store          map[cron.EntryID]ScheduleEntry
	commandChannel core.CommandChannel
	mu             sync.RWMutex
	schedulesFile  string
	log            zerolog.Logger
}

// NewScheduler creates a scheduler and loads the persisted schedules.
func NewScheduler(cmdChan core.CommandChannel, schedulesFile string) *Scheduler {
	s := &Scheduler{
		cron:           cron.New(),
		store:          make(map[cron.EntryID]ScheduleEntry),
		commandChannel: cmdChan,
		schedulesFile:  schedulesFile,
		log:            logger.Component("scheduler"),
	}
	s.load()
	return s
}

// Start begins the cron job ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Cron scheduler started")
}

// Stop halts the cron job ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Cron scheduler stopped")
}

// Add validates and registers a new cron job, then persists the schedule set.
func (s *Scheduler) Add(spec, command string) (int, error) {
	if _, err := ParseCommand(command); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.execute(command) })
	if err != nil {
		return 0, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	s.store[id] = ScheduleEntry{Spec: spec, Command: command}
	s.save()
	s.log.Info().Int("id", int(id)).Str("spec", spec).Str("command", command).Msg("Added schedule")
	return int(id), nil
}

// Remove deletes a cron job.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := cron.EntryID(id)
	if _, ok := s.store[entryID]; !ok {
		return
	}
	s.cron.Remove(entryID)
	delete(s.store, entryID)
	s.save()
	s.log.Info().Int("id", id).Msg("Removed schedule")
}

// List returns the current schedules ordered by id.
func (s *Scheduler) List() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Schedule, 0, len(s.store))
	for id, entry := range s.store {
		out = append(out, Schedule{
			ID:      int(id),
			Spec:    entry.Spec,
			Command: entry.Command,
			Next:    s.cron.Entry(id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseCommand maps a schedule command string to an agent command.
//
//	skip | resend | clear | stop
//	script <name.lua>
//	export [prefix]
//	capacity <n>
func ParseCommand(command string) (core.Command, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return core.Command{}, ErrUnknownCommand
	}
	switch parts[0] {
	case "skip":
		return core.Command{Type: core.CmdSkip}, nil
	case "resend":
		return core.Command{Type: core.CmdResend}, nil
	case "clear":
		return core.Command{Type: core.CmdClearQueue}, nil
	case "stop":
		return core.Command{Type: core.CmdStopScript}, nil
	case "script":
		if len(parts) < 2 {
			return core.Command{}, fmt.Errorf("%w: script needs a name", ErrUnknownCommand)
		}
		return core.Command{Type: core.CmdRunScript, Payload: map[string]interface{}{"name": parts[1]}}, nil
	case "export":
		payload := map[string]interface{}{}
		if len(parts) > 1 {
			payload["prefix"] = parts[1]
		}
		return core.Command{Type: core.CmdExport, Payload: payload}, nil
	case "capacity":
		if len(parts) < 2 {
			return core.Command{}, fmt.Errorf("%w: capacity needs a value", ErrUnknownCommand)
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 1 {
			return core.Command{}, fmt.Errorf("%w: bad capacity %q", ErrUnknownCommand, parts[1])
		}
		return core.Command{Type: core.CmdSetCapacity, Payload: map[string]interface{}{"capacity": float64(n)}}, nil
	}
	return core.Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, parts[0])
}

func (s *Scheduler) execute(command string) {
	s.log.Info().Str("command", command).Msg("Executing scheduled command")
	cmd, err := ParseCommand(command)
	if err != nil {
		s.log.Error().Err(err).Msg("Scheduled command rejected")
		return
	}
	if !s.commandChannel.Dispatch(cmd) {
		s.log.Warn().Str("command", command).Msg("Command channel full, scheduled command dropped")
	}
}

func (s *Scheduler) save() {
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("Error marshalling schedules")
		return
	}
	if err := os.WriteFile(s.schedulesFile, data, 0644); err != nil {
		s.log.Error().Err(err).Str("file", s.schedulesFile).Msg("Error writing schedules")
	}
}

func (s *Scheduler) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.schedulesFile)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error().Err(err).Msg("Error reading schedule file")
		}
		return
	}

	tempStore := make(map[cron.EntryID]ScheduleEntry)
	if err := json.Unmarshal(data, &tempStore); err != nil {
		s.log.Error().Err(err).Msg("Error unmarshalling schedule file")
		return
	}

	s.log.Info().Int("count", len(tempStore)).Str("file", s.schedulesFile).Msg("Loading schedules")
	for _, entry := range tempStore {
		jobEntry := entry
		if _, err := ParseCommand(jobEntry.Command); err != nil {
			s.log.Warn().Err(err).Msg("Skipping stored schedule")
			continue
		}
		newID, err := s.cron.AddFunc(jobEntry.Spec, func() { s.execute(jobEntry.Command) })
		if err != nil {
			s.log.Warn().Err(err).Str("spec", jobEntry.Spec).Msg("Error re-adding schedule from file")
			continue
		}
		s.store[newID] = jobEntry
	}
}
