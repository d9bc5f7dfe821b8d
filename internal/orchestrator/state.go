package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// LogEntry records one attempted stage.
type LogEntry struct {
	Stage    Stage     `json:"stage"`
	Outcome  Outcome   `json:"outcome"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	// Notes carries stage audit output, like which root partition
	// was selected among multiple candidates.
	Notes []string `json:"notes,omitempty"`
	Error string   `json:"error,omitempty"`
}

// State is the run-time record of one orchestration run. It is
// created at run start, appended to as stages complete or fail, and
// becomes terminal on Done or Recovery.
type State struct {
	ID      uuid.UUID  `json:"id"`
	Started time.Time  `json:"started"`
	Current Stage      `json:"current"`
	Entries []LogEntry `json:"entries"`

	// Set when the run ended in Recovery.
	FailedStage *Stage `json:"failed_stage,omitempty"`
	FailedError string `json:"failed_error,omitempty"`

	// Set when the run was cleanly aborted before any mutation.
	Aborted bool `json:"aborted,omitempty"`
}

func newState() *State {
	return &State{
		ID:      uuid.New(),
		Started: time.Now(),
		Current: StageIdle,
	}
}

func (s *State) record(entry LogEntry) {
	s.Entries = append(s.Entries, entry)
}

func (s *State) fail(stage Stage, err error) {
	failed := stage
	s.FailedStage = &failed
	s.FailedError = err.Error()
}

// EntryFor returns the log entry for a stage, or nil if the stage was
// never attempted.
func (s *State) EntryFor(stage Stage) *LogEntry {
	for i := range s.Entries {
		if s.Entries[i].Stage == stage {
			return &s.Entries[i]
		}
	}
	return nil
}
