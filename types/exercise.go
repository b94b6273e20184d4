package types

import "time"

// ExerciseStatus is the lifecycle state of a simulation.
type ExerciseStatus string

const (
	ExerciseScheduled ExerciseStatus = "SCHEDULED"
	ExerciseRunning   ExerciseStatus = "RUNNING"
	ExercisePaused    ExerciseStatus = "PAUSED"
	ExerciseFinished  ExerciseStatus = "FINISHED"
	ExerciseCanceled  ExerciseStatus = "CANCELED"
)

// String returns the string representation of the status.
func (s ExerciseStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s ExerciseStatus) IsValid() bool {
	switch s {
	case ExerciseScheduled, ExerciseRunning, ExercisePaused, ExerciseFinished, ExerciseCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the simulation can no longer dispatch injects.
func (s ExerciseStatus) IsTerminal() bool {
	return s == ExerciseFinished || s == ExerciseCanceled
}

// Exercise is a simulation: a scheduled scenario owning injects and teams.
type Exercise struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Status ExerciseStatus `json:"status"`

	// Start is the moment the simulation started. Scheduled injects run at
	// Start plus their DependsDuration.
	Start *time.Time `json:"start,omitempty"`

	// TeamIDs lists every team taking part in the simulation.
	TeamIDs []string `json:"team_ids,omitempty"`

	// Header and Footer frame outbound messages (SMS, mail).
	Header string `json:"header,omitempty"`
	Footer string `json:"footer,omitempty"`
}

// IsRunning returns true if the simulation is live and has a start date.
func (e Exercise) IsRunning() bool {
	return e.Status == ExerciseRunning && e.Start != nil
}
