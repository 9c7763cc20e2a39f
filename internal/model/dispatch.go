package model

import "time"

// Dispatch status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Instance lifecycle states.
const (
	InstanceScheduled  = "scheduled"
	InstanceRunning    = "running"
	InstanceSleeping   = "sleeping"
	InstanceTerminated = "terminated"
)

// Output line kinds.
const (
	LineOutput    = "output"
	LineException = "exception"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final dispatch status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// OutputLine is a single persisted line emitted by a dispatch instance.
type OutputLine struct {
	ID         int64     `json:"id"`
	DispatchID string    `json:"dispatch_id"`
	Instance   int       `json:"instance"`
	Seq        int       `json:"seq"`
	Kind       string    `json:"kind"`
	Line       string    `json:"line"`
	CreatedAt  time.Time `json:"created_at"`
}

// Dispatch is the persisted record of one dispatched command.
type Dispatch struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	Command          string     `json:"command"`
	Line             string     `json:"line"`
	Instances        int        `json:"instances"`
	Parallelism      int        `json:"parallelism"`
	RepeatIntervalMS int64      `json:"repeat_interval_ms"`
	DurationMS       int64      `json:"duration_ms"`
	Background       bool       `json:"background"`
	FailedInstances  int        `json:"failed_instances"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// NewDispatch builds a pending dispatch record for spec.
func NewDispatch(spec CommandSpec) *Dispatch {
	name := spec.Name
	if name == "" {
		name = string(spec.Command)
	}
	return &Dispatch{
		ID:               NewID(),
		Status:           StatusPending,
		Command:          name,
		Line:             spec.Line,
		Instances:        spec.Instances,
		Parallelism:      spec.Parallelism,
		RepeatIntervalMS: spec.RepeatInterval.Milliseconds(),
		DurationMS:       spec.Duration.Milliseconds(),
		Background:       spec.Background,
		CreatedAt:        time.Now().UTC(),
	}
}
