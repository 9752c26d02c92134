package app

import (
	"time"

	"github.com/google/uuid"
)

// Operation identifies one CLI run in the log. Every log line of the run
// carries its ID.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "running", "success" or "error"
	Started    time.Time
	Finished   time.Time
}

// NewOperation creates a running operation.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		ID:         uuid.NewString(),
		Name:       name,
		Parameters: parameters,
		Status:     "running",
		Started:    now,
	}
}

// Finish records the outcome of the run.
func (op *Operation) Finish(err error, now time.Time) {
	op.Finished = now
	if err != nil {
		op.Status = "error"
		return
	}
	op.Status = "success"
}

// Duration is zero until the operation finished.
func (op *Operation) Duration() time.Duration {
	if op.Finished.IsZero() {
		return 0
	}
	return op.Finished.Sub(op.Started)
}
