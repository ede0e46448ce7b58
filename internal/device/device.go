package device

import (
	"context"

	"playout-server/internal/timeline"
)

// StatusCode orders device health from best to worst, so aggregation can
// take a simple maximum.
type StatusCode int

const (
	StatusGood StatusCode = iota
	StatusWarningMinor
	StatusWarningMajor
	StatusBad
)

func (c StatusCode) String() string {
	switch c {
	case StatusGood:
		return "GOOD"
	case StatusWarningMinor:
		return "WARNING_MINOR"
	case StatusWarningMajor:
		return "WARNING_MAJOR"
	default:
		return "BAD"
	}
}

type Status struct {
	Code     StatusCode `json:"code"`
	Messages []string   `json:"messages,omitempty"`
}

// CommandWithContext is what travels through a DoOnTime queue: the
// device-native command, a diagnostic context explaining why the diff
// emitted it, and the timeline object it is attributed to.
type CommandWithContext struct {
	Command       any    `json:"command"`
	Context       string `json:"context"`
	TimelineObjID string `json:"timelineObjId"`
}

// Device is the adapter contract the conductor drives. HandleState must be
// safe to call before Init has completed; adapters no-op (or buffer) until
// they are initialized.
type Device interface {
	ID() string
	Name() string
	Type() timeline.DeviceType

	Init(ctx context.Context) error
	Terminate(ctx context.Context) error
	MakeReady(ctx context.Context, force bool) error

	HandleState(state timeline.ResolvedState, mappings timeline.Mappings)
	ClearFuture(t int64)

	Status() Status
	CanConnect() bool
	Connected() bool
	Queue() []QueuedEntry
}
