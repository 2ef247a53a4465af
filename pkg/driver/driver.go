// Package driver defines the container runtime boundary the reconciler
// talks to. pkg/driver/containerd provides a concrete implementation;
// anything satisfying Driver (a different runtime, or a test fake) can be
// wired in its place without touching the reconciler.
package driver

import (
	"context"
	"io"

	"github.com/cuemby/fleetd/pkg/types"
)

// ActionType identifies what a Plan step asks the driver to do.
type ActionType string

const (
	ActionPullImage        ActionType = "pull_image"
	ActionCreateContainer  ActionType = "create_container"
	ActionStartContainer   ActionType = "start_container"
	ActionStopContainer    ActionType = "stop_container"
	ActionRemoveContainer  ActionType = "remove_container"
	ActionRecreateAndStart ActionType = "recreate_and_start"
)

// StatusRunning is the ServiceSpec.Status value a Driver reports for a
// container it considers up. Anything else (stopped, exited, unknown, "")
// is treated as not running.
const StatusRunning = "running"

// Action is a single step of a reconciliation Plan, targeting one service.
type Action struct {
	Type      ActionType
	AppID     string
	ServiceID string
	Spec      types.ServiceSpec
}

// Plan is an ordered batch of Actions the reconciler wants applied. Order
// matters: the reconciler places stops/removes before creates/starts so a
// recreate never runs two instances of the same service at once.
type Plan struct {
	Actions []Action
}

// ApplyResult reports the outcome of one Action within a Plan.
type ApplyResult struct {
	Action Action
	Err    error
}

// LogSink receives container log lines as they are produced.
type LogSink interface {
	io.Writer
}

// Driver is the interface every container runtime adapter implements. All
// methods take a context so a stuck runtime call can be bounded by the
// caller rather than hanging the reconciliation loop forever.
type Driver interface {
	// Name identifies the runtime backing this driver (e.g. "containerd").
	Name() string

	// Version reports the runtime's version string, best-effort.
	Version(ctx context.Context) (string, error)

	// ApplyPlan executes a Plan's actions in order, continuing past a
	// failed action (best-effort) and returning one ApplyResult per
	// action so the caller can tell which ones failed.
	ApplyPlan(ctx context.Context, plan Plan) ([]ApplyResult, error)

	// Observe returns the runtime's view of what is actually running,
	// keyed the same way as types.CurrentState.
	Observe(ctx context.Context) (types.CurrentState, error)

	// AttachLogs streams a running service's container logs to sink until
	// ctx is canceled.
	AttachLogs(ctx context.Context, serviceID string, sink LogSink) error

	// Close releases the driver's underlying runtime connection.
	Close() error
}
