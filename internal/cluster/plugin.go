package cluster

import (
	"context"
	"encoding/json"

	"github.com/jobmon/jobmon/internal/fsm"
)

// ExitKind classifies a finished remote job for the reconciler.
type ExitKind string

const (
	ExitOK       ExitKind = "ok"
	ExitError    ExitKind = "error"
	ExitResource ExitKind = "resource"
	ExitUnknown  ExitKind = "unknown"
)

// InstanceStatus maps an exit kind onto the terminal task instance
// status the distributor should report.
func (k ExitKind) InstanceStatus() fsm.TaskInstanceStatus {
	switch k {
	case ExitOK:
		return fsm.InstanceDone
	case ExitError:
		return fsm.InstanceError
	case ExitResource:
		return fsm.InstanceResourceError
	}
	return fsm.InstanceUnknownError
}

// ExitInfo is the terminal verdict for one remote job.
type ExitInfo struct {
	Kind    ExitKind
	Message string
}

// DistributorPlugin is the scheduler-side contract. A distributor id
// is the cluster's own job identifier; array steps derive theirs as
// "<job>_<step>".
type DistributorPlugin interface {
	// Submit starts a single job and returns its distributor id.
	Submit(ctx context.Context, command, name string, requestedResources json.RawMessage) (string, error)
	// SubmitArray starts an array job of length steps; each step gets
	// a unique id keyed by step number.
	SubmitArray(ctx context.Context, command, name string, requestedResources json.RawMessage, length int) (map[int]string, error)
	// ActiveIDs reports which of the given ids the scheduler still
	// knows about.
	ActiveIDs(ctx context.Context, ids []string) (map[string]bool, error)
	// Terminate is best-effort cancellation.
	Terminate(ctx context.Context, ids []string) error
	// QueueingErrors returns errors observed before a job started;
	// entries are drained once returned.
	QueueingErrors(ctx context.Context, ids []string) (map[string]string, error)
	// RemoteExitInfo returns the terminal status after the scheduler
	// released the job, or ErrExitInfoNotAvailable.
	RemoteExitInfo(ctx context.Context, id string) (*ExitInfo, error)
}

// WorkerPlugin is the worker-side contract: how a spawned process
// figures out which task instance it is and where its logs go.
type WorkerPlugin interface {
	// ArrayCoordinates resolves the worker's identity from its
	// environment: array id, batch number, and step id. ok is false
	// for non-array jobs that carry an explicit instance id instead.
	ArrayCoordinates() (arrayID int64, batchNum, stepID int, ok bool)
	// TaskInstanceID returns the explicit instance id for non-array
	// jobs.
	TaskInstanceID() (int64, bool)
	// StdoutPath and StderrPath are where the scheduler captures the
	// command's output.
	StdoutPath() string
	StderrPath() string
}
