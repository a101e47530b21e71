package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced across component boundaries. The transition
// layer keeps InvalidStateTransition values typed so handlers can
// distinguish "illegal" from "untimely" without string matching.

var (
	ErrInvalidUsage          = errors.New("invalid usage")
	ErrInvalidResponse       = errors.New("invalid response from server")
	ErrDistributorNotAlive   = errors.New("distributor not alive")
	ErrDistributorInterrupt  = errors.New("distributor interrupted")
	ErrWorkflowNotResumable  = errors.New("workflow not resumable")
	ErrEmptyWorkflow         = errors.New("no such workflow")
	ErrExitInfoNotAvailable  = errors.New("remote exit info not available")
	ErrCyclicGraph           = errors.New("cyclic dependency graph")
	ErrDuplicateNodeArgs     = errors.New("duplicate node args")
	ErrNodeDependencyMissing = errors.New("node dependency does not exist")
)

// InvalidStateTransition reports an FSM rule violation.
type InvalidStateTransition struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s %d cannot move %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func IsInvalidTransition(err error) bool {
	var ist *InvalidStateTransition
	return errors.As(err, &ist)
}
