package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/jobmon/jobmon/internal/domain"
)

// Sequential runs nothing: submissions are recorded and their exit
// info injected by the caller. Integration tests drive the whole
// pipeline deterministically with it.
type Sequential struct {
	nextJob   atomic.Int64
	submitted []SubmittedJob
	exits     map[string]ExitInfo
	queuing   map[string]string
	active    map[string]bool
}

type SubmittedJob struct {
	DistributorID string
	Command       string
	Name          string
	StepID        int
}

func NewSequential() *Sequential {
	return &Sequential{
		exits:   map[string]ExitInfo{},
		queuing: map[string]string{},
		active:  map[string]bool{},
	}
}

func (s *Sequential) Submit(ctx context.Context, command, name string, requestedResources json.RawMessage) (string, error) {
	id := fmt.Sprintf("seq-%d", s.nextJob.Add(1))
	s.submitted = append(s.submitted, SubmittedJob{DistributorID: id, Command: command, Name: name})
	s.active[id] = true
	return id, nil
}

func (s *Sequential) SubmitArray(ctx context.Context, command, name string, requestedResources json.RawMessage, length int) (map[int]string, error) {
	job := fmt.Sprintf("seq-%d", s.nextJob.Add(1))
	out := make(map[int]string, length)
	for step := 0; step < length; step++ {
		id := job + "_" + strconv.Itoa(step)
		s.submitted = append(s.submitted, SubmittedJob{DistributorID: id, Command: command, Name: name, StepID: step})
		s.active[id] = true
		out[step] = id
	}
	return out, nil
}

func (s *Sequential) ActiveIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		if s.active[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (s *Sequential) Terminate(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(s.active, id)
	}
	return nil
}

func (s *Sequential) QueueingErrors(ctx context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if msg, ok := s.queuing[id]; ok {
			out[id] = msg
			delete(s.queuing, id)
		}
	}
	return out, nil
}

func (s *Sequential) RemoteExitInfo(ctx context.Context, id string) (*ExitInfo, error) {
	if info, ok := s.exits[id]; ok {
		return &info, nil
	}
	return nil, fmt.Errorf("job %s: %w", id, domain.ErrExitInfoNotAvailable)
}

// Submitted returns every job handed to the plugin, in order.
func (s *Sequential) Submitted() []SubmittedJob { return s.submitted }

// FinishJob marks a job finished with the given verdict; subsequent
// ActiveIDs calls no longer report it.
func (s *Sequential) FinishJob(id string, info ExitInfo) {
	delete(s.active, id)
	s.exits[id] = info
}

// SetQueueingError injects a pre-start failure for a job.
func (s *Sequential) SetQueueingError(id, msg string) {
	delete(s.active, id)
	s.queuing[id] = msg
}

// EnvWorker resolves worker identity from the environment the
// distributor sets when spawning workers.
type EnvWorker struct{}

func (EnvWorker) ArrayCoordinates() (int64, int, int, bool) {
	arrayID, err1 := strconv.ParseInt(os.Getenv("JOBMON_ARRAY_ID"), 10, 64)
	batchNum, err2 := strconv.Atoi(os.Getenv("JOBMON_ARRAY_BATCH_NUM"))
	stepID, err3 := strconv.Atoi(os.Getenv("JOBMON_ARRAY_STEP_ID"))
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return arrayID, batchNum, stepID, true
}

func (EnvWorker) TaskInstanceID() (int64, bool) {
	id, err := strconv.ParseInt(os.Getenv("JOBMON_TASK_INSTANCE_ID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (EnvWorker) StdoutPath() string { return os.Getenv("JOBMON_STDOUT") }
func (EnvWorker) StderrPath() string { return os.Getenv("JOBMON_STDERR") }
