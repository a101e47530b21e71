package swarm

import (
	"time"

	"github.com/jobmon/jobmon/internal/fsm"
)

// SwarmTask is the orchestrator's in-memory view of one task.
type SwarmTask struct {
	ID          int64
	ArrayID     int64
	Status      fsm.TaskStatus
	MaxAttempts int
	NumAttempts int

	Upstream   []int64
	Downstream []int64
	// numUpstreamsDone counts DONE upstreams; when it reaches
	// len(Upstream) the task is ready to run.
	numUpstreamsDone int

	// Resource request the next attempt will be queued with.
	QueueID            int64
	QueueName          string
	ClusterName        string
	ResourcesTypeID    string
	RequestedResources map[string]float64
	TaskResourcesID    int64

	ResourceScales map[string]ResourceScale
	FallbackQueues []string

	// resourcesAdjusted marks that scales were applied for the current
	// ADJUSTING_RESOURCES visit, so a full sync does not re-apply them.
	resourcesAdjusted bool
}

// UpstreamsDone reports whether every upstream has completed.
func (t *SwarmTask) UpstreamsDone() bool {
	return t.numUpstreamsDone >= len(t.Upstream)
}

// SwarmArray tracks the per-array concurrency cap.
type SwarmArray struct {
	ID                     int64
	MaxConcurrentlyRunning int
}

// SwarmState is the centralized in-memory state for one workflow run.
// It is owned by a single goroutine; all mutations go through
// ApplyUpdate.
type SwarmState struct {
	WorkflowID    int64
	WorkflowRunID int64
	ClusterID     int64

	tasks   map[int64]*SwarmTask
	arrays  map[int64]*SwarmArray
	buckets map[fsm.TaskStatus]map[int64]struct{}

	// readyToRun preserves arrival order; set-aside tasks return to
	// the front.
	readyToRun []int64

	// resourceCache maps resources hash to the bound id so rebinding
	// is skipped.
	resourceCache map[string]int64

	RunStatus              fsm.WorkflowRunStatus
	MaxConcurrentlyRunning int
	LastSync               time.Time
	NumPreviouslyComplete  int
}

func NewState(workflowID, workflowRunID, clusterID int64, maxConcurrentlyRunning int) *SwarmState {
	return &SwarmState{
		WorkflowID:             workflowID,
		WorkflowRunID:          workflowRunID,
		ClusterID:              clusterID,
		tasks:                  map[int64]*SwarmTask{},
		arrays:                 map[int64]*SwarmArray{},
		buckets:                map[fsm.TaskStatus]map[int64]struct{}{},
		resourceCache:          map[string]int64{},
		MaxConcurrentlyRunning: maxConcurrentlyRunning,
	}
}

func (s *SwarmState) AddArray(arr *SwarmArray) {
	s.arrays[arr.ID] = arr
}

func (s *SwarmState) AddTask(t *SwarmTask) {
	s.tasks[t.ID] = t
	s.bucketAdd(t.ID, t.Status)
}

func (s *SwarmState) Task(id int64) *SwarmTask     { return s.tasks[id] }
func (s *SwarmState) Array(id int64) *SwarmArray   { return s.arrays[id] }
func (s *SwarmState) Tasks() map[int64]*SwarmTask  { return s.tasks }
func (s *SwarmState) NumTasks() int                { return len(s.tasks) }
func (s *SwarmState) ReadyToRun() []int64          { return s.readyToRun }
func (s *SwarmState) CachedResources(hash string) (int64, bool) {
	id, ok := s.resourceCache[hash]
	return id, ok
}
func (s *SwarmState) CacheResources(hash string, id int64) { s.resourceCache[hash] = id }

func (s *SwarmState) bucketAdd(id int64, status fsm.TaskStatus) {
	b, ok := s.buckets[status]
	if !ok {
		b = map[int64]struct{}{}
		s.buckets[status] = b
	}
	b[id] = struct{}{}
}

func (s *SwarmState) bucketRemove(id int64, status fsm.TaskStatus) {
	if b, ok := s.buckets[status]; ok {
		delete(b, id)
	}
}

// CountByStatus is O(1) per status thanks to the bucket index.
func (s *SwarmState) CountByStatus(statuses ...fsm.TaskStatus) int {
	n := 0
	for _, st := range statuses {
		n += len(s.buckets[st])
	}
	return n
}

// IDsByStatus snapshots the bucket for one status.
func (s *SwarmState) IDsByStatus(status fsm.TaskStatus) []int64 {
	out := make([]int64, 0, len(s.buckets[status]))
	for id := range s.buckets[status] {
		out = append(out, id)
	}
	return out
}

// ActiveCount is the capacity consumption against the workflow cap.
func (s *SwarmState) ActiveCount() int {
	return s.CountByStatus(fsm.ActiveTaskStatuses...)
}

// ActiveCountForArray is the capacity consumption against one array.
func (s *SwarmState) ActiveCountForArray(arrayID int64) int {
	n := 0
	for _, st := range fsm.ActiveTaskStatuses {
		for id := range s.buckets[st] {
			if s.tasks[id].ArrayID == arrayID {
				n++
			}
		}
	}
	return n
}

// PushReady appends to the back of the ready queue.
func (s *SwarmState) PushReady(ids ...int64) {
	s.readyToRun = append(s.readyToRun, ids...)
}

// PushReadyFront returns set-aside tasks to the front, preserving
// their original order.
func (s *SwarmState) PushReadyFront(ids []int64) {
	if len(ids) == 0 {
		return
	}
	s.readyToRun = append(append([]int64{}, ids...), s.readyToRun...)
}

// PopReady removes and returns the head of the ready queue.
func (s *SwarmState) PopReady() (int64, bool) {
	if len(s.readyToRun) == 0 {
		return 0, false
	}
	id := s.readyToRun[0]
	s.readyToRun = s.readyToRun[1:]
	return id, true
}

// ApplyUpdate merges observed changes into the state and returns the
// tasks that newly became DONE or ERROR_FATAL, so the orchestrator can
// propagate completions and detect failures.
func (s *SwarmState) ApplyUpdate(u StateUpdate) (newlyDone, newlyFatal []int64) {
	for id, st := range u.TaskStatuses {
		t, ok := s.tasks[id]
		if !ok || t.Status == st {
			continue
		}
		s.bucketRemove(id, t.Status)
		prev := t.Status
		t.Status = st
		s.bucketAdd(id, st)
		switch {
		case st == fsm.TaskDone:
			newlyDone = append(newlyDone, id)
		case st == fsm.TaskErrorFatal:
			newlyFatal = append(newlyFatal, id)
		case st == fsm.TaskAdjustingResources && prev != fsm.TaskAdjustingResources:
			// Attempts are spent server-side at queue time; mirror it.
			t.NumAttempts++
			t.resourcesAdjusted = false
		}
	}
	if u.MaxConcurrentlyRunning != nil {
		s.MaxConcurrentlyRunning = *u.MaxConcurrentlyRunning
	}
	for id, n := range u.ArrayConcurrency {
		if arr, ok := s.arrays[id]; ok {
			arr.MaxConcurrentlyRunning = n
		}
	}
	if u.RunStatus != nil {
		s.RunStatus = *u.RunStatus
	}
	if u.SyncTime != nil {
		s.LastSync = *u.SyncTime
	}
	return newlyDone, newlyFatal
}

// PropagateDone walks the downstreams of finished tasks and returns
// the ids that became ready.
func (s *SwarmState) PropagateDone(doneIDs []int64) []int64 {
	var ready []int64
	for _, id := range doneIDs {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		for _, downID := range t.Downstream {
			down, ok := s.tasks[downID]
			if !ok {
				continue
			}
			down.numUpstreamsDone++
			if down.Status == fsm.TaskRegistering && down.UpstreamsDone() {
				ready = append(ready, downID)
			}
		}
	}
	s.PushReady(ready...)
	return ready
}

// ComputeInitialUpstreamDoneCounts seeds dependency counters for
// tasks whose upstreams were already DONE when the state was built,
// and enqueues everything runnable.
func (s *SwarmState) ComputeInitialUpstreamDoneCounts() {
	for _, t := range s.tasks {
		t.numUpstreamsDone = 0
		for _, upID := range t.Upstream {
			if up, ok := s.tasks[upID]; !ok || up.Status == fsm.TaskDone {
				// Upstreams missing from a resume build were DONE and
				// filtered server-side.
				t.numUpstreamsDone++
			}
		}
	}
	for _, t := range s.tasks {
		if t.Status == fsm.TaskRegistering && t.UpstreamsDone() {
			s.PushReady(t.ID)
		}
	}
}

// HasPendingWork reports whether any task can still move: something is
// active, ready, or retryable.
func (s *SwarmState) HasPendingWork() bool {
	if len(s.readyToRun) > 0 {
		return true
	}
	for _, t := range s.tasks {
		if !t.Status.Terminal() && t.Status != fsm.TaskRegistering {
			return true
		}
	}
	return false
}

// AllTerminal reports whether every task reached DONE or ERROR_FATAL.
func (s *SwarmState) AllTerminal() bool {
	for _, t := range s.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}
