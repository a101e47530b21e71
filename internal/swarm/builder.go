package swarm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jobmon/jobmon/internal/client"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

// Builder constructs SwarmState either from an in-memory workflow
// definition (fresh run) or from the server (resume).
type Builder struct {
	log *logger.Logger
	api *client.Client
}

func NewBuilder(baseLog *logger.Logger, api *client.Client) *Builder {
	return &Builder{log: baseLog.With("component", "Builder"), api: api}
}

// BuiltWorkflow is the in-memory input for a freshly bound workflow.
type BuiltWorkflow struct {
	WorkflowID             int64
	WorkflowRunID          int64
	ClusterID              int64
	MaxConcurrentlyRunning int
	Arrays                 []*SwarmArray
	Tasks                  []*SwarmTask
}

// BuildFromWorkflow wires a fresh workflow into runnable state:
// buckets, dependency counters, and the initial ready queue.
func (b *Builder) BuildFromWorkflow(bw BuiltWorkflow) *SwarmState {
	state := NewState(bw.WorkflowID, bw.WorkflowRunID, bw.ClusterID, bw.MaxConcurrentlyRunning)
	for _, arr := range bw.Arrays {
		state.AddArray(arr)
	}
	for _, t := range bw.Tasks {
		state.AddTask(t)
		if t.Status == fsm.TaskDone {
			state.NumPreviouslyComplete++
		}
	}
	state.ComputeInitialUpstreamDoneCounts()
	return state
}

// resumeChunkSize matches the server's default page size.
const resumeChunkSize = 500

// BuildFromWorkflowID is the resume path: page the workflow's
// unfinished tasks from the server, heartbeating while paging so the
// reaper does not kill the run. The page feed filters DONE tasks
// server-side; the count of tasks finished by earlier runs comes from
// a full status snapshot.
func (b *Builder) BuildFromWorkflowID(ctx context.Context, workflowID, workflowRunID, clusterID int64, heartbeatInterval time.Duration) (*SwarmState, error) {
	maxRunning, err := b.api.GetMaxConcurrentlyRunning(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	state := NewState(workflowID, workflowRunID, clusterID, maxRunning)

	snapshot, err := b.api.TaskStatusUpdates(ctx, workflowID, nil)
	if err != nil {
		return nil, err
	}
	state.NumPreviouslyComplete = len(snapshot.TasksByStatus[fsm.TaskDone])

	lastHeartbeat := time.Now()
	var maxTaskID int64
	for {
		page, err := b.api.GetTasks(ctx, workflowID, maxTaskID, resumeChunkSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, entry := range page {
			t := &SwarmTask{
				ID:              entry.TaskID,
				ArrayID:         entry.ArrayID,
				Status:          entry.Status,
				MaxAttempts:     entry.MaxAttempts,
				NumAttempts:     entry.NumAttempts,
				Upstream:        entry.UpstreamTaskIDs,
				Downstream:      entry.DownstreamTaskIDs,
				QueueID:         entry.QueueID,
				QueueName:       entry.QueueName,
				ClusterName:     entry.ClusterName,
				ResourcesTypeID: entry.TaskResourcesTypeID,
			}
			if err := decodeResources(entry.RequestedResources, &t.RequestedResources); err != nil {
				return nil, err
			}
			if err := decodeScales(entry.ResourceScales, &t.ResourceScales); err != nil {
				return nil, err
			}
			if len(entry.FallbackQueues) > 0 {
				if err := json.Unmarshal(entry.FallbackQueues, &t.FallbackQueues); err != nil {
					return nil, err
				}
			}
			state.AddTask(t)
			if state.Array(entry.ArrayID) == nil {
				state.AddArray(&SwarmArray{
					ID:                     entry.ArrayID,
					MaxConcurrentlyRunning: entry.MaxConcurrentlyRunning,
				})
			}
			if entry.TaskID > maxTaskID {
				maxTaskID = entry.TaskID
			}
		}
		if time.Since(lastHeartbeat) >= heartbeatInterval {
			if _, err := b.api.LogRunHeartbeat(ctx, workflowRunID, "", heartbeatInterval*3); err != nil {
				return nil, err
			}
			lastHeartbeat = time.Now()
		}
	}

	// The page feed resolves edges to task ids but excludes DONE rows,
	// so upstreams missing from the set count as complete.
	state.ComputeInitialUpstreamDoneCounts()
	b.log.Info("Built swarm state from server",
		"workflow_id", workflowID, "tasks", state.NumTasks(),
		"previously_complete", state.NumPreviouslyComplete)
	return state, nil
}

func decodeResources(raw json.RawMessage, out *map[string]float64) error {
	*out = map[string]float64{}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func decodeScales(raw json.RawMessage, out *map[string]ResourceScale) error {
	*out = map[string]ResourceScale{}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var numbers map[string]float64
	if err := json.Unmarshal(raw, &numbers); err != nil {
		return err
	}
	for name, factor := range numbers {
		(*out)[name] = ScaleNumber(factor)
	}
	return nil
}
