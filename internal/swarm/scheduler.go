package swarm

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jobmon/jobmon/internal/client"
	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
	"github.com/jobmon/jobmon/internal/services"
)

// maxBatchSize mirrors the server's queue_task_batch cap.
const maxBatchSize = 500

// Scheduler drains ready_to_run into queue_task_batch calls under the
// workflow and array concurrency caps.
type Scheduler struct {
	log   *logger.Logger
	api   *client.Client
	state *SwarmState
}

func NewScheduler(baseLog *logger.Logger, api *client.Client, state *SwarmState) *Scheduler {
	return &Scheduler{
		log:   baseLog.With("component", "Scheduler"),
		api:   api,
		state: state,
	}
}

type batchKey struct {
	arrayID int64
	hash    string
}

// Tick greedily batches ready tasks that share (array, resources).
// Tasks refused by an array cap are set aside and returned to the
// front of the queue so arrival order survives. deadline bounds the
// work so heartbeats stay responsive.
func (s *Scheduler) Tick(ctx context.Context, deadline time.Time) error {
	capacity := s.state.MaxConcurrentlyRunning - s.state.ActiveCount()
	if capacity <= 0 {
		return nil
	}
	arrayRoom := map[int64]int{}
	roomFor := func(arrayID int64) int {
		if room, ok := arrayRoom[arrayID]; ok {
			return room
		}
		room := 0
		if arr := s.state.Array(arrayID); arr != nil {
			room = arr.MaxConcurrentlyRunning - s.state.ActiveCountForArray(arrayID)
		}
		arrayRoom[arrayID] = room
		return room
	}

	batches := map[batchKey][]int64{}
	var order []batchKey
	var setAside []int64

	for capacity > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		id, ok := s.state.PopReady()
		if !ok {
			break
		}
		t := s.state.Task(id)
		if t == nil {
			continue
		}
		if roomFor(t.ArrayID) <= 0 {
			setAside = append(setAside, id)
			continue
		}
		key := batchKey{t.ArrayID, s.resourcesHash(t)}
		if _, seen := batches[key]; !seen {
			order = append(order, key)
		}
		batches[key] = append(batches[key], id)
		arrayRoom[t.ArrayID]--
		capacity--
	}

	for _, key := range order {
		ids := batches[key]
		for start := 0; start < len(ids); start += maxBatchSize {
			end := start + maxBatchSize
			if end > len(ids) {
				end = len(ids)
			}
			if err := s.submitBatch(ctx, key, ids[start:end]); err != nil {
				// Put the unsent remainder back so nothing is lost.
				s.state.PushReadyFront(ids[start:])
				s.state.PushReadyFront(setAside)
				return err
			}
		}
	}
	s.state.PushReadyFront(setAside)
	return nil
}

func (s *Scheduler) submitBatch(ctx context.Context, key batchKey, ids []int64) error {
	first := s.state.Task(ids[0])
	resourcesID, err := s.ensureResources(ctx, first, key.hash)
	if err != nil {
		return err
	}
	resp, err := s.api.QueueTaskBatch(ctx, key.arrayID, services.QueueTaskBatchRequest{
		TaskIDs:         ids,
		WorkflowRunID:   s.state.WorkflowRunID,
		ClusterID:       s.state.ClusterID,
		TaskResourcesID: resourcesID,
	})
	if err != nil {
		return err
	}
	update := StateUpdate{TaskStatuses: map[int64]fsm.TaskStatus{}}
	for status, taskIDs := range resp.TasksByStatus {
		for _, id := range taskIDs {
			update.TaskStatuses[id] = status
		}
	}
	s.state.ApplyUpdate(update)

	// Tasks the server refused (still REGISTERING or back in
	// ADJUSTING_RESOURCES) go back to the front.
	var refused []int64
	for _, id := range ids {
		if st, ok := update.TaskStatuses[id]; ok {
			if st == fsm.TaskRegistering || st == fsm.TaskAdjustingResources {
				refused = append(refused, id)
			}
		}
	}
	s.state.PushReadyFront(refused)
	return nil
}

// ensureResources binds the batch's TaskResources once; later batches
// with the same hash hit the cache.
func (s *Scheduler) ensureResources(ctx context.Context, t *SwarmTask, hash string) (int64, error) {
	if id, ok := s.state.CachedResources(hash); ok {
		return id, nil
	}
	raw, err := json.Marshal(t.RequestedResources)
	if err != nil {
		return 0, err
	}
	id, err := s.api.BindResources(ctx, t.QueueID, t.ResourcesTypeID, raw)
	if err != nil {
		return 0, err
	}
	s.state.CacheResources(hash, id)
	return id, nil
}

// resourcesHash matches the server's content address for a resource
// request. Marshaling a map sorts its keys, so the hash is stable.
func (s *Scheduler) resourcesHash(t *SwarmTask) string {
	raw, _ := json.Marshal(t.RequestedResources)
	return domain.HashParts(strconv.FormatInt(t.QueueID, 10), t.ResourcesTypeID, string(raw))
}
