package swarm

import (
	"math"

	"github.com/jobmon/jobmon/internal/platform/logger"
)

// ResourceScale is a tagged variant: exactly one of Number, Callable,
// or Iterator is set. Numbers scale the old value, callables map it,
// iterators yield successive replacement values.
type ResourceScale struct {
	Number   *float64
	Callable func(old float64) float64
	Iterator *ScaleIterator
}

func ScaleNumber(factor float64) ResourceScale {
	return ResourceScale{Number: &factor}
}

func ScaleFunc(f func(old float64) float64) ResourceScale {
	return ResourceScale{Callable: f}
}

func ScaleValues(values ...float64) ResourceScale {
	return ResourceScale{Iterator: &ScaleIterator{values: values}}
}

// ScaleIterator yields each value once; exhaustion keeps the old value.
type ScaleIterator struct {
	values []float64
	next   int
}

func (it *ScaleIterator) Next() (float64, bool) {
	if it.next >= len(it.values) {
		return 0, false
	}
	v := it.values[it.next]
	it.next++
	return v, true
}

// Apply computes the scaled resource value. Numeric scales always
// round up so a request of 1 scaled by 0.2 becomes 2, never 1.
func (s ResourceScale) Apply(old float64, resource string, log *logger.Logger) float64 {
	switch {
	case s.Number != nil:
		return math.Ceil(old * (1 + *s.Number))
	case s.Callable != nil:
		return s.Callable(old)
	case s.Iterator != nil:
		v, ok := s.Iterator.Next()
		if !ok {
			log.Warn("Resource scale iterator exhausted, keeping prior value",
				"resource", resource, "value", old)
			return old
		}
		return v
	}
	return old
}

// QueueInfo is the swarm's view of one cluster queue's resource bounds.
type QueueInfo struct {
	ID           int64
	Name         string
	MinResources map[string]float64
	MaxResources map[string]float64
}

// Accepts reports whether every requested resource fits the queue's
// bounds. Resources the queue does not bound always fit.
func (q QueueInfo) Accepts(resources map[string]float64) bool {
	for name, v := range resources {
		if min, ok := q.MinResources[name]; ok && v < min {
			return false
		}
		if max, ok := q.MaxResources[name]; ok && v > max {
			return false
		}
	}
	return true
}

// Coerce clamps each resource into the queue's bounds.
func (q QueueInfo) Coerce(resources map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(resources))
	for name, v := range resources {
		if min, ok := q.MinResources[name]; ok && v < min {
			v = min
		}
		if max, ok := q.MaxResources[name]; ok && v > max {
			v = max
		}
		out[name] = v
	}
	return out
}

// AdjustTaskResources applies a task's resource scales after a
// recoverable failure and picks the queue the retry will use: the
// current queue if the scaled request still fits, else the first
// fallback that accepts it, else the last fallback with the request
// clamped into its bounds.
func AdjustTaskResources(t *SwarmTask, queues map[string]QueueInfo, log *logger.Logger) {
	scaled := make(map[string]float64, len(t.RequestedResources))
	for name, old := range t.RequestedResources {
		if scale, ok := t.ResourceScales[name]; ok {
			scaled[name] = scale.Apply(old, name, log)
		} else {
			scaled[name] = old
		}
	}

	current, ok := queues[t.QueueName]
	if ok && current.Accepts(scaled) {
		t.RequestedResources = scaled
		return
	}
	var last *QueueInfo
	for _, name := range t.FallbackQueues {
		q, ok := queues[name]
		if !ok {
			continue
		}
		fallback := q
		last = &fallback
		if q.Accepts(scaled) {
			t.QueueID = q.ID
			t.QueueName = q.Name
			t.RequestedResources = scaled
			return
		}
	}
	if last != nil {
		log.Warn("No queue accepts scaled resources, coercing to last fallback",
			"task_id", t.ID, "queue", last.Name)
		t.QueueID = last.ID
		t.QueueName = last.Name
		t.RequestedResources = last.Coerce(scaled)
		return
	}
	if ok {
		log.Warn("Scaled resources exceed queue bounds, coercing",
			"task_id", t.ID, "queue", current.Name)
		t.RequestedResources = current.Coerce(scaled)
		return
	}
	t.RequestedResources = scaled
}
