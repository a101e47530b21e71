package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jobmon/jobmon/internal/repos/testutil"
)

func TestResourceScaleNumberRoundsUp(t *testing.T) {
	log := testutil.Logger(t)

	assert.Equal(t, 2.0, ScaleNumber(0.2).Apply(1, "cores", log))
	assert.Equal(t, 6.0, ScaleNumber(0.5).Apply(4, "cores", log))
	assert.Equal(t, 12.0, ScaleNumber(0.5).Apply(8, "memory", log))
}

func TestResourceScaleCallable(t *testing.T) {
	log := testutil.Logger(t)
	double := ScaleFunc(func(old float64) float64 { return old * 2 })

	assert.Equal(t, 8.0, double.Apply(4, "memory", log))
}

func TestResourceScaleIteratorExhaustionKeepsOldValue(t *testing.T) {
	log := testutil.Logger(t)
	scale := ScaleValues(10, 20)

	assert.Equal(t, 10.0, scale.Apply(1, "memory", log))
	assert.Equal(t, 20.0, scale.Apply(10, "memory", log))
	assert.Equal(t, 20.0, scale.Apply(20, "memory", log), "exhausted iterator keeps prior value")
}

func TestQueueAcceptsAndCoerce(t *testing.T) {
	q := QueueInfo{
		ID:           1,
		Name:         "normal",
		MinResources: map[string]float64{"cores": 1},
		MaxResources: map[string]float64{"cores": 16, "memory": 64},
	}

	assert.True(t, q.Accepts(map[string]float64{"cores": 4, "memory": 32}))
	assert.True(t, q.Accepts(map[string]float64{"runtime": 9999}), "unbounded resources always fit")
	assert.False(t, q.Accepts(map[string]float64{"cores": 32}))
	assert.False(t, q.Accepts(map[string]float64{"cores": 0.5}))

	assert.Equal(t,
		map[string]float64{"cores": 16, "memory": 8, "runtime": 100},
		q.Coerce(map[string]float64{"cores": 32, "memory": 8, "runtime": 100}))
}

func adjustableTask() *SwarmTask {
	return &SwarmTask{
		ID:                 1,
		QueueID:            1,
		QueueName:          "normal",
		RequestedResources: map[string]float64{"memory": 40},
		ResourceScales:     map[string]ResourceScale{"memory": ScaleNumber(1.0)},
		FallbackQueues:     []string{"big", "huge"},
	}
}

func testQueues() map[string]QueueInfo {
	return map[string]QueueInfo{
		"normal": {ID: 1, Name: "normal", MaxResources: map[string]float64{"memory": 64}},
		"big":    {ID: 2, Name: "big", MaxResources: map[string]float64{"memory": 128}},
		"huge":   {ID: 3, Name: "huge", MaxResources: map[string]float64{"memory": 256}},
	}
}

func TestAdjustKeepsCurrentQueueWhenScaledFits(t *testing.T) {
	task := adjustableTask()
	task.RequestedResources = map[string]float64{"memory": 20}

	AdjustTaskResources(task, testQueues(), testutil.Logger(t))

	assert.Equal(t, "normal", task.QueueName)
	assert.Equal(t, 40.0, task.RequestedResources["memory"])
}

func TestAdjustWalksFallbackQueues(t *testing.T) {
	task := adjustableTask()

	// 40 * 2 = 80: too big for normal (64), fits big (128).
	AdjustTaskResources(task, testQueues(), testutil.Logger(t))

	assert.Equal(t, "big", task.QueueName)
	assert.Equal(t, int64(2), task.QueueID)
	assert.Equal(t, 80.0, task.RequestedResources["memory"])
}

func TestAdjustCoercesIntoLastFallback(t *testing.T) {
	task := adjustableTask()
	task.RequestedResources = map[string]float64{"memory": 300}

	// 300 * 2 = 600 exceeds every queue; clamp into huge (256).
	AdjustTaskResources(task, testQueues(), testutil.Logger(t))

	assert.Equal(t, "huge", task.QueueName)
	assert.Equal(t, 256.0, task.RequestedResources["memory"])
}

func TestAdjustCoercesIntoCurrentQueueWithoutFallbacks(t *testing.T) {
	task := adjustableTask()
	task.FallbackQueues = nil
	task.RequestedResources = map[string]float64{"memory": 60}

	// 60 * 2 = 120 exceeds normal (64) and there is nowhere else to go.
	AdjustTaskResources(task, testQueues(), testutil.Logger(t))

	assert.Equal(t, "normal", task.QueueName)
	assert.Equal(t, 64.0, task.RequestedResources["memory"])
}
