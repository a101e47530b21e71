package swarm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jobmon/jobmon/internal/client"
	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

var (
	// ErrResumeRequested means the server flipped the run to COLD_RESUME
	// or HOT_RESUME; this invocation terminated itself so a new run can
	// take over.
	ErrResumeRequested = errors.New("workflow run set to resume by another process")
	// ErrRunTimedOut means the configured wall-clock budget expired.
	ErrRunTimedOut = errors.New("workflow run exceeded its time budget")
)

type OrchestratorConfig struct {
	// PollInterval is the sleep between ticks.
	PollInterval time.Duration
	// HeartbeatInterval drives run heartbeats; the reported report_by
	// is HeartbeatInterval * ReportByBuffer.
	HeartbeatInterval time.Duration
	ReportByBuffer    float64
	// WedgedSyncInterval forces a full (non-incremental) status sync
	// when the last sync is older than this.
	WedgedSyncInterval time.Duration
	// TriageInterval spaces out server-side triage sweeps.
	TriageInterval time.Duration
	// SchedulerBudget bounds scheduling within one tick so heartbeats
	// stay responsive.
	SchedulerBudget time.Duration
	// PromptTimeout bounds the interrupt stop prompt; an unanswered
	// prompt counts as "keep going".
	PromptTimeout time.Duration
	// Timeout is the total wall-clock budget; zero means unbounded.
	Timeout time.Duration
	// FailFast stops scheduling on the first ERROR_FATAL task.
	FailFast bool
	// Queues supplies resource bounds for fallback-queue walking during
	// resource adjustment, keyed by queue name.
	Queues map[string]QueueInfo
}

func (c *OrchestratorConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReportByBuffer <= 0 {
		c.ReportByBuffer = 3.1
	}
	if c.WedgedSyncInterval <= 0 {
		c.WedgedSyncInterval = 10 * time.Minute
	}
	if c.TriageInterval <= 0 {
		c.TriageInterval = 2 * time.Minute
	}
	if c.SchedulerBudget <= 0 {
		c.SchedulerBudget = 5 * time.Second
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = 60 * time.Second
	}
}

// Orchestrator walks one workflow run to completion: heartbeats, status
// sync, dependency propagation, resource adjustment, triage requests,
// and scheduling, all from a single goroutine.
type Orchestrator struct {
	log       *logger.Logger
	api       *client.Client
	state     *SwarmState
	scheduler *Scheduler
	cfg       OrchestratorConfig

	runStatus     fsm.WorkflowRunStatus
	lastHeartbeat time.Time
	lastTriage    time.Time

	// confirmStop decides whether an interrupt stops the run. Replaced
	// in tests; the default prompts on stdin.
	confirmStop func() bool
	interrupts  chan os.Signal
}

func NewOrchestrator(baseLog *logger.Logger, api *client.Client, state *SwarmState, cfg OrchestratorConfig) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		log:         baseLog.With("component", "Orchestrator", "workflow_run_id", state.WorkflowRunID),
		api:         api,
		state:       state,
		scheduler:   NewScheduler(baseLog, api, state),
		cfg:         cfg,
		runStatus:   fsm.RunBound,
		confirmStop: promptStop,
	}
}

func (o *Orchestrator) reportIncrement() time.Duration {
	return time.Duration(float64(o.cfg.HeartbeatInterval) * o.cfg.ReportByBuffer)
}

// Run drives the tick loop until the workflow completes, fails, is
// stopped, resumed elsewhere, or times out.
func (o *Orchestrator) Run(ctx context.Context) (*OrchestratorResult, error) {
	start := time.Now()
	o.interrupts = make(chan os.Signal, 1)
	signal.Notify(o.interrupts, os.Interrupt)
	defer signal.Stop(o.interrupts)

	var deadline time.Time
	if o.cfg.Timeout > 0 {
		deadline = start.Add(o.cfg.Timeout)
	}

	o.log.Info("Starting orchestrator loop",
		"tasks", o.state.NumTasks(), "ready", len(o.state.ReadyToRun()),
		"previously_complete", o.state.NumPreviouslyComplete)

	for {
		stop, result, err := o.tick(ctx, start)
		if stop {
			return result, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			o.log.Warn("Run timed out", "elapsed", time.Since(start))
			o.finalizeRun(ctx, fsm.RunError)
			return buildResult(o.state, fsm.RunError, time.Since(start)), ErrRunTimedOut
		}
		if stop, result, err := o.sleep(ctx, start); stop {
			return result, err
		}
	}
}

// tick runs one pass of the loop. A true first return means the loop is
// over and result/err are final.
func (o *Orchestrator) tick(ctx context.Context, start time.Time) (bool, *OrchestratorResult, error) {
	// 1. Heartbeat, advancing the run's lifecycle one step at a time.
	if time.Since(o.lastHeartbeat) >= o.cfg.HeartbeatInterval || o.lastHeartbeat.IsZero() {
		status, err := o.api.LogRunHeartbeat(ctx, o.state.WorkflowRunID, nextRunStep(o.runStatus), o.reportIncrement())
		if err != nil {
			return true, buildResult(o.state, o.runStatus, time.Since(start)), err
		}
		o.lastHeartbeat = time.Now()
		o.runStatus = status
		switch status {
		case fsm.RunError, fsm.RunTerminated, fsm.RunStopped:
			o.log.Warn("Server halted the run", "status", status)
			return true, buildResult(o.state, status, time.Since(start)), nil
		case fsm.RunColdResume, fsm.RunHotResume:
			o.log.Info("Resume requested, terminating this run", "status", status)
			o.finalizeRun(ctx, fsm.RunTerminated)
			return true, buildResult(o.state, fsm.RunTerminated, time.Since(start)), ErrResumeRequested
		}
	}

	// 2. Distributor liveness.
	alive, err := o.api.IsAlive(ctx, o.state.WorkflowRunID)
	if err != nil {
		return true, buildResult(o.state, o.runStatus, time.Since(start)), err
	}
	if !alive {
		o.finalizeRun(ctx, fsm.RunError)
		return true, buildResult(o.state, fsm.RunError, time.Since(start)), domain.ErrDistributorNotAlive
	}

	// 3. Status sync: full when wedged, incremental otherwise.
	var since *time.Time
	if !o.state.LastSync.IsZero() && time.Since(o.state.LastSync) <= o.cfg.WedgedSyncInterval {
		since = &o.state.LastSync
	}
	updates, err := o.api.TaskStatusUpdates(ctx, o.state.WorkflowID, since)
	if err != nil {
		return true, buildResult(o.state, o.runStatus, time.Since(start)), err
	}
	update := StateUpdate{TaskStatuses: map[int64]fsm.TaskStatus{}, SyncTime: &updates.Time}
	for status, ids := range updates.TasksByStatus {
		for _, id := range ids {
			update.TaskStatuses[id] = status
		}
	}
	newlyDone, newlyFatal := o.state.ApplyUpdate(update)

	// 4. Propagate completions into the ready queue.
	o.state.PropagateDone(newlyDone)

	// 5. Fail fast.
	if o.cfg.FailFast && len(newlyFatal) > 0 {
		o.log.Error("Task failed fatally, stopping", "task_id", newlyFatal[0])
		o.finalizeRun(ctx, fsm.RunError)
		return true, buildResult(o.state, fsm.RunError, time.Since(start)),
			fmt.Errorf("task %d reached ERROR_FATAL", newlyFatal[0])
	}

	// 6. Adjust resources for retrying tasks, then re-queue them. The
	// server moves them ADJUSTING_RESOURCES -> QUEUED at queue time.
	for _, id := range o.state.IDsByStatus(fsm.TaskAdjustingResources) {
		t := o.state.Task(id)
		if t == nil || t.resourcesAdjusted {
			continue
		}
		AdjustTaskResources(t, o.cfg.Queues, o.log)
		t.resourcesAdjusted = true
		o.state.PushReady(id)
	}

	// 7. Periodic server-side triage sweep.
	if time.Since(o.lastTriage) >= o.cfg.TriageInterval {
		if err := o.api.SetStatusForTriaging(ctx, o.state.WorkflowRunID); err != nil {
			o.log.Warn("Triage request failed", "error", err)
		} else {
			o.lastTriage = time.Now()
		}
	}

	// 8. Schedule ready tasks, bounded so heartbeats stay on time.
	if len(o.state.ReadyToRun()) > 0 {
		if err := o.scheduler.Tick(ctx, time.Now().Add(o.cfg.SchedulerBudget)); err != nil {
			return true, buildResult(o.state, o.runStatus, time.Since(start)), err
		}
	}

	// 9. Termination check.
	if o.state.AllTerminal() {
		final := fsm.RunDone
		if o.state.CountByStatus(fsm.TaskErrorFatal) > 0 {
			final = fsm.RunError
		}
		o.finalizeRun(ctx, final)
		return true, buildResult(o.state, final, time.Since(start)), nil
	}
	if !o.state.HasPendingWork() {
		o.log.Error("Workflow wedged: no pending work but tasks remain unfinished")
		o.finalizeRun(ctx, fsm.RunError)
		return true, buildResult(o.state, fsm.RunError, time.Since(start)), nil
	}
	return false, nil, nil
}

// sleep waits out the poll interval, watching for cancellation and
// operator interrupts.
func (o *Orchestrator) sleep(ctx context.Context, start time.Time) (bool, *OrchestratorResult, error) {
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			o.finalizeRun(context.Background(), fsm.RunStopped)
			return true, buildResult(o.state, fsm.RunStopped, time.Since(start)), ctx.Err()
		case <-o.interrupts:
			if stop, result, err := o.awaitStopDecision(ctx, start); stop {
				return true, result, err
			}
			// Declined or timed out: keep going. The deadline was
			// computed from the original start, so time spent at the
			// prompt still counts against the budget.
		case <-timer.C:
			return false, nil, nil
		}
	}
}

// awaitStopDecision asks the operator whether to stop while keeping run
// heartbeats flowing, so the reaper does not kill the run under an
// unattended prompt. The answer is read on its own goroutine; past
// PromptTimeout the run just continues.
func (o *Orchestrator) awaitStopDecision(ctx context.Context, start time.Time) (bool, *OrchestratorResult, error) {
	answer := make(chan bool, 1)
	go func() { answer <- o.confirmStop() }()

	heartbeats := time.NewTicker(o.cfg.HeartbeatInterval)
	defer heartbeats.Stop()
	deadline := time.NewTimer(o.cfg.PromptTimeout)
	defer deadline.Stop()

	for {
		select {
		case yes := <-answer:
			if !yes {
				return false, nil, nil
			}
			o.log.Info("Operator stopped the run")
			o.finalizeRun(ctx, fsm.RunStopped)
			return true, buildResult(o.state, fsm.RunStopped, time.Since(start)), nil
		case <-heartbeats.C:
			if _, err := o.api.LogRunHeartbeat(ctx, o.state.WorkflowRunID, "", o.reportIncrement()); err != nil {
				o.log.Warn("Heartbeat failed during stop prompt", "error", err)
				continue
			}
			o.lastHeartbeat = time.Now()
		case <-deadline.C:
			o.log.Info("Stop prompt unanswered, continuing the run")
			return false, nil, nil
		case <-ctx.Done():
			o.finalizeRun(context.Background(), fsm.RunStopped)
			return true, buildResult(o.state, fsm.RunStopped, time.Since(start)), ctx.Err()
		}
	}
}

// finalizeRun reports the terminal status and tears down outstanding
// instances. Errors are logged, not returned; the loop is already over.
func (o *Orchestrator) finalizeRun(ctx context.Context, status fsm.WorkflowRunStatus) {
	if _, err := o.api.UpdateRunStatus(ctx, o.state.WorkflowRunID, status); err != nil {
		o.log.Warn("Failed to report final run status", "status", status, "error", err)
	}
	o.runStatus = status
	if status == fsm.RunDone {
		return
	}
	if err := o.api.TerminateTaskInstances(ctx, o.state.WorkflowRunID); err != nil {
		o.log.Warn("Failed to terminate task instances", "error", err)
	}
}

// nextRunStep advances the run lifecycle one valid edge per heartbeat
// until it reaches RUNNING.
func nextRunStep(cur fsm.WorkflowRunStatus) fsm.WorkflowRunStatus {
	switch cur {
	case fsm.RunBound:
		return fsm.RunInstantiated
	case fsm.RunInstantiated:
		return fsm.RunLaunched
	case fsm.RunLaunched:
		return fsm.RunRunning
	}
	return cur
}

func promptStop() bool {
	fmt.Fprint(os.Stderr, "Interrupt received. Stop the workflow run? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "y")
}
