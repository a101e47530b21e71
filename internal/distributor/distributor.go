package distributor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jobmon/jobmon/internal/client"
	"github.com/jobmon/jobmon/internal/cluster"
	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/observability"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

// Config tunes the distributor's loop cadence.
type Config struct {
	// WorkflowRunID binds the distributor to one run.
	WorkflowRunID int64
	// PollInterval spaces ticks.
	PollInterval time.Duration
	// HeartbeatInterval spaces distributor heartbeats.
	HeartbeatInterval time.Duration
	// ReportByBuffer multiplies the heartbeat interval into the
	// deadline granted per heartbeat.
	ReportByBuffer float64
	// WorkerCommand builds the command line a remote job runs to
	// become a worker for one (array, batch) pair.
	WorkerCommand func(arrayID int64, batchNum int) string
}

// Distributor pumps QUEUED task instances into the cluster, reconciles
// lost jobs, adjudicates TRIAGING instances, and terminates KILL_SELF
// instances. Single-threaded: one tick does each phase in order.
type Distributor struct {
	log    *logger.Logger
	api    *client.Client
	plugin cluster.DistributorPlugin
	cfg    Config

	distributorInstanceID int64
	lastHeartbeat         time.Time
}

func New(baseLog *logger.Logger, api *client.Client, plugin cluster.DistributorPlugin, cfg Config) *Distributor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReportByBuffer <= 0 {
		cfg.ReportByBuffer = 3.1
	}
	return &Distributor{
		log:    baseLog.With("component", "Distributor", "workflow_run_id", cfg.WorkflowRunID),
		api:    api,
		plugin: plugin,
		cfg:    cfg,
	}
}

func (d *Distributor) reportIncrement() time.Duration {
	return time.Duration(float64(d.cfg.HeartbeatInterval) * d.cfg.ReportByBuffer)
}

// Run registers the distributor and loops until the context dies.
func (d *Distributor) Run(ctx context.Context) error {
	id, err := d.api.RegisterDistributor(ctx, d.cfg.WorkflowRunID, d.reportIncrement())
	if err != nil {
		return fmt.Errorf("register distributor: %w", err)
	}
	d.distributorInstanceID = id
	d.lastHeartbeat = time.Now()
	d.log.Info("Distributor registered", "distributor_instance_id", id)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return d.interrupted(ctx)
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return d.interrupted(ctx)
				}
				d.log.Error("Distributor tick failed", "error", err)
			}
		}
	}
}

// interrupted maps a context death to the typed error the swarm and the
// CLI distinguish from ordinary tick failures.
func (d *Distributor) interrupted(ctx context.Context) error {
	d.log.Info("Distributor interrupted", "cause", ctx.Err())
	return fmt.Errorf("%w: %v", domain.ErrDistributorInterrupt, ctx.Err())
}

// Tick runs one full pass of every distributor duty.
func (d *Distributor) Tick(ctx context.Context) error {
	if time.Since(d.lastHeartbeat) >= d.cfg.HeartbeatInterval {
		if err := d.api.LogDistributorHeartbeat(ctx, d.distributorInstanceID, d.reportIncrement()); err != nil {
			return err
		}
		d.lastHeartbeat = time.Now()
	}
	if err := d.pump(ctx); err != nil {
		return err
	}
	if err := d.reconcile(ctx); err != nil {
		return err
	}
	if err := d.adjudicateTriaging(ctx); err != nil {
		return err
	}
	return d.terminateKillSelf(ctx)
}

// pump submits QUEUED instances: instantiate them, group by (array,
// batch), submit each group as one array job, and record the returned
// distributor ids.
func (d *Distributor) pump(ctx context.Context) error {
	queued, err := d.api.GetTaskInstances(ctx, d.cfg.WorkflowRunID,
		[]fsm.TaskInstanceStatus{fsm.InstanceQueued})
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(queued))
	for _, row := range queued {
		ids = append(ids, row.TaskInstanceID)
	}
	instantiated, skipped, err := d.api.InstantiateTaskInstances(ctx, ids)
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		d.log.Debug("Skipped instances during instantiation", "count", len(skipped))
	}
	picked := map[int64]bool{}
	for _, id := range instantiated {
		picked[id] = true
	}

	type batchKey struct {
		arrayID  int64
		batchNum int
	}
	batches := map[batchKey][]client.TaskInstanceRow{}
	for _, row := range queued {
		if !picked[row.TaskInstanceID] {
			continue
		}
		key := batchKey{row.ArrayID, row.ArrayBatchNum}
		batches[key] = append(batches[key], row)
	}

	for key, rows := range batches {
		sort.Slice(rows, func(i, j int) bool { return rows[i].ArrayStepID < rows[j].ArrayStepID })
		name := fmt.Sprintf("array-%d-batch-%d", key.arrayID, key.batchNum)
		command := d.cfg.WorkerCommand(key.arrayID, key.batchNum)

		stepIDs, err := d.plugin.SubmitArray(ctx, command, name, nil, len(rows))
		if err != nil {
			for _, row := range rows {
				if lerr := d.api.LogNoDistributorID(ctx, row.TaskInstanceID, err.Error()); lerr != nil {
					return lerr
				}
			}
			continue
		}
		for i, row := range rows {
			distID, ok := stepIDs[i]
			if !ok {
				if lerr := d.api.LogNoDistributorID(ctx, row.TaskInstanceID,
					fmt.Sprintf("no distributor id for step %d", i)); lerr != nil {
					return lerr
				}
				continue
			}
			if err := d.api.LogTaskInstanceDistributorID(ctx, row.TaskInstanceID, distID, d.reportIncrement()); err != nil {
				return err
			}
		}
		observability.SubmittedBatches.Inc()
		observability.SubmittedInstances.Add(float64(len(rows)))
	}
	return nil
}

// reconcile intersects LAUNCHED/RUNNING instances with the plugin's
// live set. Jobs the scheduler no longer knows get their exit info
// fetched and reported; jobs with no exit info yet are left for the
// triage sweep.
func (d *Distributor) reconcile(ctx context.Context) error {
	rows, err := d.api.GetTaskInstances(ctx, d.cfg.WorkflowRunID,
		[]fsm.TaskInstanceStatus{fsm.InstanceLaunched, fsm.InstanceRunning})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.DistributorID != nil {
			ids = append(ids, *row.DistributorID)
		}
	}
	active, err := d.plugin.ActiveIDs(ctx, ids)
	if err != nil {
		return err
	}

	queueErrs, err := d.plugin.QueueingErrors(ctx, ids)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.DistributorID == nil || active[*row.DistributorID] {
			continue
		}
		if msg, ok := queueErrs[*row.DistributorID]; ok {
			if err := d.api.LogTaskInstanceError(ctx, row.TaskInstanceID,
				fsm.InstanceUnknownError, "queueing error: "+msg, "", nil); err != nil {
				return err
			}
			observability.ReconcileLost.Inc()
			continue
		}
		if err := d.reportExit(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// adjudicateTriaging resolves instances the server flagged TRIAGING by
// asking the scheduler what became of them.
func (d *Distributor) adjudicateTriaging(ctx context.Context) error {
	rows, err := d.api.GetTaskInstances(ctx, d.cfg.WorkflowRunID,
		[]fsm.TaskInstanceStatus{fsm.InstanceTriaging})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.DistributorID == nil {
			continue
		}
		if err := d.reportExit(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) reportExit(ctx context.Context, row client.TaskInstanceRow) error {
	info, err := d.plugin.RemoteExitInfo(ctx, *row.DistributorID)
	if err != nil {
		// Not available yet; the triage route will flip it later.
		d.log.Debug("Remote exit info not available",
			"task_instance_id", row.TaskInstanceID, "distributor_id", *row.DistributorID)
		return nil
	}
	observability.ReconcileLost.Inc()
	if info.Kind == cluster.ExitOK {
		return d.api.LogDone(ctx, row.TaskInstanceID, nil)
	}
	return d.api.LogTaskInstanceError(ctx, row.TaskInstanceID,
		info.Kind.InstanceStatus(), info.Message, "", nil)
}

// terminateKillSelf tells the scheduler to cancel jobs whose instances
// were flagged KILL_SELF by a resume or shutdown.
func (d *Distributor) terminateKillSelf(ctx context.Context) error {
	rows, err := d.api.GetTaskInstances(ctx, d.cfg.WorkflowRunID,
		[]fsm.TaskInstanceStatus{fsm.InstanceKillSelf})
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.DistributorID != nil {
			ids = append(ids, *row.DistributorID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return d.plugin.Terminate(ctx, ids)
}
