package main

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jobmon/jobmon/internal/client"
	"github.com/jobmon/jobmon/internal/cluster"
	"github.com/jobmon/jobmon/internal/distributor"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/swarm"
)

// newRunCmd resumes a bound workflow: it creates a new workflow run,
// rebuilds swarm state from the server, and drives the orchestrator
// loop. With --local a multiprocess distributor runs in-process so a
// single command executes the whole workflow on one host.
func newRunCmd() *cobra.Command {
	var (
		url        string
		workflowID int64
		clusterID  int64
		timeout    time.Duration
		failFast   bool
		local      bool
		poolSize   int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a workflow run and orchestrate it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			if workflowID == 0 {
				return fmt.Errorf("--workflow-id is required")
			}

			serverURL := cfg.String("client.url", url)
			api := client.New(serverURL, log)

			heartbeat := cfg.Duration("swarm.heartbeat_interval", 30*time.Second)
			buffer := cfg.Float("swarm.report_by_buffer", 3.1)

			username := "unknown"
			if u, err := user.Current(); err == nil {
				username = u.Username
			}
			created, err := api.CreateWorkflowRun(cmd.Context(), workflowID, username, jobmonVersion,
				time.Duration(float64(heartbeat)*buffer))
			if err != nil {
				return err
			}
			log.Info("Created workflow run", "workflow_run_id", created.WorkflowRunID)

			builder := swarm.NewBuilder(log, api)
			state, err := builder.BuildFromWorkflowID(cmd.Context(), workflowID, created.WorkflowRunID, clusterID, heartbeat)
			if err != nil {
				return err
			}

			orch := swarm.NewOrchestrator(log, api, state, swarm.OrchestratorConfig{
				PollInterval:      cfg.Duration("swarm.poll_interval", 10*time.Second),
				HeartbeatInterval: heartbeat,
				ReportByBuffer:    buffer,
				Timeout:           timeout,
				FailFast:          failFast,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			group, groupCtx := errgroup.WithContext(ctx)
			var plugin *cluster.Multiprocess
			if local {
				plugin, err = cluster.NewMultiprocess(log, poolSize)
				if err != nil {
					return err
				}
				self, err := os.Executable()
				if err != nil {
					self = os.Args[0]
				}
				d := distributor.New(log, api, plugin, distributor.Config{
					WorkflowRunID:     created.WorkflowRunID,
					PollInterval:      cfg.Duration("distributor.poll_interval", 10*time.Second),
					HeartbeatInterval: cfg.Duration("distributor.heartbeat_interval", 30*time.Second),
					WorkerCommand: func(arrayID int64, batchNum int) string {
						return workerCommand(self, serverURL, arrayID, batchNum)
					},
				})
				group.Go(func() error {
					// A cancelled context here is the orchestrator
					// finishing, not a distributor failure.
					if err := d.Run(groupCtx); err != nil && groupCtx.Err() == nil {
						return err
					}
					return nil
				})
			}

			var result *swarm.OrchestratorResult
			group.Go(func() error {
				defer stop() // orchestrator exit also stops the local distributor
				var runErr error
				result, runErr = orch.Run(groupCtx)
				return runErr
			})
			err = group.Wait()
			if plugin != nil {
				plugin.Wait()
			}
			if result != nil {
				fmt.Printf("workflow run %d finished %s: %d/%d tasks done (%d previously complete, %d fatal) in %s\n",
					created.WorkflowRunID, result.Status, result.NumDone, result.TotalTasks,
					result.NumPreviouslyComplete, result.NumFatal, result.Elapsed.Round(time.Second))
			}
			if err != nil {
				return err
			}
			if result != nil && result.Status != fsm.RunDone {
				return fmt.Errorf("workflow run finished %s", result.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8070", "state service base URL")
	cmd.Flags().Int64Var(&workflowID, "workflow-id", 0, "workflow to run")
	cmd.Flags().Int64Var(&clusterID, "cluster-id", 0, "cluster to submit to")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "wall-clock budget; zero means unbounded")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop scheduling on the first fatal task")
	cmd.Flags().BoolVar(&local, "local", false, "run a multiprocess distributor in-process")
	cmd.Flags().IntVar(&poolSize, "pool-size", 4, "local worker pool size (with --local)")
	return cmd
}
