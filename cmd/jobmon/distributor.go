package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobmon/jobmon/internal/client"
	"github.com/jobmon/jobmon/internal/cluster"
	"github.com/jobmon/jobmon/internal/distributor"
)

// workerCommand builds the shell command a submitted job runs to
// become a worker for one (array, batch) pair. The step id comes from
// the cluster plugin's per-step environment.
func workerCommand(executable, url string, arrayID int64, batchNum int) string {
	return fmt.Sprintf("JOBMON_ARRAY_ID=%d JOBMON_ARRAY_BATCH_NUM=%d %s worker --url %s",
		arrayID, batchNum, executable, url)
}

func newDistributorCmd() *cobra.Command {
	var (
		url      string
		runID    int64
		poolSize int
	)
	cmd := &cobra.Command{
		Use:   "distributor",
		Short: "Run the distributor for one workflow run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			if runID == 0 {
				return fmt.Errorf("--workflow-run-id is required")
			}

			api := client.New(cfg.String("client.url", url), log)
			plugin, err := cluster.NewMultiprocess(log, poolSize)
			if err != nil {
				return err
			}

			self, err := os.Executable()
			if err != nil {
				self = os.Args[0]
			}
			serverURL := cfg.String("client.url", url)

			d := distributor.New(log, api, plugin, distributor.Config{
				WorkflowRunID:     runID,
				PollInterval:      cfg.Duration("distributor.poll_interval", 10*time.Second),
				HeartbeatInterval: cfg.Duration("distributor.heartbeat_interval", 30*time.Second),
				WorkerCommand: func(arrayID int64, batchNum int) string {
					return workerCommand(self, serverURL, arrayID, batchNum)
				},
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = d.Run(ctx)
			plugin.Wait()
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8070", "state service base URL")
	cmd.Flags().Int64Var(&runID, "workflow-run-id", 0, "workflow run to distribute for")
	cmd.Flags().IntVar(&poolSize, "pool-size", 4, "local worker pool size")
	return cmd
}
