package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobmon/jobmon/internal/client"
	"github.com/jobmon/jobmon/internal/cluster"
	"github.com/jobmon/jobmon/internal/workernode"
)

func newWorkerCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute one task instance resolved from the environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			// Workers retry through server restarts: losing a finished
			// task to a transient 503 wastes the whole computation.
			api := client.New(cfg.String("client.url", url), log, client.WithTenacious())
			w := workernode.NewWorker(log, api, cluster.EnvWorker{}, workernode.Config{
				HeartbeatInterval:       cfg.Duration("worker.heartbeat_interval", 90*time.Second),
				ReportByBuffer:          cfg.Float("worker.report_by_buffer", 3.1),
				CommandInterruptTimeout: cfg.Duration("worker.command_interrupt_timeout", 10*time.Second),
			})

			exitCode, err := w.Run(cmd.Context())
			if err != nil {
				log.Error("Worker finished with error", "error", err, "exit_code", exitCode)
			}
			log.Sync()
			os.Exit(exitCode)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8070", "state service base URL")
	return cmd
}
