package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobmon/jobmon/internal/db"
	"github.com/jobmon/jobmon/internal/handlers"
	"github.com/jobmon/jobmon/internal/repos"
	"github.com/jobmon/jobmon/internal/server"
	"github.com/jobmon/jobmon/internal/services"
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the state service: FSM API plus the reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			database, err := db.New(cfg, log)
			if err != nil {
				return err
			}
			if err := database.AutoMigrateAll(); err != nil {
				return err
			}
			gdb := database.DB()

			workflowRepo := repos.NewWorkflowRepo(gdb, log)
			runRepo := repos.NewWorkflowRunRepo(gdb, log)
			dagRepo := repos.NewDagRepo(gdb, log)
			taskRepo := repos.NewTaskRepo(gdb, log)
			instanceRepo := repos.NewTaskInstanceRepo(gdb, log)
			arrayRepo := repos.NewArrayRepo(gdb, log)
			resourcesRepo := repos.NewTaskResourcesRepo(gdb, log)
			clusterRepo := repos.NewClusterRepo(gdb, log)
			auditRepo := repos.NewAuditRepo(gdb, log)
			errorRepo := repos.NewErrorLogRepo(gdb, log)
			distributorRepo := repos.NewDistributorRepo(gdb, log)

			txn := services.NewTxRunner(gdb, log)
			transitions := services.NewTransitionService(log, workflowRepo, runRepo, taskRepo, instanceRepo, auditRepo, errorRepo)
			workflows := services.NewWorkflowService(log, workflowRepo, runRepo, dagRepo, taskRepo, arrayRepo, resourcesRepo, clusterRepo, errorRepo)
			runs := services.NewRunService(log, workflowRepo, runRepo, instanceRepo, distributorRepo, transitions)
			queue := services.NewQueueService(log, workflowRepo, arrayRepo, taskRepo, instanceRepo, transitions)
			instances := services.NewInstanceService(log, instanceRepo, taskRepo, transitions)
			resume := services.NewResumeService(log, workflowRepo, runRepo, instanceRepo, transitions)
			triage := services.NewTriageService(log, instanceRepo, transitions,
				cfg.Duration("triage.heartbeat_interval", 90*time.Second))
			reaper := services.NewReaper(log, txn, workflowRepo, runRepo, taskRepo, instanceRepo, transitions,
				services.ReaperConfig{
					PollInterval: cfg.Duration("reaper.poll_interval", 60*time.Second),
					BatchSize:    cfg.Int("reaper.batch_size", 100),
					ScanPageSize: cfg.Int("reaper.scan_page_size", 100),
				})

			router := server.NewRouter(server.RouterConfig{
				WorkflowHandler: handlers.NewWorkflowHandler(txn, workflows, resume),
				RunHandler:      handlers.NewRunHandler(txn, runs, queue, triage),
				InstanceHandler: handlers.NewInstanceHandler(txn, instances),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go reaper.Run(ctx)

			srv := &http.Server{
				Addr:    cfg.String("server.addr", ":8070"),
				Handler: router,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("State service listening", "addr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("Shutting down state service")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
