package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jobmon/jobmon/internal/config"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

// jobmonVersion is reported to the state service when a run is created.
const jobmonVersion = "0.1.0"

var (
	flagConfig  string
	flagLogMode string
)

func main() {
	root := &cobra.Command{
		Use:           "jobmon",
		Short:         "Distributed workflow orchestration for batch computing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&flagLogMode, "log-mode", "dev", "logger mode: dev, prod, or test")

	root.AddCommand(newServerCmd())
	root.AddCommand(newDistributorCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jobmon:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the base logger shared by every
// subcommand.
func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(flagConfig, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.String("log.mode", flagLogMode))
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}
