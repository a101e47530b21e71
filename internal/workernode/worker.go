package workernode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/jobmon/jobmon/internal/client"
	"github.com/jobmon/jobmon/internal/cluster"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
	"github.com/jobmon/jobmon/internal/services"
)

// stderrTailBytes matches the server-side cap for stored stderr logs.
const stderrTailBytes = 10000

type Config struct {
	// HeartbeatInterval spaces out log_report_by calls; the reported
	// deadline is HeartbeatInterval * ReportByBuffer.
	HeartbeatInterval time.Duration
	ReportByBuffer    float64
	// CommandInterruptTimeout is how long a SIGTERM'd command gets
	// before SIGKILL.
	CommandInterruptTimeout time.Duration
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 90 * time.Second
	}
	if c.ReportByBuffer <= 0 {
		c.ReportByBuffer = 3.1
	}
	if c.CommandInterruptTimeout <= 0 {
		c.CommandInterruptTimeout = 10 * time.Second
	}
}

// Worker executes one task instance: resolve identity, announce
// RUNNING, spawn the command, heartbeat until exit, report the verdict.
type Worker struct {
	log    *logger.Logger
	api    *client.Client
	plugin cluster.WorkerPlugin
	cfg    Config
}

func NewWorker(baseLog *logger.Logger, api *client.Client, plugin cluster.WorkerPlugin, cfg Config) *Worker {
	cfg.defaults()
	return &Worker{
		log:    baseLog.With("component", "Worker"),
		api:    api,
		plugin: plugin,
		cfg:    cfg,
	}
}

func (w *Worker) reportIncrement() time.Duration {
	return time.Duration(float64(w.cfg.HeartbeatInterval) * w.cfg.ReportByBuffer)
}

// Run drives the whole instance lifecycle and returns the command's
// exit code (zero for success, nonzero otherwise).
func (w *Worker) Run(ctx context.Context) (int, error) {
	instanceID, err := w.resolveIdentity(ctx)
	if err != nil {
		return 1, err
	}
	log := w.log.With("task_instance_id", instanceID)

	details, err := w.api.TaskInstanceDetails(ctx, instanceID)
	if err != nil {
		return 1, err
	}

	hostname, _ := os.Hostname()
	resp, err := w.api.LogRunning(ctx, instanceID, os.Getpid(), hostname, w.reportIncrement())
	if err != nil {
		return 1, err
	}
	if resp.KillSelf {
		log.Info("Instance flagged KILL_SELF before start, exiting")
		return 0, nil
	}

	cmd, stdoutFile, stderrFile, err := w.spawn(details)
	if err != nil {
		_ = w.api.LogTaskInstanceError(ctx, instanceID, fsm.InstanceError,
			fmt.Sprintf("failed to start command: %v", err), "", nil)
		return 1, err
	}
	log.Info("Command started", "pid", cmd.Process.Pid)

	interrupted, waitErr := w.superviseUntilExit(ctx, instanceID, cmd, log)

	if stdoutFile != nil {
		_ = stdoutFile.Close()
	}
	stderrTail := readTail(stderrFile, stderrTailBytes)
	usage := usageFromCmd(cmd)

	if interrupted {
		// The instance sits in KILL_SELF; its only exit is ERROR_FATAL.
		message := "command terminated on KILL_SELF"
		if waitErr != nil {
			message = fmt.Sprintf("command terminated on KILL_SELF: %v", waitErr)
		}
		if err := w.api.LogTaskInstanceError(ctx, instanceID, fsm.InstanceErrorFatal, message, stderrTail, usage); err != nil {
			log.Warn("Failed to report error", "error", err)
		}
		return exitCodeOf(waitErr), waitErr
	}

	if waitErr == nil {
		if err := w.api.LogDone(ctx, instanceID, usage); err != nil {
			log.Warn("Failed to report DONE", "error", err)
		}
		return 0, nil
	}

	errorState := fsm.InstanceError
	message := waitErr.Error()
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGKILL {
			// SIGKILL without a local interrupt usually means the kernel
			// OOM killer.
			errorState = fsm.InstanceResourceError
			message = "command killed by SIGKILL, likely out of memory"
		}
	}
	if err := w.api.LogTaskInstanceError(ctx, instanceID, errorState, message, stderrTail, usage); err != nil {
		log.Warn("Failed to report error", "error", err)
	}
	return exitCodeOf(waitErr), waitErr
}

// exitCodeOf maps a wait error to the worker's own exit code.
func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return 1
}

func (w *Worker) resolveIdentity(ctx context.Context) (int64, error) {
	if arrayID, batchNum, stepID, ok := w.plugin.ArrayCoordinates(); ok {
		instanceID, _, err := w.api.GetArrayTaskInstanceID(ctx, arrayID, batchNum, stepID)
		return instanceID, err
	}
	if id, ok := w.plugin.TaskInstanceID(); ok {
		return id, nil
	}
	return 0, errors.New("cannot resolve task instance identity from environment")
}

// spawn starts the command in its own process group so termination can
// reach grandchildren, with output redirected to the plugin's paths.
func (w *Worker) spawn(details *services.InstanceDetails) (*exec.Cmd, *os.File, *os.File, error) {
	cmd := exec.Command("/bin/sh", "-c", details.Command)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("JOBMON_WORKFLOW_ID=%d", details.WorkflowID),
		fmt.Sprintf("JOBMON_TASK_ID=%d", details.TaskID),
		fmt.Sprintf("JOBMON_TASK_INSTANCE_ID=%d", details.TaskInstanceID),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdoutFile *os.File
	if path := w.plugin.StdoutPath(); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, err
		}
		stdoutFile = f
		cmd.Stdout = f
	} else {
		cmd.Stdout = os.Stdout
	}

	var stderrFile *os.File
	path := w.plugin.StderrPath()
	if path == "" {
		f, err := os.CreateTemp("", "jobmon-stderr-*")
		if err != nil {
			return nil, nil, nil, err
		}
		path = f.Name()
		stderrFile = f
	} else {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, err
		}
		stderrFile = f
	}
	cmd.Stderr = stderrFile

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return cmd, stdoutFile, stderrFile, nil
}

// superviseUntilExit interleaves heartbeats with waiting on the child.
// A KILL_SELF reply escalates SIGTERM then SIGKILL after the interrupt
// timeout; interrupted reports whether that happened, because the exit
// must then be reported as ERROR_FATAL no matter how the child died.
func (w *Worker) superviseUntilExit(ctx context.Context, instanceID int64, cmd *exec.Cmd, log *logger.Logger) (interrupted bool, waitErr error) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var killTimer <-chan time.Time
	for {
		select {
		case err := <-done:
			return interrupted, err
		case <-ctx.Done():
			w.terminate(cmd, log)
			return interrupted, <-done
		case <-killTimer:
			log.Warn("Command ignored SIGTERM, sending SIGKILL")
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-ticker.C:
			status, err := w.api.LogReportBy(ctx, instanceID, w.reportIncrement())
			if err != nil {
				log.Warn("Heartbeat failed", "error", err)
				continue
			}
			if status == fsm.InstanceKillSelf && !interrupted {
				log.Info("Instance flagged KILL_SELF, interrupting command")
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
				killTimer = time.After(w.cfg.CommandInterruptTimeout)
				interrupted = true
			}
		}
	}
}

func (w *Worker) terminate(cmd *exec.Cmd, log *logger.Logger) {
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	time.Sleep(w.cfg.CommandInterruptTimeout)
	if cmd.ProcessState == nil {
		log.Warn("Command ignored SIGTERM, sending SIGKILL")
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// usageFromCmd extracts rusage from the finished child.
func usageFromCmd(cmd *exec.Cmd) *services.UsageStats {
	if cmd.ProcessState == nil {
		return nil
	}
	rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok {
		return nil
	}
	return &services.UsageStats{
		MaxRSS:        rusage.Maxrss,
		UserTimeSec:   time.Duration(rusage.Utime.Nano()).Seconds(),
		SystemTimeSec: time.Duration(rusage.Stime.Nano()).Seconds(),
	}
}

// readTail re-reads the last max bytes of the stderr capture.
func readTail(f *os.File, max int) string {
	if f == nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := int64(0)
	if info.Size() > int64(max) {
		offset = info.Size() - int64(max)
	}
	r, err := os.Open(f.Name())
	if err != nil {
		return ""
	}
	defer r.Close()
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	return string(buf)
}
