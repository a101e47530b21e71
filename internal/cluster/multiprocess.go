package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

// exitCacheSize bounds the exit-info map so late RemoteExitInfo
// queries still find recent exits without the map growing forever.
const exitCacheSize = 1000

// Multiprocess is the reference plugin: jobs are child processes on
// the local host, run through a bounded worker pool. It exists so the
// whole system can run without a real batch scheduler.
type Multiprocess struct {
	log  *logger.Logger
	pool *errgroup.Group

	mu      sync.Mutex
	active  map[string]*exec.Cmd
	queuing map[string]string
	exits   *lru.Cache[string, ExitInfo]

	nextJob atomic.Int64
}

func NewMultiprocess(baseLog *logger.Logger, poolSize int) (*Multiprocess, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	exits, err := lru.New[string, ExitInfo](exitCacheSize)
	if err != nil {
		return nil, err
	}
	pool := &errgroup.Group{}
	pool.SetLimit(poolSize)
	return &Multiprocess{
		log:     baseLog.With("plugin", "multiprocess"),
		pool:    pool,
		active:  map[string]*exec.Cmd{},
		queuing: map[string]string{},
		exits:   exits,
	}, nil
}

func (m *Multiprocess) Submit(ctx context.Context, command, name string, requestedResources json.RawMessage) (string, error) {
	id := fmt.Sprintf("mp-%d", m.nextJob.Add(1))
	m.start(ctx, id, command, nil)
	return id, nil
}

func (m *Multiprocess) SubmitArray(ctx context.Context, command, name string, requestedResources json.RawMessage, length int) (map[int]string, error) {
	job := fmt.Sprintf("mp-%d", m.nextJob.Add(1))
	out := make(map[int]string, length)
	for step := 0; step < length; step++ {
		id := fmt.Sprintf("%s_%d", job, step)
		env := []string{"JOBMON_ARRAY_STEP_ID=" + strconv.Itoa(step)}
		m.start(ctx, id, command, env)
		out[step] = id
	}
	return out, nil
}

func (m *Multiprocess) start(ctx context.Context, id, command string, extraEnv []string) {
	m.pool.Go(func() error {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Env = append(os.Environ(), extraEnv...)
		cmd.Env = append(cmd.Env, "JOBMON_DISTRIBUTOR_ID="+id)
		// Own process group so Terminate can signal the whole tree.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			m.mu.Lock()
			m.queuing[id] = err.Error()
			m.mu.Unlock()
			return nil
		}
		m.mu.Lock()
		m.active[id] = cmd
		m.mu.Unlock()

		err := cmd.Wait()
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		m.exits.Add(id, classifyExit(err))
		return nil
	})
}

func classifyExit(err error) ExitInfo {
	if err == nil {
		return ExitInfo{Kind: ExitOK}
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			if status.Signal() == syscall.SIGKILL {
				// SIGKILL is what the kernel OOM killer sends.
				return ExitInfo{Kind: ExitResource, Message: err.Error()}
			}
			return ExitInfo{Kind: ExitError, Message: err.Error()}
		}
		return ExitInfo{Kind: ExitError, Message: err.Error()}
	}
	return ExitInfo{Kind: ExitUnknown, Message: err.Error()}
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}

func (m *Multiprocess) ActiveIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		if _, ok := m.active[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *Multiprocess) Terminate(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		cmd, ok := m.active[id]
		if !ok || cmd.Process == nil {
			continue
		}
		// Negative pid signals the process group.
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
			m.log.Warn("Failed to terminate job", "distributor_id", id, "error", err)
		}
	}
	return nil
}

func (m *Multiprocess) QueueingErrors(ctx context.Context, ids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, id := range ids {
		if msg, ok := m.queuing[id]; ok {
			out[id] = msg
			delete(m.queuing, id)
		}
	}
	return out, nil
}

func (m *Multiprocess) RemoteExitInfo(ctx context.Context, id string) (*ExitInfo, error) {
	if info, ok := m.exits.Get(id); ok {
		return &info, nil
	}
	return nil, fmt.Errorf("job %s: %w", id, domain.ErrExitInfoNotAvailable)
}

// Wait blocks until every submitted process has exited. Tests and
// orderly shutdown use it.
func (m *Multiprocess) Wait() {
	_ = m.pool.Wait()
}
