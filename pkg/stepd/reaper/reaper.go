// Package reaper implements the step manager's child-reaping loop: both
// non-blocking drains and blocking waits for any task to exit, per-task
// accounting aggregation, epilog execution, and the exit-status batching
// that coalesces same-status exits into one task-exit message.
package reaper

import (
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/stepd/pkg/log"
	"github.com/cuemby/stepd/pkg/metrics"
	"github.com/cuemby/stepd/pkg/stepd/plugin"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

// Epilogs names the user-supplied and site-admin epilog scripts run for
// every reaped task. A zero-value Epilogs runs nothing.
type Epilogs struct {
	UserPath string
	SitePath string
}

// Reaper reaps a step's tasks.
type Reaper struct {
	Stack   plugin.Stack
	Epilogs Epilogs
}

// New returns a Reaper using stack for the spank_task_exit hook and epilogs
// for per-task epilog execution.
func New(stack plugin.Stack, epilogs Epilogs) *Reaper {
	if stack == nil {
		stack = plugin.NoopStack{}
	}
	return &Reaper{Stack: stack, Epilogs: epilogs}
}

// Reap performs one reaping pass: if waitFlag, a blocking wait for the
// first child, followed by non-blocking drains of everything else already
// exited; if !waitFlag, purely non-blocking waits until none are ready.
// Returns the number of tasks matched this call, or -1 if the first
// wait4 call returned ECHILD immediately (no children left at all).
func (r *Reaper) Reap(ctx *types.StepContext, waitFlag bool) int {
	matched := 0
	first := true

	for {
		var wstatus unix.WaitStatus
		var rusage unix.Rusage

		flag := unix.WNOHANG
		if waitFlag && first {
			flag = 0
		}

		pid, err := unix.Wait4(-1, &wstatus, flag, &rusage)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			if first {
				return -1
			}
			return matched
		}
		if err != nil {
			log.Logger.Error().Err(err).Msg("wait4 failed, retrying")
			continue
		}

		first = false
		if pid <= 0 {
			// WNOHANG and nothing ready right now.
			return matched
		}

		task := findTask(ctx, int(pid))
		if task == nil {
			// Reaped pid belongs to no known task record; keep draining
			// non-blockingly rather than lose track of step completion.
			continue
		}

		foldRusage(&ctx.Acct, rusage)

		task.ExitStatus = int(wstatus)
		task.Exited = true
		task.State = types.TaskComplete
		metrics.TasksReapedTotal.WithLabelValues(outcomeLabel(wstatus)).Inc()

		runEpilog(r.Epilogs.UserPath, true, ctx, task)
		runEpilog(r.Epilogs.SitePath, false, ctx, task)

		if err := r.Stack.TaskExit(ctx, task.LocalID); err != nil {
			log.Logger.Warn().Err(err).Int("task", task.LocalID).Msg("spank_task_exit failed")
		}

		matched++
	}
}

func findTask(ctx *types.StepContext, pid int) *types.TaskRecord {
	for _, t := range ctx.Tasks {
		if t.PID == pid {
			return t
		}
	}
	return nil
}

func foldRusage(acct *types.JobAcct, ru unix.Rusage) {
	rssKB := int64(ru.Maxrss)
	if rssKB > acct.MaxRSS {
		acct.MaxRSS = rssKB
	}
	acct.UserCPU += time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	acct.SysCPU += time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
}

func outcomeLabel(ws unix.WaitStatus) string {
	if ws.Signaled() {
		return "signaled"
	}
	return "exited"
}

// runEpilog runs an epilog script if path is non-empty. enforceArgv mirrors
// the source's convention: the user epilog is invoked with job/task argv,
// the site-admin epilog is free-form with no argv enforcement.
func runEpilog(path string, enforceArgv bool, ctx *types.StepContext, task *types.TaskRecord) {
	if path == "" {
		return
	}
	var args []string
	if enforceArgv {
		args = []string{strconv.FormatUint(uint64(ctx.JobID), 10), strconv.Itoa(task.GlobalID)}
	}
	cmd := exec.Command(path, args...)
	cmd.Env = ctx.Env
	if err := cmd.Run(); err != nil {
		log.Logger.Warn().Err(err).Str("epilog", path).Int("task", task.LocalID).Msg("task epilog failed")
	}
}
