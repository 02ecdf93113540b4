// Package exec implements the task fork/exec pipeline: the pipe pair array
// (PipeArray) and the task forker (Forker.ForkAll) that creates the
// container, drops privileges, forks each task behind its exec gate, and
// releases the gate only after the task has been placed into the process
// group and the container and its post-fork hook has run. No per-task
// accounting registration is made.
package exec

import (
	"fmt"
	"os"
	osexec "os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cuemby/stepd/pkg/log"
	"github.com/cuemby/stepd/pkg/metrics"
	"github.com/cuemby/stepd/pkg/stepd/plugin"
	"github.com/cuemby/stepd/pkg/stepd/privilege"
	"github.com/cuemby/stepd/pkg/stepd/stepderrs"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

// ShimPath is the path to the cmd/stepd-shim binary; the node daemon
// installs it alongside stepd and is expected to set this before ForkAll
// is ever called. Defaulted to a PATH lookup name so tests and simple
// deployments work without extra wiring.
var ShimPath = "stepd-shim"

// PrioProcessEnv is the environment variable stripped from every task's
// environment before exec; its value is applied as the task priority only
// when PropagatePrioProcess is enabled.
const PrioProcessEnv = "SLURM_PRIO_PROCESS"

// Forker drives the fork/exec pipeline for one step.
type Forker struct {
	Container plugin.Container
	Stack     plugin.Stack
	Debugger  plugin.Debugger
	Cell      *privilege.Cell

	// PropagatePrioProcess enables reading PrioProcessEnv and calling
	// setpriority on each task before it execs.
	PropagatePrioProcess bool

	// Argv is the program and arguments every task execs; all tasks share
	// it (batch steps have exactly one "task": the script).
	Argv []string
}

// New returns a Forker using the given plugin collaborators. A nil Stack
// or Debugger uses a no-op implementation; a nil Container is kept as is
// and makes ForkAll fail with a container-create error.
func New(container plugin.Container, stack plugin.Stack, debugger plugin.Debugger) *Forker {
	if stack == nil {
		stack = plugin.NoopStack{}
	}
	if debugger == nil {
		debugger = plugin.NoopDebugger{}
	}
	return &Forker{Container: container, Stack: stack, Debugger: debugger, Cell: privilege.NewCell()}
}

// ForkAll runs steps 1-13 of the task fork/exec pipeline. On success every
// ctx.Tasks[i].PID is populated and every task has begun (or is about to
// begin) executing its program image.
func (f *Forker) ForkAll(ctx *types.StepContext) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TaskForkDuration)

	if f.Container == nil {
		return stepderrs.New(stepderrs.KindContainerCreate, "exec.ForkAll", fmt.Errorf("no container plugin configured"))
	}

	containerID, err := f.Container.Create(ctx)
	if err != nil {
		return stepderrs.New(stepderrs.KindContainerCreate, "exec.ForkAll", err)
	}
	ctx.ContainerID = containerID

	if err := f.Stack.Init(ctx); err != nil {
		return stepderrs.New(stepderrs.KindPluginInit, "exec.ForkAll", err)
	}

	pipes, err := NewPipeArray(ctx.NTasks)
	if err != nil {
		return err
	}

	snap, err := f.Cell.Drop(ctx, false)
	if err != nil {
		return stepderrs.New(stepderrs.KindPrivilegeDrop, "exec.ForkAll", err)
	}

	if err := f.Stack.PAMSetup(ctx); err != nil {
		pipes.Close()
		f.reclaimAndLog(snap)
		return stepderrs.New(stepderrs.KindPamSetup, "exec.ForkAll", err)
	}

	if err := unix.Seteuid(int(ctx.User.UID)); err != nil {
		pipes.Close()
		f.reclaimAndLog(snap)
		return stepderrs.New(stepderrs.KindPrivilegeDrop, "exec.ForkAll", err)
	}

	actualCwd := ctx.Cwd
	if err := os.Chdir(ctx.Cwd); err != nil {
		log.Logger.Warn().Err(err).Str("cwd", ctx.Cwd).Msg("chdir to job cwd failed, falling back to /tmp")
		actualCwd = "/tmp"
		if err := os.Chdir(actualCwd); err != nil {
			pipes.Close()
			f.reclaimAndLog(snap)
			return stepderrs.New(stepderrs.KindChdir, "exec.ForkAll", err)
		}
	}
	ctx.ActualCwd = actualCwd

	if err := f.Stack.UserHook(ctx); err != nil {
		pipes.Close()
		f.reclaimAndLog(snap)
		return stepderrs.New(stepderrs.KindPluginUserHook, "exec.ForkAll", err)
	}

	env, prio, hasPrio := stripPrioProcess(ctx.Env)

	groups, err := privilege.SupplementaryGroups(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("supplementary group lookup failed, exec'ing tasks with no supplementary groups")
		groups = nil
	}
	taskGroups := make([]uint32, len(groups))
	for i, g := range groups {
		taskGroups[i] = uint32(g)
	}
	credential := &syscall.Credential{Uid: ctx.User.UID, Gid: ctx.User.GID, Groups: taskGroups}

	pgid := 0
	for i := 0; i < ctx.NTasks; i++ {
		task := ctx.Tasks[i]
		cmd := osexec.Command(ShimPath, f.Argv...)
		cmd.Dir = actualCwd
		cmd.Env = env
		cmd.ExtraFiles = []*os.File{pipes.ReadEnd(i)}
		// Credential makes the kernel perform the permanent uid/gid
		// transition to the job user as part of exec, so a task can never
		// setuid(0) back to root even though the forking process still
		// runs with ruid=root until f.Cell.Reclaim below.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid, Credential: credential}

		if err := cmd.Start(); err != nil {
			pipes.Close()
			f.reclaimAndLog(snap)
			f.killStarted(ctx, i)
			return stepderrs.New(stepderrs.KindFork, "exec.ForkAll", err)
		}
		pipes.CloseReadEnd(i)

		task.PID = cmd.Process.Pid
		task.State = types.TaskStarted
		if i == 0 {
			pgid = cmd.Process.Pid
		}
		if f.PropagatePrioProcess && hasPrio {
			if err := unix.Setpriority(unix.PRIO_PROCESS, task.PID, prio); err != nil {
				log.Logger.Warn().Err(err).Int("pid", task.PID).Int("prio", prio).Msg("setpriority failed")
			}
		}
		metrics.TasksForkedTotal.Inc()
	}

	if err := f.Cell.Reclaim(snap); err != nil {
		log.Logger.Warn().Err(err).Msg("privilege reclaim failed after fork loop")
	}
	if err := os.Chdir(snap.SavedCwd); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to restore orchestrator cwd after fork loop")
	}

	for i := 0; i < ctx.NTasks; i++ {
		task := ctx.Tasks[i]

		if err := unix.Setpgid(task.PID, pgid); err != nil {
			log.Logger.Warn().Err(err).Int("pid", task.PID).Msg("setpgid failed")
		}

		addTimer := metrics.NewTimer()
		if err := f.Container.Add(ctx.ContainerID, task.PID); err != nil {
			addTimer.ObserveDuration(metrics.ContainerAddDuration)
			return stepderrs.New(stepderrs.KindContainerAdd, "exec.ForkAll", err)
		}
		addTimer.ObserveDuration(metrics.ContainerAddDuration)

		if err := f.Stack.PostFork(ctx, task.LocalID); err != nil {
			return stepderrs.New(stepderrs.KindPluginPostFork, "exec.ForkAll", err)
		}
	}

	for i := 0; i < ctx.NTasks; i++ {
		if err := pipes.Release(i); err != nil {
			log.Logger.Warn().Err(err).Int("task", i).Msg("failed to release exec gate")
			continue
		}
		if err := f.Debugger.PrepareTrace(ctx, i, ctx.Tasks[i].PID); err != nil {
			log.Logger.Warn().Err(err).Int("task", i).Msg("parallel-debugger trace preparation failed")
		}
	}

	return nil
}

func (f *Forker) reclaimAndLog(snap types.PrivilegeSnapshot) {
	if err := f.Cell.Reclaim(snap); err != nil {
		log.Logger.Warn().Err(err).Msg("privilege reclaim failed on fork_all abort path")
	}
}

// killStarted signals every task started so far (indices [0, upTo)) with
// SIGKILL; used on a post-fork abort so partially-launched steps don't
// leave orphaned processes.
func (f *Forker) killStarted(ctx *types.StepContext, upTo int) {
	for i := 0; i < upTo; i++ {
		if pid := ctx.Tasks[i].PID; pid > 0 {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

// stripPrioProcess reads PrioProcessEnv out of env and returns env with it
// removed — the variable is always stripped before exec per the
// external-interfaces contract, whether or not propagation is enabled —
// along with the parsed priority value if present.
func stripPrioProcess(env []string) (out []string, prio int, hasPrio bool) {
	out = make([]string, 0, len(env))
	prefix := PrioProcessEnv + "="
	for _, kv := range env {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			if v, err := strconv.Atoi(kv[len(prefix):]); err == nil {
				prio = v
				hasPrio = true
			}
			continue
		}
		out = append(out, kv)
	}
	return out, prio, hasPrio
}
