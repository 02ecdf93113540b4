// Package stepd wires the fork/exec pipeline, the reaper, the completion
// tree, and the batch-script surface into the per-step state machine a node
// daemon drives once per launched step: Init, Starting, Running, Ending,
// Complete. Everything below this package is a component with its own
// contract; Orchestrator.Run is the only place that knows the order they
// run in.
package stepd

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/stepd/pkg/log"
	"github.com/cuemby/stepd/pkg/metrics"
	"github.com/cuemby/stepd/pkg/stepd/batch"
	"github.com/cuemby/stepd/pkg/stepd/completion"
	"github.com/cuemby/stepd/pkg/stepd/exec"
	stepio "github.com/cuemby/stepd/pkg/stepd/io"
	"github.com/cuemby/stepd/pkg/stepd/plugin"
	"github.com/cuemby/stepd/pkg/stepd/reaper"
	"github.com/cuemby/stepd/pkg/stepd/stepderrs"
	"github.com/cuemby/stepd/pkg/stepd/transport"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

// managerSignals is the set blocked in the orchestrator goroutine once tasks
// are running, so a signal meant for the job doesn't also interrupt the
// manager's own wait/reap loop.
var managerSignals = []unix.Signal{
	unix.SIGINT, unix.SIGTERM, unix.SIGTSTP, unix.SIGQUIT, unix.SIGPIPE,
	unix.SIGUSR1, unix.SIGUSR2, unix.SIGALRM, unix.SIGHUP,
}

// killBackoffCap bounds the exponential backoff between straggler-kill
// retries.
const killBackoffCap = 120 * time.Second

// IOSetup builds the per-task stdio streams once a step's tasks have been
// forked. Its internals (how the streams are obtained) are the embedding
// node daemon's concern; the orchestrator only needs the resulting slice to
// hand to Pump.Start.
type IOSetup func(ctx *types.StepContext) ([]stepio.TaskStream, error)

func noopIOSetup(*types.StepContext) ([]stepio.TaskStream, error) { return nil, nil }

// Orchestrator drives one step's lifecycle. A zero-value Orchestrator is
// not ready to use; build one with New.
type Orchestrator struct {
	Forker *exec.Forker
	Reaper *reaper.Reaper
	Stack  plugin.Stack

	Interconnect plugin.Interconnect
	Container    plugin.Container

	Pump    stepio.Pump
	IOSetup IOSetup

	// ToParent and ToController deliver completion-tree messages; both are
	// required for a non-batch step. Controller is also used for batch
	// completion reporting.
	ToParent     completion.PeerSender
	ToController completion.ControllerSender
	Controller   transport.ControllerClient

	NodeName string
	SpoolDir string

	// ChildrenTimeout bounds how long a manager waits for its children to
	// report before emitting upward with whatever bits are set.
	ChildrenTimeout time.Duration
}

// New returns an Orchestrator with every optional collaborator defaulted to
// a no-op implementation; the node daemon overrides what it actually has.
func New(forker *exec.Forker, rp *reaper.Reaper, stack plugin.Stack) *Orchestrator {
	if stack == nil {
		stack = plugin.NoopStack{}
	}
	return &Orchestrator{
		Forker:          forker,
		Reaper:          rp,
		Stack:           stack,
		Interconnect:    plugin.NoopInterconnect{},
		Pump:            stepio.NoopPump{},
		IOSetup:         noopIOSetup,
		ChildrenTimeout: 10 * time.Second,
	}
}

// PrepareBatch materializes a batch step's script into its spool directory
// and points the forker's argv at it. Callers run this before Run for any
// step with stepCtx.IsBatch set.
func (o *Orchestrator) PrepareBatch(stepCtx *types.StepContext, scriptBytes []byte) error {
	dir, err := batch.MakeBatchDir(o.SpoolDir, stepCtx)
	if err != nil {
		return err
	}
	stepCtx.BatchDir = dir

	scriptPath, err := batch.MaterializeScript(stepCtx, dir, scriptBytes)
	if err != nil {
		return err
	}
	o.Forker.Argv = []string{scriptPath}
	return nil
}

// Run drives ctx through Init, Starting, Running, Ending, and Complete.
// endpoints receives the launch reply (success or failure) and every
// task-exit notification; comp is nil for batch steps, since batch
// completion is reported through Controller instead of the tree.
func (o *Orchestrator) Run(ctx context.Context, stepCtx *types.StepContext, comp *completion.State, endpoints []transport.ClientEndpoint) error {
	logger := log.WithJobStep(strconv.FormatUint(uint64(stepCtx.JobID), 10), stepIDString(stepCtx.StepID))
	stepCtx.State = types.StateInit

	if err := o.initPhase(stepCtx); err != nil {
		o.sendLaunchFailure(ctx, endpoints, stepCtx, errReturnCode(err))
		metrics.StepsCompletedTotal.WithLabelValues("init_failed").Inc()
		logger.Error().Err(err).Msg("step init failed")
		return err
	}

	stepCtx.State = types.StateStarting
	streams, err := o.IOSetup(stepCtx)
	if err != nil {
		o.sendLaunchFailure(ctx, endpoints, stepCtx, errReturnCode(err))
		metrics.StepsCompletedTotal.WithLabelValues("io_setup_failed").Inc()
		return stepderrs.New(stepderrs.KindIoSetup, "stepd.Run", err)
	}
	if !stepCtx.IsBatch {
		if err := o.Interconnect.Init(stepCtx); err != nil {
			o.sendLaunchFailure(ctx, endpoints, stepCtx, errReturnCode(err))
			metrics.StepsCompletedTotal.WithLabelValues("interconnect_init_failed").Inc()
			return stepderrs.New(stepderrs.KindInterconnectInit, "stepd.Run", err)
		}
	}

	if err := o.Forker.ForkAll(stepCtx); err != nil {
		o.sendLaunchFailure(ctx, endpoints, stepCtx, errReturnCode(err))
		metrics.StepsCompletedTotal.WithLabelValues("fork_failed").Inc()
		logger.Error().Err(err).Msg("fork_all failed")
		return err
	}

	// The fork loop already closed every task's read end of its exec-gate
	// pipe on the parent side; task 0's pid is the process group leader
	// recorded at its fork.
	o.Pump.Start(streams)
	if err := blockManagerSignals(); err != nil {
		logger.Warn().Err(err).Msg("failed to block manager signal set")
	}

	if !stepCtx.IsBatch {
		o.sendLaunchSuccess(ctx, endpoints, stepCtx)
	}
	stepCtx.State = types.StateRunning
	logger.Info().Int("ntasks", stepCtx.NTasks).Msg("step running")

	reaper.WaitForAll(ctx, o.Reaper, stepCtx, o.sendTaskExit, endpoints)

	stepCtx.State = types.StateEnding
	if err := o.Stack.PAMFinish(stepCtx); err != nil {
		logger.Warn().Err(err).Msg("pam finish failed")
	}
	if !stepCtx.IsBatch {
		if err := o.Interconnect.Fini(stepCtx); err != nil {
			logger.Warn().Err(err).Msg("interconnect fini failed")
		}
	}

	if !stepCtx.IsBatch {
		if err := o.Interconnect.PostFini(stepCtx); err != nil {
			logger.Warn().Err(err).Msg("interconnect post-fini failed")
		}
	}
	o.killStragglers(stepCtx)
	o.Pump.Shutdown()
	o.Pump.Join()
	if err := o.Stack.Fini(stepCtx); err != nil {
		logger.Warn().Err(err).Msg("plugin stack fini failed")
	}

	if stepCtx.IsBatch {
		// slurmRC reports the orchestration/transport result, not the
		// script's own exit status: having reached here, every step
		// forked and ran to completion. batch.Finish derives job_rc from
		// task 0's exit status itself.
		err := batch.Finish(ctx, o.Controller, stepCtx, o.NodeName, 0)
		stepCtx.State = types.StateComplete
		if err != nil {
			metrics.StepsCompletedTotal.WithLabelValues("batch_report_failed").Inc()
			return err
		}
		metrics.StepsCompletedTotal.WithLabelValues("batch_success").Inc()
		return nil
	}

	comp.LocalTasksComplete(stepCtx.Tasks, stepCtx.Acct)
	comp.WaitForChildren(o.ChildrenTimeout)
	orphaned, err := comp.Emit(ctx, o.ToParent, o.ToController)
	stepCtx.State = types.StateComplete
	if err != nil {
		metrics.StepsCompletedTotal.WithLabelValues("tree_report_failed").Inc()
		return err
	}
	if orphaned > 0 {
		logger.Warn().Int("orphaned_ranks", orphaned).Msg("step complete with orphaned descendant ranks")
	}
	metrics.StepsCompletedTotal.WithLabelValues("success").Inc()
	return nil
}

// initPhase runs the pre-fork steps that only apply to non-batch steps:
// interconnect pre-init. Batch steps skip straight to io setup.
func (o *Orchestrator) initPhase(stepCtx *types.StepContext) error {
	if stepCtx.IsBatch {
		return nil
	}
	if err := o.Interconnect.PreInit(stepCtx); err != nil {
		return stepderrs.New(stepderrs.KindInterconnectPreInit, "stepd.Run", err)
	}
	return nil
}

// killStragglers signals the step's container with SIGKILL and retries
// destroy with exponential backoff (capped at killBackoffCap) until it
// succeeds. A step with no container plugin configured, or whose container
// was never created, is a no-op.
func (o *Orchestrator) killStragglers(stepCtx *types.StepContext) {
	if o.Container == nil || stepCtx.ContainerID == "" {
		return
	}

	_ = o.Container.Signal(stepCtx.ContainerID, int(syscall.SIGKILL))
	backoff := time.Second
	for {
		if err := o.Container.Destroy(stepCtx.ContainerID); err == nil {
			return
		}
		metrics.StragglerKillRetriesTotal.Inc()
		_ = o.Container.Signal(stepCtx.ContainerID, int(syscall.SIGKILL))
		time.Sleep(backoff)
		if backoff *= 2; backoff > killBackoffCap {
			backoff = killBackoffCap
		}
	}
}

// sendLaunchSuccess replies to every client endpoint with the step's
// forked pids. Failures to deliver are logged, not propagated: the step is
// already running.
func (o *Orchestrator) sendLaunchSuccess(ctx context.Context, endpoints []transport.ClientEndpoint, stepCtx *types.StepContext) {
	pids := make([]int, len(stepCtx.Tasks))
	for i, t := range stepCtx.Tasks {
		pids[i] = t.PID
	}
	msg := transport.LaunchTasksResponse{NodeName: o.NodeName, ReturnCode: 0, LocalPIDs: pids}
	for _, ep := range endpoints {
		if err := ep.SendLaunchResponse(ctx, msg); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to deliver launch success reply")
		}
	}
}

// sendLaunchFailure is the fire-and-forget reply used on any Init/Starting
// failure. A zero return code is never reported as success: it is
// substituted with -1 per the launch-reply contract.
func (o *Orchestrator) sendLaunchFailure(ctx context.Context, endpoints []transport.ClientEndpoint, stepCtx *types.StepContext, rc int) {
	if rc == 0 {
		rc = -1
	}
	for _, ep := range endpoints {
		if err := ep.SendLaunchFailure(ctx, o.NodeName, 0, rc); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to deliver launch failure reply")
		}
	}
}

func (o *Orchestrator) sendTaskExit(ep transport.ClientEndpoint, msg transport.MessageTaskExit) error {
	return ep.SendTaskExit(context.Background(), msg)
}

// blockManagerSignals masks managerSignals in this thread so a signal meant
// for the job (delivered to the job's process group) doesn't also
// interrupt the orchestrator's own wait/reap loop.
func blockManagerSignals() error {
	var set unix.Sigset_t
	for _, sig := range managerSignals {
		unix.SigaddSet(&set, int(sig))
	}
	return unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil)
}

// errReturnCode extracts a return code from a failure for the launch-reply
// contract. stepd's internal errors don't carry a numeric code, so any
// error maps to a generic non-zero failure; the substitution to -1 happens
// in sendLaunchFailure when this is 0.
func errReturnCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func stepIDString(stepID uint32) string {
	if stepID == types.NoStepID {
		return "batch"
	}
	return fmt.Sprintf("%d", stepID)
}
