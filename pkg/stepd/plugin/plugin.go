// Package plugin defines the external collaborator contracts the step
// manager drives but does not implement itself: process-tracking
// containers, the plugin-stack (spank/PAM) hooks, and parallel-debugger
// rendezvous. One concrete Container is provided in plugin/containerd;
// Stack and Debugger are left to the embedding node daemon since their
// implementations are entirely site-specific.
package plugin

import "github.com/cuemby/stepd/pkg/stepd/types"

// Container is the opaque process-tracking group a step's tasks are placed
// into for mass-signal and cleanup. Implementations back this with
// whatever OS or runtime mechanism is available (a cgroup, a containerd
// task group, a process-group-only stub for environments without one).
type Container interface {
	// Create allocates a new tracking group for ctx and returns its id.
	Create(ctx *types.StepContext) (id string, err error)
	// Add places pid into the group identified by id.
	Add(id string, pid int) error
	// Signal delivers sig to every process currently in the group.
	Signal(id string, sig int) error
	// Destroy tears down the group. It returns an error if member
	// processes are still alive; the caller is expected to retry with
	// backoff per the straggler-kill policy.
	Destroy(id string) error
}

// Stack is the plugin-stack (spank_*) and PAM hook surface. A non-nil error
// from any hook aborts the step per the spank contract: non-zero return
// means abort.
type Stack interface {
	Init(ctx *types.StepContext) error
	UserHook(ctx *types.StepContext) error
	PostFork(ctx *types.StepContext, taskLocalID int) error
	TaskExit(ctx *types.StepContext, taskLocalID int) error
	Fini(ctx *types.StepContext) error

	PAMSetup(ctx *types.StepContext) error
	PAMFinish(ctx *types.StepContext) error
}

// Interconnect models the switch/network-plugin hooks the orchestrator
// drives around a non-batch step's fork and teardown (switch_g_*
// equivalents). Batch steps never call these.
type Interconnect interface {
	PreInit(ctx *types.StepContext) error
	Init(ctx *types.StepContext) error
	Fini(ctx *types.StepContext) error
	PostFini(ctx *types.StepContext) error
}

// NoopInterconnect is an Interconnect that does nothing and never fails,
// the default for steps launched with no switch plugin configured.
type NoopInterconnect struct{}

func (NoopInterconnect) PreInit(*types.StepContext) error { return nil }
func (NoopInterconnect) Init(*types.StepContext) error    { return nil }
func (NoopInterconnect) Fini(*types.StepContext) error    { return nil }
func (NoopInterconnect) PostFini(*types.StepContext) error { return nil }

// Debugger prepares a forked task for parallel-debugger attach
// (srun --attach-style rendezvous). It is invoked once per task
// immediately after the exec gate is released.
type Debugger interface {
	PrepareTrace(ctx *types.StepContext, taskLocalID, pid int) error
}

// NoopStack is a Stack implementation that does nothing and never fails,
// useful for steps launched with no site plugin stack configured.
type NoopStack struct{}

func (NoopStack) Init(*types.StepContext) error                 { return nil }
func (NoopStack) UserHook(*types.StepContext) error              { return nil }
func (NoopStack) PostFork(*types.StepContext, int) error         { return nil }
func (NoopStack) TaskExit(*types.StepContext, int) error         { return nil }
func (NoopStack) Fini(*types.StepContext) error                  { return nil }
func (NoopStack) PAMSetup(*types.StepContext) error              { return nil }
func (NoopStack) PAMFinish(*types.StepContext) error             { return nil }

// NoopDebugger is a Debugger that never prepares a trace; the default for
// non-interactive steps.
type NoopDebugger struct{}

func (NoopDebugger) PrepareTrace(*types.StepContext, int, int) error { return nil }
