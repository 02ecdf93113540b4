// Package types holds the step manager's per-step data model: the working
// set an orchestrator builds at launch and mutates as tasks fork, run, and
// exit. It has no behavior of its own so every other stepd package can
// depend on it without risking an import cycle.
package types

import "time"

// NoStepID is the sentinel step id for a batch-only step (no step launched
// under the job, only the batch script itself).
const NoStepID uint32 = 0xfffffffe

// StepState is the orchestrator's position in the step lifecycle.
type StepState int

const (
	StateInit StepState = iota
	StateStarting
	StateRunning
	StateEnding
	StateComplete
)

func (s StepState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateEnding:
		return "ending"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// TaskState is a single task's lifecycle position.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskStarted
	TaskComplete
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskStarted:
		return "started"
	case TaskComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// TaskLimits carries the per-task resource limits the controller attached
// to a launch request. stepd passes these to the container plugin at fork
// time; it does not enforce them itself, that is the plugin's contract.
type TaskLimits struct {
	CPUs      int
	MemoryMB  int64
	GPUs      []string
}

// TaskRecord is one task's state, indexed by local task id within the step
// on this node.
type TaskRecord struct {
	LocalID  int
	GlobalID int
	PID      int

	State      TaskState
	ExitStatus int
	Exited     bool
	ExitSent   bool

	// StderrFD is the write end of the pipe the task's stderr is
	// redirected to for logger attribution; -1 until opened.
	StderrFD int

	Limits TaskLimits
}

// ClientLink is the originating client's address plus the endpoints stepd
// must deliver task-exit and launch-reply messages to. It is write-only:
// stepd never reads from a client connection, only sends to it.
type ClientLink struct {
	NodeID    string
	Addr      string
	RespPort  int
	// AddrFamily is non-zero when this link has a usable response
	// endpoint.
	AddrFamily int
}

// Valid reports whether this link has a non-zero response address family.
// reaper.SendPending does not consult it.
func (c ClientLink) Valid() bool {
	return c.AddrFamily != 0
}

// JobAcct is the cumulative accounting aggregate folded from every task's
// rusage at reap time and from every child manager's subtree in the
// completion tree.
type JobAcct struct {
	MaxRSS       int64
	UserCPU      time.Duration
	SysCPU       time.Duration
	MaxDiskRead  int64
	MaxDiskWrite int64
	Elapsed      time.Duration
}

// Merge folds other into j, taking the max of high-water-mark fields and
// summing cumulative ones.
func (j *JobAcct) Merge(other JobAcct) {
	if other.MaxRSS > j.MaxRSS {
		j.MaxRSS = other.MaxRSS
	}
	if other.MaxDiskRead > j.MaxDiskRead {
		j.MaxDiskRead = other.MaxDiskRead
	}
	if other.MaxDiskWrite > j.MaxDiskWrite {
		j.MaxDiskWrite = other.MaxDiskWrite
	}
	j.UserCPU += other.UserCPU
	j.SysCPU += other.SysCPU
	if other.Elapsed > j.Elapsed {
		j.Elapsed = other.Elapsed
	}
}

// UserIdentity is the resolved password-database record for the job's
// owning user, plus any supplementary group ids the controller already
// resolved on the controller's own host.
type UserIdentity struct {
	UID               uint32
	GID               uint32
	Name              string
	Home              string
	ResolvedGroups    []uint32 // nil if not pre-resolved; derive from the platform group database
}

// StepContext is the per-step working set the orchestrator builds once at
// launch and mutates for the step's lifetime.
type StepContext struct {
	JobID  uint32
	StepID uint32 // NoStepID for batch-only
	NodeID string

	NTasks int
	NNodes int

	IsBatch    bool
	IsSpawn    bool
	DebugLevel int

	User UserIdentity

	// ContainerID names the plugin-managed process-tracking group; empty
	// until the container is created.
	ContainerID string
	// SwitchHandle and AcctHandle are opaque plugin-owned handles stepd
	// passes through to the plugin stack without interpreting.
	SwitchHandle interface{}
	AcctHandle   interface{}

	Tasks []*TaskRecord

	// Env is a mutable ordered key=value sequence; order matters because
	// later entries are permitted to shadow earlier ones the way a real
	// process environment does.
	Env []string

	Clients []ClientLink

	// BatchDir is the spool directory path once created; empty until
	// make_batch_dir succeeds, cleared after batch_finish removes it.
	BatchDir string

	// Cwd is the job's requested working directory; ActualCwd is what was
	// actually chdir'd to (Cwd, or "/tmp" on fallback).
	Cwd       string
	ActualCwd string

	State StepState

	// Acct is this manager's local accounting aggregate, folded from each
	// reaped task's rusage. The completion tree merges it with every
	// child subtree's aggregate before reporting upward.
	Acct JobAcct

	// Labels carries free-form step metadata (e.g. scheduler-assigned
	// tags) used only for log fields, never for control flow.
	Labels map[string]string
}

// Label returns the value stored under key in StepContext.Labels, or ""
// when it is unset.
func (s *StepContext) Label(key string) string {
	if s.Labels == nil {
		return ""
	}
	return s.Labels[key]
}

// TasksLeft returns the count of tasks not yet in TaskComplete state.
func (s *StepContext) TasksLeft() int {
	n := 0
	for _, t := range s.Tasks {
		if t.State != TaskComplete {
			n++
		}
	}
	return n
}

// PrivilegeSnapshot is the state captured by a privilege drop and consumed
// on reclaim: saved real uid/gid, supplementary groups, and cwd.
type PrivilegeSnapshot struct {
	SavedUID  uint32
	SavedGID  uint32
	SavedGroups []uint32
	SavedCwd  string

	// EffectiveAtDrop records the effective uid at the moment of drop; Drop
	// uses it to skip the transition when the caller is not root.
	EffectiveAtDrop uint32
}
