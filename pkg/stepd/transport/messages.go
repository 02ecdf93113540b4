// Package transport defines the wire contracts the step manager consumes
// and produces, and the interfaces those contracts are sent through. The
// step manager is deliberately blind to how a message actually reaches its
// destination; pkg/stepd/transport/grpcconn provides the one concrete
// implementation used outside of tests.
package transport

import "github.com/cuemby/stepd/pkg/stepd/types"

// LaunchTasks is the message the node daemon hands the step manager to
// start a non-batch step.
type LaunchTasks struct {
	JobID  uint32
	StepID uint32
	NTasks int
	NNodes int
	UID    uint32
	GID    uint32
	Cwd    string
	Env    []string
	Argv   []string

	// ClientAddr is the originating client's host; each of RespPorts is a
	// response endpoint reachable at ClientAddr.
	ClientAddr string
	RespPorts  []int

	// Tree describes this node's position in the reverse-tree overlay.
	Tree TreeTopology
}

// BatchJobLaunch is the message the node daemon hands the step manager to
// start the batch-script variant.
type BatchJobLaunch struct {
	JobID       uint32
	StepID      uint32
	UID         uint32
	GID         uint32
	ScriptBytes []byte
	NProcs      int
	CPUGroups   []string
	Nodes       []string
}

// SpawnTask is the interactive rendezvous variant of LaunchTasks.
type SpawnTask struct {
	LaunchTasks
}

// TreeTopology is this manager's position in the reverse-tree completion
// overlay.
type TreeTopology struct {
	Rank       int
	ParentRank int // -1 => parent is the controller root
	ParentAddr string
	Children   int
	Depth      int
	MaxDepth   int
}

// LaunchTasksResponse is sent back to the originating client when a launch
// succeeds. Launch failures are reported through
// ClientEndpoint.SendLaunchFailure instead.
type LaunchTasksResponse struct {
	NodeName   string
	SrunNodeID int
	ReturnCode int
	LocalPIDs  []int
}

// MessageTaskExit reports a batch of tasks that share an exit status to one
// client response endpoint.
type MessageTaskExit struct {
	TaskIDs    []int
	NumTasks   int
	ReturnCode int
}

// RequestStepComplete is the completion-tree fan-in message sent to a
// parent rank or, when ParentRank is -1, to the controller.
type RequestStepComplete struct {
	JobID       uint32
	StepID      uint32
	RangeFirst  int
	RangeLast   int
	StepRC      int
	JobAcct     types.JobAcct
}

// RequestCompleteBatchScript reports batch-script completion to the
// controller.
type RequestCompleteBatchScript struct {
	JobID    uint32
	SlurmRC  int
	JobRC    int
	NodeName string
}

// ReplyCode is the collapsed outcome of a request/reply RPC.
type ReplyCode int

const (
	ReplySuccess ReplyCode = iota
	ReplyAlreadyDone
	ReplyInvalidJobID
	ReplyError
)
