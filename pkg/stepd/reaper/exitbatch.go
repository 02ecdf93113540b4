package reaper

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cuemby/stepd/pkg/log"
	"github.com/cuemby/stepd/pkg/stepd/transport"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

// wideStepThreshold is the nnodes count above which SendPending introduces
// a desynchronizing pre-send delay to avoid simultaneous TCP closes from
// every node in a wide step.
const wideStepThreshold = 100

// SendPending scans TaskRecords for the first exited-but-unsent task, then
// collects every subsequent task sharing its exact exit status into one
// batch, marking each exit_sent. The batch is delivered to every endpoint
// in endpoints; ctx.Clients and their address families are not consulted.
// Returns the number of tasks sent this call (0 if none were pending).
func SendPending(ctx *types.StepContext, send func(transport.ClientEndpoint, transport.MessageTaskExit) error, endpoints []transport.ClientEndpoint) int {
	var batch []*types.TaskRecord
	var status int

	for _, t := range ctx.Tasks {
		if !t.Exited || t.ExitSent {
			continue
		}
		if batch == nil {
			status = t.ExitStatus
			batch = append(batch, t)
			continue
		}
		if t.ExitStatus == status {
			batch = append(batch, t)
		}
	}

	if len(batch) == 0 {
		return 0
	}

	if ctx.NNodes > wideStepThreshold {
		desyncDelay(ctx.JobID, ctx.NodeID, ctx.NNodes)
	}

	ids := make([]int, len(batch))
	for i, t := range batch {
		ids[i] = t.GlobalID
	}
	msg := transport.MessageTaskExit{TaskIDs: ids, NumTasks: len(ids), ReturnCode: status}

	for _, ep := range endpoints {
		if err := send(ep, msg); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to deliver task-exit message to client endpoint")
		}
	}

	for _, t := range batch {
		t.ExitSent = true
	}
	return len(batch)
}

// desyncDelay sleeps a bounded random duration in [0, 3*nnodes] ms, seeded
// deterministically by (job_id, node_id) so that different nodes of the
// same job draw different delays. Every call for the same job/node pair
// builds a fresh generator from the same seed and so sleeps the same
// duration.
func desyncDelay(jobID uint32, nodeID string, nnodes int) {
	seed := uint64(jobID)
	for _, c := range nodeID {
		seed = seed*31 + uint64(c)
	}
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	maxMillis := 3 * nnodes
	d := time.Duration(r.IntN(maxMillis+1)) * time.Millisecond
	time.Sleep(d)
}

// WaitForAll drives the reaper to completion: alternating a blocking reap
// with non-blocking drains, calling SendPending between waves until it
// returns zero, until every task is complete or Reap signals ECHILD.
func WaitForAll(ctx context.Context, r *Reaper, stepCtx *types.StepContext, send func(transport.ClientEndpoint, transport.MessageTaskExit) error, endpoints []transport.ClientEndpoint) {
	for stepCtx.TasksLeft() > 0 {
		n := r.Reap(stepCtx, true)
		if n == -1 {
			return
		}
		for r.Reap(stepCtx, false) > 0 {
		}
		for SendPending(stepCtx, send, endpoints) > 0 {
		}
	}
}
