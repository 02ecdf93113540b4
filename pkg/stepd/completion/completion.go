// Package completion implements the reverse-tree fan-in completion
// protocol: each step manager collects its children's completion bitmap,
// emits contiguous-range completion messages to its parent, and falls back
// to the controller when the parent is unreachable or absent.
package completion

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/stepd/pkg/log"
	"github.com/cuemby/stepd/pkg/metrics"
	"github.com/cuemby/stepd/pkg/stepd/stepderrs"
	"github.com/cuemby/stepd/pkg/stepd/transport"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

// ParentRetry bounds the number of single-attempt request/reply tries
// against a parent rank before falling back to the controller.
const ParentRetry = 3

// ParentRetryDelay is the pause between parent-rank retries.
const ParentRetryDelay = time.Second

// ParentRPCBudget is the per-attempt timeout for a parent-rank send.
const ParentRPCBudget = 10 * time.Second

// State is one step manager's position in the reverse tree, guarded by a
// mutex and condition variable as required by the concurrency model: any
// goroutine that delivers a ChildComplete event from a peer manager, and
// the orchestrator itself, may touch this state concurrently.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	Rank       int
	ParentRank int // -1 => parent is the controller root
	ParentAddr string
	Children   int
	Depth      int
	MaxDepth   int

	bits    []bool
	stepRC  int
	jobAcct types.JobAcct

	jobID  uint32
	stepID uint32
}

// New builds a completion State for a step manager at the given tree
// position. stepRC starts at -1 per the spec (no exit code observed yet).
func New(jobID, stepID uint32, topo transport.TreeTopology) *State {
	s := &State{
		Rank:       topo.Rank,
		ParentRank: topo.ParentRank,
		ParentAddr: topo.ParentAddr,
		Children:   topo.Children,
		Depth:      topo.Depth,
		MaxDepth:   topo.MaxDepth,
		bits:       make([]bool, topo.Children),
		stepRC:     -1,
		jobID:      jobID,
		stepID:     stepID,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ChildComplete records a completion range reported by a descendant
// manager: bits [range_first-rank-1 .. range_last-rank-1] are set, the
// reported exit code is folded into step_rc via max, and its accounting
// aggregate is merged in.
func (s *State) ChildComplete(rangeFirst, rangeLast, childRC int, childAcct types.JobAcct) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := rangeFirst - s.Rank - 1
	hi := rangeLast - s.Rank - 1
	for i := lo; i <= hi; i++ {
		if i >= 0 && i < len(s.bits) {
			s.bits[i] = true
		}
	}
	if childRC > s.stepRC {
		s.stepRC = childRC
	}
	s.jobAcct.Merge(childAcct)
	s.cond.Broadcast()
}

// LocalTasksComplete folds the max WEXITSTATUS over this manager's own
// tasks into step_rc and merges the local accounting aggregate into the
// tree-level one.
func (s *State) LocalTasksComplete(tasks []*types.TaskRecord, localAcct types.JobAcct) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		rc := WExitStatus(t.ExitStatus)
		if rc > s.stepRC {
			s.stepRC = rc
		}
	}
	s.jobAcct.Merge(localAcct)
}

// WExitStatus extracts the POSIX exit code from a raw wait status, the way
// the WEXITSTATUS macro would.
func WExitStatus(raw int) int {
	return (raw >> 8) & 0xff
}

// WaitForChildren blocks until every child bit is set or until the
// children-timeout deadline elapses, whichever comes first. The deadline is
// now + childrenTimeout + 3*(max_depth-depth) seconds, per the completion
// protocol's depth-scaled grace period. Returns true if all children
// reported, false on timeout (which is not an error: Emit still proceeds
// with whatever bits are set).
func (s *State) WaitForChildren(childrenTimeout time.Duration) bool {
	deadline := time.Now().Add(childrenTimeout + 3*time.Duration(s.MaxDepth-s.Depth)*time.Second)

	timer := time.AfterFunc(time.Until(deadline), func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.allSet() && time.Now().Before(deadline) {
		s.cond.Wait()
	}
	return s.allSet()
}

func (s *State) allSet() bool {
	for _, b := range s.bits {
		if !b {
			return false
		}
	}
	return true
}

type run struct{ first, last int }

// contiguousRuns returns the contiguous runs of set bits in s.bits. Caller
// must hold s.mu.
func (s *State) contiguousRuns() []run {
	var runs []run
	i := 0
	for i < len(s.bits) {
		if !s.bits[i] {
			i++
			continue
		}
		first := i
		for i < len(s.bits) && s.bits[i] {
			i++
		}
		runs = append(runs, run{first: first, last: i - 1})
	}
	return runs
}

// PeerSender sends a RequestStepComplete to this manager's parent rank.
type PeerSender func(ctx context.Context, addr string, msg transport.RequestStepComplete) (transport.ReplyCode, error)

// ControllerSender sends a RequestStepComplete directly to the controller,
// used both when ParentRank == -1 and as the fallback when the parent
// retries are exhausted.
type ControllerSender func(ctx context.Context, msg transport.RequestStepComplete) (transport.ReplyCode, error)

// Emit walks the bitmap and sends one StepComplete message per contiguous
// run (merging this manager's own rank into the first run if it starts at
// bit 0, otherwise sending it separately), falling back to the controller
// whenever the parent is unreachable. It returns the total ranks logged as
// orphaned (bits never set) for the caller to log.
func (s *State) Emit(ctx context.Context, toParent PeerSender, toController ControllerSender) (orphaned int, err error) {
	s.mu.Lock()
	runs := s.contiguousRuns()
	stepRC := s.stepRC
	acct := s.jobAcct
	rank := s.Rank
	orphaned = s.countUnset()
	s.mu.Unlock()

	send := func(first, last int) error {
		msg := transport.RequestStepComplete{
			JobID:      s.jobID,
			StepID:     s.stepID,
			RangeFirst: first,
			RangeLast:  last,
			StepRC:     stepRC,
			JobAcct:    acct,
		}
		return s.sendOne(ctx, msg, toParent, toController)
	}

	if len(runs) == 0 {
		if sendErr := send(rank, rank); sendErr != nil {
			return orphaned, sendErr
		}
		metrics.StepCompleteEmittedTotal.Inc()
		return orphaned, nil
	}

	ownRankEmitted := false
	for i, r := range runs {
		firstGlobal := r.first + rank + 1
		lastGlobal := r.last + rank + 1
		if i == 0 && r.first == 0 {
			firstGlobal = rank
			ownRankEmitted = true
		}
		if sendErr := send(firstGlobal, lastGlobal); sendErr != nil {
			return orphaned, sendErr
		}
		metrics.StepCompleteEmittedTotal.Inc()
	}
	if !ownRankEmitted {
		if sendErr := send(rank, rank); sendErr != nil {
			return orphaned, sendErr
		}
		metrics.StepCompleteEmittedTotal.Inc()
	}

	if orphaned > 0 {
		log.Logger.Warn().Int("rank", rank).Int("orphaned_ranks", orphaned).Msg("completion tree timed out with unreported child ranks")
	}
	return orphaned, nil
}

func (s *State) countUnset() int {
	n := 0
	for _, b := range s.bits {
		if !b {
			n++
		}
	}
	return n
}

// sendOne delivers msg to the parent rank (retrying up to ParentRetry
// times) or straight to the controller when there is no parent rank or the
// parent retries are exhausted.
func (s *State) sendOne(ctx context.Context, msg transport.RequestStepComplete, toParent PeerSender, toController ControllerSender) error {
	if s.ParentRank == -1 {
		_, err := toController(ctx, msg)
		return err
	}

	var lastErr error
	for attempt := 0; attempt < ParentRetry; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, ParentRPCBudget)
		_, err := toParent(rpcCtx, s.ParentAddr, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		metrics.CompletionTreeRetriesTotal.WithLabelValues(s.ParentAddr).Inc()
		if attempt < ParentRetry-1 {
			time.Sleep(ParentRetryDelay)
		}
	}

	log.Logger.Warn().Str("parent_addr", s.ParentAddr).Err(lastErr).Msg("parent rank unreachable, falling back to controller")
	metrics.CompletionTreeTimeoutsTotal.Inc()
	_, err := toController(ctx, msg)
	if err != nil {
		return stepderrs.New(stepderrs.KindTransportExhausted, "completion.Emit", err)
	}
	return nil
}
