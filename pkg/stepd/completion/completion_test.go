package completion

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/stepd/pkg/stepd/transport"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

func fakeTopo(rank, children, depth, maxDepth int) transport.TreeTopology {
	return transport.TreeTopology{
		Rank:       rank,
		ParentRank: rank - 1,
		ParentAddr: "peer-addr",
		Children:   children,
		Depth:      depth,
		MaxDepth:   maxDepth,
	}
}

func TestEmitNoChildren(t *testing.T) {
	s := New(1, 1, fakeTopo(5, 0, 0, 0))

	var got []transport.RequestStepComplete
	toParent := func(ctx context.Context, addr string, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		got = append(got, msg)
		return transport.ReplySuccess, nil
	}
	toController := func(ctx context.Context, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		got = append(got, msg)
		return transport.ReplySuccess, nil
	}

	orphaned, err := s.Emit(context.Background(), toParent, toController)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if orphaned != 0 {
		t.Errorf("orphaned = %d, want 0", orphaned)
	}
	if len(got) != 1 || got[0].RangeFirst != 5 || got[0].RangeLast != 5 {
		t.Fatalf("expected single [rank,rank] message, got %+v", got)
	}
}

func TestEmitAllBitsSetMergesOwnRank(t *testing.T) {
	s := New(1, 1, fakeTopo(5, 3, 0, 0))
	s.ChildComplete(6, 8, 0, types.JobAcct{})

	var got []transport.RequestStepComplete
	toParent := func(ctx context.Context, addr string, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		got = append(got, msg)
		return transport.ReplySuccess, nil
	}
	toController := func(ctx context.Context, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		got = append(got, msg)
		return transport.ReplySuccess, nil
	}

	if _, err := s.Emit(context.Background(), toParent, toController); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected a single merged range, got %+v", got)
	}
	if got[0].RangeFirst != 5 || got[0].RangeLast != 8 {
		t.Errorf("expected [5,8], got [%d,%d]", got[0].RangeFirst, got[0].RangeLast)
	}
}

func TestWaitForChildrenTimeoutWithPartialBits(t *testing.T) {
	s := New(1, 1, fakeTopo(0, 4, 0, 0))
	s.ChildComplete(1, 2, 0, types.JobAcct{})

	complete := s.WaitForChildren(50 * time.Millisecond)
	if complete {
		t.Fatal("expected timeout (partial bits), got all children reported")
	}

	var got []transport.RequestStepComplete
	toParent := func(ctx context.Context, addr string, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		got = append(got, msg)
		return transport.ReplySuccess, nil
	}
	toController := func(ctx context.Context, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		got = append(got, msg)
		return transport.ReplySuccess, nil
	}

	orphaned, err := s.Emit(context.Background(), toParent, toController)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if orphaned != 2 {
		t.Errorf("orphaned = %d, want 2", orphaned)
	}
	if len(got) != 1 || got[0].RangeFirst != 0 || got[0].RangeLast != 2 {
		t.Fatalf("expected the reported run (starting at bit 0) merged with own rank as [0,2], got %+v", got)
	}
}

func TestParentRetryFallsBackToController(t *testing.T) {
	s := New(1, 1, fakeTopo(2, 1, 0, 0))
	s.ChildComplete(3, 3, 0, types.JobAcct{})

	attempts := 0
	toParent := func(ctx context.Context, addr string, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		attempts++
		return transport.ReplyError, context.DeadlineExceeded
	}
	controllerCalled := false
	toController := func(ctx context.Context, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
		controllerCalled = true
		return transport.ReplySuccess, nil
	}

	if _, err := s.Emit(context.Background(), toParent, toController); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if attempts != ParentRetry {
		t.Errorf("attempts = %d, want %d", attempts, ParentRetry)
	}
	if !controllerCalled {
		t.Error("expected fallback to controller after exhausting parent retries")
	}
}

func TestLocalTasksCompleteFoldsMaxExitStatus(t *testing.T) {
	s := New(1, 1, fakeTopo(0, 0, 0, 0))
	tasks := []*types.TaskRecord{
		{ExitStatus: 0 << 8},
		{ExitStatus: 7 << 8},
	}
	s.LocalTasksComplete(tasks, types.JobAcct{})

	if s.stepRC != 7 {
		t.Errorf("stepRC = %d, want 7", s.stepRC)
	}
}
