package privilege

import (
	"os"
	"testing"

	"github.com/cuemby/stepd/pkg/stepd/types"
)

// These tests exercise the non-root path (Drop as a no-op) since the test
// runner is not expected to run as root; the root-path uid/gid transitions
// are covered by the orchestrator's end-to-end tests, which skip
// themselves when not root.

func TestDropNonRootIsNoOp(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("test runner is root; drop would actually transition identity")
	}

	cell := NewCell()
	ctx := &types.StepContext{
		User: types.UserIdentity{UID: 9999, GID: 9999, Name: "nobody"},
	}

	before := os.Geteuid()
	snap, err := cell.Drop(ctx, true)
	if err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if os.Geteuid() != before {
		t.Errorf("effective uid changed for non-root caller: %d -> %d", before, os.Geteuid())
	}
	if int(snap.SavedUID) != os.Getuid() {
		t.Errorf("snapshot saved uid = %d, want %d", snap.SavedUID, os.Getuid())
	}
}

func TestReclaimNoOpWhenAlreadyMatching(t *testing.T) {
	cell := NewCell()
	snap := types.PrivilegeSnapshot{SavedUID: uint32(os.Geteuid())}

	if err := cell.Reclaim(snap); err != nil {
		t.Fatalf("Reclaim should no-op when euid already matches: %v", err)
	}
}

func TestDropCapturesCwdAndGroups(t *testing.T) {
	cell := NewCell()
	ctx := &types.StepContext{
		User: types.UserIdentity{UID: uint32(os.Getuid()), GID: uint32(os.Getgid()), Name: "self"},
	}

	wantGroups, err := os.Getgroups()
	if err != nil {
		t.Fatalf("Getgroups: %v", err)
	}

	snap, err := cell.Drop(ctx, false)
	if err != nil {
		t.Fatalf("Drop: %v", err)
	}
	wd, _ := os.Getwd()
	if snap.SavedCwd != wd {
		t.Errorf("saved cwd = %q, want %q", snap.SavedCwd, wd)
	}
	if len(snap.SavedGroups) != len(wantGroups) {
		t.Fatalf("saved groups = %v, want %v", snap.SavedGroups, wantGroups)
	}
	for i, g := range wantGroups {
		if int(snap.SavedGroups[i]) != g {
			t.Errorf("saved groups = %v, want %v", snap.SavedGroups, wantGroups)
			break
		}
	}
}
