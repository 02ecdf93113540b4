// Package privilege implements the step manager's scoped privilege cell:
// dropping from root to a target uid/gid (with PAM and cwd checks still
// running as the intended user) and reclaiming back to root on every exit
// path, plus the final one-way transition to the job user before exec.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/cuemby/stepd/pkg/log"
	"github.com/cuemby/stepd/pkg/metrics"
	"github.com/cuemby/stepd/pkg/stepd/stepderrs"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

// Cell performs privilege transitions for one step manager process. It is
// not safe for concurrent use: only the orchestrator goroutine may call
// Drop/Reclaim/BecomeUser, matching the "privilege state is process-global"
// rule in the concurrency model.
type Cell struct{}

// NewCell returns a Cell. Cell carries no state of its own; all state
// captured by a drop lives in the returned types.PrivilegeSnapshot.
func NewCell() *Cell {
	return &Cell{}
}

// Drop captures the current real uid/gid, supplementary groups, and cwd,
// then lowers the effective identity toward ctx.User. If the caller is not
// running as root, Drop is a no-op that still returns a valid snapshot (so
// Reclaim remains safe to call unconditionally).
//
// When doSetuid is false, only the effective gid and supplementary groups
// are lowered; the effective uid stays root so a subsequent PAM session
// setup can still run as root. When true, the effective uid is lowered too.
func (c *Cell) Drop(ctx *types.StepContext, doSetuid bool) (types.PrivilegeSnapshot, error) {
	snap := types.PrivilegeSnapshot{
		SavedUID:        uint32(unix.Getuid()),
		SavedGID:        uint32(unix.Getgid()),
		EffectiveAtDrop: uint32(unix.Geteuid()),
	}

	cwd, err := os.Getwd()
	if err != nil {
		return snap, stepderrs.New(stepderrs.KindPrivilegeDrop, "privilege.Drop", err)
	}
	snap.SavedCwd = cwd

	groups, err := unix.Getgroups()
	if err != nil {
		return snap, stepderrs.New(stepderrs.KindPrivilegeDrop, "privilege.Drop", err)
	}
	snap.SavedGroups = make([]uint32, len(groups))
	for i, g := range groups {
		snap.SavedGroups[i] = uint32(g)
	}

	if snap.EffectiveAtDrop != 0 {
		// Not root: nothing to drop.
		return snap, nil
	}

	if err := unix.Setegid(int(ctx.User.GID)); err != nil {
		return snap, stepderrs.New(stepderrs.KindPrivilegeDrop, "privilege.Drop", err)
	}

	target, err := SupplementaryGroups(ctx)
	if err != nil {
		return snap, stepderrs.New(stepderrs.KindPrivilegeDrop, "privilege.Drop", err)
	}
	if err := unix.Setgroups(target); err != nil {
		return snap, stepderrs.New(stepderrs.KindPrivilegeDrop, "privilege.Drop", err)
	}

	if doSetuid {
		if err := unix.Seteuid(int(ctx.User.UID)); err != nil {
			return snap, stepderrs.New(stepderrs.KindPrivilegeDrop, "privilege.Drop", err)
		}
	}

	metrics.PrivilegeDropsTotal.Inc()
	log.Logger.Debug().Bool("setuid", doSetuid).Uint32("target_uid", ctx.User.UID).Msg("privilege dropped")
	return snap, nil
}

// Reclaim restores the effective uid/gid and supplementary groups captured
// in snap. It is a no-op if the effective uid already equals the saved real
// uid (the drop never happened, or a prior reclaim already ran). Reclaim
// failures are logged by the caller and suppressed on exit paths per the
// error-handling policy: the process is about to exit either way.
func (c *Cell) Reclaim(snap types.PrivilegeSnapshot) error {
	if uint32(unix.Geteuid()) == snap.SavedUID {
		return nil
	}

	if err := unix.Seteuid(int(snap.SavedUID)); err != nil {
		return stepderrs.New(stepderrs.KindPrivilegeReclaim, "privilege.Reclaim", err)
	}
	if err := unix.Setegid(int(snap.SavedGID)); err != nil {
		return stepderrs.New(stepderrs.KindPrivilegeReclaim, "privilege.Reclaim", err)
	}
	groups := make([]int, len(snap.SavedGroups))
	for i, g := range snap.SavedGroups {
		groups[i] = int(g)
	}
	if err := unix.Setgroups(groups); err != nil {
		return stepderrs.New(stepderrs.KindPrivilegeReclaim, "privilege.Reclaim", err)
	}

	metrics.PrivilegeReclaimsTotal.Inc()
	return nil
}

// BecomeUser reclaims first (so the following setre* calls start from a
// known state), then permanently transitions to the job user with
// setregid/setreuid. This is a one-way transition for the calling process.
// Nothing in stepd calls it: the forker makes each task's permanent switch
// to the job user through SysProcAttr.Credential instead.
func (c *Cell) BecomeUser(ctx *types.StepContext, snap types.PrivilegeSnapshot) error {
	if err := c.Reclaim(snap); err != nil {
		return stepderrs.New(stepderrs.KindBecomeUser, "privilege.BecomeUser", err)
	}

	if err := unix.Setregid(int(ctx.User.GID), int(ctx.User.GID)); err != nil {
		return stepderrs.New(stepderrs.KindBecomeUser, "privilege.BecomeUser", err)
	}
	if err := unix.Setreuid(int(ctx.User.UID), int(ctx.User.UID)); err != nil {
		return stepderrs.New(stepderrs.KindBecomeUser, "privilege.BecomeUser", err)
	}
	return nil
}

// SupplementaryGroups returns ctx.User.ResolvedGroups if the controller
// already resolved them, otherwise derives the list from the platform
// group database for the user's name and primary gid.
func SupplementaryGroups(ctx *types.StepContext) ([]int, error) {
	if ctx.User.ResolvedGroups != nil {
		out := make([]int, len(ctx.User.ResolvedGroups))
		for i, g := range ctx.User.ResolvedGroups {
			out[i] = int(g)
		}
		return out, nil
	}

	u, err := user.Lookup(ctx.User.Name)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", ctx.User.Name, err)
	}
	gidStrs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("lookup groups for %q: %w", ctx.User.Name, err)
	}
	out := make([]int, 0, len(gidStrs))
	for _, s := range gidStrs {
		gid, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		out = append(out, gid)
	}
	return out, nil
}
