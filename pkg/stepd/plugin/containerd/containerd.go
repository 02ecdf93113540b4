// Package containerd implements plugin.Container as a cgroup-backed
// tracking group: every task a step forks is added to one cgroup per
// step, so the whole step can be mass-signaled or torn down as a unit
// without the step manager tracking individual pids itself.
//
// This is adapted from the image/snapshot-oriented containerd runtime
// client used elsewhere in this codebase: stepd's tasks are already
// running processes the manager forked directly, not containerd Tasks
// created from an OCI bundle, so there is no image pull, snapshot, or
// task-start lifecycle here — only cgroup membership and signal/destroy.
package containerd

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/stepd/pkg/log"
	"github.com/cuemby/stepd/pkg/stepd/stepderrs"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

// DefaultCgroupRoot is the parent path every step's cgroup is created
// under, relative to the cgroupfs mount point.
const DefaultCgroupRoot = "/stepd"

// Container tracks one cgroup per active step under CgroupRoot.
type Container struct {
	CgroupRoot string

	mu     sync.Mutex
	groups map[string]cgroups.Cgroup
}

// New returns a Container rooted at root. An empty root uses
// DefaultCgroupRoot.
func New(root string) *Container {
	if root == "" {
		root = DefaultCgroupRoot
	}
	return &Container{CgroupRoot: root, groups: make(map[string]cgroups.Cgroup)}
}

func (c *Container) path(id string) string {
	return fmt.Sprintf("%s/%s", c.CgroupRoot, id)
}

// Create allocates a new cgroup for ctx's step and returns its id.
func (c *Container) Create(ctx *types.StepContext) (string, error) {
	id := fmt.Sprintf("job%d", ctx.JobID)
	if ctx.StepID != types.NoStepID {
		id = fmt.Sprintf("%s.%d", id, ctx.StepID)
	}

	control, err := cgroups.New(cgroups.V1, cgroups.StaticPath(c.path(id)), &specs.LinuxResources{})
	if err != nil {
		return "", stepderrs.New(stepderrs.KindContainerCreate, "containerd.Create", err)
	}

	c.mu.Lock()
	c.groups[id] = control
	c.mu.Unlock()

	log.Logger.Debug().Str("container_id", id).Str("path", c.path(id)).Msg("tracking group created")
	return id, nil
}

// Add places pid into the cgroup identified by id.
func (c *Container) Add(id string, pid int) error {
	control, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := control.Add(cgroups.Process{Pid: pid}); err != nil {
		return stepderrs.New(stepderrs.KindContainerAdd, "containerd.Add", err)
	}
	return nil
}

// Signal delivers sig to every process currently in id's cgroup.
func (c *Container) Signal(id string, sig int) error {
	control, err := c.lookup(id)
	if err != nil {
		return err
	}

	procs, err := control.Processes(cgroups.Devices, true)
	if err != nil {
		return stepderrs.New(stepderrs.KindContainerAdd, "containerd.Signal", err)
	}

	var firstErr error
	for _, p := range procs {
		if err := syscall.Kill(p.Pid, syscall.Signal(sig)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Destroy tears down id's cgroup. If member processes are still alive it
// returns an error without deleting the cgroup, so the caller's
// straggler-kill backoff can retry.
func (c *Container) Destroy(id string) error {
	control, err := c.lookup(id)
	if err != nil {
		return err
	}

	procs, err := control.Processes(cgroups.Devices, true)
	if err != nil {
		return stepderrs.New(stepderrs.KindContainerAdd, "containerd.Destroy", err)
	}
	if len(procs) > 0 {
		return fmt.Errorf("containerd.Destroy: %d processes still in group %s", len(procs), id)
	}

	if err := control.Delete(); err != nil {
		return stepderrs.New(stepderrs.KindContainerAdd, "containerd.Destroy", err)
	}

	c.mu.Lock()
	delete(c.groups, id)
	c.mu.Unlock()
	return nil
}

func (c *Container) lookup(id string) (cgroups.Cgroup, error) {
	c.mu.Lock()
	control, ok := c.groups[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("containerd: unknown container id %q", id)
	}
	return control, nil
}
