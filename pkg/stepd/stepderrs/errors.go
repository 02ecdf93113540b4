// Package stepderrs defines the step manager's error taxonomy.
//
// Most fallible operations in stepd return a *Error carrying a Kind so
// callers can branch on the taxonomy with errors.Is/errors.As instead of
// parsing message strings.
package stepderrs

import "fmt"

// Kind identifies a class of step-manager failure.
type Kind int

const (
	KindUnknown Kind = iota

	// Step infrastructure.
	KindIoSetup
	KindInterconnectPreInit
	KindInterconnectInit
	KindInterconnectPostFini

	// Plugin/isolation.
	KindContainerCreate
	KindContainerAdd
	KindPluginInit
	KindPluginUserHook
	KindPluginPostFork
	KindPluginTaskExit
	KindPamSetup

	// Identity transitions.
	KindPrivilegeDrop
	KindPrivilegeReclaim
	KindBecomeUser

	// Process creation.
	KindFork
	KindExec
	KindChdir
	KindPipe

	// Messaging.
	KindTransportTimeout
	KindTransportExhausted
	KindTreeDegraded

	// Batch staging.
	KindBatchDirCreate
	KindBatchScriptCreate
	KindBatchScriptChownChmod
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindIoSetup:               "io_setup",
	KindInterconnectPreInit:   "interconnect_pre_init",
	KindInterconnectInit:      "interconnect_init",
	KindInterconnectPostFini:  "interconnect_post_fini",
	KindContainerCreate:       "container_create",
	KindContainerAdd:          "container_add",
	KindPluginInit:            "plugin_init",
	KindPluginUserHook:        "plugin_user_hook",
	KindPluginPostFork:        "plugin_post_fork",
	KindPluginTaskExit:        "plugin_task_exit",
	KindPamSetup:              "pam_setup",
	KindPrivilegeDrop:         "privilege_drop",
	KindPrivilegeReclaim:      "privilege_reclaim",
	KindBecomeUser:            "become_user",
	KindFork:                  "fork",
	KindExec:                  "exec",
	KindChdir:                 "chdir",
	KindPipe:                  "pipe",
	KindTransportTimeout:      "transport_timeout",
	KindTransportExhausted:    "transport_exhausted",
	KindTreeDegraded:          "tree_degraded",
	KindBatchDirCreate:        "batch_dir_create",
	KindBatchScriptCreate:     "batch_script_create",
	KindBatchScriptChownChmod: "batch_script_chown_chmod",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error wraps an underlying error with a taxonomy Kind and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, stepderrs.New(stepderrs.KindFork, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a new *Error for op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf builds a new *Error for op with a formatted message wrapping err.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format+": %w", append(args, err)...)}
}
