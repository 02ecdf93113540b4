// Command stepd-shim is the pre-exec rendezvous point for a forked task.
// The step manager starts one shim per task with the task's real program
// image and argv appended to the shim's own argv, and the gate pipe's read
// end inherited as fd 3. The shim blocks on a one-byte read from fd 3 —
// the exec gate — then execs the real program image in its own place.
//
// This exists because Go's runtime does not support calling fork() without
// an immediate exec() from a multi-threaded process: os/exec always forks
// and execs together. The shim reproduces the source's "child reads one
// byte before calling the program image" rendezvous within that
// constraint by being the thing os/exec forks and execs, and then doing
// the real task's exec itself once the gate opens.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// gateFD is the well-known fd the step manager passes the gate pipe's read
// end on, via os/exec.Cmd.ExtraFiles[0].
const gateFD = 3

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "stepd-shim: missing program argv")
		os.Exit(1)
	}

	gate := os.NewFile(gateFD, "exec-gate")
	var b [1]byte
	if _, err := gate.Read(b[:]); err != nil {
		fmt.Fprintf(os.Stderr, "stepd-shim: exec gate read failed: %v\n", err)
		os.Exit(1)
	}
	gate.Close()

	program := os.Args[1]
	argv := os.Args[1:]

	path, err := exec.LookPath(program)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stepd-shim: %v\n", err)
		os.Exit(1)
	}

	if err := syscall.Exec(path, argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "stepd-shim: exec %s failed: %v\n", path, err)
		os.Exit(1)
	}
}
