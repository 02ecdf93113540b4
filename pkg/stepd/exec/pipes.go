package exec

import (
	"os"

	"github.com/cuemby/stepd/pkg/stepd/stepderrs"
)

// gatePair is one task's synchronization pipe: the parent holds Write and
// releases the task's exec gate by writing one byte to it; the task's shim
// process inherits Read as its fd 3.
type gatePair struct {
	Read  *os.File
	Write *os.File
}

// PipeArray holds one gate pipe per task, sized ntasks at construction.
type PipeArray struct {
	pairs []gatePair
}

// NewPipeArray allocates ntasks pipes, each with both ends close-on-exec by
// default (os.Pipe already returns close-on-exec file descriptors on every
// platform stepd targets); the read end is explicitly un-close-on-exec'd
// only when handed to a task's shim via ExtraFiles, which os/exec.Cmd does
// for us.
func NewPipeArray(ntasks int) (*PipeArray, error) {
	pa := &PipeArray{pairs: make([]gatePair, ntasks)}
	for i := 0; i < ntasks; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			pa.Close()
			return nil, stepderrs.New(stepderrs.KindPipe, "exec.NewPipeArray", err)
		}
		pa.pairs[i] = gatePair{Read: r, Write: w}
	}
	return pa, nil
}

// ReadEnd returns task i's gate read end, to be passed as a forked shim's
// ExtraFiles[0].
func (pa *PipeArray) ReadEnd(i int) *os.File {
	return pa.pairs[i].Read
}

// CloseReadEnd closes and forgets task i's read end; called by the parent
// immediately after starting task i's shim, since the shim process now
// holds its own copy.
func (pa *PipeArray) CloseReadEnd(i int) {
	if pa.pairs[i].Read != nil {
		pa.pairs[i].Read.Close()
		pa.pairs[i].Read = nil
	}
}

// Release writes the one-byte exec gate to task i and closes the write
// end, unblocking the shim's pending read.
func (pa *PipeArray) Release(i int) error {
	w := pa.pairs[i].Write
	if w == nil {
		return nil
	}
	_, err := w.Write([]byte{0})
	w.Close()
	pa.pairs[i].Write = nil
	if err != nil {
		return stepderrs.New(stepderrs.KindPipe, "exec.PipeArray.Release", err)
	}
	return nil
}

// Close releases every pipe end still open; used on ForkAll's abort paths,
// including a failed start after earlier tasks were already forked.
func (pa *PipeArray) Close() {
	for i := range pa.pairs {
		if pa.pairs[i].Read != nil {
			pa.pairs[i].Read.Close()
		}
		if pa.pairs[i].Write != nil {
			pa.pairs[i].Write.Close()
		}
	}
}
