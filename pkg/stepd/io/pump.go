// Package io defines the standard I/O pump contract: the orchestrator's
// second long-lived goroutine, which moves each task's stdout/stderr to
// wherever the originating client wants it read. The pump's internals
// (buffering, line splitting, label framing) are explicitly out of scope;
// the orchestrator only ever needs to start it, signal it to shut down,
// and join it.
package io

import (
	"io"
	"os"
	"sync"

	"github.com/cuemby/stepd/pkg/log"
)

// Stream identifies which task fd a Pump is copying from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

// TaskStream is one task's output fd the Pump copies from, and the label
// the destination sink needs to attribute it.
type TaskStream struct {
	TaskLocalID int
	Stream      Stream
	Src         *os.File
}

// Pump copies every registered TaskStream to a sink until each source
// reaches EOF; Join returns once every copy goroutine has drained and
// exited. Implementations are not required to be reusable after Join.
type Pump interface {
	// Start launches the pump's copy goroutines for streams. It returns
	// immediately; copying happens asynchronously.
	Start(streams []TaskStream) error
	// Shutdown signals every copy goroutine to stop once its source
	// reaches EOF (it does not truncate in-flight output).
	Shutdown()
	// Join blocks until every copy goroutine launched by Start has
	// exited.
	Join()
}

// Sink receives one task stream's bytes, labeled by which task and
// stream they came from.
type Sink interface {
	Write(ts TaskStream, p []byte) (int, error)
}

// FilePump is the one concrete Pump: it copies each TaskStream to a Sink
// using one goroutine per stream, via io.Copy against a sinkWriter
// adapter. Shutdown is advisory only — io.Copy has no way to be
// interrupted mid-read short of closing the source fd, which is the
// orchestrator's job during task cleanup, not the pump's. Shutdown here
// only closes an internal channel that the copy goroutines do not read; it
// exists so callers can follow the "signal shutdown, then join" order.
type FilePump struct {
	sink Sink

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewFilePump returns a FilePump writing every copied stream to sink.
func NewFilePump(sink Sink) *FilePump {
	return &FilePump{sink: sink, shutdown: make(chan struct{})}
}

func (p *FilePump) Start(streams []TaskStream) error {
	for _, ts := range streams {
		ts := ts
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w := sinkWriter{sink: p.sink, ts: ts}
			if _, err := io.Copy(w, ts.Src); err != nil {
				log.WithTask(ts.TaskLocalID).Warn().Err(err).Int("stream", int(ts.Stream)).Msg("io pump copy ended with error")
			}
		}()
	}
	return nil
}

func (p *FilePump) Shutdown() {
	p.once.Do(func() { close(p.shutdown) })
}

func (p *FilePump) Join() {
	p.wg.Wait()
}

type sinkWriter struct {
	sink Sink
	ts   TaskStream
}

func (w sinkWriter) Write(p []byte) (int, error) {
	return w.sink.Write(w.ts, p)
}

// NoopPump discards everything; used for batch steps and tests that
// don't exercise I/O forwarding.
type NoopPump struct{}

func (NoopPump) Start([]TaskStream) error { return nil }
func (NoopPump) Shutdown()                {}
func (NoopPump) Join()                    {}
