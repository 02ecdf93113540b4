package io

import (
	"os"
	"sync"
	"testing"
)

type recordingSink struct {
	mu   sync.Mutex
	recv map[int][]byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{recv: make(map[int][]byte)}
}

func (s *recordingSink) Write(ts TaskStream, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv[ts.TaskLocalID] = append(s.recv[ts.TaskLocalID], p...)
	return len(p), nil
}

func TestFilePumpCopiesToSink(t *testing.T) {
	r0, w0, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	r1, w1, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	sink := newRecordingSink()
	p := NewFilePump(sink)
	if err := p.Start([]TaskStream{
		{TaskLocalID: 0, Stream: StreamStdout, Src: r0},
		{TaskLocalID: 1, Stream: StreamStdout, Src: r1},
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w0.Write([]byte("hello from task 0"))
	w0.Close()
	w1.Write([]byte("hello from task 1"))
	w1.Close()

	p.Shutdown()
	p.Join()

	if got := string(sink.recv[0]); got != "hello from task 0" {
		t.Errorf("task 0 output = %q", got)
	}
	if got := string(sink.recv[1]); got != "hello from task 1" {
		t.Errorf("task 1 output = %q", got)
	}
}

func TestNoopPump(t *testing.T) {
	var p NoopPump
	if err := p.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Shutdown()
	p.Join()
}
