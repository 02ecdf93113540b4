package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/stepd/pkg/stepd/transport"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

func TestMakeBatchDirModeAndTolerance(t *testing.T) {
	spool := t.TempDir()
	ctx := &types.StepContext{JobID: 42, StepID: types.NoStepID, User: types.UserIdentity{GID: uint32(os.Getgid())}}

	path, err := MakeBatchDir(spool, ctx)
	if err != nil {
		t.Fatalf("MakeBatchDir: %v", err)
	}
	if filepath.Base(path) != "job00042" {
		t.Errorf("path = %s, want basename job00042", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != dirMode {
		t.Errorf("mode = %o, want %o", info.Mode().Perm(), dirMode)
	}

	// EEXIST must be tolerated.
	if _, err := MakeBatchDir(spool, ctx); err != nil {
		t.Fatalf("second MakeBatchDir call should tolerate EEXIST: %v", err)
	}
}

func TestMakeBatchDirWithStepID(t *testing.T) {
	spool := t.TempDir()
	ctx := &types.StepContext{JobID: 7, StepID: 3, User: types.UserIdentity{GID: uint32(os.Getgid())}}

	path, err := MakeBatchDir(spool, ctx)
	if err != nil {
		t.Fatalf("MakeBatchDir: %v", err)
	}
	if filepath.Base(path) != "job00007.00003" {
		t.Errorf("path = %s, want basename job00007.00003", path)
	}
}

func TestMaterializeScriptModeAndOwner(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("chown to an arbitrary uid requires root")
	}

	dir := t.TempDir()
	ctx := &types.StepContext{User: types.UserIdentity{UID: 1000}}

	scriptPath, err := MaterializeScript(ctx, dir, []byte("#!/bin/sh\nexit 0\n"))
	if err != nil {
		t.Fatalf("MaterializeScript: %v", err)
	}

	info, err := os.Stat(scriptPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != scriptMode {
		t.Errorf("mode = %o, want %o", info.Mode().Perm(), scriptMode)
	}
}

func TestMaterializeScriptRetriesOnEEXIST(t *testing.T) {
	dir := t.TempDir()
	ctx := &types.StepContext{User: types.UserIdentity{UID: uint32(os.Getuid())}}

	scriptPath := filepath.Join(dir, "script")
	if err := os.WriteFile(scriptPath, []byte("stale"), 0644); err != nil {
		t.Fatalf("seed stale script: %v", err)
	}

	got, err := MaterializeScript(ctx, dir, []byte("fresh"))
	if err != nil {
		t.Fatalf("MaterializeScript: %v", err)
	}
	contents, _ := os.ReadFile(got)
	if string(contents) != "fresh" {
		t.Errorf("contents = %q, want %q", contents, "fresh")
	}
}

type fakeController struct {
	calls   int
	results []struct {
		code transport.ReplyCode
		err  error
	}
}

func (f *fakeController) StepComplete(ctx context.Context, msg transport.RequestStepComplete) (transport.ReplyCode, error) {
	return transport.ReplySuccess, nil
}

func (f *fakeController) CompleteBatchScript(ctx context.Context, msg transport.RequestCompleteBatchScript) (transport.ReplyCode, error) {
	r := f.results[f.calls]
	f.calls++
	return r.code, r.err
}

func TestSendBatchCompleteCollapsesAlreadyDone(t *testing.T) {
	fc := &fakeController{results: []struct {
		code transport.ReplyCode
		err  error
	}{
		{transport.ReplyAlreadyDone, nil},
	}}

	if err := SendBatchComplete(context.Background(), fc, 1, "node1", 0, 42); err != nil {
		t.Fatalf("expected AlreadyDone to collapse to success, got %v", err)
	}
}
