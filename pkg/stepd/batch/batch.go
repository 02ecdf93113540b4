// Package batch implements the batch-script variant's filesystem surface:
// spool-directory creation, script materialization with strict ownership
// and mode, and completion reporting with bounded retry.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/stepd/pkg/log"
	"github.com/cuemby/stepd/pkg/metrics"
	"github.com/cuemby/stepd/pkg/stepd/stepderrs"
	"github.com/cuemby/stepd/pkg/stepd/transport"
	"github.com/cuemby/stepd/pkg/stepd/types"
)

// MaxRetry bounds the number of send_batch_complete attempts.
const MaxRetry = 240

// RetryDelay is the pause between send_batch_complete attempts.
const RetryDelay = 15 * time.Second

// dirMode and scriptMode match the spec's strict-permission contract:
// the spool directory is root-owned group-readable/executable, the
// script is owned by the job user and readable/executable by no one else.
const (
	dirMode    = 0750
	scriptMode = 0500
)

// MakeBatchDir computes and creates the spool directory for ctx, owned
// root:target_gid with mode 0750. EEXIST on mkdir is tolerated (a prior
// attempt may have already created it).
func MakeBatchDir(spoolDir string, ctx *types.StepContext) (string, error) {
	var path string
	if ctx.StepID == types.NoStepID {
		path = filepath.Join(spoolDir, fmt.Sprintf("job%05d", ctx.JobID))
	} else {
		path = filepath.Join(spoolDir, fmt.Sprintf("job%05d.%05d", ctx.JobID, ctx.StepID))
	}

	if err := os.Mkdir(path, dirMode); err != nil && !errors.Is(err, os.ErrExist) {
		return "", stepderrs.New(stepderrs.KindBatchDirCreate, "batch.MakeBatchDir", err)
	}
	if err := os.Chown(path, -1, int(ctx.User.GID)); err != nil {
		return "", stepderrs.New(stepderrs.KindBatchDirCreate, "batch.MakeBatchDir", err)
	}
	if err := os.Chmod(path, dirMode); err != nil {
		return "", stepderrs.New(stepderrs.KindBatchDirCreate, "batch.MakeBatchDir", err)
	}

	return path, nil
}

// MaterializeScript writes scriptBytes to "<path>/script", exclusive-create
// (retrying once after unlinking on EEXIST), then chowns it to the job uid
// and sets mode 0500.
func MaterializeScript(ctx *types.StepContext, path string, scriptBytes []byte) (string, error) {
	scriptPath := filepath.Join(path, "script")

	f, err := os.OpenFile(scriptPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		if rmErr := os.Remove(scriptPath); rmErr != nil {
			return "", stepderrs.New(stepderrs.KindBatchScriptCreate, "batch.MaterializeScript", rmErr)
		}
		f, err = os.OpenFile(scriptPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	}
	if err != nil {
		return "", stepderrs.New(stepderrs.KindBatchScriptCreate, "batch.MaterializeScript", err)
	}

	if _, err := f.Write(scriptBytes); err != nil {
		f.Close()
		return "", stepderrs.New(stepderrs.KindBatchScriptCreate, "batch.MaterializeScript", err)
	}
	if err := f.Close(); err != nil {
		return "", stepderrs.New(stepderrs.KindBatchScriptCreate, "batch.MaterializeScript", err)
	}

	if err := os.Chown(scriptPath, int(ctx.User.UID), -1); err != nil {
		return "", stepderrs.New(stepderrs.KindBatchScriptChownChmod, "batch.MaterializeScript", err)
	}
	if err := os.Chmod(scriptPath, scriptMode); err != nil {
		return "", stepderrs.New(stepderrs.KindBatchScriptChownChmod, "batch.MaterializeScript", err)
	}

	metrics.BatchScriptsMaterializedTotal.Inc()
	return scriptPath, nil
}

// SendBatchComplete fills and sends a RequestCompleteBatchScript, retrying
// on transport failure up to MaxRetry times at RetryDelay cadence. Reply
// codes AlreadyDone and InvalidJobID collapse to success; any other
// non-success reply is propagated as this call's error.
func SendBatchComplete(ctx context.Context, controller transport.ControllerClient, jobID uint32, nodeName string, slurmRC, jobRC int) error {
	msg := transport.RequestCompleteBatchScript{
		JobID:    jobID,
		SlurmRC:  slurmRC,
		JobRC:    jobRC,
		NodeName: nodeName,
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetry; attempt++ {
		code, err := controller.CompleteBatchScript(ctx, msg)
		if err == nil {
			switch code {
			case transport.ReplySuccess, transport.ReplyAlreadyDone, transport.ReplyInvalidJobID:
				return nil
			default:
				return stepderrs.New(stepderrs.KindTransportExhausted, "batch.SendBatchComplete", fmt.Errorf("controller returned reply code %d", code))
			}
		}

		lastErr = err
		metrics.BatchCompleteSendFailuresTotal.Inc()
		log.Logger.Warn().Err(err).Int("attempt", attempt+1).Msg("send_batch_complete failed, retrying")
		if attempt < MaxRetry-1 {
			select {
			case <-time.After(RetryDelay):
			case <-ctx.Done():
				return stepderrs.New(stepderrs.KindTransportExhausted, "batch.SendBatchComplete", ctx.Err())
			}
		}
	}

	return stepderrs.New(stepderrs.KindTransportExhausted, "batch.SendBatchComplete", lastErr)
}

// Finish unlinks the materialized script, removes the (now empty) batch
// directory, then sends batch completion carrying both the orchestration
// result rc and the exit status of task 0 (the batch script itself).
func Finish(ctx context.Context, controller transport.ControllerClient, stepCtx *types.StepContext, nodeName string, rc int) error {
	scriptPath := filepath.Join(stepCtx.BatchDir, "script")
	if err := os.Remove(scriptPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Logger.Warn().Err(err).Str("path", scriptPath).Msg("failed to remove batch script")
	}
	if err := os.Remove(stepCtx.BatchDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Logger.Warn().Err(err).Str("path", stepCtx.BatchDir).Msg("failed to remove batch directory")
	}
	stepCtx.BatchDir = ""

	jobRC := 0
	if len(stepCtx.Tasks) > 0 {
		jobRC = (stepCtx.Tasks[0].ExitStatus >> 8) & 0xff
	}

	return SendBatchComplete(ctx, controller, stepCtx.JobID, nodeName, rc, jobRC)
}
