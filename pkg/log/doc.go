/*
Package log provides structured logging for stepd using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Usage

Initializing the logger:

	import "github.com/cuemby/stepd/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("step manager starting")
	log.Debug("waiting on exec gate")
	log.Warn("completion tree retry")
	log.Error("failed to reap task")

Structured logging:

	log.Logger.Info().
		Str("job_id", jobID).
		Int("ntasks", ntasks).
		Msg("step launched")

Context loggers:

A step manager is forked once per job step and lives for that step's
duration, so its logs are tagged with the job/step pair for the whole
process lifetime, and per-task loggers are derived from it as tasks fork:

	stepLog := log.WithJobStep(jobID, stepID)
	stepLog.Info().Msg("privileges dropped")

	taskLog := stepLog.With().Int("task_local_id", task.LocalID).Logger()
	taskLog.Info().Msg("task forked")

	// or, starting fresh from the global logger:
	taskLog2 := log.WithTask(task.LocalID)

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once via log.Init()
  - Accessible from all stepd packages without passing a logger around

Context Logger Pattern:
  - Child loggers carry job/step/task identity so every subsequent log
    line is attributable to the right step manager and task, which
    matters once many stepd processes run concurrently on one node

# Security

Never log secrets or task environment variables verbatim — task
environments may carry credentials injected by the controller. Use typed
fields for user-controlled values to avoid log injection.
*/
package log
