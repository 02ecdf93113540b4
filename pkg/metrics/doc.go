/*
Package metrics provides Prometheus metrics for a running step manager.

stepd is forked once per job step and exits when the step completes, so
its metrics are scraped over a short-lived process's lifetime rather than
a long-running daemon's — the registered gauges and counters describe one
step's task forking, reaping, and completion-tree behavior.

# Metrics Catalog

Task lifecycle:
  - stepd_tasks_forked_total: counter, incremented once per task forked
  - stepd_tasks_reaped_total{outcome}: counter, outcome is "exited" or "signaled"
  - stepd_tasks_running: gauge, registered but not updated anywhere in stepd
  - stepd_task_fork_duration_seconds: histogram, time to fork+release all tasks

Completion tree:
  - stepd_step_complete_emitted_total: counter
  - stepd_completion_tree_timeouts_total: counter
  - stepd_completion_tree_retries_total{destination}: counter
  - stepd_completion_wait_duration_seconds: histogram, registered but not observed anywhere in stepd

Batch subsystem:
  - stepd_batch_scripts_materialized_total: counter
  - stepd_batch_complete_send_failures_total: counter

Privilege transitions:
  - stepd_privilege_drops_total / stepd_privilege_reclaims_total: counters

Container plugin:
  - stepd_container_add_duration_seconds: histogram

# Usage

	timer := metrics.NewTimer()
	// ... fork all tasks ...
	timer.ObserveDuration(metrics.TaskForkDuration)
	metrics.TasksForkedTotal.Add(float64(ntasks))

# Design Patterns

Metrics are registered once in init() and exposed via metrics.Handler()
for a caller that wants to run an HTTP listener for scraping (cmd/stepd
does so when --metrics-addr is set). Nothing in stepd reads the counters
back at exit.
*/
package metrics
