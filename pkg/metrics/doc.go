/*
Package metrics exposes Vicky's Prometheus series and a small health-check
registry shared by the /health, /ready, and /live HTTP endpoints.

Task and lock lifecycle are each instrumented at the point pkg/scheduler
performs the corresponding transition: vicky_tasks_submitted_total,
vicky_task_claims_total, vicky_tasks_finished_total{result}, and
vicky_poisoned_locks_total. vicky_tasks_active{status} is the one gauge a
periodic Collector samples instead, since summing Submit/Claim/Finish
deltas independently would risk drifting from the true count under
concurrent requests.

RegisterComponent/UpdateComponent/GetHealth/GetReadiness track each
dependency's last-known state by name; the readiness check treats
"storage", "objectstore" and "api" as critical and reports not ready while
any of them is unregistered or unhealthy.
*/
package metrics
