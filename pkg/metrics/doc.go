/*
Package metrics provides Prometheus metrics collection and exposition for
rke2d.

All metrics are registered against the default registry at package init
and exposed on /metrics via promhttp.

# Metrics Catalog

Topology:

	rke2d_clusters_total             gauge    managed clusters
	rke2d_nodes_total{role,status}   gauge    nodes by role and status

Jobs:

	rke2d_jobs_started_total{kind}           counter
	rke2d_jobs_completed_total{kind,status}  counter
	rke2d_job_duration_seconds{kind}         histogram, minutes-scale buckets

Locking and Guardrails:

	rke2d_lock_conflicts_total               counter
	rke2d_stale_locks_reconciled_total       counter
	rke2d_guardrail_rejections_total{check}  counter

Streaming and API:

	rke2d_stream_subscribers                     gauge
	rke2d_api_requests_total{method,path,status} counter
	rke2d_api_request_duration_seconds{method,path} histogram

# Timer Helper

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.JobDuration, "install")

# Usage

	http.Handle("/metrics", metrics.Handler())

Label discipline: only bounded values (kinds, statuses, route templates)
are used as labels; job and cluster IDs stay in logs.
*/
package metrics
