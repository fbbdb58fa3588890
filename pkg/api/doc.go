/*
Package api implements the HTTP surface of rke2d using the Echo framework.

The API exposes cluster, credential and job management plus live job
output streaming. Long-running operations return 202 Accepted with a job
record; clients follow the job via polling or the SSE stream.

# Endpoints

Clusters:

	POST   /api/clusters/new                  create a fresh cluster with nodes
	POST   /api/clusters/register             register an external cluster by kubeconfig
	GET    /api/clusters                      list clusters with nodes
	GET    /api/clusters/:id                  get one cluster
	PUT    /api/clusters/:id                  partial update (refused while busy)
	DELETE /api/clusters/:id                  delete (refused while busy)
	POST   /api/clusters/:id/scale/add        add nodes (202 + job)
	POST   /api/clusters/:id/scale/remove     remove nodes (202 + job)
	POST   /api/clusters/:id/preflight-check  readiness check (202 + job)
	POST   /api/clusters/:id/fetch-kubeconfig pull admin kubeconfig from the cluster
	POST   /api/clusters/:id/upload-kubeconfig
	GET    /api/clusters/:id/status           cached live status snapshot
	POST   /api/clusters/:id/refresh          force a status refresh

Credentials:

	POST   /api/credentials                   create (secret encrypted at rest)
	GET    /api/credentials                   list (never returns secrets)
	GET    /api/credentials/:id
	DELETE /api/credentials/:id               409 while referenced by a cluster
	POST   /api/credentials/test-access       synchronous SSH connectivity check

Jobs:

	POST   /api/jobs/install/:cluster_id      202 + job
	POST   /api/jobs/uninstall/:cluster_id    requires ?confirmation=<cluster name>
	GET    /api/jobs                          optionally ?cluster_id=
	GET    /api/jobs/:id
	POST   /api/jobs/:id/terminate
	GET    /api/jobs/:id/stream               server-sent events

Operational:

	GET    /healthz
	GET    /metrics                           Prometheus exposition

# Error Mapping

All error bodies are {"detail": "..."}:

  - Operation lock conflicts: 409 with the busy message
  - Guardrail refusals and validation: 400
  - Missing entities: 404
  - Uniqueness and in-use conflicts: 409
  - Anything else: logged 500 without internals in the body

# Streaming

GET /api/jobs/:id/stream serves the job output as SSE: the persisted
history first, then live chunks, terminated by an "end" event once the
job reaches a terminal state. Jobs whose bus has already been collected
replay their persisted output instead.

# Integration Points

  - pkg/orchestrator: All mutating operations
  - pkg/storage: Reads and entity CRUD
  - pkg/events: Stream subscriptions
  - pkg/status: Cluster status snapshots
  - pkg/metrics: Request instrumentation
*/
package api
