/*
Package storage provides persistent state management for rke2d using BoltDB.

The storage package implements the controller's system of record: clusters,
nodes, jobs, credentials and the per-cluster operation lock all live in a
single embedded bbolt database file. No external database is required.

# Architecture

	┌──────────────────── STORAGE LAYER ────────────────────┐
	│                                                        │
	│  ┌──────────────────────────────────────────┐         │
	│  │              Store interface              │         │
	│  │  - Cluster / Node / Job / Credential CRUD │         │
	│  │  - AcquireLock / ReleaseLock              │         │
	│  │  - ReconcileStaleLocks                    │         │
	│  └──────────────────┬───────────────────────┘         │
	│                     │                                  │
	│  ┌──────────────────▼───────────────────────┐         │
	│  │              BoltStore                    │         │
	│  │  - One bucket per entity type             │         │
	│  │  - JSON-encoded records                   │         │
	│  │  - Monotonic IDs via bucket sequences     │         │
	│  └──────────────────┬───────────────────────┘         │
	│                     │                                  │
	│  ┌──────────────────▼───────────────────────┐         │
	│  │            bbolt (rke2d.db)               │         │
	│  │  - Single writer, MVCC readers            │         │
	│  │  - ACID transactions                      │         │
	│  └──────────────────────────────────────────┘         │
	└────────────────────────────────────────────────────────┘

# Core Components

Store Interface:
  - Accepted by every consumer; BoltStore is the only production
    implementation, tests use it directly against a temp directory.

Entity Buckets:
  - clusters, nodes, jobs, credentials; keys are big-endian uint64 IDs
  - Secondary uniqueness (cluster names, node identity per cluster,
    credential names) enforced inside the write transaction

Operation Lock:
  - One lock record per cluster, embedded in the cluster record
  - AcquireLock succeeds only when the lock is idle; conflicts return
    *LockBusyError with the holding operation and job
  - bbolt's single-writer Update transaction makes acquisition atomic;
    two concurrent acquires serialize and the second one fails

Stale Lock Reconciliation:
  - ReconcileStaleLocks runs at startup: locks still marked running
    belong to a previous process and are released, their jobs failed
    with an explanatory output line

Error Taxonomy:
  - ErrNotFound: missing entity
  - ErrConflict: uniqueness violation or credential still referenced
  - LockBusyError: operation lock held by another job

# Usage

Opening the store:

	store, err := storage.NewBoltStore("/var/lib/rke2d")
	if err != nil {
		return err
	}
	defer store.Close()

Taking the operation lock:

	if err := store.AcquireLock(cluster.ID, job.ID, "install"); err != nil {
		var busy *storage.LockBusyError
		if errors.As(err, &busy) {
			// another operation is running; reject the request
		}
		return err
	}
	defer store.ReleaseLock(cluster.ID)

# Integration Points

This package integrates with:

  - pkg/orchestrator: Job records, node transitions, lock discipline
  - pkg/api: Entity CRUD behind the HTTP surface
  - pkg/runner: Appends streamed output lines to job records
  - cmd/rke2d: Opens the database and reconciles stale locks at boot

# See Also

  - bbolt: https://github.com/etcd-io/bbolt
*/
package storage
