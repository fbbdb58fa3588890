/*
Package status collects live cluster status snapshots through kubectl.

A snapshot aggregates node readiness, component health, CNI state and pod
counts. Snapshots are cached per cluster with a short TTL because status
is read far more often than it changes; callers can force a refresh and
mutating operations invalidate the cache.

For clusters installed by this controller the collected node states are
synced back into the store (Ready nodes become active, NotReady nodes
failed), so the persisted topology follows reality without a separate
reconciler. Registered clusters are left alone; their node records are
not authoritative here.

# Usage

	svc := status.New(store, kubectl.NewRunner())
	snapshot, err := svc.Get(ctx, cluster, false)

	// after uploading a new kubeconfig
	svc.Invalidate(cluster.ID)

Collection is best-effort: a failing query marks its section unknown and
is recorded in the snapshot's collection errors instead of failing the
request.
*/
package status
