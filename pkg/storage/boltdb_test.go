package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func makeCluster(t *testing.T, store *BoltStore, name string) *types.Cluster {
	t.Helper()
	cluster := &types.Cluster{Name: name, Kind: types.ClusterKindFresh, Version: "v1.30.3+rke2r1"}
	require.NoError(t, store.CreateCluster(cluster))
	return cluster
}

func TestClusterCRUD(t *testing.T) {
	store := newTestStore(t)

	cluster := makeCluster(t, store, "prod")
	assert.NotZero(t, cluster.ID)
	assert.Equal(t, types.LockIdle, cluster.Lock.Status)

	got, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)

	got.Version = "v1.31.0+rke2r1"
	require.NoError(t, store.UpdateCluster(got))
	got, err = store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1.31.0+rke2r1", got.Version)

	byName, err := store.GetClusterByName("prod")
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, byName.ID)

	_, err = store.GetCluster(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClusterNameUnique(t *testing.T) {
	store := newTestStore(t)
	makeCluster(t, store, "prod")

	err := store.CreateCluster(&types.Cluster{Name: "prod"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDeleteClusterCascades(t *testing.T) {
	store := newTestStore(t)
	cluster := makeCluster(t, store, "prod")
	other := makeCluster(t, store, "staging")

	node := &types.Node{ClusterID: cluster.ID, Hostname: "cp-1", InternalIP: "10.0.0.1", Role: types.NodeRoleInitialMaster}
	require.NoError(t, store.CreateNode(node))
	keep := &types.Node{ClusterID: other.ID, Hostname: "cp-1", InternalIP: "10.0.1.1", Role: types.NodeRoleInitialMaster}
	require.NoError(t, store.CreateNode(keep))

	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, store.DeleteCluster(cluster.ID))

	_, err := store.GetCluster(cluster.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetNode(node.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The other cluster's topology is untouched
	nodes, err := store.ListNodes(other.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestNodeIdentityUnique(t *testing.T) {
	store := newTestStore(t)
	cluster := makeCluster(t, store, "prod")

	first := &types.Node{ClusterID: cluster.ID, Hostname: "cp-1", InternalIP: "10.0.0.1", Role: types.NodeRoleInitialMaster}
	require.NoError(t, store.CreateNode(first))

	err := store.CreateNode(&types.Node{ClusterID: cluster.ID, Hostname: "cp-1", InternalIP: "10.0.0.2", Role: types.NodeRoleWorker})
	assert.ErrorIs(t, err, ErrConflict)

	err = store.CreateNode(&types.Node{ClusterID: cluster.ID, Hostname: "w-1", InternalIP: "10.0.0.1", Role: types.NodeRoleWorker})
	assert.ErrorIs(t, err, ErrConflict)

	// A removed node frees its identity
	first.Status = types.NodeStatusRemoved
	require.NoError(t, store.UpdateNode(first))
	err = store.CreateNode(&types.Node{ClusterID: cluster.ID, Hostname: "cp-1", InternalIP: "10.0.0.1", Role: types.NodeRoleInitialMaster})
	assert.NoError(t, err)
}

func TestNodeIdentityScopedToCluster(t *testing.T) {
	store := newTestStore(t)
	a := makeCluster(t, store, "a")
	b := makeCluster(t, store, "b")

	require.NoError(t, store.CreateNode(&types.Node{ClusterID: a.ID, Hostname: "cp-1", InternalIP: "10.0.0.1", Role: types.NodeRoleInitialMaster}))
	assert.NoError(t, store.CreateNode(&types.Node{ClusterID: b.ID, Hostname: "cp-1", InternalIP: "10.0.0.1", Role: types.NodeRoleInitialMaster}))
}

func TestJobLifecycle(t *testing.T) {
	store := newTestStore(t)
	cluster := makeCluster(t, store, "prod")

	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, store.CreateJob(job))
	assert.Equal(t, types.JobStatusPending, job.Status)

	require.NoError(t, store.AppendJobOutput(job.ID, "line 1\n"))
	require.NoError(t, store.AppendJobOutput(job.ID, "line 2\n"))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", got.Output)

	require.NoError(t, store.DeleteJob(job.ID))
	_, err = store.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	cluster := makeCluster(t, store, "prod")
	other := makeCluster(t, store, "staging")

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateJob(&types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}))
	}
	require.NoError(t, store.CreateJob(&types.Job{ClusterID: other.ID, Kind: types.JobKindInstall}))

	jobs, err := store.ListJobs(cluster.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Greater(t, jobs[0].ID, jobs[1].ID)
	assert.Greater(t, jobs[1].ID, jobs[2].ID)

	all, err := store.ListJobs(0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestAcquireLockConflict(t *testing.T) {
	store := newTestStore(t)
	cluster := makeCluster(t, store, "prod")

	require.NoError(t, store.AcquireLock(cluster.ID, 7, "install"))

	err := store.AcquireLock(cluster.ID, 8, "scale_add_workers")
	var busy *LockBusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, "install", busy.Operation)
	assert.Equal(t, int64(7), busy.JobID)
	assert.Equal(t, "Cluster is busy with operation 'install' (job 7). Please wait for it to complete.", busy.Error())

	require.NoError(t, store.ReleaseLock(cluster.ID))
	assert.NoError(t, store.AcquireLock(cluster.ID, 8, "scale_add_workers"))
}

func TestUpdateClusterPreservesHeldLock(t *testing.T) {
	store := newTestStore(t)
	cluster := makeCluster(t, store, "prod")

	// A snapshot taken before the lock was acquired, as the stage loop holds
	snapshot, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)

	require.NoError(t, store.AcquireLock(cluster.ID, 7, "install"))

	snapshot.InstallationStage = "initial_master"
	require.NoError(t, store.UpdateCluster(snapshot))

	got, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "initial_master", got.InstallationStage)
	assert.Equal(t, types.LockRunning, got.Lock.Status, "stage progress must not release the lock")
	assert.Equal(t, int64(7), got.Lock.CurrentJob)

	err = store.AcquireLock(cluster.ID, 8, "install")
	var busy *LockBusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, int64(7), busy.JobID)
}

func TestReleaseLockIdempotent(t *testing.T) {
	store := newTestStore(t)
	cluster := makeCluster(t, store, "prod")

	require.NoError(t, store.ReleaseLock(cluster.ID))
	require.NoError(t, store.AcquireLock(cluster.ID, 1, "install"))
	require.NoError(t, store.ReleaseLock(cluster.ID))
	require.NoError(t, store.ReleaseLock(cluster.ID))

	got, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockIdle, got.Lock.Status)
	assert.Zero(t, got.Lock.CurrentJob)
}

func TestReconcileStaleLocks(t *testing.T) {
	store := newTestStore(t)
	stale := makeCluster(t, store, "stale")
	clean := makeCluster(t, store, "clean")

	job := &types.Job{ClusterID: stale.ID, Kind: types.JobKindInstall, Status: types.JobStatusRunning}
	require.NoError(t, store.CreateJob(job))
	require.NoError(t, store.AcquireLock(stale.ID, job.ID, "install"))

	reconciled, err := store.ReconcileStaleLocks()
	require.NoError(t, err)
	assert.Equal(t, []int64{stale.ID}, reconciled)

	got, err := store.GetCluster(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockIdle, got.Lock.Status)

	gotJob, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, gotJob.Status)
	assert.Contains(t, gotJob.Output, "orphaned by restart")

	untouched, err := store.GetCluster(clean.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockIdle, untouched.Lock.Status)
}

func TestDeleteCredentialInUse(t *testing.T) {
	store := newTestStore(t)

	cred := &types.Credential{Name: "ops", Username: "root", Kind: types.CredentialKindKey, Secret: []byte("x")}
	require.NoError(t, store.CreateCredential(cred))

	cluster := &types.Cluster{Name: "prod", CredentialID: cred.ID}
	require.NoError(t, store.CreateCluster(cluster))

	err := store.DeleteCredential(cred.ID)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, store.DeleteCluster(cluster.ID))
	assert.NoError(t, store.DeleteCredential(cred.ID))
}

func TestCredentialNameUnique(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateCredential(&types.Credential{Name: "ops", Username: "root", Kind: types.CredentialKindKey, Secret: []byte("x")}))
	err := store.CreateCredential(&types.Credential{Name: "ops", Username: "admin", Kind: types.CredentialKindPassword, Secret: []byte("y")})
	assert.ErrorIs(t, err, ErrConflict)
}
