package storage

import (
	"errors"
	"fmt"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// ErrNotFound is returned when a referenced entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a uniqueness constraint would be violated
var ErrConflict = errors.New("conflict")

// LockBusyError is returned by AcquireLock when the cluster lock is held.
// It carries the holding operation so callers can surface a precise reason.
type LockBusyError struct {
	ClusterID int64
	Operation string
	JobID     int64
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("Cluster is busy with operation '%s' (job %d). Please wait for it to complete.", e.Operation, e.JobID)
}

// Store defines the interface for topology state storage.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Clusters
	CreateCluster(cluster *types.Cluster) error
	GetCluster(id int64) (*types.Cluster, error)
	GetClusterByName(name string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(cluster *types.Cluster) error
	// DeleteCluster cascades to the cluster's nodes and jobs
	DeleteCluster(id int64) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id int64) (*types.Node, error)
	ListNodes(clusterID int64) ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id int64) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id int64) (*types.Job, error)
	ListJobs(clusterID int64) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	AppendJobOutput(id int64, chunk string) error
	// DeleteJob removes a job record; used to discard jobs whose lock
	// acquisition lost the race.
	DeleteJob(id int64) error

	// Credentials
	CreateCredential(cred *types.Credential) error
	GetCredential(id int64) (*types.Credential, error)
	GetCredentialByName(name string) (*types.Credential, error)
	ListCredentials() ([]*types.Credential, error)
	DeleteCredential(id int64) error

	// Cluster operation lock. AcquireLock verifies the lock is idle and
	// writes the full lock record in one transaction; it fails fast with
	// *LockBusyError when held. ReleaseLock is idempotent.
	AcquireLock(clusterID, jobID int64, operation string) error
	ReleaseLock(clusterID int64) error

	// ReconcileStaleLocks rehabilitates clusters left locked by an abrupt
	// shutdown: the orphaned job is marked failed and the lock released.
	// Runs once at startup. Returns the ids of reconciled clusters.
	ReconcileStaleLocks() ([]int64, error)

	// Utility
	Close() error
}
