package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketClusters    = []byte("clusters")
	bucketNodes       = []byte("nodes")
	bucketJobs        = []byte("jobs")
	bucketCredentials = []byte("credentials")
)

// BoltStore implements Store using BoltDB. Bolt serializes Update
// transactions on a single writer, which is what makes AcquireLock's
// read-verify-write atomic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rke2d.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketClusters,
			bucketNodes,
			bucketJobs,
			bucketCredentials,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func putJSON(b *bolt.Bucket, id int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(itob(id), data)
}

// Cluster operations

func (s *BoltStore) CreateCluster(cluster *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)

		// Name uniqueness
		var dup bool
		_ = b.ForEach(func(k, v []byte) error {
			var existing types.Cluster
			if err := json.Unmarshal(v, &existing); err != nil {
				return nil
			}
			if existing.Name == cluster.Name {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("cluster name %q already exists: %w", cluster.Name, ErrConflict)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		cluster.ID = int64(seq)
		now := time.Now().UTC()
		cluster.CreatedAt = now
		cluster.UpdatedAt = now
		if cluster.Lock.Status == "" {
			cluster.Lock.Status = types.LockIdle
		}
		return putJSON(b, cluster.ID, cluster)
	})
}

func (s *BoltStore) GetCluster(id int64) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusters).Get(itob(id))
		if data == nil {
			return fmt.Errorf("cluster %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (s *BoltStore) GetClusterByName(name string) (*types.Cluster, error) {
	var found *types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			if cluster.Name == name {
				found = &cluster
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("cluster %q: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			clusters = append(clusters, &cluster)
			return nil
		})
	})
	return clusters, err
}

// UpdateCluster writes the cluster record. The lock is owned by
// AcquireLock/ReleaseLock; the stored lock always wins over whatever
// snapshot the caller holds.
func (s *BoltStore) UpdateCluster(cluster *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data := b.Get(itob(cluster.ID))
		if data == nil {
			return fmt.Errorf("cluster %d: %w", cluster.ID, ErrNotFound)
		}
		var stored types.Cluster
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		cluster.Lock = stored.Lock
		cluster.UpdatedAt = time.Now().UTC()
		return putJSON(b, cluster.ID, cluster)
	})
}

// DeleteCluster removes the cluster and cascades to its nodes and jobs in
// one transaction.
func (s *BoltStore) DeleteCluster(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketClusters)
		if cb.Get(itob(id)) == nil {
			return fmt.Errorf("cluster %d: %w", id, ErrNotFound)
		}
		if err := cb.Delete(itob(id)); err != nil {
			return err
		}

		for _, spec := range []struct {
			bucket []byte
			owner  func(v []byte) int64
		}{
			{bucketNodes, func(v []byte) int64 {
				var n types.Node
				if json.Unmarshal(v, &n) != nil {
					return 0
				}
				return n.ClusterID
			}},
			{bucketJobs, func(v []byte) int64 {
				var j types.Job
				if json.Unmarshal(v, &j) != nil {
					return 0
				}
				return j.ClusterID
			}},
		} {
			b := tx.Bucket(spec.bucket)
			var orphaned [][]byte
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if spec.owner(v) == id {
					key := make([]byte, len(k))
					copy(key, k)
					orphaned = append(orphaned, key)
				}
			}
			for _, k := range orphaned {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Node operations

// CreateNode enforces (cluster, hostname) and (cluster, ip) uniqueness
// against non-removed nodes.
func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketClusters).Get(itob(node.ClusterID)) == nil {
			return fmt.Errorf("cluster %d: %w", node.ClusterID, ErrNotFound)
		}

		b := tx.Bucket(bucketNodes)
		var conflict error
		_ = b.ForEach(func(k, v []byte) error {
			var existing types.Node
			if err := json.Unmarshal(v, &existing); err != nil {
				return nil
			}
			if existing.ClusterID != node.ClusterID || existing.Status == types.NodeStatusRemoved {
				return nil
			}
			if existing.Hostname == node.Hostname {
				conflict = fmt.Errorf("hostname %q already exists in cluster: %w", node.Hostname, ErrConflict)
			}
			for _, ip := range []string{node.InternalIP, node.ExternalIP} {
				if ip == "" {
					continue
				}
				if existing.InternalIP == ip || (existing.ExternalIP != "" && existing.ExternalIP == ip) {
					conflict = fmt.Errorf("address %q already exists in cluster: %w", ip, ErrConflict)
				}
			}
			return nil
		})
		if conflict != nil {
			return conflict
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		node.ID = int64(seq)
		now := time.Now().UTC()
		node.CreatedAt = now
		node.UpdatedAt = now
		if node.Status == "" {
			node.Status = types.NodeStatusPending
		}
		return putJSON(b, node.ID, node)
	})
}

func (s *BoltStore) GetNode(id int64) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(itob(id))
		if data == nil {
			return fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes(clusterID int64) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.ClusterID == clusterID {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get(itob(node.ID)) == nil {
			return fmt.Errorf("node %d: %w", node.ID, ErrNotFound)
		}
		node.UpdatedAt = time.Now().UTC()
		return putJSON(b, node.ID, node)
	})
}

func (s *BoltStore) DeleteNode(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete(itob(id))
	})
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketClusters).Get(itob(job.ClusterID)) == nil {
			return fmt.Errorf("cluster %d: %w", job.ClusterID, ErrNotFound)
		}
		b := tx.Bucket(bucketJobs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		job.ID = int64(seq)
		job.CreatedAt = time.Now().UTC()
		if job.Status == "" {
			job.Status = types.JobStatusPending
		}
		return putJSON(b, job.ID, job)
	})
}

func (s *BoltStore) GetJob(id int64) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(itob(id))
		if data == nil {
			return fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs newest first; clusterID 0 lists all clusters
func (s *BoltStore) ListJobs(clusterID int64) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if clusterID == 0 || job.ClusterID == clusterID {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	return jobs, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get(itob(job.ID)) == nil {
			return fmt.Errorf("job %d: %w", job.ID, ErrNotFound)
		}
		return putJSON(b, job.ID, job)
	})
}

func (s *BoltStore) DeleteJob(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(itob(id))
	})
}

// AppendJobOutput appends a chunk to the job's persisted output buffer
func (s *BoltStore) AppendJobOutput(id int64, chunk string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.Output += chunk
		return putJSON(b, job.ID, &job)
	})
}

// Credential operations

func (s *BoltStore) CreateCredential(cred *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		var dup bool
		_ = b.ForEach(func(k, v []byte) error {
			var existing types.Credential
			if err := json.Unmarshal(v, &existing); err != nil {
				return nil
			}
			if existing.Name == cred.Name {
				dup = true
			}
			return nil
		})
		if dup {
			return fmt.Errorf("credential name %q already exists: %w", cred.Name, ErrConflict)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		cred.ID = int64(seq)
		now := time.Now().UTC()
		cred.CreatedAt = now
		cred.UpdatedAt = now
		return putJSON(b, cred.ID, cred)
	})
}

func (s *BoltStore) GetCredential(id int64) (*types.Credential, error) {
	var cred types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get(itob(id))
		if data == nil {
			return fmt.Errorf("credential %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *BoltStore) GetCredentialByName(name string) (*types.Credential, error) {
	var found *types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			if cred.Name == name {
				found = &cred
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("credential %q: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListCredentials() ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, &cred)
			return nil
		})
	})
	return creds, err
}

// DeleteCredential refuses to delete a credential still referenced by a cluster
func (s *BoltStore) DeleteCredential(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("credential %d: %w", id, ErrNotFound)
		}

		var inUse int
		_ = tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return nil
			}
			if cluster.CredentialID == id {
				inUse++
			}
			return nil
		})
		if inUse > 0 {
			return fmt.Errorf("credential is in use by %d cluster(s): %w", inUse, ErrConflict)
		}
		return b.Delete(itob(id))
	})
}

// Lock operations

// AcquireLock reads the lock record, verifies it is idle and writes the new
// lock in a single transaction. Fails fast with *LockBusyError when held.
func (s *BoltStore) AcquireLock(clusterID, jobID int64, operation string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data := b.Get(itob(clusterID))
		if data == nil {
			return fmt.Errorf("cluster %d: %w", clusterID, ErrNotFound)
		}
		var cluster types.Cluster
		if err := json.Unmarshal(data, &cluster); err != nil {
			return err
		}

		if cluster.Lock.Status == types.LockRunning {
			return &LockBusyError{
				ClusterID: clusterID,
				Operation: cluster.Lock.Operation,
				JobID:     cluster.Lock.CurrentJob,
			}
		}

		now := time.Now().UTC()
		cluster.Lock = types.OperationLock{
			Status:     types.LockRunning,
			CurrentJob: jobID,
			Operation:  operation,
			StartedAt:  &now,
		}
		cluster.UpdatedAt = now
		return putJSON(b, cluster.ID, &cluster)
	})
}

// ReleaseLock resets the lock record in one commit. Idempotent.
func (s *BoltStore) ReleaseLock(clusterID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data := b.Get(itob(clusterID))
		if data == nil {
			// Cluster may have been deleted while a job wound down
			return nil
		}
		var cluster types.Cluster
		if err := json.Unmarshal(data, &cluster); err != nil {
			return err
		}
		cluster.Lock = types.OperationLock{Status: types.LockIdle}
		cluster.UpdatedAt = time.Now().UTC()
		return putJSON(b, cluster.ID, &cluster)
	})
}

// ReconcileStaleLocks finds clusters whose lock says running but whose
// current job is no longer running (orphaned by an abrupt shutdown), marks
// the job failed and releases the lock.
func (s *BoltStore) ReconcileStaleLocks() ([]int64, error) {
	var reconciled []int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketClusters)
		jb := tx.Bucket(bucketJobs)

		return cb.ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			if cluster.Lock.Status != types.LockRunning {
				return nil
			}

			if cluster.Lock.CurrentJob != 0 {
				if data := jb.Get(itob(cluster.Lock.CurrentJob)); data != nil {
					var job types.Job
					if err := json.Unmarshal(data, &job); err == nil && !job.Status.Terminal() {
						// A job found pending or running here cannot
						// actually be executing: the process restarted.
						now := time.Now().UTC()
						job.Status = types.JobStatusFailed
						job.Output += "\n[job failed: orphaned by restart]\n"
						job.CompletedAt = &now
						if err := putJSON(jb, job.ID, &job); err != nil {
							return err
						}
					}
				}
			}

			cluster.Lock = types.OperationLock{Status: types.LockIdle}
			cluster.UpdatedAt = time.Now().UTC()
			if err := putJSON(cb, cluster.ID, &cluster); err != nil {
				return err
			}
			reconciled = append(reconciled, cluster.ID)
			return nil
		})
	})
	return reconciled, err
}
