/*
Package types defines the core data structures used throughout rke2d.

This package contains all fundamental types that represent the controller's
domain model: clusters, nodes, jobs, credentials and the operation lock.
These types are used by all other packages for state management, API
communication and orchestration logic.

# Architecture

The types package is the foundation of the data model. It defines:

  - Cluster records (fresh installations and registered externals)
  - Node topology (initial master, masters, workers)
  - Job lifecycle (pending, running, success, failed, cancelled)
  - Credential references (SSH key or password, ciphertext only)
  - The per-cluster operation lock
  - Installation stages and RKE2 configuration knobs

All types are designed to be:
  - Serializable (JSON, for both storage and the HTTP API)
  - Self-documenting (clear field names and comments)
  - Validated (constants for enums, parse helpers)

# Core Types

Cluster Topology:
  - Cluster: One managed RKE2 cluster with its configuration
  - ClusterKind: Fresh (provisioned here) or registered (kubeconfig import)
  - Node: A machine in the cluster with role, addresses and status
  - NodeRole: initial_master, master, worker
  - NodeStatus: pending, installing, active, failed, draining, removed

Job Execution:
  - Job: One long-running operation against a cluster
  - JobKind: install, uninstall, scale_add_masters, scale_add_workers,
    scale_remove, preflight_check
  - JobStatus: pending, running, success, failed, cancelled

Locking:
  - Lock: The cluster's operation lock record
  - LockStatus: idle or running, with the owning job and operation

Security:
  - Credential: Named SSH identity; Secret holds ciphertext only
  - CredentialKind: key or password

Configuration:
  - RegistrySettings: Private registry mirror configuration
  - ImageOverrides: Air-gap image source overrides

# Usage

Creating a cluster with nodes:

	cluster := &types.Cluster{
		Name:         "production",
		Kind:         types.ClusterKindFresh,
		Version:      "v1.30.1+rke2r1",
		CredentialID: cred.ID,
	}

	node := &types.Node{
		ClusterID:  cluster.ID,
		Hostname:   "cp-1",
		InternalIP: "10.0.0.1",
		Role:       types.NodeRoleInitialMaster,
		Status:     types.NodeStatusPending,
	}

Checking job state:

	if job.Status.Terminal() {
		// success, failed or cancelled; output is final
	}

# Integration Points

This package is imported by:

  - pkg/storage: Persists all types in bbolt
  - pkg/orchestrator: Drives jobs and node transitions
  - pkg/api: Serializes types over HTTP
  - pkg/guard: Evaluates topology safety checks
  - pkg/inventory: Renders nodes into Ansible inventories
*/
package types
