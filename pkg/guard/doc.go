/*
Package guard implements the topology safety checks applied before scaling
operations.

Every scale request passes through the guardrails before any node is
persisted or any job starts. A rejected request changes nothing; a passed
request may still carry a warning the caller surfaces to the user.

# Checks

Bootstrap Prerequisite (scale-add):
  - The cluster must have an active initial master, and its join
    endpoint (port 9345) must answer a TCP probe
  - The probe can be downgraded to a warning for air-gapped setups

Safe Removal (scale-remove):
  - Never remove the last server
  - Keep a majority of the pre-removal server count (etcd quorum)
  - Server removal requires explicit confirmation
  - An even resulting server count passes with a warning

Node Identity (scale-add):
  - Hostnames and addresses must be unique within the cluster, both
    against existing nodes and within the request itself; removed nodes
    free their identity

Role Split (scale-add):
  - A mixed request is separated into servers and agents; servers join
    first because agents need a grown control plane to join through

# Usage

	g := guard.New()
	decision := g.CheckBootstrapPrerequisite(cluster, nodes, false)
	if !decision.OK {
		return &RejectionError{Reason: decision.Reason}
	}
	if decision.Warning != "" {
		// pass through to the response
	}

Tests substitute the prober:

	g := guard.NewWithProber(fakeProber{})
*/
package guard
