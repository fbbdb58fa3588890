package guard

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

type fakeProber struct {
	err   error
	addrs []string
}

func (p *fakeProber) Probe(addr string, timeout time.Duration) error {
	p.addrs = append(p.addrs, addr)
	return p.err
}

func node(hostname string, role types.NodeRole, status types.NodeStatus) *types.Node {
	return &types.Node{Hostname: hostname, InternalIP: "10.0.0." + hostname, Role: role, Status: status}
}

func TestBootstrapPrerequisiteNoInitialMaster(t *testing.T) {
	g := NewWithProber(&fakeProber{})
	cluster := &types.Cluster{APIAddr: "10.0.0.1"}

	d := g.CheckBootstrapPrerequisite(cluster, []*types.Node{
		node("1", types.NodeRoleWorker, types.NodeStatusActive),
	}, false)
	require.False(t, d.OK)
	assert.Contains(t, d.Reason, "No initial master found")

	// A removed initial master does not count
	d = g.CheckBootstrapPrerequisite(cluster, []*types.Node{
		node("1", types.NodeRoleInitialMaster, types.NodeStatusRemoved),
	}, false)
	require.False(t, d.OK)
	assert.Contains(t, d.Reason, "No initial master found")
}

func TestBootstrapPrerequisiteInactiveInitialMaster(t *testing.T) {
	g := NewWithProber(&fakeProber{})
	cluster := &types.Cluster{APIAddr: "10.0.0.1"}

	d := g.CheckBootstrapPrerequisite(cluster, []*types.Node{
		node("1", types.NodeRoleInitialMaster, types.NodeStatusInstalling),
	}, false)
	require.False(t, d.OK)
	assert.Contains(t, d.Reason, "not active (status: installing)")
}

func TestBootstrapPrerequisiteProbe(t *testing.T) {
	prober := &fakeProber{}
	g := NewWithProber(prober)
	cluster := &types.Cluster{APIAddr: "10.0.0.1"}
	nodes := []*types.Node{node("1", types.NodeRoleInitialMaster, types.NodeStatusActive)}

	d := g.CheckBootstrapPrerequisite(cluster, nodes, false)
	assert.True(t, d.OK)
	require.Len(t, prober.addrs, 1)
	assert.Equal(t, fmt.Sprintf("10.0.0.1:%d", JoinPort), prober.addrs[0])

	// Unreachable join endpoint rejects the request
	prober.err = errors.New("connection refused")
	d = g.CheckBootstrapPrerequisite(cluster, nodes, false)
	require.False(t, d.OK)
	assert.Contains(t, d.Reason, "is not reachable")

	// skipProbe downgrades the failure to a warning
	d = g.CheckBootstrapPrerequisite(cluster, nodes, true)
	assert.True(t, d.OK)
	assert.Contains(t, d.Warning, "is not reachable")
}

func TestBootstrapPrerequisiteNoAPIAddrSkipsProbe(t *testing.T) {
	prober := &fakeProber{err: errors.New("should not be called")}
	g := NewWithProber(prober)

	d := g.CheckBootstrapPrerequisite(&types.Cluster{}, []*types.Node{
		node("1", types.NodeRoleInitialMaster, types.NodeStatusActive),
	}, false)
	assert.True(t, d.OK)
	assert.Empty(t, prober.addrs)
}

func servers(n int) []*types.Node {
	var nodes []*types.Node
	for i := 0; i < n; i++ {
		role := types.NodeRoleMaster
		if i == 0 {
			role = types.NodeRoleInitialMaster
		}
		nodes = append(nodes, node(fmt.Sprintf("%d", i+1), role, types.NodeStatusActive))
	}
	return nodes
}

func TestSafeRemovalWorkersOnly(t *testing.T) {
	d := CheckSafeRemoval(servers(1), []NodeRef{{Hostname: "w-1", Server: false}}, false)
	assert.True(t, d.OK)
	assert.Empty(t, d.Warning)
}

func TestSafeRemovalLastServer(t *testing.T) {
	d := CheckSafeRemoval(servers(1), []NodeRef{{Hostname: "1", Server: true}}, true)
	require.False(t, d.OK)
	assert.Equal(t, "Cannot remove all control-plane nodes. At least 1 required.", d.Reason)
}

func TestSafeRemovalQuorum(t *testing.T) {
	tests := []struct {
		name     string
		servers  int
		removing int
		ok       bool
	}{
		{"3 minus 1 keeps quorum", 3, 1, true},
		{"3 minus 2 breaks quorum", 3, 2, false},
		{"5 minus 2 keeps quorum", 5, 2, true},
		{"5 minus 3 breaks quorum", 5, 3, false},
		{"2 minus 1 leaves single server", 2, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var removals []NodeRef
			for i := 0; i < tt.removing; i++ {
				removals = append(removals, NodeRef{Hostname: fmt.Sprintf("%d", i+1), Server: true})
			}
			d := CheckSafeRemoval(servers(tt.servers), removals, true)
			if tt.ok {
				assert.True(t, d.OK, d.Reason)
			} else {
				require.False(t, d.OK)
				assert.Contains(t, d.Reason, "etcd quorum")
			}
		})
	}
}

func TestSafeRemovalRequiresConfirmation(t *testing.T) {
	d := CheckSafeRemoval(servers(3), []NodeRef{{Hostname: "2", Server: true}}, false)
	require.False(t, d.OK)
	assert.Contains(t, d.Reason, "confirm_master_removal")
}

func TestSafeRemovalEvenRemainingWarns(t *testing.T) {
	d := CheckSafeRemoval(servers(5), []NodeRef{{Hostname: "5", Server: true}}, true)
	require.True(t, d.OK)
	assert.Contains(t, d.Warning, "even number")
}

func TestSplitRoles(t *testing.T) {
	srv, agents := SplitRoles([]NodeSpec{
		{Hostname: "cp-2", Server: true},
		{Hostname: "w-1"},
		{Hostname: "cp-3", Server: true},
		{Hostname: "w-2"},
	})
	assert.Equal(t, []string{"cp-2", "cp-3"}, hostnames(srv))
	assert.Equal(t, []string{"w-1", "w-2"}, hostnames(agents))
}

func hostnames(specs []NodeSpec) []string {
	var out []string
	for _, s := range specs {
		out = append(out, s.Hostname)
	}
	return out
}

func TestNodeIdentityDuplicates(t *testing.T) {
	existing := []*types.Node{
		{Hostname: "cp-1", InternalIP: "10.0.0.1", ExternalIP: "203.0.113.1", Status: types.NodeStatusActive},
		{Hostname: "old", InternalIP: "10.0.0.9", Status: types.NodeStatusRemoved},
	}

	tests := []struct {
		name   string
		add    NodeSpec
		ok     bool
		reason string
	}{
		{"fresh node", NodeSpec{Hostname: "w-1", IP: "10.0.0.2"}, true, ""},
		{"duplicate hostname", NodeSpec{Hostname: "cp-1", IP: "10.0.0.2"}, false, "hostname 'cp-1'"},
		{"duplicate internal ip", NodeSpec{Hostname: "w-1", IP: "10.0.0.1"}, false, "IP '10.0.0.1'"},
		{"duplicate external ip", NodeSpec{Hostname: "w-1", IP: "10.0.0.2", ExternalIP: "203.0.113.1"}, false, "IP '203.0.113.1'"},
		{"removed node identity is free", NodeSpec{Hostname: "old", IP: "10.0.0.9"}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := CheckNodeIdentity(existing, []NodeSpec{tt.add})
			assert.Equal(t, tt.ok, d.OK)
			if tt.reason != "" {
				assert.Contains(t, d.Reason, tt.reason)
			}
		})
	}
}

func TestNodeIdentityDuplicatesWithinRequest(t *testing.T) {
	d := CheckNodeIdentity(nil, []NodeSpec{
		{Hostname: "w-1", IP: "10.0.0.2"},
		{Hostname: "w-1", IP: "10.0.0.3"},
	})
	require.False(t, d.OK)
	assert.Contains(t, d.Reason, "hostname 'w-1'")

	d = CheckNodeIdentity(nil, []NodeSpec{
		{Hostname: "w-1", IP: "10.0.0.2"},
		{Hostname: "w-2", IP: "10.0.0.2"},
	})
	require.False(t, d.OK)
	assert.Contains(t, d.Reason, "IP '10.0.0.2'")
}
