package guard

import (
	"fmt"
	"net"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

const (
	// JoinPort is the RKE2 supervisor port joining nodes register against
	JoinPort = 9345

	// probeTimeout bounds the best-effort reachability probe
	probeTimeout = 2 * time.Second
)

// Decision is the outcome of a guardrail check. Guardrails are pure over
// their inputs: the same topology snapshot always yields the same decision.
type Decision struct {
	OK      bool
	Reason  string
	Warning string
}

func ok() Decision                  { return Decision{OK: true} }
func reject(reason string) Decision { return Decision{Reason: reason} }

// NodeSpec describes a node in a scale-add request
type NodeSpec struct {
	Hostname   string
	IP         string
	ExternalIP string
	Server     bool // control-plane (server) vs worker (agent)
}

// NodeRef identifies a node in a scale-remove request
type NodeRef struct {
	Hostname string
	Server   bool
}

// Prober checks TCP reachability of the control-plane join endpoint
type Prober interface {
	Probe(addr string, timeout time.Duration) error
}

// TCPProber dials the address directly
type TCPProber struct{}

func (TCPProber) Probe(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	return conn.Close()
}

// Guard evaluates the pre-mutation safety checks
type Guard struct {
	prober Prober
}

// New creates a Guard with the default TCP prober
func New() *Guard {
	return &Guard{prober: TCPProber{}}
}

// NewWithProber creates a Guard with a custom prober (used in tests)
func NewWithProber(p Prober) *Guard {
	return &Guard{prober: p}
}

// CheckBootstrapPrerequisite (scale-add only) verifies the cluster has
// an active initial master and probes the join port. skipProbe downgrades a
// failed probe to a warning; it is not exposed through the API by default.
func (g *Guard) CheckBootstrapPrerequisite(cluster *types.Cluster, nodes []*types.Node, skipProbe bool) Decision {
	var initial *types.Node
	for _, n := range nodes {
		if n.Role == types.NodeRoleInitialMaster && n.Status != types.NodeStatusRemoved {
			initial = n
			break
		}
	}

	if initial == nil {
		return reject("No initial master found. Cannot add joining masters or workers until initial master is created.")
	}
	if initial.Status != types.NodeStatusActive {
		return reject(fmt.Sprintf("Initial master '%s' is not active (status: %s). Cannot add nodes until initial master is fully operational.", initial.Hostname, initial.Status))
	}

	if cluster.APIAddr == "" {
		return ok()
	}

	addr := net.JoinHostPort(cluster.APIAddr, fmt.Sprintf("%d", JoinPort))
	if err := g.prober.Probe(addr, probeTimeout); err != nil {
		if skipProbe {
			return Decision{OK: true, Warning: fmt.Sprintf("join endpoint %s is not reachable: %v", addr, err)}
		}
		return reject(fmt.Sprintf("Initial master join endpoint %s is not reachable: %v", addr, err))
	}
	return ok()
}

// CheckSafeRemoval (scale-remove only) rejects removals that would
// leave the control plane empty or break etcd quorum, and requires an
// explicit confirmation flag for any control-plane removal. An even
// remaining server count is permitted with a warning.
func CheckSafeRemoval(nodes []*types.Node, removals []NodeRef, confirmed bool) Decision {
	var servers int
	for _, n := range nodes {
		if n.Status != types.NodeStatusRemoved && n.IsServer() {
			servers++
		}
	}

	var removingServers int
	for _, r := range removals {
		if r.Server {
			removingServers++
		}
	}

	if removingServers == 0 {
		return ok()
	}

	remaining := servers - removingServers
	if remaining < 1 {
		return reject("Cannot remove all control-plane nodes. At least 1 required.")
	}

	// Consensus majority over the pre-removal server count
	majority := servers/2 + 1
	if servers > 1 && remaining < majority {
		return reject(fmt.Sprintf("Removing %d server(s) would break etcd quorum. Need at least %d servers.", removingServers, majority))
	}

	if !confirmed {
		return reject("Removing control-plane nodes requires explicit confirmation. Add 'confirm_master_removal=true' to your request.")
	}

	d := ok()
	if remaining%2 == 0 {
		d.Warning = fmt.Sprintf("Removal leaves %d servers (even number); etcd quorum tolerates fewer failures than with %d.", remaining, remaining+1)
	}
	return d
}

// SplitRoles (scale-add only) separates a mixed request into the
// control-plane additions that run first and the worker additions that are
// reported back as pending.
func SplitRoles(adds []NodeSpec) (servers, agents []NodeSpec) {
	for _, n := range adds {
		if n.Server {
			servers = append(servers, n)
		} else {
			agents = append(agents, n)
		}
	}
	return servers, agents
}

// CheckNodeIdentity (scale-add only) rejects additions that duplicate
// the hostname or any address of a non-removed node already in the cluster.
func CheckNodeIdentity(nodes []*types.Node, adds []NodeSpec) Decision {
	hostnames := make(map[string]bool)
	addrs := make(map[string]bool)
	for _, n := range nodes {
		if n.Status == types.NodeStatusRemoved {
			continue
		}
		hostnames[n.Hostname] = true
		addrs[n.InternalIP] = true
		if n.ExternalIP != "" {
			addrs[n.ExternalIP] = true
		}
	}

	for _, add := range adds {
		if hostnames[add.Hostname] {
			return reject(fmt.Sprintf("Node with hostname '%s' already exists in cluster", add.Hostname))
		}
		if addrs[add.IP] {
			return reject(fmt.Sprintf("Node with IP '%s' already exists in cluster", add.IP))
		}
		if add.ExternalIP != "" && addrs[add.ExternalIP] {
			return reject(fmt.Sprintf("Node with IP '%s' already exists in cluster", add.ExternalIP))
		}
		// Also guard against duplicates within the request itself
		hostnames[add.Hostname] = true
		addrs[add.IP] = true
		if add.ExternalIP != "" {
			addrs[add.ExternalIP] = true
		}
	}
	return ok()
}
