package inventory

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/guard"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultDataDir is where RKE2 keeps its state on the hosts
	DefaultDataDir = "/var/lib/rancher/rke2"

	// DefaultCNI is the network plugin used when none is selected
	DefaultCNI = "canal"

	tokenLength = 64
)

// GenerateToken returns a random bootstrap token for a new cluster
func GenerateToken() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var sb strings.Builder
	for i := 0; i < tokenLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(fmt.Sprintf("token generation: %v", err))
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String()
}

// ApplyDefaults fills the derivable cluster fields: bootstrap token, API
// address (first master's internal IP) and additional SANs (all master IPs).
func ApplyDefaults(cluster *types.Cluster, nodes []*types.Node) {
	if cluster.DataDir == "" {
		cluster.DataDir = DefaultDataDir
	}
	if cluster.CNI == "" {
		cluster.CNI = DefaultCNI
	}
	if cluster.Token == "" {
		cluster.Token = GenerateToken()
	}
	if cluster.APIAddr == "" {
		for _, n := range nodes {
			if n.IsServer() {
				cluster.APIAddr = n.InternalIP
				break
			}
		}
	}
	if len(cluster.AdditionalSANs) == 0 {
		for _, n := range nodes {
			if n.IsServer() {
				cluster.AdditionalSANs = append(cluster.AdditionalSANs, n.InternalIP)
			}
		}
	}
}

func hostLine(n *types.Node, username, rke2Type, nodeRole string) string {
	return fmt.Sprintf("%s ansible_host=%s ansible_user=%s rke2_type=%s node_role=%s",
		n.Hostname, n.ConnectIP(), username, rke2Type, nodeRole)
}

// RenderForStage renders the inventory document for an installation stage.
// Filtering is strict: each stage sees only the roles it installs, and
// removed nodes never appear.
func RenderForStage(stage types.Stage, nodes []*types.Node, username string) (string, error) {
	var lines []string

	switch stage {
	case types.StageInitialMaster:
		lines = append(lines, "[initial_master]")
		for _, n := range nodes {
			if n.Role == types.NodeRoleInitialMaster && n.Status != types.NodeStatusRemoved {
				lines = append(lines, hostLine(n, username, "server", "initial_master"))
			}
		}

	case types.StageJoiningMasters:
		lines = append(lines, "[joining_masters]")
		for _, n := range nodes {
			if n.Role == types.NodeRoleMaster && n.Status != types.NodeStatusRemoved {
				lines = append(lines, hostLine(n, username, "server", "joining_master"))
			}
		}

	case types.StageWorkers:
		lines = append(lines, "[workers]")
		for _, n := range nodes {
			if n.Role == types.NodeRoleWorker && n.Status != types.NodeStatusRemoved {
				lines = append(lines, hostLine(n, username, "agent", "worker"))
			}
		}

	case types.StageAll, types.StageUninstall:
		lines = append(lines, "[masters]")
		for _, n := range nodes {
			if n.IsServer() && n.Status != types.NodeStatusRemoved {
				role := "joining_master"
				if n.Role == types.NodeRoleInitialMaster {
					role = "initial_master"
				}
				lines = append(lines, hostLine(n, username, "server", role))
			}
		}
		lines = append(lines, "", "[workers]")
		for _, n := range nodes {
			if n.Role == types.NodeRoleWorker && n.Status != types.NodeStatusRemoved {
				lines = append(lines, hostLine(n, username, "agent", "worker"))
			}
		}
		lines = append(lines, "", "[k8s_cluster:children]", "masters", "workers")

	default:
		return "", fmt.Errorf("unknown stage: %q", stage)
	}

	return strings.Join(lines, "\n") + "\n", nil
}

// RenderForScaleAdd renders the inventory for adding nodes to an existing
// cluster. All servers in this list join an existing control plane, so
// none is ever rendered as the initial master.
func RenderForScaleAdd(newNodes []*types.Node, username string) string {
	var lines []string
	lines = append(lines, "[new_nodes]")

	var servers, agents []*types.Node
	for _, n := range newNodes {
		if n.IsServer() {
			servers = append(servers, n)
			lines = append(lines, hostLine(n, username, "server", "joining_master"))
		} else {
			agents = append(agents, n)
			lines = append(lines, hostLine(n, username, "agent", "worker"))
		}
	}

	lines = append(lines, "", "[new_servers]")
	for _, n := range servers {
		lines = append(lines, n.Hostname)
	}

	lines = append(lines, "", "[new_agents]")
	for _, n := range agents {
		lines = append(lines, n.Hostname)
	}

	return strings.Join(lines, "\n") + "\n"
}

// RenderForScaleRemove renders the inventory for draining and removing the
// target nodes.
func RenderForScaleRemove(targets []*types.Node, username string) string {
	var lines []string
	lines = append(lines, "[removed_servers]")
	for _, n := range targets {
		if n.IsServer() {
			lines = append(lines, hostLine(n, username, "server", "joining_master"))
		}
	}
	lines = append(lines, "", "[removed_agents]")
	for _, n := range targets {
		if !n.IsServer() {
			lines = append(lines, hostLine(n, username, "agent", "worker"))
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// RenderExtraVars renders the extra-variables YAML document for a stage.
// The initial-master variant carries no server endpoint; every joining
// variant does. Secrets are referenced by file, never embedded here.
func RenderExtraVars(cluster *types.Cluster, stage types.Stage) ([]byte, error) {
	vars := map[string]any{
		"rke2_version":  cluster.Version,
		"rke2_data_dir": cluster.DataDir,
		"rke2_api_ip":   cluster.APIAddr,
		"rke2_token":    cluster.Token,
		"cni":           cluster.CNI,
	}

	if stage != types.StageInitialMaster {
		vars["rke2_server_url"] = fmt.Sprintf("https://%s:%d", cluster.APIAddr, guard.JoinPort)
	}

	if len(cluster.AdditionalSANs) > 0 {
		vars["rke2_additional_sans"] = cluster.AdditionalSANs
	}

	if cluster.Registry.CustomRegistry != "" {
		vars["custom_registry"] = cluster.Registry.CustomRegistry
	}
	if cluster.Registry.CustomMirror == "active" && len(cluster.Registry.Addresses) > 0 {
		vars["custom_mirror"] = cluster.Registry.CustomMirror
		vars["registry_address"] = cluster.Registry.Addresses
		vars["registry_user"] = cluster.Registry.User
		vars["registry_password"] = cluster.Registry.Password
	}

	for k, v := range imageVars(cluster.Images) {
		vars[k] = v
	}

	// Cluster-wide overrides win over the derived values
	for k, v := range cluster.ClusterVars {
		vars[k] = v
	}

	out, err := yaml.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render extra vars: %w", err)
	}
	return out, nil
}

func imageVars(img types.ImageOverrides) map[string]string {
	vars := make(map[string]string)
	set := func(key, val string) {
		if val != "" {
			vars[key] = val
		}
	}
	set("kube_apiserver_image", img.KubeAPIServer)
	set("kube_controller_manager_image", img.KubeControllerManager)
	set("kube_proxy_image", img.KubeProxy)
	set("kube_scheduler_image", img.KubeScheduler)
	set("pause_image", img.Pause)
	set("runtime_image", img.Runtime)
	set("etcd_image", img.Etcd)
	return vars
}
