package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/kubectl"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// DefaultTTL is how long a collected snapshot stays fresh
const DefaultTTL = 5 * time.Minute

// NodeDetail is the per-node view extracted from the cluster
type NodeDetail struct {
	Name             string `json:"name"`
	Roles            string `json:"roles"`
	Status           string `json:"status"`
	InternalIP       string `json:"internal_ip,omitempty"`
	ExternalIP       string `json:"external_ip,omitempty"`
	OSImage          string `json:"os_image"`
	KernelVersion    string `json:"kernel_version"`
	ContainerRuntime string `json:"container_runtime"`
	KubeletVersion   string `json:"kubelet_version"`
}

// CNIInfo describes the detected network plugin
type CNIInfo struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	PodsTotal   int    `json:"pods_total,omitempty"`
	PodsRunning int    `json:"pods_running,omitempty"`
}

// Snapshot is the aggregated live view of one cluster. The shape is stable
// so it can be cached, displayed and fed to the analyzer unchanged.
type Snapshot struct {
	ClusterID         int64     `json:"cluster_id"`
	ClusterName       string    `json:"cluster_name"`
	KubernetesVersion string    `json:"kubernetes_version"`
	RKE2Version       string    `json:"rke2_version"`
	CollectedAt       time.Time `json:"collected_at"`

	NodesTotal    int          `json:"nodes_total"`
	NodesReady    int          `json:"nodes_ready"`
	NodesNotReady int          `json:"nodes_not_ready"`
	NodeDetails   []NodeDetail `json:"node_details"`

	ControlPlaneCount int `json:"control_plane_count"`
	WorkerCount       int `json:"worker_count"`

	CNI        CNIInfo           `json:"cni"`
	Components map[string]string `json:"components"`

	PodsTotal   int `json:"pods_total"`
	PodsRunning int `json:"pods_running"`

	CollectionErrors []string `json:"collection_errors,omitempty"`
	DurationSeconds  int      `json:"duration_seconds"`
	Cached           bool     `json:"cached"`
}

type cacheEntry struct {
	snapshot  *Snapshot
	expiresAt time.Time
}

// Service collects, caches and serves cluster status snapshots, and keeps
// the stored node records in step with what the cluster reports.
type Service struct {
	store storage.Store
	kc    kubectl.Runner
	ttl   time.Duration

	mu    sync.Mutex
	cache map[int64]cacheEntry
}

// New creates a status service with the default TTL
func New(store storage.Store, kc kubectl.Runner) *Service {
	return &Service{
		store: store,
		kc:    kc,
		ttl:   DefaultTTL,
		cache: make(map[int64]cacheEntry),
	}
}

// Get returns the cluster's status snapshot, served from cache unless it has
// expired or forceRefresh is set. A fresh collection also syncs node records.
func (s *Service) Get(ctx context.Context, cluster *types.Cluster, forceRefresh bool) (*Snapshot, error) {
	if !forceRefresh {
		s.mu.Lock()
		entry, ok := s.cache[cluster.ID]
		s.mu.Unlock()
		if ok && time.Now().Before(entry.expiresAt) {
			cached := *entry.snapshot
			cached.Cached = true
			return &cached, nil
		}
	}

	snapshot, err := s.collect(ctx, cluster)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[cluster.ID] = cacheEntry{snapshot: snapshot, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	if cluster.Kind == types.ClusterKindFresh {
		if synced, err := s.syncNodes(cluster.ID, snapshot); err != nil {
			log.WithClusterID(cluster.ID).Warn().Err(err).Msg("node status sync failed")
		} else if synced > 0 {
			log.WithClusterID(cluster.ID).Info().Int("synced", synced).Msg("node statuses synced from cluster")
		}
	}

	return snapshot, nil
}

// Invalidate drops the cached snapshot for a cluster
func (s *Service) Invalidate(clusterID int64) {
	s.mu.Lock()
	delete(s.cache, clusterID)
	s.mu.Unlock()
}

func (s *Service) collect(ctx context.Context, cluster *types.Cluster) (*Snapshot, error) {
	if cluster.Kubeconfig == "" {
		return nil, fmt.Errorf("cluster %q has no kubeconfig yet", cluster.Name)
	}

	start := time.Now()
	snapshot := &Snapshot{
		ClusterID:   cluster.ID,
		ClusterName: cluster.Name,
		RKE2Version: cluster.Version,
		CollectedAt: start.UTC(),
		Components:  make(map[string]string),
		CNI:         CNIInfo{Type: "unknown", Status: "unknown"},
	}

	addErr := func(section string, err error) {
		snapshot.CollectionErrors = append(snapshot.CollectionErrors, fmt.Sprintf("%s: %v", section, err))
	}

	if version, err := s.serverVersion(ctx, cluster.Kubeconfig); err != nil {
		snapshot.KubernetesVersion = "unknown"
		addErr("kubernetes_version", err)
	} else {
		snapshot.KubernetesVersion = version
	}

	if err := s.collectNodes(ctx, cluster.Kubeconfig, snapshot); err != nil {
		addErr("nodes", err)
	}
	if err := s.collectCNI(ctx, cluster.Kubeconfig, snapshot); err != nil {
		addErr("cni", err)
	}
	if err := s.collectComponents(ctx, cluster.Kubeconfig, snapshot); err != nil {
		addErr("components", err)
	}
	if err := s.collectWorkloads(ctx, cluster.Kubeconfig, snapshot); err != nil {
		addErr("workloads", err)
	}

	snapshot.DurationSeconds = int(time.Since(start).Seconds())
	return snapshot, nil
}

func (s *Service) serverVersion(ctx context.Context, kubeconfig string) (string, error) {
	out, err := s.kc.Run(ctx, kubeconfig, "version", "-o", "json")
	if err != nil {
		return "", err
	}
	var data struct {
		ServerVersion struct {
			GitVersion string `json:"gitVersion"`
		} `json:"serverVersion"`
	}
	if err := json.Unmarshal(out, &data); err != nil {
		return "", err
	}
	return data.ServerVersion.GitVersion, nil
}

func (s *Service) collectNodes(ctx context.Context, kubeconfig string, snapshot *Snapshot) error {
	out, err := s.kc.Run(ctx, kubeconfig, "get", "nodes", "-o", "json")
	if err != nil {
		return err
	}

	var nodes struct {
		Items []struct {
			Metadata struct {
				Name   string            `json:"name"`
				Labels map[string]string `json:"labels"`
			} `json:"metadata"`
			Status struct {
				Conditions []struct {
					Type   string `json:"type"`
					Status string `json:"status"`
				} `json:"conditions"`
				Addresses []struct {
					Type    string `json:"type"`
					Address string `json:"address"`
				} `json:"addresses"`
				NodeInfo struct {
					OSImage                 string `json:"osImage"`
					KernelVersion           string `json:"kernelVersion"`
					ContainerRuntimeVersion string `json:"containerRuntimeVersion"`
					KubeletVersion          string `json:"kubeletVersion"`
				} `json:"nodeInfo"`
			} `json:"status"`
		} `json:"items"`
	}
	if err := json.Unmarshal(out, &nodes); err != nil {
		return err
	}

	for _, n := range nodes.Items {
		detail := NodeDetail{
			Name:             n.Metadata.Name,
			Status:           "NotReady",
			OSImage:          n.Status.NodeInfo.OSImage,
			KernelVersion:    n.Status.NodeInfo.KernelVersion,
			ContainerRuntime: n.Status.NodeInfo.ContainerRuntimeVersion,
			KubeletVersion:   n.Status.NodeInfo.KubeletVersion,
		}

		var roles []string
		if _, ok := n.Metadata.Labels["node-role.kubernetes.io/control-plane"]; ok {
			roles = append(roles, "control-plane")
		}
		if _, ok := n.Metadata.Labels["node-role.kubernetes.io/etcd"]; ok {
			roles = append(roles, "etcd")
		}
		if len(roles) == 0 {
			roles = append(roles, "worker")
			snapshot.WorkerCount++
		} else {
			snapshot.ControlPlaneCount++
		}
		detail.Roles = joinRoles(roles)

		for _, cond := range n.Status.Conditions {
			if cond.Type == "Ready" && cond.Status == "True" {
				detail.Status = "Ready"
			}
		}
		for _, addr := range n.Status.Addresses {
			switch addr.Type {
			case "InternalIP":
				detail.InternalIP = addr.Address
			case "ExternalIP":
				detail.ExternalIP = addr.Address
			}
		}

		snapshot.NodeDetails = append(snapshot.NodeDetails, detail)
		snapshot.NodesTotal++
		if detail.Status == "Ready" {
			snapshot.NodesReady++
		} else {
			snapshot.NodesNotReady++
		}
	}
	return nil
}

func joinRoles(roles []string) string {
	out := ""
	for i, r := range roles {
		if i > 0 {
			out += ", "
		}
		out += r
	}
	return out
}

func (s *Service) collectCNI(ctx context.Context, kubeconfig string, snapshot *Snapshot) error {
	for _, cni := range []string{"canal", "cilium", "calico-node"} {
		out, err := s.kc.Run(ctx, kubeconfig, "get", "pods", "-n", "kube-system", "-l", "k8s-app="+cni, "-o", "json")
		if err != nil {
			continue
		}
		var pods struct {
			Items []struct {
				Status struct {
					Phase string `json:"phase"`
				} `json:"status"`
			} `json:"items"`
		}
		if json.Unmarshal(out, &pods) != nil || len(pods.Items) == 0 {
			continue
		}

		running := 0
		for _, p := range pods.Items {
			if p.Status.Phase == "Running" {
				running++
			}
		}
		name := cni
		if cni == "calico-node" {
			name = "calico"
		}
		snapshot.CNI = CNIInfo{
			Type:        name,
			Status:      "healthy",
			PodsTotal:   len(pods.Items),
			PodsRunning: running,
		}
		if running < len(pods.Items) {
			snapshot.CNI.Status = "degraded"
		}
		return nil
	}
	return nil
}

func (s *Service) collectComponents(ctx context.Context, kubeconfig string, snapshot *Snapshot) error {
	components := map[string]string{
		"etcd":               "component=etcd",
		"apiserver":          "component=kube-apiserver",
		"scheduler":          "component=kube-scheduler",
		"controller_manager": "component=kube-controller-manager",
	}
	for name, selector := range components {
		snapshot.Components[name] = "unknown"
		out, err := s.kc.Run(ctx, kubeconfig, "get", "pods", "-n", "kube-system", "-l", selector, "-o", "json")
		if err != nil {
			continue
		}
		var pods struct {
			Items []struct {
				Status struct {
					Phase string `json:"phase"`
				} `json:"status"`
			} `json:"items"`
		}
		if json.Unmarshal(out, &pods) != nil || len(pods.Items) == 0 {
			continue
		}
		snapshot.Components[name] = "healthy"
		for _, p := range pods.Items {
			if p.Status.Phase != "Running" {
				snapshot.Components[name] = "degraded"
			}
		}
	}
	return nil
}

func (s *Service) collectWorkloads(ctx context.Context, kubeconfig string, snapshot *Snapshot) error {
	out, err := s.kc.Run(ctx, kubeconfig, "get", "pods", "-A", "-o", "json")
	if err != nil {
		return err
	}
	var pods struct {
		Items []struct {
			Status struct {
				Phase string `json:"phase"`
			} `json:"status"`
		} `json:"items"`
	}
	if err := json.Unmarshal(out, &pods); err != nil {
		return err
	}
	snapshot.PodsTotal = len(pods.Items)
	for _, p := range pods.Items {
		if p.Status.Phase == "Running" {
			snapshot.PodsRunning++
		}
	}
	return nil
}

// syncNodes reconciles stored node statuses with what the cluster reports:
// Ready nodes become active, NotReady nodes become failed. Nodes the cluster
// does not know about (not yet joined, or already removed) are left alone.
// While an operation holds the cluster lock the running job owns node
// statuses, so the sync is skipped entirely.
func (s *Service) syncNodes(clusterID int64, snapshot *Snapshot) (int, error) {
	cluster, err := s.store.GetCluster(clusterID)
	if err != nil {
		return 0, err
	}
	if cluster.Lock.Status == types.LockRunning {
		return 0, nil
	}

	nodes, err := s.store.ListNodes(clusterID)
	if err != nil {
		return 0, err
	}

	byIP := make(map[string]string)
	for _, d := range snapshot.NodeDetails {
		if d.InternalIP != "" {
			byIP[d.InternalIP] = d.Status
		}
	}

	synced := 0
	for _, node := range nodes {
		k8sStatus, ok := byIP[node.InternalIP]
		if !ok || node.Status == types.NodeStatusRemoved {
			continue
		}

		var next types.NodeStatus
		switch k8sStatus {
		case "Ready":
			next = types.NodeStatusActive
		default:
			next = types.NodeStatusFailed
		}

		if node.Status != next {
			node.Status = next
			if err := s.store.UpdateNode(node); err != nil {
				return synced, err
			}
			synced++
		}
	}
	return synced, nil
}
