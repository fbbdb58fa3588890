package types

import (
	"fmt"
	"time"
)

// ClusterKind distinguishes clusters we install from clusters we only observe
type ClusterKind string

const (
	// ClusterKindFresh is a cluster provisioned by this controller
	ClusterKindFresh ClusterKind = "fresh"
	// ClusterKindRegistered is an existing cluster registered via kubeconfig
	ClusterKindRegistered ClusterKind = "registered"
)

// NodeRole defines the role of a node in the RKE2 cluster
type NodeRole string

const (
	// NodeRoleInitialMaster is the single control-plane node that bootstraps etcd.
	// Its rendered config never references a join endpoint.
	NodeRoleInitialMaster NodeRole = "initial_master"
	NodeRoleMaster        NodeRole = "master"
	NodeRoleWorker        NodeRole = "worker"
)

// NodeStatus represents the lifecycle state of a node within operations
type NodeStatus string

const (
	NodeStatusPending    NodeStatus = "pending"
	NodeStatusInstalling NodeStatus = "installing"
	NodeStatusActive     NodeStatus = "active"
	NodeStatusFailed     NodeStatus = "failed"
	NodeStatusDraining   NodeStatus = "draining"
	NodeStatusRemoved    NodeStatus = "removed"
)

// JobKind identifies the user intent a job executes
type JobKind string

const (
	JobKindInstall         JobKind = "install"
	JobKindUninstall       JobKind = "uninstall"
	JobKindScaleAddMasters JobKind = "scale_add_masters"
	JobKindScaleAddWorkers JobKind = "scale_add_workers"
	JobKindScaleRemove     JobKind = "scale_remove"
	JobKindPreflightCheck  JobKind = "preflight_check"
	JobKindUpgradeCheck    JobKind = "upgrade_check"
)

// JobStatus represents the state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job status is a terminal state
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CredentialKind distinguishes SSH key material from passwords
type CredentialKind string

const (
	CredentialKindKey      CredentialKind = "key"
	CredentialKindPassword CredentialKind = "password"
)

// LockStatus is the per-cluster operation lock state
type LockStatus string

const (
	LockIdle    LockStatus = "idle"
	LockRunning LockStatus = "running"
)

// Stage is a contiguous phase of an operation run by one playbook invocation
type Stage string

const (
	StageInitialMaster  Stage = "initial_master"
	StageJoiningMasters Stage = "joining_masters"
	StageWorkers        Stage = "workers"
	StageAll            Stage = "all"
	StageScaleAdd       Stage = "scale_add"
	StageRemove         Stage = "remove"
	StageUninstall      Stage = "uninstall"
	StagePreflight      Stage = "preflight"
)

// OperationLock is the per-cluster exclusive operation record.
// CurrentJob is a weak reference by id, cleared on release.
type OperationLock struct {
	Status     LockStatus `json:"status"`
	CurrentJob int64      `json:"current_job,omitempty"`
	Operation  string     `json:"operation,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// RegistrySettings carries optional private registry and mirror configuration
type RegistrySettings struct {
	CustomRegistry string   `json:"custom_registry,omitempty"` // active/deactive
	CustomMirror   string   `json:"custom_mirror,omitempty"`   // active/deactive
	Addresses      []string `json:"addresses,omitempty"`
	User           string   `json:"user,omitempty"`
	Password       string   `json:"password,omitempty"`
}

// ImageOverrides carries optional custom container images for airgap installs
type ImageOverrides struct {
	KubeAPIServer         string `json:"kube_apiserver_image,omitempty"`
	KubeControllerManager string `json:"kube_controller_manager_image,omitempty"`
	KubeProxy             string `json:"kube_proxy_image,omitempty"`
	KubeScheduler         string `json:"kube_scheduler_image,omitempty"`
	Pause                 string `json:"pause_image,omitempty"`
	Runtime               string `json:"runtime_image,omitempty"`
	Etcd                  string `json:"etcd_image,omitempty"`
}

// Cluster is the authoritative record of one RKE2 cluster
type Cluster struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	Kind         ClusterKind `json:"kind"`
	Version      string      `json:"version"`       // target RKE2 version
	CredentialID int64       `json:"credential_id"` // SSH credential reference

	DataDir        string           `json:"data_dir"`
	APIAddr        string           `json:"api_addr"` // HA VIP or first master IP
	Token          string           `json:"token"`    // shared bootstrap token
	CNI            string           `json:"cni"`
	AdditionalSANs []string         `json:"additional_sans,omitempty"`
	Registry       RegistrySettings `json:"registry,omitempty"`
	Images         ImageOverrides   `json:"images,omitempty"`
	CustomConfig   string           `json:"custom_config,omitempty"` // YAML overrides
	ClusterVars    map[string]any   `json:"cluster_vars,omitempty"`

	Kubeconfig string `json:"kubeconfig,omitempty"`

	// InstallationStage records the orchestrator's current phase so an
	// observer can see progress without reading the job log.
	InstallationStage string `json:"installation_stage,omitempty"`

	Lock OperationLock `json:"lock"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is one host of a cluster
type Node struct {
	ID        int64 `json:"id"`
	ClusterID int64 `json:"cluster_id"`

	Hostname   string `json:"hostname"`
	InternalIP string `json:"internal_ip"`
	ExternalIP string `json:"external_ip,omitempty"`
	// UseExternalIP selects which address the playbook connects to
	UseExternalIP bool `json:"use_external_ip"`

	Role   NodeRole   `json:"role"`
	Status NodeStatus `json:"status"`

	Vars map[string]any `json:"vars,omitempty"`

	InstallStartedAt   *time.Time `json:"install_started_at,omitempty"`
	InstallCompletedAt *time.Time `json:"install_completed_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectIP returns the address the execution tool should connect to
func (n *Node) ConnectIP() string {
	if n.UseExternalIP && n.ExternalIP != "" {
		return n.ExternalIP
	}
	return n.InternalIP
}

// IsServer reports whether the node is part of the control plane
func (n *Node) IsServer() bool {
	return n.Role == NodeRoleInitialMaster || n.Role == NodeRoleMaster
}

// Job is the persistent record of one user intent's execution
type Job struct {
	ID        int64     `json:"id"`
	ClusterID int64     `json:"cluster_id"`
	Kind      JobKind   `json:"kind"`
	Status    JobStatus `json:"status"`

	PlaybookPath  string `json:"playbook_path,omitempty"`
	InventoryPath string `json:"inventory_path,omitempty"`
	Output        string `json:"output,omitempty"`

	// Readiness holds the structured preflight/upgrade-check report
	Readiness map[string]any `json:"readiness,omitempty"`
	// AnalyzerSummary holds the optional analyzer result (JSON document)
	AnalyzerSummary string `json:"analyzer_summary,omitempty"`
	AnalyzerModel   string `json:"analyzer_model,omitempty"`
	AnalyzerTokens  int    `json:"analyzer_tokens,omitempty"`

	TargetVersion string `json:"target_version,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Credential is an SSH credential; Secret is AES-256-GCM encrypted and the
// plaintext is never logged or embedded in rendered documents.
type Credential struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	Username string         `json:"username"`
	Kind     CredentialKind `json:"kind"`
	Secret   []byte         `json:"secret"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseNodeRole validates a role received at the API boundary
func ParseNodeRole(s string) (NodeRole, error) {
	switch NodeRole(s) {
	case NodeRoleInitialMaster, NodeRoleMaster, NodeRoleWorker:
		return NodeRole(s), nil
	}
	return "", fmt.Errorf("unknown node role: %q", s)
}

// ParseCredentialKind validates a credential kind received at the API boundary
func ParseCredentialKind(s string) (CredentialKind, error) {
	switch CredentialKind(s) {
	case CredentialKindKey, CredentialKindPassword:
		return CredentialKind(s), nil
	}
	return "", fmt.Errorf("unknown credential kind: %q", s)
}

// ParseClusterKind validates a cluster kind received at the API boundary
func ParseClusterKind(s string) (ClusterKind, error) {
	switch ClusterKind(s) {
	case ClusterKindFresh, ClusterKindRegistered:
		return ClusterKind(s), nil
	}
	return "", fmt.Errorf("unknown cluster kind: %q", s)
}
