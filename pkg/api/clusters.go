package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/guard"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

type nodeRequest struct {
	Hostname      string         `json:"hostname"`
	InternalIP    string         `json:"internal_ip"`
	ExternalIP    string         `json:"external_ip,omitempty"`
	UseExternalIP bool           `json:"use_external_ip,omitempty"`
	Role          string         `json:"role"`
	Vars          map[string]any `json:"vars,omitempty"`
}

type createClusterRequest struct {
	Name           string                 `json:"name"`
	Version        string                 `json:"rke2_version"`
	CredentialID   int64                  `json:"credential_id"`
	DataDir        string                 `json:"data_dir,omitempty"`
	APIAddr        string                 `json:"api_addr,omitempty"`
	Token          string                 `json:"token,omitempty"`
	CNI            string                 `json:"cni,omitempty"`
	AdditionalSANs []string               `json:"additional_sans,omitempty"`
	Registry       types.RegistrySettings `json:"registry,omitempty"`
	Images         types.ImageOverrides   `json:"images,omitempty"`
	CustomConfig   string                 `json:"custom_config,omitempty"`
	ClusterVars    map[string]any         `json:"cluster_vars,omitempty"`
	Nodes          []nodeRequest          `json:"nodes"`
}

type registerClusterRequest struct {
	Name       string `json:"name"`
	Version    string `json:"rke2_version,omitempty"`
	Kubeconfig string `json:"kubeconfig"`
}

type clusterResponse struct {
	*types.Cluster
	Nodes []*types.Node `json:"nodes"`
}

func (s *Server) clusterWithNodes(cluster *types.Cluster) (*clusterResponse, error) {
	nodes, err := s.store.ListNodes(cluster.ID)
	if err != nil {
		return nil, err
	}
	return &clusterResponse{Cluster: cluster, Nodes: nodes}, nil
}

func (s *Server) createCluster(c echo.Context) error {
	var req createClusterRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "cluster name is required")
	}
	if req.CredentialID == 0 {
		return badRequest(c, "credential_id is required")
	}
	if len(req.Nodes) == 0 {
		return badRequest(c, "at least one node is required")
	}

	var initials int
	for _, n := range req.Nodes {
		role, err := types.ParseNodeRole(n.Role)
		if err != nil {
			return badRequest(c, err.Error())
		}
		if n.Hostname == "" || (n.InternalIP == "" && n.ExternalIP == "") {
			return badRequest(c, "every node needs a hostname and an address")
		}
		if role == types.NodeRoleInitialMaster {
			initials++
		}
	}
	if initials != 1 {
		return badRequest(c, fmt.Sprintf("exactly one initial_master is required, got %d", initials))
	}

	if _, err := s.store.GetCredential(req.CredentialID); err != nil {
		return s.httpError(c, err)
	}

	cluster := &types.Cluster{
		Name:           req.Name,
		Kind:           types.ClusterKindFresh,
		Version:        req.Version,
		CredentialID:   req.CredentialID,
		DataDir:        req.DataDir,
		APIAddr:        req.APIAddr,
		Token:          req.Token,
		CNI:            req.CNI,
		AdditionalSANs: req.AdditionalSANs,
		Registry:       req.Registry,
		Images:         req.Images,
		CustomConfig:   req.CustomConfig,
		ClusterVars:    req.ClusterVars,
	}
	if err := s.store.CreateCluster(cluster); err != nil {
		return s.httpError(c, err)
	}

	for _, n := range req.Nodes {
		role, _ := types.ParseNodeRole(n.Role)
		node := &types.Node{
			ClusterID:     cluster.ID,
			Hostname:      n.Hostname,
			InternalIP:    n.InternalIP,
			ExternalIP:    n.ExternalIP,
			UseExternalIP: n.UseExternalIP,
			Role:          role,
			Status:        types.NodeStatusPending,
			Vars:          n.Vars,
		}
		if err := s.store.CreateNode(node); err != nil {
			// Creation is all-or-nothing; drop the half-built cluster
			_ = s.store.DeleteCluster(cluster.ID)
			return s.httpError(c, err)
		}
	}

	resp, err := s.clusterWithNodes(cluster)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) registerCluster(c echo.Context) error {
	var req registerClusterRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "cluster name is required")
	}
	if req.Kubeconfig == "" {
		return badRequest(c, "kubeconfig is required")
	}

	cluster := &types.Cluster{
		Name:       req.Name,
		Kind:       types.ClusterKindRegistered,
		Version:    req.Version,
		Kubeconfig: req.Kubeconfig,
	}
	if err := s.store.CreateCluster(cluster); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, &clusterResponse{Cluster: cluster, Nodes: []*types.Node{}})
}

func (s *Server) listClusters(c echo.Context) error {
	clusters, err := s.store.ListClusters()
	if err != nil {
		return s.httpError(c, err)
	}
	out := make([]*clusterResponse, 0, len(clusters))
	for _, cluster := range clusters {
		resp, err := s.clusterWithNodes(cluster)
		if err != nil {
			return s.httpError(c, err)
		}
		out = append(out, resp)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getCluster(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	resp, err := s.clusterWithNodes(cluster)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type updateClusterRequest struct {
	Version        *string                 `json:"rke2_version"`
	CredentialID   *int64                  `json:"credential_id"`
	DataDir        *string                 `json:"data_dir"`
	APIAddr        *string                 `json:"api_addr"`
	CNI            *string                 `json:"cni"`
	AdditionalSANs *[]string               `json:"additional_sans"`
	Registry       *types.RegistrySettings `json:"registry"`
	Images         *types.ImageOverrides   `json:"images"`
	CustomConfig   *string                 `json:"custom_config"`
	ClusterVars    *map[string]any         `json:"cluster_vars"`
}

func (s *Server) updateCluster(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	if err := s.requireIdle(cluster); err != nil {
		return s.httpError(c, err)
	}

	var req updateClusterRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Version != nil {
		cluster.Version = *req.Version
	}
	if req.CredentialID != nil {
		if _, err := s.store.GetCredential(*req.CredentialID); err != nil {
			return s.httpError(c, err)
		}
		cluster.CredentialID = *req.CredentialID
	}
	if req.DataDir != nil {
		cluster.DataDir = *req.DataDir
	}
	if req.APIAddr != nil {
		cluster.APIAddr = *req.APIAddr
	}
	if req.CNI != nil {
		cluster.CNI = *req.CNI
	}
	if req.AdditionalSANs != nil {
		cluster.AdditionalSANs = *req.AdditionalSANs
	}
	if req.Registry != nil {
		cluster.Registry = *req.Registry
	}
	if req.Images != nil {
		cluster.Images = *req.Images
	}
	if req.CustomConfig != nil {
		cluster.CustomConfig = *req.CustomConfig
	}
	if req.ClusterVars != nil {
		cluster.ClusterVars = *req.ClusterVars
	}

	if err := s.store.UpdateCluster(cluster); err != nil {
		return s.httpError(c, err)
	}
	resp, err := s.clusterWithNodes(cluster)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteCluster(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	if err := s.requireIdle(cluster); err != nil {
		return s.httpError(c, err)
	}
	if err := s.store.DeleteCluster(id); err != nil {
		return s.httpError(c, err)
	}
	s.status.Invalidate(id)
	return c.NoContent(http.StatusNoContent)
}

type scaleAddRequest struct {
	Nodes []nodeRequest `json:"nodes"`
}

type scaleAddResponse struct {
	Job            *types.Job `json:"job"`
	WorkersPending []string   `json:"workers_pending,omitempty"`
	Warning        string     `json:"warning,omitempty"`
}

func (s *Server) scaleAdd(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	if cluster.Kind != types.ClusterKindFresh {
		return badRequest(c, "scaling is only supported for clusters installed by this controller")
	}

	var req scaleAddRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	specs := make([]guard.NodeSpec, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		role, err := types.ParseNodeRole(n.Role)
		if err != nil {
			return badRequest(c, err.Error())
		}
		if role == types.NodeRoleInitialMaster {
			return badRequest(c, "cannot add an initial_master to an existing cluster")
		}
		if n.Hostname == "" || (n.InternalIP == "" && n.ExternalIP == "") {
			return badRequest(c, "every node needs a hostname and an address")
		}
		specs = append(specs, guard.NodeSpec{
			Hostname:   n.Hostname,
			IP:         n.InternalIP,
			ExternalIP: n.ExternalIP,
			Server:     role == types.NodeRoleMaster,
		})
	}

	result, err := s.orch.AddNodes(id, specs)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, scaleAddResponse{
		Job:            result.Job,
		WorkersPending: result.WorkersPending,
		Warning:        result.Warning,
	})
}

type scaleRemoveRequest struct {
	Hostnames            []string `json:"hostnames"`
	ConfirmMasterRemoval bool     `json:"confirm_master_removal"`
}

type scaleRemoveResponse struct {
	Job     *types.Job `json:"job"`
	Warning string     `json:"warning,omitempty"`
}

func (s *Server) scaleRemove(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	if cluster.Kind != types.ClusterKindFresh {
		return badRequest(c, "scaling is only supported for clusters installed by this controller")
	}

	var req scaleRemoveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	job, warning, err := s.orch.RemoveNodes(id, req.Hostnames, req.ConfirmMasterRemoval)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, scaleRemoveResponse{Job: job, Warning: warning})
}

func (s *Server) preflightCheck(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	analyze := true
	if raw := c.QueryParam("analyze"); raw != "" {
		analyze, err = strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "analyze must be a boolean")
		}
	}
	targetVersion := c.QueryParam("target_version")

	job, err := s.orch.PreflightCheck(id, targetVersion, analyze)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) fetchKubeconfig(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.orch.FetchKubeconfig(c.Request().Context(), id)
	if err != nil {
		return s.httpError(c, err)
	}
	s.status.Invalidate(id)
	resp, err := s.clusterWithNodes(cluster)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type uploadKubeconfigRequest struct {
	Kubeconfig string `json:"kubeconfig"`
}

func (s *Server) uploadKubeconfig(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req uploadKubeconfigRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Kubeconfig == "" {
		return badRequest(c, "kubeconfig is required")
	}

	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	cluster.Kubeconfig = req.Kubeconfig
	if err := s.store.UpdateCluster(cluster); err != nil {
		return s.httpError(c, err)
	}
	s.status.Invalidate(id)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) clusterStatus(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	if cluster.Kubeconfig == "" {
		return badRequest(c, "cluster has no kubeconfig; install, fetch or upload one first")
	}

	refresh := c.QueryParam("refresh") == "true"
	snapshot, err := s.status.Get(c.Request().Context(), cluster, refresh)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) refreshStatus(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return s.httpError(c, err)
	}
	if cluster.Kubeconfig == "" {
		return badRequest(c, "cluster has no kubeconfig; install, fetch or upload one first")
	}

	snapshot, err := s.status.Get(c.Request().Context(), cluster, true)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// requireIdle refuses mutations on a cluster whose operation lock is held
func (s *Server) requireIdle(cluster *types.Cluster) error {
	if cluster.Lock.Status == types.LockRunning {
		return &storage.LockBusyError{
			ClusterID: cluster.ID,
			Operation: cluster.Lock.Operation,
			JobID:     cluster.Lock.CurrentJob,
		}
	}
	return nil
}
