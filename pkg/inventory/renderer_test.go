package inventory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

func testNodes() []*types.Node {
	return []*types.Node{
		{Hostname: "cp-1", InternalIP: "10.0.0.1", Role: types.NodeRoleInitialMaster, Status: types.NodeStatusPending},
		{Hostname: "cp-2", InternalIP: "10.0.0.2", Role: types.NodeRoleMaster, Status: types.NodeStatusPending},
		{Hostname: "w-1", InternalIP: "10.0.0.3", Role: types.NodeRoleWorker, Status: types.NodeStatusPending},
		{Hostname: "gone", InternalIP: "10.0.0.4", Role: types.NodeRoleWorker, Status: types.NodeStatusRemoved},
	}
}

func TestRenderForStageFiltersRoles(t *testing.T) {
	nodes := testNodes()

	inv, err := RenderForStage(types.StageInitialMaster, nodes, "ops")
	require.NoError(t, err)
	assert.Contains(t, inv, "[initial_master]")
	assert.Contains(t, inv, "cp-1 ansible_host=10.0.0.1 ansible_user=ops rke2_type=server node_role=initial_master")
	assert.NotContains(t, inv, "cp-2")
	assert.NotContains(t, inv, "w-1")

	inv, err = RenderForStage(types.StageJoiningMasters, nodes, "ops")
	require.NoError(t, err)
	assert.Contains(t, inv, "cp-2 ansible_host=10.0.0.2 ansible_user=ops rke2_type=server node_role=joining_master")
	assert.NotContains(t, inv, "cp-1")

	inv, err = RenderForStage(types.StageWorkers, nodes, "ops")
	require.NoError(t, err)
	assert.Contains(t, inv, "w-1 ansible_host=10.0.0.3 ansible_user=ops rke2_type=agent node_role=worker")
	assert.NotContains(t, inv, "cp-")
}

func TestRenderForStageOmitsRemovedNodes(t *testing.T) {
	for _, stage := range []types.Stage{types.StageWorkers, types.StageAll, types.StageUninstall} {
		inv, err := RenderForStage(stage, testNodes(), "ops")
		require.NoError(t, err)
		assert.NotContains(t, inv, "gone", "stage %s leaked a removed node", stage)
	}
}

func TestRenderForStageAll(t *testing.T) {
	inv, err := RenderForStage(types.StageUninstall, testNodes(), "ops")
	require.NoError(t, err)
	assert.Contains(t, inv, "[masters]")
	assert.Contains(t, inv, "node_role=initial_master")
	assert.Contains(t, inv, "node_role=joining_master")
	assert.Contains(t, inv, "[workers]")
	assert.Contains(t, inv, "[k8s_cluster:children]")
}

func TestRenderForStageUnknown(t *testing.T) {
	_, err := RenderForStage(types.Stage("bogus"), testNodes(), "ops")
	assert.Error(t, err)
}

func TestRenderForScaleAddServersNeverInitial(t *testing.T) {
	inv := RenderForScaleAdd([]*types.Node{
		{Hostname: "cp-3", InternalIP: "10.0.0.5", Role: types.NodeRoleMaster},
		{Hostname: "w-2", InternalIP: "10.0.0.6", Role: types.NodeRoleWorker},
	}, "ops")

	assert.Contains(t, inv, "[new_nodes]")
	assert.Contains(t, inv, "cp-3 ansible_host=10.0.0.5 ansible_user=ops rke2_type=server node_role=joining_master")
	assert.NotContains(t, inv, "initial_master")

	// Hostname-only membership groups
	lines := strings.Split(inv, "\n")
	assert.Contains(t, lines, "[new_servers]")
	assert.Contains(t, lines, "[new_agents]")
	assert.Contains(t, lines, "cp-3")
	assert.Contains(t, lines, "w-2")
}

func TestRenderForScaleRemoveGroups(t *testing.T) {
	inv := RenderForScaleRemove([]*types.Node{
		{Hostname: "cp-2", InternalIP: "10.0.0.2", Role: types.NodeRoleMaster},
		{Hostname: "w-1", InternalIP: "10.0.0.3", Role: types.NodeRoleWorker},
	}, "ops")

	assert.Contains(t, inv, "[removed_servers]")
	assert.Contains(t, inv, "cp-2 ansible_host=10.0.0.2")
	assert.Contains(t, inv, "[removed_agents]")
	assert.Contains(t, inv, "w-1 ansible_host=10.0.0.3")
}

func TestHostLineUsesExternalIPWhenSelected(t *testing.T) {
	n := &types.Node{Hostname: "w-1", InternalIP: "10.0.0.3", ExternalIP: "203.0.113.3", UseExternalIP: true, Role: types.NodeRoleWorker}
	inv, err := RenderForStage(types.StageWorkers, []*types.Node{n}, "ops")
	require.NoError(t, err)
	assert.Contains(t, inv, "ansible_host=203.0.113.3")
}

func TestApplyDefaults(t *testing.T) {
	cluster := &types.Cluster{Name: "prod"}
	nodes := testNodes()

	ApplyDefaults(cluster, nodes)
	assert.Equal(t, DefaultDataDir, cluster.DataDir)
	assert.Equal(t, DefaultCNI, cluster.CNI)
	assert.Len(t, cluster.Token, tokenLength)
	assert.Equal(t, "10.0.0.1", cluster.APIAddr)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cluster.AdditionalSANs)

	// Explicit values survive
	cluster2 := &types.Cluster{Name: "prod", Token: "fixed", APIAddr: "10.0.0.100", CNI: "cilium"}
	ApplyDefaults(cluster2, nodes)
	assert.Equal(t, "fixed", cluster2.Token)
	assert.Equal(t, "10.0.0.100", cluster2.APIAddr)
	assert.Equal(t, "cilium", cluster2.CNI)
}

func TestGenerateTokenRandomness(t *testing.T) {
	a := GenerateToken()
	b := GenerateToken()
	assert.Len(t, a, tokenLength)
	assert.NotEqual(t, a, b)
}

func extraVars(t *testing.T, cluster *types.Cluster, stage types.Stage) map[string]any {
	t.Helper()
	raw, err := RenderExtraVars(cluster, stage)
	require.NoError(t, err)
	var vars map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &vars))
	return vars
}

func TestRenderExtraVarsInitialMasterHasNoServerURL(t *testing.T) {
	cluster := &types.Cluster{
		Version: "v1.30.3+rke2r1",
		DataDir: DefaultDataDir,
		APIAddr: "10.0.0.1",
		Token:   "tok",
		CNI:     "canal",
	}

	vars := extraVars(t, cluster, types.StageInitialMaster)
	assert.NotContains(t, vars, "rke2_server_url")
	assert.Equal(t, "v1.30.3+rke2r1", vars["rke2_version"])
	assert.Equal(t, "tok", vars["rke2_token"])

	vars = extraVars(t, cluster, types.StageJoiningMasters)
	assert.Equal(t, "https://10.0.0.1:9345", vars["rke2_server_url"])

	vars = extraVars(t, cluster, types.StageWorkers)
	assert.Equal(t, "https://10.0.0.1:9345", vars["rke2_server_url"])
}

func TestRenderExtraVarsRegistryAndImages(t *testing.T) {
	cluster := &types.Cluster{
		APIAddr: "10.0.0.1",
		Registry: types.RegistrySettings{
			CustomRegistry: "active",
			CustomMirror:   "active",
			Addresses:      []string{"registry.local:5000"},
			User:           "pull",
			Password:       "secret",
		},
		Images: types.ImageOverrides{Pause: "registry.local:5000/pause:3.9"},
	}

	vars := extraVars(t, cluster, types.StageWorkers)
	assert.Equal(t, "active", vars["custom_registry"])
	assert.Equal(t, "active", vars["custom_mirror"])
	assert.Equal(t, "registry.local:5000/pause:3.9", vars["pause_image"])
}

func TestRenderExtraVarsClusterVarsWin(t *testing.T) {
	cluster := &types.Cluster{
		APIAddr:     "10.0.0.1",
		CNI:         "canal",
		ClusterVars: map[string]any{"cni": "cilium", "extra_flag": true},
	}

	vars := extraVars(t, cluster, types.StageWorkers)
	assert.Equal(t, "cilium", vars["cni"])
	assert.Equal(t, true, vars["extra_flag"])
}
