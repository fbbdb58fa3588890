/*
Package inventory renders clusters into Ansible inventories and variable
files.

The renderer translates the store's node topology into the INI inventory
groups the playbooks expect, scoped to the stage being executed: a stage
inventory only targets that stage's nodes, so a failed worker join can
never touch a control-plane machine.

# Core Components

Stage Rendering:
  - RenderForStage emits the groups for install and uninstall stages
    (masters, workers, k8s_cluster) from the full node list
  - RenderForScaleAdd / RenderForScaleRemove emit the new_servers,
    new_agents and removal groups for scaling runs
  - Removed nodes are always omitted

Extra Vars:
  - RenderExtraVars produces the YAML variable file driving the
    playbooks: version, CNI, data dir, SANs, registry and image
    overrides, with user ClusterVars layered on top
  - The initial master gets no join URL; every other node joins through
    the initial master's supervisor port

Defaults:
  - ApplyDefaults fills the bootstrap token, API address and SANs a
    cluster was created without; GenerateToken produces the random
    cluster token

Workdir:
  - Workdir is the per-invocation scratch directory holding the
    inventory, variable files and decrypted secrets (mode 0600)
  - Cleanup removes everything; callers defer it on every path

# Usage

	inv, err := inventory.RenderForStage(types.StageWorkers, nodes, "root")
	if err != nil {
		return err
	}

	workdir, err := inventory.NewWorkdir(baseDir)
	defer workdir.Cleanup()
	path, err := workdir.WriteInventory(inv)
*/
package inventory
