package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/inventory"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/runner"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

const (
	playbookCheckAccess     = "check_access.yml"
	playbookFetchKubeconfig = "fetch_kubeconfig.yml"
)

// HostInput is an ad-hoc host for an access check
type HostInput struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
}

// HostCheckResult is the per-host outcome of an access check
type HostCheckResult struct {
	Hostname     string `json:"hostname"`
	IP           string `json:"ip"`
	Status       string `json:"status"` // ok | failed
	SSHReachable bool   `json:"ssh_reachable"`
	Error        string `json:"error,omitempty"`
}

// AccessCheckResult aggregates the per-host outcomes
type AccessCheckResult struct {
	OverallStatus string            `json:"overall_status"` // success | failed
	Results       []HostCheckResult `json:"results"`
}

// TestAccess validates SSH connectivity to the given hosts with a stored
// credential. Runs synchronously, creates no job and takes no lock.
func (o *Orchestrator) TestAccess(ctx context.Context, credentialID int64, hosts []HostInput) (*AccessCheckResult, error) {
	if len(hosts) == 0 {
		return nil, &RejectionError{Check: "request", Reason: "No hosts to check."}
	}
	cred, err := o.store.GetCredential(credentialID)
	if err != nil {
		return nil, err
	}

	var lines []string
	lines = append(lines, "[check_hosts]")
	for _, h := range hosts {
		lines = append(lines, fmt.Sprintf("%s ansible_host=%s ansible_user=%s", h.Hostname, h.IP, cred.Username))
	}
	inv := strings.Join(lines, "\n") + "\n"

	output, res, workdirPath, err := o.runAdHoc(ctx, cred, playbookCheckAccess, inv, nil)
	if err != nil {
		return nil, err
	}
	os.RemoveAll(workdirPath)
	return parseAccessCheck(output, res.ExitCode, hosts), nil
}

// FetchKubeconfig pulls the admin kubeconfig from the cluster's initial
// master and stores it on the cluster record, with the server address
// rewritten from loopback to the cluster API address.
func (o *Orchestrator) FetchKubeconfig(ctx context.Context, clusterID int64) (*types.Cluster, error) {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	nodes, err := o.store.ListNodes(clusterID)
	if err != nil {
		return nil, err
	}
	cred, err := o.store.GetCredential(cluster.CredentialID)
	if err != nil {
		return nil, err
	}

	inv, err := inventory.RenderForStage(types.StageInitialMaster, nodes, cred.Username)
	if err != nil {
		return nil, err
	}

	_, res, workdirPath, err := o.runAdHoc(ctx, cred, playbookFetchKubeconfig, inv, func(w *inventory.Workdir) error {
		extras, err := inventory.RenderExtraVars(cluster, types.StageInitialMaster)
		if err != nil {
			return err
		}
		_, err = w.WriteExtraVars(extras)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workdirPath)
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("kubeconfig fetch failed with exit code %d", res.ExitCode)
	}

	data, err := os.ReadFile(filepath.Join(workdirPath, "kubeconfig.yaml"))
	if err != nil {
		return nil, fmt.Errorf("playbook did not produce a kubeconfig: %w", err)
	}

	cluster.Kubeconfig = rewriteKubeconfigServer(string(data), cluster.APIAddr)
	if err := o.store.UpdateCluster(cluster); err != nil {
		return nil, err
	}
	return cluster, nil
}

// runAdHoc runs a playbook synchronously in a throwaway workdir and returns
// the collected output plus the workdir path. Secret files are removed here
// on every path; the caller removes the rest of the workdir after picking up
// any file the playbook produced.
func (o *Orchestrator) runAdHoc(ctx context.Context, cred *types.Credential, playbook, inv string, prepare func(*inventory.Workdir) error) (string, runner.Result, string, error) {
	workdir, err := inventory.NewWorkdir(o.workDir)
	if err != nil {
		return "", runner.Result{ExitCode: -1}, "", err
	}

	invPath, err := workdir.WriteInventory(inv)
	if err != nil {
		workdir.Cleanup()
		return "", runner.Result{ExitCode: -1}, "", err
	}
	if prepare != nil {
		if err := prepare(workdir); err != nil {
			workdir.Cleanup()
			return "", runner.Result{ExitCode: -1}, "", err
		}
	}

	spec := runner.Spec{
		Playbook:  filepath.Join(o.playbookDir, playbook),
		Inventory: invPath,
		Dir:       workdir.Path,
	}
	if extras := filepath.Join(workdir.Path, "extra_vars.yml"); fileExists(extras) {
		spec.ExtraVarsFiles = append(spec.ExtraVarsFiles, extras)
	}

	plaintext, err := o.secrets.Decrypt(cred.Secret)
	if err != nil {
		workdir.Cleanup()
		return "", runner.Result{ExitCode: -1}, "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	switch cred.Kind {
	case types.CredentialKindKey:
		keyPath, err := workdir.WriteSecret("ssh.key", plaintext)
		if err != nil {
			workdir.Cleanup()
			return "", runner.Result{ExitCode: -1}, "", err
		}
		spec.PrivateKeyFile = keyPath
	case types.CredentialKindPassword:
		passPath, err := workdir.WriteSecret("secret_vars.yml", []byte(fmt.Sprintf("ansible_ssh_pass: %q\n", string(plaintext))))
		if err != nil {
			workdir.Cleanup()
			return "", runner.Result{ExitCode: -1}, "", err
		}
		spec.ExtraVarsFiles = append(spec.ExtraVarsFiles, passPath)
	}

	output, res, err := o.runner.RunCollect(ctx, spec)

	// Drop the secret immediately; the rest of the workdir survives just
	// long enough for the caller to pick up any produced file.
	os.Remove(filepath.Join(workdir.Path, "ssh.key"))
	os.Remove(filepath.Join(workdir.Path, "secret_vars.yml"))
	if err != nil {
		workdir.Cleanup()
		return "", res, "", err
	}
	return output, res, workdir.Path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parseAccessCheck(output string, exitCode int, hosts []HostInput) *AccessCheckResult {
	result := &AccessCheckResult{OverallStatus: "success"}
	for _, h := range hosts {
		r := HostCheckResult{Hostname: h.Hostname, IP: h.IP, Status: "ok", SSHReachable: true}

		mentioned := strings.Contains(output, h.Hostname) || strings.Contains(output, h.IP)
		switch {
		case exitCode != 0 && !mentioned:
			r.Status = "failed"
			r.SSHReachable = false
			r.Error = fmt.Sprintf("playbook execution failed (exit code %d)", exitCode)
		case hostUnreachable(output, h.Hostname):
			r.Status = "failed"
			r.SSHReachable = false
			r.Error = "SSH connection failed - verify host is up and the credential is valid"
		case exitCode != 0:
			r.Status = "failed"
			r.Error = fmt.Sprintf("access check failed (exit code %d)", exitCode)
		}

		if r.Status != "ok" {
			result.OverallStatus = "failed"
		}
		result.Results = append(result.Results, r)
	}
	return result
}

// hostUnreachable looks for ansible's UNREACHABLE marker attributed to the host
func hostUnreachable(output, hostname string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "UNREACHABLE!") && strings.Contains(line, hostname) {
			return true
		}
	}
	return false
}

// rewriteKubeconfigServer swaps the loopback server address the node-local
// kubeconfig carries for the cluster's reachable API address.
func rewriteKubeconfigServer(kubeconfig, apiAddr string) string {
	if apiAddr == "" {
		return kubeconfig
	}
	return strings.ReplaceAll(kubeconfig, "https://127.0.0.1:6443", fmt.Sprintf("https://%s:6443", apiAddr))
}
