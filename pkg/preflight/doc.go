/*
Package preflight runs read-only readiness checks against a cluster before
an upgrade.

The checker talks to the cluster exclusively through kubectl with the
stored kubeconfig; it never touches the nodes over SSH and changes
nothing, which is why preflight jobs run without the cluster operation
lock.

# Checks

  - etcd: every etcd pod in kube-system is Running
  - nodes: every node reports Ready
  - disk: no node reports DiskPressure
  - certificates: not evaluated from the API server; always passes with
    a warning so the operator knows to check on-host
  - deprecated_apis: workloads using API versions removed in the target
    minor; skipped with a warning when no target version is set

Each check carries a severity (info, warning, critical) and details.
The report is ready only when every check passes; it serializes into the
job's readiness field and feeds the optional analyzer.

# Usage

	checker := preflight.New(kubectl.NewRunner())
	report, err := checker.Run(ctx, cluster)
	if err != nil {
		return err
	}
	if !report.Ready {
		// surface failing checks
	}
*/
package preflight
