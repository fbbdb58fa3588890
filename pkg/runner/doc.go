/*
Package runner executes playbook processes and streams their output.

The runner is the only place rke2d touches a subprocess. It spawns
ansible-playbook with the rendered inventory and variable files, scans the
combined output line by line, and delivers every line both to the job's
live event bus and to the persisted job output.

# Core Components

Spawner and Handle:
  - Spawner starts a process for a Spec; Handle exposes its output
    stream, exit wait and termination
  - The default implementation shells out to ansible-playbook; tests
    substitute scripted fakes

Run:
  - Streams output until the process exits, publishing each line to the
    bus and appending it to the job record
  - On context cancellation sends SIGTERM, waits a grace period, then
    SIGKILL; the job output gets a cancellation trailer instead of the
    exit trailer
  - Appends a final trailer line with the exit code so persisted logs
    are self-explanatory

RunCollect:
  - Synchronous variant for ad-hoc invocations (access checks,
    kubeconfig fetches); returns the collected output instead of
    streaming

# Usage

	r := runner.New(store)
	res, err := r.Run(ctx, job.ID, bus, runner.Spec{
		Playbook:       "/usr/share/rke2d/playbooks/site.yml",
		Inventory:      invPath,
		ExtraVarsFiles: []string{varsPath},
		PrivateKeyFile: keyPath,
		Dir:            workdir,
	})
	if res.Cancelled {
		// job was cancelled by request
	}
*/
package runner
