/*
Package orchestrator turns user intents into jobs and drives them to
completion.

The orchestrator is the heart of rke2d: it validates requests against the
guardrails, takes the cluster's operation lock, renders inventories,
launches playbook processes through the runner and records every node and
job state transition in the store.

# Architecture

	┌───────────────────── ORCHESTRATOR ─────────────────────┐
	│                                                         │
	│  Install / Uninstall / AddNodes / RemoveNodes /         │
	│  PreflightCheck / TestAccess / FetchKubeconfig          │
	│                     │                                   │
	│      ┌──────────────▼──────────────┐                    │
	│      │   guardrails (pkg/guard)    │ reject unsafe      │
	│      └──────────────┬──────────────┘ requests early     │
	│                     │                                   │
	│      ┌──────────────▼──────────────┐                    │
	│      │  startJob: create job,      │ one job per        │
	│      │  acquire lock, spawn        │ cluster, enforced  │
	│      │  goroutine                  │ by the store lock  │
	│      └──────────────┬──────────────┘                    │
	│                     │                                   │
	│      ┌──────────────▼──────────────┐                    │
	│      │  stages: render inventory,  │ initial_master ▶   │
	│      │  write secrets, run         │ joining_masters ▶  │
	│      │  playbook, transition nodes │ workers            │
	│      └──────────────┬──────────────┘                    │
	│                     │                                   │
	│      ┌──────────────▼──────────────┐                    │
	│      │  finishJob: release lock,   │ runs on every      │
	│      │  close bus, recover panics  │ exit path          │
	│      └─────────────────────────────┘                    │
	└─────────────────────────────────────────────────────────┘

# Core Components

Job Lifecycle:
  - startJob creates the job record, acquires the cluster lock and
    launches the run goroutine; on a lock conflict the fresh job record
    is deleted so rejected requests leave no trace
  - finishJob releases the lock, tears down the event bus and converts
    panics into failed jobs; it runs deferred on every path
  - Cancel cancels the job's context; the runner terminates the process
    and the job lands in the cancelled state

Staged Installation:
  - Install runs up to three stages in order: the initial master alone,
    then the joining masters, then the workers
  - Each stage gets a freshly rendered stage-scoped inventory and its
    own playbook invocation; a stage failure stops the sequence and
    marks only that stage's nodes failed
  - The admin kubeconfig produced by the install is captured from the
    working directory, its server address rewritten from loopback to
    the cluster API address, and stored on the cluster record

Scaling:
  - AddNodes validates identity and bootstrap guardrails, persists all
    requested nodes, then runs the control-plane batch first; workers
    of a mixed request are reported back as pending
  - RemoveNodes validates quorum safety and drains targets before
    removal

Preflight:
  - PreflightCheck runs the read-only readiness checks as a job without
    taking the cluster lock, so it can run alongside a live operation
  - When an analyzer endpoint is configured and requested, the readiness
    report is submitted for a GO / CAUTION / NO-GO assessment; analyzer
    trouble never fails the check itself

Ad-hoc Operations:
  - TestAccess and FetchKubeconfig run synchronously in throwaway
    working directories, without jobs or locks

Secret Handling:
  - Credentials are decrypted only at the moment of use, written into
    the job's working directory with mode 0600 and passed to the
    process by file path. The files are removed on every exit path and
    plaintext never appears in inventories, logs or job output.

# Usage

	orch := orchestrator.New(orchestrator.Config{
		Store:       store,
		Hub:         hub,
		Runner:      runner.New(store),
		Guard:       guard.New(),
		Secrets:     secrets,
		Checker:     preflight.New(kc),
		Analyzer:    analyzer.NewFromEnv(),
		WorkDir:     "/var/lib/rke2d/work",
		PlaybookDir: "/usr/share/rke2d/playbooks",
	})

	job, err := orch.Install(clusterID)

# Integration Points

  - pkg/storage: Jobs, locks, node and cluster transitions
  - pkg/guard: Topology safety decisions
  - pkg/inventory: Inventory, extra-vars and workdir rendering
  - pkg/runner: Process execution and output streaming
  - pkg/events: Per-job output buses
  - pkg/preflight, pkg/analyzer: Readiness checks and assessment
  - pkg/api: The HTTP surface calling into this package
*/
package orchestrator
