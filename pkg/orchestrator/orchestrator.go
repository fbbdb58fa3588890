package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/analyzer"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/events"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/guard"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/inventory"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/metrics"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/preflight"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/runner"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// Playbook file names under the playbook directory
const (
	playbookInstall   = "site.yml"
	playbookUninstall = "uninstall.yml"
	playbookScaleAdd  = "scale_add.yml"
	playbookRemove    = "remove_nodes.yml"
)

// RejectionError is a guardrail refusal. It maps to a client error at the
// API boundary, never to a server fault.
type RejectionError struct {
	Check  string
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

// ErrJobNotRunning is returned by Cancel for jobs that are not in flight
var ErrJobNotRunning = errors.New("job is not running")

// AddNodesResult reports what a scale-add request produced
type AddNodesResult struct {
	Job *types.Job
	// WorkersPending lists the workers of a mixed request; they are stored
	// as pending nodes and need a follow-up request once the control-plane
	// job finishes.
	WorkersPending []string
	Warning        string
}

// Orchestrator turns user intents into jobs and drives them through their
// stages. Exactly one job runs per cluster at a time, enforced through the
// store's operation lock.
type Orchestrator struct {
	store    storage.Store
	hub      *events.Hub
	runner   *runner.Runner
	guard    *guard.Guard
	secrets  *security.SecretsManager
	checker  *preflight.Checker
	analyzer *analyzer.Client // nil when not configured

	workDir     string
	playbookDir string

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// Config carries the orchestrator's collaborators and paths
type Config struct {
	Store       storage.Store
	Hub         *events.Hub
	Runner      *runner.Runner
	Guard       *guard.Guard
	Secrets     *security.SecretsManager
	Checker     *preflight.Checker
	Analyzer    *analyzer.Client
	WorkDir     string
	PlaybookDir string
}

// New creates an orchestrator
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:       cfg.Store,
		hub:         cfg.Hub,
		runner:      cfg.Runner,
		guard:       cfg.Guard,
		secrets:     cfg.Secrets,
		checker:     cfg.Checker,
		analyzer:    cfg.Analyzer,
		workDir:     cfg.WorkDir,
		playbookDir: cfg.PlaybookDir,
		cancels:     make(map[int64]context.CancelFunc),
	}
}

// Wait blocks until all in-flight jobs have finished. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// beginJob creates the job record and takes the cluster lock. On a lock
// conflict the freshly created job is discarded so rejected requests leave
// no trace. Guardrails and other per-operation validation run between
// beginJob and launchJob, while the lock already excludes concurrent
// mutations; abortJob unwinds on refusal.
func (o *Orchestrator) beginJob(cluster *types.Cluster, kind types.JobKind) (*types.Job, error) {
	job := &types.Job{
		ClusterID: cluster.ID,
		Kind:      kind,
		Status:    types.JobStatusPending,
	}
	if err := o.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := o.store.AcquireLock(cluster.ID, job.ID, string(kind)); err != nil {
		_ = o.store.DeleteJob(job.ID)
		var busy *storage.LockBusyError
		if errors.As(err, &busy) {
			metrics.LockConflicts.Inc()
		}
		return nil, err
	}
	return job, nil
}

// abortJob unwinds beginJob when a post-lock check refuses the request
func (o *Orchestrator) abortJob(clusterID int64, job *types.Job) {
	if err := o.store.ReleaseLock(clusterID); err != nil {
		log.WithClusterID(clusterID).Error().Err(err).Msg("failed to release cluster lock")
	}
	_ = o.store.DeleteJob(job.ID)
}

// launchJob registers the cancel handle and starts the run goroutine
func (o *Orchestrator) launchJob(clusterID int64, job *types.Job, run func(ctx context.Context, job *types.Job)) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	metrics.JobsStarted.WithLabelValues(string(job.Kind)).Inc()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.finishJob(clusterID, job.ID, cancel)
		run(ctx, job)
	}()
}

// startJob is beginJob plus launchJob for operations with no post-lock
// validation of their own.
func (o *Orchestrator) startJob(cluster *types.Cluster, kind types.JobKind, run func(ctx context.Context, job *types.Job)) (*types.Job, error) {
	job, err := o.beginJob(cluster, kind)
	if err != nil {
		return nil, err
	}
	o.launchJob(cluster.ID, job, run)
	return job, nil
}

// finishJob releases everything a run holds, even when the run panicked.
func (o *Orchestrator) finishJob(clusterID, jobID int64, cancel context.CancelFunc) {
	if r := recover(); r != nil {
		log.WithJobID(jobID).Error().Interface("panic", r).Msg("job goroutine panicked")
		if job, err := o.store.GetJob(jobID); err == nil && !job.Status.Terminal() {
			now := time.Now().UTC()
			job.Status = types.JobStatusFailed
			job.CompletedAt = &now
			_ = o.store.UpdateJob(job)
		}
	}

	if err := o.store.ReleaseLock(clusterID); err != nil {
		log.WithClusterID(clusterID).Error().Err(err).Msg("failed to release cluster lock")
	}

	o.mu.Lock()
	delete(o.cancels, jobID)
	o.mu.Unlock()
	cancel()

	if bus, ok := o.hub.Get(jobID); ok {
		bus.Close()
	}
	o.hub.Release(jobID)
}

// Cancel requests cancellation of a running job
func (o *Orchestrator) Cancel(jobID int64) error {
	o.mu.Lock()
	cancel, ok := o.cancels[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %d: %w", jobID, ErrJobNotRunning)
	}
	cancel()
	return nil
}

// Install runs the full staged installation of a fresh cluster
func (o *Orchestrator) Install(clusterID int64) (*types.Job, error) {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}

	job, err := o.beginJob(cluster, types.JobKindInstall)
	if err != nil {
		return nil, err
	}

	nodes, err := o.store.ListNodes(clusterID)
	if err != nil {
		o.abortJob(clusterID, job)
		return nil, err
	}
	var hasInitial bool
	for _, n := range nodes {
		if n.Role == types.NodeRoleInitialMaster && n.Status != types.NodeStatusRemoved {
			hasInitial = true
		}
	}
	if !hasInitial {
		o.abortJob(clusterID, job)
		return nil, &RejectionError{Check: "bootstrap", Reason: "Cluster has no initial master node. Add one before installing."}
	}

	inventory.ApplyDefaults(cluster, nodes)
	if err := o.store.UpdateCluster(cluster); err != nil {
		o.abortJob(clusterID, job)
		return nil, err
	}

	o.launchJob(clusterID, job, func(ctx context.Context, job *types.Job) {
		o.runInstall(ctx, job, cluster)
	})
	return job, nil
}

func (o *Orchestrator) runInstall(ctx context.Context, job *types.Job, cluster *types.Cluster) {
	timer := metrics.NewTimer()
	bus := o.hub.Open(job.ID)
	logger := log.WithJobID(job.ID)

	o.markRunning(job)

	stages := []types.Stage{types.StageInitialMaster}
	nodes, err := o.store.ListNodes(cluster.ID)
	if err != nil {
		o.failJob(job, bus, fmt.Sprintf("failed to list nodes: %v", err))
		return
	}
	for _, n := range nodes {
		if n.Role == types.NodeRoleMaster && n.Status != types.NodeStatusRemoved {
			stages = appendStage(stages, types.StageJoiningMasters)
		}
		if n.Role == types.NodeRoleWorker && n.Status != types.NodeStatusRemoved {
			stages = appendStage(stages, types.StageWorkers)
		}
	}

	for _, stage := range stages {
		cluster.InstallationStage = string(stage)
		if err := o.store.UpdateCluster(cluster); err != nil {
			logger.Warn().Err(err).Msg("failed to record installation stage")
		}
		o.publish(job, bus, fmt.Sprintf("=== stage: %s ===\n", stage))

		targets := stageTargets(nodes, stage)
		o.transition(targets, types.NodeStatusInstalling, "")

		res, runErr := o.runStage(ctx, job, cluster, bus, stage, playbookInstall, nodes)
		if runErr != nil || res.Cancelled || res.ExitCode != 0 {
			reason := stageFailureReason(stage, res, runErr)
			o.transition(targets, types.NodeStatusFailed, reason)
			if res.Cancelled {
				o.cancelJob(job, bus)
			} else {
				o.failJob(job, bus, reason)
			}
			return
		}
		o.transition(targets, types.NodeStatusActive, "")
	}

	cluster.InstallationStage = "completed"
	if err := o.store.UpdateCluster(cluster); err != nil {
		logger.Warn().Err(err).Msg("failed to record installation completion")
	}
	o.succeedJob(job, bus)
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Kind))
}

// Uninstall removes RKE2 from every node of the cluster
func (o *Orchestrator) Uninstall(clusterID int64) (*types.Job, error) {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}

	return o.startJob(cluster, types.JobKindUninstall, func(ctx context.Context, job *types.Job) {
		timer := metrics.NewTimer()
		bus := o.hub.Open(job.ID)
		o.markRunning(job)

		nodes, err := o.store.ListNodes(cluster.ID)
		if err != nil {
			o.failJob(job, bus, fmt.Sprintf("failed to list nodes: %v", err))
			return
		}

		res, runErr := o.runStage(ctx, job, cluster, bus, types.StageUninstall, playbookUninstall, nodes)
		if runErr != nil || res.Cancelled || res.ExitCode != 0 {
			if res.Cancelled {
				o.cancelJob(job, bus)
			} else {
				o.failJob(job, bus, stageFailureReason(types.StageUninstall, res, runErr))
			}
			return
		}

		for _, n := range nodes {
			if n.Status != types.NodeStatusRemoved {
				n.Status = types.NodeStatusRemoved
				_ = o.store.UpdateNode(n)
			}
		}
		cluster.Kubeconfig = ""
		cluster.InstallationStage = ""
		_ = o.store.UpdateCluster(cluster)

		o.succeedJob(job, bus)
		timer.ObserveDurationVec(metrics.JobDuration, string(job.Kind))
	})
}

// AddNodes adds nodes to a running cluster. Mixed requests are split: the
// control-plane additions run now, the workers are stored pending and
// reported back for a follow-up request.
func (o *Orchestrator) AddNodes(clusterID int64, adds []guard.NodeSpec) (*AddNodesResult, error) {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}

	if len(adds) == 0 {
		return nil, &RejectionError{Check: "request", Reason: "No nodes to add."}
	}

	servers, agents := guard.SplitRoles(adds)
	var (
		batch []guard.NodeSpec
		kind  types.JobKind
	)
	if len(servers) > 0 {
		batch, kind = servers, types.JobKindScaleAddMasters
	} else {
		batch, kind = agents, types.JobKindScaleAddWorkers
	}

	job, err := o.beginJob(cluster, kind)
	if err != nil {
		return nil, err
	}

	// Guardrails see the topology as it is under the lock; a rejected
	// request leaves no job, no lock and no nodes behind.
	nodes, err := o.store.ListNodes(clusterID)
	if err != nil {
		o.abortJob(clusterID, job)
		return nil, err
	}
	if d := guard.CheckNodeIdentity(nodes, adds); !d.OK {
		o.abortJob(clusterID, job)
		metrics.GuardrailRejections.WithLabelValues("node_identity").Inc()
		return nil, &RejectionError{Check: "node_identity", Reason: d.Reason}
	}
	decision := o.guard.CheckBootstrapPrerequisite(cluster, nodes, false)
	if !decision.OK {
		o.abortJob(clusterID, job)
		metrics.GuardrailRejections.WithLabelValues("bootstrap_prerequisite").Inc()
		return nil, &RejectionError{Check: "bootstrap_prerequisite", Reason: decision.Reason}
	}

	// Persist every requested node; workers of a mixed request stay pending
	// until their own job runs.
	created := make(map[string]*types.Node)
	for _, spec := range adds {
		role := types.NodeRoleWorker
		if spec.Server {
			role = types.NodeRoleMaster
		}
		node := &types.Node{
			ClusterID:     clusterID,
			Hostname:      spec.Hostname,
			InternalIP:    spec.IP,
			ExternalIP:    spec.ExternalIP,
			UseExternalIP: spec.ExternalIP != "" && spec.IP == "",
			Role:          role,
			Status:        types.NodeStatusPending,
		}
		if err := o.store.CreateNode(node); err != nil {
			for _, n := range created {
				_ = o.store.DeleteNode(n.ID)
			}
			o.abortJob(clusterID, job)
			return nil, err
		}
		created[spec.Hostname] = node
	}

	result := &AddNodesResult{Job: job, Warning: decision.Warning}
	if len(servers) > 0 {
		for _, a := range agents {
			result.WorkersPending = append(result.WorkersPending, a.Hostname)
		}
	}

	var targets []*types.Node
	for _, spec := range batch {
		targets = append(targets, created[spec.Hostname])
	}

	o.launchJob(clusterID, job, func(ctx context.Context, job *types.Job) {
		o.runScaleAdd(ctx, job, cluster, targets)
	})
	return result, nil
}

func (o *Orchestrator) runScaleAdd(ctx context.Context, job *types.Job, cluster *types.Cluster, targets []*types.Node) {
	timer := metrics.NewTimer()
	bus := o.hub.Open(job.ID)
	o.markRunning(job)

	cluster.InstallationStage = string(types.StageScaleAdd)
	_ = o.store.UpdateCluster(cluster)

	o.transition(targets, types.NodeStatusInstalling, "")

	res, runErr := o.runScaleStage(ctx, job, cluster, bus, types.StageScaleAdd, playbookScaleAdd, targets)
	if runErr != nil || res.Cancelled || res.ExitCode != 0 {
		reason := stageFailureReason(types.StageScaleAdd, res, runErr)
		o.transition(targets, types.NodeStatusFailed, reason)
		if res.Cancelled {
			o.cancelJob(job, bus)
		} else {
			o.failJob(job, bus, reason)
		}
		return
	}

	o.transition(targets, types.NodeStatusActive, "")
	cluster.InstallationStage = "completed"
	_ = o.store.UpdateCluster(cluster)
	o.succeedJob(job, bus)
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Kind))
}

// RemoveNodes drains and removes the named nodes from the cluster
func (o *Orchestrator) RemoveNodes(clusterID int64, hostnames []string, confirmed bool) (*types.Job, string, error) {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return nil, "", err
	}
	if len(hostnames) == 0 {
		return nil, "", &RejectionError{Check: "request", Reason: "No nodes to remove."}
	}

	job, err := o.beginJob(cluster, types.JobKindScaleRemove)
	if err != nil {
		return nil, "", err
	}

	nodes, err := o.store.ListNodes(clusterID)
	if err != nil {
		o.abortJob(clusterID, job)
		return nil, "", err
	}
	byHostname := make(map[string]*types.Node)
	for _, n := range nodes {
		if n.Status != types.NodeStatusRemoved {
			byHostname[n.Hostname] = n
		}
	}

	var (
		targets  []*types.Node
		removals []guard.NodeRef
	)
	for _, h := range hostnames {
		node, ok := byHostname[h]
		if !ok {
			o.abortJob(clusterID, job)
			return nil, "", fmt.Errorf("node %q: %w", h, storage.ErrNotFound)
		}
		targets = append(targets, node)
		removals = append(removals, guard.NodeRef{Hostname: h, Server: node.IsServer()})
	}

	decision := guard.CheckSafeRemoval(nodes, removals, confirmed)
	if !decision.OK {
		o.abortJob(clusterID, job)
		metrics.GuardrailRejections.WithLabelValues("safe_removal").Inc()
		return nil, "", &RejectionError{Check: "safe_removal", Reason: decision.Reason}
	}

	o.launchJob(clusterID, job, func(ctx context.Context, job *types.Job) {
		o.runScaleRemove(ctx, job, cluster, targets)
	})
	return job, decision.Warning, nil
}

func (o *Orchestrator) runScaleRemove(ctx context.Context, job *types.Job, cluster *types.Cluster, targets []*types.Node) {
	timer := metrics.NewTimer()
	bus := o.hub.Open(job.ID)
	o.markRunning(job)

	cluster.InstallationStage = string(types.StageRemove)
	_ = o.store.UpdateCluster(cluster)

	o.transition(targets, types.NodeStatusDraining, "")

	res, runErr := o.runScaleStage(ctx, job, cluster, bus, types.StageRemove, playbookRemove, targets)
	if runErr != nil || res.Cancelled || res.ExitCode != 0 {
		reason := stageFailureReason(types.StageRemove, res, runErr)
		o.transition(targets, types.NodeStatusFailed, reason)
		if res.Cancelled {
			o.cancelJob(job, bus)
		} else {
			o.failJob(job, bus, reason)
		}
		return
	}

	o.transition(targets, types.NodeStatusRemoved, "")
	cluster.InstallationStage = "completed"
	_ = o.store.UpdateCluster(cluster)
	o.succeedJob(job, bus)
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Kind))
}

// PreflightCheck runs the readiness assessment. It deliberately takes no
// cluster lock: the checks are read-only and safe to run alongside jobs.
// targetVersion overrides the cluster's configured version when non-empty;
// analyze=false skips the analyzer even when one is configured.
func (o *Orchestrator) PreflightCheck(clusterID int64, targetVersion string, analyze bool) (*types.Job, error) {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	if cluster.Kubeconfig == "" {
		return nil, &RejectionError{Check: "preflight", Reason: "Cluster has no kubeconfig; install or register it first."}
	}
	// Checking readiness against a version other than the installed one is
	// an upgrade check.
	kind := types.JobKindPreflightCheck
	if targetVersion != "" && targetVersion != cluster.Version {
		kind = types.JobKindUpgradeCheck
	}
	if targetVersion != "" {
		cluster.Version = targetVersion
	}

	job := &types.Job{
		ClusterID:     clusterID,
		Kind:          kind,
		Status:        types.JobStatusPending,
		TargetVersion: cluster.Version,
	}
	if err := o.store.CreateJob(job); err != nil {
		return nil, err
	}

	metrics.JobsStarted.WithLabelValues(string(job.Kind)).Inc()

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, job.ID)
			o.mu.Unlock()
			cancel()
			if bus, ok := o.hub.Get(job.ID); ok {
				bus.Close()
			}
			o.hub.Release(job.ID)
		}()
		o.runPreflight(ctx, job, cluster, analyze)
	}()

	return job, nil
}

func (o *Orchestrator) runPreflight(ctx context.Context, job *types.Job, cluster *types.Cluster, analyze bool) {
	timer := metrics.NewTimer()
	bus := o.hub.Open(job.ID)
	logger := log.WithJobID(job.ID)
	o.markRunning(job)

	o.publish(job, bus, fmt.Sprintf("Running readiness checks for cluster %q...\n", cluster.Name))

	report, err := o.checker.Run(ctx, cluster)
	if err != nil {
		o.failJob(job, bus, fmt.Sprintf("readiness check failed: %v", err))
		return
	}

	for name, check := range report.Checks {
		mark := "ok"
		if !check.Passed {
			mark = "FAILED"
		}
		o.publish(job, bus, fmt.Sprintf("[%s] %s: %s\n", mark, name, check.Details))
	}

	readiness, err := report.Map()
	if err != nil {
		o.failJob(job, bus, fmt.Sprintf("failed to encode readiness report: %v", err))
		return
	}
	job.Readiness = readiness

	if analyze && o.analyzer.Enabled() {
		o.publish(job, bus, "Requesting analyzer assessment...\n")
		result, err := o.analyzer.Analyze(ctx, readiness)
		if err != nil {
			// Analyzer trouble never fails the check itself
			logger.Warn().Err(err).Msg("analyzer request failed")
			o.publish(job, bus, fmt.Sprintf("[warning] analyzer unavailable: %v\n", err))
		} else {
			summary, encErr := encodeAnalysis(result.Analysis)
			if encErr != nil {
				logger.Warn().Err(encErr).Msg("failed to encode analysis")
			} else {
				job.AnalyzerSummary = summary
				job.AnalyzerModel = result.ModelID
				job.AnalyzerTokens = result.Tokens
				o.publish(job, bus, fmt.Sprintf("Analyzer verdict: %s\n", result.Analysis.Verdict))
			}
		}
	}

	o.succeedJob(job, bus)
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Kind))
}

// runStage renders a stage-scoped inventory from the full node list and
// executes one playbook invocation.
func (o *Orchestrator) runStage(ctx context.Context, job *types.Job, cluster *types.Cluster, bus *events.Bus, stage types.Stage, playbook string, nodes []*types.Node) (runner.Result, error) {
	cred, err := o.store.GetCredential(cluster.CredentialID)
	if err != nil {
		return runner.Result{ExitCode: -1}, err
	}
	inv, err := inventory.RenderForStage(stage, nodes, cred.Username)
	if err != nil {
		return runner.Result{ExitCode: -1}, err
	}
	return o.execute(ctx, job, cluster, cred, bus, stage, playbook, inv)
}

// runScaleStage renders the scale-shaped inventory for the target nodes only
func (o *Orchestrator) runScaleStage(ctx context.Context, job *types.Job, cluster *types.Cluster, bus *events.Bus, stage types.Stage, playbook string, targets []*types.Node) (runner.Result, error) {
	cred, err := o.store.GetCredential(cluster.CredentialID)
	if err != nil {
		return runner.Result{ExitCode: -1}, err
	}
	var inv string
	if stage == types.StageRemove {
		inv = inventory.RenderForScaleRemove(targets, cred.Username)
	} else {
		inv = inventory.RenderForScaleAdd(targets, cred.Username)
	}
	return o.execute(ctx, job, cluster, cred, bus, stage, playbook, inv)
}

func (o *Orchestrator) execute(ctx context.Context, job *types.Job, cluster *types.Cluster, cred *types.Credential, bus *events.Bus, stage types.Stage, playbook, inv string) (runner.Result, error) {
	workdir, err := inventory.NewWorkdir(o.workDir)
	if err != nil {
		return runner.Result{ExitCode: -1}, err
	}
	defer func() {
		if err := workdir.Cleanup(); err != nil {
			log.WithJobID(job.ID).Warn().Err(err).Msg("failed to clean up workdir")
		}
	}()

	invPath, err := workdir.WriteInventory(inv)
	if err != nil {
		return runner.Result{ExitCode: -1}, err
	}

	extraVars, err := inventory.RenderExtraVars(cluster, stage)
	if err != nil {
		return runner.Result{ExitCode: -1}, err
	}
	varsPath, err := workdir.WriteExtraVars(extraVars)
	if err != nil {
		return runner.Result{ExitCode: -1}, err
	}

	spec := runner.Spec{
		Playbook:       filepath.Join(o.playbookDir, playbook),
		Inventory:      invPath,
		ExtraVarsFiles: []string{varsPath},
		Dir:            workdir.Path,
	}

	// The decrypted secret only ever lives inside the workdir, mode 0600,
	// removed with it on every exit path.
	plaintext, err := o.secrets.Decrypt(cred.Secret)
	if err != nil {
		return runner.Result{ExitCode: -1}, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	switch cred.Kind {
	case types.CredentialKindKey:
		keyPath, err := workdir.WriteSecret("ssh.key", plaintext)
		if err != nil {
			return runner.Result{ExitCode: -1}, err
		}
		spec.PrivateKeyFile = keyPath
	case types.CredentialKindPassword:
		secretVars := fmt.Sprintf("ansible_ssh_pass: %q\n", string(plaintext))
		passPath, err := workdir.WriteSecret("secret_vars.yml", []byte(secretVars))
		if err != nil {
			return runner.Result{ExitCode: -1}, err
		}
		spec.ExtraVarsFiles = append(spec.ExtraVarsFiles, passPath)
	}

	job.PlaybookPath = spec.Playbook
	job.InventoryPath = invPath
	if err := o.store.UpdateJob(job); err != nil {
		log.WithJobID(job.ID).Warn().Err(err).Msg("failed to record job paths")
	}

	res, runErr := o.runner.Run(ctx, job.ID, bus, spec)

	// The install playbook fetches the admin kubeconfig into the workdir;
	// pick it up before the deferred cleanup removes it.
	if data, readErr := os.ReadFile(filepath.Join(workdir.Path, "kubeconfig.yaml")); readErr == nil {
		cluster.Kubeconfig = rewriteKubeconfigServer(string(data), cluster.APIAddr)
	}

	return res, runErr
}

// Helpers

func appendStage(stages []types.Stage, stage types.Stage) []types.Stage {
	for _, s := range stages {
		if s == stage {
			return stages
		}
	}
	return append(stages, stage)
}

func stageTargets(nodes []*types.Node, stage types.Stage) []*types.Node {
	var targets []*types.Node
	for _, n := range nodes {
		if n.Status == types.NodeStatusRemoved {
			continue
		}
		switch stage {
		case types.StageInitialMaster:
			if n.Role == types.NodeRoleInitialMaster {
				targets = append(targets, n)
			}
		case types.StageJoiningMasters:
			if n.Role == types.NodeRoleMaster {
				targets = append(targets, n)
			}
		case types.StageWorkers:
			if n.Role == types.NodeRoleWorker {
				targets = append(targets, n)
			}
		}
	}
	return targets
}

func stageFailureReason(stage types.Stage, res runner.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("stage %s: %v", stage, err)
	}
	if res.Cancelled {
		return "cancelled"
	}
	return fmt.Sprintf("stage %s failed with exit code %d", stage, res.ExitCode)
}

// transition updates a set of nodes to the given status, stamping install
// timestamps on the installing/active edges.
func (o *Orchestrator) transition(nodes []*types.Node, status types.NodeStatus, reason string) {
	now := time.Now().UTC()
	for _, n := range nodes {
		n.Status = status
		n.LastError = reason
		switch status {
		case types.NodeStatusInstalling:
			n.InstallStartedAt = &now
		case types.NodeStatusActive:
			n.InstallCompletedAt = &now
		}
		if err := o.store.UpdateNode(n); err != nil {
			log.WithClusterID(n.ClusterID).Warn().Err(err).Str("hostname", n.Hostname).Msg("failed to update node status")
		}
	}
}

func (o *Orchestrator) markRunning(job *types.Job) {
	now := time.Now().UTC()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	if err := o.store.UpdateJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to mark job running")
	}
}

func (o *Orchestrator) succeedJob(job *types.Job, bus *events.Bus) {
	now := time.Now().UTC()
	job.Status = types.JobStatusSuccess
	job.CompletedAt = &now
	if err := o.store.UpdateJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to mark job success")
	}
	metrics.JobsCompleted.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	_ = bus // trailer already published by the runner
}

func (o *Orchestrator) failJob(job *types.Job, bus *events.Bus, reason string) {
	o.publish(job, bus, fmt.Sprintf("[error] %s\n", reason))
	now := time.Now().UTC()
	job.Status = types.JobStatusFailed
	job.CompletedAt = &now
	if err := o.store.UpdateJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to mark job failed")
	}
	metrics.JobsCompleted.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
}

func (o *Orchestrator) cancelJob(job *types.Job, bus *events.Bus) {
	now := time.Now().UTC()
	job.Status = types.JobStatusCancelled
	job.CompletedAt = &now
	if err := o.store.UpdateJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to mark job cancelled")
	}
	metrics.JobsCompleted.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	_ = bus
}

// publish sends a line to both the live stream and the persisted output
func (o *Orchestrator) publish(job *types.Job, bus *events.Bus, line string) {
	bus.Publish(line)
	if err := o.store.AppendJobOutput(job.ID, line); err != nil {
		log.WithJobID(job.ID).Warn().Err(err).Msg("failed to persist output line")
	}
}

func encodeAnalysis(a analyzer.Analysis) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
