package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ouyangCL/remote-build/internal/config"
	"github.com/ouyangCL/remote-build/internal/core/build"
	"github.com/ouyangCL/remote-build/internal/core/deploylog"
	"github.com/ouyangCL/remote-build/internal/core/health"
	"github.com/ouyangCL/remote-build/internal/core/remote"
	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/event"
	"github.com/ouyangCL/remote-build/internal/logger"
)

// Progress checkpoints per status. Progress only moves forward inside a
// deployment; the exact values are cosmetic.
var progressFor = map[domain.DeploymentStatus]int{
	domain.DeploymentPending:        0,
	domain.DeploymentCloning:        10,
	domain.DeploymentBuilding:       30,
	domain.DeploymentUploading:      60,
	domain.DeploymentDeploying:      75,
	domain.DeploymentRestarting:     50,
	domain.DeploymentHealthChecking: 90,
	domain.DeploymentSuccess:        100,
}

// Orchestrator is the single writer of deployment status. Each admitted
// deployment runs on its own goroutine; the queue serializes deployments
// of one project and cancellation is honored at step boundaries only, so
// an in-flight remote command always runs to completion.
type Orchestrator struct {
	cfg         *config.Config
	deployments domain.DeploymentRepository
	projects    domain.ProjectRepository
	groups      domain.ServerGroupRepository
	creds       domain.CredentialProvider
	dialer      remote.Dialer
	builder     *build.Builder
	prober      *health.Prober
	sink        *deploylog.Sink
	queue       *Queue
	bus         *event.Bus
	log         logger.Logger

	baseCtx context.Context

	mu      sync.Mutex
	handles map[int64]*handle
	wg      sync.WaitGroup
}

// handle carries the cooperative cancellation flag of one running
// deployment.
type handle struct {
	cancelled atomic.Bool
}

func NewOrchestrator(
	baseCtx context.Context,
	cfg *config.Config,
	deployments domain.DeploymentRepository,
	projects domain.ProjectRepository,
	groups domain.ServerGroupRepository,
	creds domain.CredentialProvider,
	dialer remote.Dialer,
	builder *build.Builder,
	prober *health.Prober,
	sink *deploylog.Sink,
	bus *event.Bus,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		deployments: deployments,
		projects:    projects,
		groups:      groups,
		creds:       creds,
		dialer:      dialer,
		builder:     builder,
		prober:      prober,
		sink:        sink,
		queue:       NewQueue(),
		bus:         bus,
		log:         log,
		baseCtx:     baseCtx,
		handles:     make(map[int64]*handle),
	}
}

// Create validates a deployment request, persists the deployment, and
// either starts it immediately or leaves it queued behind the project's
// active deployment. For the upload type, artifactData carries the
// pre-built artifact bytes.
func (o *Orchestrator) Create(ctx context.Context, req domain.DeploymentCreateRequest, artifactData io.Reader) (*domain.Deployment, error) {
	project, err := o.projects.GetByID(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	groups, err := o.groups.ListByIDs(ctx, req.ServerGroupIDs)
	if err != nil {
		return nil, err
	}
	if len(groups) != len(req.ServerGroupIDs) {
		return nil, domain.ErrServerGroupNotFound
	}

	var mismatched []string
	for _, g := range groups {
		if g.Environment != project.Environment {
			mismatched = append(mismatched, g.Name)
		}
	}
	if len(mismatched) > 0 {
		return nil, &domain.ConfigurationError{
			Reason: fmt.Sprintf("project environment is %s but server groups do not match: %s",
				project.Environment, strings.Join(mismatched, ", ")),
		}
	}

	switch req.Type {
	case domain.DeployRestartOnly:
		if project.RestartOnlyScript == "" {
			return nil, &domain.ConfigurationError{Reason: "project has no restart-only script configured"}
		}
	case domain.DeployUpload:
		if req.RollbackFrom == nil && artifactData == nil {
			return nil, &domain.ConfigurationError{Reason: "upload deployment requires an artifact file"}
		}
	}

	d := &domain.Deployment{
		ProjectID:      req.ProjectID,
		Type:           req.Type,
		Branch:         req.Branch,
		ServerGroupIDs: req.ServerGroupIDs,
		Status:         domain.DeploymentPending,
		RollbackFrom:   req.RollbackFrom,
		CreatedBy:      req.CreatedBy,
	}

	d, err = o.deployments.Create(ctx, d)
	if err != nil {
		return nil, err
	}

	if req.Type == domain.DeployUpload && artifactData != nil {
		artifact, err := o.builder.StoreUpload(project.ID, d.ID, artifactData)
		if err != nil {
			return nil, fmt.Errorf("store uploaded artifact: %w", err)
		}
		if _, err := o.deployments.SaveArtifact(ctx, artifact); err != nil {
			return nil, err
		}
	}

	if o.queue.Admit(d.ProjectID, d.ID) {
		// The worker goroutine owns d from here on; callers get a
		// detached snapshot so reading the result never races with
		// status writes.
		snapshot := *d
		o.start(d)
		return &snapshot, nil
	}

	d.Status = domain.DeploymentQueued
	if err := o.deployments.UpdateStatus(ctx, d.ID, domain.DeploymentQueued, ""); err != nil {
		return nil, err
	}
	o.sink.Append(ctx, d.ID, domain.LogInfo, "Deployment queued: another deployment of this project is running")
	o.publishStatus(d.ID, d.ProjectID, domain.DeploymentQueued, 0, "")

	return d, nil
}

// Rollback creates a new deployment that reuses the artifact of a prior
// successful one. The referenced artifact file must still exist on disk.
func (o *Orchestrator) Rollback(ctx context.Context, fromDeploymentID int64, createdBy string) (*domain.Deployment, error) {
	from, err := o.deployments.GetByID(ctx, fromDeploymentID)
	if err != nil {
		return nil, err
	}
	if from.Status != domain.DeploymentSuccess {
		return nil, &domain.ConfigurationError{
			Reason: fmt.Sprintf("rollback source deployment %d is %s, not success", from.ID, from.Status),
		}
	}

	artifact, err := o.deployments.GetArtifact(ctx, from.ID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(artifact.Path); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrArtifactMissing, artifact.Path)
	}

	return o.Create(ctx, domain.DeploymentCreateRequest{
		ProjectID:      from.ProjectID,
		Type:           domain.DeployUpload,
		Branch:         from.Branch,
		ServerGroupIDs: from.ServerGroupIDs,
		CreatedBy:      createdBy,
		RollbackFrom:   &from.ID,
	}, nil)
}

// Cancel requests cancellation. A queued deployment is cancelled
// immediately; a running one finishes its current step first.
func (o *Orchestrator) Cancel(ctx context.Context, deploymentID int64) error {
	d, err := o.deployments.GetByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return &domain.ConfigurationError{Reason: fmt.Sprintf("deployment %d already finished as %s", d.ID, d.Status)}
	}

	if d.Status == domain.DeploymentQueued && o.queue.Remove(d.ProjectID, d.ID) {
		if err := o.deployments.UpdateStatus(ctx, d.ID, domain.DeploymentCancelled, ""); err != nil {
			return err
		}
		o.sink.Append(ctx, d.ID, domain.LogInfo, "Deployment cancelled while queued")
		o.finishEvents(d.ID, d.ProjectID, domain.DeploymentCancelled, "cancelled while queued")
		o.sink.Release(d.ID)
		return nil
	}

	o.mu.Lock()
	h, running := o.handles[deploymentID]
	o.mu.Unlock()
	if !running {
		return &domain.ConfigurationError{Reason: fmt.Sprintf("deployment %d is not running", d.ID)}
	}

	h.cancelled.Store(true)
	o.sink.Append(ctx, d.ID, domain.LogInfo, "Cancellation requested, stopping at the next step boundary")
	return nil
}

// Wait blocks until every running deployment worker has finished, for
// graceful shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) start(d *domain.Deployment) {
	h := &handle{}
	o.mu.Lock()
	o.handles[d.ID] = h
	o.mu.Unlock()

	o.launch(d, h)
}

func (o *Orchestrator) launch(d *domain.Deployment, h *handle) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(d, h)
	}()
}

func (o *Orchestrator) run(d *domain.Deployment, h *handle) {
	ctx := o.baseCtx

	defer func() {
		o.mu.Lock()
		delete(o.handles, d.ID)
		o.mu.Unlock()

		o.builder.Cleanup(d.ID)
		o.sink.Release(d.ID)
		o.admitNext(d.ProjectID, d.ID)
	}()

	o.log.Info("deployment started",
		"deployment_id", d.ID, "project_id", d.ProjectID, "type", d.Type)

	project, err := o.projects.GetByID(ctx, d.ProjectID)
	if err != nil {
		o.fail(ctx, d, fmt.Sprintf("failed to load project: %v", err))
		return
	}

	groups, err := o.groups.ListByIDs(ctx, d.ServerGroupIDs)
	if err != nil {
		o.fail(ctx, d, fmt.Sprintf("failed to load server groups: %v", err))
		return
	}

	switch {
	case d.RollbackFrom != nil:
		o.runRollback(ctx, d, h, project, groups)
	case d.Type == domain.DeployRestartOnly:
		o.runRestartOnly(ctx, d, h, project, groups)
	case d.Type == domain.DeployUpload:
		o.runUpload(ctx, d, h, project, groups)
	default:
		o.runFull(ctx, d, h, project, groups)
	}
}

func (o *Orchestrator) runFull(ctx context.Context, d *domain.Deployment, h *handle, project *domain.Project, groups []domain.ServerGroup) {
	if o.cancelRequested(ctx, d, h) {
		return
	}
	if !o.transition(ctx, d, domain.DeploymentCloning, "Fetching source") {
		return
	}

	auth, err := o.gitAuth(ctx, project)
	if err != nil {
		o.fail(ctx, d, fmt.Sprintf("failed to resolve git credentials: %v", err))
		return
	}

	sourceDir, err := o.builder.Fetch(ctx, d.ID, project.RepoURL, d.Branch, auth, o.buildLineRelay(ctx, d))
	if err != nil {
		o.logError(ctx, d, err)
		o.fail(ctx, d, fmt.Sprintf("source fetch failed: %v", err))
		return
	}
	if commit, err := o.builder.HeadCommit(ctx, sourceDir); err == nil && commit != "" {
		o.sink.Append(ctx, d.ID, domain.LogInfo, "Checked out "+commit)
	}

	if o.cancelRequested(ctx, d, h) {
		return
	}
	if !o.transition(ctx, d, domain.DeploymentBuilding, "Building project") {
		return
	}

	if err := o.builder.Run(ctx, project, sourceDir, o.buildLineRelay(ctx, d)); err != nil {
		o.logError(ctx, d, err)
		o.fail(ctx, d, fmt.Sprintf("build failed: %v", err))
		return
	}

	artifact, err := o.builder.Package(project, d.ID, sourceDir)
	if err != nil {
		o.logError(ctx, d, err)
		o.fail(ctx, d, fmt.Sprintf("packaging failed: %v", err))
		return
	}
	if _, err := o.deployments.SaveArtifact(ctx, artifact); err != nil {
		o.fail(ctx, d, fmt.Sprintf("failed to record artifact: %v", err))
		return
	}
	o.sink.Append(ctx, d.ID, domain.LogInfo,
		fmt.Sprintf("Artifact packaged: %d bytes, sha256 %s", artifact.Size, artifact.Checksum))

	o.deliver(ctx, d, h, project, groups, artifact, true)
}

func (o *Orchestrator) runUpload(ctx context.Context, d *domain.Deployment, h *handle, project *domain.Project, groups []domain.ServerGroup) {
	artifact, err := o.deployments.GetArtifact(ctx, d.ID)
	if err != nil {
		o.fail(ctx, d, fmt.Sprintf("failed to load artifact: %v", err))
		return
	}
	if _, err := os.Stat(artifact.Path); err != nil {
		o.logError(ctx, d, domain.ErrArtifactMissing)
		o.fail(ctx, d, fmt.Sprintf("artifact file missing: %s", artifact.Path))
		return
	}

	o.deliver(ctx, d, h, project, groups, artifact, false)
}

func (o *Orchestrator) runRollback(ctx context.Context, d *domain.Deployment, h *handle, project *domain.Project, groups []domain.ServerGroup) {
	artifact, err := o.deployments.GetArtifact(ctx, *d.RollbackFrom)
	if err != nil {
		o.fail(ctx, d, fmt.Sprintf("failed to load rollback artifact: %v", err))
		return
	}
	if _, err := os.Stat(artifact.Path); err != nil {
		o.logError(ctx, d, domain.ErrArtifactMissing)
		o.fail(ctx, d, fmt.Sprintf("rollback artifact missing: %s", artifact.Path))
		return
	}

	o.sink.Append(ctx, d.ID, domain.LogInfo,
		fmt.Sprintf("Rolling back to deployment %d (sha256 %s)", *d.RollbackFrom, artifact.Checksum))

	o.deliver(ctx, d, h, project, groups, artifact, false)
}

// deliver is the shared tail of every artifact-bearing flow: transfer to
// all hosts, run the restart script, probe, finish.
func (o *Orchestrator) deliver(ctx context.Context, d *domain.Deployment, h *handle, project *domain.Project, groups []domain.ServerGroup, artifact *domain.Artifact, builtHere bool) {
	if o.cancelRequested(ctx, d, h) {
		o.discardArtifact(d, artifact, builtHere)
		return
	}
	if !o.transition(ctx, d, domain.DeploymentUploading, "Transferring artifact") {
		o.discardArtifact(d, artifact, builtHere)
		return
	}

	targets, failed := o.connect(ctx, d, groups)
	defer closeTargets(targets)

	targets = o.uploadStep(ctx, d, targets, failed, artifact)

	if o.cancelRequested(ctx, d, h) {
		o.discardArtifact(d, artifact, builtHere)
		return
	}
	if !o.transition(ctx, d, domain.DeploymentDeploying, "Restarting services") {
		o.discardArtifact(d, artifact, builtHere)
		return
	}

	targets = o.scriptStep(ctx, d, targets, failed, project.RestartScript)

	if project.HealthCheck.Enabled {
		if o.cancelRequested(ctx, d, h) {
			o.discardArtifact(d, artifact, builtHere)
			return
		}
		if !o.transition(ctx, d, domain.DeploymentHealthChecking, "Verifying service health") {
			o.discardArtifact(d, artifact, builtHere)
			return
		}
		o.healthStep(ctx, d, targets, failed, project)
	}

	if failed.names() != nil {
		o.discardArtifact(d, artifact, builtHere)
		o.fail(ctx, d, "Failed to deploy to servers: "+strings.Join(failed.names(), ", "))
		return
	}

	if builtHere {
		if err := o.builder.CleanupOld(project.ID, artifact.Path); err != nil {
			o.log.Warn("artifact cleanup failed", "project_id", project.ID, "error", err)
		}
	}
	o.succeed(ctx, d)
}

func (o *Orchestrator) runRestartOnly(ctx context.Context, d *domain.Deployment, h *handle, project *domain.Project, groups []domain.ServerGroup) {
	if o.cancelRequested(ctx, d, h) {
		return
	}
	if !o.transition(ctx, d, domain.DeploymentRestarting, "Restarting services") {
		return
	}

	targets, failed := o.connect(ctx, d, groups)
	defer closeTargets(targets)

	targets = o.scriptStep(ctx, d, targets, failed, project.RestartOnlyScript)

	if project.HealthCheck.Enabled {
		o.healthStep(ctx, d, targets, failed, project)
	}

	if failed.names() != nil {
		o.fail(ctx, d, "Failed to restart servers: "+strings.Join(failed.names(), ", "))
		return
	}
	o.succeed(ctx, d)
}

// target is one reachable host inside the fan-out.
type target struct {
	group  domain.ServerGroup
	server domain.Server
	runner remote.Runner
}

// failureSet collects failed host names across fan-out steps. A host that
// fails one step is excluded from later steps but never aborts siblings.
type failureSet struct {
	mu    sync.Mutex
	hosts []string
}

func (f *failureSet) add(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = append(f.hosts, host)
}

func (f *failureSet) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.hosts) == 0 {
		return nil
	}
	out := make([]string, len(f.hosts))
	copy(out, f.hosts)
	sort.Strings(out)
	return out
}

func (o *Orchestrator) connect(ctx context.Context, d *domain.Deployment, groups []domain.ServerGroup) ([]*target, *failureSet) {
	failed := &failureSet{}
	var mu sync.Mutex
	var targets []*target

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		for _, server := range group.Servers {
			if !server.Active {
				o.sink.Append(ctx, d.ID, domain.LogWarning,
					fmt.Sprintf("Skipping inactive server %s in group %s", server.Name, group.Name))
				continue
			}

			group, server := group, server
			g.Go(func() error {
				secret, err := o.creds.Resolve(gctx, server.CredentialRef)
				if err != nil {
					o.hostError(gctx, d, server, fmt.Errorf("resolve credentials: %w", err), failed)
					return nil
				}

				runner, err := o.dialer.Dial(gctx, server.Host, server.Port, server.Username, remote.AuthConfig{
					Method: string(server.AuthMethod),
					Secret: secret,
				})
				if err != nil {
					o.hostError(gctx, d, server, err, failed)
					return nil
				}

				mu.Lock()
				targets = append(targets, &target{group: group, server: server, runner: runner})
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	return targets, failed
}

func (o *Orchestrator) uploadStep(ctx context.Context, d *domain.Deployment, targets []*target, failed *failureSet, artifact *domain.Artifact) []*target {
	remoteName := fmt.Sprintf("artifact-%d.zip", d.ID)

	return o.fanOut(ctx, targets, func(gctx context.Context, t *target) error {
		remoteZip := path.Join(t.server.DeployPath, remoteName)

		if err := t.runner.Upload(gctx, artifact.Path, remoteZip); err != nil {
			return err
		}

		extract := "cd " + remote.Quote(t.server.DeployPath) +
			" && unzip -o " + remote.Quote(remoteName) +
			" && rm -f " + remote.Quote(remoteName)

		result, err := t.runner.Execute(gctx, extract, o.cfg.CommandTimeout)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return &domain.CommandFailedError{
				Host:     t.server.Host,
				Command:  extract,
				ExitCode: result.ExitCode,
				Stderr:   result.Stderr,
			}
		}

		if o.cfg.Detailed() {
			o.sink.Append(gctx, d.ID, domain.LogInfo,
				fmt.Sprintf("Artifact extracted on %s", t.server.Name))
		}
		return nil
	}, d, failed)
}

func (o *Orchestrator) scriptStep(ctx context.Context, d *domain.Deployment, targets []*target, failed *failureSet, scriptPath string) []*target {
	inv := remote.ResolveScript(scriptPath)

	return o.fanOut(ctx, targets, func(gctx context.Context, t *target) error {
		var relay remote.StreamHandler
		if o.cfg.Detailed() {
			server := t.server
			relay = func(line string) {
				o.sink.Append(gctx, d.ID, domain.LogInfo, fmt.Sprintf("[%s] %s", server.Name, line))
			}
		}

		result, err := t.runner.ExecuteStream(gctx, inv.Command, o.cfg.CommandTimeout, relay, relay)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return &domain.CommandFailedError{
				Host:     t.server.Host,
				Command:  inv.Command,
				ExitCode: result.ExitCode,
				Stderr:   result.Stderr,
			}
		}

		o.sink.Append(gctx, d.ID, domain.LogInfo,
			fmt.Sprintf("Script %s completed on %s", inv.ScriptName, t.server.Name))
		return nil
	}, d, failed)
}

// healthStep probes only hosts whose restart succeeded; a host that
// already failed is never probed.
func (o *Orchestrator) healthStep(ctx context.Context, d *domain.Deployment, targets []*target, failed *failureSet, project *domain.Project) {
	o.fanOut(ctx, targets, func(gctx context.Context, t *target) error {
		var onAttempt health.AttemptFunc
		if o.cfg.Detailed() {
			server := t.server
			onAttempt = func(attempt int, err error) {
				o.sink.Append(gctx, d.ID, domain.LogWarning,
					fmt.Sprintf("Health check attempt %d failed on %s: %v", attempt, server.Name, err))
			}
		}

		if err := o.prober.Check(gctx, project.HealthCheck, t.server, t.runner, onAttempt); err != nil {
			return err
		}

		o.sink.Append(gctx, d.ID, domain.LogInfo,
			fmt.Sprintf("Health check passed on %s", t.server.Name))
		return nil
	}, d, failed)
}

// fanOut runs one step across all remaining targets concurrently and
// returns the targets that survived it. Errors mark the host failed and
// are logged, never propagated, so every host is always attempted.
func (o *Orchestrator) fanOut(ctx context.Context, targets []*target, step func(ctx context.Context, t *target) error, d *domain.Deployment, failed *failureSet) []*target {
	var mu sync.Mutex
	var survived []*target

	g := &errgroup.Group{}
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := step(ctx, t); err != nil {
				o.hostError(ctx, d, t.server, err, failed)
				return nil
			}
			mu.Lock()
			survived = append(survived, t)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return survived
}

func (o *Orchestrator) hostError(ctx context.Context, d *domain.Deployment, server domain.Server, err error, failed *failureSet) {
	failed.add(server.Name)
	o.sink.Append(ctx, d.ID, domain.LogError,
		fmt.Sprintf("Server %s failed: %v", server.Name, err))
	o.log.Warn("host step failed",
		"deployment_id", d.ID, "host", server.Host, "error", err)
}

func closeTargets(targets []*target) {
	for _, t := range targets {
		_ = t.runner.Close()
	}
}

// cancelRequested checks the cooperative flag at a step boundary and, if
// set, finishes the deployment as cancelled.
func (o *Orchestrator) cancelRequested(ctx context.Context, d *domain.Deployment, h *handle) bool {
	if !h.cancelled.Load() && ctx.Err() == nil {
		return false
	}

	o.sink.Append(ctx, d.ID, domain.LogInfo, "Deployment cancelled")
	if err := o.deployments.UpdateStatus(context.WithoutCancel(ctx), d.ID, domain.DeploymentCancelled, ""); err != nil {
		o.log.Error("failed to persist cancelled status", "deployment_id", d.ID, "error", err)
	}
	d.Status = domain.DeploymentCancelled
	o.flushWatermark(context.WithoutCancel(ctx), d)
	o.finishEvents(d.ID, d.ProjectID, domain.DeploymentCancelled, "cancelled")
	return true
}

// transition persists the new status and a log entry before the step's
// work begins, so a crash mid-step leaves an accurate last known status.
func (o *Orchestrator) transition(ctx context.Context, d *domain.Deployment, status domain.DeploymentStatus, step string) bool {
	if !domain.CanTransition(d.Status, status) {
		o.fail(ctx, d, fmt.Sprintf("illegal status transition %s -> %s", d.Status, status))
		return false
	}

	if err := o.deployments.UpdateStatus(ctx, d.ID, status, ""); err != nil {
		o.fail(ctx, d, fmt.Sprintf("failed to persist status %s: %v", status, err))
		return false
	}
	progress := progressFor[status]
	if err := o.deployments.UpdateProgress(ctx, d.ID, progress, step); err != nil {
		o.log.Warn("failed to persist progress", "deployment_id", d.ID, "error", err)
	}

	d.Status = status
	d.Progress = progress
	d.Step = step

	o.sink.Append(ctx, d.ID, domain.LogInfo, step)
	o.flushWatermark(ctx, d)
	o.publishStatus(d.ID, d.ProjectID, status, progress, step)
	return true
}

func (o *Orchestrator) succeed(ctx context.Context, d *domain.Deployment) {
	if err := o.deployments.UpdateStatus(ctx, d.ID, domain.DeploymentSuccess, ""); err != nil {
		o.log.Error("failed to persist success status", "deployment_id", d.ID, "error", err)
	}
	if err := o.deployments.UpdateProgress(ctx, d.ID, 100, "Completed"); err != nil {
		o.log.Warn("failed to persist progress", "deployment_id", d.ID, "error", err)
	}
	d.Status = domain.DeploymentSuccess

	o.sink.Append(ctx, d.ID, domain.LogInfo, "Deployment completed successfully")
	o.flushWatermark(ctx, d)
	o.finishEvents(d.ID, d.ProjectID, domain.DeploymentSuccess, "success")
	o.log.Info("deployment succeeded", "deployment_id", d.ID, "project_id", d.ProjectID)
}

func (o *Orchestrator) fail(ctx context.Context, d *domain.Deployment, message string) {
	ctx = context.WithoutCancel(ctx)

	o.sink.Append(ctx, d.ID, domain.LogError, message)
	if err := o.deployments.UpdateStatus(ctx, d.ID, domain.DeploymentFailed, message); err != nil {
		o.log.Error("failed to persist failed status", "deployment_id", d.ID, "error", err)
	}
	d.Status = domain.DeploymentFailed
	d.ErrorMessage = message

	o.flushWatermark(ctx, d)
	o.finishEvents(d.ID, d.ProjectID, domain.DeploymentFailed, message)
	o.log.Warn("deployment failed", "deployment_id", d.ID, "project_id", d.ProjectID, "error", message)
}

func (o *Orchestrator) logError(ctx context.Context, d *domain.Deployment, err error) {
	o.sink.Append(ctx, d.ID, domain.LogError, err.Error())
}

func (o *Orchestrator) flushWatermark(ctx context.Context, d *domain.Deployment) {
	watermark := o.sink.Watermark(d.ID)
	d.Watermark = watermark
	if err := o.deployments.UpdateWatermark(ctx, d.ID, watermark); err != nil {
		o.log.Warn("failed to persist watermark", "deployment_id", d.ID, "error", err)
	}
}

// discardArtifact removes an artifact produced by this deployment when it
// does not finish successfully. Artifacts referenced by rollback (built
// by another deployment) are never removed here.
func (o *Orchestrator) discardArtifact(d *domain.Deployment, artifact *domain.Artifact, builtHere bool) {
	if !builtHere && d.Type != domain.DeployUpload {
		return
	}
	if d.RollbackFrom != nil {
		return
	}
	if artifact == nil {
		return
	}
	if err := os.Remove(artifact.Path); err != nil && !os.IsNotExist(err) {
		o.log.Warn("failed to remove artifact", "path", artifact.Path, "error", err)
	}
}

func (o *Orchestrator) publishStatus(deploymentID, projectID int64, status domain.DeploymentStatus, progress int, step string) {
	o.bus.Publish(domain.EventNameDeploymentStatusChanged, domain.EventDeploymentStatusChanged{
		DeploymentID: deploymentID,
		ProjectID:    projectID,
		Status:       status,
		Progress:     progress,
		Step:         step,
	})
}

func (o *Orchestrator) finishEvents(deploymentID, projectID int64, status domain.DeploymentStatus, summary string) {
	o.publishStatus(deploymentID, projectID, status, progressFor[status], "")
	o.bus.Publish(domain.EventNameDeploymentFinished, domain.EventDeploymentFinished{
		DeploymentID: deploymentID,
		ProjectID:    projectID,
		Status:       status,
		Summary:      summary,
		FinishedAt:   time.Now().UTC(),
	})
}

// admitNext releases the project slot and starts the next queued
// deployment of the project, if any.
func (o *Orchestrator) admitNext(projectID, finishedID int64) {
	nextID, ok := o.queue.Release(projectID, finishedID)
	if !ok {
		return
	}

	// Register the handle before any further work, so Cancel always
	// finds a promoted deployment and never misreports it as not
	// running while the promotion is still in flight.
	h := &handle{}
	o.mu.Lock()
	o.handles[nextID] = h
	o.mu.Unlock()

	drop := func() {
		o.mu.Lock()
		delete(o.handles, nextID)
		o.mu.Unlock()
	}

	ctx := o.baseCtx
	next, err := o.deployments.GetByID(ctx, nextID)
	if err != nil {
		o.log.Error("failed to load queued deployment", "deployment_id", nextID, "error", err)
		drop()
		o.admitNext(projectID, nextID)
		return
	}
	if next.Status.Terminal() {
		// Cancelled while queued after the slot handoff raced; just
		// free the slot again.
		drop()
		o.admitNext(projectID, nextID)
		return
	}

	if err := o.deployments.UpdateStatus(ctx, next.ID, domain.DeploymentPending, ""); err != nil {
		o.log.Error("failed to admit queued deployment", "deployment_id", next.ID, "error", err)
	}
	next.Status = domain.DeploymentPending
	o.sink.Append(ctx, next.ID, domain.LogInfo, "Deployment admitted from queue")
	o.publishStatus(next.ID, next.ProjectID, domain.DeploymentPending, 0, "")
	o.launch(next, h)
}

// gitAuth turns the project's git credential configuration into clone
// material. The secret stays in the credentials store; only its ref is
// recorded on the project.
func (o *Orchestrator) gitAuth(ctx context.Context, project *domain.Project) (build.GitAuth, error) {
	auth := build.GitAuth{Method: project.GitAuthMethod, Username: project.GitUsername}
	if project.GitAuthMethod == domain.GitAuthNone {
		return auth, nil
	}

	secret, err := o.creds.Resolve(ctx, project.GitCredentialRef)
	if err != nil {
		return build.GitAuth{}, err
	}
	auth.Secret = secret
	return auth, nil
}

// buildLineRelay streams build output into the deployment log when
// detailed verbosity is on; stderr lines are recorded as warnings.
func (o *Orchestrator) buildLineRelay(ctx context.Context, d *domain.Deployment) build.StreamHandler {
	if !o.cfg.Detailed() {
		return nil
	}
	return func(line string, isErr bool) {
		level := domain.LogInfo
		if isErr {
			level = domain.LogWarning
		}
		o.sink.Append(ctx, d.ID, level, line)
	}
}
