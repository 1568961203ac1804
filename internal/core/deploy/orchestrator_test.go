package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouyangCL/remote-build/internal/config"
	"github.com/ouyangCL/remote-build/internal/core/build"
	"github.com/ouyangCL/remote-build/internal/core/deploylog"
	"github.com/ouyangCL/remote-build/internal/core/health"
	"github.com/ouyangCL/remote-build/internal/core/remote"
	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/event"
	"github.com/ouyangCL/remote-build/internal/logger"
)

// ---- fakes ----

type memDeploymentRepo struct {
	mu        sync.Mutex
	nextID    int64
	records   map[int64]*domain.Deployment
	artifacts map[int64]*domain.Artifact
	statuses  map[int64][]domain.DeploymentStatus

	// failStatus makes UpdateStatus error for that status, simulating a
	// persistence failure mid-deployment.
	failStatus domain.DeploymentStatus
	// onUpdateStatus observes each persisted status; it runs after the
	// write, outside the repo lock.
	onUpdateStatus func(id int64, status domain.DeploymentStatus)
}

func newMemDeploymentRepo() *memDeploymentRepo {
	return &memDeploymentRepo{
		records:   make(map[int64]*domain.Deployment),
		artifacts: make(map[int64]*domain.Artifact),
		statuses:  make(map[int64][]domain.DeploymentStatus),
	}
}

func (r *memDeploymentRepo) Create(ctx context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	d.ID = r.nextID
	d.CreatedAt = time.Now()
	clone := *d
	r.records[d.ID] = &clone
	r.statuses[d.ID] = append(r.statuses[d.ID], d.Status)
	return d, nil
}

func (r *memDeploymentRepo) GetByID(ctx context.Context, id int64) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.records[id]
	if !ok {
		return nil, domain.ErrDeploymentNotFound
	}
	clone := *d
	return &clone, nil
}

func (r *memDeploymentRepo) List(ctx context.Context, projectID int64, limit int) ([]domain.Deployment, error) {
	return nil, nil
}

func (r *memDeploymentRepo) UpdateStatus(ctx context.Context, id int64, status domain.DeploymentStatus, errorMessage string) error {
	r.mu.Lock()
	if r.failStatus != "" && status == r.failStatus {
		r.mu.Unlock()
		return fmt.Errorf("simulated persistence failure for %s", status)
	}
	d := r.records[id]
	d.Status = status
	d.ErrorMessage = errorMessage
	r.statuses[id] = append(r.statuses[id], status)
	hook := r.onUpdateStatus
	r.mu.Unlock()

	if hook != nil {
		hook(id, status)
	}
	return nil
}

func (r *memDeploymentRepo) UpdateProgress(ctx context.Context, id int64, progress int, step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id].Progress = progress
	r.records[id].Step = step
	return nil
}

func (r *memDeploymentRepo) UpdateWatermark(ctx context.Context, id int64, watermark int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id].Watermark = watermark
	return nil
}

func (r *memDeploymentRepo) SaveArtifact(ctx context.Context, a *domain.Artifact) (*domain.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *a
	r.artifacts[a.DeploymentID] = &clone
	return a, nil
}

func (r *memDeploymentRepo) GetArtifact(ctx context.Context, deploymentID int64) (*domain.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[deploymentID]
	if !ok {
		return nil, fmt.Errorf("no artifact for deployment %d", deploymentID)
	}
	clone := *a
	return &clone, nil
}

func (r *memDeploymentRepo) ListArtifactPaths(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for _, a := range r.artifacts {
		paths = append(paths, a.Path)
	}
	return paths, nil
}

func (r *memDeploymentRepo) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	return nil, nil
}

func (r *memDeploymentRepo) statusHistory(id int64) []domain.DeploymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeploymentStatus, len(r.statuses[id]))
	copy(out, r.statuses[id])
	return out
}

type memProjectRepo struct{ project domain.Project }

func (r *memProjectRepo) GetByID(ctx context.Context, id int64) (*domain.Project, error) {
	if id != r.project.ID {
		return nil, domain.ErrProjectNotFound
	}
	clone := r.project
	return &clone, nil
}

func (r *memProjectRepo) List(ctx context.Context) ([]domain.Project, error) {
	return []domain.Project{r.project}, nil
}

type memGroupRepo struct{ groups map[int64]domain.ServerGroup }

func (r *memGroupRepo) GetByID(ctx context.Context, id int64) (*domain.ServerGroup, error) {
	g, ok := r.groups[id]
	if !ok {
		return nil, domain.ErrServerGroupNotFound
	}
	return &g, nil
}

func (r *memGroupRepo) ListByIDs(ctx context.Context, ids []int64) ([]domain.ServerGroup, error) {
	var out []domain.ServerGroup
	for _, id := range ids {
		if g, ok := r.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

type staticCreds struct{}

func (staticCreds) Resolve(ctx context.Context, ref string) (string, error) { return "secret", nil }

type fakeRunner struct {
	host string

	mu       sync.Mutex
	uploads  []string
	commands []string

	// Commands containing failContains exit 1; everything else exits 0.
	failContains string
}

func (f *fakeRunner) Execute(ctx context.Context, command string, timeout time.Duration) (*remote.ExecResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	if f.failContains != "" && strings.Contains(command, f.failContains) {
		return &remote.ExecResult{ExitCode: 1, Stderr: "simulated failure"}, nil
	}
	return &remote.ExecResult{ExitCode: 0}, nil
}

func (f *fakeRunner) ExecuteStream(ctx context.Context, command string, timeout time.Duration, onStdout, onStderr remote.StreamHandler) (*remote.ExecResult, error) {
	return f.Execute(ctx, command, timeout)
}

func (f *fakeRunner) Upload(ctx context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	f.uploads = append(f.uploads, remotePath)
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) FileExists(ctx context.Context, remotePath string) (bool, error) {
	return true, nil
}
func (f *fakeRunner) Host() string { return f.host }
func (f *fakeRunner) Close() error { return nil }

type fakeDialer struct {
	mu       sync.Mutex
	runners  map[string]*fakeRunner
	dialErrs map[string]error
	dialed   []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		runners:  make(map[string]*fakeRunner),
		dialErrs: make(map[string]error),
	}
}

func (f *fakeDialer) Dial(ctx context.Context, host string, port int, username string, auth remote.AuthConfig) (remote.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, host)
	if err := f.dialErrs[host]; err != nil {
		return nil, err
	}
	runner, ok := f.runners[host]
	if !ok {
		runner = &fakeRunner{host: host}
		f.runners[host] = runner
	}
	return runner, nil
}

func (f *fakeDialer) dialedHosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.dialed))
	copy(out, f.dialed)
	return out
}

// ---- harness ----

type harness struct {
	orch    *Orchestrator
	repo    *memDeploymentRepo
	dialer  *fakeDialer
	bus     *event.Bus
	project domain.Project
}

func server(name, host string) domain.Server {
	return domain.Server{
		ID:         1,
		Name:       name,
		Host:       host,
		Port:       22,
		Username:   "deploy",
		AuthMethod: domain.AuthPassword,
		DeployPath: "/srv/app",
		Active:     true,
	}
}

func newHarness(t *testing.T, project domain.Project, groups map[int64]domain.ServerGroup) *harness {
	t.Helper()

	repo := newMemDeploymentRepo()
	dialer := newFakeDialer()
	bus := event.New()
	log := logger.NewNop()

	cfg := &config.Config{
		WorkDir:        t.TempDir(),
		ArtifactsDir:   t.TempDir(),
		CommandTimeout: time.Second,
		LogVerbosity:   "minimal",
	}

	builder := build.New(cfg.WorkDir, cfg.ArtifactsDir, log)
	sink := deploylog.NewSink(newMemLogRepo(), bus, log)

	orch := NewOrchestrator(
		context.Background(),
		cfg,
		repo,
		&memProjectRepo{project: project},
		&memGroupRepo{groups: groups},
		staticCreds{},
		dialer,
		builder,
		health.New(log),
		sink,
		bus,
		log,
	)

	return &harness{orch: orch, repo: repo, dialer: dialer, bus: bus, project: project}
}

type memLogRepo struct {
	mu      sync.Mutex
	entries map[int64][]domain.LogEntry
}

func newMemLogRepo() *memLogRepo {
	return &memLogRepo{entries: make(map[int64][]domain.LogEntry)}
}

func (r *memLogRepo) Append(ctx context.Context, entry *domain.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.DeploymentID] = append(r.entries[entry.DeploymentID], *entry)
	return nil
}

func (r *memLogRepo) ListSince(ctx context.Context, deploymentID, afterID int64, limit int) ([]domain.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LogEntry
	for _, e := range r.entries[deploymentID] {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memLogRepo) DeleteByDeployment(ctx context.Context, deploymentID int64) error { return nil }

func waitTerminal(t *testing.T, repo *memDeploymentRepo, id int64) *domain.Deployment {
	t.Helper()
	var d *domain.Deployment
	require.Eventually(t, func() bool {
		var err error
		d, err = repo.GetByID(context.Background(), id)
		return err == nil && d.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return d
}

func defaultProject() domain.Project {
	return domain.Project{
		ID:            1,
		Name:          "api",
		Kind:          domain.ProjectBackend,
		Environment:   domain.EnvProduction,
		BuildCommand:  "make build",
		OutputDir:     "dist",
		RestartScript: "/srv/app/restart.sh",
	}
}

func oneGroup(servers ...domain.Server) map[int64]domain.ServerGroup {
	return map[int64]domain.ServerGroup{
		1: {ID: 1, Name: "prod", Environment: domain.EnvProduction, Servers: servers},
	}
}

// ---- tests ----

func TestCreateRejectsEnvironmentMismatch(t *testing.T) {
	project := defaultProject()
	groups := map[int64]domain.ServerGroup{
		1: {ID: 1, Name: "staging", Environment: domain.EnvDevelopment, Servers: []domain.Server{server("alpha", "10.0.0.1")}},
	}
	h := newHarness(t, project, groups)

	_, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "staging")
}

func TestCreateRejectsRestartOnlyWithoutScript(t *testing.T) {
	project := defaultProject()
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	_, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "restart-only")
}

func TestCreateRejectsUploadWithoutArtifact(t *testing.T) {
	h := newHarness(t, defaultProject(), oneGroup(server("alpha", "10.0.0.1")))

	_, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployUpload,
		ServerGroupIDs: []int64{1},
	}, nil)

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRestartOnlySucceeds(t *testing.T) {
	project := defaultProject()
	project.RestartOnlyScript = "/srv/app/restart-only.sh"
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)
	require.NoError(t, err)

	done := waitTerminal(t, h.repo, d.ID)
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentSuccess, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t,
		[]domain.DeploymentStatus{domain.DeploymentPending, domain.DeploymentRestarting, domain.DeploymentSuccess},
		h.repo.statusHistory(d.ID))

	runner := h.dialer.runners["10.0.0.1"]
	require.NotNil(t, runner)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "cd /srv/app && bash ./restart-only.sh", runner.commands[0])
}

func TestUploadFlowDeliversToAllHosts(t *testing.T) {
	project := defaultProject()
	h := newHarness(t, project, oneGroup(
		server("alpha", "10.0.0.1"),
		server("beta", "10.0.0.2"),
	))

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployUpload,
		ServerGroupIDs: []int64{1},
	}, strings.NewReader("zip bytes"))
	require.NoError(t, err)

	done := waitTerminal(t, h.repo, d.ID)
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentSuccess, done.Status)
	assert.Equal(t,
		[]domain.DeploymentStatus{domain.DeploymentPending, domain.DeploymentUploading, domain.DeploymentDeploying, domain.DeploymentSuccess},
		h.repo.statusHistory(d.ID))

	for _, host := range []string{"10.0.0.1", "10.0.0.2"} {
		runner := h.dialer.runners[host]
		require.NotNil(t, runner, host)
		require.Len(t, runner.uploads, 1)
		assert.Equal(t, fmt.Sprintf("/srv/app/artifact-%d.zip", d.ID), runner.uploads[0])
	}
}

func TestFanOutAttemptsAllHostsAndNamesFailures(t *testing.T) {
	project := defaultProject()
	h := newHarness(t, project, oneGroup(
		server("alpha", "10.0.0.1"),
		server("beta", "10.0.0.2"),
		server("gamma", "10.0.0.3"),
	))
	h.dialer.dialErrs["10.0.0.2"] = &domain.ConnectionError{Host: "10.0.0.2", Err: fmt.Errorf("refused")}

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployUpload,
		ServerGroupIDs: []int64{1},
	}, strings.NewReader("zip bytes"))
	require.NoError(t, err)

	done := waitTerminal(t, h.repo, d.ID)
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentFailed, done.Status)
	assert.Equal(t, "Failed to deploy to servers: beta", done.ErrorMessage)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, h.dialer.dialedHosts())

	for _, host := range []string{"10.0.0.1", "10.0.0.3"} {
		runner := h.dialer.runners[host]
		require.NotNil(t, runner, host)
		assert.Len(t, runner.uploads, 1, host)
	}
}

func TestInactiveServersAreSkipped(t *testing.T) {
	project := defaultProject()
	inactive := server("beta", "10.0.0.2")
	inactive.Active = false
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1"), inactive))

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployUpload,
		ServerGroupIDs: []int64{1},
	}, strings.NewReader("zip bytes"))
	require.NoError(t, err)

	done := waitTerminal(t, h.repo, d.ID)
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentSuccess, done.Status)
	assert.Equal(t, []string{"10.0.0.1"}, h.dialer.dialedHosts())
}

func TestSecondDeploymentQueuesAndRunsAfterFirst(t *testing.T) {
	project := defaultProject()
	project.RestartOnlyScript = "/srv/app/restart-only.sh"
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	first, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)
	require.NoError(t, err)

	second, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)
	require.NoError(t, err)

	firstDone := waitTerminal(t, h.repo, first.ID)
	secondDone := waitTerminal(t, h.repo, second.ID)
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentSuccess, firstDone.Status)
	assert.Equal(t, domain.DeploymentSuccess, secondDone.Status)
	assert.Contains(t, h.repo.statusHistory(second.ID), domain.DeploymentQueued)
}

func TestHealthCheckFailureFailsDeployment(t *testing.T) {
	project := defaultProject()
	project.HealthCheck = domain.HealthCheckConfig{
		Enabled: true,
		Kind:    domain.HealthCheckCommand,
		Command: "systemctl is-active app",
		Retries: 2,
		Timeout: time.Second,
	}
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))
	h.dialer.runners["10.0.0.1"] = &fakeRunner{host: "10.0.0.1", failContains: "systemctl is-active app"}

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployUpload,
		ServerGroupIDs: []int64{1},
	}, strings.NewReader("zip bytes"))
	require.NoError(t, err)

	done := waitTerminal(t, h.repo, d.ID)
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentFailed, done.Status)
	assert.Contains(t, h.repo.statusHistory(d.ID), domain.DeploymentHealthChecking)
}

func TestRollbackReusesArtifact(t *testing.T) {
	project := defaultProject()
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	original, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployUpload,
		ServerGroupIDs: []int64{1},
	}, strings.NewReader("zip bytes"))
	require.NoError(t, err)

	waitTerminal(t, h.repo, original.ID)
	h.orch.Wait()
	originalArtifact, err := h.repo.GetArtifact(context.Background(), original.ID)
	require.NoError(t, err)

	rb, err := h.orch.Rollback(context.Background(), original.ID, "operator")
	require.NoError(t, err)

	rbDone := waitTerminal(t, h.repo, rb.ID)
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentSuccess, rbDone.Status)
	require.NotNil(t, rbDone.RollbackFrom)
	assert.Equal(t, original.ID, *rbDone.RollbackFrom)

	history := h.repo.statusHistory(rb.ID)
	assert.NotContains(t, history, domain.DeploymentCloning)
	assert.NotContains(t, history, domain.DeploymentBuilding)

	runner := h.dialer.runners["10.0.0.1"]
	require.GreaterOrEqual(t, len(runner.uploads), 2)

	reuploaded, err := h.repo.GetArtifact(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, originalArtifact.Checksum, reuploaded.Checksum)
	assert.Equal(t, originalArtifact.Path, reuploaded.Path)
}

func TestRollbackRejectsNonSuccessSource(t *testing.T) {
	project := defaultProject()
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))
	h.dialer.dialErrs["10.0.0.1"] = &domain.ConnectionError{Host: "10.0.0.1", Err: fmt.Errorf("refused")}

	failedDeploy, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployUpload,
		ServerGroupIDs: []int64{1},
	}, strings.NewReader("zip bytes"))
	require.NoError(t, err)

	waitTerminal(t, h.repo, failedDeploy.ID)
	h.orch.Wait()

	_, err = h.orch.Rollback(context.Background(), failedDeploy.ID, "operator")
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestCancelQueuedDeployment(t *testing.T) {
	project := defaultProject()
	project.RestartOnlyScript = "/srv/app/restart-only.sh"
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	// Occupy the slot directly so the created deployment stays queued.
	require.True(t, h.orch.queue.Admit(1, 999))

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentQueued, d.Status)

	require.NoError(t, h.orch.Cancel(context.Background(), d.ID))

	got, err := h.repo.GetByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentCancelled, got.Status)
}

func TestCancelFinishedDeploymentFails(t *testing.T) {
	project := defaultProject()
	project.RestartOnlyScript = "/srv/app/restart-only.sh"
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)
	require.NoError(t, err)

	waitTerminal(t, h.repo, d.ID)
	h.orch.Wait()

	err = h.orch.Cancel(context.Background(), d.ID)
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestCreateReturnsDetachedSnapshot(t *testing.T) {
	project := defaultProject()
	project.RestartOnlyScript = "/srv/app/restart-only.sh"
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)
	require.NoError(t, err)

	// The returned value must stay readable while the worker runs and
	// keep its creation-time state.
	for {
		_ = d.Status
		_ = d.Progress
		_ = d.Step

		got, gerr := h.repo.GetByID(context.Background(), d.ID)
		require.NoError(t, gerr)
		if got.Status.Terminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentPending, d.Status)
	assert.Equal(t, 0, d.Progress)
	assert.Empty(t, d.Step)
}

func TestArtifactDiscardedWhenStatusPersistFails(t *testing.T) {
	project := defaultProject()
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))
	h.repo.failStatus = domain.DeploymentUploading

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployUpload,
		ServerGroupIDs: []int64{1},
	}, strings.NewReader("zip bytes"))
	require.NoError(t, err)

	done := waitTerminal(t, h.repo, d.ID)
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentFailed, done.Status)

	artifact, err := h.repo.GetArtifact(context.Background(), d.ID)
	require.NoError(t, err)
	assert.NoFileExists(t, artifact.Path)
}

func TestPromotedDeploymentIsCancellableDuringAdmission(t *testing.T) {
	project := defaultProject()
	project.RestartOnlyScript = "/srv/app/restart-only.sh"
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	// Occupy the slot directly so the created deployment stays queued.
	require.True(t, h.orch.queue.Admit(1, 999))

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentQueued, d.Status)

	var handleRegistered atomic.Bool
	h.repo.onUpdateStatus = func(id int64, status domain.DeploymentStatus) {
		if id != d.ID || status != domain.DeploymentPending {
			return
		}
		h.orch.mu.Lock()
		_, ok := h.orch.handles[id]
		h.orch.mu.Unlock()
		handleRegistered.Store(ok)
	}

	h.orch.admitNext(1, 999)

	done := waitTerminal(t, h.repo, d.ID)
	h.orch.Wait()

	assert.Equal(t, domain.DeploymentSuccess, done.Status)
	assert.True(t, handleRegistered.Load(),
		"cancellation handle must exist before the promoted deployment turns pending")
}

func TestGitAuthResolvesProjectCredential(t *testing.T) {
	project := defaultProject()
	project.GitAuthMethod = domain.GitAuthToken
	project.GitCredentialRef = "git-token"
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	auth, err := h.orch.gitAuth(context.Background(), &project)
	require.NoError(t, err)
	assert.Equal(t, domain.GitAuthToken, auth.Method)
	assert.Equal(t, "secret", auth.Secret)

	public := defaultProject()
	auth, err = h.orch.gitAuth(context.Background(), &public)
	require.NoError(t, err)
	assert.Equal(t, build.GitAuth{}, auth)
}

func TestTerminalStatusNeverChanges(t *testing.T) {
	project := defaultProject()
	project.RestartOnlyScript = "/srv/app/restart-only.sh"
	h := newHarness(t, project, oneGroup(server("alpha", "10.0.0.1")))

	d, err := h.orch.Create(context.Background(), domain.DeploymentCreateRequest{
		ProjectID:      1,
		Type:           domain.DeployRestartOnly,
		ServerGroupIDs: []int64{1},
	}, nil)
	require.NoError(t, err)

	waitTerminal(t, h.repo, d.ID)
	h.orch.Wait()

	history := h.repo.statusHistory(d.ID)
	for i, status := range history {
		if status.Terminal() {
			assert.Equal(t, len(history)-1, i, "terminal status must be last")
		}
	}
}
