package workers

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/logger"
)

type stubDeploymentRepo struct {
	artifactPaths []string
	finishedIDs   []int64
}

func (s *stubDeploymentRepo) Create(context.Context, *domain.Deployment) (*domain.Deployment, error) {
	return nil, nil
}
func (s *stubDeploymentRepo) GetByID(context.Context, int64) (*domain.Deployment, error) {
	return nil, nil
}
func (s *stubDeploymentRepo) List(context.Context, int64, int) ([]domain.Deployment, error) {
	return nil, nil
}
func (s *stubDeploymentRepo) UpdateStatus(context.Context, int64, domain.DeploymentStatus, string) error {
	return nil
}
func (s *stubDeploymentRepo) UpdateProgress(context.Context, int64, int, string) error { return nil }
func (s *stubDeploymentRepo) UpdateWatermark(context.Context, int64, int64) error      { return nil }
func (s *stubDeploymentRepo) SaveArtifact(context.Context, *domain.Artifact) (*domain.Artifact, error) {
	return nil, nil
}
func (s *stubDeploymentRepo) GetArtifact(context.Context, int64) (*domain.Artifact, error) {
	return nil, nil
}

func (s *stubDeploymentRepo) ListArtifactPaths(context.Context) ([]string, error) {
	return s.artifactPaths, nil
}

func (s *stubDeploymentRepo) ListFinishedBefore(context.Context, time.Time, int) ([]int64, error) {
	return s.finishedIDs, nil
}

type stubLogRepo struct {
	mu      sync.Mutex
	deleted []int64
}

func (s *stubLogRepo) Append(context.Context, *domain.LogEntry) error { return nil }
func (s *stubLogRepo) ListSince(context.Context, int64, int64, int) ([]domain.LogEntry, error) {
	return nil, nil
}

func (s *stubLogRepo) DeleteByDeployment(ctx context.Context, deploymentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, deploymentID)
	return nil
}

func writeArtifact(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("zip"), 0o644))

	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
	return path
}

func TestNextRunDailySchedule(t *testing.T) {
	at := DailySchedule{Hour: 2, Minute: 0}

	before := time.Date(2026, 8, 23, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 23, 2, 0, 0, 0, time.UTC), nextRun(before, at, time.UTC))

	after := time.Date(2026, 8, 23, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC), nextRun(after, at, time.UTC))

	exact := time.Date(2026, 8, 23, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC), nextRun(exact, at, time.UTC))
}

func TestNextRunHonorsLocation(t *testing.T) {
	at := DailySchedule{Hour: 2, Minute: 0}
	east := time.FixedZone("UTC+8", 8*3600)

	// 17:30 UTC is 01:30 the next day in UTC+8, so the sweep is due at
	// 02:00 that same local day.
	now := time.Date(2026, 8, 23, 17, 30, 0, 0, time.UTC)
	want := time.Date(2026, 8, 24, 2, 0, 0, 0, east)
	assert.True(t, nextRun(now, at, east).Equal(want))
}

func TestArtifactSweepRemovesOnlyOldOrphans(t *testing.T) {
	dir := t.TempDir()

	referenced := writeArtifact(t, dir, "project-1/keep.zip", 48*time.Hour)
	orphanOld := writeArtifact(t, dir, "project-1/orphan.zip", 48*time.Hour)
	orphanFresh := writeArtifact(t, dir, "project-2/fresh.zip", time.Minute)

	w := &ArtifactSweepWorker{
		deployments:  &stubDeploymentRepo{artifactPaths: []string{referenced}},
		artifactsDir: dir,
		log:          logger.NewNop(),
	}

	require.NoError(t, w.Run(context.Background()))

	assert.FileExists(t, referenced)
	assert.NoFileExists(t, orphanOld)
	assert.FileExists(t, orphanFresh)
}

func TestArtifactSweepMissingDir(t *testing.T) {
	w := &ArtifactSweepWorker{
		deployments:  &stubDeploymentRepo{},
		artifactsDir: filepath.Join(t.TempDir(), "never-created"),
		log:          logger.NewNop(),
	}

	require.NoError(t, w.Run(context.Background()))
}

func TestLogRetentionDeletesExpiredDeployments(t *testing.T) {
	logs := &stubLogRepo{}
	w := &LogRetentionWorker{
		deployments: &stubDeploymentRepo{finishedIDs: []int64{4, 9}},
		logs:        logs,
		retention:   30 * 24 * time.Hour,
		log:         logger.NewNop(),
	}

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []int64{4, 9}, logs.deleted)
}
