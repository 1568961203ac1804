package workers

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/logger"
)

// sweepGraceWindow keeps freshly packaged artifacts out of the sweep;
// the file lands on disk before its database row does.
const sweepGraceWindow = time.Hour

// ArtifactSweepWorker removes artifact files no deployment references
// anymore. The inline cleanup keeps the latest artifact per project;
// this sweep catches files orphaned by crashes mid-packaging.
type ArtifactSweepWorker struct {
	deployments  domain.DeploymentRepository
	artifactsDir string
	log          logger.Logger
}

func (w *ArtifactSweepWorker) Name() string { return "artifact_sweep" }

func (w *ArtifactSweepWorker) Run(ctx context.Context) error {
	paths, err := w.deployments.ListArtifactPaths(ctx)
	if err != nil {
		return err
	}

	referenced := make(map[string]bool, len(paths))
	for _, p := range paths {
		referenced[p] = true
	}

	removed := 0
	cutoff := time.Now().Add(-sweepGraceWindow)

	err = filepath.WalkDir(w.artifactsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if referenced[path] {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			w.log.Warn("sweep: failed to remove orphan artifact", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if removed > 0 {
		w.log.Info("sweep: removed orphan artifacts", "count", removed)
	}
	return nil
}
