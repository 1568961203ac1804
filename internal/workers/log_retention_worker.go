package workers

import (
	"context"
	"time"

	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/logger"
)

// retentionBatchLimit bounds one sweep so a backlog never holds a
// transaction open for long.
const retentionBatchLimit = 500

// LogRetentionWorker drops the log lines of deployments that finished
// longer ago than the configured retention. The deployment records
// themselves stay for history.
type LogRetentionWorker struct {
	deployments domain.DeploymentRepository
	logs        domain.LogRepository
	retention   time.Duration
	log         logger.Logger
}

func (w *LogRetentionWorker) Name() string { return "log_retention" }

func (w *LogRetentionWorker) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-w.retention)

	ids, err := w.deployments.ListFinishedBefore(ctx, cutoff, retentionBatchLimit)
	if err != nil {
		return err
	}

	cleaned := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.logs.DeleteByDeployment(ctx, id); err != nil {
			w.log.Warn("retention: failed to delete deployment logs", "deployment_id", id, "error", err)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		w.log.Info("retention: cleaned deployment logs", "deployments", cleaned, "cutoff", cutoff)
	}
	return nil
}
