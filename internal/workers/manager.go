// Package workers runs the background retention sweeps that keep the
// artifact store and the deployment log table bounded.
package workers

import (
	"context"
	"time"

	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/logger"
)

type Manager struct {
	log logger.Logger

	scheduler *Scheduler
	services  *ManagerServices
}

type ManagerServices struct {
	Deployments  domain.DeploymentRepository
	Logs         domain.LogRepository
	ArtifactsDir string
	LogRetention time.Duration
}

type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

func NewManager(log logger.Logger, scheduler *Scheduler, services *ManagerServices) *Manager {
	return &Manager{
		log: log,

		scheduler: scheduler,
		services:  services,
	}
}

func (m *Manager) Start(ctx context.Context) {
	m.log.Info("worker: manager started")

	m.scheduler.RunDaily(ctx, DailySchedule{Hour: 2, Minute: 0}, &ArtifactSweepWorker{
		deployments:  m.services.Deployments,
		artifactsDir: m.services.ArtifactsDir,
		log:          m.log,
	})

	m.scheduler.RunDaily(ctx, DailySchedule{Hour: 3, Minute: 0}, &LogRetentionWorker{
		deployments: m.services.Deployments,
		logs:        m.services.Logs,
		retention:   m.services.LogRetention,
		log:         m.log,
	})
}
