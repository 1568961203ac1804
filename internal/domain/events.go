package domain

import "time"

// Event names published on the internal bus.
const (
	EventNameDeploymentStatusChanged = "deployment_status_changed"
	EventNameDeploymentLogAppended   = "deployment_log_appended"
	EventNameDeploymentFinished      = "deployment_finished"
)

type EventDeploymentStatusChanged struct {
	DeploymentID int64            `json:"deployment_id"`
	ProjectID    int64            `json:"project_id"`
	Status       DeploymentStatus `json:"status"`
	Progress     int              `json:"progress"`
	Step         string           `json:"step,omitempty"`
}

type EventDeploymentLogAppended struct {
	DeploymentID int64    `json:"deployment_id"`
	Entry        LogEntry `json:"entry"`
}

// EventDeploymentFinished fires exactly once per deployment, on the
// transition into a terminal status. The notification sink consumes it.
type EventDeploymentFinished struct {
	DeploymentID int64            `json:"deployment_id"`
	ProjectID    int64            `json:"project_id"`
	Status       DeploymentStatus `json:"status"`
	Summary      string           `json:"summary"`
	FinishedAt   time.Time        `json:"finished_at"`
}
