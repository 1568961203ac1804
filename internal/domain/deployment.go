package domain

import (
	"context"
	"errors"
	"time"
)

var ErrDeploymentNotFound = errors.New("deployment not found")

type DeploymentType string

const (
	DeployFull        DeploymentType = "full"
	DeployRestartOnly DeploymentType = "restart_only"
	DeployUpload      DeploymentType = "upload"
)

type DeploymentStatus string

const (
	DeploymentPending        DeploymentStatus = "pending"
	DeploymentQueued         DeploymentStatus = "queued"
	DeploymentCloning        DeploymentStatus = "cloning"
	DeploymentBuilding       DeploymentStatus = "building"
	DeploymentUploading      DeploymentStatus = "uploading"
	DeploymentDeploying      DeploymentStatus = "deploying"
	DeploymentRestarting     DeploymentStatus = "restarting"
	DeploymentHealthChecking DeploymentStatus = "health_checking"
	DeploymentSuccess        DeploymentStatus = "success"
	DeploymentFailed         DeploymentStatus = "failed"
	DeploymentCancelled      DeploymentStatus = "cancelled"
)

func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentSuccess, DeploymentFailed, DeploymentCancelled:
		return true
	}
	return false
}

// transitions is the forward edge set of the deployment state machine.
// failed and cancelled are reachable from every non-terminal state and are
// handled in CanTransition directly.
var transitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentQueued:         {DeploymentPending},
	DeploymentPending:        {DeploymentCloning, DeploymentRestarting, DeploymentUploading, DeploymentDeploying},
	DeploymentCloning:        {DeploymentBuilding},
	DeploymentBuilding:       {DeploymentUploading},
	DeploymentUploading:      {DeploymentDeploying},
	DeploymentDeploying:      {DeploymentHealthChecking, DeploymentSuccess},
	DeploymentRestarting:     {DeploymentHealthChecking, DeploymentSuccess},
	DeploymentHealthChecking: {DeploymentSuccess},
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Terminal statuses permit nothing.
func CanTransition(from, to DeploymentStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == DeploymentFailed || to == DeploymentCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Deployment is one execution of the orchestration pipeline. Only the
// orchestrator goroutine handling it mutates the record; once the status is
// terminal the record is frozen apart from the final log flush.
type Deployment struct {
	ID             int64            `json:"id"`
	ProjectID      int64            `json:"project_id"`
	Type           DeploymentType   `json:"type"`
	Branch         string           `json:"branch"`
	ServerGroupIDs []int64          `json:"server_group_ids"`
	Status         DeploymentStatus `json:"status"`
	Progress       int              `json:"progress"`
	Step           string           `json:"step,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	RollbackFrom   *int64           `json:"rollback_from,omitempty"`
	Watermark      int64            `json:"watermark"`

	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Artifact is the packaged build output delivered to hosts, tied 1:1 to
// the deployment that produced (or received) it. A rollback deployment
// references the original's file by path and never copies bytes.
type Artifact struct {
	ID           int64     `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum"`
	CreatedAt    time.Time `json:"created_at"`
}

type DeploymentCreateRequest struct {
	ProjectID      int64          `json:"project_id" validate:"required"`
	Type           DeploymentType `json:"type" validate:"required,oneof=full restart_only upload"`
	Branch         string         `json:"branch"`
	ServerGroupIDs []int64        `json:"server_group_ids" validate:"required,min=1"`
	CreatedBy      string         `json:"-"`
	RollbackFrom   *int64         `json:"-"`
}

type DeploymentRepository interface {
	Create(ctx context.Context, d *Deployment) (*Deployment, error)
	GetByID(ctx context.Context, deploymentID int64) (*Deployment, error)
	List(ctx context.Context, projectID int64, limit int) ([]Deployment, error)
	UpdateStatus(ctx context.Context, deploymentID int64, status DeploymentStatus, errorMessage string) error
	UpdateProgress(ctx context.Context, deploymentID int64, progress int, step string) error
	UpdateWatermark(ctx context.Context, deploymentID int64, watermark int64) error
	SaveArtifact(ctx context.Context, a *Artifact) (*Artifact, error)
	GetArtifact(ctx context.Context, deploymentID int64) (*Artifact, error)

	// ListArtifactPaths returns every artifact path still referenced by a
	// deployment; the retention sweep treats anything else on disk as an
	// orphan.
	ListArtifactPaths(ctx context.Context) ([]string, error)
	// ListFinishedBefore returns ids of deployments that reached a terminal
	// status before the cutoff, oldest first.
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
}
