package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ouyangCL/remote-build/internal/domain"
)

type DeploymentRepository struct {
	db *pgxpool.Pool
}

func NewDeploymentRepository(db *pgxpool.Pool) domain.DeploymentRepository {
	return &DeploymentRepository{db: db}
}

func (r *DeploymentRepository) Create(ctx context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	query := `
		INSERT INTO deployments (
			project_id,
			type,
			branch,
			server_group_ids,
			status,
			rollback_from,
			created_by,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	now := time.Now().UTC()
	if err := r.db.QueryRow(ctx, query,
		d.ProjectID,
		d.Type,
		d.Branch,
		d.ServerGroupIDs,
		d.Status,
		d.RollbackFrom,
		d.CreatedBy,
		now,
	).Scan(&d.ID, &d.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	return d, nil
}

func (r *DeploymentRepository) GetByID(ctx context.Context, deploymentID int64) (*domain.Deployment, error) {
	query := `
		SELECT
			id,
			project_id,
			type,
			branch,
			server_group_ids,
			status,
			progress,
			step,
			error_message,
			rollback_from,
			watermark,
			created_by,
			created_at,
			finished_at
		FROM deployments
		WHERE id = $1
	`

	var d domain.Deployment
	if err := r.db.QueryRow(ctx, query, deploymentID).Scan(
		&d.ID,
		&d.ProjectID,
		&d.Type,
		&d.Branch,
		&d.ServerGroupIDs,
		&d.Status,
		&d.Progress,
		&d.Step,
		&d.ErrorMessage,
		&d.RollbackFrom,
		&d.Watermark,
		&d.CreatedBy,
		&d.CreatedAt,
		&d.FinishedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}

	return &d, nil
}

func (r *DeploymentRepository) List(ctx context.Context, projectID int64, limit int) ([]domain.Deployment, error) {
	query := `
		SELECT
			id,
			project_id,
			type,
			branch,
			server_group_ids,
			status,
			progress,
			step,
			error_message,
			rollback_from,
			watermark,
			created_by,
			created_at,
			finished_at
		FROM deployments
	`

	args := []any{}
	if projectID > 0 {
		query += " WHERE project_id = $1"
		args = append(args, projectID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(
			&d.ID,
			&d.ProjectID,
			&d.Type,
			&d.Branch,
			&d.ServerGroupIDs,
			&d.Status,
			&d.Progress,
			&d.Step,
			&d.ErrorMessage,
			&d.RollbackFrom,
			&d.Watermark,
			&d.CreatedBy,
			&d.CreatedAt,
			&d.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan deployments: %w", err)
		}
		deployments = append(deployments, d)
	}

	return deployments, rows.Err()
}

func (r *DeploymentRepository) UpdateStatus(ctx context.Context, deploymentID int64, status domain.DeploymentStatus, errorMessage string) error {
	query := `
		UPDATE deployments
		SET status = $1,
		    error_message = $2,
		    finished_at = CASE WHEN $3 THEN now() ELSE finished_at END
		WHERE id = $4
	`

	tag, err := r.db.Exec(ctx, query, status, errorMessage, status.Terminal(), deploymentID)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeploymentNotFound
	}
	return nil
}

func (r *DeploymentRepository) UpdateProgress(ctx context.Context, deploymentID int64, progress int, step string) error {
	query := `UPDATE deployments SET progress = $1, step = $2 WHERE id = $3`

	if _, err := r.db.Exec(ctx, query, progress, step, deploymentID); err != nil {
		return fmt.Errorf("failed to update deployment progress: %w", err)
	}
	return nil
}

func (r *DeploymentRepository) UpdateWatermark(ctx context.Context, deploymentID int64, watermark int64) error {
	query := `UPDATE deployments SET watermark = $1 WHERE id = $2`

	if _, err := r.db.Exec(ctx, query, watermark, deploymentID); err != nil {
		return fmt.Errorf("failed to update deployment watermark: %w", err)
	}
	return nil
}

func (r *DeploymentRepository) SaveArtifact(ctx context.Context, a *domain.Artifact) (*domain.Artifact, error) {
	query := `
		INSERT INTO deployment_artifacts (deployment_id, path, size, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (deployment_id)
		DO UPDATE SET path = EXCLUDED.path, size = EXCLUDED.size, checksum = EXCLUDED.checksum
		RETURNING id, created_at
	`

	now := time.Now().UTC()
	if err := r.db.QueryRow(ctx, query,
		a.DeploymentID,
		a.Path,
		a.Size,
		a.Checksum,
		now,
	).Scan(&a.ID, &a.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to save artifact: %w", err)
	}

	return a, nil
}

func (r *DeploymentRepository) GetArtifact(ctx context.Context, deploymentID int64) (*domain.Artifact, error) {
	query := `
		SELECT id, deployment_id, path, size, checksum, created_at
		FROM deployment_artifacts
		WHERE deployment_id = $1
	`

	var a domain.Artifact
	if err := r.db.QueryRow(ctx, query, deploymentID).Scan(
		&a.ID,
		&a.DeploymentID,
		&a.Path,
		&a.Size,
		&a.Checksum,
		&a.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: deployment %d has no artifact", domain.ErrArtifactMissing, deploymentID)
		}
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}

	return &a, nil
}

func (r *DeploymentRepository) ListArtifactPaths(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT path FROM deployment_artifacts`)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan artifact path: %w", err)
		}
		paths = append(paths, p)
	}

	return paths, rows.Err()
}

func (r *DeploymentRepository) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id FROM deployments
		WHERE finished_at IS NOT NULL AND finished_at < $1
		ORDER BY finished_at ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query finished deployments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deployment id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
