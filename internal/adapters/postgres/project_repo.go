package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ouyangCL/remote-build/internal/domain"
)

type ProjectRepository struct {
	db *pgxpool.Pool
}

func NewProjectRepository(db *pgxpool.Pool) domain.ProjectRepository {
	return &ProjectRepository{db: db}
}

const projectColumns = `
	id,
	name,
	kind,
	repo_url,
	environment,
	git_auth_method,
	git_username,
	git_credential_ref,
	build_command,
	install_command,
	auto_install,
	output_dir,
	restart_script,
	restart_only_script,
	health_check,
	created_at
`

func (r *ProjectRepository) GetByID(ctx context.Context, projectID int64) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p, err := scanProject(r.db.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	return p, nil
}

func (r *ProjectRepository) List(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY name ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan projects: %w", err)
		}
		projects = append(projects, *p)
	}

	return projects, rows.Err()
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Kind,
		&p.RepoURL,
		&p.Environment,
		&p.GitAuthMethod,
		&p.GitUsername,
		&p.GitCredentialRef,
		&p.BuildCommand,
		&p.InstallCommand,
		&p.AutoInstall,
		&p.OutputDir,
		&p.RestartScript,
		&p.RestartOnlyScript,
		&p.HealthCheck,
		&p.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}
