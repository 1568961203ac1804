package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ouyangCL/remote-build/internal/domain"
)

type LogRepository struct {
	db *pgxpool.Pool
}

func NewLogRepository(db *pgxpool.Pool) domain.LogRepository {
	return &LogRepository{db: db}
}

// Append stores one entry under its sink-assigned id. The composite
// primary key (deployment_id, id) makes duplicate emission impossible.
func (r *LogRepository) Append(ctx context.Context, entry *domain.LogEntry) error {
	query := `
		INSERT INTO deployment_logs (deployment_id, id, level, content, ts)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := r.db.Exec(ctx, query,
		entry.DeploymentID,
		entry.ID,
		entry.Level,
		entry.Content,
		entry.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to append deployment log: %w", err)
	}
	return nil
}

func (r *LogRepository) ListSince(ctx context.Context, deploymentID, afterID int64, limit int) ([]domain.LogEntry, error) {
	query := `
		SELECT deployment_id, id, level, content, ts
		FROM deployment_logs
		WHERE deployment_id = $1 AND id > $2
		ORDER BY id ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.Query(ctx, query, deploymentID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.DeploymentID, &e.ID, &e.Level, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan deployment log: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *LogRepository) DeleteByDeployment(ctx context.Context, deploymentID int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM deployment_logs WHERE deployment_id = $1`, deploymentID); err != nil {
		return fmt.Errorf("failed to delete deployment logs: %w", err)
	}
	return nil
}
