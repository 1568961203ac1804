package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ouyangCL/remote-build/internal/domain"
)

type ServerGroupRepository struct {
	db *pgxpool.Pool
}

func NewServerGroupRepository(db *pgxpool.Pool) domain.ServerGroupRepository {
	return &ServerGroupRepository{db: db}
}

func (r *ServerGroupRepository) GetByID(ctx context.Context, groupID int64) (*domain.ServerGroup, error) {
	groups, err := r.ListByIDs(ctx, []int64{groupID})
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, domain.ErrServerGroupNotFound
	}
	return &groups[0], nil
}

func (r *ServerGroupRepository) ListByIDs(ctx context.Context, groupIDs []int64) ([]domain.ServerGroup, error) {
	query := `
		SELECT
			g.id,
			g.name,
			g.environment,
			s.id,
			s.name,
			s.host,
			s.port,
			s.username,
			s.auth_method,
			s.credential_ref,
			s.deploy_path,
			s.environment,
			s.active
		FROM server_groups g
		LEFT JOIN servers s ON s.group_id = g.id
		WHERE g.id = ANY($1)
		ORDER BY g.id, s.id
	`

	rows, err := r.db.Query(ctx, query, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query server groups: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*domain.ServerGroup)
	var order []int64

	for rows.Next() {
		var g domain.ServerGroup
		var (
			serverID   *int64
			serverName *string
			host       *string
			port       *int
			username   *string
			authMethod *domain.AuthMethod
			credRef    *string
			deployPath *string
			serverEnv  *domain.Environment
			active     *bool
		)

		if err := rows.Scan(
			&g.ID,
			&g.Name,
			&g.Environment,
			&serverID,
			&serverName,
			&host,
			&port,
			&username,
			&authMethod,
			&credRef,
			&deployPath,
			&serverEnv,
			&active,
		); err != nil {
			return nil, fmt.Errorf("failed to scan server group: %w", err)
		}

		group, seen := byID[g.ID]
		if !seen {
			group = &domain.ServerGroup{ID: g.ID, Name: g.Name, Environment: g.Environment}
			byID[g.ID] = group
			order = append(order, g.ID)
		}

		if serverID != nil {
			group.Servers = append(group.Servers, domain.Server{
				ID:            *serverID,
				Name:          *serverName,
				Host:          *host,
				Port:          *port,
				Username:      *username,
				AuthMethod:    *authMethod,
				CredentialRef: *credRef,
				DeployPath:    *deployPath,
				Environment:   *serverEnv,
				Active:        *active,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make([]domain.ServerGroup, 0, len(order))
	for _, id := range order {
		groups = append(groups, *byID[id])
	}
	return groups, nil
}

// CredentialRepository resolves an opaque credential reference into the
// stored secret. Encryption at rest is out of scope here; the column is
// expected to hold whatever an external secret manager put there.
type CredentialRepository struct {
	db *pgxpool.Pool
}

func NewCredentialRepository(db *pgxpool.Pool) domain.CredentialProvider {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) Resolve(ctx context.Context, ref string) (string, error) {
	var secret string
	err := r.db.QueryRow(ctx, `SELECT secret FROM credentials WHERE ref = $1`, ref).Scan(&secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("unknown credential reference %q", ref)
		}
		return "", fmt.Errorf("failed to resolve credential: %w", err)
	}
	return secret, nil
}
