package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

// GetUserPermissions отдает все разрешения пользователя, включая неактивные:
// фильтрацию по активности и сроку делает компилятор.
func (s *Store) GetUserPermissions(ctx context.Context, userID string) ([]domain.Permission, error) {
	query := `
		SELECT user_id, agent_id, scope, domain, autonomy_level, is_active, expires_at
		FROM agent_permissions
		WHERE user_id = $1`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query permissions: %w", err)
	}
	defer rows.Close()

	perms := make([]domain.Permission, 0)
	for rows.Next() {
		var (
			p         domain.Permission
			dom       *string
			level     string
			expiresAt *time.Time
		)
		if err := rows.Scan(&p.UserID, &p.AgentID, &p.Scope, &dom, &level, &p.IsActive, &expiresAt); err != nil {
			return nil, fmt.Errorf("postgres: scan permission: %w", err)
		}
		if dom != nil {
			p.Domain = *dom
		}
		p.AutonomyLevel = domain.AutonomyLevel(level)
		p.ExpiresAt = expiresAt
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return perms, nil
}

// HasOAuthToken: есть ли у пользователя живой токен провайдера.
func (s *Store) HasOAuthToken(ctx context.Context, userID, provider string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM oauth_tokens
			WHERE user_id = $1 AND provider = $2
			  AND revoked_at IS NULL
			  AND (expires_at IS NULL OR expires_at > NOW())
		)`

	var ok bool
	if err := s.pool.QueryRow(ctx, query, userID, provider).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: check oauth token: %w", err)
	}
	return ok, nil
}
