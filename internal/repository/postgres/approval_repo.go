package postgres

/*
Очередь подтверждений (human-in-the-loop): команды, которые компилятор не может
отправить без решения владельца.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

const approvalColumns = `id, user_id, task_id, command, reason, status, reviewer_id, comment, created_at, updated_at`

func scanApproval(row pgx.Row) (*domain.ApprovalRequest, error) {
	var (
		app     domain.ApprovalRequest
		command []byte
		status  string
	)
	err := row.Scan(
		&app.ID, &app.UserID, &app.TaskID, &command, &app.Reason, &status,
		&app.ReviewerID, &app.Comment, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	app.Status = domain.ApprovalStatus(status)
	if err := json.Unmarshal(command, &app.Command); err != nil {
		return nil, fmt.Errorf("decode approval command: %w", err)
	}
	return &app, nil
}

func (s *Store) CreateApproval(ctx context.Context, app *domain.ApprovalRequest) error {
	command, err := json.Marshal(app.Command)
	if err != nil {
		return fmt.Errorf("postgres: marshal approval command: %w", err)
	}
	query := `
		INSERT INTO approvals (id, user_id, task_id, command, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.pool.Exec(ctx, query, app.ID, app.UserID, app.TaskID, command, app.Reason, string(app.Status))
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	app, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrApprovalNotFound
		}
		return nil, fmt.Errorf("postgres: load approval: %w", err)
	}
	return app, nil
}

// ListApprovals: очередь решений пользователя. Пустой status — все статусы.
func (s *Store) ListApprovals(ctx context.Context, userID string, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT 100"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		app, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		results = append(results, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// DecideApproval атомарно переводит заявку из PENDING. Условие на статус и
// владельца стоит в самом UPDATE, так что двойное решение невозможно.
// При промахе заявка перечитывается, чтобы вернуть точную причину.
func (s *Store) DecideApproval(ctx context.Context, id, userID string, status domain.ApprovalStatus, comment string) (*domain.ApprovalRequest, error) {
	if status == domain.StatusPending {
		return nil, domain.ErrInvalidTransition
	}
	query := `
		UPDATE approvals
		SET status = $1, reviewer_id = $2, comment = $3, updated_at = NOW()
		WHERE id = $4 AND user_id = $2 AND status = 'PENDING'
		RETURNING ` + approvalColumns

	app, err := scanApproval(s.pool.QueryRow(ctx, query, string(status), userID, comment, id))
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: update approval: %w", err)
	}

	current, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.UserID != userID {
		return nil, domain.ErrNotApprovalOwner
	}
	return nil, domain.ErrAlreadyProcessed
}
