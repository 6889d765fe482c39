package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

// SaveCommandResult пишет результат по правилу "первый финальный побеждает":
// queued может быть перезаписан финальным статусом, финальный — ничем.
// Условие живет в самом UPSERT, поэтому гонка двух поверхностей решается базой.
// Чужой пользователь не может перезаписать даже queued.
func (s *Store) SaveCommandResult(ctx context.Context, userID string, res domain.CommandResult) (bool, error) {
	var payload []byte
	if res.Result != nil {
		var err error
		if payload, err = json.Marshal(res.Result); err != nil {
			return false, fmt.Errorf("postgres: marshal result: %w", err)
		}
	}
	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO command_results (request_id, user_id, status, result, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO UPDATE
		SET status = EXCLUDED.status,
		    result = EXCLUDED.result,
		    error = EXCLUDED.error,
		    recorded_at = EXCLUDED.recorded_at
		WHERE command_results.status = 'queued' AND EXCLUDED.status <> 'queued'
		  AND command_results.user_id = EXCLUDED.user_id
		RETURNING request_id`

	var id string
	err := s.pool.QueryRow(ctx, query, res.RequestID, userID, string(res.Status), payload, res.Error, ts).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: save command result: %w", err)
	}
	return true, nil
}

// GetCommandResult: последний сохраненный результат команды.
func (s *Store) GetCommandResult(ctx context.Context, requestID string) (*domain.CommandResult, error) {
	query := `SELECT request_id, status, result, error, recorded_at FROM command_results WHERE request_id = $1`

	var (
		res     domain.CommandResult
		status  string
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query, requestID).Scan(&res.RequestID, &status, &payload, &res.Error, &res.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load command result: %w", err)
	}
	res.Status = domain.ResultStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res.Result); err != nil {
			return nil, fmt.Errorf("postgres: decode result: %w", err)
		}
	}
	return &res, nil
}
