package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-browser-bridge/internal/audit"
	"go.uber.org/zap"
)

var auditColumns = []string{
	"id", "trace_id", "kind", "user_id", "agent_id", "request_id",
	"capability", "status", "payload", "error", "duration_ms", "timestamp",
}

// WriteBatch пишет пачку событий аудита через COPY.
func (s *Store) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for _, e := range events {
		var payload []byte
		if e.Payload != nil {
			var err error
			if payload, err = json.Marshal(e.Payload); err != nil {
				return fmt.Errorf("postgres: marshal audit payload %s: %w", e.ID, err)
			}
		}
		rows = append(rows, []any{
			e.ID, e.TraceID, string(e.Kind), e.UserID, e.AgentID, e.RequestID,
			e.Capability, e.Status, payload, e.Error, e.DurationMs, e.Timestamp,
		})
	}

	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"audit_logs"}, auditColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("postgres: copy audit events: %w", err)
	}
	if int(n) != len(events) {
		s.logger.Warn("Часть событий аудита не записана", zap.Int64("written", n), zap.Int("batch", len(events)))
	}
	return nil
}
