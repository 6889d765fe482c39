package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/spaceai-browser-bridge/internal/audit"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return New(mock, zaptest.NewLogger(t)), mock
}

func strPtr(s string) *string { return &s }

func TestStore_GetUserPermissions(t *testing.T) {
	s, mock := newMockStore(t)
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"user_id", "agent_id", "scope", "domain", "autonomy_level", "is_active", "expires_at"}).
		AddRow("u1", "a1", "browser.navigate", (*string)(nil), "autonomous", true, (*time.Time)(nil)).
		AddRow("u1", "a1", "email.send", strPtr("mail.google.com"), "confirm", true, &exp)
	mock.ExpectQuery("FROM agent_permissions").WithArgs("u1").WillReturnRows(rows)

	perms, err := s.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.Equal(t, domain.AutonomyAutonomous, perms[0].AutonomyLevel)
	assert.Empty(t, perms[0].Domain)
	assert.Nil(t, perms[0].ExpiresAt)
	assert.Equal(t, "mail.google.com", perms[1].Domain)
	require.NotNil(t, perms[1].ExpiresAt)
	assert.True(t, exp.Equal(*perms[1].ExpiresAt))
}

func TestStore_GetUserPermissionsError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM agent_permissions").WithArgs("u1").WillReturnError(errors.New("conn reset"))

	_, err := s.GetUserPermissions(context.Background(), "u1")
	assert.ErrorContains(t, err, "conn reset")
}

func TestStore_HasOAuthToken(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM oauth_tokens").WithArgs("u1", "google").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasOAuthToken(context.Background(), "u1", "google")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ValidatePairing(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("tok-a"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		rows  *pgxmock.Rows
		want  bool
	}{
		{"valid", "tok-a", pgxmock.NewRows([]string{"token_hash"}).AddRow(string(hash)), true},
		{"wrong token", "tok-b", pgxmock.NewRows([]string{"token_hash"}).AddRow(string(hash)), false},
		{"unknown pairing", "tok-a", pgxmock.NewRows([]string{"token_hash"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery("FROM extension_pairings").WithArgs("ext-a", "u1").WillReturnRows(tt.rows)

			ok, err := s.ValidatePairing(context.Background(), "ext-a", "u1", tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestStore_ValidatePairingStoreError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM extension_pairings").WithArgs("ext-a", "u1").WillReturnError(errors.New("timeout"))

	ok, err := s.ValidatePairing(context.Background(), "ext-a", "u1", "tok")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestStore_TouchLastSeen(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE extension_pairings").WithArgs("ext-a", "u1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.TouchLastSeen(context.Background(), "ext-a", "u1"))
}

func TestStore_CreatePairingStoresOnlyHash(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO extension_pairings").
		WithArgs("ext-a", "u1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	token, err := s.CreatePairing(context.Background(), "ext-a", "u1")
	require.NoError(t, err)
	assert.Len(t, token, 43)
}

func TestStore_SaveCommandResult(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	res := domain.CommandResult{RequestID: "r1", Status: domain.ResultSuccess, Result: map[string]any{"ok": true}, Timestamp: ts}

	t.Run("stored", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("INSERT INTO command_results").
			WithArgs("r1", "u1", "success", []byte(`{"ok":true}`), "", ts).
			WillReturnRows(pgxmock.NewRows([]string{"request_id"}).AddRow("r1"))

		stored, err := s.SaveCommandResult(context.Background(), "u1", res)
		require.NoError(t, err)
		assert.True(t, stored)
	})

	t.Run("terminal already recorded", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("INSERT INTO command_results").
			WithArgs("r1", "u1", "success", pgxmock.AnyArg(), "", ts).
			WillReturnRows(pgxmock.NewRows([]string{"request_id"}))

		stored, err := s.SaveCommandResult(context.Background(), "u1", res)
		require.NoError(t, err)
		assert.False(t, stored)
	})

	t.Run("queued row of another user", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`WHERE command_results\.status = 'queued' AND EXCLUDED\.status <> 'queued'\s+AND command_results\.user_id = EXCLUDED\.user_id`).
			WithArgs("r1", "u2", "success", pgxmock.AnyArg(), "", ts).
			WillReturnRows(pgxmock.NewRows([]string{"request_id"}))

		stored, err := s.SaveCommandResult(context.Background(), "u2", res)
		require.NoError(t, err)
		assert.False(t, stored)
	})

	t.Run("database error", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("INSERT INTO command_results").WillReturnError(errors.New("disk full"))

		stored, err := s.SaveCommandResult(context.Background(), "u1", res)
		assert.Error(t, err)
		assert.False(t, stored)
	})
}

func TestStore_GetCommandResultMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM command_results").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"request_id", "status", "result", "error", "recorded_at"}))

	res, err := s.GetCommandResult(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, res)
}

var approvalCols = []string{"id", "user_id", "task_id", "command", "reason", "status", "reviewer_id", "comment", "created_at", "updated_at"}

func approvalRow(rows *pgxmock.Rows, id, userID string, status domain.ApprovalStatus) *pgxmock.Rows {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cmd := []byte(`{"request_id":"r1","agent_id":"a1","capability":"email_send_api","args":{"to":["a@x.io"]}}`)
	return rows.AddRow(id, userID, "t1", cmd, "sensitive capability email_send_api", string(status),
		(*string)(nil), (*string)(nil), now, now)
}

func TestStore_CreateApproval(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO approvals").
		WithArgs("ap1", "u1", "t1", pgxmock.AnyArg(), "reason", "PENDING").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateApproval(context.Background(), &domain.ApprovalRequest{
		ID: "ap1", UserID: "u1", TaskID: "t1", Reason: "reason", Status: domain.StatusPending,
		Command: domain.Command{RequestID: "r1"},
	})
	require.NoError(t, err)
}

func TestStore_ListApprovals(t *testing.T) {
	s, mock := newMockStore(t)
	rows := approvalRow(pgxmock.NewRows(approvalCols), "ap1", "u1", domain.StatusPending)
	mock.ExpectQuery("FROM approvals").WithArgs("u1", "PENDING").WillReturnRows(rows)

	list, err := s.ListApprovals(context.Background(), "u1", domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "email_send_api", list[0].Command.Capability)
	assert.Equal(t, domain.StatusPending, list[0].Status)
	assert.Nil(t, list[0].ReviewerID)
}

func TestStore_DecideApproval(t *testing.T) {
	t.Run("approved", func(t *testing.T) {
		s, mock := newMockStore(t)
		rows := approvalRow(pgxmock.NewRows(approvalCols), "ap1", "u1", domain.StatusApproved)
		mock.ExpectQuery("UPDATE approvals").WithArgs("APPROVED", "u1", "ok", "ap1").WillReturnRows(rows)

		app, err := s.DecideApproval(context.Background(), "ap1", "u1", domain.StatusApproved, "ok")
		require.NoError(t, err)
		assert.Equal(t, "r1", app.Command.RequestID)
	})

	t.Run("already processed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE approvals").WillReturnRows(pgxmock.NewRows(approvalCols))
		mock.ExpectQuery("FROM approvals").WithArgs("ap1").
			WillReturnRows(approvalRow(pgxmock.NewRows(approvalCols), "ap1", "u1", domain.StatusRejected))

		_, err := s.DecideApproval(context.Background(), "ap1", "u1", domain.StatusApproved, "")
		assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	})

	t.Run("foreign approval", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE approvals").WillReturnRows(pgxmock.NewRows(approvalCols))
		mock.ExpectQuery("FROM approvals").WithArgs("ap1").
			WillReturnRows(approvalRow(pgxmock.NewRows(approvalCols), "ap1", "u2", domain.StatusPending))

		_, err := s.DecideApproval(context.Background(), "ap1", "u1", domain.StatusApproved, "")
		assert.ErrorIs(t, err, domain.ErrNotApprovalOwner)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE approvals").WillReturnRows(pgxmock.NewRows(approvalCols))
		mock.ExpectQuery("FROM approvals").WithArgs("ap1").WillReturnRows(pgxmock.NewRows(approvalCols))

		_, err := s.DecideApproval(context.Background(), "ap1", "u1", domain.StatusApproved, "")
		assert.ErrorIs(t, err, domain.ErrApprovalNotFound)
	})

	t.Run("back to pending", func(t *testing.T) {
		s, _ := newMockStore(t)
		_, err := s.DecideApproval(context.Background(), "ap1", "u1", domain.StatusPending, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestStore_WriteBatch(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectCopyFrom(pgx.Identifier{"audit_logs"}, auditColumns).WillReturnResult(2)

	err := s.WriteBatch(context.Background(), []audit.Event{
		{ID: "e1", Kind: audit.KindDispatch, Payload: map[string]interface{}{"delivered": 1}},
		{ID: "e2", Kind: audit.KindResult},
	})
	require.NoError(t, err)

	// пустая пачка в базу не ходит
	require.NoError(t, s.WriteBatch(context.Background(), nil))
}

func TestStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS agent_permissions").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, s.Migrate(context.Background()))
}
