package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

func (o *Orchestrator) handleMessage(ctx context.Context, s *session, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		o.reply(ctx, s, errorOut{Type: MsgError, Error: "malformed message"})
		return
	}

	switch env.Type {
	case MsgAuthenticate:
		o.handleAuthenticate(ctx, s, data)
	case MsgDashboardConnect:
		o.handleDashboardConnect(ctx, s, data)
	case MsgPong:
		s.touch(o.now())
	case MsgHeartbeat:
		o.handleHeartbeat(ctx, s)
	case MsgCommandResult:
		o.handleCommandResult(ctx, s, data)
	default:
		if telemetryTypes[env.Type] {
			o.handleTelemetry(ctx, s, env.Type, data)
			return
		}
		o.logger.Debug("Неизвестный тип сообщения", zap.String("type", env.Type), zap.String("session", s.id))
	}
}

func (o *Orchestrator) handleAuthenticate(ctx context.Context, s *session, data []byte) {
	var msg authenticateMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.ExtensionID == "" || msg.UserID == "" {
		o.reply(ctx, s, errorOut{Type: MsgAuthError, Error: "extension_id and user_id are required"})
		return
	}
	if s.role == roleDashboard {
		o.reply(ctx, s, errorOut{Type: MsgAuthError, Error: "dashboard session cannot authenticate as extension"})
		return
	}

	ok, err := o.deps.Pairings.ValidatePairing(ctx, msg.ExtensionID, msg.UserID, msg.PairingToken)
	if err != nil {
		o.logger.Error("Проверка pairing не удалась",
			zap.String("extension_id", msg.ExtensionID), zap.String("user_id", msg.UserID), zap.Error(err))
		o.reply(ctx, s, errorOut{Type: MsgAuthError, Error: "pairing check unavailable"})
		return
	}
	if !ok {
		o.logger.Warn("Отказ в аутентификации расширения",
			zap.String("extension_id", msg.ExtensionID), zap.String("user_id", msg.UserID), zap.String("remote", s.remote))
		o.reply(ctx, s, errorOut{Type: MsgAuthError, Error: "unknown or inactive pairing"})
		return
	}

	// Повторная аутентификация той же сессии под другим ключом снимает старую запись.
	if s.role == roleExtension && s.key() != (connKey{userID: msg.UserID, extensionID: msg.ExtensionID}) {
		o.unregister(s)
		o.register(s)
	}

	s.touch(o.now())
	o.promoteExtension(s, msg.UserID, msg.ExtensionID)
	o.reply(ctx, s, authSuccessOut{Type: MsgAuthSuccess, Role: roleExtension.String(), UserID: msg.UserID, ExtensionID: msg.ExtensionID})
	o.logger.Info("Расширение аутентифицировано",
		zap.String("extension_id", msg.ExtensionID), zap.String("user_id", msg.UserID))
}

func (o *Orchestrator) handleDashboardConnect(ctx context.Context, s *session, data []byte) {
	var msg dashboardConnectMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Token == "" {
		o.reply(ctx, s, errorOut{Type: MsgAuthError, Error: "token is required"})
		return
	}
	if s.role != roleUnauthenticated {
		o.reply(ctx, s, errorOut{Type: MsgAuthError, Error: "session already authenticated"})
		return
	}
	if o.deps.Dashboard == nil {
		o.reply(ctx, s, errorOut{Type: MsgAuthError, Error: "dashboard auth disabled"})
		return
	}
	claims, err := o.deps.Dashboard.VerifyToken(msg.Token)
	if err != nil || claims.UserID == "" {
		o.logger.Warn("Отказ в подключении дашборда", zap.Error(err), zap.String("remote", s.remote))
		o.reply(ctx, s, errorOut{Type: MsgAuthError, Error: "invalid token"})
		return
	}

	s.touch(o.now())
	o.promoteDashboard(s, claims.UserID)
	o.reply(ctx, s, authSuccessOut{Type: MsgAuthSuccess, Role: roleDashboard.String(), UserID: claims.UserID})
}

func (o *Orchestrator) handleHeartbeat(ctx context.Context, s *session) {
	now := o.now()
	s.touch(now)
	o.reply(ctx, s, clockOut{Type: MsgHeartbeatAck, Timestamp: now})

	if s.role != roleExtension {
		return
	}
	if err := o.deps.Pairings.TouchLastSeen(ctx, s.extensionID, s.userID); err != nil {
		o.logger.Warn("Не удалось обновить last_seen",
			zap.String("extension_id", s.extensionID), zap.String("user_id", s.userID), zap.Error(err))
	}
}

// handleCommandResult сохраняет результат и ретранслирует его дашбордам,
// только если он не отброшен как дубликат.
func (o *Orchestrator) handleCommandResult(ctx context.Context, s *session, data []byte) {
	if s.role != roleExtension {
		o.reply(ctx, s, errorOut{Type: MsgError, Error: "not authenticated"})
		return
	}
	s.touch(o.now())

	var msg commandResultMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.RequestID == "" || !msg.Status.Valid() {
		o.logger.Warn("Некорректный command_result",
			zap.String("extension_id", s.extensionID), zap.Error(err), zap.String("status", string(msg.Status)))
		o.reply(ctx, s, errorOut{Type: MsgError, Error: "invalid command_result"})
		return
	}

	res := domain.CommandResult{
		RequestID: msg.RequestID,
		Status:    msg.Status,
		Error:     msg.Error,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Result) > 0 {
		var v interface{}
		if err := json.Unmarshal(msg.Result, &v); err == nil {
			res.Result = v
		}
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = o.now().UTC()
	}

	stored, err := o.deps.Results.SaveCommandResult(ctx, s.userID, res)
	if err != nil {
		o.logger.Error("Не удалось сохранить результат",
			zap.String("request_id", res.RequestID), zap.String("user_id", s.userID), zap.Error(err))
		return
	}
	if !stored {
		o.logger.Info("Дубликат результата отброшен",
			zap.String("request_id", res.RequestID),
			zap.String("status", string(res.Status)),
			zap.String("extension_id", s.extensionID),
		)
		return
	}

	o.deps.Observer.ResultStored(s.userID, res)
	o.fanOut(ctx, s.userID, o.dashboardsOf(s.userID), resultOut{Type: MsgCommandResult, ExtensionID: s.extensionID, CommandResult: res})
}

func (o *Orchestrator) handleTelemetry(ctx context.Context, s *session, kind string, data []byte) {
	if s.role != roleExtension {
		return
	}
	s.touch(o.now())
	o.deps.Observer.Telemetry(s.userID, kind)
	o.logger.Debug("Телеметрия",
		zap.String("type", kind),
		zap.String("extension_id", s.extensionID),
		zap.Int("bytes", len(data)),
	)
	o.fanOut(ctx, s.userID, o.dashboardsOf(s.userID), telemetryOut{Type: kind, ExtensionID: s.extensionID, Payload: json.RawMessage(data)})
}

func (o *Orchestrator) reply(ctx context.Context, s *session, msg interface{}) {
	if err := s.send(ctx, o.cfg.WriteTimeout, msg); err != nil {
		o.logger.Debug("Ответ не доставлен", zap.String("session", s.id), zap.Error(fmt.Errorf("%T: %w", msg, err)))
	}
}
