package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

// Типы сообщений протокола. Конверт всегда {"type": ..., ...}.
const (
	// Входящие
	MsgAuthenticate     = "authenticate"
	MsgDashboardConnect = "dashboard_connect"
	MsgPong             = "pong"
	MsgHeartbeat        = "heartbeat"
	MsgCommandResult    = "command_result"

	// Телеметрия от расширения
	MsgPageContextUpdate     = "page_context_update"
	MsgSmartElementFound     = "smart_element_found"
	MsgAutomationOpportunity = "automation_opportunity"
	MsgTaskResult            = "task_result"

	// Исходящие
	MsgPing         = "ping"
	MsgAuthSuccess  = "auth_success"
	MsgAuthError    = "auth_error"
	MsgCommand      = "command"
	MsgAICommand    = "ai_command"
	MsgHeartbeatAck = "heartbeat_ack"
	MsgError        = "error"
)

var telemetryTypes = map[string]bool{
	MsgPageContextUpdate:     true,
	MsgSmartElementFound:     true,
	MsgAutomationOpportunity: true,
	MsgTaskResult:            true,
}

type envelope struct {
	Type string `json:"type"`
}

type authenticateMsg struct {
	ExtensionID  string `json:"extension_id"`
	UserID       string `json:"user_id"`
	PairingToken string `json:"pairing_token"`
}

type dashboardConnectMsg struct {
	Token string `json:"token"`
}

type commandResultMsg struct {
	RequestID string              `json:"request_id"`
	Status    domain.ResultStatus `json:"status"`
	Result    json.RawMessage     `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

type commandOut struct {
	Type          string `json:"type"`
	SignedCommand string `json:"signed_command"`
	RequestID     string `json:"request_id"`
}

type aiCommandOut struct {
	Type    string      `json:"type"`
	Command interface{} `json:"command"`
}

type authSuccessOut struct {
	Type        string `json:"type"`
	Role        string `json:"role"`
	UserID      string `json:"user_id"`
	ExtensionID string `json:"extension_id,omitempty"`
}

type errorOut struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type clockOut struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type resultOut struct {
	Type        string `json:"type"`
	ExtensionID string `json:"extension_id"`
	domain.CommandResult
}

type telemetryOut struct {
	Type        string          `json:"type"`
	ExtensionID string          `json:"extension_id"`
	Payload     json.RawMessage `json:"payload"`
}
