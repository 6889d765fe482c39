package domain

import "time"

// CommandTTL: срок жизни подписанной команды. Единственный механизм отсечения.
const CommandTTL = 5 * time.Minute

// Command: инструкция для поверхности исполнения (браузера пользователя).
type Command struct {
	RequestID  string                 `json:"request_id"`
	AgentID    string                 `json:"agent_id"`
	Capability string                 `json:"capability"`
	Args       map[string]interface{} `json:"args"`
	IssuedAt   time.Time              `json:"issued_at"`
	ExpiresAt  time.Time              `json:"expiry"`
	Signature  string                 `json:"signature,omitempty"`
}

// PendingCommand: скомпилированная, но еще не подписанная команда.
type PendingCommand struct {
	Command
	RequiresApproval bool   `json:"requires_approval"`
	StepIndex        int    `json:"step_index"`
	Reason           string `json:"reason,omitempty"` // Почему нужен апрув
}

type ResultStatus string

const (
	ResultQueued   ResultStatus = "queued"
	ResultSuccess  ResultStatus = "success"
	ResultFailed   ResultStatus = "failed"
	ResultRejected ResultStatus = "rejected"
)

// Terminal: финальные статусы. queued может быть перезаписан финальным, финальный — нет.
func (s ResultStatus) Terminal() bool {
	return s == ResultSuccess || s == ResultFailed || s == ResultRejected
}

func (s ResultStatus) Valid() bool {
	return s == ResultQueued || s.Terminal()
}

// CommandResult приходит асинхронно и сопоставляется с Command только по RequestID.
type CommandResult struct {
	RequestID string       `json:"request_id"`
	Status    ResultStatus `json:"status"`
	Result    interface{}  `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
