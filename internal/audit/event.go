package audit

import "time"

// Kind: что именно произошло с командой.
type Kind string

const (
	KindTask     Kind = "task"
	KindDispatch Kind = "dispatch"
	KindApproval Kind = "approval"
	KindResult   Kind = "result"
)

type Event struct {
	ID         string                 `json:"id"`       // UUID события
	TraceID    string                 `json:"trace_id"` // Сквозной ID запроса (task_id)
	Kind       Kind                   `json:"kind"`
	UserID     string                 `json:"user_id"`
	AgentID    string                 `json:"agent_id"`
	RequestID  string                 `json:"request_id"`
	Capability string                 `json:"capability"`
	Payload    map[string]interface{} `json:"payload"`

	Status     string    `json:"status"`
	Error      string    `json:"error"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
