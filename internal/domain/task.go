package domain

// TaskRequest описывает запрос нанятого агента: текст на естественном языке и контекст страницы.
type TaskRequest struct {
	TaskID      string       `json:"task_id"`
	UserID      string       `json:"user_id"`
	AgentID     string       `json:"agent_id"`
	AgentType   string       `json:"agent_type"`
	Text        string       `json:"text"`
	PageContext *PageContext `json:"page_context,omitempty"`
}

type PageContext struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text,omitempty"`
}

type DispatchStatus string

const (
	DispatchSent             DispatchStatus = "dispatched"
	DispatchExecuted         DispatchStatus = "executed" // native_api: исполнено мостом
	DispatchFailed           DispatchStatus = "failed"
	DispatchAwaitingApproval DispatchStatus = "awaiting_approval"
)

// CommandOutcome: судьба одной команды плана на момент ответа.
type CommandOutcome struct {
	RequestID        string         `json:"request_id"`
	Capability       string         `json:"capability"`
	RequiresApproval bool           `json:"requires_approval"`
	ApprovalID       string         `json:"approval_id,omitempty"`
	Status           DispatchStatus `json:"status"`
	Error            string         `json:"error,omitempty"`
}

// TaskResult: структурированный ответ на вызов. Success=false только если упала
// компиляция или агент заблокирован: ошибки отдельных команд лежат в Commands.
type TaskResult struct {
	TaskID   string           `json:"task_id"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
	Plan     *Plan            `json:"plan,omitempty"`
	Commands []CommandOutcome `json:"commands,omitempty"`
}
