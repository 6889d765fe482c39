package engine

/*
TaskService — конвейер одной задачи агента: kill-switch -> план -> компиляция ->
последовательная отправка команд. Команды, требующие подтверждения, не подписываются
и не уходят в браузер: они ложатся в очередь approvals и ждут решения владельца.
Capability с путем native_api браузеру не отправляются, их исполняет NativeExecutor.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/audit"
	"github.com/xela07ax/spaceai-browser-bridge/internal/capability"
	"github.com/xela07ax/spaceai-browser-bridge/internal/compiler"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"github.com/xela07ax/spaceai-browser-bridge/internal/planner"
)

var (
	ErrInvalidTask  = errors.New("engine: invalid task request")
	ErrAgentBlocked = errors.New("engine: agent is blocked by kill switch")
)

const (
	reasonPlanFlagged   = "plan flagged for approval"
	reasonEarlierHeld   = "follows a step awaiting approval"
	reasonNoConnections = "no authenticated browser connection"
)

type TaskPlanner interface {
	Plan(ctx context.Context, req planner.PlanRequest) domain.Plan
}

type CommandCompiler interface {
	Compile(ctx context.Context, req compiler.CompileRequest) ([]domain.PendingCommand, error)
}

// CommandDispatcher подписывает и отправляет команду во все браузеры пользователя.
type CommandDispatcher interface {
	SendCommand(ctx context.Context, userID string, cmd domain.Command) (bool, error)
}

type ApprovalStore interface {
	CreateApproval(ctx context.Context, app *domain.ApprovalRequest) error
	ListApprovals(ctx context.Context, userID string, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error)
	DecideApproval(ctx context.Context, id, userID string, status domain.ApprovalStatus, comment string) (*domain.ApprovalRequest, error)
}

type AgentGuard interface {
	IsBlocked(agentID string) bool
}

// NativeExecutor исполняет команду через API провайдера, без браузера.
type NativeExecutor interface {
	Execute(ctx context.Context, userID string, cmd domain.Command) (interface{}, error)
}

type CapabilityLookup interface {
	Get(id string) (capability.Capability, bool)
}

// ResultRecorder: то же хранилище результатов, куда пишет оркестратор.
type ResultRecorder interface {
	SaveCommandResult(ctx context.Context, userID string, res domain.CommandResult) (bool, error)
}

type TaskConfig struct {
	// DispatchDelay: пауза между командами одного плана. 0 — 500ms, <0 — без паузы.
	DispatchDelay time.Duration `mapstructure:"dispatch_delay"`
}

type TaskDeps struct {
	Planner    TaskPlanner
	Compiler   CommandCompiler
	Dispatcher CommandDispatcher
	Approvals  ApprovalStore
	Guard      AgentGuard
	Auditor    audit.Auditor
	Metrics    *Metrics

	// Маршрутизация native_api. Без Capabilities все команды идут в Dispatcher.
	Capabilities CapabilityLookup
	Native       NativeExecutor
	Results      ResultRecorder
}

type TaskService struct {
	deps   TaskDeps
	delay  time.Duration
	logger *zap.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

func NewTaskService(cfg TaskConfig, deps TaskDeps, logger *zap.Logger) *TaskService {
	delay := cfg.DispatchDelay
	switch {
	case delay == 0:
		delay = 500 * time.Millisecond
	case delay < 0:
		delay = 0
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Auditor == nil {
		deps.Auditor = nopAuditor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskService{
		deps:   deps,
		delay:  delay,
		logger: logger.Named("tasks"),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

type nopAuditor struct{}

func (nopAuditor) Log(audit.Event) {}

// Execute прогоняет задачу целиком. Ошибка возвращается только для невалидного
// запроса; провал компиляции и блокировка агента — это TaskResult{Success: false}.
// Отправка не зависит от отмены ctx: клиент HTTP может уйти, план все равно доедет.
func (s *TaskService) Execute(ctx context.Context, req domain.TaskRequest) (domain.TaskResult, error) {
	if req.UserID == "" || req.AgentID == "" || req.Text == "" {
		return domain.TaskResult{}, fmt.Errorf("%w: user_id, agent_id and text are required", ErrInvalidTask)
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	started := s.now()
	log := s.logger.With(
		zap.String("task_id", req.TaskID),
		zap.String("user_id", req.UserID),
		zap.String("agent_id", req.AgentID),
	)

	if s.deps.Guard != nil && s.deps.Guard.IsBlocked(req.AgentID) {
		log.Warn("Задача заблокированного агента отклонена")
		s.deps.Metrics.TasksTotal.WithLabelValues("blocked").Inc()
		s.auditTask(req, "blocked", ErrAgentBlocked.Error())
		return domain.TaskResult{TaskID: req.TaskID, Error: ErrAgentBlocked.Error()}, nil
	}

	plan := s.deps.Planner.Plan(ctx, planner.PlanRequest{
		Text:        req.Text,
		AgentType:   req.AgentType,
		PageContext: req.PageContext,
	})
	s.deps.Metrics.PlansTotal.WithLabelValues(string(plan.Source)).Inc()

	pending, err := s.deps.Compiler.Compile(ctx, compiler.CompileRequest{
		UserID:  req.UserID,
		AgentID: req.AgentID,
		Plan:    plan,
	})
	if err != nil {
		log.Error("Компиляция плана не удалась", zap.Error(err))
		s.deps.Metrics.TasksTotal.WithLabelValues("failed").Inc()
		s.auditTask(req, "failed", err.Error())
		return domain.TaskResult{TaskID: req.TaskID, Error: err.Error(), Plan: &plan}, nil
	}

	dctx := context.WithoutCancel(ctx)
	outcomes := make([]domain.CommandOutcome, 0, len(pending))
	held := false
	sent := 0
	for _, pc := range pending {
		if !pc.RequiresApproval && (plan.RequiresApproval || held) {
			pc.RequiresApproval = true
			pc.Reason = reasonPlanFlagged
			if held {
				pc.Reason = reasonEarlierHeld
			}
		}

		if pc.RequiresApproval {
			held = true
			outcomes = append(outcomes, s.hold(dctx, req, pc))
			continue
		}

		if sent > 0 && s.delay > 0 {
			s.sleep(s.delay)
		}
		sent++
		outcomes = append(outcomes, s.dispatch(dctx, req.UserID, pc.Command))
	}

	s.deps.Metrics.DispatchDuration.Observe(s.now().Sub(started).Seconds())
	s.deps.Metrics.TasksTotal.WithLabelValues("ok").Inc()
	s.auditTask(req, "ok", "")
	log.Info("Задача обработана",
		zap.String("plan_source", string(plan.Source)),
		zap.Int("commands", len(outcomes)),
		zap.Bool("held", held),
	)
	return domain.TaskResult{TaskID: req.TaskID, Success: true, Plan: &plan, Commands: outcomes}, nil
}

func (s *TaskService) hold(ctx context.Context, req domain.TaskRequest, pc domain.PendingCommand) domain.CommandOutcome {
	out := domain.CommandOutcome{
		RequestID:        pc.RequestID,
		Capability:       pc.Capability,
		RequiresApproval: true,
		Status:           domain.DispatchAwaitingApproval,
	}
	s.deps.Metrics.ApprovalsRequired.Inc()

	app := &domain.ApprovalRequest{
		ID:      uuid.NewString(),
		UserID:  req.UserID,
		TaskID:  req.TaskID,
		Command: pc.Command,
		Reason:  pc.Reason,
		Status:  domain.StatusPending,
	}
	if err := s.deps.Approvals.CreateApproval(ctx, app); err != nil {
		s.logger.Error("Не удалось сохранить заявку на подтверждение",
			zap.String("request_id", pc.RequestID), zap.Error(err))
		out.Status = domain.DispatchFailed
		out.Error = "approval queue unavailable"
		s.deps.Metrics.CommandsTotal.WithLabelValues(pc.Capability, string(out.Status)).Inc()
		return out
	}
	out.ApprovalID = app.ID
	s.deps.Metrics.CommandsTotal.WithLabelValues(pc.Capability, string(out.Status)).Inc()
	s.deps.Auditor.Log(audit.Event{
		TraceID:    req.TaskID,
		Kind:       audit.KindApproval,
		UserID:     req.UserID,
		AgentID:    req.AgentID,
		RequestID:  pc.RequestID,
		Capability: pc.Capability,
		Status:     string(domain.StatusPending),
		Payload:    map[string]interface{}{"approval_id": app.ID, "reason": pc.Reason},
	})
	return out
}

func (s *TaskService) dispatch(ctx context.Context, userID string, cmd domain.Command) domain.CommandOutcome {
	if s.isNative(cmd.Capability) {
		return s.executeNative(ctx, userID, cmd)
	}
	out := domain.CommandOutcome{
		RequestID:  cmd.RequestID,
		Capability: cmd.Capability,
		Status:     domain.DispatchSent,
	}
	ok, err := s.deps.Dispatcher.SendCommand(ctx, userID, cmd)
	switch {
	case err != nil:
		out.Status, out.Error = domain.DispatchFailed, err.Error()
	case !ok:
		out.Status, out.Error = domain.DispatchFailed, reasonNoConnections
	}
	if out.Error != "" {
		s.logger.Warn("Команда не доставлена",
			zap.String("request_id", cmd.RequestID),
			zap.String("capability", cmd.Capability),
			zap.String("reason", out.Error))
	}
	s.deps.Metrics.CommandsTotal.WithLabelValues(cmd.Capability, string(out.Status)).Inc()
	return out
}

func (s *TaskService) isNative(capID string) bool {
	if s.deps.Capabilities == nil {
		return false
	}
	c, ok := s.deps.Capabilities.Get(capID)
	return ok && c.Path == capability.PathNativeAPI
}

// executeNative исполняет команду на стороне моста. Результат сразу финальный
// и пишется в хранилище результатов по тем же правилам, что и ответ браузера.
func (s *TaskService) executeNative(ctx context.Context, userID string, cmd domain.Command) domain.CommandOutcome {
	out := domain.CommandOutcome{
		RequestID:  cmd.RequestID,
		Capability: cmd.Capability,
		Status:     domain.DispatchExecuted,
	}
	res := domain.CommandResult{RequestID: cmd.RequestID, Status: domain.ResultSuccess}

	if s.deps.Native == nil {
		out.Error = fmt.Sprintf("no native executor for capability %s", cmd.Capability)
	} else if result, err := s.deps.Native.Execute(ctx, userID, cmd); err != nil {
		out.Error = err.Error()
	} else {
		res.Result = result
	}
	if out.Error != "" {
		out.Status = domain.DispatchFailed
		res.Status, res.Error = domain.ResultFailed, out.Error
		s.logger.Warn("Команда native_api не исполнена",
			zap.String("request_id", cmd.RequestID),
			zap.String("capability", cmd.Capability),
			zap.String("reason", out.Error))
	}
	res.Timestamp = s.now().UTC()

	if s.deps.Results != nil {
		if _, err := s.deps.Results.SaveCommandResult(ctx, userID, res); err != nil {
			s.logger.Error("Результат native_api не сохранен",
				zap.String("request_id", cmd.RequestID), zap.Error(err))
		}
	}
	s.deps.Metrics.CommandsTotal.WithLabelValues(cmd.Capability, string(out.Status)).Inc()
	s.deps.Metrics.CommandResults.WithLabelValues(string(res.Status)).Inc()
	s.deps.Auditor.Log(audit.Event{
		Kind:       audit.KindResult,
		UserID:     userID,
		AgentID:    cmd.AgentID,
		RequestID:  cmd.RequestID,
		Capability: cmd.Capability,
		Status:     string(res.Status),
		Error:      res.Error,
		Timestamp:  res.Timestamp,
		Payload:    map[string]interface{}{"path": string(capability.PathNativeAPI)},
	})
	return out
}

// ListApprovals: очередь решений пользователя.
func (s *TaskService) ListApprovals(ctx context.Context, userID string, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	return s.deps.Approvals.ListApprovals(ctx, userID, status)
}

// Decide фиксирует решение владельца. Одобренная команда сразу подписывается
// и уходит в браузер (или в NativeExecutor); срок жизни токена отсчитывается
// от момента одобрения.
func (s *TaskService) Decide(ctx context.Context, userID, approvalID string, approve bool, comment string) (*domain.ApprovalRequest, *domain.CommandOutcome, error) {
	status := domain.StatusRejected
	if approve {
		status = domain.StatusApproved
	}
	app, err := s.deps.Approvals.DecideApproval(ctx, approvalID, userID, status, comment)
	if err != nil {
		return nil, nil, err
	}

	s.deps.Auditor.Log(audit.Event{
		TraceID:    app.TaskID,
		Kind:       audit.KindApproval,
		UserID:     userID,
		AgentID:    app.Command.AgentID,
		RequestID:  app.Command.RequestID,
		Capability: app.Command.Capability,
		Status:     string(status),
		Payload:    map[string]interface{}{"approval_id": app.ID, "comment": comment},
	})
	if !approve {
		return app, nil, nil
	}

	if s.deps.Guard != nil && s.deps.Guard.IsBlocked(app.Command.AgentID) {
		out := domain.CommandOutcome{
			RequestID:  app.Command.RequestID,
			Capability: app.Command.Capability,
			Status:     domain.DispatchFailed,
			Error:      ErrAgentBlocked.Error(),
		}
		return app, &out, nil
	}
	out := s.dispatch(context.WithoutCancel(ctx), userID, app.Command)
	return app, &out, nil
}

func (s *TaskService) auditTask(req domain.TaskRequest, status, errText string) {
	s.deps.Auditor.Log(audit.Event{
		TraceID: req.TaskID,
		Kind:    audit.KindTask,
		UserID:  req.UserID,
		AgentID: req.AgentID,
		Status:  status,
		Error:   errText,
		Payload: map[string]interface{}{"agent_type": req.AgentType, "text": req.Text},
	})
}
