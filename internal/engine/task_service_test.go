package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/spaceai-browser-bridge/internal/audit"
	"github.com/xela07ax/spaceai-browser-bridge/internal/capability"
	"github.com/xela07ax/spaceai-browser-bridge/internal/compiler"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"github.com/xela07ax/spaceai-browser-bridge/internal/planner"
)

type stubPlanner struct{ plan domain.Plan }

func (p stubPlanner) Plan(context.Context, planner.PlanRequest) domain.Plan { return p.plan }

type stubCompiler struct {
	cmds []domain.PendingCommand
	err  error
}

func (c stubCompiler) Compile(context.Context, compiler.CompileRequest) ([]domain.PendingCommand, error) {
	return c.cmds, c.err
}

type recordingDispatcher struct {
	mu        sync.Mutex
	sent      []domain.Command
	connected bool
	failOn    string
}

func (d *recordingDispatcher) SendCommand(_ context.Context, _ string, cmd domain.Command) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cmd.RequestID == d.failOn {
		return false, errors.New("signer: boom")
	}
	if !d.connected {
		return false, nil
	}
	d.sent = append(d.sent, cmd)
	return true, nil
}

type memApprovals struct {
	mu   sync.Mutex
	apps map[string]*domain.ApprovalRequest
	err  error
}

func newMemApprovals() *memApprovals {
	return &memApprovals{apps: map[string]*domain.ApprovalRequest{}}
}

func (m *memApprovals) CreateApproval(_ context.Context, app *domain.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *app
	m.apps[app.ID] = &cp
	return nil
}

func (m *memApprovals) ListApprovals(_ context.Context, userID string, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.ApprovalRequest, 0)
	for _, a := range m.apps {
		if a.UserID == userID && (status == "" || a.Status == status) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memApprovals) DecideApproval(_ context.Context, id, userID string, status domain.ApprovalStatus, comment string) (*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return nil, domain.ErrApprovalNotFound
	}
	if a.UserID != userID {
		return nil, domain.ErrNotApprovalOwner
	}
	if err := a.CanTransitionTo(status); err != nil {
		return nil, err
	}
	a.Status = status
	a.Comment = &comment
	cp := *a
	return &cp, nil
}

type recordingNative struct {
	mu   sync.Mutex
	cmds []domain.Command
	err  error
}

func (n *recordingNative) Execute(_ context.Context, _ string, cmd domain.Command) (interface{}, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cmds = append(n.cmds, cmd)
	if n.err != nil {
		return nil, n.err
	}
	return map[string]interface{}{"message_id": "m-" + cmd.RequestID}, nil
}

type memResults struct {
	mu   sync.Mutex
	byID map[string]domain.CommandResult
}

func (m *memResults) SaveCommandResult(_ context.Context, _ string, res domain.CommandResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byID[res.RequestID]; ok && cur.Status.Terminal() {
		return false, nil
	}
	m.byID[res.RequestID] = res
	return true, nil
}

type guard map[string]bool

func (g guard) IsBlocked(id string) bool { return g[id] }

type memAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *memAuditor) Log(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *memAuditor) kinds() []audit.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Kind
	for _, e := range a.events {
		out = append(out, e.Kind)
	}
	return out
}

func pending(id, capID string, approval bool) domain.PendingCommand {
	return domain.PendingCommand{
		Command:          domain.Command{RequestID: id, AgentID: "a1", Capability: capID},
		RequiresApproval: approval,
	}
}

type svcHarness struct {
	svc       *TaskService
	disp      *recordingDispatcher
	native    *recordingNative
	results   *memResults
	approvals *memApprovals
	auditor   *memAuditor
	metrics   *Metrics
	sleeps    []time.Duration
}

func newSvc(t *testing.T, plan domain.Plan, comp stubCompiler, g guard) *svcHarness {
	h := &svcHarness{
		disp:      &recordingDispatcher{connected: true},
		native:    &recordingNative{},
		results:   &memResults{byID: map[string]domain.CommandResult{}},
		approvals: newMemApprovals(),
		auditor:   &memAuditor{},
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	h.svc = NewTaskService(TaskConfig{}, TaskDeps{
		Planner:    stubPlanner{plan: plan},
		Compiler:   comp,
		Dispatcher: h.disp,
		Approvals:  h.approvals,
		Guard:      g,
		Auditor:    h.auditor,
		Metrics:    h.metrics,

		Capabilities: capability.NewDefaultRegistry(),
		Native:       h.native,
		Results:      h.results,
	}, zaptest.NewLogger(t))
	h.svc.sleep = func(d time.Duration) { h.sleeps = append(h.sleeps, d) }
	return h
}

var navPlan = domain.Plan{
	Steps:  []domain.Step{{Action: domain.ActionNavigate, Target: "gmail"}},
	Source: domain.PlanSourceFallback,
}

func taskReq() domain.TaskRequest {
	return domain.TaskRequest{UserID: "u1", AgentID: "a1", Text: "open gmail"}
}

func TestTaskService_DispatchesInOrderWithDelay(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{
		pending("r1", capability.OpenURL, false),
		pending("r2", capability.SmartUICommand, false),
		pending("r3", capability.SmartUICommand, false),
	}}, nil)

	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TaskID)
	require.Len(t, res.Commands, 3)
	for _, c := range res.Commands {
		assert.Equal(t, domain.DispatchSent, c.Status)
	}
	require.Len(t, h.disp.sent, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{h.disp.sent[0].RequestID, h.disp.sent[1].RequestID, h.disp.sent[2].RequestID})
	// пауза только между командами
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, h.sleeps)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PlansTotal.WithLabelValues("fallback")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.CommandsTotal.WithLabelValues(capability.SmartUICommand, "dispatched")))
}

func TestTaskService_NoConnectionsFailsPerCommand(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{
		pending("r1", capability.OpenURL, false),
		pending("r2", capability.SmartUICommand, false),
	}}, nil)
	h.disp.connected = false
	h.disp.failOn = "r2"

	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.DispatchFailed, res.Commands[0].Status)
	assert.Equal(t, reasonNoConnections, res.Commands[0].Error)
	assert.Equal(t, domain.DispatchFailed, res.Commands[1].Status)
	assert.Contains(t, res.Commands[1].Error, "boom")
}

func TestTaskService_HoldsApprovalAndEverythingAfter(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{
		pending("r1", capability.OpenURL, false),
		{Command: domain.Command{RequestID: "r2", AgentID: "a1", Capability: capability.EmailSendAPI}, RequiresApproval: true, Reason: "sensitive capability email_send_api"},
		pending("r3", capability.SmartUICommand, false),
	}}, nil)

	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	require.Len(t, res.Commands, 3)

	assert.Equal(t, domain.DispatchSent, res.Commands[0].Status)
	assert.Equal(t, domain.DispatchAwaitingApproval, res.Commands[1].Status)
	assert.True(t, res.Commands[1].RequiresApproval)
	assert.NotEmpty(t, res.Commands[1].ApprovalID)
	assert.Equal(t, domain.DispatchAwaitingApproval, res.Commands[2].Status)

	require.Len(t, h.disp.sent, 1)
	held := h.approvals.apps[res.Commands[2].ApprovalID]
	require.NotNil(t, held)
	assert.Equal(t, reasonEarlierHeld, held.Reason)
	assert.Equal(t, res.TaskID, held.TaskID)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ApprovalsRequired))
}

func TestTaskService_PlanFlagHoldsAll(t *testing.T) {
	plan := navPlan
	plan.RequiresApproval = true
	h := newSvc(t, plan, stubCompiler{cmds: []domain.PendingCommand{pending("r1", capability.OpenURL, false)}}, nil)

	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchAwaitingApproval, res.Commands[0].Status)
	assert.Empty(t, h.disp.sent)
	assert.Equal(t, reasonPlanFlagged, h.approvals.apps[res.Commands[0].ApprovalID].Reason)
}

func TestTaskService_ApprovalStoreDown(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{pending("r1", capability.EmailSendAPI, true)}}, nil)
	h.approvals.err = errors.New("db down")

	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchFailed, res.Commands[0].Status)
	assert.Empty(t, h.disp.sent)
}

func TestTaskService_CompileFailure(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{err: errors.New("compile: load permissions for u1: timeout")}, nil)

	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "load permissions")
	assert.NotNil(t, res.Plan)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TasksTotal.WithLabelValues("failed")))
}

func TestTaskService_BlockedAgent(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{pending("r1", capability.OpenURL, false)}}, guard{"a1": true})

	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrAgentBlocked.Error(), res.Error)
	assert.Nil(t, res.Plan)
	assert.Empty(t, h.disp.sent)
	assert.Equal(t, []audit.Kind{audit.KindTask}, h.auditor.kinds())
}

func TestTaskService_InvalidRequest(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{}, nil)
	_, err := h.svc.Execute(context.Background(), domain.TaskRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestTaskService_DispatchSurvivesCallerCancel(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{
		pending("r1", capability.OpenURL, false),
		pending("r2", capability.SmartUICommand, false),
	}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.svc.sleep = func(time.Duration) { cancel() }

	res, err := h.svc.Execute(ctx, taskReq())
	require.NoError(t, err)
	assert.Len(t, h.disp.sent, 2)
	assert.Equal(t, domain.DispatchSent, res.Commands[1].Status)
}

func TestTaskService_Decide(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{pending("r1", capability.EmailComposeUI, true)}}, nil)
	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	approvalID := res.Commands[0].ApprovalID

	list, err := h.svc.ListApprovals(context.Background(), "u1", domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, _, err = h.svc.Decide(context.Background(), "u2", approvalID, true, "")
	assert.ErrorIs(t, err, domain.ErrNotApprovalOwner)

	app, out, err := h.svc.Decide(context.Background(), "u1", approvalID, true, "go ahead")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, app.Status)
	require.NotNil(t, out)
	assert.Equal(t, domain.DispatchSent, out.Status)
	require.Len(t, h.disp.sent, 1)
	assert.Equal(t, "r1", h.disp.sent[0].RequestID)

	_, _, err = h.svc.Decide(context.Background(), "u1", approvalID, false, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestTaskService_DecideReject(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{pending("r1", capability.EmailSendAPI, true)}}, nil)
	res, _ := h.svc.Execute(context.Background(), taskReq())

	app, out, err := h.svc.Decide(context.Background(), "u1", res.Commands[0].ApprovalID, false, "no")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, app.Status)
	assert.Nil(t, out)
	assert.Empty(t, h.disp.sent)
}

func TestTaskService_DecideBlockedAgent(t *testing.T) {
	g := guard{}
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{pending("r1", capability.EmailSendAPI, true)}}, g)
	res, _ := h.svc.Execute(context.Background(), taskReq())
	g["a1"] = true

	_, out, err := h.svc.Decide(context.Background(), "u1", res.Commands[0].ApprovalID, true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchFailed, out.Status)
	assert.Empty(t, h.disp.sent)
	assert.Empty(t, h.native.cmds)
}

func TestTaskService_NativeAPIBypassesBrowser(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{
		pending("r1", capability.OpenURL, false),
		pending("r2", capability.EmailSendAPI, false),
	}}, nil)

	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	require.Len(t, res.Commands, 2)
	assert.Equal(t, domain.DispatchSent, res.Commands[0].Status)
	assert.Equal(t, domain.DispatchExecuted, res.Commands[1].Status)
	assert.Empty(t, res.Commands[1].Error)

	require.Len(t, h.disp.sent, 1)
	assert.Equal(t, "r1", h.disp.sent[0].RequestID)
	require.Len(t, h.native.cmds, 1)
	assert.Equal(t, "r2", h.native.cmds[0].RequestID)

	stored := h.results.byID["r2"]
	assert.Equal(t, domain.ResultSuccess, stored.Status)
	assert.Equal(t, map[string]interface{}{"message_id": "m-r2"}, stored.Result)
	assert.False(t, stored.Timestamp.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CommandsTotal.WithLabelValues(capability.EmailSendAPI, "executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CommandResults.WithLabelValues("success")))
	assert.Contains(t, h.auditor.kinds(), audit.KindResult)
}

func TestTaskService_NativeAPIFailures(t *testing.T) {
	t.Run("executor error", func(t *testing.T) {
		h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{pending("r1", capability.EmailSendAPI, false)}}, nil)
		h.native.err = errors.New("connectors: request rejected: status 403")

		res, err := h.svc.Execute(context.Background(), taskReq())
		require.NoError(t, err)
		assert.Equal(t, domain.DispatchFailed, res.Commands[0].Status)
		assert.Contains(t, res.Commands[0].Error, "403")
		assert.Equal(t, domain.ResultFailed, h.results.byID["r1"].Status)
		assert.Empty(t, h.disp.sent)
	})

	t.Run("no executor configured", func(t *testing.T) {
		h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{pending("r1", capability.EmailSendAPI, false)}}, nil)
		h.svc.deps.Native = nil

		res, err := h.svc.Execute(context.Background(), taskReq())
		require.NoError(t, err)
		assert.Equal(t, domain.DispatchFailed, res.Commands[0].Status)
		assert.Equal(t, "no native executor for capability email_send_api", res.Commands[0].Error)
		assert.Equal(t, domain.ResultFailed, h.results.byID["r1"].Status)
		assert.Empty(t, h.disp.sent)
	})
}

func TestTaskService_DecideNativeAPI(t *testing.T) {
	h := newSvc(t, navPlan, stubCompiler{cmds: []domain.PendingCommand{pending("r1", capability.EmailSendAPI, true)}}, nil)
	res, err := h.svc.Execute(context.Background(), taskReq())
	require.NoError(t, err)
	assert.Empty(t, h.native.cmds)

	_, out, err := h.svc.Decide(context.Background(), "u1", res.Commands[0].ApprovalID, true, "send it")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, domain.DispatchExecuted, out.Status)
	require.Len(t, h.native.cmds, 1)
	assert.Equal(t, "r1", h.native.cmds[0].RequestID)
	assert.Empty(t, h.disp.sent)
	assert.Equal(t, domain.ResultSuccess, h.results.byID["r1"].Status)
}
