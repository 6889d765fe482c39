package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

type stubValidator struct{}

func (stubValidator) VerifyToken(tok string) (*domain.CustomClaims, error) {
	if strings.TrimPrefix(tok, "Bearer ") == "good" {
		return &domain.CustomClaims{UserID: "u1"}, nil
	}
	return nil, errors.New("bad token")
}

type stubTasks struct{ lastTaskID string }

func (s *stubTasks) Execute(_ context.Context, req domain.TaskRequest) (domain.TaskResult, error) {
	s.lastTaskID = req.TaskID
	return domain.TaskResult{TaskID: req.TaskID, Success: true}, nil
}

type stubApprovals struct{}

func (stubApprovals) ListApprovals(context.Context, string, domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	return []*domain.ApprovalRequest{}, nil
}

func (stubApprovals) Decide(context.Context, string, string, bool, string) (*domain.ApprovalRequest, *domain.CommandOutcome, error) {
	return nil, nil, domain.ErrApprovalNotFound
}

type stubKS struct{}

func (stubKS) Block(context.Context, string) error   { return nil }
func (stubKS) Unblock(context.Context, string) error { return nil }
func (stubKS) IsBlocked(string) bool                 { return false }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, health Pinger) (*Server, *stubTasks) {
	tasks := &stubTasks{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_test_total", Help: "t"}))
	s := New(Deps{
		Tasks:        tasks,
		Approvals:    stubApprovals{},
		KillSwitch:   stubKS{},
		Validator:    stubValidator{},
		WebSocket:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		PublicKeyPEM: []byte("PEM"),
		Gatherer:     reg,
		Health:       health,
		Capabilities: []string{"open_url"},
	}, zaptest.NewLogger(t))
	return s, tasks
}

func do(s http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestServer_Routes(t *testing.T) {
	s, _ := newTestServer(t, pinger{})

	tests := []struct {
		method, path, token, body string
		code                      int
	}{
		{http.MethodGet, "/health", "", "", http.StatusOK},
		{http.MethodGet, "/v1/signer/public-key", "", "", http.StatusOK},
		{http.MethodGet, "/v1/capabilities", "", "", http.StatusOK},
		{http.MethodGet, "/ws", "", "", http.StatusTeapot},
		{http.MethodPost, "/v1/tasks", "", `{}`, http.StatusUnauthorized},
		{http.MethodPost, "/v1/tasks", "bad", `{}`, http.StatusUnauthorized},
		{http.MethodPost, "/v1/tasks", "good", `{"agent_id":"a1","text":"hi"}`, http.StatusOK},
		{http.MethodGet, "/v1/approvals", "good", "", http.StatusOK},
		{http.MethodPost, "/v1/approvals/ap1/decide", "good", `{"approved":true}`, http.StatusNotFound},
		{http.MethodGet, "/v1/agents/a1", "good", "", http.StatusOK},
		{http.MethodPost, "/v1/agents/a1/block", "good", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path+" "+tt.token, func(t *testing.T) {
			assert.Equal(t, tt.code, do(s, tt.method, tt.path, tt.token, tt.body).Code)
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge_test_total")
}

func TestServer_HealthFailsWithoutDatabase(t *testing.T) {
	s, _ := newTestServer(t, pinger{err: errors.New("down")})
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health", "", "").Code)
}

func TestServer_TraceIDBecomesTaskID(t *testing.T) {
	s, tasks := newTestServer(t, nil)

	const trace = "7f1c5b8e-3d7a-4a0e-9b6f-2f1d3c4b5a69"
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"agent_id":"a1","text":"hi"}`))
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("X-Trace-ID", trace)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, trace, rec.Header().Get("X-Trace-ID"))
	assert.Equal(t, trace, tasks.lastTaskID)

	// мусорный trace id заменяется новым
	req.Header.Set("X-Trace-ID", "not-a-uuid")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get("X-Trace-ID"))
	assert.Len(t, rec.Header().Get("X-Trace-ID"), 36)
}

func TestGRPC_HealthFollowsLifecycle(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	g := NewGRPC(stubValidator{}, zaptest.NewLogger(t))
	go func() { _ = g.Server.Serve(lis) }()
	defer g.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: BridgeService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	g.SetServing(true)
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: BridgeService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestUnaryAuthInterceptor(t *testing.T) {
	icpt := UnaryAuthInterceptor(stubValidator{}, zaptest.NewLogger(t))
	called := false
	h := func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return nil, nil
	}

	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, h)
	require.NoError(t, err)
	assert.True(t, called)

	called = false
	_, err = icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/spaceai.bridge.v1.Bridge/Run"}, h)
	assert.Error(t, err)
	assert.False(t, called)
}
