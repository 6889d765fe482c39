package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	out        []map[string]interface{}
	closeCode  websocket.StatusCode
	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case d := <-c.in:
		return websocket.MessageText, d, nil
	case <-c.closed:
		return 0, nil, errors.New("fake: connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	if c.failWrites.Load() {
		return errors.New("fake: broken pipe")
	}
	select {
	case <-c.closed:
		return errors.New("fake: write on closed connection")
	default:
	}
	var m map[string]interface{}
	if err := json.Unmarshal(p, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.out = append(c.out, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) code() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) push(t *testing.T, msg interface{}) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) ofType(typ string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res []map[string]interface{}
	for _, m := range c.out {
		if m["type"] == typ {
			res = append(res, m)
		}
	}
	return res
}

func (c *fakeConn) waitFor(t *testing.T, typ string, n int) []map[string]interface{} {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.ofType(typ)) >= n },
		2*time.Second, 5*time.Millisecond, "waiting for %d %q messages", n, typ)
	return c.ofType(typ)
}

type fakeSigner struct{}

func (fakeSigner) Sign(cmd domain.Command) (domain.Command, error) {
	cmd.Signature = "signed:" + cmd.RequestID
	return cmd, nil
}

type fakePairings struct {
	mu      sync.Mutex
	valid   map[string]string // extensionID|userID -> token
	touched []string
	err     error
}

func (p *fakePairings) ValidatePairing(_ context.Context, extID, userID, token string) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return p.valid[extID+"|"+userID] == token, nil
}

func (p *fakePairings) TouchLastSeen(_ context.Context, extID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touched = append(p.touched, extID+"|"+userID)
	return nil
}

func (p *fakePairings) touches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.touched)
}

// memResults держит ту же политику, что и у postgres-стора: первый финальный результат побеждает.
type memResults struct {
	mu   sync.Mutex
	byID map[string]domain.CommandResult
}

func (m *memResults) SaveCommandResult(_ context.Context, _ string, res domain.CommandResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID == nil {
		m.byID = make(map[string]domain.CommandResult)
	}
	if cur, ok := m.byID[res.RequestID]; ok && (cur.Status.Terminal() || !res.Status.Terminal()) {
		return false, nil
	}
	m.byID[res.RequestID] = res
	return true, nil
}

func (m *memResults) get(id string) domain.CommandResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type fakeValidator struct{}

func (fakeValidator) VerifyToken(token string) (*domain.CustomClaims, error) {
	if token == "user-jwt-u1" {
		return &domain.CustomClaims{UserID: "u1"}, nil
	}
	return nil, errors.New("bad token")
}

type countingObserver struct {
	sent      atomic.Int32
	results   atomic.Int32
	telemetry atomic.Int32
	ext       atomic.Int32
}

func (c *countingObserver) ConnectionsChanged(ext, _ int)             { c.ext.Store(int32(ext)) }
func (c *countingObserver) CommandSent(string, domain.Command, int)   { c.sent.Add(1) }
func (c *countingObserver) ResultStored(string, domain.CommandResult) { c.results.Add(1) }
func (c *countingObserver) Telemetry(string, string)                  { c.telemetry.Add(1) }

// fakeClock: потокобезопасные "часы" для sweep-тестов.
type fakeClock struct{ ns atomic.Int64 }

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.ns.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }
