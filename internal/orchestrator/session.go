package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// wsConn: то, что нужно от *websocket.Conn. Тесты подставляют фейк.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type sessionRole int

const (
	roleUnauthenticated sessionRole = iota
	roleExtension
	roleDashboard
)

func (r sessionRole) String() string {
	switch r {
	case roleExtension:
		return "extension"
	case roleDashboard:
		return "dashboard"
	default:
		return "unauthenticated"
	}
}

// connKey: уникальный ключ подключения расширения.
type connKey struct {
	userID      string
	extensionID string
}

// session: одно сокет-подключение. role/userID/extensionID меняет только
// читающая горутина и только под o.mu; другие горутины их не читают.
type session struct {
	id     string
	conn   wsConn
	remote string

	role        sessionRole
	userID      string
	extensionID string

	lastSeen atomic.Int64 // unix nano
	writeMu  sync.Mutex
	closed   atomic.Bool
}

func newSession(id string, conn wsConn, remote string, now time.Time) *session {
	s := &session{id: id, conn: conn, remote: remote}
	s.touch(now)
	return s
}

func (s *session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

func (s *session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

func (s *session) key() connKey { return connKey{userID: s.userID, extensionID: s.extensionID} }

// send сериализует сообщение и пишет его с таймаутом.
func (s *session) send(ctx context.Context, timeout time.Duration, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	if s.closed.Load() {
		return errSessionClosed
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) close(code websocket.StatusCode, reason string) {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.conn.Close(code, reason)
	}
}
