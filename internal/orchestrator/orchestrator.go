// Package orchestrator держит WebSocket-подключения расширений и дашбордов,
// подписывает и рассылает команды, принимает результаты исполнения.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

var (
	// ErrNoConnections: у пользователя нет ни одного аутентифицированного расширения.
	ErrNoConnections = errors.New("orchestrator: no authenticated extension connections")
	errSessionClosed = errors.New("orchestrator: session closed")
)

// CommandSigner подписывает команду перед отправкой.
type CommandSigner interface {
	Sign(cmd domain.Command) (domain.Command, error)
}

// PairingStore проверяет связку расширение-пользователь.
type PairingStore interface {
	ValidatePairing(ctx context.Context, extensionID, userID, token string) (bool, error)
	TouchLastSeen(ctx context.Context, extensionID, userID string) error
}

// ResultStore сохраняет результат. stored=false — запись отброшена политикой
// "первый финальный результат побеждает".
type ResultStore interface {
	SaveCommandResult(ctx context.Context, userID string, res domain.CommandResult) (stored bool, err error)
}

// TokenValidator проверяет пользовательский JWT дашборда.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// Observer получает события для метрик и аудита. Все методы должны быть неблокирующими.
type Observer interface {
	ConnectionsChanged(extensions, dashboards int)
	CommandSent(userID string, cmd domain.Command, delivered int)
	ResultStored(userID string, res domain.CommandResult)
	Telemetry(userID, kind string)
}

type nopObserver struct{}

func (nopObserver) ConnectionsChanged(int, int)               {}
func (nopObserver) CommandSent(string, domain.Command, int)   {}
func (nopObserver) ResultStored(string, domain.CommandResult) {}
func (nopObserver) Telemetry(string, string)                  {}

type Config struct {
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	// OriginPatterns: разрешенные Origin для /ws; пусто — только same-origin.
	OriginPatterns []string `mapstructure:"origin_patterns"`
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
}

type Deps struct {
	Signer    CommandSigner
	Pairings  PairingStore
	Results   ResultStore
	Dashboard TokenValidator
	Observer  Observer
}

// Orchestrator владеет картой подключений. Единственное изменяемое общее состояние.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	mu         sync.RWMutex
	sessions   map[*session]struct{}
	extensions map[connKey]*session
	dashboards map[string]map[*session]struct{}

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.Named("orchestrator"),
		now:        time.Now,
		sessions:   make(map[*session]struct{}),
		extensions: make(map[connKey]*session),
		dashboards: make(map[string]map[*session]struct{}),
	}
}

// ServeHTTP принимает апгрейд на /ws и обслуживает подключение до закрытия.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: o.cfg.OriginPatterns})
	if err != nil {
		o.logger.Warn("WebSocket upgrade не удался", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	conn.SetReadLimit(o.cfg.MaxMessageBytes)
	o.Serve(r.Context(), conn, r.RemoteAddr)
}

// Serve крутит цикл чтения одного подключения. Возвращается после закрытия сокета.
func (o *Orchestrator) Serve(ctx context.Context, conn wsConn, remote string) {
	s := newSession(uuid.NewString(), conn, remote, o.now())
	o.register(s)
	log := o.logger.With(zap.String("session", s.id), zap.String("remote", remote))
	log.Debug("Подключение открыто")

	defer func() {
		o.unregister(s)
		s.close(websocket.StatusNormalClosure, "")
		log.Debug("Подключение закрыто", zap.String("role", s.role.String()))
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !s.closed.Load() {
				log.Debug("Ошибка чтения", zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		o.handleMessage(ctx, s, data)
	}
}

// SendCommand подписывает команду и рассылает ее во все аутентифицированные
// подключения пользователя. false: если ни одна отправка не удалась.
func (o *Orchestrator) SendCommand(ctx context.Context, userID string, cmd domain.Command) (bool, error) {
	targets := o.extensionsOf(userID)
	if len(targets) == 0 {
		o.deps.Observer.CommandSent(userID, cmd, 0)
		return false, nil
	}

	signed, err := o.deps.Signer.Sign(cmd)
	if err != nil {
		return false, fmt.Errorf("sign command %s: %w", cmd.RequestID, err)
	}

	delivered := o.fanOut(ctx, userID, targets, commandOut{
		Type:          MsgCommand,
		SignedCommand: signed.Signature,
		RequestID:     signed.RequestID,
	})
	o.deps.Observer.CommandSent(userID, signed, delivered)
	o.logger.Info("Команда разослана",
		zap.String("user_id", userID),
		zap.String("request_id", signed.RequestID),
		zap.String("capability", signed.Capability),
		zap.Int("delivered", delivered),
		zap.Int("connections", len(targets)),
	)
	return delivered > 0, nil
}

// SendAICommand отправляет неподписанную подсказку ассистента (ai_command).
func (o *Orchestrator) SendAICommand(ctx context.Context, userID string, command interface{}) (bool, error) {
	targets := o.extensionsOf(userID)
	if len(targets) == 0 {
		return false, ErrNoConnections
	}
	return o.fanOut(ctx, userID, targets, aiCommandOut{Type: MsgAICommand, Command: command}) > 0, nil
}

// BroadcastToExtensions рассылает произвольное сообщение и возвращает число успешных доставок.
func (o *Orchestrator) BroadcastToExtensions(ctx context.Context, userID string, msg interface{}) int {
	return o.fanOut(ctx, userID, o.extensionsOf(userID), msg)
}

// ConnectionCount: число аутентифицированных расширений пользователя.
func (o *Orchestrator) ConnectionCount(userID string) int {
	return len(o.extensionsOf(userID))
}

// Run запускает периодический sweep до отмены контекста.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	o.logger.Info("Sweep запущен",
		zap.Duration("interval", o.cfg.SweepInterval),
		zap.Duration("idle_timeout", o.cfg.IdleTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// Shutdown закрывает все подключения и ждет фоновых закрытий.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	all := make([]*session, 0, len(o.sessions))
	for s := range o.sessions {
		all = append(all, s)
	}
	o.mu.Unlock()

	for _, s := range all {
		s.close(websocket.StatusGoingAway, "server shutdown")
	}
	o.wg.Wait()
}

func (o *Orchestrator) extensionsOf(userID string) []*session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*session
	for key, s := range o.extensions {
		if key.userID == userID {
			out = append(out, s)
		}
	}
	return out
}

func (o *Orchestrator) dashboardsOf(userID string) []*session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*session, 0, len(o.dashboards[userID]))
	for s := range o.dashboards[userID] {
		out = append(out, s)
	}
	return out
}

// fanOut пишет сообщение в каждое подключение. Сломанные подключения выкидываются.
// userID берется у вызывающего: поля чужой сессии без o.mu не читаются,
// их может переписать повторная аутентификация.
func (o *Orchestrator) fanOut(ctx context.Context, userID string, targets []*session, msg interface{}) int {
	delivered := 0
	for _, s := range targets {
		if err := s.send(ctx, o.cfg.WriteTimeout, msg); err != nil {
			o.logger.Warn("Отправка не удалась, подключение снимается",
				zap.String("session", s.id),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			o.drop(s, websocket.StatusInternalError, "write failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (o *Orchestrator) register(s *session) {
	o.mu.Lock()
	o.sessions[s] = struct{}{}
	o.mu.Unlock()
}

// unregister убирает сессию из всех индексов. Чужую запись по тому же ключу не трогает.
func (o *Orchestrator) unregister(s *session) {
	o.mu.Lock()
	delete(o.sessions, s)
	switch s.role {
	case roleExtension:
		if cur, ok := o.extensions[s.key()]; ok && cur == s {
			delete(o.extensions, s.key())
		}
	case roleDashboard:
		if set, ok := o.dashboards[s.userID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(o.dashboards, s.userID)
			}
		}
	}
	ext, dash := o.countsLocked()
	o.mu.Unlock()
	o.deps.Observer.ConnectionsChanged(ext, dash)
}

// drop снимает сессию и закрывает сокет в фоне: Close ждет handshake с клиентом.
func (o *Orchestrator) drop(s *session, code websocket.StatusCode, reason string) {
	o.unregister(s)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		s.close(code, reason)
	}()
}

func (o *Orchestrator) promoteExtension(s *session, userID, extensionID string) {
	o.mu.Lock()
	s.role = roleExtension
	s.userID = userID
	s.extensionID = extensionID
	prev := o.extensions[s.key()]
	o.extensions[s.key()] = s
	ext, dash := o.countsLocked()
	o.mu.Unlock()

	o.deps.Observer.ConnectionsChanged(ext, dash)
	if prev != nil && prev != s {
		o.logger.Info("Подключение заменено новой аутентификацией",
			zap.String("user_id", userID), zap.String("extension_id", extensionID))
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			prev.close(websocket.StatusPolicyViolation, "replaced by newer connection")
		}()
	}
}

func (o *Orchestrator) promoteDashboard(s *session, userID string) {
	o.mu.Lock()
	s.role = roleDashboard
	s.userID = userID
	set, ok := o.dashboards[userID]
	if !ok {
		set = make(map[*session]struct{})
		o.dashboards[userID] = set
	}
	set[s] = struct{}{}
	ext, dash := o.countsLocked()
	o.mu.Unlock()
	o.deps.Observer.ConnectionsChanged(ext, dash)
}

func (o *Orchestrator) countsLocked() (int, int) {
	dash := 0
	for _, set := range o.dashboards {
		dash += len(set)
	}
	return len(o.extensions), dash
}

// sweep пингует живых и закрывает тех, кто молчит дольше IdleTimeout.
func (o *Orchestrator) sweep(ctx context.Context) {
	now := o.now()
	o.mu.RLock()
	all := make([]*session, 0, len(o.sessions))
	for s := range o.sessions {
		all = append(all, s)
	}
	o.mu.RUnlock()

	stale := 0
	for _, s := range all {
		if s.idleFor(now) > o.cfg.IdleTimeout {
			stale++
			o.drop(s, websocket.StatusPolicyViolation, "idle timeout")
			continue
		}
		if err := s.send(ctx, o.cfg.WriteTimeout, clockOut{Type: MsgPing, Timestamp: now}); err != nil {
			o.drop(s, websocket.StatusInternalError, "ping failed")
		}
	}
	if stale > 0 {
		o.logger.Info("Sweep закрыл неактивные подключения", zap.Int("closed", stale), zap.Int("total", len(all)))
	}
}
