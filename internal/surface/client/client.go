// Package client: агент поверхности исполнения: держит соединение с мостом,
// проверяет подписанные команды и исполняет их в браузере.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"github.com/xela07ax/spaceai-browser-bridge/internal/signer"
	"github.com/xela07ax/spaceai-browser-bridge/internal/surface/resolver"
	"github.com/xela07ax/spaceai-browser-bridge/internal/surface/runner"
)

// ErrAuthRejected: мост отказал в аутентификации. Переподключение бессмысленно.
var ErrAuthRejected = errors.New("client: authentication rejected")

type Config struct {
	ServerURL         string        `mapstructure:"server_url"`
	ExtensionID       string        `mapstructure:"extension_id"`
	UserID            string        `mapstructure:"user_id"`
	PairingToken      string        `mapstructure:"pairing_token"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	QueueSize         int           `mapstructure:"queue_size"`
	// MaxReconnects: 0 означает без ограничения.
	MaxReconnects uint          `mapstructure:"max_reconnects"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	Runner        runner.Config `mapstructure:"runner"`
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Verifier проверяет подписанную команду публичным ключом моста.
type Verifier interface {
	Verify(token string) (domain.Command, error)
}

type Client struct {
	cfg      Config
	verifier Verifier
	page     runner.Page
	runner   *runner.Runner
	logger   *zap.Logger
	now      func() time.Time
}

type inbound struct {
	Type          string          `json:"type"`
	SignedCommand string          `json:"signed_command,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	Command       json.RawMessage `json:"command,omitempty"`
}

type resultMsg struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Status    domain.ResultStatus `json:"status"`
	Result    interface{}         `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

func New(cfg Config, verifier Verifier, page runner.Page, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("surface").With(zap.String("extension_id", cfg.ExtensionID))
	return &Client{
		cfg:      cfg,
		verifier: verifier,
		page:     page,
		runner:   runner.New(page, resolver.New(), cfg.Runner, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// Run держит соединение, переподключаясь с экспоненциальной задержкой.
// Возвращается при отмене контекста, отказе в аутентификации или исчерпании попыток.
func (c *Client) Run(ctx context.Context) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.cfg.MaxReconnects),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(c.cfg.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Соединение потеряно, переподключаемся", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	return r.Do(func() error {
		err := c.session(ctx)
		if errors.Is(err, ErrAuthRejected) {
			return retry.Unrecoverable(err)
		}
		return err
	})
}

// session: одно подключение от dial до разрыва.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	defer conn.CloseNow()

	if err := c.authenticate(ctx, conn); err != nil {
		return err
	}
	c.logger.Info("Подключено к мосту", zap.String("server", c.cfg.ServerURL))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan domain.Command, c.cfg.QueueSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		c.worker(sctx, conn, queue)
	}()
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeat(sctx, conn)
	}()

	err = c.readLoop(sctx, conn, queue)
	cancel()
	close(queue)
	<-workerDone
	<-heartbeatDone
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	if err := wsjson.Write(ctx, conn, map[string]string{
		"type":          "authenticate",
		"extension_id":  c.cfg.ExtensionID,
		"user_id":       c.cfg.UserID,
		"pairing_token": c.cfg.PairingToken,
	}); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}
	for {
		var msg inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("await auth reply: %w", err)
		}
		switch msg.Type {
		case "auth_success":
			return nil
		case "auth_error":
			_ = conn.Close(websocket.StatusNormalClosure, "auth rejected")
			return fmt.Errorf("%w: %s", ErrAuthRejected, msg.Error)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, queue chan<- domain.Command) error {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch msg.Type {
		case "ping":
			c.write(ctx, conn, map[string]string{"type": "pong"})
		case "heartbeat_ack":
		case "command":
			cmd, err := c.verifier.Verify(msg.SignedCommand)
			if err != nil {
				c.refuse(ctx, conn, msg, err)
				continue
			}
			// Отправитель в очередь один, поэтому проверка места не гоняется.
			if len(queue) == cap(queue) {
				c.report(ctx, conn, cmd.RequestID, domain.ResultRejected, nil, "surface queue is full")
				continue
			}
			c.report(ctx, conn, cmd.RequestID, domain.ResultQueued, nil, "")
			queue <- cmd
		case "ai_command":
			c.logger.Info("Подсказка ассистента", zap.ByteString("command", msg.Command))
		default:
			c.logger.Debug("Пропущено сообщение", zap.String("type", msg.Type))
		}
	}
}

// refuse: просроченная или поддельная команда не исполняется. Если в токене
// читается request_id, мост получает rejected, иначе только лог.
func (c *Client) refuse(ctx context.Context, conn *websocket.Conn, msg inbound, err error) {
	requestID := signer.PeekRequestID(msg.SignedCommand)
	c.logger.Warn("Команда отклонена",
		zap.String("request_id", requestID),
		zap.String("envelope_request_id", msg.RequestID),
		zap.Error(err),
	)
	if requestID == "" {
		return
	}
	c.report(ctx, conn, requestID, domain.ResultRejected, nil, err.Error())
}

// worker исполняет команды по одной: runner не должен гоняться сам с собой.
func (c *Client) worker(ctx context.Context, conn *websocket.Conn, queue <-chan domain.Command) {
	for cmd := range queue {
		if ctx.Err() != nil {
			continue
		}
		status, result, errText := c.process(ctx, cmd)
		c.report(ctx, conn, cmd.RequestID, status, result, errText)
	}
}

// process: срок токена проверен при приеме, но в очереди команда могла протухнуть.
func (c *Client) process(ctx context.Context, cmd domain.Command) (domain.ResultStatus, interface{}, string) {
	if !cmd.ExpiresAt.IsZero() && c.now().After(cmd.ExpiresAt) {
		c.logger.Warn("Команда просрочена в очереди",
			zap.String("request_id", cmd.RequestID), zap.Time("expiry", cmd.ExpiresAt))
		return domain.ResultRejected, nil, signer.ErrTokenExpired.Error()
	}
	return c.execute(ctx, cmd)
}

func (c *Client) execute(ctx context.Context, cmd domain.Command) (domain.ResultStatus, interface{}, string) {
	log := c.logger.With(zap.String("request_id", cmd.RequestID), zap.String("capability", cmd.Capability))

	steps, err := toSteps(cmd, c.currentHost(ctx))
	if err != nil {
		log.Warn("Команда не поддерживается поверхностью", zap.Error(err))
		return domain.ResultRejected, nil, err.Error()
	}

	res := c.runner.Run(ctx, steps)
	log.Info("Команда исполнена",
		zap.Int("completed", res.Completed),
		zap.Int("steps", len(res.Steps)),
		zap.Bool("halted", res.Halted),
	)
	if res.Success() {
		return domain.ResultSuccess, res, ""
	}
	for _, s := range res.Steps {
		if !s.Success {
			return domain.ResultFailed, res, fmt.Sprintf("step %d (%s): %s", s.Index, s.Action, s.Error)
		}
	}
	return domain.ResultFailed, res, "run halted"
}

func (c *Client) currentHost(ctx context.Context) string {
	raw, err := c.page.CurrentURL(ctx)
	if err != nil {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.write(ctx, conn, map[string]string{"type": "heartbeat"})
		}
	}
}

func (c *Client) report(ctx context.Context, conn *websocket.Conn, requestID string, status domain.ResultStatus, result interface{}, errText string) {
	c.write(ctx, conn, resultMsg{
		Type:      "command_result",
		RequestID: requestID,
		Status:    status,
		Result:    result,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, msg interface{}) {
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, conn, msg); err != nil {
		c.logger.Debug("Запись в сокет не удалась", zap.Error(err))
	}
}
