package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/capability"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

// MailConfig: HTTP-релей, который отправляет письмо через OAuth-токен пользователя.
// Токены хранит релей, мост знает только факт привязки.
type MailConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Provider   string        `mapstructure:"provider"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Attempts   uint          `mapstructure:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type MailRelay struct {
	cfg        MailConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewMailRelay(cfg MailConfig, logger *zap.Logger) (*MailRelay, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("connectors: mail endpoint is required")
	}
	if cfg.Provider == "" {
		cfg.Provider = "google"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MailRelay{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("mail-relay"),
	}, nil
}

type mailRequest struct {
	UserID    string   `json:"user_id"`
	RequestID string   `json:"request_id"`
	AgentID   string   `json:"agent_id"`
	Provider  string   `json:"provider"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Bcc       []string `json:"bcc,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
}

type mailResponse struct {
	MessageID string `json:"message_id"`
}

// Execute отправляет email_send_api. request_id уходит в релей как ключ
// идемпотентности: повтор после таймаута не должен дублировать письмо.
func (m *MailRelay) Execute(ctx context.Context, userID string, cmd domain.Command) (interface{}, error) {
	if cmd.Capability != capability.EmailSendAPI {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCapability, cmd.Capability)
	}
	req := mailRequest{
		UserID:    userID,
		RequestID: cmd.RequestID,
		AgentID:   cmd.AgentID,
		Provider:  m.cfg.Provider,
		To:        stringList(cmd.Args["to"]),
		Cc:        stringList(cmd.Args["cc"]),
		Bcc:       stringList(cmd.Args["bcc"]),
		Subject:   stringArg(cmd.Args["subject"]),
		Body:      stringArg(cmd.Args["body"]),
	}
	if len(req.To) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrRejected)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("connectors: marshal mail request: %w", err)
	}

	var out mailResponse
	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(m.cfg.Attempts),
		retry.Delay(m.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn("Релей почты не ответил, повторяем",
				zap.String("request_id", cmd.RequestID), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		var callErr error
		out, callErr = m.post(ctx, payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Письмо отправлено через API",
		zap.String("request_id", cmd.RequestID),
		zap.String("user_id", userID),
		zap.Int("recipients", len(req.To)+len(req.Cc)+len(req.Bcc)),
	)
	return map[string]interface{}{
		"message_id": out.MessageID,
		"provider":   m.cfg.Provider,
	}, nil
}

func (m *MailRelay) post(ctx context.Context, payload []byte) (mailResponse, error) {
	url := strings.TrimSuffix(m.cfg.Endpoint, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return mailResponse{}, retry.Unrecoverable(fmt.Errorf("connectors: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return mailResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return mailResponse{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return mailResponse{}, retry.Unrecoverable(
			fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out mailResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return mailResponse{}, retry.Unrecoverable(fmt.Errorf("connectors: decode relay response: %w", err))
		}
	}
	return out, nil
}

// stringList: аргументы приходят после JSON, поэтому списки это []interface{}.
func stringList(v interface{}) []string {
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return nil
		}
		return []string{x}
	case []string:
		return x
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringArg(v interface{}) string {
	s, _ := v.(string)
	return s
}
