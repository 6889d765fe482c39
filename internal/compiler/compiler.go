// Package compiler превращает шаги плана в capability-команды и решает,
// какие из них можно исполнять без подтверждения человеком.
package compiler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/capability"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

// MailProvider: провайдер OAuth, токен которого открывает путь через API.
const MailProvider = "google"

// PermissionStore: внешнее хранилище выданных разрешений (только чтение).
type PermissionStore interface {
	GetUserPermissions(ctx context.Context, userID string) ([]domain.Permission, error)
}

// OAuthStore отвечает, привязан ли у пользователя токен провайдера.
type OAuthStore interface {
	HasOAuthToken(ctx context.Context, userID, provider string) (bool, error)
}

// DefaultAliases: известные направления. Ключи в нижнем регистре.
var DefaultAliases = map[string]string{
	"gmail":    "https://mail.google.com",
	"mail":     "https://mail.google.com",
	"email":    "https://mail.google.com",
	"inbox":    "https://mail.google.com",
	"linkedin": "https://www.linkedin.com",
	"calendar": "https://calendar.google.com",
	"drive":    "https://drive.google.com",
	"twitter":  "https://x.com",
	"x":        "https://x.com",
}

type CompileRequest struct {
	UserID  string
	AgentID string
	Plan    domain.Plan
}

type Compiler struct {
	registry *capability.Registry
	perms    PermissionStore
	oauth    OAuthStore
	aliases  map[string]string
	native   bool
	logger   *zap.Logger
	now      func() time.Time
}

func New(registry *capability.Registry, perms PermissionStore, oauth OAuthStore, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		registry: registry,
		perms:    perms,
		oauth:    oauth,
		aliases:  DefaultAliases,
		native:   true,
		logger:   logger.Named("compiler"),
		now:      time.Now,
	}
}

// WithAliases подменяет таблицу алиасов (например, из конфига).
func (c *Compiler) WithAliases(aliases map[string]string) *Compiler {
	m := make(map[string]string, len(aliases))
	for k, v := range aliases {
		m[strings.ToLower(k)] = v
	}
	c.aliases = m
	return c
}

// WithNativeAPI: false, если у моста нет исполнителя native_api.
// Тогда письмо всегда идет через UI, даже при привязанном токене.
func (c *Compiler) WithNativeAPI(enabled bool) *Compiler {
	c.native = enabled
	return c
}

// Compile возвращает команды в порядке шагов. Ошибка — только если план невалиден
// или хранилище разрешений недоступно: решать про апрув вслепую нельзя.
func (c *Compiler) Compile(ctx context.Context, req CompileRequest) ([]domain.PendingCommand, error) {
	if err := req.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	perms, err := c.perms.GetUserPermissions(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("compile: load permissions for %s: %w", req.UserID, err)
	}

	mailLinked := c.hasMailToken(ctx, req.UserID, req.Plan)
	now := c.now()

	out := make([]domain.PendingCommand, 0, len(req.Plan.Steps))
	var currentHost string
	for i, step := range req.Plan.Steps {
		capID, args, host := c.resolve(step, mailLinked, currentHost)
		if step.Action == domain.ActionNavigate && host != "" {
			currentHost = host
		}

		pc := domain.PendingCommand{
			Command: domain.Command{
				RequestID:  uuid.NewString(),
				AgentID:    req.AgentID,
				Capability: capID,
				Args:       args,
			},
			StepIndex: i,
		}
		pc.RequiresApproval, pc.Reason = c.approval(capID, args, req.AgentID, host, perms, now)
		out = append(out, pc)
	}

	c.logger.Debug("План скомпилирован",
		zap.String("user_id", req.UserID),
		zap.String("agent_id", req.AgentID),
		zap.Int("commands", len(out)),
	)
	return out, nil
}

// approval: sensitive ИЛИ хотя бы один scope без autonomous-разрешения.
func (c *Compiler) approval(capID string, args map[string]interface{}, agentID, host string, perms []domain.Permission, now time.Time) (bool, string) {
	if c.registry.IsSensitive(capID, args) {
		return true, "sensitive capability " + capID
	}
	scopes, err := c.registry.ScopesFor(capID)
	if err != nil {
		return true, err.Error()
	}
	for _, scope := range scopes {
		if !granted(perms, agentID, scope, host, now) {
			return true, "no autonomous permission for scope " + scope
		}
	}
	return false, ""
}

func granted(perms []domain.Permission, agentID, scope, host string, now time.Time) bool {
	for _, p := range perms {
		if p.GrantsAutonomy(agentID, scope, host, now) {
			return true
		}
	}
	return false
}

// resolve сопоставляет шагу capability и аргументы. host — хост, к которому относится команда.
func (c *Compiler) resolve(step domain.Step, mailLinked bool, currentHost string) (string, map[string]interface{}, string) {
	switch step.Action {
	case domain.ActionNavigate:
		if u, ok := c.resolveURL(step.Target); ok {
			return capability.OpenURL, map[string]interface{}{"url": u}, hostOf(u)
		}
		return capability.SmartUICommand, smartArgs(capability.SmartNavigate, step), currentHost

	case domain.ActionCompose, domain.ActionSend:
		if isEmailStep(step) {
			mailHost := hostOf(c.aliases["gmail"])
			if mailLinked {
				return capability.EmailSendAPI, emailArgs(step), mailHost
			}
			args := emailArgs(step)
			args["send"] = step.Action == domain.ActionSend
			args["host"] = mailHost
			return capability.EmailComposeUI, args, mailHost
		}

	case domain.ActionClick:
		return capability.SmartUICommand, smartArgs(capability.SmartClick, step), currentHost
	case domain.ActionFill:
		return capability.SmartUICommand, smartArgs(capability.SmartFill, step), currentHost
	case domain.ActionWait:
		return capability.SmartUICommand, smartArgs(capability.SmartWait, step), currentHost
	case domain.ActionExtract:
		return capability.SmartUICommand, smartArgs(capability.SmartExtract, step), currentHost
	}

	instruction := step.Description
	if instruction == "" {
		instruction = fmt.Sprintf("%s %s", step.Action, step.Target)
	}
	args := map[string]interface{}{"instruction": instruction, "target": step.Target}
	if step.Value != "" {
		args["value"] = step.Value
	}
	return capability.AnalyzeAndAct, args, currentHost
}

// resolveURL: алиас, абсолютный URL или голый домен вида example.com/path.
func (c *Compiler) resolveURL(target string) (string, bool) {
	t := strings.TrimSpace(target)
	if u, ok := c.aliases[strings.ToLower(t)]; ok {
		return u, true
	}
	if u, err := url.Parse(t); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return u.String(), true
	}
	if t != "" && !strings.ContainsAny(t, " \t") && strings.Contains(t, ".") && !strings.Contains(t, "://") {
		if u, err := url.Parse("https://" + t); err == nil && strings.Contains(u.Hostname(), ".") {
			return u.String(), true
		}
	}
	return "", false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func isEmailStep(step domain.Step) bool {
	switch strings.ToLower(strings.TrimSpace(step.Target)) {
	case "email", "mail", "gmail", "e-mail", "inbox":
		return true
	}
	return step.Params["to"] != ""
}

// emailArgs и smartArgs отдают только JSON-типы: аргументы уходят в подписанный
// токен и должны вернуться из Verify без изменений.
func emailArgs(step domain.Step) map[string]interface{} {
	args := map[string]interface{}{
		"to":   splitList(step.Params["to"]),
		"body": step.Value,
	}
	if cc := splitList(step.Params["cc"]); len(cc) > 0 {
		args["cc"] = cc
	}
	if bcc := splitList(step.Params["bcc"]); len(bcc) > 0 {
		args["bcc"] = bcc
	}
	if s := step.Params["subject"]; s != "" {
		args["subject"] = s
	}
	return args
}

func smartArgs(sub string, step domain.Step) map[string]interface{} {
	args := map[string]interface{}{
		"action": sub,
		"target": step.Target,
	}
	if step.Value != "" {
		args["value"] = step.Value
	}
	if step.Timeout > 0 {
		args["timeout"] = float64(step.Timeout.Milliseconds())
	}
	if step.WaitCondition != "" {
		args["wait_condition"] = step.WaitCondition
	}
	return args
}

func splitList(s string) []interface{} {
	if strings.TrimSpace(s) == "" {
		return []interface{}{}
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// hasMailToken дергает OAuth-стор только если в плане есть почтовый шаг.
// Ошибка стора не фатальна: откатываемся на UI-путь.
func (c *Compiler) hasMailToken(ctx context.Context, userID string, plan domain.Plan) bool {
	if c.oauth == nil || !c.native {
		return false
	}
	needed := false
	for _, s := range plan.Steps {
		if (s.Action == domain.ActionCompose || s.Action == domain.ActionSend) && isEmailStep(s) {
			needed = true
			break
		}
	}
	if !needed {
		return false
	}
	ok, err := c.oauth.HasOAuthToken(ctx, userID, MailProvider)
	if err != nil {
		c.logger.Warn("OAuth-стор недоступен, используем UI-путь", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}
