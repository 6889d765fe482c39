// Package planner превращает запрос пользователя на естественном языке в план шагов браузера.
// Один вызов LLM на план; любой сбой разбора уходит в детерминированный fallback.
package planner

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"github.com/xela07ax/spaceai-browser-bridge/internal/llm"
)

type PlanRequest struct {
	Text        string
	AgentType   string
	PageContext *domain.PageContext
}

type Planner struct {
	llm    llm.Completer
	logger *zap.Logger
}

// New принимает nil completer, тогда планировщик работает только на fallback.
func New(completer llm.Completer, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{llm: completer, logger: logger.Named("planner")}
}

// Plan никогда не возвращает ошибку: при сбое LLM или разбора отдается fallback-план.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) domain.Plan {
	if p.llm == nil {
		return fallbackPlan(req.Text)
	}

	completion, err := p.llm.Complete(ctx, buildMessages(req))
	if err != nil {
		p.logger.Warn("LLM недоступна, используем fallback", zap.Error(err))
		return fallbackPlan(req.Text)
	}

	plan, err := parseCompletion(completion)
	if err == nil {
		err = plan.Validate()
	}
	if err != nil {
		p.logger.Warn("Ответ LLM не разобран, используем fallback",
			zap.Error(err),
			zap.Int("completion_len", len(completion)),
		)
		return fallbackPlan(req.Text)
	}

	// RequiresApproval = флаг модели ИЛИ правила fallback.
	if fb := fallbackPlan(req.Text); fb.RequiresApproval {
		plan.RequiresApproval = true
	}

	p.logger.Debug("План построен",
		zap.Int("steps", len(plan.Steps)),
		zap.Float64("confidence", plan.Confidence),
		zap.String("source", string(plan.Source)),
	)
	return plan
}
