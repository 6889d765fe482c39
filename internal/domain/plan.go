package domain

import (
	"fmt"
	"time"
)

// Action: закрытый набор действий, которые планировщик может выдать.
type Action string

const (
	ActionNavigate Action = "navigate"
	ActionClick    Action = "click"
	ActionFill     Action = "fill"
	ActionWait     Action = "wait"
	ActionExtract  Action = "extract"
	ActionCompose  Action = "compose"
	ActionSend     Action = "send"
)

// AllowedActions в порядке, в котором они перечисляются в системной инструкции LLM.
var AllowedActions = []Action{
	ActionNavigate, ActionClick, ActionFill, ActionWait, ActionExtract, ActionCompose, ActionSend,
}

func (a Action) Valid() bool {
	for _, allowed := range AllowedActions {
		if a == allowed {
			return true
		}
	}
	return false
}

// Step: один шаг плана. Timeout и WaitCondition носят рекомендательный характер.
type Step struct {
	Action        Action            `json:"action"`
	Target        string            `json:"target"`
	Value         string            `json:"value,omitempty"`
	Description   string            `json:"description"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	WaitCondition string            `json:"wait_condition,omitempty"`
	Params        map[string]string `json:"params,omitempty"` // Доп. поля (to, subject) для compose/send
}

// Plan: результат разбора намерения пользователя. Не персистится ядром.
type Plan struct {
	Steps             []Step        `json:"steps"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Confidence        float64       `json:"confidence"`
	RequiresApproval  bool          `json:"requires_approval"`
	Source            PlanSource    `json:"source"`
}

// PlanSource фиксирует, кто построил план: модель или детерминированный fallback.
type PlanSource string

const (
	PlanSourceLLM      PlanSource = "llm"
	PlanSourceFallback PlanSource = "fallback"
)

// Validate проверяет инварианты плана: хотя бы один шаг, только разрешенные действия,
// уверенность в диапазоне [0, 1].
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return fmt.Errorf("plan: no steps")
	}
	for i, s := range p.Steps {
		if !s.Action.Valid() {
			return fmt.Errorf("plan: step %d has unsupported action %q", i, s.Action)
		}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("plan: confidence %.2f out of range", p.Confidence)
	}
	return nil
}
