package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

var (
	errNoJSON       = errors.New("planner: no JSON object in completion")
	errInvalidShape = errors.New("planner: completion has no usable steps")
)

// firstBalancedObject возвращает первый сбалансированный {...} в тексте.
// Скобки внутри строковых литералов не считаются. Обрезанный JSON не "чинится":
// если объект не закрыт, ищем следующий кандидат, иначе — ошибка и fallback.
func firstBalancedObject(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end, ok := matchBrace(text, start); ok {
			return text[start : end+1], true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// rawPlan: то, что просим у модели. Числа допускаем как float.
type rawPlan struct {
	Steps []struct {
		Action          string            `json:"action"`
		Target          string            `json:"target"`
		Value           json.RawMessage   `json:"value"`
		Description     string            `json:"description"`
		Timeout         float64           `json:"timeout"`
		WaitCondition   string            `json:"waitCondition"`
		WaitConditionSn string            `json:"wait_condition"`
		Params          map[string]string `json:"params"`
	} `json:"steps"`
	EstimatedDuration float64  `json:"estimatedDuration"`
	Confidence        *float64 `json:"confidence"`
	RequiresApproval  bool     `json:"requiresApproval"`
}

const defaultLLMConfidence = 0.7

// parseCompletion: best-effort разбор ответа модели. Любое отклонение от формы — ошибка.
func parseCompletion(text string) (domain.Plan, error) {
	obj, ok := firstBalancedObject(text)
	if !ok {
		return domain.Plan{}, errNoJSON
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return domain.Plan{}, fmt.Errorf("planner: decode plan: %w", err)
	}
	if len(raw.Steps) == 0 {
		return domain.Plan{}, errInvalidShape
	}

	plan := domain.Plan{
		Steps:             make([]domain.Step, 0, len(raw.Steps)),
		EstimatedDuration: time.Duration(raw.EstimatedDuration * float64(time.Second)),
		Confidence:        defaultLLMConfidence,
		RequiresApproval:  raw.RequiresApproval,
		Source:            domain.PlanSourceLLM,
	}
	if raw.Confidence != nil {
		plan.Confidence = clamp01(*raw.Confidence)
	}

	for i, s := range raw.Steps {
		action := domain.Action(strings.ToLower(strings.TrimSpace(s.Action)))
		if !action.Valid() {
			return domain.Plan{}, fmt.Errorf("%w: step %d action %q", errInvalidShape, i, s.Action)
		}
		wait := s.WaitCondition
		if wait == "" {
			wait = s.WaitConditionSn
		}
		step := domain.Step{
			Action:        action,
			Target:        strings.TrimSpace(s.Target),
			Value:         rawValueString(s.Value),
			Description:   s.Description,
			WaitCondition: wait,
			Params:        s.Params,
		}
		if s.Timeout > 0 {
			step.Timeout = time.Duration(s.Timeout) * time.Millisecond
		}
		plan.Steps = append(plan.Steps, step)
	}
	if plan.EstimatedDuration <= 0 {
		plan.EstimatedDuration = estimateDuration(len(plan.Steps))
	}
	return plan, nil
}

// rawValueString: модель иногда отдает value числом или bool вместо строки.
func rawValueString(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func estimateDuration(steps int) time.Duration {
	return time.Duration(steps) * 3 * time.Second
}
