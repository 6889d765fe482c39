package client

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-browser-bridge/internal/capability"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

// ErrNativeAPI: capability исполняется через API провайдера, а не в браузере.
var ErrNativeAPI = errors.New("capability must be executed through the provider API")

var smartActions = map[string]domain.Action{
	capability.SmartClick:   domain.ActionClick,
	capability.SmartFill:    domain.ActionFill,
	capability.SmartWait:    domain.ActionWait,
	capability.SmartExtract: domain.ActionExtract,
	// smart_navigate: цель — не URL, а описание ссылки; переходим кликом.
	capability.SmartNavigate: domain.ActionClick,
}

// toSteps переводит проверенную команду в шаги runner. currentHost — хост открытой вкладки.
func toSteps(cmd domain.Command, currentHost string) ([]domain.Step, error) {
	args := cmd.Args
	switch cmd.Capability {
	case capability.OpenURL:
		u := str(args, "url")
		if !absoluteHTTP(u) {
			return nil, fmt.Errorf("open_url: invalid url %q", u)
		}
		return []domain.Step{{Action: domain.ActionNavigate, Target: u, Description: "Open URL"}}, nil

	case capability.SmartUICommand:
		sub := str(args, "action")
		action, ok := smartActions[sub]
		if !ok {
			return nil, fmt.Errorf("smart_ui_command: unknown action %q", sub)
		}
		step := domain.Step{
			Action:        action,
			Target:        str(args, "target"),
			Value:         str(args, "value"),
			WaitCondition: str(args, "wait_condition"),
			Description:   sub,
		}
		if ms := num(args, "timeout"); ms > 0 {
			step.Timeout = time.Duration(ms) * time.Millisecond
		}
		return []domain.Step{step}, nil

	case capability.EmailComposeUI:
		return composeSteps(args, currentHost), nil

	case capability.AnalyzeAndAct:
		target, value := str(args, "target"), str(args, "value")
		switch {
		case target != "" && value != "":
			return []domain.Step{{Action: domain.ActionFill, Target: target, Value: value, Description: str(args, "instruction")}}, nil
		case target != "":
			return []domain.Step{{Action: domain.ActionClick, Target: target, Description: str(args, "instruction")}}, nil
		}
		return []domain.Step{{Action: domain.ActionExtract, Target: "page", Description: str(args, "instruction")}}, nil

	case capability.EmailSendAPI:
		return nil, ErrNativeAPI
	}
	return nil, fmt.Errorf("unknown capability %q", cmd.Capability)
}

func composeSteps(args map[string]interface{}, currentHost string) []domain.Step {
	var steps []domain.Step
	if host := str(args, "host"); host != "" && !strings.EqualFold(host, currentHost) {
		steps = append(steps, domain.Step{Action: domain.ActionNavigate, Target: "https://" + host, Description: "Open mail"})
	}
	steps = append(steps,
		domain.Step{Action: domain.ActionClick, Target: "compose", Description: "Open compose window"},
		domain.Step{Action: domain.ActionFill, Target: "recipients", Value: strings.Join(list(args, "to"), ", "), Description: "Set recipients"},
	)
	if cc := list(args, "cc"); len(cc) > 0 {
		steps = append(steps, domain.Step{Action: domain.ActionFill, Target: "cc recipients", Value: strings.Join(cc, ", "), Description: "Set cc"})
	}
	if subj := str(args, "subject"); subj != "" {
		steps = append(steps, domain.Step{Action: domain.ActionFill, Target: "subject", Value: subj, Description: "Set subject"})
	}
	steps = append(steps, domain.Step{Action: domain.ActionFill, Target: "message body", Value: str(args, "body"), Description: "Set body"})
	if b, _ := args["send"].(bool); b {
		steps = append(steps, domain.Step{Action: domain.ActionClick, Target: "send", Description: "Send"})
	}
	return steps
}

func absoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func str(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// num: после JSON числа приходят как float64.
func num(args map[string]interface{}, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func list(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}
