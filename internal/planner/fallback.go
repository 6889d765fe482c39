package planner

import (
	"regexp"
	"strings"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

// FallbackConfidence: фиксированная уверенность детерминированного плана.
const FallbackConfidence = 0.8

// Алиасы направлений. Компилятор разворачивает их в URL.
const (
	AliasMail      = "gmail"
	AliasNetwork   = "linkedin"
	AliasMicroblog = "twitter"
	AliasCalendar  = "calendar"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	urlRe   = regexp.MustCompile(`https?://[^\s"'<>]+`)

	// Маркеры начала тела сообщения, в порядке приоритета.
	bodyMarkers    = []string{" saying ", " that says ", " with message ", " with text ", " message: ", ": "}
	subjectMarkers = []string{" subject ", " titled ", " about "}

	sensitiveWords = []string{"pay", "purchase", "buy", "checkout", "delete", "remove", "transfer", "password"}
)

// fallbackPlan строит план без LLM. Чистая функция: одинаковый вход — одинаковый план.
func fallbackPlan(text string) domain.Plan {
	orig := " " + strings.TrimSpace(text) + " "
	lower := strings.ToLower(orig)
	if len(lower) != len(orig) {
		// ToLower поменял длину (редкие unicode-символы) — режем по lowercase-версии.
		orig = lower
	}
	recipients := emailRe.FindAllString(text, -1)

	var steps []domain.Step
	switch {
	case isMailIntent(lower, recipients):
		steps = mailSteps(orig, lower, recipients)
	case containsAny(lower, "linkedin", "professional network"):
		steps = networkSteps(orig, lower)
	case containsAny(lower, "twitter", "tweet", " x.com", "microblog"):
		steps = microblogSteps(orig, lower)
	case containsAny(lower, "calendar", "meeting", "schedule", "appointment"):
		steps = calendarSteps(orig, lower)
	default:
		steps = genericSteps(text)
	}

	return domain.Plan{
		Steps:             steps,
		EstimatedDuration: estimateDuration(len(steps)),
		Confidence:        FallbackConfidence,
		RequiresApproval:  len(recipients) > 5 || containsWord(lower, sensitiveWords...),
		Source:            domain.PlanSourceFallback,
	}
}

func isMailIntent(lower string, recipients []string) bool {
	if containsAny(lower, "email", "e-mail", "gmail", " mail ", "inbox") {
		return true
	}
	return len(recipients) > 0 && containsAny(lower, "send", "write", "reply")
}

func mailSteps(text, lower string, recipients []string) []domain.Step {
	params := map[string]string{}
	if len(recipients) > 0 {
		params["to"] = strings.Join(recipients, ",")
	}
	if subj := afterMarker(text, lower, subjectMarkers); subj != "" {
		params["subject"] = subj
	}
	return []domain.Step{
		{Action: domain.ActionNavigate, Target: AliasMail, Description: "Open mail"},
		{
			Action:      domain.ActionCompose,
			Target:      "email",
			Value:       afterMarker(text, lower, bodyMarkers),
			Description: "Compose email",
			Params:      params,
		},
	}
}

func networkSteps(text, lower string) []domain.Step {
	steps := []domain.Step{{Action: domain.ActionNavigate, Target: AliasNetwork, Description: "Open professional network"}}
	switch {
	case containsAny(lower, "post", "share", "publish"):
		steps = append(steps, domain.Step{
			Action: domain.ActionCompose, Target: "linkedin_post",
			Value: afterMarker(text, lower, bodyMarkers), Description: "Compose post",
		})
	case containsAny(lower, "message", "connect", "reply"):
		steps = append(steps, domain.Step{
			Action: domain.ActionCompose, Target: "linkedin_message",
			Value: afterMarker(text, lower, bodyMarkers), Description: "Compose message",
		})
	default:
		steps = append(steps, domain.Step{Action: domain.ActionExtract, Target: "feed", Description: "Read feed"})
	}
	return steps
}

func microblogSteps(text, lower string) []domain.Step {
	steps := []domain.Step{{Action: domain.ActionNavigate, Target: AliasMicroblog, Description: "Open microblog"}}
	if containsAny(lower, "tweet", "post", "publish") {
		return append(steps, domain.Step{
			Action: domain.ActionCompose, Target: "tweet",
			Value: afterMarker(text, lower, bodyMarkers), Description: "Compose post",
		})
	}
	return append(steps, domain.Step{Action: domain.ActionExtract, Target: "timeline", Description: "Read timeline"})
}

func calendarSteps(text, lower string) []domain.Step {
	steps := []domain.Step{{Action: domain.ActionNavigate, Target: AliasCalendar, Description: "Open calendar"}}
	if !containsAny(lower, "schedule", "create", "add", "book", "set up") {
		return append(steps, domain.Step{Action: domain.ActionExtract, Target: "agenda", Description: "Read agenda"})
	}
	title := afterMarker(text, lower, append([]string{" called ", " named "}, subjectMarkers...))
	if title == "" {
		title = "Meeting"
	}
	return append(steps,
		domain.Step{Action: domain.ActionClick, Target: "Create", Description: "Open event editor"},
		domain.Step{Action: domain.ActionFill, Target: "Add title", Value: title, Description: "Set event title"},
	)
}

func genericSteps(text string) []domain.Step {
	if u := urlRe.FindString(text); u != "" {
		return []domain.Step{
			{Action: domain.ActionNavigate, Target: u, Description: "Open page"},
			{Action: domain.ActionExtract, Target: "page", Description: "Read page"},
		}
	}
	return []domain.Step{{Action: domain.ActionExtract, Target: "page", Value: strings.TrimSpace(text), Description: "Analyze current page"}}
}

// afterMarker возвращает хвост text после первого найденного маркера.
// text и lower одной длины: lower — его lowercase-копия.
func afterMarker(text, lower string, markers []string) string {
	for _, m := range markers {
		idx := strings.Index(lower, m)
		if idx < 0 {
			continue
		}
		start := idx + len(m)
		if start > len(text) {
			continue
		}
		if tail := strings.TrimSpace(text[start:]); tail != "" {
			return strings.Trim(tail, `"'`)
		}
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// containsWord ищет слово целиком, чтобы "pay" не срабатывал на "payload".
func containsWord(s string, words ...string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}
