package planner

import (
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"github.com/xela07ax/spaceai-browser-bridge/internal/llm"
)

// personas: роль агента, подставляемая в начало системной инструкции.
var personas = map[string]string{
	"email_assistant":      "You are an email assistant hired to manage the user's inbox.",
	"social_media_manager": "You are a social media manager hired to handle the user's professional network and microblog presence.",
	"scheduler":            "You are a scheduling assistant hired to manage the user's calendar.",
	"researcher":           "You are a research assistant hired to collect information from web pages.",
}

const defaultPersona = "You are a browser automation assistant hired by the user."

const safetyRules = `Safety rules:
- Payments, messages to more than 5 recipients and permanent deletes are sensitive: set "requiresApproval": true.
- Never try to bypass CAPTCHA, two-factor authentication or rate limits.
- Prefer authenticated APIs over UI automation when the destination offers one.
- Do not invent credentials or personal data that the user did not provide.`

const outputFormat = `Respond with a single JSON object and nothing else:
{"steps":[{"action":"<action>","target":"<url, alias or element description>","value":"<optional text>","description":"<what this step does>","timeout":<optional ms>,"waitCondition":"<optional>","params":{"to":"<optional>","subject":"<optional>"}}],
 "estimatedDuration":<seconds>,"confidence":<0..1>,"requiresApproval":<bool>}`

func buildSystemPrompt(agentType string) string {
	persona, ok := personas[strings.ToLower(strings.TrimSpace(agentType))]
	if !ok {
		persona = defaultPersona
	}

	actions := make([]string, 0, len(domain.AllowedActions))
	for _, a := range domain.AllowedActions {
		actions = append(actions, string(a))
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\nTranslate the user's request into an ordered plan of browser steps.\n")
	fmt.Fprintf(&b, "Allowed actions (closed set): %s.\n", strings.Join(actions, ", "))
	b.WriteString("Known destinations: gmail (mail), linkedin (professional network), twitter (microblog), calendar, drive.\n")
	b.WriteString("For email use action \"compose\" with target \"email\" and put recipients into params.to.\n")
	b.WriteString(safetyRules)
	b.WriteString("\n")
	b.WriteString(outputFormat)
	return b.String()
}

func buildMessages(req PlanRequest) []llm.Message {
	var user strings.Builder
	user.WriteString("Request: ")
	user.WriteString(req.Text)
	if pc := req.PageContext; pc != nil {
		fmt.Fprintf(&user, "\nCurrent page: %s (%s)", pc.Title, pc.URL)
		if pc.Text != "" {
			user.WriteString("\nPage excerpt: ")
			user.WriteString(truncateRunes(pc.Text, 2000))
		}
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: buildSystemPrompt(req.AgentType)},
		{Role: llm.RoleUser, Content: user.String()},
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
