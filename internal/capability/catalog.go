package capability

// Идентификаторы capability, которые понимает поверхность исполнения.
const (
	OpenURL        = "open_url"
	SmartUICommand = "smart_ui_command"
	EmailSendAPI   = "email_send_api"
	EmailComposeUI = "email_compose_ui"
	AnalyzeAndAct  = "analyze_and_act"
)

// Под-действия smart_ui_command.
const (
	SmartClick    = "smart_click"
	SmartFill     = "smart_fill"
	SmartNavigate = "smart_navigate"
	SmartWait     = "smart_wait"
	SmartExtract  = "smart_extract"
)

// Scopes
const (
	ScopeBrowserNavigate = "browser.navigate"
	ScopeBrowserInteract = "browser.interact"
	ScopeBrowserRead     = "browser.read"
	ScopeEmailSend       = "email.send"
	ScopeEmailCompose    = "email.compose"
)

// Слова, при которых клик/ввод по цели требует подтверждения человеком:
// платежи и безвозвратное удаление.
var sensitiveTargetWords = []string{
	"pay", "purchase", "checkout", "buy", "card", "password",
	"delete permanently", "permanently delete", "delete account", "empty trash",
}

// DefaultCatalog: каталог, с которым поднимается мост.
func DefaultCatalog() []Capability {
	return []Capability{
		{
			ID:          OpenURL,
			Title:       "Open URL",
			Description: "Navigate the active tab to an absolute URL.",
			Args: map[string]ArgSpec{
				"url": {Type: "string", Required: true},
			},
			Sensitivity: Static(false),
			Path:        PathUI,
			Scopes:      []string{ScopeBrowserNavigate},
		},
		{
			ID:          SmartUICommand,
			Title:       "Smart UI command",
			Description: "Resolve an element by natural-language description and act on it.",
			Args: map[string]ArgSpec{
				"action":  {Type: "string", Required: true, Doc: "smart_click | smart_fill | smart_navigate | smart_wait | smart_extract"},
				"target":  {Type: "string", Required: true},
				"value":   {Type: "string"},
				"timeout": {Type: "int", Doc: "milliseconds, advisory"},
			},
			Sensitivity: TargetMentions("target", sensitiveTargetWords...),
			Path:        PathUI,
			Scopes:      []string{ScopeBrowserInteract},
		},
		{
			ID:          EmailSendAPI,
			Title:       "Send email via API",
			Description: "Send an email through the user's linked mail account.",
			Args: map[string]ArgSpec{
				"to":      {Type: "[]string", Required: true},
				"cc":      {Type: "[]string"},
				"bcc":     {Type: "[]string"},
				"subject": {Type: "string"},
				"body":    {Type: "string", Required: true},
			},
			Sensitivity: MoreRecipientsThan(RecipientThreshold, "to", "cc", "bcc"),
			Path:        PathNativeAPI,
			Scopes:      []string{ScopeEmailSend},
		},
		{
			ID:          EmailComposeUI,
			Title:       "Compose email in web UI",
			Description: "Open the mail compose window and fill it; optionally press send.",
			Args: map[string]ArgSpec{
				"to":      {Type: "[]string", Required: true},
				"cc":      {Type: "[]string"},
				"subject": {Type: "string"},
				"body":    {Type: "string"},
				"send":    {Type: "bool"},
				"host":    {Type: "string"},
			},
			Sensitivity: MoreRecipientsThan(RecipientThreshold, "to", "cc"),
			Path:        PathUI,
			Scopes:      []string{ScopeEmailCompose, ScopeBrowserInteract},
		},
		{
			ID:          AnalyzeAndAct,
			Title:       "Analyze page and act",
			Description: "Inspect the current page and perform the described intent.",
			Args: map[string]ArgSpec{
				"instruction": {Type: "string", Required: true},
				"target":      {Type: "string"},
				"value":       {Type: "string"},
			},
			// Произвольное действие без явного маппинга всегда идет через человека
			Sensitivity: Static(true),
			Path:        PathUI,
			Scopes:      []string{ScopeBrowserRead, ScopeBrowserInteract},
		},
	}
}

// NewDefaultRegistry собирает реестр из DefaultCatalog.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultCatalog()...)
	if err != nil {
		// Каталог статический, ошибка здесь — ошибка программиста
		panic(err)
	}
	return r
}
