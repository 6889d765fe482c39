package resolver

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// siteRule: если описание содержит одно из слов — пробуем XPath по порядку.
// hosts == nil: правило для любых форм.
type siteRule struct {
	hosts  []string
	words  []string
	xpaths []string
}

var (
	mailHosts    = []string{"mail.google.com", "outlook.live.com", "outlook.office.com"}
	networkHosts = []string{"linkedin.com"}
)

var siteRules = []siteRule{
	// Почта
	{mailHosts, []string{"compose", "new message", "write"}, []string{
		`//div[@role='button' and @gh='cm']`,
		`//*[@role='button' and contains(translate(., 'COMPOSE', 'compose'), 'compose')]`,
		`//button[contains(@aria-label, 'New mail')]`,
	}},
	{mailHosts, []string{"recipient", "to field", "to:"}, []string{
		`//input[@aria-label='To recipients']`,
		`//textarea[@name='to']`,
		`//input[@name='to']`,
	}},
	{mailHosts, []string{"subject"}, []string{
		`//input[@name='subjectbox']`,
		`//input[contains(@aria-label, 'Subject')]`,
	}},
	{mailHosts, []string{"body", "message"}, []string{
		`//div[@aria-label='Message Body']`,
		`//div[@role='textbox' and @contenteditable='true']`,
	}},
	{mailHosts, []string{"send"}, []string{
		`//div[@role='button' and starts-with(@data-tooltip, 'Send')]`,
		`//button[@aria-label='Send']`,
	}},

	// Профессиональная сеть
	{networkHosts, []string{"post", "share"}, []string{
		`//button[contains(@class, 'share-box-feed-entry__trigger')]`,
		`//button[contains(., 'Start a post')]`,
	}},
	{networkHosts, []string{"message"}, []string{
		`//div[contains(@class, 'msg-form__contenteditable')]`,
	}},
	{networkHosts, []string{"search"}, []string{
		`//input[contains(@class, 'search-global-typeahead__input')]`,
	}},
	{networkHosts, []string{"connect"}, []string{
		`//button[contains(@aria-label, 'connect')]`,
	}},

	// Обычные формы
	{nil, []string{"submit", "send", "save", "continue", "sign in", "log in"}, []string{
		`//form//button[@type='submit']`,
		`//form//input[@type='submit']`,
		`//form//button[not(@type)]`,
	}},
	{nil, []string{"email"}, []string{`//input[@type='email']`, `//input[@autocomplete='email']`}},
	{nil, []string{"password"}, []string{`//input[@type='password']`}},
	{nil, []string{"search"}, []string{`//input[@type='search']`, `//input[@name='q']`}},
	{nil, []string{"name"}, []string{`//input[@autocomplete='name']`, `//input[@name='name']`}},
	{nil, []string{"message", "comment"}, []string{`//form//textarea`}},
}

func bySiteHeuristic(doc *html.Node, q Query) *html.Node {
	for _, rule := range siteRules {
		if rule.hosts != nil && !hostMatches(q.Host, rule.hosts) {
			continue
		}
		if !containsAnyWord(q.Description, rule.words) {
			continue
		}
		for _, xp := range rule.xpaths {
			nodes, err := htmlquery.QueryAll(doc, xp)
			if err != nil {
				continue
			}
			for _, n := range nodes {
				if !hidden(n) && !disabled(n) {
					return n
				}
			}
		}
	}
	return nil
}

func hostMatches(host string, hosts []string) bool {
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func containsAnyWord(desc string, words []string) bool {
	for _, w := range words {
		if strings.Contains(desc, w) {
			return true
		}
	}
	return false
}
