package resolver

import (
	"strings"

	"golang.org/x/net/html"
)

var testIDAttrs = []string{"data-testid", "data-test-id", "data-test", "data-qa", "data-cy"}

// byTestID: test-id атрибут, содержащий ключевое слово описания.
// Из нескольких кандидатов берется тот, что покрывает больше слов.
func byTestID(doc *html.Node, q Query) *html.Node {
	var best *html.Node
	bestScore := 0
	for _, n := range elements(doc) {
		if hidden(n) {
			continue
		}
		for _, key := range testIDAttrs {
			v := attr(n, key)
			if v == "" {
				continue
			}
			v = strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(strings.ToLower(v))
			score := 0
			for _, kw := range q.Keywords {
				if len(kw) >= 3 && strings.Contains(v, kw) {
					score++
				}
			}
			if score > bestScore {
				best, bestScore = n, score
			}
		}
	}
	return best
}

func byAriaLabel(doc *html.Node, q Query) *html.Node {
	return byContainment(doc, q, "aria-label")
}

func byPlaceholder(doc *html.Node, q Query) *html.Node {
	return byContainment(doc, q, "placeholder")
}

// byContainment: точное совпадение > атрибут содержит описание > описание содержит атрибут.
func byContainment(doc *html.Node, q Query, key string) *html.Node {
	var best *html.Node
	bestScore := 0
	for _, n := range elements(doc) {
		v := normalize(attr(n, key))
		if v == "" || hidden(n) {
			continue
		}
		if s := containmentScore(v, q.Description); s > bestScore {
			best, bestScore = n, s
		}
	}
	return best
}

func containmentScore(text, desc string) int {
	switch {
	case text == desc:
		return 3
	case strings.Contains(text, desc):
		return 2
	case len(text) >= 3 && strings.Contains(desc, text):
		return 1
	}
	return 0
}

// byVisibleText ищет текст и поднимается к ближайшему интерактивному предку.
func byVisibleText(doc *html.Node, q Query) *html.Node {
	var best *html.Node
	bestScore := 0

	consider := func(text string, from *html.Node) {
		s := containmentScore(normalize(text), q.Description) * 2
		if s == 0 {
			return
		}
		target := from
		for p := from; p != nil && p.Type == html.ElementNode; p = p.Parent {
			if interactable(p) {
				target = p
				s++
				break
			}
		}
		if hidden(target) {
			return
		}
		if s > bestScore {
			best, bestScore = target, s
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skipText[n.Data] {
				return
			}
			if n.Data == "input" {
				switch strings.ToLower(attr(n, "type")) {
				case "submit", "button", "reset":
					consider(attr(n, "value"), n)
				}
			}
		case html.TextNode:
			if n.Parent != nil && n.Parent.Type == html.ElementNode {
				consider(n.Data, n.Parent)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return best
}

// roleTable: ключевое слово описания -> ARIA-роль. Порядок важен.
var roleTable = []struct {
	word string
	role string
}{
	{"checkbox", "checkbox"},
	{"radio", "radio"},
	{"dropdown", "combobox"},
	{"combobox", "combobox"},
	{"search", "searchbox"},
	{"textbox", "textbox"},
	{"textarea", "textbox"},
	{"field", "textbox"},
	{"input", "textbox"},
	{"box", "textbox"},
	{"button", "button"},
	{"submit", "button"},
	{"link", "link"},
	{"tab", "tab"},
	{"menu", "menuitem"},
}

func roleHint(keywords []string) (string, string) {
	for _, r := range roleTable {
		for _, kw := range keywords {
			if kw == r.word {
				return r.role, r.word
			}
		}
	}
	return "", ""
}

// byRole: роль по ключевому слову, среди кандидатов — тот, чье имя содержит остальные слова.
func byRole(doc *html.Node, q Query) *html.Node {
	role, word := roleHint(q.Keywords)
	if role == "" {
		return nil
	}
	var first *html.Node
	for _, n := range elements(doc) {
		if roleOf(n) != role || hidden(n) || disabled(n) {
			continue
		}
		if first == nil {
			first = n
		}
		name := accessibleName(n)
		for _, kw := range q.Keywords {
			if kw != word && len(kw) >= 2 && strings.Contains(name, kw) {
				return n
			}
		}
	}
	return first
}

type relation struct {
	phrase   string
	backward bool
}

var relations = []relation{
	{" next to ", false}, {" near ", false}, {" beside ", false},
	{" below ", false}, {" under ", false}, {" after ", false},
	{" right of ", false}, {" above ", true}, {" before ", true}, {" left of ", true},
}

// byPosition: "поле ввода рядом с Email" — найти опорный элемент и ближайший
// интерактивный элемент в порядке документа.
func byPosition(doc *html.Node, q Query) *html.Node {
	padded := " " + q.Description + " "
	var rel relation
	idx := -1
	for _, r := range relations {
		if i := strings.Index(padded, r.phrase); i >= 0 {
			rel, idx = r, i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	targetPart := strings.TrimSpace(padded[:idx])
	refPart := strings.TrimSpace(strings.TrimPrefix(padded[idx+len(rel.phrase):], "the "))
	if refPart == "" {
		return nil
	}

	ref := byVisibleText(doc, NewQuery(refPart, q.Host))
	if ref == nil {
		ref = byContainment(doc, NewQuery(refPart, q.Host), "aria-label")
	}
	if ref == nil {
		return nil
	}

	role, _ := roleHint(NewQuery(targetPart, q.Host).Keywords)
	all := elements(doc)
	refIdx := -1
	for i, n := range all {
		if n == ref {
			refIdx = i
			break
		}
	}
	if refIdx < 0 {
		return nil
	}

	match := func(n *html.Node) bool {
		if n == ref || isAncestor(n, ref) || n.Data == "label" || !interactable(n) {
			return false
		}
		return role == "" || roleOf(n) == role
	}
	if rel.backward {
		for i := refIdx - 1; i >= 0; i-- {
			if match(all[i]) {
				return all[i]
			}
		}
		return nil
	}
	for i := refIdx + 1; i < len(all); i++ {
		if isAncestor(ref, all[i]) && ref.Data != "label" {
			continue
		}
		if match(all[i]) {
			return all[i]
		}
	}
	return nil
}
