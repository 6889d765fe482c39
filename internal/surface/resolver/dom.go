package resolver

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "tab": true, "menuitem": true, "checkbox": true,
	"radio": true, "textbox": true, "searchbox": true, "combobox": true, "switch": true, "option": true,
}

var skipText = map[string]bool{"script": true, "style": true, "noscript": true, "head": true, "template": true}

// elements: все элементы документа в порядке обхода.
func elements(doc *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipText[n.Data] {
				return
			}
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func attr(n *html.Node, key string) string { return htmlquery.SelectAttr(n, key) }

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// hidden грубо проверяет разметку, живую видимость проверяет runner.
func hidden(n *html.Node) bool {
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if hasAttr(p, "hidden") || attr(p, "aria-hidden") == "true" {
			return true
		}
		style := strings.ReplaceAll(strings.ToLower(attr(p, "style")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden")
}

func disabled(n *html.Node) bool {
	return hasAttr(n, "disabled") || attr(n, "aria-disabled") == "true"
}

// roleOf возвращает явную или неявную ARIA-роль элемента.
func roleOf(n *html.Node) string {
	if r := strings.ToLower(strings.TrimSpace(attr(n, "role"))); r != "" {
		return r
	}
	switch n.Data {
	case "button":
		return "button"
	case "a":
		if hasAttr(n, "href") {
			return "link"
		}
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "submit", "button", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "search":
			return "searchbox"
		case "", "text", "email", "password", "tel", "url", "number":
			return "textbox"
		}
	}
	if strings.EqualFold(attr(n, "contenteditable"), "true") || (hasAttr(n, "contenteditable") && attr(n, "contenteditable") == "") {
		return "textbox"
	}
	return ""
}

func interactable(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode || hidden(n) || disabled(n) {
		return false
	}
	if interactiveRoles[roleOf(n)] {
		return true
	}
	switch n.Data {
	case "summary", "label":
		return true
	}
	return hasAttr(n, "onclick")
}

// accessibleName: все, чем элемент себя называет.
func accessibleName(n *html.Node) string {
	parts := []string{
		attr(n, "aria-label"), attr(n, "placeholder"), attr(n, "title"),
		attr(n, "name"), attr(n, "value"), htmlquery.InnerText(n),
	}
	return normalize(strings.Join(parts, " "))
}

func isAncestor(anc, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == anc {
			return true
		}
	}
	return false
}
