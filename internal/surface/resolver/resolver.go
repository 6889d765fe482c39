// Package resolver находит элемент страницы по описанию на естественном языке.
// Стратегии идут в фиксированном порядке; побеждает первая, нашедшая элемент.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ErrNotFound: ни одна стратегия не нашла элемент.
var ErrNotFound = errors.New("resolver: element not found")

// Match: найденный элемент и стабильный XPath для адресации в живом браузере.
type Match struct {
	Node     *html.Node
	XPath    string
	Strategy string
}

// Query: нормализованный запрос, общий для всех стратегий.
type Query struct {
	Description string   // lowercase, пробелы схлопнуты
	Keywords    []string // значимые слова описания
	Host        string
}

// Strategy: именованная стратегия поиска. Find возвращает nil, если не нашла.
type Strategy struct {
	Name string
	Find func(doc *html.Node, q Query) *html.Node
}

// DefaultStrategies в порядке приоритета.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "test_id", Find: byTestID},
		{Name: "aria_label", Find: byAriaLabel},
		{Name: "placeholder", Find: byPlaceholder},
		{Name: "visible_text", Find: byVisibleText},
		{Name: "role", Find: byRole},
		{Name: "position", Find: byPosition},
		{Name: "site_heuristic", Find: bySiteHeuristic},
	}
}

type Resolver struct {
	strategies []Strategy
}

func New(strategies ...Strategy) *Resolver {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Resolver{strategies: strategies}
}

// Resolve прогоняет цепочку стратегий. host — хост текущей страницы (для site_heuristic).
func (r *Resolver) Resolve(doc *html.Node, description, host string) (Match, error) {
	if doc == nil {
		return Match{}, fmt.Errorf("%w: empty document", ErrNotFound)
	}
	q := NewQuery(description, host)
	if q.Description == "" {
		return Match{}, fmt.Errorf("%w: empty description", ErrNotFound)
	}
	for _, s := range r.strategies {
		if n := s.Find(doc, q); n != nil {
			return Match{Node: n, XPath: XPathOf(n), Strategy: s.Name}, nil
		}
	}
	return Match{}, fmt.Errorf("%w: %q", ErrNotFound, description)
}

// stopWords не несут информации о цели.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "on": true, "in": true, "to": true, "of": true,
	"for": true, "and": true, "or": true, "with": true, "my": true, "this": true, "that": true,
	"click": true, "press": true, "tap": true, "enter": true, "type": true, "into": true, "select": true,
}

func NewQuery(description, host string) Query {
	desc := normalize(description)
	var kws []string
	for _, w := range strings.FieldsFunc(desc, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if len(w) >= 2 && !stopWords[w] {
			kws = append(kws, w)
		}
	}
	return Query{Description: desc, Keywords: kws, Host: strings.ToLower(host)}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
