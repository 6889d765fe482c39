package capability

import (
	"strings"
)

type sensitivityKind uint8

const (
	kindStatic sensitivityKind = iota
	kindPredicate
)

// Sensitivity: tagged union Static(bool) | Predicate(func(args) bool).
// Нулевое значение эквивалентно Static(false).
type Sensitivity struct {
	kind   sensitivityKind
	static bool
	pred   func(args map[string]interface{}) bool
	desc   string
}

func Static(sensitive bool) Sensitivity {
	return Sensitivity{kind: kindStatic, static: sensitive}
}

// Predicate оборачивает функцию от аргументов. desc попадает в логи и причину апрува.
func Predicate(desc string, fn func(args map[string]interface{}) bool) Sensitivity {
	return Sensitivity{kind: kindPredicate, pred: fn, desc: desc}
}

// Evaluate: единственная точка вычисления чувствительности.
func (s Sensitivity) Evaluate(args map[string]interface{}) bool {
	switch s.kind {
	case kindPredicate:
		if s.pred == nil {
			return true
		}
		return s.pred(args)
	default:
		return s.static
	}
}

func (s Sensitivity) String() string {
	if s.kind == kindPredicate {
		return "predicate(" + s.desc + ")"
	}
	if s.static {
		return "always"
	}
	return "never"
}

// RecipientThreshold: рассылка больше чем на столько адресатов считается чувствительной.
const RecipientThreshold = 5

// MoreRecipientsThan строит предикат "число адресатов в полях больше n".
// Адресаты считаются по всем перечисленным полям (to, cc, bcc).
func MoreRecipientsThan(n int, fields ...string) Sensitivity {
	return Predicate("recipients > threshold", func(args map[string]interface{}) bool {
		total := 0
		for _, f := range fields {
			total += countRecipients(args[f])
		}
		return total > n
	})
}

// TargetMentions: чувствительно, если в указанном поле встречается одно из слов.
func TargetMentions(field string, words ...string) Sensitivity {
	return Predicate("target mentions sensitive keyword", func(args map[string]interface{}) bool {
		v, _ := args[field].(string)
		v = strings.ToLower(v)
		for _, w := range words {
			if strings.Contains(v, w) {
				return true
			}
		}
		return false
	})
}

// countRecipients понимает строку "a@x, b@y; c@z" и списки из JSON ([]interface{} / []string).
func countRecipients(v interface{}) int {
	switch t := v.(type) {
	case string:
		n := 0
		for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ';' }) {
			if strings.TrimSpace(part) != "" {
				n++
			}
		}
		return n
	case []string:
		n := 0
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				n++
			}
		}
		return n
	case []interface{}:
		n := 0
		for _, item := range t {
			n += countRecipients(item)
		}
		return n
	default:
		return 0
	}
}
