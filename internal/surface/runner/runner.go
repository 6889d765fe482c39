// Package runner исполняет шаги плана на странице строго последовательно.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"github.com/xela07ax/spaceai-browser-bridge/internal/surface/resolver"
)

// criticalMarker: подстрока ошибки, которая останавливает оставшиеся шаги.
const criticalMarker = "critical"

var (
	ErrNotVisible  = errors.New("element not visible")
	ErrUnsupported = errors.New("unsupported action")
)

type Config struct {
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	StepDelay    time.Duration `mapstructure:"step_delay"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		SettleDelay:  500 * time.Millisecond,
		StepDelay:    time.Second,
		WaitTimeout:  10 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

// StepReport: итог одного шага.
type StepReport struct {
	Index    int           `json:"step"`
	Action   domain.Action `json:"action"`
	Target   string        `json:"target"`
	Success  bool          `json:"success"`
	Result   interface{}   `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Strategy string        `json:"strategy,omitempty"`
}

type Result struct {
	Steps     []StepReport `json:"steps"`
	Completed int          `json:"completed"`
	Halted    bool         `json:"halted"`
}

// Success: все шаги выполнены без ошибок.
func (r Result) Success() bool {
	return !r.Halted && r.Completed == len(r.Steps)
}

type Runner struct {
	page     Page
	resolver *resolver.Resolver
	cfg      Config
	logger   *zap.Logger
}

func New(page Page, res *resolver.Resolver, cfg Config, logger *zap.Logger) *Runner {
	if res == nil {
		res = resolver.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{page: page, resolver: res, cfg: cfg, logger: logger.Named("runner")}
}

// Run выполняет шаги по одному. Ошибка шага записывается в отчет и не прерывает
// прогон, если в ее тексте нет "critical". Отмена контекста останавливает прогон.
func (r *Runner) Run(ctx context.Context, steps []domain.Step) Result {
	res := Result{Steps: make([]StepReport, 0, len(steps))}
	for i, step := range steps {
		rep := StepReport{Index: i, Action: step.Action, Target: step.Target}
		out, strategy, err := r.execute(ctx, step)
		rep.Strategy = strategy
		if err != nil {
			rep.Error = err.Error()
			r.logger.Warn("Шаг не выполнен",
				zap.Int("step", i),
				zap.String("action", string(step.Action)),
				zap.String("target", step.Target),
				zap.Error(err),
			)
		} else {
			rep.Success = true
			rep.Result = out
			res.Completed++
		}
		res.Steps = append(res.Steps, rep)

		if err != nil && (strings.Contains(err.Error(), criticalMarker) || ctx.Err() != nil) {
			res.Halted = true
			break
		}
		if i < len(steps)-1 {
			if err := sleep(ctx, r.cfg.StepDelay); err != nil {
				res.Halted = true
				break
			}
		}
	}
	return res
}

func (r *Runner) execute(ctx context.Context, step domain.Step) (interface{}, string, error) {
	switch step.Action {
	case domain.ActionNavigate:
		if err := r.page.Navigate(ctx, step.Target); err != nil {
			return nil, "", fmt.Errorf("navigate %s: %w", step.Target, err)
		}
		return step.Target, "", nil

	case domain.ActionClick:
		m, err := r.resolve(ctx, step.Target)
		if err != nil {
			return nil, "", err
		}
		return nil, m.Strategy, r.click(ctx, m)

	case domain.ActionFill:
		m, err := r.resolve(ctx, step.Target)
		if err != nil {
			return nil, "", err
		}
		return nil, m.Strategy, r.fill(ctx, m, step.Value)

	case domain.ActionWait:
		return r.wait(ctx, step)

	case domain.ActionExtract:
		return r.extract(ctx, step.Target)
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnsupported, step.Action)
}

func (r *Runner) resolve(ctx context.Context, target string) (resolver.Match, error) {
	doc, err := r.page.Snapshot(ctx)
	if err != nil {
		return resolver.Match{}, fmt.Errorf("snapshot: %w", err)
	}
	return r.resolver.Resolve(doc, target, r.host(ctx))
}

func (r *Runner) host(ctx context.Context) string {
	raw, err := r.page.CurrentURL(ctx)
	if err != nil {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// click: прокрутка, пауза на перерисовку, повторная проверка размеров.
func (r *Runner) click(ctx context.Context, m resolver.Match) error {
	if err := r.page.ScrollIntoView(ctx, m.XPath); err != nil {
		return fmt.Errorf("scroll into view: %w", err)
	}
	if err := sleep(ctx, r.cfg.SettleDelay); err != nil {
		return err
	}
	box, err := r.page.BoundingBox(ctx, m.XPath)
	if err != nil {
		return fmt.Errorf("bounding box: %w", err)
	}
	if box.Width <= 0 || box.Height <= 0 {
		return ErrNotVisible
	}
	return r.page.Click(ctx, m.XPath)
}

func (r *Runner) fill(ctx context.Context, m resolver.Match, value string) error {
	if isToggle(m.Node) {
		return r.page.SetChecked(ctx, m.XPath, coerceBool(value))
	}
	return r.page.SetValue(ctx, m.XPath, value)
}

// wait без цели: просто пауза; с целью — опрос до появления элемента.
func (r *Runner) wait(ctx context.Context, step domain.Step) (interface{}, string, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.cfg.WaitTimeout
	}
	if strings.TrimSpace(step.Target) == "" {
		return nil, "", sleep(ctx, timeout)
	}

	deadline := time.Now().Add(timeout)
	for {
		m, err := r.resolve(ctx, step.Target)
		if err == nil {
			return nil, m.Strategy, nil
		}
		if !errors.Is(err, resolver.ErrNotFound) {
			return nil, "", err
		}
		if time.Now().After(deadline) {
			return nil, "", fmt.Errorf("wait for %q: %w", step.Target, err)
		}
		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			return nil, "", err
		}
	}
}

// extract: текст найденного элемента или всей страницы.
func (r *Runner) extract(ctx context.Context, target string) (interface{}, string, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "page", "body", "document":
		text, err := r.page.Text(ctx, "//body")
		return text, "", err
	}
	m, err := r.resolve(ctx, target)
	if err != nil {
		return nil, "", err
	}
	text, err := r.page.Text(ctx, m.XPath)
	return text, m.Strategy, err
}

func isToggle(n *html.Node) bool {
	if n == nil {
		return false
	}
	if role := htmlquery.SelectAttr(n, "role"); role == "checkbox" || role == "radio" || role == "switch" {
		return true
	}
	if n.Data != "input" {
		return false
	}
	t := strings.ToLower(htmlquery.SelectAttr(n, "type"))
	return t == "checkbox" || t == "radio"
}

func coerceBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on", "checked", "y":
		return true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
