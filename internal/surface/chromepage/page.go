// Package chromepage: реализация runner.Page поверх Chrome DevTools Protocol (chromedp).
package chromepage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xela07ax/spaceai-browser-bridge/internal/surface/runner"
)

var errElementMissing = errors.New("chromepage: element disappeared")

type Config struct {
	Headless      bool          `mapstructure:"headless"`
	ExecPath      string        `mapstructure:"exec_path"`
	UserDataDir   string        `mapstructure:"user_data_dir"`
	Args          []string      `mapstructure:"args"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
}

// Page держит одну вкладку Chrome. Все вызовы идут последовательно из runner.
type Page struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *zap.Logger
}

var _ runner.Page = (*Page)(nil)

func execOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// Launch поднимает браузер и открывает вкладку. Close освобождает процесс.
func Launch(parent context.Context, cfg Config, logger *zap.Logger) (*Page, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 15 * time.Second
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, execOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("chromepage: start browser: %w", err)
	}
	logger.Named("chromepage").Info("Браузер запущен", zap.Bool("headless", cfg.Headless))

	return &Page{
		ctx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
		timeout: cfg.ActionTimeout,
		logger:  logger.Named("chromepage"),
	}, nil
}

func (p *Page) Close() { p.cancel() }

// run выполняет actions в контексте вкладки с таймаутом и отменой от вызывающего.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

func (p *Page) Snapshot(ctx context.Context) (*html.Node, error) {
	var outer string
	if err := p.run(ctx, chromedp.OuterHTML("html", &outer, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return htmlquery.Parse(strings.NewReader(outer))
}

func (p *Page) ScrollIntoView(ctx context.Context, xpath string) error {
	return p.run(ctx, chromedp.ScrollIntoView(xpath, chromedp.BySearch))
}

func (p *Page) BoundingBox(ctx context.Context, xpath string) (runner.Box, error) {
	var model *dom.BoxModel
	if err := p.run(ctx, chromedp.Dimensions(xpath, &model, chromedp.BySearch)); err != nil {
		return runner.Box{}, err
	}
	if model == nil {
		return runner.Box{}, nil
	}
	box := runner.Box{Width: float64(model.Width), Height: float64(model.Height)}
	if len(model.Content) >= 2 {
		box.X, box.Y = model.Content[0], model.Content[1]
	}
	return box, nil
}

func (p *Page) Click(ctx context.Context, xpath string) error {
	return p.run(ctx, chromedp.Click(xpath, chromedp.BySearch))
}

func (p *Page) SetValue(ctx context.Context, xpath, value string) error {
	return p.eval(ctx, setValueJS, xpath, value)
}

func (p *Page) SetChecked(ctx context.Context, xpath string, checked bool) error {
	return p.eval(ctx, setCheckedJS, xpath, checked)
}

func (p *Page) Text(ctx context.Context, xpath string) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Text(xpath, &text, chromedp.BySearch))
	return strings.TrimSpace(text), err
}

func (p *Page) eval(ctx context.Context, fn, xpath string, arg interface{}) error {
	script, err := buildCall(fn, xpath, arg)
	if err != nil {
		return err
	}
	var status string
	if err := p.run(ctx, chromedp.Evaluate(script, &status)); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("%w: %s", errElementMissing, xpath)
	}
	return nil
}

// buildCall вызывает JS-функцию с аргументами, сериализованными в JSON.
func buildCall(fn string, args ...interface{}) (string, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("chromepage: encode arg: %w", err)
		}
		parts = append(parts, string(b))
	}
	return fmt.Sprintf("(%s)(%s)", fn, strings.Join(parts, ", ")), nil
}

const findJS = `document.evaluate(xp, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`

// Сеттер прототипа нужен, чтобы React и подобные увидели изменение.
const setValueJS = `function(xp, v) {
  const el = ` + findJS + `;
  if (!el) return "missing";
  el.focus();
  if (el.isContentEditable) {
    el.textContent = v;
  } else {
    const d = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), "value");
    if (d && d.set) { d.set.call(el, v); } else { el.value = v; }
  }
  el.dispatchEvent(new Event("input", {bubbles: true}));
  el.dispatchEvent(new Event("change", {bubbles: true}));
  el.dispatchEvent(new Event("blur"));
  el.blur();
  return "ok";
}`

const setCheckedJS = `function(xp, c) {
  const el = ` + findJS + `;
  if (!el) return "missing";
  if ("checked" in el) { el.checked = c; } else { el.setAttribute("aria-checked", String(c)); }
  el.dispatchEvent(new Event("input", {bubbles: true}));
  el.dispatchEvent(new Event("change", {bubbles: true}));
  el.dispatchEvent(new Event("blur"));
  return "ok";
}`
