package runner

import (
	"context"

	"golang.org/x/net/html"
)

// Box: размеры элемента в CSS-пикселях.
type Box struct {
	X, Y, Width, Height float64
}

// Page: порт живой страницы. Элементы адресуются XPath, который выдал resolver.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	// Snapshot возвращает текущий DOM (outerHTML документа), разобранный в дерево.
	Snapshot(ctx context.Context) (*html.Node, error)
	ScrollIntoView(ctx context.Context, xpath string) error
	BoundingBox(ctx context.Context, xpath string) (Box, error)
	Click(ctx context.Context, xpath string) error
	// SetValue и SetChecked обязаны диспатчить input, change и blur.
	SetValue(ctx context.Context, xpath, value string) error
	SetChecked(ctx context.Context, xpath string, checked bool) error
	Text(ctx context.Context, xpath string) (string, error)
}
