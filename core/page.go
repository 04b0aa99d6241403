package core

import (
	"context"
	"regexp"
	"time"
)

// Locator addresses the Index-th element matching Selector, inside the
// iframe matched by Frame when Frame is set.
type Locator struct {
	Frame    string
	Selector string
	Index    int
}

func In(frame, selector string) Locator {
	return Locator{Frame: frame, Selector: selector}
}

func On(selector string) Locator {
	return Locator{Selector: selector}
}

func (l Locator) Nth(i int) Locator {
	l.Index = i
	return l
}

type Box struct {
	X, Y, Width, Height float64
}

func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

type Response struct {
	URL      string
	Status   int
	MimeType string
	// Document is set for main frame navigations.
	Document bool

	fetch func() ([]byte, error)
	body  []byte
}

func NewResponse(url string, status int, mimeType string, body []byte) Response {
	return Response{URL: url, Status: status, MimeType: mimeType, body: body}
}

// NewLazyResponse defers reading the body until a hook asks for it.
func NewLazyResponse(url string, status int, mimeType string, document bool, fetch func() ([]byte, error)) Response {
	return Response{URL: url, Status: status, MimeType: mimeType, Document: document, fetch: fetch}
}

func (r Response) Body() ([]byte, error) {
	if r.fetch != nil {
		return r.fetch()
	}
	return r.body, nil
}

type Request struct {
	URL    string
	Method string
}

// Page is the browser automation capability the solvers drive.
//
// Implementations deliver response and request hooks sequentially, in
// arrival order and in registration order, on a goroutine that is not the
// caller of any other Page method.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitIdle(ctx context.Context, quiet time.Duration) error

	Count(ctx context.Context, l Locator) (int, error)
	Click(ctx context.Context, l Locator) error
	Text(ctx context.Context, l Locator) (string, error)
	Attribute(ctx context.Context, l Locator, name string) (string, error)
	Screenshot(ctx context.Context, l Locator) ([]byte, error)
	BoundingBox(ctx context.Context, l Locator) (Box, error)
	Type(ctx context.Context, l Locator, text string) error
	ClickButtonMatching(ctx context.Context, pattern *regexp.Regexp) (bool, error)

	MouseMove(ctx context.Context, x, y float64) error
	MouseDown(ctx context.Context, x, y float64) error
	MouseUp(ctx context.Context, x, y float64) error

	CaptureScreenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)

	OnResponse(fn func(Response)) (remove func())
	OnRequest(fn func(Request)) (remove func())

	Close() error
}
