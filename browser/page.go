// Package browser implements core.Page over the Chrome DevTools Protocol.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"phishdecloaker/core"
)

var ErrNotFound = errors.New("no element matches locator")

// buttons are the candidates for ClickButtonMatching.
const buttons = `button, input[type="submit"], input[type="button"], a, [role="button"]`

type responseHook struct {
	id int
	fn func(core.Response)
}

type requestHook struct {
	id int
	fn func(core.Request)
}

// Page is one browser tab. Network hooks run on a single dispatch
// goroutine in arrival order.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	hookMu    sync.Mutex
	nextID    int
	responses []responseHook
	requests  []requestHook

	netMu    sync.Mutex
	pending  map[network.RequestID]*network.EventResponseReceived
	inflight int
	activity time.Time

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
}

func newPage(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Page {
	p := &Page{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		pending:  map[network.RequestID]*network.EventResponseReceived{},
		activity: time.Now(),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	chromedp.ListenTarget(ctx, p.onEvent)
	go p.dispatchLoop()
	return p
}

func (p *Page) enqueue(fn func()) {
	p.queueMu.Lock()
	p.queue = append(p.queue, fn)
	p.queueMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Page) dispatchLoop() {
	defer close(p.stopped)
	for {
		p.queueMu.Lock()
		batch := p.queue
		p.queue = nil
		p.queueMu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Page) touch(delta int) {
	p.netMu.Lock()
	p.inflight += delta
	if p.inflight < 0 {
		p.inflight = 0
	}
	p.activity = time.Now()
	p.netMu.Unlock()
}

// onEvent runs on the chromedp listener goroutine and must not block.
func (p *Page) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.touch(1)
		if e.Request == nil {
			return
		}
		req := core.Request{URL: e.Request.URL, Method: e.Request.Method}
		p.enqueue(func() { p.fireRequest(req) })

	case *network.EventResponseReceived:
		p.netMu.Lock()
		p.pending[e.RequestID] = e
		p.netMu.Unlock()

	case *network.EventLoadingFailed:
		p.touch(-1)
		p.netMu.Lock()
		delete(p.pending, e.RequestID)
		p.netMu.Unlock()

	case *network.EventLoadingFinished:
		p.touch(-1)
		p.netMu.Lock()
		rr, ok := p.pending[e.RequestID]
		delete(p.pending, e.RequestID)
		p.netMu.Unlock()
		if !ok || rr.Response == nil {
			return
		}
		id := e.RequestID
		res := core.NewLazyResponse(
			rr.Response.URL,
			int(rr.Response.Status),
			rr.Response.MimeType,
			rr.Type == network.ResourceTypeDocument,
			func() ([]byte, error) { return p.responseBody(id) },
		)
		p.enqueue(func() { p.fireResponse(res) })
	}
}

func (p *Page) responseBody(id network.RequestID) ([]byte, error) {
	var body []byte
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	return body, err
}

func (p *Page) fireResponse(res core.Response) {
	p.hookMu.Lock()
	hooks := append([]responseHook(nil), p.responses...)
	p.hookMu.Unlock()
	for _, h := range hooks {
		p.safely(func() { h.fn(res) })
	}
}

func (p *Page) fireRequest(req core.Request) {
	p.hookMu.Lock()
	hooks := append([]requestHook(nil), p.requests...)
	p.hookMu.Unlock()
	for _, h := range hooks {
		p.safely(func() { h.fn(req) })
	}
}

func (p *Page) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("network hook panic", zap.Any("panic", r))
		}
	}()
	fn()
}

func (p *Page) OnResponse(fn func(core.Response)) (remove func()) {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	p.nextID++
	id := p.nextID
	p.responses = append(p.responses, responseHook{id: id, fn: fn})
	return func() {
		p.hookMu.Lock()
		defer p.hookMu.Unlock()
		for i, h := range p.responses {
			if h.id == id {
				p.responses = append(p.responses[:i:i], p.responses[i+1:]...)
				return
			}
		}
	}
}

func (p *Page) OnRequest(fn func(core.Request)) (remove func()) {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	p.nextID++
	id := p.nextID
	p.requests = append(p.requests, requestHook{id: id, fn: fn})
	return func() {
		p.hookMu.Lock()
		defer p.hookMu.Unlock()
		for i, h := range p.requests {
			if h.id == id {
				p.requests = append(p.requests[:i:i], p.requests[i+1:]...)
				return
			}
		}
	}
}

// open performs the tab's first run. chromedp allocates the browser on
// the first run and ties its lifetime to that run's context, so this one
// runs on the tab context itself. A cancelled ctx closes the tab.
func (p *Page) open(ctx context.Context, actions ...chromedp.Action) error {
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	err := chromedp.Run(p.ctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return translate(err)
}

// run executes actions on an opened tab, bounded by the caller's ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return translate(err)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "context was destroyed") ||
		strings.Contains(msg, "Cannot find context with specified id") ||
		strings.Contains(msg, "Inspected target navigated or closed") {
		return fmt.Errorf("%w: %v", core.ErrNavigated, err)
	}
	return err
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

// WaitIdle returns once no request has been in flight for quiet.
func (p *Page) WaitIdle(ctx context.Context, quiet time.Duration) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		p.netMu.Lock()
		idle := p.inflight == 0 && time.Since(p.activity) >= quiet
		p.netMu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nodes resolves every element a locator matches without waiting.
func (p *Page) nodes(ctx context.Context, l core.Locator) ([]*cdp.Node, error) {
	opts := []chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}
	if l.Frame != "" {
		var frames []*cdp.Node
		if err := chromedp.Nodes(l.Frame, &frames, chromedp.ByQueryAll, chromedp.AtLeast(0)).Do(ctx); err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			return nil, fmt.Errorf("%w: frame %s", ErrNotFound, l.Frame)
		}
		opts = append(opts, chromedp.FromNode(frames[0]))
	}
	var nodes []*cdp.Node
	if err := chromedp.Nodes(l.Selector, &nodes, opts...).Do(ctx); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (p *Page) node(ctx context.Context, l core.Locator) (*cdp.Node, error) {
	nodes, err := p.nodes(ctx, l)
	if err != nil {
		return nil, err
	}
	if l.Index < 0 || l.Index >= len(nodes) {
		return nil, fmt.Errorf("%w: %s %s[%d]", ErrNotFound, l.Frame, l.Selector, l.Index)
	}
	return nodes[l.Index], nil
}

// withNode runs fn against the element a locator points at.
func (p *Page) withNode(ctx context.Context, l core.Locator, fn func(ctx context.Context, n *cdp.Node) error) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		n, err := p.node(ctx, l)
		if err != nil {
			return err
		}
		return fn(ctx, n)
	}))
}

func callOn(ctx context.Context, n *cdp.Node, fn string, out interface{}) error {
	obj, err := dom.ResolveNode().WithNodeID(n.NodeID).Do(ctx)
	if err != nil {
		return err
	}
	res, exc, err := cdpruntime.CallFunctionOn(fn).
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil {
		return err
	}
	if exc != nil {
		return fmt.Errorf("script exception: %s", exc.Text)
	}
	if out == nil || res == nil || len(res.Value) == 0 {
		return nil
	}
	return json.Unmarshal([]byte(res.Value), out)
}

func box(ctx context.Context, n *cdp.Node) (core.Box, error) {
	if err := dom.ScrollIntoViewIfNeeded().WithNodeID(n.NodeID).Do(ctx); err != nil {
		return core.Box{}, err
	}
	quads, err := dom.GetContentQuads().WithNodeID(n.NodeID).Do(ctx)
	if err != nil {
		return core.Box{}, err
	}
	if len(quads) == 0 || len(quads[0]) < 8 {
		return core.Box{}, fmt.Errorf("%w: element has no layout", ErrNotFound)
	}
	q := quads[0]
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i < len(q); i += 2 {
		minX, maxX = math.Min(minX, q[i]), math.Max(maxX, q[i])
		minY, maxY = math.Min(minY, q[i+1]), math.Max(maxY, q[i+1])
	}
	return core.Box{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, nil
}

func (p *Page) Count(ctx context.Context, l core.Locator) (int, error) {
	var n int
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		nodes, err := p.nodes(ctx, l)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		n = len(nodes)
		return err
	}))
	return n, err
}

func (p *Page) Click(ctx context.Context, l core.Locator) error {
	return p.withNode(ctx, l, func(ctx context.Context, n *cdp.Node) error {
		return chromedp.MouseClickNode(n).Do(ctx)
	})
}

func (p *Page) Text(ctx context.Context, l core.Locator) (string, error) {
	var s string
	err := p.withNode(ctx, l, func(ctx context.Context, n *cdp.Node) error {
		return callOn(ctx, n, `function() { return this.innerText || this.textContent || ""; }`, &s)
	})
	return s, err
}

func (p *Page) Attribute(ctx context.Context, l core.Locator, name string) (string, error) {
	var s *string
	err := p.withNode(ctx, l, func(ctx context.Context, n *cdp.Node) error {
		return callOn(ctx, n, fmt.Sprintf(`function() { return this.getAttribute(%s); }`, strconv.Quote(name)), &s)
	})
	if err != nil || s == nil {
		return "", err
	}
	return *s, nil
}

func (p *Page) BoundingBox(ctx context.Context, l core.Locator) (core.Box, error) {
	var b core.Box
	err := p.withNode(ctx, l, func(ctx context.Context, n *cdp.Node) error {
		var err error
		b, err = box(ctx, n)
		return err
	})
	return b, err
}

func (p *Page) Screenshot(ctx context.Context, l core.Locator) ([]byte, error) {
	var img []byte
	err := p.withNode(ctx, l, func(ctx context.Context, n *cdp.Node) error {
		b, err := box(ctx, n)
		if err != nil {
			return err
		}
		img, err = cdppage.CaptureScreenshot().
			WithFormat(cdppage.CaptureScreenshotFormatPng).
			WithClip(&cdppage.Viewport{X: b.X, Y: b.Y, Width: b.Width, Height: b.Height, Scale: 1}).
			Do(ctx)
		return err
	})
	return img, err
}

func (p *Page) Type(ctx context.Context, l core.Locator, text string) error {
	return p.withNode(ctx, l, func(ctx context.Context, n *cdp.Node) error {
		if err := callOn(ctx, n, `function() { this.focus(); }`, nil); err != nil {
			return err
		}
		return chromedp.KeyEvent(text).Do(ctx)
	})
}

// ClickButtonMatching clicks every visible button whose label matches.
func (p *Page) ClickButtonMatching(ctx context.Context, pattern *regexp.Regexp) (bool, error) {
	clicked := false
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		nodes, err := p.nodes(ctx, core.On(buttons))
		if err != nil {
			return err
		}
		for _, n := range nodes {
			var label string
			if err := callOn(ctx, n, `function() { return (this.innerText || this.value || "").trim(); }`, &label); err != nil {
				continue
			}
			if label == "" || !pattern.MatchString(label) {
				continue
			}
			if err := chromedp.MouseClickNode(n).Do(ctx); err != nil {
				p.logger.Debug("button click", zap.String("label", label), zap.Error(err))
				continue
			}
			clicked = true
		}
		return nil
	}))
	return clicked, err
}

func (p *Page) mouse(ctx context.Context, typ input.MouseType, x, y float64) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		ev := input.DispatchMouseEvent(typ, x, y)
		if typ != input.MouseMoved {
			ev = ev.WithButton(input.Left).WithClickCount(1)
		}
		return ev.Do(ctx)
	}))
}

func (p *Page) MouseMove(ctx context.Context, x, y float64) error {
	return p.mouse(ctx, input.MouseMoved, x, y)
}

func (p *Page) MouseDown(ctx context.Context, x, y float64) error {
	return p.mouse(ctx, input.MousePressed, x, y)
}

func (p *Page) MouseUp(ctx context.Context, x, y float64) error {
	return p.mouse(ctx, input.MouseReleased, x, y)
}

func (p *Page) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var img []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		img, err = cdppage.CaptureScreenshot().WithFormat(cdppage.CaptureScreenshotFormatPng).Do(ctx)
		return err
	}))
	return img, err
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *Page) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	<-p.stopped
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
