package core

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakePage records interactions and lets tests script network traffic in
// reaction to clicks. Hooks run synchronously in registration order.
type fakePage struct {
	mu        sync.Mutex
	nextID    int
	respHooks map[int]func(Response)
	reqHooks  map[int]func(Request)

	counts map[string]int
	texts  map[string]string
	attrs  map[string]string
	shots  map[string][]byte
	boxes  map[string]Box

	clicks []string
	typed  []string
	mouse  int
	downs  [][2]float64
	ups    [][2]float64

	onClick func(p *fakePage, l Locator)
}

func newFakePage() *fakePage {
	return &fakePage{
		respHooks: map[int]func(Response){},
		reqHooks:  map[int]func(Request){},
		counts:    map[string]int{},
		texts:     map[string]string{},
		attrs:     map[string]string{},
		shots:     map[string][]byte{},
		boxes:     map[string]Box{},
	}
}

func (p *fakePage) emit(r Response) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.respHooks))
	for id := range p.respHooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hooks := make([]func(Response), 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, p.respHooks[id])
	}
	p.mu.Unlock()
	for _, h := range hooks {
		h(r)
	}
}

func (p *fakePage) emitRequest(r Request) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.reqHooks))
	for id := range p.reqHooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hooks := make([]func(Request), 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, p.reqHooks[id])
	}
	p.mu.Unlock()
	for _, h := range hooks {
		h(r)
	}
}

// Typed lists the text entered so far.
func (p *fakePage) Typed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.typed...)
}

// Presses lists where the mouse button went down and up.
func (p *fakePage) Presses() (downs, ups [][2]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]float64(nil), p.downs...), append([][2]float64(nil), p.ups...)
}

func (p *fakePage) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

func (p *fakePage) Navigate(ctx context.Context, url string) error       { return nil }
func (p *fakePage) WaitIdle(ctx context.Context, quiet time.Duration) error { return nil }

func (p *fakePage) Count(ctx context.Context, l Locator) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.counts[l.Selector]; ok {
		return n, nil
	}
	return 1, nil
}

func (p *fakePage) Click(ctx context.Context, l Locator) error {
	p.mu.Lock()
	p.clicks = append(p.clicks, fmt.Sprintf("%s#%d", l.Selector, l.Index))
	fn := p.onClick
	p.mu.Unlock()
	if fn != nil {
		fn(p, l)
	}
	return nil
}

func (p *fakePage) Text(ctx context.Context, l Locator) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.texts[l.Selector], nil
}

func (p *fakePage) Attribute(ctx context.Context, l Locator, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attrs[l.Selector+"@"+name], nil
}

func (p *fakePage) Screenshot(ctx context.Context, l Locator) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if shot, ok := p.shots[l.Selector]; ok {
		return shot, nil
	}
	return []byte("png"), nil
}

func (p *fakePage) BoundingBox(ctx context.Context, l Locator) (Box, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.boxes[l.Selector]; ok {
		return b, nil
	}
	return Box{X: 10, Y: 10, Width: 40, Height: 40}, nil
}

func (p *fakePage) Type(ctx context.Context, l Locator, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed = append(p.typed, text)
	return nil
}

func (p *fakePage) ClickButtonMatching(ctx context.Context, pattern *regexp.Regexp) (bool, error) {
	return false, nil
}

func (p *fakePage) mouseEvent() error {
	p.mu.Lock()
	p.mouse++
	p.mu.Unlock()
	return nil
}

func (p *fakePage) MouseMove(ctx context.Context, x, y float64) error { return p.mouseEvent() }

func (p *fakePage) MouseDown(ctx context.Context, x, y float64) error {
	p.mu.Lock()
	p.downs = append(p.downs, [2]float64{x, y})
	p.mu.Unlock()
	return p.mouseEvent()
}

func (p *fakePage) MouseUp(ctx context.Context, x, y float64) error {
	p.mouseEvent()
	p.mu.Lock()
	p.ups = append(p.ups, [2]float64{x, y})
	fn := p.onClick
	p.mu.Unlock()
	if fn != nil {
		fn(p, Locator{Selector: "mouseup"})
	}
	return nil
}

func (p *fakePage) CaptureScreenshot(ctx context.Context) ([]byte, error) { return []byte("page"), nil }
func (p *fakePage) HTML(ctx context.Context) (string, error)             { return "<html></html>", nil }

func (p *fakePage) OnResponse(fn func(Response)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.respHooks[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.respHooks, id)
		p.mu.Unlock()
	}
}

func (p *fakePage) OnRequest(fn func(Request)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.reqHooks[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.reqHooks, id)
		p.mu.Unlock()
	}
}

func (p *fakePage) Close() error { return nil }

type fakeOracle struct {
	answers []string
	objects []Object
	// script answers Detect calls in order before objects takes over
	script    [][]Object
	point     [2]float64
	text      string
	value     float64
	err       error
	detectCnt int
}

func (f *fakeOracle) Ask(ctx context.Context, images [][]byte, question string) ([]string, error) {
	return f.answers, f.err
}

func (f *fakeOracle) Locate(ctx context.Context, image []byte, instruction string) (float64, float64, error) {
	return f.point[0], f.point[1], f.err
}

func (f *fakeOracle) Detect(ctx context.Context, image []byte) (Detection, error) {
	f.detectCnt++
	if f.detectCnt <= len(f.script) {
		return Detection{Width: 416, Height: 416, Objects: f.script[f.detectCnt-1]}, f.err
	}
	return Detection{Width: 416, Height: 416, Objects: f.objects}, f.err
}

func (f *fakeOracle) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return f.text, f.err
}

func (f *fakeOracle) Regress(ctx context.Context, image []byte) (float64, error) {
	return f.value, f.err
}

func testEnv(t *testing.T, oracle Oracle) Env {
	return Env{
		Oracle: oracle,
		Logger: zaptest.NewLogger(t),
		Rand:   rand.New(rand.NewSource(7)),
		Timeouts: Timeouts{
			Type:    100 * time.Millisecond,
			Verify:  100 * time.Millisecond,
			Replace: 50 * time.Millisecond,
			Payload: 100 * time.Millisecond,
		},
		Sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}
}

func solidPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.Set(i%w, i/w, color.RGBA{uint8(i), uint8(i >> 8), 90, 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}
