package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"phishdecloaker/core"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	viewportWidth    = 1920
	viewportHeight   = 1080
)

// Sessions opens one tab per job. With a remote allocator every tab is a
// fresh browser connection.
type Sessions struct {
	alloc     context.Context
	cancel    context.CancelFunc
	UserAgent string
	logger    *zap.Logger
}

// RemoteURL turns a BROWSER_HOST value into a DevTools websocket url.
func RemoteURL(host string) string {
	if strings.HasPrefix(host, "ws://") || strings.HasPrefix(host, "wss://") {
		return host
	}
	return "ws://" + host + "?stealth&timeout=1800000"
}

// NewRemote connects to a running browser service.
func NewRemote(ctx context.Context, host string, logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	alloc, cancel := chromedp.NewRemoteAllocator(ctx, RemoteURL(host), chromedp.NoModifyURL)
	return &Sessions{alloc: alloc, cancel: cancel, UserAgent: DefaultUserAgent, logger: logger.Named("browser")}
}

// NewLocal launches a headless Chrome from the local install.
func NewLocal(ctx context.Context, headless bool, logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		// keeps cross-origin widget frames in the page target
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		chromedp.UserAgent(DefaultUserAgent),
		chromedp.WindowSize(viewportWidth, viewportHeight),
	)
	alloc, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return &Sessions{alloc: alloc, cancel: cancel, UserAgent: DefaultUserAgent, logger: logger.Named("browser")}
}

// NewPage opens a tab with network events enabled and a desktop viewport.
func (s *Sessions) NewPage(ctx context.Context) (core.Page, error) {
	tab, cancel := chromedp.NewContext(s.alloc, chromedp.WithLogf(func(format string, args ...interface{}) {
		s.logger.Debug(fmt.Sprintf(format, args...))
	}))
	p := newPage(tab, cancel, s.logger)

	err := p.open(ctx,
		network.Enable(),
		emulation.SetDeviceMetricsOverride(viewportWidth, viewportHeight, 1, false),
		emulation.SetUserAgentOverride(s.UserAgent),
	)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return p, nil
}

func (s *Sessions) Close() {
	s.cancel()
}
