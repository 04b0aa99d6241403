package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"phishdecloaker/core"
	"phishdecloaker/queue"
)

type stubPage struct {
	mu        sync.Mutex
	navigated []string
	continued bool
	closed    bool
}

func (p *stubPage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return errors.New("net::ERR_ABORTED")
}
func (p *stubPage) WaitIdle(ctx context.Context, quiet time.Duration) error { return nil }
func (p *stubPage) Count(ctx context.Context, l core.Locator) (int, error) { return 0, nil }
func (p *stubPage) Click(ctx context.Context, l core.Locator) error        { return nil }
func (p *stubPage) Text(ctx context.Context, l core.Locator) (string, error) {
	return "", nil
}
func (p *stubPage) Attribute(ctx context.Context, l core.Locator, name string) (string, error) {
	return "", nil
}
func (p *stubPage) Screenshot(ctx context.Context, l core.Locator) ([]byte, error) { return nil, nil }
func (p *stubPage) BoundingBox(ctx context.Context, l core.Locator) (core.Box, error) {
	return core.Box{}, nil
}
func (p *stubPage) Type(ctx context.Context, l core.Locator, text string) error { return nil }
func (p *stubPage) ClickButtonMatching(ctx context.Context, pattern *regexp.Regexp) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.continued = pattern.MatchString("Continue to site")
	return p.continued, nil
}
func (p *stubPage) MouseMove(ctx context.Context, x, y float64) error { return nil }
func (p *stubPage) MouseDown(ctx context.Context, x, y float64) error { return nil }
func (p *stubPage) MouseUp(ctx context.Context, x, y float64) error   { return nil }
func (p *stubPage) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	return []byte("after"), nil
}
func (p *stubPage) HTML(ctx context.Context) (string, error)              { return "<html>landing</html>", nil }
func (p *stubPage) OnResponse(fn func(core.Response)) (remove func())     { return func() {} }
func (p *stubPage) OnRequest(fn func(core.Request)) (remove func())       { return func() {} }
func (p *stubPage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type stubSessions struct {
	mu    sync.Mutex
	pages []*stubPage
}

func (s *stubSessions) NewPage(ctx context.Context) (core.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &stubPage{}
	s.pages = append(s.pages, p)
	return p, nil
}

type stubSolver struct {
	status core.Status
	err    error
	block  bool
	rounds int
}

func (s *stubSolver) Name() string                                { return "stub" }
func (s *stubSolver) SetTarget(page core.Page) error              { return nil }
func (s *stubSolver) Sitekey(ctx context.Context) (string, error) { return "site-key", nil }
func (s *stubSolver) Rounds() int                                 { return s.rounds }
func (s *stubSolver) Solve(ctx context.Context, maxTries int) (core.Status, error) {
	if s.block {
		<-ctx.Done()
		return core.StatusFailed, ctx.Err()
	}
	return s.status, s.err
}

func captchaJob() *queue.Job {
	typ := "hcaptcha_checkbox"
	return &queue.Job{
		Domain:      "verify.example.com",
		CrawlMode:   queue.ModeCaptcha,
		CaptchaType: &typ,
		CrawlTimes:  []float64{1.2},
		Screenshots: []string{"first", "before"},
		HTMLCodes:   []string{"<html>1</html>", "<html>2</html>"},
	}
}

func newWorker(t *testing.T, solver core.Solver, sessions SessionFactory) *Worker {
	return &Worker{
		Queue:    queue.QueueHCaptcha,
		Sessions: sessions,
		Solvers: func(core.CaptchaType) (core.Solver, error) {
			if solver == nil {
				return nil, core.ErrUnknownType
			}
			return solver, nil
		},
		JobTimeout: time.Second,
		Settle:     10 * time.Millisecond,
		Logger:     zaptest.NewLogger(t),
	}
}

func TestWorkerProcess(t *testing.T) {
	t.Run("solved", func(t *testing.T) {
		sessions := &stubSessions{}
		w := newWorker(t, &stubSolver{status: core.StatusSuccess, rounds: 2}, sessions)
		job := captchaJob()
		res := w.Process(context.Background(), job)

		if !res.Solved || res.Rounds != 2 || !job.CaptchaSolved {
			t.Fatalf("result %+v", res)
		}
		if job.CaptchaSitekey == nil || *job.CaptchaSitekey != "site-key" {
			t.Fatalf("sitekey %v", job.CaptchaSitekey)
		}
		if job.CrawlMode != queue.ModeCaptchaSolved {
			t.Fatalf("mode %s", job.CrawlMode)
		}
		want := base64.StdEncoding.EncodeToString([]byte("after"))
		if len(job.Screenshots) != 1 || job.Screenshots[0] != want || job.HTMLCodes[0] != "<html>landing</html>" {
			t.Fatalf("observation %v %v", job.Screenshots, job.HTMLCodes)
		}
		page := sessions.pages[0]
		if page.navigated[0] != "https://verify.example.com" || !page.continued || !page.closed {
			t.Fatalf("page %+v", page)
		}
	})

	t.Run("navigation counts as solved", func(t *testing.T) {
		w := newWorker(t, &stubSolver{err: core.ErrNavigated}, &stubSessions{})
		job := captchaJob()
		if res := w.Process(context.Background(), job); !res.Solved || res.Err != nil {
			t.Fatalf("result %+v", res)
		}
	})

	t.Run("failed keeps last observation", func(t *testing.T) {
		w := newWorker(t, &stubSolver{status: core.StatusFailed}, &stubSessions{})
		job := captchaJob()
		res := w.Process(context.Background(), job)
		if res.Solved || job.CaptchaSolved {
			t.Fatalf("result %+v", res)
		}
		if len(job.Screenshots) != 1 || job.Screenshots[0] != "before" || job.HTMLCodes[0] != "<html>2</html>" {
			t.Fatalf("observation %v %v", job.Screenshots, job.HTMLCodes)
		}
	})

	t.Run("job budget", func(t *testing.T) {
		sessions := &stubSessions{}
		w := newWorker(t, &stubSolver{block: true}, sessions)
		w.JobTimeout = 50 * time.Millisecond
		job := captchaJob()
		res := w.Process(context.Background(), job)
		if res.Solved || resultLabel(res) != "timeout" {
			t.Fatalf("result %+v", res)
		}
		if !sessions.pages[0].closed {
			t.Fatalf("page left open")
		}
		if job.CaptchaSolTime <= 0 {
			t.Fatalf("sol time %v", job.CaptchaSolTime)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		sessions := &stubSessions{}
		w := newWorker(t, nil, sessions)
		res := w.Process(context.Background(), captchaJob())
		if res.Solved || !errors.Is(res.Err, core.ErrUnknownType) || len(sessions.pages) != 0 {
			t.Fatalf("result %+v, %d pages", res, len(sessions.pages))
		}
	})
}

func TestWorkerRunPublishesSolvedJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := queue.NewMemoryBroker()
	if err := queue.DeclareAll(ctx, b, queue.QueueHCaptcha, queue.QueueCrawled); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, queue.QueueHCaptcha, captchaJob(), 0); err != nil {
		t.Fatal(err)
	}

	w := newWorker(t, &stubSolver{status: core.StatusSuccess, rounds: 1}, &stubSessions{})
	w.Broker = b
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	out, err := b.Consume(ctx, queue.QueueCrawled)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-out:
		if d.Priority != SolvedPriority {
			t.Fatalf("priority %d", d.Priority)
		}
		job, err := queue.Decode(d.Body)
		if err != nil {
			t.Fatal(err)
		}
		if job.CrawlMode != queue.ModeCaptchaSolved || !job.CaptchaSolved {
			t.Fatalf("job %+v", job)
		}
		d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatalf("no solved job published")
	}

	deadline := time.Now().Add(time.Second)
	for b.Len(queue.QueueHCaptcha) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := b.Len(queue.QueueHCaptcha); n != 0 {
		t.Fatalf("%d solver jobs left", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
}
