package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"phishdecloaker/core"
	"phishdecloaker/queue"
	"phishdecloaker/utils"
)

const (
	SolvedPriority    = 2
	DefaultJobTimeout = 3 * time.Minute
	DefaultSettle     = 5 * time.Second
)

// Cloaking pages often hold a button that submits the solved widget.
var continueButton = regexp.MustCompile(`(?i)(submit)|(verify)|(continue)|(unblock)|(next)`)

// SessionFactory opens a fresh browser page per job.
type SessionFactory interface {
	NewPage(ctx context.Context) (core.Page, error)
}

type SolverFactory func(t core.CaptchaType) (core.Solver, error)

// RegistrySolvers builds solvers from the core registry with a shared env.
func RegistrySolvers(env core.Env) SolverFactory {
	return func(t core.CaptchaType) (core.Solver, error) {
		return core.NewSolver(t, env)
	}
}

// Worker consumes one solver queue, drives each job's captcha in a browser
// and hands the result back to the router.
type Worker struct {
	Queue      string
	Broker     queue.Broker
	Sessions   SessionFactory
	Solvers    SolverFactory
	MaxTries   int
	JobTimeout time.Duration
	Settle     time.Duration
	Metrics    *Metrics
	Logger     *zap.Logger

	once sync.Once
}

// Result is what one solve attempt produced.
type Result struct {
	Status     core.Status
	Solved     bool
	Sitekey    string
	Screenshot string
	HTML       string
	Rounds     int
	Err        error
}

func (w *Worker) defaults() {
	w.once.Do(w.fill)
}

func (w *Worker) fill() {
	if w.MaxTries <= 0 {
		w.MaxTries = core.DefaultMaxTries
	}
	if w.JobTimeout <= 0 {
		w.JobTimeout = DefaultJobTimeout
	}
	if w.Settle <= 0 {
		w.Settle = DefaultSettle
	}
	if w.Metrics == nil {
		w.Metrics = NewMetrics(nil)
	}
	if w.Logger == nil {
		w.Logger = zap.NewNop()
	}
}

// Run consumes until ctx is done or the broker closes the stream.
func (w *Worker) Run(ctx context.Context) error {
	w.defaults()
	if err := queue.DeclareAll(ctx, w.Broker, w.Queue, queue.QueueCrawled); err != nil {
		return err
	}
	deliveries, err := w.Broker.Consume(ctx, w.Queue)
	if err != nil {
		return err
	}
	w.Logger.Info("worker consuming", zap.String("queue", w.Queue))
	for d := range deliveries {
		w.handle(ctx, d)
	}
	return ctx.Err()
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	job, err := queue.Decode(d.Body)
	if err != nil {
		w.Logger.Error("dropping undecodable job", zap.Error(err))
		d.Nack(false)
		return
	}
	w.Process(ctx, job)

	if err := w.Broker.Publish(ctx, queue.QueueCrawled, job, SolvedPriority); err != nil {
		w.Logger.Error("publish to queue", zap.String("domain", job.Domain), zap.Error(err))
		d.Nack(true)
		return
	}
	if err := d.Ack(); err != nil {
		w.Logger.Warn("ack", zap.String("domain", job.Domain), zap.Error(err))
	}
}

// Process solves the job's captcha under the job budget and rewrites the
// job into its solved-captcha form.
func (w *Worker) Process(ctx context.Context, job *queue.Job) Result {
	w.defaults()
	job.Normalize()
	log := w.Logger.With(zap.String("domain", job.Domain), zap.String("session", job.SessionID))
	log.Info("solving", zap.String("url", job.URL), zap.String("type", job.CaptchaTypeName()))

	start := time.Now()
	jctx, cancel := context.WithTimeout(ctx, w.JobTimeout)
	res := w.solve(jctx, job, log)
	cancel()
	elapsed := time.Since(start)

	if res.Err != nil {
		log.Info("solver error", zap.Error(res.Err))
	}

	job.CaptchaSolved = res.Solved
	if res.Sitekey != "" {
		sitekey := res.Sitekey
		job.CaptchaSitekey = &sitekey
	}
	job.CaptchaSolTime = elapsed.Seconds()
	if res.Screenshot != "" {
		job.Replace(res.Screenshot, res.HTML)
	} else if s, h, ok := job.Latest(); ok {
		job.Replace(s, h)
	}
	job.CrawlMode = queue.ModeCaptchaSolved

	typ := job.CaptchaTypeName()
	w.Metrics.Solves.WithLabelValues(typ, resultLabel(res)).Inc()
	w.Metrics.SolveDuration.WithLabelValues(typ).Observe(elapsed.Seconds())
	w.Metrics.SolveRounds.WithLabelValues(typ).Observe(float64(res.Rounds))
	log.Info(utils.FormatSummary(utils.Summary{
		Name:    job.Domain,
		Type:    typ,
		Rounds:  res.Rounds,
		Result:  resultLabel(res),
		Success: res.Solved,
		Elapsed: elapsed,
	}))
	return res
}

func resultLabel(res Result) string {
	switch {
	case res.Solved:
		return "solved"
	case res.Status == core.StatusBlocked:
		return "blocked"
	case errors.Is(res.Err, context.DeadlineExceeded):
		return "timeout"
	case res.Err != nil:
		return "error"
	}
	return "failed"
}

func (w *Worker) solve(ctx context.Context, job *queue.Job, log *zap.Logger) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			log.Error("solver panic", zap.Any("panic", r), zap.ByteString("stack", buf[:n]))
			res.Solved = false
			res.Err = fmt.Errorf("solver panic: %v", r)
		}
	}()

	t := core.ParseCaptchaType(job.CaptchaTypeName())
	solver, err := w.Solvers(t)
	if err != nil {
		res.Err = err
		return res
	}

	page, err := w.Sessions.NewPage(ctx)
	if err != nil {
		res.Err = fmt.Errorf("open session: %w", err)
		return res
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Warn("close page", zap.Error(err))
		}
	}()

	if err := page.Navigate(ctx, job.URL); err != nil {
		log.Debug("navigate", zap.Error(err))
	}
	w.settle(ctx, page)

	if err := solver.SetTarget(page); err != nil {
		res.Err = err
		return res
	}
	if sitekey, err := solver.Sitekey(ctx); err == nil {
		res.Sitekey = sitekey
	} else {
		log.Debug("sitekey", zap.Error(err))
	}

	res.Status, res.Err = solver.Solve(ctx, w.MaxTries)
	res.Rounds = solver.Rounds()
	res.Solved = res.Status == core.StatusSuccess || errors.Is(res.Err, core.ErrNavigated)
	if !res.Solved {
		return res
	}
	res.Err = nil

	if clicked, err := page.ClickButtonMatching(ctx, continueButton); err != nil {
		log.Debug("continue button", zap.Error(err))
	} else if clicked {
		log.Debug("clicked continue button")
	}
	w.settle(ctx, page)

	shot, err := page.CaptureScreenshot(ctx)
	if err != nil {
		log.Info("post-solve screenshot", zap.Error(err))
		return res
	}
	html, err := page.HTML(ctx)
	if err != nil {
		log.Info("post-solve html", zap.Error(err))
		return res
	}
	res.Screenshot = base64.StdEncoding.EncodeToString(shot)
	res.HTML = html
	return res
}

func (w *Worker) settle(ctx context.Context, page core.Page) {
	sctx, cancel := context.WithTimeout(ctx, w.Settle)
	defer cancel()
	page.WaitIdle(sctx, 500*time.Millisecond)
}
