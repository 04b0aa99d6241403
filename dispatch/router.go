package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phishdecloaker/core"
	"phishdecloaker/oracle"
	"phishdecloaker/queue"
	"phishdecloaker/utils"
)

const (
	GroupPriority = 1
	// DefaultMaxRedeliveries bounds retries of jobs whose sample could not
	// be stored.
	DefaultMaxRedeliveries = 3
)

var (
	ErrUnknownMode = errors.New("unknown crawl mode")
	// ErrPublish marks failures that should be redelivered.
	ErrPublish = errors.New("publish failed")
	// ErrStore marks samples that could not be persisted.
	ErrStore = errors.New("store failed")
)

type CaptchaDetector interface {
	Detect(ctx context.Context, screenshot string) (oracle.CaptchaVerdict, error)
}

type PhishDetector interface {
	Detect(ctx context.Context, domain string, effectiveDomains, screenshots, htmlCodes []string) (oracle.PhishVerdict, error)
}

type Notify interface {
	Poll(ctx context.Context, mode queue.Mode, sampleID string) error
	SubmitVirusTotal(ctx context.Context, domain string) (*string, error)
}

var solverQueues = map[core.CaptchaType]string{
	core.CaptchaHCaptcha:            queue.QueueHCaptcha,
	core.CaptchaHCaptchaCheckbox:    queue.QueueHCaptcha,
	core.CaptchaRecaptchaV2:         queue.QueueRecaptcha,
	core.CaptchaRecaptchaV2Checkbox: queue.QueueRecaptcha,
	core.CaptchaGeetestSlide:        queue.QueueSlider,
	core.CaptchaNeteaseSlide:        queue.QueueSlider,
	core.CaptchaTencentSlide:        queue.QueueSlider,
	core.CaptchaBaiduRotate:         queue.QueueRotation,
}

// QueueFor returns the solver queue of a captcha type.
func QueueFor(t core.CaptchaType) (string, bool) {
	q, ok := solverQueues[t]
	return q, ok
}

// SolverQueues lists every solver queue once.
func SolverQueues() []string {
	return []string{queue.QueueHCaptcha, queue.QueueRecaptcha, queue.QueueSlider, queue.QueueRotation}
}

// Router consumes crawled jobs and moves each one to its next stage.
type Router struct {
	Broker   queue.Broker
	Captcha  CaptchaDetector
	Phish    PhishDetector
	Notifier Notify
	Store    Store
	Geo      GeoLocator

	// IgnoredTargets are brands never escalated from a baseline crawl.
	IgnoredTargets []string
	// MaxRedeliveries is how often a job is retried after a store failure
	// before it goes to the dead letter queue.
	MaxRedeliveries int

	Metrics *Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

func (r *Router) defaults() {
	if r.Metrics == nil {
		r.Metrics = NewMetrics(nil)
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	if r.MaxRedeliveries <= 0 {
		r.MaxRedeliveries = DefaultMaxRedeliveries
	}
}

func (r *Router) Run(ctx context.Context) error {
	r.defaults()
	names := append([]string{queue.QueueCrawled, queue.QueueGroup, queue.QueueCaptcha, queue.QueueDead}, SolverQueues()...)
	if err := queue.DeclareAll(ctx, r.Broker, names...); err != nil {
		return err
	}
	deliveries, err := r.Broker.Consume(ctx, queue.QueueCrawled)
	if err != nil {
		return err
	}
	r.Logger.Info("router consuming", zap.String("queue", queue.QueueCrawled))
	for d := range deliveries {
		r.handle(ctx, d)
	}
	return ctx.Err()
}

func (r *Router) handle(ctx context.Context, d *queue.Delivery) {
	job, err := queue.Decode(d.Body)
	if err != nil {
		r.Logger.Error("dropping undecodable job", zap.Error(err))
		r.Metrics.Routed.WithLabelValues("", "invalid").Inc()
		d.Nack(false)
		return
	}
	err = r.Route(ctx, job)
	switch {
	case errors.Is(err, ErrPublish):
		d.Nack(true)
	case errors.Is(err, ErrStore):
		r.retry(ctx, d, job)
	default:
		d.Ack()
	}
}

// retry puts the original message back on the crawled queue with its
// redelivery count raised. Once MaxRedeliveries is spent it goes to the
// dead letter queue instead.
func (r *Router) retry(ctx context.Context, d *queue.Delivery, routed *queue.Job) {
	r.defaults()
	job, err := queue.Decode(d.Body)
	if err != nil {
		d.Nack(false)
		return
	}
	job.SessionID = routed.SessionID
	job.Redeliveries++

	target, outcome := queue.QueueCrawled, "requeued"
	if job.Redeliveries > r.MaxRedeliveries {
		target, outcome = queue.QueueDead, "dead_letter"
	}
	log := r.Logger.With(zap.String("domain", job.Domain), zap.Int("redeliveries", job.Redeliveries))
	if err := r.Broker.Publish(ctx, target, job, d.Priority); err != nil {
		log.Error("retry publish failed, requeueing", zap.String("queue", target), zap.Error(err))
		d.Nack(true)
		return
	}
	log.Warn("sample not stored", zap.String("queue", target))
	r.Metrics.Routed.WithLabelValues(string(job.CrawlMode), outcome).Inc()
	d.Ack()
}

// Route handles one job according to its crawl mode. Publish and store
// failures are worth a redelivery; everything else is logged and counted.
func (r *Router) Route(ctx context.Context, job *queue.Job) error {
	r.defaults()
	job.Normalize()
	log := r.Logger.With(zap.String("domain", job.Domain), zap.String("mode", string(job.CrawlMode)))
	log.Info("routing", zap.Float64("score", job.Score))

	var err error
	switch job.CrawlMode {
	case queue.ModeBaseline:
		err = r.baseline(ctx, job, log)
	case queue.ModeGroup:
		err = r.group(ctx, job, log)
	case queue.ModeCaptcha:
		err = r.captcha(ctx, job, log)
	case queue.ModeCaptchaSolved:
		err = r.solved(ctx, job, log)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMode, job.CrawlMode)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		log.Error("route failed", zap.Error(err))
	}
	r.Metrics.Routed.WithLabelValues(string(job.CrawlMode), outcome).Inc()
	return err
}

func (r *Router) publish(ctx context.Context, name string, job *queue.Job, priority uint8) error {
	if err := r.Broker.Publish(ctx, name, job, priority); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublish, name, err)
	}
	return nil
}

func (r *Router) captcha(ctx context.Context, job *queue.Job, log *zap.Logger) error {
	if shot, _, ok := job.Latest(); ok {
		v, err := r.Captcha.Detect(ctx, shot)
		if err != nil {
			log.Warn("captcha detection", zap.Error(err))
		}
		job.HasCaptcha = v.Detected
		job.CaptchaDetTime = v.DetTime
		job.CaptchaRecTime = v.RecTime
		if v.Type != "" {
			typ := v.Type
			job.CaptchaType = &typ
		}
	}

	suspect := ""
	if job.SuspectCaptcha != nil {
		suspect = *job.SuspectCaptcha
	} else if _, code, ok := job.Latest(); ok && code != "" {
		if page, err := utils.SummarizeHTML(code); err == nil {
			log.Debug("page summary",
				zap.String("title", page.Title),
				zap.Int("forms", page.Forms),
				zap.Int("password_fields", page.PasswordFields),
				zap.String("suspect", page.SuspectCaptcha),
			)
			suspect = page.SuspectCaptcha
		}
	}
	if suspect == "hcaptcha" {
		typ := core.CaptchaHCaptchaCheckbox.String()
		job.HasCaptcha = true
		job.CaptchaType = &typ
	}
	job.URL = "https://" + job.Domain
	log.Info("captcha checked", zap.String("suspected", suspect), zap.String("detected", job.CaptchaTypeName()))

	if !job.HasCaptcha {
		return r.solved(ctx, job, log)
	}
	name, ok := QueueFor(core.ParseCaptchaType(job.CaptchaTypeName()))
	if !ok {
		log.Info("no solver")
		return r.solved(ctx, job, log)
	}
	log.Info("deploying solver", zap.String("queue", name))
	return r.publish(ctx, name, job, 0)
}

func dataURI(screenshot string) string {
	return "data:image/png;base64," + screenshot
}

func (r *Router) country(ip string, log *zap.Logger) string {
	if r.Geo == nil || ip == "" {
		return ""
	}
	c, err := r.Geo.Country(ip)
	if err != nil {
		log.Debug("geoip", zap.String("ip", ip), zap.Error(err))
	}
	return c
}

func (r *Router) solved(ctx context.Context, job *queue.Job, log *zap.Logger) error {
	log.Info("captcha result", zap.Bool("solved", job.CaptchaSolved), zap.String("type", job.CaptchaTypeName()))

	if job.Country == "" {
		job.Country = r.country(job.IP, log)
	}
	sample := &CaptchaSample{
		ID:             uuid.NewString(),
		Domain:         job.Domain,
		IP:             job.IP,
		TLD:            job.TLD,
		Country:        job.Country,
		Timestamp:      r.Now(),
		CrawlTime:      job.LastCrawlTime(),
		HasCaptcha:     job.HasCaptcha,
		CaptchaType:    job.CaptchaType,
		CaptchaSolved:  job.CaptchaSolved,
		CaptchaSitekey: job.CaptchaSitekey,
		CaptchaDetTime: job.CaptchaDetTime,
		CaptchaRecTime: job.CaptchaRecTime,
		CaptchaSolTime: job.CaptchaSolTime,
		GroundCaptcha:  job.CaptchaSolved,
		PollOpen:       true,
	}
	if shot, _, ok := job.Latest(); ok {
		sample.Screenshot = dataURI(shot)
	}

	v, err := r.Phish.Detect(ctx, job.Domain, job.EffectiveDomains, job.Screenshots, job.HTMLCodes)
	if err != nil {
		log.Warn("phishing detection", zap.Error(err))
	} else {
		sample.PhishDetTime = sum(v.Times)
		if v.HasCRP && v.AnyCategory() {
			sample.PhishPred = true
			sample.PhishTarget = v.Target()
			r.Metrics.Phishing.WithLabelValues(string(queue.ModeCaptchaSolved)).Inc()
			log.Info("phishing detected", zap.Stringp("target", sample.PhishTarget))
		}
	}

	// captcha sites are always scanned and stored
	sample.VTAnalysisTimes = job.VTAnalysisTimes
	if id, err := r.Notifier.SubmitVirusTotal(ctx, job.Domain); err == nil && id != nil {
		sample.VTAnalysisID = id
		sample.VTAnalysisTimes++
	}
	if err := r.Store.InsertCaptcha(ctx, sample); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := r.Notifier.Poll(ctx, queue.ModeCaptcha, sample.ID); err != nil {
		log.Warn("create poll", zap.Error(err))
	}
	return nil
}

func (r *Router) ignored(target *string) bool {
	if target == nil {
		return false
	}
	for _, t := range r.IgnoredTargets {
		if strings.EqualFold(t, *target) {
			return true
		}
	}
	return false
}

func (r *Router) baseline(ctx context.Context, job *queue.Job, log *zap.Logger) error {
	v, err := r.Phish.Detect(ctx, job.Domain, job.EffectiveDomains, job.Screenshots, job.HTMLCodes)
	if err != nil {
		return fmt.Errorf("phishing detection: %w", err)
	}
	target := v.Target()
	if !v.HasCRP || !v.AnyCategory() || r.ignored(target) {
		return nil
	}
	log.Info("phishing detected", zap.Stringp("target", target))
	r.Metrics.Phishing.WithLabelValues(string(queue.ModeBaseline)).Inc()
	job.PhishPred = true
	job.PhishTarget = target

	id, err := r.Notifier.SubmitVirusTotal(ctx, job.Domain)
	if err != nil {
		log.Warn("virustotal", zap.Error(err))
	}
	job.VTAnalysisID = id
	job.VTAnalysisTimes = 1

	log.Info("deploying group crawler")
	return r.publish(ctx, queue.QueueGroup, job, GroupPriority)
}

func (r *Router) group(ctx context.Context, job *queue.Job, log *zap.Logger) error {
	if job.Country == "" {
		job.Country = r.country(job.IP, log)
	}
	sample := &BaselineSample{
		ID:              uuid.NewString(),
		Domain:          job.Domain,
		IP:              job.IP,
		TLD:             job.TLD,
		Country:         job.Country,
		Timestamp:       r.Now(),
		CrawlTimes:      job.CrawlTimes,
		PhishPred:       job.PhishPred,
		PhishTarget:     job.PhishTarget,
		VTAnalysisID:    job.VTAnalysisID,
		VTAnalysisTimes: job.VTAnalysisTimes,
		PollOpen:        true,
	}
	for _, s := range job.Screenshots {
		sample.Screenshots = append(sample.Screenshots, dataURI(s))
	}

	v, err := r.Phish.Detect(ctx, job.Domain, job.EffectiveDomains, job.Screenshots, job.HTMLCodes)
	if err != nil {
		return fmt.Errorf("phishing detection: %w", err)
	}
	sample.Groups = v.Categories
	sample.PhishDetTime = sum(v.Times)
	log.Info("group verdicts", zap.Bools("groups", v.Categories))

	if err := r.Store.InsertBaseline(ctx, sample); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := r.Notifier.Poll(ctx, queue.ModeBaseline, sample.ID); err != nil {
		log.Warn("create poll", zap.Error(err))
	}
	return nil
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}
