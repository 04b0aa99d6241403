// Package queue carries crawl jobs between the crawler, the router and the
// solver workers.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"phishdecloaker/utils"
)

// Mode is the pipeline stage a job is in.
type Mode string

const (
	ModeBaseline      Mode = "BASELINE"
	ModeGroup         Mode = "GROUP"
	ModeCaptcha       Mode = "CAPTCHA"
	ModeCaptchaSolved Mode = "CAPTCHA_SOLVED"
)

const (
	QueueCrawled   = "crawled"
	QueueGroup     = "group"
	QueueCaptcha   = "captcha_solver"
	QueueHCaptcha  = "hcaptcha_solver"
	QueueRecaptcha = "recaptchav2_solver"
	QueueSlider    = "slider_solver"
	QueueRotation  = "rotation_solver"
	// QueueDead parks jobs whose results could not be stored.
	QueueDead = "dead_letter"
)

var (
	ErrMisaligned = errors.New("screenshots and html codes are not aligned")
	ErrNoDomain   = errors.New("job has no domain")
)

// Job is one crawled site moving through the pipeline. Screenshots are
// base64 PNGs aligned with HTMLCodes; the last pair is the most current.
type Job struct {
	SessionID        string    `json:"session_id"`
	Domain           string    `json:"domain"`
	URL              string    `json:"url,omitempty"`
	IP               string    `json:"ip,omitempty"`
	TLD              string    `json:"tld,omitempty"`
	Score            float64   `json:"score"`
	EffectiveDomains []string  `json:"effective_domains"`
	CrawlTimes       []float64 `json:"crawl_times"`
	Screenshots      []string  `json:"screenshots"`
	HTMLCodes        []string  `json:"html_codes"`
	SuspectCaptcha   *string   `json:"suspect_captcha"`
	CrawlMode        Mode      `json:"crawl_mode"`

	HasCaptcha     bool    `json:"has_captcha"`
	CaptchaType    *string `json:"captcha_type"`
	CaptchaSolved  bool    `json:"captcha_solved"`
	CaptchaSitekey *string `json:"captcha_sitekey"`
	CaptchaDetTime float64 `json:"captcha_det_time"`
	CaptchaRecTime float64 `json:"captcha_rec_time"`
	CaptchaSolTime float64 `json:"captcha_sol_time"`

	PhishPred       bool    `json:"phish_pred"`
	PhishTarget     *string `json:"phish_target"`
	VTAnalysisID    *string `json:"vt_analysis_id"`
	VTAnalysisTimes int     `json:"vt_analysis_times"`

	Country string `json:"country,omitempty"`

	// Redeliveries counts router retries after storage failures.
	Redeliveries int `json:"redeliveries,omitempty"`
}

func Decode(body []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	if job.SessionID == "" {
		job.SessionID = uuid.NewString()
	}
	return &job, nil
}

func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

func (j *Job) Validate() error {
	if j.Domain == "" {
		return ErrNoDomain
	}
	if len(j.Screenshots) != len(j.HTMLCodes) {
		return fmt.Errorf("%w: %d screenshots, %d html codes", ErrMisaligned, len(j.Screenshots), len(j.HTMLCodes))
	}
	return nil
}

// Observe appends one aligned observation.
func (j *Job) Observe(screenshot, html string) {
	j.Screenshots = append(j.Screenshots, screenshot)
	j.HTMLCodes = append(j.HTMLCodes, html)
}

// Replace keeps a single, most current observation.
func (j *Job) Replace(screenshot, html string) {
	j.Screenshots = []string{screenshot}
	j.HTMLCodes = []string{html}
}

// Latest returns the most current observation.
func (j *Job) Latest() (screenshot, html string, ok bool) {
	if len(j.Screenshots) == 0 || len(j.Screenshots) != len(j.HTMLCodes) {
		return "", "", false
	}
	n := len(j.Screenshots) - 1
	return j.Screenshots[n], j.HTMLCodes[n], true
}

// LastCrawlTime is zero when no crawl was timed.
func (j *Job) LastCrawlTime() float64 {
	if len(j.CrawlTimes) == 0 {
		return 0
	}
	return j.CrawlTimes[len(j.CrawlTimes)-1]
}

// Normalize fills the derived domain fields and the url.
func (j *Job) Normalize() {
	if j.URL == "" && j.Domain != "" {
		j.URL = "https://" + j.Domain
	}
	if len(j.EffectiveDomains) == 0 && j.Domain != "" {
		if ed, err := utils.EffectiveDomain(j.Domain); err == nil {
			j.EffectiveDomains = []string{ed}
		}
	}
	if j.TLD == "" && j.Domain != "" {
		j.TLD = utils.TLD(j.Domain)
	}
}

func (j *Job) CaptchaTypeName() string {
	if j.CaptchaType == nil {
		return ""
	}
	return *j.CaptchaType
}
