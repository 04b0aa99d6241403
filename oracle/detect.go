package oracle

import (
	"context"
	"strings"

	tls_client "github.com/bogdanfinn/tls-client"

	"phishdecloaker/utils"
)

// CaptchaVerdict is the captcha detector's answer for one screenshot.
type CaptchaVerdict struct {
	Detected bool
	Type     string
	DetTime  float64
	RecTime  float64
}

// CaptchaDetector calls POST {url}/predict.
type CaptchaDetector struct {
	url    string
	client tls_client.HttpClient
}

func NewCaptchaDetector(url string) (*CaptchaDetector, error) {
	client, err := utils.NewHTTPClient(60)
	if err != nil {
		return nil, err
	}
	return &CaptchaDetector{url: strings.TrimRight(url, "/"), client: client}, nil
}

func (d *CaptchaDetector) Detect(ctx context.Context, screenshot string) (CaptchaVerdict, error) {
	var res utils.DetectResponse
	if err := utils.PostJSON(ctx, d.client, d.url+"/predict", nil, utils.DetectRequest{Screenshot: screenshot}, &res); err != nil {
		return CaptchaVerdict{}, err
	}
	v := CaptchaVerdict{Detected: res.Detected, DetTime: res.DetTime, RecTime: res.RecTime}
	if res.Detected && len(res.Results) > 0 {
		// the last result is the most confident one
		v.Type = res.Results[len(res.Results)-1].Type
	}
	return v, nil
}

// PhishVerdict summarizes the phishing detector's answer over a crawl group.
type PhishVerdict struct {
	Verdict    bool
	HasCRP     bool
	Categories []bool
	Targets    []*string
	Times      []float64
}

// AnyCategory reports whether any screenshot was classified as phishing.
func (v PhishVerdict) AnyCategory() bool {
	for _, c := range v.Categories {
		if c {
			return true
		}
	}
	return false
}

// Target is the last non-empty predicted brand.
func (v PhishVerdict) Target() *string {
	for i := len(v.Targets) - 1; i >= 0; i-- {
		if v.Targets[i] != nil && *v.Targets[i] != "" {
			return v.Targets[i]
		}
	}
	return nil
}

// PhishDetector calls POST {url}/predict.
type PhishDetector struct {
	url    string
	client tls_client.HttpClient
}

func NewPhishDetector(url string) (*PhishDetector, error) {
	client, err := utils.NewHTTPClient(120)
	if err != nil {
		return nil, err
	}
	return &PhishDetector{url: strings.TrimRight(url, "/"), client: client}, nil
}

// Detect classifies the crawled pages of one domain. Screenshots are
// base64 encoded, aligned with htmlCodes.
func (d *PhishDetector) Detect(ctx context.Context, domain string, effectiveDomains, screenshots, htmlCodes []string) (PhishVerdict, error) {
	req := utils.PhishRequest{
		Domain:           domain,
		EffectiveDomains: effectiveDomains,
		HTMLCodes:        htmlCodes,
		Screenshots:      screenshots,
	}

	var res utils.PhishResponse
	if err := utils.PostJSON(ctx, d.client, d.url+"/predict", nil, req, &res); err != nil {
		return PhishVerdict{}, err
	}
	v := PhishVerdict{Verdict: res.Verdict}
	for _, r := range res.Results {
		v.HasCRP = v.HasCRP || r.HasCRP
		v.Categories = append(v.Categories, r.PredCategory)
		v.Targets = append(v.Targets, r.PredTarget)
		v.Times = append(v.Times, r.PredTime)
	}
	return v, nil
}
