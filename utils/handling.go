package utils

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

// EffectiveDomain returns the registrable domain (eTLD+1) of a host or URL.
func EffectiveDomain(hostOrURL string) (string, error) {
	host := hostOf(hostOrURL)
	if host == "" {
		return "", fmt.Errorf("empty host in %q", hostOrURL)
	}
	return publicsuffix.EffectiveTLDPlusOne(host)
}

// TLD returns the public suffix of a host, e.g. "co.uk".
func TLD(hostOrURL string) string {
	suffix, _ := publicsuffix.PublicSuffix(hostOf(hostOrURL))
	return suffix
}

func hostOf(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			return u.Hostname()
		}
	}
	if i := strings.IndexAny(s, "/:"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, ".")
}

// SuspectFromURL maps a request URL to the captcha vendor it belongs to.
func SuspectFromURL(u string) string {
	switch {
	case strings.Contains(u, "hcaptcha.com"):
		return "hcaptcha"
	case strings.Contains(u, "recaptcha"):
		return "recaptchav2"
	}
	return ""
}

type HTMLSummary struct {
	Title          string
	Forms          int
	PasswordFields int
	FormActions    []string
	ScriptSources  []string
	FrameSources   []string
	SuspectCaptcha string
}

// SummarizeHTML extracts the page features the router logs and uses to
// pre-seed the captcha vendor when the crawler did not.
func SummarizeHTML(code string) (HTMLSummary, error) {
	root, err := html.Parse(strings.NewReader(code))
	if err != nil {
		return HTMLSummary{}, fmt.Errorf("parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)

	var s HTMLSummary
	s.Title = strings.TrimSpace(doc.Find("title").First().Text())
	s.Forms = doc.Find("form").Length()
	s.PasswordFields = doc.Find(`input[type="password"]`).Length()
	doc.Find("form[action]").Each(func(_ int, sel *goquery.Selection) {
		if action, ok := sel.Attr("action"); ok && action != "" {
			s.FormActions = append(s.FormActions, action)
		}
	})
	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		s.ScriptSources = append(s.ScriptSources, src)
	})
	doc.Find("iframe[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		s.FrameSources = append(s.FrameSources, src)
	})

	for _, src := range append(append([]string{}, s.ScriptSources...), s.FrameSources...) {
		if suspect := SuspectFromURL(src); suspect != "" {
			s.SuspectCaptcha = suspect
			break
		}
	}
	return s, nil
}

func StripHTML(input string) string {
	var output bytes.Buffer
	tokenizer := html.NewTokenizer(strings.NewReader(input))

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return strings.Join(strings.Fields(output.String()), " ")
		case html.TextToken:
			output.Write(tokenizer.Text())
			output.WriteByte(' ')
		}
	}
}
