package queue

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeAssignsSession(t *testing.T) {
	job, err := Decode([]byte(`{"domain":"login.example.co.uk","crawl_mode":"CAPTCHA","screenshots":["a"],"html_codes":["<html>"],"captcha_type":"hcaptcha"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.SessionID == "" {
		t.Fatalf("session id not assigned")
	}
	if job.CrawlMode != ModeCaptcha || job.CaptchaTypeName() != "hcaptcha" {
		t.Fatalf("job %+v", job)
	}

	if _, err := Decode([]byte(`{"domain":`)); err == nil {
		t.Fatalf("truncated body accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Run("no domain", func(t *testing.T) {
		if err := (&Job{}).Validate(); !errors.Is(err, ErrNoDomain) {
			t.Fatalf("got %v", err)
		}
	})
	t.Run("misaligned", func(t *testing.T) {
		j := &Job{Domain: "a.com", Screenshots: []string{"x", "y"}, HTMLCodes: []string{"<html>"}}
		if err := j.Validate(); !errors.Is(err, ErrMisaligned) {
			t.Fatalf("got %v", err)
		}
	})
	t.Run("aligned", func(t *testing.T) {
		j := &Job{Domain: "a.com"}
		j.Observe("x", "<html>")
		if err := j.Validate(); err != nil {
			t.Fatalf("got %v", err)
		}
	})
}

func TestObservations(t *testing.T) {
	j := &Job{Domain: "a.com"}
	if _, _, ok := j.Latest(); ok {
		t.Fatalf("empty job has a latest observation")
	}
	j.Observe("s1", "h1")
	j.Observe("s2", "h2")
	if s, h, _ := j.Latest(); s != "s2" || h != "h2" {
		t.Fatalf("latest %s %s", s, h)
	}
	j.Replace("s3", "h3")
	if !reflect.DeepEqual(j.Screenshots, []string{"s3"}) || !reflect.DeepEqual(j.HTMLCodes, []string{"h3"}) {
		t.Fatalf("replace left %v %v", j.Screenshots, j.HTMLCodes)
	}
}

func TestNormalize(t *testing.T) {
	j := &Job{Domain: "login.example.co.uk"}
	j.Normalize()
	if j.URL != "https://login.example.co.uk" {
		t.Fatalf("url %q", j.URL)
	}
	if !reflect.DeepEqual(j.EffectiveDomains, []string{"example.co.uk"}) {
		t.Fatalf("effective domains %v", j.EffectiveDomains)
	}
	if j.TLD != "co.uk" {
		t.Fatalf("tld %q", j.TLD)
	}

	kept := &Job{Domain: "a.example.com", URL: "http://a.example.com/x", EffectiveDomains: []string{"other.com"}}
	kept.Normalize()
	if kept.URL != "http://a.example.com/x" || kept.EffectiveDomains[0] != "other.com" {
		t.Fatalf("normalize overwrote fields: %+v", kept)
	}
}

func TestLastCrawlTime(t *testing.T) {
	j := &Job{}
	if j.LastCrawlTime() != 0 {
		t.Fatalf("empty crawl times")
	}
	j.CrawlTimes = []float64{1.5, 2.5}
	if j.LastCrawlTime() != 2.5 {
		t.Fatalf("got %v", j.LastCrawlTime())
	}
}
