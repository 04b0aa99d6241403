package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"phishdecloaker/queue"
	"phishdecloaker/utils"
)

func TestNotifier(t *testing.T) {
	var polled utils.PollRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/poll":
			json.NewDecoder(r.Body).Decode(&polled)
		case "/api/v3/urls":
			if r.Header.Get("x-apikey") != "vt-key" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			r.ParseForm()
			if r.PostForm.Get("url") != "https://bad.example.com" {
				http.Error(w, "bad url", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"data":{"type":"analysis","id":"u-123"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	n, err := NewNotifier(srv.URL+"/", "vt-key", nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	n.VirusTotalURL = srv.URL + "/api/v3/urls"
	ctx := context.Background()

	if err := n.Poll(ctx, queue.ModeBaseline, "sample-1"); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if polled.CrawlMode != "BASELINE" || polled.SampleID != "sample-1" {
		t.Fatalf("poll body %+v", polled)
	}

	id, err := n.SubmitVirusTotal(ctx, "bad.example.com")
	if err != nil || id == nil || *id != "u-123" {
		t.Fatalf("submit: %v, %v", id, err)
	}

	n.VirusTotalKey = "wrong"
	if _, err := n.SubmitVirusTotal(ctx, "bad.example.com"); err == nil {
		t.Fatalf("rejected submission returned no error")
	}
}

func TestNotifierUnconfigured(t *testing.T) {
	n, err := NewNotifier("", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Poll(context.Background(), queue.ModeCaptcha, "x"); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if id, err := n.SubmitVirusTotal(context.Background(), "a.com"); id != nil || err != nil {
		t.Fatalf("submit: %v, %v", id, err)
	}
}
