package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"phishdecloaker/core"
	"phishdecloaker/dispatch"
	"phishdecloaker/queue"
)

func post(t *testing.T, e *echo.Echo, path, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s: %v (%s)", path, err, rec.Body.String())
	}
	return out
}

func waitTask(t *testing.T, e *echo.Echo, id string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out := post(t, e, "/getTask", `{"task_id":"`+id+`"}`)
		if out["status"] != StatusProcessing {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", id)
	return nil
}

func newServer(t *testing.T, process func(ctx context.Context, job *queue.Job) dispatch.Result, timeout time.Duration) *echo.Echo {
	e := echo.New()
	h := NewHandler(process, timeout, prometheus.NewRegistry(), zaptest.NewLogger(t))
	h.Register(e)
	return e
}

func TestCreateAndGetTask(t *testing.T) {
	var seen *queue.Job
	e := newServer(t, func(ctx context.Context, job *queue.Job) dispatch.Result {
		seen = job
		return dispatch.Result{Status: core.StatusSuccess, Solved: true, Sitekey: "sk", Rounds: 3}
	}, time.Second)

	out := post(t, e, "/createTask", `{"url":"https://login.example.com/verify","captcha_type":"recaptchav2"}`)
	id, _ := out["task_id"].(string)
	if out["success"] != true || id == "" {
		t.Fatalf("create: %v", out)
	}

	res := waitTask(t, e, id)
	if res["status"] != StatusCompleted || res["sitekey"] != "sk" || res["rounds"] != float64(3) {
		t.Fatalf("task: %v", res)
	}
	if seen.Domain != "login.example.com" || seen.CaptchaTypeName() != "recaptchav2" {
		t.Fatalf("job %+v", seen)
	}

	if again := post(t, e, "/getTask", `{"task_id":"`+id+`"}`); again["error"] != "invalid task_id" {
		t.Fatalf("finished task not forgotten: %v", again)
	}
}

func TestTaskErrors(t *testing.T) {
	e := newServer(t, func(ctx context.Context, job *queue.Job) dispatch.Result {
		<-ctx.Done()
		return dispatch.Result{Err: ctx.Err()}
	}, 30*time.Millisecond)

	out := post(t, e, "/createTask", `{"url":"https://a.example.com","captcha_type":"baidu_slide_rotate"}`)
	res := waitTask(t, e, out["task_id"].(string))
	if res["status"] != StatusError || res["error"] != "timeout reached" {
		t.Fatalf("task: %v", res)
	}

	for _, body := range []string{
		`{"url":"ftp://a.example.com","captcha_type":"hcaptcha"}`,
		`{"url":"https://a.example.com","captcha_type":"funcaptcha"}`,
	} {
		if out := post(t, e, "/createTask", body); out["success"] != false {
			t.Fatalf("%s accepted: %v", body, out)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/createTask", strings.NewReader(`url=x`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("form body got %d", rec.Code)
	}
}

func TestPlatformsAndHealth(t *testing.T) {
	e := newServer(t, nil, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/getPlatforms", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var out struct {
		Platforms map[string]string `json:"platforms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Platforms) != 8 || out.Platforms["tencent_slide"] != queue.QueueSlider {
		t.Fatalf("platforms %v", out.Platforms)
	}

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, rec.Code)
		}
	}
}
