package routes

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"phishdecloaker/core"
	"phishdecloaker/dispatch"
	"phishdecloaker/queue"
)

type Request struct {
	TaskID      string `json:"task_id"`
	URL         string `json:"url"`
	CaptchaType string `json:"captcha_type"`
}

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Task is one ad-hoc solve requested over HTTP.
type Task struct {
	ID          string
	URL         string
	Type        core.CaptchaType
	Status      string
	ErrorReason string
	Sitekey     string
	Rounds      int
	ProcessTime float64
}

// Handler serves the ad-hoc solve API on top of a worker's Process.
type Handler struct {
	Process  func(ctx context.Context, job *queue.Job) dispatch.Result
	Timeout  time.Duration
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewHandler(process func(ctx context.Context, job *queue.Job) dispatch.Result, timeout time.Duration, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		Process:  process,
		Timeout:  timeout,
		Gatherer: gatherer,
		Logger:   logger,
		tasks:    map[string]*Task{},
	}
}

// Register mounts the routes on e.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/createTask", h.CreateTaskRoute)
	e.POST("/getTask", h.GetTaskRoute)
	e.GET("/getPlatforms", h.GetPlatformDetails)
	e.GET("/health", h.HealthRoute)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
}

func (h *Handler) recoverPanic() {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		h.Logger.Error("recovered from panic", zap.Any("panic", r), zap.ByteString("stack", buf[:n]))
	}
}

func (h *Handler) snapshot(id string) (Task, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

func (h *Handler) update(id string, fn func(t *Task)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tasks[id]; ok {
		fn(t)
	}
}

// GetPlatformDetails lists the solvable captcha types and their queues.
func (h *Handler) GetPlatformDetails(c echo.Context) error {
	platforms := make(map[string]string)
	for t := core.CaptchaHCaptcha; t <= core.CaptchaBaiduRotate; t++ {
		if q, ok := dispatch.QueueFor(t); ok {
			platforms[t.String()] = q
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"platforms": platforms,
	})
}

func (h *Handler) HealthRoute(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// CreateTaskRoute starts a solve and returns its task id.
func (h *Handler) CreateTaskRoute(c echo.Context) error {
	defer h.recoverPanic()

	contentType := c.Request().Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return c.JSON(http.StatusUnsupportedMediaType, map[string]interface{}{
			"success": false,
			"error":   "Unsupported Content-Type",
			"details": fmt.Sprintf("Expected 'Content-Type: application/json' but got '%s'", contentType),
		})
	}

	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid request"})
	}

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Hostname() == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid or missing url"})
	}
	typ := core.ParseCaptchaType(req.CaptchaType)
	if _, ok := dispatch.QueueFor(typ); !ok {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "unsupported captcha_type"})
	}

	task := &Task{ID: uuid.NewString(), URL: req.URL, Type: typ, Status: StatusProcessing}
	h.mu.Lock()
	h.tasks[task.ID] = task
	h.mu.Unlock()

	name := typ.String()
	job := &queue.Job{
		Domain:      target.Hostname(),
		URL:         req.URL,
		CrawlMode:   queue.ModeCaptcha,
		HasCaptcha:  true,
		CaptchaType: &name,
	}
	go h.solve(task.ID, job)

	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "task_id": task.ID})
}

func (h *Handler) solve(id string, job *queue.Job) {
	defer h.recoverPanic()

	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()
	start := time.Now()

	done := make(chan dispatch.Result, 1)
	go func() {
		done <- h.Process(ctx, job)
	}()

	var res dispatch.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = dispatch.Result{Err: ctx.Err()}
	}
	elapsed := time.Since(start)

	h.update(id, func(t *Task) {
		t.ProcessTime = elapsed.Seconds()
		t.Sitekey = res.Sitekey
		t.Rounds = res.Rounds
		if res.Solved {
			t.Status = StatusCompleted
			return
		}
		t.Status = StatusError
		t.ErrorReason = errorReason(res)
	})
}

func errorReason(res dispatch.Result) string {
	switch {
	case res.Status == core.StatusBlocked:
		return "blocked by captcha provider"
	case res.Err == nil:
		return "too many rounds"
	case strings.Contains(res.Err.Error(), "deadline exceeded"):
		return "timeout reached"
	case strings.Contains(res.Err.Error(), "open session"):
		return "browser unavailable"
	}
	return "internal error"
}

// GetTaskRoute reports a task; finished tasks are forgotten once read.
func (h *Handler) GetTaskRoute(c echo.Context) error {
	defer h.recoverPanic()

	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid request"})
	}

	task, exists := h.snapshot(req.TaskID)
	if !exists {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid task_id"})
	}

	switch task.Status {
	case StatusCompleted:
		h.forget(req.TaskID)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"status":  task.Status,
			"solved":  true,
			"sitekey": task.Sitekey,
			"rounds":  task.Rounds,
			"time":    math.Round(task.ProcessTime*100) / 100,
		})

	case StatusError:
		h.forget(req.TaskID)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": false,
			"status":  task.Status,
			"solved":  false,
			"error":   task.ErrorReason,
			"time":    math.Round(task.ProcessTime*100) / 100,
		})

	case StatusProcessing:
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": false,
			"status":  task.Status,
		})

	default:
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "unknown task status",
		})
	}
}

func (h *Handler) forget(id string) {
	h.mu.Lock()
	delete(h.tasks, id)
	h.mu.Unlock()
}
