package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"phishdecloaker/utils"
)

type responseWaiter struct {
	ch     chan Response
	remove func()
}

// waitResponse registers before the triggering action so a fast response
// is not missed.
func waitResponse(page Page, match func(Response) bool) *responseWaiter {
	w := &responseWaiter{ch: make(chan Response, 1)}
	w.remove = page.OnResponse(func(r Response) {
		if !match(r) {
			return
		}
		select {
		case w.ch <- r:
		default:
		}
	})
	return w
}

func (w *responseWaiter) Wait(ctx context.Context, timeout time.Duration) (Response, error) {
	defer w.remove()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-w.ch:
		return r, nil
	case <-t.C:
		return Response{}, ErrNoResponse
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

type requestWaiter struct {
	ch     chan Request
	remove func()
}

func waitRequest(page Page, match func(Request) bool) *requestWaiter {
	w := &requestWaiter{ch: make(chan Request, 1)}
	w.remove = page.OnRequest(func(r Request) {
		if !match(r) {
			return
		}
		select {
		case w.ch <- r:
		default:
		}
	})
	return w
}

func (w *requestWaiter) Wait(ctx context.Context, timeout time.Duration) (Request, error) {
	defer w.remove()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-w.ch:
		return r, nil
	case <-t.C:
		return Request{}, ErrNoResponse
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}
}

func urlContains(fragment string) func(Response) bool {
	return func(r Response) bool { return strings.Contains(r.URL, fragment) }
}

// clickAt presses and releases at a page coordinate.
func clickAt(ctx context.Context, env Env, page Page, x, y float64) error {
	if err := page.MouseMove(ctx, x, y); err != nil {
		return err
	}
	for _, ev := range utils.GenerateMouseClickEvent(env.Rand, x, y) {
		if err := env.Sleep(ctx, ev.SincePrevious); err != nil {
			return err
		}
		if err := dispatch(ctx, page, ev.Event); err != nil {
			return err
		}
	}
	return nil
}

// drag plays a human-like drag from (x, y) over distance pixels. The
// button stays down when release is false.
func drag(ctx context.Context, env Env, page Page, x, y, top, bottom, distance float64, release bool) error {
	traj := env.trajectories().Generate(x, x+distance, top, bottom)
	events := utils.GenerateDragEvents(env.Rand, traj)
	if len(events) == 0 {
		return fmt.Errorf("empty trajectory for distance %.1f", distance)
	}
	if !release {
		events = events[:len(events)-1]
	}
	if ce := env.Logger.Check(zap.DebugLevel, "drag"); ce != nil {
		ce.Write(zap.Float64("distance", distance), zap.String("events", utils.EncodeEvents(events)))
	}
	for _, ev := range events {
		if err := env.Sleep(ctx, ev.SincePrevious); err != nil {
			return err
		}
		if err := dispatch(ctx, page, ev.Event); err != nil {
			return err
		}
	}
	return nil
}

func dispatch(ctx context.Context, page Page, ev utils.MouseEvent) error {
	switch ev.Type {
	case "Down":
		return page.MouseDown(ctx, ev.X, ev.Y)
	case "Up":
		return page.MouseUp(ctx, ev.X, ev.Y)
	default:
		return page.MouseMove(ctx, ev.X, ev.Y)
	}
}

// pause waits a jittered amount between interactions.
func pause(ctx context.Context, env Env, d time.Duration) error {
	return env.Sleep(ctx, utils.Jittered(env.Rand, d))
}

// waitVisible polls until l matches at least one element.
func waitVisible(ctx context.Context, env Env, page Page, l Locator, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		n, err := page.Count(ctx, l)
		if err == nil && n > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("waiting for %s: %w", l.Selector, err)
			}
			return fmt.Errorf("waiting for %s: %w", l.Selector, ErrEvidenceTimeout)
		}
		if err := env.Sleep(ctx, 200*time.Millisecond); err != nil {
			return err
		}
	}
}
