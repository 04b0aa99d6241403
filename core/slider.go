package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"phishdecloaker/utils"
	"phishdecloaker/vision"
)

const windowTimeout = 5 * time.Second

// dragSolver holds what slide and rotation widgets share: a preset, one
// drag and a verification response.
type dragSolver struct {
	env    Env
	preset utils.Preset
	page   Page

	mu     sync.Mutex
	rounds int
}

func (d *dragSolver) Name() string { return d.preset.Name }

func (d *dragSolver) SetTarget(page Page) error {
	d.page = page
	return nil
}

// Sitekey is empty for drag widgets.
func (d *dragSolver) Sitekey(ctx context.Context) (string, error) { return "", nil }

func (d *dragSolver) Rounds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rounds
}

func (d *dragSolver) at(selector string) Locator {
	return In(d.preset.Frame, selector)
}

// verifyMatch accepts the verification response or a main frame navigation.
func (d *dragSolver) verifyMatch(r Response) bool {
	return r.Document || strings.Contains(r.URL, d.preset.VerifyURL)
}

func (d *dragSolver) verdict(r Response) (Status, error) {
	if r.Document {
		return StatusSuccess, nil
	}
	body, err := r.Body()
	if err != nil {
		return StatusFailed, err
	}
	if strings.Contains(string(body), d.preset.VerifySuccessKeyword) {
		return StatusSuccess, nil
	}
	return StatusFailed, nil
}

// release lets go of the slider and races the verification response.
func (d *dragSolver) release(ctx context.Context, x, y float64) (Status, error) {
	w := waitResponse(d.page, d.verifyMatch)
	if err := d.page.MouseUp(ctx, x, y); err != nil {
		w.remove()
		return StatusFailed, err
	}
	r, err := w.Wait(ctx, d.preset.VerifyTimeout)
	if errors.Is(err, ErrNoResponse) {
		return StatusFailed, nil
	}
	if err != nil {
		return StatusFailed, err
	}
	return d.verdict(r)
}

func (d *dragSolver) begin() {
	d.mu.Lock()
	d.rounds = 1
	d.mu.Unlock()
}

// Slide solves jigsaw slide puzzles by edge template matching.
type Slide struct {
	dragSolver
}

func NewSlide(env Env, preset utils.Preset) (*Slide, error) {
	if missing := utils.ValidatePreset(preset); len(missing) > 0 {
		return nil, fmt.Errorf("preset %s missing %v", preset.Name, missing)
	}
	if preset.Kind != "slide" {
		return nil, fmt.Errorf("preset %s is not a slide preset", preset.Name)
	}
	return &Slide{dragSolver{env: env.withDefaults(), preset: preset}}, nil
}

// Solve makes a single attempt; maxTries is not used.
func (s *Slide) Solve(ctx context.Context, maxTries int) (Status, error) {
	if s.page == nil {
		return StatusFailed, ErrNoTarget
	}
	s.begin()
	log := s.env.Logger.With(zap.String("solver", s.Name()))

	if err := waitVisible(ctx, s.env, s.page, s.at(s.preset.Window), windowTimeout); err != nil {
		return StatusFailed, err
	}

	pieceShot, err := s.page.Screenshot(ctx, s.at(s.preset.Piece))
	if err != nil {
		return StatusFailed, fmt.Errorf("piece screenshot: %w", err)
	}
	bgShot, err := s.page.Screenshot(ctx, s.at(s.preset.Background))
	if err != nil {
		return StatusFailed, fmt.Errorf("background screenshot: %w", err)
	}
	piece, err := vision.DecodeImage(pieceShot)
	if err != nil {
		return StatusFailed, err
	}
	background, err := vision.DecodeImage(bgShot)
	if err != nil {
		return StatusFailed, err
	}

	distance, err := vision.SlideDistance(piece, background)
	if err != nil {
		return StatusFailed, err
	}
	distance += s.preset.Offset
	log.Debug("slide distance", zap.Float64("distance", distance))

	slider, err := s.page.BoundingBox(ctx, s.at(s.preset.Slider))
	if err != nil {
		return StatusFailed, err
	}
	x, y := slider.Center()
	if err := drag(ctx, s.env, s.page, x, y, slider.Y+slider.Height, slider.Y, distance, false); err != nil {
		return StatusFailed, err
	}
	return s.release(ctx, x+distance, y)
}
