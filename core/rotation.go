package core

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"math"

	"go.uber.org/zap"

	"phishdecloaker/utils"
	"phishdecloaker/vision"
)

const rotationInput = 224

// FoldRotation maps a regressor output onto [0, 1]. Negative predictions
// wrap around the circle.
func FoldRotation(p float64) float64 {
	if p < 0 {
		p = 1 - math.Abs(p)
	}
	return math.Max(0, math.Min(1, p))
}

// Rotation solves rotate-to-upright widgets by regressing the angle.
type Rotation struct {
	dragSolver
}

func NewRotation(env Env, preset utils.Preset) (*Rotation, error) {
	if missing := utils.ValidatePreset(preset); len(missing) > 0 {
		return nil, fmt.Errorf("preset %s missing %v", preset.Name, missing)
	}
	if preset.Kind != "rotate" {
		return nil, fmt.Errorf("preset %s is not a rotate preset", preset.Name)
	}
	return &Rotation{dragSolver{env: env.withDefaults(), preset: preset}}, nil
}

func (r *Rotation) Solve(ctx context.Context, maxTries int) (Status, error) {
	if r.page == nil {
		return StatusFailed, ErrNoTarget
	}
	if r.env.Oracle == nil {
		return StatusFailed, fmt.Errorf("rotation needs a regressor")
	}
	r.begin()
	log := r.env.Logger.With(zap.String("solver", r.Name()))

	if err := waitVisible(ctx, r.env, r.page, r.at(r.preset.Window), windowTimeout); err != nil {
		return StatusFailed, err
	}
	shot, err := r.page.Screenshot(ctx, r.at(r.preset.Image))
	if err != nil {
		return StatusFailed, fmt.Errorf("image screenshot: %w", err)
	}
	img, err := vision.DecodeImage(shot)
	if err != nil {
		return StatusFailed, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, vision.Resize(img, rotationInput, rotationInput)); err != nil {
		return StatusFailed, err
	}

	pred, err := r.env.Oracle.Regress(ctx, buf.Bytes())
	if err != nil {
		return StatusFailed, fmt.Errorf("regressing angle: %w", err)
	}
	distance := FoldRotation(pred) * r.preset.SliderLength
	log.Debug("rotation distance", zap.Float64("prediction", pred), zap.Float64("distance", distance))

	slider, err := r.page.BoundingBox(ctx, r.at(r.preset.Slider))
	if err != nil {
		return StatusFailed, err
	}
	x, y := slider.Center()
	if err := drag(ctx, r.env, r.page, x, y, slider.Y+slider.Height, slider.Y, distance, false); err != nil {
		return StatusFailed, err
	}
	return r.release(ctx, x+distance, y)
}
