package core

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"phishdecloaker/utils"
	"phishdecloaker/vision"
)

// Answerer asks a yes/no question about each image.
type Answerer interface {
	Ask(ctx context.Context, images [][]byte, question string) ([]string, error)
}

// PointLocator finds the point an instruction refers to, in image pixels.
type PointLocator interface {
	Locate(ctx context.Context, image []byte, instruction string) (x, y float64, err error)
}

type Object struct {
	Label      string
	Confidence float64
	Box        vision.Box
}

// Detection boxes are expressed at the network input resolution.
type Detection struct {
	Width, Height float64
	Objects       []Object
}

type Detector interface {
	Detect(ctx context.Context, image []byte) (Detection, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Regressor predicts a scalar, the rotation fraction, from an image.
type Regressor interface {
	Regress(ctx context.Context, image []byte) (float64, error)
}

// TileSelector picks matching tiles out of a grid in one call. Indices are
// zero based.
type TileSelector interface {
	SelectTiles(ctx context.Context, tiles [][]byte, instruction string) ([]int, error)
}

// Oracle bundles every recognition capability.
type Oracle interface {
	Answerer
	PointLocator
	Detector
	Transcriber
	Regressor
}

type Timeouts struct {
	// Type bounds the wait for a round's layout.
	Type time.Duration
	// Verify bounds the wait for a verification response.
	Verify time.Duration
	// Replace bounds the wait for a dynamic tile replacement request.
	Replace time.Duration
	// Payload bounds the wait for a payload image or clip.
	Payload time.Duration
}

var DefaultTimeouts = Timeouts{
	Type:    3 * time.Second,
	Verify:  3 * time.Second,
	Replace: 3 * time.Second,
	Payload: 10 * time.Second,
}

// withDefaults fills every unset bound from DefaultTimeouts.
func (t Timeouts) withDefaults() Timeouts {
	if t.Type <= 0 {
		t.Type = DefaultTimeouts.Type
	}
	if t.Verify <= 0 {
		t.Verify = DefaultTimeouts.Verify
	}
	if t.Replace <= 0 {
		t.Replace = DefaultTimeouts.Replace
	}
	if t.Payload <= 0 {
		t.Payload = DefaultTimeouts.Payload
	}
	return t
}

// Env carries the collaborators shared by every solver.
type Env struct {
	Oracle   Oracle
	Selector TileSelector
	Logger   *zap.Logger
	Rand     *rand.Rand
	Timeouts Timeouts
	// PreferAudio switches reCAPTCHA to its audio challenge.
	PreferAudio bool
	// Sleep paces gestures. Tests replace it with a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (e Env) withDefaults() Env {
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	if e.Rand == nil {
		e.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	e.Timeouts = e.Timeouts.withDefaults()
	if e.Sleep == nil {
		e.Sleep = Sleep
	}
	return e
}

func (e Env) trajectories() *utils.TrajectoryGenerator {
	return utils.NewTrajectoryGenerator(rand.New(rand.NewSource(e.Rand.Int63())))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
