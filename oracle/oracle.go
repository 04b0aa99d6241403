// Package oracle talks to the recognition services behind the solvers.
package oracle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"phishdecloaker/core"
	"phishdecloaker/utils"
	"phishdecloaker/vision"
)

const (
	ModalityVQA        = "vqa"
	ModalityLocate     = "locate"
	ModalityDetect     = "detect"
	ModalityTranscribe = "transcribe"
	ModalityRegress    = "regress"
)

var ErrOracle = errors.New("oracle rejected request")

// transport carries one oracle request to the model server.
type transport interface {
	call(ctx context.Context, req utils.OracleRequest) (utils.OracleResponse, error)
	Close() error
}

// Client implements core.Oracle over a transport, rate limited.
type Client struct {
	t       transport
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ core.Oracle = (*Client)(nil)

func newClient(t transport, ratePerSec float64, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Client{t: t, limiter: rate.NewLimiter(limit, 1), logger: logger}
}

func (c *Client) Close() error { return c.t.Close() }

func (c *Client) do(ctx context.Context, req utils.OracleRequest) (utils.OracleResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return utils.OracleResponse{}, err
	}
	res, err := c.t.call(ctx, req)
	if err != nil {
		c.logger.Warn("oracle call failed", zap.String("modality", req.Modality), zap.Error(err))
		return res, fmt.Errorf("%s: %w", req.Modality, err)
	}
	if !res.Success {
		return res, fmt.Errorf("%s: %w: %s", req.Modality, ErrOracle, res.Error)
	}
	return res, nil
}

func encode(images [][]byte) []string {
	out := make([]string, len(images))
	for i, img := range images {
		out[i] = base64.StdEncoding.EncodeToString(img)
	}
	return out
}

func (c *Client) Ask(ctx context.Context, images [][]byte, question string) ([]string, error) {
	res, err := c.do(ctx, utils.OracleRequest{Modality: ModalityVQA, Instruction: question, Images: encode(images)})
	if err != nil {
		return nil, err
	}
	if len(res.Answers) != len(images) {
		return nil, fmt.Errorf("vqa: %d answers for %d images", len(res.Answers), len(images))
	}
	return res.Answers, nil
}

func (c *Client) Locate(ctx context.Context, image []byte, instruction string) (float64, float64, error) {
	res, err := c.do(ctx, utils.OracleRequest{Modality: ModalityLocate, Instruction: instruction, Images: encode([][]byte{image})})
	if err != nil {
		return 0, 0, err
	}
	if res.Point == nil {
		return 0, 0, fmt.Errorf("locate: %w: no point", ErrOracle)
	}
	return res.Point[0], res.Point[1], nil
}

func (c *Client) Detect(ctx context.Context, image []byte) (core.Detection, error) {
	res, err := c.do(ctx, utils.OracleRequest{Modality: ModalityDetect, Images: encode([][]byte{image})})
	if err != nil {
		return core.Detection{}, err
	}
	det := core.Detection{Width: float64(res.Width), Height: float64(res.Height)}
	if det.Width == 0 || det.Height == 0 {
		// boxes are in image pixels when the server omits its input size
		w, h, err := vision.DecodeSize(image)
		if err != nil {
			return core.Detection{}, err
		}
		det.Width, det.Height = float64(w), float64(h)
	}
	for _, b := range res.Detections {
		det.Objects = append(det.Objects, core.Object{Label: b.Label, Confidence: b.Confidence, Box: vision.Box(b.Box)})
	}
	return det, nil
}

func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	res, err := c.do(ctx, utils.OracleRequest{Modality: ModalityTranscribe, Audio: base64.StdEncoding.EncodeToString(audio)})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (c *Client) Regress(ctx context.Context, image []byte) (float64, error) {
	res, err := c.do(ctx, utils.OracleRequest{Modality: ModalityRegress, Images: encode([][]byte{image})})
	if err != nil {
		return 0, err
	}
	if res.Value == nil || math.IsNaN(*res.Value) {
		return 0, fmt.Errorf("regress: %w: no value", ErrOracle)
	}
	return *res.Value, nil
}
