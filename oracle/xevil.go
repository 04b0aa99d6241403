package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"phishdecloaker/core"
	"phishdecloaker/utils"
	"phishdecloaker/vision"
)

const xevilTile = 100

// XEvil selects grid tiles through an XEvil compatible in.php/res.php API.
type XEvil struct {
	URL  string
	Key  string
	Poll time.Duration

	client tls_client.HttpClient
	logger *zap.Logger
}

var _ core.TileSelector = (*XEvil)(nil)

func NewXEvil(baseURL, key string, logger *zap.Logger) (*XEvil, error) {
	client, err := utils.NewHTTPClient(30)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &XEvil{URL: strings.TrimRight(baseURL, "/"), Key: key, Poll: time.Second, client: client, logger: logger}, nil
}

func (x *XEvil) Submit(ctx context.Context, image, instruction string) (string, error) {
	payload := &bytes.Buffer{}
	writer := multipart.NewWriter(payload)

	fields := [][2]string{
		{"method", "base64"},
		{"body", image},
		{"imginstructions", instruction},
		{"key", x.Key},
		{"recaptcha", "1"},
		{"json", "1"},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.URL+"/in.php", payload)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var response utils.XEvilResponse
	if err := x.do(req, &response); err != nil {
		return "", err
	}
	if response.Status != 1 {
		return "", errors.New("failed to submit image to XEvil")
	}
	return response.Request, nil
}

// Fetch polls res.php until the answer is ready or ctx ends.
func (x *XEvil) Fetch(ctx context.Context, requestID string) (string, error) {
	q := url.Values{"id": {requestID}, "key": {x.Key}, "json": {"1"}, "action": {"get"}}
	endpoint := x.URL + "/res.php?" + q.Encode()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		var response utils.XEvilResponse
		if err := x.do(req, &response); err != nil {
			return "", err
		}

		// Check status
		if response.Status == 1 {
			return response.Request, nil
		}
		if response.Request != "CAPCHA_NOT_READY" && response.Request != "" {
			return "", fmt.Errorf("xevil: %s", response.Request)
		}

		if err := core.Sleep(ctx, x.Poll); err != nil {
			return "", err
		}
	}
}

func (x *XEvil) do(req *http.Request, out *utils.XEvilResponse) error {
	res, err := x.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid response format: %s", string(body))
	}
	return nil
}

// SelectTiles composes the tiles into one square grid and asks XEvil which
// cells match.
func (x *XEvil) SelectTiles(ctx context.Context, tiles [][]byte, instruction string) ([]int, error) {
	grid, err := ComposeGrid(tiles)
	if err != nil {
		return nil, err
	}
	id, err := x.Submit(ctx, base64.StdEncoding.EncodeToString(grid), instruction)
	if err != nil {
		return nil, fmt.Errorf("failed to submit image: %w", err)
	}
	answer, err := x.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch XEvil result: %w", err)
	}
	x.logger.Debug("xevil answered", zap.String("answer", answer))
	return ParseClicks(answer, len(tiles))
}

// ParseClicks reads "click:1/4/7" or a bare index; XEvil counts from 1.
func ParseClicks(answer string, n int) ([]int, error) {
	answer = strings.TrimPrefix(strings.TrimSpace(answer), "click:")
	var out []int
	for _, part := range strings.FieldsFunc(answer, func(r rune) bool { return r == '/' || r == ',' }) {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid request number: %s", part)
		}
		if v < 1 || v > n {
			return nil, fmt.Errorf("index %d out of range", v)
		}
		out = append(out, v-1)
	}
	return out, nil
}

// ComposeGrid lays tiles out row-major on the smallest square grid.
func ComposeGrid(tiles [][]byte) ([]byte, error) {
	if len(tiles) == 0 {
		return nil, errors.New("no tiles")
	}
	side := 1
	for side*side < len(tiles) {
		side++
	}
	dst := image.NewRGBA(image.Rect(0, 0, side*xevilTile, side*xevilTile))
	for i, data := range tiles {
		img, err := vision.DecodeImage(data)
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", i, err)
		}
		r := image.Rect(0, 0, xevilTile, xevilTile).Add(image.Pt((i%side)*xevilTile, (i/side)*xevilTile))
		draw.CatmullRom.Scale(dst, r, img, img.Bounds(), draw.Over, nil)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
