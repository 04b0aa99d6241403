package core

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"phishdecloaker/utils"
	"phishdecloaker/vision"
)

const (
	hcCheckboxFrame  = `iframe[title="Widget containing checkbox for hCaptcha security challenge"]`
	hcChallengeFrame = `iframe[title="hCaptcha challenge"]`

	hcCheckbox = "#checkbox"
	hcPrompt   = ".prompt-text"
	hcTask     = ".task"
	hcCanvas   = ".challenge-view canvas"
	hcSubmit   = ".button-submit"
	hcRefresh  = ".refresh"

	hcImagePrefix = "https://imgs"
	hcCheckPath   = "/checkcaptcha"
	hcGridSize    = 9
)

var hcSitekeyPattern = regexp.MustCompile(`&sitekey=(.*?)&theme=`)

var (
	hcTileSizes = map[[2]int]bool{{128, 128}: true, {144, 144}: true}
	hcAreaSizes = map[[2]int]bool{
		{256, 256}: true, {512, 512}: true, {384, 256}: true, {400, 280}: true,
	}
)

type hcaptchaSniffer struct {
	logger *zap.Logger
}

func (s hcaptchaSniffer) Sniff(o *Observer, r Response) {
	switch {
	case strings.HasPrefix(r.URL, hcImagePrefix):
		body, err := r.Body()
		if err != nil {
			return
		}
		w, h, err := vision.DecodeSize(body)
		if err != nil {
			s.logger.Debug("undecodable challenge image", zap.String("url", r.URL), zap.Error(err))
			return
		}
		size := [2]int{w, h}
		o.Update(func(rd *Round) (Layout, bool) {
			switch {
			case hcTileSizes[size]:
				rd.Tiles = append(rd.Tiles, body)
			case hcAreaSizes[size]:
				rd.Areas = append(rd.Areas, body)
			}
			switch {
			case len(rd.Tiles) >= hcGridSize:
				return LayoutLabelBinary, true
			case len(rd.Areas) == 1:
				return LayoutAreaSelect, true
			}
			return LayoutNone, false
		})

	case strings.Contains(r.URL, hcCheckPath):
		body, err := r.Body()
		if err != nil {
			return
		}
		var res struct {
			Pass bool `json:"pass"`
		}
		if json.Unmarshal(body, &res) == nil && !res.Pass {
			o.StartRound()
		}
	}
}

// HCaptcha solves label-binary and area-select challenges.
type HCaptcha struct {
	env  Env
	page Page
	obs  *Observer
}

func NewHCaptcha(env Env) *Machine {
	env = env.withDefaults()
	return NewMachine(&HCaptcha{env: env}, env)
}

func (h *HCaptcha) Name() string { return "hcaptcha" }

func (h *HCaptcha) Sniffer() Sniffer { return hcaptchaSniffer{logger: h.env.Logger} }

func (h *HCaptcha) Bind(page Page, obs *Observer) {
	h.page = page
	h.obs = obs
}

func (h *HCaptcha) Sitekey(ctx context.Context) (string, error) {
	src, err := h.page.Attribute(ctx, On(hcCheckboxFrame), "src")
	if err != nil {
		return "", err
	}
	m := hcSitekeyPattern.FindStringSubmatch(src)
	if m == nil {
		return "", fmt.Errorf("no sitekey in %q", src)
	}
	return m[1], nil
}

func (h *HCaptcha) ClickCheckbox(ctx context.Context) error {
	if err := waitVisible(ctx, h.env, h.page, In(hcCheckboxFrame, hcCheckbox), h.env.Timeouts.Type); err != nil {
		return err
	}
	return h.page.Click(ctx, In(hcCheckboxFrame, hcCheckbox))
}

func (h *HCaptcha) Handle(ctx context.Context, layout Layout) (Outcome, error) {
	switch layout {
	case LayoutLabelBinary:
		return h.labelBinary(ctx)
	case LayoutAreaSelect:
		return h.areaSelect(ctx)
	default:
		return OutcomeUnseen, nil
	}
}

// BinaryQuestion turns a grid prompt into a yes/no question for one tile.
func BinaryQuestion(instruction string) string {
	s := strings.ToLower(utils.StripHTML(instruction))
	s = strings.ReplaceAll(s, "please ", "")
	if i := strings.LastIndex(s, "click on "); i >= 0 {
		s = s[i+len("click on "):]
		for _, prefix := range []string{"each image containing ", "each image with ", "all images with "} {
			s = strings.TrimPrefix(s, prefix)
		}
	} else {
		s = strings.Replace(s, "click on", "pick", 1)
	}
	s = strings.TrimRight(s, ". ")
	return fmt.Sprintf("Is this %s?", s)
}

// AreaQuestion phrases an area prompt for the point locator.
func AreaQuestion(instruction string) string {
	s := strings.ToLower(utils.StripHTML(instruction))
	s = strings.ReplaceAll(s, "please ", "")
	return strings.Replace(s, "click on", "where is", 1)
}

// RandomSelection picks between 3 and 9 distinct tiles.
func (h *HCaptcha) RandomSelection() []int {
	k := 3 + h.env.Rand.Intn(hcGridSize-2)
	return h.env.Rand.Perm(hcGridSize)[:k]
}

func (h *HCaptcha) labelBinary(ctx context.Context) (Outcome, error) {
	tasks := In(hcChallengeFrame, hcTask)
	n, err := h.page.Count(ctx, tasks)
	if err != nil {
		return OutcomeUnseen, err
	}
	if n != hcGridSize {
		return OutcomeUnseen, fmt.Errorf("expected %d tiles, found %d", hcGridSize, n)
	}

	instruction, err := h.page.Text(ctx, In(hcChallengeFrame, hcPrompt))
	if err != nil {
		return OutcomeUnseen, err
	}

	tiles := make([][]byte, n)
	for i := range tiles {
		if tiles[i], err = h.page.Screenshot(ctx, tasks.Nth(i)); err != nil {
			return OutcomeUnseen, err
		}
	}

	picks := h.pickTiles(ctx, tiles, instruction)
	for _, i := range picks {
		if err := h.page.Click(ctx, tasks.Nth(i)); err != nil {
			return OutcomeUnseen, err
		}
		if err := pause(ctx, h.env, 150*time.Millisecond); err != nil {
			return OutcomeUnseen, err
		}
	}
	return OutcomeAdvance, nil
}

func (h *HCaptcha) pickTiles(ctx context.Context, tiles [][]byte, instruction string) []int {
	log := h.env.Logger.With(zap.String("instruction", instruction))

	if h.env.Selector != nil {
		picks, err := h.env.Selector.SelectTiles(ctx, tiles, instruction)
		if err == nil && len(picks) > 0 {
			return picks
		}
		log.Debug("tile selector gave no answer", zap.Error(err))
	}

	if h.env.Oracle != nil {
		answers, err := h.env.Oracle.Ask(ctx, tiles, BinaryQuestion(instruction))
		if err == nil {
			var picks []int
			for i, a := range answers {
				if strings.HasPrefix(strings.ToLower(strings.TrimSpace(a)), "yes") {
					picks = append(picks, i)
				}
			}
			if len(picks) > 0 {
				return picks
			}
		} else {
			log.Warn("oracle failed, guessing", zap.Error(err))
		}
	}
	return h.RandomSelection()
}

func (h *HCaptcha) areaSelect(ctx context.Context) (Outcome, error) {
	canvas := In(hcChallengeFrame, hcCanvas)
	box, err := h.page.BoundingBox(ctx, canvas)
	if err != nil {
		return OutcomeUnseen, err
	}
	instruction, err := h.page.Text(ctx, In(hcChallengeFrame, hcPrompt))
	if err != nil {
		return OutcomeUnseen, err
	}
	shot, err := h.page.Screenshot(ctx, canvas)
	if err != nil {
		return OutcomeUnseen, err
	}

	x, y := -1.0, -1.0
	if h.env.Oracle != nil {
		x, y, err = h.env.Oracle.Locate(ctx, shot, AreaQuestion(instruction))
		if err != nil {
			h.env.Logger.Warn("oracle failed, guessing", zap.Error(err))
		}
	}
	if err != nil || x < 0 || y < 0 || x > box.Width || y > box.Height {
		x = h.env.Rand.Float64() * box.Width
		y = h.env.Rand.Float64() * box.Height
	}

	if err := clickAt(ctx, h.env, h.page, box.X+x, box.Y+y); err != nil {
		return OutcomeUnseen, err
	}
	return OutcomeAdvance, nil
}

func (h *HCaptcha) Verify(ctx context.Context, layout Layout) (Verdict, error) {
	w := waitResponse(h.page, urlContains(hcCheckPath))
	if err := h.page.Click(ctx, In(hcChallengeFrame, hcSubmit)); err != nil {
		w.remove()
		return Verdict{}, err
	}
	r, err := w.Wait(ctx, h.env.Timeouts.Verify)
	if err == ErrNoResponse {
		return Verdict{Kind: VerdictTimeout}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	body, err := r.Body()
	if err != nil {
		return Verdict{}, err
	}
	var res struct {
		Pass bool `json:"pass"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return Verdict{}, fmt.Errorf("decoding checkcaptcha: %w", err)
	}
	if res.Pass {
		return Verdict{Kind: VerdictSuccess}, nil
	}
	return Verdict{Kind: VerdictContinue}, nil
}

func (h *HCaptcha) Refresh(ctx context.Context) error {
	return h.page.Click(ctx, In(hcChallengeFrame, hcRefresh))
}

// multi page grids show their next page without a checkcaptcha round trip
func (h *HCaptcha) SameTypeOnTimeout(layout Layout) bool {
	return layout == LayoutLabelBinary
}
