package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"phishdecloaker/utils"
	"phishdecloaker/vision"
)

const (
	rcAnchorFrame    = `iframe[title="reCAPTCHA"]`
	rcChallengeFrame = `iframe[title="recaptcha challenge expires in two minutes"]`

	rcAnchor      = "#recaptcha-anchor"
	rcDescription = `[class^="rc-imageselect-desc"]`
	rcTile        = ".rc-imageselect-tile"
	rcVerify      = "#recaptcha-verify-button"
	rcReload      = "#recaptcha-reload-button"

	rcReloadPath   = "recaptcha/api2/reload"
	rcVerifyPath   = "recaptcha/api2/userverify"
	rcPayloadPath  = "recaptcha/api2/payload"
	rcReplacePath  = "recaptcha/api2/replaceimage"
	rcReplaceTries = 5
)

var rcSitekeyPattern = regexp.MustCompile(`&k=(.*?)&co=`)

// COCOLabels maps prompt labels onto the detector's COCO classes.
var COCOLabels = map[string]string{
	"parking meters":  "parking meter",
	"parking meter":   "parking meter",
	"traffic lights":  "traffic light",
	"traffic light":   "traffic light",
	"bicycles":        "bicycle",
	"bicycle":         "bicycle",
	"a fire hydrant":  "fire hydrant",
	"fire hydrants":   "fire hydrant",
	"fire hydrant":    "fire hydrant",
	"buses":           "bus",
	"bus":             "bus",
	"motorcycles":     "motorbike",
	"motorcycle":      "motorbike",
	"cars":            "car",
	"car":             "car",
	"vehicles":        "car",
}

// CustomLabels maps prompt labels onto classes of the custom model.
var CustomLabels = map[string]string{
	"crosswalks":         "crosswalk",
	"crosswalk":          "crosswalk",
	"mountains or hills": "mountain",
	"chimneys":           "chimney",
	"chimney":            "chimney",
	"palm trees":         "tree",
	"stairs":             "stair",
	"tractors":           "tractor",
	"tractor":            "tractor",
	"taxis":              "taxi",
	"taxi":               "taxi",
	"boats":              "boat",
	"boat":               "boat",
	"bridges":            "bridge",
	"bridge":             "bridge",
}

// LabelClass resolves a prompt label to a detector class.
func LabelClass(label string) (string, bool) {
	if c, ok := COCOLabels[label]; ok {
		return c, true
	}
	c, ok := CustomLabels[label]
	return c, ok
}

// ExtractLabel pulls the object label out of the prompt text, e.g.
// "Select all images with\ntraffic lights\nClick verify once there are none left".
func ExtractLabel(description string) string {
	parts := strings.Split(description, ":")
	last := strings.TrimSpace(parts[len(parts)-1])
	lines := strings.Split(last, "\n")
	line := lines[0]
	if len(lines) > 1 {
		line = lines[1]
	}
	return strings.ToLower(strings.TrimSpace(line))
}

type recaptchaSniffer struct {
	logger *zap.Logger
}

func (s recaptchaSniffer) Sniff(o *Observer, r Response) {
	switch {
	case strings.Contains(r.URL, rcPayloadPath):
		body, err := r.Body()
		if err != nil {
			return
		}
		o.Update(func(rd *Round) (Layout, bool) {
			if strings.Contains(r.MimeType, "audio") {
				rd.PushAudio(body)
			} else {
				rd.PushImage(body)
			}
			return LayoutNone, false
		})

	case strings.Contains(r.URL, rcReloadPath):
		p, err := s.decode(r)
		if err != nil {
			return
		}
		hint, _ := p.String(5)
		o.StartRoundWith(ParseRecaptchaLayout(hint))

	case strings.Contains(r.URL, rcVerifyPath):
		p, err := s.decode(r)
		if err != nil || verifyPassed(p) {
			return
		}
		hint, _ := p.String(7, 5)
		layout := ParseRecaptchaLayout(hint)
		if layout == LayoutNone {
			o.StartRound()
			return
		}
		o.StartRoundWith(layout)
	}
}

func (s recaptchaSniffer) decode(r Response) (utils.Payload, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	p, err := utils.DecodePayload(body)
	if err != nil {
		s.logger.Debug("undecodable recaptcha message", zap.String("url", r.URL), zap.Error(err))
	}
	return p, err
}

func verifyPassed(p utils.Payload) bool {
	tag, _ := p.String(0)
	code, _ := p.String(3)
	return tag == "uvresp" && code == "120"
}

// Recaptcha solves the image challenges of reCAPTCHA v2.
type Recaptcha struct {
	env  Env
	page Page
	obs  *Observer
}

func NewRecaptcha(env Env) *Machine {
	env = env.withDefaults()
	return NewMachine(&Recaptcha{env: env}, env)
}

func (rc *Recaptcha) Name() string { return "recaptchav2" }

func (rc *Recaptcha) Sniffer() Sniffer { return recaptchaSniffer{logger: rc.env.Logger} }

func (rc *Recaptcha) Bind(page Page, obs *Observer) {
	rc.page = page
	rc.obs = obs
}

func (rc *Recaptcha) Sitekey(ctx context.Context) (string, error) {
	src, err := rc.page.Attribute(ctx, On(rcAnchorFrame), "src")
	if err != nil {
		return "", err
	}
	m := rcSitekeyPattern.FindStringSubmatch(src)
	if m == nil {
		return "", fmt.Errorf("no sitekey in %q", src)
	}
	return m[1], nil
}

func (rc *Recaptcha) ClickCheckbox(ctx context.Context) error {
	if err := waitVisible(ctx, rc.env, rc.page, In(rcAnchorFrame, rcAnchor), rc.env.Timeouts.Type); err != nil {
		return err
	}
	return rc.page.Click(ctx, In(rcAnchorFrame, rcAnchor))
}

func (rc *Recaptcha) Handle(ctx context.Context, layout Layout) (Outcome, error) {
	switch layout {
	case LayoutNoCaptcha:
		return OutcomeSuccess, nil
	case LayoutDOSCaptcha:
		return OutcomeBlocked, nil
	case LayoutImageSelect, LayoutDynamic, LayoutTileset:
	default:
		return OutcomeUnseen, nil
	}

	description, err := rc.page.Text(ctx, In(rcChallengeFrame, rcDescription))
	if err != nil {
		return OutcomeUnseen, err
	}
	label := ExtractLabel(description)
	class, ok := LabelClass(label)
	if !ok {
		rc.env.Logger.Info("unseen label", zap.String("label", label))
		return OutcomeUnseen, nil
	}
	log := rc.env.Logger.With(zap.String("class", class), zap.Stringer("layout", layout))

	switch layout {
	case LayoutTileset:
		return rc.tileset(ctx, log, class)
	case LayoutDynamic:
		return rc.dynamic(ctx, log, class)
	default:
		return rc.static(ctx, log, class)
	}
}

func (rc *Recaptcha) nextImage(ctx context.Context) (image.Image, error) {
	data, err := rc.obs.NextImage(ctx, rc.env.Timeouts.Payload)
	if err != nil {
		return nil, err
	}
	return vision.DecodeImage(data)
}

// contains runs the detector on img and reports whether class is present.
// Detector errors count as no detection.
func (rc *Recaptcha) contains(ctx context.Context, log *zap.Logger, img image.Image, class string) bool {
	if rc.env.Oracle == nil {
		return false
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return false
	}
	det, err := rc.env.Oracle.Detect(ctx, buf.Bytes())
	if err != nil {
		log.Warn("detector failed", zap.Error(err))
		return false
	}
	for _, o := range det.Objects {
		if o.Label == class {
			return true
		}
	}
	return false
}

func (rc *Recaptcha) clickTile(ctx context.Context, i int) error {
	if err := rc.page.Click(ctx, In(rcChallengeFrame, rcTile).Nth(i)); err != nil {
		return err
	}
	return pause(ctx, rc.env, 200*time.Millisecond)
}

func (rc *Recaptcha) static(ctx context.Context, log *zap.Logger, class string) (Outcome, error) {
	img, err := rc.nextImage(ctx)
	if err != nil {
		return OutcomeUnseen, err
	}
	var picks []int
	for i, cell := range vision.DivideImage(img, 3, 3) {
		if rc.contains(ctx, log, cell, class) {
			picks = append(picks, i)
		}
	}
	rc.env.Rand.Shuffle(len(picks), func(a, b int) { picks[a], picks[b] = picks[b], picks[a] })
	for _, i := range picks {
		if err := rc.clickTile(ctx, i); err != nil {
			return OutcomeUnseen, err
		}
	}
	log.Debug("static grid answered", zap.Ints("tiles", picks))
	return OutcomeAdvance, nil
}

// dynamic keeps clicking until no cell, including replacements, matches.
func (rc *Recaptcha) dynamic(ctx context.Context, log *zap.Logger, class string) (Outcome, error) {
	img, err := rc.nextImage(ctx)
	if err != nil {
		return OutcomeUnseen, err
	}
	cells := vision.DivideImage(img, 3, 3)
	pending := make([]int, 0, len(cells))
	for i, cell := range cells {
		if rc.contains(ctx, log, cell, class) {
			pending = append(pending, i)
		}
	}

	for len(pending) > 0 {
		i := pending[0]
		pending = pending[1:]

		if err := rc.clickReplaced(ctx, i); err != nil {
			return OutcomeUnseen, err
		}
		replacement, err := rc.nextImage(ctx)
		if err != nil {
			return OutcomeUnseen, err
		}
		if rc.contains(ctx, log, replacement, class) {
			pending = append(pending, i)
		}
	}
	return OutcomeAdvance, nil
}

// clickReplaced clicks a tile until its replacement is requested.
func (rc *Recaptcha) clickReplaced(ctx context.Context, i int) error {
	for attempt := 0; attempt < rcReplaceTries; attempt++ {
		w := waitRequest(rc.page, func(r Request) bool { return strings.Contains(r.URL, rcReplacePath) })
		if err := rc.clickTile(ctx, i); err != nil {
			w.remove()
			return err
		}
		_, err := w.Wait(ctx, rc.env.Timeouts.Replace)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoResponse) {
			return err
		}
	}
	return fmt.Errorf("tile %d was never replaced", i)
}

func (rc *Recaptcha) tileset(ctx context.Context, log *zap.Logger, class string) (Outcome, error) {
	data, err := rc.obs.NextImage(ctx, rc.env.Timeouts.Payload)
	if err != nil {
		return OutcomeUnseen, err
	}
	w, h, err := vision.DecodeSize(data)
	if err != nil {
		return OutcomeUnseen, err
	}

	var picks []int
	if rc.env.Oracle != nil {
		det, err := rc.env.Oracle.Detect(ctx, data)
		if err != nil {
			log.Warn("detector failed", zap.Error(err))
		}
		var sets [][]int
		for _, o := range det.Objects {
			if o.Label == class {
				sets = append(sets, vision.TilesetCells(o.Box, det.Width, det.Height, float64(w), float64(h), 4, 4))
			}
		}
		picks = vision.UnionCells(sets...)
	}

	for _, i := range picks {
		if err := rc.clickTile(ctx, i); err != nil {
			return OutcomeUnseen, err
		}
	}
	log.Debug("tileset answered", zap.Ints("tiles", picks))
	return OutcomeAdvance, nil
}

func (rc *Recaptcha) Verify(ctx context.Context, layout Layout) (Verdict, error) {
	return verifyRecaptcha(ctx, rc.env, rc.page)
}

func verifyRecaptcha(ctx context.Context, env Env, page Page) (Verdict, error) {
	resp := waitResponse(page, urlContains(rcVerifyPath))
	req := waitRequest(page, func(r Request) bool { return strings.Contains(r.URL, rcVerifyPath) })
	if err := page.Click(ctx, In(rcChallengeFrame, rcVerify)); err != nil {
		req.remove()
		resp.remove()
		return Verdict{}, err
	}
	if _, err := req.Wait(ctx, env.Timeouts.Verify); err != nil {
		resp.remove()
		if errors.Is(err, ErrNoResponse) {
			return Verdict{Kind: VerdictTimeout}, nil
		}
		return Verdict{}, err
	}

	r, err := resp.Wait(ctx, 4*env.Timeouts.Verify)
	if errors.Is(err, ErrNoResponse) {
		return Verdict{Kind: VerdictTimeout}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	body, err := r.Body()
	if err != nil {
		return Verdict{}, err
	}
	p, err := utils.DecodePayload(body)
	if err != nil {
		return Verdict{}, fmt.Errorf("decoding userverify: %w", err)
	}
	if verifyPassed(p) {
		return Verdict{Kind: VerdictSuccess}, nil
	}
	hint, _ := p.String(7, 5)
	next := ParseRecaptchaLayout(hint)
	if next == LayoutDOSCaptcha {
		return Verdict{Kind: VerdictBlocked}, nil
	}
	return Verdict{Kind: VerdictContinue, Next: next}, nil
}

func (rc *Recaptcha) Refresh(ctx context.Context) error {
	return rc.page.Click(ctx, In(rcChallengeFrame, rcReload))
}

func (rc *Recaptcha) SameTypeOnTimeout(layout Layout) bool {
	return layout == LayoutTileset
}
