package core

import (
	"errors"
	"strings"
)

var (
	ErrEvidenceTimeout = errors.New("no challenge evidence before timeout")
	ErrNoResponse      = errors.New("no matching network response before timeout")
	ErrUnknownType     = errors.New("no solver for captcha type")
	ErrNoTarget        = errors.New("solver has no target page")
	// ErrNavigated is returned by a Page whose document was replaced
	// mid-call, which after a solve attempt means the widget let us through.
	ErrNavigated = errors.New("page navigated away")
)

// CaptchaType is the detector's label for a widget.
type CaptchaType int

const (
	CaptchaUnknown CaptchaType = iota
	CaptchaHCaptcha
	CaptchaHCaptchaCheckbox
	CaptchaRecaptchaV2
	CaptchaRecaptchaV2Checkbox
	CaptchaGeetestSlide
	CaptchaNeteaseSlide
	CaptchaTencentSlide
	CaptchaBaiduRotate
)

var captchaTypeNames = map[CaptchaType]string{
	CaptchaHCaptcha:            "hcaptcha",
	CaptchaHCaptchaCheckbox:    "hcaptcha_checkbox",
	CaptchaRecaptchaV2:         "recaptchav2",
	CaptchaRecaptchaV2Checkbox: "recaptchav2_checkbox",
	CaptchaGeetestSlide:        "geetest_slide_puzzle",
	CaptchaNeteaseSlide:        "netease_slide",
	CaptchaTencentSlide:        "tencent_slide",
	CaptchaBaiduRotate:         "baidu_slide_rotate",
}

func ParseCaptchaType(s string) CaptchaType {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range captchaTypeNames {
		if name == s {
			return t
		}
	}
	return CaptchaUnknown
}

func (t CaptchaType) String() string {
	if name, ok := captchaTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Family groups captcha types that share a solver.
type Family int

const (
	FamilyNone Family = iota
	FamilyHCaptcha
	FamilyRecaptcha
	FamilySlide
	FamilyRotate
)

func (t CaptchaType) Family() Family {
	switch t {
	case CaptchaHCaptcha, CaptchaHCaptchaCheckbox:
		return FamilyHCaptcha
	case CaptchaRecaptchaV2, CaptchaRecaptchaV2Checkbox:
		return FamilyRecaptcha
	case CaptchaGeetestSlide, CaptchaNeteaseSlide, CaptchaTencentSlide:
		return FamilySlide
	case CaptchaBaiduRotate:
		return FamilyRotate
	default:
		return FamilyNone
	}
}

func (f Family) String() string {
	switch f {
	case FamilyHCaptcha:
		return "hcaptcha"
	case FamilyRecaptcha:
		return "recaptchav2"
	case FamilySlide:
		return "slider"
	case FamilyRotate:
		return "rotation"
	default:
		return "none"
	}
}

// Layout is the resolved presentation of one challenge round.
type Layout int

const (
	LayoutNone Layout = iota
	LayoutLabelBinary
	LayoutAreaSelect
	LayoutImageSelect
	LayoutDynamic
	LayoutTileset
	LayoutAudio
	LayoutNoCaptcha
	LayoutDOSCaptcha
	LayoutUnsupported
)

func (l Layout) String() string {
	switch l {
	case LayoutLabelBinary:
		return "image_label_binary"
	case LayoutAreaSelect:
		return "image_label_area_select"
	case LayoutImageSelect:
		return "imageselect"
	case LayoutDynamic:
		return "dynamic"
	case LayoutTileset:
		return "tileset"
	case LayoutAudio:
		return "audio"
	case LayoutNoCaptcha:
		return "nocaptcha"
	case LayoutDOSCaptcha:
		return "doscaptcha"
	case LayoutUnsupported:
		return "unsupported"
	default:
		return "none"
	}
}

// ParseRecaptchaLayout maps the type hint of a reload or userverify message.
func ParseRecaptchaLayout(hint string) Layout {
	switch hint {
	case "":
		return LayoutNone
	case "imageselect":
		return LayoutImageSelect
	case "dynamic":
		return LayoutDynamic
	case "multicaptcha", "tileselect":
		return LayoutTileset
	case "audio":
		return LayoutAudio
	case "nocaptcha":
		return LayoutNoCaptcha
	case "doscaptcha":
		return LayoutDOSCaptcha
	default:
		return LayoutUnsupported
	}
}

// Status is the terminal result of a solve.
type Status int

const (
	StatusFailed Status = iota
	StatusSuccess
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBlocked:
		return "blocked"
	default:
		return "failed"
	}
}

// State is a node of the solver state machine.
type State int

const (
	StateIdle State = iota
	StateCheckboxClicked
	StateAwaitingType
	StateSolving
	StateAwaitingVerification
	StateContinue
	StateSuccess
	StateBlocked
	StateFailed
)

func (s State) String() string {
	return [...]string{
		"idle", "checkbox_clicked", "awaiting_type", "solving",
		"awaiting_verification", "continue", "success", "blocked", "failed",
	}[s]
}

// Outcome is what a layout handler reports back to the state machine.
type Outcome int

const (
	// OutcomeAdvance means the answer is entered and should be verified.
	OutcomeAdvance Outcome = iota
	// OutcomeUnseen means the round cannot be answered; refresh it.
	OutcomeUnseen
	// OutcomeRetype means the handler changed the challenge itself and
	// the next type should be awaited without a refresh.
	OutcomeRetype
	OutcomeSuccess
	OutcomeBlocked
)

type VerdictKind int

const (
	VerdictTimeout VerdictKind = iota
	VerdictSuccess
	VerdictBlocked
	VerdictContinue
)

// Verdict is the interpreted verification response.
type Verdict struct {
	Kind VerdictKind
	Next Layout
}
