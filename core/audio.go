package core

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	rcAudioButton = "#recaptcha-audio-button"
	rcPlayButton  = `button[aria-labelledby*="audio-instructions"]`
	rcAudioInput  = "#audio-response"
)

var (
	nonAlnum   = regexp.MustCompile(`[^a-z0-9\s]+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// NormalizeTranscript lowercases a transcript and keeps only words.
func NormalizeTranscript(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToLower(s), "")
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// RecaptchaAudio answers the audio variant of reCAPTCHA v2.
type RecaptchaAudio struct {
	Recaptcha
}

func NewRecaptchaAudio(env Env) *Machine {
	env = env.withDefaults()
	return NewMachine(&RecaptchaAudio{Recaptcha{env: env}}, env)
}

func (ra *RecaptchaAudio) Name() string { return "recaptchav2_audio" }

func (ra *RecaptchaAudio) Handle(ctx context.Context, layout Layout) (Outcome, error) {
	switch layout {
	case LayoutNoCaptcha:
		return OutcomeSuccess, nil
	case LayoutDOSCaptcha:
		return OutcomeBlocked, nil
	case LayoutAudio:
		return ra.audio(ctx)
	case LayoutImageSelect, LayoutDynamic, LayoutTileset:
		// the image challenge shows first; switching reloads into audio
		ra.obs.StartRound()
		if err := ra.page.Click(ctx, In(rcChallengeFrame, rcAudioButton)); err != nil {
			return OutcomeUnseen, err
		}
		return OutcomeRetype, nil
	default:
		return OutcomeUnseen, nil
	}
}

func (ra *RecaptchaAudio) audio(ctx context.Context) (Outcome, error) {
	if err := ra.page.Click(ctx, In(rcChallengeFrame, rcPlayButton)); err != nil {
		return OutcomeUnseen, err
	}
	clip, err := ra.obs.NextAudio(ctx, ra.env.Timeouts.Payload)
	if err != nil {
		return OutcomeUnseen, err
	}
	if ra.env.Oracle == nil {
		return OutcomeUnseen, nil
	}
	text, err := ra.env.Oracle.Transcribe(ctx, clip)
	if err != nil {
		return OutcomeUnseen, err
	}
	answer := NormalizeTranscript(text)
	if answer == "" {
		return OutcomeUnseen, nil
	}
	ra.env.Logger.Debug("audio transcribed", zap.String("answer", answer))

	if err := pause(ctx, ra.env, 500*time.Millisecond); err != nil {
		return OutcomeUnseen, err
	}
	if err := ra.page.Type(ctx, In(rcChallengeFrame, rcAudioInput), answer); err != nil {
		return OutcomeUnseen, err
	}
	return OutcomeAdvance, nil
}

// a wrong transcript is followed by a fresh clip, not a reshuffle
func (ra *RecaptchaAudio) SameTypeOnTimeout(layout Layout) bool { return false }
