package core

import (
	"fmt"

	"phishdecloaker/utils"
)

// NewSolver builds the solver for a detected captcha type.
func NewSolver(t CaptchaType, env Env) (Solver, error) {
	switch t.Family() {
	case FamilyHCaptcha:
		return NewHCaptcha(env), nil
	case FamilyRecaptcha:
		if env.PreferAudio {
			return NewRecaptchaAudio(env), nil
		}
		return NewRecaptcha(env), nil
	case FamilySlide, FamilyRotate:
		preset, err := utils.FindPreset(t.String())
		if err != nil {
			return nil, err
		}
		if t.Family() == FamilyRotate {
			return NewRotation(env, preset)
		}
		return NewSlide(env, preset)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
}
