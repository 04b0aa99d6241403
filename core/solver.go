package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

const DefaultMaxTries = 10

// Solver clears one widget on a page.
type Solver interface {
	Name() string
	SetTarget(page Page) error
	Sitekey(ctx context.Context) (string, error)
	Solve(ctx context.Context, maxTries int) (Status, error)
	Rounds() int
}

// Driver is the vendor specific half of a Machine.
type Driver interface {
	Name() string
	Sniffer() Sniffer
	Bind(page Page, obs *Observer)
	Sitekey(ctx context.Context) (string, error)
	ClickCheckbox(ctx context.Context) error
	Handle(ctx context.Context, layout Layout) (Outcome, error)
	Verify(ctx context.Context, layout Layout) (Verdict, error)
	Refresh(ctx context.Context) error
	// SameTypeOnTimeout reports whether a silent verification means the
	// next round has the same layout.
	SameTypeOnTimeout(layout Layout) bool
}

// Machine drives a multi-round widget through its states.
type Machine struct {
	driver Driver
	env    Env
	page   Page
	obs    *Observer

	mu     sync.Mutex
	trace  []State
	rounds int
}

func NewMachine(driver Driver, env Env) *Machine {
	env = env.withDefaults()
	return &Machine{
		driver: driver,
		env:    env,
		obs:    NewObserver(driver.Sniffer(), env.Logger.With(zap.String("solver", driver.Name()))),
	}
}

func (m *Machine) Name() string { return m.driver.Name() }

// SetTarget attaches the observer before any interaction so the first
// challenge message is never missed.
func (m *Machine) SetTarget(page Page) error {
	if m.page != nil {
		m.obs.Detach()
	}
	m.page = page
	m.obs.Attach(page)
	m.driver.Bind(page, m.obs)
	return nil
}

func (m *Machine) Sitekey(ctx context.Context) (string, error) {
	if m.page == nil {
		return "", ErrNoTarget
	}
	return m.driver.Sitekey(ctx)
}

func (m *Machine) Observer() *Observer { return m.obs }

func (m *Machine) Rounds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rounds
}

// Trace lists the states visited by the last Solve.
func (m *Machine) Trace() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.trace...)
}

func (m *Machine) enter(s State) {
	m.mu.Lock()
	m.trace = append(m.trace, s)
	m.mu.Unlock()
}

func (m *Machine) Solve(ctx context.Context, maxTries int) (status Status, err error) {
	if m.page == nil {
		return StatusFailed, ErrNoTarget
	}
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	log := m.env.Logger.With(zap.String("solver", m.driver.Name()))
	defer m.handlePanic(log, &status, &err)

	m.mu.Lock()
	m.trace = []State{StateIdle}
	m.rounds = 0
	m.mu.Unlock()

	// * CHECKBOX
	if err := m.driver.ClickCheckbox(ctx); err != nil {
		m.enter(StateFailed)
		return StatusFailed, fmt.Errorf("clicking checkbox: %w", err)
	}
	m.enter(StateCheckboxClicked)

	// unseen and retype rounds do not consume a try, but are capped
	free := 2 * maxTries
	carry := LayoutNone

	for tries := 0; tries < maxTries; {
		m.mu.Lock()
		m.rounds++
		m.mu.Unlock()

		// * TYPE
		m.enter(StateAwaitingType)
		layout := carry
		carry = LayoutNone
		if layout == LayoutNone {
			layout, err = m.obs.AwaitType(ctx, m.env.Timeouts.Type)
			if err != nil {
				if ctx.Err() != nil {
					m.enter(StateFailed)
					return StatusFailed, ctx.Err()
				}
				log.Debug("challenge type not resolved", zap.Error(err))
				tries++
				m.refresh(ctx, log)
				continue
			}
		}

		// * SOLVE
		m.enter(StateSolving)
		outcome, err := m.driver.Handle(ctx, layout)
		if err != nil {
			if ctx.Err() != nil {
				m.enter(StateFailed)
				return StatusFailed, ctx.Err()
			}
			log.Warn("handler failed", zap.Stringer("layout", layout), zap.Error(err))
			tries++
			m.refresh(ctx, log)
			continue
		}

		switch outcome {
		case OutcomeSuccess:
			m.enter(StateSuccess)
			return StatusSuccess, nil
		case OutcomeBlocked:
			m.enter(StateBlocked)
			return StatusBlocked, nil
		case OutcomeUnseen, OutcomeRetype:
			if free == 0 {
				tries++
			} else {
				free--
			}
			if outcome == OutcomeUnseen {
				log.Info("unseen challenge, refreshing", zap.Stringer("layout", layout))
				m.refresh(ctx, log)
			}
			continue
		}

		// * VERIFY
		tries++
		m.enter(StateAwaitingVerification)
		m.obs.StartRound()
		verdict, err := m.driver.Verify(ctx, layout)
		if err != nil {
			if ctx.Err() != nil {
				m.enter(StateFailed)
				return StatusFailed, ctx.Err()
			}
			log.Warn("verification failed", zap.Error(err))
			m.refresh(ctx, log)
			continue
		}

		switch verdict.Kind {
		case VerdictSuccess:
			m.enter(StateSuccess)
			return StatusSuccess, nil
		case VerdictBlocked:
			m.enter(StateBlocked)
			return StatusBlocked, nil
		case VerdictContinue:
			m.enter(StateContinue)
			// the verification message may already name the next layout
			carry = verdict.Next
		case VerdictTimeout:
			m.enter(StateContinue)
			if m.driver.SameTypeOnTimeout(layout) {
				carry = layout
				continue
			}
			m.refresh(ctx, log)
		}
	}

	m.enter(StateFailed)
	return StatusFailed, nil
}

func (m *Machine) refresh(ctx context.Context, log *zap.Logger) {
	m.obs.StartRound()
	if err := m.driver.Refresh(ctx); err != nil {
		log.Debug("refresh failed", zap.Error(err))
	}
}

// Panic handler
func (m *Machine) handlePanic(log *zap.Logger, status *Status, err *error) {
	if r := recover(); r != nil {
		buf := make([]byte, 1024)
		n := runtime.Stack(buf, false)
		log.Error("solver panicked", zap.Any("panic", r), zap.ByteString("stack", buf[:n]))
		m.enter(StateFailed)
		*status = StatusFailed
		*err = errors.New("unexpected error")
	}
}
