package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const fifoDepth = 64

// Round is the evidence captured since the last StartRound. It is only
// touched under the observer lock.
type Round struct {
	Number int
	Tiles  [][]byte
	Areas  [][]byte
	Hint   Layout

	images   chan []byte
	audio    chan []byte
	resolved chan struct{}
	layout   Layout
	done     bool
}

func newRound(n int) *Round {
	return &Round{
		Number:   n,
		images:   make(chan []byte, fifoDepth),
		audio:    make(chan []byte, fifoDepth),
		resolved: make(chan struct{}),
	}
}

// Resolved reports whether the round already has a layout.
func (r *Round) Resolved() bool { return r.done }

// PushImage queues a payload image. Full queues drop the oldest entry.
func (r *Round) PushImage(img []byte) { push(r.images, img) }

func (r *Round) PushAudio(clip []byte) { push(r.audio, clip) }

func push(ch chan []byte, v []byte) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Sniffer inspects intercepted traffic and records evidence on the
// observer. Sniff runs on the page's hook goroutine.
type Sniffer interface {
	Sniff(o *Observer, r Response)
}

// RequestSniffer is implemented by sniffers that also need outgoing requests.
type RequestSniffer interface {
	SniffRequest(o *Observer, r Request)
}

// Observer collects per-round challenge evidence from network traffic and
// resolves the round's layout at most once.
type Observer struct {
	mu      sync.Mutex
	round   *Round
	sniffer Sniffer
	logger  *zap.Logger
	detach  []func()
	// closed and replaced whenever the round is swapped
	swapped chan struct{}
}

func NewObserver(sniffer Sniffer, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{round: newRound(1), sniffer: sniffer, logger: logger, swapped: make(chan struct{})}
}

// Attach registers the observer's hooks on page.
func (o *Observer) Attach(page Page) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.detach = append(o.detach, page.OnResponse(o.onResponse))
	if rs, ok := o.sniffer.(RequestSniffer); ok {
		o.detach = append(o.detach, page.OnRequest(func(r Request) {
			defer o.recover(r.URL)
			rs.SniffRequest(o, r)
		}))
	}
}

func (o *Observer) Detach() {
	o.mu.Lock()
	fns := o.detach
	o.detach = nil
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (o *Observer) onResponse(r Response) {
	defer o.recover(r.URL)
	o.sniffer.Sniff(o, r)
}

func (o *Observer) recover(url string) {
	if v := recover(); v != nil {
		o.logger.Warn("hook panicked", zap.String("url", url), zap.Any("panic", v))
	}
}

// StartRound discards all evidence and re-arms the layout future.
func (o *Observer) StartRound() {
	o.mu.Lock()
	o.swapLocked()
	o.mu.Unlock()
}

// StartRoundWith starts a round that is already resolved to l.
func (o *Observer) StartRoundWith(l Layout) {
	o.mu.Lock()
	o.swapLocked()
	o.resolveLocked(l)
	o.mu.Unlock()
}

// swapLocked installs a fresh round and wakes every waiter parked on the
// previous one.
func (o *Observer) swapLocked() {
	o.round = newRound(o.round.Number + 1)
	close(o.swapped)
	o.swapped = make(chan struct{})
}

// Resolve fixes the current round's layout. Only the first call per round
// has an effect.
func (o *Observer) Resolve(l Layout) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolveLocked(l)
}

func (o *Observer) resolveLocked(l Layout) bool {
	r := o.round
	if r.done {
		return false
	}
	r.layout = l
	r.done = true
	close(r.resolved)
	o.logger.Debug("round resolved", zap.Int("round", r.Number), zap.Stringer("layout", l))
	return true
}

// Update runs fn against the live round under the observer lock. When fn
// returns ok the round resolves with the returned layout.
func (o *Observer) Update(fn func(r *Round) (Layout, bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := fn(o.round); ok {
		o.resolveLocked(l)
	}
}

// Snapshot copies the current round's counters for inspection.
func (o *Observer) Snapshot() (number, tiles, areas int, hint Layout) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.round.Number, len(o.round.Tiles), len(o.round.Areas), o.round.Hint
}

func (o *Observer) current() (*Round, <-chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.round, o.swapped
}

// AwaitType blocks until the live round resolves or timeout elapses. A
// round swapped in while waiting is picked up, so a reload that lands
// after the wait started still counts.
func (o *Observer) AwaitType(ctx context.Context, timeout time.Duration) (Layout, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		r, swapped := o.current()
		select {
		case <-r.resolved:
			o.mu.Lock()
			defer o.mu.Unlock()
			return r.layout, nil
		case <-swapped:
		case <-t.C:
			return LayoutNone, ErrEvidenceTimeout
		case <-ctx.Done():
			return LayoutNone, ctx.Err()
		}
	}
}

// NextImage pops the oldest payload image of the live round.
func (o *Observer) NextImage(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return o.pop(ctx, func(r *Round) chan []byte { return r.images }, timeout, "image")
}

// NextAudio pops the oldest audio clip of the live round.
func (o *Observer) NextAudio(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return o.pop(ctx, func(r *Round) chan []byte { return r.audio }, timeout, "audio")
}

func (o *Observer) pop(ctx context.Context, fifo func(*Round) chan []byte, timeout time.Duration, kind string) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		r, swapped := o.current()
		select {
		case v := <-fifo(r):
			return v, nil
		case <-swapped:
		case <-t.C:
			return nil, fmt.Errorf("waiting for payload %s: %w", kind, ErrEvidenceTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsEvidenceTimeout reports whether err came from an expired evidence wait.
func IsEvidenceTimeout(err error) bool {
	return errors.Is(err, ErrEvidenceTimeout)
}
