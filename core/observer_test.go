package core

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func tileResponse(t *testing.T, w, h int) Response {
	return NewResponse("https://imgs3.hcaptcha.com/tip/abc", 200, "image/png", solidPNG(t, w, h))
}

func TestObserverResolvesGridOnNinthTile(t *testing.T) {
	page := newFakePage()
	obs := NewObserver(hcaptchaSniffer{logger: zaptest.NewLogger(t)}, zaptest.NewLogger(t))
	obs.Attach(page)

	tile := tileResponse(t, 128, 128)
	for i := 0; i < 8; i++ {
		page.emit(tile)
	}
	if _, err := obs.AwaitType(context.Background(), 20*time.Millisecond); err != ErrEvidenceTimeout {
		t.Fatalf("8 tiles must not resolve, got %v", err)
	}

	page.emit(tile)
	layout, err := obs.AwaitType(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("9th tile did not resolve the round: %v", err)
	}
	if layout != LayoutLabelBinary {
		t.Fatalf("layout = %v", layout)
	}
}

func TestObserverAreaAndIgnoredSizes(t *testing.T) {
	page := newFakePage()
	obs := NewObserver(hcaptchaSniffer{logger: zaptest.NewLogger(t)}, nil)
	obs.Attach(page)

	page.emit(tileResponse(t, 200, 200))
	page.emit(NewResponse("https://example.com/logo.png", 200, "image/png", solidPNG(t, 128, 128)))
	if _, tiles, areas, _ := obs.Snapshot(); tiles != 0 || areas != 0 {
		t.Fatalf("unexpected evidence tiles=%d areas=%d", tiles, areas)
	}

	page.emit(tileResponse(t, 400, 280))
	layout, err := obs.AwaitType(context.Background(), time.Millisecond)
	if err != nil || layout != LayoutAreaSelect {
		t.Fatalf("got %v, %v", layout, err)
	}
}

func TestObserverResolvesOncePerRound(t *testing.T) {
	obs := NewObserver(hcaptchaSniffer{}, nil)
	if !obs.Resolve(LayoutAreaSelect) {
		t.Fatalf("first resolve rejected")
	}
	if obs.Resolve(LayoutLabelBinary) {
		t.Fatalf("second resolve accepted")
	}
	layout, _ := obs.AwaitType(context.Background(), time.Millisecond)
	if layout != LayoutAreaSelect {
		t.Fatalf("layout = %v", layout)
	}

	obs.StartRound()
	if _, err := obs.AwaitType(context.Background(), 10*time.Millisecond); err != ErrEvidenceTimeout {
		t.Fatalf("new round should be unresolved, got %v", err)
	}
	if !obs.Resolve(LayoutLabelBinary) {
		t.Fatalf("re-armed round rejected resolve")
	}
}

func TestObserverStartRoundClearsEvidence(t *testing.T) {
	page := newFakePage()
	obs := NewObserver(recaptchaSniffer{logger: zaptest.NewLogger(t)}, nil)
	obs.Attach(page)

	page.emit(NewResponse("https://www.google.com/recaptcha/api2/payload?p=1", 200, "image/jpeg", []byte("a")))
	obs.StartRound()
	if _, err := obs.NextImage(context.Background(), 10*time.Millisecond); !IsEvidenceTimeout(err) {
		t.Fatalf("stale payload survived the round reset: %v", err)
	}

	page.emit(NewResponse("https://www.google.com/recaptcha/api2/payload?p=2", 200, "image/jpeg", []byte("b")))
	page.emit(NewResponse("https://www.google.com/recaptcha/api2/payload?p=3", 200, "audio/mp3", []byte("c")))
	img, err := obs.NextImage(context.Background(), time.Millisecond)
	if err != nil || string(img) != "b" {
		t.Fatalf("image %q, %v", img, err)
	}
	clip, err := obs.NextAudio(context.Background(), time.Millisecond)
	if err != nil || string(clip) != "c" {
		t.Fatalf("audio %q, %v", clip, err)
	}
}

func TestObserverReloadStartsResolvedRound(t *testing.T) {
	page := newFakePage()
	obs := NewObserver(recaptchaSniffer{logger: zaptest.NewLogger(t)}, nil)
	obs.Attach(page)
	obs.Resolve(LayoutImageSelect)

	page.emit(NewResponse("https://www.google.com/recaptcha/api2/reload?k=x", 200, "application/json",
		[]byte(")]}'\n[\"rresp\",\"03AF\",null,null,null,\"multicaptcha\"]")))
	n, _, _, _ := obs.Snapshot()
	if n != 2 {
		t.Fatalf("round = %d, want 2", n)
	}
	layout, err := obs.AwaitType(context.Background(), time.Millisecond)
	if err != nil || layout != LayoutTileset {
		t.Fatalf("got %v, %v", layout, err)
	}
}

type panicSniffer struct{}

func (panicSniffer) Sniff(o *Observer, r Response) { panic("boom") }

func TestObserverRecoversHookPanics(t *testing.T) {
	page := newFakePage()
	obs := NewObserver(panicSniffer{}, zaptest.NewLogger(t))
	obs.Attach(page)
	page.emit(NewResponse("https://x", 200, "text/html", nil))

	obs.Detach()
	if len(page.respHooks) != 0 {
		t.Fatalf("detach left %d hooks", len(page.respHooks))
	}
}

func TestObserverAwaitTypeSeesReloadMidWait(t *testing.T) {
	page := newFakePage()
	obs := NewObserver(recaptchaSniffer{logger: zaptest.NewLogger(t)}, nil)
	obs.Attach(page)

	time.AfterFunc(20*time.Millisecond, func() {
		page.emit(NewResponse(rcReloadURL, 200, "application/json", rcMessage(`["rresp","03AF",null,null,null,"imageselect"]`)))
	})
	layout, err := obs.AwaitType(context.Background(), 300*time.Millisecond)
	if err != nil || layout != LayoutImageSelect {
		t.Fatalf("got %v, %v", layout, err)
	}
}

func TestObserverNextImageFollowsSwappedRound(t *testing.T) {
	page := newFakePage()
	obs := NewObserver(recaptchaSniffer{logger: zaptest.NewLogger(t)}, nil)
	obs.Attach(page)

	time.AfterFunc(20*time.Millisecond, func() {
		page.emit(NewResponse(rcReloadURL, 200, "application/json", rcMessage(`["rresp","03AF",null,null,null,"imageselect"]`)))
		page.emit(NewResponse(rcPayloadURL, 200, "image/jpeg", []byte("grid")))
	})
	img, err := obs.NextImage(context.Background(), 300*time.Millisecond)
	if err != nil || string(img) != "grid" {
		t.Fatalf("image %q, %v", img, err)
	}
}

func TestObserverTileCountResetsWithRound(t *testing.T) {
	page := newFakePage()
	obs := NewObserver(hcaptchaSniffer{logger: zaptest.NewLogger(t)}, nil)
	obs.Attach(page)

	tile := tileResponse(t, 128, 128)
	for i := 0; i < 5; i++ {
		page.emit(tile)
	}
	obs.StartRound()
	for i := 0; i < 4; i++ {
		page.emit(tile)
	}
	if n, tiles, _, _ := obs.Snapshot(); n != 2 || tiles != 4 {
		t.Fatalf("round %d holds %d tiles, want round 2 with 4", n, tiles)
	}
	if _, err := obs.AwaitType(context.Background(), 20*time.Millisecond); err != ErrEvidenceTimeout {
		t.Fatalf("tiles from the previous round leaked into resolution: %v", err)
	}
}
