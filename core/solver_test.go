package core

import (
	"context"
	"strings"
	"testing"
)

const (
	rcUserverifyURL = "https://www.google.com/recaptcha/api2/userverify?k=site"
	rcReloadURL     = "https://www.google.com/recaptcha/api2/reload?k=site"
	rcPayloadURL    = "https://www.google.com/recaptcha/api2/payload?p=x&k=site"
)

func rcMessage(body string) []byte { return []byte(")]}'\n" + body) }

// recaptchaPage scripts a checkbox that opens a static car grid and a
// verify button that answers with verifyBody.
func recaptchaPage(t *testing.T, verifyBody string) *fakePage {
	page := newFakePage()
	page.texts[rcDescription] = "Select all images with\ncars\nClick verify once there are none left"
	grid := solidPNG(t, 300, 300)
	page.onClick = func(p *fakePage, l Locator) {
		switch l.Selector {
		case rcAnchor:
			p.emit(NewResponse(rcReloadURL, 200, "application/json", rcMessage(`["rresp","03AF",null,null,null,"imageselect"]`)))
			p.emit(NewResponse(rcPayloadURL, 200, "image/jpeg", grid))
		case rcVerify:
			p.emitRequest(Request{URL: rcUserverifyURL, Method: "POST"})
			p.emit(NewResponse(rcUserverifyURL, 200, "application/json", rcMessage(verifyBody)))
		}
	}
	return page
}

func TestMachineSucceedsOnVerifyMarker(t *testing.T) {
	page := recaptchaPage(t, `["uvresp","03AGd",1,120]`)
	oracle := &fakeOracle{objects: []Object{{Label: "car", Confidence: 0.9}}}
	m := NewRecaptcha(testEnv(t, oracle))
	if err := m.SetTarget(page); err != nil {
		t.Fatalf("set target: %v", err)
	}

	status, err := m.Solve(context.Background(), 5)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("status = %v", status)
	}
	if m.Rounds() != 1 {
		t.Fatalf("rounds = %d, want 1", m.Rounds())
	}
	if oracle.detectCnt != 9 {
		t.Fatalf("detector called %d times, want once per cell", oracle.detectCnt)
	}
	tiles := 0
	for _, c := range page.Clicks() {
		if strings.HasPrefix(c, rcTile) {
			tiles++
		}
	}
	if tiles != 9 {
		t.Fatalf("clicked %d tiles", tiles)
	}
	trace := m.Trace()
	if trace[len(trace)-1] != StateSuccess {
		t.Fatalf("trace %v", trace)
	}
}

func TestMachineBlockedStopsInteracting(t *testing.T) {
	page := recaptchaPage(t, `["uvresp",null,null,null,null,null,null,["rresp","x",null,null,null,"doscaptcha"]]`)
	m := NewRecaptcha(testEnv(t, &fakeOracle{}))
	m.SetTarget(page)

	status, err := m.Solve(context.Background(), 5)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if status != StatusBlocked {
		t.Fatalf("status = %v", status)
	}
	clicks := page.Clicks()
	if last := clicks[len(clicks)-1]; !strings.HasPrefix(last, rcVerify) {
		t.Fatalf("interaction after blocked verdict: %v", clicks)
	}
}

func TestMachineFailsAfterTypeTimeouts(t *testing.T) {
	page := newFakePage()
	m := NewHCaptcha(testEnv(t, &fakeOracle{}))
	m.SetTarget(page)

	status, err := m.Solve(context.Background(), 3)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("status = %v", status)
	}
	if m.Rounds() != 3 {
		t.Fatalf("rounds = %d", m.Rounds())
	}
	refreshes := 0
	for _, c := range page.Clicks() {
		if strings.HasPrefix(c, hcRefresh) {
			refreshes++
		}
	}
	if refreshes != 3 {
		t.Fatalf("refreshes = %d, want 3", refreshes)
	}
}

func TestMachineContinuesWithHintedLayout(t *testing.T) {
	page := recaptchaPage(t, "")
	verifies := 0
	grid := solidPNG(t, 300, 300)
	tileset := solidPNG(t, 400, 400)
	page.onClick = func(p *fakePage, l Locator) {
		switch l.Selector {
		case rcAnchor:
			p.emit(NewResponse(rcReloadURL, 200, "application/json", rcMessage(`["rresp","03AF",null,null,null,"imageselect"]`)))
			p.emit(NewResponse(rcPayloadURL, 200, "image/jpeg", grid))
		case rcVerify:
			verifies++
			p.emitRequest(Request{URL: rcUserverifyURL})
			if verifies == 1 {
				p.emit(NewResponse(rcUserverifyURL, 200, "application/json",
					rcMessage(`["uvresp",null,null,null,null,null,null,["rresp","x",null,null,null,"multicaptcha"]]`)))
				p.emit(NewResponse(rcPayloadURL, 200, "image/jpeg", tileset))
				return
			}
			p.emit(NewResponse(rcUserverifyURL, 200, "application/json", rcMessage(`["uvresp","tok",1,120]`)))
		}
	}
	oracle := &fakeOracle{objects: []Object{{Label: "car", Box: [4]float64{0, 0, 104, 104}}}}
	m := NewRecaptcha(testEnv(t, oracle))
	m.SetTarget(page)

	status, err := m.Solve(context.Background(), 5)
	if err != nil || status != StatusSuccess {
		t.Fatalf("got %v, %v", status, err)
	}
	if m.Rounds() != 2 {
		t.Fatalf("rounds = %d", m.Rounds())
	}
	var sawContinue bool
	for _, s := range m.Trace() {
		if s == StateContinue {
			sawContinue = true
		}
	}
	if !sawContinue {
		t.Fatalf("trace %v lacks continue", m.Trace())
	}
}

func TestMachineUnseenLabelRefreshes(t *testing.T) {
	page := recaptchaPage(t, `["uvresp","03AGd",1,120]`)
	page.texts[rcDescription] = "Select all images with\nunicorns"
	m := NewRecaptcha(testEnv(t, &fakeOracle{}))
	m.SetTarget(page)

	status, _ := m.Solve(context.Background(), 2)
	if status != StatusFailed {
		t.Fatalf("status = %v", status)
	}
	for _, c := range page.Clicks() {
		if strings.HasPrefix(c, rcVerify) {
			t.Fatalf("verified an unseen challenge")
		}
	}
}

func TestHCaptchaBinaryRound(t *testing.T) {
	page := newFakePage()
	page.counts[hcTask] = 9
	page.texts[hcPrompt] = "Please click on each image containing a bicycle"
	tile := solidPNG(t, 128, 128)
	page.onClick = func(p *fakePage, l Locator) {
		switch l.Selector {
		case hcCheckbox:
			for i := 0; i < 9; i++ {
				p.emit(NewResponse("https://imgs.hcaptcha.com/tile", 200, "image/png", tile))
			}
		case hcSubmit:
			p.emit(NewResponse("https://api.hcaptcha.com/checkcaptcha/site/key", 200, "application/json", []byte(`{"pass":true}`)))
		}
	}
	oracle := &fakeOracle{answers: []string{"yes", "no", "no", "Yes.", "no", "no", "no", "no", "yes"}}
	m := NewHCaptcha(testEnv(t, oracle))
	m.SetTarget(page)

	status, err := m.Solve(context.Background(), 3)
	if err != nil || status != StatusSuccess {
		t.Fatalf("got %v, %v", status, err)
	}
	var picked []string
	for _, c := range page.Clicks() {
		if strings.HasPrefix(c, hcTask) {
			picked = append(picked, c)
		}
	}
	want := []string{".task#0", ".task#3", ".task#8"}
	if strings.Join(picked, ",") != strings.Join(want, ",") {
		t.Fatalf("picked %v, want %v", picked, want)
	}
}

func TestHCaptchaRandomSelection(t *testing.T) {
	h := &HCaptcha{env: testEnv(t, nil).withDefaults()}
	for i := 0; i < 200; i++ {
		sel := h.RandomSelection()
		if len(sel) < 3 || len(sel) > 9 {
			t.Fatalf("selection size %d", len(sel))
		}
		seen := map[int]bool{}
		for _, v := range sel {
			if v < 0 || v > 8 || seen[v] {
				t.Fatalf("bad selection %v", sel)
			}
			seen[v] = true
		}
	}
}

func TestInstructionRewrites(t *testing.T) {
	if got := BinaryQuestion("Please click on each image containing a bus."); got != "Is this a bus?" {
		t.Fatalf("binary question %q", got)
	}
	if got := AreaQuestion("Please click on the head of the animal"); got != "where is the head of the animal" {
		t.Fatalf("area question %q", got)
	}
}

func TestLabels(t *testing.T) {
	cases := map[string]string{
		"Select all images with\ntraffic lights\nClick verify once there are none left": "traffic light",
		"Select all squares with\nmotorcycles\nIf there are none, click skip":          "motorbike",
		"Select all images with\nmountains or hills":                                     "mountain",
		"Select all images with:\nvehicles":                                              "car",
	}
	for desc, want := range cases {
		got, ok := LabelClass(ExtractLabel(desc))
		if !ok || got != want {
			t.Errorf("%q -> %q (%v), want %q", desc, got, ok, want)
		}
	}
	if _, ok := LabelClass(ExtractLabel("Select all images with\nunicorns")); ok {
		t.Fatalf("unknown label mapped")
	}
}

func TestNormalizeTranscript(t *testing.T) {
	if got := NormalizeTranscript("  Hello,   World! 42\n"); got != "hello world 42" {
		t.Fatalf("got %q", got)
	}
}

func TestFoldRotation(t *testing.T) {
	cases := map[float64]float64{0.25: 0.25, -0.25: 0.75, 0: 0, 1.5: 1, -1.5: 0}
	for in, want := range cases {
		if got := FoldRotation(in); got != want {
			t.Errorf("FoldRotation(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestNewSolverDispatch(t *testing.T) {
	env := testEnv(t, &fakeOracle{})
	for _, name := range []string{"hcaptcha_checkbox", "recaptchav2", "geetest_slide_puzzle", "netease_slide", "tencent_slide", "baidu_slide_rotate"} {
		if _, err := NewSolver(ParseCaptchaType(name), env); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := NewSolver(ParseCaptchaType("funcaptcha"), env); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestRotationRelease(t *testing.T) {
	page := newFakePage()
	page.onClick = func(p *fakePage, l Locator) {
		if l.Selector == "mouseup" {
			p.emit(NewResponse("https://passport.baidu.com/cap/style?x=1", 200, "application/json", []byte(`{"code": 0, "msg": "Success"}`)))
		}
	}
	page.shots[".rv-image"] = solidPNG(t, 152, 152)
	s, err := NewSolver(CaptchaBaiduRotate, testEnv(t, &fakeOracle{value: -0.2}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.SetTarget(page)
	status, err := s.Solve(context.Background(), 1)
	if err != nil || status != StatusSuccess {
		t.Fatalf("got %v, %v", status, err)
	}
}
