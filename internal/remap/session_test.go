package remap

import (
	"reflect"
	"testing"
	"time"
)

func TestMatchesRequiresPathAndHandle(t *testing.T) {
	cases := []struct {
		name  string
		other DeviceIdentity
		want  bool
	}{
		{"exact", stick, true},
		{"other handle", DeviceIdentity{Path: stick.Path, Handle: "1b"}, false},
		{"other path", DeviceIdentity{Path: "/dev/input/event3", Handle: stick.Handle}, false},
		{"prefix path", DeviceIdentity{Path: stick.Path[:20], Handle: stick.Handle}, false},
		{"case differs", DeviceIdentity{Path: stick.Path, Handle: "1A"}, false},
		{"zero", DeviceIdentity{}, false},
	}
	for _, c := range cases {
		if got := stick.Matches(c.other); got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}

func TestSessionRejectsForeignDevice(t *testing.T) {
	s := NewSession(stick, DefaultThresholds())
	s.Translator().state.MovementRegistered = true
	before := s.Translator().State()

	foreign := MotionSample{DX: 0, DY: 0, Source: DeviceIdentity{Path: stick.Path, Handle: "ff"}}
	out := s.Handle(foreign, base)
	if out.Accepted || out.Captured != nil || len(out.Intents) != 0 {
		t.Errorf("expected rejection, got %+v", out)
	}
	if s.Translator().State() != before {
		t.Error("expected translator state unchanged for rejected sample")
	}
}

func TestSessionTranslatesAcceptedSamples(t *testing.T) {
	s := NewSession(stick, DefaultThresholds())
	if !s.Configured() {
		t.Fatal("expected configured session")
	}
	out := s.Handle(sample(0, 40), base)
	if !out.Accepted {
		t.Fatal("expected sample to be accepted")
	}
	if !reflect.DeepEqual(out.Intents, []Direction{Down}) {
		t.Errorf("expected [down], got %v", out.Intents)
	}
}

func TestSessionCapturesFirstDevice(t *testing.T) {
	s := NewSession(DeviceIdentity{}, DefaultThresholds())
	if s.Configured() {
		t.Fatal("expected capture mode")
	}

	// 送信元不明や移動量0のフレームは無視する
	if out := s.Handle(MotionSample{DX: 5}, base); out.Captured != nil {
		t.Fatal("expected sample without source to be ignored")
	}
	if out := s.Handle(MotionSample{Source: stick}, base); out.Captured != nil {
		t.Fatal("expected empty frame to be ignored")
	}

	out := s.Handle(sample(-30, 0), base)
	if out.Captured == nil || *out.Captured != stick {
		t.Fatalf("expected %v to be captured, got %+v", stick, out)
	}
	if len(out.Intents) != 0 {
		t.Errorf("captured sample must not be translated, got %v", out.Intents)
	}
	if !s.Configured() || s.Identity() != stick {
		t.Fatalf("expected session configured with %v", stick)
	}

	other := MotionSample{DX: 40, Source: DeviceIdentity{Path: "/dev/input/event9", Handle: "3"}}
	if out := s.Handle(other, base.Add(time.Second)); out.Accepted || out.Captured != nil {
		t.Errorf("expected identity to stay fixed after capture, got %+v", out)
	}
	if out := s.Handle(sample(40, 0), base.Add(time.Second)); !reflect.DeepEqual(out.Intents, []Direction{Right}) {
		t.Errorf("expected [right] from captured device, got %v", out.Intents)
	}
}

func TestSessionCapturesOnButtonFrame(t *testing.T) {
	s := NewSession(DeviceIdentity{}, DefaultThresholds())
	out := s.Handle(MotionSample{Buttons: true, Source: stick}, base)
	if out.Captured == nil {
		t.Fatal("expected button frame to capture the device")
	}
}
