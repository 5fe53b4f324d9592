package features

import (
	"bytes"
	"encoding/binary"
	"testing"

	evdev "github.com/gvalkov/golang-evdev"

	"github.com/char5742/stickkeys/internal/remap"
)

func TestKeyCode(t *testing.T) {
	cases := map[remap.Direction]uint16{
		remap.Left:  evdev.KEY_LEFT,
		remap.Right: evdev.KEY_RIGHT,
		remap.Up:    evdev.KEY_UP,
		remap.Down:  evdev.KEY_DOWN,
	}
	for d, want := range cases {
		got, ok := KeyCode(d)
		if !ok || got != want {
			t.Errorf("%v: expected %d, got %d (%v)", d, want, got, ok)
		}
	}
	if _, ok := KeyCode(remap.Direction(42)); ok {
		t.Error("expected unknown direction to have no key")
	}
}

func TestTapWritesPressAndRelease(t *testing.T) {
	events, err := tapEvents(remap.Up)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := writeEvents(&buf, events); err != nil {
		t.Fatalf("writeEvents returned error: %v", err)
	}

	var decoded []evdev.InputEvent
	for buf.Len() > 0 {
		var ev evdev.InputEvent
		if err := binary.Read(&buf, binary.LittleEndian, &ev); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		decoded = append(decoded, ev)
	}

	if len(decoded) != 4 {
		t.Fatalf("expected 4 events, got %d", len(decoded))
	}
	want := []struct {
		typ, code uint16
		value     int32
	}{
		{evdev.EV_KEY, evdev.KEY_UP, 1},
		{evdev.EV_SYN, evdev.SYN_REPORT, 0},
		{evdev.EV_KEY, evdev.KEY_UP, 0},
		{evdev.EV_SYN, evdev.SYN_REPORT, 0},
	}
	for i, w := range want {
		ev := decoded[i]
		if ev.Type != w.typ || ev.Code != w.code || ev.Value != w.value {
			t.Errorf("event %d: expected %+v, got %+v", i, w, ev)
		}
	}
}

func TestTapRejectsUnknownDirection(t *testing.T) {
	vk := &virtualKeyboard{}
	if err := vk.Tap(remap.Direction(-1)); err == nil {
		t.Error("expected error for unknown direction")
	}
}
