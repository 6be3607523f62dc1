package device

import (
	"errors"
	"math"
	"testing"

	"github.com/tuyago/lanclient/pkg/tuyaconn"
)

func newTestLight(t *testing.T) *Light {
	t.Helper()
	l, err := NewLight(Config{
		Address:  "127.0.0.1",
		DeviceID: "dev1",
		LocalKey: "0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("NewLight: %v", err)
	}
	return l
}

func TestHSVToRGBToHSVRoundTrip(t *testing.T) {
	cases := []struct{ h, s, v float64 }{
		{0, 0, 0},
		{0, 0, 1},
		{0.5, 0.5, 0.5},
		{0.99, 1, 1},
		{0.25, 0.75, 0.9},
	}
	for _, tc := range cases {
		r, g, b := hsvToRGB(tc.h, tc.s, tc.v)
		h, s, v := rgbToHSV(r, g, b)
		if tc.s == 0 {
			// hue is undefined for a gray pixel; only value matters.
			if math.Abs(v-tc.v) > 1e-9 {
				t.Errorf("gray case %v: v=%v", tc, v)
			}
			continue
		}
		if math.Abs(h-tc.h) > 1e-6 || math.Abs(s-tc.s) > 1e-6 || math.Abs(v-tc.v) > 1e-6 {
			t.Errorf("round trip mismatch for %v: got h=%v s=%v v=%v", tc, h, s, v)
		}
	}
}

func TestHexToHSVAndBackRoundTrip(t *testing.T) {
	hex := rgbToHex(10, 20, 30) + hsvToHex(270, 128, 64)
	hue, sat, val, err := hexToHSV(hex)
	if err != nil {
		t.Fatalf("hexToHSV: %v", err)
	}
	if hue != 270 || sat != 128 || val != 64 {
		t.Errorf("hexToHSV(%q) = (%d, %d, %d), want (270, 128, 64)", hex, hue, sat, val)
	}
}

func TestHexToHSVRejectsWrongLength(t *testing.T) {
	if _, _, _, err := hexToHSV("abc"); err == nil {
		t.Fatal("expected error for short color string")
	}
}

func TestSetColorRGBRejectsOutOfRange(t *testing.T) {
	l := newTestLight(t)
	if err := l.SetColorRGB(256, 0, 0, false); err == nil {
		t.Fatal("expected error for out-of-range red")
	}
}

func TestSetColorHSRejectsOutOfRangeHue(t *testing.T) {
	l := newTestLight(t)
	if err := l.SetColorHS(361, 100, false); err == nil {
		t.Fatal("expected error for hue > 360")
	}
}

func TestSetColorHSRejectsOutOfRangeSaturation(t *testing.T) {
	l := newTestLight(t)
	if err := l.SetColorHS(180, 256, false); err == nil {
		t.Fatal("expected error for saturation > 255")
	}
}

func TestSetBrightnessRejectsOutOfRange(t *testing.T) {
	l := newTestLight(t)
	if err := l.SetBrightness(300, false); err == nil {
		t.Fatal("expected error for brightness > 255")
	}
	if err := l.SetBrightness(-1, false); err == nil {
		t.Fatal("expected error for negative brightness")
	}
}

func TestSetColorTempRejectsOutOfRange(t *testing.T) {
	l := newTestLight(t)
	if err := l.SetColorTemp(256, false); err == nil {
		t.Fatal("expected error for color_temp > 255")
	}
}

func TestOnPayloadParsesDerivedFieldsBeforeBaseMerge(t *testing.T) {
	l := newTestLight(t)
	color := rgbToHex(255, 0, 0) + hsvToHex(0, 255, 255)

	l.onPayload(tuyaconn.CommandDPQuery, map[string]any{
		"dps": map[string]any{
			DPSIndexMode:  ModeColour,
			DPSIndexColor: color,
		},
	})

	if l.GetMode() != ModeColour {
		t.Errorf("mode = %q, want %q", l.GetMode(), ModeColour)
	}
	hue, sat, ok := l.GetColorHS()
	if !ok || hue != 0 || sat != 255 {
		t.Errorf("GetColorHS() = (%d, %d, %v), want (0, 255, true)", hue, sat, ok)
	}
	if b, ok := l.GetBrightness(); !ok || b != 255 {
		t.Errorf("GetBrightness() = (%d, %v), want (255, true) since color mode derives value as brightness", b, ok)
	}

	dps := l.DPS()
	if dps[DPSIndexMode] != ModeColour {
		t.Errorf("expected base mirror to also observe mode, got %v", dps[DPSIndexMode])
	}
}

func TestOnPayloadWhiteModeBrightnessFromDPS(t *testing.T) {
	l := newTestLight(t)
	l.onPayload(tuyaconn.CommandDPQuery, map[string]any{
		"dps": map[string]any{
			DPSIndexMode:       ModeWhite,
			DPSIndexBrightness: float64(128),
			DPSIndexColorTemp:  float64(50),
		},
	})

	if l.GetMode() != ModeWhite {
		t.Errorf("mode = %q, want %q", l.GetMode(), ModeWhite)
	}
	if b, ok := l.GetBrightness(); !ok || b != 128 {
		t.Errorf("GetBrightness() = (%d, %v), want (128, true)", b, ok)
	}
	if ct, ok := l.GetColorTemp(); !ok || ct != 50 {
		t.Errorf("GetColorTemp() = (%d, %v), want (50, true)", ct, ok)
	}
}

func TestSetMultipleWithoutConnectionLeavesDerivedStateUnchanged(t *testing.T) {
	l := newTestLight(t)
	// The mirror is primed, but no connection exists, so the CONTROL send
	// itself fails; SetMultiple should fail before mutating local derived
	// state.
	l.onPayload(tuyaconn.CommandDPQuery, map[string]any{"dps": map[string]any{DPSIndexOn: false}})
	err := l.SetMultiple(WithBrightness(200), WithColorTemp(80), WithOn())
	if !errors.Is(err, tuyaconn.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, ok := l.GetColorTemp(); ok {
		t.Error("expected color temp to stay unknown after a failed SetMultiple")
	}
	if _, ok := l.GetBrightness(); ok {
		t.Error("expected brightness to stay unknown after a failed SetMultiple")
	}
}

func TestSetMultipleRejectsOutOfRangeColorTemp(t *testing.T) {
	l := newTestLight(t)
	err := l.SetMultiple(WithColorTemp(999))
	if err == nil {
		t.Fatal("expected error for out-of-range color_temp in SetMultiple")
	}
}
