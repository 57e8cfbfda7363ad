// Copyright 2016 Michael Stapelberg and contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package microtek2

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stapelberg/scancore"
)

func testInfo(t *testing.T, q *Quirks, a attrs) *Info {
	t.Helper()
	mi, err := ParseInfo(a.bytes(), q)
	if err != nil {
		t.Fatal(err)
	}
	return mi
}

func TestModeAndDepth(t *testing.T) {
	q := quirks(t, 0x81)
	mi := testInfo(t, q, defaultAttrs())
	noLineart := defaultAttrs()
	noLineart.modes &^= HasLineart
	for _, tt := range []struct {
		name    string
		mi      *Info
		q       *Quirks
		req     scancore.ScanRequest
		mode    scancore.Mode
		bitsIn  int
		bitsOut int
	}{
		{"color 8", mi, q, scancore.ScanRequest{Mode: scancore.Color, Depth: 8}, scancore.Color, 8, 8},
		{"gray 12", mi, q, scancore.ScanRequest{Mode: scancore.Gray, Depth: 12}, scancore.Gray, 16, 16},
		{"gray 4", mi, q, scancore.ScanRequest{Mode: scancore.Gray, Depth: 4}, scancore.Gray, 4, 8},
		{"halftone", mi, q, scancore.ScanRequest{Mode: scancore.Halftone}, scancore.Halftone, 1, 1},
		{"lineart", mi, q, scancore.ScanRequest{Mode: scancore.Lineart}, scancore.Lineart, 1, 1},
		{"lineart emulated", testInfo(t, q, noLineart), q, scancore.ScanRequest{Mode: scancore.Lineart}, scancore.LineartFake, 8, 1},
		{"lineart auto threshold", mi, q, scancore.ScanRequest{Mode: scancore.Lineart, AutoThreshold: true}, scancore.LineartFake, 8, 1},
		{"lineart control bits", mi, quirks(t, 0x9a), scancore.ScanRequest{Mode: scancore.Lineart}, scancore.LineartFake, 8, 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			mode, _, bitsIn, bitsOut, err := modeAndDepth(&tt.req, tt.mi, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if mode != tt.mode || bitsIn != tt.bitsIn || bitsOut != tt.bitsOut {
				t.Fatalf("modeAndDepth = %v, %d, %d; want %v, %d, %d", mode, bitsIn, bitsOut, tt.mode, tt.bitsIn, tt.bitsOut)
			}
		})
	}

	if _, _, _, _, err := modeAndDepth(&scancore.ScanRequest{Mode: scancore.Gray, Depth: 7}, mi, q); !errors.Is(err, scancore.ErrInvalid) {
		t.Fatalf("modeAndDepth(depth 7): got %v, want %v", err, scancore.ErrInvalid)
	}
}

func TestScanParamsGeometry(t *testing.T) {
	// 1 inch at the optical resolution of 300 dpi.
	const inch = 25.4
	odd := 301 * inch / 300
	for _, tt := range []struct {
		name         string
		code         byte
		revision     float64
		rtol         bool
		tlx, brx     float64
		wantX, wantW int
		inexact      bool
	}{
		{"one inch", 0x81, 2.00, false, 0, inch, 0, 300, false},
		{"odd width", 0x81, 2.00, false, 0, odd, 0, 301, false},
		{"odd width with offset 2", 0x91, 1.00, false, 0, odd, 0, 300, true},
		{"minimum width", 0x81, 2.00, false, 10, 10, 118, 10, true},
		{"right to left", 0x81, 2.00, true, 0, inch, 2550 - 300, 300, false},
		{"clamped", 0x81, 2.00, false, 0, 500, 0, 2549, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			q, err := LookupModel(tt.code, tt.revision, Depth12)
			if err != nil {
				t.Fatal(err)
			}
			a := defaultAttrs()
			a.rtol = tt.rtol
			mi := testInfo(t, q, a)
			req := scancore.DefaultRequest(150)
			req.TLX, req.BRX = tt.tlx, tt.brx
			req.TLY, req.BRY = 0, inch
			p, err := getScanParams(req, mi, q)
			if err != nil {
				t.Fatal(err)
			}
			w := p.Window
			if w.X != tt.wantX || w.Width != tt.wantW {
				t.Errorf("window x %d, width %d; want x %d, width %d", w.X, w.Width, tt.wantX, tt.wantW)
			}
			if w.Y != 0 || w.Height != 300 {
				t.Errorf("window y %d, height %d; want y 0, height 300", w.Y, w.Height)
			}
			if w.XRes != 150 || w.YRes != 150 {
				t.Errorf("window resolution %dx%d, want 150x150", w.XRes, w.YRes)
			}
			if p.Inexact != tt.inexact {
				t.Errorf("Inexact = %v, want %v", p.Inexact, tt.inexact)
			}
		})
	}
}

func TestScanParamsResolutionClamped(t *testing.T) {
	q := quirks(t, 0x81)
	mi := testInfo(t, q, defaultAttrs())
	req := scancore.DefaultRequest(1200)
	req.BRX, req.BRY = 25.4, 25.4
	p, err := getScanParams(req, mi, q)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Window.XRes, mi.MaxXRes; got != want {
		t.Errorf("XRes = %d, want %d", got, want)
	}
	if got, want := p.Window.YRes, mi.MaxYRes; got != want {
		t.Errorf("YRes = %d, want %d", got, want)
	}
	if !p.Inexact {
		t.Errorf("Inexact = false, want true")
	}
}

func TestScanParamsEnhancements(t *testing.T) {
	q := quirks(t, 0x81)
	mi := testInfo(t, q, defaultAttrs())
	req := scancore.DefaultRequest(300)
	req.Source = scancore.TMA
	req.Preview = true
	req.Exposure = [4]int{20, 40, 0, 10}
	req.Brightness = 200
	req.Contrast = 0
	p, err := getScanParams(req, mi, q)
	if err != nil {
		t.Fatal(err)
	}
	w := p.Window
	if !w.FastScan || w.Quality {
		t.Errorf("preview: FastScan = %v, Quality = %v; want true, false", w.FastScan, w.Quality)
	}
	if got, want := w.Media, byte(2); got != want {
		t.Errorf("Media = %d, want %d", got, want)
	}
	if got, want := w.Mode, byte(compColor); got != want {
		t.Errorf("Mode = %#x, want %#x", got, want)
	}
	if got, want := p.Exposure, [4]byte{10, 20, 0, 5}; got != want {
		t.Errorf("Exposure = %v, want %v", got, want)
	}
	m := w.Enhance[scancore.Master]
	if m.Brightness != 255 || m.Contrast != 1 {
		t.Errorf("brightness %d, contrast %d; want 255, 1", m.Brightness, m.Contrast)
	}
	if m.Midtone != 128 || m.Highlight != 255 {
		t.Errorf("midtone %d, highlight %d; want 128, 255", m.Midtone, m.Highlight)
	}
}

func TestCalibWindow(t *testing.T) {
	q := quirks(t, 0x81)
	mi := testInfo(t, q, defaultAttrs())
	w := calibWindow(mi, q, 2)
	if w.XRes != 150 || w.YRes != 60 {
		t.Errorf("resolution %dx%d, want 150x60", w.XRes, w.YRes)
	}
	if w.Y != mi.CalibWhite || w.Width != mi.GeoWidth || w.Height != mi.CalibSpace {
		t.Errorf("window y %d, width %d, height %d; want %d, %d, %d",
			w.Y, w.Width, w.Height, mi.CalibWhite, mi.GeoWidth, mi.CalibSpace)
	}
	if !w.RawData || w.Stay || w.Depth != 12 || w.Mode != compColor {
		t.Errorf("raw %v, stay %v, depth %d, mode %#x", w.RawData, w.Stay, w.Depth, w.Mode)
	}

	cx := quirks(t, 0x70)
	if got, want := calibWindow(mi, cx, 1).Height, 18; got != want {
		t.Errorf("336cx shading lines = %d, want %d", got, want)
	}

	x12 := quirks(t, 0xb0)
	for xres, want := range map[int]int{300: 2, 600: 2, 1200: 1} {
		if got := calibDivisor(mi, x12, xres); got != want {
			t.Errorf("calibDivisor(%d dpi) = %d, want %d", xres, got, want)
		}
	}
}

func TestWindowEncode(t *testing.T) {
	w := &Window{
		XRes:      300,
		YRes:      600,
		X:         10,
		Y:         20,
		Width:     2550,
		Height:    3508,
		Threshold: 100,
		Mode:      compGray,
		Depth:     8,
		Stay:      true,
		Quality:   true,
		Media:     2,
	}
	for ch := range w.Enhance {
		w.Enhance[ch] = Neutral()
	}
	w.Enhance[scancore.Blue].Exposure = 7
	b := w.encode()
	if got, want := len(b), windowHeaderLen+windowBodyLen; got != want {
		t.Fatalf("len = %d, want %d", got, want)
	}
	d := b[windowHeaderLen:]
	for _, tt := range []struct {
		name      string
		got, want int
	}{
		{"descriptor length", int(binary.BigEndian.Uint16(b[6:])), windowBodyLen},
		{"x resolution", int(binary.BigEndian.Uint16(d[2:])), 300},
		{"y resolution", int(binary.BigEndian.Uint16(d[4:])), 600},
		{"x", int(binary.BigEndian.Uint32(d[6:])), 10},
		{"y", int(binary.BigEndian.Uint32(d[10:])), 20},
		{"width", int(binary.BigEndian.Uint32(d[14:])), 2550},
		{"height", int(binary.BigEndian.Uint32(d[18:])), 3508},
		{"brightness", int(d[22]), 128},
		{"threshold", int(d[23]), 100},
		{"composition", int(d[25]), compGray},
		{"depth", int(d[26]), 8},
		{"flags and media", int(d[31]), 0x40 | 0x10 | 2},
		{"highlight", int(d[42]), 255},
		{"blue exposure", int(d[43+2*6+2]), 7},
	} {
		if tt.got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}
