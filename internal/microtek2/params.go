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
	"fmt"

	"github.com/stapelberg/scancore"
)

const mmPerInch = 25.4

// percentageMax is the upper end of the brightness and contrast range.
const percentageMax = 200

// Image composition codes of SET WINDOW.
const (
	compLineart  = 0x00
	compHalftone = 0x01
	compGray     = 0x02
	compColor    = 0x05
)

// scanParams are the device parameters of one scan, derived from a
// request and the attributes of its source.
type scanParams struct {
	Mode    scancore.Mode
	Depth   int
	BitsIn  int
	BitsOut int

	Window Window

	// Balance is the color balance in percent, applied with backend
	// shading.
	Balance [3]int
	// Exposure holds the exposure values sent to the device, indexed
	// like scancore.ScanRequest.Exposure.
	Exposure [4]byte

	// Inexact is set when the window differs from the request.
	Inexact bool
}

// clampInt returns v limited to hi and sets *inexact if it had to be
// limited.
func clampInt(v, hi int, inexact *bool) int {
	if v > hi {
		*inexact = true
		return hi
	}
	return v
}

// modeAndDepth translates the requested mode and depth. Lineart is emulated
// from gray data if the device lacks it, the threshold is adjusted
// automatically or the model needs backend shading.
func modeAndDepth(req *scancore.ScanRequest, mi *Info, q *Quirks) (mode scancore.Mode, depth, bitsIn, bitsOut int, _ error) {
	switch req.Mode {
	case scancore.Color, scancore.Gray:
		mode = req.Mode
		switch req.Depth {
		case 16, 14, 12, 10:
			return mode, req.Depth, 16, 16, nil
		case 8:
			return mode, 8, 8, 8, nil
		case 4:
			return mode, 4, 4, 8, nil
		}
		return 0, 0, 0, 0, fmt.Errorf("%w: bit depth %d", scancore.ErrInvalid, req.Depth)
	case scancore.Halftone:
		return scancore.Halftone, 1, 1, 1, nil
	case scancore.Lineart, scancore.LineartFake:
		if req.Mode == scancore.LineartFake ||
			mi.ScanModes&HasLineart == 0 ||
			req.AutoThreshold ||
			q.Has(ReadControlBits) {
			return scancore.LineartFake, 8, 8, 1, nil
		}
		return scancore.Lineart, 1, 1, 1, nil
	}
	return 0, 0, 0, 0, fmt.Errorf("%w: mode %v", scancore.ErrInvalid, req.Mode)
}

func composition(mode scancore.Mode) byte {
	switch mode {
	case scancore.Halftone:
		return compHalftone
	case scancore.Gray, scancore.LineartFake:
		return compGray
	case scancore.Color:
		return compColor
	}
	return compLineart
}

// percent converts a brightness or contrast percentage to 1..255.
func percent(v float64) byte {
	return byte(uint8(v/percentageMax*254.0) + 1)
}

// getScanParams computes the scan window of req.
func getScanParams(req *scancore.ScanRequest, mi *Info, q *Quirks) (*scanParams, error) {
	mode, depth, bitsIn, bitsOut, err := modeAndDepth(req, mi, q)
	if err != nil {
		return nil, err
	}
	p := &scanParams{
		Mode:    mode,
		Depth:   depth,
		BitsIn:  bitsIn,
		BitsOut: bitsOut,
		Balance: req.Balance,
	}
	w := &p.Window

	w.Threshold = 128
	if mode == scancore.Lineart || mode == scancore.LineartFake {
		w.Threshold = byte(req.Threshold)
	}

	dpm := float64(mi.OptRes) / mmPerInch
	x1 := clampInt(int(req.TLX*dpm+.5), mi.GeoWidth-10, &p.Inexact)
	y1 := clampInt(int(req.TLY*dpm+.5), mi.GeoHeight-10, &p.Inexact)
	x2 := clampInt(int(req.BRX*dpm+.5), mi.GeoWidth-1, &p.Inexact)
	y2 := clampInt(int(req.BRY*dpm+.5), mi.GeoHeight-1, &p.Inexact)
	width := x2 - x1
	if q.Has(Offset2) && width%2 == 1 {
		width--
		p.Inexact = true
	}
	if width < 10 || y2-y1 < 10 {
		p.Inexact = true
	}
	width = max(width, 10)
	height := max(y2-y1, 10)
	if mi.RTOL {
		x1 = mi.GeoWidth - x1 - width
	}
	w.X, w.Y, w.Width, w.Height = x1, y1, width, height

	w.XRes = max(int(req.XRes+.5), 10)
	w.YRes = max(int(req.YRes+.5), 10)
	if mi.MaxXRes > 0 {
		w.XRes = clampInt(w.XRes, mi.MaxXRes, &p.Inexact)
	}
	if mi.MaxYRes > 0 {
		w.YRes = clampInt(w.YRes, mi.MaxYRes, &p.Inexact)
	}
	w.Mode = composition(mode)
	w.Depth = byte(depth)
	w.Media = windowMedia(req.Source)

	w.FastScan = req.Preview
	w.Quality = !req.Preview

	bright := percent(req.Brightness)
	contrast := percent(req.Contrast)
	for ch := range w.Enhance {
		w.Enhance[ch] = Enhancements{
			Brightness: bright,
			Contrast:   contrast,
			Exposure:   byte(req.Exposure[ch] / 2),
			Shadow:     byte(req.Shadow[ch]),
			Midtone:    byte(req.Midtone[ch]),
			Highlight:  byte(req.Highlight[ch]),
		}
		p.Exposure[ch] = w.Enhance[ch].Exposure
	}
	return p, nil
}

// calibDivisor returns the factor by which shading data is read below
// the optical resolution.
func calibDivisor(mi *Info, q *Quirks, xres int) int {
	if q.Has(CalibDivisor600) {
		if xres <= 600 {
			return 2
		}
		return 1
	}
	return mi.CalibDivisor
}

// calibWindow returns the window of a shading scan over the calibration
// strip.
func calibWindow(mi *Info, q *Quirks, divisor int) *Window {
	height := q.ShadingLength
	if height == 0 {
		height = mi.CalibSpace
	}
	w := &Window{
		XRes:      mi.OptRes / divisor,
		YRes:      mi.OptRes / 5,
		X:         0,
		Y:         mi.CalibWhite,
		Width:     mi.GeoWidth,
		Height:    height,
		Threshold: 128,
		Mode:      compColor,
		Depth:     byte(mi.MaxDepth()),
		Stay:      mi.CalibSpace < 10,
		RawData:   true,
		Quality:   true,
		Media:     windowMedia(scancore.Flatbed),
	}
	for ch := range w.Enhance {
		w.Enhance[ch] = Neutral()
	}
	return w
}
