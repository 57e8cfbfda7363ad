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

package shading

import (
	"fmt"

	"github.com/stapelberg/scancore"
)

// Scale maps raw from [dark, white] to [0, maxval]. Values below dark map
// to 0, values above white exceed maxval. A white reference equal to the
// dark reference is treated as dark+1.
func Scale(raw, dark, white, maxval float64) float64 {
	raw = max(raw, dark)
	if white == dark {
		white = dark + 1
	}
	return maxval * (raw - dark) / (white - dark)
}

// Apply is Scale clamped to [0, maxval].
func Apply(raw, dark, white, maxval float64) float64 {
	return Clamp(Scale(raw, dark, white, maxval), maxval)
}

// Clamp limits v to [0, maxval].
func Clamp(v, maxval float64) float64 {
	return min(max(v, 0), maxval)
}

// Check reports ErrBadCalibration if any white reference is at or below its
// dark reference. A nil dark table is all zeros.
func Check(dark, white []uint16) error {
	var inverted, first int
	first = -1
	for i, w := range white {
		var d uint16
		if i < len(dark) {
			d = dark[i]
		}
		if w <= d {
			if first == -1 {
				first = i
			}
			inverted++
		}
	}
	if inverted > 0 {
		return fmt.Errorf("%w: %d of %d columns have white <= dark (first at %d)", scancore.ErrBadCalibration, inverted, len(white), first)
	}
	return nil
}

// A Corrector applies condensed shading tables to scan lines.
type Corrector struct {
	// Dark may be nil for devices that only read a white reference.
	Dark  []uint16
	White []uint16
	PPL   int
	RTOL  bool

	// Wide is set for tables with more than 8 bits per entry, which are
	// divided by Factor to match the scan depth.
	Wide   bool
	Factor float64
}

// Values returns the dark and white reference values for a pixel of the
// given color, where pixel counts in output order.
func (c *Corrector) Values(color, pixel int) (dark, white float64) {
	off := color*c.PPL + pixel
	if c.RTOL {
		off = (color+1)*c.PPL - 1 - pixel
	}
	if off < 0 || off >= len(c.White) {
		return 0, 0
	}
	white = float64(c.White[off])
	if off < len(c.Dark) {
		dark = float64(c.Dark[off])
	}
	if c.Wide && c.Factor != 0 {
		white /= c.Factor
		dark /= c.Factor
	}
	return dark, white
}

// Correct scales raw with the references of pixel in color. The result is
// not clamped, so that further enhancements see the full range.
func (c *Corrector) Correct(raw float64, color, pixel int, maxval float64) float64 {
	dark, white := c.Values(color, pixel)
	return Scale(raw, dark, white, maxval)
}
