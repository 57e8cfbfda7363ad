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
	"math"

	"github.com/stapelberg/scancore"
)

// Gamma holds one lookup table per color.
type Gamma struct {
	Size      int
	EntrySize int
	Tables    [3][]uint16
}

// gammaScale returns the divisor which maps table indices to the internal
// depth of the device, and the largest output value.
func gammaScale(mi *Info, q *Quirks, lutSize int) (factor int, mult float64) {
	if q.Has(NoGamma) {
		return 1, float64(lutSize - 1)
	}
	d := mi.MaxDepth()
	factor = max(lutSize>>d, 1)
	return factor, float64(int(1)<<d - 1)
}

// gammaChannel returns the request channel used for color, falling back to
// the master channel for gray scans and unset values.
func gammaChannel(req *scancore.ScanRequest, color int) int {
	if req.Mode != scancore.Color {
		return scancore.Master
	}
	ch := scancore.Red + color
	switch req.GammaMode {
	case scancore.GammaScalar:
		if req.Gamma[ch] == 0 {
			return scancore.Master
		}
	case scancore.GammaCustom:
		if req.CustomGamma[ch] == nil {
			return scancore.Master
		}
	}
	return ch
}

// CalculateGamma computes the lookup tables of req for a device table of
// lutSize entries of entrySize bytes.
func CalculateGamma(req *scancore.ScanRequest, mi *Info, q *Quirks, lutSize, entrySize int) *Gamma {
	factor, mult := gammaScale(mi, q, lutSize)
	steps := float64(lutSize - 1)
	g := &Gamma{Size: lutSize, EntrySize: entrySize}
	limit := uint(0xffff)
	if entrySize == 1 {
		limit = 0xff
	}
	for color := range g.Tables {
		ch := gammaChannel(req, color)
		t := make([]uint16, lutSize)
		for i := range t {
			var val uint
			switch req.GammaMode {
			case scancore.GammaScalar:
				gamma := req.Gamma[ch]
				if gamma <= 0 {
					gamma = 1
				}
				val = uint(mult*math.Pow(float64(i)/steps, 1/gamma) + .5)
			case scancore.GammaCustom:
				src := req.CustomGamma[ch]
				if len(src) == 0 {
					val = uint(i / factor)
					break
				}
				v := src[i*len(src)/lutSize]
				val = uint(float64(max(v, 0)) * mult / 255)
			default:
				val = uint(i / factor)
			}
			t[i] = uint16(min(val, limit))
		}
		g.Tables[color] = t
	}
	return g
}

// SetExposure brightens the tables according to the exposure settings, for
// devices which ignore the exposure time.
func (g *Gamma) SetExposure(mi *Info, exposure [4]byte) {
	if g.EntrySize == 1 {
		return
	}
	maxval := uint32(1)<<mi.MaxDepth() - 1
	apply := func(t []uint16, exp byte) {
		for i, v := range t {
			val := uint32(v)
			val = min(val+val*(2*uint32(exp)/100), maxval)
			t[i] = uint16(val)
		}
	}
	for _, t := range g.Tables {
		apply(t, exposure[scancore.Master])
	}
	for color, t := range g.Tables {
		apply(t, exposure[scancore.Red+color])
	}
}

// Bytes returns the tables in the SEND GAMMA layout: red, green and blue
// tables back to back, two byte entries in host byte order.
func (g *Gamma) Bytes() []byte {
	b := make([]byte, 0, 3*g.Size*g.EntrySize)
	for _, t := range g.Tables {
		for _, v := range t {
			if g.EntrySize == 2 {
				b = binary.NativeEndian.AppendUint16(b, v)
			} else {
				b = append(b, byte(v))
			}
		}
	}
	return b
}
