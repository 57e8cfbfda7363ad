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
	"fmt"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/reshuffle"
)

// Depth capabilities.
const (
	DepthNibble = 0x01
	Depth10     = 0x02
	Depth12     = 0x04
	Depth16     = 0x08
	// Depth14 is never reported by the device, see LookupModel.
	Depth14 = 0x10
)

// Scan mode capabilities.
const (
	HasLineart  = 0x01
	HasHalftone = 0x02
	HasGray     = 0x04
	HasColor    = 0x08
)

// Lookup table capabilities.
const (
	Lut256B  = 0x01
	Lut1024B = 0x02
	Lut1024W = 0x04
	Lut4096B = 0x08
	Lut4096W = 0x10
	Lut64kW  = 0x20
	Lut16kW  = 0x40
)

// Optional devices.
const (
	OptADF    = 0x01
	OptTMA    = 0x02
	OptADP    = 0x10
	OptAPS    = 0x20
	OptStripe = 0x40
	OptSlide  = 0x80
)

// Info holds the attributes of one scan source.
type Info struct {
	Color       bool
	OnePass     bool
	ScannerType byte
	Format      reshuffle.Format
	// ColorSequence is the order of the color runs in a line.
	ColorSequence [3]int
	// NewImageStatus is set for firmware with the one byte READ IMAGE
	// STATUS result.
	NewImageStatus bool
	RTOL           bool
	CCDGap         int

	MaxXRes, MaxYRes int
	// GeoWidth and GeoHeight are the scan area in dots at the optical
	// resolution.
	GeoWidth, GeoHeight int
	OptRes              int

	Depth     byte
	ScanModes byte
	CCDPixels int
	LutCap    byte

	OptionDevices byte
	// CalibWhite is the position of the white calibration strip, and
	// CalibSpace the number of lines available for shading.
	CalibWhite int
	CalibSpace int
	// ShadingEquation is the transfer equation of uploaded white
	// shading data.
	ShadingEquation byte
	// Balance is the per-color balance of the firmware.
	Balance [3]int

	CalibDivisor int
}

// ParseInfo decodes a READ ATTRIBUTES result. The result is modified by
// model specific corrections first.
func ParseInfo(raw []byte, q *Quirks) (*Info, error) {
	if len(raw) < attributesLen {
		return nil, fmt.Errorf("%w: attributes have %d bytes, want %d", scancore.ErrIO, len(raw), attributesLen)
	}
	b := append([]byte(nil), raw[:attributesLen]...)
	switch q.Code {
	case 0x91:
		// The X6 reports segregated data for the transparency adapter,
		// but delivers chunky data.
		b[0] &= 0xfd
	case 0x89:
		// Lineart is broken on the 6400XL and is emulated instead.
		b[13] &= 0xfe
	}

	u16 := func(off int) int { return int(binary.BigEndian.Uint16(b[off:])) }
	mi := &Info{
		Color:       b[0]&0x80 != 0,
		OnePass:     b[0]&0x40 != 0,
		ScannerType: b[0] >> 4 & 0x03,
		Format:      reshuffle.Format(b[0] & 0x07),
		ColorSequence: [3]int{
			int(b[1] >> 6 & 0x03),
			int(b[1] >> 4 & 0x03),
			int(b[1] >> 2 & 0x03),
		},
		NewImageStatus:  b[1]&0x02 != 0,
		RTOL:            b[1]&0x01 != 0,
		CCDGap:          int(b[2]),
		MaxXRes:         u16(3),
		MaxYRes:         u16(5),
		GeoWidth:        u16(7),
		GeoHeight:       u16(9),
		OptRes:          u16(11),
		Depth:           b[13] >> 4,
		ScanModes:       b[13] & 0x0f,
		CCDPixels:       u16(14),
		LutCap:          b[16],
		OptionDevices:   b[18] & 0xf3,
		CalibWhite:      int(binary.BigEndian.Uint32(b[19:])),
		CalibSpace:      int(binary.BigEndian.Uint32(b[23:])),
		ShadingEquation: b[29] >> 2 & 0x3f,
		Balance:         [3]int{u16(30), u16(32), u16(34)},
		CalibDivisor:    1,
	}
	if q.Code == 0xde {
		mi.CalibDivisor = 2
	}
	if q.Code == 0xb0 {
		mi.Depth |= Depth14
	}
	for _, c := range mi.ColorSequence {
		if c > 2 {
			return nil, fmt.Errorf("%w: illegal color sequence %v", scancore.ErrUnsupportedFormat, mi.ColorSequence)
		}
	}
	if mi.OptRes == 0 || mi.GeoWidth == 0 || mi.GeoHeight == 0 {
		return nil, fmt.Errorf("%w: attributes report a zero scan area", scancore.ErrIO)
	}
	return mi, nil
}

// maxDepth returns the largest depth announced by the depth capabilities.
func maxDepth(depth byte) int {
	switch {
	case depth&Depth16 != 0:
		return 16
	case depth&Depth14 != 0:
		return 14
	case depth&Depth12 != 0:
		return 12
	case depth&Depth10 != 0:
		return 10
	}
	return 8
}

// MaxDepth returns the largest bit depth of the source.
func (mi *Info) MaxDepth() int { return maxDepth(mi.Depth) }

// WhiteShadingOnly reports whether the device only takes a white shading
// table.
func (mi *Info) WhiteShadingOnly() bool { return mi.ShadingEquation&0x20 == 0 }

// LutSize returns the number of entries and the entry size of the largest
// lookup table the device accepts. Devices without lookup tables are
// treated like 12 bit devices, which sizes their shading tables.
func (mi *Info) LutSize() (size, entrySize int) {
	size, entrySize = 4096, 2
	for _, c := range []struct {
		bit             byte
		size, entrySize int
	}{
		{Lut256B, 256, 1},
		{Lut1024B, 1024, 1},
		{Lut1024W, 1024, 2},
		{Lut4096B, 4096, 1},
		{Lut4096W, 4096, 2},
		{Lut64kW, 65536, 2},
		{Lut16kW, 16384, 2},
	} {
		if mi.LutCap&c.bit != 0 {
			size, entrySize = c.size, c.entrySize
		}
	}
	return size, entrySize
}

// FirmwareBalance returns the color balance of the firmware in percent,
// for use as ScanRequest.Balance.
func (mi *Info) FirmwareBalance() [3]int {
	var pct [3]int
	for i, b := range mi.Balance {
		pct[i] = int(uint8(float64(b) / 2.55))
	}
	return pct
}
