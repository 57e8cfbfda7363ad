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

// Package shading turns black and white reference scans into per-column
// correction tables and applies them to pixel data.
package shading

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/stapelberg/scancore"
)

// Reduction selects how repeated reference readings of one sensor column
// are reduced to a single value.
type Reduction int

const (
	// Median rejects outliers such as dust on the calibration strip.
	Median Reduction = iota
	Mean
)

func (r Reduction) String() string {
	switch r {
	case Median:
		return "median"
	case Mean:
		return "mean"
	}
	return fmt.Sprintf("Reduction(%d)", int(r))
}

// ParseReduction parses the names returned by Reduction.String. The empty
// string selects Median.
func ParseReduction(s string) (Reduction, error) {
	switch s {
	case "", "median":
		return Median, nil
	case "mean", "average":
		return Mean, nil
	}
	return 0, fmt.Errorf("%w: unknown shading reduction %q", scancore.ErrInvalid, s)
}

// Reduce reduces samples according to r. Mean results never exceed the
// largest sample, so they cannot overflow T. samples is reordered.
func Reduce[T ~uint8 | ~uint16 | ~uint32 | ~uint64](samples []T, r Reduction) T {
	if len(samples) == 0 {
		return 0
	}
	if r == Mean {
		var sum uint64
		for _, s := range samples {
			sum += uint64(s)
		}
		return T(sum / uint64(len(samples)))
	}
	slices.Sort(samples)
	return samples[(len(samples)-1)/2]
}

// ImageLayout is the byte layout of a raw shading image.
type ImageLayout int

const (
	// PerColorLines has one run per color in each line: [R...][G...][B...].
	PerColorLines ImageLayout = iota
	// Interleaved has R,G,B triples per pixel (chunky and word chunky).
	Interleaved
	// Segregated devices deliver the shading image interleaved as well,
	// but are always averaged and may use 1 byte entries.
	Segregated
)

// An Image is a raw shading image as read from the device. Two byte entries
// are in host byte order.
type Image struct {
	Data         []byte
	Lines        int
	BytesPerLine int
	// EntrySize is 1 or 2 bytes per sample.
	EntrySize int
	// Width is the number of pixels per color in the reduced line, that is
	// the geometric width divided by the calibration divisor.
	Width int
}

func (img *Image) sample(idx int) uint16 {
	if img.EntrySize == 1 {
		return uint16(img.Data[idx])
	}
	return binary.NativeEndian.Uint16(img.Data[2*idx:])
}

// PrepareLine reduces a shading image to a single line of 3*Width entries
// in color order (all red, all green, all blue). The color sequence of the
// device is left unchanged.
func PrepareLine(img *Image, layout ImageLayout, r Reduction) ([]uint16, error) {
	if img.EntrySize != 1 && img.EntrySize != 2 {
		return nil, fmt.Errorf("%w: shading entry size %d", scancore.ErrUnsupportedFormat, img.EntrySize)
	}
	if img.Lines < 1 {
		return nil, fmt.Errorf("%w: empty shading image", scancore.ErrIO)
	}
	w := img.Width
	var index func(line, color, i int) int
	switch layout {
	case PerColorLines:
		if img.EntrySize == 1 {
			return nil, fmt.Errorf("%w: 1 byte shading entries in line-per-color format", scancore.ErrUnsupportedFormat)
		}
		entries := img.BytesPerLine / img.EntrySize
		index = func(line, color, i int) int {
			return line*entries + color*(entries/3) + i
		}
	case Interleaved:
		if img.EntrySize == 1 {
			return nil, fmt.Errorf("%w: 1 byte shading entries in chunky format", scancore.ErrUnsupportedFormat)
		}
		index = func(line, color, i int) int {
			return line*3*w + 3*i + color
		}
	case Segregated:
		index = func(line, color, i int) int {
			return line*3*w + 3*i + color
		}
		// The median filter was never wired up for segregated devices.
		r = Mean
	default:
		return nil, fmt.Errorf("%w: shading image layout %d", scancore.ErrUnsupportedFormat, layout)
	}

	last := index(img.Lines-1, 2, w-1)
	if (last+1)*img.EntrySize > len(img.Data) {
		return nil, fmt.Errorf("%w: shading image has %d bytes, need %d", scancore.ErrIO, len(img.Data), (last+1)*img.EntrySize)
	}

	out := make([]uint16, 3*w)
	samples := make([]uint16, img.Lines)
	for color := 0; color < 3; color++ {
		for i := 0; i < w; i++ {
			for line := range samples {
				samples[line] = img.sample(index(line, color, i))
			}
			out[color*w+i] = Reduce(samples, r)
		}
	}
	return out, nil
}

// Transfer equations announced by the firmware for uploaded shading data.
const (
	EquationIdentity      = 0x00
	EquationReciprocal    = 0x01
	EquationBalanced      = 0x11
	EquationFixedBalanced = 0x15
)

// TransferFunction converts a white shading line of 3*width entries in
// place according to the device's transfer equation, before the table is
// sent back to the device. balance holds the per-color balance reported by
// the device.
func TransferFunction(table []uint16, width int, eq byte, lutSize int, balance [3]int) error {
	switch eq {
	case EquationIdentity, EquationReciprocal, EquationBalanced, EquationFixedBalanced:
	default:
		return fmt.Errorf("%w: shading transfer equation 0x%02x", scancore.ErrUnsupportedFormat, eq)
	}
	if len(table) < 3*width {
		return fmt.Errorf("%w: shading line has %d entries, need %d", scancore.ErrIO, len(table), 3*width)
	}
	lut2 := float64(lutSize) * float64(lutSize)
	for color := 0; color < 3; color++ {
		for i := 0; i < width; i++ {
			v := float64(table[color*width+i])
			if v == 0 {
				v = 1 // dead column
			}
			var out float64
			switch eq {
			case EquationIdentity:
				continue
			case EquationReciprocal:
				out = math.Floor(lut2 / v)
			case EquationBalanced:
				d := math.Floor(v * float64(balance[color]) / 255)
				if d == 0 {
					d = 1
				}
				out = math.Floor(lut2 / d)
			case EquationFixedBalanced:
				out = math.Floor((1073741824 / v) * (float64(balance[color]) / 256))
			}
			table[color*width+i] = uint16(min(out, 0xffff))
		}
	}
	return nil
}

// CondenseParams describes how the device selected sensor columns for the
// current scan.
type CondenseParams struct {
	// ControlBits has one bit per sensor column, set for every column that
	// contributes a pixel.
	ControlBits []byte
	// BitOffset is the model specific position of the first column.
	BitOffset int
	// GeoWidth is the number of sensor columns.
	GeoWidth int
	// TablePixels is the number of entries per color in the full table.
	TablePixels int
	PPL         int
	// RTOL devices store the control bits LSB first.
	RTOL bool
	// Color condenses all three colors. Otherwise only GrayColor is
	// condensed, into the first PPL entries.
	Color     bool
	GrayColor int
	// OffsetTable applies BitOffset to the table index as well, for
	// devices whose shading line starts at the first control bit.
	OffsetTable bool
}

// Condense extracts the columns selected by the control bits from a full
// width table. The result has 3*PPL entries in color mode (PPL for gray),
// with each color run starting at color*PPL. A nil table yields nil.
func Condense(table []uint16, p CondenseParams) []uint16 {
	if table == nil {
		return nil
	}
	n := p.PPL
	if p.Color {
		n *= 3
	}
	out := make([]uint16, n)
	count := 0
	for col := 0; col < p.GeoWidth && count < p.PPL; col++ {
		pos := col + p.BitOffset
		if pos/8 >= len(p.ControlBits) {
			break
		}
		shift := 7 - pos%8
		if p.RTOL {
			shift = pos % 8
		}
		if p.ControlBits[pos/8]>>shift&1 == 0 {
			continue
		}
		for color := 0; color < 3; color++ {
			if !p.Color && color != p.GrayColor {
				continue
			}
			src := color*p.TablePixels + col
			if p.OffsetTable {
				src += p.BitOffset
			}
			dst := count
			if p.Color {
				dst = color*p.PPL + count
			}
			if src < len(table) {
				out[dst] = table[src]
			}
		}
		count++
	}
	return out
}

// CxLine computes one shading line from a shading image of devices that
// read shading data with the scan geometry: pixels per color and line,
// lines lines, colors planes per line (3 for color, 1 for gray). Word data
// carries the low bytes of a color first, then the high bytes. The
// result is the per-column median scaled from 10 to 8 bits.
func CxLine(raw []byte, lines, pixels, colors int, word bool) ([]uint16, error) {
	lineBytes := pixels * colors
	if word {
		lineBytes *= 2
	}
	if len(raw) < lines*lineBytes {
		return nil, fmt.Errorf("%w: shading image has %d bytes, need %d", scancore.ErrIO, len(raw), lines*lineBytes)
	}
	out := make([]uint16, 0, pixels*colors)
	samples := make([]uint16, lines)
	for color := 0; color < colors; color++ {
		colorOffset := color * pixels
		if word {
			colorOffset *= 2
		}
		for i := 0; i < pixels; i++ {
			for line := range samples {
				off := line*lineBytes + colorOffset + i
				v := uint16(raw[off])
				if word {
					v += uint16(raw[off+pixels]) << 8
				}
				samples[line] = v
			}
			out = append(out, Reduce(samples, Median)/4)
		}
	}
	return out, nil
}
