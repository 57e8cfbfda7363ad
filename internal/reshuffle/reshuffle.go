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

// Package reshuffle converts scan data from the byte layouts scanners
// deliver into contiguous gray or RGB scan lines.
package reshuffle

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/shading"
)

// Format is the data format code scanners report in their attributes.
type Format int

const (
	// Chunky data has R,G,B triples per pixel.
	Chunky Format = 1
	// PerColorLines data has [all R][all G][all B] in each line, ordered
	// by the color sequence.
	PerColorLines Format = 2
	// Segregated data arrives as single color frames, each tagged with a
	// color marker. Frames of one line arrive at different times because
	// of the CCD gap.
	Segregated Format = 3
	// Format9800 is decoded like Chunky.
	Format9800 Format = 4
	// WordChunky data packs the color triples of two pixels into 6
	// bytes.
	WordChunky Format = 5
)

func (f Format) String() string {
	switch f {
	case Chunky:
		return "chunky"
	case PerColorLines:
		return "line-per-color concatenated"
	case Segregated:
		return "line-per-color segregated"
	case Format9800:
		return "9800"
	case WordChunky:
		return "word chunky"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Enhancement emulates brightness and contrast on devices which ignore
// them. Values are in the device range 1..255, 128 is neutral.
type Enhancement struct {
	Brightness float64
	Contrast   float64
}

// Layout describes the scan data of one session.
type Layout struct {
	Mode    scancore.Mode
	Format  Format
	OnePass bool

	PPL int
	BPL int
	// Depth is the bit depth per color.
	Depth   int
	BitsIn  int
	BitsOut int

	// ColorSequence maps output colors to the position of their run in
	// PerColorLines data, and names the last color of a segregated line
	// in ColorSequence[2].
	ColorSequence [3]int
	RTOL          bool

	// Transfer16 is set for devices which transfer depths above 8 bits
	// left justified already.
	Transfer16 bool
	// Offset2 is set for firmware which prepends 2 junk bytes to chunky
	// lines with an odd number of bytes.
	Offset2 bool

	Threshold int
	// AutoThreshold thresholds LineartFake scans at the mean of the whole
	// frame instead of Threshold.
	AutoThreshold bool

	// Shading applies backend shading when not nil.
	Shading *shading.Corrector
	// Balance is the per-color balance in percent, applied together with
	// backend shading.
	Balance [3]int
	// Enhance is applied together with backend shading when not nil.
	Enhance *Enhancement

	// Gamma holds backend gamma tables with 2^Depth entries per color.
	// Gray scans use Gamma[0]. Nil tables are skipped.
	Gamma [3][]uint16

	// HoldLines bounds the number of segregated frames buffered per color
	// while waiting for the other colors of a line. Zero means unbounded.
	HoldLines int
}

// A Processor converts the lines of one device transfer.
type Processor interface {
	Process(w io.Writer, src []byte, lines int) error
}

// A Finisher is a Processor which only produces output once all data was
// transferred.
type Finisher interface {
	Processor
	Finish(w io.Writer) error
}

// Select returns the processor for l.
func Select(l *Layout) (Processor, error) {
	if l.PPL <= 0 || l.BPL <= 0 {
		return nil, fmt.Errorf("%w: %d pixels, %d bytes per line", scancore.ErrInvalid, l.PPL, l.BPL)
	}
	switch l.Mode {
	case scancore.Color:
		if !l.OnePass {
			return nil, fmt.Errorf("%w: three pass color scans", scancore.ErrUnsupportedFormat)
		}
		switch l.Format {
		case Chunky, Format9800:
			return newChunky(l), nil
		case PerColorLines:
			return &concatenated{l: l}, nil
		case Segregated:
			return newSegregated(l)
		case WordChunky:
			return &wordChunky{l: l}, nil
		}
		return nil, fmt.Errorf("%w: %v", scancore.ErrUnsupportedFormat, l.Format)
	case scancore.Gray:
		return &gray{l: l}, nil
	case scancore.Lineart, scancore.Halftone:
		return &oneBit{l: l}, nil
	case scancore.LineartFake:
		if l.AutoThreshold {
			return NewAutoThreshold(l), nil
		}
		return &lineartFake{l: l}, nil
	}
	return nil, fmt.Errorf("%w: mode %v", scancore.ErrUnsupportedFormat, l.Mode)
}

// Rotate16 left justifies a sample of the given depth into 16 bits,
// repeating its most significant bits in the low bits.
func Rotate16(v uint16, depth int) uint16 {
	return v<<(16-depth) | v>>(2*depth-16)
}

// maxval returns the largest sample value at l.Depth.
func (l *Layout) maxval() float64 {
	return float64(uint32(1)<<l.Depth - 1)
}

// correct applies backend shading, color balance and emulated enhancements
// to val. shadeColor selects the shading references, color the balance.
func (l *Layout) correct(val float64, shadeColor, color, pixel int) float64 {
	if l.Shading == nil {
		return val
	}
	maxval := l.maxval()
	val = l.Shading.Correct(val, shadeColor, pixel, maxval)
	val *= float64(l.Balance[color]) / 100
	if e := l.Enhance; e != nil {
		val += (e.Brightness - 128) * 2
		val = (val-128)*(e.Contrast/128) + 128
	}
	return shading.Clamp(val, maxval)
}

// gamma maps v through the backend gamma table of color, if any.
func (l *Layout) gamma(color int, v uint16) uint16 {
	t := l.Gamma[color]
	if t == nil || int(v) >= len(t) {
		return v
	}
	return t[v]
}

// sample reads the sample at off, 16 bit samples in host byte order.
func (l *Layout) sample(src []byte, off int) float64 {
	if l.Depth > 8 {
		return float64(binary.NativeEndian.Uint16(src[off:]))
	}
	return float64(src[off])
}

// line accumulates one output line.
type line []byte

func (b *line) put(l *Layout, color int, val float64) {
	if l.Depth > 8 {
		v := l.gamma(color, uint16(val))
		*b = binary.NativeEndian.AppendUint16(*b, Rotate16(v, l.Depth))
		return
	}
	*b = append(*b, byte(l.gamma(color, uint16(uint8(val)))))
}

func (b *line) flush(w io.Writer) error {
	if _, err := w.Write(*b); err != nil {
		return err
	}
	*b = (*b)[:0]
	return nil
}

func checkLength(src []byte, lines, bpl int) error {
	if len(src) < lines*bpl {
		return fmt.Errorf("%w: transfer has %d bytes, want %d lines of %d bytes", scancore.ErrIO, len(src), lines, bpl)
	}
	return nil
}
