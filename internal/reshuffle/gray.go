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

package reshuffle

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/shading"
)

type gray struct {
	l   *Layout
	out line
}

func (g *gray) Process(w io.Writer, src []byte, lines int) error {
	l := g.l
	if err := checkLength(src, lines, l.BPL); err != nil {
		return err
	}
	for i := 0; i < lines; i++ {
		row := src[i*l.BPL : (i+1)*l.BPL]
		var err error
		switch {
		case l.Depth >= 8:
			err = g.wide(row)
		case l.Depth == 4:
			err = g.nibbles(row)
		default:
			err = fmt.Errorf("%w: gray data with depth %d", scancore.ErrUnsupportedFormat, l.Depth)
		}
		if err != nil {
			return err
		}
		if err := g.out.flush(w); err != nil {
			return err
		}
	}
	return nil
}

func (g *gray) wide(row []byte) error {
	l := g.l
	bpp := (l.BitsIn + 7) / 8
	if l.PPL*bpp > len(row) {
		return fmt.Errorf("%w: %d byte lines cannot hold %d pixels", scancore.ErrIO, len(row), l.PPL)
	}
	for pixel := 0; pixel < l.PPL; pixel++ {
		pos := pixel
		if l.RTOL {
			pos = l.PPL - 1 - pixel
		}
		val := l.sample(row, pos*bpp)
		if l.Shading != nil {
			val = shading.Clamp(l.Shading.Correct(val, 0, pixel, l.maxval()), l.maxval())
		}
		if l.Depth > 8 {
			v := l.gamma(0, uint16(val))
			if !l.Transfer16 {
				v = Rotate16(v, l.Depth)
			}
			g.out = binary.NativeEndian.AppendUint16(g.out, v)
			continue
		}
		g.out = append(g.out, byte(l.gamma(0, uint16(uint8(val)))))
	}
	return nil
}

// nibbles expands 4 bit samples to 8 bits by repeating them.
func (g *gray) nibbles(row []byte) error {
	l := g.l
	if (l.PPL+1)/2 > len(row) {
		return fmt.Errorf("%w: %d byte lines cannot hold %d pixels", scancore.ErrIO, len(row), l.PPL)
	}
	for pixel := 0; pixel < l.PPL; pixel++ {
		pos := pixel
		if l.RTOL {
			pos = l.PPL - 1 - pixel
		}
		b := row[pos/2]
		n := b & 0x0f
		if pos%2 == 0 {
			n = b >> 4
		}
		g.out = append(g.out, n<<4|n)
	}
	return nil
}

// oneBit handles lineart and halftone data, in which the scanner uses 1
// for white.
type oneBit struct {
	l   *Layout
	out line
}

func (o *oneBit) Process(w io.Writer, src []byte, lines int) error {
	l := o.l
	if err := checkLength(src, lines, l.BPL); err != nil {
		return err
	}
	n := (l.PPL + 7) / 8
	if n > l.BPL {
		return fmt.Errorf("%w: %d byte lines cannot hold %d pixels", scancore.ErrIO, l.BPL, l.PPL)
	}
	for i := 0; i < lines; i++ {
		row := src[i*l.BPL : i*l.BPL+n]
		if !l.RTOL {
			for _, b := range row {
				o.out = append(o.out, ^b)
			}
		} else {
			o.out = appendReversedBits(o.out, row, l.PPL)
		}
		if err := o.out.flush(w); err != nil {
			return err
		}
	}
	return nil
}

// appendReversedBits appends the inverted first ppl bits of row (MSB
// first) in reverse order. Padding bits of the last byte are set.
func appendReversedBits(out, row []byte, ppl int) []byte {
	var to byte
	bits := 0
	for pixel := ppl - 1; pixel >= 0; pixel-- {
		to = to<<1 | row[pixel/8]>>(7-pixel%8)&1
		bits++
		if bits == 8 {
			out = append(out, ^to)
			to, bits = 0, 0
		}
	}
	if bits > 0 {
		out = append(out, ^(to << (8 - bits)))
	}
	return out
}

// lineartFake thresholds 8 bit gray data to lineart, with 1 for black.
type lineartFake struct {
	l   *Layout
	out line
}

func (f *lineartFake) Process(w io.Writer, src []byte, lines int) error {
	l := f.l
	if err := checkLength(src, lines, l.BPL); err != nil {
		return err
	}
	if l.PPL > l.BPL {
		return fmt.Errorf("%w: %d byte lines cannot hold %d pixels", scancore.ErrIO, l.BPL, l.PPL)
	}
	for i := 0; i < lines; i++ {
		f.out = appendThresholded(f.out, l, src[i*l.BPL:(i+1)*l.BPL], l.Threshold)
		if err := f.out.flush(w); err != nil {
			return err
		}
	}
	return nil
}

func appendThresholded(out []byte, l *Layout, row []byte, threshold int) []byte {
	var dest byte
	bits := 0
	for pixel := 0; pixel < l.PPL; pixel++ {
		pos := pixel
		if l.RTOL {
			pos = l.PPL - 1 - pixel
		}
		gray := float64(row[pos])
		if l.Shading != nil {
			dark, white := l.Shading.Values(0, pixel)
			gray = shading.Apply(gray, dark, white, 255)
		}
		var bit byte
		if int(uint8(gray)) < threshold {
			bit = 1
		}
		dest = dest<<1 | bit
		bits++
		if bits == 8 {
			out = append(out, dest)
			dest, bits = 0, 0
		}
	}
	if bits > 0 {
		out = append(out, dest<<(8-bits))
	}
	return out
}

// AutoThreshold buffers a complete 8 bit gray frame and thresholds it at
// its mean value once the frame is complete.
type AutoThreshold struct {
	l    *Layout
	data []byte
	out  line
}

// NewAutoThreshold returns an AutoThreshold for a LineartFake layout.
func NewAutoThreshold(l *Layout) *AutoThreshold {
	return &AutoThreshold{l: l}
}

func (a *AutoThreshold) Process(w io.Writer, src []byte, lines int) error {
	if err := checkLength(src, lines, a.l.BPL); err != nil {
		return err
	}
	a.data = append(a.data, src[:lines*a.l.BPL]...)
	return nil
}

// Threshold returns the mean of all buffered bytes.
func (a *AutoThreshold) Threshold() int {
	if len(a.data) == 0 {
		return 0
	}
	var sum uint64
	for _, b := range a.data {
		sum += uint64(b)
	}
	return int(sum / uint64(len(a.data)))
}

func (a *AutoThreshold) Finish(w io.Writer) error {
	l := a.l
	threshold := a.Threshold()
	for off := 0; off+l.BPL <= len(a.data); off += l.BPL {
		a.out = appendThresholded(a.out, l, a.data[off:off+l.BPL], threshold)
		if err := a.out.flush(w); err != nil {
			return err
		}
	}
	a.data = nil
	return nil
}
