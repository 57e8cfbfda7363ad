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
)

type chunky struct {
	l    *Layout
	junk int
	out  line
}

func newChunky(l *Layout) *chunky {
	c := &chunky{l: l}
	pad := (l.PPL*l.BitsIn + 7) / 8 % 2
	if l.Offset2 && pad == 1 {
		c.junk = 2
	}
	return c
}

func (c *chunky) Process(w io.Writer, src []byte, lines int) error {
	l := c.l
	if err := checkLength(src, lines, l.BPL); err != nil {
		return err
	}
	n := 3 * l.PPL
	if l.Depth > 8 {
		n *= 2
	}
	if c.junk+n > l.BPL {
		return fmt.Errorf("%w: %d byte lines cannot hold %d pixels", scancore.ErrIO, l.BPL, l.PPL)
	}
	for i := 0; i < lines; i++ {
		from := src[i*l.BPL+c.junk:]
		switch {
		case l.Depth > 8 && !l.Transfer16:
			for s := 0; s < 3*l.PPL; s++ {
				v := binary.NativeEndian.Uint16(from[2*s:])
				c.out = binary.NativeEndian.AppendUint16(c.out, Rotate16(v, l.Depth))
			}
		case l.Depth >= 8:
			c.out = append(c.out, from[:n]...)
		default:
			return fmt.Errorf("%w: chunky data with depth %d", scancore.ErrUnsupportedFormat, l.Depth)
		}
		if err := c.out.flush(w); err != nil {
			return err
		}
	}
	return nil
}

type concatenated struct {
	l   *Layout
	out line
}

func (c *concatenated) Process(w io.Writer, src []byte, lines int) error {
	l := c.l
	if err := checkLength(src, lines, l.BPL); err != nil {
		return err
	}
	if l.Depth < 8 {
		return fmt.Errorf("%w: line-per-color data with depth %d", scancore.ErrUnsupportedFormat, l.Depth)
	}
	bpp := l.BitsOut / 8
	if bpp < 1 {
		bpp = 1
	}
	third := l.BPL / 3
	var start [3]int
	step := bpp
	for color := range start {
		if l.RTOL {
			start[color] = (l.ColorSequence[color]+1)*third - bpp - (l.BPL-3*l.PPL*bpp)/3
		} else {
			start[color] = l.ColorSequence[color] * third
		}
	}
	if l.RTOL {
		step = -bpp
	}
	for i := 0; i < lines; i++ {
		row := src[i*l.BPL : (i+1)*l.BPL]
		for pixel := 0; pixel < l.PPL; pixel++ {
			for color := 0; color < 3; color++ {
				off := start[color] + pixel*step
				if off < 0 || off+bpp > len(row) {
					return fmt.Errorf("%w: pixel %d of color %d outside the line", scancore.ErrIO, pixel, color)
				}
				val := l.sample(row, off)
				val = l.correct(val, l.ColorSequence[color], color, pixel)
				c.out.put(l, color, val)
			}
		}
		if err := c.out.flush(w); err != nil {
			return err
		}
	}
	return nil
}

type wordChunky struct {
	l   *Layout
	out line
}

func (c *wordChunky) Process(w io.Writer, src []byte, lines int) error {
	l := c.l
	if err := checkLength(src, lines, l.BPL); err != nil {
		return err
	}
	for i := 0; i < lines; i++ {
		from := src[i*l.BPL : (i+1)*l.BPL]
		switch {
		case l.Depth > 8:
			if 6*l.PPL > len(from) {
				return fmt.Errorf("%w: %d byte lines cannot hold %d pixels", scancore.ErrIO, l.BPL, l.PPL)
			}
			for s := 0; s < 3*l.PPL; s++ {
				v := binary.NativeEndian.Uint16(from[2*s:])
				c.out = binary.NativeEndian.AppendUint16(c.out, Rotate16(v, l.Depth))
			}
		case l.Depth == 8:
			if (l.PPL+1)/2*6 > len(from) {
				return fmt.Errorf("%w: %d byte lines cannot hold %d pixels", scancore.ErrIO, l.BPL, l.PPL)
			}
			for pixel := 0; pixel < l.PPL; from = from[6:] {
				c.out = append(c.out, from[0], from[2], from[4])
				pixel++
				if pixel < l.PPL {
					c.out = append(c.out, from[1], from[3], from[5])
					pixel++
				}
			}
		default:
			return fmt.Errorf("%w: word chunky data with depth %d", scancore.ErrUnsupportedFormat, l.Depth)
		}
		if err := c.out.flush(w); err != nil {
			return err
		}
	}
	return nil
}

// planeQueue holds the frames of one color which arrived ahead of the
// other colors of their line.
type planeQueue struct {
	arena []byte
	size  int
	limit int
	head  int
	n     int
}

func (q *planeQueue) slots() int { return len(q.arena) / q.size }

func (q *planeQueue) grow() {
	slots := max(2*q.slots(), 4)
	if q.limit > 0 {
		slots = min(slots, q.limit)
	}
	arena := make([]byte, slots*q.size)
	for i := 0; i < q.n; i++ {
		copy(arena[i*q.size:], q.frame(i))
	}
	q.arena = arena
	q.head = 0
}

func (q *planeQueue) frame(i int) []byte {
	idx := (q.head + i) % q.slots()
	return q.arena[idx*q.size : (idx+1)*q.size]
}

func (q *planeQueue) push(p []byte) error {
	if q.n == q.slots() {
		if q.limit > 0 && q.n >= q.limit {
			return fmt.Errorf("%w: more than %d frames held for one color", scancore.ErrIO, q.limit)
		}
		q.grow()
	}
	q.n++
	copy(q.frame(q.n-1), p)
	return nil
}

func (q *planeQueue) front() []byte { return q.frame(0) }

func (q *planeQueue) pop() {
	q.head = (q.head + 1) % q.slots()
	q.n--
}

// markers are the color indicators of segregated frames.
var markers = [3]byte{'R', 'G', 'B'}

type segregated struct {
	l        *Layout
	frameLen int
	bppIn    int
	planes   [3]planeQueue
	out      line
}

// segregatedHeader is the size of the color indicator in front of each
// frame.
const segregatedHeader = 2

func newSegregated(l *Layout) (*segregated, error) {
	s := &segregated{
		l:        l,
		frameLen: l.BPL / 3,
		bppIn:    (l.BitsIn + 7) / 8,
	}
	if s.bppIn < 1 {
		s.bppIn = 1
	}
	data := l.PPL * s.bppIn
	if segregatedHeader+data > s.frameLen {
		return nil, fmt.Errorf("%w: %d byte frames cannot hold %d pixels", scancore.ErrUnsupportedFormat, s.frameLen, l.PPL)
	}
	for color := range s.planes {
		s.planes[color] = planeQueue{size: data, limit: l.HoldLines}
	}
	return s, nil
}

func (s *segregated) Process(w io.Writer, src []byte, lines int) error {
	l := s.l
	if err := checkLength(src, lines, l.BPL); err != nil {
		return err
	}
	if l.Depth < 8 {
		return fmt.Errorf("%w: segregated data with depth %d", scancore.ErrUnsupportedFormat, l.Depth)
	}
	data := l.PPL * s.bppIn
	for frame := 0; frame < 3*lines; frame++ {
		f := src[frame*s.frameLen : (frame+1)*s.frameLen]
		color := -1
		for c, m := range markers {
			if f[0] == m {
				color = c
			}
		}
		if color == -1 {
			return fmt.Errorf("%w: unknown color indicator 0x%02x in frame %d", scancore.ErrIO, f[0], frame)
		}
		if err := s.planes[color].push(f[segregatedHeader : segregatedHeader+data]); err != nil {
			return err
		}
	}

	last := l.ColorSequence[2]
	for s.planes[last].n > 0 {
		for color := range s.planes {
			if s.planes[color].n == 0 {
				return fmt.Errorf("%w: %v frame missing for a complete line", scancore.ErrIO, string(markers[color]))
			}
		}
		s.copyLine()
		for color := range s.planes {
			s.planes[color].pop()
		}
		if err := s.out.flush(w); err != nil {
			return err
		}
	}
	return nil
}

func (s *segregated) copyLine() {
	l := s.l
	for pixel := 0; pixel < l.PPL; pixel++ {
		for color := range s.planes {
			pos := pixel
			if l.RTOL {
				pos = l.PPL - 1 - pixel
			}
			val := l.sample(s.planes[color].front(), pos*s.bppIn)
			val = l.correct(val, color, color, pixel)
			s.out.put(l, color, val)
		}
	}
}
