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

	"github.com/stapelberg/scancore"
)

// Packed10Size returns the number of bytes holding n 10 bit samples. Each
// group of 4 samples is stored in 5 bytes: the low bytes of the 4 samples,
// then a byte holding their top 2 bits, first sample in the lowest bits.
func Packed10Size(n int) int {
	return (n + 3) / 4 * 5
}

// Unpack10 decodes len(dst) packed 10 bit samples from src into dst, left
// justified to 16 bits.
func Unpack10(dst []uint16, src []byte) error {
	if need := Packed10Size(len(dst)); len(src) < need {
		return fmt.Errorf("%w: %d packed bytes, need %d", scancore.ErrIO, len(src), need)
	}
	for i := range dst {
		low := uint16(src[i+i/4])
		top := uint16(src[(i/4+1)*5-1]>>(i%4*2)) & 0x03
		dst[i] = (top<<8 | low) << 6
	}
	return nil
}

// Pack10 encodes the low 10 bits of each sample.
func Pack10(samples []uint16) []byte {
	b := make([]byte, Packed10Size(len(samples)))
	for i, v := range samples {
		b[i+i/4] = byte(v)
		b[(i/4+1)*5-1] |= byte(v>>8&0x03) << (i % 4 * 2)
	}
	return b
}

// CanonRGB decodes lines of packed 10 bit scan data into big endian 16 bit
// samples in dst. Colour lines hold a red, a green and a blue run of width
// samples each, which are interleaved into B,G,R pixels.
func CanonRGB(dst, src []byte, width, lines int, colour bool) error {
	colourSize := width * 5 / 4
	lineSize := colourSize
	channels := 1
	if colour {
		lineSize *= 3
		channels = 3
	}
	if len(src) < lines*lineSize {
		return fmt.Errorf("%w: %d bytes of scan data, need %d", scancore.ErrIO, len(src), lines*lineSize)
	}
	if len(dst) < lines*width*channels*2 {
		return fmt.Errorf("%w: output buffer of %d bytes, need %d", scancore.ErrNoMem, len(dst), lines*width*channels*2)
	}
	samples := make([]uint16, width)
	// Byte offsets of red, green and blue within a 6 byte pixel.
	offsets := [3]int{4, 2, 0}
	for line := 0; line < lines; line++ {
		in := src[line*lineSize:]
		out := dst[line*width*channels*2:]
		for c := 0; c < channels; c++ {
			if err := Unpack10(samples, in[c*colourSize:]); err != nil {
				return err
			}
			for i, v := range samples {
				off := 2 * i
				if colour {
					off = 6*i + offsets[c]
				}
				binary.BigEndian.PutUint16(out[off:], v)
			}
		}
	}
	return nil
}
