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
	"context"
	"encoding/binary"
	"sync"

	"github.com/stapelberg/scancore"
)

// command is one command received by fakeTransport.
type command struct {
	cdb  []byte
	data []byte
}

// fakeTransport simulates a scanner which accepts every command.
type fakeTransport struct {
	mu sync.Mutex

	inquiry    []byte
	attributes map[byte][]byte // by media
	status     []byte
	// imageInfo is returned by READ IMAGE INFO, in order. The last entry
	// repeats.
	imageInfo []ImageInfo
	// image generates the bytes of READ IMAGE transfers.
	image       func(off int) byte
	imageOff    int
	controlBits []byte
	shading     func(off int) byte

	// failImage fails READ IMAGE transfers after the given number of
	// bytes, when non-zero.
	failImage int

	commands []command
	closed   int
}

func (f *fakeTransport) Command(ctx context.Context, cdb, dataOut, dataIn []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.commands = append(f.commands, command{
		cdb:  append([]byte(nil), cdb...),
		data: append([]byte(nil), dataOut...),
	})
	switch cdb[0] {
	case 0x12: // INQUIRY
		return copy(dataIn, f.inquiry), nil
	case 0x28: // READ
		switch cdb[2] {
		case 0x82:
			return copy(dataIn, f.attributes[cdb[5]]), nil
		case 0x81:
			return copy(dataIn, f.status), nil
		case 0x80:
			info := f.imageInfo[0]
			if len(f.imageInfo) > 1 {
				f.imageInfo = f.imageInfo[1:]
			}
			binary.BigEndian.PutUint32(dataIn[0:], uint32(info.PPL))
			binary.BigEndian.PutUint32(dataIn[4:], uint32(info.BPL))
			binary.BigEndian.PutUint32(dataIn[8:], uint32(info.Lines))
			binary.BigEndian.PutUint32(dataIn[12:], uint32(info.RemainingBytes))
			return 16, nil
		case 0x83:
			for i := range dataIn {
				dataIn[i] = 0 // ready
			}
			return len(dataIn), nil
		case 0x90:
			return copy(dataIn, f.controlBits), nil
		case 0x01:
			for i := range dataIn {
				dataIn[i] = f.shading(i)
			}
			return len(dataIn), nil
		case 0x00:
			if f.failImage != 0 && f.imageOff+len(dataIn) > f.failImage {
				return 0, scancore.ErrIO
			}
			for i := range dataIn {
				dataIn[i] = f.image(f.imageOff)
				f.imageOff++
			}
			return len(dataIn), nil
		}
	case 0x2a: // SEND
		if cdb[2] == 0x81 {
			f.status = append([]byte(nil), dataOut...)
		}
		return 0, nil
	case 0x24: // SET WINDOW
		return 0, nil
	}
	return 0, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// sent returns the commands with the given opcode and data type.
func (f *fakeTransport) sent(opcode, dataType byte) []command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cmds []command
	for _, c := range f.commands {
		if c.cdb[0] == opcode && (opcode == 0x24 || c.cdb[2] == dataType) {
			cmds = append(cmds, c)
		}
	}
	return cmds
}

// aborts returns the number of zero length READ IMAGE commands.
func (f *fakeTransport) aborts() int {
	n := 0
	for _, c := range f.sent(0x28, 0x00) {
		if c.cdb[6] == 0 && c.cdb[7] == 0 && c.cdb[8] == 0 {
			n++
		}
	}
	return n
}

func inquiryData(vendor string, code byte, revision string) []byte {
	b := make([]byte, 37)
	b[0] = 0x06 // scanner
	b[2] = 0x02 // SCSI-II
	b[4] = byte(len(b) - 5)
	copy(b[8:16], vendor)
	copy(b[16:32], "SCANMAKER       ")
	copy(b[32:36], revision)
	b[36] = code
	return b
}

// attrs describes a READ ATTRIBUTES result.
type attrs struct {
	format    byte
	rtol      bool
	depth     byte
	modes     byte
	lutCap    byte
	options   byte
	geoWidth  int
	geoHeight int
	optRes    int
	equation  byte
}

func (a attrs) bytes() []byte {
	b := make([]byte, attributesLen)
	b[0] = 0x80 | 0x40 | 0x10 | a.format&0x07 // color, onepass, flatbed
	b[1] = 0<<6 | 1<<4 | 2<<2 | 0x02          // R, G, B; new image status
	if a.rtol {
		b[1] |= 0x01
	}
	binary.BigEndian.PutUint16(b[3:], uint16(2*a.optRes))
	binary.BigEndian.PutUint16(b[5:], uint16(2*a.optRes))
	binary.BigEndian.PutUint16(b[7:], uint16(a.geoWidth))
	binary.BigEndian.PutUint16(b[9:], uint16(a.geoHeight))
	binary.BigEndian.PutUint16(b[11:], uint16(a.optRes))
	b[13] = a.depth<<4 | a.modes
	binary.BigEndian.PutUint16(b[14:], uint16(a.geoWidth))
	b[16] = a.lutCap
	b[18] = a.options
	binary.BigEndian.PutUint32(b[19:], 100) // calib white
	binary.BigEndian.PutUint32(b[23:], 20)  // calib space
	b[29] = a.equation << 2
	binary.BigEndian.PutUint16(b[30:], 255)
	binary.BigEndian.PutUint16(b[32:], 255)
	binary.BigEndian.PutUint16(b[34:], 255)
	return b
}

func defaultAttrs() attrs {
	return attrs{
		format:    1, // chunky
		depth:     Depth12,
		modes:     HasLineart | HasHalftone | HasGray | HasColor,
		lutCap:    Lut4096W,
		geoWidth:  2550,
		geoHeight: 3508,
		optRes:    300,
	}
}

func newFake(code byte, a attrs) *fakeTransport {
	return &fakeTransport{
		inquiry:    inquiryData("MICROTEK", code, "1.00"),
		attributes: map[byte][]byte{0: a.bytes()},
		status:     make([]byte, systemStatusLen),
		image:      func(off int) byte { return byte(off) },
		shading:    func(off int) byte { return 0x80 },
	}
}
