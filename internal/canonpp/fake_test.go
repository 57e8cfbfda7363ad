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

package canonpp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stapelberg/scancore/internal/parport"
	"github.com/stapelberg/scancore/internal/reshuffle"
)

// fakePort simulates a scanner behind a parallel port. The wake-up
// handshake is a small state machine driven by the control lines; commands
// are answered by replacing the pending reply, which the scanner's reads
// then consume.
type fakePort struct {
	caps parport.Capability
	// wakeData is the data pattern which wakes the scanner: 0xcc for
	// 30P models, 0xaa for the FB620P.
	wakeData byte
	// rejectECP answers init commands sent in ECP mode as invalid.
	rejectECP bool

	id        string
	headWidth int
	gamma     [32]byte
	// samples are the 10 bit values of the red, green and blue runs of
	// every scan line, and of calibration scans (black, then colours).
	samples   [3]uint16
	calBlack  uint16
	calColour [3]uint16
	// busy is the number of busy replies before a scan is accepted.
	busy int
	// headerSize overrides the size in packet headers if nonzero.
	headerSize int
	// forceWidth overrides the scan width the scanner computes.
	forceWidth int

	state    int
	ctl      byte
	mode     parport.Mode
	reply    []byte
	claimed  bool
	released int
	closed   int

	writes       [][]byte
	gammaUploads [][]byte
	expectGamma  bool
	// packet is the parameter block of the last scan.
	packet []byte
	width  int
	colour bool
}

func newFakePort(id string, headWidth int) *fakePort {
	return &fakePort{
		caps:      parport.CapCompat | parport.CapNibble | parport.CapECP,
		wakeData:  0xcc,
		id:        id,
		headWidth: headWidth,
		samples:   [3]uint16{0x3fc, 0x200, 0x40},
		calBlack:  100,
		calColour: [3]uint16{900, 800, 700},
	}
}

func (f *fakePort) Name() string { return "parport0" }
func (f *fakePort) Capabilities() parport.Capability { return f.caps }

func (f *fakePort) Claim() error {
	f.claimed = true
	return nil
}

func (f *fakePort) Release() error {
	f.claimed = false
	f.released++
	return nil
}

func (f *fakePort) Close() error {
	f.closed++
	return nil
}

// Wake-up states.
const (
	asleep = iota
	patternSeen
	replied
	awake
)

func (f *fakePort) Status() (byte, error) {
	var s byte
	switch f.state {
	case asleep:
		s = statusIdle
	case patternSeen:
		if f.ctl&hostBusy == 0 {
			f.state = replied
			s = 0x0c
		} else {
			s = 0x03
		}
	case replied:
		if f.ctl&hostBusy != 0 {
			f.state = awake
			s = 0x0b
		} else {
			s = 0x0c
		}
	case awake:
		s = 0x0b
		if f.mode == parport.Nibble {
			// Data available, acknowledged, no paper error.
			s = nAck
		}
	}
	return s << 3, nil
}

func (f *fakePort) SetControl(c byte) error {
	f.ctl = c
	return nil
}

func (f *fakePort) SetData(d byte) error {
	if f.state == asleep && d == f.wakeData {
		f.state = patternSeen
	}
	return nil
}

func (f *fakePort) Negotiate(m parport.Mode) error {
	f.mode = m
	return nil
}

func (f *fakePort) Terminate() error {
	f.mode = parport.Compat
	return nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.mode == parport.Compat {
		return 0, errors.New("read in compatibility mode")
	}
	n := copy(p, f.reply)
	f.reply = f.reply[n:]
	return n, nil
}

var (
	readyReply   = []byte{0x06, 0x06}
	invalidReply = []byte{0x15, 0x15}
	busyReply    = []byte{0x14, 0x14}
)

func (f *fakePort) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	if f.expectGamma {
		f.expectGamma = false
		f.gammaUploads = append(f.gammaUploads, append([]byte(nil), p...))
		f.reply = readyReply
		return len(p), nil
	}
	f.reply = nil
	switch {
	case p[0] == 0xec:
		f.reply = readyReply
		if f.rejectECP && f.mode == parport.ECP {
			f.reply = invalidReply
		}
	case p[0] == 0xfe:
		id := make([]byte, idLength)
		copy(id[8:], f.id)
		f.reply = append(readyReply, id...)
	case p[0] == 0xf3 && p[1] == 0x20:
		info := make([]byte, infoLength)
		binary.BigEndian.PutUint16(info[2:], uint16(f.headWidth))
		info[11] = check8(info[:11])
		f.reply = append(readyReply, info...)
	case p[0] == 0xde:
		if f.busy > 0 {
			f.busy--
			f.reply = busyReply
			break
		}
		f.reply = readyReply
		f.scanParams(p[10:])
	case p[0] == 0xf3 && p[1] == 0x21:
		var info [6]byte
		binary.BigEndian.PutUint16(info[0:], uint16(lineBytes(f.width, f.colour)))
		binary.BigEndian.PutUint16(info[2:], uint16(f.height()))
		info[5] = check8(info[:5])
		f.reply = append(readyReply, info[:]...)
	case p[0] == 0xd4:
		size := int(binary.BigEndian.Uint16(p[7:])) - 4
		hdr := []byte{0, 0, byte(size >> 8), byte(size)}
		if f.headerSize != 0 {
			binary.BigEndian.PutUint16(hdr[2:], uint16(f.headerSize))
		}
		f.reply = append(append(append([]byte(nil), readyReply...), hdr...), f.scanData(size)...)
	case p[0] == 0xf8:
		f.reply = append(readyReply, f.calData(int(binary.BigEndian.Uint16(p[7:])), f.calBlack)...)
	case p[0] == 0xf9:
		f.reply = append(readyReply, f.calData(int(binary.BigEndian.Uint16(p[7:])), f.calColour[p[3]-1])...)
	case p[0] == 0xf6:
		f.reply = append(readyReply, f.gamma[:]...)
	case p[0] == 0xe6:
		f.expectGamma = true
	case p[0] == 0x1b:
		// Back to transparent mode.
		f.reply = readyReply
		f.state = asleep
	default:
		// init scan, clear gamma, abort, scan end
		f.reply = readyReply
	}
	return len(p), nil
}

func (f *fakePort) scanParams(b []byte) {
	f.packet = append([]byte(nil), b...)
	natural := 600
	if b[0] == 0x11 {
		natural = 300
	}
	dpi := int(b[4]&0x0f)<<8 | int(b[5])
	f.width = int(binary.BigEndian.Uint32(b[16:])) * dpi / natural
	f.colour = b[24] == 0x08
	if f.forceWidth != 0 {
		f.width = f.forceWidth
	}
}

func (f *fakePort) height() int {
	natural := 600
	if f.packet[0] == 0x11 {
		natural = 300
	}
	dpi := int(f.packet[4]&0x0f)<<8 | int(f.packet[5])
	return int(binary.BigEndian.Uint32(f.packet[20:])) * dpi / natural
}

func (f *fakePort) scanData(size int) []byte {
	var line []byte
	channels := 1
	if f.colour {
		channels = 3
	}
	for c := 0; c < channels; c++ {
		run := make([]uint16, f.width)
		for i := range run {
			run[i] = f.samples[c]
		}
		line = append(line, reshuffle.Pack10(run)...)
	}
	return bytes.Repeat(line, size/len(line))
}

func (f *fakePort) calData(size int, v uint16) []byte {
	run := make([]uint16, f.headWidth)
	for i := range run {
		run[i] = v
	}
	line := reshuffle.Pack10(run)
	return bytes.Repeat(line, size/len(line))
}

// sent returns the commands written with the given first byte.
func (f *fakePort) sent(op byte) [][]byte {
	var cmds [][]byte
	for _, w := range f.writes {
		if len(w) > 0 && w[0] == op {
			cmds = append(cmds, w)
		}
	}
	return cmds
}

// noSleep makes the protocol delays return immediately.
func noSleep(t *testing.T) {
	old := sleep
	sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { sleep = old })
}
