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
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/logging"
	"github.com/stapelberg/scancore/internal/parport"
	"github.com/stapelberg/scancore/internal/reshuffle"
)

// Commands. The first two bytes select the operation; bytes 7 and 8 hold
// the length of the reply where there is one.
var (
	cmdInit       = [10]byte{0xec, 0x20}
	cmdReadID     = [10]byte{0xfe, 0x20, 0, 0, 0, 0, 0, 0, 0x26, 0}
	cmdReadInfo   = [10]byte{0xf3, 0x20, 0, 0, 0, 0, 0, 0, 0x0c, 0}
	cmdInitScan   = [10]byte{0xde, 0x20, 0, 0, 0, 0, 0, 0, 0x2e, 0}
	cmdBufStatus  = [10]byte{0xf3, 0x21, 0, 0, 0, 0, 0, 0, 0x06, 0}
	cmdPacketReq  = [10]byte{0xd4, 0x20, 0, 0, 0, 0, 0, 0x09, 0x64, 0}
	cmdScanEnd    = [10]byte{0x1b, '*', 'S', 'C', 'A', 'N', 'E', 'N', 'D', '\r'}
	cmdCalBlack   = [10]byte{0xf8, 0x20, 0, 0, 0, 0, 0, 0x4a, 0xc4, 0}
	cmdClearGamma = [10]byte{0xc5, 0x20}
	cmdReadGamma  = [10]byte{0xf6, 0x20, 0, 0, 0, 0, 0, 0, 0x20, 0}
	cmdCalColour  = [10]byte{0xf9, 0x20, 0, 0, 0, 0, 0, 0x4a, 0xc4, 0}
	cmdAbort      = [10]byte{0xef, 0x20}
	cmdSetGamma   = [10]byte{0xe6, 0x20, 0, 0, 0, 0, 0, 0, 0x20, 0}
)

// scanTemplate is the parameter block following cmdInitScan.
var scanTemplate = [45]byte{
	0x11, 0x2c, 0x11, 0x2c, 0x10, 0x4b, 0x10, 0x4b, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0x08, 0x08, 0x01, 0x01, 0x80, 0x01,
	0x80, 0x80, 0x02, 0, 0, 0xc1, 0, 0x08, 0x01, 0x01,
	0, 0, 0, 0, 0,
}

const (
	idLength   = 38
	infoLength = 12
	gammaSize  = 32
)

// Hardware describes a scanner model.
type Hardware struct {
	Name string
	// NaturalXRes and NaturalYRes are the optical resolutions as an
	// exponent: dpi = 75 << n.
	NaturalXRes, NaturalYRes int
	// BedLength is the scan bed length in lines at optical resolution.
	BedLength int
	// HeadWidth is the number of sensor elements. 0 means the width
	// reported by the scanner is used.
	HeadWidth int
	// Type 0 are the FB320P and FB620P, which read 8 calibration lines.
	Type int
}

var hardware = []struct {
	id string
	hw Hardware
}{
	{"CANON   IX-03055C", Hardware{"FB320P", 2, 2, 3508, 2552, 0}},
	{"CANON   IX-06025C", Hardware{"FB620P", 3, 3, 7016, 5104, 0}},
	{"CANON   IX-03075E", Hardware{"FB330P", 2, 2, 3508, 0, 1}},
	{"CANON   IX-06075E", Hardware{"FB630P", 3, 3, 7016, 0, 1}},
	{"CANON   IX-03095G", Hardware{"N340P", 2, 2, 3508, 0, 1}},
	{"CANON   IX-06115G", Hardware{"N640P", 3, 3, 7016, 0, 1}},
}

var (
	unknown600 = Hardware{"Unknown 600dpi", 3, 3, 7016, 0, 1}
	unknown300 = Hardware{"Unknown 300dpi", 2, 2, 3508, 0, 1}
	unknownAny = Hardware{"Unknown (600dpi?)", 3, 3, 7016, 0, 1}
)

// lookupHardware classifies a scanner by its id string, falling back to
// the sensor width.
func lookupHardware(id string, headWidth int) Hardware {
	for _, h := range hardware {
		if strings.HasPrefix(id, h.id) {
			return h.hw
		}
	}
	switch headWidth {
	case 5104:
		return unknown600
	case 2552:
		return unknown300
	}
	return unknownAny
}

// Scanner is an initialised scanner on a claimed port.
type Scanner struct {
	l   *link
	log *logging.Logger

	// ID is the identification string, e.g. "CANON   IX-06075E".
	ID string
	Hardware
	// Weights is the calibration in use, nil if uncalibrated.
	Weights *Weights

	abortNow atomic.Bool
}

// Initialise wakes the scanner and reads its identity. The reverse channel
// falls back to nibble mode if the scanner does not accept mode.
func Initialise(ctx context.Context, p parport.Port, mode parport.Mode, init InitMode, log *logging.Logger) (*Scanner, error) {
	if log == nil {
		log = logging.Discard()
	}
	s := &Scanner{l: newLink(p, mode), log: log}
	if err := s.l.wake(ctx, init); err != nil {
		return nil, fmt.Errorf("waking scanner: %w", err)
	}
	if err := s.l.scannerInit(ctx); err != nil {
		if mode == parport.Nibble {
			return nil, fmt.Errorf("initialising scanner: %w", err)
		}
		log.Warn("scanner init failed, falling back to nibble mode", "mode", mode, "err", err)
		s.l.mode = parport.Nibble
		if err := s.l.scannerInit(ctx); err != nil {
			return nil, fmt.Errorf("initialising scanner: %w", err)
		}
	}

	id := make([]byte, idLength)
	if err := s.l.sendCommand(ctx, cmdReadID[:], 10*time.Millisecond, 100*time.Millisecond); err != nil {
		return nil, err
	}
	if err := s.l.read(ctx, id); err != nil {
		return nil, fmt.Errorf("reading id: %w", err)
	}
	// The vendor and product fields start at byte 8.
	id = id[8:]
	if i := bytes.IndexByte(id, 0); i >= 0 {
		id = id[:i]
	}
	s.ID = strings.TrimRight(string(id), " ")

	info := make([]byte, infoLength)
	if err := s.l.sendCommand(ctx, cmdReadInfo[:], 10*time.Millisecond, 100*time.Millisecond); err != nil {
		return nil, err
	}
	if err := s.l.read(ctx, info); err != nil {
		return nil, fmt.Errorf("reading info block: %w", err)
	}
	if check8(info) != 0 {
		return nil, fmt.Errorf("info block: %w", scancore.ErrChecksum)
	}
	headWidth := int(binary.BigEndian.Uint16(info[2:]))
	s.Hardware = lookupHardware(s.ID, headWidth)
	if s.HeadWidth == 0 {
		s.HeadWidth = headWidth
	}
	return s, nil
}

// scannerInit sends the init command until the scanner reports ready.
func (l *link) scannerInit(ctx context.Context) error {
	if err := l.port.Negotiate(parport.Nibble); err != nil {
		return err
	}
	if err := l.port.Terminate(); err != nil {
		return err
	}
	if err := l.write(cmdInit[:]); err != nil {
		return err
	}
	// The FB620P answers the first init with an error.
	if _, err := l.checkStatus(ctx); err != nil {
		return err
	}
	for tries := 0; ; tries++ {
		if err := l.write(cmdInit[:]); err != nil {
			return err
		}
		st, err := l.checkStatus(ctx)
		if err != nil {
			return err
		}
		if st == statusReady {
			return nil
		}
		if tries == 2 {
			return fmt.Errorf("%w: scanner %v after init", scancore.ErrNotReady, st)
		}
		if err := sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
}

// Mode returns the reverse channel mode in use.
func (s *Scanner) Mode() parport.Mode { return s.l.mode }

// ScanParams is the geometry of a scan in pixels at the scan resolution.
type ScanParams struct {
	Width, Height    int
	XOffset, YOffset int
	// XRes and YRes are resolution exponents: dpi = 75 << n.
	XRes, YRes int
	Colour     bool
}

// lineBytes returns the size of one packed line of width pixels.
func lineBytes(width int, colour bool) int {
	if colour {
		return width * 15 / 4
	}
	return width * 5 / 4
}

// setupParams fills the 45 byte parameter block for sp.
func (s *Scanner) setupParams(buf []byte, sp *ScanParams) {
	if s.HeadWidth == 2552 {
		copy(buf, []byte{0x11, 0x2c, 0x11, 0x2c})
	} else {
		copy(buf, []byte{0x12, 0x58, 0x12, 0x58})
	}
	shift := s.NaturalXRes - sp.XRes
	res := 75 << sp.XRes
	buf[4] = byte(res>>8) | 0x10
	buf[5] = byte(res)
	buf[6] = buf[4]
	buf[7] = buf[5]
	binary.BigEndian.PutUint32(buf[8:], uint32(sp.XOffset<<shift))
	binary.BigEndian.PutUint32(buf[12:], uint32(sp.YOffset<<shift))
	binary.BigEndian.PutUint32(buf[16:], uint32(sp.Width<<shift))
	binary.BigEndian.PutUint32(buf[20:], uint32(sp.Height<<shift))
	if sp.Colour {
		buf[24] = 0x08
	} else {
		buf[24] = 0x04
	}
}

// InitScan starts a scan. If the scanner computed a different image size,
// sp is updated to what the scanner will deliver.
func (s *Scanner) InitScan(ctx context.Context, sp *ScanParams) error {
	var packet [56]byte
	copy(packet[:], cmdInitScan[:])
	copy(packet[10:], scanTemplate[:])
	s.setupParams(packet[10:55], sp)
	packet[55] = check8(packet[10:55])

	if err := s.l.sendCommand(ctx, packet[:], 50*time.Millisecond, time.Second); err != nil {
		return fmt.Errorf("sending scan parameters: %w", err)
	}
	if err := s.l.sendCommand(ctx, cmdBufStatus[:], 50*time.Millisecond, time.Second); err != nil {
		return fmt.Errorf("requesting buffer info: %w", err)
	}
	var info [6]byte
	if err := s.l.read(ctx, info[:]); err != nil {
		return fmt.Errorf("reading buffer info: %w", err)
	}
	if check8(info[:]) != 0 {
		s.log.Warn("checksum error in buffer info block")
	}
	trueSize := int(binary.BigEndian.Uint16(info[0:]))
	trueCount := int(binary.BigEndian.Uint16(info[2:]))
	if want := lineBytes(sp.Width, sp.Colour); trueSize != want || trueCount != sp.Height {
		s.log.Info("scanner produces an image of unexpected size",
			"want_bytes", want, "want_lines", sp.Height,
			"bytes", trueSize, "lines", trueCount)
		if sp.Colour {
			sp.Width = trueSize * 4 / 15
		} else {
			sp.Width = trueSize * 4 / 5
		}
		sp.Height = trueCount
	}
	return nil
}

// Segment is a block of scan lines as big endian 16 bit samples. Colour
// pixels are in B, G, R order.
type Segment struct {
	Width, Lines int
	Colour       bool
	Data         []byte
}

// RequestAbort makes the pending or next ReadSegment or Calibrate fail
// with scancore.ErrCancelled at the next point where the scanner can be
// left safely.
func (s *Scanner) RequestAbort() { s.abortNow.Store(true) }

// ReadSegment reads the next lines lines of the scan. linesLeft is the
// number of lines not yet read, including these; if at least two more
// segments are left, the next one is requested before this one is
// converted.
func (s *Scanner) ReadSegment(ctx context.Context, sp *ScanParams, lines, linesLeft int, adjust bool) (*Segment, error) {
	size := lineBytes(sp.Width, sp.Colour) * lines
	req := cmdPacketReq
	binary.BigEndian.PutUint16(req[7:], uint16(size+4))
	if err := s.l.sendCommand(ctx, req[:], 9*time.Millisecond, 2*time.Second); err != nil {
		return nil, fmt.Errorf("requesting %d lines: %w", lines, err)
	}
	var hdr [4]byte
	if err := s.l.read(ctx, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading packet header: %w", err)
	}
	if got := int(binary.BigEndian.Uint16(hdr[2:])); got != size {
		return nil, fmt.Errorf("%w: packet of %d bytes, want %d", scancore.ErrIO, got, size)
	}
	raw := make([]byte, size)
	if err := s.l.read(ctx, raw); err != nil {
		return nil, fmt.Errorf("reading %d lines: %w", lines, err)
	}
	if s.abortNow.Swap(false) {
		return nil, scancore.ErrCancelled
	}
	if linesLeft >= 2*lines {
		// The scanner answers once the data is ready; the status is
		// read by the next sendCommand.
		if err := s.l.write(req[:]); err != nil {
			return nil, err
		}
	}

	channels := 1
	if sp.Colour {
		channels = 3
	}
	seg := &Segment{
		Width:  sp.Width,
		Lines:  lines,
		Colour: sp.Colour,
		Data:   make([]byte, sp.Width*lines*channels*2),
	}
	if err := reshuffle.CanonRGB(seg.Data, raw, sp.Width, lines, sp.Colour); err != nil {
		return nil, err
	}
	if adjust && s.Weights != nil {
		if err := s.adjustOutput(seg, sp); err != nil {
			return nil, err
		}
	}
	return seg, nil
}

// adjustOutput applies the calibration weights to seg.
func (s *Scanner) adjustOutput(seg *Segment, sp *ScanParams) error {
	w := s.Weights
	shift := s.NaturalXRes - sp.XRes
	channels := 1
	// Weights by position within a pixel.
	white := [][]uint64{w.Green}
	if seg.Colour {
		channels = 3
		white = [][]uint64{w.Blue, w.Green, w.Red}
	}
	for line := 0; line < seg.Lines; line++ {
		for px := 0; px < seg.Width; px++ {
			ccd := px<<shift + 1<<shift - 1 + sp.XOffset<<shift
			if ccd >= len(w.Black) {
				return fmt.Errorf("%w: pixel %d maps to sensor %d of %d", scancore.ErrInvalid, px, ccd, len(w.Black))
			}
			lo := w.Black[ccd] * 3
			for c := 0; c < channels; c++ {
				hi := white[c][ccd] * 3
				if hi <= lo {
					return fmt.Errorf("%w: sensor %d: white %d, black %d", scancore.ErrBadCalibration, ccd, hi, lo)
				}
				off := ((line*seg.Width+px)*channels + c) * 2
				v := uint64(binary.BigEndian.Uint16(seg.Data[off:])>>6) * 54
				v = min(max(v, lo), hi)
				v = min((v-lo)*65536/(hi-lo), 65535)
				binary.BigEndian.PutUint16(seg.Data[off:], uint16(v))
			}
		}
	}
	return nil
}

const calibrationReads = 3

// Calibrate reads the black level, lets the scanner compute its gamma
// table and reads the white level of each colour. The result becomes the
// scanner's Weights.
func (s *Scanner) Calibrate(ctx context.Context) (*Weights, error) {
	lineSize := lineBytes(s.HeadWidth, false)
	lineCount := 6
	if s.Type == 0 {
		lineCount = 8
	}
	if s.abortNow.Swap(false) {
		return nil, scancore.ErrCancelled
	}
	w := &Weights{
		Black: make([]uint64, s.HeadWidth),
		Red:   make([]uint64, s.HeadWidth),
		Green: make([]uint64, s.HeadWidth),
		Blue:  make([]uint64, s.HeadWidth),
	}

	s.log.Info("calibrating black level", "width", s.HeadWidth, "lines", lineCount)
	cmd := cmdCalBlack
	binary.BigEndian.PutUint16(cmd[7:], uint16(lineSize*lineCount))
	sums, err := s.calibrationScan(ctx, cmd[:], lineSize, lineCount)
	if err != nil {
		return nil, fmt.Errorf("black level: %w", err)
	}
	for i, sum := range sums {
		// Normalised to 6 lines per read.
		w.Black[i] = sum * 6 / uint64(lineCount) >> 6
	}
	lineCount = 6

	if s.abortNow.Swap(false) {
		return nil, scancore.ErrCancelled
	}
	s.log.Info("creating gamma tables")
	if err := s.l.sendCommand(ctx, cmdClearGamma[:], 100*time.Millisecond, 5*time.Second); err != nil {
		return nil, fmt.Errorf("clearing gamma: %w", err)
	}
	if err := sleep(ctx, 15*time.Second); err != nil {
		return nil, err
	}
	if err := s.l.sendCommand(ctx, cmdReadGamma[:], 100*time.Millisecond, 10*time.Second); err != nil {
		return nil, fmt.Errorf("requesting gamma: %w", err)
	}
	if err := s.l.read(ctx, w.Gamma[:]); err != nil {
		return nil, fmt.Errorf("reading gamma: %w", err)
	}

	cmd = cmdCalColour
	binary.BigEndian.PutUint16(cmd[7:], uint16(lineSize*lineCount))
	for colour, dst := range [][]uint64{w.Red, w.Green, w.Blue} {
		s.log.Info("calibrating sensors", "colour", colour+1)
		cmd[3] = byte(colour + 1)
		sums, err := s.calibrationScan(ctx, cmd[:], lineSize, lineCount)
		if err != nil {
			return nil, fmt.Errorf("colour %d: %w", colour+1, err)
		}
		for i, sum := range sums {
			dst[i] = sum >> 6
		}
	}
	if s.abortNow.Swap(false) {
		return nil, scancore.ErrCancelled
	}
	s.Weights = w
	return w, nil
}

// calibrationScan reads lineCount gray lines calibrationReads times and
// returns the per-sensor sums of the 16 bit samples.
func (s *Scanner) calibrationScan(ctx context.Context, cmd []byte, lineSize, lineCount int) ([]uint64, error) {
	sums := make([]uint64, s.HeadWidth)
	samples := make([]uint16, s.HeadWidth)
	buf := make([]byte, lineSize*lineCount)
	for read := 0; read < calibrationReads; read++ {
		if s.abortNow.Swap(false) {
			return nil, scancore.ErrCancelled
		}
		if err := s.l.sendCommand(ctx, cmd, 100*time.Millisecond, 5*time.Second); err != nil {
			return nil, err
		}
		if err := s.l.read(ctx, buf); err != nil {
			return nil, err
		}
		for line := 0; line < lineCount; line++ {
			if err := reshuffle.Unpack10(samples, buf[line*lineSize:]); err != nil {
				return nil, err
			}
			for i, v := range samples {
				sums[i] += uint64(v)
			}
		}
	}
	return sums, nil
}

// AdjustGamma uploads the gamma table of the current weights.
func (s *Scanner) AdjustGamma(ctx context.Context) error {
	if s.Weights == nil {
		return fmt.Errorf("%w: scanner is not calibrated", scancore.ErrInvalid)
	}
	g := &s.Weights.Gamma
	g[gammaSize-1] = check8(g[:gammaSize-1])
	if err := s.l.write(cmdSetGamma[:]); err != nil {
		return err
	}
	if err := s.l.write(g[:]); err != nil {
		return err
	}
	st, err := s.l.checkStatus(ctx)
	if err != nil {
		return err
	}
	if st != statusReady {
		s.log.Warn("uploading gamma table", "status", st.String())
	}
	return nil
}

// Abort stops a scan in progress.
func (s *Scanner) Abort(ctx context.Context) error {
	if err := s.l.write(cmdAbort[:]); err != nil {
		return err
	}
	_, err := s.l.checkStatus(ctx)
	return err
}

// Sleep returns the scanner to transparent mode, passing the port through
// to an attached printer.
func (s *Scanner) Sleep(ctx context.Context) error {
	return s.l.scanEnd(ctx)
}

func (l *link) scanEnd(ctx context.Context) error {
	if err := l.write(cmdScanEnd[:]); err != nil {
		return err
	}
	if _, err := l.checkStatus(ctx); err != nil {
		return err
	}
	return l.port.Terminate()
}
