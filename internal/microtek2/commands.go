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
	"errors"
	"fmt"
	"time"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/scsi"
)

// Color selectors of the image, shading and gamma commands.
const (
	colorRed   = 0
	colorGreen = 1
	colorBlue  = 2
	colorAll   = 3
)

// bigEndian is set on hosts which store 16 bit values most significant
// byte first. The device is told the host byte order in every command
// which transfers 16 bit data.
var bigEndian = binary.NativeEndian.Uint16([]byte{0x00, 0x01}) == 0x0001

func pcormac() byte {
	if bigEndian {
		return 0x80
	}
	return 0x00
}

func put24(b []byte, v int) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func attributesCDB(media byte) []byte {
	return []byte{
		0x28, // SCSI opcode: read (vendor specific data type)
		0x00,
		0x82, // data type: scanner attributes
		0x00,
		0x00,
		media & 0x77,
		0x00,
		0x00,
		attributesLen,
		0x00, // control
	}
}

const attributesLen = 40

// ReadAttributes returns the raw scanner attributes for the media source.
func ReadAttributes(ctx context.Context, t scsi.Transport, src scancore.Source) ([]byte, error) {
	buf := make([]byte, attributesLen)
	n, err := t.Command(ctx, attributesCDB(attributesMedia(src)), nil, buf)
	if err != nil {
		return nil, fmt.Errorf("read attributes (%v): %w", src, err)
	}
	if n < attributesLen {
		return nil, fmt.Errorf("%w: read attributes returned %d bytes, want %d", scancore.ErrIO, n, attributesLen)
	}
	return buf, nil
}

// attributesMedia returns the media code of READ ATTRIBUTES, which differs
// from the media code of SET WINDOW for slides and stripes.
func attributesMedia(src scancore.Source) byte {
	switch src {
	case scancore.ADF:
		return 1
	case scancore.TMA:
		return 2
	case scancore.Slide:
		return 3
	case scancore.Stripe:
		return 4
	}
	return 0
}

func windowMedia(src scancore.Source) byte {
	switch src {
	case scancore.ADF:
		return 1
	case scancore.TMA:
		return 2
	case scancore.Stripe:
		return 5
	case scancore.Slide:
		return 6
	}
	return 0
}

// SystemStatus is the device state transferred by READ and SEND SYSTEM
// STATUS. Lamp, calibration and tracking bits are written back to control
// the next scan.
type SystemStatus struct {
	FirstScan   bool
	AutoFocus   bool
	SkipShading bool
	Stick       bool
	NoTrack     bool // no backtracking
	NoCalib     bool // set while reading the white reference after a dark one
	TLamp       bool // transparency lamp
	FLamp       bool // flatbed lamp
	Reserved17  bool
	FSH         bool
	TEFlag      bool
	WhiteStrip  bool
	ReadyMan    bool
	TReady      bool
	FReady      bool
	ADP         bool
	Detect      bool
	ADPTime     byte
	Lens        byte
	AutoLampOff bool
	TimeRemain  byte // minutes until the lamp is switched off
	MTMACount   bool
	Move        bool
	Lamp        bool
	Eject       bool
	TMACount    bool // a transparency adapter is attached
	Paper       bool
	ADFCount    bool // a document feeder is attached
	Buttons     byte
	CurrentMode byte
	ButtonCount byte
}

const systemStatusLen = 9

func bit(b, mask byte) bool { return b&mask != 0 }

func flag(v bool, mask byte) byte {
	if v {
		return mask
	}
	return 0
}

// decode updates s from a READ SYSTEM STATUS result. Reserved17 is not
// reported by the device and keeps its value.
func (s *SystemStatus) decode(b []byte) {
	s.FirstScan = bit(b[0], 0x80)
	s.AutoFocus = bit(b[0], 0x40)
	s.SkipShading = bit(b[0], 0x20)
	s.Stick = bit(b[0], 0x10)
	s.NoTrack = bit(b[0], 0x08)
	s.NoCalib = bit(b[0], 0x04)
	s.TLamp = bit(b[0], 0x02)
	s.FLamp = bit(b[0], 0x01)

	s.FSH = bit(b[1], 0x20)
	s.TEFlag = bit(b[1], 0x10)
	s.WhiteStrip = bit(b[1], 0x08)
	s.ReadyMan = bit(b[1], 0x04)
	s.TReady = bit(b[1], 0x02)
	s.FReady = bit(b[1], 0x01)

	s.ADP = bit(b[2], 0x80)
	s.Detect = bit(b[2], 0x40)
	s.ADPTime = b[2] & 0x3f
	s.Lens = b[3]
	s.AutoLampOff = bit(b[4], 0x80)
	s.TimeRemain = b[4] & 0x7f

	s.MTMACount = bit(b[5], 0x40)
	s.Move = bit(b[5], 0x20)
	s.Lamp = bit(b[5], 0x10)
	s.Eject = bit(b[5], 0x08)
	s.TMACount = bit(b[5], 0x04)
	s.Paper = bit(b[5], 0x02)
	s.ADFCount = bit(b[5], 0x01)

	s.Buttons = b[6] &^ 0x07
	s.CurrentMode = b[6] & 0x07
	s.ButtonCount = b[7]
}

func (s *SystemStatus) encode() []byte {
	b := make([]byte, systemStatusLen)
	b[0] = flag(s.AutoFocus, 0x40) |
		flag(s.Stick, 0x10) |
		flag(s.NoTrack, 0x08) |
		flag(s.NoCalib, 0x04) |
		flag(s.TLamp, 0x02) |
		flag(s.FLamp, 0x01)
	b[1] = flag(s.Reserved17, 0x80) |
		flag(s.ReadyMan, 0x04) |
		flag(s.TReady, 0x02) |
		flag(s.FReady, 0x01)
	b[2] = flag(s.ADP, 0x80) | flag(s.Detect, 0x40) | s.ADPTime&0x3f
	b[3] = s.Lens
	b[4] = flag(s.AutoLampOff, 0x80) | s.TimeRemain&0x7f
	b[5] = flag(s.TMACount, 0x04) | flag(s.Paper, 0x02) | flag(s.ADFCount, 0x01)
	b[6] = s.CurrentMode & 0x07
	return b
}

// ReadSystemStatus updates s from the device.
func ReadSystemStatus(ctx context.Context, t scsi.Transport, s *SystemStatus) error {
	buf := make([]byte, systemStatusLen)
	n, err := t.Command(ctx, []byte{
		0x28, // SCSI opcode: read
		0x00,
		0x81, // data type: system status
		0x00,
		0x00,
		0x00,
		0x00,
		0x00,
		systemStatusLen,
		0x00,
	}, nil, buf)
	if err != nil {
		return fmt.Errorf("read system status: %w", err)
	}
	if n < systemStatusLen {
		return fmt.Errorf("%w: read system status returned %d bytes", scancore.ErrIO, n)
	}
	s.decode(buf)
	return nil
}

// SendSystemStatus writes s to the device.
func SendSystemStatus(ctx context.Context, t scsi.Transport, s *SystemStatus) error {
	_, err := t.Command(ctx, []byte{
		0x2a, // SCSI opcode: send
		0x00,
		0x81, // data type: system status
		0x00,
		0x00,
		0x00,
		0x00,
		0x00,
		systemStatusLen,
		0x00,
	}, s.encode(), nil)
	if err != nil {
		return fmt.Errorf("send system status: %w", err)
	}
	return nil
}

// ImageInfo describes the image the device is about to transfer.
type ImageInfo struct {
	PPL            int
	BPL            int
	Lines          int
	RemainingBytes int
}

// ReadImageInfo returns the geometry of the next image. twoByte selects the
// short result layout of old firmware.
func ReadImageInfo(ctx context.Context, t scsi.Transport, twoByte bool) (ImageInfo, error) {
	buf := make([]byte, 16)
	if _, err := t.Command(ctx, []byte{
		0x28, // SCSI opcode: read
		0x00,
		0x80, // data type: image information
		0x00,
		0x00,
		0x00,
		0x00,
		0x00,
		0x10, // transfer length: 16 bytes
		0x00,
	}, nil, buf); err != nil {
		return ImageInfo{}, fmt.Errorf("read image info: %w", err)
	}
	if twoByte {
		return ImageInfo{
			PPL:            int(binary.BigEndian.Uint16(buf[0:])),
			BPL:            int(binary.BigEndian.Uint16(buf[2:])),
			Lines:          int(binary.BigEndian.Uint16(buf[4:])),
			RemainingBytes: int(binary.BigEndian.Uint32(buf[6:])),
		}, nil
	}
	return ImageInfo{
		PPL:            int(binary.BigEndian.Uint32(buf[0:])),
		BPL:            int(binary.BigEndian.Uint32(buf[4:])),
		Lines:          int(binary.BigEndian.Uint32(buf[8:])),
		RemainingBytes: int(binary.BigEndian.Uint32(buf[12:])),
	}, nil
}

// ReadImageStatus reports whether the device is still busy preparing the
// image. Devices with the new image status return a one byte result
// instead of reporting busy through the command status.
func ReadImageStatus(ctx context.Context, t scsi.Transport, color int, newStatus bool) (busy bool, _ error) {
	cdb := []byte{
		0x28, // SCSI opcode: read
		0x00,
		0x83, // data type: image status
		0x00,
		pcormac() | byte(color<<5)&0x60,
		0x00,
		0x00,
		0x00,
		0x00, // transfer length
		0x00,
	}
	var result []byte
	if newStatus {
		cdb[8] = 1
		result = make([]byte, 1)
	}
	_, err := t.Command(ctx, cdb, nil, result)
	if err != nil {
		if errors.Is(err, scancore.ErrDeviceBusy) || errors.Is(err, scancore.ErrNotReady) {
			return true, nil
		}
		return false, fmt.Errorf("read image status: %w", err)
	}
	if newStatus {
		return result[0] != 0, nil
	}
	return false, nil
}

// Image status polling parameters.
var (
	waitRetries  = 60
	waitInterval = 1 * time.Second
)

// WaitForImage polls READ IMAGE STATUS until the device is ready to
// transfer image data.
func WaitForImage(ctx context.Context, t scsi.Transport, color int, newStatus bool) error {
	for try := 0; try < waitRetries; try++ {
		busy, err := ReadImageStatus(ctx, t, color, newStatus)
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitInterval):
		}
	}
	return fmt.Errorf("%w: device busy after %d image status polls", scancore.ErrTimeout, waitRetries)
}

// ReadControlBitMask returns the bit mask of sensor columns which contribute
// to the current scan.
func ReadControlBitMask(ctx context.Context, t scsi.Transport, n int) ([]byte, error) {
	cdb := []byte{
		0x28, // SCSI opcode: read
		0x00,
		0x90, // data type: control bits
		0x00,
		0x00,
		0x00,
		0x00, 0x00, 0x00, // transfer length
		0x00,
	}
	put24(cdb[6:], n)
	buf := make([]byte, n)
	got, err := t.Command(ctx, cdb, nil, buf)
	if err != nil {
		return nil, fmt.Errorf("read control bits: %w", err)
	}
	return buf[:got], nil
}

func shadingCDB(opcode byte, color int, dark, word bool, length int) []byte {
	cdb := []byte{
		opcode,
		0x00,
		0x01, // data type: shading data
		0x00,
		0x00,
		pcormac() | byte(color<<5)&0x60,
		0x00, 0x00, 0x00, // transfer length
		0x00,
	}
	if dark {
		cdb[5] |= 0x02
	}
	if word {
		cdb[5] |= 0x01
	}
	put24(cdb[6:], length)
	return cdb
}

// ReadShading reads len(buf) bytes of shading data.
func ReadShading(ctx context.Context, t scsi.Transport, buf []byte, color int, dark, word bool) error {
	if _, err := t.Command(ctx, shadingCDB(0x28, color, dark, word, len(buf)), nil, buf); err != nil {
		return fmt.Errorf("read shading: %w", err)
	}
	return nil
}

// SendShading uploads a shading table.
func SendShading(ctx context.Context, t scsi.Transport, data []byte, color int, dark, word bool) error {
	if _, err := t.Command(ctx, shadingCDB(0x2a, color, dark, word, len(data)), data, nil); err != nil {
		return fmt.Errorf("send shading: %w", err)
	}
	return nil
}

func gammaCDB(color int, word bool, length int) []byte {
	cdb := []byte{
		0x2a, // SCSI opcode: send
		0x00,
		0x03, // data type: gamma table
		0x00,
		0x00,
		pcormac() | byte(color<<5)&0x60,
		0x00,
		0x00, 0x00, // transfer length
		0x00,
	}
	if word {
		cdb[5] |= 0x01
	}
	binary.BigEndian.PutUint16(cdb[7:], uint16(length))
	return cdb
}

// SendGamma uploads three gamma tables of tableBytes bytes each, stored
// consecutively in tables. Tables which do not fit one command are sent
// per color.
func SendGamma(ctx context.Context, t scsi.Transport, tables []byte, tableBytes int, word bool) error {
	if 3*tableBytes <= 0xffff {
		if _, err := t.Command(ctx, gammaCDB(colorAll, word, 3*tableBytes), tables[:3*tableBytes], nil); err != nil {
			return fmt.Errorf("send gamma: %w", err)
		}
		return nil
	}
	for color := 0; color < 3; color++ {
		if _, err := t.Command(ctx, gammaCDB(color, word, tableBytes), tables[color*tableBytes:(color+1)*tableBytes], nil); err != nil {
			return fmt.Errorf("send gamma (color %d): %w", color, err)
		}
	}
	return nil
}

func readImageCDB(color, length int) []byte {
	cdb := []byte{
		0x28, // SCSI opcode: read
		0x00,
		0x00, // data type: image
		0x00,
		pcormac() | byte(color<<5)&0x60,
		0x00,
		0x00, 0x00, 0x00, // transfer length
		0x00,
	}
	put24(cdb[6:], length)
	return cdb
}

// ReadImage fills buf with image data. swap exchanges the bytes of 16 bit
// samples, for devices which ignore the host byte order flag.
func ReadImage(ctx context.Context, t scsi.Transport, buf []byte, color int, swap bool) error {
	n, err := t.Command(ctx, readImageCDB(color, len(buf)), nil, buf)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if n < len(buf) {
		return fmt.Errorf("%w: read image returned %d of %d bytes", scancore.ErrIO, n, len(buf))
	}
	if swap {
		for i := 1; i < len(buf); i += 2 {
			buf[i-1], buf[i] = buf[i], buf[i-1]
		}
	}
	return nil
}

// AbortScan stops the current scan with a READ IMAGE of length zero.
func AbortScan(ctx context.Context, t scsi.Transport) error {
	if _, err := t.Command(ctx, readImageCDB(colorAll, 0), nil, nil); err != nil {
		return fmt.Errorf("abort scan: %w", err)
	}
	return nil
}

// Enhancements are the per-channel image adjustments of a window, in
// device units (1..255, 128 neutral for brightness and contrast).
type Enhancements struct {
	Brightness byte
	Contrast   byte
	Exposure   byte
	Shadow     byte
	Midtone    byte
	Highlight  byte
}

// Neutral returns enhancements which leave the image unchanged.
func Neutral() Enhancements {
	return Enhancements{
		Brightness: 128,
		Contrast:   128,
		Midtone:    128,
		Highlight:  255,
	}
}

// Window is one scan window of SET WINDOW. Positions and sizes are in
// dots at the optical resolution.
type Window struct {
	XRes, YRes    int
	X, Y          int
	Width, Height int

	Threshold byte
	// Mode is the image composition code.
	Mode  byte
	Depth byte

	ExternalHalftone bool
	HalftoneIndex    byte

	Stay     bool
	RawData  bool
	Quality  bool
	FastScan bool
	Media    byte

	// Enhance is indexed by scancore.Master, Red, Green and Blue.
	Enhance [4]Enhancements
}

const (
	windowHeaderLen = 8
	windowBodyLen   = 61
)

// encode returns the SET WINDOW parameter list: header and one body.
func (w *Window) encode() []byte {
	b := make([]byte, windowHeaderLen+windowBodyLen)
	binary.BigEndian.PutUint16(b[6:], windowBodyLen)

	d := b[windowHeaderLen:]
	d[0] = 0 // window id
	binary.BigEndian.PutUint16(d[2:], uint16(w.XRes))
	binary.BigEndian.PutUint16(d[4:], uint16(w.YRes))
	binary.BigEndian.PutUint32(d[6:], uint32(w.X))
	binary.BigEndian.PutUint32(d[10:], uint32(w.Y))
	binary.BigEndian.PutUint32(d[14:], uint32(w.Width))
	binary.BigEndian.PutUint32(d[18:], uint32(w.Height))
	d[22] = w.Enhance[scancore.Master].Brightness
	d[23] = w.Threshold
	d[24] = w.Enhance[scancore.Master].Contrast
	d[25] = w.Mode & 0x0f
	d[26] = w.Depth
	d[27] = w.Enhance[scancore.Master].Exposure
	d[28] = flag(w.ExternalHalftone, 0x80) | w.HalftoneIndex&0x7f
	d[29] = 0x80 // reverse image format
	d[30] = 0    // lens
	d[31] = flag(w.Stay, 0x40) |
		flag(w.RawData, 0x20) |
		flag(w.Quality, 0x10) |
		flag(w.FastScan, 0x08) |
		w.Media&0x07
	d[40] = w.Enhance[scancore.Master].Shadow
	d[41] = w.Enhance[scancore.Master].Midtone
	d[42] = w.Enhance[scancore.Master].Highlight
	for i, ch := range []int{scancore.Red, scancore.Green, scancore.Blue} {
		e := w.Enhance[ch]
		copy(d[43+6*i:], []byte{e.Brightness, e.Contrast, e.Exposure, e.Shadow, e.Midtone, e.Highlight})
	}
	return b
}

// SetWindow defines the scan window.
func SetWindow(ctx context.Context, t scsi.Transport, w *Window) error {
	data := w.encode()
	cdb := []byte{
		0x24, // SCSI opcode: set window
		0x00,
		0x00,
		0x00,
		0x00,
		0x00,
		0x00, 0x00, 0x00, // parameter list length
		0x00,
	}
	put24(cdb[6:], len(data))
	if _, err := t.Command(ctx, cdb, data, nil); err != nil {
		return fmt.Errorf("set window: %w", err)
	}
	return nil
}
