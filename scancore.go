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

// Package scancore contains domain types shared by the scanner backends,
// like scan requests, negotiated frame parameters and the error taxonomy.
package scancore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the device did not reach the expected
	// state within its bounded number of retries.
	ErrTimeout = errors.New("scancore: timeout")

	// ErrChecksum is returned when a response block fails its checksum.
	ErrChecksum = errors.New("scancore: checksum mismatch")

	// ErrDeviceBusy is returned when the device or handle is already in
	// use. The condition is retryable.
	ErrDeviceBusy = errors.New("scancore: device busy")

	// ErrNotReady is returned when the device is not ready to accept the
	// command.
	ErrNotReady = errors.New("scancore: device not ready")

	// ErrNoDocument is returned when the document feeder is empty.
	ErrNoDocument = errors.New("scancore: no document")

	// ErrJammed is returned on a document feeder jam.
	ErrJammed = errors.New("scancore: document jammed")

	// ErrCoverOpen is returned when the scanner lid or door is open.
	ErrCoverOpen = errors.New("scancore: cover open")

	// ErrBadCalibration is returned when calibration data has a white
	// reference at or below the dark reference.
	ErrBadCalibration = errors.New("scancore: bad calibration data")

	// ErrUnsupportedFormat is returned when the device announces a data
	// format (or transfer equation) that cannot be decoded.
	ErrUnsupportedFormat = errors.New("scancore: unsupported data format")

	// ErrNoMem is returned when a buffer cannot be sized for the scan.
	ErrNoMem = errors.New("scancore: out of memory")

	// ErrCancelled is returned only when a cancel was explicitly requested.
	ErrCancelled = errors.New("scancore: cancelled")

	// ErrIO is the catch-all for transport and device failures.
	ErrIO = errors.New("scancore: I/O error")

	// ErrInvalid is returned for requests the device cannot satisfy at all.
	ErrInvalid = errors.New("scancore: invalid argument")
)

// Mode is the scan mode.
type Mode int

const (
	Lineart Mode = iota
	Halftone
	Gray
	Color
	// LineartFake is lineart computed from an 8 bit gray scan.
	LineartFake
)

func (m Mode) String() string {
	switch m {
	case Lineart:
		return "lineart"
	case Halftone:
		return "halftone"
	case Gray:
		return "gray"
	case Color:
		return "color"
	case LineartFake:
		return "lineart-fake"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses the names returned by Mode.String, plus "colour".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "lineart", "binary":
		return Lineart, nil
	case "halftone":
		return Halftone, nil
	case "gray", "grey":
		return Gray, nil
	case "color", "colour":
		return Color, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalid, s)
}

// Frame is the layout of one frame of image data.
type Frame int

const (
	FrameGray Frame = iota
	FrameRGB
)

// Source is the media source of a scan.
type Source int

const (
	Flatbed Source = iota
	TMA
	ADF
	Slide
	Stripe
)

func (s Source) String() string {
	switch s {
	case Flatbed:
		return "flatbed"
	case TMA:
		return "tma"
	case ADF:
		return "adf"
	case Slide:
		return "slide"
	case Stripe:
		return "stripe"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// ParseSource parses the names returned by Source.String.
func ParseSource(s string) (Source, error) {
	for src := Flatbed; src <= Stripe; src++ {
		if src.String() == s {
			return src, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown source %q", ErrInvalid, s)
}

// GammaMode selects how gamma tables are computed.
type GammaMode int

const (
	GammaNone GammaMode = iota
	GammaScalar
	GammaCustom
)

// Channel indices into per-channel arrays. Master applies to all channels
// where a device does not support per-channel values.
const (
	Master = iota
	Red
	Green
	Blue
)

// A ScanRequest is the validated output of the option layer, consumed by
// Scanner.Start. Values are range-clamped by the caller, but backends
// re-validate geometry against what the device reports.
type ScanRequest struct {
	Mode   Mode
	Source Source
	Depth  int

	// XRes and YRes are in dots per inch.
	XRes, YRes float64

	// Geometry in millimeters.
	TLX, TLY, BRX, BRY float64

	// Brightness and Contrast are in percent, 100 is neutral.
	Brightness, Contrast float64

	// Per-channel enhancements, indexed by Master, Red, Green, Blue.
	Shadow    [4]int
	Midtone   [4]int
	Highlight [4]int
	Exposure  [4]int

	Threshold int

	// Balance is the per-color balance in percent (red, green, blue).
	Balance [3]int

	GammaMode GammaMode
	// Gamma holds scalar gamma values, indexed like Shadow.
	Gamma [4]float64
	// CustomGamma holds custom tables (values 0..255 for each of 256
	// entries), indexed like Shadow. Nil entries fall back to linear.
	CustomGamma [4][]int

	Preview       bool
	AutoThreshold bool
	// CalibBackend computes shading in the backend for devices
	// which support it.
	CalibBackend   bool
	NoBacktracking bool
	Lightlid35     bool
}

// DefaultRequest returns a request for a full-bed 8 bit color scan at the
// given resolution with neutral enhancements.
func DefaultRequest(dpi float64) *ScanRequest {
	return &ScanRequest{
		Mode:       Color,
		Depth:      8,
		XRes:       dpi,
		YRes:       dpi,
		BRX:        215,
		BRY:        297,
		Brightness: 100,
		Contrast:   100,
		Midtone:    [4]int{128, 128, 128, 128},
		Highlight:  [4]int{255, 255, 255, 255},
		Threshold:  128,
		Balance:    [3]int{100, 100, 100},
		Gamma:      [4]float64{1, 1, 1, 1},
	}
}

// Params describes the frame negotiated by Scanner.Start.
type Params struct {
	Format        Frame
	LastFrame     bool
	BytesPerLine  int
	PixelsPerLine int
	Lines         int
	Depth         int

	// XRes and YRes are the resolutions actually used.
	XRes, YRes int

	// Inexact is set when the device could not honor the request and a
	// value was clamped.
	Inexact bool
}

// DeviceInfo describes an attached device.
type DeviceInfo struct {
	Name    string
	Vendor  string
	Model   string
	Type    string
	Backend string
}

// A Scanner is an open handle to a device. At most one scan session is
// active per handle.
type Scanner interface {
	// Start negotiates a scan session and starts the device.
	Start(ctx context.Context, req *ScanRequest) (Params, error)

	// Read implements io.Reader over the pixel stream of the current
	// session. The end of the frame is reported as io.EOF.
	Read(p []byte) (int, error)

	// Cancel requests cancellation of the current session. It does not
	// block; the pending or next Read returns ErrCancelled.
	Cancel()

	// Close releases the handle and puts the device to sleep.
	Close() error
}

// A Calibrator can run an operator-triggered calibration.
type Calibrator interface {
	Calibrate(ctx context.Context) error
}

// A Device is an attached scanner.
type Device interface {
	Info() DeviceInfo
	Open(ctx context.Context) (Scanner, error)
}

// Dots converts a length in millimeters to dots at the given resolution.
func Dots(mm, dpi float64) int {
	return int(mm * dpi / 25.4)
}

// A Publisher receives status changes of devices, like "scanning" or
// "error: ...".
type Publisher interface {
	Publishf(device, format string, args ...interface{})
}
