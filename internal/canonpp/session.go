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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/logging"
	"github.com/stapelberg/scancore/internal/parport"
	"golang.org/x/net/trace"
)

// bufMax is the size of the buffer a segment is sized for.
const bufMax = 64000

// Scan area limits in millimeters.
var (
	rangeTLX = [2]float64{0, 215}
	rangeTLY = [2]float64{0, 296}
	rangeBRX = [2]float64{3, 216}
	rangeBRY = [2]float64{1, 297}
)

// Handle is an open scanner. It implements scancore.Scanner and
// scancore.Calibrator.
type Handle struct {
	dev  *Device
	port parport.Port
	sc   *Scanner

	// cancelled is set by Cancel, which must not wait for mu.
	cancelled atomic.Bool

	mu     sync.Mutex
	sess   *session
	closed bool
	// last is the result of the previous session, returned by Read
	// until the next Start.
	last error
}

type session struct {
	id  uuid.UUID
	tr  trace.Trace
	log *logging.Logger
	ctx context.Context

	sp        ScanParams
	depth     int
	linesDone int
	leftover  []byte
}

func clampRange(v float64, r [2]float64, inexact *bool) float64 {
	c := min(max(v, r[0]), r[1])
	if c != v {
		*inexact = true
	}
	return c
}

// scanParams converts a request to scanner geometry.
func (h *Handle) scanParams(req *scancore.ScanRequest) (ScanParams, scancore.Params, error) {
	var p scancore.Params
	var sp ScanParams
	switch req.Mode {
	case scancore.Gray:
		p.Format = scancore.FrameGray
	case scancore.Color:
		p.Format = scancore.FrameRGB
		sp.Colour = true
	default:
		return sp, p, fmt.Errorf("%w: mode %v not supported", scancore.ErrInvalid, req.Mode)
	}
	switch req.Depth {
	case 8, 16:
		p.Depth = req.Depth
	default:
		p.Depth = 8
		if req.Depth > 8 {
			p.Depth = 16
		}
		p.Inexact = true
	}

	resolutions := h.dev.Resolutions()
	res := resolutions[0]
	for _, r := range resolutions {
		if float64(r) <= req.XRes {
			res = r
		}
	}
	if float64(res) != req.XRes {
		p.Inexact = true
	}

	tlx := clampRange(req.TLX, rangeTLX, &p.Inexact)
	tly := clampRange(req.TLY, rangeTLY, &p.Inexact)
	brx := clampRange(req.BRX, rangeBRX, &p.Inexact)
	bry := clampRange(req.BRY, rangeBRY, &p.Inexact)
	if brx-tlx <= 0 || bry-tly <= 0 {
		return sp, p, fmt.Errorf("%w: void scan area (%v,%v)-(%v,%v)", scancore.ErrInvalid, tlx, tly, brx, bry)
	}

	dpi := float64(res)
	sp.Width = scancore.Dots(brx-tlx, dpi)
	sp.Height = scancore.Dots(bry-tly, dpi)
	sp.XOffset = scancore.Dots(tlx, dpi)
	sp.YOffset = scancore.Dots(tly, dpi)

	// Widths and offsets are multiples of 4 pixels.
	want := sp
	sp.Width -= sp.Width % 4
	sp.XOffset -= sp.XOffset % 4
	sp.Width = max(sp.Width, 64)

	maxRes, bed := 600, 7016
	if h.sc.HeadWidth == 2552 {
		maxRes, bed = 300, 3508
	}
	maxWidth := h.sc.HeadWidth / (maxRes / res)
	maxHeight := bed / (maxRes / res)
	sp.Width = min(sp.Width, maxWidth)
	if sp.Width+sp.XOffset > maxWidth {
		sp.XOffset = maxWidth - sp.Width
	}
	sp.Height = min(sp.Height, maxHeight)
	if sp != want {
		p.Inexact = true
	}

	for r := res; r > 75; r >>= 1 {
		sp.XRes++
	}
	sp.YRes = sp.XRes
	p.XRes, p.YRes = res, res
	return sp, p, nil
}

// Start implements scancore.Scanner.
func (h *Handle) Start(ctx context.Context, req *scancore.ScanRequest) (scancore.Params, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return scancore.Params{}, fmt.Errorf("%w: handle is closed", scancore.ErrInvalid)
	}
	if h.sess != nil {
		return scancore.Params{}, fmt.Errorf("%w: scan in progress", scancore.ErrDeviceBusy)
	}
	sp, p, err := h.scanParams(req)
	if err != nil {
		return scancore.Params{}, err
	}
	d := h.dev
	s := &session{
		id:    uuid.New(),
		tr:    trace.New("canonpp", d.name),
		ctx:   context.WithoutCancel(ctx),
		depth: p.Depth,
	}
	s.log = d.log.With("session", s.id.String())
	s.tr.LazyPrintf("session %v: %v scan at %d dpi, %dx%d+%d+%d", s.id, req.Mode, p.XRes, sp.Width, sp.Height, sp.XOffset, sp.YOffset)
	h.cancelled.Store(false)
	h.sc.abortNow.Store(false)
	if err := h.sc.InitScan(ctx, &sp); err != nil {
		err = fmt.Errorf("%w: %v", scancore.ErrIO, err)
		s.tr.LazyPrintf("error: %v", err)
		s.tr.SetError()
		s.tr.Finish()
		d.pub.Publishf(d.name, "error: %v", err)
		return scancore.Params{}, err
	}
	s.sp = sp
	h.sess = s
	h.last = nil
	d.pub.Publishf(d.name, "scanning")

	channels := 1
	if sp.Colour {
		channels = 3
	}
	p.LastFrame = true
	p.PixelsPerLine = sp.Width
	p.Lines = sp.Height
	p.BytesPerLine = sp.Width * channels * p.Depth / 8
	return p, nil
}

// Read implements scancore.Scanner.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sess
	if s == nil {
		if h.last != nil {
			return 0, h.last
		}
		return 0, fmt.Errorf("%w: no scan in progress", scancore.ErrInvalid)
	}
	if h.cancelled.Load() {
		h.abort(s)
		h.finish(s, scancore.ErrCancelled)
		return 0, scancore.ErrCancelled
	}
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}
	if s.linesDone >= s.sp.Height {
		h.finish(s, io.EOF)
		return 0, io.EOF
	}

	buf, err := h.readLines(s)
	if err != nil {
		h.abort(s)
		switch {
		case h.cancelled.Load() || errors.Is(err, scancore.ErrCancelled):
			err = scancore.ErrCancelled
		case !errors.Is(err, scancore.ErrIO):
			err = fmt.Errorf("%w: %v", scancore.ErrIO, err)
		}
		h.finish(s, err)
		return 0, err
	}
	n := copy(p, buf)
	s.leftover = buf[n:]
	return n, nil
}

// readLines reads the next segment and converts it to the output format.
func (h *Handle) readLines(s *session) ([]byte, error) {
	sp := &s.sp
	channels := 1
	if sp.Colour {
		channels = 3
	}
	bpl := sp.Width * channels * s.depth / 8
	left := sp.Height - s.linesDone
	lines := max(min(bufMax*4/5/bpl, left), 1)

	seg, err := h.sc.ReadSegment(s.ctx, sp, lines, left, true)
	if err != nil {
		return nil, err
	}
	s.linesDone += lines
	s.tr.LazyPrintf("read %d lines, %d left", lines, sp.Height-s.linesDone)

	out := make([]byte, lines*bpl)
	samples := len(seg.Data) / 2
	for i := 0; i < samples; i++ {
		// Segments hold B, G, R.
		j := i
		if sp.Colour {
			switch i % 3 {
			case 0:
				j = i + 2
			case 2:
				j = i - 2
			}
		}
		if s.depth == 8 {
			out[j] = seg.Data[2*i]
		} else {
			binary.NativeEndian.PutUint16(out[2*j:], binary.BigEndian.Uint16(seg.Data[2*i:]))
		}
	}
	return out, nil
}

// abort stops the scan in the scanner. Failures are logged.
func (h *Handle) abort(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sc.Abort(ctx); err != nil {
		s.log.Warn("aborting scan", "err", err)
		s.tr.LazyPrintf("abort: %v", err)
	}
}

// finish ends session s with err (io.EOF for a complete scan). h.mu must
// be held.
func (h *Handle) finish(s *session, err error) {
	if h.sess != s {
		return
	}
	h.sess = nil
	h.last = err
	h.sc.abortNow.Store(false)

	d := h.dev
	switch {
	case err == io.EOF:
		s.tr.LazyPrintf("scan complete")
		d.pub.Publishf(d.name, "done")
	case errors.Is(err, scancore.ErrCancelled):
		s.tr.LazyPrintf("scan cancelled")
		d.pub.Publishf(d.name, "cancelled")
	default:
		s.tr.LazyPrintf("error: %v", err)
		s.tr.SetError()
		s.log.Error("scan failed", "err", err)
		d.pub.Publishf(d.name, "error: %v", err)
	}
	s.tr.Finish()
}

// Cancel implements scancore.Scanner. It does not block: a segment being
// read is completed, then the scan is aborted.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.sc.RequestAbort()
}

// Calibrate implements scancore.Calibrator. The weights are written to
// the calibration file unless it is read-only.
func (h *Handle) Calibrate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: handle is closed", scancore.ErrInvalid)
	}
	if h.sess != nil {
		return fmt.Errorf("%w: scan in progress", scancore.ErrDeviceBusy)
	}
	d := h.dev
	tr := trace.New("canonpp", "Calibrate "+d.name)
	defer tr.Finish()
	d.pub.Publishf(d.name, "calibrating")
	h.sc.abortNow.Store(false)

	w, err := h.sc.Calibrate(ctx)
	if err != nil {
		h.sc.Weights = nil
		tr.LazyPrintf("error: %v", err)
		tr.SetError()
		d.pub.Publishf(d.name, "error: %v", err)
		if errors.Is(err, scancore.ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: calibration: %v", scancore.ErrIO, err)
	}
	tr.LazyPrintf("calibrated %d sensors", len(w.Black))
	if d.weights != "" && !d.readOnly {
		if err := SaveWeights(d.weights, w); err != nil {
			d.log.Warn("writing calibration file", "path", d.weights, "err", err)
		} else {
			tr.LazyPrintf("wrote %s", d.weights)
		}
	}
	d.pub.Publishf(d.name, "ready")
	return nil
}

// Close implements scancore.Scanner. The scanner is put to sleep and the
// port released.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if s := h.sess; s != nil {
		h.abort(s)
		h.finish(s, scancore.ErrCancelled)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := h.sc.Sleep(ctx)
	if rerr := h.port.Release(); err == nil {
		err = rerr
	}
	if cerr := h.port.Close(); err == nil {
		err = cerr
	}
	h.dev.release()
	return err
}
