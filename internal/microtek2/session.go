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
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/logging"
	"github.com/stapelberg/scancore/internal/reader"
	"github.com/stapelberg/scancore/internal/reshuffle"
	"github.com/stapelberg/scancore/internal/scsi"
	"golang.org/x/net/trace"
)

// c6Grace is the time the Phantom C6 needs before it answers READ IMAGE
// STATUS.
var c6Grace = 2 * time.Second

// Handle is an open device. It implements scancore.Scanner.
type Handle struct {
	dev *Device
	t   scsi.Transport

	mu     sync.Mutex
	sess   *session
	closed bool
	// last is the result of the previous session, returned by Read
	// until the next Start.
	last error
}

// session is the state of one scan, from Start until EOF, cancellation or
// a failure.
type session struct {
	id  uuid.UUID
	dev *Device
	t   scsi.Transport
	tr  trace.Trace
	log *logging.Logger

	req    *scancore.ScanRequest
	mi     *Info
	params *scanParams
	image  ImageInfo

	calibBackend  bool
	autoThreshold bool

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	stream    reader.Stream
}

// Start implements scancore.Scanner.
func (h *Handle) Start(ctx context.Context, req *scancore.ScanRequest) (scancore.Params, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return scancore.Params{}, fmt.Errorf("%w: handle is closed", scancore.ErrInvalid)
	}
	if h.sess != nil {
		h.mu.Unlock()
		return scancore.Params{}, fmt.Errorf("%w: scan in progress", scancore.ErrDeviceBusy)
	}
	d := h.dev
	mi, ok := d.info[req.Source]
	if !ok {
		h.mu.Unlock()
		return scancore.Params{}, fmt.Errorf("%w: source %v not available", scancore.ErrInvalid, req.Source)
	}
	s := &session{
		id:            uuid.New(),
		dev:           d,
		t:             h.t,
		tr:            trace.New("microtek2", d.name),
		req:           req,
		mi:            mi,
		calibBackend:  req.CalibBackend || d.cfg.BackendCalibrationOr(d.quirks.CalibBackend),
		autoThreshold: req.AutoThreshold || d.cfg.AutoAdjust,
	}
	s.log = d.log.With("session", s.id.String())
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.sess = s
	h.last = nil
	h.mu.Unlock()

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	p, err := s.start(startCtx)
	if err != nil {
		if s.cancelled.Load() {
			err = fmt.Errorf("%w: %v", scancore.ErrCancelled, err)
		}
		h.finish(s, err)
		return scancore.Params{}, err
	}
	return p, nil
}

// start runs the start sequence and returns the frame parameters.
func (s *session) start(ctx context.Context) (scancore.Params, error) {
	d, t, mi, q := s.dev, s.t, s.mi, s.dev.quirks
	st := &d.status
	req := s.req
	s.tr.LazyPrintf("session %v: %v scan from %v at %vx%v dpi", s.id, req.Mode, req.Source, req.XRes, req.YRes)

	if err := ReadSystemStatus(ctx, t, st); err != nil {
		return scancore.Params{}, err
	}

	params, err := getScanParams(req, mi, q)
	if err != nil {
		return scancore.Params{}, err
	}
	s.params = params

	if s.calibBackend && !q.Has(CX336Shading) {
		// Devices with control bits need shading only once.
		kept := d.shading != nil && d.shading.Source == req.Source
		if !q.Has(ReadControlBits) || !kept && !s.loadShading(scancore.Color) {
			if err := s.readShading(ctx); err != nil {
				return scancore.Params{}, fmt.Errorf("shading: %w", err)
			}
		}
	}

	// Calibration leaves the window of the shading scan behind.
	if params, err = getScanParams(req, mi, q); err != nil {
		return scancore.Params{}, err
	}
	s.params = params

	if err := ReadSystemStatus(ctx, t, st); err != nil {
		return scancore.Params{}, err
	}
	st.AutoLampOff = true
	st.TimeRemain = 10
	if req.Source == scancore.Flatbed || req.Source == scancore.ADF {
		st.FLamp, st.TLamp = true, false
	} else {
		st.FLamp, st.TLamp = false, true
	}
	lightlid35 := req.Lightlid35 || d.cfg.Lightlid35
	if lightlid35 {
		st.FLamp = false
	}
	st.NoTrack = req.NoBacktracking || d.cfg.NoBacktracking || q.NoBacktracking
	if err := SendSystemStatus(ctx, t, st); err != nil {
		return scancore.Params{}, err
	}

	var lutSize, lutEntry int
	if q.Has(NoGamma) {
		lutSize = 1 << params.Depth
		lutEntry = 1
		if params.Depth > 8 {
			lutEntry = 2
		}
	} else {
		lutSize, lutEntry = mi.LutSize()
	}
	gamma := CalculateGamma(req, mi, q, lutSize, lutEntry)
	if mi.Format == reshuffle.Chunky {
		gamma.SetExposure(mi, params.Exposure)
	}
	if !q.Has(NoGamma) {
		if err := SendGamma(ctx, t, gamma.Bytes(), lutSize*lutEntry, lutEntry == 2); err != nil {
			return scancore.Params{}, err
		}
	}

	if err := SetWindow(ctx, t, &params.Window); err != nil {
		return scancore.Params{}, err
	}
	if s.image, err = ReadImageInfo(ctx, t, q.Has(RIITwoBytes)); err != nil {
		return scancore.Params{}, err
	}
	s.tr.LazyPrintf("image info: %d pixels, %d bytes per line, %d lines", s.image.PPL, s.image.BPL, s.image.Lines)
	if s.image.PPL < 1 || s.image.BPL < 1 {
		return scancore.Params{}, fmt.Errorf("%w: device reports %d pixels in %d bytes per line", scancore.ErrIO, s.image.PPL, s.image.BPL)
	}

	stripLines := max(int(float64(params.Window.YRes)*d.cfg.StripHeight), 1)
	maxLines := min(d.maxRequest/s.image.BPL, stripLines)
	if maxLines == 0 {
		return scancore.Params{}, fmt.Errorf("%w: line of %d bytes exceeds max request %d", scancore.ErrIO, s.image.BPL, d.maxRequest)
	}

	if !q.Has(NoRIS) {
		if q.Code == 0x9a {
			select {
			case <-ctx.Done():
				return scancore.Params{}, ctx.Err()
			case <-time.After(c6Grace):
			}
		}
		if err := WaitForImage(ctx, t, colorAll, mi.NewImageStatus); err != nil {
			return scancore.Params{}, err
		}
	}

	if s.calibBackend && q.Has(CX336Shading) {
		if d.shading == nil || d.shading.Mode != params.Mode || d.shading.Source != req.Source {
			if !s.loadShading(params.Mode) {
				if err := s.readCxShading(ctx); err != nil {
					return scancore.Params{}, fmt.Errorf("shading: %w", err)
				}
			}
		}
	}

	if lightlid35 {
		if err := ReadSystemStatus(ctx, t, st); err != nil {
			return scancore.Params{}, err
		}
		st.FLamp, st.TLamp = false, false
		if err := SendSystemStatus(ctx, t, st); err != nil {
			return scancore.Params{}, err
		}
	}

	layout := &reshuffle.Layout{
		Mode:          params.Mode,
		Format:        mi.Format,
		OnePass:       mi.OnePass,
		PPL:           s.image.PPL,
		BPL:           s.image.BPL,
		Depth:         params.Depth,
		BitsIn:        params.BitsIn,
		BitsOut:       params.BitsOut,
		ColorSequence: mi.ColorSequence,
		RTOL:          mi.RTOL,
		Transfer16:    q.Has(Transfer16),
		Offset2:       q.Has(Offset2),
		Threshold:     int(params.Window.Threshold),
		AutoThreshold: s.autoThreshold,
		Balance:       params.Balance,
		HoldLines:     maxLines + 2*mi.CCDGap*int(math.Ceil(float64(mi.MaxYRes)/float64(mi.OptRes))),
	}
	if q.Has(NoGamma) && params.Depth >= 8 {
		layout.Gamma = gamma.Tables
	}
	if q.Has(ReadControlBits) {
		bits, err := ReadControlBitMask(ctx, t, q.ControlBytes)
		if err != nil {
			return scancore.Params{}, err
		}
		if s.calibBackend {
			layout.Shading = s.corrector(bits)
			if q.Has(NoEnhancements) {
				m := params.Window.Enhance[scancore.Master]
				layout.Enhance = &reshuffle.Enhancement{
					Brightness: float64(m.Brightness),
					Contrast:   float64(m.Contrast),
				}
			}
		}
	}

	proc, err := reshuffle.Select(layout)
	if err != nil {
		return scancore.Params{}, err
	}
	plan, err := reader.NewPlan(s.image.Lines, maxLines, s.image.BPL)
	if err != nil {
		return scancore.Params{}, err
	}
	swap := bigEndian && q.Has(PhantomC6) && params.BitsIn == 16
	read := func(ctx context.Context, buf []byte) error {
		return ReadImage(ctx, t, buf, colorAll, swap)
	}
	if s.stream, err = reader.New(s.ctx, d.readerCfg, plan, read, proc); err != nil {
		return scancore.Params{}, err
	}

	realBPL := (s.image.PPL*params.BitsOut + 7) / 8
	frame := scancore.FrameGray
	if params.Mode == scancore.Color {
		frame = scancore.FrameRGB
		realBPL *= 3
	}
	d.pub.Publishf(d.name, "scanning")
	s.log.Info("scan started",
		"mode", params.Mode.String(),
		"source", req.Source.String(),
		"ppl", s.image.PPL,
		"lines", s.image.Lines)
	return scancore.Params{
		Format:        frame,
		LastFrame:     true,
		BytesPerLine:  realBPL,
		PixelsPerLine: s.image.PPL,
		Lines:         s.image.Lines,
		Depth:         params.BitsOut,
		XRes:          params.Window.XRes,
		YRes:          params.Window.YRes,
		Inexact:       params.Inexact,
	}, nil
}

// Read implements scancore.Scanner.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	s, last := h.sess, h.last
	h.mu.Unlock()
	if s == nil && last != nil {
		return 0, last
	}
	if s == nil || s.stream == nil {
		return 0, fmt.Errorf("%w: no scan in progress", scancore.ErrInvalid)
	}
	n, err := s.stream.Read(p)
	if err != nil {
		if err != io.EOF && s.cancelled.Load() {
			err = fmt.Errorf("%w: %v", scancore.ErrCancelled, err)
		}
		h.finish(s, err)
	}
	return n, err
}

// Cancel implements scancore.Scanner.
func (h *Handle) Cancel() {
	h.mu.Lock()
	s := h.sess
	h.mu.Unlock()
	if s == nil {
		return
	}
	s.cancelled.Store(true)
	s.cancel()
}

// finish ends session s with err (io.EOF for a complete scan). The device
// is stopped with a zero length READ IMAGE on every path.
func (h *Handle) finish(s *session, err error) {
	h.mu.Lock()
	if h.sess != s {
		h.mu.Unlock()
		return
	}
	h.sess = nil
	h.last = err
	h.mu.Unlock()

	if s.stream != nil {
		s.stream.Close()
	}
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if abortErr := AbortScan(ctx, s.t); abortErr != nil {
		s.log.Warn("stopping scan", "err", abortErr)
		s.tr.LazyPrintf("abort: %v", abortErr)
	}

	d := s.dev
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

// ToggleLamp switches the flatbed lamp on or off.
func (h *Handle) ToggleLamp(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess != nil {
		return fmt.Errorf("%w: scan in progress", scancore.ErrDeviceBusy)
	}
	st := &h.dev.status
	if err := ReadSystemStatus(ctx, h.t, st); err != nil {
		return err
	}
	st.FLamp = !st.FLamp
	return SendSystemStatus(ctx, h.t, st)
}

// Close implements scancore.Scanner. A scan in progress is cancelled.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	s := h.sess
	h.mu.Unlock()
	if s != nil {
		s.cancelled.Store(true)
		s.cancel()
		h.finish(s, scancore.ErrCancelled)
	}
	err := h.t.Close()
	h.dev.release()
	return err
}
