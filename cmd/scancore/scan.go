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

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v4"
	"github.com/stapelberg/scancore"
	"golang.org/x/net/trace"
)

// scanFlags are the scan options accepted on the command line.
type scanFlags struct {
	device     *string
	mode       *string
	source     *string
	depth      *int
	resolution *float64
	tlx, tly   *float64
	brx, bry   *float64
	brightness *float64
	contrast   *float64
	threshold  *int
	gamma      *float64
	preview    *bool
}

func newScanFlags(fs *ff.FlagSet) *scanFlags {
	return &scanFlags{
		device:     fs.StringLong("device", "", "name of the device to scan with (default: first device)"),
		mode:       fs.StringLong("mode", "color", "scan mode: lineart, halftone, gray or color"),
		source:     fs.StringLong("source", "flatbed", "media source: flatbed, tma, adf, slide or stripe"),
		depth:      fs.IntLong("depth", 8, "bits per sample (1, 8 or 16); 1 implies lineart"),
		resolution: fs.Float64Long("resolution", 300, "resolution in dpi"),
		tlx:        fs.Float64Long("tl_x", 0, "left edge of the scan area in mm"),
		tly:        fs.Float64Long("tl_y", 0, "top edge of the scan area in mm"),
		brx:        fs.Float64Long("br_x", 215, "right edge of the scan area in mm"),
		bry:        fs.Float64Long("br_y", 297, "bottom edge of the scan area in mm"),
		brightness: fs.Float64Long("brightness", 100, "brightness in percent, 100 is neutral"),
		contrast:   fs.Float64Long("contrast", 100, "contrast in percent, 100 is neutral"),
		threshold:  fs.IntLong("threshold", 128, "lineart threshold (0-255)"),
		gamma:      fs.Float64Long("gamma", 1, "scalar gamma, 1 disables gamma correction"),
		preview:    fs.BoolLong("preview", "scan in preview mode"),
	}
}

// request builds the scan request described by the flags.
func (sf *scanFlags) request() (*scancore.ScanRequest, error) {
	mode, err := scancore.ParseMode(*sf.mode)
	if err != nil {
		return nil, err
	}
	source, err := scancore.ParseSource(*sf.source)
	if err != nil {
		return nil, err
	}
	if *sf.depth == 1 {
		mode = scancore.Lineart
	}
	if *sf.brx <= *sf.tlx || *sf.bry <= *sf.tly {
		return nil, fmt.Errorf("%w: empty scan area", scancore.ErrInvalid)
	}
	req := scancore.DefaultRequest(*sf.resolution)
	req.Mode = mode
	req.Source = source
	req.Depth = *sf.depth
	req.TLX, req.TLY = *sf.tlx, *sf.tly
	req.BRX, req.BRY = *sf.brx, *sf.bry
	req.Brightness = *sf.brightness
	req.Contrast = *sf.contrast
	req.Threshold = *sf.threshold
	req.Preview = *sf.preview
	if g := *sf.gamma; g != 1 {
		req.GammaMode = scancore.GammaScalar
		req.Gamma = [4]float64{g, g, g, g}
	}
	return req, nil
}

func scanCommand(g *globals, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("scan").SetParent(parent)
	sf := newScanFlags(fs)
	output := fs.StringLong("output", "scan.pnm", "path of the image file to write")
	format := fs.StringLong("format", "", "output format, pnm or tiff (default: derived from --output)")
	return &ff.Command{
		Name:      "scan",
		Usage:     "scancore scan [FLAGS]",
		ShortHelp: "scan one page to a PNM or TIFF file",
		Flags:     fs,
		Exec: g.withEnv(func(ctx context.Context, e *env, args []string) error {
			req, err := sf.request()
			if err != nil {
				return err
			}
			f, err := outputFormat(*format, *output)
			if err != nil {
				return err
			}
			return e.run(ctx, nil, func(ctx context.Context) error {
				return e.scanTo(ctx, *sf.device, req, *output, f)
			})
		}),
	}
}

// scanTo scans one frame with the named device and writes it to path.
func (e *env) scanTo(ctx context.Context, device string, req *scancore.ScanRequest, path, format string) (err error) {
	tr := trace.New("scancore", "Scan")
	defer tr.Finish()
	defer func() {
		tr.LazyPrintf("-> return err=%v", err)
		if err != nil {
			tr.SetError()
		}
	}()

	h, err := e.reg.Acquire(ctx, device)
	if err != nil {
		return err
	}
	defer h.Close()
	log := e.log.With("device", h.Name())
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()

	tr.LazyPrintf("starting %v scan at %v dpi on %s", req.Mode, req.XRes, h.Name())
	params, err := h.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("starting scan: %w", err)
	}
	if params.Inexact {
		log.Info("scan parameters adjusted",
			"xres", params.XRes,
			"yres", params.YRes,
			"pixels", params.PixelsPerLine,
			"lines", params.Lines,
			"depth", params.Depth)
	}
	tr.LazyPrintf("params: %+v", params)

	data, err := io.ReadAll(h)
	if err != nil {
		return fmt.Errorf("reading scan data: %w", err)
	}
	tr.LazyPrintf("read %d bytes", len(data))

	if err := writeImage(path, format, &frame{Params: params, data: data}); err != nil {
		return err
	}
	log.Info("scan written", "path", path, "bytes", len(data))
	return nil
}
