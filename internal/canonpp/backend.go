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

// Package canonpp drives the Canon CanoScan parallel port flatbed scanners
// (FB320P, FB620P, FB330P, FB630P, N340P and N640P) over an IEEE 1284
// port.
package canonpp

import (
	"context"
	"fmt"
	"sync"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/config"
	"github.com/stapelberg/scancore/internal/logging"
	"github.com/stapelberg/scancore/internal/parport"
	"golang.org/x/net/trace"
)

// OpenFunc opens the (unclaimed) port the scanner is attached to.
type OpenFunc func() (parport.Port, error)

// Options configure a Device.
type Options struct {
	Name   string
	Device config.DeviceConfig
	Open   OpenFunc

	Log       *logging.Logger
	Publisher scancore.Publisher
}

type nopPublisher struct{}

func (nopPublisher) Publishf(string, string, ...interface{}) {}

// Device is a scanner found on a parallel port.
type Device struct {
	name     string
	open     OpenFunc
	log      *logging.Logger
	pub      scancore.Publisher
	initMode InitMode
	mode     parport.Mode

	// Found by Attach.
	id       string
	hw       Hardware
	weights  string
	readOnly bool

	mu    sync.Mutex
	inUse bool
}

// Attach checks the port capabilities, initialises the scanner to learn
// its model and puts it back to sleep, leaving the port unclaimed.
func Attach(ctx context.Context, opts Options) (_ *Device, err error) {
	tr := trace.New("canonpp", "Attach "+opts.Name)
	defer func() {
		if err != nil {
			tr.LazyPrintf("error: %v", err)
			tr.SetError()
		}
		tr.Finish()
	}()

	d := &Device{
		name: opts.Name,
		open: opts.Open,
		log:  opts.Log,
		pub:  opts.Publisher,
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	d.log = d.log.With("device", d.name, "backend", config.BackendCanonPP)
	if d.pub == nil {
		d.pub = nopPublisher{}
	}
	if d.initMode, err = ParseInitMode(opts.Device.InitMode); err != nil {
		return nil, err
	}

	p, err := d.open()
	if err != nil {
		return nil, err
	}
	defer p.Close()
	if d.mode, err = parport.BestMode(p.Capabilities(), opts.Device.ForceNibble); err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	tr.LazyPrintf("port %s, capabilities %b, using %v", p.Name(), p.Capabilities(), d.mode)

	if err := p.Claim(); err != nil {
		return nil, err
	}
	defer p.Release()
	sc, err := Initialise(ctx, p, d.mode, d.initMode, d.log)
	if err != nil {
		return nil, fmt.Errorf("%s: no scanner found: %w", p.Name(), err)
	}
	d.id, d.hw, d.mode = sc.ID, sc.Hardware, sc.Mode()
	if err := sc.Sleep(ctx); err != nil {
		return nil, err
	}
	tr.LazyPrintf("id %q, model %s, head width %d", d.id, d.hw.Name, d.hw.HeadWidth)

	d.weights, d.readOnly, err = FixWeightsPath(opts.Device.CalibrationFile, p.Name())
	if err != nil {
		// Scans work without calibration, they just look worse.
		d.log.Warn("no calibration file", "err", err)
		d.weights = ""
	}
	d.log.Info("attached",
		"model", d.hw.Name,
		"id", d.id,
		"mode", d.mode.String(),
		"calibration_file", d.weights)
	d.pub.Publishf(d.name, "ready")
	return d, nil
}

// Hardware returns the scanner model found by Attach.
func (d *Device) Hardware() Hardware { return d.hw }

// Info implements scancore.Device.
func (d *Device) Info() scancore.DeviceInfo {
	return scancore.DeviceInfo{
		Name:    d.name,
		Vendor:  "CANON",
		Model:   d.hw.Name,
		Type:    "flatbed scanner",
		Backend: config.BackendCanonPP,
	}
}

// Resolutions returns the supported resolutions in dpi.
func (d *Device) Resolutions() []int {
	if d.hw.HeadWidth == 2552 {
		return []int{75, 150, 300}
	}
	return []int{75, 150, 300, 600}
}

// Open implements scancore.Device. The scanner is woken up and the
// calibration file, if valid, is loaded and its gamma table uploaded.
func (d *Device) Open(ctx context.Context) (_ scancore.Scanner, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse {
		return nil, fmt.Errorf("%w: %s is already open", scancore.ErrDeviceBusy, d.name)
	}
	p, err := d.open()
	if err != nil {
		return nil, err
	}
	if err := p.Claim(); err != nil {
		p.Close()
		return nil, err
	}
	sc, err := Initialise(ctx, p, d.mode, d.initMode, d.log)
	if err != nil {
		p.Release()
		p.Close()
		return nil, fmt.Errorf("%w: %v", scancore.ErrIO, err)
	}
	if d.weights != "" {
		w, err := LoadWeights(d.weights, sc.HeadWidth)
		if err != nil {
			d.log.Warn("not using calibration, recalibrate the scanner", "err", err)
		} else {
			sc.Weights = w
			if err := sc.AdjustGamma(ctx); err != nil {
				d.log.Warn("uploading gamma table", "err", err)
			}
		}
	}
	d.inUse = true
	return &Handle{dev: d, port: p, sc: sc}, nil
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inUse = false
}

// Prober attaches the canon_pp devices of a configuration.
type Prober struct {
	Config    *config.Config
	Log       *logging.Logger
	Publisher scancore.Publisher
}

// Probe attaches every configured canon_pp device. Ports without a
// scanner are logged and skipped.
func (p *Prober) Probe(ctx context.Context) ([]scancore.Device, error) {
	var devs []scancore.Device
	for _, dc := range p.Config.Devices {
		if dc.Backend != config.BackendCanonPP {
			continue
		}
		path := dc.Path
		d, err := Attach(ctx, Options{
			Name:   dc.Name,
			Device: dc,
			Open: func() (parport.Port, error) {
				pp, err := parport.OpenPpdev(path)
				if err != nil {
					return nil, err
				}
				return pp, nil
			},
			Log:       p.Log,
			Publisher: p.Publisher,
		})
		if err != nil {
			if p.Log != nil {
				p.Log.Warn("attaching device failed", "device", dc.Name, "path", dc.Path, "err", err)
			}
			continue
		}
		devs = append(devs, d)
	}
	return devs, nil
}
