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

// Package microtek2 drives Microtek (and compatible AGFA) flatbed scanners
// which implement the Microtek SCSI-II command set, attached via SCSI
// generic or USB.
package microtek2

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/config"
	"github.com/stapelberg/scancore/internal/logging"
	"github.com/stapelberg/scancore/internal/reader"
	"github.com/stapelberg/scancore/internal/scsi"
	"github.com/stapelberg/scancore/internal/shading"
	"golang.org/x/net/trace"
)

// x6MaxRequest bounds transfers of devices which hang on long USB
// transfers.
const x6MaxRequest = 0x10000

// OpenFunc opens a transport to the device.
type OpenFunc func(ctx context.Context) (scsi.Transport, error)

// Options configure a Device.
type Options struct {
	Name   string
	Device config.DeviceConfig
	Reader config.ReaderConfig
	Open   OpenFunc

	Log       *logging.Logger
	Publisher scancore.Publisher
	// Cache may be nil.
	Cache ShadingStore
}

type nopPublisher struct{}

func (nopPublisher) Publishf(string, string, ...interface{}) {}

// Device is an attached scanner.
type Device struct {
	name       string
	cfg        config.DeviceConfig
	open       OpenFunc
	log        *logging.Logger
	pub        scancore.Publisher
	cache      ShadingStore
	readerCfg  reader.Config
	maxRequest int
	reduction  shading.Reduction

	inq      *scsi.InquiryData
	revision float64
	quirks   *Quirks
	info     map[scancore.Source]*Info

	mu    sync.Mutex
	inUse bool

	// Owned by the open handle.
	status  SystemStatus
	shading *shadingTables
}

// Attach identifies the device and reads its attributes for every
// available scan source.
func Attach(ctx context.Context, opts Options) (_ *Device, err error) {
	tr := trace.New("microtek2", "Attach "+opts.Name)
	defer func() {
		if err != nil {
			tr.LazyPrintf("error: %v", err)
			tr.SetError()
		}
		tr.Finish()
	}()

	d := &Device{
		name:  opts.Name,
		cfg:   opts.Device,
		open:  opts.Open,
		log:   opts.Log,
		pub:   opts.Publisher,
		cache: opts.Cache,
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	d.log = d.log.With("device", d.name, "backend", config.BackendMicrotek2)
	if d.pub == nil {
		d.pub = nopPublisher{}
	}
	if d.readerCfg.Mode, err = reader.ParseMode(opts.Reader.Mode); err != nil {
		return nil, err
	}
	d.readerCfg.Buffers = opts.Reader.Buffers
	d.readerCfg.QueuedReads = opts.Reader.QueuedReads
	d.maxRequest = opts.Reader.MaxRequest
	if d.reduction, err = shading.ParseReduction(opts.Device.ShadingReduction); err != nil {
		return nil, err
	}

	t, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	if d.inq, err = scsi.Inquiry(ctx, t); err != nil {
		return nil, err
	}
	if err := CheckInquiry(d.inq); err != nil {
		return nil, err
	}
	tr.LazyPrintf("inquiry: vendor %q, model %q, revision %q, model code 0x%02x",
		d.inq.Vendor, d.inq.Model, d.inq.Revision, d.inq.ModelCode)
	d.revision = parseRevision(d.inq.Revision)

	raw, err := ReadAttributes(ctx, t, scancore.Flatbed)
	if err != nil {
		return nil, err
	}
	if d.quirks, err = LookupModel(d.inq.ModelCode, d.revision, raw[13]>>4); err != nil {
		return nil, err
	}
	flatbed, err := ParseInfo(raw, d.quirks)
	if err != nil {
		return nil, err
	}
	if flatbed.LutCap == 0 {
		d.quirks.Flags |= NoGamma
	}
	if d.quirks.Code == 0xb0 {
		// The shading depth follows the corrected depth flags.
		d.quirks.ShadingDepth = flatbed.MaxDepth()
	}
	d.info = map[scancore.Source]*Info{scancore.Flatbed: flatbed}
	for _, opt := range []struct {
		bit byte
		src scancore.Source
	}{
		{OptTMA, scancore.TMA},
		{OptADF, scancore.ADF},
		{OptStripe, scancore.Stripe},
		{OptSlide, scancore.Slide},
	} {
		if flatbed.OptionDevices&opt.bit == 0 {
			continue
		}
		if opt.src == scancore.Slide && d.quirks.Has(NoSlideMode) {
			continue
		}
		raw, err := ReadAttributes(ctx, t, opt.src)
		if err != nil {
			return nil, err
		}
		mi, err := ParseInfo(raw, d.quirks)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", opt.src, err)
		}
		d.info[opt.src] = mi
	}
	if err := ReadSystemStatus(ctx, t, &d.status); err != nil {
		return nil, err
	}

	if d.quirks.Has(X6ShortTransfer) {
		d.maxRequest = min(d.maxRequest, x6MaxRequest)
	}
	tr.LazyPrintf("model %s, flags %v, sources %v", d.quirks.Model, d.quirks.Flags, d.Sources())
	d.log.Info("attached",
		"model", d.quirks.Model,
		"revision", d.inq.Revision,
		"flags", d.quirks.Flags.String())
	d.pub.Publishf(d.name, "ready")
	return d, nil
}

// Sources returns the available scan sources.
func (d *Device) Sources() []scancore.Source {
	var srcs []scancore.Source
	for _, src := range []scancore.Source{scancore.Flatbed, scancore.TMA, scancore.ADF, scancore.Slide, scancore.Stripe} {
		if _, ok := d.info[src]; ok {
			srcs = append(srcs, src)
		}
	}
	return srcs
}

// Quirks returns the model description of the device.
func (d *Device) Quirks() *Quirks { return d.quirks }

// Info implements scancore.Device.
func (d *Device) Info() scancore.DeviceInfo {
	return scancore.DeviceInfo{
		Name:    d.name,
		Vendor:  "Microtek",
		Model:   d.quirks.Model,
		Type:    "flatbed scanner",
		Backend: config.BackendMicrotek2,
	}
}

// Open implements scancore.Device. A device has at most one handle.
func (d *Device) Open(ctx context.Context) (scancore.Scanner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse {
		return nil, fmt.Errorf("%w: %s is already open", scancore.ErrDeviceBusy, d.name)
	}
	t, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	d.inUse = true
	return &Handle{dev: d, t: t}, nil
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inUse = false
}

// Prober attaches the microtek2 devices of a configuration.
type Prober struct {
	Config    *config.Config
	Log       *logging.Logger
	Publisher scancore.Publisher
	Cache     ShadingStore
}

// Probe attaches every configured microtek2 device. Devices which fail to
// attach are logged and skipped.
func (p *Prober) Probe(ctx context.Context) ([]scancore.Device, error) {
	var devs []scancore.Device
	for _, dc := range p.Config.Devices {
		if dc.Backend != config.BackendMicrotek2 {
			continue
		}
		d, err := Attach(ctx, Options{
			Name:      dc.Name,
			Device:    dc,
			Reader:    p.Config.Reader,
			Open:      opener(dc),
			Log:       p.Log,
			Publisher: p.Publisher,
			Cache:     p.Cache,
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

func opener(dc config.DeviceConfig) OpenFunc {
	return func(ctx context.Context) (scsi.Transport, error) {
		if dc.USB != nil {
			return scsi.FindUSB(strings.ToLower(dc.USB.Vendor), strings.ToLower(dc.USB.Product))
		}
		return scsi.OpenSGIO(dc.Path)
	}
}
