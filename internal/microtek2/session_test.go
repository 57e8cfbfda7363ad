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
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/config"
	"github.com/stapelberg/scancore/internal/scsi"
	"github.com/stapelberg/scancore/internal/shadingcache"
	"golang.org/x/net/trace"
)

type recordingPublisher struct {
	mu     sync.Mutex
	status []string
}

func (p *recordingPublisher) Publishf(device, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = append(p.status, format)
}

func (p *recordingPublisher) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.status) == 0 {
		return ""
	}
	return p.status[len(p.status)-1]
}

type memoryStore struct {
	entries map[string]*shadingcache.Entry
}

func (m *memoryStore) Get(key shadingcache.Key) (*shadingcache.Entry, error) {
	e, ok := m.entries[key.String()]
	if !ok {
		return nil, shadingcache.ErrNotFound
	}
	return e, nil
}

func (m *memoryStore) Put(key shadingcache.Key, e *shadingcache.Entry) error {
	m.entries[key.String()] = e
	return nil
}

func (m *memoryStore) Delete(key shadingcache.Key) error {
	delete(m.entries, key.String())
	return nil
}

type attachOptions struct {
	dev   config.DeviceConfig
	pub   scancore.Publisher
	cache ShadingStore
}

func attachFake(t *testing.T, f *fakeTransport, o attachOptions) *Device {
	t.Helper()
	dc := o.dev
	dc.Name = "fake"
	dc.Backend = config.BackendMicrotek2
	if dc.StripHeight == 0 {
		dc.StripHeight = 1.0
	}
	if dc.ShadingReduction == "" {
		dc.ShadingReduction = "median"
	}
	d, err := Attach(context.Background(), Options{
		Name:   dc.Name,
		Device: dc,
		Reader: config.Default().Reader,
		Open: func(context.Context) (scsi.Transport, error) {
			return f, nil
		},
		Publisher: o.pub,
		Cache:     o.cache,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func grayRequest() *scancore.ScanRequest {
	req := scancore.DefaultRequest(300)
	req.Mode = scancore.Gray
	req.BRX, req.BRY = 10, 10
	return req
}

func TestAttach(t *testing.T) {
	a := defaultAttrs()
	a.options = OptTMA
	f := newFake(0x81, a)
	f.attributes[2] = defaultAttrs().bytes()
	d := attachFake(t, f, attachOptions{})

	if diff := cmp.Diff([]scancore.Source{scancore.Flatbed, scancore.TMA}, d.Sources()); diff != "" {
		t.Errorf("Sources: unexpected diff (-want +got):\n%s", diff)
	}
	info := d.Info()
	if info.Model != "ScanMaker 4" || info.Backend != config.BackendMicrotek2 {
		t.Errorf("Info() = %+v", info)
	}
	if f.closed != 1 {
		t.Errorf("transport closed %d times after Attach, want 1", f.closed)
	}
}

func TestAttachNoLookupTables(t *testing.T) {
	a := defaultAttrs()
	a.lutCap = 0
	d := attachFake(t, newFake(0x81, a), attachOptions{})
	if !d.Quirks().Has(NoGamma) {
		t.Fatalf("flags = %v, want no-gamma for devices without lookup tables", d.Quirks().Flags)
	}
}

func TestAttachUnsupported(t *testing.T) {
	for _, tt := range []struct {
		name string
		f    *fakeTransport
	}{
		{"vendor", &fakeTransport{inquiry: inquiryData("CANON   ", 0x81, "1.00")}},
		{"model", newFake(0x42, defaultAttrs())},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Attach(context.Background(), Options{
				Name:   "fake",
				Reader: config.Default().Reader,
				Open: func(context.Context) (scsi.Transport, error) {
					return tt.f, nil
				},
			})
			if !errors.Is(err, scancore.ErrIO) {
				t.Fatalf("Attach: got %v, want %v", err, scancore.ErrIO)
			}
		})
	}
}

func TestGrayScan(t *testing.T) {
	f := newFake(0x81, defaultAttrs())
	f.imageInfo = []ImageInfo{{PPL: 100, BPL: 100, Lines: 20}}
	pub := &recordingPublisher{}
	d := attachFake(t, f, attachOptions{pub: pub})

	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	p, err := s.Start(ctx, grayRequest())
	if err != nil {
		t.Fatal(err)
	}
	want := scancore.Params{
		Format:        scancore.FrameGray,
		LastFrame:     true,
		BytesPerLine:  100,
		PixelsPerLine: 100,
		Lines:         20,
		Depth:         8,
		XRes:          300,
		YRes:          300,
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("Start: unexpected diff (-want +got):\n%s", diff)
	}

	b, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(b), 100*20; got != want {
		t.Fatalf("read %d bytes, want %d", got, want)
	}
	for i, v := range b {
		if v != byte(i) {
			t.Fatalf("b[%d] = %d, want %d", i, v, byte(i))
		}
	}
	if got, want := f.aborts(), 1; got != want {
		t.Errorf("scan stopped %d times, want %d", got, want)
	}
	if got, want := pub.last(), "done"; got != want {
		t.Errorf("last status %q, want %q", got, want)
	}
	if _, err := s.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Read after the end: got %v, want %v", err, io.EOF)
	}

	// The lamp was switched on with the automatic switch-off.
	st := &SystemStatus{}
	st.decode(f.status)
	if !st.FLamp || st.TLamp || !st.AutoLampOff || st.TimeRemain != 10 {
		t.Errorf("status: flamp %v, tlamp %v, auto lamp off %v, time remaining %d",
			st.FLamp, st.TLamp, st.AutoLampOff, st.TimeRemain)
	}

	// Gamma tables of 4096 two byte entries were sent in one command.
	gamma := f.sent(0x2a, 0x03)
	if len(gamma) != 1 || len(gamma[0].data) != 3*4096*2 {
		t.Errorf("sent %d gamma commands, want 1 of %d bytes", len(gamma), 3*4096*2)
	}
}

func TestBusy(t *testing.T) {
	f := newFake(0x81, defaultAttrs())
	f.imageInfo = []ImageInfo{{PPL: 100, BPL: 100, Lines: 20}}
	d := attachFake(t, f, attachOptions{})

	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Open(ctx); !errors.Is(err, scancore.ErrDeviceBusy) {
		t.Fatalf("second Open: got %v, want %v", err, scancore.ErrDeviceBusy)
	}
	if _, err := s.Start(ctx, grayRequest()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(ctx, grayRequest()); !errors.Is(err, scancore.ErrDeviceBusy) {
		t.Fatalf("second Start: got %v, want %v", err, scancore.ErrDeviceBusy)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s, err = d.Open(ctx)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	s.Close()
}

func TestCancel(t *testing.T) {
	f := newFake(0x81, defaultAttrs())
	f.imageInfo = []ImageInfo{{PPL: 100, BPL: 100, Lines: 20}}
	pub := &recordingPublisher{}
	d := attachFake(t, f, attachOptions{pub: pub})

	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Start(ctx, grayRequest()); err != nil {
		t.Fatal(err)
	}
	s.Cancel()
	if _, err := io.ReadAll(s); !errors.Is(err, scancore.ErrCancelled) {
		t.Fatalf("Read after Cancel: got %v, want %v", err, scancore.ErrCancelled)
	}
	if got, want := f.aborts(), 1; got != want {
		t.Errorf("scan stopped %d times, want %d", got, want)
	}
	if got, want := pub.last(), "cancelled"; got != want {
		t.Errorf("last status %q, want %q", got, want)
	}

	// The handle accepts a new scan.
	if _, err := s.Start(ctx, grayRequest()); err != nil {
		t.Fatalf("Start after Cancel: %v", err)
	}
}

func TestReadError(t *testing.T) {
	f := newFake(0x81, defaultAttrs())
	f.imageInfo = []ImageInfo{{PPL: 100, BPL: 100, Lines: 20}}
	f.failImage = 1
	pub := &recordingPublisher{}
	d := attachFake(t, f, attachOptions{pub: pub})

	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Start(ctx, grayRequest()); err != nil {
		t.Fatal(err)
	}
	_, err = io.ReadAll(s)
	if !errors.Is(err, scancore.ErrIO) {
		t.Fatalf("Read: got %v, want %v", err, scancore.ErrIO)
	}
	if errors.Is(err, scancore.ErrCancelled) {
		t.Fatalf("Read: got %v, want no cancellation", err)
	}
	if got, want := pub.last(), "error: %v"; got != want {
		t.Errorf("last status %q, want %q", got, want)
	}
}

func TestStartInvalidSource(t *testing.T) {
	f := newFake(0x81, defaultAttrs())
	d := attachFake(t, f, attachOptions{})
	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	req := grayRequest()
	req.Source = scancore.ADF
	if _, err := s.Start(ctx, req); !errors.Is(err, scancore.ErrInvalid) {
		t.Fatalf("Start(adf): got %v, want %v", err, scancore.ErrInvalid)
	}
}

// shadingFake returns a device which needs dark and white shading uploads.
func shadingFake() *fakeTransport {
	a := defaultAttrs()
	a.equation = 0x20
	f := newFake(0x81, a)
	shadingImage := ImageInfo{PPL: 2550, BPL: 2550 * 3 * 2, Lines: 20}
	f.imageInfo = []ImageInfo{
		shadingImage, // dark
		shadingImage, // white
		{PPL: 100, BPL: 100, Lines: 20},
	}
	f.image = func(off int) byte {
		if off < shadingImage.BPL*shadingImage.Lines {
			return 0x10 // dark
		}
		return 0xf0
	}
	return f
}

func TestShadingUpload(t *testing.T) {
	f := shadingFake()
	pub := &recordingPublisher{}
	d := attachFake(t, f, attachOptions{pub: pub})

	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	req := grayRequest()
	req.CalibBackend = true
	if _, err := s.Start(ctx, req); err != nil {
		t.Fatal(err)
	}

	sends := f.sent(0x2a, 0x01)
	if got, want := len(sends), 2; got != want {
		t.Fatalf("sent %d shading tables, want %d", got, want)
	}
	for i, dark := range []bool{true, false} {
		cdb := sends[i].cdb
		if got := cdb[5]&0x02 != 0; got != dark {
			t.Errorf("table %d: dark = %v, want %v", i, got, dark)
		}
		if cdb[5]&0x01 == 0 {
			t.Errorf("table %d: word bit not set", i)
		}
		if got, want := len(sends[i].data), 2*3*2550; got != want {
			t.Errorf("table %d: %d bytes, want %d", i, got, want)
		}
	}
	if got, want := len(f.sent(0x24, 0)), 3; got != want {
		t.Errorf("%d windows set, want %d (dark, white, scan)", got, want)
	}
	if got, want := d.shading.Source, scancore.Flatbed; got != want {
		t.Errorf("shading source = %v, want %v", got, want)
	}
}

func TestShadingInverted(t *testing.T) {
	f := shadingFake()
	f.image = func(off int) byte {
		if off < 2550*3*2*20 {
			return 0xf0 // dark
		}
		return 0x10
	}
	pub := &recordingPublisher{}
	d := attachFake(t, f, attachOptions{pub: pub})

	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	req := grayRequest()
	req.CalibBackend = true
	if _, err := s.Start(ctx, req); !errors.Is(err, scancore.ErrBadCalibration) {
		t.Fatalf("Start: got %v, want %v", err, scancore.ErrBadCalibration)
	}
	if got := len(f.sent(0x2a, 0x01)); got != 1 {
		t.Errorf("sent %d shading tables, want 1 (dark only)", got)
	}
	if d.shading != nil {
		t.Errorf("inverted shading tables were kept")
	}
	if got, want := pub.last(), "error: %v"; got != want {
		t.Errorf("last status %q, want %q", got, want)
	}
}

func TestReadControlBitMask(t *testing.T) {
	f := newFake(0x81, defaultAttrs())
	f.controlBits = []byte{0xff, 0x0f, 0x00}
	bits, err := ReadControlBitMask(context.Background(), f, 3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xff, 0x0f, 0x00}, bits); diff != "" {
		t.Errorf("ReadControlBitMask: unexpected diff (-want +got):\n%s", diff)
	}
	cmds := f.sent(0x28, 0x90)
	if got, want := len(cmds), 1; got != want {
		t.Fatalf("sent %d read control bits commands, want %d", got, want)
	}
}

func TestShadingFirmwareOnly(t *testing.T) {
	f := newFake(0x81, defaultAttrs())
	f.imageInfo = []ImageInfo{{PPL: 100, BPL: 100, Lines: 20}}
	d := attachFake(t, f, attachOptions{})

	ctx := context.Background()
	s, err := d.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Start(ctx, grayRequest()); err != nil {
		t.Fatal(err)
	}
	if got := len(f.sent(0x2a, 0x01)); got != 0 {
		t.Fatalf("sent %d shading tables without backend calibration, want 0", got)
	}
}

func TestShadingCache(t *testing.T) {
	f := newFake(0x81, defaultAttrs())
	d := attachFake(t, f, attachOptions{cache: &memoryStore{entries: make(map[string]*shadingcache.Entry)}})
	d.quirks.Flags |= ReadControlBits
	sess := &session{
		dev: d,
		t:   f,
		req: grayRequest(),
		mi:  d.info[scancore.Flatbed],
	}
	sess.log = d.log
	sess.tr = trace.New("microtek2", t.Name())
	defer sess.tr.Finish()

	if sess.loadShading(scancore.Color) {
		t.Fatalf("loadShading succeeded on an empty cache")
	}
	d.shading = &shadingTables{
		Mode:   scancore.Color,
		Source: scancore.Flatbed,
		Dark:   []uint16{1, 1, 1},
		White:  []uint16{9, 9, 9},
	}
	sess.storeShading(12)
	d.shading = nil
	if !sess.loadShading(scancore.Color) {
		t.Fatalf("loadShading failed after storeShading")
	}
	if diff := cmp.Diff([]uint16{9, 9, 9}, d.shading.White); diff != "" {
		t.Errorf("white: unexpected diff (-want +got):\n%s", diff)
	}

	// Entries with a white reference at or below the dark reference are
	// discarded.
	d.shading = &shadingTables{
		Mode:   scancore.Color,
		Source: scancore.Flatbed,
		Dark:   []uint16{9, 9, 9},
		White:  []uint16{9, 9, 9},
	}
	sess.storeShading(12)
	d.shading = nil
	if sess.loadShading(scancore.Color) {
		t.Fatalf("loadShading accepted bad calibration data")
	}
	if sess.loadShading(scancore.Color) {
		t.Fatalf("bad calibration data was not deleted")
	}
}
