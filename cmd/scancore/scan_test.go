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
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/ff/v4"
	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/logging"
	"github.com/stapelberg/scancore/internal/mayqtt"
	"github.com/stapelberg/scancore/internal/registry"
)

// grayScanner produces a 4x2 gray frame.
type grayScanner struct {
	req    *scancore.ScanRequest
	data   *bytes.Reader
	closed bool
	failAt int
}

func (s *grayScanner) Start(_ context.Context, req *scancore.ScanRequest) (scancore.Params, error) {
	s.req = req
	s.data = bytes.NewReader([]byte{0, 64, 128, 255, 255, 128, 64, 0})
	return scancore.Params{
		Format:        scancore.FrameGray,
		LastFrame:     true,
		BytesPerLine:  4,
		PixelsPerLine: 4,
		Lines:         2,
		Depth:         8,
		XRes:          int(req.XRes),
		YRes:          int(req.YRes),
	}, nil
}

func (s *grayScanner) Read(p []byte) (int, error) {
	if s.failAt > 0 && s.data.Len() <= s.failAt {
		return 0, scancore.ErrIO
	}
	return s.data.Read(p)
}

func (s *grayScanner) Cancel() {}

func (s *grayScanner) Close() error {
	s.closed = true
	return nil
}

type grayDevice struct {
	name    string
	scanner *grayScanner
}

func (d *grayDevice) Info() scancore.DeviceInfo {
	return scancore.DeviceInfo{
		Name:    d.name,
		Vendor:  "CANON",
		Model:   "CANOSCAN 620P",
		Type:    "flatbed scanner",
		Backend: "canon_pp",
	}
}

func (d *grayDevice) Open(context.Context) (scancore.Scanner, error) {
	return d.scanner, nil
}

func testEnv(devs ...scancore.Device) *env {
	reg := registry.New()
	for _, d := range devs {
		reg.Register(d)
	}
	return &env{
		log: logging.Discard(),
		reg: reg,
	}
}

func TestScanRequestFlags(t *testing.T) {
	fs := ff.NewFlagSet("scan")
	sf := newScanFlags(fs)
	if err := ff.Parse(fs, []string{
		"--mode=gray",
		"--source=adf",
		"--resolution=150",
		"--br_x=100",
		"--br_y=200",
		"--gamma=2.2",
		"--preview",
	}); err != nil {
		t.Fatal(err)
	}
	req, err := sf.request()
	if err != nil {
		t.Fatal(err)
	}
	want := scancore.DefaultRequest(150)
	want.Mode = scancore.Gray
	want.Source = scancore.ADF
	want.BRX, want.BRY = 100, 200
	want.GammaMode = scancore.GammaScalar
	want.Gamma = [4]float64{2.2, 2.2, 2.2, 2.2}
	want.Preview = true
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("request: unexpected diff (-want +got):\n%s", diff)
	}
}

func TestScanRequestFlagsInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"--mode=sepia"},
		{"--source=drum"},
		{"--tl_x=100", "--br_x=50"},
	} {
		fs := ff.NewFlagSet("scan")
		sf := newScanFlags(fs)
		if err := ff.Parse(fs, args); err != nil {
			t.Fatal(err)
		}
		if _, err := sf.request(); !errors.Is(err, scancore.ErrInvalid) {
			t.Errorf("request(%v) = %v, want ErrInvalid", args, err)
		}
	}
}

func TestScanRequestLineart(t *testing.T) {
	fs := ff.NewFlagSet("scan")
	sf := newScanFlags(fs)
	if err := ff.Parse(fs, []string{"--depth=1"}); err != nil {
		t.Fatal(err)
	}
	req, err := sf.request()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := req.Mode, scancore.Lineart; got != want {
		t.Fatalf("Mode = %v, want %v", got, want)
	}
}

func TestScanTo(t *testing.T) {
	sc := &grayScanner{}
	e := testEnv(&grayDevice{name: "canon", scanner: sc})
	path := filepath.Join(t.TempDir(), "scan.pgm")
	if err := e.scanTo(context.Background(), "", scancore.DefaultRequest(75), path, formatPNM); err != nil {
		t.Fatal(err)
	}
	if !sc.closed {
		t.Fatalf("scanner not closed after scan")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte("P5\n# scancore dev\n4 2\n255\n"), 0, 64, 128, 255, 255, 128, 64, 0)
	if diff := cmp.Diff(want, b); diff != "" {
		t.Fatalf("scan file: unexpected diff (-want +got):\n%s", diff)
	}

	// The device is released after the scan.
	if _, err := e.reg.Acquire(context.Background(), "canon"); err != nil {
		t.Fatalf("Acquire after scan: %v", err)
	}
}

func TestScanToReadError(t *testing.T) {
	sc := &grayScanner{failAt: 4}
	e := testEnv(&grayDevice{name: "canon", scanner: sc})
	path := filepath.Join(t.TempDir(), "scan.pgm")
	err := e.scanTo(context.Background(), "canon", scancore.DefaultRequest(75), path, formatPNM)
	if !errors.Is(err, scancore.ErrIO) {
		t.Fatalf("scanTo = %v, want ErrIO", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("scan file exists after failed scan: %v", err)
	}
}

func TestScanToUnknownDevice(t *testing.T) {
	e := testEnv(&grayDevice{name: "canon", scanner: &grayScanner{}})
	err := e.scanTo(context.Background(), "microtek", scancore.DefaultRequest(75), filepath.Join(t.TempDir(), "scan.pnm"), formatPNM)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("scanTo = %v, want ErrNotFound", err)
	}
}

func TestServeRequest(t *testing.T) {
	sc := &grayScanner{}
	e := testEnv(&grayDevice{name: "canon", scanner: sc})
	dir := t.TempDir()
	if err := e.serveRequest(context.Background(), mayqtt.ScanRequest{Device: "canon", Mode: "gray", Resolution: 150}, dir, formatTIFF); err != nil {
		t.Fatal(err)
	}
	if got, want := sc.req.Mode, scancore.Gray; got != want {
		t.Fatalf("Mode = %v, want %v", got, want)
	}
	if got, want := sc.req.XRes, 150.0; got != want {
		t.Fatalf("XRes = %v, want %v", got, want)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "scan-*.tiff"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(matches), 1; got != want {
		t.Fatalf("found %d scan files, want %d", got, want)
	}
}

func TestRequestFromMQTT(t *testing.T) {
	req, err := requestFromMQTT(mayqtt.ScanRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(scancore.DefaultRequest(300), req); diff != "" {
		t.Fatalf("default request: unexpected diff (-want +got):\n%s", diff)
	}

	req, err = requestFromMQTT(mayqtt.ScanRequest{Mode: "lineart", Resolution: 600})
	if err != nil {
		t.Fatal(err)
	}
	if req.Mode != scancore.Lineart || req.Depth != 1 || req.XRes != 600 {
		t.Fatalf("lineart request = mode %v, depth %d, xres %v", req.Mode, req.Depth, req.XRes)
	}

	if _, err := requestFromMQTT(mayqtt.ScanRequest{Mode: "sepia"}); !errors.Is(err, scancore.ErrInvalid) {
		t.Fatalf("requestFromMQTT(sepia) = %v, want ErrInvalid", err)
	}
}

func TestScanFileName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	if got, want := scanFileName(ts, formatPNM), "scan-20240309-140507.pnm"; got != want {
		t.Errorf("scanFileName = %q, want %q", got, want)
	}
	if got, want := scanFileName(ts, formatTIFF), "scan-20240309-140507.tiff"; got != want {
		t.Errorf("scanFileName = %q, want %q", got, want)
	}
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	if err := printDevices(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "no devices found\n"; got != want {
		t.Fatalf("printDevices(nil) = %q, want %q", got, want)
	}

	buf.Reset()
	if err := printDevices(&buf, []scancore.Device{&grayDevice{name: "canon"}}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if got, want := len(lines), 2; got != want {
		t.Fatalf("printDevices printed %d lines, want %d", got, want)
	}
	if got := strings.Fields(lines[1]); !cmp.Equal(got, []string{"canon", "canon_pp", "CANON", "CANOSCAN", "620P", "flatbed", "scanner"}) {
		t.Fatalf("device line = %q", lines[1])
	}
}

func TestRun(t *testing.T) {
	e := testEnv()
	called := false
	err := e.run(context.Background(), nil, func(ctx context.Context) error {
		called = true
		return io.ErrUnexpectedEOF
	})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("run = %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if !called {
		t.Fatalf("run did not call fn")
	}
}
