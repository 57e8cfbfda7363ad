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
	"strconv"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/reshuffle"
	"github.com/stapelberg/scancore/internal/shading"
	"github.com/stapelberg/scancore/internal/shadingcache"
)

// ShadingStore persists shading tables across program runs.
type ShadingStore interface {
	Get(key shadingcache.Key) (*shadingcache.Entry, error)
	Put(key shadingcache.Key, e *shadingcache.Entry) error
	Delete(key shadingcache.Key) error
}

// shadingTables are the reduced shading lines of the last calibration.
// Devices with control bits keep them across scans.
type shadingTables struct {
	// Mode and Source describe the scan the tables were read for.
	Mode   scancore.Mode
	Source scancore.Source
	Dark   []uint16
	White  []uint16
}

func (d *Device) cacheKey(src scancore.Source, mode scancore.Mode) shadingcache.Key {
	return shadingcache.Key{
		Vendor:   d.inq.Vendor,
		Model:    d.quirks.Model,
		Revision: strconv.FormatFloat(d.revision, 'f', 2, 64),
		Source:   src.String(),
		Mode:     mode.String(),
	}
}

// loadShading fills the shading tables from the store, if one has an entry
// for the scan.
func (s *session) loadShading(mode scancore.Mode) bool {
	d := s.dev
	if d.cache == nil {
		return false
	}
	key := d.cacheKey(s.req.Source, mode)
	e, err := d.cache.Get(key)
	if err != nil {
		if !errors.Is(err, shadingcache.ErrNotFound) {
			s.log.Warn("reading shading cache", "key", key.String(), "err", err)
		}
		return false
	}
	if err := shading.Check(e.Dark, e.White); err != nil {
		s.log.Warn("discarding cached shading", "key", key.String(), "err", err)
		d.cache.Delete(key)
		return false
	}
	d.shading = &shadingTables{Mode: mode, Source: s.req.Source, Dark: e.Dark, White: e.White}
	s.tr.LazyPrintf("shading tables loaded from cache %s", key)
	return true
}

func (s *session) storeShading(depth int) {
	d := s.dev
	if d.cache == nil || d.shading == nil {
		return
	}
	key := d.cacheKey(d.shading.Source, d.shading.Mode)
	if err := d.cache.Put(key, &shadingcache.Entry{
		Dark:  d.shading.Dark,
		White: d.shading.White,
		Depth: depth,
	}); err != nil {
		s.log.Warn("writing shading cache", "key", key.String(), "err", err)
	}
}

// shadingLayout returns the layout of shading images of format.
func shadingLayout(f reshuffle.Format) (shading.ImageLayout, error) {
	switch f {
	case reshuffle.PerColorLines:
		return shading.PerColorLines, nil
	case reshuffle.Chunky, reshuffle.Format9800, reshuffle.WordChunky:
		return shading.Interleaved, nil
	case reshuffle.Segregated:
		return shading.Segregated, nil
	}
	return 0, fmt.Errorf("%w: shading data of %v", scancore.ErrUnsupportedFormat, f)
}

// readShadingPass scans the calibration strip with the current window and
// reduces the image to one line.
func (s *session) readShadingPass(ctx context.Context, w *Window, divisor int) ([]uint16, error) {
	d, t := s.dev, s.t
	if err := SetWindow(ctx, t, w); err != nil {
		return nil, err
	}
	info, err := ReadImageInfo(ctx, t, d.quirks.Has(RIITwoBytes))
	if err != nil {
		return nil, err
	}
	if err := WaitForImage(ctx, t, colorAll, s.mi.NewImageStatus); err != nil {
		return nil, err
	}
	if err := ReadSystemStatus(ctx, t, &d.status); err != nil {
		return nil, err
	}
	return s.readShadingImage(ctx, info, divisor)
}

func (s *session) readShadingImage(ctx context.Context, info ImageInfo, divisor int) ([]uint16, error) {
	d := s.dev
	if info.BPL < 1 || info.Lines < 1 {
		return nil, fmt.Errorf("%w: shading image of %d lines, %d bytes each", scancore.ErrIO, info.Lines, info.BPL)
	}
	maxLines := d.maxRequest / info.BPL
	if maxLines == 0 {
		return nil, fmt.Errorf("%w: shading line of %d bytes exceeds max request %d", scancore.ErrIO, info.BPL, d.maxRequest)
	}
	entry := 1
	if d.quirks.ShadingDepth > 8 {
		entry = 2
	}
	swap := bigEndian && d.quirks.Has(PhantomC6) && entry == 2
	img := make([]byte, info.BPL*info.Lines)
	for off, remaining := 0, info.Lines; remaining > 0; {
		lines := min(maxLines, remaining)
		n := lines * info.BPL
		if err := ReadImage(ctx, s.t, img[off:off+n], colorAll, swap); err != nil {
			return nil, err
		}
		off += n
		remaining -= lines
	}
	s.tr.LazyPrintf("read shading image: %d lines of %d bytes", info.Lines, info.BPL)

	layout, err := shadingLayout(s.mi.Format)
	if err != nil {
		return nil, err
	}
	_, lutEntry := s.mi.LutSize()
	return shading.PrepareLine(&shading.Image{
		Data:         img,
		Lines:        info.Lines,
		BytesPerLine: info.BPL,
		EntrySize:    lutEntry,
		Width:        s.mi.GeoWidth / divisor,
	}, layout, d.reduction)
}

// sendShadingTable converts a shading line with the transfer function of
// the device and uploads it.
func (s *session) sendShadingTable(ctx context.Context, line []uint16, width int, dark bool) error {
	lutSize, entry := s.mi.LutSize()
	if entry != 2 {
		return fmt.Errorf("%w: shading upload with %d byte lookup tables", scancore.ErrIO, entry)
	}
	table := append([]uint16(nil), line...)
	if err := shading.TransferFunction(table, width, s.mi.ShadingEquation, lutSize, s.mi.Balance); err != nil {
		if !errors.Is(err, scancore.ErrUnsupportedFormat) {
			return err
		}
		// The firmware applies unknown equations itself.
		s.log.Debug("uploading shading unchanged", "equation", s.mi.ShadingEquation)
	}
	buf := make([]byte, 0, 2*3*width)
	for _, v := range table[:3*width] {
		buf = binary.NativeEndian.AppendUint16(buf, v)
	}
	return SendShading(ctx, s.t, buf, colorAll, dark, true)
}

// readShading reads dark and white shading images of the calibration
// strip. Devices with control bits keep the tables for the backend,
// all others receive them through SEND SHADING.
func (s *session) readShading(ctx context.Context) error {
	d, t, mi, q := s.dev, s.t, s.mi, s.dev.quirks
	st := &d.status
	c6 := q.Has(PhantomC6)
	divisor := calibDivisor(mi, q, s.params.Window.XRes)
	width := mi.GeoWidth / divisor
	// Shading images are always scanned in color.
	tables := &shadingTables{Mode: scancore.Color, Source: s.req.Source}

	s.dev.pub.Publishf(d.name, "calibrating")
	if !mi.WhiteShadingOnly() || c6 {
		st.NoTrack = true
		st.NoCalib = false
		st.FLamp = true
		if c6 {
			st.Stick = true
			st.Reserved17 = true
		}
		w := calibWindow(mi, q, divisor)
		if c6 {
			w.Stay = true
		}
		if err := SendSystemStatus(ctx, t, st); err != nil {
			return err
		}
		if err := SetWindow(ctx, t, w); err != nil {
			return err
		}
		info, err := ReadImageInfo(ctx, t, q.Has(RIITwoBytes))
		if err != nil {
			return err
		}
		if err := WaitForImage(ctx, t, colorAll, mi.NewImageStatus); err != nil {
			return err
		}
		// The dark reference is read with the lamp off.
		if err := ReadSystemStatus(ctx, t, st); err != nil {
			return err
		}
		st.FLamp = false
		if err := SendSystemStatus(ctx, t, st); err != nil {
			return err
		}
		dark, err := s.readShadingImage(ctx, info, divisor)
		if err != nil {
			return fmt.Errorf("dark shading: %w", err)
		}
		tables.Dark = dark
		if !q.Has(ReadControlBits) {
			if err := s.sendShadingTable(ctx, dark, width, true); err != nil {
				return err
			}
		}
	}

	st.NoCalib = !mi.WhiteShadingOnly() || c6
	st.FLamp = true
	st.NoTrack = true
	if c6 {
		st.Stick = false
		st.Reserved17 = true
	}
	if err := SendSystemStatus(ctx, t, st); err != nil {
		return err
	}
	white, err := s.readShadingPass(ctx, calibWindow(mi, q, divisor), divisor)
	if err != nil {
		return fmt.Errorf("white shading: %w", err)
	}
	tables.White = white
	if err := shading.Check(tables.Dark, tables.White); err != nil {
		s.log.Warn("shading references", "err", err)
		return err
	}
	if !q.Has(ReadControlBits) {
		if err := s.sendShadingTable(ctx, white, width, false); err != nil {
			return err
		}
	}

	st.NoCalib = true
	if c6 {
		st.Stick = false
		st.Reserved17 = false
	}
	if err := SendSystemStatus(ctx, t, st); err != nil {
		return err
	}
	d.shading = tables
	if q.Has(ReadControlBits) {
		s.storeShading(q.ShadingDepth)
	}
	return nil
}

// readCxShading reads the shading tables of devices which transfer them
// with READ SHADING in the geometry of the scan.
func (s *session) readCxShading(ctx context.Context) error {
	d := s.dev
	color, colors := colorGreen, 1
	if s.params.Mode == scancore.Color {
		color, colors = colorAll, 3
	}
	tables := &shadingTables{Mode: s.params.Mode, Source: s.req.Source}
	s.dev.pub.Publishf(d.name, "calibrating")
	for _, pass := range []struct {
		dark, word bool
		dst        *[]uint16
	}{
		{dark: false, word: true, dst: &tables.White},
		// Dark shading is read with only the low bytes.
		{dark: true, word: false, dst: &tables.Dark},
	} {
		pixels := d.quirks.ControlBytes * 8
		lines := d.quirks.ShadingLength
		lineBytes := pixels * colors
		if pass.word {
			lineBytes *= 2
		}
		maxLines := d.maxRequest / lineBytes
		if maxLines == 0 {
			return fmt.Errorf("%w: shading line of %d bytes exceeds max request %d", scancore.ErrIO, lineBytes, d.maxRequest)
		}
		raw := make([]byte, lines*lineBytes)
		for off, remaining := 0, lines; remaining > 0; {
			n := min(maxLines, remaining) * lineBytes
			if err := ReadShading(ctx, s.t, raw[off:off+n], color, pass.dark, pass.word); err != nil {
				return err
			}
			off += n
			remaining -= n / lineBytes
		}
		line, err := shading.CxLine(raw, lines, pixels, colors, pass.word)
		if err != nil {
			return err
		}
		*pass.dst = line
	}
	d.shading = tables
	s.storeShading(8)
	return nil
}

// corrector condenses the shading tables to the columns of the current
// scan, as selected by the control bits.
func (s *session) corrector(controlBits []byte) *shading.Corrector {
	d, mi, q := s.dev, s.mi, s.dev.quirks
	tables := d.shading
	if tables == nil || tables.White == nil {
		return nil
	}
	p := shading.CondenseParams{
		ControlBits: controlBits,
		BitOffset:   q.ControlBitOffset,
		GeoWidth:    mi.GeoWidth,
		TablePixels: mi.GeoWidth,
		PPL:         s.image.PPL,
		RTOL:        mi.RTOL,
		Color:       s.params.Mode == scancore.Color,
		GrayColor:   colorGreen,
	}
	wide := false
	if q.Has(CX336Shading) {
		p.TablePixels = q.ControlBytes * 8
		p.GrayColor = 0
		p.OffsetTable = true
	} else {
		_, entry := mi.LutSize()
		wide = q.ShadingDepth > 8 && entry == 2
	}
	factor := float64(int(1) << max(q.ShadingDepth-s.params.Depth, 0))
	if s.params.Mode == scancore.LineartFake {
		factor = float64(int(1) << max(q.ShadingDepth-8, 0))
	}
	return &shading.Corrector{
		Dark:   shading.Condense(tables.Dark, p),
		White:  shading.Condense(tables.White, p),
		PPL:    s.image.PPL,
		RTOL:   mi.RTOL,
		Wide:   wide,
		Factor: factor,
	}
}
