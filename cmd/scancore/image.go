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
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/stapelberg/scancore"
	"golang.org/x/image/tiff"
)

const (
	formatPNM  = "pnm"
	formatTIFF = "tiff"
)

// outputFormat returns format, or the format implied by the extension of
// path if format is empty.
func outputFormat(format, path string) (string, error) {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pnm", ".pbm", ".pgm", ".ppm":
			return formatPNM, nil
		case ".tif", ".tiff":
			return formatTIFF, nil
		}
		return "", fmt.Errorf("cannot derive output format from %q, use --format", path)
	}
	switch format {
	case formatPNM, formatTIFF:
		return format, nil
	case "tif":
		return formatTIFF, nil
	}
	return "", fmt.Errorf("unknown output format %q", format)
}

// frame is one complete frame of scan data.
type frame struct {
	scancore.Params
	data []byte
}

func (f *frame) lines() int {
	if f.BytesPerLine == 0 {
		return 0
	}
	return len(f.data) / f.BytesPerLine
}

func (f *frame) check() error {
	if f.BytesPerLine == 0 || f.PixelsPerLine == 0 {
		return fmt.Errorf("empty frame (%d bytes per line, %d pixels per line)", f.BytesPerLine, f.PixelsPerLine)
	}
	switch f.Depth {
	case 1:
		if f.Format != scancore.FrameGray {
			return fmt.Errorf("1 bit frames must be gray")
		}
	case 8, 16:
	default:
		return fmt.Errorf("unsupported depth %d", f.Depth)
	}
	return nil
}

// sample16 returns the 16 bit sample at index i of line y. Backends emit
// 16 bit samples in host byte order.
func (f *frame) sample16(y, i int) uint16 {
	return binary.NativeEndian.Uint16(f.data[y*f.BytesPerLine+2*i:])
}

// encodePNM writes f as PBM (1 bit), PGM (gray) or PPM (color).
func encodePNM(w io.Writer, f *frame) error {
	if err := f.check(); err != nil {
		return err
	}
	lines := f.lines()
	magic := "P5"
	if f.Format == scancore.FrameRGB {
		magic = "P6"
	}
	if f.Depth == 1 {
		magic = "P4"
	}
	fmt.Fprintf(w, "%s\n# scancore %s\n%d %d\n", magic, version, f.PixelsPerLine, lines)
	if f.Depth == 1 {
		_, err := w.Write(f.data[:lines*f.BytesPerLine])
		return err
	}
	fmt.Fprintf(w, "%d\n", 1<<f.Depth-1)

	samples := f.PixelsPerLine
	if f.Format == scancore.FrameRGB {
		samples *= 3
	}
	if f.Depth == 8 {
		for y := 0; y < lines; y++ {
			off := y * f.BytesPerLine
			if _, err := w.Write(f.data[off : off+samples]); err != nil {
				return err
			}
		}
		return nil
	}
	// PNM stores 16 bit samples most significant byte first.
	line := make([]byte, 2*samples)
	for y := 0; y < lines; y++ {
		for i := 0; i < samples; i++ {
			binary.BigEndian.PutUint16(line[2*i:], f.sample16(y, i))
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// toImage converts f for encoders from the image package ecosystem.
// 1 bit frames become 8 bit gray images.
func toImage(f *frame) (image.Image, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	r := image.Rect(0, 0, f.PixelsPerLine, f.lines())
	rgb := f.Format == scancore.FrameRGB
	switch {
	case f.Depth == 1:
		img := image.NewGray(r)
		for y := 0; y < r.Dy(); y++ {
			for x := 0; x < r.Dx(); x++ {
				b := f.data[y*f.BytesPerLine+x/8]
				if b&(0x80>>(x%8)) == 0 {
					img.Pix[y*img.Stride+x] = 0xff
				}
			}
		}
		return img, nil

	case f.Depth == 8 && !rgb:
		img := image.NewGray(r)
		for y := 0; y < r.Dy(); y++ {
			copy(img.Pix[y*img.Stride:], f.data[y*f.BytesPerLine:y*f.BytesPerLine+r.Dx()])
		}
		return img, nil

	case f.Depth == 8:
		img := image.NewRGBA(r)
		for y := 0; y < r.Dy(); y++ {
			for x := 0; x < r.Dx(); x++ {
				p := f.data[y*f.BytesPerLine+3*x:]
				img.SetRGBA(x, y, color.RGBA{p[0], p[1], p[2], 0xff})
			}
		}
		return img, nil

	case !rgb:
		img := image.NewGray16(r)
		for y := 0; y < r.Dy(); y++ {
			for x := 0; x < r.Dx(); x++ {
				img.SetGray16(x, y, color.Gray16{f.sample16(y, x)})
			}
		}
		return img, nil

	default:
		img := image.NewRGBA64(r)
		for y := 0; y < r.Dy(); y++ {
			for x := 0; x < r.Dx(); x++ {
				img.SetRGBA64(x, y, color.RGBA64{
					R: f.sample16(y, 3*x),
					G: f.sample16(y, 3*x+1),
					B: f.sample16(y, 3*x+2),
					A: 0xffff,
				})
			}
		}
		return img, nil
	}
}

func encodeTIFF(w io.Writer, f *frame) error {
	img, err := toImage(f)
	if err != nil {
		return err
	}
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
}

// writeImage atomically replaces path with f in the given format.
func writeImage(path, format string, f *frame) error {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	bw := bufio.NewWriter(t)
	switch format {
	case formatTIFF:
		err = encodeTIFF(bw, f)
	default:
		err = encodePNM(bw, f)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
