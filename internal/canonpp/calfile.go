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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

// Calibration file errors. Each of them means the scanner has to be
// calibrated again.
var (
	ErrCalMissing = errors.New("canonpp: no calibration file")
	ErrCalHeader  = errors.New("canonpp: calibration file header is wrong")
	ErrCalVersion = errors.New("canonpp: calibration file has the wrong version")
	ErrCalWidth   = errors.New("canonpp: calibration does not match scanner")
	ErrCalShort   = errors.New("canonpp: calibration file is truncated")
)

const (
	calHeader  = "#CANONPP\x00"
	calVersion = 3
)

// Weights are the per-sensor calibration values of a scanner, plus the
// gamma table it computed during calibration.
type Weights struct {
	Black, Red, Green, Blue []uint64
	Gamma                   [gammaSize]byte
}

// LoadWeights reads a calibration file for a scanner with headWidth
// sensor elements. Weights are stored in native byte order, the way the
// file has always been written.
func LoadWeights(path string, headWidth int) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrCalMissing, err)
		}
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	hdr := make([]byte, len(calHeader))
	if _, err := io.ReadFull(r, hdr); err != nil || string(hdr) != calHeader {
		return nil, fmt.Errorf("%s: %w", path, ErrCalHeader)
	}
	var version int32
	if err := binary.Read(r, binary.NativeEndian, &version); err != nil || version != calVersion {
		return nil, fmt.Errorf("%s: %w: %d, want %d", path, ErrCalVersion, version, calVersion)
	}
	var width int32
	if err := binary.Read(r, binary.NativeEndian, &width); err != nil || int(width) != headWidth {
		return nil, fmt.Errorf("%s: %w: width %d, scanner has %d", path, ErrCalWidth, width, headWidth)
	}
	w := &Weights{}
	for _, dst := range []struct {
		name string
		v    *[]uint64
	}{
		{"black", &w.Black},
		{"red", &w.Red},
		{"green", &w.Green},
		{"blue", &w.Blue},
	} {
		*dst.v = make([]uint64, headWidth)
		if err := binary.Read(r, binary.NativeEndian, *dst.v); err != nil {
			return nil, fmt.Errorf("%s: %w: %s weights: %v", path, ErrCalShort, dst.name, err)
		}
	}
	if _, err := io.ReadFull(r, w.Gamma[:]); err != nil {
		return nil, fmt.Errorf("%s: %w: gamma: %v", path, ErrCalShort, err)
	}
	return w, nil
}

// SaveWeights atomically replaces the calibration file at path.
func SaveWeights(path string, w *Weights) error {
	o, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer o.Cleanup()
	bw := bufio.NewWriter(o)
	bw.WriteString(calHeader)
	binary.Write(bw, binary.NativeEndian, int32(calVersion))
	binary.Write(bw, binary.NativeEndian, int32(len(w.Black)))
	for _, v := range [][]uint64{w.Black, w.Red, w.Green, w.Blue} {
		if err := binary.Write(bw, binary.NativeEndian, v); err != nil {
			return err
		}
	}
	bw.Write(w.Gamma[:])
	if err := bw.Flush(); err != nil {
		return err
	}
	return o.CloseAtomicallyReplace()
}

// FixWeightsPath resolves the calibration file of the scanner on port.
// An empty path selects ~/.sane/canon_pp-calibration-<port>. A missing
// file is created (along with its directory) so that a later calibration
// can write it. readOnly is set if the file can be read but not written.
func FixWeightsPath(path, port string) (_ string, readOnly bool, _ error) {
	if path == "" {
		path = "~/.sane/canon_pp-calibration-" + port
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home := os.Getenv("HOME")
		if home == "" {
			return "", false, fmt.Errorf("cannot expand %q: $HOME is not set", path)
		}
		path = home + path[1:]
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", false, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			return "", false, err
		}
		return path, false, f.Close()
	}
	if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
		return path, false, f.Close()
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	return path, true, f.Close()
}
