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
	"encoding/binary"
	"testing"

	"github.com/stapelberg/scancore"
)

func TestCalculateGammaLinear(t *testing.T) {
	q := quirks(t, 0x81)
	mi := testInfo(t, q, defaultAttrs())
	req := scancore.DefaultRequest(300)

	g := CalculateGamma(req, mi, q, 4096, 2)
	for color, table := range g.Tables {
		for i, v := range table {
			if int(v) != i {
				t.Fatalf("color %d: table[%d] = %d, want %d", color, i, v, i)
			}
		}
	}

	// 8 bit devices get every 16th entry of a 4096 entry table.
	a := defaultAttrs()
	a.depth = 0
	g = CalculateGamma(req, testInfo(t, q, a), q, 4096, 2)
	if got, want := g.Tables[0][4095], uint16(255); got != want {
		t.Errorf("table[4095] = %d, want %d", got, want)
	}
	if got, want := g.Tables[0][32], uint16(2); got != want {
		t.Errorf("table[32] = %d, want %d", got, want)
	}
}

func TestCalculateGammaScalar(t *testing.T) {
	q := quirks(t, 0x81)
	mi := testInfo(t, q, defaultAttrs())
	req := scancore.DefaultRequest(300)
	req.GammaMode = scancore.GammaScalar

	g := CalculateGamma(req, mi, q, 4096, 2)
	for i, v := range g.Tables[1] {
		if int(v) != i {
			t.Fatalf("gamma 1: table[%d] = %d, want %d", i, v, i)
		}
	}

	req.Gamma = [4]float64{2.2, 0, 0, 1}
	g = CalculateGamma(req, mi, q, 4096, 2)
	if g.Tables[0][1000] <= 1000 {
		t.Errorf("gamma 2.2: table[1000] = %d, want > 1000", g.Tables[0][1000])
	}
	// Unset channels fall back to the master gamma.
	if g.Tables[0][1000] != g.Tables[1][1000] {
		t.Errorf("red %d != green %d, want the master gamma for both", g.Tables[0][1000], g.Tables[1][1000])
	}
	if got, want := g.Tables[2][1000], uint16(1000); got != want {
		t.Errorf("blue table[1000] = %d, want %d", got, want)
	}
	if got, want := g.Tables[0][4095], uint16(4095); got != want {
		t.Errorf("table[4095] = %d, want %d", got, want)
	}
}

func TestCalculateGammaNoGamma(t *testing.T) {
	q := quirks(t, 0x87) // ScanMaker 5
	mi := testInfo(t, q, defaultAttrs())
	req := scancore.DefaultRequest(300)
	req.Mode = scancore.Gray
	req.GammaMode = scancore.GammaScalar

	g := CalculateGamma(req, mi, q, 256, 1)
	for i, v := range g.Tables[0] {
		if int(v) != i {
			t.Fatalf("table[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestCalculateGammaCustom(t *testing.T) {
	q := quirks(t, 0x81)
	a := defaultAttrs()
	a.depth = 0
	mi := testInfo(t, q, a)
	req := scancore.DefaultRequest(300)
	req.GammaMode = scancore.GammaCustom
	inverted := make([]int, 256)
	for i := range inverted {
		inverted[i] = 255 - i
	}
	req.CustomGamma[scancore.Green] = inverted

	g := CalculateGamma(req, mi, q, 256, 1)
	for i := 0; i < 256; i++ {
		if got, want := g.Tables[1][i], uint16(255-i); got != want {
			t.Fatalf("green table[%d] = %d, want %d", i, got, want)
		}
		// Red has no custom table and falls back to the (unset) master.
		if got, want := g.Tables[0][i], uint16(i); got != want {
			t.Fatalf("red table[%d] = %d, want %d", i, got, want)
		}
	}

	// A 256 entry table is resampled to larger device tables.
	g = CalculateGamma(req, mi, q, 1024, 1)
	if got, want := g.Tables[1][4], uint16(254); got != want {
		t.Errorf("green table[4] = %d, want %d", got, want)
	}
}

func TestSetExposure(t *testing.T) {
	q := quirks(t, 0x81)
	mi := testInfo(t, q, defaultAttrs())
	newGamma := func(entrySize int) *Gamma {
		g := &Gamma{Size: 3, EntrySize: entrySize}
		for i := range g.Tables {
			g.Tables[i] = []uint16{0, 1000, 3000}
		}
		return g
	}

	g := newGamma(2)
	g.SetExposure(mi, [4]byte{50, 0, 100, 0})
	for color, want := range [][]uint16{
		{0, 2000, 4095},
		{0, 4095, 4095},
		{0, 2000, 4095},
	} {
		for i := range want {
			if got := g.Tables[color][i]; got != want[i] {
				t.Errorf("color %d: table[%d] = %d, want %d", color, i, got, want[i])
			}
		}
	}

	g = newGamma(1)
	g.SetExposure(mi, [4]byte{50, 50, 50, 50})
	if got, want := g.Tables[0][1], uint16(1000); got != want {
		t.Errorf("1 byte tables: table[1] = %d, want %d (unchanged)", got, want)
	}
}

func TestGammaBytes(t *testing.T) {
	g := &Gamma{Size: 2, EntrySize: 2, Tables: [3][]uint16{{1, 2}, {3, 4}, {5, 0x1234}}}
	b := g.Bytes()
	if got, want := len(b), 12; got != want {
		t.Fatalf("len = %d, want %d", got, want)
	}
	if got, want := binary.NativeEndian.Uint16(b[10:]), uint16(0x1234); got != want {
		t.Errorf("last entry = %#x, want %#x", got, want)
	}

	g = &Gamma{Size: 2, EntrySize: 1, Tables: [3][]uint16{{1, 2}, {3, 4}, {5, 6}}}
	if got, want := string(g.Bytes()), "\x01\x02\x03\x04\x05\x06"; got != want {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
}
