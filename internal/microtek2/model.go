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
	"fmt"
	"strconv"
	"strings"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/scsi"
)

// Flags are model specific deviations from the documented command set.
type Flags uint

const (
	// NoSlideMode devices announce a slide adapter they do not have.
	NoSlideMode Flags = 1 << iota
	// DataFormatWrong devices report segregated data for the
	// transparency adapter but transfer chunky data.
	DataFormatWrong
	// NoEnhancements devices ignore brightness and contrast, which are
	// then emulated together with backend shading.
	NoEnhancements
	// RIITwoBytes firmware returns two byte values in READ IMAGE INFO.
	RIITwoBytes
	// NoGamma devices do not accept gamma tables. Gamma is applied in
	// the backend.
	NoGamma
	// CX336Shading devices read their shading image with READ SHADING
	// in the geometry of the scan.
	CX336Shading
	// ReadControlBits devices report the contributing sensor columns
	// and need backend shading.
	ReadControlBits
	// PhantomC6 devices need the stick and reserved bits for shading
	// and transfer 16 bit data in little endian order.
	PhantomC6
	// Offset2 firmware prepends 2 junk bytes to odd length chunky lines
	// and fails on odd widths.
	Offset2
	// X6ShortTransfer USB devices hang on long transfers.
	X6ShortTransfer
	// NoRIS devices do not implement READ IMAGE STATUS.
	NoRIS
	// Transfer16 devices transfer 10, 12 and 14 bit data left justified
	// in 16 bits.
	Transfer16
	// CalibDivisor600 devices read shading at half the optical
	// resolution for scans up to 600 dpi.
	CalibDivisor600
)

var flagNames = []string{
	"no-slide-mode",
	"data-format-wrong",
	"no-enhancements",
	"rii-two-bytes",
	"no-gamma",
	"336cx-shading",
	"read-control-bits",
	"phantom-c6",
	"offset-2",
	"x6-short-transfer",
	"no-ris",
	"16bit-transfer",
	"calib-divisor-600",
}

func (f Flags) String() string {
	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// Quirks describes one scanner model. It is resolved once per device from
// the INQUIRY data and passed to everything which depends on the model.
type Quirks struct {
	Code  byte
	Model string
	Flags Flags

	// ControlBytes is the length of the READ CONTROL BITS result.
	ControlBytes int
	// ShadingLength overrides the number of shading lines when not 0.
	ShadingLength int
	// ShadingDepth is the bit depth of shading data.
	ShadingDepth int
	// ControlBitOffset is the position of the first sensor column in the
	// control bits.
	ControlBitOffset int

	// Defaults for the backend calibration and backtracking settings.
	CalibBackend   bool
	NoBacktracking bool
}

// Has reports whether all of flags are set.
func (q *Quirks) Has(flags Flags) bool { return q.Flags&flags == flags }

type model struct {
	name             string
	flags            Flags
	controlBytes     int
	shadingLength    int
	shadingDepth     int
	controlBitOffset int
	calibBackend     bool
	noBacktracking   bool
	// offset2Rev1 sets Offset2 on firmware revision 1.00.
	offset2Rev1 bool
}

var (
	phantom336 = model{
		name:             "Phantom 330cx / Phantom 336cx / SlimScan C3",
		flags:            NoSlideMode | NoGamma | CX336Shading | ReadControlBits | NoEnhancements,
		controlBytes:     320,
		shadingLength:    18,
		shadingDepth:     10,
		controlBitOffset: 7,
		calibBackend:     true,
		noBacktracking:   true,
	}
	scanMaker336 = model{name: "ScanMaker 336 / ScanMaker V310"}
	e3           = model{name: "E3+ / Vobis HighScan"}
	scanMaker4   = model{name: "ScanMaker 4"}
)

var models = map[byte]model{
	0x70: phantom336,
	0x71: phantom336,
	0x81: scanMaker4,
	0x85: {name: "ScanMaker V300 / ColorPage-EP", flags: NoRIS},
	0x87: {name: "ScanMaker 5", flags: NoGamma},
	0x89: {name: "ScanMaker 6400XL"},
	0x8a: {name: "ScanMaker 9600XL"},
	0x8c: {name: "ScanMaker 630 / ScanMaker V600"},
	0x8d: scanMaker336,
	0x90: e3,
	0x91: {name: "ScanMaker X6 / Phantom 636", flags: DataFormatWrong, offset2Rev1: true},
	0x92: e3,
	0x93: scanMaker336,
	0x94: phantom336,
	0x95: {name: "ArtixScan 1010"},
	0x97: {name: "ScanMaker 636"},
	0x98: {name: "ScanMaker X6EL", offset2Rev1: true},
	0x99: {name: "ScanMaker X6USB", flags: X6ShortTransfer, offset2Rev1: true},
	0x9a: {
		name:             "Phantom 636cx / C6",
		flags:            NoSlideMode | ReadControlBits | NoGamma | PhantomC6,
		controlBytes:     647,
		shadingDepth:     12,
		controlBitOffset: 18,
		calibBackend:     true,
		noBacktracking:   true,
	},
	0x9d: {name: "AGFA Duoscan T1200"},
	0xa0: phantom336,
	0xa3: {name: "ScanMaker V6USL", flags: NoGamma},
	0xa5: {name: "ArtixScan 4000t"},
	0xab: scanMaker4,
	0xac: {name: "ScanMaker V6UL", flags: NoGamma},
	0xaf: {
		name:             "SlimScan C3",
		flags:            NoSlideMode | NoGamma | ReadControlBits | NoEnhancements,
		controlBytes:     320,
		controlBitOffset: 7,
		calibBackend:     true,
		noBacktracking:   true,
	},
	0xb0: {name: "ScanMaker X12USL", flags: Transfer16 | CalibDivisor600, calibBackend: true},
	0xb3: {name: "ScanMaker 3600"},
	0xb4: {name: "ScanMaker 4700"},
	0xb6: {name: "ScanMaker V6UPL", flags: NoGamma},
	0xb8: {name: "ScanMaker 3700"},
	0xde: {name: "ScanMaker 9800XL", flags: NoGamma | Transfer16, calibBackend: true, noBacktracking: true},
}

// CheckInquiry verifies that inq describes a supported scanner.
func CheckInquiry(inq *scsi.InquiryData) error {
	if inq.Version != 0x02 {
		return fmt.Errorf("%w: not a SCSI-II device, but 0x%02x", scancore.ErrIO, inq.Version)
	}
	if inq.DeviceType != 0x06 {
		return fmt.Errorf("%w: not a scanner, but device type 0x%02x", scancore.ErrIO, inq.DeviceType)
	}
	vendor := inq.Vendor
	if !strings.EqualFold(vendor, "MICROTEK") && vendor != "        " && vendor != "AGFA    " {
		return fmt.Errorf("%w: not a Microtek, but %q", scancore.ErrIO, vendor)
	}
	return nil
}

// parseRevision parses the leading number of the firmware revision, like
// "1.00" or "2.70a".
func parseRevision(s string) float64 {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] == '.' || s[end] >= '0' && s[end] <= '9') {
		end++
	}
	v, _ := strconv.ParseFloat(s[:end], 64)
	return v
}

// LookupModel resolves the quirks of the model with the given model code
// and firmware revision. depthFlags are the depth capabilities of the
// flatbed, which determine the shading depth of most models.
func LookupModel(code byte, revision float64, depthFlags byte) (*Quirks, error) {
	m, ok := models[code]
	if !ok {
		return nil, fmt.Errorf("%w: model 0x%02x not supported", scancore.ErrIO, code)
	}
	q := &Quirks{
		Code:             code,
		Model:            m.name,
		Flags:            m.flags,
		ControlBytes:     m.controlBytes,
		ShadingLength:    m.shadingLength,
		ShadingDepth:     m.shadingDepth,
		ControlBitOffset: m.controlBitOffset,
		CalibBackend:     m.calibBackend,
		NoBacktracking:   m.noBacktracking,
	}
	if q.ShadingDepth == 0 {
		q.ShadingDepth = maxDepth(depthFlags)
	}
	if m.offset2Rev1 && revision == 1.00 {
		q.Flags |= Offset2
	}
	if code == 0x85 && revision < 2.70 {
		q.Flags |= RIITwoBytes
	}
	return q, nil
}
