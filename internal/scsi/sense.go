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

package scsi

import (
	"fmt"
	"io"

	"github.com/stapelberg/scancore"
)

type senseCode struct {
	code      byte // additional sense code (asc)
	qualifier byte // additional sense code qualifier (ascq)
}

const (
	noSense byte = iota
	recoveredError
	notReady
	mediumError
	hardwareError
	illegalRequest
	unitAttention
	dataProtect
	blankCheck
	vendorSpecific
)

// A SenseError is a CHECK CONDITION decoded from sense data. It wraps one of
// the scancore sentinel errors.
type SenseError struct {
	Key  byte
	ASC  byte
	ASCQ byte
	Desc string

	err error
}

func (e *SenseError) Error() string {
	return fmt.Sprintf("%s: sense key 0x%02x, ASC 0x%02x, ASCQ 0x%02x", e.Desc, e.Key, e.ASC, e.ASCQ)
}

func (e *SenseError) Unwrap() error { return e.err }

type senseResult struct {
	desc string
	err  error
}

// errorByCode covers the codes documented by the Microtek SCSI firmware
// for the hardware error, illegal request and vendor specific sense keys.
var errorByCode = map[senseCode]senseResult{
	{0x4a, 0x00}: {"command phase error", scancore.ErrIO},
	{0x2c, 0x00}: {"command sequence error", scancore.ErrIO},
	{0x4b, 0x00}: {"data phase error", scancore.ErrIO},
	{0x40, 0x81}: {"hardware diagnostic failure: CPU error", scancore.ErrIO},
	{0x40, 0x82}: {"hardware diagnostic failure: SRAM error", scancore.ErrIO},
	{0x40, 0x84}: {"hardware diagnostic failure: DRAM error", scancore.ErrIO},
	{0x40, 0x88}: {"hardware diagnostic failure: DC offset error", scancore.ErrIO},
	{0x40, 0x90}: {"hardware diagnostic failure: gain error", scancore.ErrIO},
	{0x40, 0xa0}: {"hardware diagnostic failure: positioning error", scancore.ErrIO},
	{0x00, 0x05}: {"end of data", io.EOF},
	{0x3d, 0x00}: {"invalid bit in IDENTIFY", scancore.ErrIO},
	{0x2c, 0x02}: {"invalid combination of windows", scancore.ErrIO},
	{0x20, 0x00}: {"invalid command opcode", scancore.ErrIO},
	{0x24, 0x00}: {"invalid field in CDB", scancore.ErrIO},
	{0x26, 0x00}: {"invalid field in parameter list", scancore.ErrIO},
	{0x49, 0x00}: {"invalid message", scancore.ErrIO},
	{0x60, 0x00}: {"lamp failure", scancore.ErrIO},
	{0x25, 0x00}: {"unsupported logical unit", scancore.ErrIO},
	{0x53, 0x00}: {"ADF paper jam or no paper", scancore.ErrNoDocument},
	{0x54, 0x00}: {"media bumping", scancore.ErrJammed},
	{0x55, 0x00}: {"scan job stopped or cancelled", scancore.ErrCancelled},
	{0x3a, 0x00}: {"media (ADF or TMA) not available", scancore.ErrNoDocument},
	{0x3a, 0x01}: {"door is not closed", scancore.ErrCoverOpen},
	{0x3a, 0x02}: {"door is not opened", scancore.ErrIO},
	{0x00, 0x00}: {"no additional sense information", scancore.ErrIO},
	{0x1a, 0x00}: {"parameter list length error", scancore.ErrIO},
	{0x26, 0x02}: {"parameter value invalid", scancore.ErrIO},
	{0x03, 0x00}: {"peripheral device write fault (firmware download error)", scancore.ErrIO},
	{0x2c, 0x01}: {"too many windows specified", scancore.ErrIO},
	{0x80, 0x00}: {"target abort scan", scancore.ErrIO},
	{0x96, 0x08}: {"FireWire device busy", scancore.ErrDeviceBusy},
}

// DecodeSense maps fixed-format sense data to an error. It returns nil for
// NO SENSE and io.EOF for the end-of-data condition. Combinations which are
// not documented degrade to an error wrapping scancore.ErrIO.
func DecodeSense(sense []byte) error {
	if len(sense) < 14 {
		return &SenseError{Desc: fmt.Sprintf("short sense data (%d bytes)", len(sense)), err: scancore.ErrIO}
	}
	key := sense[2] & 0x0f
	asc := sense[12]
	ascq := sense[13]

	switch key {
	case noSense:
		return nil

	case notReady:
		return &SenseError{Key: key, ASC: asc, ASCQ: ascq, Desc: "not ready", err: scancore.ErrNotReady}

	case hardwareError, illegalRequest, vendorSpecific:
		if r, ok := errorByCode[senseCode{asc, ascq}]; ok {
			if r.err == io.EOF {
				return io.EOF
			}
			return &SenseError{Key: key, ASC: asc, ASCQ: ascq, Desc: r.desc, err: r.err}
		}
		if asc == 0x40 {
			return &SenseError{Key: key, ASC: asc, ASCQ: ascq, Desc: "hardware diagnostic failure", err: scancore.ErrIO}
		}
		return &SenseError{Key: key, ASC: asc, ASCQ: ascq, Desc: "unknown combination of sense key, ASC and ASCQ", err: scancore.ErrIO}
	}

	return &SenseError{Key: key, ASC: asc, ASCQ: ascq, Desc: "unknown sense key", err: scancore.ErrIO}
}
