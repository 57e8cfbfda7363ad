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

// Package scsi sends SCSI command blocks to scanners, either through the
// Linux SCSI generic driver or wrapped in USB bulk transfers, and decodes
// the sense data the firmware returns on failure.
//
// See also https://www.staff.uni-mainz.de/tacke/scsi/SCSI2-15.html
package scsi

import (
	"context"
	"fmt"
)

// A Transport executes one SCSI command at a time. Implementations are not
// safe for concurrent use; the device itself is strictly serial.
type Transport interface {
	// Command sends cdb, followed by dataOut if non-nil, and then reads
	// up to len(dataIn) bytes into dataIn. It returns the number of bytes
	// received. A CHECK CONDITION status is decoded with DecodeSense.
	Command(ctx context.Context, cdb, dataOut, dataIn []byte) (int, error)

	Close() error
}

// SCSI status byte values.
const (
	statusGood           = 0x00
	statusCheckCondition = 0x02
	statusBusy           = 0x08
)

// senseLength is the allocation length used for REQUEST SENSE.
const senseLength = 0x12

// InquiryData is the standard part of an INQUIRY response.
type InquiryData struct {
	Qualifier  byte
	DeviceType byte
	Version    byte
	Vendor     string
	Model      string
	Revision   string
	// ModelCode is the vendor-specific byte at offset 36.
	ModelCode byte
	Raw       []byte
}

// Inquiry requests the scanner make and model. Like most scanner drivers,
// it first requests the 5 byte header to learn the additional length.
func Inquiry(ctx context.Context, t Transport) (*InquiryData, error) {
	hdr := make([]byte, 5)
	if _, err := t.Command(ctx, inquiryCDB(len(hdr)), nil, hdr); err != nil {
		return nil, fmt.Errorf("INQUIRY: %w", err)
	}
	total := int(hdr[4]) + 5
	if total < 37 {
		total = 37
	}
	raw := make([]byte, total)
	n, err := t.Command(ctx, inquiryCDB(total), nil, raw)
	if err != nil {
		return nil, fmt.Errorf("INQUIRY: %w", err)
	}
	if n < 37 {
		return nil, fmt.Errorf("INQUIRY: short response (%d bytes)", n)
	}
	raw = raw[:n]
	return &InquiryData{
		Qualifier:  (raw[0] >> 5) & 0x07,
		DeviceType: raw[0] & 0x1f,
		Version:    raw[2] & 0x02,
		Vendor:     string(raw[8:16]),
		Model:      string(raw[16:32]),
		Revision:   string(raw[32:36]),
		ModelCode:  raw[36],
		Raw:        raw,
	}, nil
}

func inquiryCDB(alloc int) []byte {
	return []byte{
		0x12,        // SCSI opcode: INQUIRY
		0x00,        // EVPD (enable vital product data): disabled
		0x00,        // page code (for EVPD)
		0x00,        // reserved
		byte(alloc), // allocation length
		0x00,        // control
	}
}

// TestUnitReady returns nil if the device is ready to accept commands.
func TestUnitReady(ctx context.Context, t Transport) error {
	_, err := t.Command(ctx, []byte{
		0x00, // SCSI opcode: TEST UNIT READY
		0x00,
		0x00,
		0x00,
		0x00,
		0x00, // control
	}, nil, nil)
	return err
}

// RequestSense returns the raw sense data of the last command.
func RequestSense(ctx context.Context, t Transport) ([]byte, error) {
	buf := make([]byte, senseLength)
	n, err := t.Command(ctx, requestSenseCDB(), nil, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func requestSenseCDB() []byte {
	return []byte{
		// see http://self.gutenberg.org/articles/scsi_request_sense_command
		0x03,        // SCSI opcode: REQUEST SENSE
		0x00,        // byte 7, 6, 5: LUN. rest: reserved
		0x00,        // reserved
		0x00,        // reserved
		senseLength, // allocation length
		0x00,        // control
	}
}
