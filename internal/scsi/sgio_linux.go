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
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/stapelberg/scancore"
	"golang.org/x/sys/unix"
)

// TODO: move sgIoHdr and SG_* constants to x/sys/unix
type sgIoHdr struct {
	InterfaceID    int32
	DxferDirection int32
	CmdLen         uint8
	MxSbLen        uint8
	IovecCount     uint16
	DxferLen       uint32
	Dxferp         *byte
	Cmdp           *byte
	Sbp            *byte
	Timeout        uint32 // milliseconds
	Flags          uint32
	PackID         int32
	_              [4]byte
	UsrPtr         uintptr
	Status         uint8
	MaskedStatus   uint8
	MsgStatus      uint8
	SbLenWr        uint8
	HostStatus     uint16
	DriverStatus   uint16
	Resid          int32
	Duration       uint32
	Info           uint32
}

const (
	sG_IO = 0x2285

	sG_DXFER_NONE     = -1
	sG_DXFER_TO_DEV   = -2
	sG_DXFER_FROM_DEV = -3

	driverSense = 0x08
)

// DefaultTimeout is used for commands whose context carries no deadline.
const DefaultTimeout = 120 * time.Second

// SGIO is a Transport using the Linux SCSI generic driver (/dev/sg*).
type SGIO struct {
	path string
	f    *os.File
}

// OpenSGIO opens the SCSI generic device at path. EBUSY is reported as
// scancore.ErrDeviceBusy so callers can retry.
func OpenSGIO(path string) (*SGIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return nil, fmt.Errorf("%s: %w", path, scancore.ErrDeviceBusy)
		}
		return nil, err
	}
	return &SGIO{path: path, f: f}, nil
}

// Command implements Transport. Only one of dataOut and dataIn may be set.
func (s *SGIO) Command(ctx context.Context, cdb, dataOut, dataIn []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(dataOut) > 0 && len(dataIn) > 0 {
		return 0, fmt.Errorf("%w: SG_IO cannot transfer in both directions", scancore.ErrInvalid)
	}
	timeout := DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return 0, context.DeadlineExceeded
		}
	}

	sense := make([]byte, 32)
	hdr := sgIoHdr{
		InterfaceID:    'S',
		DxferDirection: sG_DXFER_NONE,
		CmdLen:         uint8(len(cdb)),
		MxSbLen:        uint8(len(sense)),
		Cmdp:           &cdb[0],
		Sbp:            &sense[0],
		Timeout:        uint32(timeout / time.Millisecond),
	}
	switch {
	case len(dataOut) > 0:
		hdr.DxferDirection = sG_DXFER_TO_DEV
		hdr.DxferLen = uint32(len(dataOut))
		hdr.Dxferp = &dataOut[0]
	case len(dataIn) > 0:
		hdr.DxferDirection = sG_DXFER_FROM_DEV
		hdr.DxferLen = uint32(len(dataIn))
		hdr.Dxferp = &dataIn[0]
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.f.Fd()), sG_IO, uintptr(unsafe.Pointer(&hdr))); errno != 0 {
		return 0, fmt.Errorf("%s: SG_IO: %v: %w", s.path, errno, scancore.ErrIO)
	}
	runtime.KeepAlive(cdb)
	runtime.KeepAlive(dataOut)
	runtime.KeepAlive(dataIn)

	n := int(hdr.DxferLen) - int(hdr.Resid)
	if hdr.DxferDirection != sG_DXFER_FROM_DEV {
		n = 0
	}
	if hdr.HostStatus != 0 {
		return n, fmt.Errorf("%s: host status 0x%x: %w", s.path, hdr.HostStatus, scancore.ErrIO)
	}
	if hdr.Status == statusCheckCondition || hdr.DriverStatus&driverSense != 0 {
		if hdr.SbLenWr == 0 {
			return n, fmt.Errorf("%s: check condition without sense data: %w", s.path, scancore.ErrIO)
		}
		return n, DecodeSense(sense[:hdr.SbLenWr])
	}
	if hdr.Status == statusBusy {
		return n, fmt.Errorf("%s: %w", s.path, scancore.ErrDeviceBusy)
	}
	if hdr.Status != statusGood {
		return n, fmt.Errorf("%s: SCSI status 0x%x: %w", s.path, hdr.Status, scancore.ErrIO)
	}
	return n, nil
}

// Close releases all resources associated with the device.
func (s *SGIO) Close() error {
	return s.f.Close()
}
