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

package parport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/stapelberg/scancore"
	"golang.org/x/sys/unix"
)

// TODO: move PP* ioctl numbers to x/sys/unix
const (
	pPSETMODE  = 0x40047080
	pPRSTATUS  = 0x80017081
	pPWCONTROL = 0x40017084
	pPWDATA    = 0x40017086
	pPCLAIM    = 0x0000708b
	pPRELEASE  = 0x0000708c
	pPNEGOT    = 0x40047091
	pPGETMODES = 0x80047097
)

// IEEE 1284 mode values of linux/parport.h.
const (
	ieee1284ModeNibble = 0
	ieee1284ModeECP    = 1 << 4
	ieee1284ModeCompat = 1 << 8
	ieee1284ModeECPSWE = 1 << 10
)

// Port capability bits of linux/parport.h, as returned by PPGETMODES.
const (
	parportModeECP = 1 << 3
)

// The BUSY status line and the nStrobe, nAutoFd and nSelectIn control
// lines are inverted by the port hardware.
const (
	statusInverted  = 0x80
	controlInverted = 0x0b
)

// Ppdev is a Port backed by the Linux ppdev driver (/dev/parport*).
type Ppdev struct {
	path string
	f    *os.File
	caps Capability
	mode Mode
}

// OpenPpdev opens the ppdev device at path, e.g. /dev/parport0. The port is
// not claimed.
func OpenPpdev(path string) (*Ppdev, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	p := &Ppdev{path: path, f: f, caps: CapCompat | CapNibble | CapECPSWE}
	var modes uint32
	if err := p.ioctl(pPGETMODES, unsafe.Pointer(&modes)); err == nil {
		if modes&parportModeECP != 0 {
			p.caps |= CapECP
		}
	}
	return p, nil
}

// Name returns the base name of the device, e.g. parport0.
func (p *Ppdev) Name() string { return filepath.Base(p.path) }

func (p *Ppdev) Capabilities() Capability { return p.caps }

func (p *Ppdev) ioctl(req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.f.Fd()), req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

func (p *Ppdev) Claim() error {
	if err := p.ioctl(pPCLAIM, nil); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("%s: %w", p.path, scancore.ErrDeviceBusy)
		}
		return fmt.Errorf("%s: PPCLAIM: %v", p.path, err)
	}
	return nil
}

func (p *Ppdev) Release() error {
	if err := p.ioctl(pPRELEASE, nil); err != nil {
		return fmt.Errorf("%s: PPRELEASE: %v", p.path, err)
	}
	return nil
}

func (p *Ppdev) Status() (byte, error) {
	var s byte
	if err := p.ioctl(pPRSTATUS, unsafe.Pointer(&s)); err != nil {
		return 0, fmt.Errorf("%s: PPRSTATUS: %v: %w", p.path, err, scancore.ErrIO)
	}
	return s ^ statusInverted, nil
}

func (p *Ppdev) SetControl(c byte) error {
	c ^= controlInverted
	if err := p.ioctl(pPWCONTROL, unsafe.Pointer(&c)); err != nil {
		return fmt.Errorf("%s: PPWCONTROL: %v: %w", p.path, err, scancore.ErrIO)
	}
	return nil
}

func (p *Ppdev) SetData(d byte) error {
	if err := p.ioctl(pPWDATA, unsafe.Pointer(&d)); err != nil {
		return fmt.Errorf("%s: PPWDATA: %v: %w", p.path, err, scancore.ErrIO)
	}
	return nil
}

func ieee1284Mode(m Mode) int32 {
	switch m {
	case Nibble:
		return ieee1284ModeNibble
	case ECP:
		return ieee1284ModeECP
	case ECPSWE:
		return ieee1284ModeECP | ieee1284ModeECPSWE
	}
	return ieee1284ModeCompat
}

func (p *Ppdev) Negotiate(m Mode) error {
	mode := ieee1284Mode(m)
	if err := p.ioctl(pPNEGOT, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("%s: negotiating %v: %v: %w", p.path, m, err, scancore.ErrIO)
	}
	if err := p.ioctl(pPSETMODE, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("%s: setting mode %v: %v: %w", p.path, m, err, scancore.ErrIO)
	}
	p.mode = m
	return nil
}

func (p *Ppdev) Terminate() error {
	mode := int32(ieee1284ModeCompat)
	if err := p.ioctl(pPNEGOT, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("%s: terminating: %v: %w", p.path, err, scancore.ErrIO)
	}
	p.mode = Compat
	return nil
}

func (p *Ppdev) Read(b []byte) (int, error) {
	n, err := unix.Read(int(p.f.Fd()), b)
	if err != nil {
		return n, fmt.Errorf("%s: %v read: %v: %w", p.path, p.mode, err, scancore.ErrIO)
	}
	return n, nil
}

func (p *Ppdev) Write(b []byte) (int, error) {
	if p.mode != ECP && p.mode != ECPSWE {
		mode := int32(ieee1284ModeCompat)
		if err := p.ioctl(pPSETMODE, unsafe.Pointer(&mode)); err != nil {
			return 0, fmt.Errorf("%s: setting compat mode: %v: %w", p.path, err, scancore.ErrIO)
		}
	}
	var written int
	for written < len(b) {
		n, err := unix.Write(int(p.f.Fd()), b[written:])
		if err != nil {
			return written, fmt.Errorf("%s: write: %v: %w", p.path, err, scancore.ErrIO)
		}
		written += n
	}
	return written, nil
}

// Close closes the device file. A claimed port is released by the kernel.
func (p *Ppdev) Close() error {
	return p.f.Close()
}
