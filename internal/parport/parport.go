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

// Package parport provides access to IEEE 1284 parallel ports, with the
// register conventions of libieee1284: status and control values are
// logic levels, not raw register contents.
package parport

import (
	"context"
	"fmt"
	"time"

	"github.com/stapelberg/scancore"
)

// Mode is an IEEE 1284 transfer mode.
type Mode int

const (
	Compat Mode = iota
	Nibble
	ECP
	// ECPSWE is ECP emulated in software by the port driver.
	ECPSWE
)

func (m Mode) String() string {
	switch m {
	case Compat:
		return "compat"
	case Nibble:
		return "nibble"
	case ECP:
		return "ECP"
	case ECPSWE:
		return "ECPSWE"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Capability is a set of modes a port supports.
type Capability uint

const (
	CapCompat Capability = 1 << iota
	CapNibble
	CapECP
	CapECPSWE
)

// Status register bits (logic levels).
const (
	StatusError    = 0x08
	StatusSelect   = 0x10
	StatusPaperOut = 0x20
	StatusAck      = 0x40
	StatusBusy     = 0x80
)

// A Port is a claimed or unclaimed parallel port.
type Port interface {
	Name() string
	Capabilities() Capability

	Claim() error
	Release() error

	Status() (byte, error)
	SetControl(c byte) error
	SetData(d byte) error

	// Negotiate switches the peripheral into the given reverse channel
	// mode. Terminate returns to compatibility mode.
	Negotiate(m Mode) error
	Terminate() error

	// Read reads in the most recently negotiated mode.
	Read(p []byte) (int, error)
	// Write writes in compatibility mode, or as ECP data after an ECP
	// negotiation.
	Write(p []byte) (int, error)

	Close() error
}

// pollInterval is the sleep between status reads in WaitStatus.
const pollInterval = 50 * time.Microsecond

// WaitStatus polls the status register until status&mask == val. It
// returns scancore.ErrTimeout if the condition is not met within timeout.
func WaitStatus(ctx context.Context, p Port, mask, val byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s, err := p.Status()
		if err != nil {
			return err
		}
		if s&mask == val {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: status 0x%02x, want 0x%02x in mask 0x%02x: %w", p.Name(), s, val, mask, scancore.ErrTimeout)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(pollInterval)
	}
}

// BestMode returns the preferred transfer mode for a port: hardware ECP,
// then software-emulated ECP, then nibble. Compatibility mode is required
// for sending commands.
func BestMode(caps Capability, forceNibble bool) (Mode, error) {
	if caps&CapCompat == 0 {
		return 0, fmt.Errorf("%w: port does not support compatibility mode", scancore.ErrIO)
	}
	switch {
	case forceNibble:
		if caps&CapNibble == 0 {
			return 0, fmt.Errorf("%w: port does not support nibble mode", scancore.ErrIO)
		}
		return Nibble, nil
	case caps&CapECP != 0:
		return ECP, nil
	case caps&CapECPSWE != 0:
		return ECPSWE, nil
	case caps&CapNibble != 0:
		return Nibble, nil
	}
	return 0, fmt.Errorf("%w: port supports neither ECP nor nibble mode", scancore.ErrIO)
}
