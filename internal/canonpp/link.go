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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/parport"
)

// Control lines, as logic levels.
const (
	hostClk   = 0x01
	hostBusy  = 0x02
	nInit     = 0x04
	nSelectIn = 0x08
)

// Status lines, shifted right by 3 (see readStatus).
const (
	nDataAvail = 0x01
	xFlag      = 0x02
	pError     = 0x04
	nAck       = 0x08
	busy       = 0x10

	statusIdle = 0x1f
)

// InitMode selects the wake-up handshake.
type InitMode int

const (
	// Init20P uses the FB320P/FB620P handshake, which cannot be reset.
	Init20P InitMode = 1 + iota
	// Init30P uses the handshake of the FB330P/FB630P and later models.
	Init30P
	// InitAuto tries the 30P handshake first and falls back to 20P.
	InitAuto
)

// ParseInitMode parses the init_mode configuration values.
func ParseInitMode(s string) (InitMode, error) {
	switch s {
	case "", "auto":
		return InitAuto, nil
	case "20p", "fb620p":
		return Init20P, nil
	case "30p", "fb630p":
		return Init30P, nil
	}
	return 0, fmt.Errorf("%w: unknown init mode %q", scancore.ErrInvalid, s)
}

// sleep waits for d unless ctx is done first. Tests replace it.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxEmptyReads bounds reads which return no data before the transfer is
// considered dead.
const maxEmptyReads = 16

// link speaks the scanner's IEEE 1284 protocol on a claimed port.
type link struct {
	port parport.Port
	// mode is the reverse channel mode: Nibble, ECP or ECPSWE.
	mode parport.Mode
	// ctl shadows the control register.
	ctl byte
}

func newLink(p parport.Port, mode parport.Mode) *link {
	return &link{port: p, mode: mode}
}

func (l *link) ecp() bool { return l.mode == parport.ECP || l.mode == parport.ECPSWE }

// outcont changes the control lines selected by mask to d.
func (l *link) outcont(d, mask byte) error {
	l.ctl = l.ctl&^mask | d&mask
	return l.port.SetControl(l.ctl & 0x0f)
}

func (l *link) outboth(d, c byte) error {
	if err := l.port.SetData(d); err != nil {
		return err
	}
	return l.outcont(c, 0x0f)
}

func (l *link) readStatus() (byte, error) {
	s, err := l.port.Status()
	if err != nil {
		return 0, err
	}
	return (s & 0xf8) >> 3, nil
}

// expect waits until the shifted status masked with mask equals s.
func (l *link) expect(ctx context.Context, s, mask byte, timeout time.Duration) error {
	return parport.WaitStatus(ctx, l.port, mask<<3, s<<3, timeout)
}

// seq runs port operations until the first error.
func seq(ops ...func() error) error {
	for _, op := range ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) func() error {
	return func() error { return sleep(ctx, d) }
}

func (l *link) cont(d, mask byte) func() error {
	return func() error { return l.outcont(d, mask) }
}

// chessboardControl wiggles HOSTBUSY and NSELECTIN twice.
func (l *link) chessboardControl(ctx context.Context) error {
	return seq(
		func() error { return l.outboth(0, 0x0d) },
		pause(ctx, 10*time.Microsecond),
		l.cont(0x07, 0x0f),
		pause(ctx, 10*time.Microsecond),
		l.cont(0x0d, 0x0f),
		pause(ctx, 10*time.Microsecond),
		l.cont(0x07, 0x0f),
		pause(ctx, 10*time.Microsecond),
	)
}

// chessboardData strobes the mode's data pattern twice.
func (l *link) chessboardData(ctx context.Context, mode InitMode) error {
	patterns := [2]byte{0x33, 0xcc}
	if mode == Init20P {
		patterns = [2]byte{0x55, 0xaa}
	}
	for i := 0; i < 2; i++ {
		for _, d := range patterns {
			err := seq(
				func() error { return l.port.SetData(d) },
				l.cont(hostBusy, hostBusy),
				pause(ctx, 10*time.Microsecond),
				l.cont(0, hostBusy),
				pause(ctx, 10*time.Microsecond),
				l.cont(hostBusy, hostBusy),
				pause(ctx, 10*time.Microsecond),
			)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// timedOut reports whether err is a status wait which ran out of time, as
// opposed to a port failure.
func timedOut(err error) bool {
	return errors.Is(err, scancore.ErrTimeout)
}

// wake takes the scanner out of transparent (printer pass-through) mode.
func (l *link) wake(ctx context.Context, mode InitMode) error {
	st, err := l.readStatus()
	if err != nil {
		return err
	}
	maxCycles := 3
	if mode != Init20P && st != statusIdle {
		if err := l.reset(ctx); err != nil && !timedOut(err) {
			return err
		}
		maxCycles = 5
	}

	cycles := 0
	for {
		cycles++
		if err := l.chessboardControl(ctx); err != nil {
			return err
		}
		if err := l.chessboardData(ctx, mode); err != nil {
			return err
		}
		if err := l.expect(ctx, 0x03, 0x1f, 800*time.Millisecond); err != nil {
			if !timedOut(err) {
				return err
			}
			if mode == InitAuto {
				// No 30P reply, try the FB620P handshake.
				if err := l.chessboardControl(ctx); err != nil {
					return err
				}
				if err := l.chessboardData(ctx, Init20P); err != nil {
					return err
				}
			}
		}
		if err := l.expect(ctx, 0x03, 0x1f, 50*time.Millisecond); err != nil {
			if !timedOut(err) {
				return err
			}
			err := seq(
				func() error { return l.outboth(0x04, 0x0d) },
				pause(ctx, 100*time.Millisecond),
				l.cont(0x07, 0x0f),
				pause(ctx, 100*time.Millisecond),
			)
			if err != nil {
				return err
			}
		}
		err := l.expect(ctx, 0x03, 0x1f, 100*time.Millisecond)
		if err == nil || cycles >= maxCycles {
			break
		}
		if !timedOut(err) {
			return err
		}
	}

	if err := l.outcont(0, hostBusy); err != nil {
		return err
	}
	if err := l.expect(ctx, 0x0c, 0x1f, 800*time.Millisecond); err != nil {
		return fmt.Errorf("%s: no wake-up reply: %w", l.port.Name(), err)
	}
	if err := l.outcont(hostBusy, hostBusy); err != nil {
		return err
	}
	if err := l.expect(ctx, 0x0b, 0x1f, 800*time.Millisecond); err != nil {
		return fmt.Errorf("%s: no wake-up acknowledge: %w", l.port.Name(), err)
	}
	if err := l.outboth(0, nSelectIn|nInit|hostClk); err != nil {
		return err
	}
	if cycles > 1 {
		// The head returns to its park position after a reset.
		return sleep(ctx, 10*time.Second)
	}
	return nil
}

// reset returns a confused 30P-style scanner to the idle state.
func (l *link) reset(ctx context.Context) error {
	st, err := l.readStatus()
	if err != nil {
		return err
	}
	if st == 0x0b {
		for i := 0; i < 2; i++ {
			if err := l.port.Negotiate(parport.Nibble); err != nil {
				return err
			}
			if err := l.port.Terminate(); err != nil {
				return err
			}
		}
		for _, m := range []InitMode{Init20P, Init20P, Init20P, Init20P, 0, 0, 0, 0} {
			if err := l.chessboardData(ctx, m); err != nil {
				return err
			}
		}
	}
	return seq(
		func() error { return l.outboth(0x04, 0x0d) },
		func() error { return l.expect(ctx, 0x07, 0x1f, 500*time.Millisecond) },
		l.cont(0, hostClk),
		pause(ctx, 5*time.Microsecond),
		l.cont(0x0f, 0x0f),
		func() error { return l.expect(ctx, statusIdle, 0x1f, 500*time.Millisecond) },
		l.cont(0, hostBusy),
		pause(ctx, 100*time.Millisecond),
		l.cont(hostBusy, hostBusy|nSelectIn),
	)
}

// write sends a command or data block to the scanner.
func (l *link) write(p []byte) error {
	if l.ecp() {
		if err := l.port.Negotiate(l.mode); err != nil {
			return err
		}
	}
	n, err := l.port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: short write: %d of %d bytes", scancore.ErrIO, n, len(p))
	}
	return nil
}

// read fills p from the reverse channel.
func (l *link) read(ctx context.Context, p []byte) error {
	if err := l.port.Negotiate(l.mode); err != nil {
		return err
	}
	if !l.ecp() {
		defer l.port.Terminate()
		err := seq(
			l.cont(nSelectIn, hostBusy|nSelectIn),
			func() error { return l.expect(ctx, 0, nDataAvail, 6*time.Second) },
			l.cont(hostBusy, hostBusy),
			func() error { return l.expect(ctx, nAck, nAck, time.Second) },
			func() error { return l.expect(ctx, 0, pError, time.Second) },
		)
		if err != nil {
			return fmt.Errorf("nibble mode handshake: %w", err)
		}
		st, err := l.readStatus()
		if err != nil {
			return err
		}
		if st&nDataAvail != 0 {
			return fmt.Errorf("%w: scanner has no data", scancore.ErrIO)
		}
	}
	empty := 0
	for off := 0; off < len(p); {
		n, err := l.port.Read(p[off:])
		if err != nil {
			return fmt.Errorf("read %d of %d bytes: %w", off, len(p), err)
		}
		if n < 0 {
			return fmt.Errorf("%w: negative read length", scancore.ErrIO)
		}
		if n == 0 {
			empty++
			if empty > maxEmptyReads {
				return fmt.Errorf("%w: read %d of %d bytes: no data", scancore.ErrIO, off, len(p))
			}
			continue
		}
		empty = 0
		off += n
	}
	return nil
}

// deviceStatus is the 2 byte reply the scanner gives after a command.
type deviceStatus int

const (
	statusReady     deviceStatus = 0
	statusBusy      deviceStatus = 1
	statusInvalid   deviceStatus = 2
	statusResetting deviceStatus = 3
	statusNothing   deviceStatus = 4
	statusUnknown   deviceStatus = 100
)

func (s deviceStatus) String() string {
	switch s {
	case statusReady:
		return "ready"
	case statusBusy:
		return "busy"
	case statusInvalid:
		return "invalid command"
	case statusResetting:
		return "resetting"
	case statusNothing:
		return "nothing"
	}
	return "unknown"
}

func (l *link) checkStatus(ctx context.Context) (deviceStatus, error) {
	var b [2]byte
	if err := l.read(ctx, b[:]); err != nil {
		return 0, err
	}
	switch uint16(b[0]) | uint16(b[1])<<8 {
	case 0x0606:
		return statusReady, nil
	case 0x1414:
		return statusBusy, nil
	case 0x1515:
		return statusInvalid, nil
	case 0x0805:
		return statusResetting, nil
	case 0x0000:
		return statusNothing, nil
	}
	return statusUnknown, nil
}

// sendCommand sends cmd until the scanner reports ready, waiting delay
// after each attempt, for at most timeout/delay retries.
func (l *link) sendCommand(ctx context.Context, cmd []byte, delay, timeout time.Duration) error {
	limit := int(timeout / delay)
	for retries := 0; ; retries++ {
		if err := l.write(cmd); err != nil {
			return err
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		st, err := l.checkStatus(ctx)
		if err != nil {
			return err
		}
		if st == statusReady {
			return nil
		}
		if retries >= limit {
			return fmt.Errorf("%w: command 0x%02x: scanner %v after %v", scancore.ErrTimeout, cmd[0], st, timeout)
		}
	}
}

// check8 returns the byte which makes the 8 bit sum of p and itself zero.
// A block including its checksum byte is valid if check8 returns 0.
func check8(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum -= b
	}
	return sum
}
