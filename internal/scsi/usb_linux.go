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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
	"unsafe"

	"github.com/stapelberg/scancore"
	"golang.org/x/sys/unix"
)

// TODO: move UsbdevfsBulkTransfer and USBDEVFS_* constants to x/sys/unix
type usbdevfsBulkTransfer struct {
	Ep        uint32
	Len       uint32
	Timeout   uint32
	Pad_cgo_0 [4]byte
	Data      *byte
}

const (
	uSBDEVFS_BULK             = 0xc0185502
	uSBDEVFS_CLAIMINTERFACE   = 0x8004550f
	uSBDEVFS_RELEASEINTERFACE = 0x80045510
)

const usbDevicesRoot = "/sys/bus/usb/devices"

const (
	// deviceToHost is the default USB endpoint used to transfer data
	// from the device to the host
	deviceToHost = 129

	// hostToDevice is the default USB endpoint used to transfer data
	// from the host to the device
	hostToDevice = 2

	bulkTimeout = 3 * time.Second
)

// USB is a Transport which wraps SCSI commands in bulk-only command blocks
// and exchanges them with the scanner via Linux’s usbdevfs.
type USB struct {
	name    string // within usbDevicesRoot
	devName string // within /dev
	f       *os.File
	tag     uint32

	// In and Out are the bulk endpoints.
	In, Out uint32
}

func newUSB(name string) (*USB, error) {
	dev := &USB{name: name, In: deviceToHost, Out: hostToDevice}

	// read DEVNAME= from uevent to locate the device within /dev
	uevent, err := os.ReadFile(dev.sysPath("uevent"))
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(uevent), "\n") {
		if strings.HasPrefix(line, "DEVNAME=") {
			dev.devName = strings.TrimPrefix(line, "DEVNAME=")
		}
	}
	if dev.devName == "" {
		return nil, fmt.Errorf("%q unexpectedly did not not contain a DEVNAME= line", dev.sysPath("uevent"))
	}

	dev.f, err = os.OpenFile(filepath.Join("/dev", dev.devName), os.O_RDWR, 0664)
	if err != nil {
		return nil, err
	}

	// XXX: assumes the scanner always uses interface number 0
	var interfaceNumber uint32
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(dev.f.Fd()), uSBDEVFS_CLAIMINTERFACE, uintptr(unsafe.Pointer(&interfaceNumber))); errno != 0 {
		dev.f.Close()
		if errno == unix.EBUSY {
			return nil, fmt.Errorf("claiming interface: %w", scancore.ErrDeviceBusy)
		}
		return nil, errno
	}

	return dev, nil
}

func (u *USB) sysPath(filename string) string {
	return filepath.Join(usbDevicesRoot, u.name, filename)
}

func (u *USB) bulk(ep uint32, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	bulk := usbdevfsBulkTransfer{
		Ep:      ep,
		Len:     uint32(len(p)),
		Timeout: uint32(bulkTimeout / time.Millisecond),
		Data:    &(p[0]),
	}
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(u.f.Fd()), uSBDEVFS_BULK, uintptr(unsafe.Pointer(&bulk)))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// commandBlock embeds cdb in a 31 byte bulk-only command block wrapper.
func commandBlock(tag uint32, cdb []byte, length int, in bool) []byte {
	result := make([]byte, 31)
	copy(result[0:4], "USBC")
	binary.LittleEndian.PutUint32(result[4:], tag)
	binary.LittleEndian.PutUint32(result[8:], uint32(length))
	if in {
		result[12] = 0x80
	}
	result[14] = byte(len(cdb))
	copy(result[15:], cdb)
	return result
}

func (u *USB) doWithoutRequestSense(cdb, dataOut, dataIn []byte) (n int, status byte, _ error) {
	u.tag++
	length := len(dataOut)
	if len(dataIn) > 0 {
		length = len(dataIn)
	}
	if _, err := u.bulk(u.Out, commandBlock(u.tag, cdb, length, len(dataIn) > 0)); err != nil {
		return 0, 0, err
	}

	if len(dataOut) > 0 {
		if _, err := u.bulk(u.Out, dataOut); err != nil {
			return 0, 0, err
		}
	}

	if len(dataIn) > 0 {
		var err error
		n, err = u.bulk(u.In, dataIn)
		if err != nil {
			return 0, 0, err
		}
	}

	csw := make([]byte, 13)
	num, err := u.bulk(u.In, csw)
	if err != nil {
		return 0, 0, err
	}
	if num != len(csw) || string(csw[0:4]) != "USBS" {
		return n, 0, fmt.Errorf("malformed command status wrapper %x: %w", csw[:num], scancore.ErrIO)
	}
	if got, want := binary.LittleEndian.Uint32(csw[4:]), u.tag; got != want {
		return n, 0, fmt.Errorf("command status tag mismatch: got %d, want %d: %w", got, want, scancore.ErrIO)
	}
	return n, csw[12], nil
}

// Command implements Transport. Any failure status is resolved by an
// additional REQUEST SENSE command.
func (u *USB) Command(ctx context.Context, cdb, dataOut, dataIn []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, status, err := u.doWithoutRequestSense(cdb, dataOut, dataIn)
	if err != nil {
		return 0, fmt.Errorf("usb %s: %v: %w", u.name, err, scancore.ErrIO)
	}
	if status == 0 {
		return n, nil
	}

	sense := make([]byte, senseLength)
	sn, status, err := u.doWithoutRequestSense(requestSenseCDB(), nil, sense)
	if err != nil {
		return 0, fmt.Errorf("usb %s: REQUEST SENSE: %v: %w", u.name, err, scancore.ErrIO)
	}
	if status != 0 {
		return 0, fmt.Errorf("usb %s: REQUEST SENSE failed with status %d: %w", u.name, status, scancore.ErrIO)
	}
	return n, DecodeSense(sense[:sn])
}

// Close releases all resources associated with the USB transport. The
// transport must not be used after calling Close.
func (u *USB) Close() error {
	// XXX: assumes the scanner always uses interface number 0
	var interfaceNumber uint32
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(u.f.Fd()), uSBDEVFS_RELEASEINTERFACE, uintptr(unsafe.Pointer(&interfaceNumber))); errno != 0 {
		u.f.Close()
		return errno
	}

	return u.f.Close()
}

// badName returns true for names within usbDevicesRoot which do not
// represent a USB device (but a host controller, interface,
// etc.). USB device names consist of digits, dots and dashes,
// starting with a digit.
func badName(name string) bool {
	if name == "" {
		return true
	}

	r, _ := utf8.DecodeRuneInString(name)
	if !unicode.IsDigit(r) {
		return true
	}

	for _, r := range name {
		if r != '.' && r != '-' && !unicode.IsDigit(r) {
			return true
		}
	}

	return false
}

// FindUSB returns a ready-to-use USB transport for the first device with
// the given hexadecimal vendor and product ids, or a non-nil error if no
// such device is connected.
func FindUSB(vendor, product string) (*USB, error) {
	f, err := os.Open(usbDevicesRoot)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	for _, dev := range names {
		if badName(dev) {
			continue
		}
		idProduct, err := os.ReadFile(filepath.Join(usbDevicesRoot, dev, "idProduct"))
		if err != nil {
			return nil, err
		}
		idVendor, err := os.ReadFile(filepath.Join(usbDevicesRoot, dev, "idVendor"))
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(idProduct)) == product &&
			strings.TrimSpace(string(idVendor)) == vendor {
			return newUSB(dev)
		}
	}
	return nil, fmt.Errorf("device with product==%q, vendor==%q not found", product, vendor)
}
