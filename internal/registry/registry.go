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

// Package registry offers a registry in which scanner devices are
// resolved by name. Backends contribute devices through Probers, and
// programs open exclusive handles with Acquire.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stapelberg/scancore"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound is returned by Lookup for names without a device.
	ErrNotFound = errors.New("registry: device not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry: closed")
)

// A Prober attaches the devices of one backend.
type Prober interface {
	Probe(ctx context.Context) ([]scancore.Device, error)
}

// Registry holds the attached devices. The zero value is ready to use.
type Registry struct {
	mu      sync.Mutex
	devices []scancore.Device
	handles map[string]*Handle
	closed  bool
}

func New() *Registry {
	return &Registry{}
}

// Probe runs all probers concurrently and registers their devices in
// prober order.
func (r *Registry) Probe(ctx context.Context, probers ...Prober) error {
	found := make([][]scancore.Device, len(probers))
	eg, ctx := errgroup.WithContext(ctx)
	for i, p := range probers {
		i, p := i, p // per-iteration copies for go < 1.22 loop semantics
		eg.Go(func() error {
			devs, err := p.Probe(ctx)
			if err != nil {
				return err
			}
			found[i] = devs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("probing devices: %w", err)
	}
	for _, devs := range found {
		for _, d := range devs {
			r.Register(d)
		}
	}
	return nil
}

// Register adds d. Registering a device whose name is already taken is a
// no-op.
func (r *Registry) Register(d scancore.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := d.Info().Name
	for _, dev := range r.devices {
		if dev.Info().Name != name {
			continue
		}
		return // already registered
	}
	r.devices = append(r.devices, d)
}

// Unregister removes the device called name. Open handles stay valid.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for idx, dev := range r.devices {
		if dev.Info().Name != name {
			continue
		}
		r.devices = append(r.devices[:idx], r.devices[idx+1:]...)
		return
	}
}

// Devices returns the registered devices in registration order.
func (r *Registry) Devices() []scancore.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scancore.Device(nil), r.devices...)
}

// Lookup returns the device called name. The empty name selects the first
// registered device.
func (r *Registry) Lookup(name string) (scancore.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(name)
}

func (r *Registry) lookup(name string) (scancore.Device, error) {
	if len(r.devices) == 0 {
		return nil, fmt.Errorf("%w: no devices registered", ErrNotFound)
	}
	if name == "" {
		return r.devices[0], nil
	}
	for _, dev := range r.devices {
		if dev.Info().Name == name {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Acquire opens the device called name for exclusive use. A second
// Acquire of the same device fails with scancore.ErrDeviceBusy until the
// handle is closed or released.
func (r *Registry) Acquire(ctx context.Context, name string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	dev, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	name = dev.Info().Name
	if _, ok := r.handles[name]; ok {
		return nil, fmt.Errorf("%w: %s", scancore.ErrDeviceBusy, name)
	}
	sc, err := dev.Open(ctx)
	if err != nil {
		return nil, err
	}
	if r.handles == nil {
		r.handles = make(map[string]*Handle)
	}
	h := &Handle{Scanner: sc, name: name, reg: r}
	r.handles[name] = h
	return h, nil
}

// Release closes the handle of the device called name, if any.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	h, ok := r.handles[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Close()
}

func (r *Registry) forget(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.name] == h {
		delete(r.handles, h.name)
	}
}

// Close closes all open handles and drops the registered devices.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.devices = nil
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// Handle is an exclusive handle returned by Acquire.
type Handle struct {
	scancore.Scanner

	name string
	reg  *Registry
	once sync.Once
	err  error
}

// Name returns the name of the device the handle belongs to.
func (h *Handle) Name() string { return h.name }

// Calibrate runs the device calibration, if the backend has one.
func (h *Handle) Calibrate(ctx context.Context) error {
	c, ok := h.Scanner.(scancore.Calibrator)
	if !ok {
		return fmt.Errorf("%w: %s does not support calibration", scancore.ErrInvalid, h.name)
	}
	return c.Calibrate(ctx)
}

// Close closes the scanner and makes the device available to Acquire
// again. Subsequent calls return the result of the first.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.err = h.Scanner.Close()
		h.reg.forget(h)
	})
	return h.err
}
