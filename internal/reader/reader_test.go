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

package reader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stapelberg/scancore"
)

// passthrough copies transfers unchanged.
type passthrough struct{}

func (passthrough) Process(w io.Writer, src []byte, lines int) error {
	_, err := w.Write(src)
	return err
}

// device fills each transfer with its 1-based transfer number.
type device struct {
	calls  atomic.Int64
	failAt int64
}

func (d *device) read(ctx context.Context, buf []byte) error {
	n := d.calls.Add(1)
	if n == d.failAt {
		return scancore.ErrIO
	}
	for i := range buf {
		buf[i] = byte(n)
	}
	return nil
}

func TestPlan(t *testing.T) {
	p, err := NewPlan(10, 4, 3)
	if err != nil {
		t.Fatal(err)
	}
	var got [][2]int
	for {
		lines, n, ok := p.Next()
		if !ok {
			break
		}
		got = append(got, [2]int{lines, n})
	}
	want := [][2]int{{4, 12}, {4, 12}, {2, 6}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Plan: unexpected transfers (-want +got):\n%s", diff)
	}
	if _, err := NewPlan(10, 0, 3); !errors.Is(err, scancore.ErrInvalid) {
		t.Fatalf("NewPlan(maxLines=0): got %v, want %v", err, scancore.ErrInvalid)
	}
}

func checkRing(t *testing.T, r *Ring) {
	busy := 0
	for _, s := range r.States() {
		if s == Busy {
			busy++
		}
	}
	if busy > 1 {
		t.Errorf("ring has %d busy slots: %v", busy, r.States())
	}
}

func TestRingInvariants(t *testing.T) {
	for n := 2; n <= 5; n++ {
		r, err := NewRing(n, 1)
		if err != nil {
			t.Fatal(err)
		}
		const items = 50
		ctx := context.Background()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < items; i++ {
				idx, buf, err := r.Acquire(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				checkRing(t, r)
				buf[0] = byte(i)
				r.Commit(idx, 1, 1)
			}
			r.CloseWrite()
		}()
		for i := 0; ; i++ {
			idx, data, lines, err := r.Next(ctx)
			if err == io.EOF {
				if i != items {
					t.Fatalf("ring(%d): EOF after %d items, want %d", n, i, items)
				}
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := r.States()[idx]; got != Full {
				t.Fatalf("ring(%d): consumer got %v slot", n, got)
			}
			if got, want := data[0], byte(i); got != want || lines != 1 {
				t.Fatalf("ring(%d): item %d: got %d (%d lines), want %d", n, i, got, lines, want)
			}
			checkRing(t, r)
			r.Release(idx)
		}
		wg.Wait()
		for i, s := range r.States() {
			if s != Empty {
				t.Errorf("ring(%d): slot %d is %v after drain, want empty", n, i, s)
			}
		}
	}
}

func TestRingCancel(t *testing.T) {
	r, err := NewRing(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, _, _, err := r.Next(ctx)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Next: got %v, want %v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after cancel")
	}
	if _, err := NewRing(1, 1); !errors.Is(err, scancore.ErrInvalid) {
		t.Fatalf("NewRing(1): got %v, want %v", err, scancore.ErrInvalid)
	}
}

func TestPump(t *testing.T) {
	plan, err := NewPlan(5, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	dev := &device{}
	s, err := New(context.Background(), Config{Mode: Simple}, plan, dev.read, passthrough{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Join([][]byte{
		bytes.Repeat([]byte{1}, 6),
		bytes.Repeat([]byte{2}, 6),
		bytes.Repeat([]byte{3}, 3),
	}, nil)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Pump: unexpected data (-want +got):\n%s", diff)
	}
}

func TestPumpCancel(t *testing.T) {
	plan, err := NewPlan(5, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPump(ctx, plan, (&device{}).read, passthrough{})
	if _, err := p.Read(make([]byte, 1)); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := p.Read(make([]byte, 1)); !errors.Is(err, scancore.ErrCancelled) {
		t.Fatalf("Read after cancel: got %v, want %v", err, scancore.ErrCancelled)
	}
}

func TestPipeline(t *testing.T) {
	plan, err := NewPlan(7, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	dev := &device{}
	s, err := New(context.Background(), Config{Mode: Queued, Buffers: 3, QueuedReads: 2}, plan, dev.read, passthrough{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Pipeline: unexpected data (-want +got):\n%s", diff)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	p := s.(*Pipeline)
	if got, want := p.Completed(), p.Issued(); got != want || got != 4 {
		t.Fatalf("Completed() = %d, Issued() = %d, want 4 each", got, want)
	}
}

func TestPipelineCancelFlushes(t *testing.T) {
	const requests = 10
	plan, err := NewPlan(requests, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	dev := &device{}
	p, err := StartPipeline(context.Background(), Config{Buffers: 2, QueuedReads: requests}, plan, dev.read, passthrough{})
	if err != nil {
		t.Fatal(err)
	}
	// Consume 2 lines, then wait for all requests to be queued.
	if _, err := io.ReadFull(p, make([]byte, 8)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for p.Issued() < requests {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d requests issued", p.Issued(), requests)
		}
		time.Sleep(time.Millisecond)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if got, want := p.Completed(), int64(requests); got != want {
		t.Fatalf("Completed() = %d, want %d", got, want)
	}
	if got, want := dev.calls.Load(), int64(requests); got != want {
		t.Fatalf("device transfers: got %d, want %d", got, want)
	}
	if _, err := p.Read(make([]byte, 1)); !errors.Is(err, scancore.ErrCancelled) {
		t.Fatalf("Read after Close: got %v, want %v", err, scancore.ErrCancelled)
	}
}

func TestPipelineDeviceError(t *testing.T) {
	plan, err := NewPlan(6, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	dev := &device{failAt: 3}
	p, err := StartPipeline(context.Background(), Config{Buffers: 2, QueuedReads: 2}, plan, dev.read, passthrough{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = io.ReadAll(p)
	if !errors.Is(err, scancore.ErrIO) {
		t.Fatalf("ReadAll: got %v, want %v", err, scancore.ErrIO)
	}
	if errors.Is(err, scancore.ErrCancelled) {
		t.Fatalf("ReadAll: device error reported as cancellation: %v", err)
	}
	p.Close()
	if got, want := p.Completed(), p.Issued(); got != want {
		t.Fatalf("Completed() = %d, Issued() = %d", got, want)
	}
}
