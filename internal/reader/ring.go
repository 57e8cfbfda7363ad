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

// Package reader decouples device transfers from the consumer of a scan,
// either by transferring on demand or by reading ahead into a ring of
// buffers.
package reader

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/stapelberg/scancore"
)

// State is the ownership state of a ring slot.
type State int

const (
	// Empty slots may be acquired by the producer.
	Empty State = iota
	// Busy slots are being written by the producer.
	Busy
	// Full slots hold data for the consumer.
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Busy:
		return "busy"
	case Full:
		return "full"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type slot struct {
	state State
	buf   []byte
	n     int
	lines int
}

// Ring is a fixed set of fixed size buffers shared by one producer and one
// consumer. Both sides cycle through the slots in index order.
type Ring struct {
	mu     sync.Mutex
	cond   *sync.Cond
	slots  []slot
	prod   int // next slot to acquire
	cons   int // next slot to consume
	closed bool
}

// NewRing returns a ring of n slots of size bytes each.
func NewRing(n, size int) (*Ring, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: ring needs at least 2 buffers, got %d", scancore.ErrInvalid, n)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", scancore.ErrInvalid, size)
	}
	r := &Ring{slots: make([]slot, n)}
	for i := range r.slots {
		r.slots[i].buf = make([]byte, size)
	}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// wait blocks until cond returns true or ctx is done. r.mu must be held.
func (r *Ring) wait(ctx context.Context, cond func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer stop()
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.cond.Wait()
	}
	return nil
}

// Acquire waits for the next slot to become Empty and marks it Busy.
func (r *Ring) Acquire(ctx context.Context) (int, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, nil, fmt.Errorf("%w: acquire on closed ring", scancore.ErrInvalid)
	}
	for _, s := range r.slots {
		if s.state == Busy {
			return 0, nil, fmt.Errorf("%w: a slot is already busy", scancore.ErrInvalid)
		}
	}
	i := r.prod
	if err := r.wait(ctx, func() bool { return r.slots[i].state == Empty }); err != nil {
		return 0, nil, err
	}
	r.slots[i].state = Busy
	r.prod = (r.prod + 1) % len(r.slots)
	return i, r.slots[i].buf, nil
}

// Commit marks the Busy slot i as Full with n bytes holding lines lines.
func (r *Ring) Commit(i, n, lines int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[i].state != Busy {
		panic(fmt.Sprintf("reader: commit of %v slot %d", r.slots[i].state, i))
	}
	r.slots[i].state = Full
	r.slots[i].n = n
	r.slots[i].lines = lines
	r.cond.Broadcast()
}

// Abandon returns the Busy slot i to Empty without data.
func (r *Ring) Abandon(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[i].state != Busy {
		panic(fmt.Sprintf("reader: abandon of %v slot %d", r.slots[i].state, i))
	}
	r.slots[i].state = Empty
	// The slot is reused next, so that the consumer keeps issue order.
	r.prod = i
	r.cond.Broadcast()
}

// CloseWrite signals that no more slots will be committed. Next returns
// io.EOF once all Full slots were consumed.
func (r *Ring) CloseWrite() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}

// Next waits for the next slot in issue order to become Full and returns
// its data. The slot stays Full until Release.
func (r *Ring) Next(ctx context.Context) (int, []byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.cons
	err := r.wait(ctx, func() bool {
		return r.slots[i].state == Full || (r.closed && r.slots[i].state == Empty)
	})
	if err != nil {
		return 0, nil, 0, err
	}
	if r.slots[i].state != Full {
		return 0, nil, 0, io.EOF
	}
	s := r.slots[i]
	return i, s.buf[:s.n], s.lines, nil
}

// Release marks the Full slot i as Empty.
func (r *Ring) Release(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[i].state != Full || i != r.cons {
		panic(fmt.Sprintf("reader: release of %v slot %d, next is %d", r.slots[i].state, i, r.cons))
	}
	r.slots[i].state = Empty
	r.slots[i].n = 0
	r.cons = (r.cons + 1) % len(r.slots)
	r.cond.Broadcast()
}

// States returns a snapshot of all slot states.
func (r *Ring) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]State, len(r.slots))
	for i, s := range r.slots {
		states[i] = s.state
	}
	return states
}
