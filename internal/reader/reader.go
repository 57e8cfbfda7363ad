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
	"fmt"
	"io"
	"sync/atomic"

	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/reshuffle"
	"golang.org/x/sync/errgroup"
)

// Plan is the transfer schedule of a scan: the remaining lines are read in
// transfers of at most MaxLines lines.
type Plan struct {
	remaining int
	maxLines  int
	bpl       int
}

// NewPlan returns the schedule for lines lines of bpl bytes.
func NewPlan(lines, maxLines, bpl int) (*Plan, error) {
	if maxLines < 1 || bpl < 1 || lines < 0 {
		return nil, fmt.Errorf("%w: plan of %d lines, %d per transfer, %d bytes each", scancore.ErrInvalid, lines, maxLines, bpl)
	}
	return &Plan{remaining: lines, maxLines: maxLines, bpl: bpl}, nil
}

// Next returns the size of the next transfer, or ok == false once all
// lines were scheduled.
func (p *Plan) Next() (lines, bytes int, ok bool) {
	if p.remaining == 0 {
		return 0, 0, false
	}
	lines = min(p.remaining, p.maxLines)
	p.remaining -= lines
	return lines, lines * p.bpl, true
}

// Remaining returns the number of lines not yet scheduled.
func (p *Plan) Remaining() int { return p.remaining }

// MaxBytes returns the size of the largest transfer.
func (p *Plan) MaxBytes() int { return p.maxLines * p.bpl }

// ReadFunc transfers len(buf) bytes of scan data from the device. It must
// fill buf completely or return an error.
type ReadFunc func(ctx context.Context, buf []byte) error

// Mode selects how transfers are scheduled.
type Mode int

const (
	// Simple transfers on demand in the consumer's Read call.
	Simple Mode = iota
	// Queued transfers ahead of the consumer in a separate goroutine.
	Queued
)

// ParseMode parses "simple" and "queued". The empty string is Simple.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "simple":
		return Simple, nil
	case "queued":
		return Queued, nil
	}
	return 0, fmt.Errorf("%w: unknown reader mode %q", scancore.ErrInvalid, s)
}

// Config configures a Stream.
type Config struct {
	Mode Mode
	// Buffers is the number of ring slots in Queued mode.
	Buffers int
	// QueuedReads is the number of transfers issued ahead of the
	// consumer in Queued mode.
	QueuedReads int
}

// A Stream delivers reshuffled scan data. Read returns io.EOF after the
// last line and scancore.ErrCancelled after Close or cancellation of the
// context it was created with.
type Stream interface {
	io.Reader
	Close() error
}

// New returns a stream which reads according to plan with read and
// converts the data with proc.
func New(ctx context.Context, cfg Config, plan *Plan, read ReadFunc, proc reshuffle.Processor) (Stream, error) {
	if cfg.Mode == Queued {
		return StartPipeline(ctx, cfg, plan, read, proc)
	}
	return NewPump(ctx, plan, read, proc), nil
}

func cancelled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", scancore.ErrCancelled, err)
	}
	return err
}

// Pump performs one transfer and conversion per Read call which finds no
// converted data left.
type Pump struct {
	ctx  context.Context
	plan *Plan
	read ReadFunc
	proc reshuffle.Processor
	buf  []byte
	out  bytes.Buffer
	done bool
	err  error
}

// NewPump returns a Pump. ctx bounds all transfers.
func NewPump(ctx context.Context, plan *Plan, read ReadFunc, proc reshuffle.Processor) *Pump {
	return &Pump{
		ctx:  ctx,
		plan: plan,
		read: read,
		proc: proc,
		buf:  make([]byte, plan.MaxBytes()),
	}
}

func (p *Pump) fill() error {
	if err := p.ctx.Err(); err != nil {
		return cancelled(err)
	}
	lines, n, ok := p.plan.Next()
	if !ok {
		p.done = true
		if f, ok := p.proc.(reshuffle.Finisher); ok {
			return f.Finish(&p.out)
		}
		return nil
	}
	if err := p.read(p.ctx, p.buf[:n]); err != nil {
		return cancelled(err)
	}
	return p.proc.Process(&p.out, p.buf[:n], lines)
}

func (p *Pump) Read(b []byte) (int, error) {
	for p.out.Len() == 0 {
		if p.err != nil {
			return 0, p.err
		}
		if p.done {
			return 0, io.EOF
		}
		if err := p.fill(); err != nil {
			p.err = err
		}
	}
	return p.out.Read(b)
}

// Close marks the stream as cancelled.
func (p *Pump) Close() error {
	if p.err == nil && !p.done {
		p.err = scancore.ErrCancelled
	}
	return nil
}

type request struct {
	lines, bytes int
}

// Pipeline reads ahead of the consumer. An issuer goroutine queues up to
// QueuedReads transfer requests; a device goroutine performs them in
// order into ring slots; a converter goroutine drains the slots in issue
// order into a pipe read by the consumer.
//
// Once cancelled, no further requests are issued, but every issued
// request is still performed before Read reports the cancellation or
// Close returns, leaving the device with no outstanding transfer.
type Pipeline struct {
	ring    *Ring
	plan    *Plan
	read    ReadFunc
	proc    reshuffle.Processor
	credits chan struct{}
	reqs    chan request

	issued    atomic.Int64
	completed atomic.Int64

	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	eg      errgroup.Group
	pr      *io.PipeReader
	pw      *io.PipeWriter

	// Set by their goroutines, read after eg.Wait.
	readErr error
	procErr error
}

// StartPipeline starts the goroutines of a Pipeline.
func StartPipeline(ctx context.Context, cfg Config, plan *Plan, read ReadFunc, proc reshuffle.Processor) (*Pipeline, error) {
	depth := max(cfg.QueuedReads, 1)
	ring, err := NewRing(max(cfg.Buffers, 2), plan.MaxBytes())
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		ring:    ring,
		plan:    plan,
		read:    read,
		proc:    proc,
		credits: make(chan struct{}, depth),
		reqs:    make(chan request, depth),
		parent:  ctx,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < depth; i++ {
		p.credits <- struct{}{}
	}
	p.pr, p.pw = io.Pipe()
	p.eg.Go(p.issue)
	p.eg.Go(p.transfer)
	p.eg.Go(p.convert)
	return p, nil
}

// Issued returns the number of transfer requests issued so far.
func (p *Pipeline) Issued() int64 { return p.issued.Load() }

// Completed returns the number of transfer requests performed so far.
func (p *Pipeline) Completed() int64 { return p.completed.Load() }

func (p *Pipeline) issue() error {
	defer close(p.reqs)
	for {
		lines, n, ok := p.plan.Next()
		if !ok {
			return nil
		}
		select {
		case <-p.ctx.Done():
			return nil
		case <-p.credits:
		}
		p.issued.Add(1)
		p.reqs <- request{lines: lines, bytes: n}
	}
}

func (p *Pipeline) transfer() error {
	defer p.ring.CloseWrite()
	// Issued transfers complete even when the pipeline is cancelled.
	flushCtx := context.WithoutCancel(p.ctx)
	var scratch []byte
	for req := range p.reqs {
		idx, buf, err := p.ring.Acquire(p.ctx)
		if err != nil {
			if scratch == nil {
				scratch = make([]byte, p.plan.MaxBytes())
			}
			idx, buf = -1, scratch
		}
		err = p.read(flushCtx, buf[:req.bytes])
		p.completed.Add(1)
		if err != nil && p.readErr == nil {
			p.readErr = err
			p.cancel()
		}
		switch {
		case idx == -1:
		case p.readErr != nil:
			p.ring.Abandon(idx)
		default:
			p.ring.Commit(idx, req.bytes, req.lines)
		}
	}
	return p.readErr
}

func (p *Pipeline) convert() (err error) {
	defer func() {
		if err != nil {
			p.pw.CloseWithError(err)
			return
		}
		p.pw.Close()
	}()
	for {
		idx, data, lines, err := p.ring.Next(p.ctx)
		if err == io.EOF {
			// The ring is also closed after a cancelled flush.
			if err := p.ctx.Err(); err != nil {
				return cancelled(err)
			}
			if f, ok := p.proc.(reshuffle.Finisher); ok {
				if err := f.Finish(p.pw); err != nil {
					p.procErr = err
					return err
				}
			}
			return nil
		}
		if err != nil {
			return cancelled(err)
		}
		if err := p.proc.Process(p.pw, data, lines); err != nil {
			p.procErr = err
			p.cancel()
			return err
		}
		p.ring.Release(idx)
		p.credits <- struct{}{}
	}
}

// result returns the error to report once all goroutines returned. A
// requested cancellation takes precedence over transfer errors.
func (p *Pipeline) result(err error) error {
	if p.closing.Load() || p.parent.Err() != nil {
		return fmt.Errorf("%w: %v", scancore.ErrCancelled, err)
	}
	if p.readErr != nil {
		return p.readErr
	}
	if p.procErr != nil && !errors.Is(p.procErr, io.ErrClosedPipe) {
		return p.procErr
	}
	return cancelled(err)
}

func (p *Pipeline) Read(b []byte) (int, error) {
	n, err := p.pr.Read(b)
	if err != nil && err != io.EOF {
		p.eg.Wait()
		return n, p.result(err)
	}
	return n, err
}

// Close cancels the pipeline and waits until all issued transfers were
// performed. It returns the first transfer error, if any.
func (p *Pipeline) Close() error {
	p.closing.Store(true)
	p.cancel()
	p.pr.CloseWithError(scancore.ErrCancelled)
	p.eg.Wait()
	return p.readErr
}
