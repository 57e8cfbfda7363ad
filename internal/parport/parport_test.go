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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stapelberg/scancore"
)

// statusPort returns scripted status values, repeating the last one.
type statusPort struct {
	Port
	status []byte
	reads  int
}

func (p *statusPort) Name() string { return "fake" }

func (p *statusPort) Status() (byte, error) {
	i := p.reads
	if i >= len(p.status) {
		i = len(p.status) - 1
	}
	p.reads++
	return p.status[i], nil
}

func TestWaitStatus(t *testing.T) {
	p := &statusPort{status: []byte{0x00, 0x07, 0x1f, 0x03}}
	if err := WaitStatus(context.Background(), p, 0x1f, 0x1f, time.Second); err != nil {
		t.Fatal(err)
	}
	if got, want := p.reads, 3; got != want {
		t.Fatalf("status reads: got %d, want %d", got, want)
	}
}

func TestWaitStatusTimeout(t *testing.T) {
	p := &statusPort{status: []byte{0x0b}}
	err := WaitStatus(context.Background(), p, 0x1f, 0x03, 5*time.Millisecond)
	if !errors.Is(err, scancore.ErrTimeout) {
		t.Fatalf("WaitStatus: got %v, want %v", err, scancore.ErrTimeout)
	}
}

func TestBestMode(t *testing.T) {
	for _, tt := range []struct {
		name        string
		caps        Capability
		forceNibble bool
		want        Mode
		wantErr     bool
	}{
		{"ecp", CapCompat | CapNibble | CapECP | CapECPSWE, false, ECP, false},
		{"swe", CapCompat | CapNibble | CapECPSWE, false, ECPSWE, false},
		{"nibble", CapCompat | CapNibble, false, Nibble, false},
		{"forced", CapCompat | CapNibble | CapECP, true, Nibble, false},
		{"no compat", CapNibble | CapECP, false, 0, true},
		{"nothing", CapCompat, false, 0, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BestMode(tt.caps, tt.forceNibble)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("BestMode(%b) = %v, want error", tt.caps, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("BestMode(%b) = %v, want %v", tt.caps, got, tt.want)
			}
		})
	}
}
