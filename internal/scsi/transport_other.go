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

//go:build !linux

package scsi

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("SCSI access is only supported on Linux")

type SGIO struct{}

func OpenSGIO(path string) (*SGIO, error) { return nil, errUnsupported }

func (s *SGIO) Command(ctx context.Context, cdb, dataOut, dataIn []byte) (int, error) {
	return 0, errUnsupported
}

func (s *SGIO) Close() error { return nil }

type USB struct{}

func FindUSB(vendor, product string) (*USB, error) { return nil, errUnsupported }

func (u *USB) Command(ctx context.Context, cdb, dataOut, dataIn []byte) (int, error) {
	return 0, errUnsupported
}

func (u *USB) Close() error { return nil }
