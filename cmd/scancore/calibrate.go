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

package main

import (
	"context"

	"github.com/peterbourgon/ff/v4"
)

func calibrateCommand(g *globals, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("calibrate").SetParent(parent)
	device := fs.StringLong("device", "", "name of the device to calibrate (default: first device)")
	return &ff.Command{
		Name:      "calibrate",
		Usage:     "scancore calibrate [--device NAME]",
		ShortHelp: "calibrate a canon_pp scanner and store the weights in its calibration file",
		Flags:     fs,
		Exec: g.withEnv(func(ctx context.Context, e *env, args []string) error {
			return e.run(ctx, nil, func(ctx context.Context) error {
				h, err := e.reg.Acquire(ctx, *device)
				if err != nil {
					return err
				}
				defer h.Close()
				stop := context.AfterFunc(ctx, h.Cancel)
				defer stop()
				e.log.Info("calibrating", "device", h.Name())
				if err := h.Calibrate(ctx); err != nil {
					return err
				}
				e.log.Info("calibration done", "device", h.Name())
				return nil
			})
		}),
	}
}
