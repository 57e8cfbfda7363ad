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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/stapelberg/scancore"
	"github.com/stapelberg/scancore/internal/mayqtt"
)

// requestFromMQTT converts a scan request received via MQTT. Missing
// fields keep the defaults of the scan subcommand.
func requestFromMQTT(sr mayqtt.ScanRequest) (*scancore.ScanRequest, error) {
	dpi := sr.Resolution
	if dpi == 0 {
		dpi = 300
	}
	req := scancore.DefaultRequest(dpi)
	if sr.Mode != "" {
		mode, err := scancore.ParseMode(sr.Mode)
		if err != nil {
			return nil, err
		}
		req.Mode = mode
		if mode == scancore.Lineart || mode == scancore.Halftone {
			req.Depth = 1
		}
	}
	return req, nil
}

// scanFileName returns the name of the file a scan started at t is
// written to.
func scanFileName(t time.Time, format string) string {
	ext := ".pnm"
	if format == formatTIFF {
		ext = ".tiff"
	}
	return "scan-" + t.Format("20060102-150405") + ext
}

func serveCommand(g *globals, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("serve").SetParent(parent)
	outputDir := fs.StringLong("output_dir", ".", "directory in which scans are placed")
	format := fs.StringLong("format", formatPNM, "output format, pnm or tiff")
	return &ff.Command{
		Name:      "serve",
		Usage:     "scancore serve [FLAGS]",
		ShortHelp: "scan whenever a request is published on <topic_prefix>/cmd/scan",
		Flags:     fs,
		Exec: g.withEnv(func(ctx context.Context, e *env, args []string) error {
			if e.mqtt == nil {
				return errors.New("serve requires mqtt.broker to be configured")
			}
			f, err := outputFormat(*format, "")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(*outputDir, 0755); err != nil {
				return err
			}
			scanRequests := make(chan mayqtt.ScanRequest, 1)
			return e.run(ctx, scanRequests, func(ctx context.Context) error {
				e.log.Info("waiting for scan requests", "devices", len(e.reg.Devices()))
				for {
					select {
					case <-ctx.Done():
						return nil
					case sr := <-scanRequests:
						if err := e.serveRequest(ctx, sr, *outputDir, f); err != nil {
							e.log.Error("scan request failed", "device", sr.Device, "err", err)
						}
					}
				}
			})
		}),
	}
}

func (e *env) serveRequest(ctx context.Context, sr mayqtt.ScanRequest, dir, format string) error {
	req, err := requestFromMQTT(sr)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, scanFileName(time.Now(), format))
	if err := e.scanTo(ctx, sr.Device, req, path, format); err != nil {
		return fmt.Errorf("scanning to %s: %w", path, err)
	}
	return nil
}
