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

// Program scancore drives SCSI and parallel port flatbed scanners: it
// lists the configured devices, scans to PNM or TIFF files, calibrates
// canon_pp scanners and serves scan requests received via MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/stapelberg/scancore/internal/canonpp"
	"github.com/stapelberg/scancore/internal/config"
	"github.com/stapelberg/scancore/internal/logging"
	"github.com/stapelberg/scancore/internal/mayqtt"
	"github.com/stapelberg/scancore/internal/microtek2"
	"github.com/stapelberg/scancore/internal/registry"
	"github.com/stapelberg/scancore/internal/shadingcache"
	"golang.org/x/sync/errgroup"

	_ "net/http/pprof"
)

var version = "dev"

// globals holds the flags shared by all subcommands.
type globals struct {
	configPath  *string
	debugListen *string
	logLevel    *string
}

// env is the state subcommands operate on.
type env struct {
	cfg   *config.Config
	log   *logging.Logger
	mqtt  *mayqtt.Client
	cache *shadingcache.Cache
	reg   *registry.Registry
}

func (g *globals) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *g.configPath != "" {
		var err error
		cfg, err = config.Load(*g.configPath)
		if err != nil {
			return nil, err
		}
	}
	if *g.logLevel != "" {
		cfg.Logging.Level = *g.logLevel
	}
	return cfg, nil
}

// setup loads the configuration and attaches all configured devices.
func (g *globals) setup(ctx context.Context) (*env, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Logging, version)
	e := &env{
		cfg:  cfg,
		log:  log,
		mqtt: mayqtt.New(cfg.MQTT, log),
		reg:  registry.New(),
	}

	if addr := *g.debugListen; addr != "" {
		go func() {
			log.Info("serving debug handlers", "addr", "http://"+addr+"/debug/requests")
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Warn("debug listener failed", "err", err)
			}
		}()
	}

	mp := &microtek2.Prober{
		Config:    cfg,
		Log:       log,
		Publisher: e.mqtt,
	}
	if path := cfg.ShadingCache.Path; path != "" {
		cache, err := shadingcache.Open(path)
		if err != nil {
			return nil, err
		}
		e.cache = cache
		mp.Cache = cache
	}
	cp := &canonpp.Prober{
		Config:    cfg,
		Log:       log,
		Publisher: e.mqtt,
	}
	if err := e.reg.Probe(ctx, mp, cp); err != nil {
		e.Close()
		return nil, err
	}
	log.Debug("devices attached", "count", len(e.reg.Devices()))
	return e, nil
}

func (e *env) Close() error {
	err := e.reg.Close()
	if e.cache != nil {
		if cerr := e.cache.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// run calls fn while the MQTT client (if configured) publishes status
// updates. scanRequests receives scan requests and may be nil.
func (e *env) run(ctx context.Context, scanRequests chan<- mayqtt.ScanRequest, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	if e.mqtt != nil {
		eg.Go(func() error {
			if err := e.mqtt.Run(ctx, scanRequests); err != nil {
				e.log.Warn("MQTT client failed", "err", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		defer cancel()
		return fn(ctx)
	})
	return eg.Wait()
}

// withEnv wraps a subcommand implementation with setup and teardown.
func (g *globals) withEnv(fn func(ctx context.Context, e *env, args []string) error) func(context.Context, []string) error {
	return func(ctx context.Context, args []string) error {
		e, err := g.setup(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(ctx, e, args)
	}
}

func newRootCommand() *ff.Command {
	fs := ff.NewFlagSet("scancore")
	g := &globals{
		configPath:  fs.StringLong("config", "", "path to the YAML configuration file. Without one, no devices are configured."),
		debugListen: fs.StringLong("debug_listen", "", "[host]:port on which to serve /debug/requests and /debug/pprof. Disabled when empty."),
		logLevel:    fs.StringLong("log_level", "", "log level (debug, info, warn, error), overriding the configuration file"),
	}
	return &ff.Command{
		Name:      "scancore",
		Usage:     "scancore [FLAGS] <SUBCOMMAND> ...",
		ShortHelp: "scan documents with SCSI and parallel port scanners",
		Flags:     fs,
		Exec: func(context.Context, []string) error {
			return ff.ErrHelp
		},
		Subcommands: []*ff.Command{
			listCommand(g, fs),
			scanCommand(g, fs),
			calibrateCommand(g, fs),
			serveCommand(g, fs),
		},
	}
}

func logic(ctx context.Context, args []string) error {
	root := newRootCommand()
	if err := root.Parse(args, ff.WithEnvVarPrefix("SCANCORE")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	}
	if err := root.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
			return nil
		}
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := logic(ctx, os.Args[1:])
	stop()
	if err != nil {
		logging.Default().Error("scancore failed", "err", err)
		os.Exit(1)
	}
}
