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

// Package config loads the scancore configuration file.
//
// Configuration is read from YAML, merged over defaults, overridden from
// SCANCORE_* environment variables and validated before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in DeviceConfig.Backend.
const (
	BackendMicrotek2 = "microtek2"
	BackendCanonPP   = "canon_pp"
)

// Config is the root of the configuration file.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	ShadingCache ShadingCacheConfig `yaml:"shading_cache"`
	Reader       ReaderConfig       `yaml:"reader"`
	Debug        DebugConfig        `yaml:"debug"`
	Devices      []DeviceConfig     `yaml:"devices"`
}

// LoggingConfig selects level, format and destination of log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr
}

// MQTTConfig configures status publishing. An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// ShadingCacheConfig configures the persistent microtek2 shading table
// cache. An empty Path disables it.
type ShadingCacheConfig struct {
	Path string `yaml:"path"`
}

// ReaderConfig configures how scan data is transferred.
type ReaderConfig struct {
	Mode        string `yaml:"mode"` // simple, queued
	Buffers     int    `yaml:"buffers"`
	QueuedReads int    `yaml:"queued_reads"`
	// MaxRequest is the largest SCSI transfer in bytes.
	MaxRequest int `yaml:"max_request"`
}

// DebugConfig configures the debug HTTP listener serving /debug/requests.
type DebugConfig struct {
	Listen string `yaml:"listen"`
}

// USBConfig identifies a USB attached SCSI scanner by vendor and product
// id, in hex as printed by lsusb.
type USBConfig struct {
	Vendor  string `yaml:"vendor"`
	Product string `yaml:"product"`
}

// DeviceConfig declares one scanner.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
	// Path is the /dev/sg* node (microtek2) or /dev/parport* node
	// (canon_pp). microtek2 devices may use USB instead.
	Path string     `yaml:"path"`
	USB  *USBConfig `yaml:"usb"`

	// canon_pp
	CalibrationFile string `yaml:"calibration_file"`
	InitMode        string `yaml:"init_mode"` // auto, 20p, fb620p, fb630p
	ForceNibble     bool   `yaml:"force_nibble"`

	// microtek2
	StripHeight        float64 `yaml:"strip_height"` // inches
	NoBacktracking     bool    `yaml:"no_backtracking"`
	Lightlid35         bool    `yaml:"lightlid35"`
	ToggleLamp         bool    `yaml:"toggle_lamp"`
	BackendCalibration *bool   `yaml:"backend_calibration"`
	AutoAdjust         bool    `yaml:"auto_adjust"`
	ColorBalanceAdjust bool    `yaml:"colorbalance_adjust"`
	ShadingReduction   string  `yaml:"shading_reduction"` // median, mean
}

// Load reads the configuration file at path. Values missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	for i := range cfg.Devices {
		cfg.Devices[i].applyDefaults()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used without a configuration file.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		MQTT: MQTTConfig{
			ClientID:    "scancore",
			TopicPrefix: "scancore",
		},
		Reader: ReaderConfig{
			Mode:        "simple",
			Buffers:     4,
			QueuedReads: 2,
			MaxRequest:  131072,
		},
	}
}

func (d *DeviceConfig) applyDefaults() {
	if d.StripHeight == 0 {
		d.StripHeight = 1.0
	}
	if d.InitMode == "" {
		d.InitMode = "auto"
	}
	if d.ShadingReduction == "" {
		d.ShadingReduction = "median"
	}
}

// applyEnvOverrides applies SCANCORE_SECTION_KEY environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCANCORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SCANCORE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SCANCORE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("SCANCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SCANCORE_SHADING_CACHE_PATH"); v != "" {
		cfg.ShadingCache.Path = v
	}
	if v := os.Getenv("SCANCORE_READER_MODE"); v != "" {
		cfg.Reader.Mode = v
	}
	if v := os.Getenv("SCANCORE_READER_MAX_REQUEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reader.MaxRequest = n
		}
	}
}

// Validate checks the configuration and reports every invalid field.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Reader.Mode) {
	case "", "simple", "queued":
	default:
		errs = append(errs, fmt.Sprintf("reader.mode %q must be simple or queued", c.Reader.Mode))
	}
	if c.Reader.Buffers < 2 {
		errs = append(errs, "reader.buffers must be at least 2")
	}
	if c.Reader.QueuedReads < 1 {
		errs = append(errs, "reader.queued_reads must be at least 1")
	}
	if c.Reader.MaxRequest < 512 {
		errs = append(errs, "reader.max_request must be at least 512 bytes")
	}

	names := make(map[string]bool)
	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.Name == "" {
			errs = append(errs, prefix+".name is required")
		} else if names[d.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is not unique", prefix, d.Name))
		}
		names[d.Name] = true

		switch d.Backend {
		case BackendMicrotek2:
			if d.Path == "" && d.USB == nil {
				errs = append(errs, prefix+": microtek2 devices need a path or usb ids")
			}
			if d.StripHeight <= 0 {
				errs = append(errs, prefix+".strip_height must be positive")
			}
			switch d.ShadingReduction {
			case "", "median", "mean", "average":
			default:
				errs = append(errs, fmt.Sprintf("%s.shading_reduction %q must be median or mean", prefix, d.ShadingReduction))
			}
		case BackendCanonPP:
			if d.Path == "" {
				errs = append(errs, prefix+".path is required for canon_pp devices")
			}
			switch d.InitMode {
			case "", "auto", "20p", "fb620p", "fb630p":
			default:
				errs = append(errs, fmt.Sprintf("%s.init_mode %q must be auto, 20p, fb620p or fb630p", prefix, d.InitMode))
			}
		default:
			errs = append(errs, fmt.Sprintf("%s.backend %q must be %s or %s", prefix, d.Backend, BackendMicrotek2, BackendCanonPP))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BackendCalibrationOr returns the configured backend calibration setting,
// or def if the configuration does not set it.
func (d *DeviceConfig) BackendCalibrationOr(def bool) bool {
	if d.BackendCalibration == nil {
		return def
	}
	return *d.BackendCalibration
}
