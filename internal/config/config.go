// Copyright 2025 Tom Barlow
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

// Package config loads warden's optional configuration file. Everything
// in it can also be expressed on the command line or in the
// environment; the file only provides defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	// Log configures defaults for the log pipeline.
	Log LogConfig `yaml:"log"`
}

// LogConfig holds defaults for warden-logger.
type LogConfig struct {
	// Directory is the default log directory. Overridden by
	// WARDEN_LOG_DIR and by --log-directory.
	Directory string `yaml:"directory,omitempty"`

	// MaxBytes is the default rotation threshold for log files.
	// 0 disables rotation; negative means "use the built-in default".
	MaxBytes int64 `yaml:"max_bytes,omitempty"`

	// Terminal, File and Journal set the default minimum severity for
	// each sink, using syslog level names ("debug", "info", ...).
	Terminal string `yaml:"terminal_level,omitempty"`
	File     string `yaml:"file_level,omitempty"`
	Journal  string `yaml:"journal_level,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			MaxBytes: -1,
		},
	}
}

// Load reads the configuration from path. A missing file is not an
// error and yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadDefault loads the configuration from the XDG config path.
func LoadDefault() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}
