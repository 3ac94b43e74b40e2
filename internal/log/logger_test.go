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

package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Format = %q, want text", cfg.Format)
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("debug flag wins", func(t *testing.T) {
		t.Setenv("WARDEN_DEBUG", "1")
		t.Setenv("WARDEN_LOG_LEVEL", "error")

		cfg := FromEnv()
		if cfg.Level != "debug" {
			t.Errorf("Level = %q, want debug", cfg.Level)
		}
		if !cfg.AddSource {
			t.Error("AddSource = false, want true")
		}
	})

	t.Run("WARDEN_LOG_LEVEL over LOG_LEVEL", func(t *testing.T) {
		t.Setenv("WARDEN_DEBUG", "")
		t.Setenv("WARDEN_LOG_LEVEL", "info")
		t.Setenv("LOG_LEVEL", "error")

		cfg := FromEnv()
		if cfg.Level != "info" {
			t.Errorf("Level = %q, want info", cfg.Level)
		}
	})

	t.Run("LOG_FORMAT", func(t *testing.T) {
		t.Setenv("WARDEN_DEBUG", "")
		t.Setenv("LOG_FORMAT", "JSON")

		cfg := FromEnv()
		if cfg.Format != FormatJSON {
			t.Errorf("Format = %q, want json", cfg.Format)
		}
	})
}

func TestApplyVerbosity(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		verbose int
		want    string
	}{
		{"no flags keep default", "warn", 0, "warn"},
		{"one flag selects info", "warn", 1, "info"},
		{"two flags select debug", "warn", 2, "debug"},
		{"never raises the level", "debug", 1, "debug"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Level = tc.level
			cfg.ApplyVerbosity(tc.verbose)
			if cfg.Level != tc.want {
				t.Errorf("Level = %q, want %q", cfg.Level, tc.want)
			}
		})
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer

	cfg := DefaultConfig()
	cfg.Level = "info"
	cfg.Output = &buf

	logger := New(cfg)
	logger.Debug("hidden")
	logger.Info("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message should have been filtered")
	}
	if !strings.Contains(out, "visible") {
		t.Error("info message should have been logged")
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer

	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Output = &buf

	New(cfg).Warn("message", "key", "value")

	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("output does not look like JSON: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"WARN", slog.LevelWarn},
		{"unknown", slog.LevelWarn},
	}

	for _, tc := range tests {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer

	cfg := DefaultConfig()
	cfg.Output = &buf

	WithComponent(New(cfg), "supervisor").Warn("message")

	if !strings.Contains(buf.String(), "component=supervisor") {
		t.Errorf("missing component field: %q", buf.String())
	}
}
