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

// Package envutil manipulates sets of environment variable overrides:
// variables to be set or unset on top of an inherited environment.
package envutil

import (
	"sort"
	"strings"
)

// Overlay records modifications to apply to an environment. A variable
// is either set to a value, or unset; variables never mentioned are
// inherited unchanged.
type Overlay struct {
	// values maps name to value for set variables and to a nil marker
	// for unset ones.
	values map[string]*string
}

// NewOverlay returns an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{values: make(map[string]*string)}
}

// Set records that name should be set to value.
func (o *Overlay) Set(name, value string) {
	v := value
	o.values[name] = &v
}

// Unset records that name should be removed from the environment.
func (o *Overlay) Unset(name string) {
	o.values[name] = nil
}

// Lookup returns the override for name: the value and true if set,
// nil and true if unset, nil and false if inherited.
func (o *Overlay) Lookup(name string) (*string, bool) {
	v, ok := o.values[name]
	return v, ok
}

// Names returns the overridden variable names in sorted order.
func (o *Overlay) Names() []string {
	names := make([]string, 0, len(o.values))
	for name := range o.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply returns a copy of environ with the overlay's modifications
// applied. environ uses the "NAME=value" convention of os.Environ.
func (o *Overlay) Apply(environ []string) []string {
	result := make([]string, 0, len(environ)+len(o.values))

	for _, entry := range environ {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			result = append(result, entry)
			continue
		}
		if _, overridden := o.values[name]; overridden {
			continue
		}
		result = append(result, entry)
	}

	for _, name := range o.Names() {
		if v := o.values[name]; v != nil {
			result = append(result, name+"="+*v)
		}
	}

	return result
}

// ToShell returns the overlay as a script evaluable by a POSIX shell.
// Set variables become "export NAME=VALUE" lines with VALUE quoted if
// required, unset variables become "unset NAME" lines. Names that are
// not valid shell identifiers are skipped.
func (o *Overlay) ToShell() string {
	var buf strings.Builder

	for _, name := range o.Names() {
		if !isShellIdentifier(name) {
			continue
		}

		if v := o.values[name]; v != nil {
			buf.WriteString("export ")
			buf.WriteString(name)
			buf.WriteString("=")
			buf.WriteString(ShellQuote(*v))
			buf.WriteString("\n")
		} else {
			buf.WriteString("unset ")
			buf.WriteString(name)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

// ShellQuote quotes s so that a POSIX shell will parse it as a single
// word with the literal value s.
func ShellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'`$\\|&;()<>*?[]{}~#%=!") {
		return s
	}

	// Single quotes preserve everything except single quotes, which
	// are written as '\'' (close, escaped quote, reopen).
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
