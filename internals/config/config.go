// Copyright (c) 2014-2020 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads the desired worker census from a YAML document.
//
// Loading is a pure function of (file contents, environment variables): no
// state is kept here between calls, and nothing in this package talks to a
// running supervisor.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/resquepool/jobpoold/internals/osutil"
)

// DesiredCensus maps a queue-group (an opaque, comma-separated queue-name
// list) to the number of workers that should be running for it.
type DesiredCensus map[string]int

// FormatError is returned when the census document can't be parsed.
type FormatError struct {
	Path    string
	Message string
}

func (e *FormatError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("cannot parse census file %q: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("cannot parse census document: %s", e.Message)
}

// environNames is, in priority order, the set of environment variables
// consulted for the config-overlay environment name (spec.md §4.B, §6).
var environNames = []string{"RACK_ENV", "RAILS_ENV", "RESQUE_ENV"}

// EnvName returns the environment name to use for overlay selection, or ""
// if none of the recognized variables is set.
func EnvName(env map[string]string) string {
	for _, name := range environNames {
		if v, ok := env[name]; ok && v != "" {
			return v
		}
	}
	return ""
}

// DiscoverPath finds the census file to load, per spec.md §6: the
// RESQUE_POOL_CONFIG env var if set, else the first existing of
// "resque-pool.yml", "config/resque-pool.yml" relative to the current
// directory.
func DiscoverPath(env map[string]string) (string, error) {
	if p, ok := env["RESQUE_POOL_CONFIG"]; ok && p != "" {
		return p, nil
	}
	for _, candidate := range []string{"resque-pool.yml", "config/resque-pool.yml"} {
		if osutil.CanStat(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("cannot find census file: set RESQUE_POOL_CONFIG, or place one at resque-pool.yml or config/resque-pool.yml")
}

// Load reads and parses the census file at path, overlaying the section for
// the environment named by env (see EnvName).
func Load(path string, env map[string]string) (DesiredCensus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	census, err := Parse(data, EnvName(env))
	if err != nil {
		if fe, ok := err.(*FormatError); ok {
			fe.Path = path
		}
		return nil, err
	}
	return census, nil
}

// Parse decodes a census document and applies the environment overlay
// named by envName, per spec.md §4.B and §6:
//
//  1. Decode the top level into group -> yaml.Node.
//  2. If envName is non-empty and the document has a mapping-valued entry
//     keyed by envName, merge its entries over the top level.
//  3. Strip every remaining entry whose value is itself a mapping (those
//     are other environments' overlay sections, never applied).
//
// The result is a pure function of (data, envName); no I/O happens here.
func Parse(data []byte, envName string) (DesiredCensus, error) {
	var outline map[string]yaml.Node
	if err := yaml.Unmarshal(data, &outline); err != nil {
		return nil, &FormatError{Message: err.Error()}
	}

	if envName != "" {
		if overlay, ok := outline[envName]; ok && overlay.Kind == yaml.MappingNode {
			var overlayMap map[string]yaml.Node
			if err := overlay.Decode(&overlayMap); err != nil {
				return nil, &FormatError{Message: fmt.Sprintf("cannot decode %q overlay: %v", envName, err)}
			}
			for k, v := range overlayMap {
				outline[k] = v
			}
		}
	}

	census := make(DesiredCensus, len(outline))
	for group, node := range outline {
		if node.Kind == yaml.MappingNode {
			// An environment section not selected by envName; strip it.
			continue
		}
		var count int
		if err := node.Decode(&count); err != nil {
			return nil, &FormatError{Message: fmt.Sprintf("cannot decode count for group %q: %v", group, err)}
		}
		if count < 0 {
			return nil, &FormatError{Message: fmt.Sprintf("group %q has a negative worker count %d", group, count)}
		}
		census[group] = count
	}
	return census, nil
}
