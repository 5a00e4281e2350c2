// Package manifest loads the static driver manifest published by the
// resource manager under the name "drivers.json" and implements the
// first-match-wins compatible-string matching the driver launcher
// relies on.
//
// The manifest is a flat {drivers:[{name,compatible}...]} document; it
// is parsed with encoding/json rather than a third-party library
// because no example repo in the reference pack reaches for one at
// this size (their YAML libraries cover much richer config trees, not
// a single flat array).
package manifest

import (
	"encoding/json"
	"fmt"
)

// DriverEntry is one manifest row: a driver binary name and the
// compatible strings it claims.
type DriverEntry struct {
	Name       string   `json:"name"`
	Compatible []string `json:"compatible"`
}

// Manifest is the immutable, once-loaded driver manifest.
type Manifest struct {
	Drivers []DriverEntry `json:"drivers"`
}

// Parse decodes a drivers.json document. A malformed document is a
// fatal CodeInvalidConfig error at init, per the error-handling design.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: invalid config: %w", err)
	}
	return &m, nil
}

// Match returns the binary name of the first manifest entry whose
// compatible list contains devName or any string in devCompatible,
// manifest order winning ties.
func (m *Manifest) Match(devName string, devCompatible []string) (string, bool) {
	for _, entry := range m.Drivers {
		for _, c := range entry.Compatible {
			if c == devName {
				return entry.Name, true
			}
			for _, dc := range devCompatible {
				if c == dc {
					return entry.Name, true
				}
			}
		}
	}
	return "", false
}
