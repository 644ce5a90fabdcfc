package scans

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalidPassConfig indicates that a pass configuration snapshot is malformed.
var ErrInvalidPassConfig = errors.New("scans: invalid pass config")

// PassDefinition describes the admission semantics of a single code.
type PassDefinition struct {
	Type         PassType `json:"type"`
	DisabledDays []string `json:"disabledDays,omitempty"`
	Counter      int64    `json:"counter,omitempty"`
}

// PassConfig is the immutable bundled snapshot mapping codes to their semantics.
// Loaded from disk on first run, persisted to settings, and re-projected on every
// start from the snapshot defaults union the scan log.
type PassConfig struct {
	Passes map[string]PassDefinition `json:"passes"`
}

// ParsePassConfig decodes and validates a snapshot blob.
func ParsePassConfig(blob []byte) (PassConfig, error) {
	var cfg PassConfig
	decoder := json.NewDecoder(bytes.NewReader(blob))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return PassConfig{}, fmt.Errorf("%w: %v", ErrInvalidPassConfig, err)
	}
	if cfg.Passes == nil {
		return PassConfig{}, fmt.Errorf("%w: missing passes", ErrInvalidPassConfig)
	}
	for code, definition := range cfg.Passes {
		if strings.TrimSpace(code) == "" {
			return PassConfig{}, fmt.Errorf("%w: empty code", ErrInvalidPassConfig)
		}
		if _, err := ParsePassType(string(definition.Type)); err != nil {
			return PassConfig{}, fmt.Errorf("%w: code %s: %v", ErrInvalidPassConfig, code, err)
		}
	}
	return cfg, nil
}

// LoadPassConfigFile reads and parses a snapshot from disk.
func LoadPassConfigFile(path string) (PassConfig, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return PassConfig{}, err
	}
	return ParsePassConfig(blob)
}

// Encode serialises the snapshot for persistence in settings.
func (c PassConfig) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DisabledFor reports whether the definition blocks admission on the given day.
func (d PassDefinition) DisabledFor(day string) bool {
	for _, disabled := range d.DisabledDays {
		if disabled == day {
			return true
		}
	}
	return false
}
