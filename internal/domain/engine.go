package domain

import (
	"fmt"
	"strings"
)

// EngineKind identifies a simulator family.
type EngineKind string

const (
	EngineLTspice EngineKind = "ltspice"
	EngineNgspice EngineKind = "ngspice"
)

// ParseEngineKind converts a configuration value to an EngineKind.
func ParseEngineKind(s string) (EngineKind, error) {
	switch k := EngineKind(strings.ToLower(strings.TrimSpace(s))); k {
	case EngineLTspice, EngineNgspice:
		return k, nil
	default:
		return "", fmt.Errorf("unknown engine %q", s)
	}
}
