// Package rawfile decodes simulator result artifacts into SimulationResults.
//
// Two formats are supported. LTspice writes a UTF-16LE (occasionally 8-bit)
// header followed by fixed-layout float32/float64 records. ngspice writes an
// 8-bit header followed by either ASCII values or float64 records, with
// complex data for frequency-domain analyses.
package rawfile

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/kelicad/simagent/internal/domain"
)

// Format identifies a raw file dialect.
type Format string

const (
	FormatAuto    Format = "auto"
	FormatLTspice Format = "ltspice"
	FormatNgspice Format = "ngspice"
)

// ParseFormat converts a user-supplied name to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatLTspice, FormatNgspice:
		return f, nil
	default:
		return "", fmt.Errorf("unknown raw format %q", s)
	}
}

// Detect guesses the dialect of data. A UTF-16 header or an LTspice
// command line means LTspice; anything else is treated as ngspice.
func Detect(data []byte) Format {
	if len(data) >= 4 && data[1] == 0 && data[3] == 0 {
		return FormatLTspice
	}
	if _, _, m, ok := findLTspiceMarker(data); ok && m.utf16 {
		return FormatLTspice
	}
	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	if bytes.Contains(bytes.ToLower(head), []byte("ltspice")) {
		return FormatLTspice
	}
	return FormatNgspice
}

// Decode decodes data in the given format, detecting it when FormatAuto.
func Decode(data []byte, format Format) (*domain.SimulationResults, error) {
	if format == FormatAuto || format == "" {
		format = Detect(data)
	}
	switch format {
	case FormatLTspice:
		return DecodeLTspice(data)
	case FormatNgspice:
		return DecodeNgspice(data)
	default:
		return nil, fmt.Errorf("unsupported raw format %q", format)
	}
}

// DecodeFile reads and decodes the raw file at path.
func DecodeFile(path string, format Format) (*domain.SimulationResults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read raw file: %w", err)
	}
	return Decode(data, format)
}

func magnitude(re, im float64) float64 {
	return math.Sqrt(re*re + im*im)
}

// DecodeText converts engine text output to a string. LTspice writes its
// log as UTF-16LE on some platforms; other input is returned unchanged.
func DecodeText(data []byte) string {
	if len(data) >= 2 && (data[1] == 0 || (data[0] == 0xFF && data[1] == 0xFE)) {
		if text, err := decodeUTF16Header(data); err == nil {
			return text
		}
	}
	return string(data)
}
