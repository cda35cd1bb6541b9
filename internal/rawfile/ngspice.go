package rawfile

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/kelicad/simagent/internal/domain"
)

// splitNgspice locates the Values:/Binary: line and returns the header text,
// the body after that line and whether the body is binary.
func splitNgspice(data []byte) (string, []byte, bool, error) {
	pos := 0
	for pos < len(data) {
		end := bytes.IndexByte(data[pos:], '\n')
		next := len(data)
		if end >= 0 {
			next = pos + end + 1
		}
		line := strings.TrimSpace(string(data[pos:next]))
		switch line {
		case "Values:":
			return string(data[:pos]), data[next:], false, nil
		case "Binary:":
			return string(data[:pos]), data[next:], true, nil
		}
		pos = next
	}
	return "", nil, false, ErrNoMarker
}

// DecodeNgspice decodes an ngspice raw file in either ASCII or binary form.
func DecodeNgspice(data []byte) (*domain.SimulationResults, error) {
	text, body, isBinary, err := splitNgspice(data)
	if err != nil {
		return nil, decodeErr(FormatNgspice, err)
	}

	h := parseHeader(text)
	if err := h.validate(); err != nil {
		return nil, decodeErr(FormatNgspice, err)
	}
	complexData := strings.Contains(h.flags, "complex")

	var columns [][]float64
	if isBinary {
		columns = decodeNgspiceBinary(body, h, complexData)
	} else {
		columns, err = decodeNgspiceASCII(body, h, complexData)
		if err != nil {
			return nil, decodeErr(FormatNgspice, err)
		}
	}
	if len(columns[0]) == 0 {
		return nil, decodeErr(FormatNgspice, ErrNoData)
	}

	res, err := buildResults(h, columns, ngspiceAnalysis(h.plotname))
	if err != nil {
		return nil, decodeErr(FormatNgspice, err)
	}
	return res, nil
}

// ngspiceAnalysis checks dc first: "DC transfer characteristic" contains "ac".
func ngspiceAnalysis(plotname string) string {
	p := strings.ToLower(plotname)
	switch {
	case strings.Contains(p, "dc"):
		return domain.AnalysisDC
	case strings.Contains(p, "ac"):
		return domain.AnalysisAC
	default:
		return domain.AnalysisTransient
	}
}

func decodeNgspiceBinary(body []byte, h header, complexData bool) [][]float64 {
	width := 8
	if complexData {
		width = 16
	}
	stride := h.numVars * width

	points := len(body) / stride
	if h.numPoints > 0 && points > h.numPoints {
		points = h.numPoints
	}

	columns := make([][]float64, h.numVars)
	for v := range columns {
		columns[v] = make([]float64, points)
	}
	for p := 0; p < points; p++ {
		for v := 0; v < h.numVars; v++ {
			off := p*stride + v*width
			val := readFloat64(body, off)
			if complexData && v > 0 {
				val = magnitude(val, readFloat64(body, off+8))
			}
			columns[v][p] = val
		}
	}
	return columns
}

func decodeNgspiceASCII(body []byte, h header, complexData bool) ([][]float64, error) {
	columns := make([][]float64, h.numVars)
	current := make([]float64, 0, h.numVars)
	inPoint := false

	flush := func() bool {
		if len(current) != h.numVars {
			return false
		}
		for v, val := range current {
			columns[v] = append(columns[v], val)
		}
		current = current[:0]
		return true
	}

	for _, raw := range strings.Split(string(body), "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimLeft(line, " ")
		if trimmed == "" {
			continue
		}

		var field string
		switch {
		case strings.Contains(trimmed, "\t") && isDigit(trimmed[0]):
			if inPoint && !flush() {
				return columns, nil
			}
			inPoint = true
			_, axis, _ := strings.Cut(trimmed, "\t")
			field = axis
		case trimmed[0] == '\t' && inPoint:
			field = trimmed
		default:
			// Start of another plot in a multi-plot file.
			if inPoint {
				flush()
			}
			return columns, nil
		}

		val, err := parseASCIIValue(strings.TrimSpace(field), complexData, len(current) == 0)
		if err != nil {
			// A file cut off mid-number still yields the points before it.
			if len(columns[0]) > 0 {
				return columns, nil
			}
			return nil, fmt.Errorf("point %d: %w", len(columns[0]), err)
		}
		if len(current) == h.numVars {
			// Extra value for a point; the point is malformed.
			return columns, nil
		}
		current = append(current, val)
	}

	if inPoint {
		flush()
	}
	return columns, nil
}

func parseASCIIValue(s string, complexData, axis bool) (float64, error) {
	re, im, isPair := strings.Cut(s, ",")
	r, err := strconv.ParseFloat(strings.TrimSpace(re), 64)
	if err != nil {
		return 0, fmt.Errorf("parse value %q: %w", s, err)
	}
	if !complexData || !isPair || axis {
		return r, nil
	}
	i, err := strconv.ParseFloat(strings.TrimSpace(im), 64)
	if err != nil {
		return 0, fmt.Errorf("parse imaginary part %q: %w", s, err)
	}
	return magnitude(r, i), nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
