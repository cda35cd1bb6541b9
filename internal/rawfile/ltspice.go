package rawfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/kelicad/simagent/internal/domain"
)

type marker struct {
	seq   []byte
	utf16 bool
}

// ltspiceMarkers are tried in order. A file written on one platform may carry
// line endings or an encoding from another, so every variant is searched.
var ltspiceMarkers = []marker{
	{seq: utf16le("Binary:\n"), utf16: true},
	{seq: utf16le("Binary:\r\n"), utf16: true},
	{seq: []byte("Binary:\n")},
	{seq: []byte("Binary:\r\n")},
}

func utf16le(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), 0)
	}
	return out
}

// findLTspiceMarker returns the header end, the data start and the marker used.
func findLTspiceMarker(data []byte) (headerEnd, dataStart int, m marker, ok bool) {
	for _, m := range ltspiceMarkers {
		if pos := bytes.Index(data, m.seq); pos >= 0 {
			return pos, pos + len(m.seq), m, true
		}
	}
	return 0, 0, marker{}, false
}

func decodeUTF16Header(region []byte) (string, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	text, err := dec.Bytes(region)
	if err != nil {
		return "", fmt.Errorf("decode utf-16 header: %w", err)
	}
	return string(text), nil
}

// ltspiceLayout computes byte offsets for the LTspice binary region.
type ltspiceLayout struct {
	numVars   int
	numPoints int
	double    bool
	complex   bool
	// fast is the "fastaccess" layout: one contiguous column per variable.
	fast bool
}

func (l ltspiceLayout) width(v int) int {
	switch {
	case l.complex:
		return 16
	case v == 0 || l.double:
		return 8
	default:
		return 4
	}
}

func (l ltspiceLayout) columnOffset(v int) int {
	off := 0
	for i := 0; i < v; i++ {
		off += l.width(i)
	}
	return off
}

func (l ltspiceLayout) stride() int {
	return l.columnOffset(l.numVars)
}

// fits reports whether the declared points fit in n bytes. The point count
// comes from the file, so it is checked by division to avoid overflow.
func (l ltspiceLayout) fits(n int) bool {
	stride := l.stride()
	return stride > 0 && l.numPoints <= n/stride
}

func (l ltspiceLayout) offset(point, v int) int {
	if l.fast {
		return l.numPoints*l.columnOffset(v) + point*l.width(v)
	}
	return point*l.stride() + l.columnOffset(v)
}

// value reads variable v at point. Complex values report magnitude except
// for the axis, which reports its real part.
func (l ltspiceLayout) value(data []byte, point, v int) float64 {
	off := l.offset(point, v)
	switch l.width(v) {
	case 16:
		re := readFloat64(data, off)
		if v == 0 {
			return re
		}
		return magnitude(re, readFloat64(data, off+8))
	case 8:
		return readFloat64(data, off)
	default:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	}
}

func readFloat64(data []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
}

// DecodeLTspice decodes an LTspice binary raw file.
func DecodeLTspice(data []byte) (*domain.SimulationResults, error) {
	headerEnd, dataStart, m, ok := findLTspiceMarker(data)
	if !ok {
		return nil, decodeErr(FormatLTspice, ErrNoMarker)
	}

	region := data[:headerEnd]
	var text string
	if m.utf16 {
		var err error
		if text, err = decodeUTF16Header(region); err != nil {
			return nil, decodeErr(FormatLTspice, err)
		}
	} else {
		text = string(region)
	}

	h := parseHeader(text)
	if err := h.validate(); err != nil {
		return nil, decodeErr(FormatLTspice, err)
	}
	if h.numPoints == 0 {
		return nil, decodeErr(FormatLTspice, fmt.Errorf("%w: zero points", ErrBadHeader))
	}

	layout := ltspiceLayout{
		numVars:   h.numVars,
		numPoints: h.numPoints,
		double:    h.hasFlag("double"),
		complex:   h.hasFlag("complex"),
		fast:      h.hasFlag("fastaccess"),
	}

	body := data[dataStart:]
	if !layout.fits(len(body)) {
		stride := layout.stride()
		if stride > 0 && h.numPoints <= math.MaxInt/stride {
			return nil, decodeErr(FormatLTspice, fmt.Errorf("%w: expected %d bytes, got %d", ErrTruncated, h.numPoints*stride, len(body)))
		}
		return nil, decodeErr(FormatLTspice, fmt.Errorf("%w: %d points declared, got %d bytes", ErrTruncated, h.numPoints, len(body)))
	}

	// Transient axis values may carry a negative sign on compressed points.
	absAxis := h.variables[0].kind == "time"

	columns := make([][]float64, h.numVars)
	for v := range columns {
		columns[v] = make([]float64, h.numPoints)
	}
	for p := 0; p < h.numPoints; p++ {
		for v := 0; v < h.numVars; v++ {
			val := layout.value(body, p, v)
			if v == 0 && absAxis {
				val = math.Abs(val)
			}
			columns[v][p] = val
		}
	}

	res, err := buildResults(h, columns, ltspiceAnalysis(h.text))
	if err != nil {
		return nil, decodeErr(FormatLTspice, err)
	}
	return res, nil
}

func ltspiceAnalysis(lowerHeader string) string {
	switch {
	case strings.Contains(lowerHeader, "transient analysis"):
		return domain.AnalysisTransient
	case strings.Contains(lowerHeader, "ac analysis"):
		return domain.AnalysisAC
	case strings.Contains(lowerHeader, "dc"):
		return domain.AnalysisDC
	default:
		return domain.AnalysisTransient
	}
}
