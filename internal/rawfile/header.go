package rawfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kelicad/simagent/internal/domain"
)

type variable struct {
	name string
	kind string
}

type header struct {
	plotname  string
	flags     string
	numVars   int
	numPoints int
	variables []variable
	// text is the lowercased header as decoded, used for phrase matching.
	text string
}

func (h *header) hasFlag(flag string) bool {
	for _, f := range strings.Fields(h.flags) {
		if f == flag {
			return true
		}
	}
	return false
}

// parseHeader reads the textual header up to the Binary:/Values: marker line.
func parseHeader(text string) header {
	h := header{text: strings.ToLower(text)}
	inVariables := false

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		key, value, hasColon := strings.Cut(line, ":")
		value = strings.TrimSpace(value)

		switch {
		case line == "Binary:" || line == "Values:":
			return h
		case hasColon && key == "Plotname":
			h.plotname = value
		case hasColon && key == "Flags":
			h.flags = strings.ToLower(value)
		case hasColon && key == "No. Variables":
			h.numVars, _ = strconv.Atoi(value)
		case hasColon && key == "No. Points":
			h.numPoints, _ = strconv.Atoi(value)
		case hasColon && key == "Variables":
			inVariables = true
			if value != "" {
				h.addVariable(value)
			}
		case inVariables && line != "":
			h.addVariable(line)
		}
	}
	return h
}

// addVariable parses "<index> <name> <type>" separated by tabs or spaces.
func (h *header) addVariable(line string) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return
	}
	h.variables = append(h.variables, variable{name: fields[1], kind: strings.ToLower(fields[2])})
}

func (h *header) validate() error {
	if h.numVars <= 0 || h.numPoints < 0 {
		return fmt.Errorf("%w: variables=%d points=%d", ErrBadHeader, h.numVars, h.numPoints)
	}
	if len(h.variables) != h.numVars {
		return fmt.Errorf("%w: header declares %d variables, found %d", ErrBadHeader, h.numVars, len(h.variables))
	}
	return nil
}

// Unit maps a declared variable type to its unit string.
func Unit(kind string) string {
	switch strings.ToLower(kind) {
	case "voltage":
		return "V"
	case "current":
		return "A"
	case "time":
		return "s"
	case "frequency":
		return "Hz"
	default:
		return ""
	}
}

// buildResults pairs decoded columns with the declared variables. Column 0 is the axis.
func buildResults(h header, columns [][]float64, analysis string) (*domain.SimulationResults, error) {
	if len(columns) != len(h.variables) || len(columns) == 0 {
		return nil, fmt.Errorf("%w: %d columns for %d variables", ErrBadHeader, len(columns), len(h.variables))
	}

	axis := columns[0]
	traces := make([]domain.Trace, 0, len(columns)-1)
	for i := 1; i < len(columns); i++ {
		if len(columns[i]) != len(axis) {
			return nil, fmt.Errorf("trace %s has %d points, axis has %d", h.variables[i].name, len(columns[i]), len(axis))
		}
		traces = append(traces, domain.Trace{
			Name: h.variables[i].name,
			Data: columns[i],
			Unit: Unit(h.variables[i].kind),
		})
	}

	return &domain.SimulationResults{
		Time:         axis,
		Traces:       traces,
		AnalysisType: analysis,
	}, nil
}
