package netlist

import (
	"fmt"
	"strings"

	"github.com/kelicad/simagent/internal/domain"
)

// RawFileName is the artifact name the engine is told to write.
const RawFileName = "circuit.raw"

// PlotWinSize maps a waveform quality hint to the LTspice plotwinsize option.
// Zero disables waveform compression.
func PlotWinSize(quality string) int {
	if quality == "fast" {
		return 128
	}
	return 0
}

// InjectDirectives adds the directives the engine needs to produce a
// decodable artifact. Directives already present are left alone.
func InjectDirectives(netlist string, kind domain.EngineKind, quality string) string {
	lines := splitLines(netlist)

	var extra []string
	switch kind {
	case domain.EngineNgspice:
		if !hasDirective(lines, ".save") {
			extra = append(extra, ".save all")
		}
		if !hasDirective(lines, ".control") {
			extra = append(extra, ".control", "run", "write "+RawFileName, "quit", ".endc")
		}
	default:
		if !hasDirective(lines, ".backanno") {
			extra = append(extra, ".backanno")
		}
		if !hasDirective(lines, ".save") {
			extra = append(extra, ".save all")
		}
		if !hasPlotWinSize(lines) {
			extra = append(extra, fmt.Sprintf(".options plotwinsize=%d", PlotWinSize(quality)))
		}
	}

	if len(extra) == 0 {
		return strings.Join(lines, "\n")
	}

	end := endIndex(lines)
	if end < 0 {
		for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
			lines = lines[:len(lines)-1]
		}
		lines = append(lines, extra...)
		lines = append(lines, ".end")
		return strings.Join(lines, "\n")
	}

	out := make([]string, 0, len(lines)+len(extra))
	out = append(out, lines[:end]...)
	out = append(out, extra...)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n")
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

// directiveName returns the lowercased leading dot-command of a line, or "".
func directiveName(line string) string {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, ".") {
		return ""
	}
	if i := strings.IndexAny(t, " \t="); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(t)
}

func hasDirective(lines []string, name string) bool {
	for _, l := range lines {
		if directiveName(l) == name {
			return true
		}
	}
	return false
}

func hasPlotWinSize(lines []string) bool {
	for _, l := range lines {
		switch directiveName(l) {
		case ".option", ".options", ".opt", ".opts":
			if strings.Contains(strings.ToLower(l), "plotwinsize") {
				return true
			}
		}
	}
	return false
}

func endIndex(lines []string) int {
	for i, l := range lines {
		if directiveName(l) == ".end" {
			return i
		}
	}
	return -1
}
