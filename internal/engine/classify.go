package engine

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/rawfile"
)

// LogFileName is the diagnostic log LTspice writes next to the netlist.
const LogFileName = "circuit.log"

var (
	zeroErrorsPattern = regexp.MustCompile(`\b(0|no) errors?\b`)
	lineRefPattern    = regexp.MustCompile(`(?i)\bline\s+\d+`)
)

// classifyExit decides whether a finished run failed. A nil result means the
// run may have succeeded and the artifact should be checked.
func classifyExit(kind domain.EngineKind, status ExitStatus, workDir string) error {
	switch kind {
	case domain.EngineNgspice:
		diags := scanNgspiceErrors(status.Stdout + "\n" + status.Stderr)
		if len(diags) == 0 {
			return nil
		}
		return &ExitError{Engine: kind, Code: status.Code, Diagnostics: strings.Join(diags, "\n")}
	default:
		if status.Code == 0 {
			return nil
		}
		logText := ""
		if data, err := os.ReadFile(filepath.Join(workDir, LogFileName)); err == nil {
			logText = rawfile.DecodeText(data)
		}
		return &ExitError{Engine: kind, Code: status.Code, Diagnostics: status.Stderr + "\n" + logText}
	}
}

// scanNgspiceErrors extracts error lines from ngspice output together with
// a preceding "line N" reference and any indented continuation lines.
// ngspice exits non-zero for benign reasons, so output is the signal.
func scanNgspiceErrors(output string) []string {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	seen := make(map[string]bool)
	var diags []string

	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		diags = append(diags, s)
	}

	for i, line := range lines {
		if !isNgspiceErrorLine(line) {
			continue
		}
		if i > 0 && lineRefPattern.MatchString(lines[i-1]) && !isNgspiceErrorLine(lines[i-1]) {
			add(lines[i-1])
		}
		add(line)
		for j := i + 1; j < len(lines); j++ {
			next := lines[j]
			if strings.TrimSpace(next) == "" || (next[0] != ' ' && next[0] != '\t') {
				break
			}
			add(next)
		}
	}
	return diags
}

func isNgspiceErrorLine(line string) bool {
	lower := strings.ToLower(strings.TrimSpace(line))
	if !strings.Contains(lower, "error") {
		return false
	}
	if strings.HasPrefix(lower, "note") || strings.Contains(lower, "warning") {
		return false
	}
	return !zeroErrorsPattern.MatchString(lower)
}
