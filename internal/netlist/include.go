package netlist

import (
	"regexp"
	"strings"
)

var includePattern = regexp.MustCompile(`(?i)^\s*\.(include|inc|lib)\s+(.+?)\s*$`)

type include struct {
	keyword string
	path    string
	base    string
	section string
}

// parseInclude extracts the target of an .include/.inc/.lib line. A quoted
// target may contain spaces; anything after the target is kept as the
// library section name.
func parseInclude(line string) (include, bool) {
	m := includePattern.FindStringSubmatch(line)
	if m == nil {
		return include{}, false
	}
	rest := m[2]

	var path, section string
	if q := rest[0]; q == '"' || q == '\'' {
		if end := strings.IndexByte(rest[1:], q); end >= 0 {
			path = rest[1 : end+1]
			section = strings.TrimSpace(rest[end+2:])
		} else {
			path = strings.Trim(rest, `"'`)
		}
	} else {
		path = rest
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			path, section = rest[:i], strings.TrimSpace(rest[i+1:])
		}
	}
	if path == "" {
		return include{}, false
	}

	return include{
		keyword: strings.ToLower(m[1]),
		path:    path,
		base:    baseName(path),
		section: section,
	}, true
}

// baseName handles both slash styles regardless of host OS.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (inc include) rewrite() string {
	line := "." + inc.keyword + " " + inc.base
	if inc.section != "" {
		line += " " + inc.section
	}
	return line
}
