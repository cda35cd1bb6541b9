// Package netlist rewrites user netlists before they are handed to an engine.
package netlist

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelicad/simagent/internal/domain"
)

// BundledLibraries are shipped in the resources directory and used when
// an include cannot be found in the engine's own library tree.
var BundledLibraries = []string{"LTC3.lib"}

const defaultSearchDepth = 4

// ErrUnresolvedInclude is returned in strict mode when an include cannot be found.
var ErrUnresolvedInclude = errors.New("unresolved include")

// UnresolvedError lists the includes that could not be resolved.
type UnresolvedError struct {
	Names []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnresolvedInclude, strings.Join(e.Names, ", "))
}

func (e *UnresolvedError) Unwrap() error { return ErrUnresolvedInclude }

// Options configures a Preprocessor.
type Options struct {
	// LibraryDirs are the model library roots per engine.
	LibraryDirs map[domain.EngineKind][]string
	// ResourcesDir holds the bundled libraries.
	ResourcesDir string
	// SearchDepth bounds the recursive library search.
	SearchDepth int
	// Strict turns unresolved includes into an error.
	Strict bool
}

// Prepared is the result of preprocessing a netlist.
type Prepared struct {
	Netlist string
	// Files are the support files copied into the working directory.
	Files []string
	// Unresolved are include targets left as written.
	Unresolved []string
}

// Preprocessor resolves includes and injects engine directives.
type Preprocessor struct {
	opts   Options
	logger *slog.Logger
}

// NewPreprocessor creates a Preprocessor.
func NewPreprocessor(opts Options, logger *slog.Logger) *Preprocessor {
	if opts.SearchDepth <= 0 {
		opts.SearchDepth = defaultSearchDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Preprocessor{opts: opts, logger: logger}
}

// Prepare rewrites raw for the given engine. Resolved include targets are
// copied into workDir and referenced by bare name.
func (p *Preprocessor) Prepare(raw, workDir string, kind domain.EngineKind, quality string) (*Prepared, error) {
	lines := splitLines(raw)
	result := &Prepared{}
	copied := make(map[string]bool)

	for i, line := range lines {
		inc, ok := parseInclude(line)
		if !ok {
			continue
		}

		if filepath.IsAbs(inc.path) && fileExists(inc.path) {
			continue
		}

		src := p.resolve(inc.base, kind)
		if src == "" {
			p.logger.Warn("Include not resolved, leaving as written", "include", inc.path, "engine", kind)
			result.Unresolved = append(result.Unresolved, inc.path)
			continue
		}

		if !copied[inc.base] {
			if err := copyFile(src, filepath.Join(workDir, inc.base)); err != nil {
				return nil, fmt.Errorf("copy library %s: %w", inc.base, err)
			}
			copied[inc.base] = true
			result.Files = append(result.Files, inc.base)
			p.logger.Info("Copied library into working directory", "library", inc.base, "source", src)
		}
		lines[i] = inc.rewrite()
	}

	if p.opts.Strict && len(result.Unresolved) > 0 {
		return nil, &UnresolvedError{Names: result.Unresolved}
	}

	result.Netlist = InjectDirectives(strings.Join(lines, "\n"), kind, quality)
	return result, nil
}

// resolve finds a file named name in the engine library tree, then among
// the bundled libraries. It returns "" when nothing matches.
func (p *Preprocessor) resolve(name string, kind domain.EngineKind) string {
	for _, root := range p.opts.LibraryDirs[kind] {
		if path := findFile(root, name, p.opts.SearchDepth); path != "" {
			return path
		}
	}

	if p.opts.ResourcesDir == "" {
		return ""
	}
	for _, lib := range BundledLibraries {
		if lib != name {
			continue
		}
		path := filepath.Join(p.opts.ResourcesDir, lib)
		if fileExists(path) {
			return path
		}
		p.logger.Warn("Bundled library missing from resources", "path", path)
	}
	return ""
}

// findFile walks root up to maxDepth directories deep looking for name.
func findFile(root, name string, maxDepth int) string {
	var found string
	rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if strings.Count(filepath.Clean(path), string(filepath.Separator))-rootDepth > maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
