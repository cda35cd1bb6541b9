// Package environment locates simulator executables, their model libraries
// and the bundled resources directory.
package environment

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/kelicad/simagent/internal/domain"
)

// Overrides are explicit locations from configuration. Empty fields are detected.
type Overrides struct {
	LTspicePath    string
	NgspicePath    string
	LTspiceLibDir  string
	NgspiceLibDir  string
	ResourcesDir   string
	DisableNgspice bool
}

// Environment is the result of detection.
type Environment struct {
	LTspicePath  string
	NgspicePath  string
	LibraryDirs  map[domain.EngineKind][]string
	ResourcesDir string
}

// Resolver detects engines on the host.
type Resolver struct {
	goos     string
	home     string
	exeDir   string
	env      func(string) string
	lookPath func(string) (string, error)
	exists   func(string) bool
}

// NewResolver returns a resolver for the running host.
func NewResolver() *Resolver {
	home, _ := os.UserHomeDir()
	exeDir := ""
	if exe, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(exe)
	}
	return &Resolver{
		goos:     runtime.GOOS,
		home:     home,
		exeDir:   exeDir,
		env:      os.Getenv,
		lookPath: exec.LookPath,
		exists:   pathExists,
	}
}

// Resolve applies overrides and falls back to detection for the rest.
func (r *Resolver) Resolve(o Overrides) Environment {
	env := Environment{
		LTspicePath: o.LTspicePath,
		NgspicePath: o.NgspicePath,
		LibraryDirs: make(map[domain.EngineKind][]string),
	}
	if env.LTspicePath == "" {
		env.LTspicePath = r.firstExisting(r.ltspiceCandidates(), "ltspice", "LTspice")
	}
	if env.NgspicePath == "" && !o.DisableNgspice {
		env.NgspicePath = r.firstExisting(nil, "ngspice")
	}

	if o.LTspiceLibDir != "" {
		env.LibraryDirs[domain.EngineLTspice] = []string{o.LTspiceLibDir}
	} else {
		env.LibraryDirs[domain.EngineLTspice] = r.existing(r.ltspiceLibCandidates())
	}
	if o.NgspiceLibDir != "" {
		env.LibraryDirs[domain.EngineNgspice] = []string{o.NgspiceLibDir}
	} else {
		env.LibraryDirs[domain.EngineNgspice] = r.existing(r.ngspiceLibCandidates())
	}

	env.ResourcesDir = r.resourcesDir(o.ResourcesDir)
	return env
}

// firstExisting returns the first candidate that exists, then the first
// name found on PATH.
func (r *Resolver) firstExisting(candidates []string, names ...string) string {
	for _, c := range candidates {
		if r.exists(c) {
			return c
		}
	}
	for _, name := range names {
		if p, err := r.lookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func (r *Resolver) existing(candidates []string) []string {
	var out []string
	for _, c := range candidates {
		if r.exists(c) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Resolver) ltspiceCandidates() []string {
	switch r.goos {
	case "windows":
		return []string{
			`C:\Program Files\LTC\LTspiceXVII\XVIIx64.exe`,
			`C:\Program Files\LTC\LTspice\LTspice.exe`,
			`C:\Program Files (x86)\LTC\LTspiceXVII\XVIIx86.exe`,
			`C:\Program Files (x86)\LTC\LTspice\LTspice.exe`,
			`C:\Program Files\ADI\LTspice\LTspice.exe`,
		}
	case "darwin":
		return []string{"/Applications/LTspice.app/Contents/MacOS/LTspice"}
	default:
		return nil
	}
}

func (r *Resolver) ltspiceLibCandidates() []string {
	var dirs []string
	switch r.goos {
	case "windows":
		if local := r.env("LOCALAPPDATA"); local != "" {
			dirs = append(dirs, filepath.Join(local, "LTspice", "lib"))
		}
		if r.home != "" {
			dirs = append(dirs,
				filepath.Join(r.home, "Documents", "LTspice", "lib"),
				filepath.Join(r.home, "Documents", "LTspiceXVII", "lib"),
			)
		}
	case "darwin":
		if r.home != "" {
			dirs = append(dirs, filepath.Join(r.home, "Library", "Application Support", "LTspice", "lib"))
		}
	default:
		if r.home != "" {
			dirs = append(dirs, filepath.Join(r.home, ".wine", "drive_c", "users", filepath.Base(r.home), "AppData", "Local", "LTspice", "lib"))
		}
	}
	return dirs
}

func (r *Resolver) ngspiceLibCandidates() []string {
	switch r.goos {
	case "windows":
		return []string{`C:\Spice64\share\ngspice`, `C:\Spice\share\ngspice`}
	case "darwin":
		return []string{"/opt/homebrew/share/ngspice", "/usr/local/share/ngspice"}
	default:
		return []string{"/usr/share/ngspice", "/usr/local/share/ngspice"}
	}
}

// resourcesDir prefers the configured directory, then one next to the executable.
func (r *Resolver) resourcesDir(configured string) string {
	candidates := []string{configured}
	if r.exeDir != "" {
		candidates = append(candidates, filepath.Join(r.exeDir, "resources"))
		if r.goos == "darwin" {
			candidates = append(candidates, filepath.Join(filepath.Dir(r.exeDir), "Resources"))
		}
	}
	for _, c := range candidates {
		if c != "" && r.exists(c) {
			return c
		}
	}
	return configured
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
