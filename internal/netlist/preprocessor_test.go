package netlist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelicad/simagent/internal/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseInclude(t *testing.T) {
	tests := []struct {
		line    string
		ok      bool
		keyword string
		path    string
		section string
	}{
		{".include opamp.sub", true, "include", "opamp.sub", ""},
		{"  .INC \"C:\\Models\\my parts.lib\"", true, "inc", `C:\Models\my parts.lib`, ""},
		{".lib 'cmos.lib' tt", true, "lib", "cmos.lib", "tt"},
		{".lib models/cmos.lib\tff", true, "lib", "models/cmos.lib", "ff"},
		{"* .include commented.lib", false, "", "", ""},
		{".library foo", false, "", "", ""},
		{"R1 a b 1k", false, "", "", ""},
	}

	for _, tt := range tests {
		inc, ok := parseInclude(tt.line)
		require.Equal(t, tt.ok, ok, tt.line)
		if !ok {
			continue
		}
		assert.Equal(t, tt.keyword, inc.keyword, tt.line)
		assert.Equal(t, tt.path, inc.path, tt.line)
		assert.Equal(t, tt.section, inc.section, tt.line)
	}

	inc, _ := parseInclude(`.inc "C:\Models\my parts.lib"`)
	assert.Equal(t, "my parts.lib", inc.base)
	assert.Equal(t, ".inc my parts.lib", inc.rewrite())
}

func TestPrepare_ResolvesFromLibraryTree(t *testing.T) {
	libRoot := t.TempDir()
	writeFile(t, filepath.Join(libRoot, "sub", "ADI", "AD8605.lib"), "* model")
	workDir := t.TempDir()

	p := NewPreprocessor(Options{
		LibraryDirs: map[domain.EngineKind][]string{domain.EngineLTspice: {libRoot}},
	}, nil)

	prepared, err := p.Prepare("* x\n.lib /nonexistent/path/AD8605.lib\nXU1 1 2 3 AD8605\n.tran 1m\n.end", workDir, domain.EngineLTspice, "fast")
	require.NoError(t, err)

	assert.Equal(t, []string{"AD8605.lib"}, prepared.Files)
	assert.Empty(t, prepared.Unresolved)
	assert.Contains(t, prepared.Netlist, "\n.lib AD8605.lib\n")
	assert.FileExists(t, filepath.Join(workDir, "AD8605.lib"))
	assert.Contains(t, prepared.Netlist, ".options plotwinsize=128")
}

func TestPrepare_AbsoluteExistingPathUntouched(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "mine.lib")
	writeFile(t, lib, "* model")
	workDir := t.TempDir()

	p := NewPreprocessor(Options{}, nil)
	prepared, err := p.Prepare("* x\n.include "+lib+"\n.end", workDir, domain.EngineLTspice, "")
	require.NoError(t, err)
	assert.Contains(t, prepared.Netlist, ".include "+lib)
	assert.Empty(t, prepared.Files)
}

func TestPrepare_BundledFallback(t *testing.T) {
	resources := t.TempDir()
	writeFile(t, filepath.Join(resources, "LTC3.lib"), "* ltc")
	workDir := t.TempDir()

	p := NewPreprocessor(Options{ResourcesDir: resources}, nil)
	prepared, err := p.Prepare("* x\n.lib \"LTC3.lib\"\n.include LTC3.lib\n.end", workDir, domain.EngineLTspice, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"LTC3.lib"}, prepared.Files)
	assert.Equal(t, 1, strings.Count(prepared.Netlist, ".lib LTC3.lib"))
	assert.Equal(t, 1, strings.Count(prepared.Netlist, ".include LTC3.lib"))
	assert.FileExists(t, filepath.Join(workDir, "LTC3.lib"))
}

func TestPrepare_LibraryTreeWinsOverBundled(t *testing.T) {
	libRoot := t.TempDir()
	writeFile(t, filepath.Join(libRoot, "LTC3.lib"), "* from engine")
	resources := t.TempDir()
	writeFile(t, filepath.Join(resources, "LTC3.lib"), "* bundled")
	workDir := t.TempDir()

	p := NewPreprocessor(Options{
		LibraryDirs:  map[domain.EngineKind][]string{domain.EngineLTspice: {libRoot}},
		ResourcesDir: resources,
	}, nil)
	_, err := p.Prepare("* x\n.lib LTC3.lib\n.end", workDir, domain.EngineLTspice, "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(workDir, "LTC3.lib"))
	require.NoError(t, err)
	assert.Equal(t, "* from engine", string(data))
}

func TestPrepare_SearchDepthBound(t *testing.T) {
	libRoot := t.TempDir()
	writeFile(t, filepath.Join(libRoot, "a", "b", "c", "deep.lib"), "* deep")
	workDir := t.TempDir()

	shallow := NewPreprocessor(Options{
		LibraryDirs: map[domain.EngineKind][]string{domain.EngineNgspice: {libRoot}},
		SearchDepth: 2,
	}, nil)
	prepared, err := shallow.Prepare("* x\n.include deep.lib\n.end", workDir, domain.EngineNgspice, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"deep.lib"}, prepared.Unresolved)

	deep := NewPreprocessor(Options{
		LibraryDirs: map[domain.EngineKind][]string{domain.EngineNgspice: {libRoot}},
		SearchDepth: 3,
	}, nil)
	prepared, err = deep.Prepare("* x\n.include deep.lib\n.end", workDir, domain.EngineNgspice, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"deep.lib"}, prepared.Files)
}

func TestPrepare_UnresolvedLenientAndStrict(t *testing.T) {
	workDir := t.TempDir()
	raw := "* x\n.include missing.lib\n.end"

	lenient := NewPreprocessor(Options{}, nil)
	prepared, err := lenient.Prepare(raw, workDir, domain.EngineLTspice, "")
	require.NoError(t, err)
	assert.Contains(t, prepared.Netlist, ".include missing.lib")
	assert.Equal(t, []string{"missing.lib"}, prepared.Unresolved)

	strict := NewPreprocessor(Options{Strict: true}, nil)
	_, err = strict.Prepare(raw, workDir, domain.EngineLTspice, "")
	require.ErrorIs(t, err, ErrUnresolvedInclude)
	assert.Contains(t, err.Error(), "missing.lib")
}

func TestPrepare_EngineSpecificLibraryDirs(t *testing.T) {
	ngRoot := t.TempDir()
	writeFile(t, filepath.Join(ngRoot, "ng.lib"), "* ng")
	workDir := t.TempDir()

	p := NewPreprocessor(Options{
		LibraryDirs: map[domain.EngineKind][]string{domain.EngineNgspice: {ngRoot}},
	}, nil)
	prepared, err := p.Prepare("* x\n.include ng.lib\n.end", workDir, domain.EngineLTspice, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"ng.lib"}, prepared.Unresolved)
}
