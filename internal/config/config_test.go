package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every lookup at an empty temp dir so the real user config
// does not leak into tests.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_CACHE_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv(EnvConfigFile, "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultDebounce, cfg.Debounce)
	assert.Equal(t, DefaultExportTimeout, cfg.ExportTimeout)
	assert.Equal(t, []string{"xelatex", "-interaction=nonstopmode", "-halt-on-error"}, cfg.Typesetter)
	assert.Equal(t, []string{"rsvg-convert"}, cfg.Converter)
	assert.Equal(t, filepath.Join(dir, "nvim-previewer", "logs"), cfg.LogDir)
	assert.Empty(t, cfg.File)
	assert.Equal(t, "127.0.0.1:3008", cfg.Addr())
}

func TestLoadLayering(t *testing.T) {
	dir := isolate(t)
	cfgFile := filepath.Join(dir, "nvim-previewer", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(cfgFile), 0o755))
	require.NoError(t, os.WriteFile(cfgFile, []byte(strings.Join([]string{
		"port: 4000",
		"browser: firefox",
		"debounce: 300ms",
		"converter: [inkscape, --export-type=pdf]",
	}, "\n")), 0o644))

	t.Setenv("NVIM_PREVIEWER_PORT", "5000")
	t.Setenv("NVIM_PREVIEWER_TYPESETTER", "lualatex -halt-on-error")
	t.Setenv("NVIM_PREVIEWER_EXPORT_TIMEOUT", "5s")

	cfg, err := Load(Options{Globals: map[string]any{
		"port":     int64(6000),
		"css_file": "",
		"js_file":  nil,
	}})
	require.NoError(t, err)
	assert.Equal(t, cfgFile, cfg.File)
	assert.Equal(t, 6000, cfg.Port, "editor globals win")
	assert.Equal(t, "firefox", cfg.Browser)
	assert.Equal(t, 300*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 5*time.Second, cfg.ExportTimeout)
	assert.Equal(t, []string{"lualatex", "-halt-on-error"}, cfg.Typesetter)
	assert.Equal(t, []string{"inkscape", "--export-type=pdf"}, cfg.Converter)
	assert.Empty(t, cfg.CSSFile, "unset globals do not mask lower layers")
}

func TestLoadExplicitFile(t *testing.T) {
	dir := isolate(t)
	cfgFile := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("host: 0.0.0.0\n"), 0o644))
	t.Setenv(EnvConfigFile, cfgFile)

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
}

func TestLoadBadFile(t *testing.T) {
	dir := isolate(t)
	cfgFile := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("port: [\n"), 0o644))

	_, err := Load(Options{File: cfgFile})
	assert.Error(t, err)
}

func TestValidateFallbacks(t *testing.T) {
	isolate(t)
	cfg, err := Load(Options{})
	require.NoError(t, err)

	cfg.Port = 80
	cfg.CSSFile = "/does/not/exist.css"
	cfg.Debounce = 0
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Len(t, warnings, 3)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Empty(t, cfg.CSSFile)
	assert.Equal(t, DefaultDebounce, cfg.Debounce)
}

func TestValidateKeepsExistingFiles(t *testing.T) {
	dir := isolate(t)
	js := filepath.Join(dir, "client.js")
	require.NoError(t, os.WriteFile(js, []byte("//"), 0o644))

	cfg, err := Load(Options{})
	require.NoError(t, err)
	cfg.JSFile = js
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, js, cfg.JSFile)
}

func TestValidateErrors(t *testing.T) {
	isolate(t)
	cfg, err := Load(Options{})
	require.NoError(t, err)

	cfg.LogLevel = "loud"
	_, err = cfg.Validate()
	assert.Error(t, err)

	cfg.LogLevel = "debug"
	cfg.Typesetter = nil
	_, err = cfg.Validate()
	assert.Error(t, err)
}

func TestPortFallbackProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("validated port is always usable", prop.ForAll(
		func(port int) bool {
			cfg := Config{
				Port:          port,
				Host:          DefaultHost,
				Debounce:      DefaultDebounce,
				ExportTimeout: DefaultExportTimeout,
				Typesetter:    []string{"xelatex"},
				Converter:     []string{"rsvg-convert"},
				LogDir:        "/tmp",
			}
			if _, err := cfg.Validate(); err != nil {
				return false
			}
			if port > 1024 && port <= 65535 {
				return cfg.Port == port
			}
			return cfg.Port == DefaultPort
		},
		gen.IntRange(-10, 70000),
	))

	properties.TestingRun(t)
}

type fakeEditor map[string]any

func (f fakeEditor) Eval(expr string, result interface{}) error {
	for key, v := range f {
		if strings.Contains(expr, "'nvim_previewer_"+key+"'") {
			if err, ok := v.(error); ok {
				return err
			}
			*(result.(*any)) = v
			return nil
		}
	}
	*(result.(*any)) = nil
	return nil
}

func TestEditorGlobals(t *testing.T) {
	globals, err := EditorGlobals(fakeEditor{"port": int64(4567), "browser": "chromium"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"port": int64(4567), "browser": "chromium"}, globals)

	_, err = EditorGlobals(fakeEditor{"browser": errors.New("channel closed")})
	assert.ErrorContains(t, err, "g:nvim_previewer_browser")
}
