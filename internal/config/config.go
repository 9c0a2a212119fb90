// Package config loads the previewer configuration from defaults, an optional
// YAML file, NVIM_PREVIEWER_* environment variables and editor globals.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	DefaultPort          = 3008
	DefaultHost          = "127.0.0.1"
	DefaultDebounce      = 150 * time.Millisecond
	DefaultExportTimeout = 60 * time.Second

	envPrefix = "NVIM_PREVIEWER_"
	// EnvConfigFile names an explicit YAML config file.
	EnvConfigFile = envPrefix + "CONFIG_FILE"
	// EnvControl selects the control channel transport.
	EnvControl = envPrefix + "CONTROL"

	appName = "nvim-previewer"
)

// Config holds all settings.
type Config struct {
	Browser       string        `koanf:"browser"`
	Port          int           `koanf:"port"`
	Host          string        `koanf:"host"`
	CSSFile       string        `koanf:"css_file"`
	JSFile        string        `koanf:"js_file"`
	Debounce      time.Duration `koanf:"debounce"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	Typesetter    []string      `koanf:"typesetter"`
	Converter     []string      `koanf:"converter"`
	LogDir        string        `koanf:"log_dir"`
	LogLevel      string        `koanf:"log_level"`

	// File is the YAML file that was loaded, if any.
	File string `koanf:"-"`
}

// Options controls where Load looks.
type Options struct {
	// File overrides the config file search.
	File string
	// Globals are editor variables keyed by config key; they win over
	// everything else.
	Globals map[string]any
}

func defaults() map[string]any {
	return map[string]any{
		"browser":        "",
		"port":           DefaultPort,
		"host":           DefaultHost,
		"css_file":       "",
		"js_file":        "",
		"debounce":       DefaultDebounce,
		"export_timeout": DefaultExportTimeout,
		"typesetter":     []string{"xelatex", "-interaction=nonstopmode", "-halt-on-error"},
		"converter":      []string{"rsvg-convert"},
		"log_dir":        defaultLogDir(),
		"log_level":      "info",
	}
}

func defaultLogDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, appName, "logs")
}

// findConfigFile returns the explicit path, the env override, or the user
// config file if it exists.
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigFile); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(dir, appName, "config.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// Load builds the configuration. Precedence (highest to lowest): editor
// globals > env vars > config file > defaults.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	cfgFile := findConfigFile(opts.File)
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// NVIM_PREVIEWER_CSS_FILE -> css_file; argv keys split on spaces.
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		if key == EnvConfigFile || key == EnvControl {
			return "", nil
		}
		key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
		if key == "typesetter" || key == "converter" {
			return key, strings.Fields(value)
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if globals := compact(opts.Globals); len(globals) > 0 {
		if err := k.Load(confmap.Provider(globals, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load editor globals: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = cfgFile
	return &cfg, nil
}

// compact drops unset globals so they do not mask lower layers.
func compact(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val == "" {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Validate repairs unusable values and returns a warning for each repair.
// It fails only on values with no sensible fallback.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	if c.Port <= 1024 || c.Port > 65535 {
		warnings = append(warnings, fmt.Sprintf("port %d is not usable, falling back to %d", c.Port, DefaultPort))
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.CSSFile != "" && !isFile(c.CSSFile) {
		warnings = append(warnings, fmt.Sprintf("css_file %s not found, using the built-in stylesheet", c.CSSFile))
		c.CSSFile = ""
	}
	if c.JSFile != "" && !isFile(c.JSFile) {
		warnings = append(warnings, fmt.Sprintf("js_file %s not found, using the built-in script", c.JSFile))
		c.JSFile = ""
	}
	if c.Debounce <= 0 {
		warnings = append(warnings, fmt.Sprintf("debounce %s is not positive, using %s", c.Debounce, DefaultDebounce))
		c.Debounce = DefaultDebounce
	}
	if c.ExportTimeout <= 0 {
		warnings = append(warnings, fmt.Sprintf("export_timeout %s is not positive, using %s", c.ExportTimeout, DefaultExportTimeout))
		c.ExportTimeout = DefaultExportTimeout
	}
	if len(c.Typesetter) == 0 {
		return warnings, fmt.Errorf("typesetter must name a program")
	}
	if len(c.Converter) == 0 {
		return warnings, fmt.Errorf("converter must name a program")
	}
	if c.LogDir == "" {
		c.LogDir = defaultLogDir()
	}
	if _, err := c.Level(); err != nil {
		return warnings, err
	}
	return warnings, nil
}

// Addr is the preview server listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
