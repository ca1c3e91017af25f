package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix recognized for environment overrides, e.g.
// BUILDSMITH_SRC_DB maps to src.db.
const EnvPrefix = "BUILDSMITH_"

// Config mirrors config.toml. Field names follow the on-disk schema the
// frontend and build machines already share.
type Config struct {
	Sign       string        `koanf:"sign"`
	CustomArgs []string      `koanf:"custom_args"`
	BuildArgs  []string      `koanf:"build_args"`
	Clean      CleanConfig   `koanf:"clean"`
	Src        PlatformPaths `koanf:"src"`
	DevTools   PlatformPaths `koanf:"dev_tools"`
	Python     PlatformPaths `koanf:"python"`
	BackupPath PlatformPaths `koanf:"backup_path"`
	Server     ServerConfig  `koanf:"server"`
	Email      EmailConfig   `koanf:"email"`
	GNArgs     PlatformArgs  `koanf:"gn_default_args"`
	Windows    WindowsConfig `koanf:"windows"`
	BuildSteps PlatformSteps `koanf:"build_steps"`
}

type CleanConfig struct {
	Path    []string `koanf:"path"`
	OutPath []string `koanf:"out_path"`
}

type PlatformPaths struct {
	Windows string `koanf:"windows"`
	Linux   string `koanf:"linux"`
	MacOS   string `koanf:"macos"`
	DB      string `koanf:"db"`
}

type ServerConfig struct {
	Windows  []string `koanf:"windows" json:"windows"`
	MacOS    []string `koanf:"macos" json:"macos"`
	Linux    []string `koanf:"linux" json:"linux"`
	DBServer string   `koanf:"db_server" json:"db_server"`
}

type EmailConfig struct {
	SMTP     string   `koanf:"smtp"`
	From     string   `koanf:"from"`
	Password string   `koanf:"password"`
	To       []string `koanf:"to"`
}

type PlatformArgs struct {
	Windows []string `koanf:"windows"`
	Linux   []string `koanf:"linux"`
	MacOS   []string `koanf:"macos"`
}

// WindowsConfig selects legacy output-directory naming for old build layouts.
type WindowsConfig struct {
	LegacyRelease64 bool `koanf:"legacy_release64"`
}

type PlatformSteps struct {
	Windows ArchSteps `koanf:"windows"`
	Linux   ArchSteps `koanf:"linux"`
	MacOS   ArchSteps `koanf:"macos"`
}

type ArchSteps struct {
	X64   []Step `koanf:"x64"`
	X86   []Step `koanf:"x86"`
	ARM64 []Step `koanf:"arm64"`
	ARM   []Step `koanf:"arm"`
}

// Step is one declarative pipeline entry.
type Step struct {
	Name        string `koanf:"name"`
	Kind        string `koanf:"kind"`
	Target      string `koanf:"target"`
	State       string `koanf:"state"`
	SkipIf      string `koanf:"skip_if"`
	Description string `koanf:"description"`
}

// Load reads path as TOML and applies BUILDSMITH_* environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func (p *PlatformPaths) forOS(goos string) string {
	switch goos {
	case "windows":
		return p.Windows
	case "linux":
		return p.Linux
	case "darwin":
		return p.MacOS
	default:
		return ""
	}
}

// SrcPath returns the chromium checkout for the build OS this process runs on.
func (c *Config) SrcPath() (string, error) {
	if p := c.Src.forOS(runtime.GOOS); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("config: no src path for %s", runtime.GOOS)
}

// BackupRoot returns the archival root for the build OS.
func (c *Config) BackupRoot() (string, error) {
	if p := c.BackupPath.forOS(runtime.GOOS); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("config: no backup path for %s", runtime.GOOS)
}

// DBPath returns the sqlite file location; empty means this is a build-only
// machine without a task store.
func (c *Config) DBPath() string {
	return c.Src.DB
}

// GNDefaultArgs returns the project-generator defaults for the build OS.
func (c *Config) GNDefaultArgs() []string {
	switch runtime.GOOS {
	case "windows":
		return c.GNArgs.Windows
	case "linux":
		return c.GNArgs.Linux
	case "darwin":
		return c.GNArgs.MacOS
	default:
		return nil
	}
}

// IsDebug reports whether the generator defaults select a debug build.
func (c *Config) IsDebug() bool {
	for _, arg := range c.GNDefaultArgs() {
		if strings.Contains(arg, "is_debug=true") {
			return true
		}
	}
	return false
}

// StepsFor returns the pipeline for the build OS and architecture. Sparse
// configurations fall back to the x64 list, matching how build machines are
// provisioned.
func (c *Config) StepsFor(arch string) []Step {
	if arch == "" {
		arch = "x64"
	}
	switch runtime.GOOS {
	case "windows":
		if arch == "x86" && len(c.BuildSteps.Windows.X86) > 0 {
			return c.BuildSteps.Windows.X86
		}
		return c.BuildSteps.Windows.X64
	case "darwin":
		if arch == "arm64" && len(c.BuildSteps.MacOS.ARM64) > 0 {
			return c.BuildSteps.MacOS.ARM64
		}
		return c.BuildSteps.MacOS.X64
	case "linux":
		switch arch {
		case "arm64":
			if len(c.BuildSteps.Linux.ARM64) > 0 {
				return c.BuildSteps.Linux.ARM64
			}
		case "arm":
			if len(c.BuildSteps.Linux.ARM) > 0 {
				return c.BuildSteps.Linux.ARM
			}
		}
		return c.BuildSteps.Linux.X64
	default:
		return nil
	}
}

// PrimeEnv exports the signing address and prepends the configured tool
// directories to PATH, so spawned gn/ninja/installer processes find them.
func (c *Config) PrimeEnv() {
	os.Setenv("XN_BUILD", "1")
	if c.Sign != "" {
		os.Setenv("SNOW_SIGN_ADDRESS", c.Sign)
	}
	sep := ":"
	if runtime.GOOS == "windows" {
		sep = ";"
	}
	for _, dir := range []string{c.DevTools.forOS(runtime.GOOS), c.Python.forOS(runtime.GOOS)} {
		if dir == "" {
			continue
		}
		os.Setenv("PATH", dir+sep+os.Getenv("PATH"))
	}
}
