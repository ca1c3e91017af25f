package build

import (
	"path/filepath"

	"github.com/buildsmith/buildsmith/pkg/config"
)

// OutDirName derives the build output directory name for a task architecture.
// The base is Release (Debug when the generator defaults say is_debug=true)
// with an _<arch> suffix for non-default architectures. Windows optionally
// keeps the legacy release64 layout for 64-bit release builds.
func OutDirName(cfg *config.Config, req *Request, arch string) string {
	isDebug := cfg.IsDebug()
	if cfg.Windows.LegacyRelease64 && req.IsX64 && !isDebug && arch == "x64" {
		return "release64"
	}
	base := "Release"
	if isDebug {
		base = "Debug"
	}
	if arch != "" && arch != "x64" {
		return base + "_" + arch
	}
	return base
}

// OutDirRel returns the output directory relative to the source root.
func OutDirRel(cfg *config.Config, req *Request, arch string) string {
	return filepath.Join("out", OutDirName(cfg, req, arch))
}

// UniversalOutDirRel is the merge target for macOS universal builds.
func UniversalOutDirRel(cfg *config.Config) string {
	base := "Release"
	if cfg.IsDebug() {
		base = "Debug"
	}
	return filepath.Join("out", base+"_universal")
}
