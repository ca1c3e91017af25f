// Package platform captures the per-OS knobs the build pipeline varies on.
package platform

import "runtime"

// Platform describes how the current build host runs commands and packages
// installers.
type Platform struct {
	// Name is the request-facing platform tag: windows, macos or linux.
	Name string
	// Shell and ShellFlag wrap command lines, e.g. sh -c or cmd.exe /c.
	Shell     string
	ShellFlag string
	// IDE is passed to the project generator as --ide when non-empty.
	IDE string
	// InstallerTarget is the ninja target that produces the installer.
	InstallerTarget string
	// InstallerFormats lists the packaging formats the host can produce.
	InstallerFormats []string
	// SupportsCombine is true where multi-arch outputs can be merged into a
	// universal binary.
	SupportsCombine bool
}

// Current returns the capability record for the running OS.
func Current() Platform {
	return forGOOS(runtime.GOOS)
}

func forGOOS(goos string) Platform {
	switch goos {
	case "windows":
		return Platform{
			Name:             "windows",
			Shell:            "cmd.exe",
			ShellFlag:        "/c",
			IDE:              "vs2022",
			InstallerTarget:  "installer_with_sign",
			InstallerFormats: []string{"exe"},
		}
	case "darwin":
		return Platform{
			Name:             "macos",
			Shell:            "sh",
			ShellFlag:        "-c",
			IDE:              "xcode",
			InstallerTarget:  "chrome/installer/mac",
			InstallerFormats: []string{"dmg", "pkg"},
			SupportsCombine:  true,
		}
	default:
		return Platform{
			Name:             "linux",
			Shell:            "sh",
			ShellFlag:        "-c",
			InstallerTarget:  "chrome/installer/linux:stable",
			InstallerFormats: []string{"deb", "rpm"},
		}
	}
}
