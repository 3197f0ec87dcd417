package settings

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform is the operating system a bundle is being built for.
type Platform string

const (
	Darwin  Platform = "darwin"
	IOS     Platform = "ios"
	Windows Platform = "windows"
	Linux   Platform = "linux"
)

// Arch is the cpu architecture of the bundled binaries, named the way
// the target triple names it.
type Arch string

const (
	X86_64    Arch = "x86_64"
	X86       Arch = "x86"
	AArch64   Arch = "aarch64"
	Armhf     Arch = "armhf"
	Armel     Arch = "armel"
	Riscv64   Arch = "riscv64"
	Universal Arch = "universal"
)

// Target is the platform being targeted by the build. As "platform"
// has several axis, we use a struct to convey them.
type Target struct {
	Triple   string
	Arch     Arch
	Platform Platform
}

func (t Target) String() string {
	return t.Triple
}

// PlatformBinaryName is a helper to return the platform specific binary suffix.
func (t Target) PlatformBinaryName(input string) string {
	if t.Platform == Windows && !strings.HasSuffix(input, ".exe") {
		return input + ".exe"
	}
	return input
}

// DefaultPackageTypes is the list built when the user does not name
// any package types.
func (t Target) DefaultPackageTypes() []PackageType {
	switch t.Platform {
	case Darwin:
		return []PackageType{MacOsBundle, Dmg}
	case IOS:
		return []PackageType{IosBundle}
	case Linux:
		return []PackageType{Deb, Rpm, AppImage}
	case Windows:
		return []PackageType{WindowsMsi, Nsis}
	}
	return nil
}

// Supports reports whether the package type can be produced for this
// target. The updater type rides along with any platform.
func (t Target) Supports(pt PackageType) bool {
	if pt == Updater {
		return true
	}
	for _, d := range t.DefaultPackageTypes() {
		if d == pt {
			return true
		}
	}
	return false
}

// ParseTarget parses a target triple such as x86_64-pc-windows-msvc
// or aarch64-apple-darwin.
func ParseTarget(triple string) (Target, error) {
	t := Target{Triple: triple}

	parts := strings.Split(triple, "-")
	if len(parts) < 3 {
		return t, fmt.Errorf("malformed target triple %q", triple)
	}

	switch {
	case strings.Contains(triple, "apple-ios"):
		t.Platform = IOS
	case strings.Contains(triple, "apple-darwin"):
		t.Platform = Darwin
	case strings.Contains(triple, "windows"):
		t.Platform = Windows
	case strings.Contains(triple, "linux"):
		t.Platform = Linux
	default:
		return t, fmt.Errorf("unsupported target os in %q", triple)
	}

	switch arch := parts[0]; {
	case arch == "x86_64":
		t.Arch = X86_64
	case arch == "i686" || arch == "i586" || arch == "i386":
		t.Arch = X86
	case arch == "aarch64" || arch == "arm64":
		t.Arch = AArch64
	case strings.HasPrefix(arch, "arm") && strings.HasSuffix(triple, "hf"):
		t.Arch = Armhf
	case strings.HasPrefix(arch, "arm"):
		t.Arch = Armel
	case strings.HasPrefix(arch, "riscv64"):
		t.Arch = Riscv64
	case arch == "universal":
		t.Arch = Universal
	default:
		return t, fmt.Errorf("unsupported target arch %q", arch)
	}

	return t, nil
}

// HostTarget returns the target describing the machine we are running on.
func HostTarget() Target {
	return hostTarget(runtime.GOOS, runtime.GOARCH)
}

func hostTarget(goos, goarch string) Target {
	arch := map[string]Arch{
		"amd64":   X86_64,
		"386":     X86,
		"arm64":   AArch64,
		"arm":     Armhf,
		"riscv64": Riscv64,
	}[goarch]

	var triple string
	switch goos {
	case "darwin":
		triple = fmt.Sprintf("%s-apple-darwin", arch)
	case "windows":
		triple = fmt.Sprintf("%s-pc-windows-msvc", arch)
	case "linux":
		if arch == Armhf {
			triple = "armv7-unknown-linux-gnueabihf"
		} else {
			triple = fmt.Sprintf("%s-unknown-linux-gnu", arch)
		}
	default:
		triple = fmt.Sprintf("%s-unknown-%s", arch, goos)
	}

	return Target{Triple: triple, Arch: arch, Platform: PlatformFromGOOS(goos)}
}

// PlatformFromGOOS maps a runtime.GOOS value onto a Platform.
func PlatformFromGOOS(goos string) Platform {
	switch goos {
	case "darwin":
		return Darwin
	case "ios":
		return IOS
	case "windows":
		return Windows
	default:
		return Linux
	}
}
