package codesign

import (
	"os"
	"path/filepath"
	"strings"
)

// nestedCodeDirs are the bundle subdirectories that may hold code.
var nestedCodeDirs = []string{
	"MacOS",
	"Frameworks",
	"Plugins",
	"Helpers",
	"XPCServices",
	"Libraries",
}

// SignTargets lists what has to be signed for the app bundle at app,
// children before parents. frameworks are the framework directories
// and dylibs already copied into the bundle, executables the binaries
// copied into Contents/MacOS. The bundle itself comes last.
func SignTargets(app string, frameworks []string, executables []string) []SignTarget {
	var targets []SignTarget

	for _, fw := range frameworks {
		switch filepath.Ext(fw) {
		case ".framework":
			targets = append(targets, FrameworkTargets(fw)...)
		case ".dylib":
			targets = append(targets, SignTarget{Path: fw})
		}
	}

	for _, exe := range executables {
		targets = append(targets, SignTarget{Path: exe, IsAnExecutable: true})
	}

	return append(targets, SignTarget{Path: app, IsAnExecutable: true})
}

// FrameworkTargets walks a framework, preferring its current version,
// and ends with the framework itself.
func FrameworkTargets(root string) []SignTarget {
	var targets []SignTarget
	if current := filepath.Join(root, "Versions", "Current"); exists(current) {
		nestedTargets(current, &targets)
	} else {
		nestedTargets(root, &targets)
	}
	return append(targets, SignTarget{Path: root})
}

// BundleTargets does the same for nested .app and .xpc bundles.
func BundleTargets(root string) []SignTarget {
	var targets []SignTarget
	if contents := filepath.Join(root, "Contents"); exists(contents) {
		nestedTargets(contents, &targets)
	} else {
		nestedTargets(root, &targets)
	}
	return append(targets, SignTarget{Path: root, IsAnExecutable: true})
}

func nestedTargets(root string, targets *[]SignTarget) {
	for _, dir := range nestedCodeDirs {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, ".") || entry.Type()&os.ModeSymlink != 0 {
				continue
			}

			path := filepath.Join(root, dir, name)
			ext := filepath.Ext(name)

			if entry.IsDir() {
				switch ext {
				case ".framework":
					*targets = append(*targets, FrameworkTargets(path)...)
				case ".xpc", ".app":
					*targets = append(*targets, BundleTargets(path)...)
				}
				continue
			}

			if !entry.Type().IsRegular() {
				continue
			}
			switch ext {
			case ".dylib":
				*targets = append(*targets, SignTarget{Path: path})
			case "":
				*targets = append(*targets, SignTarget{Path: path, IsAnExecutable: true})
			}
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
