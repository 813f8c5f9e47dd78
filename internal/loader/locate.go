package loader

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// LocateLibrary searches for a shared library using ld.so's search order.
// Custom search paths can be supplied and take priority.
func LocateLibrary(name string, extraPaths []string) (string, bool) {
	return locateLibrary(name, extraPaths, "", "")
}

// locateLibrary is the full search: extra paths, the requesting library's own
// directory, LD_LIBRARY_PATH (with token substitution), DT_RUNPATH, then the
// standard system directories.
func locateLibrary(name string, extraPaths []string, parentDir, runpath string) (string, bool) {
	for _, dir := range extraPaths {
		if path, ok := checkDirectory(name, dir); ok {
			return path, true
		}
	}

	if parentDir != "" {
		if path, ok := checkDirectory(name, parentDir); ok {
			return path, true
		}
	}

	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		ldPath = replaceTokens(ldPath, parentDir)
		for _, dir := range splitSearchPath(ldPath) {
			if path, ok := checkDirectory(name, dir); ok {
				return path, true
			}
		}
	}

	if runpath != "" {
		for _, dir := range splitSearchPath(replaceTokens(runpath, parentDir)) {
			if path, ok := checkDirectory(name, dir); ok {
				return path, true
			}
		}
	}

	for _, dir := range []string{"/lib64", "/usr/lib64", "/lib", "/usr/lib"} {
		if path, ok := checkDirectory(name, dir); ok {
			return path, true
		}
	}

	return "", false
}

// checkDirectory looks for name directly in dir, then one level down.
// Multiarch layouts put libraries in a subdirectory (e.g. aarch64-linux-gnu).
func checkDirectory(name, dir string) (string, bool) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", false
	}

	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, true
	}

	if !info.IsDir() {
		return "", false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, entry.Name(), name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// replaceTokens expands the dynamic string tokens ld.so recognizes:
// $ORIGIN (the requesting library's directory), $LIB and $PLATFORM.
func replaceTokens(s, parentDir string) string {
	if parentDir != "" {
		s = strings.ReplaceAll(s, "${ORIGIN}", parentDir)
		s = strings.ReplaceAll(s, "$ORIGIN", parentDir)
	}

	s = strings.ReplaceAll(s, "${LIB}", "lib64")
	s = strings.ReplaceAll(s, "$LIB", "lib64")

	platform := runtime.GOARCH
	if platform == "arm64" {
		platform = "aarch64"
	}
	s = strings.ReplaceAll(s, "${PLATFORM}", platform)
	s = strings.ReplaceAll(s, "$PLATFORM", platform)

	return s
}

// splitSearchPath splits on ':' like ld.so, tolerating ';' separators.
// Empty entries are dropped.
func splitSearchPath(input string) []string {
	return strings.FieldsFunc(input, func(r rune) bool {
		return r == ':' || r == ';'
	})
}
