package fileutil

import (
	"os"
	"path/filepath"
)

// SystemConfigDir is the last place hookbuild looks for its config file.
const SystemConfigDir = "/etc/hookbuild"

// DefaultConfigPaths returns the locations searched for a config file, in
// order: the working directory, ./config, $XDG_CONFIG_HOME/hookbuild (when
// set) and /etc/hookbuild.
func DefaultConfigPaths(filename string) []string {
	paths := []string{
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "hookbuild", filename))
	}
	return append(paths, filepath.Join(SystemConfigDir, filename))
}

// FirstExisting returns the first of paths that names a regular file, or ""
// when none does.
func FirstExisting(paths []string) string {
	for _, path := range paths {
		if FileExists(path) {
			return path
		}
	}
	return ""
}

// FindConfigOptional returns the first config file found in the default
// locations, or "" if there is none. A missing config file is not an error:
// hookbuild runs on defaults.
func FindConfigOptional(filename string) string {
	return FirstExisting(DefaultConfigPaths(filename))
}

// FileExists reports whether path exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
