// Package paths provides path resolution utilities.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// LocalConfigFile is the per-directory config checked before the user config.
const LocalConfigFile = ".llamadesk/config.yaml"

// UserConfigDir returns ~/.config/llamadesk. When the home directory is
// unknown it falls back to a relative .llamadesk directory.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".llamadesk"
	}
	return filepath.Join(home, ".config", "llamadesk")
}

// UserConfigFile returns ~/.config/llamadesk/config.yaml.
func UserConfigFile() string {
	return filepath.Join(UserConfigDir(), "config.yaml")
}

// TracesFile returns the default JSONL trace file,
// ~/.config/llamadesk/traces/traces.jsonl.
func TracesFile() string {
	return filepath.Join(UserConfigDir(), "traces", "traces.jsonl")
}

// ExpandHome replaces a leading "~" or "~/" with the home directory.
// Other paths, including "~user/...", are returned unchanged.
//
//   - "~" -> "/home/me"
//   - "~/x.sock" -> "/home/me/x.sock"
//   - "/tmp/x.sock" -> "/tmp/x.sock"
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Shorten is the inverse of ExpandHome for display: paths under the home
// directory are shown as "~/...".
func Shorten(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(home, path)
	if err != nil || !filepath.IsLocal(rel) {
		return path
	}
	return filepath.Join("~", rel)
}
