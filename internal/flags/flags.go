// Package flags holds the feature flags read from the config file. Flags
// are read-only after initialization. A flag missing from the config
// falls back to its built-in default, and unknown flags read as false.
package flags

import (
	"maps"
	"slices"

	"github.com/crowdllama/llamadesk/internal/log"
)

const (
	// FlagLogTail shows the live debug log pane in the console.
	FlagLogTail = "log-tail"

	// FlagSocketReadyWatch ends the post-spawn settle delay as soon as the
	// worker's socket file appears.
	FlagSocketReadyWatch = "socket-ready-watch"
)

// Defaults are the values used when a known flag is absent from the config.
func Defaults() map[string]bool {
	return map[string]bool{
		FlagLogTail:          false,
		FlagSocketReadyWatch: true,
	}
}

// Registry is the resolved flag set.
type Registry struct {
	flags map[string]bool
}

// New merges configured over Defaults. A nil map yields the defaults.
func New(configured map[string]bool) *Registry {
	flags := Defaults()
	maps.Copy(flags, configured)
	r := &Registry{flags: flags}
	log.Debug(log.CatConfig, "Feature flags initialized", "count", len(flags), "flags", r.All())
	return r
}

// Enabled reports whether name is on. Unknown names and a nil Registry
// report false.
func (r *Registry) Enabled(name string) bool {
	if r == nil {
		return false
	}
	value, exists := r.flags[name]
	if !exists {
		log.Debug(log.CatConfig, "Unknown flag accessed", "flag", name)
		return false
	}
	return value
}

// All returns a copy of the resolved flags.
func (r *Registry) All() map[string]bool {
	if r == nil {
		return map[string]bool{}
	}
	return maps.Clone(r.flags)
}

// Unknown lists configured names that are not built-in flags, sorted.
func Unknown(configured map[string]bool) []string {
	known := Defaults()
	var out []string
	for name := range configured {
		if _, ok := known[name]; !ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
