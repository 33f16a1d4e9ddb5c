// Package plugin defines the plugin contract and owns the plugin lifecycle:
// discovery, validation, sandboxed loading, activation and reload.
package plugin

import (
	"fmt"
	"path/filepath"
	goplugin "plugin"
	"strings"
	"sync"
)

// Info is the identity metadata a plugin declares about itself.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Author      string `json:"author"`
}

// Plugin is the capability set every plugin must implement. Initialize and
// Cleanup are invoked through the sandbox; a non-nil error from either is a
// lifecycle failure.
type Plugin interface {
	Info() Info
	Initialize() error
	Cleanup() error
}

// Exports is optionally implemented by plugins that expose additional named
// methods callable through the sandbox.
type Exports interface {
	Exports() map[string]func(args ...any) (any, error)
}

// Registration is the entry point a plugin module declares: its identity,
// its constructor, and optional top-level setup code that runs at load time
// inside the sandbox.
type Registration struct {
	Info  Info
	New   func() Plugin
	Setup func() error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register records a built-in plugin registration under an entry name. The
// entry name must match the stem of the plugin file that represents the
// module on disk. Typically called from a plugin package's init function.
func Register(entry string, reg Registration) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if reg.New == nil {
		return fmt.Errorf("plugin %s: registration has no constructor", entry)
	}
	if _, exists := registry[entry]; exists {
		return fmt.Errorf("plugin entry %s already registered", entry)
	}
	registry[entry] = reg
	return nil
}

// registeredEntry looks up a built-in registration by entry name.
func registeredEntry(entry string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[entry]
	return reg, ok
}

// resolveEntry resolves the registration entry point for a plugin file.
// Shared objects are opened through the runtime plugin mechanism and must
// export a Registration symbol; other candidate files resolve against the
// built-in registry by file stem.
func resolveEntry(path string) (Registration, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	if filepath.Ext(base) == ".so" {
		opened, err := goplugin.Open(path)
		if err != nil {
			return Registration{}, fmt.Errorf("failed to open plugin %s: %v", path, err)
		}
		symbol, err := opened.Lookup("Registration")
		if err != nil {
			return Registration{}, fmt.Errorf("plugin %s has no registration entry point: %v", path, err)
		}
		reg, ok := symbol.(*Registration)
		if !ok {
			return Registration{}, fmt.Errorf("plugin %s: Registration symbol has wrong type", path)
		}
		return *reg, nil
	}

	reg, ok := registeredEntry(stem)
	if !ok {
		return Registration{}, fmt.Errorf("no registration entry point for plugin %s", stem)
	}
	return reg, nil
}
