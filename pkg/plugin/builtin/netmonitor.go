// Package builtin ships the plugins compiled into the lanwarden binary.
// Each registers itself under the entry name matching its plugin file stem;
// a stub file with that stem in the plugin directory makes it discoverable
// and subject to the same hash-based trust decisions as external plugins.
package builtin

import (
	"fmt"
	"sync"
	"time"

	"github.com/lanwarden/lanwarden/pkg/plugin"
)

func init() {
	err := plugin.Register("netmonitor", plugin.Registration{
		Info: plugin.Info{
			Name:        "Network Monitor",
			Description: "Tracks scan activity counters for discovered devices",
			Version:     "1.0.0",
			Author:      "LanWarden",
		},
		New: func() plugin.Plugin { return &NetMonitor{} },
	})
	if err != nil {
		panic(fmt.Sprintf("builtin plugin registration failed: %v", err))
	}
}

// NetMonitor is a minimal monitoring plugin: it counts device sightings
// reported to it and exposes the tally through a sandbox-callable method.
type NetMonitor struct {
	mu        sync.Mutex
	enabled   bool
	startedAt time.Time
	sightings int
}

// Info implements plugin.Plugin.
func (n *NetMonitor) Info() plugin.Info {
	return plugin.Info{
		Name:        "Network Monitor",
		Description: "Tracks scan activity counters for discovered devices",
		Version:     "1.0.0",
		Author:      "LanWarden",
	}
}

// Initialize implements plugin.Plugin.
func (n *NetMonitor) Initialize() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = true
	n.startedAt = time.Now()
	return nil
}

// Cleanup implements plugin.Plugin.
func (n *NetMonitor) Cleanup() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = false
	return nil
}

// Exports implements plugin.Exports.
func (n *NetMonitor) Exports() map[string]func(args ...any) (any, error) {
	return map[string]func(args ...any) (any, error){
		"record_sighting": n.recordSighting,
		"stats":           n.stats,
	}
}

func (n *NetMonitor) recordSighting(args ...any) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled {
		return nil, fmt.Errorf("network monitor is not active")
	}
	n.sightings += len(args)
	return n.sightings, nil
}

func (n *NetMonitor) stats(args ...any) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return map[string]any{
		"enabled":   n.enabled,
		"sightings": n.sightings,
		"uptime":    time.Since(n.startedAt).String(),
	}, nil
}
