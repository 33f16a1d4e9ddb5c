package models

import (
	"time"
)

// NetworkDevice represents a device discovered on the network. Devices are
// keyed by IP address in the mapper registry; once recorded they are never
// deleted, so the registry doubles as a historical record. MACAddress and
// Hostname may hold ciphertext when device-field encryption is enabled.
type NetworkDevice struct {
	IPAddress  string    `json:"ip_address"`  // IP address of the device
	MACAddress string    `json:"mac_address"` // MAC address, possibly encrypted
	Hostname   string    `json:"hostname,omitempty"`
	Vendor     string    `json:"vendor,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	IsActive   bool      `json:"is_active"`
}

// PluginDescriptor is immutable metadata extracted from a loaded plugin
// module. Descriptors are keyed by plugin name and re-derived on every
// reload.
type PluginDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Hash        string `json:"hash"` // SHA-256 of the plugin file bytes
	Path        string `json:"path"`
}

// InterfaceInfo describes a usable network interface.
type InterfaceInfo struct {
	Name    string `json:"name"`
	IP      string `json:"ip"`
	Netmask string `json:"netmask"`
}
