// Package netmap provides validated, rate-limited, concurrency-bounded
// network discovery with a persistent in-memory device registry.
package netmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lanwarden/lanwarden/pkg/errdefs"
	"github.com/lanwarden/lanwarden/pkg/models"
	"github.com/lanwarden/lanwarden/pkg/ratelimit"
)

const (
	// maxNetworkHosts caps how many addressable hosts a single scan may
	// cover.
	maxNetworkHosts = 256

	// minScanInterval is the floor for continuous scanning intervals.
	minScanInterval = 60 * time.Second

	// rateLimitBackoff is the extended wait after a rate-limited scan in
	// the continuous loop.
	rateLimitBackoff = 60 * time.Second
)

// FieldCipher encrypts sensitive device fields before they reach the
// registry. The security manager satisfies this.
type FieldCipher interface {
	EncryptString(value string) (string, error)
}

// Config carries the mapper's tunables.
type Config struct {
	MaxConcurrentScans int
	ScanTimeout        time.Duration
	RateLimitRequests  int
	RateLimitWindow    time.Duration
}

// DefaultConfig returns the mapper defaults: 3 concurrent scans, a 30
// second probe ceiling and 5 scans per minute.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentScans: 3,
		ScanTimeout:        30 * time.Second,
		RateLimitRequests:  5,
		RateLimitWindow:    time.Minute,
	}
}

// Mapper orchestrates discovery scans and owns the device registry.
// Devices are keyed by IP address and never deleted; a device missing from
// later scans simply stops having its LastSeen advanced.
type Mapper struct {
	cfg     Config
	prober  Prober
	cipher  FieldCipher // nil disables field encryption
	limiter *ratelimit.Limiter
	logger  *logrus.Logger

	mu          sync.Mutex
	devices     map[string]*models.NetworkDevice
	activeScans int

	scanMu   sync.Mutex
	scanning bool
	stopping bool
	stopScan chan struct{}
	scanDone chan struct{}
}

// NewMapper creates a network mapper. cipher may be nil, in which case
// device fields are stored in the clear.
func NewMapper(cfg Config, prober Prober, cipher FieldCipher, logger *logrus.Logger) *Mapper {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = DefaultConfig().MaxConcurrentScans
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultConfig().ScanTimeout
	}
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = DefaultConfig().RateLimitRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultConfig().RateLimitWindow
	}
	return &Mapper{
		cfg:     cfg,
		prober:  prober,
		cipher:  cipher,
		limiter: ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow),
		logger:  logger,
		devices: make(map[string]*models.NetworkDevice),
	}
}

// GetNetworkInterfaces lists interfaces that carry an IPv4 address.
func (m *Mapper) GetNetworkInterfaces() []models.InterfaceInfo {
	ifaces, err := net.Interfaces()
	if err != nil {
		m.logger.Errorf("Error listing network interfaces: %v", err)
		return nil
	}

	var infos []models.InterfaceInfo
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			infos = append(infos, models.InterfaceInfo{
				Name:    iface.Name,
				IP:      ipnet.IP.String(),
				Netmask: net.IP(ipnet.Mask).String(),
			})
			break
		}
	}
	return infos
}

// validateInterface checks the interface exists on this host.
func (m *Mapper) validateInterface(name string) error {
	if _, err := net.InterfaceByName(name); err != nil {
		return &errdefs.ValidationError{Subject: name, Reason: fmt.Sprintf("invalid interface: %v", err)}
	}
	return nil
}

// parseNetwork validates a network specification. CIDR notation and bare
// host addresses are accepted; anything covering more than maxNetworkHosts
// addresses is rejected.
func parseNetwork(network string) (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(network)
	if err != nil {
		ip := net.ParseIP(network)
		if ip == nil {
			return nil, &errdefs.ValidationError{Subject: network, Reason: fmt.Sprintf("invalid network address: %v", err)}
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
	}

	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	if hostBits > 8 {
		return nil, &errdefs.ValidationError{
			Subject: network,
			Reason:  fmt.Sprintf("network too large: %d addresses (limit %d)", 1<<uint(hostBits), maxNetworkHosts),
		}
	}
	return ipnet, nil
}

// validate runs the input checks shared by Scan and continuous scanning.
// Validation precedes rate limiting, so an invalid request never consumes a
// rate-limit slot.
func (m *Mapper) validate(iface, network string) (*net.IPNet, error) {
	if err := m.validateInterface(iface); err != nil {
		return nil, err
	}
	return parseNetwork(network)
}

// Scan performs a single validated, rate-limited, concurrency-bounded
// discovery scan and folds the responders into the device registry. Probe
// failures and timeouts yield an empty result rather than an error;
// discovery is best-effort.
func (m *Mapper) Scan(iface, network string) ([]models.NetworkDevice, error) {
	ipnet, err := m.validate(iface, network)
	if err != nil {
		return nil, err
	}

	if !m.limiter.Allow() {
		return nil, &errdefs.RateLimitError{Op: "network scan"}
	}

	m.mu.Lock()
	if m.activeScans >= m.cfg.MaxConcurrentScans {
		m.mu.Unlock()
		return nil, &errdefs.ConcurrencyLimitError{Op: "network scan", Limit: m.cfg.MaxConcurrentScans}
	}
	m.activeScans++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.activeScans--
		m.mu.Unlock()
	}()

	m.logger.Infof("Starting network scan on %s for network %s", iface, network)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ScanTimeout)
	defer cancel()

	results, err := m.prober.Probe(ctx, iface, ipnet)
	if err != nil {
		m.logger.Errorf("Error during discovery probe: %v", err)
		return []models.NetworkDevice{}, nil
	}

	devices := make([]models.NetworkDevice, 0, len(results))
	now := time.Now()
	for _, r := range results {
		device := models.NetworkDevice{
			IPAddress:  r.IPAddress,
			MACAddress: r.MACAddress,
			Hostname:   r.Hostname,
			FirstSeen:  now,
			LastSeen:   now,
			IsActive:   true,
		}
		if err := m.encryptFields(&device); err != nil {
			m.logger.Errorf("Error encrypting device record for %s: %v", r.IPAddress, err)
			continue
		}

		m.mu.Lock()
		if existing, known := m.devices[device.IPAddress]; known {
			existing.LastSeen = now
			existing.IsActive = true
		} else {
			stored := device
			m.devices[device.IPAddress] = &stored
		}
		m.mu.Unlock()

		devices = append(devices, device)
	}

	m.logger.Infof("Discovered %d devices on network %s", len(devices), network)
	return devices, nil
}

// encryptFields encrypts the sensitive fields of a device record when a
// cipher is configured.
func (m *Mapper) encryptFields(device *models.NetworkDevice) error {
	if m.cipher == nil {
		return nil
	}
	mac, err := m.cipher.EncryptString(device.MACAddress)
	if err != nil {
		return err
	}
	device.MACAddress = mac
	if device.Hostname != "" {
		hostname, err := m.cipher.EncryptString(device.Hostname)
		if err != nil {
			return err
		}
		device.Hostname = hostname
	}
	return nil
}

// StartContinuousScanning launches the background scan loop. Inputs are
// validated before any goroutine is spawned, so a bad call never leaves an
// orphaned loop. Intervals below the 60 second floor are rejected, as is a
// second concurrent loop.
func (m *Mapper) StartContinuousScanning(iface, network string, interval time.Duration) error {
	if _, err := m.validate(iface, network); err != nil {
		return err
	}
	if interval < minScanInterval {
		return &errdefs.ValidationError{
			Subject: "interval",
			Reason:  fmt.Sprintf("must be at least %s", minScanInterval),
		}
	}

	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	if m.scanning {
		return &errdefs.ConcurrencyLimitError{Op: "continuous scanning", Limit: 1}
	}
	m.scanning = true
	m.stopping = false
	m.stopScan = make(chan struct{})
	m.scanDone = make(chan struct{})

	go m.scanLoop(iface, network, interval, m.stopScan, m.scanDone)
	m.logger.Infof("Started continuous scanning on %s every %s", iface, interval)
	return nil
}

// scanLoop runs scans until stopped. Rate-limit denials trigger an extended
// backoff; every other failure is logged and the loop continues.
func (m *Mapper) scanLoop(iface, network string, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	for {
		if _, err := m.Scan(iface, network); err != nil {
			var rateErr *errdefs.RateLimitError
			if errors.As(err, &rateErr) {
				m.logger.Warnf("Continuous scan rate limited, backing off %s", rateLimitBackoff)
				if !interruptibleWait(stop, rateLimitBackoff) {
					return
				}
			} else {
				m.logger.Errorf("Error in continuous scan: %v", err)
			}
		}
		if !interruptibleWait(stop, interval) {
			return
		}
	}
}

// interruptibleWait sleeps for d but returns false immediately when stop
// closes.
func interruptibleWait(stop chan struct{}, d time.Duration) bool {
	select {
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

// StopContinuousScanning signals the scan loop to exit and waits up to
// timeout for it to do so. It reports whether the loop actually stopped;
// with no loop running it succeeds trivially.
func (m *Mapper) StopContinuousScanning(timeout time.Duration) bool {
	m.scanMu.Lock()
	if !m.scanning {
		m.scanMu.Unlock()
		return true
	}
	if !m.stopping {
		m.stopping = true
		close(m.stopScan)
	}
	done := m.scanDone
	m.scanMu.Unlock()

	select {
	case <-done:
		m.scanMu.Lock()
		m.scanning = false
		m.stopping = false
		m.scanMu.Unlock()
		m.logger.Info("Stopped continuous scanning")
		return true
	case <-time.After(timeout):
		m.logger.Error("Failed to stop scanning loop within timeout")
		return false
	}
}

// GetActiveDevices returns a snapshot of devices currently marked active.
func (m *Mapper) GetActiveDevices() []models.NetworkDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	var devices []models.NetworkDevice
	for _, device := range m.devices {
		if device.IsActive {
			devices = append(devices, *device)
		}
	}
	return devices
}

// GetDeviceHistory returns a snapshot of every device ever discovered.
func (m *Mapper) GetDeviceHistory() []models.NetworkDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]models.NetworkDevice, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, *device)
	}
	return devices
}

// ActiveScans returns the number of scans currently in flight.
func (m *Mapper) ActiveScans() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeScans
}

// RateUsage returns the number of scans recorded in the current rate
// window.
func (m *Mapper) RateUsage() int {
	return m.limiter.CurrentUsage()
}
