package netmap

import (
	"context"
	"net"
)

// ProbeResult is one responder from a discovery probe.
type ProbeResult struct {
	IPAddress  string
	MACAddress string
	Hostname   string
}

// Prober sends a discovery request on an interface and collects responder
// address pairs within the context deadline. Implementations must treat the
// probe as best-effort; the mapper swallows probe failures into an empty
// scan result.
type Prober interface {
	Probe(ctx context.Context, iface string, network *net.IPNet) ([]ProbeResult, error)
}
