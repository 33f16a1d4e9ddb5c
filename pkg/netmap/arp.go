package netmap

import (
	"context"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
)

// ARPProber performs broadcast ARP discovery through a pcap handle. It is
// the production Prober; scans require sufficient privileges to open the
// capture handle.
type ARPProber struct {
	logger *logrus.Logger
}

// NewARPProber creates an ARP discovery prober.
func NewARPProber(logger *logrus.Logger) *ARPProber {
	if logger == nil {
		logger = logrus.New()
	}
	return &ARPProber{logger: logger}
}

// Probe sends an ARP request to every host in the network and collects
// replies until the context deadline expires.
func (p *ARPProber) Probe(ctx context.Context, ifaceName string, network *net.IPNet) ([]ProbeResult, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %v", ifaceName, err)
	}

	srcIP, err := interfaceIPv4(iface)
	if err != nil {
		return nil, err
	}

	handle, err := pcap.OpenLive(ifaceName, 65536, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture handle on %s: %v", ifaceName, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter("arp"); err != nil {
		return nil, fmt.Errorf("failed to set capture filter: %v", err)
	}

	if err := p.sendRequests(handle, iface, srcIP, network); err != nil {
		return nil, err
	}

	return p.collectReplies(ctx, handle, network), nil
}

// sendRequests writes one broadcast ARP request per host address.
func (p *ARPProber) sendRequests(handle *pcap.Handle, iface *net.Interface, srcIP net.IP, network *net.IPNet) error {
	eth := layers.Ethernet{
		SrcMAC:       iface.HardwareAddr,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(iface.HardwareAddr),
		SourceProtAddress: []byte(srcIP.To4()),
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	sent := 0
	for ip := network.IP.Mask(network.Mask); network.Contains(ip); incIP(ip) {
		target := ip.To4()
		if target == nil {
			continue
		}
		arp.DstProtAddress = []byte(target)
		if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
			return fmt.Errorf("failed to serialize ARP request: %v", err)
		}
		if err := handle.WritePacketData(buf.Bytes()); err != nil {
			return fmt.Errorf("failed to send ARP request: %v", err)
		}
		sent++
	}

	p.logger.Debugf("Sent %d ARP requests on %s", sent, iface.Name)
	return nil
}

// collectReplies reads ARP replies until the context deadline, one result
// per responder.
func (p *ARPProber) collectReplies(ctx context.Context, handle *pcap.Handle, network *net.IPNet) []ProbeResult {
	var results []ProbeResult
	seen := make(map[string]bool)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()

	for {
		select {
		case <-ctx.Done():
			return results
		case packet, ok := <-packets:
			if !ok {
				return results
			}
			arpLayer := packet.Layer(layers.LayerTypeARP)
			if arpLayer == nil {
				continue
			}
			reply, _ := arpLayer.(*layers.ARP)
			if reply == nil || reply.Operation != layers.ARPReply {
				continue
			}

			ip := net.IP(reply.SourceProtAddress)
			if !network.Contains(ip) || seen[ip.String()] {
				continue
			}
			seen[ip.String()] = true

			result := ProbeResult{
				IPAddress:  ip.String(),
				MACAddress: net.HardwareAddr(reply.SourceHwAddress).String(),
			}
			if names, err := net.LookupAddr(result.IPAddress); err == nil && len(names) > 0 {
				result.Hostname = names[0]
			}
			results = append(results, result)
		}
	}
}

// interfaceIPv4 returns the first IPv4 address bound to an interface.
func interfaceIPv4(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("failed to read addresses of %s: %v", iface.Name, err)
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address", iface.Name)
}

// incIP increments an IP address in place.
func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
