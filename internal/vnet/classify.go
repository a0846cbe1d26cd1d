package vnet

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// classify returns the network protocol of an Ethernet frame when it is one
// the stack handles.
func classify(frame []byte) (tcpip.NetworkProtocolNumber, bool) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return 0, false
	}
	switch eth.EthernetType {
	case layers.EthernetTypeIPv4:
		return header.IPv4ProtocolNumber, true
	case layers.EthernetTypeARP:
		return header.ARPProtocolNumber, true
	default:
		return 0, false
	}
}

// Describe renders a one-line summary of a frame for trace logs.
func Describe(frame []byte) string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if arpLayer, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		op := "request"
		if arpLayer.Operation == layers.ARPReply {
			op = "reply"
		}
		return fmt.Sprintf("arp %s %v > %v", op, ipString(arpLayer.SourceProtAddress), ipString(arpLayer.DstProtAddress))
	}
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
			return fmt.Sprintf("ether %s", eth.EthernetType)
		}
		return fmt.Sprintf("undecodable %d bytes", len(frame))
	}
	if tcpLayer, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		return fmt.Sprintf("tcp %s:%d > %s:%d %s len=%d", ip.SrcIP, tcpLayer.SrcPort, ip.DstIP, tcpLayer.DstPort, tcpFlags(tcpLayer), len(tcpLayer.Payload))
	}
	return fmt.Sprintf("ipv4 %s > %s proto=%s", ip.SrcIP, ip.DstIP, ip.Protocol)
}

func ipString(b []byte) string {
	if len(b) != 4 {
		return "?"
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

func tcpFlags(t *layers.TCP) string {
	flags := make([]byte, 0, 5)
	if t.SYN {
		flags = append(flags, 'S')
	}
	if t.ACK {
		flags = append(flags, 'A')
	}
	if t.PSH {
		flags = append(flags, 'P')
	}
	if t.FIN {
		flags = append(flags, 'F')
	}
	if t.RST {
		flags = append(flags, 'R')
	}
	if len(flags) == 0 {
		return "-"
	}
	return string(flags)
}
