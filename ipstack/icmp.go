package ipstack

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func (s *Stack) handleICMP(eth *layers.Ethernet, ip4 *layers.IPv4, icmp *layers.ICMPv4) {
	if !s.configured() {
		return
	}
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return
	}
	if !ip4.DstIP.Equal(net.IP(s.addr[:])) {
		return
	}
	if s.onPing != nil {
		s.onPing(ip4.SrcIP)
	}

	replyEth := layers.Ethernet{
		DstMAC:       eth.SrcMAC,
		SrcMAC:       s.link.MAC(),
		EthernetType: layers.EthernetTypeIPv4,
	}
	replyIP := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    s.addr[:],
		DstIP:    ip4.SrcIP,
	}
	replyICMP := layers.ICMPv4{
		TypeCode: layers.ICMPv4TypeCode(uint16(layers.ICMPv4TypeEchoReply) << 8),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}
	s.serialize(&replyEth, &replyIP, &replyICMP, gopacket.Payload(icmp.Payload))
}
