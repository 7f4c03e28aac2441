package ipstack

import (
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
)

var etherBroadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// arpQuery is an outstanding resolution. ref tells the callback which of the
// controller's targets answered, since several can be in flight after a
// restart.
type arpQuery struct {
	target [4]byte
	ref    uint8
	cb     func(ref uint8, mac net.HardwareAddr)
}

// ResolveMAC broadcasts an ARP request for target and registers cb to fire
// when the reply comes in. Calling again with the same ref re-arms the query,
// which is how the controller retries every couple of seconds.
func (s *Stack) ResolveMAC(target net.IP, ref uint8, cb func(ref uint8, mac net.HardwareAddr)) error {
	t4 := target.To4()
	if t4 == nil {
		return fmt.Errorf("resolve '%s': not an IPv4 address", target)
	}

	q := arpQuery{ref: ref, cb: cb}
	copy(q.target[:], t4)
	replaced := false
	for i := range s.pending {
		if s.pending[i].ref == ref {
			s.pending[i] = q
			replaced = true
			break
		}
	}
	if !replaced {
		s.pending = append(s.pending, q)
	}

	eth := layers.Ethernet{
		DstMAC:       etherBroadcast,
		SrcMAC:       s.link.MAC(),
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{ // RFC 826
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   s.link.MAC(),
		SourceProtAddress: s.addr[:],
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    t4,
	}
	return s.serialize(&eth, &arp)
}

func (s *Stack) handleARP(arp *layers.ARP) {
	switch arp.Operation {
	case layers.ARPReply:
		var sender [4]byte
		copy(sender[:], arp.SourceProtAddress)
		mac := append(net.HardwareAddr(nil), arp.SourceHwAddress...)
		kept := s.pending[:0]
		for _, q := range s.pending {
			if q.target == sender {
				q.cb(q.ref, mac)
				continue
			}
			kept = append(kept, q)
		}
		s.pending = kept

	case layers.ARPRequest:
		if !s.configured() {
			return
		}
		var target [4]byte
		copy(target[:], arp.DstProtAddress)
		if target != s.addr {
			return
		}
		eth := layers.Ethernet{
			DstMAC:       net.HardwareAddr(arp.SourceHwAddress),
			SrcMAC:       s.link.MAC(),
			EthernetType: layers.EthernetTypeARP,
		}
		reply := layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   s.link.MAC(),
			SourceProtAddress: s.addr[:],
			DstHwAddress:      arp.SourceHwAddress,
			DstProtAddress:    arp.SourceProtAddress,
		}
		s.serialize(&eth, &reply)
	}
}
