package ipstack

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Link is the slice of the link driver the stack needs: carrier state, the
// broadcast RX filter, the station address and raw frame output.
type Link interface {
	Up() bool
	SetBroadcast(on bool)
	MAC() net.HardwareAddr
	Write(frame []byte) error
}

// Stack writes and classifies frames for the single-buffer cooperative loop.
// It owns the interface address once DHCP has assigned one, answers ARP and
// ICMP echo on behalf of the device, and resolves peer MACs with callbacks.
// All methods are called from the main loop only.
type Stack struct {
	link Link

	addr [4]byte
	mask [4]byte
	gw   [4]byte
	ipid uint16

	pending []arpQuery
	onPing  func(src net.IP)
}

func New(link Link) *Stack {
	return &Stack{link: link}
}

func (s *Stack) LinkUp() bool          { return s.link.Up() }
func (s *Stack) SetBroadcast(on bool)  { s.link.SetBroadcast(on) }
func (s *Stack) MAC() net.HardwareAddr { return s.link.MAC() }

// Configure sets the interface identity after a DHCP lease is committed.
func (s *Stack) Configure(addr, mask, gw net.IP) {
	copy(s.addr[:], addr.To4())
	copy(s.mask[:], mask.To4())
	copy(s.gw[:], gw.To4())
}

func (s *Stack) Addr() net.IP    { return net.IP(append([]byte(nil), s.addr[:]...)) }
func (s *Stack) Mask() net.IP    { return net.IP(append([]byte(nil), s.mask[:]...)) }
func (s *Stack) Gateway() net.IP { return net.IP(append([]byte(nil), s.gw[:]...)) }

// RouteViaGateway reports whether ip is outside the local subnet, in which
// case frames for it must carry the gateway MAC.
func (s *Stack) RouteViaGateway(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if ip4[i]&s.mask[i] != s.addr[i]&s.mask[i] {
			return true
		}
	}
	return false
}

// PrepareUDP writes the Ethernet, IPv4 and UDP headers for a datagram into
// the scratch buffer. Length and checksum fields stay zero until TransmitUDP.
// The IPv4 source is the configured address; callers that need a different
// source (the DHCP client) poke frame[IPSrc:] afterwards.
func (s *Stack) PrepareUDP(frame []byte, dstPort uint16, dstMAC net.HardwareAddr, srcPort uint16, dstIP net.IP) {
	copy(frame[EthDst:], dstMAC[:6])
	copy(frame[EthSrc:], s.link.MAC()[:6])
	binary.BigEndian.PutUint16(frame[EthType:], etherTypeIPv4)

	s.ipid++
	frame[IPHeader] = 0x45 // RFC 791, no options
	frame[IPHeader+1] = 0
	binary.BigEndian.PutUint16(frame[IPTotalLen:], 0)
	binary.BigEndian.PutUint16(frame[IPID:], s.ipid)
	binary.BigEndian.PutUint16(frame[IPFlags:], 0x4000) // don't fragment
	frame[IPTTL] = 64
	frame[IPProto] = protoUDP
	binary.BigEndian.PutUint16(frame[IPChecksum:], 0)
	copy(frame[IPSrc:], s.addr[:])
	copy(frame[IPDst:], dstIP.To4())

	binary.BigEndian.PutUint16(frame[UDPSrcPort:], srcPort)
	binary.BigEndian.PutUint16(frame[UDPDstPort:], dstPort)
	binary.BigEndian.PutUint16(frame[UDPLen:], 0)
	binary.BigEndian.PutUint16(frame[UDPChecksum:], 0)
}

// TransmitUDP fixes the length and checksum fields for a payload of plen
// bytes at frame[UDPData:] and hands the frame to the link.
func (s *Stack) TransmitUDP(frame []byte, plen int) error {
	udpLen := UDPHeaderLen + plen
	binary.BigEndian.PutUint16(frame[IPTotalLen:], uint16(IPHeaderLen+udpLen))
	binary.BigEndian.PutUint16(frame[UDPLen:], uint16(udpLen))

	binary.BigEndian.PutUint16(frame[IPChecksum:], 0)
	binary.BigEndian.PutUint16(frame[IPChecksum:], ipChecksum(frame))

	binary.BigEndian.PutUint16(frame[UDPChecksum:], 0)
	binary.BigEndian.PutUint16(frame[UDPChecksum:], udpChecksum(frame, udpLen))

	return s.link.Write(frame[:UDPData+plen])
}

// UDPForMe reports whether the frame is an IPv4 UDP datagram addressed to the
// configured interface address with the given port pair. The UDP clients
// (DNS, NTP) gate their answer parsing on it.
func (s *Stack) UDPForMe(frame []byte, flen int, srcPort, dstPort uint16) bool {
	if flen < UDPData {
		return false
	}
	if binary.BigEndian.Uint16(frame[EthType:]) != etherTypeIPv4 {
		return false
	}
	if frame[IPHeader] != 0x45 || frame[IPProto] != protoUDP {
		return false
	}
	if [4]byte(frame[IPDst:IPDst+4]) != s.addr {
		return false
	}
	if binary.BigEndian.Uint16(frame[UDPSrcPort:]) != srcPort {
		return false
	}
	return binary.BigEndian.Uint16(frame[UDPDstPort:]) == dstPort
}

// HandleFrame deals with the housekeeping traffic the device must answer
// itself: ARP (both directions) and ICMP echo. It reports whether the frame
// was consumed. Anything else is left to the caller's protocol clients.
func (s *Stack) HandleFrame(frame []byte, flen int) bool {
	if flen < EthHeaderLen {
		return true // runt, nothing else will want it
	}
	pkt := gopacket.NewPacket(frame[:flen], layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return true
	}

	if arpLayer, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		s.handleARP(arpLayer)
		return true
	}
	if icmpLayer, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		if ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
			s.handleICMP(eth, ip4, icmpLayer)
		}
		return true
	}
	if pkt.Layer(layers.LayerTypeUDP) != nil {
		return false // UDP is for the protocol clients
	}
	return true
}

// SetPingCallback registers a hook fired for every answered echo request.
func (s *Stack) SetPingCallback(fn func(src net.IP)) {
	s.onPing = fn
}

func (s *Stack) configured() bool {
	return s.addr != [4]byte{}
}

// serialize renders a reply frame through a gopacket serialize buffer with
// lengths and checksums computed, then writes it out the link.
func (s *Stack) serialize(layerList ...gopacket.SerializableLayer) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, layerList...); err != nil {
		return err
	}
	return s.link.Write(buf.Bytes())
}
