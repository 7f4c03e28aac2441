// Package sntp fetches wall time with single-packet SNTP exchanges,
// RFC 4330.
package sntp

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ledtime/ntpclock/ipstack"
)

// Port is the NTP UDP port.
const Port = 123

// eraOffset is the span between the NTP era (1900) and the Unix era (1970)
// in seconds.
const eraOffset = 2208988800

const payloadSize = 48

// Source ports walk up from basePort plus a per-device seed, so answers pair
// with the attempt that asked.
const basePort = 0xc000

type Transport interface {
	PrepareUDP(frame []byte, dstPort uint16, dstMAC net.HardwareAddr, srcPort uint16, dstIP net.IP)
	TransmitUDP(frame []byte, plen int) error
	UDPForMe(frame []byte, flen int, srcPort, dstPort uint16) bool
}

// Client sends client-mode requests and keeps the last transmit timestamp a
// server handed back.
type Client struct {
	transport Transport

	server    net.IP
	serverMAC net.HardwareAddr
	srcPort   uint16
	seconds   uint32
	have      bool
}

// NewClient seeds the source port walk; the low byte of the MAC spreads
// devices on the same segment apart.
func NewClient(transport Transport, portSeed uint8) *Client {
	return &Client{transport: transport, srcPort: basePort + uint16(portSeed)}
}

// SetServer names the server to ask and the MAC that reaches it.
func (c *Client) SetServer(ip net.IP, mac net.HardwareAddr) {
	c.server = append(net.IP(nil), ip.To4()...)
	c.serverMAC = append(net.HardwareAddr(nil), mac...)
}

// Request sends one client-mode packet from a fresh source port.
func (c *Client) Request(frame []byte) error {
	if len(c.server) == 0 || len(c.serverMAC) == 0 {
		return errors.New("sntp request: no time server")
	}
	c.srcPort++
	c.transport.PrepareUDP(frame, Port, c.serverMAC, c.srcPort, c.server)
	p := frame[ipstack.UDPData:]
	clear(p[:payloadSize])
	p[0] = 0x23 // LI 0, version 4, client mode
	return c.transport.TransmitUDP(frame, payloadSize)
}

// CheckAnswer inspects a received frame and reports whether it consumed it.
// Only a server-mode packet with a non-zero transmit timestamp sets the time.
func (c *Client) CheckAnswer(frame []byte, flen int) bool {
	if !c.transport.UDPForMe(frame, flen, Port, c.srcPort) {
		return false
	}
	pack := gopacket.NewPacket(frame[ipstack.UDPData:flen], layers.LayerTypeNTP, gopacket.Default)
	msg, ok := pack.Layer(layers.LayerTypeNTP).(*layers.NTP)
	if !ok {
		return true
	}
	if msg.Mode != 4 {
		return true
	}
	secs := uint32(msg.TransmitTimestamp >> 32)
	if secs == 0 {
		return true
	}
	c.seconds = secs - eraOffset
	c.have = true
	return true
}

// HaveTime reports whether an answer arrived since the last Reset.
func (c *Client) HaveTime() bool { return c.have }

// Time is the answer in Unix seconds.
func (c *Client) Time() uint32 { return c.seconds }

// Reset forgets the current answer ahead of the next synchronization round.
func (c *Client) Reset() { c.have = false }
