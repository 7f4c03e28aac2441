// Package dns resolves the time server name with single-question A lookups
// spoken directly over the raw frame path.
package dns

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ledtime/ntpclock/ipstack"
)

// Port is the nameserver UDP port.
const Port = 53

const headerSize = 12

// Source ports walk up from this base, so an answer straggling in from an
// earlier attempt cannot satisfy a newer one.
const basePort = 0xe000

// Transport is the UDP envelope layer lookups ride on. Frames go out below
// any routing table, so the caller also has to know the MAC that reaches
// the server.
type Transport interface {
	PrepareUDP(frame []byte, dstPort uint16, dstMAC net.HardwareAddr, srcPort uint16, dstIP net.IP)
	TransmitUDP(frame []byte, plen int) error
	UDPForMe(frame []byte, flen int, srcPort, dstPort uint16) bool
}

// Client asks one question at a time and remembers the latest answer.
type Client struct {
	transport Transport

	server    net.IP
	serverMAC net.HardwareAddr
	qid       uint16
	srcPort   uint16
	host      string
	addr      net.IP
	err       bool
}

func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// SetServer names the server to query and the MAC that reaches it.
func (c *Client) SetServer(ip net.IP, mac net.HardwareAddr) {
	c.server = append(net.IP(nil), ip.To4()...)
	c.serverMAC = append(net.HardwareAddr(nil), mac...)
}

// Lookup sends one A query for host. Each call is a fresh query under a new
// id and source port; only its own answer counts.
func (c *Client) Lookup(frame []byte, host string) error {
	if len(c.server) == 0 || len(c.serverMAC) == 0 {
		return fmt.Errorf("lookup '%s': no nameserver", host)
	}
	c.qid++
	c.srcPort = basePort | (c.qid & 0x0fff)
	c.host = host
	c.addr = nil
	c.err = false
	c.transport.PrepareUDP(frame, Port, c.serverMAC, c.srcPort, c.server)
	plen := putQuery(frame[ipstack.UDPData:], c.qid, host)
	return c.transport.TransmitUDP(frame, plen)
}

// CheckAnswer inspects a received frame and reports whether it consumed it.
// A nameserver answer addressed to the latest query is consumed even when it
// carries no usable address.
func (c *Client) CheckAnswer(frame []byte, flen int) bool {
	if c.host == "" {
		return false
	}
	if !c.transport.UDPForMe(frame, flen, Port, c.srcPort) {
		return false
	}
	pack := gopacket.NewPacket(frame[ipstack.UDPData:flen], layers.LayerTypeDNS, gopacket.Default)
	msg, ok := pack.Layer(layers.LayerTypeDNS).(*layers.DNS)
	if !ok {
		return true
	}
	if msg.ID != c.qid || !msg.QR {
		return true
	}
	if msg.ResponseCode != layers.DNSResponseCodeNoErr {
		c.err = true
		return true
	}
	for _, ans := range msg.Answers {
		if ans.Type == layers.DNSTypeA && ans.IP != nil {
			c.addr = append(net.IP(nil), ans.IP.To4()...)
			break
		}
	}
	return true
}

// HaveAnswer reports whether the latest Lookup resolved.
func (c *Client) HaveAnswer() bool { return c.addr != nil }

// Err reports whether the server answered the latest Lookup with an error
// code. Cleared by the next Lookup.
func (c *Client) Err() bool { return c.err }

// Addr is the resolved address, nil until an answer arrives.
func (c *Client) Addr() net.IP { return c.addr }

// putQuery writes a recursion-desired single-question A query, RFC 1035
// section 4.1.
func putQuery(p []byte, qid uint16, host string) int {
	binary.BigEndian.PutUint16(p[0:], qid)
	binary.BigEndian.PutUint16(p[2:], 0x0100) // RD
	binary.BigEndian.PutUint16(p[4:], 1)      // QDCOUNT
	clear(p[6:headerSize])
	n := headerSize
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		p[n] = byte(len(label))
		n++
		n += copy(p[n:], label)
	}
	p[n] = 0
	n++
	binary.BigEndian.PutUint16(p[n:], 1) // QTYPE A
	binary.BigEndian.PutUint16(p[n+2:], 1)
	return n + 4
}
