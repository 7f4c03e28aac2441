package dhcp

import (
	"encoding/binary"

	"github.com/ledtime/ntpclock/ipstack"
)

// Client and server ports, RFC 2131 section 4.1.
const (
	ServerPort = 67
	ClientPort = 68
)

// InfiniteLease is the RFC 2131 sentinel for a never-expiring binding.
const InfiniteLease uint32 = 0xffffffff

// BOOTP field offsets relative to the UDP payload, RFC 2131 figure 1.
const (
	fieldOp      = 0
	fieldHType   = 1
	fieldHLen    = 2
	fieldHops    = 3
	fieldXID     = 4
	fieldSecs    = 8
	fieldFlags   = 10
	fieldCIAddr  = 12
	fieldYIAddr  = 16
	fieldSIAddr  = 20
	fieldGIAddr  = 24
	fieldCHAddr  = 28
	fieldCookie  = 236
	fieldOptions = 240
)

const headerBaseSize = 240

// Replies shorter than this are noise; BOOTP servers pad to at least 300
// octets of payload, so a whole frame under 256 cannot be a real answer.
const minReplyFrameLen = 0x100

var magicCookie = [4]byte{99, 130, 83, 99} // RFC 1533

// Option tags this client understands. Everything else is skipped over.
const (
	optPad         = 0
	optSubnetMask  = 1
	optRouter      = 3
	optDNS         = 6
	optRequestedIP = 50
	optLeaseTime   = 51
	optMessageType = 53
	optServerID    = 54
	optParamList   = 55
	optEnd         = 255
)

type MessageType uint8

const (
	MessageTypeDiscover MessageType = 1
	MessageTypeOffer    MessageType = 2
	MessageTypeRequest  MessageType = 3
	MessageTypeDecline  MessageType = 4
	MessageTypeAck      MessageType = 5
	MessageTypeNak      MessageType = 6
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeDiscover:
		return "DISCOVER"
	case MessageTypeOffer:
		return "OFFER"
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeDecline:
		return "DECLINE"
	case MessageTypeAck:
		return "ACK"
	case MessageTypeNak:
		return "NAK"
	default:
		return "UNKNOWN"
	}
}

// paramList is the parameter request list sent with DISCOVER and REQUEST:
// subnet mask, router, DNS.
var paramList = [3]byte{optSubnetMask, optRouter, optDNS}

// record is one lease worth of configuration.
type record struct {
	addr     [4]byte
	mask     [4]byte
	gateway  [4]byte
	dns      [4]byte
	serverID [4]byte
	lease    uint32
}

// gotOptions reports which record fields an option scan populated.
type gotOptions uint8

const (
	gotMask gotOptions = 1 << iota
	gotRouter
	gotDNS
	gotLease
	gotServerID
	gotMessageType
)

func (g gotOptions) has(o gotOptions) bool { return g&o != 0 }

// putHeader writes the fixed BOOTP client header into the prepared frame.
// The hardware address is copied from the Ethernet source the envelope
// writer filled in, and the IPv4 source is forced to 0.0.0.0; the renew
// builder pokes its own address over both afterwards.
func putHeader(frame []byte, tid uint8) {
	p := frame[ipstack.UDPData:]
	clear(p[:headerBaseSize])
	p[fieldOp] = 1 // BOOTREQUEST
	p[fieldHType] = 1
	p[fieldHLen] = 6
	p[fieldXID+0] = tid
	p[fieldXID+1] = tid
	p[fieldXID+2] = tid
	p[fieldXID+3] = tid
	copy(p[fieldCHAddr:], frame[ipstack.EthSrc:ipstack.EthSrc+6])
	copy(p[fieldCookie:], magicCookie[:])
	clear(frame[ipstack.IPSrc : ipstack.IPSrc+4])
}

func putParamList(p []byte) int {
	p[0] = optParamList
	p[1] = byte(len(paramList))
	copy(p[2:], paramList[:])
	return 2 + len(paramList)
}

// putIPOption emits a 4-octet address option, or nothing when the value is
// still unset.
func putIPOption(p []byte, tag byte, ip [4]byte) int {
	if ip == ([4]byte{}) {
		return 0
	}
	p[0] = tag
	p[1] = 4
	copy(p[2:], ip[:])
	return 6
}

// putDiscover builds a DHCPDISCOVER payload and returns its length.
func putDiscover(frame []byte, tid uint8) int {
	putHeader(frame, tid)
	p := frame[ipstack.UDPData+fieldOptions:]
	n := 0
	p[n] = optMessageType
	p[n+1] = 1
	p[n+2] = byte(MessageTypeDiscover)
	n += 3
	n += putParamList(p[n:])
	p[n] = optEnd
	p[n+1] = optPad
	n += 2
	return headerBaseSize + n
}

// putRequest builds the DHCPREQUEST answering an offer. Server identifier
// and requested address ride along when the offer supplied them.
func putRequest(frame []byte, tid uint8, pending *record) int {
	putHeader(frame, tid)
	p := frame[ipstack.UDPData+fieldOptions:]
	n := 0
	p[n] = optMessageType
	p[n+1] = 1
	p[n+2] = byte(MessageTypeRequest)
	n += 3
	n += putIPOption(p[n:], optServerID, pending.serverID)
	n += putIPOption(p[n:], optRequestedIP, pending.addr)
	n += putParamList(p[n:])
	p[n] = optEnd
	n++
	return headerBaseSize + n
}

// putRenew builds the rebinding REQUEST: ciaddr and the IPv4 source carry
// the address being renewed, options are just the message type.
func putRenew(frame []byte, tid uint8, addr [4]byte) int {
	putHeader(frame, tid)
	copy(frame[ipstack.IPSrc:], addr[:])
	p := frame[ipstack.UDPData:]
	copy(p[fieldCIAddr:], addr[:])
	o := p[fieldOptions:]
	o[0] = optMessageType
	o[1] = 1
	o[2] = byte(MessageTypeRequest)
	o[3] = optEnd
	return headerBaseSize + 4
}

// replyForUs is the whole acceptance gate: plausible length, answer from the
// server port, BOOTREPLY, and all four xid bytes matching our transaction
// octet. Everything else about a frame is irrelevant until this passes.
func replyForUs(frame []byte, flen int, tid uint8) bool {
	if flen < minReplyFrameLen {
		return false
	}
	if binary.BigEndian.Uint16(frame[ipstack.UDPSrcPort:]) != ServerPort {
		return false
	}
	p := frame[ipstack.UDPData:]
	if p[fieldOp] != 2 { // BOOTREPLY
		return false
	}
	for i := 0; i < 4; i++ {
		if p[fieldXID+i] != tid {
			return false
		}
	}
	return true
}

// readYIAddr copies a non-zero assigned address out of the reply header.
func readYIAddr(frame []byte, rec *record) {
	var addr [4]byte
	copy(addr[:], frame[ipstack.UDPData+fieldYIAddr:])
	if addr == ([4]byte{}) {
		return
	}
	rec.addr = addr
}

// parseOptions scans the TLV region of a reply. The scan stops quietly at
// the end marker, a zero tag, a zero length or a record that would run past
// flen; whatever was recognized before that stands. Only the record fields
// named by recognized options are written.
func parseOptions(frame []byte, flen int, rec *record) (gotOptions, MessageType) {
	var got gotOptions
	var msg MessageType
	if flen <= ipstack.UDPData+fieldOptions {
		return got, msg
	}
	opts := frame[ipstack.UDPData+fieldOptions : flen]
	for i := 0; i+1 < len(opts); {
		tag := opts[i]
		if tag == optEnd || tag == optPad {
			break
		}
		ln := int(opts[i+1])
		if ln == 0 || i+2+ln > len(opts) {
			break
		}
		val := opts[i+2 : i+2+ln]
		switch tag {
		case optSubnetMask:
			if ln == 4 {
				copy(rec.mask[:], val)
				got |= gotMask
			}
		case optRouter:
			if ln == 4 {
				copy(rec.gateway[:], val)
				got |= gotRouter
			}
		case optDNS:
			// Servers may list several; the first one wins.
			if ln >= 4 {
				copy(rec.dns[:], val[:4])
				got |= gotDNS
			}
		case optLeaseTime:
			if ln == 4 {
				rec.lease = binary.BigEndian.Uint32(val)
				got |= gotLease
			}
		case optMessageType:
			msg = MessageType(val[0])
			got |= gotMessageType
		case optServerID:
			if ln == 4 {
				copy(rec.serverID[:], val)
				got |= gotServerID
			}
		}
		i += 2 + ln
	}
	return got, msg
}
