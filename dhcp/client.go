package dhcp

import (
	"net"
	"sync/atomic"
)

// State of the lease acquisition machine.
type State uint8

const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRebinding
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSelecting:
		return "SELECTING"
	case StateRequesting:
		return "REQUESTING"
	case StateBound:
		return "BOUND"
	case StateRebinding:
		return "REBINDING"
	default:
		return "UNKNOWN"
	}
}

// Acquisition retransmit ladder: 1<<shift seconds per slot, 4 s through 32 s.
const (
	firstSlotShift = 2
	lastSlotShift  = 5
)

// Leases shorter than this are degenerate and treated as a refusal.
const minLeaseSeconds = 2

// Renew transmissions per rebinding round before giving up.
const renewAttempts = 4

var defaultDNS = [4]byte{8, 8, 8, 8}

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Transport is the slice of the envelope layer the client drives: carrier
// state, the broadcast RX filter, and raw UDP output into the shared frame
// buffer.
type Transport interface {
	LinkUp() bool
	SetBroadcast(on bool)
	PrepareUDP(frame []byte, dstPort uint16, dstMAC net.HardwareAddr, srcPort uint16, dstIP net.IP)
	TransmitUDP(frame []byte, plen int) error
}

// Snapshot is the committed lease as the rest of the device sees it. Addr
// stays 0.0.0.0 until the machine first reaches BOUND.
type Snapshot struct {
	Addr         net.IP
	Mask         net.IP
	Gateway      net.IP
	DNS          net.IP
	ServerID     net.IP
	LeaseSeconds uint32
	State        State
}

// Client is the DHCP lease machine. It is driven from the cooperative main
// loop; only Tick runs concurrently and touches nothing but the countdown.
type Client struct {
	transport Transport

	tid       uint8
	state     State
	current   record
	pending   record
	countdown atomic.Uint32
	shift     uint8
	retries   uint8
}

func NewClient(transport Transport) *Client {
	c := &Client{transport: transport}
	c.reset()
	return c
}

// Init seeds the transaction octet (conventionally the low byte of the MAC)
// and puts the machine into INIT with everything cleared, ready to acquire.
func (c *Client) Init(seed uint8) {
	c.tid = seed
	c.reset()
}

func (c *Client) reset() {
	c.state = StateInit
	c.current = record{dns: defaultDNS, lease: InfiniteLease}
	c.pending = c.current
	c.retries = 0
	c.countdown.Store(0)
}

// Tick is the 1 Hz countdown decrement. It is the only writer from tick
// context; a frozen (infinite) or expired countdown stays put.
func (c *Client) Tick() {
	v := c.countdown.Load()
	if v != 0 && v != InfiniteLease {
		c.countdown.Store(v - 1)
	}
}

func (c *Client) State() State { return c.state }

// Snapshot fills out with the committed lease view.
func (c *Client) Snapshot(out *Snapshot) {
	out.Addr = ip4(c.current.addr)
	out.Mask = ip4(c.current.mask)
	out.Gateway = ip4(c.current.gateway)
	out.DNS = ip4(c.current.dns)
	out.ServerID = ip4(c.current.serverID)
	out.LeaseSeconds = c.current.lease
	out.State = c.state
}

// Info reports the leasing server and the lease duration next to the state.
func (c *Client) Info() (serverID net.IP, leaseSeconds uint32, state State) {
	return ip4(c.current.serverID), c.current.lease, c.state
}

// DriveInitial owns INIT, SELECTING and REQUESTING. Call it every loop pass
// while acquiring: with plen 0 it runs the retransmit timers, with a received
// frame it routes OFFER and ACK/NAK. It returns true exactly once per
// acquisition, on the transition to BOUND.
func (c *Client) DriveInitial(frame []byte, plen int) bool {
	if c.state == StateBound || c.state == StateRebinding {
		return false
	}
	if !c.transport.LinkUp() {
		return false
	}

	if plen == 0 {
		if c.countdown.Load() != 0 {
			return false
		}
		switch c.state {
		case StateInit:
			c.shift = firstSlotShift
			c.sendDiscover(frame)
			c.state = StateSelecting
			c.countdown.Store(1 << c.shift)
		case StateSelecting:
			c.shift++
			if c.shift > lastSlotShift {
				c.reset()
				return false
			}
			c.tid++
			c.sendDiscover(frame)
			c.countdown.Store(1 << c.shift)
		case StateRequesting:
			c.shift++
			if c.shift > lastSlotShift {
				c.reset()
				return false
			}
			c.sendRequest(frame)
			c.countdown.Store(1 << c.shift)
		}
		return false
	}

	if !replyForUs(frame, plen, c.tid) {
		return false
	}

	switch c.state {
	case StateSelecting:
		rec := c.pending
		_, msg := parseOptions(frame, plen, &rec)
		if msg != MessageTypeOffer {
			return false
		}
		readYIAddr(frame, &rec)
		c.pending = rec
		c.sendRequest(frame)
		c.state = StateRequesting
		c.shift = firstSlotShift
		c.countdown.Store(1 << c.shift)

	case StateRequesting:
		rec := c.pending
		_, msg := parseOptions(frame, plen, &rec)
		switch msg {
		case MessageTypeAck:
			readYIAddr(frame, &rec)
			if rec.lease != InfiniteLease && rec.lease < minLeaseSeconds {
				c.reset()
				return false
			}
			c.pending = rec
			c.commit()
			return true
		case MessageTypeNak:
			c.reset()
		}
	}
	return false
}

// DriveRenew owns BOUND and REBINDING. With plen 0 it runs the rebind timers.
// With a received frame it consumes DHCP replies addressed to us (returns 0)
// and hands anything else back unchanged so the caller keeps processing it.
func (c *Client) DriveRenew(frame []byte, plen int) int {
	if c.state != StateBound && c.state != StateRebinding {
		return plen
	}

	if plen == 0 {
		if c.countdown.Load() != 0 || !c.transport.LinkUp() {
			return 0
		}
		if c.state == StateBound {
			c.tid++
			c.retries = 1
			c.sendRenew(frame)
			c.state = StateRebinding
			// An eighth of a short lease rounds down to zero seconds;
			// the retransmit gap stays at least one tick.
			c.countdown.Store(max(1, c.current.lease/8))
		} else {
			if c.retries >= renewAttempts {
				c.reset()
				return 0
			}
			c.retries++
			c.sendRenew(frame)
			c.countdown.Store(max(1, c.current.lease/8))
		}
		return 0
	}

	if !replyForUs(frame, plen, c.tid) {
		return plen
	}

	rec := c.pending
	_, msg := parseOptions(frame, plen, &rec)
	switch msg {
	case MessageTypeAck:
		if c.state != StateRebinding {
			break
		}
		readYIAddr(frame, &rec)
		if rec.lease != InfiniteLease && rec.lease < minLeaseSeconds {
			c.reset()
			break
		}
		c.pending = rec
		c.commit()
	case MessageTypeNak:
		c.reset()
	}
	return 0
}

// commit publishes the pending record as the lease, arms the renewal timer
// at half the lease (frozen for an infinite one) and closes the broadcast RX
// window.
func (c *Client) commit() {
	c.current = c.pending
	c.state = StateBound
	c.retries = 0
	if c.current.lease == InfiniteLease {
		c.countdown.Store(InfiniteLease)
	} else {
		c.countdown.Store(c.current.lease / 2)
	}
	c.transport.SetBroadcast(false)
}

func (c *Client) sendDiscover(frame []byte) {
	c.transport.SetBroadcast(true)
	c.transport.PrepareUDP(frame, ServerPort, broadcastMAC, ClientPort, net.IPv4bcast)
	plen := putDiscover(frame, c.tid)
	c.transport.TransmitUDP(frame, plen)
}

func (c *Client) sendRequest(frame []byte) {
	c.transport.SetBroadcast(true)
	c.transport.PrepareUDP(frame, ServerPort, broadcastMAC, ClientPort, net.IPv4bcast)
	plen := putRequest(frame, c.tid, &c.pending)
	c.transport.TransmitUDP(frame, plen)
}

func (c *Client) sendRenew(frame []byte) {
	c.transport.SetBroadcast(true)
	c.transport.PrepareUDP(frame, ServerPort, broadcastMAC, ClientPort, net.IPv4bcast)
	plen := putRenew(frame, c.tid, c.current.addr)
	c.transport.TransmitUDP(frame, plen)
}

func ip4(b [4]byte) net.IP {
	return net.IP{b[0], b[1], b[2], b[3]}
}
