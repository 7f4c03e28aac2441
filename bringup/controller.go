// Package bringup walks the device from a dead link to a synchronized
// clock: lease first, then the MACs and addresses of the nameserver and the
// time server, then the time itself. Every stage retries on its own cadence
// and a stage that stays dark long enough sends the whole walk back to the
// start.
package bringup

import (
	"log"
	"net"
	"sync/atomic"

	"github.com/ledtime/ntpclock/dhcp"
	"github.com/ledtime/ntpclock/util"
)

type Phase uint8

const (
	PhaseLinkDown Phase = iota
	PhaseLease
	PhaseResolverMAC
	PhaseNameLookup
	PhaseTimeServerMAC
	PhaseTimeSync
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseLinkDown:
		return "LINK DOWN"
	case PhaseLease:
		return "LEASE"
	case PhaseResolverMAC:
		return "RESOLVER ARP"
	case PhaseNameLookup:
		return "DNS"
	case PhaseTimeServerMAC:
		return "TIME SERVER ARP"
	case PhaseTimeSync:
		return "NTP"
	case PhaseRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Retry cadences and budgets per stage, in seconds and sends.
const (
	arpInterval = 2
	arpAttempts = 15
	dnsInterval = 5
	dnsAttempts = 6
	ntpInterval = 5
	ntpAttempts = 6
)

// Tags telling the ARP callbacks apart.
const (
	refNTP = 1
	refDNS = 2
)

// Net is the slice of the IP stack the controller steers.
type Net interface {
	LinkUp() bool
	Configure(addr, mask, gateway net.IP)
	RouteViaGateway(ip net.IP) bool
	ResolveMAC(target net.IP, ref uint8, cb func(ref uint8, mac net.HardwareAddr)) error
}

// Lease is the committed DHCP view.
type Lease interface {
	Init(seed uint8)
	State() dhcp.State
	Snapshot(out *dhcp.Snapshot)
}

// Resolver turns the configured time server name into an address.
type Resolver interface {
	SetServer(ip net.IP, mac net.HardwareAddr)
	Lookup(frame []byte, host string) error
	HaveAnswer() bool
	Err() bool
	Addr() net.IP
}

// TimeSource fetches wall time once the path to the server is known.
type TimeSource interface {
	SetServer(ip net.IP, mac net.HardwareAddr)
	Request(frame []byte) error
	HaveTime() bool
	Time() uint32
	Reset()
}

// Wall is the device clock the controller sets.
type Wall interface {
	Set(unix uint32)
	Synced() bool
}

// Controller runs the walk. Step and the ARP callbacks run on the
// cooperative main loop; Tick runs from timer context and touches only the
// delay counter.
type Controller struct {
	net   Net
	lease Lease
	dns   Resolver
	ntp   TimeSource
	clock Wall

	seed   uint8
	host   string
	resync uint32

	phase    Phase
	delay    atomic.Uint32
	attempts uint8

	gateway net.IP
	dnsIP   net.IP
	dnsMAC  net.HardwareAddr
	ntpIP   net.IP
	ntpMAC  net.HardwareAddr
}

func NewController(n Net, lease Lease, dns Resolver, ntp TimeSource, clock Wall, seed uint8) *Controller {
	return &Controller{net: n, lease: lease, dns: dns, ntp: ntp, clock: clock, seed: seed}
}

// Configure names the time server (a hostname or a dotted quad) and the
// re-synchronization period. Takes effect from the next stage that uses it.
func (b *Controller) Configure(host string, resyncSeconds uint32) {
	b.host = host
	b.resync = resyncSeconds
}

// Phase reports where the walk stands.
func (b *Controller) Phase() Phase { return b.phase }

// TimeServerAddr is the resolved (or literal) time server address, nil while
// the walk has not reached it yet.
func (b *Controller) TimeServerAddr() net.IP { return b.ntpIP }

// NameserverMAC is the MAC frames to the nameserver carry; it is the gateway
// MAC for an off-link server. Nil until resolved.
func (b *Controller) NameserverMAC() net.HardwareAddr { return b.dnsMAC }

// TimeServerMAC is the MAC frames to the time server carry. Nil until
// resolved.
func (b *Controller) TimeServerMAC() net.HardwareAddr { return b.ntpMAC }

// Restart throws the walk back to the beginning; the next Step starts over
// from lease acquisition. Must run on the same goroutine as Step.
func (b *Controller) Restart() {
	b.toLinkDown()
}

// Tick is the 1 Hz decrement of the stage delay.
func (b *Controller) Tick() {
	v := b.delay.Load()
	if v != 0 {
		b.delay.Store(v - 1)
	}
}

// Step advances the walk by at most one action. Call it once per loop pass;
// frame is the shared transmit buffer.
func (b *Controller) Step(frame []byte) {
	if !b.net.LinkUp() {
		if b.phase != PhaseLinkDown {
			log.Printf("Link down, starting over")
			b.toLinkDown()
		}
		return
	}

	// A lease that fell through underneath any later stage voids the
	// addresses everything else was built on.
	if b.phase > PhaseLease {
		if st := b.lease.State(); st != dhcp.StateBound && st != dhcp.StateRebinding {
			log.Printf("Lease lost, starting over")
			b.toLease()
			return
		}
	}

	switch b.phase {
	case PhaseLinkDown:
		log.Printf("Link up")
		b.toLease()

	case PhaseLease:
		if b.lease.State() != dhcp.StateBound {
			return
		}
		var snap dhcp.Snapshot
		b.lease.Snapshot(&snap)
		b.net.Configure(snap.Addr, snap.Mask, snap.Gateway)
		log.Printf("Lease: %s/%s gateway %s dns %s (%d s)",
			snap.Addr, snap.Mask, snap.Gateway, snap.DNS, snap.LeaseSeconds)
		b.gateway = snap.Gateway
		b.dnsIP = snap.DNS
		if ip := util.ParseIP4(b.host); ip != nil {
			// The time server is already an address: no lookup, no
			// nameserver to reach.
			b.ntpIP = ip
			b.enterTimeServerMAC()
			return
		}
		b.phase = PhaseResolverMAC
		b.attempts = 0
		b.delay.Store(0)

	case PhaseResolverMAC:
		if b.dnsMAC != nil {
			b.dns.SetServer(b.dnsIP, b.dnsMAC)
			b.phase = PhaseNameLookup
			b.attempts = 0
			b.delay.Store(0)
			return
		}
		if b.delay.Load() != 0 {
			return
		}
		if b.attempts >= arpAttempts {
			log.Printf("No ARP answer for the nameserver path, starting over")
			b.toLinkDown()
			return
		}
		b.attempts++
		b.resolve(refDNS, b.dnsIP)
		b.delay.Store(arpInterval)

	case PhaseNameLookup:
		// Only an answer to a query from this walk counts; Lookup drops
		// whatever the resolver still held.
		if b.attempts > 0 && b.dns.HaveAnswer() {
			b.ntpIP = b.dns.Addr()
			log.Printf("Time server '%s' is %s", b.host, b.ntpIP)
			b.enterTimeServerMAC()
			return
		}
		if b.delay.Load() != 0 {
			return
		}
		// An error reply waits out the window like silence; it costs the
		// attempt, not the walk.
		if b.attempts > 0 && b.dns.Err() {
			log.Printf("Nameserver error for '%s'", b.host)
		}
		if b.attempts >= dnsAttempts {
			log.Printf("No answer for '%s', starting over", b.host)
			b.toLinkDown()
			return
		}
		b.attempts++
		log.Printf("DNS request for '%s'", b.host)
		if err := b.dns.Lookup(frame, b.host); err != nil {
			log.Printf("Lookup failed: %s", err)
		}
		b.delay.Store(dnsInterval)

	case PhaseTimeServerMAC:
		if b.ntpMAC != nil {
			b.ntp.SetServer(b.ntpIP, b.ntpMAC)
			b.ntp.Reset()
			b.phase = PhaseTimeSync
			b.attempts = 0
			b.delay.Store(0)
			return
		}
		if b.delay.Load() != 0 {
			return
		}
		if b.attempts >= arpAttempts {
			log.Printf("No ARP answer for the time server path, starting over")
			b.toLinkDown()
			return
		}
		b.attempts++
		b.resolve(refNTP, b.ntpIP)
		b.delay.Store(arpInterval)

	case PhaseTimeSync:
		if b.ntp.HaveTime() {
			b.clock.Set(b.ntp.Time())
			log.Printf("Clock synchronized")
			b.phase = PhaseRunning
			b.attempts = 0
			if b.resync > 0 {
				b.delay.Store(b.resync)
			}
			return
		}
		if b.delay.Load() != 0 {
			return
		}
		if b.attempts >= ntpAttempts {
			if b.clock.Synced() {
				// A re-sync that goes dark is no reason to tear the
				// device down; the counter keeps running.
				log.Printf("Time server not answering, keeping the running clock")
				b.phase = PhaseRunning
				b.attempts = 0
				if b.resync > 0 {
					b.delay.Store(b.resync)
				}
			} else {
				log.Printf("No time from %s, starting over", b.ntpIP)
				b.toLinkDown()
			}
			return
		}
		b.attempts++
		log.Printf("NTP request to %s", b.ntpIP)
		if err := b.ntp.Request(frame); err != nil {
			log.Printf("Time request failed: %s", err)
		}
		b.delay.Store(ntpInterval)

	case PhaseRunning:
		if b.resync == 0 || b.delay.Load() != 0 {
			return
		}
		b.ntp.Reset()
		b.phase = PhaseTimeSync
		b.attempts = 0
	}
}

// enterTimeServerMAC decides how to reach the time server. When it sits
// behind the same next hop as the nameserver the MAC is already known.
func (b *Controller) enterTimeServerMAC() {
	b.phase = PhaseTimeServerMAC
	b.attempts = 0
	b.delay.Store(0)
	if b.dnsMAC != nil && b.nextHop(b.ntpIP).Equal(b.nextHop(b.dnsIP)) {
		b.ntpMAC = b.dnsMAC
	}
}

// nextHop is the address actually asked for on the wire: the target itself
// on the local net, the gateway for everything beyond it.
func (b *Controller) nextHop(ip net.IP) net.IP {
	if b.net.RouteViaGateway(ip) {
		return b.gateway
	}
	return ip
}

func (b *Controller) resolve(ref uint8, ip net.IP) {
	hop := b.nextHop(ip)
	log.Printf("ARP request for %s", hop)
	if err := b.net.ResolveMAC(hop, ref, b.macResolved); err != nil {
		log.Printf("ARP request failed: %s", err)
	}
}

func (b *Controller) macResolved(ref uint8, mac net.HardwareAddr) {
	switch ref {
	case refDNS:
		b.dnsMAC = append(net.HardwareAddr(nil), mac...)
		log.Printf("Nameserver path is via %s", b.dnsMAC)
	case refNTP:
		b.ntpMAC = append(net.HardwareAddr(nil), mac...)
		log.Printf("Time server path is via %s", b.ntpMAC)
	}
}

func (b *Controller) toLease() {
	b.clearTargets()
	b.lease.Init(b.seed)
	b.phase = PhaseLease
	b.attempts = 0
	b.delay.Store(0)
}

func (b *Controller) toLinkDown() {
	b.clearTargets()
	b.phase = PhaseLinkDown
	b.attempts = 0
	b.delay.Store(0)
}

func (b *Controller) clearTargets() {
	b.gateway = nil
	b.dnsIP = nil
	b.dnsMAC = nil
	b.ntpIP = nil
	b.ntpMAC = nil
}
