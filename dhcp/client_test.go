package dhcp

import (
	"bytes"
	"encoding/binary"
	"net"
	"reflect"
	"testing"

	"github.com/ledtime/ntpclock/ipstack"
)

// sentFrame is one transmission as the fake transport saw it, including the
// broadcast RX state at the moment of the send.
type sentFrame struct {
	payload   []byte
	plen      int
	broadcast bool
	dstPort   uint16
	srcPort   uint16
	dstIP     net.IP
	dstMAC    net.HardwareAddr
	ipSrc     []byte
}

func (s sentFrame) msgType() MessageType {
	return MessageType(s.payload[fieldOptions+2])
}

func (s sentFrame) xid() uint8 {
	return s.payload[fieldXID]
}

type fakeTransport struct {
	up        bool
	broadcast bool
	sent      []sentFrame

	dstPort uint16
	srcPort uint16
	dstIP   net.IP
	dstMAC  net.HardwareAddr
}

func (f *fakeTransport) LinkUp() bool         { return f.up }
func (f *fakeTransport) SetBroadcast(on bool) { f.broadcast = on }

func (f *fakeTransport) PrepareUDP(frame []byte, dstPort uint16, dstMAC net.HardwareAddr, srcPort uint16, dstIP net.IP) {
	f.dstPort, f.srcPort = dstPort, srcPort
	f.dstMAC = append(net.HardwareAddr(nil), dstMAC...)
	f.dstIP = append(net.IP(nil), dstIP...)
	// The real envelope writer stamps our MAC as the Ethernet source and
	// our current address as the IPv4 source; the builders depend on the
	// former and overwrite the latter.
	copy(frame[ipstack.EthSrc:], testMAC)
	copy(frame[ipstack.IPSrc:], []byte{9, 9, 9, 9})
}

func (f *fakeTransport) TransmitUDP(frame []byte, plen int) error {
	f.sent = append(f.sent, sentFrame{
		payload:   append([]byte(nil), frame[ipstack.UDPData:ipstack.UDPData+plen]...),
		plen:      plen,
		broadcast: f.broadcast,
		dstPort:   f.dstPort,
		srcPort:   f.srcPort,
		dstIP:     f.dstIP,
		dstMAC:    f.dstMAC,
		ipSrc:     append([]byte(nil), frame[ipstack.IPSrc:ipstack.IPSrc+4]...),
	})
	return nil
}

// serverReply builds the frame a server reply arrives in.
func serverReply(tid uint8, yiaddr [4]byte, opts []byte) ([]byte, int) {
	frame := make([]byte, 600)
	binary.BigEndian.PutUint16(frame[ipstack.UDPSrcPort:], ServerPort)
	binary.BigEndian.PutUint16(frame[ipstack.UDPDstPort:], ClientPort)
	p := frame[ipstack.UDPData:]
	p[fieldOp] = 2
	for i := 0; i < 4; i++ {
		p[fieldXID+i] = tid
	}
	copy(p[fieldYIAddr:], yiaddr[:])
	copy(p[fieldCookie:], magicCookie[:])
	copy(p[fieldOptions:], opts)
	return frame, ipstack.UDPData + fieldOptions + len(opts)
}

func replyOpts(msg MessageType, lease uint32) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], lease)
	return []byte{
		optMessageType, 1, byte(msg),
		optSubnetMask, 4, 255, 255, 255, 0,
		optRouter, 4, 192, 168, 1, 1,
		optDNS, 4, 192, 168, 1, 1,
		optLeaseTime, 4, l[0], l[1], l[2], l[3],
		optServerID, 4, 192, 168, 1, 1,
		optEnd,
	}
}

var leaseAddr = [4]byte{192, 168, 1, 9}

// pass runs one cooperative loop pass with nothing received.
func pass(c *Client, frame []byte) {
	c.DriveInitial(frame, 0)
	c.DriveRenew(frame, 0)
}

// second runs two idle loop passes and then the 1 Hz tick, mirroring how the
// device loop outpaces the timer.
func second(c *Client, frame []byte) {
	pass(c, frame)
	pass(c, frame)
	c.Tick()
}

// bind drives a fresh client through DISCOVER/OFFER/REQUEST/ACK.
func bind(t *testing.T, lease uint32) (*Client, *fakeTransport, []byte) {
	t.Helper()
	tr := &fakeTransport{up: true}
	c := NewClient(tr)
	c.Init(0x60)
	frame := make([]byte, 600)

	if c.DriveInitial(frame, 0) {
		t.Fatal("bound before any exchange")
	}
	offer, flen := serverReply(0x60, leaseAddr, replyOpts(MessageTypeOffer, lease))
	if c.DriveInitial(offer, flen) {
		t.Fatal("bound on an offer")
	}
	ack, flen := serverReply(0x60, leaseAddr, replyOpts(MessageTypeAck, lease))
	if !c.DriveInitial(ack, flen) {
		t.Fatal("ACK did not bind")
	}
	return c, tr, frame
}

func TestAcquireLease(t *testing.T) {
	tr := &fakeTransport{up: true}
	c := NewClient(tr)
	c.Init(0x60)
	frame := make([]byte, 600)

	if c.DriveInitial(frame, 0) {
		t.Fatal("bound before any exchange")
	}
	if got, want := len(tr.sent), 1; got != want {
		t.Fatalf("sends = %d, want %d", got, want)
	}
	d := tr.sent[0]
	if got, want := d.msgType(), MessageTypeDiscover; got != want {
		t.Errorf("first send = %v, want %v", got, want)
	}
	if got, want := d.plen, 250; got != want {
		t.Errorf("discover length = %d, want %d", got, want)
	}
	if got, want := d.xid(), uint8(0x60); got != want {
		t.Errorf("discover xid = %#x, want %#x", got, want)
	}
	if got, want := d.dstPort, uint16(ServerPort); got != want {
		t.Errorf("destination port = %d, want %d", got, want)
	}
	if got, want := d.srcPort, uint16(ClientPort); got != want {
		t.Errorf("source port = %d, want %d", got, want)
	}
	if !d.dstIP.Equal(net.IPv4bcast) {
		t.Errorf("destination IP = %s, want %s", d.dstIP, net.IPv4bcast)
	}
	if !bytes.Equal(d.dstMAC, broadcastMAC) {
		t.Errorf("destination MAC = %s, want %s", d.dstMAC, broadcastMAC)
	}
	if got, want := c.State(), StateSelecting; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}

	var snap Snapshot
	c.Snapshot(&snap)
	if !snap.Addr.IsUnspecified() {
		t.Errorf("address published before binding: %s", snap.Addr)
	}

	offer, flen := serverReply(0x60, leaseAddr, replyOpts(MessageTypeOffer, 3600))
	if c.DriveInitial(offer, flen) {
		t.Fatal("bound on an offer")
	}
	if got, want := c.State(), StateRequesting; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}
	if got, want := len(tr.sent), 2; got != want {
		t.Fatalf("sends = %d, want %d", got, want)
	}
	req := tr.sent[1]
	if got, want := req.msgType(), MessageTypeRequest; got != want {
		t.Errorf("second send = %v, want %v", got, want)
	}
	wantOpts := []byte{
		optMessageType, 1, byte(MessageTypeRequest),
		optServerID, 4, 192, 168, 1, 1,
		optRequestedIP, 4, 192, 168, 1, 9,
		optParamList, 3, 1, 3, 6,
		optEnd,
	}
	if got := req.payload[fieldOptions:req.plen]; !bytes.Equal(got, wantOpts) {
		t.Errorf("request options = % x, want % x", got, wantOpts)
	}
	if got, want := req.xid(), uint8(0x60); got != want {
		t.Errorf("request xid = %#x, want %#x", got, want)
	}
	c.Snapshot(&snap)
	if !snap.Addr.IsUnspecified() {
		t.Errorf("address published before binding: %s", snap.Addr)
	}

	ack, flen := serverReply(0x60, leaseAddr, replyOpts(MessageTypeAck, 3600))
	if !c.DriveInitial(ack, flen) {
		t.Fatal("ACK did not bind")
	}
	if got, want := c.State(), StateBound; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}
	if tr.broadcast {
		t.Error("broadcast RX still open after binding")
	}

	c.Snapshot(&snap)
	if want := (net.IP{192, 168, 1, 9}); !snap.Addr.Equal(want) {
		t.Errorf("addr = %s, want %s", snap.Addr, want)
	}
	if want := (net.IP{255, 255, 255, 0}); !snap.Mask.Equal(want) {
		t.Errorf("mask = %s, want %s", snap.Mask, want)
	}
	if want := (net.IP{192, 168, 1, 1}); !snap.Gateway.Equal(want) {
		t.Errorf("gateway = %s, want %s", snap.Gateway, want)
	}
	if want := (net.IP{192, 168, 1, 1}); !snap.DNS.Equal(want) {
		t.Errorf("dns = %s, want %s", snap.DNS, want)
	}
	if got, want := snap.LeaseSeconds, uint32(3600); got != want {
		t.Errorf("lease = %d, want %d", got, want)
	}

	// Duplicate ACKs must not report a second bind.
	if c.DriveInitial(ack, flen) {
		t.Error("second bind reported for a duplicate ACK")
	}
}

func TestDiscoverBackoff(t *testing.T) {
	tr := &fakeTransport{up: true}
	c := NewClient(tr)
	c.Init(0x60)
	frame := make([]byte, 600)

	var sendTimes []int
	for sec := 0; sec <= 61; sec++ {
		before := len(tr.sent)
		second(c, frame)
		for range tr.sent[before:] {
			sendTimes = append(sendTimes, sec)
		}
	}

	// Slots of 4, 8, 16 and 32 seconds, then the machine starts over.
	if want := []int{0, 4, 12, 28, 60}; !reflect.DeepEqual(sendTimes, want) {
		t.Fatalf("send times = %v, want %v", sendTimes, want)
	}
	wantXids := []uint8{0x60, 0x61, 0x62, 0x63, 0x63}
	for i, s := range tr.sent {
		if got, want := s.msgType(), MessageTypeDiscover; got != want {
			t.Errorf("send %d = %v, want %v", i, got, want)
		}
		if got, want := s.xid(), wantXids[i]; got != want {
			t.Errorf("send %d xid = %#x, want %#x", i, got, want)
		}
		if !s.broadcast {
			t.Errorf("send %d went out with broadcast RX closed", i)
		}
	}
	if got, want := c.State(), StateSelecting; got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
}

func TestRequestRetransmitKeepsXid(t *testing.T) {
	tr := &fakeTransport{up: true}
	c := NewClient(tr)
	c.Init(0x60)
	frame := make([]byte, 600)

	c.DriveInitial(frame, 0)
	offer, flen := serverReply(0x60, leaseAddr, replyOpts(MessageTypeOffer, 3600))
	c.DriveInitial(offer, flen)
	c.Tick() // closes second zero, in which both sends above happened

	var sendTimes []int
	for sec := 1; sec <= 61; sec++ {
		before := len(tr.sent)
		second(c, frame)
		for range tr.sent[before:] {
			sendTimes = append(sendTimes, sec)
		}
	}

	// Retries at +4, +12 and +28 after the first REQUEST, then back to the
	// start: the DISCOVER of the next attempt goes out the same second.
	if want := []int{4, 12, 28, 60}; !reflect.DeepEqual(sendTimes, want) {
		t.Fatalf("send times = %v, want %v", sendTimes, want)
	}
	for i, s := range tr.sent[2:5] {
		if got, want := s.msgType(), MessageTypeRequest; got != want {
			t.Errorf("retry %d = %v, want %v", i, got, want)
		}
		if got, want := s.xid(), uint8(0x60); got != want {
			t.Errorf("retry %d xid = %#x, want %#x", i, got, want)
		}
	}
	last := tr.sent[len(tr.sent)-1]
	if got, want := last.msgType(), MessageTypeDiscover; got != want {
		t.Errorf("final send = %v, want %v", got, want)
	}
}

func TestReplyWithForeignXidIgnored(t *testing.T) {
	tr := &fakeTransport{up: true}
	c := NewClient(tr)
	c.Init(0x60)
	frame := make([]byte, 600)

	c.DriveInitial(frame, 0)
	offer, flen := serverReply(0x61, leaseAddr, replyOpts(MessageTypeOffer, 3600))
	if c.DriveInitial(offer, flen) {
		t.Fatal("bound on a foreign offer")
	}
	if got, want := c.State(), StateSelecting; got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
	if got, want := len(tr.sent), 1; got != want {
		t.Errorf("sends = %d, want %d: a foreign offer must not trigger a request", got, want)
	}
}

func TestNakRestartsAcquisition(t *testing.T) {
	tr := &fakeTransport{up: true}
	c := NewClient(tr)
	c.Init(0x60)
	frame := make([]byte, 600)

	c.DriveInitial(frame, 0)
	offer, flen := serverReply(0x60, leaseAddr, replyOpts(MessageTypeOffer, 3600))
	c.DriveInitial(offer, flen)

	nak, flen := serverReply(0x60, [4]byte{}, []byte{optMessageType, 1, byte(MessageTypeNak), optEnd})
	if c.DriveInitial(nak, flen) {
		t.Fatal("bound on a NAK")
	}
	if got, want := c.State(), StateInit; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}

	// The machine starts a fresh acquisition on the next pass.
	c.DriveInitial(frame, 0)
	last := tr.sent[len(tr.sent)-1]
	if got, want := last.msgType(), MessageTypeDiscover; got != want {
		t.Errorf("send after NAK = %v, want %v", got, want)
	}
}

func TestDegenerateLeaseRejected(t *testing.T) {
	tr := &fakeTransport{up: true}
	c := NewClient(tr)
	c.Init(0x60)
	frame := make([]byte, 600)

	c.DriveInitial(frame, 0)
	offer, flen := serverReply(0x60, leaseAddr, replyOpts(MessageTypeOffer, 1))
	c.DriveInitial(offer, flen)
	ack, flen := serverReply(0x60, leaseAddr, replyOpts(MessageTypeAck, 1))
	if c.DriveInitial(ack, flen) {
		t.Fatal("bound on a one-second lease")
	}
	if got, want := c.State(), StateInit; got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
	var snap Snapshot
	c.Snapshot(&snap)
	if !snap.Addr.IsUnspecified() {
		t.Errorf("address kept from a rejected lease: %s", snap.Addr)
	}
}

func TestInfiniteLease(t *testing.T) {
	minimal := func(msg MessageType) []byte {
		return []byte{
			optMessageType, 1, byte(msg),
			optSubnetMask, 4, 255, 255, 255, 0,
			optEnd,
		}
	}
	tests := []struct {
		name      string
		offerOpts []byte
		ackOpts   []byte
	}{
		{"explicit", replyOpts(MessageTypeOffer, 3600), replyOpts(MessageTypeAck, InfiniteLease)},
		{"never specified", minimal(MessageTypeOffer), minimal(MessageTypeAck)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := &fakeTransport{up: true}
			c := NewClient(tr)
			c.Init(0x60)
			frame := make([]byte, 600)

			c.DriveInitial(frame, 0)
			offer, flen := serverReply(0x60, leaseAddr, tc.offerOpts)
			c.DriveInitial(offer, flen)
			ack, flen := serverReply(0x60, leaseAddr, tc.ackOpts)
			if !c.DriveInitial(ack, flen) {
				t.Fatal("ACK did not bind")
			}
			_, lease, _ := c.Info()
			if lease != InfiniteLease {
				t.Fatalf("lease = %d, want infinite", lease)
			}

			sends := len(tr.sent)
			for sec := 0; sec < 50; sec++ {
				second(c, frame)
			}
			if got := len(tr.sent); got != sends {
				t.Errorf("renewals sent on an infinite lease: %d", got-sends)
			}
			if got, want := c.State(), StateBound; got != want {
				t.Errorf("state = %v, want %v", got, want)
			}
		})
	}
}

func TestRenewCycle(t *testing.T) {
	c, tr, frame := bind(t, 16)

	// Renewal fires at half the lease.
	for sec := 0; sec < 8; sec++ {
		second(c, frame)
		if len(tr.sent) != 2 {
			t.Fatalf("renew sent early, at second %d", sec)
		}
	}
	second(c, frame)
	if got, want := len(tr.sent), 3; got != want {
		t.Fatalf("sends = %d, want %d", got, want)
	}
	rn := tr.sent[2]
	if got, want := rn.plen, 244; got != want {
		t.Errorf("renew length = %d, want %d", got, want)
	}
	if got, want := rn.msgType(), MessageTypeRequest; got != want {
		t.Errorf("renew type = %v, want %v", got, want)
	}
	if got, want := rn.xid(), uint8(0x61); got != want {
		t.Errorf("renew xid = %#x, want %#x", got, want)
	}
	if got := rn.payload[fieldCIAddr : fieldCIAddr+4]; !bytes.Equal(got, leaseAddr[:]) {
		t.Errorf("renew ciaddr = % x, want % x", got, leaseAddr)
	}
	if !bytes.Equal(rn.ipSrc, leaseAddr[:]) {
		t.Errorf("renew IPv4 source = % x, want % x", rn.ipSrc, leaseAddr)
	}
	if !rn.broadcast {
		t.Error("renew went out with broadcast RX closed")
	}
	if got, want := c.State(), StateRebinding; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}

	// The server extends the lease; the machine settles back into BOUND.
	ack, flen := serverReply(0x61, leaseAddr, replyOpts(MessageTypeAck, 16))
	if got := c.DriveRenew(ack, flen); got != 0 {
		t.Errorf("DriveRenew returned %d for a consumed reply, want 0", got)
	}
	if got, want := c.State(), StateBound; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}
	if tr.broadcast {
		t.Error("broadcast RX still open after rebinding")
	}

	// And the next renewal runs on the refreshed timer.
	sends := len(tr.sent)
	for sec := 0; sec <= 8; sec++ {
		second(c, frame)
	}
	if got, want := len(tr.sent), sends+1; got != want {
		t.Errorf("sends = %d, want %d after the refreshed half-lease", got, want)
	}
}

func TestRenewTimeoutRestartsAcquisition(t *testing.T) {
	c, tr, frame := bind(t, 16)

	var renewTimes, discoverTimes []int
	for sec := 0; sec <= 16; sec++ {
		before := len(tr.sent)
		second(c, frame)
		for _, s := range tr.sent[before:] {
			if s.plen == 244 {
				renewTimes = append(renewTimes, sec)
			} else {
				discoverTimes = append(discoverTimes, sec)
			}
		}
	}

	// Four tries an eighth of the lease apart, then a fresh acquisition.
	if want := []int{8, 10, 12, 14}; !reflect.DeepEqual(renewTimes, want) {
		t.Errorf("renew times = %v, want %v", renewTimes, want)
	}
	if want := []int{16}; !reflect.DeepEqual(discoverTimes, want) {
		t.Errorf("discover times = %v, want %v", discoverTimes, want)
	}
	var snap Snapshot
	c.Snapshot(&snap)
	if !snap.Addr.IsUnspecified() {
		t.Errorf("address kept after the lease ran out: %s", snap.Addr)
	}
	// All four tries reuse the transaction id minted when rebinding began.
	for i := range renewTimes {
		if got, want := tr.sent[2+i].xid(), uint8(0x61); got != want {
			t.Errorf("renew %d xid = %#x, want %#x", i, got, want)
		}
	}
}

func TestShortLeaseRenewSpacing(t *testing.T) {
	c, tr, frame := bind(t, 4)

	// Three idle passes per tick: the machine may transmit on at most one
	// of them.
	var renewTimes, discoverTimes []int
	for sec := 0; sec <= 6; sec++ {
		before := len(tr.sent)
		pass(c, frame)
		pass(c, frame)
		pass(c, frame)
		for _, s := range tr.sent[before:] {
			if s.plen == 244 {
				renewTimes = append(renewTimes, sec)
			} else {
				discoverTimes = append(discoverTimes, sec)
			}
		}
		c.Tick()
	}

	// An eighth of a 4 second lease rounds down to zero; the four tries
	// still spread a full second apart before the fresh acquisition.
	if want := []int{2, 3, 4, 5}; !reflect.DeepEqual(renewTimes, want) {
		t.Errorf("renew times = %v, want %v", renewTimes, want)
	}
	if want := []int{6}; !reflect.DeepEqual(discoverTimes, want) {
		t.Errorf("discover times = %v, want %v", discoverTimes, want)
	}
	if got, want := c.State(), StateSelecting; got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
}

func TestLinkDownSuspendsMachine(t *testing.T) {
	tr := &fakeTransport{up: false}
	c := NewClient(tr)
	c.Init(0x60)
	frame := make([]byte, 600)

	for sec := 0; sec < 5; sec++ {
		second(c, frame)
	}
	if got := len(tr.sent); got != 0 {
		t.Fatalf("sends with the link down = %d, want 0", got)
	}

	tr.up = true
	pass(c, frame)
	if got, want := len(tr.sent), 1; got != want {
		t.Fatalf("sends after link up = %d, want %d", got, want)
	}
	if got, want := tr.sent[0].msgType(), MessageTypeDiscover; got != want {
		t.Errorf("first send = %v, want %v", got, want)
	}
}

func TestLinkDownSuspendsRenewal(t *testing.T) {
	c, tr, frame := bind(t, 16)
	tr.up = false

	sends := len(tr.sent)
	for sec := 0; sec < 20; sec++ {
		second(c, frame)
	}
	if got := len(tr.sent); got != sends {
		t.Fatalf("renewals sent with the link down: %d", got-sends)
	}
	if got, want := c.State(), StateBound; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}

	tr.up = true
	pass(c, frame)
	if got, want := len(tr.sent), sends+1; got != want {
		t.Fatalf("sends after link up = %d, want %d", got, want)
	}
	if got, want := c.State(), StateRebinding; got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
}

func TestDriveRenewPassesForeignFramesThrough(t *testing.T) {
	c, _, _ := bind(t, 3600)

	// Not from the server port: stays with the caller.
	foreign := make([]byte, 300)
	binary.BigEndian.PutUint16(foreign[ipstack.UDPSrcPort:], 123)
	if got, want := c.DriveRenew(foreign, 300), 300; got != want {
		t.Errorf("DriveRenew = %d, want %d", got, want)
	}

	// A stray duplicate ACK for our transaction is consumed silently.
	ack, flen := serverReply(0x60, leaseAddr, replyOpts(MessageTypeAck, 3600))
	if got := c.DriveRenew(ack, flen); got != 0 {
		t.Errorf("DriveRenew = %d for a duplicate ACK, want 0", got)
	}
	if got, want := c.State(), StateBound; got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
}

func TestTick(t *testing.T) {
	c := NewClient(&fakeTransport{up: true})

	c.countdown.Store(5)
	c.Tick()
	if got, want := c.countdown.Load(), uint32(4); got != want {
		t.Errorf("countdown = %d, want %d", got, want)
	}

	c.countdown.Store(0)
	c.Tick()
	if got := c.countdown.Load(); got != 0 {
		t.Errorf("countdown moved off zero: %d", got)
	}

	c.countdown.Store(InfiniteLease)
	c.Tick()
	if got := c.countdown.Load(); got != InfiniteLease {
		t.Errorf("frozen countdown moved: %d", got)
	}
}
