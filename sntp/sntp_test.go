package sntp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ledtime/ntpclock/ipstack"
	"github.com/ledtime/ntpclock/netif"
)

var (
	clientMAC = net.HardwareAddr{0x54, 0x10, 0xec, 0x00, 0x28, 0x60}
	serverMAC = net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	clientIP  = net.IP{192, 168, 1, 9}
	serverIP  = net.IP{17, 253, 14, 125}
	netMask   = net.IP{255, 255, 255, 0}
)

func newTestClient() (*Client, *netif.Pipe) {
	link := netif.NewPipe(clientMAC)
	st := ipstack.New(link)
	st.Configure(clientIP, netMask, net.IP{192, 168, 1, 1})
	c := NewClient(st, clientMAC[5])
	c.SetServer(serverIP, serverMAC)
	return c, link
}

// serverAnswer builds a checksummed server-mode reply carrying unix seconds
// in the transmit timestamp.
func serverAnswer(t *testing.T, dstPort uint16, unix uint32) []byte {
	t.Helper()
	payload := make([]byte, payloadSize)
	payload[0] = 0x24 // LI 0, version 4, server mode
	payload[1] = 2    // stratum
	binary.BigEndian.PutUint64(payload[40:], uint64(eraOffset+unix)<<32)

	link := netif.NewPipe(serverMAC)
	st := ipstack.New(link)
	st.Configure(serverIP, netMask, serverIP)
	frame := make([]byte, 600)
	st.PrepareUDP(frame, dstPort, clientMAC, Port, clientIP)
	copy(frame[ipstack.UDPData:], payload)
	if err := st.TransmitUDP(frame, len(payload)); err != nil {
		t.Fatalf("TransmitUDP: %v", err)
	}
	return link.Sent()[0]
}

// requestPort digs the chosen source port out of a transmitted request.
func requestPort(t *testing.T, frame []byte) uint16 {
	t.Helper()
	pack := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	udp, ok := pack.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatalf("no UDP layer in the request frame: %v", pack.ErrorLayer())
	}
	if got, want := udp.DstPort, layers.UDPPort(Port); got != want {
		t.Errorf("destination port = %d, want %d", got, want)
	}
	return uint16(udp.SrcPort)
}

func TestRequest(t *testing.T) {
	c, link := newTestClient()
	frame := make([]byte, 600)
	if err := c.Request(frame); err != nil {
		t.Fatalf("Request: %v", err)
	}

	sent := link.Sent()
	if got, want := len(sent), 1; got != want {
		t.Fatalf("frames sent = %d, want %d", got, want)
	}
	srcPort := requestPort(t, sent[0])
	if got, want := srcPort, basePort+uint16(clientMAC[5])+1; got != want {
		t.Errorf("source port = %#x, want %#x", got, want)
	}

	pack := gopacket.NewPacket(sent[0], layers.LayerTypeEthernet, gopacket.Default)
	udp := pack.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if got, want := len(udp.Payload), payloadSize; got != want {
		t.Fatalf("payload length = %d, want %d", got, want)
	}
	if got, want := udp.Payload[0], byte(0x23); got != want {
		t.Errorf("first octet = %#x, want %#x (client mode, version 4)", got, want)
	}
	for i, b := range udp.Payload[1:] {
		if b != 0 {
			t.Fatalf("payload octet %d = %#x, want 0", i+1, b)
		}
	}

	// The next attempt walks one port further.
	if err := c.Request(frame); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got, want := requestPort(t, link.Sent()[1]), srcPort+1; got != want {
		t.Errorf("second source port = %#x, want %#x", got, want)
	}
}

func TestAnswerSetsTime(t *testing.T) {
	c, link := newTestClient()
	frame := make([]byte, 600)
	if err := c.Request(frame); err != nil {
		t.Fatalf("Request: %v", err)
	}
	port := requestPort(t, link.Sent()[0])

	const unix = 1700000000
	ans := serverAnswer(t, port, unix)
	if !c.CheckAnswer(ans, len(ans)) {
		t.Fatal("answer not consumed")
	}
	if !c.HaveTime() {
		t.Fatal("no time recorded")
	}
	if got, want := c.Time(), uint32(unix); got != want {
		t.Errorf("time = %d, want %d", got, want)
	}

	c.Reset()
	if c.HaveTime() {
		t.Error("Reset kept the answer")
	}
}

func TestAnswerRejections(t *testing.T) {
	c, link := newTestClient()
	frame := make([]byte, 600)
	if err := c.Request(frame); err != nil {
		t.Fatalf("Request: %v", err)
	}
	port := requestPort(t, link.Sent()[0])

	t.Run("own request echoed", func(t *testing.T) {
		echo := link.Sent()[0]
		if c.CheckAnswer(echo, len(echo)) {
			t.Error("own request consumed as an answer")
		}
	})

	t.Run("zero transmit timestamp", func(t *testing.T) {
		ans := serverAnswer(t, port, 0)
		// Careful: the helper adds the era offset, rebuild a true zero.
		copy(ans[len(ans)-8:], make([]byte, 8))
		// The UDP checksum no longer matches, which is fine: the filter
		// does not verify it, the timestamp gate does the rejecting.
		if !c.CheckAnswer(ans, len(ans)) {
			t.Fatal("zeroed answer not consumed")
		}
		if c.HaveTime() {
			t.Error("zero transmit timestamp set the time")
		}
	})

	t.Run("client mode packet", func(t *testing.T) {
		ans := serverAnswer(t, port, 1700000000)
		ans[ipstack.UDPData] = 0x23
		if !c.CheckAnswer(ans, len(ans)) {
			t.Fatal("mismatched mode not consumed")
		}
		if c.HaveTime() {
			t.Error("client-mode packet set the time")
		}
	})
}
