package netif

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/raw"
)

// Link is the wire the appliance hangs off: carrier state, a broadcast RX
// filter in the spirit of a small NIC's address filter, and raw frame IO.
// Read polls: it returns 0 when nothing arrived within the poll interval, so
// the cooperative loop can interleave its idle work.
type Link interface {
	Up() bool
	SetBroadcast(on bool)
	MAC() net.HardwareAddr
	Read(frame []byte) (int, error)
	Write(frame []byte) error
	Close() error
}

// ETH_P_ALL; the one socket has to see ARP next to IPv4.
const etherTypeAll = 0x0003

const defaultPollInterval = 20 * time.Millisecond

var broadcastAddr = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// RawLink drives a real interface through an AF_PACKET socket.
type RawLink struct {
	conn  *raw.Conn
	ifi   *net.Interface
	mac   net.HardwareAddr
	bcast bool
	poll  time.Duration
}

// Open listens on the named interface. A non-nil mac overrides the station
// address: frames go out with it and the socket is switched to promiscuous
// mode so unicast answers to the substitute address still arrive.
func Open(name string, mac net.HardwareAddr) (*RawLink, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface '%s': %v", name, err)
	}

	conn, err := raw.ListenPacket(ifi, etherTypeAll, &raw.Config{})
	if err != nil {
		return nil, fmt.Errorf("listen on '%s': %v", name, err)
	}

	l := &RawLink{conn: conn, ifi: ifi, mac: ifi.HardwareAddr, poll: defaultPollInterval}
	if len(mac) == 6 && !bytes.Equal(mac, ifi.HardwareAddr) {
		if err := conn.SetPromiscuous(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("promiscuous mode for substitute MAC: %v", err)
		}
		l.mac = mac
	}
	return l, nil
}

func (l *RawLink) Name() string { return l.ifi.Name }

func (l *RawLink) MAC() net.HardwareAddr { return l.mac }

func (l *RawLink) SetBroadcast(on bool) { l.bcast = on }

// Up re-reads the interface flags so carrier loss shows up without a
// subscription. Called once per idle pass, which is cheap enough.
func (l *RawLink) Up() bool {
	ifi, err := net.InterfaceByName(l.ifi.Name)
	if err != nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagRunning != 0
}

// Read fills frame with the next acceptable frame, or returns 0 after the
// poll interval. The address filter mimics a small NIC: unicast to our MAC
// always, broadcast only while the broadcast filter is open, no multicast.
func (l *RawLink) Read(frame []byte) (int, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(l.poll)); err != nil {
		return 0, err
	}
	for {
		n, _, err := l.conn.ReadFrom(frame)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, nil
			}
			return 0, err
		}
		if n < 14 {
			continue
		}
		dst := frame[0:6]
		if bytes.Equal(dst, l.mac) {
			return n, nil
		}
		if l.bcast && bytes.Equal(dst, broadcastAddr) {
			return n, nil
		}
	}
}

func (l *RawLink) Write(frame []byte) error {
	if len(frame) < 14 {
		return fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	addr := &raw.Addr{HardwareAddr: net.HardwareAddr(frame[0:6])}
	_, err := l.conn.WriteTo(frame, addr)
	return err
}

func (l *RawLink) Close() error { return l.conn.Close() }
