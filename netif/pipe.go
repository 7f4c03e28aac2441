package netif

import (
	"net"
	"sync"
)

// Pipe is an in-memory Link. Tests inject inbound frames and inspect what the
// device transmitted; the carrier and the broadcast filter are plain knobs.
type Pipe struct {
	mu    sync.Mutex
	up    bool
	bcast bool
	mac   net.HardwareAddr
	rx    [][]byte
	tx    [][]byte
}

func NewPipe(mac net.HardwareAddr) *Pipe {
	return &Pipe{up: true, mac: mac}
}

func (p *Pipe) Up() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.up
}

func (p *Pipe) SetUp(up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up = up
}

func (p *Pipe) SetBroadcast(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bcast = on
}

func (p *Pipe) Broadcast() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bcast
}

func (p *Pipe) MAC() net.HardwareAddr { return p.mac }

// Inject queues an inbound frame for the next Read.
func (p *Pipe) Inject(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, append([]byte(nil), frame...))
}

func (p *Pipe) Read(frame []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rx) == 0 {
		return 0, nil
	}
	next := p.rx[0]
	p.rx = p.rx[1:]
	return copy(frame, next), nil
}

func (p *Pipe) Write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tx = append(p.tx, append([]byte(nil), frame...))
	return nil
}

// Sent returns the transmitted frames so far.
func (p *Pipe) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.tx))
	copy(out, p.tx)
	return out
}

func (p *Pipe) Close() error { return nil }
