// Package clockd is the appliance core: one cooperative loop over a single
// frame buffer drives the lease machine, the bring-up walk, the display and
// the sensor, with a 1 Hz heartbeat goroutine feeding the countdowns.
package clockd

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledtime/ntpclock/bringup"
	"github.com/ledtime/ntpclock/clock"
	"github.com/ledtime/ntpclock/configuration"
	"github.com/ledtime/ntpclock/dhcp"
	"github.com/ledtime/ntpclock/display"
	"github.com/ledtime/ntpclock/dns"
	"github.com/ledtime/ntpclock/ipstack"
	"github.com/ledtime/ntpclock/netif"
	"github.com/ledtime/ntpclock/sensor"
	"github.com/ledtime/ntpclock/sntp"
)

// frameSize fits a full Ethernet frame; the loop owns exactly one.
const frameSize = 1536

// scrollSeconds is how long the leased address scrolls across the panel.
const scrollSeconds = 30

const (
	bootBanner = "NTPclock"
	waitBanner = "WaitDHCP"
)

// Status is the snapshot of the device the web pages render. The main loop
// refreshes it once a second.
type Status struct {
	MAC     net.HardwareAddr
	Addr    net.IP
	Mask    net.IP
	Gateway net.IP

	LeaseState   dhcp.State
	DHCPServer   net.IP
	LeaseSeconds uint32

	Phase         bringup.Phase
	DNSServer     net.IP
	DNSError      bool
	TimeServer    string
	TimeServerIP  net.IP
	NameserverMAC net.HardwareAddr
	TimeServerMAC net.HardwareAddr

	Synced   bool
	Now      uint32
	LastSync uint32
	Uptime   uint32

	Temperature int
	Humidity    int
	HaveReading bool
	History     sensor.History
}

// Device owns the loop. All protocol state is confined to the loop
// goroutine; the heartbeat touches only tick-safe counters, and the web
// handlers see the device through Status and the request flags.
type Device struct {
	config *configuration.Store

	link  netif.Link
	stack *ipstack.Stack
	lease *dhcp.Client
	dns   *dns.Client
	ntp   *sntp.Client
	wall  *clock.Clock
	walk  *bringup.Controller

	panel   display.Panel
	probe   sensor.Provider
	records *sensor.Recorder

	uptime    atomic.Uint32
	second    atomic.Bool
	restart   atomic.Bool
	redisplay atomic.Bool
	stop      atomic.Bool
	quit      chan struct{}
	done      chan struct{}

	// Loop-goroutine state.
	banner      *display.Marquee
	scroll      uint8
	cycle       uint8
	sensorDelay uint8
	temperature int
	humidity    int
	haveReading bool
	probeFailed bool

	statusMu sync.Mutex
	status   Status
}

// NewDevice wires the protocol clients around one link. The low byte of the
// station address seeds the DHCP transaction octet and the NTP port walk.
// probe may be nil when the board has no sensor attached.
func NewDevice(store *configuration.Store, link netif.Link, panel display.Panel, probe sensor.Provider) *Device {
	var seed uint8
	if mac := link.MAC(); len(mac) == 6 {
		seed = mac[5]
	}

	stack := ipstack.New(link)
	lease := dhcp.NewClient(stack)
	resolver := dns.NewClient(stack)
	timeSource := sntp.NewClient(stack, seed)
	wall := &clock.Clock{}
	walk := bringup.NewController(stack, lease, resolver, timeSource, wall, seed)

	conf := store.Get()
	walk.Configure(conf.NTP.Server, conf.NTP.ResyncSeconds)

	d := &Device{
		config:  store,
		link:    link,
		stack:   stack,
		lease:   lease,
		dns:     resolver,
		ntp:     timeSource,
		wall:    wall,
		walk:    walk,
		panel:   panel,
		probe:   probe,
		records: &sensor.Recorder{},
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	stack.SetPingCallback(func(src net.IP) {
		log.Printf("ICMP request from %s", src)
	})

	return d
}

// Start brings up the loop and the heartbeat and returns.
func (d *Device) Start() {
	log.Println("Starting device.")

	d.panel.SetIntensity(d.config.Get().Display.Intensity)
	d.panel.Write(bootBanner)

	go d.heartbeat()
	go d.run()

	log.Println("Started device.")
}

// Shutdown stops the heartbeat and the loop and releases the link. Call it
// once.
func (d *Device) Shutdown() {
	log.Println("Stopping device.")

	d.stop.Store(true)
	close(d.quit)
	d.link.Close()
	<-d.done

	log.Println("Stopped device.")
}

// Clock exposes the device clock, read-only use.
func (d *Device) Clock() *clock.Clock { return d.wall }

// Status returns the latest snapshot for the web handlers.
func (d *Device) Status() Status {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

// ClearHistory wipes the recorded temperature extremes.
func (d *Device) ClearHistory() {
	d.records.Clear()
}

// Reconfigure asks the loop to pick up changed settings and redo the
// bring-up walk, the appliance equivalent of a reboot. Safe to call from
// the web handlers.
func (d *Device) Reconfigure() {
	d.restart.Store(true)
}

// ApplyDisplay asks the loop to pick up changed display settings.
func (d *Device) ApplyDisplay() {
	d.redisplay.Store(true)
}

func (d *Device) run() {
	frame := make([]byte, frameSize)
	for !d.stop.Load() {
		d.pass(frame)
	}
	close(d.done)
}

func (d *Device) heartbeat() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-d.quit:
			return
		}
	}
}

// tick is the 1 Hz fan-out. Everything it touches is tick-safe by contract:
// countdown decrements and flags, no protocol state.
func (d *Device) tick() {
	d.lease.Tick()
	d.walk.Tick()
	d.wall.Tick()
	d.uptime.Add(1)
	d.second.Store(true)
}

// pass runs one loop iteration: one receive attempt, then either frame
// classification or the idle work. Received frames flow through the lease
// machine first (which may overwrite the buffer with its reply), then the
// stack's housekeeping, then the UDP clients. Idle passes advance the walk,
// run the acquisition and renewal timers, and once a second the chores.
func (d *Device) pass(frame []byte) {
	flen, err := d.link.Read(frame)
	if err != nil {
		if d.stop.Load() {
			return
		}
		log.Println("Link read failed.", err)
		return
	}

	if flen > 0 {
		if d.lease.DriveInitial(frame, flen) {
			d.leaseAcquired()
		}
		flen = d.lease.DriveRenew(frame, flen)
		if flen == 0 {
			return
		}
		if d.stack.HandleFrame(frame, flen) {
			return
		}
		if d.dns.CheckAnswer(frame, flen) {
			return
		}
		d.ntp.CheckAnswer(frame, flen)
		return
	}

	d.walk.Step(frame)
	d.lease.DriveInitial(frame, 0)
	d.lease.DriveRenew(frame, 0)

	if d.second.Swap(false) {
		d.everySecond()
	}
}

// leaseAcquired starts the address scroll. The walk logs the lease itself
// when it picks the snapshot up.
func (d *Device) leaseAcquired() {
	var snap dhcp.Snapshot
	d.lease.Snapshot(&snap)
	d.banner = display.NewMarquee(snap.Addr.String())
	d.scroll = scrollSeconds
}

func (d *Device) everySecond() {
	if d.restart.Swap(false) {
		conf := d.config.Get()
		d.walk.Configure(conf.NTP.Server, conf.NTP.ResyncSeconds)
		d.walk.Restart()
		log.Println("Configuration changed, starting over.")
	}
	if d.redisplay.Swap(false) {
		d.panel.SetIntensity(d.config.Get().Display.Intensity)
	}

	d.pollSensor()
	d.updateDisplay()
	d.refreshStatus()
}

// pollSensor reads the probe every PollSeconds. Extremes are recorded only
// once the clock is synced, so the timestamps mean something.
func (d *Device) pollSensor() {
	if d.probe == nil {
		return
	}
	if d.sensorDelay > 0 {
		d.sensorDelay--
		return
	}
	d.sensorDelay = sensor.PollSeconds - 1

	temperature, humidity, err := d.probe.Read()
	if err != nil {
		if !d.probeFailed {
			log.Println("Sensor read failed.", err)
			d.probeFailed = true
		}
		return
	}
	d.probeFailed = false
	d.temperature = temperature
	d.humidity = humidity
	d.haveReading = true
	if d.wall.Synced() {
		d.records.Record(temperature, humidity, d.wall.Now())
	}
}

// updateDisplay picks the face for this second: the address scroll right
// after a lease, the wait banner until the clock is set, then the clock
// alternating with the temperature on seconds 6 through 9 of each cycle.
func (d *Device) updateDisplay() {
	conf := d.config.Get()

	if d.banner != nil && d.scroll > 0 {
		d.scroll--
		d.panel.Write(d.banner.Step())
		return
	}

	if !d.wall.Synced() {
		d.panel.Write(waitBanner)
		return
	}

	d.cycle++
	if d.cycle > 9 {
		d.cycle = 0
	}
	if d.cycle > 5 && conf.Display.ShowTemperature && d.haveReading {
		d.panel.Write(display.TempView(d.temperature, d.humidity))
		return
	}
	local := d.wall.Local(conf.Clock.UTCOffsetMinutes, conf.Clock.EUSummerTime)
	d.panel.Write(display.TimeView(local, conf.Display.Mode24h))
}

func (d *Device) refreshStatus() {
	conf := d.config.Get()
	var snap dhcp.Snapshot
	d.lease.Snapshot(&snap)

	st := Status{
		MAC:           d.link.MAC(),
		Addr:          snap.Addr,
		Mask:          snap.Mask,
		Gateway:       snap.Gateway,
		LeaseState:    snap.State,
		DHCPServer:    snap.ServerID,
		LeaseSeconds:  snap.LeaseSeconds,
		Phase:         d.walk.Phase(),
		DNSServer:     snap.DNS,
		DNSError:      d.dns.Err(),
		TimeServer:    conf.NTP.Server,
		TimeServerIP:  d.walk.TimeServerAddr(),
		NameserverMAC: d.walk.NameserverMAC(),
		TimeServerMAC: d.walk.TimeServerMAC(),
		Synced:        d.wall.Synced(),
		Now:           d.wall.Now(),
		LastSync:      d.wall.LastSync(),
		Uptime:        d.uptime.Load(),
		Temperature:   d.temperature,
		Humidity:      d.humidity,
		HaveReading:   d.haveReading,
		History:       d.records.History(),
	}

	d.statusMu.Lock()
	d.status = st
	d.statusMu.Unlock()
}
