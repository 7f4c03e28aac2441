package configuration

import (
	"io/ioutil"
	"log"
	"net"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

type Configuration struct {
	Network NetworkConfig
	NTP     NTPConfig `yaml:"ntp"`
	Clock   ClockConfig
	Display DisplayConfig
	Web     WebConfig
}

type NetworkConfig struct {
	Interface string
	MAC       string `yaml:"mac"`
}

// HardwareAddr returns the configured MAC override, or nil when the
// interface's own address should be used.
func (n NetworkConfig) HardwareAddr() net.HardwareAddr {
	if n.MAC == "" {
		return nil
	}
	mac, err := net.ParseMAC(n.MAC)
	if err != nil {
		log.Printf("Can't parse '%s' as MAC address: %s", n.MAC, err)
		return nil
	}
	return mac
}

type NTPConfig struct {
	Server        string
	ResyncSeconds uint32 `yaml:"resync_seconds"`
}

type ClockConfig struct {
	UTCOffsetMinutes int  `yaml:"utc_offset_minutes"`
	EUSummerTime     bool `yaml:"eu_summer_time"`
}

type DisplayConfig struct {
	Mode24h         bool `yaml:"mode_24h"`
	ShowTemperature bool `yaml:"show_temperature"`
	Intensity       uint8
}

type WebConfig struct {
	Listen   string
	Password string
}

// Default is the factory configuration the device falls back to.
func Default() Configuration {
	return Configuration{
		Network: NetworkConfig{Interface: "eth0"},
		NTP:     NTPConfig{Server: "time.apple.com", ResyncSeconds: 3600},
		Clock:   ClockConfig{UTCOffsetMinutes: 60, EUSummerTime: true},
		Display: DisplayConfig{Mode24h: true, ShowTemperature: true, Intensity: 4},
		Web:     WebConfig{Listen: ":80", Password: "secret"},
	}
}

// ReadConfig loads filename over the defaults. A missing file is not an
// error; the defaults stand until the first save writes them out.
func ReadConfig(filename string) (conf Configuration, err error) {
	conf = Default()

	rawFile, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		log.Printf("No config file at '%s', running on defaults", filename)
		return conf, nil
	}
	if err != nil {
		log.Println("Can't read config file.", err)
		return conf, err
	}

	err = yaml.UnmarshalStrict(rawFile, &conf)
	if err != nil {
		log.Println("Can't parse config file.", err)
		return conf, err
	}

	return conf, err
}

// Save writes the configuration back out.
func Save(filename string, conf Configuration) error {
	rawFile, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, rawFile, 0644)
}

// Store is the shared view of the live configuration. The device loop and
// the web handlers read it; updates from the web handlers replace it whole
// and persist it.
type Store struct {
	mu       sync.RWMutex
	filename string
	conf     Configuration
}

func NewStore(filename string, conf Configuration) *Store {
	return &Store{filename: filename, conf: conf}
}

// Get returns the current configuration by value.
func (s *Store) Get() Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conf
}

// Update replaces the configuration and persists it.
func (s *Store) Update(conf Configuration) error {
	s.mu.Lock()
	s.conf = conf
	s.mu.Unlock()
	return Save(s.filename, conf)
}
