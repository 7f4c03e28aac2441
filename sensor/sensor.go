// Package sensor polls the temperature and humidity probe and records the
// extremes seen since power-up or the last clear.
package sensor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// PollSeconds is how often the device reads the probe.
const PollSeconds = 10

// Provider reads the probe. Values are integer degrees Celsius and percent
// relative humidity.
type Provider interface {
	Read() (temperature, humidity int, err error)
}

// Sysfs reads a hwmon or iio style probe: files holding ASCII integers in
// thousandths of a degree and of a percent.
type Sysfs struct {
	TempPath     string
	HumidityPath string
}

func (s *Sysfs) Read() (int, int, error) {
	temperature, err := readMilli(s.TempPath)
	if err != nil {
		return 0, 0, err
	}
	humidity, err := readMilli(s.HumidityPath)
	if err != nil {
		return 0, 0, err
	}
	return temperature, humidity, nil
}

func readMilli(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("probe file '%s': %v", path, err)
	}
	return v / 1000, nil
}

// Extreme is one recorded extreme and the wall-clock second it was seen.
type Extreme struct {
	Value int
	At    uint32
}

// History is the four extremes since the last clear.
type History struct {
	HighTemp Extreme
	LowTemp  Extreme
	HighHum  Extreme
	LowHum   Extreme
}

// Recorder keeps the history. Record runs on the device loop; the web UI
// reads and clears from its own goroutine, hence the lock.
type Recorder struct {
	mu   sync.Mutex
	seen bool
	hist History
}

// Record folds one reading into the history. The first reading after a
// clear seeds all four extremes.
func (r *Recorder) Record(temperature, humidity int, at uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seen {
		r.seen = true
		e := Extreme{Value: temperature, At: at}
		r.hist.HighTemp, r.hist.LowTemp = e, e
		e = Extreme{Value: humidity, At: at}
		r.hist.HighHum, r.hist.LowHum = e, e
		return
	}
	if temperature > r.hist.HighTemp.Value {
		r.hist.HighTemp = Extreme{Value: temperature, At: at}
	}
	if temperature < r.hist.LowTemp.Value {
		r.hist.LowTemp = Extreme{Value: temperature, At: at}
	}
	if humidity > r.hist.HighHum.Value {
		r.hist.HighHum = Extreme{Value: humidity, At: at}
	}
	if humidity < r.hist.LowHum.Value {
		r.hist.LowHum = Extreme{Value: humidity, At: at}
	}
}

// History returns a copy of the current extremes.
func (r *Recorder) History() History {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hist
}

// Clear drops the history; the next reading reseeds it.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = false
	r.hist = History{}
}
