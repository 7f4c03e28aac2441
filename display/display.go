// Package display renders the clock face: an 8 character panel in the mold
// of a pair of 4 character LED modules, plus the text views the device
// cycles through.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Width is the panel width in characters.
const Width = 8

// Panel is a character display with a brightness control. Write replaces
// the whole face; shorter text is padded with spaces, longer text is cut at
// the panel edge.
type Panel interface {
	Write(text string)
	SetIntensity(level uint8)
}

// Console renders the panel on a terminal, rewriting one line in place.
// Write runs on the device loop while SetIntensity can come from a web
// request, hence the lock.
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Write(text string) {
	face := fit(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if face == c.last {
		return
	}
	c.last = face
	fmt.Fprintf(c.w, "\r%s", face)
}

// SetIntensity is accepted for interface parity; a terminal has no
// brightness to set.
func (c *Console) SetIntensity(level uint8) {}

// fit pads or truncates text to the panel width.
func fit(text string) string {
	if len(text) > Width {
		return text[:Width]
	}
	return fmt.Sprintf("%-*s", Width, text)
}

// TimeView renders the clock face. In 24 hour mode it is hh:mm:ss with a
// steady colon. In 12 hour mode the seconds give way to an am/pm marker and
// the colon blinks, dark on odd seconds.
func TimeView(t time.Time, twentyFour bool) string {
	hour := t.Hour()
	if !twentyFour && hour > 12 {
		hour -= 12
	}
	colon := ":"
	if !twentyFour && t.Second()%2 == 1 {
		colon = " "
	}
	if twentyFour {
		return fmt.Sprintf("%02d%s%02d:%02d", hour, colon, t.Minute(), t.Second())
	}
	marker := "am "
	if t.Hour() >= 12 {
		marker = "pm "
	}
	return fmt.Sprintf("%02d%s%02d%s", hour, colon, t.Minute(), marker)
}

// TempView renders temperature and humidity, e.g. "21'C 45%".
func TempView(temperature, humidity int) string {
	return fmt.Sprintf("%d'C %d%%", temperature, humidity)
}

// Marquee slides a panel-wide window over a text, one character per step,
// wrapping at the text length so the head chases the tail.
type Marquee struct {
	padded string
	length int
	index  int
}

func NewMarquee(text string) *Marquee {
	return &Marquee{padded: text + strings.Repeat(" ", Width), length: len(text)}
}

// Step returns the current window and advances by one character.
func (m *Marquee) Step() string {
	window := m.padded[m.index : m.index+Width]
	if m.length > 0 {
		m.index++
		if m.index == m.length {
			m.index = 0
		}
	}
	return window
}
