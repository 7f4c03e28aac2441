// Package clock keeps device time: a 1 Hz second counter set from the
// network, plus the local-time rules the display follows.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock counts Unix seconds. Tick runs from timer context, everything else
// from the main loop, so the counter is atomic and nothing else is shared.
type Clock struct {
	seconds  atomic.Uint32
	syncedAt atomic.Uint32
	synced   atomic.Bool
}

// Tick advances the counter by one second.
func (c *Clock) Tick() { c.seconds.Add(1) }

// Set jumps the counter to the given Unix time and marks the clock synced.
func (c *Clock) Set(unix uint32) {
	c.seconds.Store(unix)
	c.syncedAt.Store(unix)
	c.synced.Store(true)
}

// Synced reports whether the counter has been set at least once.
func (c *Clock) Synced() bool { return c.synced.Load() }

// LastSync is the Unix time of the most recent Set, 0 if never synced.
func (c *Clock) LastSync() uint32 { return c.syncedAt.Load() }

// Now is the counter as Unix seconds.
func (c *Clock) Now() uint32 { return c.seconds.Load() }

// Local renders the counter as civil time: a fixed offset east of UTC, plus
// the EU summer-time hour when enabled.
func (c *Clock) Local(offsetMinutes int, euSummerTime bool) time.Time {
	return Localize(c.seconds.Load(), offsetMinutes, euSummerTime)
}

// Localize applies the same rules to an arbitrary Unix time, for callers
// working from a snapshot instead of the live counter.
func Localize(unix uint32, offsetMinutes int, euSummerTime bool) time.Time {
	t := time.Unix(int64(unix), 0).UTC()
	if euSummerTime && InEUSummerTime(t) {
		t = t.Add(time.Hour)
	}
	return t.Add(time.Duration(offsetMinutes) * time.Minute)
}

// InEUSummerTime reports whether t falls in the EU daylight-saving window,
// which opens and closes at 01:00 UTC on the last Sundays of March and
// October.
func InEUSummerTime(t time.Time) bool {
	t = t.UTC()
	start := lastSunday(t.Year(), time.March)
	end := lastSunday(t.Year(), time.October)
	return !t.Before(start) && t.Before(end)
}

// lastSunday finds the last Sunday of the month at 01:00 UTC.
func lastSunday(year int, month time.Month) time.Time {
	d := time.Date(year, month+1, 1, 1, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return d.AddDate(0, 0, -int(d.Weekday()))
}
