package util

import (
	"net"
)

// ClampUint8 pins v into [lo, hi].
func ClampUint8(v, lo, hi uint8) uint8 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ParseIP4 parses a dotted-quad address, nil for anything else.
func ParseIP4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

// MaskLen is the prefix length of a dotted-quad netmask, 0 for anything
// malformed.
func MaskLen(mask net.IP) int {
	m := mask.To4()
	if m == nil {
		return 0
	}
	ones, _ := net.IPMask(m).Size()
	return ones
}

// SameSubnet reports whether a and b sit in the subnet the mask describes.
func SameSubnet(a, b, mask net.IP) bool {
	a4, b4, m4 := a.To4(), b.To4(), mask.To4()
	if a4 == nil || b4 == nil || m4 == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if a4[i]&m4[i] != b4[i]&m4[i] {
			return false
		}
	}
	return true
}
