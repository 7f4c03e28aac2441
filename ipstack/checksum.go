package ipstack

import "encoding/binary"

// Internet checksum, RFC 1071. sum accumulates 16-bit words so that several
// regions (pseudo header, then payload) can be chained before folding.
func sum16(b []byte, sum uint32) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

func foldSum(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// ipChecksum computes the header checksum over the 20 byte IPv4 header at
// frame[IPHeader:]. The checksum field itself must be zero on entry.
func ipChecksum(frame []byte) uint16 {
	return foldSum(sum16(frame[IPHeader:IPHeader+IPHeaderLen], 0))
}

// udpChecksum computes the UDP checksum including the IPv4 pseudo header.
// The UDP length field must already be set and the checksum field zeroed.
func udpChecksum(frame []byte, udpLen int) uint16 {
	sum := sum16(frame[IPSrc:IPSrc+8], 0) // src + dst address
	sum += protoUDP
	sum += uint32(udpLen)
	sum = sum16(frame[UDPSrcPort:UDPSrcPort+udpLen], sum)
	ck := foldSum(sum)
	if ck == 0 {
		ck = 0xffff // RFC 768: transmitted as all ones
	}
	return ck
}
