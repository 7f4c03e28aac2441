package ipstack

// Frame offsets for the fixed Ethernet + IPv4 + UDP envelope. The whole
// appliance works on one scratch buffer holding a complete frame, so every
// protocol layer addresses its fields at absolute positions. An IPv4 header
// with options (IHL > 5) does not occur on this path and is rejected on read.
const (
	EthDst       = 0
	EthSrc       = 6
	EthType      = 12
	EthHeaderLen = 14

	IPHeader    = 14
	IPTotalLen  = 16
	IPID        = 18
	IPFlags     = 20
	IPTTL       = 22
	IPProto     = 23
	IPChecksum  = 24
	IPSrc       = 26
	IPDst       = 30
	IPHeaderLen = 20

	UDPSrcPort   = 34
	UDPDstPort   = 36
	UDPLen       = 38
	UDPChecksum  = 40
	UDPData      = 42
	UDPHeaderLen = 8
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
	protoUDP      = 17
	protoICMP     = 1
)
