package layers

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"deepTide/utils/binary"
)

// Ethernet/IPv4 profile request: aa:bb:cc:dd:ee:ff at 192.168.1.10 asking
// who has 192.168.1.1.
var sampleRequest = []byte{
	0x00, 0x01, // hardware type: ethernet
	0x08, 0x00, // protocol type: ipv4
	0x06, 0x04, // address lengths
	0x00, 0x01, // op: request
	0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, // sender hardware
	0xc0, 0xa8, 0x01, 0x0a, // sender protocol
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, // target hardware
	0xc0, 0xa8, 0x01, 0x01, // target protocol
}

// Matching reply: de:ad:be:ef:de:ad answers for 192.168.1.1.
var sampleReply = []byte{
	0x00, 0x01,
	0x08, 0x00,
	0x06, 0x04,
	0x00, 0x02, // op: reply
	0xde, 0xad, 0xbe, 0xef, 0xde, 0xad,
	0xc0, 0xa8, 0x01, 0x01,
	0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	0xc0, 0xa8, 0x01, 0x0a,
}

func TestARP_GetAll(t *testing.T) {
	p := append([]byte(nil), sampleRequest...)

	arp := *(*ARP)(&p)
	assert.Equal(t, ARPHardwareEthernet, binary.Htons16(arp.GetHardwareType()))
	assert.Equal(t, EthernetTypeIPv4, binary.Htons16(arp.GetProtocolType()))
	assert.Equal(t, uint8(6), arp.GetHardwareAddressLength())
	assert.Equal(t, uint8(4), arp.GetProtocolAddressLength())
	assert.Equal(t, ARPRequest, binary.Htons16(arp.GetOpCode()))
	assert.Equal(t, LengthARPIPv4, arp.Length())

	assert.Equal(t, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, arp.GetSenderHardwareAddress())
	assert.Equal(t, net.IP{192, 168, 1, 10}, arp.GetSenderProtocolAddress())
	assert.Equal(t, net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, arp.GetTargetHardwareAddress())
	assert.Equal(t, net.IP{192, 168, 1, 1}, arp.GetTargetProtocolAddress())
}

func TestARP_SetAll(t *testing.T) {
	p := make([]byte, LengthARPIPv4)

	arp := *(*ARP)(&p)
	arp.SetHardwareType(binary.Htons16(ARPHardwareEthernet))
	arp.SetProtocolType(binary.Htons16(EthernetTypeIPv4))
	arp.SetHardwareAddressLength(6)
	arp.SetProtocolAddressLength(4)
	arp.SetOpCode(binary.Htons16(ARPReply))
	arp.SetSenderHardwareAddress(net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0xde, 0xad})
	arp.SetSenderProtocolAddress(net.IP{192, 168, 1, 1})
	arp.SetTargetHardwareAddress(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	arp.SetTargetProtocolAddress(net.IP{192, 168, 1, 10})

	assert.Equal(t, sampleReply, p)
}

func TestARP_NonDefaultLengths(t *testing.T) {
	// 8 byte hardware addresses, 16 byte protocol addresses: offsets must
	// follow the length fields, not the Ethernet/IPv4 profile.
	p := make([]byte, LengthARPFixed+2*8+2*16)

	arp := *(*ARP)(&p)
	arp.SetHardwareAddressLength(8)
	arp.SetProtocolAddressLength(16)
	arp.SetSenderHardwareAddress(net.HardwareAddr{1, 2, 3, 4, 5, 6, 7, 8})
	arp.SetTargetProtocolAddress(net.IP{
		0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0x99,
	})

	assert.Equal(t, LengthARPFixed+2*8+2*16, arp.Length())
	assert.Equal(t, net.HardwareAddr{1, 2, 3, 4, 5, 6, 7, 8}, arp.GetSenderHardwareAddress())
	assert.Equal(t, byte(0x99), p[len(p)-1])
}

func TestParseARP(t *testing.T) {
	arp, err := ParseARP(sampleRequest)
	assert.Nil(t, err)
	assert.Equal(t, ARPRequest, binary.Htons16(arp.GetOpCode()))
	assert.Equal(t, net.IP{192, 168, 1, 1}, arp.GetTargetProtocolAddress())
}

func TestParseARP_Truncated(t *testing.T) {
	for i := 0; i < LengthARPIPv4; i++ {
		_, err := ParseARP(sampleRequest[:i])
		assert.Equal(t, ErrTruncated, err, "length %d", i)
	}

	// The claimed length wins over the profile length.
	p := append([]byte(nil), sampleRequest...)
	p[5] = 16
	_, err := ParseARP(p)
	assert.Equal(t, ErrTruncated, err)
}

func TestParseARP_PreservesUnknownValues(t *testing.T) {
	p := append([]byte(nil), sampleRequest...)
	p[0], p[1] = 0x00, 0x16 // hardware type 22
	p[6], p[7] = 0x00, 0x09 // op 9

	arp, err := ParseARP(p)
	assert.Nil(t, err)
	assert.Equal(t, uint16(22), binary.Htons16(arp.GetHardwareType()))
	assert.Equal(t, uint16(9), binary.Htons16(arp.GetOpCode()))
}

func TestBuildARPRequest(t *testing.T) {
	buf := make([]byte, LengthARPIPv4)
	arp, err := BuildARPRequest(buf,
		net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		net.IP{192, 168, 1, 10},
		net.IP{192, 168, 1, 1})
	assert.Nil(t, err)
	assert.Equal(t, sampleRequest, []byte(arp))

	// 16 byte v4-mapped input is accepted.
	arp, err = BuildARPRequest(buf,
		net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		net.ParseIP("192.168.1.10"),
		net.ParseIP("192.168.1.1"))
	assert.Nil(t, err)
	assert.Equal(t, sampleRequest, []byte(arp))
}

func TestBuildARPReply(t *testing.T) {
	buf := make([]byte, LengthARPIPv4)
	arp, err := BuildARPReply(buf,
		net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0xde, 0xad},
		net.IP{192, 168, 1, 1},
		net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		net.IP{192, 168, 1, 10})
	assert.Nil(t, err)
	assert.Equal(t, sampleReply, []byte(arp))
}

func TestBuildARP_Errors(t *testing.T) {
	hw := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	ip := net.IP{192, 168, 1, 10}

	_, err := BuildARPRequest(make([]byte, LengthARPIPv4-1), hw, ip, ip)
	assert.Equal(t, ErrTruncated, err)

	_, err = BuildARPRequest(make([]byte, LengthARPIPv4), net.HardwareAddr{1, 2, 3}, ip, ip)
	assert.Equal(t, ErrInvalidAddress, err)

	_, err = BuildARPRequest(make([]byte, LengthARPIPv4), hw, net.ParseIP("2001:db8::1"), ip)
	assert.Equal(t, ErrInvalidAddress, err)
}

func TestNewARPRequest_RoundTrip(t *testing.T) {
	built, err := NewARPRequest(
		net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		net.IP{192, 168, 1, 10},
		net.IP{192, 168, 1, 1})
	assert.Nil(t, err)

	arp, err := ParseARP(built)
	assert.Nil(t, err)
	assert.Equal(t, ARPRequest, binary.Htons16(arp.GetOpCode()))
	assert.Equal(t, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, arp.GetSenderHardwareAddress())
	assert.Equal(t, Broadcast, arp.GetTargetHardwareAddress())
	assert.Equal(t, net.IP{192, 168, 1, 1}, arp.GetTargetProtocolAddress())
}
