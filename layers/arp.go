package layers

import (
	"net"
	"unsafe"

	"github.com/pkg/errors"

	"deepTide/utils/binary"
)

// ErrTruncated is returned when a buffer is shorter than the header it is
// supposed to hold.
var ErrTruncated = errors.New("truncated header")

// ErrInvalidAddress is returned by the builders when an address does not fit
// the Ethernet/IPv4 profile.
var ErrInvalidAddress = errors.New("invalid address length")

const (
	ARPRequest uint16 = 0x0001
	ARPReply   uint16 = 0x0002
)

// ARP hardware address spaces, per RFC 826 and the IANA arp-parameters
// registry.
const (
	ARPHardwareEthernet     uint16 = 1
	ARPHardwareExpEthernet  uint16 = 2
	ARPHardwareAX25         uint16 = 3
	ARPHardwareTokenRing    uint16 = 4
	ARPHardwareChaos        uint16 = 5
	ARPHardwareIEEE802      uint16 = 6
	ARPHardwareARCNET       uint16 = 7
	ARPHardwareFrameRelay   uint16 = 15
	ARPHardwareATM          uint16 = 16
	ARPHardwareHDLC         uint16 = 17
	ARPHardwareFibreChannel uint16 = 18
	ARPHardwareIEEE1394     uint16 = 24
	ARPHardwareInfiniband   uint16 = 32
)

const (
	// LengthARPFixed is the fixed part of the header: hardware type,
	// protocol type, the two address lengths and the operation code.
	LengthARPFixed = 8

	// LengthARPIPv4 is the full header under the Ethernet/IPv4 profile
	// (6 byte hardware addresses, 4 byte protocol addresses).
	LengthARPIPv4 = 28
)

// ARP is the layer for ARP headers.
// [0:2] is HardwareType, [2:4] is ProtocolType
// [4] is HardwareAddressLength, [5] is ProtocolAddressLength
// [6:8] is OpCode
// The four addresses follow, at offsets derived from the length fields.
//
// Scalar accessors read and write in native byte order; callers match the
// wire with utils/binary. Address accessors return views into the buffer,
// not copies. The two length fields must be written before any address
// accessor is used.

type ARP []byte

func (a *ARP) GetHardwareType() uint16 {
	return *(*uint16)(unsafe.Pointer(&((*a)[0])))
}

func (a *ARP) SetHardwareType(u uint16) {
	(*a)[0] = (*(*[2]byte)(unsafe.Pointer(&u)))[0]
	(*a)[1] = (*(*[2]byte)(unsafe.Pointer(&u)))[1]
}

func (a *ARP) GetProtocolType() uint16 {
	return *(*uint16)(unsafe.Pointer(&((*a)[2])))
}

func (a *ARP) SetProtocolType(u uint16) {
	(*a)[2] = (*(*[2]byte)(unsafe.Pointer(&u)))[0]
	(*a)[3] = (*(*[2]byte)(unsafe.Pointer(&u)))[1]
}

func (a *ARP) GetHardwareAddressLength() uint8 {
	return (*a)[4]
}

func (a *ARP) SetHardwareAddressLength(u uint8) {
	(*a)[4] = u
}

func (a *ARP) GetProtocolAddressLength() uint8 {
	return (*a)[5]
}

func (a *ARP) SetProtocolAddressLength(u uint8) {
	(*a)[5] = u
}

func (a *ARP) GetOpCode() uint16 {
	return *(*uint16)(unsafe.Pointer(&((*a)[6])))
}

func (a *ARP) SetOpCode(u uint16) {
	(*a)[6] = (*(*[2]byte)(unsafe.Pointer(&u)))[0]
	(*a)[7] = (*(*[2]byte)(unsafe.Pointer(&u)))[1]
}

// Length is the full header length implied by the two length fields.
func (a *ARP) Length() int {
	return LengthARPFixed + 2*int(a.GetHardwareAddressLength()) + 2*int(a.GetProtocolAddressLength())
}

func (a *ARP) GetSenderHardwareAddress() net.HardwareAddr {
	hl := int(a.GetHardwareAddressLength())
	t := (*a)[LengthARPFixed : LengthARPFixed+hl]
	return *(*net.HardwareAddr)(&t)
}

func (a *ARP) SetSenderHardwareAddress(addr net.HardwareAddr) {
	hl := int(a.GetHardwareAddressLength())
	copy((*a)[LengthARPFixed:LengthARPFixed+hl], addr)
}

func (a *ARP) GetSenderProtocolAddress() net.IP {
	hl := int(a.GetHardwareAddressLength())
	pl := int(a.GetProtocolAddressLength())
	t := (*a)[LengthARPFixed+hl : LengthARPFixed+hl+pl]
	return *(*net.IP)(&t)
}

func (a *ARP) SetSenderProtocolAddress(addr net.IP) {
	hl := int(a.GetHardwareAddressLength())
	pl := int(a.GetProtocolAddressLength())
	copy((*a)[LengthARPFixed+hl:LengthARPFixed+hl+pl], addr)
}

func (a *ARP) GetTargetHardwareAddress() net.HardwareAddr {
	hl := int(a.GetHardwareAddressLength())
	pl := int(a.GetProtocolAddressLength())
	off := LengthARPFixed + hl + pl
	t := (*a)[off : off+hl]
	return *(*net.HardwareAddr)(&t)
}

func (a *ARP) SetTargetHardwareAddress(addr net.HardwareAddr) {
	hl := int(a.GetHardwareAddressLength())
	pl := int(a.GetProtocolAddressLength())
	off := LengthARPFixed + hl + pl
	copy((*a)[off:off+hl], addr)
}

func (a *ARP) GetTargetProtocolAddress() net.IP {
	hl := int(a.GetHardwareAddressLength())
	pl := int(a.GetProtocolAddressLength())
	off := LengthARPFixed + 2*hl + pl
	t := (*a)[off : off+pl]
	return *(*net.IP)(&t)
}

func (a *ARP) SetTargetProtocolAddress(addr net.IP) {
	hl := int(a.GetHardwareAddressLength())
	pl := int(a.GetProtocolAddressLength())
	off := LengthARPFixed + 2*hl + pl
	copy((*a)[off:off+pl], addr)
}

// ParseARP checks the buffer against the length the header claims for
// itself and returns a view over it. Operation code and type fields are not
// validated; callers branch on them or ignore the frame.
func ParseARP(b []byte) (ARP, error) {
	if len(b) < LengthARPFixed {
		return nil, ErrTruncated
	}
	a := ARP(b)
	if len(b) < a.Length() {
		return nil, ErrTruncated
	}
	return a, nil
}

// BuildARPRequest fills buf with an Ethernet/IPv4 profile request asking for
// targetProto. The target hardware address is set to broadcast. The view is
// built in place so transmit paths can write straight into a frame buffer.
func BuildARPRequest(buf []byte, senderHw net.HardwareAddr, senderProto, targetProto net.IP) (ARP, error) {
	return buildARP(buf, ARPRequest, senderHw, senderProto, Broadcast, targetProto)
}

// BuildARPReply fills buf with an Ethernet/IPv4 profile reply answering for
// senderProto.
func BuildARPReply(buf []byte, senderHw net.HardwareAddr, senderProto net.IP, targetHw net.HardwareAddr, targetProto net.IP) (ARP, error) {
	return buildARP(buf, ARPReply, senderHw, senderProto, targetHw, targetProto)
}

// NewARPRequest allocates and builds an Ethernet/IPv4 profile request.
func NewARPRequest(senderHw net.HardwareAddr, senderProto, targetProto net.IP) (ARP, error) {
	return BuildARPRequest(make([]byte, LengthARPIPv4), senderHw, senderProto, targetProto)
}

// NewARPReply allocates and builds an Ethernet/IPv4 profile reply.
func NewARPReply(senderHw net.HardwareAddr, senderProto net.IP, targetHw net.HardwareAddr, targetProto net.IP) (ARP, error) {
	return BuildARPReply(make([]byte, LengthARPIPv4), senderHw, senderProto, targetHw, targetProto)
}

func buildARP(buf []byte, op uint16, senderHw net.HardwareAddr, senderProto net.IP, targetHw net.HardwareAddr, targetProto net.IP) (ARP, error) {
	if len(buf) < LengthARPIPv4 {
		return nil, ErrTruncated
	}
	senderProto4 := senderProto.To4()
	targetProto4 := targetProto.To4()
	if len(senderHw) != 6 || len(targetHw) != 6 || senderProto4 == nil || targetProto4 == nil {
		return nil, ErrInvalidAddress
	}

	a := ARP(buf[:LengthARPIPv4])
	a.SetHardwareType(binary.Htons16(ARPHardwareEthernet))
	a.SetProtocolType(binary.Htons16(EthernetTypeIPv4))
	a.SetHardwareAddressLength(6)
	a.SetProtocolAddressLength(4)
	a.SetOpCode(binary.Htons16(op))
	a.SetSenderHardwareAddress(senderHw)
	a.SetSenderProtocolAddress(senderProto4)
	a.SetTargetHardwareAddress(targetHw)
	a.SetTargetProtocolAddress(targetProto4)
	return a, nil
}
