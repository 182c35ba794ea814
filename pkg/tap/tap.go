package tap

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type req struct {
	Name  [0x10]byte
	Flags uint16
	pad   [0x28 - 0x10 - 2]byte
}

// Device 是已打开的单队列TAP设备。写入即该接口收到一帧，
// 读出的是该接口发出的帧。
type Device struct {
	file    *os.File
	name    string
	ifindex int
}

// Open 校验并打开TAP设备。
// 设备需要在调用前完成创建和配置，否则会报错。
func Open(name string) (*Device, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, errors.Wrap(err, "get link by name failed")
	}

	if err = validateLink(link); err != nil {
		return nil, err
	}

	f, err := NewFile(name)
	if err != nil {
		return nil, err
	}

	return &Device{
		file:    f,
		name:    name,
		ifindex: link.Attrs().Index,
	}, nil
}

// Validate 只校验不打开设备。
func Validate(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrap(err, "get link by name failed")
	}
	return validateLink(link)
}

func validateLink(link netlink.Link) error {
	if link.Type() != "tuntap" {
		return errors.Errorf("invalid link type: %s is not tuntap", link.Type())
	}

	tuntap, ok := link.(*netlink.Tuntap)
	if !ok {
		return errors.New("can not assert link to tuntap")
	}

	if tuntap.Mode != unix.IFF_TAP {
		return errors.New("invalid tuntap mode: not tap")
	}

	if tuntap.Flags&netlink.TUNTAP_ONE_QUEUE != netlink.TUNTAP_ONE_QUEUE {
		return errors.New("invalid tap property: not one queue")
	}

	return nil
}

func (d *Device) Read(buf []byte) (int, error) {
	return d.file.Read(buf)
}

func (d *Device) Write(buf []byte) (int, error) {
	return d.file.Write(buf)
}

// Name 返回设备名。
func (d *Device) Name() string {
	return d.name
}

// Ifindex 返回设备的网卡序号。
func (d *Device) Ifindex() int {
	return d.ifindex
}

// File 返回底层文件，供需要自行收发的调用方使用。
func (d *Device) File() *os.File {
	return d.file
}

func (d *Device) Close() error {
	return d.file.Close()
}

// NewPtr 打开TAP设备并返回裸文件描述符。
func NewPtr(name string) (uintptr, error) {
	fd, err := createFd()
	if err != nil {
		return 0, err
	}

	err = openDev(fd, name)
	if err != nil {
		return 0, errors.Wrap(err, "open tap failed")
	}

	return fd, nil
}

// NewFile 打开TAP设备并交由os.File托管。
func NewFile(name string) (*os.File, error) {
	fd, err := NewPtr(name)
	if err != nil {
		return nil, err
	}

	return os.NewFile(fd, "tap"), nil
}

func createFd() (uintptr, error) {
	res, err := syscall.Open("/dev/net/tun", os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return 0, errors.Wrap(err, "open /dev/net/tun failed")
	}

	return uintptr(res), nil
}

func openDev(fd uintptr, name string) error {
	var r req

	copy(r.Name[:], name)
	r.Flags = syscall.IFF_TAP | syscall.IFF_NO_PI
	err := ioctl(fd, syscall.TUNSETIFF, uintptr(unsafe.Pointer(&r)))
	if err != nil {
		return errors.Wrap(err, "ioctl set IFF_TAP and IFF_NO_PI failed")
	}

	return nil
}

func ioctl(fd uintptr, request uintptr, argp uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, request, argp)
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}
