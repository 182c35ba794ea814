package raw

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"deepTide/utils/binary"
	"deepTide/xsk"
)

const (
	// DefaultNumFrames 软件队列的缓冲帧数，前一半收包后一半发包
	DefaultNumFrames = 64

	// DefaultSizeFrame 单帧缓冲大小
	DefaultSizeFrame = 2048

	// 帧缓冲至少要装得下以太网最小帧
	minSizeFrame = 128
)

// Options 软件队列的缓冲配置。
type Options struct {
	NumFrames int
	SizeFrame int
}

// DefaultOptions 返回默认缓冲配置。
func DefaultOptions() *Options {
	return &Options{
		NumFrames: DefaultNumFrames,
		SizeFrame: DefaultSizeFrame,
	}
}

// Queue 基于AF_PACKET原始套接字的软件收发队列，描述符语义对齐
// xsk.Socket，供不具备XDP条件的网卡回退使用。非并发安全，
// 由单个工作协程持有。
type Queue struct {
	fd      int
	ifindex int
	dest    unix.SockaddrLinklayer

	sizeFrame int
	frames    []byte

	rxFree []uint64
	armed  []xsk.Desc
	ready  []xsk.Desc

	txFree       []uint64
	numCompleted int

	pollFds [1]unix.PollFd
}

// New 在指定网卡上打开AF_PACKET套接字并挂上protocol对应的以太类型
// 过滤器。protocol为主机字节序的以太类型，如0x0806。
func New(interfaceName string, protocol uint16, options *Options) (*Queue, error) {
	if options == nil {
		options = DefaultOptions()
	}
	if options.NumFrames <= 0 || options.NumFrames%2 != 0 {
		return nil, errors.Errorf("frame count must be positive and even: %d", options.NumFrames)
	}
	if options.SizeFrame < minSizeFrame {
		return nil, errors.Errorf("frame size too small: %d", options.SizeFrame)
	}

	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(binary.Htons16(protocol)))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// 过滤器先于bind挂上，封住socket到bind之间的窗口期
	if err = attachEtherTypeFilter(fd, protocol); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err = unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: binary.Htons16(protocol),
		Ifindex:  iface.Index,
	}); err != nil {
		unix.Close(fd)
		return nil, errors.WithStack(err)
	}

	q := newQueue(iface.Index, options)
	q.fd = fd
	q.pollFds[0] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}

	q.dest.Protocol = binary.Htons16(protocol)
	q.dest.Ifindex = iface.Index
	q.dest.Halen = uint8(len(iface.HardwareAddr))
	copy(q.dest.Addr[:], iface.HardwareAddr)

	// 丢掉bind之前混入的其他网卡的帧
	q.flush()

	return q, nil
}

// newQueue 只构造缓冲与描述符池，套接字由调用方装配。
func newQueue(ifindex int, options *Options) *Queue {
	q := &Queue{
		fd:        -1,
		ifindex:   ifindex,
		sizeFrame: options.SizeFrame,
		frames:    make([]byte, options.NumFrames*options.SizeFrame),
	}

	half := options.NumFrames / 2
	for i := 0; i < half; i++ {
		q.rxFree = append(q.rxFree, uint64(i*options.SizeFrame))
	}
	for i := half; i < options.NumFrames; i++ {
		q.txFree = append(q.txFree, uint64(i*options.SizeFrame))
	}
	return q
}

// EtherTypeFilter 构造只放行指定以太类型的经典BPF程序。
func EtherTypeFilter(etherType uint16) ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(etherType), SkipFalse: 1},
		bpf.RetConstant{Val: 65535},
		bpf.RetConstant{Val: 0},
	})
}

func attachEtherTypeFilter(fd int, etherType uint16) error {
	insns, err := EtherTypeFilter(etherType)
	if err != nil {
		return errors.WithStack(err)
	}

	filters := make([]unix.SockFilter, len(insns))
	for i, ins := range insns {
		filters[i] = unix.SockFilter{
			Code: ins.Op,
			Jt:   ins.Jt,
			Jf:   ins.Jf,
			K:    ins.K,
		}
	}

	prog := unix.SockFprog{
		Len:    uint16(len(filters)),
		Filter: &filters[0],
	}
	if err = unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (q *Queue) flush() {
	scratch := make([]byte, q.sizeFrame)
	for {
		if _, _, err := unix.Recvfrom(q.fd, scratch, unix.MSG_DONTWAIT); err != nil {
			return
		}
	}
}

func (q *Queue) frameAt(addr uint64) []byte {
	return q.frames[addr : addr+uint64(q.sizeFrame)]
}

// FD 返回套接字描述符。
func (q *Queue) FD() int {
	return q.fd
}

// Ifindex 返回队列绑定的网卡序号。
func (q *Queue) Ifindex() int {
	return q.ifindex
}

// NumFreeFillSlots 返回可再装填的收包缓冲数。
func (q *Queue) NumFreeFillSlots() int {
	return len(q.rxFree)
}

// GetFreeFillDescs 取出至多n个空闲收包描述符。
func (q *Queue) GetFreeFillDescs(n int) []xsk.Desc {
	if n > len(q.rxFree) {
		n = len(q.rxFree)
	}
	descs := make([]xsk.Desc, n)
	for i := 0; i < n; i++ {
		descs[i] = xsk.Desc{Addr: q.rxFree[i], Len: uint32(q.sizeFrame)}
	}
	q.rxFree = q.rxFree[n:]
	return descs
}

// Fill 装填收包描述符，Poll按装填顺序承接到达的帧。
func (q *Queue) Fill(descs []xsk.Desc) int {
	q.armed = append(q.armed, descs...)
	return len(descs)
}

// Poll 有界等待收包事件并把到达的帧搬进待取列表，timeout为毫秒，
// 负值无限等待。返回可取帧数与可回收的发送完成量。
func (q *Queue) Poll(timeout int) (numReceived int, numCompleted int, err error) {
	if len(q.ready) > 0 {
		// 有积压未取的帧时只做非阻塞排空
		timeout = 0
	}

	q.pollFds[0].Events = unix.POLLIN
	q.pollFds[0].Revents = 0

POLL:
	_, err = unix.Poll(q.pollFds[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			goto POLL
		}
		return len(q.ready), q.numCompleted, errors.WithStack(err)
	}

	for len(q.armed) > 0 {
		d := q.armed[0]
		n, from, err := unix.Recvfrom(q.fd, q.frameAt(d.Addr), unix.MSG_DONTWAIT)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			return len(q.ready), q.numCompleted, errors.WithStack(err)
		}

		// AF_PACKET会回灌本机发出的帧，XDP队列看不到这种拷贝，
		// 这里同样丢弃，缓冲原地重用
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}

		d.Len = uint32(n)
		q.armed = q.armed[1:]
		q.ready = append(q.ready, d)
	}

	return len(q.ready), q.numCompleted, nil
}

// Receive 取走至多n个已到达的帧。取走的缓冲随即回到装填池，
// 帧内容在下一次装填后的Poll之前保持有效。
func (q *Queue) Receive(n int) []xsk.Desc {
	if n > len(q.ready) {
		n = len(q.ready)
	}
	descs := make([]xsk.Desc, n)
	copy(descs, q.ready[:n])
	q.ready = q.ready[n:]

	for i := range descs {
		q.rxFree = append(q.rxFree, descs[i].Addr)
	}
	return descs
}

// GetFrame 返回描述符指向的帧内容。
func (q *Queue) GetFrame(d xsk.Desc) []byte {
	return q.frames[d.Addr : d.Addr+uint64(d.Len)]
}

// GetFreeTransmitDescs 取出至多n个空闲发送描述符。
func (q *Queue) GetFreeTransmitDescs(n int) []xsk.Desc {
	if n > len(q.txFree) {
		n = len(q.txFree)
	}
	descs := make([]xsk.Desc, n)
	for i := 0; i < n; i++ {
		descs[i] = xsk.Desc{Addr: q.txFree[i], Len: uint32(q.sizeFrame)}
	}
	q.txFree = q.txFree[n:]
	return descs
}

// Transmit 同步发出各描述符指向的帧。AF_PACKET发送在系统调用返回时
// 即已完成，完成量立刻可回收。发送失败的帧直接丢弃。
func (q *Queue) Transmit(descs []xsk.Desc) {
	for i := range descs {
	SEND:
		err := unix.Sendto(q.fd, q.GetFrame(descs[i]), 0, &q.dest)
		if err == unix.EINTR {
			goto SEND
		}
		if err != nil {
			logrus.WithField("module", "raw").Warnf("sendto failed: %v", err)
		}

		q.txFree = append(q.txFree, descs[i].Addr)
		q.numCompleted++
	}
}

// NumCompleted 返回可回收的发送完成量。
func (q *Queue) NumCompleted() int {
	return q.numCompleted
}

// Complete 回收n个发送完成量。
func (q *Queue) Complete(n int) {
	q.numCompleted -= n
}

// Close 关闭套接字。
func (q *Queue) Close() error {
	if q.fd < 0 {
		return nil
	}
	if err := unix.Close(q.fd); err != nil {
		return errors.WithStack(err)
	}
	q.fd = -1
	return nil
}
