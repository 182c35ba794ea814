package xsk

import (
	"golang.org/x/sys/unix"
)

type umemRing struct {
	Producer *uint32
	Consumer *uint32
	Descs    []uint64
}

type rxTxRing struct {
	Producer *uint32
	Consumer *uint32
	Descs    []Desc
}

// Socket 是AF_XDP套接字上的一组收发队列。
// 单个Socket绑定到一个(网卡, 队列)二元组上，非并发安全，
// 收发各环的操作都应在同一个处理协程内完成。
type Socket struct {
	fd int

	// umem 会被分为两部分空间，前一半用于接收，后一半用于发送
	umem []byte
	// fillRing/completionRing 只存放umem内的地址
	fillRing       umemRing
	completionRing umemRing
	// rxRing/txRing 存放完整的Desc
	rxRing rxTxRing
	txRing rxTxRing

	// 各阶段复用的Desc暂存区，避免热路径上的分配
	rxDescs       []Desc
	txDescs       []Desc
	fillDescs     []Desc
	completeDescs []Desc

	ifindex int
	queueID int
	options SocketOptions

	countCompleted   uint64
	countFilled      uint64
	countReceived    uint64
	countTransmitted uint64

	numFillRingDescMask       uint32
	numCompletionRingDescMask uint32
	numRxRingDescMask         uint32
	numTxRingDescMask         uint32
}

// SocketOptions are configuration settings used to bind an XDP socket.
type SocketOptions struct {
	NumFrame              int
	SizeFrame             int
	NumFillRingDesc       int
	NumCompletionRingDesc int
	NumRxRingDesc         int
	NumTxRingDesc         int

	// UseHugePage 开启后umem使用大页内存映射
	UseHugePage bool
	HugePage1Gb bool
}

// DefaultSocketOptions 2048个2KB帧，各环占半数
func DefaultSocketOptions() *SocketOptions {
	return &SocketOptions{
		NumFrame:              2048,
		SizeFrame:             2048,
		NumFillRingDesc:       1024,
		NumCompletionRingDesc: 1024,
		NumRxRingDesc:         1024,
		NumTxRingDesc:         1024,
	}
}

// Desc represents an XDP Rx/Tx descriptor.
type Desc unix.XDPDesc

// Stats contains various counters of the XDP socket, such as numbers of
// sent/received frames.
type Stats struct {
	Filled      uint64
	Completed   uint64
	Received    uint64
	Transmitted uint64
	KernelStats unix.XDPStatistics
}
