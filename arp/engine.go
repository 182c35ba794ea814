package arp

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deepTide/layers"
	"deepTide/pkg/timer"
	"deepTide/utils/binary"
	"deepTide/xsk"
)

// DefaultPollTimeout 引擎循环单次等待收包事件的上限，毫秒
const DefaultPollTimeout = 1

const (
	lengthARPFrame = layers.LengthEthernet + layers.LengthARPIPv4

	// 以太网最小帧长（不含FCS）。XDP发送路径不做自动填充，
	// 不足的部分由引擎补零。
	minEthernetFrame = 60
)

var (
	// ErrMismatchedDevice 收发队列没有绑定在同一网卡上
	ErrMismatchedDevice = errors.New("receive and transmit queue belong to different devices")
	// ErrAlreadyStarted Start被重复调用
	ErrAlreadyStarted = errors.New("resolution engine already started")
	// ErrInvalidAddress 地址不符合Ethernet/IPv4口径
	ErrInvalidAddress = errors.New("invalid address")
)

// Config 描述一个解析引擎实例。
type Config struct {
	// ReceiveQueue 和 TransmitQueue 必须绑定在同一网卡上，
	// 通常两者是同一个 *xsk.Socket。
	ReceiveQueue  ReceiveQueue
	TransmitQueue TransmitQueue

	// LinkAddress 引擎应答与请求时使用的本机MAC
	LinkAddress net.HardwareAddr

	// OwnedAddresses 引擎代答的IPv4地址集合，首个地址同时作为
	// 发出ARP请求时的源协议地址。启动后不可变。
	OwnedAddresses []net.IP

	// Cache 为nil时自动创建私有解析表
	Cache *Cache

	// Clock 为学习结果提供时间戳，nil时使用系统时钟
	Clock timer.Clock

	// PollTimeout 单位毫秒，零值时采用 DefaultPollTimeout
	PollTimeout int

	// AnnounceOnStart 启动时广播免费ARP宣告所有代答地址
	AnnounceOnStart bool
}

// Stats 引擎累计计数。
type Stats struct {
	FramesReceived   uint64
	FramesDropped    uint64
	RequestsAnswered uint64
	RepliesLearned   uint64
	RequestsSent     uint64
	Announced        uint64
	TxDropped        uint64
}

type ownedAddr struct {
	key uint32
	ip  net.IP
}

// Engine 在单个工作协程内轮询收发队列：代答归属于本机地址的ARP请求，
// 从观察到的应答中学习映射写入解析表，并为查询未命中登记的待解析
// 表项广播请求。一张网卡队列对应一个引擎。
type Engine struct {
	// 原子计数，置于结构体首部保证64位对齐
	counters struct {
		framesReceived   uint64
		framesDropped    uint64
		requestsAnswered uint64
		repliesLearned   uint64
		requestsSent     uint64
		announced        uint64
		txDropped        uint64
	}

	rx    ReceiveQueue
	tx    TransmitQueue
	cache *Cache
	clock timer.Clock

	linkAddr    net.HardwareAddr
	owned       []ownedAddr
	ownedIndex  map[uint32]net.IP
	pollTimeout int
	announce    bool

	txScratch [1]xsk.Desc

	running int32
	done    chan struct{}
}

// New 按配置构造引擎。收发队列的网卡序号不一致时拒绝构造，
// 这是致命的配置错误，不做降级。
func New(cfg *Config) (*Engine, error) {
	if cfg == nil || cfg.ReceiveQueue == nil || cfg.TransmitQueue == nil {
		return nil, errors.New("nil queue in config")
	}
	if cfg.ReceiveQueue.Ifindex() != cfg.TransmitQueue.Ifindex() {
		return nil, ErrMismatchedDevice
	}
	if len(cfg.LinkAddress) != 6 {
		return nil, ErrInvalidAddress
	}
	if len(cfg.OwnedAddresses) == 0 {
		return nil, ErrInvalidAddress
	}

	e := &Engine{
		rx:          cfg.ReceiveQueue,
		tx:          cfg.TransmitQueue,
		cache:       cfg.Cache,
		clock:       cfg.Clock,
		linkAddr:    make(net.HardwareAddr, 6),
		ownedIndex:  make(map[uint32]net.IP, len(cfg.OwnedAddresses)),
		pollTimeout: cfg.PollTimeout,
		announce:    cfg.AnnounceOnStart,
	}
	copy(e.linkAddr, cfg.LinkAddress)

	for _, addr := range cfg.OwnedAddresses {
		key, ok := ipv4Key(addr)
		if !ok {
			return nil, ErrInvalidAddress
		}
		if _, dup := e.ownedIndex[key]; dup {
			continue
		}
		ip := make(net.IP, 4)
		copy(ip, addr.To4())
		e.owned = append(e.owned, ownedAddr{key: key, ip: ip})
		e.ownedIndex[key] = ip
	}

	if e.cache == nil {
		e.cache = NewCache()
	}
	if e.clock == nil {
		e.clock = timer.System
	}
	if e.pollTimeout == 0 {
		e.pollTimeout = DefaultPollTimeout
	}

	return e, nil
}

// Start 启动工作协程并放开解析表查询。重复启动返回 ErrAlreadyStarted。
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return ErrAlreadyStarted
	}

	e.done = make(chan struct{})
	e.cache.setRunning(true)
	go e.run()
	return nil
}

// Stop 通知工作协程退出并等待其落地，解析表查询随之关闭。
// 未启动时调用没有效果。
func (e *Engine) Stop() {
	if !atomic.CompareAndSwapInt32(&e.running, 1, 0) {
		return
	}
	<-e.done
}

// Lookup 查询解析表。未命中时登记待解析表项，由引擎随后广播请求。
func (e *Engine) Lookup(addr net.IP) (net.HardwareAddr, time.Time, error) {
	return e.cache.Lookup(addr)
}

// Cache 返回引擎写入的解析表。
func (e *Engine) Cache() *Cache {
	return e.cache
}

// Stats 返回累计计数的快照。
func (e *Engine) Stats() Stats {
	return Stats{
		FramesReceived:   atomic.LoadUint64(&e.counters.framesReceived),
		FramesDropped:    atomic.LoadUint64(&e.counters.framesDropped),
		RequestsAnswered: atomic.LoadUint64(&e.counters.requestsAnswered),
		RepliesLearned:   atomic.LoadUint64(&e.counters.repliesLearned),
		RequestsSent:     atomic.LoadUint64(&e.counters.requestsSent),
		Announced:        atomic.LoadUint64(&e.counters.announced),
		TxDropped:        atomic.LoadUint64(&e.counters.txDropped),
	}
}

func (e *Engine) run() {
	defer func() {
		e.cache.setRunning(false)
		close(e.done)
	}()

	log := logrus.WithField("module", "arp")
	log.Infof("engine started: ifindex=%d owned=%d announce=%v",
		e.rx.Ifindex(), len(e.owned), e.announce)

	if e.announce {
		e.announceOwned()
	}

	for atomic.LoadInt32(&e.running) == 1 {
		e.step()
	}

	log.Info("engine stopped")
}

// step 执行一轮循环：回收发送完成量、补满收包环、有界等待事件、
// 至多消费一帧，最后为待解析表项补发请求。
func (e *Engine) step() {
	if n := e.tx.NumCompleted(); n > 0 {
		e.tx.Complete(n)
	}

	e.rx.Fill(e.rx.GetFreeFillDescs(e.rx.NumFreeFillSlots()))

	numRx, _, err := e.rx.Poll(e.pollTimeout)
	if err != nil {
		// 收包故障只影响本轮，循环继续
		logrus.WithField("module", "arp").Warnf("poll failed: %v", err)
	} else if numRx > 0 {
		// 每轮只消费一帧，保证请求补发的节奏不被收包洪峰拖住
		descs := e.rx.Receive(1)
		for i := range descs {
			e.handleFrame(e.rx.GetFrame(descs[i]))
		}
	}

	e.requestPending()
}

func (e *Engine) handleFrame(frame []byte) {
	atomic.AddUint64(&e.counters.framesReceived, 1)

	if len(frame) < lengthARPFrame {
		atomic.AddUint64(&e.counters.framesDropped, 1)
		return
	}

	eth := layers.Ethernet(frame)
	if binary.Htons16(eth.GetEthernetType()) != layers.EthernetTypeARP {
		atomic.AddUint64(&e.counters.framesDropped, 1)
		return
	}

	pkt, err := layers.ParseARP(frame[layers.LengthEthernet:])
	if err != nil {
		atomic.AddUint64(&e.counters.framesDropped, 1)
		return
	}

	// 只处理Ethernet/IPv4口径，其他组合原样忽略
	if binary.Htons16(pkt.GetHardwareType()) != layers.ARPHardwareEthernet ||
		binary.Htons16(pkt.GetProtocolType()) != layers.EthernetTypeIPv4 ||
		pkt.GetHardwareAddressLength() != 6 ||
		pkt.GetProtocolAddressLength() != 4 {
		return
	}

	switch binary.Htons16(pkt.GetOpCode()) {
	case layers.ARPRequest:
		e.handleRequest(pkt)
	case layers.ARPReply:
		e.handleReply(pkt)
	default:
		// 其他操作码不处理
	}
}

// handleRequest 代答目标地址归属本机的请求，其余请求静默忽略。
func (e *Engine) handleRequest(pkt layers.ARP) {
	key, ok := ipv4Key(pkt.GetTargetProtocolAddress())
	if !ok {
		return
	}
	owner, ok := e.ownedIndex[key]
	if !ok {
		return
	}

	descs := e.tx.GetFreeTransmitDescs(1)
	if len(descs) == 0 {
		atomic.AddUint64(&e.counters.txDropped, 1)
		logrus.WithField("module", "arp").Warn("transmit ring full, reply dropped")
		return
	}

	requesterHw := pkt.GetSenderHardwareAddress()
	requesterIP := pkt.GetSenderProtocolAddress()

	d := descs[0]
	frame := e.tx.GetFrame(d)

	eth := layers.Ethernet(frame)
	eth.SetDstAddress(requesterHw)
	eth.SetSrcAddress(e.linkAddr)
	eth.SetEthernetType(binary.Htons16(layers.EthernetTypeARP))

	if _, err := layers.BuildARPReply(frame[layers.LengthEthernet:],
		e.linkAddr, owner, requesterHw, requesterIP); err != nil {
		atomic.AddUint64(&e.counters.framesDropped, 1)
		return
	}

	e.transmitFrame(d, frame)
	atomic.AddUint64(&e.counters.requestsAnswered, 1)
}

// handleReply 学习应答中的发送方映射。不区分应答是否由本机请求
// 触发，一律采信，后写覆盖先写。
func (e *Engine) handleReply(pkt layers.ARP) {
	key, ok := ipv4Key(pkt.GetSenderProtocolAddress())
	if !ok {
		return
	}
	e.cache.learn(key, pkt.GetSenderHardwareAddress(), e.clock.Now())
	atomic.AddUint64(&e.counters.repliesLearned, 1)
}

// requestPending 将待解析表项迁移为已发请求并广播对应的ARP请求。
// 发送失败不回滚不重试，等待方依靠对端重发或上层重新触发。
func (e *Engine) requestPending() {
	e.cache.forEachPending(func(key uint32) {
		if !e.cache.markRequested(key) {
			logrus.WithField("module", "arp").Warnf("pending entry vanished before request: key=%08x", key)
			return
		}
		e.sendRequest(key)
	})
}

func (e *Engine) sendRequest(key uint32) {
	descs := e.tx.GetFreeTransmitDescs(1)
	if len(descs) == 0 {
		atomic.AddUint64(&e.counters.txDropped, 1)
		logrus.WithField("module", "arp").Warn("transmit ring full, request dropped")
		return
	}

	d := descs[0]
	frame := e.tx.GetFrame(d)

	eth := layers.Ethernet(frame)
	eth.SetDstAddress(layers.Broadcast)
	eth.SetSrcAddress(e.linkAddr)
	eth.SetEthernetType(binary.Htons16(layers.EthernetTypeARP))

	if _, err := layers.BuildARPRequest(frame[layers.LengthEthernet:],
		e.linkAddr, e.owned[0].ip, ipFromKey(key)); err != nil {
		atomic.AddUint64(&e.counters.framesDropped, 1)
		return
	}

	e.transmitFrame(d, frame)
	atomic.AddUint64(&e.counters.requestsSent, 1)
}

// announceOwned 为每个代答地址广播一条免费ARP，
// 让邻居在引擎上线后立即刷新映射。
func (e *Engine) announceOwned() {
	for i := range e.owned {
		descs := e.tx.GetFreeTransmitDescs(1)
		if len(descs) == 0 {
			atomic.AddUint64(&e.counters.txDropped, 1)
			return
		}

		d := descs[0]
		frame := e.tx.GetFrame(d)

		eth := layers.Ethernet(frame)
		eth.SetDstAddress(layers.Broadcast)
		eth.SetSrcAddress(e.linkAddr)
		eth.SetEthernetType(binary.Htons16(layers.EthernetTypeARP))

		if _, err := layers.BuildARPReply(frame[layers.LengthEthernet:],
			e.linkAddr, e.owned[i].ip, layers.Broadcast, e.owned[i].ip); err != nil {
			continue
		}

		e.transmitFrame(d, frame)
		atomic.AddUint64(&e.counters.announced, 1)
	}
}

// transmitFrame 补零到最小帧长后提交发送。
func (e *Engine) transmitFrame(d xsk.Desc, frame []byte) {
	n := lengthARPFrame
	for ; n < minEthernetFrame && n < len(frame); n++ {
		frame[n] = 0
	}
	d.Len = uint32(n)

	e.txScratch[0] = d
	e.tx.Transmit(e.txScratch[:])
}
