package arp

import (
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"deepTide/layers"
	"deepTide/utils/binary"
	"deepTide/xsk"
)

const (
	testFrameSize  = 2048
	testFillSlots  = 8
	testTxAddrBase = 1 << 20
)

// fakeQueue 在内存中模拟一个网卡队列，同时满足 ReceiveQueue 和
// TransmitQueue。收包侧通过 inject 注入帧，发包侧把提交的帧快照
// 记录在 sent 中。
type fakeQueue struct {
	ifindex int
	frames  map[uint64][]byte

	injected [][]byte
	fillable []xsk.Desc
	ready    []xsk.Desc
	rxNext   uint64

	txNext    uint64
	txBlocked bool
	sent      [][]byte
	completed int

	pollErr error
}

func newFakeQueue(ifindex int) *fakeQueue {
	return &fakeQueue{
		ifindex: ifindex,
		frames:  make(map[uint64][]byte),
	}
}

func (q *fakeQueue) frame(addr uint64) []byte {
	f, ok := q.frames[addr]
	if !ok {
		f = make([]byte, testFrameSize)
		q.frames[addr] = f
	}
	return f
}

func (q *fakeQueue) inject(frame []byte) {
	q.injected = append(q.injected, append([]byte(nil), frame...))
}

func (q *fakeQueue) Ifindex() int {
	return q.ifindex
}

func (q *fakeQueue) NumFreeFillSlots() int {
	return testFillSlots - len(q.fillable) - len(q.ready)
}

func (q *fakeQueue) GetFreeFillDescs(n int) []xsk.Desc {
	if free := q.NumFreeFillSlots(); n > free {
		n = free
	}
	descs := make([]xsk.Desc, 0, n)
	for i := 0; i < n; i++ {
		descs = append(descs, xsk.Desc{Addr: q.rxNext, Len: testFrameSize})
		q.rxNext += testFrameSize
	}
	return descs
}

func (q *fakeQueue) Fill(descs []xsk.Desc) int {
	q.fillable = append(q.fillable, descs...)
	return len(descs)
}

func (q *fakeQueue) Poll(timeout int) (int, int, error) {
	if q.pollErr != nil {
		return 0, 0, q.pollErr
	}
	for len(q.injected) > 0 && len(q.fillable) > 0 {
		d := q.fillable[0]
		q.fillable = q.fillable[1:]

		in := q.injected[0]
		q.injected = q.injected[1:]

		copy(q.frame(d.Addr), in)
		d.Len = uint32(len(in))
		q.ready = append(q.ready, d)
	}
	return len(q.ready), q.completed, nil
}

func (q *fakeQueue) Receive(n int) []xsk.Desc {
	if n > len(q.ready) {
		n = len(q.ready)
	}
	descs := q.ready[:n]
	q.ready = q.ready[n:]
	return descs
}

func (q *fakeQueue) GetFrame(d xsk.Desc) []byte {
	return q.frame(d.Addr)[:d.Len]
}

func (q *fakeQueue) GetFreeTransmitDescs(n int) []xsk.Desc {
	if q.txBlocked {
		return nil
	}
	descs := make([]xsk.Desc, 0, n)
	for i := 0; i < n; i++ {
		descs = append(descs, xsk.Desc{Addr: testTxAddrBase + q.txNext, Len: testFrameSize})
		q.txNext += testFrameSize
	}
	return descs
}

func (q *fakeQueue) Transmit(descs []xsk.Desc) {
	for _, d := range descs {
		out := make([]byte, d.Len)
		copy(out, q.frame(d.Addr)[:d.Len])
		q.sent = append(q.sent, out)
	}
	q.completed += len(descs)
}

func (q *fakeQueue) NumCompleted() int {
	return q.completed
}

func (q *fakeQueue) Complete(n int) {
	q.completed -= n
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

var (
	testLinkAddr = net.HardwareAddr{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01}
	testOwned    = []net.IP{{10, 0, 0, 1}, {10, 0, 0, 2}}
)

func newTestEngine(t *testing.T, q *fakeQueue, clock *fakeClock) *Engine {
	cfg := &Config{
		ReceiveQueue:   q,
		TransmitQueue:  q,
		LinkAddress:    testLinkAddr,
		OwnedAddresses: testOwned,
	}
	if clock != nil {
		cfg.Clock = clock
	}
	e, err := New(cfg)
	assert.Nil(t, err)
	return e
}

func buildRequestFrame(t *testing.T, senderHw net.HardwareAddr, senderIP, targetIP net.IP) []byte {
	frame := make([]byte, 60)
	eth := layers.Ethernet(frame)
	eth.SetDstAddress(layers.Broadcast)
	eth.SetSrcAddress(senderHw)
	eth.SetEthernetType(binary.Htons16(layers.EthernetTypeARP))
	_, err := layers.BuildARPRequest(frame[layers.LengthEthernet:], senderHw, senderIP, targetIP)
	assert.Nil(t, err)
	return frame
}

func buildReplyFrame(t *testing.T, senderHw net.HardwareAddr, senderIP net.IP, targetHw net.HardwareAddr, targetIP net.IP) []byte {
	frame := make([]byte, 60)
	eth := layers.Ethernet(frame)
	eth.SetDstAddress(targetHw)
	eth.SetSrcAddress(senderHw)
	eth.SetEthernetType(binary.Htons16(layers.EthernetTypeARP))
	_, err := layers.BuildARPReply(frame[layers.LengthEthernet:], senderHw, senderIP, targetHw, targetIP)
	assert.Nil(t, err)
	return frame
}

func TestNewEngineValidation(t *testing.T) {
	rx := newFakeQueue(1)
	tx := newFakeQueue(2)

	// 收发队列不同卡，拒绝构造
	_, err := New(&Config{
		ReceiveQueue:   rx,
		TransmitQueue:  tx,
		LinkAddress:    testLinkAddr,
		OwnedAddresses: testOwned,
	})
	assert.Equal(t, ErrMismatchedDevice, err)

	q := newFakeQueue(3)

	_, err = New(&Config{
		ReceiveQueue:   q,
		TransmitQueue:  q,
		LinkAddress:    net.HardwareAddr{1, 2, 3},
		OwnedAddresses: testOwned,
	})
	assert.Equal(t, ErrInvalidAddress, err)

	_, err = New(&Config{
		ReceiveQueue:  q,
		TransmitQueue: q,
		LinkAddress:   testLinkAddr,
	})
	assert.Equal(t, ErrInvalidAddress, err)

	_, err = New(&Config{
		ReceiveQueue:   q,
		TransmitQueue:  q,
		LinkAddress:    testLinkAddr,
		OwnedAddresses: []net.IP{net.ParseIP("2001:db8::1")},
	})
	assert.Equal(t, ErrInvalidAddress, err)

	_, err = New(nil)
	assert.NotNil(t, err)

	e, err := New(&Config{
		ReceiveQueue:   q,
		TransmitQueue:  q,
		LinkAddress:    testLinkAddr,
		OwnedAddresses: testOwned,
	})
	assert.Nil(t, err)
	assert.Equal(t, DefaultPollTimeout, e.pollTimeout)
	assert.NotNil(t, e.Cache())
}

func TestEngineRepliesToOwnedRequest(t *testing.T) {
	q := newFakeQueue(1)
	e := newTestEngine(t, q, nil)

	requester := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}
	q.inject(buildRequestFrame(t, requester, net.IP{10, 0, 0, 9}, net.IP{10, 0, 0, 2}))

	e.step()

	assert.Equal(t, 1, len(q.sent))
	frame := q.sent[0]
	// 不足最小帧长的部分补零后发出
	assert.True(t, len(frame) >= minEthernetFrame)

	eth := layers.Ethernet(frame)
	assert.Equal(t, requester, eth.GetDstAddress())
	assert.Equal(t, testLinkAddr, eth.GetSrcAddress())
	assert.Equal(t, layers.EthernetTypeARP, binary.Htons16(eth.GetEthernetType()))

	pkt, err := layers.ParseARP(frame[layers.LengthEthernet:])
	assert.Nil(t, err)
	assert.Equal(t, layers.ARPReply, binary.Htons16(pkt.GetOpCode()))
	assert.Equal(t, testLinkAddr, pkt.GetSenderHardwareAddress())
	// 应答的源协议地址是被询问的归属地址本身
	assert.Equal(t, net.IP{10, 0, 0, 2}, pkt.GetSenderProtocolAddress())
	assert.Equal(t, requester, pkt.GetTargetHardwareAddress())
	assert.Equal(t, net.IP{10, 0, 0, 9}, pkt.GetTargetProtocolAddress())

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.FramesReceived)
	assert.Equal(t, uint64(1), stats.RequestsAnswered)
}

func TestEngineIgnoresUnownedRequest(t *testing.T) {
	q := newFakeQueue(1)
	e := newTestEngine(t, q, nil)

	requester := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}
	q.inject(buildRequestFrame(t, requester, net.IP{10, 0, 0, 9}, net.IP{10, 9, 9, 9}))

	e.step()

	// 不归属本机：不代答，也不发否定应答
	assert.Equal(t, 0, len(q.sent))
	assert.Equal(t, 0, e.Cache().Len())

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.FramesReceived)
	assert.Equal(t, uint64(0), stats.RequestsAnswered)
	assert.Equal(t, uint64(0), stats.FramesDropped)
}

func TestEngineLearnsFromReply(t *testing.T) {
	q := newFakeQueue(1)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	e := newTestEngine(t, q, clock)
	e.cache.setRunning(true)

	neighbor := net.HardwareAddr{0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0x03}
	// 没有本机请求铺垫的应答同样被学习
	q.inject(buildReplyFrame(t, neighbor, net.IP{10, 0, 0, 50}, testLinkAddr, net.IP{10, 0, 0, 1}))

	e.step()

	mac, ts, err := e.Lookup(net.IP{10, 0, 0, 50})
	assert.Nil(t, err)
	assert.Equal(t, neighbor, mac)
	assert.Equal(t, clock.now, ts)
	assert.Equal(t, uint64(1), e.Stats().RepliesLearned)

	// 后写覆盖先写
	other := net.HardwareAddr{0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0x04}
	clock.now = clock.now.Add(time.Minute)
	q.inject(buildReplyFrame(t, other, net.IP{10, 0, 0, 50}, testLinkAddr, net.IP{10, 0, 0, 1}))

	e.step()

	mac, ts, err = e.Lookup(net.IP{10, 0, 0, 50})
	assert.Nil(t, err)
	assert.Equal(t, other, mac)
	assert.Equal(t, clock.now, ts)
}

func TestEngineSendsRequestForPending(t *testing.T) {
	q := newFakeQueue(1)
	e := newTestEngine(t, q, nil)
	e.cache.setRunning(true)

	mac, _, err := e.Lookup(net.IP{10, 1, 2, 3})
	assert.Nil(t, err)
	assert.Nil(t, mac)

	e.step()

	assert.Equal(t, 1, len(q.sent))
	frame := q.sent[0]

	eth := layers.Ethernet(frame)
	assert.Equal(t, layers.Broadcast, eth.GetDstAddress())
	assert.Equal(t, testLinkAddr, eth.GetSrcAddress())

	pkt, err := layers.ParseARP(frame[layers.LengthEthernet:])
	assert.Nil(t, err)
	assert.Equal(t, layers.ARPRequest, binary.Htons16(pkt.GetOpCode()))
	assert.Equal(t, testLinkAddr, pkt.GetSenderHardwareAddress())
	// 请求源协议地址使用首个归属地址
	assert.Equal(t, net.IP{10, 0, 0, 1}, pkt.GetSenderProtocolAddress())
	assert.Equal(t, layers.Broadcast, pkt.GetTargetHardwareAddress())
	assert.Equal(t, net.IP{10, 1, 2, 3}, pkt.GetTargetProtocolAddress())
	assert.Equal(t, uint64(1), e.Stats().RequestsSent)

	// 已发请求的表项不再重复补发
	e.step()
	e.step()
	assert.Equal(t, 1, len(q.sent))

	// 对应应答到达后查询命中
	neighbor := net.HardwareAddr{0xee, 0xee, 0xee, 0xee, 0xee, 0x05}
	q.inject(buildReplyFrame(t, neighbor, net.IP{10, 1, 2, 3}, testLinkAddr, net.IP{10, 0, 0, 1}))
	e.step()

	mac, _, err = e.Lookup(net.IP{10, 1, 2, 3})
	assert.Nil(t, err)
	assert.Equal(t, neighbor, mac)
}

func TestEngineRequestDroppedWhenTxFull(t *testing.T) {
	q := newFakeQueue(1)
	e := newTestEngine(t, q, nil)
	e.cache.setRunning(true)

	q.txBlocked = true
	_, _, _ = e.Lookup(net.IP{10, 1, 2, 4})

	e.step()

	assert.Equal(t, 0, len(q.sent))
	assert.Equal(t, uint64(1), e.Stats().TxDropped)

	// 发送失败不回滚不重试：表项停留在已发请求状态
	q.txBlocked = false
	e.step()
	assert.Equal(t, 0, len(q.sent))
	assert.Equal(t, uint64(0), e.Stats().RequestsSent)
}

func TestEngineDropsMalformedFrames(t *testing.T) {
	q := newFakeQueue(1)
	e := newTestEngine(t, q, nil)

	// 截断帧
	q.inject([]byte{0x01, 0x02, 0x03})

	// 非ARP以太类型
	alien := make([]byte, 60)
	eth := layers.Ethernet(alien)
	eth.SetDstAddress(layers.Broadcast)
	eth.SetSrcAddress(net.HardwareAddr{1, 2, 3, 4, 5, 6})
	eth.SetEthernetType(binary.Htons16(layers.EthernetTypeIPv4))
	q.inject(alien)

	// 长度字段声明超过实际载荷
	truncated := buildRequestFrame(t, net.HardwareAddr{1, 2, 3, 4, 5, 6}, net.IP{10, 0, 0, 9}, net.IP{10, 0, 0, 1})
	truncated[layers.LengthEthernet+5] = 16 // 协议地址长度
	q.inject(truncated[:lengthARPFrame])

	for i := 0; i < 3; i++ {
		e.step()
	}

	assert.Equal(t, 0, len(q.sent))
	assert.Equal(t, 0, e.Cache().Len())

	stats := e.Stats()
	assert.Equal(t, uint64(3), stats.FramesReceived)
	assert.Equal(t, uint64(3), stats.FramesDropped)
}

func TestEngineIgnoresAlienProfilesAndOpCodes(t *testing.T) {
	q := newFakeQueue(1)
	e := newTestEngine(t, q, nil)

	// 非Ethernet硬件类型
	exotic := buildRequestFrame(t, net.HardwareAddr{1, 2, 3, 4, 5, 6}, net.IP{10, 0, 0, 9}, net.IP{10, 0, 0, 1})
	pkt := layers.ARP(exotic[layers.LengthEthernet:])
	pkt.SetHardwareType(binary.Htons16(layers.ARPHardwareIEEE802))
	q.inject(exotic)

	// 未知操作码
	unknownOp := buildRequestFrame(t, net.HardwareAddr{1, 2, 3, 4, 5, 6}, net.IP{10, 0, 0, 9}, net.IP{10, 0, 0, 1})
	pkt = layers.ARP(unknownOp[layers.LengthEthernet:])
	pkt.SetOpCode(binary.Htons16(9))
	q.inject(unknownOp)

	e.step()
	e.step()

	// 值被原样保留，帧被忽略而不是按畸形丢弃
	assert.Equal(t, 0, len(q.sent))
	stats := e.Stats()
	assert.Equal(t, uint64(2), stats.FramesReceived)
	assert.Equal(t, uint64(0), stats.FramesDropped)
	assert.Equal(t, uint64(0), stats.RequestsAnswered)
}

func TestEngineProcessesOneFramePerStep(t *testing.T) {
	q := newFakeQueue(1)
	e := newTestEngine(t, q, nil)

	requester := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}
	for i := 0; i < 3; i++ {
		q.inject(buildRequestFrame(t, requester, net.IP{10, 0, 0, byte(20 + i)}, net.IP{10, 0, 0, 1}))
	}

	for i := 1; i <= 3; i++ {
		e.step()
		assert.Equal(t, i, len(q.sent))
	}
}

func TestEnginePollErrorContinues(t *testing.T) {
	q := newFakeQueue(1)
	e := newTestEngine(t, q, nil)
	e.cache.setRunning(true)

	// 收包故障的那一轮仍然要补发请求
	q.pollErr = errors.New("device gone")
	_, _, _ = e.Lookup(net.IP{10, 1, 2, 5})
	e.step()
	assert.Equal(t, 1, len(q.sent))

	// 故障恢复后恢复收包
	q.pollErr = nil
	requester := net.HardwareAddr{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}
	q.inject(buildRequestFrame(t, requester, net.IP{10, 0, 0, 9}, net.IP{10, 0, 0, 1}))
	e.step()
	assert.Equal(t, 2, len(q.sent))
}

func TestEngineStartStop(t *testing.T) {
	q := newFakeQueue(1)
	e := newTestEngine(t, q, nil)

	// 启动前查询被拒绝
	_, _, err := e.Lookup(net.IP{10, 50, 0, 1})
	assert.Equal(t, ErrEngineNotRunning, err)

	assert.Nil(t, e.Start())
	assert.Equal(t, ErrAlreadyStarted, e.Start())

	// 运行中查询放开，未命中触发工作协程广播请求
	_, _, err = e.Lookup(net.IP{10, 50, 0, 1})
	assert.Nil(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().RequestsSent == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, e.Stats().RequestsSent >= 1)

	e.Stop()
	_, _, err = e.Lookup(net.IP{10, 50, 0, 1})
	assert.Equal(t, ErrEngineNotRunning, err)

	// 重复Stop无效果，停止后可以再次启动
	e.Stop()
	assert.Nil(t, e.Start())
	e.Stop()
}

func TestEngineAnnounceOnStart(t *testing.T) {
	q := newFakeQueue(1)
	e, err := New(&Config{
		ReceiveQueue:    q,
		TransmitQueue:   q,
		LinkAddress:     testLinkAddr,
		OwnedAddresses:  testOwned,
		AnnounceOnStart: true,
	})
	assert.Nil(t, err)

	assert.Nil(t, e.Start())
	e.Stop()

	assert.Equal(t, uint64(2), e.Stats().Announced)
	assert.True(t, len(q.sent) >= 2)

	for i, owned := range testOwned {
		frame := q.sent[i]
		eth := layers.Ethernet(frame)
		assert.Equal(t, layers.Broadcast, eth.GetDstAddress())

		pkt, err := layers.ParseARP(frame[layers.LengthEthernet:])
		assert.Nil(t, err)
		// 免费ARP：发送方与目标协议地址都是宣告地址本身
		assert.Equal(t, layers.ARPReply, binary.Htons16(pkt.GetOpCode()))
		assert.Equal(t, owned.To4(), pkt.GetSenderProtocolAddress())
		assert.Equal(t, owned.To4(), pkt.GetTargetProtocolAddress())
		assert.Equal(t, layers.Broadcast, pkt.GetTargetHardwareAddress())
	}
}
