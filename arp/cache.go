package arp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

// ErrEngineNotRunning 所属引擎未运行时查询解析表返回
var ErrEngineNotRunning = errors.New("resolution engine is not running")

// 表项状态机：登记待解析 → 已发请求 → 已解析。
// 已解析的表项可以被新的学习结果直接覆盖。
const (
	statePending uint8 = iota + 1
	stateRequested
	stateResolved
)

type cacheEntry struct {
	state     uint8
	mac       net.HardwareAddr
	learnedAt time.Time
}

// Cache 是IPv4到MAC的解析表。查询可在任意协程并发进行，
// 写入（学习、请求状态迁移）只由所属引擎的工作协程执行。
// 表项没有老化和重试：解析结果一直有效，直到被新的学习覆盖。
type Cache struct {
	mu         sync.Mutex
	entries    map[uint32]*cacheEntry
	numPending int32
	running    int32
}

// NewCache 创建空解析表。
func NewCache() *Cache {
	return &Cache{
		entries: make(map[uint32]*cacheEntry),
	}
}

// ipv4Key 将IPv4地址规格化为定宽键，非IPv4地址返回false。
func ipv4Key(addr net.IP) (uint32, bool) {
	ip := addr.To4()
	if ip == nil {
		return 0, false
	}
	return *(*uint32)(unsafe.Pointer(&ip[0])), true
}

// ipFromKey 是 ipv4Key 的逆变换。
func ipFromKey(key uint32) net.IP {
	ip := make(net.IP, 4)
	*(*uint32)(unsafe.Pointer(&ip[0])) = key
	return ip
}

// Lookup 查询addr对应的MAC及其学习时间。
// 表中没有addr时登记一条待解析表项并返回未命中，由引擎在循环内补发
// ARP请求；并发的重复查询只会登记一次。已登记未解析的查询同样返回
// 未命中且不改变状态。引擎未运行时返回 ErrEngineNotRunning。
func (c *Cache) Lookup(addr net.IP) (net.HardwareAddr, time.Time, error) {
	if atomic.LoadInt32(&c.running) == 0 {
		return nil, time.Time{}, ErrEngineNotRunning
	}

	key, ok := ipv4Key(addr)
	if !ok {
		return nil, time.Time{}, ErrInvalidAddress
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.entries[key] = &cacheEntry{state: statePending}
		atomic.AddInt32(&c.numPending, 1)
		c.mu.Unlock()
		return nil, time.Time{}, nil
	}
	if e.state != stateResolved {
		c.mu.Unlock()
		return nil, time.Time{}, nil
	}
	mac := e.mac
	learnedAt := e.learnedAt
	c.mu.Unlock()

	return mac, learnedAt, nil
}

// Len 返回表项总数。
func (c *Cache) Len() int {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return n
}

// learn 无条件将key的解析结果覆盖为mac，后写覆盖先写。
// mac会被复制，调用方可以立即回收传入的帧缓冲。
func (c *Cache) learn(key uint32, mac net.HardwareAddr, when time.Time) {
	if len(mac) < 6 {
		return
	}
	dup := make(net.HardwareAddr, 6)
	copy(dup, mac)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.entries[key] = &cacheEntry{state: stateResolved, mac: dup, learnedAt: when}
		c.mu.Unlock()
		return
	}
	if e.state == statePending {
		atomic.AddInt32(&c.numPending, -1)
	}
	e.state = stateResolved
	e.mac = dup
	e.learnedAt = when
	c.mu.Unlock()
}

// markRequested 将待解析表项迁移为已发请求，返回迁移是否发生。
// 返回false说明表项已不在待解析状态，调用方不应再为其发请求。
func (c *Cache) markRequested(key uint32) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.state != statePending {
		c.mu.Unlock()
		return false
	}
	e.state = stateRequested
	atomic.AddInt32(&c.numPending, -1)
	c.mu.Unlock()
	return true
}

// forEachPending 对当前时刻的待解析键集合做快照后逐个回调。
// 回调在锁外执行，允许再次操作解析表；快照之后登记的键留待下轮。
// 没有待解析表项时为零开销快速路径。
func (c *Cache) forEachPending(fn func(key uint32)) {
	if atomic.LoadInt32(&c.numPending) == 0 {
		return
	}

	c.mu.Lock()
	keys := make([]uint32, 0, atomic.LoadInt32(&c.numPending))
	for k, e := range c.entries {
		if e.state == statePending {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		fn(k)
	}
}

// setRunning 由引擎在启停时放开或关闭查询。
func (c *Cache) setRunning(running bool) {
	if running {
		atomic.StoreInt32(&c.running, 1)
		return
	}
	atomic.StoreInt32(&c.running, 0)
}
