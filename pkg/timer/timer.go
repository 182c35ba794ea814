package timer

import (
	"sync/atomic"
	"time"
)

// Clock 为解析表提供学习时间戳的时钟源
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// System 直接读取系统时间
var System Clock = systemClock{}

// Coarse 内置粗粒度定时器，按固定分辨率缓存系统时间，
// 热路径取时间戳时无需每次陷入系统调用
type Coarse struct {
	now     int64
	stopped int32
	ticker  *time.Ticker
}

// NewCoarse 创建并启动一个粗粒度时钟
func NewCoarse(resolution time.Duration) *Coarse {
	if resolution <= 0 {
		resolution = time.Second
	}

	c := &Coarse{
		now:    time.Now().UnixNano(),
		ticker: time.NewTicker(resolution),
	}
	go func() {
		for range c.ticker.C {
			if atomic.LoadInt32(&c.stopped) != 0 {
				return
			}
			atomic.StoreInt64(&c.now, time.Now().UnixNano())
		}
	}()
	return c
}

func (c *Coarse) Now() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.now))
}

// Stop 停止后台刷新，之后Now返回最后一次缓存的时间
func (c *Coarse) Stop() {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return
	}
	c.ticker.Stop()
}
