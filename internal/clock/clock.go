package clock

import (
	"sync"
	"time"
)

// Clock 时间抽象，生产环境使用 Real，测试使用 Fake
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *time.Ticker
}

type realClock struct{}

// Real 系统时钟
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

// FakeClock 手动推进的时钟，只在 Advance/Set 时变化
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// Fake 创建测试时钟
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now 当前时间
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTicker 测试中周期任务通过直接调用触发，这里返回一个不会触发的 ticker
func (c *FakeClock) NewTicker(d time.Duration) *time.Ticker {
	t := time.NewTicker(d)
	t.Stop()
	return t
}

// Advance 推进时间
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// Set 设置时间
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}
