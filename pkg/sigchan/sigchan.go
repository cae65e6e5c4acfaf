package sigchan

import "sync"

// Chan 是一个非阻塞的信号 channel
// 用于通知事件发生（如"有新成交待对账"），不传递数据
type Chan struct {
	c         chan struct{}
	closeOnce sync.Once
}

// New 创建新的信号 channel
func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发送信号（非阻塞）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
		// channel 已满时丢弃，接收方醒来后会一次性处理完积压
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Close 关闭信号 channel（幂等）
func (c *Chan) Close() {
	c.closeOnce.Do(func() {
		close(c.c)
	})
}
