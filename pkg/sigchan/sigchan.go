package sigchan

// Chan 是一个非阻塞的信号 channel：通知事件发生，不传递数据。
// Emitting into a full buffer is a no-op, so a burst of triggers collapses
// into one wake-up.
type Chan struct {
	c chan struct{}
}

func New(bufferSize int) *Chan {
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发送信号（非阻塞）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C returns the receive side for use in select.
func (c *Chan) C() <-chan struct{} {
	return c.c
}
