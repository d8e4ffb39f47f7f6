package ws

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"darkpool.com/pkg/metrics"
)

// Conn 每个连接一个有界 FIFO；队列满说明客户端跟不上，直接断开，
// 事件流不允许静默丢中间的消息
type Conn struct {
	id  string
	ws  *websocket.Conn
	hub *Hub

	mu     sync.Mutex
	queue  [][]byte
	max    int
	notify chan struct{} // 缓冲 1：合并唤醒

	closed    atomic.Bool
	slow      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(id string, h *Hub, ws *websocket.Conn, max int) *Conn {
	if max <= 0 {
		max = 1024
	}
	return &Conn{
		id:     id,
		ws:     ws,
		hub:    h,
		max:    max,
		queue:  make([][]byte, 0, 64),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Offer(payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	if len(c.queue) >= c.max {
		c.mu.Unlock()
		metrics.WsDroppedTotal.WithLabelValues("slow_consumer").Inc()
		c.slow.Store(true)
		c.Close()
		return false
	}
	c.queue = append(c.queue, payload)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// flush 按顺序取出最多 max 条
func (c *Conn) flush(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	out := make([][]byte, n)
	copy(out, c.queue[:n])
	rest := copy(c.queue, c.queue[n:])
	for i := rest; i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = c.queue[:rest]
	if rest > 0 {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	return out
}

func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close 只通知 writePump 退出，底层连接由 pump 关闭
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }
