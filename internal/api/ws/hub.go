package ws

import (
	"context"
	"sync"

	"github.com/segmentio/encoding/json"

	"darkpool.com/internal/engine"
)

// Hub topic 订阅表 + 每个 topic 最近一条消息（订阅时回放）。
// 实现 engine.Sink，由 Publisher 投递事件。
type Hub struct {
	mu     sync.RWMutex
	topics map[string]struct{}
	subs   map[string]map[*Conn]struct{} // topic -> set(conn)
	last   map[string][]byte             // topic -> last payload (snapshot)
}

func NewHub(topics ...string) *Hub {
	if len(topics) == 0 {
		topics = engine.Topics
	}
	h := &Hub{
		topics: make(map[string]struct{}, len(topics)),
		subs:   make(map[string]map[*Conn]struct{}, len(topics)),
		last:   make(map[string][]byte, len(topics)),
	}
	for _, t := range topics {
		h.topics[t] = struct{}{}
	}
	return h
}

func (h *Hub) Name() string { return "ws" }

func (h *Hub) Deliver(_ context.Context, ev engine.Event) error {
	at := ev.At
	payload, err := json.Marshal(ServerMsg{
		Type:    string(ev.Type),
		Topic:   ev.Topic(),
		Seq:     ev.Seq,
		BatchID: ev.BatchID,
		At:      &at,
		Data:    ev.Data,
	})
	if err != nil {
		return err
	}
	h.Publish(ev.Topic(), payload)
	return nil
}

// Subscribe 返回被拒绝的 topic；接受的 topic 有快照就立即回放
func (h *Hub) Subscribe(c *Conn, topics []string) (rejected []string) {
	var snaps [][]byte

	// 记录订阅和回放快照在同一把锁里，和并发的 Publish 之间不会漏也不会乱序
	h.mu.Lock()
	for _, t := range topics {
		if _, ok := h.topics[t]; !ok {
			rejected = append(rejected, t)
			continue
		}
		set := h.subs[t]
		if set == nil {
			set = make(map[*Conn]struct{}, 16)
			h.subs[t] = set
		}
		if _, dup := set[c]; dup {
			continue
		}
		set[c] = struct{}{}
		if b := h.last[t]; b != nil {
			snaps = append(snaps, b)
		}
	}
	for _, b := range snaps {
		c.Offer(b)
	}
	h.mu.Unlock()
	return rejected
}

func (h *Hub) Unsubscribe(c *Conn, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		if set := h.subs[t]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
}

func (h *Hub) RemoveConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, m := range h.subs {
		delete(m, c)
		if len(m) == 0 {
			delete(h.subs, topic)
		}
	}
}

// Publish 广播给 topic 的所有订阅者；payload 之后只读。
// 对每个 conn 都是非阻塞 Offer，慢客户端不会卡住广播。
func (h *Hub) Publish(topic string, payload []byte) {
	h.mu.Lock()
	h.last[topic] = payload
	conns := make([]*Conn, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Offer(payload)
	}
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
