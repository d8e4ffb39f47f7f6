package engine

import (
	"context"
	"sync/atomic"

	"darkpool.com/pkg/metrics"
)

// ChanBus 有界事件总线；生命周期线程只用 TryPublish，下游慢时丢弃并计数
type ChanBus struct {
	ch      chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func NewChanBus(size int) *ChanBus {
	if size <= 0 {
		size = 1 << 12
	}
	return &ChanBus{ch: make(chan Event, size)}
}

func (b *ChanBus) TryPublish(ev Event) bool {
	ev.Seq = b.seq.Add(1)
	select {
	case b.ch <- ev:
		return true
	default:
		b.dropped.Add(1)
		metrics.EventsDropped.Inc()
		return false
	}
}

func (b *ChanBus) C() <-chan Event { return b.ch }
func (b *ChanBus) Dropped() uint64 { return b.dropped.Load() }

// Publish 阻塞版本，只给不在生命周期线程里的调用方
func (b *ChanBus) Publish(ctx context.Context, ev Event) error {
	ev.Seq = b.seq.Add(1)
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
