package ws

import "time"

// ClientMsg 客户端只有订阅和退订两种消息
type ClientMsg struct {
	Type   string   `json:"type"`   // "sub" | "unsub"
	Topics []string `json:"topics"` // batch / matches / settlement
}

// ServerMsg 事件和控制消息共用一个信封；Type 为事件类型或 subscribed / error
type ServerMsg struct {
	Type    string      `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Seq     uint64      `json:"seq,omitempty"`
	BatchID uint64      `json:"batchId,omitempty"`
	At      *time.Time  `json:"at,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Topics  []string    `json:"topics,omitempty"`
	Error   string      `json:"error,omitempty"`
}

const (
	MsgSubscribed = "subscribed"
	MsgError      = "error"
)
