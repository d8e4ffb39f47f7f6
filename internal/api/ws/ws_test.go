package ws

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkpool.com/internal/engine"
)

type client struct {
	*websocket.Conn
	pending [][]byte
}

func dial(t *testing.T, hub *Hub) *client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(NewServer(ctx, hub, Options{}))
	t.Cleanup(srv.Close)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &client{Conn: c}
}

// next 读到满足条件的消息为止；一帧里可能有多条以换行分隔的消息
func next(t *testing.T, c *client, match func(ServerMsg) bool) ServerMsg {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if len(c.pending) == 0 {
			_, frame, err := c.ReadMessage()
			require.NoError(t, err)
			c.pending = bytes.Split(frame, []byte{'\n'})
		}
		line := c.pending[0]
		c.pending = c.pending[1:]
		var m ServerMsg
		require.NoError(t, json.Unmarshal(line, &m))
		if match(m) {
			return m
		}
	}
}

func sub(t *testing.T, c *client, topics ...string) {
	t.Helper()
	b, _ := json.Marshal(ClientMsg{Type: "sub", Topics: topics})
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

func ofType(typ string) func(ServerMsg) bool {
	return func(m ServerMsg) bool { return m.Type == typ }
}

func TestWS_SubscribeReceivesEvents(t *testing.T) {
	hub := NewHub()
	c := dial(t, hub)

	sub(t, c, engine.TopicMatches, "orders")
	bad := next(t, c, ofType(MsgError))
	assert.Equal(t, []string{"orders"}, bad.Topics)
	next(t, c, ofType(MsgSubscribed))
	require.Eventually(t, func() bool { return hub.Subscribers(engine.TopicMatches) == 1 }, time.Second, 5*time.Millisecond)

	// 没订阅的 topic 收不到
	require.NoError(t, hub.Deliver(context.Background(), engine.Event{
		Type: engine.EvPhaseChanged, Seq: 1, BatchID: 1,
		Data: engine.BatchEvent{BatchID: 1, Phase: "REVEAL"},
	}))
	require.NoError(t, hub.Deliver(context.Background(), engine.Event{
		Type: engine.EvBatchMatched, Seq: 2, BatchID: 1,
		Data: engine.MatchedEvent{Volume: "100"},
	}))

	m := next(t, c, func(m ServerMsg) bool { return m.Topic != "" })
	assert.Equal(t, string(engine.EvBatchMatched), m.Type)
	assert.Equal(t, engine.TopicMatches, m.Topic)
	assert.Equal(t, uint64(2), m.Seq)
	data, ok := m.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "100", data["volume"])
}

func TestWS_SnapshotReplayedOnSubscribe(t *testing.T) {
	hub := NewHub()
	require.NoError(t, hub.Deliver(context.Background(), engine.Event{
		Type: engine.EvBatchOpened, Seq: 7, BatchID: 3,
		Data: engine.BatchEvent{BatchID: 3, Phase: "COMMIT"},
	}))

	c := dial(t, hub)
	sub(t, c, engine.TopicBatch)
	m := next(t, c, func(m ServerMsg) bool { return m.Topic == engine.TopicBatch })
	assert.Equal(t, string(engine.EvBatchOpened), m.Type)
	assert.Equal(t, uint64(3), m.BatchID)
}

func TestConn_SlowConsumerIsClosed(t *testing.T) {
	c := NewConn("c1", NewHub(), nil, 2)
	assert.True(t, c.Offer([]byte("a")))
	assert.True(t, c.Offer([]byte("b")))
	assert.False(t, c.Offer([]byte("c")))

	select {
	case <-c.Done():
	default:
		t.Fatal("conn should be closed")
	}
	assert.False(t, c.Offer([]byte("d")))

	// 已经排队的消息按顺序保留
	got := c.flush(maxFlush)
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0]))
	assert.Equal(t, "b", string(got[1]))
}

func TestConn_FlushKeepsOrderAcrossBatches(t *testing.T) {
	c := NewConn("c1", NewHub(), nil, 1000)
	for i := 0; i < maxFlush+10; i++ {
		c.Offer([]byte(strconv.Itoa(i)))
	}
	first := c.flush(maxFlush)
	require.Len(t, first, maxFlush)
	assert.Equal(t, "0", string(first[0]))
	rest := c.flush(maxFlush)
	require.Len(t, rest, 10)
	assert.Equal(t, strconv.Itoa(maxFlush), string(rest[0]))
	assert.Zero(t, c.Pending())
}
