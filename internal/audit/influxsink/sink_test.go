package influxsink

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkpool.com/internal/engine"
	"darkpool.com/internal/matching"
	"darkpool.com/internal/settlement"
)

var at = time.Unix(1767225600, 0).UTC()

func TestPoints_Clearing(t *testing.T) {
	ev := engine.Event{Type: engine.EvBatchMatched, BatchID: 9, At: at, Data: engine.MatchedEvent{
		ResultView: matching.ResultView{BatchID: 9, Pairs: []matching.ClearingView{
			{Pair: "0xaa/0xbb", Crossed: true, ClearingPrice: "1.5", Volume: "100", Buys: 2, Sells: 1},
			{Pair: "0xaa/0xcc", Crossed: false, Volume: "0", Buys: 1},
		}},
	}}
	ps := Points(ev)
	require.Len(t, ps, 2)

	line := write.PointToLineProtocol(ps[0], time.Second)
	assert.True(t, strings.HasPrefix(line, "clearing,pair=0xaa/0xbb "), line)
	assert.Contains(t, line, "price=1.5")
	assert.Contains(t, line, "volume=100")
	assert.Contains(t, line, "buys=2i")
	assert.Contains(t, line, `batch_id="9"`)
	assert.Contains(t, line, "1767225600")

	// 没交叉的交易对没有价格
	line = write.PointToLineProtocol(ps[1], time.Second)
	assert.NotContains(t, line, "price=")
	assert.Contains(t, line, "crossed=false")
}

func TestPoints_Settlement(t *testing.T) {
	ps := Points(engine.Event{Type: engine.EvSettlement, BatchID: 3, At: at, Data: engine.SettlementEvent{
		BatchID: 3, Status: settlement.StatusFailed, Attempts: 2, Instructions: 5,
	}})
	require.Len(t, ps, 1)
	line := write.PointToLineProtocol(ps[0], time.Second)
	assert.True(t, strings.HasPrefix(line, "settlement,status=FAILED "), line)
	assert.Contains(t, line, "attempts=2i")
	assert.Contains(t, line, "instructions=5i")
}

func TestPoints_IgnoresPhaseEvents(t *testing.T) {
	assert.Empty(t, Points(engine.Event{Type: engine.EvPhaseChanged, Data: engine.BatchEvent{}}))
}
