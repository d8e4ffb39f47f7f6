package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkpool.com/internal/clock"
	"darkpool.com/internal/commitment"
	"darkpool.com/internal/engine"
	"darkpool.com/internal/order"
	"darkpool.com/internal/settlement"
	"darkpool.com/pkg/xerr"
)

const (
	window = time.Minute
	alice  = "0x00000000000000000000000000000000000a11ce"
	bob    = "0x0000000000000000000000000000000000000b0b"
	weth   = "0x1111111111111111111111111111111111111111"
	usdc   = "0x2222222222222222222222222222222222222222"
)

func commonAddr(s string) common.Address { return common.HexToAddress(s) }

type switchLedger struct {
	fail atomic.Bool
}

func (l *switchLedger) SubmitBatch(_ context.Context, batchID uint64, _ []settlement.Instruction) (string, error) {
	if l.fail.Load() {
		return "", errors.New("rpc unavailable")
	}
	return fmt.Sprintf("0x%064x", batchID), nil
}

type testServer struct {
	r      *gin.Engine
	eng    *engine.Engine
	ledger *switchLedger
	now    atomic.Int64
}

func newTestServer(t *testing.T, opts ...func(*Options)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := &testServer{ledger: &switchLedger{}}
	ts.now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())

	em := settlement.NewEmitter(ts.ledger, nil, settlement.Config{SubmitTimeout: time.Second})
	eng, err := engine.New(engine.Config{CommitWindow: window, RevealWindow: window}, em,
		engine.WithClock(func() time.Time { return time.Unix(0, ts.now.Load()).UTC() }))
	require.NoError(t, err)
	ts.eng = eng

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	opt := Options{
		Service: "darkpool_test",
		Tokens:  map[string]string{"WETH": weth, "USDC": usdc},
	}
	for _, o := range opts {
		o(&opt)
	}
	ts.r, err = NewRouter(ctx, eng, opt)
	require.NoError(t, err)
	return ts
}

// tick 推进一个窗口；进入 EXECUTE 时等结算完成
func (ts *testServer) tick(t *testing.T, to clock.Phase) {
	t.Helper()
	now := time.Unix(0, ts.now.Add(int64(window))).UTC()
	tr, ok := ts.eng.Tick(context.Background(), now)
	require.True(t, ok)
	require.Equal(t, to, tr.To)
	if to == clock.Execute {
		ts.eng.WaitSettlements()
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode(t *testing.T, env envelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func submit(t *testing.T, ts *testServer, trader, side, amount, price string) engine.CommitReceipt {
	t.Helper()
	code, env := ts.do(t, http.MethodPost, "/api/orders", map[string]string{
		"trader": trader, "tokenA": "WETH", "tokenB": "USDC",
		"amount": amount, "price": price, "orderType": side,
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	var rc engine.CommitReceipt
	decode(t, env, &rc)
	require.NotEmpty(t, rc.Salt)
	return rc
}

func TestAPI_FullBatch(t *testing.T) {
	ts := newTestServer(t)

	buy := submit(t, ts, alice, "BUY", "100", "0.01")
	sell := submit(t, ts, bob, "SELL", "100", "0.01")

	code, env := ts.do(t, http.MethodGet, "/api/batch/current", nil)
	require.Equal(t, http.StatusOK, code)
	var cur batchResp
	decode(t, env, &cur)
	assert.Equal(t, uint64(1), cur.BatchID)
	assert.Equal(t, clock.Commit, cur.Phase)
	assert.Equal(t, int64(window/time.Millisecond), cur.TimeRemaining)
	assert.Equal(t, 2, cur.OrdersCommitted)

	// COMMIT 阶段不能 reveal
	reveal := map[string]string{"salt": buy.Salt, "amount": "100", "price": "0.01", "orderType": "BUY"}
	code, env = ts.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/reveal", buy.OrderID), reveal)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, xerr.PhaseError, env.Code)

	// 提交之后订单视图不含明文
	code, env = ts.do(t, http.MethodGet, fmt.Sprintf("/api/orders/%d", buy.OrderID), nil)
	require.Equal(t, http.StatusOK, code)
	var ov orderView
	decode(t, env, &ov)
	assert.Equal(t, order.Committed, ov.Status)
	assert.Empty(t, ov.Amount)
	assert.Empty(t, ov.OrderType)
	assert.Empty(t, ov.Trader, "trader stays hidden until reveal")
	assert.NotContains(t, string(env.Data), "trader")

	ts.tick(t, clock.Reveal)

	code, env = ts.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/reveal", buy.OrderID), reveal)
	require.Equal(t, http.StatusOK, code, env.Message)
	code, env = ts.do(t, http.MethodGet, fmt.Sprintf("/api/orders/%d", buy.OrderID), nil)
	require.Equal(t, http.StatusOK, code)
	ov = orderView{}
	decode(t, env, &ov)
	assert.Equal(t, order.Revealed, ov.Status)
	assert.True(t, strings.EqualFold(alice, ov.Trader), ov.Trader)
	assert.Equal(t, "100", ov.Amount)
	code, env = ts.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/reveal", sell.OrderID), map[string]string{
		"salt": sell.Salt, "amount": "100", "price": "0.01", "orderType": "SELL",
		"trader": bob, "tokenA": "WETH", "tokenB": "USDC",
	})
	require.Equal(t, http.StatusOK, code, env.Message)

	ts.tick(t, clock.Execute)

	code, env = ts.do(t, http.MethodGet, "/api/batches/1", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var br batchResultResp
	decode(t, env, &br)
	assert.Equal(t, 2, br.TotalOrders)
	require.Equal(t, 1, br.TotalMatches)
	assert.Equal(t, buy.OrderID, br.Matches[0].BuyOrderID)
	assert.Equal(t, sell.OrderID, br.Matches[0].SellOrderID)
	assert.Equal(t, "100", br.Matches[0].MatchedAmount)
	assert.Equal(t, "0.01", br.Matches[0].ExecutionPrice)
	require.NotNil(t, br.Settlement)
	assert.Equal(t, settlement.StatusSettled, br.Settlement.Status)
	assert.Equal(t, br.Settlement.TxHash, br.TxHash)

	code, env = ts.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, code)
	var st engine.Stats
	decode(t, env, &st)
	assert.Equal(t, uint64(2), st.TotalOrders)
	assert.Equal(t, uint64(1), st.TotalMatches)
	assert.Equal(t, uint64(2), st.CurrentBatch)
	assert.Equal(t, uint64(1), st.Settled)
}

func TestAPI_RevealRejections(t *testing.T) {
	ts := newTestServer(t)
	rc := submit(t, ts, alice, "BUY", "5", "2")
	ts.tick(t, clock.Reveal)

	path := fmt.Sprintf("/api/orders/%d/reveal", rc.OrderID)

	// 篡改数量
	code, env := ts.do(t, http.MethodPost, path, map[string]string{
		"salt": rc.Salt, "amount": "6", "price": "2", "orderType": "BUY",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, xerr.HashMismatch, env.Code)

	code, env = ts.do(t, http.MethodPost, path, map[string]string{
		"salt": rc.Salt, "amount": "5", "price": "2", "orderType": "BUY", "trader": bob,
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, xerr.Unauthorized, env.Code)

	code, env = ts.do(t, http.MethodPost, path, map[string]string{
		"salt": rc.Salt, "amount": "0.0000000000000000001", "price": "2", "orderType": "BUY",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, xerr.BadRequest, env.Code)

	code, _ = ts.do(t, http.MethodPost, "/api/orders/999/reveal", map[string]string{
		"salt": rc.Salt, "amount": "5", "price": "2", "orderType": "BUY",
	})
	assert.Equal(t, http.StatusNotFound, code)

	// 失败的尝试不影响正确的 reveal，但只能 reveal 一次
	ok := map[string]string{"salt": rc.Salt, "amount": "5", "price": "2", "orderType": "BUY"}
	code, _ = ts.do(t, http.MethodPost, path, ok)
	assert.Equal(t, http.StatusOK, code)
	code, env = ts.do(t, http.MethodPost, path, ok)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, xerr.InvalidState, env.Code)
}

func TestAPI_CommitClientHashAndCancel(t *testing.T) {
	ts := newTestServer(t)

	p := commitment.Plain{
		Trader: commonAddr(alice),
		TokenA: commonAddr(usdc),
		TokenB: commonAddr(weth),
		Side:   order.Sell,
	}
	p.Amount, _ = order.ParseFixed("1.5")
	p.Price, _ = order.ParseFixed("3000")
	p.Salt[0] = 7
	h, err := commitment.Hash(p)
	require.NoError(t, err)

	code, env := ts.do(t, http.MethodPost, "/api/orders/commit", map[string]string{
		"trader": alice, "tokenA": usdc, "tokenB": weth, "commitHash": h.Hex(),
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	var rc engine.CommitReceipt
	decode(t, env, &rc)
	assert.Equal(t, h, rc.CommitHash)
	assert.Empty(t, rc.Salt)

	// 同一批次重复 hash
	code, env = ts.do(t, http.MethodPost, "/api/orders/commit", map[string]string{
		"trader": alice, "tokenA": usdc, "tokenB": weth, "commitHash": h.Hex(),
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, xerr.InvalidState, env.Code)

	code, _ = ts.do(t, http.MethodPost, "/api/orders/commit", map[string]string{
		"trader": alice, "tokenA": "DOGE", "tokenB": weth, "commitHash": h.Hex(),
	})
	assert.Equal(t, http.StatusBadRequest, code)

	cancel := fmt.Sprintf("/api/orders/%d/cancel", rc.OrderID)
	code, env = ts.do(t, http.MethodPost, cancel, map[string]string{"trader": bob})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, xerr.Unauthorized, env.Code)

	code, _ = ts.do(t, http.MethodPost, cancel, map[string]string{"trader": alice})
	require.Equal(t, http.StatusOK, code)

	code, env = ts.do(t, http.MethodGet, fmt.Sprintf("/api/orders/%d", rc.OrderID), nil)
	require.Equal(t, http.StatusOK, code)
	var ov orderView
	decode(t, env, &ov)
	assert.Equal(t, order.Cancelled, ov.Status)

	code, _ = ts.do(t, http.MethodGet, "/api/orders/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func processBody(batchID uint64) map[string]interface{} {
	return map[string]interface{}{
		"batchId": batchID,
		"orders": []map[string]interface{}{
			{"orderId": 11, "trader": alice, "tokenA": "WETH", "tokenB": "USDC", "amount": "10", "price": "1", "orderType": "BUY"},
			{"orderId": 12, "trader": bob, "tokenA": "WETH", "tokenB": "USDC", "amount": "4", "price": "0.9", "orderType": "SELL"},
		},
	}
}

func TestAPI_ProcessBatch(t *testing.T) {
	ts := newTestServer(t)

	// 当前批次
	code, env := ts.do(t, http.MethodPost, "/api/batches/process", processBody(1))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, xerr.PhaseError, env.Code)

	ts.tick(t, clock.Reveal)
	ts.tick(t, clock.Execute)

	// 引擎执行过的空批次，忽略传入的订单
	code, env = ts.do(t, http.MethodPost, "/api/batches/process", processBody(1))
	require.Equal(t, http.StatusOK, code, env.Message)
	var br batchResultResp
	decode(t, env, &br)
	assert.False(t, br.External)
	assert.Zero(t, br.TotalMatches)

	bad := processBody(1)
	bad["orders"].([]map[string]interface{})[0]["amount"] = "-1"
	code, _ = ts.do(t, http.MethodPost, "/api/batches/process", bad)
	assert.Equal(t, http.StatusBadRequest, code)

	// 超过 2^128-1 的原始值
	huge := processBody(1)
	huge["orders"].([]map[string]interface{})[1]["amount"] = "340282366920938463464"
	code, env = ts.do(t, http.MethodPost, "/api/batches/process", huge)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Message, "2^128")
}

func TestAPI_ResubmitFailedSettlement(t *testing.T) {
	ts := newTestServer(t)
	ts.ledger.fail.Store(true)

	buy := submit(t, ts, alice, "BUY", "3", "1")
	sell := submit(t, ts, bob, "SELL", "3", "1")
	ts.tick(t, clock.Reveal)
	for _, r := range []struct {
		rc   engine.CommitReceipt
		side string
	}{{buy, "BUY"}, {sell, "SELL"}} {
		code, env := ts.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/reveal", r.rc.OrderID), map[string]string{
			"salt": r.rc.Salt, "amount": "3", "price": "1", "orderType": r.side,
		})
		require.Equal(t, http.StatusOK, code, env.Message)
	}
	ts.tick(t, clock.Execute)

	code, env := ts.do(t, http.MethodGet, "/api/batches/1", nil)
	require.Equal(t, http.StatusOK, code)
	var br batchResultResp
	decode(t, env, &br)
	require.NotNil(t, br.Settlement)
	assert.Equal(t, settlement.StatusFailed, br.Settlement.Status)
	assert.Equal(t, 1, br.TotalMatches, "matches preserved for resubmission")

	code, env = ts.do(t, http.MethodPost, "/api/batches/1/resubmit", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, xerr.SettlementFailure, env.Code)

	ts.ledger.fail.Store(false)
	code, env = ts.do(t, http.MethodPost, "/api/batches/1/resubmit", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var rep settlement.Report
	decode(t, env, &rep)
	assert.Equal(t, settlement.StatusSettled, rep.Status)
	assert.Equal(t, 3, rep.Attempts)

	code, _ = ts.do(t, http.MethodPost, "/api/batches/1/resubmit", nil)
	assert.Equal(t, http.StatusConflict, code, "only FAILED settlements can be resubmitted")

	code, _ = ts.do(t, http.MethodGet, "/api/batches/42", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_MetricsAndRequestID(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/stats", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ts.r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "darkpool_batch_id"))

	req = httptest.NewRequest(http.MethodGet, "/api/batch/current", nil)
	w = httptest.NewRecorder()
	ts.r.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestTokens(t *testing.T) {
	_, err := NewTokens(map[string]string{"BAD": "0x12"})
	require.Error(t, err)

	tk, err := NewTokens(map[string]string{"weth": weth})
	require.NoError(t, err)
	a, err := tk.Resolve("tokenA", " WETH ")
	require.NoError(t, err)
	assert.Equal(t, commonAddr(weth), a)

	a, err = tk.Resolve("tokenA", usdc)
	require.NoError(t, err)
	assert.Equal(t, commonAddr(usdc), a)

	_, err = tk.Resolve("tokenA", "DOGE")
	assert.Equal(t, xerr.BadRequest, xerr.CodeOf(err))
}
