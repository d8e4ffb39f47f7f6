package http

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"darkpool.com/internal/clock"
	"darkpool.com/internal/commitment"
	"darkpool.com/internal/engine"
	"darkpool.com/internal/matching"
	"darkpool.com/internal/order"
	"darkpool.com/internal/settlement"
	pkgcommon "darkpool.com/pkg/common"
	"darkpool.com/pkg/xerr"
)

type Handler struct {
	eng    *engine.Engine
	tokens *Tokens
}

func badRequest(format string, args ...interface{}) error {
	return xerr.New(xerr.BadRequest, fmt.Sprintf(format, args...))
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		pkgcommon.FailErr(c, xerr.Wrap(err, xerr.BadRequest, "invalid request body"))
		return false
	}
	return true
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		pkgcommon.FailErr(c, badRequest("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func positive(field, s string) (uint256.Int, error) {
	v, err := order.ParsePositive(s)
	if err != nil {
		return v, badRequest("%s: %v", field, err)
	}
	return v, nil
}

type batchResp struct {
	BatchID         uint64      `json:"batchId"`
	Phase           clock.Phase `json:"phase"`
	Deadline        *time.Time  `json:"deadline,omitempty"`
	TimeRemaining   int64       `json:"timeRemaining"` // 毫秒
	OrdersCommitted int         `json:"ordersCommitted"`
	OrdersRevealed  int         `json:"ordersRevealed"`
}

func (h *Handler) CurrentBatch(c *gin.Context) {
	info := h.eng.CurrentBatch()
	resp := batchResp{
		BatchID:         info.BatchID,
		Phase:           info.Phase,
		TimeRemaining:   info.TimeRemaining.Milliseconds(),
		OrdersCommitted: info.OrdersCommitted,
		OrdersRevealed:  info.OrdersRevealed,
	}
	if !info.Deadline.IsZero() {
		d := info.Deadline
		resp.Deadline = &d
	}
	pkgcommon.Success(c, resp)
}

func (h *Handler) Stats(c *gin.Context) {
	pkgcommon.Success(c, h.eng.Stats())
}

type plainReq struct {
	Trader    string `json:"trader" binding:"required"`
	TokenA    string `json:"tokenA" binding:"required"`
	TokenB    string `json:"tokenB" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Price     string `json:"price" binding:"required"`
	OrderType string `json:"orderType" binding:"required"`
	Salt      string `json:"salt"`
}

func (h *Handler) plain(r plainReq) (commitment.Plain, bool, error) {
	var p commitment.Plain
	var err error
	if p.Trader, err = parseAddress("trader", r.Trader); err != nil {
		return p, false, err
	}
	if p.TokenA, err = h.tokens.Resolve("tokenA", r.TokenA); err != nil {
		return p, false, err
	}
	if p.TokenB, err = h.tokens.Resolve("tokenB", r.TokenB); err != nil {
		return p, false, err
	}
	if p.Amount, err = positive("amount", r.Amount); err != nil {
		return p, false, err
	}
	if p.Price, err = positive("price", r.Price); err != nil {
		return p, false, err
	}
	if p.Side, err = order.ParseSide(r.OrderType); err != nil {
		return p, false, badRequest("orderType: %v", err)
	}
	if r.Salt == "" {
		return p, false, nil
	}
	if p.Salt, err = commitment.ParseSalt(r.Salt); err != nil {
		return p, false, badRequest("%v", err)
	}
	return p, true, nil
}

// SubmitOrder 服务端代算 hash，只保存 hash；返回的 salt 是 reveal 的唯一凭据
func (h *Handler) SubmitOrder(c *gin.Context) {
	var req plainReq
	if !bind(c, &req) {
		return
	}
	p, salted, err := h.plain(req)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	rc, err := h.eng.CommitPlain(c.Request.Context(), p, salted)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, rc)
}

type commitReq struct {
	Trader     string `json:"trader" binding:"required"`
	TokenA     string `json:"tokenA" binding:"required"`
	TokenB     string `json:"tokenB" binding:"required"`
	CommitHash string `json:"commitHash" binding:"required"`
}

func (h *Handler) Commit(c *gin.Context) {
	var req commitReq
	if !bind(c, &req) {
		return
	}
	trader, err := parseAddress("trader", req.Trader)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	a, err := h.tokens.Resolve("tokenA", req.TokenA)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	b, err := h.tokens.Resolve("tokenB", req.TokenB)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	raw, err := hexutil.Decode(req.CommitHash)
	if err != nil || len(raw) != common.HashLength {
		pkgcommon.FailErr(c, badRequest("commitHash: want 0x-prefixed 32 bytes"))
		return
	}
	rc, err := h.eng.Commit(c.Request.Context(), trader, a, b, common.BytesToHash(raw))
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, rc)
}

type revealReq struct {
	Salt      string `json:"salt" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Price     string `json:"price" binding:"required"`
	OrderType string `json:"orderType" binding:"required"`
	Trader    string `json:"trader"`
	TokenA    string `json:"tokenA"`
	TokenB    string `json:"tokenB"`
}

// Reveal trader / token 缺省取 commitment 上记录的值，token 顺序为 pair 的规范顺序
func (h *Handler) Reveal(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req revealReq
	if !bind(c, &req) {
		return
	}
	ent, err := h.eng.GetOrder(id)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pr := plainReq{
		Trader:    ent.Trader.Hex(),
		TokenA:    ent.Pair.Base.Hex(),
		TokenB:    ent.Pair.Quote.Hex(),
		Amount:    req.Amount,
		Price:     req.Price,
		OrderType: req.OrderType,
		Salt:      req.Salt,
	}
	if req.Trader != "" {
		pr.Trader = req.Trader
	}
	if req.TokenA != "" {
		pr.TokenA = req.TokenA
	}
	if req.TokenB != "" {
		pr.TokenB = req.TokenB
	}
	p, _, err := h.plain(pr)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	o, err := h.eng.Reveal(c.Request.Context(), commitment.RevealRequest{OrderID: id, Plain: p})
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, gin.H{"orderId": o.ID, "batchId": o.BatchID, "status": order.Revealed})
}

type cancelReq struct {
	Trader string `json:"trader" binding:"required"`
}

func (h *Handler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelReq
	if !bind(c, &req) {
		return
	}
	trader, err := parseAddress("trader", req.Trader)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	if err := h.eng.Cancel(c.Request.Context(), id, trader); err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, gin.H{"orderId": id, "status": order.Cancelled})
}

// orderView reveal 之前不含任何订单明文，也不含 trader：撤单只校验 trader，
// 公开 trader 等于让任何人都能撤掉别人的 commitment
type orderView struct {
	OrderID     uint64       `json:"orderId"`
	BatchID     uint64       `json:"batchId"`
	Trader      string       `json:"trader,omitempty"`
	Pair        string       `json:"pair"`
	CommitHash  string       `json:"commitHash"`
	Status      order.Status `json:"status"`
	CommittedAt time.Time    `json:"committedAt"`
	RevealedAt  *time.Time   `json:"revealedAt,omitempty"`
	OrderType   string       `json:"orderType,omitempty"`
	Amount      string       `json:"amount,omitempty"`
	Price       string       `json:"price,omitempty"`
	Filled      string       `json:"filled,omitempty"`
}

func viewOrder(e commitment.Entry) orderView {
	v := orderView{
		OrderID:     e.OrderID,
		BatchID:     e.BatchID,
		Pair:        e.Pair.Key(),
		CommitHash:  e.CommitHash.Hex(),
		Status:      e.Status,
		CommittedAt: e.CommittedAt,
	}
	if e.Order != nil {
		t := e.RevealedAt
		v.RevealedAt = &t
		v.Trader = e.Trader.Hex()
		v.OrderType = e.Order.Side.String()
		v.Amount = order.FormatFixed(&e.Order.Amount)
		v.Price = order.FormatFixed(&e.Order.Price)
		v.Filled = order.FormatFixed(&e.Filled)
	}
	return v
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	e, err := h.eng.GetOrder(id)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, viewOrder(e))
}

type processOrder struct {
	OrderID   uint64 `json:"orderId"`
	Trader    string `json:"trader"`
	TokenA    string `json:"tokenA"`
	TokenB    string `json:"tokenB"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	OrderType string `json:"orderType"`
}

type processReq struct {
	BatchID uint64         `json:"batchId" binding:"required"`
	Orders  []processOrder `json:"orders"`
}

func (h *Handler) toOrder(i int, po processOrder) (order.Order, error) {
	o := order.Order{ID: po.OrderID}
	if po.OrderID == 0 {
		return o, badRequest("orders[%d].orderId is required", i)
	}
	var err error
	if o.Trader, err = parseAddress(fmt.Sprintf("orders[%d].trader", i), po.Trader); err != nil {
		return o, err
	}
	a, err := h.tokens.Resolve(fmt.Sprintf("orders[%d].tokenA", i), po.TokenA)
	if err != nil {
		return o, err
	}
	b, err := h.tokens.Resolve(fmt.Sprintf("orders[%d].tokenB", i), po.TokenB)
	if err != nil {
		return o, err
	}
	if o.Pair, err = order.NewPair(a, b); err != nil {
		return o, badRequest("orders[%d]: %v", i, err)
	}
	if o.Amount, err = positive(fmt.Sprintf("orders[%d].amount", i), po.Amount); err != nil {
		return o, err
	}
	if o.Price, err = positive(fmt.Sprintf("orders[%d].price", i), po.Price); err != nil {
		return o, err
	}
	if o.Side, err = order.ParseSide(po.OrderType); err != nil {
		return o, badRequest("orders[%d].orderType: %v", i, err)
	}
	return o, nil
}

type batchResultResp struct {
	BatchID      uint64                  `json:"batchId"`
	External     bool                    `json:"external"`
	TotalOrders  int                     `json:"totalOrders"`
	TotalMatches int                     `json:"totalMatches"`
	Forfeited    []uint64                `json:"forfeited,omitempty"`
	ExecutedAt   time.Time               `json:"executedAt"`
	Matches      []matching.MatchView    `json:"matches"`
	Fills        []matching.FillView     `json:"fills"`
	Pairs        []matching.ClearingView `json:"pairs"`
	TxHash       string                  `json:"txHash,omitempty"`
	Settlement   *settlement.Report      `json:"settlement,omitempty"`
}

func viewBatch(v engine.BatchView) batchResultResp {
	rv := v.Result.View()
	resp := batchResultResp{
		BatchID:      v.BatchID,
		External:     v.External,
		TotalOrders:  v.Orders,
		TotalMatches: len(rv.Matches),
		Forfeited:    v.Forfeited,
		ExecutedAt:   v.ExecutedAt,
		Matches:      rv.Matches,
		Fills:        rv.Fills,
		Pairs:        rv.Pairs,
		Settlement:   v.Report,
	}
	if v.Report != nil {
		resp.TxHash = v.Report.TxHash
	}
	return resp
}

// ProcessBatch 已执行的批次返回保存的结果；账本失败回 502，撮合结果保留待人工重提
func (h *Handler) ProcessBatch(c *gin.Context) {
	var req processReq
	if !bind(c, &req) {
		return
	}
	orders := make([]order.Order, 0, len(req.Orders))
	for i, po := range req.Orders {
		o, err := h.toOrder(i, po)
		if err != nil {
			pkgcommon.FailErr(c, err)
			return
		}
		orders = append(orders, o)
	}
	v, err := h.eng.ProcessBatch(c.Request.Context(), req.BatchID, orders)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	if v.Report != nil && v.Report.Status == settlement.StatusFailed {
		pkgcommon.FailErr(c, settlement.ErrFailed)
		return
	}
	pkgcommon.Success(c, viewBatch(v))
}

func (h *Handler) GetBatch(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	v, err := h.eng.BatchResult(c.Request.Context(), id)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, viewBatch(v))
}

func (h *Handler) Resubmit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rep, err := h.eng.Resubmit(c.Request.Context(), id)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	pkgcommon.Success(c, rep)
}
