// Package audit 把撮合和结算结果落到 MySQL，供事后查询和对账
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"darkpool.com/internal/engine"
	"darkpool.com/internal/settlement"
	"darkpool.com/pkg/orm"
	"darkpool.com/pkg/xerr"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&BatchRow{}, &ClearingRow{}, &MatchRow{})
}

func matchedRows(ev engine.MatchedEvent, at time.Time) (BatchRow, []ClearingRow, []MatchRow) {
	row := BatchRow{
		BatchID:   ev.BatchID,
		Matches:   len(ev.Matches),
		Pairs:     len(ev.Pairs),
		Forfeited: ev.Forfeited,
		Volume:    ev.Volume,
		Status:    string(settlement.StatusPending),
		MatchedAt: at,
	}
	clearings := make([]ClearingRow, 0, len(ev.Pairs))
	for _, p := range ev.Pairs {
		clearings = append(clearings, ClearingRow{
			BatchID:       ev.BatchID,
			Pair:          p.Pair,
			Crossed:       p.Crossed,
			ClearingPrice: p.ClearingPrice,
			Volume:        p.Volume,
			Buys:          p.Buys,
			Sells:         p.Sells,
		})
	}
	matches := make([]MatchRow, 0, len(ev.Matches))
	for i, m := range ev.Matches {
		matches = append(matches, MatchRow{
			BatchID:     ev.BatchID,
			Seq:         i,
			BuyOrderID:  m.BuyOrderID,
			SellOrderID: m.SellOrderID,
			Pair:        m.Pair,
			Buyer:       m.Buyer,
			Seller:      m.Seller,
			Amount:      m.MatchedAmount,
			Price:       m.ExecutionPrice,
		})
	}
	return row, clearings, matches
}

// 撮合写入不碰结算列，结算写入不碰撮合列；两类事件先到后到都一样
func upsertMatched(tx *gorm.DB, row *BatchRow) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"matches", "pairs", "forfeited", "volume", "matched_at"}),
	}).Create(row)
}

func upsertSettlement(tx *gorm.DB, row *BatchRow) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "tx_hash", "attempts", "settle_error", "settled_at"}),
	}).Create(row)
}

// SaveMatched 同一批次重复写入是幂等的
func (r *Repo) SaveMatched(ctx context.Context, ev engine.MatchedEvent, at time.Time) error {
	row, clearings, matches := matchedRows(ev, at)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertMatched(tx, &row).Error; err != nil {
			return fmt.Errorf("upsert batch %d: %w", ev.BatchID, err)
		}
		if len(clearings) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&clearings).Error; err != nil {
				return fmt.Errorf("upsert clearings of batch %d: %w", ev.BatchID, err)
			}
		}
		if len(matches) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&matches, 500).Error; err != nil {
				return fmt.Errorf("upsert matches of batch %d: %w", ev.BatchID, err)
			}
		}
		return nil
	})
}

// SaveSettlement 外部批次可能没有 matched 记录，这里同样 upsert
func (r *Repo) SaveSettlement(ctx context.Context, ev engine.SettlementEvent, at time.Time) error {
	row := BatchRow{
		BatchID:     ev.BatchID,
		Matches:     ev.Instructions,
		Volume:      "0",
		Status:      string(ev.Status),
		TxHash:      ev.TxHash,
		Attempts:    ev.Attempts,
		SettleError: ev.Error,
		MatchedAt:   at,
		SettledAt:   &at,
	}
	if err := upsertSettlement(r.db.WithContext(ctx), &row).Error; err != nil {
		return fmt.Errorf("upsert settlement of batch %d: %w", ev.BatchID, err)
	}
	return nil
}

func (r *Repo) GetBatch(ctx context.Context, batchID uint64) (*BatchRow, error) {
	var row BatchRow
	err := r.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.New(xerr.NotFound, fmt.Sprintf("batch %d not audited", batchID))
	}
	return &row, err
}

// ListBatches 按批次号倒序；status 为空不过滤
func (r *Repo) ListBatches(ctx context.Context, status string, page, limit int) ([]BatchRow, int64, error) {
	base := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&BatchRow{})
		if status != "" {
			q = q.Where("status = ?", status)
		}
		return q
	}
	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []BatchRow
	err := orm.ApplyPagination(base().Order("batch_id DESC"), page, limit).Find(&rows).Error
	return rows, total, err
}

func (r *Repo) Matches(ctx context.Context, batchID uint64) ([]MatchRow, error) {
	var rows []MatchRow
	err := r.db.WithContext(ctx).Where("batch_id = ?", batchID).Order("seq").Find(&rows).Error
	return rows, err
}

// Sink 把 Repo 挂到事件发布器上
type Sink struct {
	repo *Repo
}

func NewSink(r *Repo) *Sink { return &Sink{repo: r} }

func (s *Sink) Name() string { return "mysql-audit" }

func (s *Sink) Deliver(ctx context.Context, ev engine.Event) error {
	switch d := ev.Data.(type) {
	case engine.MatchedEvent:
		return s.repo.SaveMatched(ctx, d, ev.At)
	case engine.SettlementEvent:
		return s.repo.SaveSettlement(ctx, d, ev.At)
	default:
		// 相位事件不落库
		return nil
	}
}
