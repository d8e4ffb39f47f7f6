// Package influxsink 把每个批次的清算价和成交量写成时序点，供看板画图
package influxsink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"darkpool.com/internal/engine"
	"darkpool.com/pkg/logger"
)

type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`

	// 写入优化项
	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	UseGzip       bool          `mapstructure:"use_gzip"`
}

func (cfg Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}

type Sink struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// New 写入是异步批量的，Deliver 不会阻塞发布器
func New(cfg Config) *Sink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)
	s := &Sink{client: c, write: w}

	// 必须消费 Errors()，否则异步写入错误会堆积
	go func() {
		for err := range w.Errors() {
			logger.Warn(context.Background(), "influx write failed", zap.Error(err))
		}
	}()
	logger.Info(context.Background(), "influx sink enabled", zap.Stringer("config", cfg))
	return s
}

func (s *Sink) Name() string { return "influx" }

func (s *Sink) Deliver(_ context.Context, ev engine.Event) error {
	for _, p := range Points(ev) {
		s.write.WritePoint(p)
	}
	return nil
}

// Close 会 flush buffer
func (s *Sink) Close() {
	s.client.Close()
}

func toFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// Points measurement：clearing（每个交易对一条）、settlement；tag 只放低基数字段
func Points(ev engine.Event) []*write.Point {
	batch := strconv.FormatUint(ev.BatchID, 10)
	switch d := ev.Data.(type) {
	case engine.MatchedEvent:
		out := make([]*write.Point, 0, len(d.Pairs))
		for _, p := range d.Pairs {
			fields := map[string]interface{}{
				"batch_id": batch,
				"volume":   toFloat(p.Volume),
				"buys":     int64(p.Buys),
				"sells":    int64(p.Sells),
				"crossed":  p.Crossed,
			}
			if p.Crossed {
				fields["price"] = toFloat(p.ClearingPrice)
			}
			out = append(out, write.NewPoint("clearing", map[string]string{"pair": p.Pair}, fields, ev.At))
		}
		return out
	case engine.SettlementEvent:
		return []*write.Point{write.NewPoint("settlement",
			map[string]string{"status": string(d.Status)},
			map[string]interface{}{
				"batch_id":     batch,
				"attempts":     int64(d.Attempts),
				"instructions": int64(d.Instructions),
			}, ev.At)}
	default:
		return nil
	}
}
