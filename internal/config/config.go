package config

import (
	"errors"
	"fmt"
	"time"

	"darkpool.com/internal/api/ws"
	"darkpool.com/internal/audit/influxsink"
	"darkpool.com/internal/engine"
	"darkpool.com/internal/settlement"
	"darkpool.com/internal/settlement/ethledger"
	"darkpool.com/pkg/orm"
	"darkpool.com/pkg/trace"
	"darkpool.com/pkg/xredis"
)

// 总配置，对应 config/auction-engine.yaml
type Config struct {
	Name       string            `mapstructure:"name"`
	Log        LogConfig         `mapstructure:"log"`
	HTTP       HTTPConfig        `mapstructure:"http"`
	WS         ws.Options        `mapstructure:"ws"`
	Auction    engine.Config     `mapstructure:"auction"`
	Settlement SettlementConfig  `mapstructure:"settlement"`
	Tokens     map[string]string `mapstructure:"tokens"` // 符号 -> 合约地址
	Events     EventsConfig      `mapstructure:"events"`
	Redis      xredis.Config     `mapstructure:"redis"`
	Leader     LeaderConfig      `mapstructure:"leader"`
	MySQL      orm.Config        `mapstructure:"mysql"`
	Broker     BrokerConfig      `mapstructure:"broker"`
	Influx     influxsink.Config `mapstructure:"influx"`
	Trace      trace.Config      `mapstructure:"trace"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	RateLimit       float64       `mapstructure:"rate_limit"` // 每个 ip+route 的 rps，0 不限
	Burst           int           `mapstructure:"burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SettlementConfig struct {
	settlement.Config `mapstructure:",squash"`
	// rpc_url 为空时使用 dry-run 账本
	Ledger ethledger.Config `mapstructure:"ledger"`
	// redis.enabled 时报告存 redis，多实例共享幂等状态
	ReportPrefix string        `mapstructure:"report_prefix"`
	ReportTTL    time.Duration `mapstructure:"report_ttl"`
}

type EventsConfig struct {
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout"`
}

// LeaderConfig 需要 redis；关闭时本实例总是推进时钟
type LeaderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type BrokerConfig struct {
	Kind   string `mapstructure:"kind"` // "" / mem / nats
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = "auction-engine"
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Auction.CommitWindow < 0 || c.Auction.RevealWindow < 0 {
		return errors.New("auction windows must not be negative")
	}
	if c.Leader.Enabled && !c.Redis.Enabled {
		return errors.New("leader election needs redis.enabled")
	}
	switch c.Broker.Kind {
	case "", "mem":
	case "nats":
		if c.Broker.URL == "" {
			return errors.New("broker.url is required for nats")
		}
	default:
		return fmt.Errorf("unknown broker.kind %q", c.Broker.Kind)
	}
	if c.Settlement.Ledger.RPCURL != "" && (c.Settlement.Ledger.Contract == "" || c.Settlement.Ledger.PrivateKey == "") {
		return errors.New("settlement.ledger needs contract and private_key")
	}
	if c.MySQL.Enabled && c.MySQL.DSN == "" {
		return errors.New("mysql.dsn is required")
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return errors.New("influx.url and influx.bucket are required")
	}
	return nil
}
