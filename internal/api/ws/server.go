package ws

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"darkpool.com/pkg/logger"
	"darkpool.com/pkg/metrics"
)

type Options struct {
	SendBuf        int           `mapstructure:"send_buf"` // 每个连接最多积压的消息数
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PingJitter     time.Duration `mapstructure:"ping_jitter"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"` // 为空时不校验
}

func (o Options) withDefaults() Options {
	if o.SendBuf <= 0 {
		o.SendBuf = 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait / 2
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 10
	}
	return o
}

// 单次最多写多少条，防止积压很多时一次写爆
const maxFlush = 256

type Server struct {
	hub      *Hub
	ctx      context.Context
	opt      Options
	upgrader websocket.Upgrader
}

func NewServer(ctx context.Context, h *Hub, opt Options) *Server {
	opt = opt.withDefaults()
	s := &Server{hub: h, ctx: ctx, opt: opt}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opt.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.opt.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经回了 4xx
		logger.Warn(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}
	c := NewConn(uuid.NewString(), s.hub, wsConn, s.opt.SendBuf)
	metrics.WsConns.Inc()
	logger.Debug(r.Context(), "ws connected", zap.String("conn", c.id), zap.String("remote", r.RemoteAddr))
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) reply(c *Conn, msg ServerMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.Offer(b)
}

func (s *Server) readPump(c *Conn) {
	defer func() {
		s.hub.RemoveConn(c)
		c.Close()
		metrics.WsConns.Dec()
	}()

	c.ws.SetReadLimit(s.opt.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.opt.PongWait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				logger.Debug(s.ctx, "ws pong timeout", zap.String("conn", c.id))
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			default:
				logger.Debug(s.ctx, "ws read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		var msg ClientMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			s.reply(c, ServerMsg{Type: MsgError, Error: "invalid message"})
			continue
		}
		switch msg.Type {
		case "sub":
			metrics.WsSubOpsTotal.WithLabelValues("sub").Inc()
			rejected := s.hub.Subscribe(c, msg.Topics)
			if len(rejected) > 0 {
				s.reply(c, ServerMsg{Type: MsgError, Topics: rejected, Error: "unknown topic"})
			}
			s.reply(c, ServerMsg{Type: MsgSubscribed, Topics: msg.Topics})
		case "unsub":
			metrics.WsSubOpsTotal.WithLabelValues("unsub").Inc()
			s.hub.Unsubscribe(c, msg.Topics)
		default:
			s.reply(c, ServerMsg{Type: MsgError, Error: "unknown message type " + msg.Type})
		}
	}
}

func (s *Server) writePump(c *Conn) {
	defer func() {
		// 关掉底层连接，readPump 随之退出
		_ = c.ws.Close()
	}()

	// ping 错开，避免大量连接同时发
	if s.opt.PingJitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int63n(int64(s.opt.PingJitter))))
		select {
		case <-t.C:
		case <-c.done:
			t.Stop()
			return
		case <-s.ctx.Done():
			t.Stop()
			return
		}
	}

	ticker := time.NewTicker(s.opt.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.notify:
			batch := c.flush(maxFlush)
			if len(batch) == 0 {
				continue
			}
			// 一帧写完本批，多条 JSON 用换行分隔
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.opt.WriteWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				logger.Debug(s.ctx, "ws writer failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
			for i, payload := range batch {
				if i > 0 {
					if _, err := w.Write([]byte{'\n'}); err != nil {
						_ = w.Close()
						return
					}
				}
				if _, err := w.Write(payload); err != nil {
					_ = w.Close()
					return
				}
			}
			if err := w.Close(); err != nil {
				return
			}
			metrics.WsMsgsOutTotal.Add(float64(len(batch)))
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opt.WriteWait)); err != nil {
				return
			}
		case <-c.done:
			if c.slow.Load() {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"),
					time.Now().Add(s.opt.WriteWait))
			}
			return
		case <-s.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(s.opt.WriteWait))
			return
		}
	}
}
