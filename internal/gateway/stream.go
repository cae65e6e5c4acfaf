package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/pkg/logger"
	"github.com/optbot/gotrader/pkg/sigchan"
	"github.com/optbot/gotrader/pkg/syncgroup"
)

// QuoteStream 行情推送 WebSocket 客户端（信号驱动重连）
type QuoteStream struct {
	url     string
	conn    *websocket.Conn
	mu      sync.RWMutex
	closed  bool
	symbols []string

	reconnectC     *sigchan.Chan
	reconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	sg     *syncgroup.SyncGroup

	handlerMu sync.RWMutex
	handlers  []QuoteHandler
}

var _ Streamer = (*QuoteStream)(nil)

// NewQuoteStream 创建行情推送客户端
func NewQuoteStream(url string) *QuoteStream {
	return &QuoteStream{
		url:            url,
		reconnectC:     sigchan.New(1),
		reconnectDelay: 5 * time.Second,
	}
}

// OnQuote 注册行情回调
func (s *QuoteStream) OnQuote(h QuoteHandler) {
	s.handlerMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlerMu.Unlock()
}

// Connect 建立连接并订阅标的
func (s *QuoteStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil && !s.closed {
		s.conn.Close()
		s.conn = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.sg = syncgroup.NewSyncGroup()
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return errors.Wrap(err, "拨号行情 WebSocket 失败")
	}

	s.mu.Lock()
	s.conn = conn
	s.closed = false
	symbols := s.symbols
	s.mu.Unlock()

	if len(symbols) > 0 {
		if err := s.sendSubscribe(symbols); err != nil {
			conn.Close()
			return errors.Wrap(err, "重新订阅失败")
		}
	}

	s.sg.Add(func() { s.reconnector(s.ctx) })
	s.sg.Add(func() { s.readLoop(s.ctx) })
	s.sg.Add(func() { s.pingLoop(s.ctx) })
	s.sg.Run()

	logger.Infof("行情 WebSocket 已连接: %s", s.url)
	return nil
}

// Subscribe 订阅一组标的的实时行情
func (s *QuoteStream) Subscribe(symbols []string) error {
	s.mu.Lock()
	s.symbols = symbols
	connected := s.conn != nil && !s.closed
	s.mu.Unlock()

	if !connected {
		return nil // 连接建立后会按 s.symbols 补订阅
	}
	return s.sendSubscribe(symbols)
}

func (s *QuoteStream) sendSubscribe(symbols []string) error {
	msg := map[string]interface{}{
		"op":      "subscribe",
		"symbols": symbols,
	}
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("行情 WebSocket 未连接")
	}
	return conn.WriteJSON(msg)
}

func (s *QuoteStream) reconnector(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reconnectC.C():
			logger.Warnf("收到行情流重连信号，冷却 %v...", s.reconnectDelay)
			time.Sleep(s.reconnectDelay)
			if err := s.Connect(ctx); err != nil {
				logger.Warnf("行情流重连失败: %v，将再次尝试", err)
				s.triggerReconnect()
			}
			return // Connect 会启动新的 reconnector
		}
	}
}

func (s *QuoteStream) triggerReconnect() {
	s.reconnectC.Emit()
}

func (s *QuoteStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			closed := s.closed
			s.mu.RUnlock()
			if closed || conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					logger.Warnf("行情流发送 PING 失败: %v，触发重连", err)
					s.triggerReconnect()
					return
				}
			}
		}
	}
}

func (s *QuoteStream) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		closed := s.closed
		s.mu.RUnlock()
		if conn == nil || closed {
			return
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}

			s.mu.Lock()
			alreadyClosed := s.closed
			s.closed = true
			s.mu.Unlock()

			if alreadyClosed {
				return
			}
			logger.Warnf("行情流读取错误: %v，触发重连", err)
			s.triggerReconnect()
			return
		}

		var dto quoteDTO
		if err := json.Unmarshal(message, &dto); err != nil {
			logger.Debugf("行情消息解析失败: %v", err)
			continue
		}
		if dto.Symbol == "" {
			continue
		}

		quote := domain.Quote{
			Symbol:    dto.Symbol,
			LastDone:  parseOptionalDecimal(dto.LastDone),
			BidPrice:  parseOptionalDecimal(dto.BidPrice),
			AskPrice:  parseOptionalDecimal(dto.AskPrice),
			Volume:    dto.Volume,
			Timestamp: time.Unix(dto.Timestamp, 0),
		}
		s.handlerMu.RLock()
		handlers := s.handlers
		s.handlerMu.RUnlock()
		for _, h := range handlers {
			h(quote)
		}
	}
}

// Close 关闭连接并等待 goroutine 退出
func (s *QuoteStream) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	sg := s.sg
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if sg != nil {
		sg.WaitAndClear()
	}
	return nil
}
