// Package wssrc 实现 push-subscription 数据源：
// 通过 WebSocket JSON-RPC blockSubscribe 订阅区块推送。
// 断连后指数退避重连并重新下发相同的订阅过滤；
// 用 slot 水位 + 近期签名去重保证恢复后不重复交付。
package wssrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/pipeline"
	"dex-pipeline-sol/internal/pkg/logger"
)

// Config 是 WebSocket 数据源的连接配置。
type Config struct {
	Endpoint string

	PingIntervalSec      int
	ReadTimeoutSec       int
	ConnectTimeoutSec    int
	ReconnectIntervalSec int
	MaxReconnectAttempts int // <=0 表示不限次数

	// MentionsAccount 非空时用作服务端过滤（mentionsAccountOrProgram），
	// 否则订阅全量区块、本地过滤。
	MentionsAccount string
}

func (c *Config) applyDefaults() {
	if c.PingIntervalSec <= 0 {
		c.PingIntervalSec = 20
	}
	if c.ReadTimeoutSec <= 0 {
		c.ReadTimeoutSec = 60
	}
	if c.ConnectTimeoutSec <= 0 {
		c.ConnectTimeoutSec = 10
	}
	if c.ReconnectIntervalSec <= 0 {
		c.ReconnectIntervalSec = 2
	}
}

// Source 是 blockSubscribe 推送数据源。
type Source struct {
	cfg     Config
	filters *pipeline.Filters

	mu        sync.Mutex
	lastSlot  uint64              // 已交付的最高 slot（水位）
	seenAtTip map[string]struct{} // 水位 slot 上已交付的交易签名
}

func New(cfg Config, filters *pipeline.Filters) (*Source, error) {
	cfg.applyDefaults()
	if cfg.Endpoint == "" {
		return nil, errors.New("wssrc: endpoint is required")
	}
	return &Source{
		cfg:       cfg,
		filters:   filters,
		seenAtTip: map[string]struct{}{},
	}, nil
}

func (s *Source) Shutdown() error {
	return nil
}

// Consume 实现 pipeline.Datasource。
// 会话结束按指数退避重连；重连预算耗尽时返回致命错误。
func (s *Source) Consume(ctx context.Context, out chan<- *core.RawEnvelope) error {
	attempts := 0
	base := time.Duration(s.cfg.ReconnectIntervalSec) * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		if attempts > 0 {
			if s.cfg.MaxReconnectAttempts > 0 && attempts > s.cfg.MaxReconnectAttempts {
				return pipeline.FatalSourceError("reconnect",
					fmt.Errorf("retry budget exhausted after %d attempts", attempts-1))
			}
			backoff := base << min(attempts-1, 5)
			logger.Infof("[wssrc] reconnecting in %v (attempt %d)", backoff, attempts)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}
		attempts++

		delivered, err := s.runSession(ctx, out)
		if err == nil {
			return nil
		}
		if pipeline.IsFatalSourceError(err) {
			return err
		}
		logger.Warnf("[wssrc] session ended: %v (delivered %d blocks), will reconnect", err, delivered)
		if delivered > 0 {
			attempts = 1
		}
	}
}

// runSession 完成一次会话：拨号、订阅、读推送，直到出错或 ctx 取消。
func (s *Source) runSession(ctx context.Context, out chan<- *core.RawEnvelope) (int, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(s.cfg.ConnectTimeoutSec) * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.Endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", s.cfg.Endpoint, err)
	}
	defer conn.Close()

	// ctx 取消时主动关闭连接，打断阻塞中的 ReadMessage
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	if err := s.subscribe(conn); err != nil {
		return 0, err
	}
	logger.Infof("[wssrc] subscribed: endpoint=%s commitment=%s", s.cfg.Endpoint, s.filters.Commitment)

	go s.pingLoop(sessCtx, conn)

	return s.readLoop(sessCtx, conn, out)
}

// subscribe 下发 blockSubscribe 请求并校验响应。
// 每次（重）连接都以相同参数重建订阅。
func (s *Source) subscribe(conn *websocket.Conn) error {
	var filter any = "all"
	if s.cfg.MentionsAccount != "" {
		filter = map[string]string{"mentionsAccountOrProgram": s.cfg.MentionsAccount}
	}
	req := rpcRequest{
		Jsonrpc: "2.0",
		ID:      1,
		Method:  "blockSubscribe",
		Params: []any{filter, map[string]any{
			"commitment":                     string(s.filters.Commitment),
			"encoding":                       "json",
			"transactionDetails":             "full",
			"showRewards":                    false,
			"maxSupportedTransactionVersion": 0,
		}},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send blockSubscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Duration(s.cfg.ReadTimeoutSec) * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read blockSubscribe response: %w", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("parse blockSubscribe response: %w", err)
	}
	if resp.Error != nil {
		// 服务端明确拒绝的订阅参数属于配置问题，重试无意义
		return pipeline.FatalSourceError("subscribe",
			fmt.Errorf("blockSubscribe rejected: code=%d message=%s", resp.Error.Code, resp.Error.Message))
	}
	return nil
}

func (s *Source) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(time.Duration(s.cfg.PingIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Warnf("[wssrc] ping failed: %v", err)
				return
			}
		}
	}
}

func (s *Source) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- *core.RawEnvelope) (int, error) {
	delivered := 0
	readTimeout := time.Duration(s.cfg.ReadTimeoutSec) * time.Second

	for {
		if ctx.Err() != nil {
			return delivered, nil
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return delivered, nil
			}
			return delivered, fmt.Errorf("read: %w", err)
		}

		var note blockNotification
		if err := json.Unmarshal(data, &note); err != nil || note.Method != "blockNotification" {
			continue // 订阅确认回显或其他推送，忽略
		}
		value := note.Params.Result.Value
		if value.Err != nil {
			logger.Warnf("[wssrc] block notification error: slot=%d err=%v", value.Slot, value.Err)
			continue
		}
		if value.Block == nil {
			continue
		}

		env := s.translateBlock(value.Slot, value.Block)
		if env == nil {
			continue
		}
		env = s.dedupe(env)
		if env == nil {
			continue
		}

		select {
		case out <- env:
			delivered++
		case <-ctx.Done():
			return delivered, nil
		}
	}
}

// dedupe 按 (slot, signature) 去重：
// 低于水位的区块整体丢弃；水位 slot 上已交付过的签名剔除。
// 推送源重连后可能重发最近区块，这里保证恢复是幂等的。
func (s *Source) dedupe(env *core.RawEnvelope) *core.RawEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := env.Block.Slot
	if slot < s.lastSlot {
		return nil
	}
	if slot > s.lastSlot {
		s.lastSlot = slot
		s.seenAtTip = make(map[string]struct{}, len(env.Transactions))
		for _, tx := range env.Transactions {
			s.seenAtTip[tx.Signature.String()] = struct{}{}
		}
		return env
	}

	// 同一 slot 重复推送：只保留未见过的交易
	fresh := env.Transactions[:0]
	for _, tx := range env.Transactions {
		sig := tx.Signature.String()
		if _, ok := s.seenAtTip[sig]; ok {
			continue
		}
		s.seenAtTip[sig] = struct{}{}
		fresh = append(fresh, tx)
	}
	if len(fresh) == 0 {
		return nil
	}
	env.Transactions = fresh
	return env
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int             `json:"id"`
}

type blockNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Slot  uint64     `json:"slot"`
				Err   any        `json:"err"`
				Block *jsonBlock `json:"block"`
			} `json:"value"`
		} `json:"result"`
		Subscription int `json:"subscription"`
	} `json:"params"`
}
