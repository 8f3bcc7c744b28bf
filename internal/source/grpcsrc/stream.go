// Package grpcsrc 实现 streaming-session 数据源：
// 通过 yellowstone geyser gRPC 订阅区块流，服务端按命名过滤组做多路复用。
// 断连后以相同的命名过滤组重新订阅，过滤状态由客户端持有并可重建。
package grpcsrc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v3"

	"dex-pipeline-sol/internal/core"
	"dex-pipeline-sol/internal/pipeline"
	"dex-pipeline-sol/internal/pkg/logger"
)

// Config 是 geyser 流数据源的连接配置。
type Config struct {
	Endpoint string
	XToken   string

	// 应用级逻辑心跳（ping）间隔（秒）
	StreamPingIntervalSec int

	// gRPC Keepalive 底层连接检测
	KeepalivePingIntervalSec int
	KeepalivePingTimeoutSec  int

	// gRPC 窗口大小调优（用于大数据流推送）
	InitialWindowSize     int
	InitialConnWindowSize int

	// 消息体大小限制
	MaxCallSendMsgSize int
	MaxCallRecvMsgSize int

	// 超时与重连策略
	ReconnectIntervalSec int
	MaxReconnectAttempts int // <=0 表示不限次数
	ConnectTimeoutSec    int
	SendTimeoutSec       int
	BlockRecvTimeoutSec  int // 超过该时长未收到区块则触发重连

	// 命名过滤组文件（yaml，可选）。每个命名组对应一个服务端过滤器，
	// 重连时按原样重建。
	FiltersFile string
}

func (c *Config) applyDefaults() {
	if c.StreamPingIntervalSec <= 0 {
		c.StreamPingIntervalSec = 30
	}
	if c.KeepalivePingIntervalSec <= 0 {
		c.KeepalivePingIntervalSec = 30
	}
	if c.KeepalivePingTimeoutSec <= 0 {
		c.KeepalivePingTimeoutSec = 10
	}
	if c.ReconnectIntervalSec <= 0 {
		c.ReconnectIntervalSec = 3
	}
	if c.ConnectTimeoutSec <= 0 {
		c.ConnectTimeoutSec = 10
	}
	if c.SendTimeoutSec <= 0 {
		c.SendTimeoutSec = 10
	}
	if c.BlockRecvTimeoutSec <= 0 {
		c.BlockRecvTimeoutSec = 60
	}
}

// NamedFilterSet 是服务端过滤组：同名组在重连后必须原样重建。
type NamedFilterSet struct {
	AccountInclude []string `yaml:"account_include"`
}

// LoadNamedFilters 从 yaml 文件加载命名过滤组。
func LoadNamedFilters(path string) (map[string]NamedFilterSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filters file %s: %w", path, err)
	}
	var sets map[string]NamedFilterSet
	if err := yaml.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("parse filters file %s: %w", path, err)
	}
	return sets, nil
}

// Source 是 geyser gRPC 流数据源。
type Source struct {
	cfg     Config
	filters *pipeline.Filters
	named   map[string]NamedFilterSet
}

// New 构造 geyser 流数据源。filters 构造后不可变，重连时用于重建订阅请求。
func New(cfg Config, filters *pipeline.Filters) (*Source, error) {
	cfg.applyDefaults()
	if cfg.Endpoint == "" {
		return nil, errors.New("grpcsrc: endpoint is required")
	}

	named := map[string]NamedFilterSet{}
	if cfg.FiltersFile != "" {
		sets, err := LoadNamedFilters(cfg.FiltersFile)
		if err != nil {
			return nil, err
		}
		named = sets
	}
	return &Source{cfg: cfg, filters: filters, named: named}, nil
}

func (s *Source) Shutdown() error {
	// 连接是会话级资源，随 Consume 的 ctx 取消关闭，这里无额外状态
	return nil
}

// Consume 实现 pipeline.Datasource：
// 会话失败按退避重连（前 3 次用基础间隔，之后加倍）；
// 认证/参数类错误视为致命，重连预算耗尽同样致命。
func (s *Source) Consume(ctx context.Context, out chan<- *core.RawEnvelope) error {
	attempts := 0
	interval := time.Duration(s.cfg.ReconnectIntervalSec) * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		if attempts > 0 {
			if s.cfg.MaxReconnectAttempts > 0 && attempts > s.cfg.MaxReconnectAttempts {
				return pipeline.FatalSourceError("reconnect",
					fmt.Errorf("retry budget exhausted after %d attempts", attempts-1))
			}
			backoff := interval
			if attempts > 3 {
				backoff = interval * 2
			}
			logger.Infof("[grpcsrc] reconnecting in %v (attempt %d)", backoff, attempts)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}
		attempts++

		delivered, err := s.runSession(ctx, out)
		if err == nil {
			return nil // ctx 取消，正常退出
		}
		if isFatalGrpcErr(err) {
			return pipeline.FatalSourceError("subscribe", err)
		}
		logger.Warnf("[grpcsrc] session ended: %v (delivered %d blocks), will reconnect", err, delivered)
		if delivered > 0 {
			attempts = 1 // 会话内有产出，重置退避节奏
		}
	}
}

// runSession 完成一次完整会话：拨号、订阅、收流，直到出错或 ctx 取消。
// 返回 (本会话交付的区块数, 错误)；ctx 取消时错误为 nil。
func (s *Source) runSession(ctx context.Context, out chan<- *core.RawEnvelope) (int, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := pb.NewGeyserClient(conn)
	metaCtx := metadata.NewOutgoingContext(sessCtx,
		metadata.New(map[string]string{"x-token": s.cfg.XToken}))
	stream, err := client.Subscribe(metaCtx)
	if err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}

	req := s.buildSubscribeRequest()
	logger.Debugf("[grpcsrc] subscribe request: %s", protojson.Format(req))
	sendTimeout := time.Duration(s.cfg.SendTimeoutSec) * time.Second
	if err := sendWithTimeout(sessCtx, stream.Send, req, sendTimeout); err != nil {
		return 0, fmt.Errorf("send subscribe request: %w", err)
	}
	logger.Infof("[grpcsrc] session established: endpoint=%s filters=%d", s.cfg.Endpoint, len(s.named)+1)

	go s.pingLoop(sessCtx, stream)

	return s.recvLoop(sessCtx, stream, out)
}

func (s *Source) dial(ctx context.Context) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.ConnectTimeoutSec)*time.Second)
	defer cancel()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Duration(s.cfg.KeepalivePingIntervalSec) * time.Second,
			Timeout:             time.Duration(s.cfg.KeepalivePingTimeoutSec) * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithBlock(),
	}
	if s.cfg.InitialWindowSize > 0 {
		opts = append(opts, grpc.WithInitialWindowSize(int32(s.cfg.InitialWindowSize)))
	}
	if s.cfg.InitialConnWindowSize > 0 {
		opts = append(opts, grpc.WithInitialConnWindowSize(int32(s.cfg.InitialConnWindowSize)))
	}
	if s.cfg.MaxCallSendMsgSize > 0 || s.cfg.MaxCallRecvMsgSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(s.cfg.MaxCallSendMsgSize),
			grpc.MaxCallRecvMsgSize(s.cfg.MaxCallRecvMsgSize),
		))
	}

	conn, err := grpc.DialContext(dialCtx, s.cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.Endpoint, err)
	}
	return conn, nil
}

// buildSubscribeRequest 从不可变的 Filters 与命名过滤组重建订阅请求。
// 每次（重）连接都走这条路径，保证过滤状态一致。
func (s *Source) buildSubscribeRequest() *pb.SubscribeRequest {
	blocks := make(map[string]*pb.SubscribeRequestFilterBlocks, len(s.named)+1)
	blocks["blocks"] = &pb.SubscribeRequestFilterBlocks{
		AccountInclude:      s.filters.AccountIncludeStrs(),
		IncludeTransactions: boolPtr(true),
		IncludeAccounts:     boolPtr(false),
		IncludeEntries:      boolPtr(false),
	}
	for name, set := range s.named {
		blocks[name] = &pb.SubscribeRequestFilterBlocks{
			AccountInclude:      set.AccountInclude,
			IncludeTransactions: boolPtr(true),
			IncludeAccounts:     boolPtr(false),
			IncludeEntries:      boolPtr(false),
		}
	}

	commitment := toCommitmentLevel(s.filters.Commitment)
	return &pb.SubscribeRequest{
		Blocks:     blocks,
		Commitment: &commitment,
	}
}

func toCommitmentLevel(c pipeline.Commitment) pb.CommitmentLevel {
	switch c {
	case pipeline.CommitmentProcessed:
		return pb.CommitmentLevel_PROCESSED
	case pipeline.CommitmentFinalized:
		return pb.CommitmentLevel_FINALIZED
	default:
		return pb.CommitmentLevel_CONFIRMED
	}
}

// recvLoop 收流并交付 envelope；超过 BlockRecvTimeoutSec 未见区块触发重连。
func (s *Source) recvLoop(ctx context.Context, stream pb.Geyser_SubscribeClient, out chan<- *core.RawEnvelope) (int, error) {
	delivered := 0
	last := time.Now()
	blockTimeout := time.Duration(s.cfg.BlockRecvTimeoutSec) * time.Second

	for {
		if ctx.Err() != nil {
			return delivered, nil
		}
		update, err := stream.Recv()
		now := time.Now()
		if err != nil {
			if ctx.Err() != nil {
				return delivered, nil
			}
			if errors.Is(err, io.EOF) {
				return delivered, fmt.Errorf("stream closed by server: %w", err)
			}
			return delivered, fmt.Errorf("stream recv: %w", err)
		}

		switch u := update.GetUpdateOneof().(type) {
		case *pb.SubscribeUpdate_Block:
			if u.Block.BlockTime != nil {
				latency := now.UnixMilli() - u.Block.BlockTime.Timestamp*1000
				logger.Debugf("[grpcsrc] block slot=%d latency=%dms", u.Block.Slot, latency)
			}
			last = now
			env := s.translateBlock(u.Block)
			if env == nil {
				continue // 无交易通过过滤
			}
			// 通过过滤的 envelope 不允许丢弃：写入受阻时阻塞等待（背压）
			select {
			case out <- env:
				delivered++
			case <-ctx.Done():
				return delivered, nil
			}
		case *pb.SubscribeUpdate_Ping:
			// 服务端心跳，无需处理
		}

		if time.Since(last) > blockTimeout {
			return delivered, fmt.Errorf("no block received for %v", blockTimeout)
		}
	}
}

// pingLoop 周期发送应用级心跳，失败只记日志，不主动断连。
func (s *Source) pingLoop(ctx context.Context, stream pb.Geyser_SubscribeClient) {
	ticker := time.NewTicker(time.Duration(s.cfg.StreamPingIntervalSec) * time.Second)
	defer ticker.Stop()
	sendTimeout := time.Duration(s.cfg.SendTimeoutSec) * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := &pb.SubscribeRequest{Ping: &pb.SubscribeRequestPing{Id: 1}}
			if err := sendWithTimeout(ctx, stream.Send, req, sendTimeout); err != nil {
				logger.Warnf("[grpcsrc] ping failed: %v", err)
			}
		}
	}
}

// sendWithTimeout 带超时的 stream.Send：gRPC Send 自身可能长时间阻塞。
func sendWithTimeout[T any](ctx context.Context, sendFunc func(T) error, req T, timeout time.Duration) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sendFunc(req)
	}()

	select {
	case <-timeoutCtx.Done():
		return timeoutCtx.Err()
	case err := <-done:
		return err
	}
}

// isFatalGrpcErr 判定订阅错误是否不可恢复：认证失败与参数非法重试无意义。
func isFatalGrpcErr(err error) bool {
	st, ok := status.FromError(errors.Unwrap(err))
	if !ok {
		st, ok = status.FromError(err)
		if !ok {
			return false
		}
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument:
		return true
	default:
		return false
	}
}

func boolPtr(b bool) *bool {
	return &b
}
