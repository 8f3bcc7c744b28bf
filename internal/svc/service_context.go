package svc

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"dex-pipeline-sol/internal/config"
	"dex-pipeline-sol/internal/metrics"
	"dex-pipeline-sol/internal/pipeline"
	"dex-pipeline-sol/internal/pkg/logger"
	"dex-pipeline-sol/internal/progress"
	"dex-pipeline-sol/internal/publisher"
	"dex-pipeline-sol/internal/source/grpcsrc"
	"dex-pipeline-sol/internal/source/rpcpoll"
	"dex-pipeline-sol/internal/source/wssrc"
	"dex-pipeline-sol/internal/types"
)

// ServiceContext 持有管线运行所需的全部外部资源。
type ServiceContext struct {
	Config    config.PipelineConfig
	Filters   *pipeline.Filters
	Source    pipeline.Datasource
	Publisher publisher.Publisher
	Progress  *progress.Manager // 仅 rpc 模式 + progress.enabled 时非 nil
	PromSink  *metrics.PrometheusSink

	pgPool *pgxpool.Pool
	rdb    *redis.Client
}

// NewServiceContext 按配置装配资源。任何一步失败都视为配置错误，服务不启动。
func NewServiceContext(c config.PipelineConfig) (*ServiceContext, error) {
	sc := &ServiceContext{Config: c}

	filters, err := buildFilters(c.Filters)
	if err != nil {
		return nil, fmt.Errorf("build filters: %w", err)
	}
	sc.Filters = filters

	if err := sc.initProgress(c); err != nil {
		sc.Close()
		return nil, err
	}
	if err := sc.initSource(c); err != nil {
		sc.Close()
		return nil, err
	}
	if err := sc.initPublisher(c); err != nil {
		sc.Close()
		return nil, err
	}

	if c.MetricsConf.PromListenAddr != "" {
		sc.PromSink = metrics.NewPrometheusSink()
	}

	logger.Infof("service context ready: source=%s publisher=%s", c.Source.Mode, c.Publisher)
	return sc, nil
}

func buildFilters(fc config.FilterConfig) (*pipeline.Filters, error) {
	commitment, err := pipeline.ParseCommitment(fc.Commitment)
	if err != nil {
		return nil, err
	}
	include, err := parsePubkeys(fc.AccountInclude)
	if err != nil {
		return nil, fmt.Errorf("account_include: %w", err)
	}
	exclude, err := parsePubkeys(fc.AccountExclude)
	if err != nil {
		return nil, fmt.Errorf("account_exclude: %w", err)
	}
	programs, err := parsePubkeys(fc.ProgramInclude)
	if err != nil {
		return nil, fmt.Errorf("program_include: %w", err)
	}
	return pipeline.NewFilters(pipeline.Filters{
		AccountInclude: include,
		AccountExclude: exclude,
		ProgramInclude: programs,
		ExcludeVotes:   fc.ExcludeVotes,
		ExcludeFailed:  fc.ExcludeFailed,
		Commitment:     commitment,
	})
}

// parsePubkeys 逐个解析 base58 地址，配置里的非法地址要报错而不是 panic
func parsePubkeys(strs []string) ([]types.Pubkey, error) {
	if len(strs) == 0 {
		return nil, nil
	}
	out := make([]types.Pubkey, 0, len(strs))
	for _, s := range strs {
		pk, err := types.TryPubkeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("invalid pubkey %q: %w", s, err)
		}
		out = append(out, pk)
	}
	return out, nil
}

func (sc *ServiceContext) initProgress(c config.PipelineConfig) error {
	if c.Source.Mode != "rpc" || !c.ProgressConf.Enabled {
		return nil
	}
	if c.RedisAddr == "" || c.PostgresDSN == "" {
		return fmt.Errorf("progress enabled but redis_addr / postgres_dsn not configured")
	}

	sc.rdb = redis.NewClient(&redis.Options{Addr: c.RedisAddr})

	pool, err := pgxpool.New(context.Background(), c.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	sc.pgPool = pool

	threshold := c.ProgressConf.RecentThresholdSec
	if threshold <= 0 {
		threshold = 60
	}
	redisStore := progress.NewRedisSlotStore(sc.rdb, time.Duration(c.ProgressConf.SlotTTLHours)*time.Hour)
	pgStore := progress.NewPgSlotStore(pool)
	sc.Progress = progress.NewManager(redisStore, pgStore, threshold)
	return nil
}

func (sc *ServiceContext) initSource(c config.PipelineConfig) error {
	var err error
	switch c.Source.Mode {
	case "grpc", "":
		g := c.Source.Grpc
		sc.Source, err = grpcsrc.New(grpcsrc.Config{
			Endpoint:                 g.Endpoint,
			XToken:                   g.XToken,
			StreamPingIntervalSec:    g.StreamPingIntervalSec,
			KeepalivePingIntervalSec: g.KeepalivePingIntervalSec,
			KeepalivePingTimeoutSec:  g.KeepalivePingTimeoutSec,
			InitialWindowSize:        g.InitialWindowSize,
			InitialConnWindowSize:    g.InitialConnWindowSize,
			MaxCallSendMsgSize:       g.MaxCallSendMsgSize,
			MaxCallRecvMsgSize:       g.MaxCallRecvMsgSize,
			ReconnectIntervalSec:     g.ReconnectIntervalSec,
			MaxReconnectAttempts:     g.MaxReconnectAttempts,
			ConnectTimeoutSec:        g.ConnectTimeoutSec,
			SendTimeoutSec:           g.SendTimeoutSec,
			BlockRecvTimeoutSec:      g.BlockRecvTimeoutSec,
			FiltersFile:              g.FiltersFile,
		}, sc.Filters)
	case "ws":
		w := c.Source.Ws
		sc.Source, err = wssrc.New(wssrc.Config{
			Endpoint:             w.Endpoint,
			PingIntervalSec:      w.PingIntervalSec,
			ReadTimeoutSec:       w.ReadTimeoutSec,
			ConnectTimeoutSec:    w.ConnectTimeoutSec,
			ReconnectIntervalSec: w.ReconnectIntervalSec,
			MaxReconnectAttempts: w.MaxReconnectAttempts,
			MentionsAccount:      w.MentionsAccount,
		}, sc.Filters)
	case "rpc":
		r := c.Source.Rpc
		sc.Source, err = rpcpoll.New(rpcpoll.Config{
			Endpoint:        r.Endpoint,
			PollIntervalMs:  r.PollIntervalMs,
			BatchSize:       r.BatchSize,
			Concurrency:     r.Concurrency,
			MaxRetries:      r.MaxRetries,
			RetryIntervalMs: r.RetryIntervalMs,
			StartSlot:       r.StartSlot,
			MaxTipFailures:  r.MaxTipFailures,
		}, sc.Filters, sc.Progress)
	default:
		return fmt.Errorf("unknown source mode %q", c.Source.Mode)
	}
	if err != nil {
		return fmt.Errorf("init %s source: %w", c.Source.Mode, err)
	}
	return nil
}

func (sc *ServiceContext) initPublisher(c config.PipelineConfig) error {
	switch c.Publisher {
	case "kafka":
		pub, err := publisher.NewKafkaPublisher(c.KafkaProducerConf.ToProducerOption())
		if err != nil {
			return err
		}
		sc.Publisher = pub
	case "log", "":
		sc.Publisher = publisher.NewLogPublisher()
	default:
		return fmt.Errorf("unknown publisher %q", c.Publisher)
	}
	return nil
}

// Close 释放服务上下文中的资源
func (sc *ServiceContext) Close() {
	if sc.Publisher != nil {
		sc.Publisher.Close()
	}
	if sc.pgPool != nil {
		sc.pgPool.Close()
	}
	if sc.rdb != nil {
		_ = sc.rdb.Close()
	}
}
