package config

import (
	"dex-pipeline-sol/internal/pkg/logger"
	"dex-pipeline-sol/internal/pkg/mq"
)

type LogConfig struct {
	Format   string `yaml:"format"`   // 日志格式，支持 "console" 或 "json"
	LogDir   string `yaml:"log_dir"`  // 日志目录（可为相对路径或绝对路径）
	Level    string `yaml:"level"`    // 日志级别：debug / info / warn / error
	Compress bool   `yaml:"compress"` // 是否压缩旧日志文件
}

func (c *LogConfig) ToLogOption() logger.LogOption {
	return logger.LogOption{
		Format:   c.Format,
		LogDir:   c.LogDir,
		Level:    c.Level,
		Compress: c.Compress,
	}
}

// FilterConfig 描述订阅过滤条件，构建时转为不可变的 pipeline.Filters
type FilterConfig struct {
	Commitment     string   `yaml:"commitment"`      // processed / confirmed / finalized，默认 confirmed
	AccountInclude []string `yaml:"account_include"` // 交易须引用其中至少一个账户
	AccountExclude []string `yaml:"account_exclude"` // 引用任一账户即丢弃
	ProgramInclude []string `yaml:"program_include"` // 交易须调用其中至少一个程序
	ExcludeVotes   bool     `yaml:"exclude_votes"`
	ExcludeFailed  bool     `yaml:"exclude_failed"`
}

// GrpcSourceConfig 是 geyser gRPC 流数据源配置
type GrpcSourceConfig struct {
	Endpoint string `yaml:"endpoint"`
	XToken   string `yaml:"x_token"`

	StreamPingIntervalSec int `yaml:"stream_ping_interval_sec"`

	KeepalivePingIntervalSec int `yaml:"keepalive_ping_interval_sec"`
	KeepalivePingTimeoutSec  int `yaml:"keepalive_ping_timeout_sec"`

	InitialWindowSize     int `yaml:"initial_window_size"`
	InitialConnWindowSize int `yaml:"initial_conn_window_size"`

	MaxCallSendMsgSize int `yaml:"max_call_send_msg_size"`
	MaxCallRecvMsgSize int `yaml:"max_call_recv_msg_size"`

	ReconnectIntervalSec int    `yaml:"reconnect_interval_sec"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	ConnectTimeoutSec    int    `yaml:"connect_timeout_sec"`
	SendTimeoutSec       int    `yaml:"send_timeout_sec"`
	BlockRecvTimeoutSec  int    `yaml:"block_recv_timeout_sec"`
	FiltersFile          string `yaml:"filters_file"` // 命名过滤组文件（可选）
}

// WsSourceConfig 是 blockSubscribe WebSocket 数据源配置
type WsSourceConfig struct {
	Endpoint string `yaml:"endpoint"`

	PingIntervalSec      int    `yaml:"ping_interval_sec"`
	ReadTimeoutSec       int    `yaml:"read_timeout_sec"`
	ConnectTimeoutSec    int    `yaml:"connect_timeout_sec"`
	ReconnectIntervalSec int    `yaml:"reconnect_interval_sec"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	MentionsAccount      string `yaml:"mentions_account"` // 服务端过滤账户（可选）
}

// RpcSourceConfig 是 RPC 轮询数据源配置
type RpcSourceConfig struct {
	Endpoint string `yaml:"endpoint"`

	PollIntervalMs  int    `yaml:"poll_interval_ms"`
	BatchSize       int    `yaml:"batch_size"`
	Concurrency     int    `yaml:"concurrency"`
	MaxRetries      int    `yaml:"max_retries"`
	RetryIntervalMs int    `yaml:"retry_interval_ms"`
	StartSlot       uint64 `yaml:"start_slot"`
	MaxTipFailures  int    `yaml:"max_tip_failures"`
}

// SourceConfig 选择并配置数据源变体
type SourceConfig struct {
	Mode string           `yaml:"mode"` // grpc / ws / rpc
	Grpc GrpcSourceConfig `yaml:"grpc"`
	Ws   WsSourceConfig   `yaml:"ws"`
	Rpc  RpcSourceConfig  `yaml:"rpc"`
}

// KafkaProducerConfig 表示 Kafka 生产者相关配置
type KafkaProducerConfig struct {
	Brokers    string `yaml:"brokers"` // 多个用英文逗号分隔
	Topic      string `yaml:"topic"`
	Partitions int    `yaml:"partitions"`
	BatchSize  int    `yaml:"batch_size"` // 批处理大小（单位字节）
	LingerMs   int    `yaml:"linger_ms"`  // 批处理最大延迟（毫秒）
}

func (c *KafkaProducerConfig) ToProducerOption() mq.ProducerOption {
	return mq.ProducerOption{
		Brokers:    c.Brokers,
		Topic:      c.Topic,
		Partitions: c.Partitions,
		BatchSize:  c.BatchSize,
		LingerMs:   c.LingerMs,
	}
}

// ProgressConfig 表示进度管理配置（仅 rpc 模式使用）
type ProgressConfig struct {
	Enabled            bool `yaml:"enabled"`
	RecentThresholdSec int  `yaml:"recent_threshold_sec"` // 判定为近期 block 的时间阈值（秒）
	SlotTTLHours       int  `yaml:"slot_ttl_hours"`       // Redis slot 状态的保留时长
}

// MetricsConfig 表示指标配置
type MetricsConfig struct {
	FlushIntervalSec int    `yaml:"flush_interval_sec"` // 快照周期，默认 30 秒
	PromListenAddr   string `yaml:"prom_listen_addr"`   // 非空时暴露 /metrics
}

// PipelineConfig 是主配置结构体
type PipelineConfig struct {
	LogConf LogConfig    `yaml:"logger"`
	Source  SourceConfig `yaml:"source"`
	Filters FilterConfig `yaml:"filters"`

	Publisher         string              `yaml:"publisher"` // kafka / log，默认 log
	KafkaProducerConf KafkaProducerConfig `yaml:"kafka_producer"`

	RedisAddr    string         `yaml:"redis_addr"`   // Redis 地址（进度判重）
	PostgresDSN  string         `yaml:"postgres_dsn"` // PostgreSQL 数据源（进度持久化）
	ProgressConf ProgressConfig `yaml:"progress"`

	MetricsConf MetricsConfig `yaml:"metrics"`

	ShutdownStrategy string `yaml:"shutdown_strategy"` // graceful / immediate
	MaxInFlight      int64  `yaml:"max_in_flight"`     // 在途交易并发上限
}
