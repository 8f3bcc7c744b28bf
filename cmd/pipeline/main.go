package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/conf"
	zerosvc "github.com/zeromicro/go-zero/core/service"

	"dex-pipeline-sol/internal/config"
	"dex-pipeline-sol/internal/consts"
	"dex-pipeline-sol/internal/decoders/spltoken"
	"dex-pipeline-sol/internal/decoders/system"
	"dex-pipeline-sol/internal/metrics"
	"dex-pipeline-sol/internal/pipeline"
	"dex-pipeline-sol/internal/pkg/logger"
	"dex-pipeline-sol/internal/processors"
	"dex-pipeline-sol/internal/svc"
)

var configFile = flag.String("f", "etc/pipeline.yaml", "the config file")

func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("panic: %+v\nstack: %s", r, debug.Stack())
		}
	}()

	flag.Parse()

	var c config.PipelineConfig
	conf.MustLoad(*configFile, &c)

	logger.Init(c.LogConf.ToLogOption())
	defer logger.Sync()

	sc, err := svc.NewServiceContext(c)
	if err != nil {
		logger.Errorf("service context init failed: %v", err)
		os.Exit(1)
	}

	p, err := buildPipeline(c, sc)
	if err != nil {
		logger.Errorf("pipeline build failed: %v", err)
		sc.Close()
		os.Exit(1)
	}

	// 后台服务：进度管理、/metrics 端点
	sg := zerosvc.NewServiceGroup()
	if sc.Progress != nil {
		sg.Add(sc.Progress)
	}
	if sc.PromSink != nil {
		sg.Add(svc.NewMetricsServer(c.MetricsConf.PromListenAddr, sc.PromSink))
	}
	go sg.Start()

	logger.Infof("starting pipeline: source=%s", c.Source.Mode)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(runCtx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Infof("received signal %v, shutting down...", s)
		p.Shutdown()
		err = <-runErr
	case err = <-runErr:
	}

	if err != nil {
		logger.Errorf("pipeline exited with error: %v", err)
	}

	sg.Stop()
	sc.Close()

	if p.State() == pipeline.StateFailed {
		logger.Sync()
		os.Exit(1)
	}
}

// buildPipeline 装配 decoder 绑定与指标，产出 Built 状态的管线。
func buildPipeline(c config.PipelineConfig, sc *svc.ServiceContext) (*pipeline.Pipeline, error) {
	strategy, err := pipeline.ParseShutdownStrategy(c.ShutdownStrategy)
	if err != nil {
		return nil, err
	}

	stats := processors.NewStatsProcessor()
	publish := processors.NewPublishProcessor(sc.Publisher)

	b := pipeline.NewBuilder().
		Datasource(sc.Source).
		ShutdownStrategy(strategy).
		MaxInFlight(c.MaxInFlight).
		Decoder(spltoken.New(consts.TokenProgram), stats, publish).
		Decoder(spltoken.New(consts.TokenProgram2022), stats, publish).
		Decoder(system.New(), stats, publish)

	if c.MetricsConf.FlushIntervalSec > 0 {
		b.MetricsFlushInterval(time.Duration(c.MetricsConf.FlushIntervalSec) * time.Second)
	}
	if sc.PromSink != nil {
		b.Metrics(metrics.NewLogSink(), sc.PromSink)
	}

	return b.Build()
}
