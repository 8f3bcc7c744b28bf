package svc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dex-pipeline-sol/internal/metrics"
	"dex-pipeline-sol/internal/pkg/logger"
)

// MetricsServer 暴露 Prometheus /metrics 端点，实现 service.Service 接口。
type MetricsServer struct {
	server *http.Server
}

func NewMetricsServer(addr string, sink *metrics.PrometheusSink) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", sink.Handler())
	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
	}
}

func (s *MetricsServer) Start() {
	logger.Infof("[metrics] listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("[metrics] server exited: %v", err)
	}
}

func (s *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}
