package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qs3c/scent_sub_server/internal/model/dto"
	"github.com/qs3c/scent_sub_server/internal/service"
)

// Charger 到期订阅批量扣款
type Charger interface {
	ChargeDue(ctx context.Context) (*dto.ChargeSummary, error)
}

type Service struct {
	charger Charger
	spec    string
	timeout time.Duration
	cron    *cron.Cron
}

// NewService spec 为标准 5 段 cron 表达式，按 loc 时区解释
func NewService(charger Charger, spec string, loc *time.Location, timeout time.Duration) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	logger := slogLogger{}
	return &Service{
		charger: charger,
		spec:    spec,
		timeout: timeout,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start 注册扣款任务并启动调度
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.runChargeDue); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.spec, err)
	}
	s.cron.Start()
	slog.Info("cron service started", "spec", s.spec)
	return nil
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("cron service stopped")
}

// NextRun 下次触发时间，未启动时为零值
func (s *Service) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Service) runChargeDue() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	summary, err := s.charger.ChargeDue(ctx)
	switch {
	case errors.Is(err, service.ErrRunInProgress):
		slog.Info("charge-due already running elsewhere, skipping", "source", "billing")
	case err != nil:
		slog.Error("scheduled charge-due failed", "source", "billing", "error", err)
	default:
		slog.Info("scheduled charge-due finished", "source", "billing", "summary", summary.Message)
	}
}

// slogLogger 将 cron 内部日志接到 slog
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
