package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qs3c/scent_sub_server/internal/pkg/queue"
)

// Source 阻塞获取通知，超时返回 nil, nil
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.NotificationMessage, error)
}

// Pool 从队列消费通知的 worker 组
type Pool struct {
	source    Source
	processor *Processor
	workers   int
	popWait   time.Duration
}

func NewPool(source Source, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		source:    source,
		processor: processor,
		workers:   workers,
		popWait:   5 * time.Second,
	}
}

// Run 启动 worker 循环，ctx 取消后等待所有 worker 退出
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.loop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down", "worker_id", workerID)
			return
		default:
		}

		msg, err := p.source.Pop(ctx, p.popWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("failed to pop notification", "worker_id", workerID, "error", err)
			// 队列不可用时避免空转
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}

		if err := p.processor.Process(ctx, msg); err != nil {
			slog.Error("notification failed",
				"worker_id", workerID,
				"kind", msg.Kind,
				"user_id", msg.UserID,
				"error", err,
			)
		}
	}
}
