// Package worker 周期性驱动后台任务 (扫块、确认数、提现、outbox 中继)
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"settlement-core/pkg/logger"
	"settlement-core/pkg/monitor"
)

// Task 一个可以按 tick 重复执行的后台任务
type Task interface {
	Name() string
	RunOnce(ctx context.Context) error
}

type entry struct {
	task     Task
	interval time.Duration
}

// Runner 每个任务一个 goroutine，同一任务的 tick 不会重叠
type Runner struct {
	entries []entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewRunner() *Runner {
	return &Runner{}
}

// Add 必须在 Start 之前调用
func (r *Runner) Add(task Task, interval time.Duration) {
	r.entries = append(r.entries, entry{task: task, interval: interval})
}

// Start 非阻塞启动所有任务
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	for _, e := range r.entries {
		r.wg.Add(1)
		go r.loop(ctx, e)
	}
	logger.Info("Worker runner started", zap.Int("tasks", len(r.entries)))
}

// Stop 取消所有任务并等待当前 tick 结束 (或 ctx 超时)
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	r.started = false
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context, e entry) {
	defer r.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	name := e.task.Name()
	logger.Info("[Worker] 启动任务", zap.String("task", name), zap.Duration("interval", e.interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Worker] 停止任务", zap.String("task", name))
			return
		case <-ticker.C:
			r.tick(ctx, e.task)
		}
	}
}

// tick 单次执行; panic 只影响本次 tick
func (r *Runner) tick(ctx context.Context, task Task) {
	name := task.Name()
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return task.RunOnce(ctx)
	}()

	monitor.Business.TaskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil && ctx.Err() == nil {
		monitor.Business.TaskErrorsTotal.WithLabelValues(name).Inc()
		logger.Error("[Worker] 任务执行失败", zap.String("task", name), zap.Error(err))
	}
}
