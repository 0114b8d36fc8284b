package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"settlement-core/pkg/logger"
)

type Config struct {
	HttpPort        string
	ShutdownTimeout time.Duration
}

// Closer 按注册顺序在 HTTP 之前/之后关闭的组件
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

type App struct {
	httpServer *http.Server
	timeout    time.Duration
	before     []Closer // 停止接收流量之前: 后台任务、nonce 分配器
	after      []Closer // HTTP 退出之后: 链客户端、数据库、Redis
}

func New(cfg Config, handler http.Handler) *App {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &App{
		httpServer: &http.Server{
			Addr:              ":" + cfg.HttpPort,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		timeout: timeout,
	}
}

// OnShutdown 在关闭 HTTP 之前执行
func (a *App) OnShutdown(name string, fn func(ctx context.Context) error) {
	a.before = append(a.before, Closer{Name: name, Close: fn})
}

// OnExit 在 HTTP 关闭之后执行
func (a *App) OnExit(name string, fn func(ctx context.Context) error) {
	a.after = append(a.after, Closer{Name: name, Close: fn})
}

// Run 启动服务并阻塞，直到收到关闭信号
func (a *App) Run() {
	go func() {
		logger.Info("Starting HTTP Server", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Server failure", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("⚠️  Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	a.Shutdown(ctx)
	logger.Info("Server exited properly")
}

// Shutdown 依次关闭: 后台任务 -> HTTP -> 底层连接
func (a *App) Shutdown(ctx context.Context) {
	runClosers(ctx, a.before)

	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP Server forced to shutdown", zap.Error(err))
	}

	runClosers(ctx, a.after)
}

func runClosers(ctx context.Context, closers []Closer) {
	for _, c := range closers {
		if err := c.Close(ctx); err != nil {
			logger.Error("关闭组件失败", zap.String("component", c.Name), zap.Error(err))
			continue
		}
		logger.Info("组件已关闭", zap.String("component", c.Name))
	}
}
