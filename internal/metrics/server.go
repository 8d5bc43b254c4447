package metrics

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gpubid/pkg/logger"
)

// NewDebugMux expvar（/debug/vars，含 tally 指标）和 pprof（/debug/pprof）
func NewDebugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())

	// pprof：显式注册到我们的 mux，避免依赖 DefaultServeMux 的全局副作用
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// StartDebugServer 非阻塞启动调试服务，ctx.Done() 时优雅关闭。
// 建议仅监听 localhost 或内网。
func StartDebugServer(ctx context.Context, listenAddr string, log *logrus.Logger) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, nil, err
	}
	s := &http.Server{
		Addr:              listenAddr,
		Handler:           NewDebugMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	entry := logger.Component(log, "debug_server")

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			entry.WithError(err).Error("调试服务异常退出")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	entry.WithField("addr", ln.Addr().String()).Info("调试服务已启动: /debug/vars /debug/pprof")
	return s, ln.Addr(), nil
}
