// Package shutdown 退出时按注册的逆序关闭资源。
package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gpubid/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type entry struct {
	name    string
	handler Handler
}

// Manager 优雅关闭管理器
type Manager struct {
	mu       sync.Mutex
	handlers []entry
	done     bool
	log      *logrus.Entry
}

func NewManager(log *logrus.Logger) *Manager {
	return &Manager{log: logger.Component(log, "shutdown")}
}

// OnShutdown 注册关闭回调；后注册的先执行（先关服务再关存储）
func (m *Manager) OnShutdown(name string, h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, entry{name: name, handler: h})
}

// OnClose 注册 io.Closer 风格的回调
func (m *Manager) OnClose(name string, closeFn func() error) {
	if closeFn == nil {
		return
	}
	m.OnShutdown(name, func(context.Context) error { return closeFn() })
}

// Shutdown 依次执行回调，返回失败的数量。只执行一次。
// ctx 超时后剩余回调仍会执行，各回调自行决定是否尊重 ctx。
func (m *Manager) Shutdown(ctx context.Context) int {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return 0
	}
	m.done = true
	handlers := m.handlers
	m.mu.Unlock()

	if len(handlers) == 0 {
		return 0
	}
	m.log.Infof("开始优雅关闭，共 %d 个回调", len(handlers))

	failed := 0
	for i := len(handlers) - 1; i >= 0; i-- {
		e := handlers[i]
		if err := e.handler(ctx); err != nil {
			failed++
			m.log.WithError(err).WithField("resource", e.name).Warn("关闭失败")
			continue
		}
		m.log.WithField("resource", e.name).Debug("已关闭")
	}
	if ctx.Err() != nil {
		m.log.Warnf("关闭超时: %v", ctx.Err())
	}
	return failed
}
