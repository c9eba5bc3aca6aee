package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭回调；应在 ctx 结束前返回
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器：所有回调并发执行，整体受 ctx 截止时间约束
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
	done      bool
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: fn})
}

// Shutdown 执行所有回调（阻塞）。重复调用是 no-op。返回是否在截止前全部完成。
func (m *Manager) Shutdown(ctx context.Context) bool {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return true
	}
	m.done = true
	callbacks := append([]namedHandler(nil), m.callbacks...)
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return true
	}
	log.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	var wg sync.WaitGroup
	wg.Add(len(callbacks))
	for _, cb := range callbacks {
		go func(cb namedHandler) {
			defer wg.Done()
			start := time.Now()
			if err := cb.fn(ctx); err != nil {
				log.WithError(err).Warnf("关闭回调 %s 失败", cb.name)
				return
			}
			log.Debugf("关闭回调 %s 完成 (%s)", cb.name, time.Since(start))
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("所有关闭回调已完成")
		return true
	case <-ctx.Done():
		log.Warnf("关闭超时: %v", ctx.Err())
		return false
	}
}
