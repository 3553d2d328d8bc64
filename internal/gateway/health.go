package gateway

import (
	"context"
	"sync"
	"time"

	"soilsense/internal/logger"
	"soilsense/internal/metrics"
)

// Connectivity：连接状态指示
type Connectivity string

const (
	Checking     Connectivity = "checking"
	Connected    Connectivity = "connected"
	Disconnected Connectivity = "disconnected"
)

// Pinger：可探活的后端
type Pinger interface {
	Health(ctx context.Context) error
}

// 文档注释：后端心跳监控
// 约束：周期默认 10s，单次探测超时取周期与 5s 的较小值；首次探测前状态为 checking
type HealthMonitor struct {
	mu       sync.RWMutex
	p        Pinger
	interval time.Duration
	status   Connectivity
	last     time.Time
}

func NewHealthMonitor(p Pinger, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthMonitor{p: p, interval: interval, status: Checking}
}

// Start：立即探测一次，之后按周期探测，ctx 取消时停止
func (m *HealthMonitor) Start(ctx context.Context) {
	go func() {
		m.Check(ctx)
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Check(ctx)
			}
		}
	}()
}

// Check：执行一次探测并返回最新状态
func (m *HealthMonitor) Check(ctx context.Context) Connectivity {
	timeout := m.interval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := m.p.Health(cctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.status
	m.last = time.Now()
	if err != nil {
		m.status = Disconnected
		metrics.BackendUp.Set(0)
	} else {
		m.status = Connected
		metrics.BackendUp.Set(1)
	}
	if prev != m.status {
		logger.L().Info("backend_connectivity", "status", string(m.status), "err", err)
	}
	return m.status
}

// Status：最近一次探测结果与时间
func (m *HealthMonitor) Status() (Connectivity, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.last
}
