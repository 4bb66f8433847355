package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"NWChat/logger"
	"NWChat/tools/safe"
)

const (
	// DefaultHeartbeatInterval is how often the server pings each open
	// session; a session missing two intervals is considered dead.
	DefaultHeartbeatInterval = 15 * time.Second
)

// LivenessMonitor pings open sessions and evicts the ones that stop
// answering. This is the only mechanism that reclaims half-open
// connections whose peer vanished without a close frame.
type LivenessMonitor struct {
	reg      *Registry
	interval time.Duration
	timeout  time.Duration

	clock    func() time.Time // injectable for tests
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewLivenessMonitor(reg *Registry, interval, timeout time.Duration) *LivenessMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = 2 * interval
	}
	return &LivenessMonitor{
		reg:      reg,
		interval: interval,
		timeout:  timeout,
		clock:    time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (m *LivenessMonitor) Start() {
	safe.Go(func() {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-t.C:
				m.sweepOnce()
			}
		}
	})
}

func (m *LivenessMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *LivenessMonitor) sweepOnce() {
	now := m.clock()
	ping := mustEncode(BuildPing())
	for _, s := range m.reg.All() {
		if s.State() != StateOpen {
			continue
		}
		if now.Sub(s.LastHeartbeat()) > m.timeout {
			logger.Infof("[liveness] evict session=%s user=%s idle=%v", s.ID, s.UserID, now.Sub(s.LastHeartbeat()))
			s.Close(websocket.CloseAbnormalClosure, "liveness timeout")
			continue
		}
		_ = s.Send(ping)
	}
}
