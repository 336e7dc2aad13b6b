package config

import (
	"sync/atomic"
	"time"
)

// TunableHolder wraps the small set of values a running test harness is
// allowed to change after construction (currently just the heartbeat
// interval, used to speed up election-timing tests without rebuilding
// the whole RaftConfig).
type TunableHolder struct {
	heartbeatInterval atomic.Value // time.Duration
}

// NewTunableHolder seeds the holder from a RaftConfig.
func NewTunableHolder(c RaftConfig) *TunableHolder {
	h := &TunableHolder{}
	h.heartbeatInterval.Store(c.HeartbeatInterval)
	return h
}

// HeartbeatInterval returns the current value.
func (h *TunableHolder) HeartbeatInterval() time.Duration {
	return h.heartbeatInterval.Load().(time.Duration)
}

// SetHeartbeatInterval updates the value; safe for concurrent use.
func (h *TunableHolder) SetHeartbeatInterval(d time.Duration) {
	h.heartbeatInterval.Store(d)
}
