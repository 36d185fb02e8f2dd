package uploader

import (
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-uploader/internal/errors"
)

// metricsCollector tracks call latency and outcomes
type metricsCollector struct {
	successCount int64
	failureCount int64

	// nanoseconds
	totalCallTime int64
	callCount     int64

	byType map[apperrors.ErrorType]int64
	mutex  sync.Mutex
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{byType: make(map[apperrors.ErrorType]int64)}
}

func (m *metricsCollector) recordCall(d time.Duration) {
	atomic.AddInt64(&m.totalCallTime, d.Nanoseconds())
	atomic.AddInt64(&m.callCount, 1)
}

func (m *metricsCollector) recordSuccess() {
	atomic.AddInt64(&m.successCount, 1)
}

func (m *metricsCollector) recordFailure(t apperrors.ErrorType) {
	atomic.AddInt64(&m.failureCount, 1)

	m.mutex.Lock()
	m.byType[t]++
	m.mutex.Unlock()
}

func (m *metricsCollector) avgCallTime() time.Duration {
	count := atomic.LoadInt64(&m.callCount)
	if count == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&m.totalCallTime) / count)
}

func (m *metricsCollector) failuresByType() map[apperrors.ErrorType]int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make(map[apperrors.ErrorType]int64, len(m.byType))
	for k, v := range m.byType {
		out[k] = v
	}
	return out
}
