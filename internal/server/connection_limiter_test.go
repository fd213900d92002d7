package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestGlobalConnectionLimiter_AcquireRelease(t *testing.T) {
	limiter := NewGlobalConnectionLimiter(3)

	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())

	// At capacity
	assert.False(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())

	limiter.Release()
	assert.Equal(t, int64(2), limiter.Current())

	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Max())
}

func TestGlobalConnectionLimiter_Concurrent(t *testing.T) {
	limiter := NewGlobalConnectionLimiter(100)
	var successCount, failCount atomic.Int64

	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if limiter.Acquire() {
				successCount.Add(1)
			} else {
				failCount.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int64(100), successCount.Load())
	assert.Equal(t, int64(100), failCount.Load())
	assert.Equal(t, int64(100), limiter.Current())
}

func TestGlobalConnectionLimiter_ZeroMax(t *testing.T) {
	limiter := NewGlobalConnectionLimiter(0)
	assert.False(t, limiter.Acquire())
}

func TestIPConnectionLimiter_AcquireRelease(t *testing.T) {
	limiter := NewIPConnectionLimiter(2)

	assert.True(t, limiter.Acquire("192.168.1.1"))
	assert.True(t, limiter.Acquire("192.168.1.1"))
	assert.Equal(t, 2, limiter.Count("192.168.1.1"))

	assert.False(t, limiter.Acquire("192.168.1.1"))

	// Different IP is independent
	assert.True(t, limiter.Acquire("192.168.1.2"))
	assert.Equal(t, 2, limiter.UniqueIPs())

	limiter.Release("192.168.1.1")
	assert.Equal(t, 1, limiter.Count("192.168.1.1"))
	assert.True(t, limiter.Acquire("192.168.1.1"))
}

func TestIPConnectionLimiter_ReleaseDropsIdleIPs(t *testing.T) {
	limiter := NewIPConnectionLimiter(5)

	assert.True(t, limiter.Acquire("192.168.1.1"))
	limiter.Release("192.168.1.1")
	assert.Equal(t, 0, limiter.UniqueIPs())

	// Releasing an unknown IP is a no-op
	limiter.Release("10.0.0.1")
	assert.Equal(t, 0, limiter.Count("10.0.0.1"))
}

func TestConnectionRateLimiter_Allow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewConnectionRateLimiter(clock, 2.0, 2)

	// Burst
	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.False(t, limiter.Allow("192.168.1.1"))

	// Each IP has its own bucket
	assert.True(t, limiter.Allow("192.168.1.2"))
	assert.Equal(t, 2, limiter.ActiveLimiters())
}

func TestConnectionRateLimiter_TokenRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewConnectionRateLimiter(clock, 10.0, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("192.168.1.1"))
	}
	assert.False(t, limiter.Allow("192.168.1.1"))

	// One token per 100ms at 10/sec
	clock.Advance(100 * time.Millisecond)
	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.False(t, limiter.Allow("192.168.1.1"))
}

func TestConnectionRateLimiter_DropsIdleBuckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewConnectionRateLimiter(clock, 10.0, 5)

	limiter.Allow("192.168.1.1")
	limiter.Allow("192.168.1.2")
	assert.Equal(t, 2, limiter.ActiveLimiters())

	// Only 192.168.1.2 stays active
	clock.Advance(6 * time.Minute)
	limiter.Allow("192.168.1.2")
	clock.Advance(6 * time.Minute)

	// This call runs the periodic cleanup
	limiter.Allow("192.168.1.3")
	assert.Equal(t, 2, limiter.ActiveLimiters())
}

func newTestLimits(global int64, perIP int, perSecond float64, burst int) *ConnectionLimits {
	return NewConnectionLimits(LimitsConfig{
		MaxConnections:      global,
		MaxConnectionsPerIP: perIP,
		RatePerIP:           perSecond,
		RateBurst:           burst,
		Clock:               clockwork.NewFakeClock(),
	})
}

func TestConnectionLimits_Acquire(t *testing.T) {
	limits := newTestLimits(100, 10, 5, 5)

	ok, reason := limits.Acquire("192.168.1.1")
	assert.True(t, ok)
	assert.Equal(t, LimitReason(""), reason)

	limits.Release("192.168.1.1")
	assert.Equal(t, int64(0), limits.Global().Current())
	assert.Equal(t, 0, limits.PerIP().UniqueIPs())
}

func TestConnectionLimits_Reasons(t *testing.T) {
	tests := []struct {
		name       string
		limits     *ConnectionLimits
		ips        []string
		wantReason LimitReason
	}{
		{"global", newTestLimits(2, 100, 100, 100), []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, LimitReasonGlobal},
		{"per ip", newTestLimits(100, 2, 100, 100), []string{"10.0.0.1", "10.0.0.1", "10.0.0.1"}, LimitReasonPerIP},
		{"rate", newTestLimits(100, 100, 2, 2), []string{"10.0.0.1", "10.0.0.1", "10.0.0.1"}, LimitReasonRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := len(tt.ips) - 1
			for _, ip := range tt.ips[:last] {
				ok, _ := tt.limits.Acquire(ip)
				assert.True(t, ok)
			}
			ok, reason := tt.limits.Acquire(tt.ips[last])
			assert.False(t, ok)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestConnectionLimits_RollbackOnFailure(t *testing.T) {
	limits := newTestLimits(100, 1, 100, 100)

	ok, _ := limits.Acquire("192.168.1.1")
	assert.True(t, ok)
	assert.Equal(t, int64(1), limits.Global().Current())

	// Fails at the per-IP check; the global slot is given back
	ok, reason := limits.Acquire("192.168.1.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)
	assert.Equal(t, int64(1), limits.Global().Current())

	limits.Release("192.168.1.1")
	assert.Equal(t, int64(0), limits.Global().Current())
}

func TestConnectionLimits_Concurrent(t *testing.T) {
	limits := newTestLimits(50, 5, 1000, 1000)

	var wg sync.WaitGroup
	var successCount atomic.Int64
	hold := make(chan struct{})

	// 10 IPs with 10 attempts each; per-IP caps at 5, so 50 succeed
	for ip := 1; ip <= 10; ip++ {
		addr := fmt.Sprintf("192.168.1.%d", ip)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _ := limits.Acquire(addr); ok {
					successCount.Add(1)
					<-hold
					limits.Release(addr)
				}
			}()
		}
	}

	for successCount.Load() < 50 {
		time.Sleep(time.Millisecond)
	}
	close(hold)
	wg.Wait()

	assert.Equal(t, int64(50), successCount.Load())
	assert.Equal(t, int64(0), limits.Global().Current())
}
