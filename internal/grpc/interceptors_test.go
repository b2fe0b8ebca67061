package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/peer"

	"whisper/chat-service/internal/models"
)

func peerContext(ip string, port int) context.Context {
	return peer.NewContext(context.Background(), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: port},
	})
}

func TestLimiterKeyIgnoresPort(t *testing.T) {
	assert.Equal(t, limiterKey(peerContext("10.0.0.7", 40001)), limiterKey(peerContext("10.0.0.7", 40002)))
	assert.NotEqual(t, limiterKey(peerContext("10.0.0.7", 40001)), limiterKey(peerContext("10.0.0.8", 40001)))
	assert.Equal(t, "peer:::1", limiterKey(peerContext("::1", 5)))

	ctx := withSession(peerContext("10.0.0.7", 40001), models.Session{User: "alice"})
	assert.Equal(t, "user:alice", limiterKey(ctx))
	assert.Equal(t, "anonymous", limiterKey(context.Background()))
}

func TestReconnectingDoesNotResetBucket(t *testing.T) {
	l := NewRateLimiter(0.001, 2)

	for port := 40001; port <= 40002; port++ {
		assert.True(t, l.Allow(limiterKey(peerContext("10.0.0.7", port))))
	}
	assert.False(t, l.Allow(limiterKey(peerContext("10.0.0.7", 40003))))
	assert.Equal(t, 1, l.Len())
}

func TestIdleBucketsAreDropped(t *testing.T) {
	l := NewRateLimiter(10, 5)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		l.Allow(limiterKey(peerContext("10.1.0.1", 1000+i)))
		l.Allow("peer:10.2.0." + string(rune('a'+i%26)))
	}
	assert.Equal(t, 27, l.Len())

	now = now.Add(minLimiterIdle / 2)
	l.Allow("peer:10.1.0.1")
	assert.Equal(t, 27, l.Len())

	now = now.Add(minLimiterIdle)
	l.Allow("peer:10.3.0.1")
	assert.Equal(t, 1, l.Len())
}

func TestSlowBucketsOutliveMinimumIdle(t *testing.T) {
	// Refilling three tokens takes over eight hours.
	l := NewRateLimiter(0.0001, 3)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("peer:10.0.0.7"))
	}
	now = now.Add(2 * minLimiterIdle)
	l.Allow("peer:10.0.0.9")
	assert.Equal(t, 2, l.Len())
	assert.False(t, l.Allow("peer:10.0.0.7"))
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *RateLimiter
	assert.True(t, l.Allow("anything"))
	assert.Equal(t, 0, l.Len())
}
