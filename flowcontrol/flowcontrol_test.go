package flowcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportFlowQuarterWindowAck(t *testing.T) {
	t.Parallel()
	f := NewTransportFlow(64 * 1024)
	assert.Zero(t, f.OnData(1000))
	assert.Zero(t, f.OnData(10000))
	// Crossing a quarter of the window flushes the accumulated bytes.
	w := f.OnData(6000)
	assert.Equal(t, uint32(17000), w)
	assert.Zero(t, f.OnData(1))
}

func TestTransportFlowReset(t *testing.T) {
	t.Parallel()
	f := NewTransportFlow(64 * 1024)
	f.OnData(100)
	assert.Equal(t, uint32(100), f.Reset())
	assert.Zero(t, f.Reset())
}

func TestTransportFlowNewLimit(t *testing.T) {
	t.Parallel()
	f := NewTransportFlow(65535)
	assert.Equal(t, uint32(65535), f.NewLimit(131070))
	assert.Equal(t, uint32(131070), f.Limit())
	// Shrinking announces nothing.
	assert.Zero(t, f.NewLimit(1024))
}

func TestStreamFlowDataWithinWindow(t *testing.T) {
	t.Parallel()
	f := NewStreamFlow(100)
	require.NoError(t, f.OnData(60))
	require.NoError(t, f.OnData(40))
	assert.Error(t, f.OnData(1), "window overrun must be detected")
}

func TestStreamFlowOnReadProducesUpdate(t *testing.T) {
	t.Parallel()
	f := NewStreamFlow(100)
	require.NoError(t, f.OnData(80))
	// Reading under a quarter of the window stays quiet.
	assert.Zero(t, f.OnRead(10))
	w := f.OnRead(40)
	assert.Equal(t, uint32(50), w)
}

func TestStreamFlowMaybeAdjust(t *testing.T) {
	t.Parallel()
	f := NewStreamFlow(100)
	// Application wants far more than one window: announce a delta.
	w := f.MaybeAdjust(1000)
	assert.Equal(t, uint32(1000), w)
	// Within the enlarged window nothing more is needed.
	assert.Zero(t, f.MaybeAdjust(100))
}

func TestWriteQuotaBlocksAndReplenishes(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	defer close(done)
	w := NewWriteQuota(10, done)

	require.NoError(t, w.Get(10))
	got := make(chan error, 1)
	go func() { got <- w.Get(5) }()
	select {
	case err := <-got:
		t.Fatalf("Get returned %v before replenish", err)
	case <-time.After(10 * time.Millisecond):
	}
	w.Replenish(5)
	require.NoError(t, <-got)
}

func TestWriteQuotaDone(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	w := NewWriteQuota(0, done)
	got := make(chan error, 1)
	go func() { got <- w.Get(1) }()
	close(done)
	assert.Error(t, <-got)
}

func TestWriteQuotaTryGet(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	defer close(done)
	w := NewWriteQuota(10, done)
	assert.Equal(t, int32(7), w.TryGet(7))
	assert.Equal(t, int32(3), w.TryGet(7))
	assert.Zero(t, w.TryGet(7))
}

func TestBDPEstimatorGrowsWindow(t *testing.T) {
	t.Parallel()
	b := NewBDPEstimator(65535)
	// A full window arrives, a ping goes out, more data lands before
	// the ACK.
	assert.True(t, b.Add(65535))
	b.StartPing()
	assert.True(t, b.IsPingInFlight())
	b.Add(65535)
	time.Sleep(time.Millisecond)
	a := b.CompletePing()
	assert.False(t, b.IsPingInFlight())
	if !a.Empty() {
		assert.Equal(t, UpdateImmediately, a.SendInitialWindowUpdate)
		assert.Greater(t, a.InitialWindowSize, uint32(65535))
	}
	assert.NotZero(t, b.RTT())
}

func TestBDPEstimatorIdleNoPing(t *testing.T) {
	t.Parallel()
	b := NewBDPEstimator(65535)
	// No data seen: no ping requested.
	assert.False(t, b.Add(0))
	b.StartPing()
	// While in flight, more data never requests another ping.
	assert.False(t, b.Add(100))
}

func TestUrgencyStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "no-action", NoAction.String())
	assert.Equal(t, "queue-update", QueueUpdate.String())
	assert.Equal(t, "update-immediately", UpdateImmediately.String())
}
