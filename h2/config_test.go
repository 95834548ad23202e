package h2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfigMillisecondDurations(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig([]byte(`
keepaliveTimeMs: 1000
keepaliveTimeoutMs: 2000
pingTimeoutMs: 3000
httpTarpitMinDurationMs: 50
httpTarpitMaxDurationMs: 500
maxConcurrentStreams: 7
http2MaxFrameSize: 65536
userAgent: test-agent
`))
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.KeepaliveTime)
	assert.Equal(t, 2*time.Second, cfg.KeepaliveTimeout)
	assert.Equal(t, 3*time.Second, cfg.PingTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.TarpitMin)
	assert.Equal(t, 500*time.Millisecond, cfg.TarpitMax)
	assert.Equal(t, uint32(7), cfg.MaxConcurrentStreams)
	assert.Equal(t, uint32(65536), cfg.MaxFrameSize)
	assert.Equal(t, "test-agent", cfg.UserAgent)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := LoadConfig([]byte("{not yaml"))
	assert.Error(t, err)
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	log := zap.NewNop()
	var c Config

	r := c.resolve(ClientSide, log)
	assert.Equal(t, uint32(1), r.initialStreamID)
	assert.Equal(t, infinity, r.keepaliveTime, "client keepalive defaults to disabled")
	assert.Equal(t, uint32(http2MaxFrameLen), r.maxFrameSize)
	assert.Equal(t, uint32(defaultWindowSize), r.initialWindowSize)
	assert.True(t, r.bdpProbe)
	assert.Equal(t, defaultMaxRequestsRead, r.maxReqPerRead)
	assert.Equal(t, defaultPingOnRSTPercent, r.pingOnRSTPercent)
	assert.True(t, r.allowTarpit)

	r = c.resolve(ServerSide, log)
	assert.Equal(t, uint32(2), r.initialStreamID)
	assert.Equal(t, defaultServerKeepaliveTime, r.keepaliveTime)
	assert.Equal(t, defaultKeepaliveTimeout, r.keepaliveTimeout)
	assert.Equal(t, time.Minute, r.pingTimeout)
	assert.Equal(t, time.Minute, r.settingsTimeout)
}

func TestResolveClamps(t *testing.T) {
	t.Parallel()
	log := zap.NewNop()
	pct := 250
	c := Config{
		MaxFrameSize:           1,
		MaxRequestsPerRead:     1 << 20,
		PingOnRSTStreamPercent: &pct,
		TarpitMin:              time.Second,
		TarpitMax:              time.Millisecond,
	}
	r := c.resolve(ServerSide, log)
	assert.Equal(t, uint32(minMaxFrameSize), r.maxFrameSize)
	assert.Equal(t, 10000, r.maxReqPerRead)
	assert.Equal(t, 100, r.pingOnRSTPercent)
	assert.Equal(t, r.tarpitMin, r.tarpitMax, "inverted tarpit range collapses")
}

func TestResolveParityMismatchIgnored(t *testing.T) {
	t.Parallel()
	log := zap.NewNop()
	c := Config{InitialSequenceNumber: 4} // even: wrong for a client
	r := c.resolve(ClientSide, log)
	assert.Equal(t, uint32(1), r.initialStreamID)

	c = Config{InitialSequenceNumber: 41}
	r = c.resolve(ClientSide, log)
	assert.Equal(t, uint32(41), r.initialStreamID)

	c = Config{InitialSequenceNumber: 41} // odd: wrong for a server
	r = c.resolve(ServerSide, log)
	assert.Equal(t, uint32(2), r.initialStreamID)
}

func TestResolveLookaheadDisablesBDP(t *testing.T) {
	t.Parallel()
	log := zap.NewNop()
	c := Config{StreamLookaheadBytes: 1 << 20}
	r := c.resolve(ClientSide, log)
	assert.False(t, r.bdpProbe)
	assert.Equal(t, uint32(1<<20), r.initialWindowSize)

	on := true
	c.BDPProbe = &on
	r = c.resolve(ClientSide, log)
	assert.True(t, r.bdpProbe, "explicit flag overrides the lookahead heuristic")
}

func TestResolveKeepaliveDerivedTimeouts(t *testing.T) {
	t.Parallel()
	log := zap.NewNop()
	c := Config{KeepaliveTime: 10 * time.Second}
	r := c.resolve(ClientSide, log)
	assert.Equal(t, defaultKeepaliveTimeout, r.keepaliveTimeout)
	assert.Equal(t, time.Minute, r.pingTimeout)
	assert.Equal(t, time.Minute, r.settingsTimeout)

	c.KeepaliveTimeout = 2 * time.Minute
	r = c.resolve(ClientSide, log)
	assert.Equal(t, 4*time.Minute, r.settingsTimeout, "settings timeout derives from 2x keepalive timeout")
}
