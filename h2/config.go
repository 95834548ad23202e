package h2

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"sigs.k8s.io/yaml"
)

// Config carries every policy knob the transport consumes. The zero
// value is usable; unset fields take role-dependent defaults resolved
// at construction. Field names mirror the channel-arg keys of the
// original configuration surface.
type Config struct {
	// InitialSequenceNumber is the id of the first locally initiated
	// stream. Parity must match the role (client odd, server even); a
	// mismatch is logged and ignored.
	InitialSequenceNumber uint32 `json:"http2InitialSequenceNumber,omitempty"`

	// HeaderTableSizeEncoder caps the local HPACK encoder table.
	HeaderTableSizeEncoder uint32 `json:"http2HpackTableSizeEncoder,omitempty"`
	// HeaderTableSizeDecoder is advertised to the peer via SETTINGS.
	HeaderTableSizeDecoder uint32 `json:"http2HpackTableSizeDecoder,omitempty"`

	// WriteBufferSize bounds per-stream buffering and the amount of
	// stream-controlled data gathered into one endpoint write.
	WriteBufferSize int `json:"http2WriteBufferSize,omitempty"`
	// ReadBufferSize sizes the buffered reader over the endpoint.
	ReadBufferSize int `json:"http2ReadBufferSize,omitempty"`

	// KeepaliveTime is the idle interval before a liveness ping. Zero
	// means the role default (disabled on clients, 2h on servers).
	KeepaliveTime    time.Duration `json:"-"`
	KeepaliveTimeout time.Duration `json:"-"`
	// KeepalivePermitWithoutCalls allows keepalive pings while no
	// stream is active.
	KeepalivePermitWithoutCalls bool `json:"keepalivePermitWithoutCalls,omitempty"`
	// PingTimeout bounds the wait for any ping ACK. Zero derives from
	// KeepaliveTime (1 minute, or disabled when keepalive is off).
	PingTimeout time.Duration `json:"-"`
	// SettingsTimeout bounds the wait for a SETTINGS ACK. Zero derives
	// max(2*KeepaliveTimeout, 1 minute).
	SettingsTimeout time.Duration `json:"-"`

	// MaxConcurrentStreams is the server's advertised stream limit.
	// Zero means unlimited.
	MaxConcurrentStreams uint32 `json:"maxConcurrentStreams,omitempty"`
	// MaxConcurrentStreamsOverloadProtection refuses excess inbound
	// streams with RST_STREAM instead of relying on the peer honoring
	// the advertised limit.
	MaxConcurrentStreamsOverloadProtection *bool `json:"maxConcurrentStreamsOverloadProtection,omitempty"`

	// MaxFrameSize is the advertised SETTINGS_MAX_FRAME_SIZE, clamped
	// to [16384, 16777215].
	MaxFrameSize uint32 `json:"http2MaxFrameSize,omitempty"`
	// StreamLookaheadBytes is the advertised per-stream initial
	// window. Setting it disables BDP probing.
	StreamLookaheadBytes uint32 `json:"http2StreamLookaheadBytes,omitempty"`
	// ConnWindowSize is the connection-level receive window.
	ConnWindowSize uint32 `json:"http2ConnWindowSize,omitempty"`
	// BDPProbe enables bandwidth-delay-product window sizing. Nil
	// means enabled unless a lookahead was pinned.
	BDPProbe *bool `json:"http2BdpProbe,omitempty"`

	// MaxHeaderListSize is the advertised SETTINGS_MAX_HEADER_LIST_SIZE.
	MaxHeaderListSize uint32 `json:"maxHeaderListSize,omitempty"`

	// EnableTrueBinary negotiates raw binary metadata via the custom
	// SETTINGS entry.
	EnableTrueBinary *bool `json:"http2EnableTrueBinary,omitempty"`

	// PreferredRxCryptoFrameSize, when non-zero, advertises the
	// experimental preferred-receive-crypto-frame-size setting.
	PreferredRxCryptoFrameSize uint32 `json:"experimentalPreferredRxCryptoFrameSize,omitempty"`

	// AllowTarpit delays server error responses to abusive peers.
	AllowTarpit *bool `json:"httpAllowTarpit,omitempty"`
	// TarpitMin/TarpitMax bound the random tarpit delay.
	TarpitMin time.Duration `json:"-"`
	TarpitMax time.Duration `json:"-"`

	// PingOnRSTStreamPercent is the probability (0..100) of emitting a
	// PING after a client-initiated RST_STREAM, server only.
	PingOnRSTStreamPercent *int `json:"http2PingOnRstStreamPercent,omitempty"`

	// MaxRequestsPerRead caps new streams admitted from a single read
	// turn, clamped to [1, 10000].
	MaxRequestsPerRead int `json:"maxRequestsPerRead,omitempty"`

	// MaxConnectionIdle closes (gracefully) a server connection with
	// no active streams after this duration. Zero disables.
	MaxConnectionIdle time.Duration `json:"-"`
	// MaxConnectionAge bounds total connection lifetime (±10% jitter);
	// MaxConnectionAgeGrace is the additional forcible-close period.
	MaxConnectionAge      time.Duration `json:"-"`
	MaxConnectionAgeGrace time.Duration `json:"-"`

	// KeepaliveEnforcementMinTime is the minimum interval the server
	// tolerates between client pings before counting strikes.
	KeepaliveEnforcementMinTime time.Duration `json:"-"`
	// KeepaliveEnforcementPermitWithoutStream permits client pings
	// with no active streams.
	KeepaliveEnforcementPermitWithoutStream bool `json:"keepaliveEnforcementPermitWithoutStream,omitempty"`

	// UserAgent is sent on client requests.
	UserAgent string `json:"userAgent,omitempty"`
}

const (
	infinity                = time.Duration(1<<63 - 1)
	minMaxFrameSize         = 16384
	maxMaxFrameSize         = 16777215
	defaultMaxRequestsRead  = 32
	defaultPingOnRSTPercent = 1
	defaultTarpitMin        = 100 * time.Millisecond
	defaultTarpitMax        = time.Second
	defaultEnforcementMin   = 5 * time.Minute
)

// LoadConfig parses a YAML (or JSON) config document. Durations are
// integer milliseconds in the document, matching the *_MS channel
// args.
func LoadConfig(data []byte) (*Config, error) {
	var doc struct {
		Config
		KeepaliveTimeMs           int64 `json:"keepaliveTimeMs,omitempty"`
		KeepaliveTimeoutMs        int64 `json:"keepaliveTimeoutMs,omitempty"`
		PingTimeoutMs             int64 `json:"pingTimeoutMs,omitempty"`
		SettingsTimeoutMs         int64 `json:"settingsTimeout,omitempty"`
		TarpitMinMs               int64 `json:"httpTarpitMinDurationMs,omitempty"`
		TarpitMaxMs               int64 `json:"httpTarpitMaxDurationMs,omitempty"`
		MaxConnectionIdleMs       int64 `json:"maxConnectionIdleMs,omitempty"`
		MaxConnectionAgeMs        int64 `json:"maxConnectionAgeMs,omitempty"`
		MaxConnectionAgeGraceMs   int64 `json:"maxConnectionAgeGraceMs,omitempty"`
		KeepaliveEnforcementMinMs int64 `json:"keepaliveEnforcementMinTimeMs,omitempty"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("h2: parsing config: %w", err)
	}
	cfg := doc.Config
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	cfg.KeepaliveTime = ms(doc.KeepaliveTimeMs)
	cfg.KeepaliveTimeout = ms(doc.KeepaliveTimeoutMs)
	cfg.PingTimeout = ms(doc.PingTimeoutMs)
	cfg.SettingsTimeout = ms(doc.SettingsTimeoutMs)
	cfg.TarpitMin = ms(doc.TarpitMinMs)
	cfg.TarpitMax = ms(doc.TarpitMaxMs)
	cfg.MaxConnectionIdle = ms(doc.MaxConnectionIdleMs)
	cfg.MaxConnectionAge = ms(doc.MaxConnectionAgeMs)
	cfg.MaxConnectionAgeGrace = ms(doc.MaxConnectionAgeGraceMs)
	cfg.KeepaliveEnforcementMinTime = ms(doc.KeepaliveEnforcementMinMs)
	return &cfg, nil
}

// resolved is the post-clamp, role-aware view of Config the transport
// actually runs on.
type resolved struct {
	initialStreamID   uint32
	hpackEncoderSize  uint32
	hpackDecoderSize  uint32
	writeBufferSize   int
	readBufferSize    int
	keepaliveTime     time.Duration
	keepaliveTimeout  time.Duration
	keepalivePermit   bool
	pingTimeout       time.Duration
	settingsTimeout   time.Duration
	maxStreams        uint32
	overloadProtect   bool
	maxFrameSize      uint32
	initialWindowSize uint32
	connWindowSize    uint32
	bdpProbe          bool
	maxHeaderListSize uint32
	trueBinary        bool
	rxCryptoFrameSize uint32
	allowTarpit       bool
	tarpitMin         time.Duration
	tarpitMax         time.Duration
	pingOnRSTPercent  int
	maxReqPerRead     int
	maxConnIdle       time.Duration
	maxConnAge        time.Duration
	maxConnAgeGrace   time.Duration
	enforcementMin    time.Duration
	enforcementPermit bool
	userAgent         string
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampUint32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// resolve applies defaults and clamps. Malformed values never fail the
// transport: they are logged and replaced, per the configuration error
// policy.
func (c *Config) resolve(side Side, log *zap.Logger) resolved {
	r := resolved{
		hpackEncoderSize:  defaultHeaderTableSize,
		hpackDecoderSize:  defaultHeaderTableSize,
		writeBufferSize:   defaultWriteBufferSize,
		readBufferSize:    defaultReadBufferSize,
		initialWindowSize: defaultWindowSize,
		connWindowSize:    defaultWindowSize,
		maxFrameSize:      http2MaxFrameLen,
		maxHeaderListSize: defaultMaxHeaderListSize,
		trueBinary:        true,
		allowTarpit:       true,
		tarpitMin:         defaultTarpitMin,
		tarpitMax:         defaultTarpitMax,
		pingOnRSTPercent:  defaultPingOnRSTPercent,
		maxReqPerRead:     defaultMaxRequestsRead,
		overloadProtect:   true,
		enforcementMin:    defaultEnforcementMin,
		userAgent:         c.UserAgent,
	}
	if side == ClientSide {
		r.initialStreamID = 1
	} else {
		r.initialStreamID = 2
	}
	if c.InitialSequenceNumber != 0 {
		wantOdd := side == ClientSide
		if (c.InitialSequenceNumber%2 == 1) == wantOdd {
			r.initialStreamID = c.InitialSequenceNumber
		} else {
			log.Warn("ignoring initial sequence number with wrong parity",
				zap.Uint32("value", c.InitialSequenceNumber))
		}
	}
	if c.HeaderTableSizeEncoder != 0 {
		r.hpackEncoderSize = c.HeaderTableSizeEncoder
	}
	if c.HeaderTableSizeDecoder != 0 {
		r.hpackDecoderSize = c.HeaderTableSizeDecoder
	}
	if c.WriteBufferSize > 0 {
		r.writeBufferSize = c.WriteBufferSize
	}
	if c.ReadBufferSize > 0 {
		r.readBufferSize = c.ReadBufferSize
	}

	r.keepaliveTime = c.KeepaliveTime
	if r.keepaliveTime == 0 {
		if side == ClientSide {
			r.keepaliveTime = defaultClientKeepaliveTime
		} else {
			r.keepaliveTime = defaultServerKeepaliveTime
		}
	}
	r.keepaliveTimeout = c.KeepaliveTimeout
	if r.keepaliveTimeout == 0 {
		if r.keepaliveTime == infinity {
			r.keepaliveTimeout = infinity
		} else {
			r.keepaliveTimeout = defaultKeepaliveTimeout
		}
	}
	r.keepalivePermit = c.KeepalivePermitWithoutCalls
	r.pingTimeout = c.PingTimeout
	if r.pingTimeout == 0 {
		if r.keepaliveTime == infinity {
			r.pingTimeout = infinity
		} else {
			r.pingTimeout = time.Minute
		}
	}
	r.settingsTimeout = c.SettingsTimeout
	if r.settingsTimeout == 0 {
		if r.keepaliveTimeout == infinity {
			r.settingsTimeout = time.Minute
		} else {
			r.settingsTimeout = maxDuration(2*r.keepaliveTimeout, time.Minute)
		}
	}

	r.maxStreams = c.MaxConcurrentStreams
	if c.MaxConcurrentStreamsOverloadProtection != nil {
		r.overloadProtect = *c.MaxConcurrentStreamsOverloadProtection
	}
	if c.MaxFrameSize != 0 {
		r.maxFrameSize = clampUint32(c.MaxFrameSize, minMaxFrameSize, maxMaxFrameSize)
	}
	if c.StreamLookaheadBytes != 0 {
		r.initialWindowSize = c.StreamLookaheadBytes
	}
	if c.ConnWindowSize > r.connWindowSize {
		r.connWindowSize = c.ConnWindowSize
	}
	r.bdpProbe = c.StreamLookaheadBytes == 0
	if c.BDPProbe != nil {
		r.bdpProbe = *c.BDPProbe
	}
	if c.MaxHeaderListSize != 0 {
		r.maxHeaderListSize = c.MaxHeaderListSize
	}
	if c.EnableTrueBinary != nil {
		r.trueBinary = *c.EnableTrueBinary
	}
	r.rxCryptoFrameSize = c.PreferredRxCryptoFrameSize
	if c.AllowTarpit != nil {
		r.allowTarpit = *c.AllowTarpit
	}
	if c.TarpitMin > 0 {
		r.tarpitMin = c.TarpitMin
	}
	if c.TarpitMax > 0 {
		r.tarpitMax = c.TarpitMax
	}
	if r.tarpitMax < r.tarpitMin {
		r.tarpitMax = r.tarpitMin
	}
	if c.PingOnRSTStreamPercent != nil {
		r.pingOnRSTPercent = clampInt(*c.PingOnRSTStreamPercent, 0, 100)
	}
	if c.MaxRequestsPerRead != 0 {
		r.maxReqPerRead = clampInt(c.MaxRequestsPerRead, 1, 10000)
	}
	r.maxConnIdle = c.MaxConnectionIdle
	r.maxConnAge = c.MaxConnectionAge
	r.maxConnAgeGrace = c.MaxConnectionAgeGrace
	if c.KeepaliveEnforcementMinTime > 0 {
		r.enforcementMin = c.KeepaliveEnforcementMinTime
	}
	r.enforcementPermit = c.KeepaliveEnforcementPermitWithoutStream
	return r
}
