package h2

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"

	"github.com/costinm/h2transport/flowcontrol"
)

// keepaliveStateKind is the keepalive liveness state machine.
type keepaliveStateKind uint8

const (
	keepaliveDisabled keepaliveStateKind = iota
	keepaliveWaiting
	keepalivePinging
	keepaliveDying
)

// maxPingsWithoutData bounds outbound pings between data frames; the
// excess is deferred and retried.
const maxPingsWithoutData = 2

// maxPingStrikes is the server's tolerance for abusive inbound pings.
const maxPingStrikes = 2

// PingCallbacks are the client intents attached to one outbound ping:
// OnInitiate fires when the ping is actually serialized, OnAck when
// the peer acknowledges it. Either may be nil.
type PingCallbacks struct {
	OnInitiate func(error)
	OnAck      func(error)
}

func pingData(id uint64) [8]byte {
	var d [8]byte
	binary.BigEndian.PutUint64(d[:], id)
	return d
}

// nextPingData allocates a ping id with no callbacks (fire and forget)
// and returns its payload.
func (t *Transport) nextPingData() [8]byte {
	id := t.nextPingID
	t.nextPingID++
	t.pings[id] = &PingCallbacks{}
	return pingData(id)
}

// sendPing registers cb in the in-flight table and emits the ping,
// subject to the before-data rate policy.
func (t *Transport) sendPing(cb *PingCallbacks) uint64 {
	if cb == nil {
		cb = &PingCallbacks{}
	}
	if t.closedWithError != nil {
		st := statusf(codes.Canceled, "transport closed")
		if cb.OnInitiate != nil {
			cb.OnInitiate(st)
		}
		if cb.OnAck != nil {
			cb.OnAck(st)
		}
		return 0
	}
	id := t.nextPingID
	t.nextPingID++
	t.pings[id] = cb
	if t.pingsWithoutData >= maxPingsWithoutData {
		t.deferredPings = append(t.deferredPings, id)
		if t.delayedPingTimer == nil {
			t.delayedPingTimer = t.afterFunc(time.Second, t.retryInitiatePing)
		}
		return id
	}
	t.emitPing(id, cb)
	return id
}

func (t *Transport) emitPing(id uint64, cb *PingCallbacks) {
	t.pingsWithoutData++
	onInit := cb.OnInitiate
	t.queueInduced(inducedFrame{
		kind:     inducedPing,
		pingData: pingData(id),
		onWrite: func() {
			if onInit != nil {
				onInit(nil)
			}
		},
	})
	t.initiateWrite("send_ping")
}

// retryInitiatePing flushes pings deferred by the rate policy.
func (t *Transport) retryInitiatePing() {
	t.delayedPingTimer = nil
	deferred := t.deferredPings
	t.deferredPings = nil
	t.pingsWithoutData = 0
	for _, id := range deferred {
		if cb, ok := t.pings[id]; ok {
			t.emitPing(id, cb)
		}
	}
}

// setDataSent records that headers or data were serialized: the ping
// rate window and the server's ping-strike counter both reset.
func (t *Transport) setDataSent() {
	t.pingsWithoutData = 0
	t.dataEverSent = true
	t.pingStrikes = 0
}

// failAllPings cancels every outstanding ping intent.
func (t *Transport) failAllPings(st *Status) {
	for id, cb := range t.pings {
		delete(t.pings, id)
		if cb.OnInitiate != nil {
			cb.OnInitiate(st)
		}
		if cb.OnAck != nil {
			cb.OnAck(st)
		}
	}
	t.deferredPings = nil
}

// handlePing processes an inbound PING frame under the combiner.
func (t *Transport) handlePing(ack bool, data [8]byte) {
	if t.closedWithError != nil {
		return
	}
	if ack {
		if data == flowcontrol.BDPPingData {
			if t.bdpEst != nil {
				action := t.bdpEst.CompletePing()
				t.dispatchAction(nil, action)
			}
			return
		}
		id := binary.BigEndian.Uint64(data[:])
		cb, ok := t.pings[id]
		if !ok {
			return
		}
		delete(t.pings, id)
		if cb.OnAck != nil {
			cb.OnAck(nil)
		}
		return
	}

	if t.side == ServerSide {
		if t.checkPingAbuse() {
			return
		}
	}
	t.queueInduced(inducedFrame{kind: inducedPingAck, pingData: data})
	t.initiateWrite("ping_ack")
}

// checkPingAbuse enforces the server's ping policy; reports true when
// the transport was torn down for abuse.
func (t *Transport) checkPingAbuse() bool {
	now := time.Now()
	defer func() { t.lastPingRecv = now }()

	permitted := len(t.streams) > 0 || t.cfg.enforcementPermit
	tooSoon := !t.lastPingRecv.IsZero() && now.Sub(t.lastPingRecv) < t.cfg.enforcementMin
	if permitted && !tooSoon {
		return false
	}
	t.pingStrikes++
	if t.pingStrikes <= maxPingStrikes {
		return false
	}
	t.log.Warn("too many pings from peer, closing",
		zap.Int("strikes", t.pingStrikes))
	t.goawayAndClose(http2.ErrCodeEnhanceYourCalm,
		statusWithHTTP2(codes.ResourceExhausted, http2.ErrCodeEnhanceYourCalm,
			"transport: too many pings from client"),
		tooManyPings)
	return true
}

// ---- keepalive ----

func (t *Transport) startKeepalive() {
	if t.keepaliveTime >= infinity {
		t.keepaliveState = keepaliveDisabled
		return
	}
	t.keepaliveState = keepaliveWaiting
	t.armKeepaliveTimer(t.keepaliveTime)
}

func (t *Transport) armKeepaliveTimer(d time.Duration) {
	t.keepaliveArmedAt = time.Now().UnixNano()
	stopTimer(t.keepaliveTimer)
	t.keepaliveTimer = t.afterFunc(d, t.keepaliveFired)
}

func (t *Transport) keepaliveFired() {
	if t.keepaliveState != keepaliveWaiting {
		return
	}
	lastRead := atomic.LoadInt64(&t.lastRead)
	if lastRead > t.keepaliveArmedAt {
		// Bytes arrived while waiting: keepalive-on-activity rearms
		// for the remainder.
		remaining := t.keepaliveTime - time.Since(time.Unix(0, lastRead))
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		t.armKeepaliveTimer(remaining)
		return
	}
	if len(t.streams) == 0 && !t.cfg.keepalivePermit {
		t.armKeepaliveTimer(t.keepaliveTime)
		return
	}
	t.keepaliveState = keepalivePinging
	atomic.StoreInt32(&t.kpPinging, 1)
	t.sendPing(&PingCallbacks{OnAck: func(err error) {
		if err == nil {
			t.keepaliveSatisfied()
		}
	}})
	stopTimer(t.keepaliveWatchdog)
	t.keepaliveWatchdog = t.afterFunc(t.keepaliveTimeout, t.keepaliveWatchdogFired)
}

// keepaliveSatisfied transitions PINGING back to WAITING; reached by
// the ping ACK or by any inbound data.
func (t *Transport) keepaliveSatisfied() {
	if t.keepaliveState != keepalivePinging {
		return
	}
	atomic.StoreInt32(&t.kpPinging, 0)
	stopTimer(t.keepaliveWatchdog)
	t.keepaliveWatchdog = nil
	t.keepaliveState = keepaliveWaiting
	t.armKeepaliveTimer(t.keepaliveTime)
}

func (t *Transport) keepaliveWatchdogFired() {
	if t.keepaliveState != keepalivePinging {
		return
	}
	t.keepaliveState = keepaliveDying
	t.log.Warn("keepalive ping not acknowledged, closing")
	t.goawayAndClose(http2.ErrCodeNo,
		statusf(codes.Unavailable, "keepalive ping failed to receive ACK within timeout"),
		"keepalive_timeout")
}

// keepaliveOnRead runs on the read goroutine for every frame; the
// atomic gate keeps the common case free of combiner traffic.
func (t *Transport) keepaliveOnRead() {
	if atomic.LoadInt32(&t.kpPinging) == 1 {
		t.c.Run(func() { t.keepaliveSatisfied() })
	}
}

// throttleKeepalive doubles the keepalive interval (saturating) after
// the peer complained with ENHANCE_YOUR_CALM/"too_many_pings".
func (t *Transport) throttleKeepalive() time.Duration {
	if t.keepaliveTime < infinity/2 {
		t.keepaliveTime *= 2
	} else {
		t.keepaliveTime = infinity
	}
	t.log.Warn("peer throttled keepalive; doubling interval",
		zap.Duration("keepalive_time", t.keepaliveTime))
	return t.keepaliveTime
}

// ---- BDP probing ----

// startBDPPing emits the probe, preceded by a connection window
// update so proxies do not mistake the probe for an abusive ping.
func (t *Transport) startBDPPing() {
	if w := t.tfc.Reset(); w > 0 {
		t.queueInduced(inducedFrame{kind: inducedWindowUpdate, streamID: 0, increment: w})
	}
	t.queueInduced(inducedFrame{kind: inducedPing, pingData: flowcontrol.BDPPingData})
	t.bdpEst.StartPing()
	t.initiateWrite("bdp_ping")
}

// ---- settings-ack watchdog ----

// armSettingsWatchdog starts the SETTINGS ACK timer when a SETTINGS
// frame is serialized; the ACK stops it, expiry kills the transport.
func (t *Transport) armSettingsWatchdog() {
	if t.settingsAckTimer != nil || t.cfg.settingsTimeout >= infinity {
		return
	}
	t.settingsAcked = false
	t.settingsAckTimer = t.afterFunc(t.cfg.settingsTimeout, func() {
		t.settingsAckTimer = nil
		if t.settingsAcked {
			return
		}
		t.log.Warn("settings not acknowledged, closing")
		t.goawayAndClose(http2.ErrCodeSettingsTimeout,
			statusWithHTTP2(codes.Unavailable, http2.ErrCodeSettingsTimeout,
				"transport: settings_timeout"),
			"settings timeout")
	})
}

// ---- server connection age ----

func (t *Transport) startConnAgeTimers() {
	if t.side != ServerSide {
		return
	}
	if d := t.cfg.maxConnIdle; d > 0 {
		t.maxIdleTimer = t.afterFunc(d, t.maxIdleFired)
	}
	if d := t.cfg.maxConnAge; d > 0 {
		// Jitter +/-10% to spread out connection storms.
		jittered := d + time.Duration(t.rng.Int63n(int64(d)/5+1)) - d/10
		t.maxAgeTimer = t.afterFunc(jittered, t.maxAgeFired)
	}
}

func (t *Transport) maxIdleFired() {
	if len(t.streams) != 0 {
		t.maxIdleTimer = t.afterFunc(t.cfg.maxConnIdle, t.maxIdleFired)
		return
	}
	idle := time.Since(t.idleSince)
	if idle < t.cfg.maxConnIdle {
		t.maxIdleTimer = t.afterFunc(t.cfg.maxConnIdle-idle, t.maxIdleFired)
		return
	}
	t.log.Info("max connection idle reached, draining")
	t.sendGoaway(statusf(codes.OK, "max_idle"), false)
}

func (t *Transport) maxAgeFired() {
	t.log.Info("max connection age reached, draining")
	t.sendGoaway(statusf(codes.OK, "max_age"), false)
	if g := t.cfg.maxConnAgeGrace; g > 0 && g < infinity {
		t.maxAgeTimer = t.afterFunc(g, func() {
			t.closeWithError(statusf(codes.Unavailable, "transport: max connection age grace expired"))
		})
	}
}
