package h2

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
)

// gracefulGoawayCap permanently caps the keepalive and ping timeouts
// once a graceful shutdown begins; the shortened values hold for the
// remainder of the transport's life.
const gracefulGoawayCap = 20 * time.Second

// sendGoaway starts connection shutdown. A server asked for a clean,
// non-immediate shutdown with no prior goaway runs the two-step
// sequence: GOAWAY(max stream id) so nothing in flight is lost, a
// ping to bound the peer's view, then the final GOAWAY with the real
// last stream id on the ACK (or a timer). Everything else appends the
// final GOAWAY directly. Duplicate finals are swallowed.
func (t *Transport) sendGoaway(st *Status, immediate bool) {
	if st == nil {
		st = statusf(codes.Unavailable, "transport is draining")
	}
	switch t.goawaySent {
	case goawayFinalScheduled, goawayFinalSent:
		return
	}

	if t.side == ServerSide && st.Code == codes.OK && !immediate && t.goawaySent == goawayNone {
		t.goawaySent = goawayGraceful
		t.queueInduced(inducedFrame{
			kind:         inducedGoaway,
			goawayLastID: maxStreamID,
			errCode:      http2.ErrCodeNo,
		})
		t.keepaliveTimeout = minDuration(t.keepaliveTimeout, gracefulGoawayCap)
		t.pingTimeout = minDuration(t.pingTimeout, gracefulGoawayCap)
		t.gracefulPingID = t.sendPing(&PingCallbacks{OnAck: func(err error) {
			if err == nil {
				t.maybeSendFinalGoaway()
			}
		}})
		t.gracefulTimer = t.afterFunc(t.pingTimeout, t.maybeSendFinalGoaway)
		t.initiateWrite("goaway_sent")
		t.muxEvent(EventGoAway)
		return
	}

	t.appendFinalGoaway(st)
	t.initiateWrite("goaway_sent")
	t.muxEvent(EventGoAway)
}

// maybeSendFinalGoaway completes the graceful sequence; reached by the
// ping ACK or its deadline, whichever first.
func (t *Transport) maybeSendFinalGoaway() {
	if t.goawaySent != goawayGraceful {
		// Already sent the final GOAWAY.
		return
	}
	stopTimer(t.gracefulTimer)
	t.gracefulTimer = nil
	t.appendFinalGoaway(statusf(codes.OK, "graceful shutdown complete"))
	t.initiateWrite("final_goaway")
}

func (t *Transport) appendFinalGoaway(st *Status) {
	code := http2.ErrCodeNo
	if st.HasHttp2Code {
		code = st.Http2Code
	}
	t.goawaySent = goawayFinalScheduled
	t.queueInduced(inducedFrame{
		kind:         inducedGoaway,
		goawayLastID: t.lastPeerStreamID,
		errCode:      code,
		goawayDebug:  []byte(st.Message),
		onWrite: func() {
			t.goawaySent = goawayFinalSent
			if len(t.streams) == 0 {
				// Nothing left to drain: close once this write lands.
				t.runAfterWrite = append(t.runAfterWrite, func() {
					t.closeWithError(statusf(codes.Unavailable, "transport closed after final GOAWAY"))
				})
			}
		},
	})
}

// goawayAndClose emits a best-effort final GOAWAY carrying code/debug
// and tears the transport down with st.
func (t *Transport) goawayAndClose(code http2.ErrCode, st *Status, debug string) {
	if t.goawaySent == goawayNone || t.goawaySent == goawayGraceful {
		t.goawaySent = goawayFinalScheduled
		t.queueInduced(inducedFrame{
			kind:         inducedGoaway,
			goawayLastID: t.lastPeerStreamID,
			errCode:      code,
			goawayDebug:  []byte(debug),
			onWrite:      func() { t.goawaySent = goawayFinalSent },
		})
		t.initiateWrite("goaway_and_close")
	}
	t.closeWithError(st)
}

// handleIncomingGoaway records the peer's shutdown intent: no new
// streams are admitted, in-flight work drains, and streams the peer
// has provably not processed are failed retryably.
func (t *Transport) handleIncomingGoaway(code http2.ErrCode, lastID uint32, debug []byte) {
	if t.closedWithError != nil {
		return
	}
	st := &Status{
		Code:         codes.Unavailable,
		Message:      "transport: received goaway: " + code.String(),
		Http2Code:    code,
		HasHttp2Code: true,
		PeerAddr:     t.peerAddr(),
	}
	if len(debug) > 0 {
		st.Message += ": " + string(debug)
	}

	if code == http2.ErrCodeEnhanceYourCalm && string(debug) == tooManyPings && t.side == ClientSide {
		st.ThrottledKeepalive = t.throttleKeepalive()
	}
	t.peerGoawayStatus = st
	t.goawayReceived = true
	t.log.Info("received goaway",
		zap.Uint32("last_stream", lastID), zap.String("code", code.String()))

	if t.side == ClientSide {
		for id, s := range t.streams {
			if id > lastID {
				stc := *st
				stc.NetworkState = NetworkStateNotSeenByServer
				t.closeStreamBothWays(s, &stc, false, http2.ErrCodeNo, false)
			}
		}
		for !t.waitingForConcurrency.empty() {
			s := t.waitingForConcurrency.pop()
			stc := *st
			stc.NetworkState = NetworkStateNotSentOnWire
			t.closeStreamBothWays(s, &stc, false, http2.ErrCodeNo, false)
		}
	}

	t.setConnectivityState(connectivity.TransientFailure)
	t.muxEvent(EventGoAway)

	if t.side == ClientSide && len(t.streams) == 0 {
		t.closeWithError(st)
	}
}
