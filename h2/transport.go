package h2

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"

	"github.com/costinm/h2transport/combiner"
	"github.com/costinm/h2transport/flowcontrol"
)

// Side selects the role of a transport. Client and server share the
// same object; the role flips stream-id parity and a handful of
// policies (tarpit, ping abuse, trailers).
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

func (s Side) String() string {
	if s == ClientSide {
		return "client"
	}
	return "server"
}

// writeStateKind is the write pipeline state machine.
type writeStateKind uint8

const (
	// writeIdle: outbuf is empty and no endpoint write is in flight.
	writeIdle writeStateKind = iota
	// writeWriting: a gather or endpoint write is in progress.
	writeWriting
	// writeWritingWithMore: as writeWriting, plus new intents arrived
	// that need another gather once this write lands.
	writeWritingWithMore
)

// goawayStateKind tracks the outgoing GOAWAY sequence. Transitions are
// monotone: none -> graceful -> finalScheduled -> finalSent, with the
// graceful step optional.
type goawayStateKind uint8

const (
	goawayNone goawayStateKind = iota
	goawayGraceful
	goawayFinalScheduled
	goawayFinalSent
)

// connCounter feeds the connection-id log field.
var connCounter uint64

// Transport multiplexes RPC streams over one connected peer. Create
// with NewTransport, then call StartReading to begin frame processing.
//
// All mutable state below the "combiner-owned" marker is touched only
// from combiner handlers.
type Transport struct {
	// lastRead is the UnixNano of the last inbound data, accessed
	// atomically. Keep first for 64-bit alignment.
	lastRead int64

	side Side
	log  *zap.Logger
	cfg  resolved

	// epMu guards conn destruction: callers unregistering the endpoint
	// may race with close.
	epMu       sync.Mutex
	conn       net.Conn
	connClosed bool

	c *combiner.Combiner

	// done closes when the transport is fully closed.
	done chan struct{}

	readerDone chan struct{}

	// fr parses inbound frames; only the read goroutine touches it.
	fr  *http2.Framer
	rec *recordingReader

	events Events

	// rng drives tarpit delays and ping-on-rst sampling.
	rng *rand.Rand

	// ---- combiner-owned state ----

	// write pipeline
	writeState  writeStateKind
	outbuf      bytes.Buffer
	wfr         *http2.Framer // serializes frames into outbuf
	hBuf        bytes.Buffer  // HPACK encoding scratch
	hEnc        *hpack.Encoder
	qbuf        []inducedFrame
	numPendingInducedFrames int
	readThrottle            *throttle
	runAfterWrite           []func()
	closeOnWritesFinished   *Status

	// streams
	streams               map[uint32]*Stream
	writable              streamList
	stalledByTransport    streamList
	waitingForConcurrency streamList
	nextStreamID          uint32
	lastPeerStreamID      uint32
	lastLocalStreamID     uint32
	peerMaxStreams        uint32
	activePeerStreams     uint32

	// flow control
	tfc               *flowcontrol.TransportFlow
	sendQuota         int64
	initialWindowSize uint32 // local per-stream window advertised
	peerInitialWindow uint32
	peerMaxFrameSize  uint32
	bdpEst            *flowcontrol.BDPEstimator

	// settings
	peerAllowsTrueBinary bool
	peerMaxHeaderListSize uint32
	settingsAckTimer      *time.Timer
	settingsAcked         bool
	notifySettings        func()

	// ping machinery (ping.go)
	pings             map[uint64]*PingCallbacks
	nextPingID        uint64
	pingsWithoutData  int
	dataEverSent      bool
	deferredPings     []uint64
	delayedPingTimer  *time.Timer
	pingStrikes       int
	lastPingRecv      time.Time
	keepaliveState    keepaliveStateKind
	keepaliveTimer    *time.Timer
	keepaliveWatchdog *time.Timer
	keepaliveArmedAt  int64
	// kpPinging mirrors keepaliveState==keepalivePinging for the read
	// goroutine's cheap liveness check.
	kpPinging        int32
	keepaliveTime    time.Duration
	keepaliveTimeout time.Duration
	pingTimeout      time.Duration

	// goaway
	goawaySent       goawayStateKind
	goawayReceived   bool
	peerGoawayStatus *Status
	gracefulTimer    *time.Timer
	gracefulPingID   uint64

	// server connection age
	maxIdleTimer *time.Timer
	maxAgeTimer  *time.Timer
	idleSince    time.Time

	closedWithError *Status
	notifyClose     func(*Status)

	connectivityState    connectivity.State
	connectivityWatchers []func(connectivity.State)

	// accept delivers inbound streams on the server side.
	accept func(*Stream)
}

// Options bundles the dependency-injected collaborators of a
// transport. Only Conn is required.
type Options struct {
	Conn   net.Conn
	Config *Config
	Logger *zap.Logger
	Events Events
	// Accept is invoked under the combiner for every inbound stream
	// (server side only; a client closes the connection on a
	// peer-initiated stream).
	Accept func(*Stream)
	// RandSeed overrides the tarpit/ping sampling seed, for tests.
	RandSeed int64
}

// NewTransport builds a transport over an established connection. The
// client preface, initial SETTINGS and window update are written by
// StartReading.
func NewTransport(side Side, opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := atomic.AddUint64(&connCounter, 1)
	log = log.Named("h2").With(
		zap.Uint64("conn", id),
		zap.Stringer("side", side),
	)
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{}
	}
	r := cfg.resolve(side, log)

	seed := opts.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	t := &Transport{
		side:              side,
		log:               log,
		cfg:               r,
		conn:              opts.Conn,
		c:                 combiner.New(),
		done:              make(chan struct{}),
		readerDone:        make(chan struct{}),
		events:            opts.Events,
		rng:               rand.New(rand.NewSource(seed)),
		streams:           make(map[uint32]*Stream),
		nextStreamID:      r.initialStreamID,
		peerMaxStreams:    ^uint32(0),
		tfc:               flowcontrol.NewTransportFlow(r.connWindowSize),
		sendQuota:         defaultWindowSize,
		initialWindowSize: r.initialWindowSize,
		peerInitialWindow: defaultWindowSize,
		peerMaxFrameSize:  http2MaxFrameLen,
		peerMaxHeaderListSize: ^uint32(0),
		pings:             make(map[uint64]*PingCallbacks),
		nextPingID:        1,
		keepaliveTime:     r.keepaliveTime,
		keepaliveTimeout:  r.keepaliveTimeout,
		pingTimeout:       r.pingTimeout,
		connectivityState: connectivity.Ready,
		accept:            opts.Accept,
		idleSince:         time.Now(),
	}
	t.writable.id = listWritable
	t.stalledByTransport.id = listStalledByTransport
	t.waitingForConcurrency.id = listWaitingForConcurrency
	t.readThrottle = newThrottle()
	t.hEnc = hpack.NewEncoder(&t.hBuf)
	t.hEnc.SetMaxDynamicTableSize(r.hpackEncoderSize)
	t.wfr = http2.NewFramer(&t.outbuf, nil)
	if r.bdpProbe {
		t.bdpEst = flowcontrol.NewBDPEstimator(r.initialWindowSize)
	}
	return t
}

// Side returns the transport role.
func (t *Transport) Side() Side { return t.side }

// Done closes once the transport is fully closed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// CloseStatus returns the terminal status, nil while open.
func (t *Transport) CloseStatus() *Status {
	select {
	case <-t.done:
	default:
		return nil
	}
	var st *Status
	done := make(chan struct{})
	t.c.Run(func() {
		st = t.closedWithError
		close(done)
	})
	<-done
	return st
}

func (t *Transport) peerAddr() string {
	if t.conn == nil || t.conn.RemoteAddr() == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

// afterFunc arms a timer that re-enters the combiner. Expiry after
// close is swallowed by the closedWithError check, resolving the race
// between cancellation and firing.
func (t *Transport) afterFunc(d time.Duration, f func()) *time.Timer {
	if d >= infinity {
		return nil
	}
	return time.AfterFunc(d, func() {
		t.c.Run(func() {
			if t.closedWithError != nil {
				return
			}
			f()
		})
	})
}

func stopTimer(tm *time.Timer) {
	if tm != nil {
		tm.Stop()
	}
}

// ---- stream admission and teardown (combiner) ----

// maybeStartSomeStreams assigns ids to client streams waiting on
// concurrency quota. A no-op once the transport is closing.
func (t *Transport) maybeStartSomeStreams() {
	if t.closedWithError != nil || t.goawayReceived {
		return
	}
	for !t.waitingForConcurrency.empty() && uint32(len(t.streams)) < t.peerMaxStreams {
		s := t.waitingForConcurrency.pop()
		if t.nextStreamID >= maxStreamID {
			t.cancelStreamLocked(s, &Status{
				Code:         codes.Unavailable,
				Message:      "Stream IDs exhausted",
				NetworkState: NetworkStateNotSentOnWire,
			}, false)
			continue
		}
		s.Id = t.nextStreamID
		t.nextStreamID += 2
		t.lastLocalStreamID = s.Id
		s.sendWindow = int32(t.peerInitialWindow)
		s.fc = flowcontrol.NewStreamFlow(t.initialWindowSize)
		t.streams[s.Id] = s
		t.streamEvent(EventStreamStart, s)
		t.markWritable(s, "new_stream")
	}
}

// markWritable puts s on the writable list (at most once) and
// initiates a write.
func (t *Transport) markWritable(s *Stream, reason string) {
	if t.writable.push(s) {
		t.log.Debug("stream writable", zap.Uint32("stream", s.Id), zap.String("reason", reason))
	}
	t.initiateWrite(reason)
}

// deleteStream removes a fully closed stream from the map and lists.
func (t *Transport) deleteStream(s *Stream) {
	if s.Id != 0 {
		if _, ok := t.streams[s.Id]; ok {
			delete(t.streams, s.Id)
			if t.side == ServerSide && s.Id%2 == 1 {
				t.activePeerStreams--
			}
		}
	}
	t.writable.remove(s)
	t.stalledByTransport.remove(s)
	t.waitingForConcurrency.remove(s)
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	t.streamEvent(EventStreamClosed, s)
	if len(t.streams) == 0 {
		t.idleSince = time.Now()
		t.maybeStartSomeStreams()
		if t.goawaySent == goawayFinalSent {
			t.closeWithError(statusf(codes.Unavailable, "transport closed after final GOAWAY"))
		}
	}
}

// closeStreamBothWays marks both halves closed, emits an RST when the
// stream is on the wire and rst is requested, and runs the gates.
func (t *Transport) closeStreamBothWays(s *Stream, st *Status, rst bool, code http2.ErrCode, tarpit bool) {
	already := s.fullyClosed()
	s.markReadClosed(st)
	s.markWriteClosed(st)
	if st != nil && !st.OK() {
		s.synthesizeTrailers(st, publishedAtClose)
	}
	if s.publishedInitial == notPublished {
		// Unblock a latched recv_initial_metadata before trailers.
		s.publishedInitial = publishedAtClose
		if s.initialMD == nil {
			s.initialMD = make(http.Header)
		}
	}
	if s.Id != 0 && rst && !already {
		t.queueRST(s.Id, code, tarpit)
	}
	t.runRecvGates(s)
	if s.Id != 0 {
		t.deleteStream(s)
	} else {
		t.waitingForConcurrency.remove(s)
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}

// cancelStreamLocked is cancel_stream: the server fast-path emits
// inline trailers (close_from_api); everything else closes both halves
// and RSTs.
func (t *Transport) cancelStreamLocked(s *Stream, st *Status, tarpit bool) {
	if st == nil {
		st = statusf(codes.Canceled, "stream canceled")
	}
	if t.side == ServerSide && !s.sendTrailingSent && !s.fullyClosed() && s.Id != 0 {
		t.closeFromAPI(s, st, tarpit)
		return
	}
	code := http2.ErrCodeCancel
	if st.HasHttp2Code {
		code = st.Http2Code
	}
	t.closeStreamBothWays(s, st, true, code, tarpit)
}

// closeFromAPI synthesizes a single trailers-only HEADERS frame (built
// from HPACK literals, independent of the encoder) followed by
// RST_STREAM(NO_ERROR), optionally behind the tarpit.
func (t *Transport) closeFromAPI(s *Stream, st *Status, tarpit bool) {
	var block []byte
	block = append(block, hpackStatus200)
	if !s.sendInitialMDSent {
		block = appendLiteralNeverIndexed(block, "content-type", "application/grpc")
	}
	block = appendLiteralNeverIndexed(block, "grpc-status", strconv.Itoa(int(st.Code)))
	if st.Message != "" {
		block = appendLiteralNeverIndexed(block, "grpc-message", encodeGrpcMessage(st.Message))
	}
	id := s.Id
	t.maybeTarpit(tarpit, func() {
		t.queueInduced(inducedFrame{
			kind:        inducedRawHeaders,
			streamID:    id,
			headerBlock: block,
		})
		t.queueInduced(inducedFrame{
			kind:     inducedRST,
			streamID: id,
			errCode:  http2.ErrCodeNo,
		})
		t.initiateWrite("close_from_api")
	})
	t.closeStreamBothWays(s, st, false, http2.ErrCodeNo, false)
}

// ---- transport close ----

// closeWithError starts transport teardown. Monotonic: the first
// status wins. If a write is in flight the endpoint is destroyed only
// after it lands, so frames are never cut mid-write.
func (t *Transport) closeWithError(st *Status) {
	if t.closedWithError != nil {
		return
	}
	if st == nil {
		st = statusf(codes.Unavailable, "transport closed")
	}
	if st.PeerAddr == "" {
		st.PeerAddr = t.peerAddr()
	}
	t.closedWithError = st
	t.setConnectivityState(connectivity.Shutdown)

	stopTimer(t.settingsAckTimer)
	stopTimer(t.keepaliveTimer)
	stopTimer(t.keepaliveWatchdog)
	stopTimer(t.delayedPingTimer)
	stopTimer(t.gracefulTimer)
	stopTimer(t.maxIdleTimer)
	stopTimer(t.maxAgeTimer)
	t.readThrottle.resume()

	if t.writeState != writeIdle {
		t.closeOnWritesFinished = st
		return
	}
	t.finishClose()
}

// finishClose destroys the endpoint and fails everything outstanding.
// Runs under the combiner with writeState == writeIdle.
func (t *Transport) finishClose() {
	st := t.closedWithError

	t.epMu.Lock()
	if !t.connClosed {
		t.connClosed = true
		if t.conn != nil {
			t.conn.Close()
		}
	}
	t.epMu.Unlock()

	for _, s := range t.streams {
		t.closeStreamBothWays(s, st, false, http2.ErrCodeNo, false)
	}
	for !t.waitingForConcurrency.empty() {
		s := t.waitingForConcurrency.pop()
		stc := *st
		stc.NetworkState = NetworkStateNotSentOnWire
		t.closeStreamBothWays(s, &stc, false, http2.ErrCodeNo, false)
	}
	t.failAllPings(statusf(codes.Canceled, "transport closed"))

	if t.notifyClose != nil {
		cb := t.notifyClose
		t.notifyClose = nil
		cb(st)
	}
	t.muxEvent(EventConnClose)
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	t.log.Info("transport closed", zap.String("status", st.Error()))
}

// Close shuts the transport down from outside the combiner.
func (t *Transport) Close(err error) {
	t.c.Run(func() {
		t.closeWithError(asStatus(err))
	})
}

// ---- connectivity (PerformOp surface) ----

func (t *Transport) setConnectivityState(s connectivity.State) {
	if t.connectivityState == s || (t.connectivityState == connectivity.Shutdown) {
		return
	}
	t.connectivityState = s
	for _, w := range t.connectivityWatchers {
		w(s)
	}
}

// TransportOp is the control-plane operation batch of the upper layer.
type TransportOp struct {
	// SetAccept replaces the inbound-stream callback.
	SetAccept func(*Stream)
	// WatchConnectivity subscribes to state changes; it is called
	// immediately with the current state.
	WatchConnectivity func(connectivity.State)
	// SendPing requests a ping with the given callbacks.
	SendPing *PingCallbacks
	// SendGoaway starts a shutdown with the given status.
	SendGoaway *Status
	// GoawayImmediate skips the graceful two-GOAWAY sequence.
	GoawayImmediate bool
	// Disconnect hard-closes the transport with the given status.
	Disconnect *Status
	// OnComplete fires once the op was applied.
	OnComplete func()
}

// PerformOp applies a transport-level op under the combiner.
func (t *Transport) PerformOp(op *TransportOp) {
	t.c.Run(func() {
		if op.SetAccept != nil {
			t.accept = op.SetAccept
		}
		if op.WatchConnectivity != nil {
			t.connectivityWatchers = append(t.connectivityWatchers, op.WatchConnectivity)
			op.WatchConnectivity(t.connectivityState)
		}
		if op.SendPing != nil {
			t.sendPing(op.SendPing)
		}
		if op.SendGoaway != nil {
			t.sendGoaway(op.SendGoaway, op.GoawayImmediate)
		}
		if op.Disconnect != nil {
			t.closeWithError(op.Disconnect)
		}
		if op.OnComplete != nil {
			op.OnComplete()
		}
	})
}

// ---- reclamation ----

// ReclaimBenign is invoked by the memory owner under pressure: if no
// stream is active, shut down gracefully to give the buffers back.
func (t *Transport) ReclaimBenign() {
	t.c.Run(func() {
		if t.closedWithError != nil || len(t.streams) != 0 {
			return
		}
		t.log.Info("benign reclamation: no active streams, sending goaway")
		t.sendGoaway(statusWithHTTP2(codes.ResourceExhausted,
			http2.ErrCodeEnhanceYourCalm, "Buffers full"), true)
	})
}

// ReclaimDestructive cancels one arbitrary stream per invocation; the
// memory owner re-posts it while pressure persists and streams remain.
// Reports whether a stream was cancelled.
func (t *Transport) ReclaimDestructive() bool {
	cancelled := make(chan bool, 1)
	t.c.Run(func() {
		if t.closedWithError != nil || len(t.streams) == 0 {
			cancelled <- false
			return
		}
		for _, s := range t.streams {
			t.log.Warn("destructive reclamation: cancelling stream", zap.Uint32("stream", s.Id))
			t.cancelStreamLocked(s, statusWithHTTP2(codes.ResourceExhausted,
				http2.ErrCodeEnhanceYourCalm, "Buffers full"), false)
			break
		}
		cancelled <- true
	})
	return <-cancelled
}

// ---- throttle ----

// throttle pauses the read loop while too many induced frames are
// pending. pause/resume run under the combiner; wait runs on the read
// goroutine.
type throttle struct {
	mu     sync.Mutex
	ch     chan struct{}
	paused bool
}

func newThrottle() *throttle {
	return &throttle{ch: make(chan struct{})}
}

func (th *throttle) pause() {
	th.mu.Lock()
	if !th.paused {
		th.paused = true
		th.ch = make(chan struct{})
	}
	th.mu.Unlock()
}

func (th *throttle) resume() {
	th.mu.Lock()
	if th.paused {
		th.paused = false
		close(th.ch)
	}
	th.mu.Unlock()
}

// wait blocks while paused.
func (th *throttle) wait() {
	th.mu.Lock()
	paused := th.paused
	ch := th.ch
	th.mu.Unlock()
	if paused {
		<-ch
	}
}

// ---- misc ----

// ActiveStreams reports the live stream count (diagnostic).
func (t *Transport) ActiveStreams() int {
	n := make(chan int, 1)
	t.c.Run(func() { n <- len(t.streams) })
	return <-n
}

var _ context.Context = (*Stream)(nil)

// Deadline implements context.Context on Stream so handlers can pass
// the stream where a context is expected.
func (s *Stream) Deadline() (time.Time, bool) {
	if s.deadline.IsZero() {
		return time.Time{}, false
	}
	return s.deadline, true
}

func (s *Stream) Err() error {
	select {
	case <-s.done:
		return context.Canceled
	default:
		return nil
	}
}

func (s *Stream) Value(key interface{}) interface{} {
	if s.ctx != nil {
		return s.ctx.Value(key)
	}
	return nil
}
