package h2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
)

// peerFrame is an owned copy of one frame observed by the scripted
// peer (x/net frames are only valid until the next ReadFrame).
type peerFrame struct {
	typ       string
	streamID  uint32
	endStream bool
	data      []byte
	fields    []hpack.HeaderField
	errCode   http2.ErrCode
	lastID    uint32
	debug     []byte
	pingData  [8]byte
	pingAck   bool
	increment uint32
	settings  []http2.Setting
}

func (f peerFrame) field(name string) string {
	for _, hf := range f.fields {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// scriptedPeer drives the raw side of a connection with an x/net
// framer, mirroring how the transport's real peers behave.
type scriptedPeer struct {
	t    *testing.T
	conn net.Conn

	mu   sync.Mutex
	fr   *http2.Framer
	hbuf bytes.Buffer
	henc *hpack.Encoder

	autoAckPings bool

	frames chan peerFrame
}

// newScriptedPeer performs the connection setup for the given role
// (consuming or producing the client preface), sends the mandatory
// first SETTINGS frame and starts collecting inbound frames.
func newScriptedPeer(t *testing.T, conn net.Conn, server bool, settings ...http2.Setting) *scriptedPeer {
	p := &scriptedPeer{
		t:            t,
		conn:         conn,
		frames:       make(chan peerFrame, 256),
		autoAckPings: true,
	}
	p.fr = http2.NewFramer(conn, conn)
	p.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	p.henc = hpack.NewEncoder(&p.hbuf)
	if server {
		buf := make([]byte, len(clientPreface))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Errorf("reading preface: %v", err)
		}
	} else {
		if _, err := conn.Write([]byte(clientPreface)); err != nil {
			t.Errorf("writing preface: %v", err)
		}
	}
	require.NoError(t, p.fr.WriteSettings(settings...))
	go p.readLoop()
	return p
}

func (p *scriptedPeer) readLoop() {
	defer close(p.frames)
	for {
		f, err := p.fr.ReadFrame()
		if err != nil {
			return
		}
		switch fr := f.(type) {
		case *http2.MetaHeadersFrame:
			p.frames <- peerFrame{
				typ:       "headers",
				streamID:  fr.Header().StreamID,
				endStream: fr.StreamEnded(),
				fields:    append([]hpack.HeaderField(nil), fr.Fields...),
			}
		case *http2.DataFrame:
			p.frames <- peerFrame{
				typ:       "data",
				streamID:  fr.Header().StreamID,
				endStream: fr.StreamEnded(),
				data:      append([]byte(nil), fr.Data()...),
			}
		case *http2.RSTStreamFrame:
			p.frames <- peerFrame{typ: "rst", streamID: fr.Header().StreamID, errCode: fr.ErrCode}
		case *http2.SettingsFrame:
			if fr.IsAck() {
				p.frames <- peerFrame{typ: "settingsAck"}
				continue
			}
			var ss []http2.Setting
			fr.ForeachSetting(func(s http2.Setting) error { ss = append(ss, s); return nil })
			p.withWriter(func() { p.fr.WriteSettingsAck() })
			p.frames <- peerFrame{typ: "settings", settings: ss}
		case *http2.PingFrame:
			var data [8]byte
			copy(data[:], fr.Data[:])
			if !fr.IsAck() && p.autoAckPings {
				p.withWriter(func() { p.fr.WritePing(true, data) })
			}
			p.frames <- peerFrame{typ: "ping", pingData: data, pingAck: fr.IsAck()}
		case *http2.GoAwayFrame:
			p.frames <- peerFrame{
				typ:    "goaway",
				lastID: fr.LastStreamID,
				errCode: fr.ErrCode,
				debug:  append([]byte(nil), fr.DebugData()...),
			}
		case *http2.WindowUpdateFrame:
			p.frames <- peerFrame{typ: "windowUpdate", streamID: fr.Header().StreamID, increment: fr.Increment}
		}
	}
}

func (p *scriptedPeer) withWriter(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f()
}

func (p *scriptedPeer) writeHeaders(streamID uint32, endStream bool, kv ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hbuf.Reset()
	for i := 0; i < len(kv); i += 2 {
		require.NoError(p.t, p.henc.WriteField(hpack.HeaderField{Name: kv[i], Value: kv[i+1]}))
	}
	require.NoError(p.t, p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: p.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	}))
}

func (p *scriptedPeer) writeData(streamID uint32, endStream bool, data []byte) {
	p.withWriter(func() {
		require.NoError(p.t, p.fr.WriteData(streamID, endStream, data))
	})
}

func (p *scriptedPeer) writeWindowUpdate(streamID, incr uint32) {
	p.withWriter(func() {
		require.NoError(p.t, p.fr.WriteWindowUpdate(streamID, incr))
	})
}

func (p *scriptedPeer) writeGoAway(lastID uint32, code http2.ErrCode, debug []byte) {
	p.withWriter(func() {
		require.NoError(p.t, p.fr.WriteGoAway(lastID, code, debug))
	})
}

func (p *scriptedPeer) writeRST(streamID uint32, code http2.ErrCode) {
	p.withWriter(func() {
		require.NoError(p.t, p.fr.WriteRSTStream(streamID, code))
	})
}

// next returns the next frame matching one of types, skipping window
// updates, ping traffic and settings chatter unless asked for.
func (p *scriptedPeer) next(types ...string) (peerFrame, bool) {
	want := map[string]bool{}
	for _, tp := range types {
		want[tp] = true
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				return peerFrame{}, false
			}
			if want[f.typ] {
				return f, true
			}
		case <-deadline:
			p.t.Errorf("timed out waiting for %v", types)
			return peerFrame{}, false
		}
	}
}

// expectNone asserts no frame of the given type shows up within d.
func (p *scriptedPeer) expectNone(d time.Duration, typ string) {
	deadline := time.After(d)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				return
			}
			if f.typ == typ {
				p.t.Errorf("unexpected %s frame: %+v", typ, f)
				return
			}
		case <-deadline:
			return
		}
	}
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

// startClient builds a client transport against a scripted server,
// waiting until the peer's SETTINGS were processed.
func startClient(t *testing.T, cfg *Config, settings ...http2.Setting) (*Transport, *scriptedPeer, chan *Status) {
	cc, pc := net.Pipe()
	tr := NewTransport(ClientSide, Options{
		Conn:   cc,
		Config: cfg,
		Logger: zaptest.NewLogger(t),
	})
	peerReady := make(chan *scriptedPeer, 1)
	go func() { peerReady <- newScriptedPeer(t, pc, true, settings...) }()

	settingsSeen := make(chan struct{})
	closed := make(chan *Status, 1)
	require.NoError(t, tr.StartReading(
		func() { close(settingsSeen) },
		func(st *Status) { closed <- st },
	))
	p := <-peerReady
	select {
	case <-settingsSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for peer settings")
	}
	t.Cleanup(func() {
		tr.Close(nil)
		pc.Close()
	})
	return tr, p, closed
}

// startServer builds a server transport against a scripted client.
func startServer(t *testing.T, cfg *Config, accept func(*Stream)) (*Transport, *scriptedPeer, chan *Status) {
	sc, pc := net.Pipe()
	tr := NewTransport(ServerSide, Options{
		Conn:     sc,
		Config:   cfg,
		Logger:   zaptest.NewLogger(t),
		Accept:   accept,
		RandSeed: 42,
	})
	closed := make(chan *Status, 1)
	require.NoError(t, tr.StartReading(nil, func(st *Status) { closed <- st }))
	p := newScriptedPeer(t, pc, false)
	t.Cleanup(func() {
		tr.Close(nil)
		pc.Close()
	})
	return tr, p, closed
}

func grpcFrame(payload string) []byte {
	b := make([]byte, 5+len(payload))
	b[1] = byte(len(payload) >> 24)
	b[2] = byte(len(payload) >> 16)
	b[3] = byte(len(payload) >> 8)
	b[4] = byte(len(payload))
	copy(b[5:], payload)
	return b
}

func TestUnaryCallAgainstScriptedServer(t *testing.T) {
	t.Parallel()
	tr, p, _ := startClient(t, nil)

	s := tr.InitStream(context.Background(), &CallHdr{Path: "/svc/M", Authority: "testhost"})
	var (
		initMD    http.Header
		msg       []byte
		trailerMD http.Header
		st        *Status
	)
	initCh := make(chan error, 1)
	msgCh := make(chan error, 1)
	trailerCh := make(chan error, 1)
	compCh := make(chan error, 1)

	tr.PerformStreamOp(s, &OpBatch{
		HasSendInitialMetadata:  true,
		SendMessage:             &SendMessage{Data: []byte("hello")},
		HasSendTrailingMetadata: true,
		RecvInitialMetadata:     &MetadataRecv{Dest: &initMD, Ready: func(err error) { initCh <- err }},
		RecvMessage:             &MessageRecv{Msg: &msg, Ready: func(err error) { msgCh <- err }},
		RecvTrailingMetadata: &TrailerRecv{
			Dest: &trailerMD, Status: &st,
			Ready: func(err error) { trailerCh <- err },
		},
		OnComplete: func(err error) { compCh <- err },
	})

	hf, ok := p.next("headers")
	require.True(t, ok)
	assert.Equal(t, uint32(1), hf.streamID, "first client stream id must be 1")
	assert.Equal(t, "POST", hf.field(":method"))
	assert.Equal(t, "/svc/M", hf.field(":path"))
	assert.Equal(t, "application/grpc", hf.field("content-type"))
	assert.False(t, hf.endStream)

	df, ok := p.next("data")
	require.True(t, ok)
	assert.Equal(t, grpcFrame("hello"), df.data)
	assert.True(t, df.endStream, "client half-closes on the last DATA frame")

	p.writeHeaders(1, false, ":status", "200", "content-type", "application/grpc")
	p.writeData(1, false, grpcFrame("world"))
	p.writeHeaders(1, true, "grpc-status", "0")

	require.NoError(t, <-initCh)
	require.NoError(t, <-msgCh)
	assert.Equal(t, []byte("world"), msg)
	require.NoError(t, <-trailerCh)
	require.NotNil(t, st)
	assert.True(t, st.OK())
	assert.Equal(t, "0", trailerMD.Get("grpc-status"))
	require.NoError(t, <-compCh)

	// A clean unary exchange never produces an RST.
	p.expectNone(100*time.Millisecond, "rst")
	assert.Zero(t, tr.ActiveStreams())
}

func TestStreamIDsAreOddAndMonotonic(t *testing.T) {
	t.Parallel()
	tr, p, _ := startClient(t, nil)

	for _, want := range []uint32{1, 3, 5} {
		s := tr.InitStream(context.Background(), &CallHdr{Path: "/x"})
		tr.PerformStreamOp(s, &OpBatch{
			HasSendInitialMetadata:  true,
			HasSendTrailingMetadata: true,
		})
		hf, ok := p.next("headers")
		require.True(t, ok)
		assert.Equal(t, want, hf.streamID)
	}
}

func TestStreamIDExhaustion(t *testing.T) {
	t.Parallel()
	tr, p, _ := startClient(t, &Config{InitialSequenceNumber: maxStreamID - 2})

	s1 := tr.InitStream(context.Background(), &CallHdr{Path: "/a"})
	tr.PerformStreamOp(s1, &OpBatch{HasSendInitialMetadata: true})
	hf, ok := p.next("headers")
	require.True(t, ok)
	assert.Equal(t, uint32(maxStreamID-2), hf.streamID)

	var st *Status
	trailerCh := make(chan error, 1)
	s2 := tr.InitStream(context.Background(), &CallHdr{Path: "/b"})
	tr.PerformStreamOp(s2, &OpBatch{
		HasSendInitialMetadata: true,
		RecvTrailingMetadata:   &TrailerRecv{Status: &st, Ready: func(err error) { trailerCh <- err }},
	})
	require.NoError(t, <-trailerCh)
	require.NotNil(t, st)
	assert.Equal(t, codes.Unavailable, st.Code)
	assert.Contains(t, st.Message, "Stream IDs exhausted")
}

func TestMaxConcurrentStreamsQueueing(t *testing.T) {
	t.Parallel()
	tr, p, _ := startClient(t, nil, http2.Setting{
		ID: http2.SettingMaxConcurrentStreams, Val: 1,
	})

	s1 := tr.InitStream(context.Background(), &CallHdr{Path: "/a"})
	tr.PerformStreamOp(s1, &OpBatch{HasSendInitialMetadata: true, HasSendTrailingMetadata: true})
	hf, ok := p.next("headers")
	require.True(t, ok)
	require.Equal(t, uint32(1), hf.streamID)

	// The second stream must queue behind MAX_CONCURRENT_STREAMS=1.
	s2 := tr.InitStream(context.Background(), &CallHdr{Path: "/b"})
	tr.PerformStreamOp(s2, &OpBatch{HasSendInitialMetadata: true, HasSendTrailingMetadata: true})
	p.expectNone(100*time.Millisecond, "headers")

	// Completing the first stream admits the second.
	p.writeHeaders(1, true, ":status", "200", "content-type", "application/grpc", "grpc-status", "0")
	hf, ok = p.next("headers")
	require.True(t, ok)
	assert.Equal(t, uint32(3), hf.streamID)
}

func TestFlowControlStall(t *testing.T) {
	t.Parallel()
	tr, p, _ := startClient(t, nil, http2.Setting{
		ID: http2.SettingInitialWindowSize, Val: 16,
	})

	payload := bytes.Repeat([]byte{'x'}, 100)
	s := tr.InitStream(context.Background(), &CallHdr{Path: "/big"})
	tr.PerformStreamOp(s, &OpBatch{
		HasSendInitialMetadata:  true,
		SendMessage:             &SendMessage{Data: payload},
		HasSendTrailingMetadata: true,
	})

	_, ok := p.next("headers")
	require.True(t, ok)

	df, ok := p.next("data")
	require.True(t, ok)
	assert.Len(t, df.data, 16, "first DATA frame is capped by the 16-byte window")
	assert.False(t, df.endStream)

	// Open the window; the remainder drains with END_STREAM last.
	p.writeWindowUpdate(1, 200)
	total := len(df.data)
	sawEnd := false
	for total < 105 {
		df, ok = p.next("data")
		require.True(t, ok)
		total += len(df.data)
		sawEnd = df.endStream
	}
	assert.Equal(t, 105, total, "5-byte framing plus 100 payload bytes")
	assert.True(t, sawEnd)
}

func TestKeepaliveThrottleOnTooManyPings(t *testing.T) {
	t.Parallel()
	tr, p, closed := startClient(t, &Config{KeepaliveTime: time.Second})
	_ = tr

	p.writeGoAway(0, http2.ErrCodeEnhanceYourCalm, []byte(tooManyPings))

	select {
	case st := <-closed:
		require.NotNil(t, st)
		assert.Equal(t, 2*time.Second, st.ThrottledKeepalive,
			"keepalive time must double on ENHANCE_YOUR_CALM/too_many_pings")
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not close after goaway")
	}
}

func TestHTTP1ServerDetection(t *testing.T) {
	t.Parallel()
	cc, pc := net.Pipe()
	tr := NewTransport(ClientSide, Options{Conn: cc, Logger: zaptest.NewLogger(t)})
	go func() {
		buf := make([]byte, len(clientPreface))
		io.ReadFull(pc, buf)
		pc.Write([]byte("HTTP/1.1 404 Not Found\r\ncontent-length: 0\r\n\r\n"))
		// Keep draining so the client's in-flight SETTINGS write can
		// land before the transport tears down.
		io.Copy(io.Discard, pc)
	}()
	closed := make(chan *Status, 1)
	require.NoError(t, tr.StartReading(nil, func(st *Status) { closed <- st }))

	select {
	case st := <-closed:
		require.NotNil(t, st)
		assert.Equal(t, codes.Unimplemented, st.Code)
		assert.Contains(t, st.Message, "Trying to connect an http1.x server (HTTP status 404)")
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not close on http1 response")
	}
}

func TestServerUnaryExchange(t *testing.T) {
	t.Parallel()
	accepted := make(chan *Stream, 1)
	tr, p, _ := startServer(t, &Config{AllowTarpit: boolPtr(false)}, func(s *Stream) { accepted <- s })

	p.writeHeaders(1, false,
		":method", "POST", ":path", "/svc/M", ":scheme", "http",
		":authority", "testhost", "content-type", "application/grpc", "te", "trailers")
	p.writeData(1, true, grpcFrame("hello"))

	var s *Stream
	select {
	case s = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("stream not accepted")
	}
	assert.Equal(t, "/svc/M", s.Path)
	assert.Equal(t, "testhost", s.Authority)

	var msg []byte
	msgCh := make(chan error, 1)
	tr.PerformStreamOp(s, &OpBatch{
		RecvMessage: &MessageRecv{Msg: &msg, Ready: func(err error) { msgCh <- err }},
	})
	require.NoError(t, <-msgCh)
	require.Equal(t, []byte("hello"), msg)

	md := http.Header{}
	md.Set("grpc-status", "0")
	tr.PerformStreamOp(s, &OpBatch{
		HasSendInitialMetadata:  true,
		SendMessage:             &SendMessage{Data: []byte("world")},
		HasSendTrailingMetadata: true,
		SendTrailingMetadata:    md,
	})

	hf, ok := p.next("headers")
	require.True(t, ok)
	assert.Equal(t, "200", hf.field(":status"))
	df, ok := p.next("data")
	require.True(t, ok)
	assert.Equal(t, grpcFrame("world"), df.data)
	tf, ok := p.next("headers")
	require.True(t, ok)
	assert.Equal(t, "0", tf.field("grpc-status"))
	assert.True(t, tf.endStream)
}

func TestServerImmediateCancelSynthesizesTrailers(t *testing.T) {
	t.Parallel()
	accepted := make(chan *Stream, 1)
	tr, p, _ := startServer(t, &Config{AllowTarpit: boolPtr(false)}, func(s *Stream) { accepted <- s })

	p.writeHeaders(1, false,
		":method", "POST", ":path", "/svc/M", ":scheme", "http",
		"content-type", "application/grpc")
	s := <-accepted

	tr.PerformStreamOp(s, &OpBatch{
		Cancel: statusf(codes.Unavailable, "boom"),
	})

	hf, ok := p.next("headers")
	require.True(t, ok)
	assert.Equal(t, "200", hf.field(":status"))
	assert.Equal(t, "application/grpc", hf.field("content-type"))
	assert.Equal(t, "14", hf.field("grpc-status"))
	assert.Equal(t, "boom", hf.field("grpc-message"))
	assert.True(t, hf.endStream)

	rf, ok := p.next("rst")
	require.True(t, ok)
	assert.Equal(t, http2.ErrCodeNo, rf.errCode)
}

func TestTarpitDelaysErrorResponse(t *testing.T) {
	t.Parallel()
	accepted := make(chan *Stream, 1)
	tr, p, _ := startServer(t, &Config{
		TarpitMin: 100 * time.Millisecond,
		TarpitMax: 150 * time.Millisecond,
	}, func(s *Stream) { accepted <- s })

	p.writeHeaders(1, false,
		":method", "POST", ":path", "/svc/M", ":scheme", "http",
		"content-type", "application/grpc")
	s := <-accepted

	start := time.Now()
	tr.PerformStreamOp(s, &OpBatch{Cancel: statusf(codes.Unavailable, "slow down")})

	_, ok := p.next("headers")
	require.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"tarpit must delay the error response")
}

func TestPingOnRSTStream(t *testing.T) {
	t.Parallel()
	accepted := make(chan *Stream, 1)
	tr, p, _ := startServer(t, &Config{
		PingOnRSTStreamPercent: intPtr(100),
		AllowTarpit:            boolPtr(false),
	}, func(s *Stream) { accepted <- s })
	_ = tr

	p.writeHeaders(1, false,
		":method", "POST", ":path", "/svc/M", ":scheme", "http",
		"content-type", "application/grpc")
	<-accepted
	p.writeRST(1, http2.ErrCodeCancel)

	pf, ok := p.next("ping")
	require.True(t, ok)
	assert.False(t, pf.pingAck, "client RST must trigger a probing PING")
}

func TestGracefulGoaway(t *testing.T) {
	t.Parallel()
	tr, p, _ := startServer(t, nil, func(s *Stream) {})

	tr.PerformOp(&TransportOp{SendGoaway: statusf(codes.OK, ""), GoawayImmediate: false})

	gf, ok := p.next("goaway")
	require.True(t, ok)
	assert.Equal(t, uint32(maxStreamID), gf.lastID,
		"graceful goaway first advertises the maximum stream id")
	assert.Equal(t, http2.ErrCodeNo, gf.errCode)

	// The scripted peer auto-acks the follow-up ping; the true last
	// stream id follows.
	gf, ok = p.next("goaway")
	require.True(t, ok)
	assert.Equal(t, uint32(0), gf.lastID)
}

func TestRequestedPingGetsAck(t *testing.T) {
	t.Parallel()
	tr, _, _ := startClient(t, nil)

	acked := make(chan error, 1)
	initiated := make(chan error, 1)
	tr.PerformOp(&TransportOp{SendPing: &PingCallbacks{
		OnInitiate: func(err error) { initiated <- err },
		OnAck:      func(err error) { acked <- err },
	}})
	require.NoError(t, <-initiated)
	require.NoError(t, <-acked)
}

func TestTransportPairBinaryMetadataRoundTrip(t *testing.T) {
	t.Parallel()
	pair, err := NewTransportPair(zaptest.NewLogger(t), nil, nil)
	require.NoError(t, err)
	defer pair.Close()

	binValue := string([]byte{0x00, 0xFF, 0x7F, 0x01})
	md := http.Header{}
	md.Set("custom-bin", binValue)
	md.Set("plain", "value")

	s := pair.Client.InitStream(context.Background(), &CallHdr{Path: "/svc/Echo"})
	pair.Client.PerformStreamOp(s, &OpBatch{
		HasSendInitialMetadata:  true,
		SendInitialMetadata:     md,
		SendMessage:             &SendMessage{Data: []byte("payload-bytes")},
		HasSendTrailingMetadata: true,
	})

	var ss *Stream
	select {
	case ss = <-pair.AcceptedStreams:
	case <-time.After(5 * time.Second):
		t.Fatal("no stream accepted")
	}
	assert.Equal(t, binValue, ss.initialMDValue("custom-bin"))
	assert.Equal(t, "value", ss.initialMDValue("plain"))

	var msg []byte
	msgCh := make(chan error, 1)
	pair.Server.PerformStreamOp(ss, &OpBatch{
		RecvMessage: &MessageRecv{Msg: &msg, Ready: func(err error) { msgCh <- err }},
	})
	require.NoError(t, <-msgCh)
	assert.Equal(t, []byte("payload-bytes"), msg)

	// Respond and verify the client sees the status.
	var st *Status
	trailerCh := make(chan error, 1)
	pair.Client.PerformStreamOp(s, &OpBatch{
		RecvTrailingMetadata: &TrailerRecv{Status: &st, Ready: func(err error) { trailerCh <- err }},
	})
	tmd := http.Header{}
	tmd.Set("grpc-status", "0")
	pair.Server.PerformStreamOp(ss, &OpBatch{
		HasSendInitialMetadata:  true,
		HasSendTrailingMetadata: true,
		SendTrailingMetadata:    tmd,
	})
	require.NoError(t, <-trailerCh)
	require.NotNil(t, st)
	assert.True(t, st.OK())
}

func TestTransportPairConcurrentUnaryCalls(t *testing.T) {
	t.Parallel()
	pair, err := NewTransportPair(zaptest.NewLogger(t), nil, nil)
	require.NoError(t, err)
	defer pair.Close()

	// Server: echo every accepted stream's first message back with an
	// OK status.
	go func() {
		for ss := range pair.AcceptedStreams {
			ss := ss
			var msg []byte
			pair.Server.PerformStreamOp(ss, &OpBatch{
				RecvMessage: &MessageRecv{Msg: &msg, Ready: func(err error) {
					if err != nil {
						return
					}
					tmd := http.Header{}
					tmd.Set("grpc-status", "0")
					pair.Server.PerformStreamOp(ss, &OpBatch{
						HasSendInitialMetadata:  true,
						SendMessage:             &SendMessage{Data: msg},
						HasSendTrailingMetadata: true,
						SendTrailingMetadata:    tmd,
					})
				}},
			})
		}
	}()

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		payload := []byte(fmt.Sprintf("payload-%d", i))
		g.Go(func() error {
			s := pair.Client.InitStream(ctx, &CallHdr{Path: "/svc/Echo"})
			var (
				reply []byte
				st    *Status
			)
			msgCh := make(chan error, 1)
			trailerCh := make(chan error, 1)
			pair.Client.PerformStreamOp(s, &OpBatch{
				HasSendInitialMetadata:  true,
				SendMessage:             &SendMessage{Data: payload},
				HasSendTrailingMetadata: true,
				RecvMessage:             &MessageRecv{Msg: &reply, Ready: func(err error) { msgCh <- err }},
				RecvTrailingMetadata: &TrailerRecv{
					Status: &st,
					Ready:  func(err error) { trailerCh <- err },
				},
			})
			if err := <-msgCh; err != nil {
				return err
			}
			if err := <-trailerCh; err != nil {
				return err
			}
			if !bytes.Equal(reply, payload) {
				return fmt.Errorf("echo mismatch: got %q, want %q", reply, payload)
			}
			if !st.OK() {
				return fmt.Errorf("unexpected status: %v", st)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, pair.Client.ActiveStreams())
}

// initialMDValue is a test helper reading published metadata through
// the combiner.
func (s *Stream) initialMDValue(key string) string {
	out := make(chan string, 1)
	s.t.c.Run(func() { out <- s.initialMD.Get(key) })
	return <-out
}

func TestBenignReclamationSendsGoaway(t *testing.T) {
	t.Parallel()
	tr, p, _ := startServer(t, nil, func(s *Stream) {})
	tr.ReclaimBenign()
	gf, ok := p.next("goaway")
	require.True(t, ok)
	assert.Equal(t, http2.ErrCodeEnhanceYourCalm, gf.errCode)
	assert.Equal(t, "Buffers full", string(gf.debug))
}

func TestDestructiveReclamationCancelsStream(t *testing.T) {
	t.Parallel()
	accepted := make(chan *Stream, 1)
	tr, p, _ := startServer(t, &Config{AllowTarpit: boolPtr(false)}, func(s *Stream) { accepted <- s })

	p.writeHeaders(1, false,
		":method", "POST", ":path", "/svc/M", ":scheme", "http",
		"content-type", "application/grpc")
	<-accepted

	require.True(t, tr.ReclaimDestructive())
	hf, ok := p.next("headers")
	require.True(t, ok)
	assert.Equal(t, "8", hf.field("grpc-status"), "ResourceExhausted trailers expected")
	require.False(t, tr.ReclaimDestructive(), "no streams left to reclaim")
}

func TestInducedFrameOverflowPausesReads(t *testing.T) {
	t.Parallel()
	tr := NewTransport(ServerSide, Options{Logger: zaptest.NewLogger(t)})
	done := make(chan struct{})
	tr.c.Run(func() {
		for i := 0; i < defaultMaxPendingInducedFrames; i++ {
			tr.queueInduced(inducedFrame{kind: inducedPingAck})
		}
		close(done)
	})
	<-done
	paused := make(chan struct{})
	go func() {
		tr.readThrottle.wait()
		close(paused)
	}()
	select {
	case <-paused:
		t.Fatal("read throttle should be paused at the induced-frame cap")
	case <-time.After(50 * time.Millisecond):
	}
	// Draining qbuf through a write resumes reading.
	tr.c.Run(func() {
		tr.outbuf.Reset()
		tr.gather()
	})
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("read throttle should resume once qbuf drains")
	}
}
