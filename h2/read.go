package h2

import (
	"bufio"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
)

// recordingReader keeps the first bytes read from the endpoint so a
// parse failure can be re-examined as a possible HTTP/1.x response.
type recordingReader struct {
	r     io.Reader
	first []byte
}

const recordLimit = 1024

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 && len(r.first) < recordLimit {
		keep := recordLimit - len(r.first)
		if keep > n {
			keep = n
		}
		r.first = append(r.first, p[:keep]...)
	}
	return n, err
}

// StartReading writes the connection preface (client), the initial
// SETTINGS and window update, then starts the read loop.
// notifySettings fires once the peer's first SETTINGS arrives;
// notifyClose fires once on transport close.
func (t *Transport) StartReading(notifySettings func(), notifyClose func(*Status)) error {
	if t.side == ClientSide {
		if _, err := t.conn.Write([]byte(clientPreface)); err != nil {
			err = connectionErrorf(true, err, "transport: failed to write client preface: %v", err)
			t.Close(err)
			return err
		}
	}

	t.c.Run(func() {
		t.notifySettings = notifySettings
		t.notifyClose = notifyClose

		var ss []http2.Setting
		if t.side == ClientSide {
			// Server push is disabled.
			ss = append(ss, http2.Setting{ID: http2.SettingEnablePush, Val: 0})
		}
		if t.cfg.hpackDecoderSize != defaultHeaderTableSize {
			ss = append(ss, http2.Setting{ID: http2.SettingHeaderTableSize, Val: t.cfg.hpackDecoderSize})
		}
		if t.cfg.initialWindowSize != defaultWindowSize {
			ss = append(ss, http2.Setting{ID: http2.SettingInitialWindowSize, Val: t.cfg.initialWindowSize})
		}
		if t.cfg.maxFrameSize != http2MaxFrameLen {
			ss = append(ss, http2.Setting{ID: http2.SettingMaxFrameSize, Val: t.cfg.maxFrameSize})
		}
		ss = append(ss, http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: t.cfg.maxHeaderListSize})
		if t.side == ServerSide && t.cfg.maxStreams > 0 {
			ss = append(ss, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: t.cfg.maxStreams})
		}
		if t.cfg.trueBinary {
			ss = append(ss, http2.Setting{ID: settingAllowTrueBinaryMetadata, Val: 1})
		}
		if t.cfg.rxCryptoFrameSize != 0 {
			ss = append(ss, http2.Setting{ID: settingPreferredRxCryptoFrameSize, Val: t.cfg.rxCryptoFrameSize})
		}
		t.queueInduced(inducedFrame{kind: inducedSettings, settings: ss})
		if delta := int64(t.cfg.connWindowSize) - defaultWindowSize; delta > 0 {
			t.queueInduced(inducedFrame{kind: inducedWindowUpdate, streamID: 0, increment: uint32(delta)})
		}
		t.initiateWrite("initial_settings")
		t.startKeepalive()
		t.startConnAgeTimers()
	})

	go t.readLoop()
	return nil
}

// parsedHeaders is the combiner-safe copy of a MetaHeadersFrame.
type parsedHeaders struct {
	streamID  uint32
	fields    []hpack.HeaderField
	endStream bool
	truncated bool
}

func (t *Transport) readLoop() {
	defer close(t.readerDone)

	// The recorder sits under the buffered reader so a parse failure
	// can inspect everything the endpoint produced, not just the bytes
	// the framer consumed.
	t.rec = &recordingReader{r: t.conn}
	br := bufio.NewReaderSize(t.rec, t.cfg.readBufferSize)
	fr := http2.NewFramer(io.Discard, br)
	fr.SetMaxReadFrameSize(t.cfg.maxFrameSize)
	fr.MaxHeaderListSize = t.cfg.maxHeaderListSize
	fr.ReadMetaHeaders = hpack.NewDecoder(t.cfg.hpackDecoderSize, nil)
	t.fr = fr

	if t.side == ServerSide {
		preface := make([]byte, len(clientPreface))
		if _, err := io.ReadFull(br, preface); err != nil {
			t.Close(connectionErrorf(false, err, "transport: error reading client preface: %v", err))
			return
		}
		if string(preface) != clientPreface {
			t.readFatal(connectionErrorf(false, nil, "transport: invalid client preface"), preface)
			return
		}
	}

	first := true
	newStreams := 0
	for {
		t.readThrottle.wait()
		f, err := fr.ReadFrame()
		if err != nil {
			if t.handleReadError(err) {
				return
			}
			continue
		}
		atomic.StoreInt64(&t.lastRead, time.Now().UnixNano())
		t.keepaliveOnRead()

		if first {
			sf, ok := f.(*http2.SettingsFrame)
			if !ok {
				t.readFatal(connectionErrorf(true, nil,
					"transport: first frame from peer is %T, expected SETTINGS", f), t.rec.first)
				return
			}
			first = false
			t.dispatchSettings(sf)
			continue
		}

		t.dispatchFrame(f)

		if mh, ok := f.(*http2.MetaHeadersFrame); ok &&
			t.side == ServerSide && mh.Header().StreamID%2 == 1 {
			// Potentially a new request; cap admissions per read turn,
			// deferring the next batch until the combiner drained this
			// one.
			newStreams++
			if newStreams >= t.cfg.maxReqPerRead {
				newStreams = 0
				barrier := make(chan struct{})
				t.c.Run(func() { close(barrier) })
				<-barrier
			}
		}
	}
}

func (t *Transport) dispatchSettings(sf *http2.SettingsFrame) {
	if sf.IsAck() {
		t.c.Run(func() { t.handleSettingsAck() })
		return
	}
	var ss []http2.Setting
	sf.ForeachSetting(func(s http2.Setting) error {
		ss = append(ss, s)
		return nil
	})
	t.c.Run(func() { t.handleSettings(ss) })
}

// handleReadError classifies a framer error: per-stream errors close
// only the stream and reading continues (returns false); everything
// else is transport-fatal (returns true), with an HTTP/1 sniff for a
// friendlier message.
func (t *Transport) handleReadError(err error) bool {
	if se, ok := err.(http2.StreamError); ok {
		t.c.Run(func() {
			if s, ok := t.streams[se.StreamID]; ok {
				t.closeStreamBothWays(s,
					statusWithHTTP2(http2ErrConvTab[se.Code], se.Code,
						"transport: malformed frame: %v", se), true, se.Code, false)
			}
		})
		return false
	}
	t.readFatal(err, t.rec.first)
	return true
}

// dispatchFrame routes one parsed frame into the combiner.
func (t *Transport) dispatchFrame(f http2.Frame) {
	switch fr := f.(type) {
	case *http2.MetaHeadersFrame:
		ph := parsedHeaders{
			streamID:  fr.Header().StreamID,
			fields:    append([]hpack.HeaderField(nil), fr.Fields...),
			endStream: fr.StreamEnded(),
			truncated: fr.Truncated,
		}
		t.c.Run(func() { t.handleHeaders(ph) })
	case *http2.DataFrame:
		data := append([]byte(nil), fr.Data()...)
		padding := int(fr.Header().Length) - len(data)
		endStream := fr.StreamEnded()
		id := fr.Header().StreamID
		t.c.Run(func() { t.handleData(id, data, padding, endStream) })
	case *http2.RSTStreamFrame:
		id := fr.Header().StreamID
		code := fr.ErrCode
		t.c.Run(func() { t.handleRSTStream(id, code) })
	case *http2.SettingsFrame:
		t.dispatchSettings(fr)
	case *http2.PingFrame:
		ack := fr.IsAck()
		var data [8]byte
		copy(data[:], fr.Data[:])
		t.c.Run(func() { t.handlePing(ack, data) })
	case *http2.GoAwayFrame:
		last := fr.LastStreamID
		code := fr.ErrCode
		debug := append([]byte(nil), fr.DebugData()...)
		t.c.Run(func() { t.handleIncomingGoaway(code, last, debug) })
	case *http2.WindowUpdateFrame:
		id := fr.Header().StreamID
		incr := fr.Increment
		t.c.Run(func() { t.handleWindowUpdate(id, incr) })
	}
}

// readFatal closes the transport for a parse or endpoint failure,
// translating HTTP/1.x responses into a useful status.
func (t *Transport) readFatal(err error, raw []byte) {
	if code, ok := parseHTTP1StatusLine(raw); ok {
		st := statusf(httpStatusToCode(code),
			"Trying to connect an http1.x server (HTTP status %d)", code)
		t.Close(st)
		return
	}
	if err == io.EOF {
		t.c.Run(func() {
			st := t.peerGoawayStatus
			if st == nil {
				st = statusf(codes.Unavailable, "transport: connection closed by peer")
			}
			t.closeWithError(st)
		})
		return
	}
	t.Close(connectionErrorf(true, err, "transport: error reading from peer: %v", err))
}

// ---- combiner-side frame handlers ----

func (t *Transport) handleData(id uint32, data []byte, padding int, endStream bool) {
	if t.closedWithError != nil {
		return
	}
	size := len(data) + padding

	if t.bdpEst != nil && size > 0 {
		if t.bdpEst.Add(uint32(size)) && !t.bdpEst.IsPingInFlight() {
			t.startBDPPing()
		}
	}
	// Connection window is decoupled from application reads.
	if size > 0 {
		if w := t.tfc.OnData(uint32(size)); w > 0 {
			t.queueInduced(inducedFrame{kind: inducedWindowUpdate, streamID: 0, increment: w})
			t.initiateWrite("transport_window_update")
		}
	}

	s, ok := t.streams[id]
	if !ok {
		return
	}
	if s.readClosed {
		t.queueRST(s.Id, http2.ErrCodeStreamClosed, false)
		return
	}
	if size > 0 {
		if err := s.fc.OnData(uint32(size)); err != nil {
			t.closeStreamBothWays(s,
				statusWithHTTP2(codes.Internal, http2.ErrCodeFlowControl, "%v", err),
				true, http2.ErrCodeFlowControl, false)
			return
		}
		if padding > 0 {
			if w := s.fc.OnRead(uint32(padding)); w > 0 {
				t.queueInduced(inducedFrame{kind: inducedWindowUpdate, streamID: s.Id, increment: w})
			}
		}
		if len(data) > 0 {
			s.frameStorage.put(data)
			s.Stats.BytesReceived += int64(len(data))
		}
		if s.frameStorage.len() > 4*t.cfg.writeBufferSize {
			// Large backlog: yield the combiner to bound contiguous
			// parse work on this goroutine.
			t.c.ForceOffload()
		}
	}
	if endStream {
		s.eosReceived = true
		s.markReadClosed(nil)
	}
	t.maybeCompleteRecvTrailingMetadata(s)
	t.maybeCompleteRecvInitialMetadata(s)
}

func (t *Transport) handleHeaders(ph parsedHeaders) {
	if t.closedWithError != nil {
		return
	}
	id := ph.streamID
	peerParity := uint32(1)
	if t.side == ClientSide {
		peerParity = 0
	}

	if id%2 == peerParity && id > t.lastPeerStreamID {
		if t.side == ClientSide {
			// Push is disabled; an even new id is a protocol error.
			t.goawayAndClose(http2.ErrCodeProtocol,
				statusf(codes.Internal, "transport: received headers for server-initiated stream %d", id),
				"push disabled")
			return
		}
		t.acceptNewStream(ph)
		return
	}

	s, ok := t.streams[id]
	if !ok {
		return
	}
	if ph.truncated {
		t.closeStreamBothWays(s,
			statusWithHTTP2(codes.Internal, http2.ErrCodeFrameSize,
				"transport: peer header list size exceeded limit"),
			true, http2.ErrCodeFrameSize, false)
		return
	}

	if s.publishedInitial == notPublished && !s.readClosed {
		t.operateInitialHeaders(s, ph)
	} else if !ph.endStream {
		// HEADERS may only open or close a stream.
		t.closeStreamBothWays(s,
			statusWithHTTP2(codes.Internal, http2.ErrCodeProtocol,
				"transport: a HEADERS frame cannot appear in the middle of a stream"),
			true, http2.ErrCodeProtocol, false)
		return
	} else {
		t.operateTrailers(s, ph)
	}

	if ph.endStream {
		s.eosReceived = true
		s.markReadClosed(nil)
	}
	t.runRecvGates(s)
	if s.fullyClosed() && s.Id != 0 {
		t.deleteStream(s)
	}
}

// operateInitialHeaders publishes the first HEADERS of a stream
// (response headers on the client; never called for new server
// streams, which go through acceptNewStream).
func (t *Transport) operateInitialHeaders(s *Stream, ph parsedHeaders) {
	md := make(http.Header)
	httpStatus := 0
	grpcStatusSeen := false
	for _, hf := range ph.fields {
		switch hf.Name {
		case ":status":
			if v, err := parseUint32(hf.Value); err == nil {
				httpStatus = int(v)
			}
		case "grpc-status":
			grpcStatusSeen = true
			md.Add(hf.Name, hf.Value)
		default:
			if isReservedHeader(hf.Name) && !isWhitelistedHeader(hf.Name) {
				continue
			}
			v, err := decodeMetadataHeader(hf.Name, hf.Value)
			if err != nil {
				t.log.Warn("failed to decode metadata header",
					zap.String("key", hf.Name), zap.Error(err))
				continue
			}
			md.Add(hf.Name, v)
		}
	}

	if t.side == ClientSide && httpStatus != 0 && httpStatus != 200 {
		st := statusf(httpStatusToCode(httpStatus),
			"transport: received unexpected HTTP status %d", httpStatus)
		s.publishedInitial = synthesizedFromFake
		s.initialMD = md
		s.markReadClosed(st)
		s.synthesizeTrailers(st, synthesizedFromFake)
		return
	}

	if ph.endStream && grpcStatusSeen {
		// Trailers-only response: slot 0 is synthesized, the fields
		// publish as trailers.
		s.publishedInitial = synthesizedFromFake
		s.initialMD = make(http.Header)
		t.publishTrailers(s, ph.fields)
		return
	}
	s.publishedInitial = publishedFromWire
	s.initialMD = md
}

func (t *Transport) operateTrailers(s *Stream, ph parsedHeaders) {
	t.publishTrailers(s, ph.fields)
}

func (t *Transport) publishTrailers(s *Stream, fields []hpack.HeaderField) {
	md := make(http.Header)
	st := &Status{Code: codes.Unknown, Message: "transport: missing grpc-status in trailers"}
	for _, hf := range fields {
		switch hf.Name {
		case "grpc-status":
			if v, err := parseUint32(hf.Value); err == nil {
				st.Code = codes.Code(v)
				st.Message = ""
			}
		case "grpc-message":
			st.Message = decodeGrpcMessage(hf.Value)
		default:
			if isReservedHeader(hf.Name) && !isWhitelistedHeader(hf.Name) {
				continue
			}
			v, err := decodeMetadataHeader(hf.Name, hf.Value)
			if err != nil {
				continue
			}
			md.Add(hf.Name, v)
		}
	}
	s.status = st
	s.trailingMD = md
	s.trailingMD.Set("grpc-status", strconv.Itoa(int(st.Code)))
	if st.Message != "" {
		s.trailingMD.Set("grpc-message", st.Message)
	}
	s.publishedTrailer = publishedFromWire
	if !st.OK() {
		s.seenError = true
	}
}

// acceptNewStream admits a peer-initiated stream (server role).
func (t *Transport) acceptNewStream(ph parsedHeaders) {
	id := ph.streamID
	if t.goawaySent != goawayNone {
		// Draining: the stream was announced as not-processed.
		t.queueRST(id, http2.ErrCodeRefusedStream, false)
		return
	}
	if t.cfg.maxStreams > 0 && t.activePeerStreams >= t.cfg.maxStreams && t.cfg.overloadProtect {
		t.queueRST(id, http2.ErrCodeRefusedStream, false)
		return
	}
	t.lastPeerStreamID = id
	t.activePeerStreams++

	s := t.newServerStream(id)
	md := make(http.Header)
	for _, hf := range ph.fields {
		switch hf.Name {
		case ":path":
			s.Path = hf.Value
		case ":method":
			s.Method = hf.Value
		case ":authority":
			s.Authority = hf.Value
		case "content-type":
			if !validContentType(hf.Value) {
				md.Add(hf.Name, hf.Value)
			}
		case "grpc-timeout":
			if d, err := decodeTimeout(hf.Value); err == nil {
				s.deadline = time.Now().Add(d)
			}
		default:
			if isReservedHeader(hf.Name) && !isWhitelistedHeader(hf.Name) {
				continue
			}
			v, err := decodeMetadataHeader(hf.Name, hf.Value)
			if err != nil {
				continue
			}
			md.Add(hf.Name, v)
		}
	}
	s.initialMD = md
	s.publishedInitial = publishedFromWire
	t.streams[id] = s
	if ph.endStream {
		s.eosReceived = true
		s.markReadClosed(nil)
	}
	t.streamEvent(EventStreamStart, s)
	if t.accept != nil {
		t.accept(s)
	} else {
		t.log.Warn("no accept callback; refusing stream", zap.Uint32("stream", id))
		t.cancelStreamLocked(s, statusf(codes.Unimplemented, "transport: no stream handler"), false)
	}
}

func (t *Transport) handleSettingsAck() {
	t.settingsAcked = true
	if t.settingsAckTimer != nil {
		t.settingsAckTimer.Stop()
		t.settingsAckTimer = nil
	}
}

func (t *Transport) handleSettings(ss []http2.Setting) {
	if t.closedWithError != nil {
		return
	}
	var windowDelta int64
	for _, s := range ss {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			t.peerMaxStreams = s.Val
		case http2.SettingInitialWindowSize:
			windowDelta = int64(s.Val) - int64(t.peerInitialWindow)
			t.peerInitialWindow = s.Val
		case http2.SettingMaxFrameSize:
			t.peerMaxFrameSize = clampUint32(s.Val, minMaxFrameSize, maxMaxFrameSize)
		case http2.SettingMaxHeaderListSize:
			t.peerMaxHeaderListSize = s.Val
		case http2.SettingHeaderTableSize:
			t.hEnc.SetMaxDynamicTableSize(s.Val)
		case settingAllowTrueBinaryMetadata:
			t.peerAllowsTrueBinary = s.Val != 0
		}
	}
	t.queueInduced(inducedFrame{kind: inducedSettingsAck})

	if windowDelta != 0 {
		for _, s := range t.streams {
			s.sendWindow += int32(windowDelta)
			if windowDelta > 0 && s.sendBuf.len() > 0 {
				t.writable.push(s)
			}
		}
		// Streams stalled on windows get another chance.
		for {
			s := t.stalledByTransport.pop()
			if s == nil {
				break
			}
			t.writable.push(s)
		}
	}
	t.maybeStartSomeStreams()
	t.initiateWrite("settings_ack")

	if t.notifySettings != nil {
		cb := t.notifySettings
		t.notifySettings = nil
		cb()
	}
	t.muxEvent(EventSettings)
}

func (t *Transport) handleWindowUpdate(id uint32, incr uint32) {
	if t.closedWithError != nil {
		return
	}
	if id == 0 {
		t.sendQuota += int64(incr)
		moved := false
		for {
			s := t.stalledByTransport.pop()
			if s == nil {
				break
			}
			t.writable.push(s)
			moved = true
		}
		if moved || t.sendQuota > 0 {
			t.initiateWrite("transport_window_update")
		}
		return
	}
	s, ok := t.streams[id]
	if !ok {
		return
	}
	s.sendWindow += int32(incr)
	if s.sendBuf.len() > 0 || (s.eosQueued && !s.eosSent) || (s.sendTrailingSet && !s.sendTrailingSent) {
		t.markWritable(s, "stream_window_update")
	}
}

func (t *Transport) handleRSTStream(id uint32, code http2.ErrCode) {
	if t.closedWithError != nil {
		return
	}
	if t.side == ServerSide && t.cfg.pingOnRSTPercent > 0 {
		if t.rng.Intn(100) < t.cfg.pingOnRSTPercent {
			// Probe abusive cancel storms with a ping.
			t.queueInduced(inducedFrame{kind: inducedPing, pingData: t.nextPingData()})
			t.initiateWrite("ping_on_rst_stream")
		}
	}
	s, ok := t.streams[id]
	if !ok {
		return
	}
	grpcCode, ok := http2ErrConvTab[code]
	if !ok {
		grpcCode = codes.Unknown
	}
	if code == http2.ErrCodeCancel && !s.deadline.IsZero() && !s.deadline.After(time.Now()) {
		// The peer likely cancelled because our deadline expired.
		grpcCode = codes.DeadlineExceeded
	}
	st := statusWithHTTP2(grpcCode, code,
		"transport: stream terminated by RST_STREAM with error code: %v", code)
	if code == http2.ErrCodeRefusedStream {
		st.NetworkState = NetworkStateNotSeenByServer
	}
	t.closeStreamBothWays(s, st, false, code, false)
}

