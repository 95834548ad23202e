package h2

import (
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/costinm/h2transport/flowcontrol"
)

// defaultMaxPendingInducedFrames is the qbuf depth at which the read
// loop is paused until a write drains the backlog.
const defaultMaxPendingInducedFrames = 10000

// inducedKind enumerates frames the transport must emit in response to
// received frames or local policy, queued in qbuf to ride the next
// write.
type inducedKind uint8

const (
	inducedSettings inducedKind = iota
	inducedSettingsAck
	inducedPing
	inducedPingAck
	inducedRST
	inducedWindowUpdate
	inducedGoaway
	inducedRawHeaders
)

type inducedFrame struct {
	kind     inducedKind
	streamID uint32
	errCode  http2.ErrCode

	pingData [8]byte

	increment uint32

	settings []http2.Setting

	goawayLastID uint32
	goawayDebug  []byte

	// headerBlock is a pre-encoded HPACK fragment (close_from_api).
	headerBlock []byte

	// onWrite runs under the combiner right after the frame is
	// serialized into outbuf.
	onWrite func()
}

// countsAgainstInducedCap: only acks and RSTs contribute to the
// read-throttle budget; locally originated frames do not.
func (f *inducedFrame) countsAgainstInducedCap() bool {
	switch f.kind {
	case inducedSettingsAck, inducedPingAck, inducedRST:
		return true
	}
	return false
}

// queueInduced appends f to qbuf, pausing the read loop once too many
// peer-response frames are pending.
func (t *Transport) queueInduced(f inducedFrame) {
	t.qbuf = append(t.qbuf, f)
	if f.countsAgainstInducedCap() {
		t.numPendingInducedFrames++
		if t.numPendingInducedFrames >= defaultMaxPendingInducedFrames {
			t.readThrottle.pause()
		}
	}
}

// maybeTarpit defers f by a uniform random delay for server error
// responses when tarpitting is enabled; deferred work is dropped if
// the transport closes first.
func (t *Transport) maybeTarpit(tarpit bool, f func()) {
	if !tarpit || t.side != ServerSide || !t.cfg.allowTarpit {
		f()
		return
	}
	d := t.cfg.tarpitMin
	if span := t.cfg.tarpitMax - t.cfg.tarpitMin; span > 0 {
		d += time.Duration(t.rng.Int63n(int64(span) + 1))
	}
	t.afterFunc(d, func() {
		f()
		t.initiateWrite("tarpit")
	})
}

func (t *Transport) queueRST(id uint32, code http2.ErrCode, tarpit bool) {
	t.maybeTarpit(tarpit, func() {
		t.queueInduced(inducedFrame{kind: inducedRST, streamID: id, errCode: code})
		t.initiateWrite("rst_stream")
	})
}

// initiateWrite drives the write-state machine from any combiner
// handler that produced an outbound intent.
func (t *Transport) initiateWrite(reason string) {
	switch t.writeState {
	case writeIdle:
		t.writeState = writeWriting
		t.c.RunFinally(func() { t.writeBegin(reason) })
	case writeWriting:
		t.writeState = writeWritingWithMore
	case writeWritingWithMore:
		// already scheduled
	}
}

// writeBegin gathers every pending intent into outbuf and hands it to
// the endpoint. Runs as a combiner "finally" so a whole turn of stream
// ops batches into one write.
func (t *Transport) writeBegin(reason string) {
	if t.closedWithError != nil && t.closeOnWritesFinished == nil {
		// Closed while the begin was queued.
		t.writeState = writeIdle
		t.outbuf.Reset()
		return
	}
	t.outbuf.Reset()
	t.gather()

	if t.outbuf.Len() == 0 {
		t.writeState = writeIdle
		cbs := t.runAfterWrite
		t.runAfterWrite = nil
		for _, f := range cbs {
			f()
		}
		if t.closeOnWritesFinished != nil {
			t.closeOnWritesFinished = nil
			t.finishClose()
		}
		return
	}

	buf := t.outbuf.Bytes()
	t.log.Debug("endpoint write", zap.Int("bytes", len(buf)), zap.String("reason", reason))
	go func() {
		t.epMu.Lock()
		conn := t.conn
		closed := t.connClosed
		t.epMu.Unlock()
		var err error
		if closed || conn == nil {
			err = ErrConnClosing
		} else {
			_, err = conn.Write(buf)
		}
		t.c.Run(func() { t.writeEnd(err) })
	}()
}

// writeEnd is the endpoint-write completion re-entering the combiner.
func (t *Transport) writeEnd(err error) {
	t.outbuf.Reset()
	if err != nil {
		t.writeState = writeIdle
		cbs := t.runAfterWrite
		t.runAfterWrite = nil
		for _, f := range cbs {
			f()
		}
		st := asStatus(err)
		if t.closedWithError == nil {
			t.closeWithError(st)
		}
		if t.closeOnWritesFinished != nil {
			t.closeOnWritesFinished = nil
			t.finishClose()
		}
		return
	}

	cbs := t.runAfterWrite
	t.runAfterWrite = nil
	for _, f := range cbs {
		f()
	}

	switch t.writeState {
	case writeWriting:
		t.writeState = writeIdle
		if t.closeOnWritesFinished != nil {
			t.closeOnWritesFinished = nil
			t.finishClose()
		}
	case writeWritingWithMore:
		t.writeState = writeWriting
		t.c.RunFinally(func() { t.writeBegin("continue") })
	}
}

// gather serializes qbuf and the writable streams into outbuf, bounded
// by the peer's MAX_FRAME_SIZE per frame and writeBufferSize of
// stream-controlled data per turn.
func (t *Transport) gather() {
	// Induced frames first: acks, RSTs, window updates, goaways.
	// Serialization hooks may queue more induced frames; those ride
	// the next write.
	q := t.qbuf
	t.qbuf = nil
	flushed := 0
	for _, f := range q {
		t.serializeInduced(f)
		if f.countsAgainstInducedCap() {
			flushed++
		}
	}
	if flushed > 0 {
		t.numPendingInducedFrames -= flushed
		if t.numPendingInducedFrames < defaultMaxPendingInducedFrames {
			t.readThrottle.resume()
		}
	}

	budget := t.cfg.writeBufferSize
	for budget > 0 {
		s := t.writable.pop()
		if s == nil {
			break
		}
		more := t.gatherStream(s, &budget)
		if more {
			// Out of budget with work left: the follow-up write picks
			// the stream up again.
			t.writable.push(s)
			if t.writeState == writeWriting {
				t.writeState = writeWritingWithMore
			}
			break
		}
	}
}

func (t *Transport) serializeInduced(f inducedFrame) {
	var err error
	switch f.kind {
	case inducedSettings:
		err = t.wfr.WriteSettings(f.settings...)
		t.armSettingsWatchdog()
	case inducedSettingsAck:
		err = t.wfr.WriteSettingsAck()
	case inducedPing:
		err = t.wfr.WritePing(false, f.pingData)
	case inducedPingAck:
		err = t.wfr.WritePing(true, f.pingData)
	case inducedRST:
		err = t.wfr.WriteRSTStream(f.streamID, f.errCode)
	case inducedWindowUpdate:
		err = t.wfr.WriteWindowUpdate(f.streamID, f.increment)
	case inducedGoaway:
		err = t.wfr.WriteGoAway(f.goawayLastID, f.errCode, f.goawayDebug)
	case inducedRawHeaders:
		err = t.wfr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      f.streamID,
			BlockFragment: f.headerBlock,
			EndHeaders:    true,
			EndStream:     true,
		})
	}
	if err != nil {
		// The only writer is an in-memory buffer; a serialization
		// error here is a frame-construction bug.
		t.log.Error("frame serialization failed", zap.Error(err))
	}
	if f.onWrite != nil {
		f.onWrite()
	}
}

// gatherStream emits HEADERS, DATA and trailers for one stream.
// Returns true when the stream still has sendable work but the turn
// budget ran out.
func (t *Transport) gatherStream(s *Stream, budget *int) bool {
	if s.writeClosed && !s.sendTrailingSet {
		return false
	}
	if s.Id == 0 {
		// Not admitted yet: maybeStartSomeStreams marks it writable
		// again once it has an id.
		return false
	}

	if s.sendInitialMDSet && !s.sendInitialMDSent {
		if err := t.writeStreamHeaders(s, false); err != nil {
			t.cancelStreamLocked(s, asStatus(err), false)
			return false
		}
		s.sendInitialMDSent = true
		t.setDataSent()
		t.streamEvent(EventWroteHeaders, s)
	}

	// DATA, bounded by stream window, connection window, frame size
	// and the per-turn budget.
	for s.sendBuf.len() > 0 {
		n := s.sendBuf.len()
		if n > *budget {
			n = *budget
		}
		if int64(n) > t.sendQuota {
			n = int(t.sendQuota)
		}
		if int32(n) > s.sendWindow {
			n = int(s.sendWindow)
		}
		if n > int(t.peerMaxFrameSize) {
			n = int(t.peerMaxFrameSize)
		}
		if n <= 0 {
			if t.sendQuota <= 0 {
				// Stalled on the connection window: parked until a
				// transport WINDOW_UPDATE arrives.
				t.stalledByTransport.push(s)
			}
			// Stalled on the stream window: re-marked writable by the
			// stream WINDOW_UPDATE handler.
			return false
		}
		chunk := s.sendBuf.take(n)
		// Trailers carry END_STREAM on the server; the client ends on
		// the last DATA frame.
		endStream := s.eosQueued && s.sendBuf.len() == 0 &&
			(t.side == ClientSide || !s.sendTrailingSet)
		if err := t.wfr.WriteData(s.Id, endStream, chunk); err != nil {
			t.cancelStreamLocked(s, asStatus(err), false)
			return false
		}
		t.setDataSent()
		t.sendQuota -= int64(n)
		s.sendWindow -= int32(n)
		s.bytesWritten += int64(n)
		s.Stats.BytesSent += int64(n)
		*budget -= n
		t.scheduleOffsetClosures(s)
		if endStream {
			s.eosSent = true
			s.markWriteClosed(nil)
			t.maybeCompleteRecvTrailingMetadata(s)
			if _, live := t.streams[s.Id]; live && s.fullyClosed() {
				t.deleteStream(s)
			}
		}
		if *budget <= 0 {
			return s.sendBuf.len() > 0 || (s.sendBuf.len() == 0 && s.sendTrailingSet && !s.sendTrailingSent)
		}
	}

	// Trailers (server) or bare END_STREAM (client) once data drained.
	if s.sendBuf.len() == 0 && (s.sendTrailingSet || s.eosQueued) && !s.eosSent && !s.sendTrailingSent {
		if t.side == ServerSide && s.sendTrailingSet {
			if !s.sendInitialMDSent {
				if err := t.writeStreamHeaders(s, false); err != nil {
					t.cancelStreamLocked(s, asStatus(err), false)
					return false
				}
				s.sendInitialMDSent = true
			}
			if err := t.writeStreamTrailers(s); err != nil {
				t.cancelStreamLocked(s, asStatus(err), false)
				return false
			}
			s.sendTrailingSent = true
		} else if s.sendTrailingSet || s.eosQueued {
			// Client end of stream (or server half-close without a
			// trailer batch):
			// an empty DATA frame with END_STREAM.
			if err := t.wfr.WriteData(s.Id, true, nil); err != nil {
				t.cancelStreamLocked(s, asStatus(err), false)
				return false
			}
			if s.sendTrailingSet {
				s.sendTrailingSent = true
			}
		}
		s.eosSent = true
		s.markWriteClosed(nil)
		t.scheduleOffsetClosures(s)
		t.maybeCompleteRecvTrailingMetadata(s)
		if _, live := t.streams[s.Id]; live && s.fullyClosed() {
			t.deleteStream(s)
		}
	}
	return false
}

// writeStreamHeaders encodes and emits the stream's initial metadata
// as HEADERS (+CONTINUATION) frames.
func (t *Transport) writeStreamHeaders(s *Stream, endStream bool) error {
	fields := t.headerFields(s)
	if err := t.checkSendHeaderListSize(fields); err != nil {
		return err
	}
	return t.emitHeaderBlock(s.Id, fields, endStream)
}

func (t *Transport) writeStreamTrailers(s *Stream) error {
	fields := make([]hpack.HeaderField, 0, 2+len(s.sendTrailingMD))
	st := s.sendTrailingStatus()
	fields = append(fields, hpack.HeaderField{Name: "grpc-status", Value: strconv.Itoa(int(st.Code))})
	if st.Message != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-message", Value: encodeGrpcMessage(st.Message)})
	}
	fields = t.appendMetadata(fields, s.sendTrailingMD)
	if err := t.checkSendHeaderListSize(fields); err != nil {
		return err
	}
	return t.emitHeaderBlock(s.Id, fields, true)
}

// emitHeaderBlock HPACK-encodes fields and writes HEADERS plus any
// CONTINUATION frames needed under the peer frame-size limit.
func (t *Transport) emitHeaderBlock(id uint32, fields []hpack.HeaderField, endStream bool) error {
	t.hBuf.Reset()
	for _, f := range fields {
		if err := t.hEnc.WriteField(f); err != nil {
			return err
		}
	}
	block := t.hBuf.Bytes()
	first := true
	for first || len(block) > 0 {
		frag := block
		if max := int(t.peerMaxFrameSize); len(frag) > max {
			frag = frag[:max]
		}
		block = block[len(frag):]
		var err error
		if first {
			err = t.wfr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: frag,
				EndHeaders:    len(block) == 0,
				EndStream:     endStream,
			})
			first = false
		} else {
			err = t.wfr.WriteContinuation(id, len(block) == 0, frag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// scheduleOffsetClosures moves write-finished completions whose offset
// threshold was passed into runAfterWrite. Flow-controlled completions
// are fired by fireFlowControlledClosures.
func (t *Transport) scheduleOffsetClosures(s *Stream) {
	i := 0
	for _, oc := range s.onWriteFinished {
		if oc.offset <= s.bytesWritten {
			f := oc.f
			t.runAfterWrite = append(t.runAfterWrite, func() { f(nil) })
		} else {
			s.onWriteFinished[i] = oc
			i++
		}
	}
	s.onWriteFinished = s.onWriteFinished[:i]
}

// fireFlowControlledClosures fires closures keyed on bytes admitted
// into transport flow control.
func (t *Transport) fireFlowControlledClosures(s *Stream) {
	i := 0
	for _, oc := range s.onFlowControlled {
		if oc.offset <= s.bytesFlowControlled {
			oc.f(nil)
		} else {
			s.onFlowControlled[i] = oc
			i++
		}
	}
	s.onFlowControlled = s.onFlowControlled[:i]
}

// dispatchAction applies a flow-control action produced by the BDP
// pipeline or inbound window accounting.
func (t *Transport) dispatchAction(s *Stream, a flowcontrol.Action) {
	if a.Empty() {
		return
	}
	urgent := false
	if a.SendStreamUpdate != flowcontrol.NoAction && s != nil {
		t.writable.push(s)
		urgent = urgent || a.SendStreamUpdate == flowcontrol.UpdateImmediately
	}
	if a.SendTransportUpdate != flowcontrol.NoAction {
		if w := t.tfc.Reset(); w > 0 {
			t.queueInduced(inducedFrame{kind: inducedWindowUpdate, streamID: 0, increment: w})
		}
		urgent = urgent || a.SendTransportUpdate == flowcontrol.UpdateImmediately
	}
	var settings []http2.Setting
	if a.SendInitialWindowUpdate != flowcontrol.NoAction {
		t.updateLocalWindow(a.InitialWindowSize)
		settings = append(settings, http2.Setting{
			ID: http2.SettingInitialWindowSize, Val: a.InitialWindowSize,
		})
		urgent = urgent || a.SendInitialWindowUpdate == flowcontrol.UpdateImmediately
	}
	if a.SendMaxFrameSizeUpdate != flowcontrol.NoAction {
		settings = append(settings, http2.Setting{
			ID: http2.SettingMaxFrameSize,
			Val: clampUint32(a.MaxFrameSize, minMaxFrameSize, maxMaxFrameSize),
		})
		urgent = urgent || a.SendMaxFrameSizeUpdate == flowcontrol.UpdateImmediately
	}
	if a.SendRxCryptoFrameSizeUpdate != flowcontrol.NoAction && t.cfg.rxCryptoFrameSize != 0 {
		settings = append(settings, http2.Setting{
			ID: settingPreferredRxCryptoFrameSize, Val: a.RxCryptoFrameSize,
		})
		urgent = urgent || a.SendRxCryptoFrameSizeUpdate == flowcontrol.UpdateImmediately
	}
	if len(settings) > 0 {
		t.queueInduced(inducedFrame{kind: inducedSettings, settings: settings})
	}
	if urgent {
		t.initiateWrite("flow_control_action")
	}
}

// updateLocalWindow raises the local per-stream window and tops up the
// connection window to match, announcing the delta for live streams.
func (t *Transport) updateLocalWindow(n uint32) {
	if n == t.initialWindowSize {
		return
	}
	for _, s := range t.streams {
		if s.fc == nil {
			continue
		}
		if w := s.fc.NewLimit(n); w > 0 {
			t.queueInduced(inducedFrame{kind: inducedWindowUpdate, streamID: s.Id, increment: w})
		}
	}
	t.initialWindowSize = n
	if w := t.tfc.NewLimit(n); w > 0 {
		t.queueInduced(inducedFrame{kind: inducedWindowUpdate, streamID: 0, increment: w})
	}
}
