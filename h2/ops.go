package h2

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"github.com/costinm/h2transport/flowcontrol"
)

// WriteFlags modify how a send_message op completes.
type WriteFlags uint8

const (
	// WriteBufferHint lets the transport delay flushing and fires the
	// message completion early, while the data may still be buffered.
	WriteBufferHint WriteFlags = 1 << iota
	// WriteThrough makes the completion wait for the bytes to be
	// admitted into transport flow control rather than written to the
	// wire.
	WriteThrough
)

// SendMessage is one outbound message with its framing flags.
type SendMessage struct {
	Data []byte
	// Compressed sets the gRPC framing compressed-flag byte.
	Compressed bool
	Flags      WriteFlags
	// OnSent fires according to Flags: by default when the message
	// bytes hit the wire.
	OnSent func(error)
}

// OpBatch carries any subset of stream operations; ops are processed
// in the fixed order cancel, send_initial_metadata, send_message,
// send_trailing_metadata, recv_initial_metadata, recv_message,
// recv_trailing_metadata, then the on_complete barrier is released.
type OpBatch struct {
	Cancel *Status

	SendInitialMetadata    http.Header
	HasSendInitialMetadata bool

	SendMessage    *SendMessage
	SendTrailingMetadata    http.Header
	HasSendTrailingMetadata bool

	RecvInitialMetadata  *MetadataRecv
	RecvMessage          *MessageRecv
	RecvTrailingMetadata *TrailerRecv

	// OnComplete fires once every send op in the batch has completed,
	// with the accumulated error (nil on all-success).
	OnComplete func(error)
}

// opBarrier is the on_complete closure barrier: one ref per send op
// plus the initial ref; the last release fires the callback with the
// merged error. With coversWrite set, firing defers to the end of the
// in-flight write so the application never observes a send completion
// before its bytes are out.
type opBarrier struct {
	refs        int
	err         error
	f           func(error)
	coversWrite bool
}

func (t *Transport) newBarrier(f func(error), coversWrite bool) *opBarrier {
	return &opBarrier{refs: 1, f: f, coversWrite: coversWrite}
}

func (b *opBarrier) ref() { b.refs++ }

func (b *opBarrier) release(t *Transport, err error) {
	b.err = multierr.Append(b.err, err)
	b.refs--
	if b.refs != 0 {
		return
	}
	f := b.f
	err = b.err
	if f == nil {
		return
	}
	if b.coversWrite && t.writeState != writeIdle {
		t.runAfterWrite = append(t.runAfterWrite, func() { f(err) })
		return
	}
	f(err)
}

// InitStream creates a client stream. The stream is unadmitted (id 0)
// until send_initial_metadata triggers id assignment under the peer's
// concurrency limit.
func (t *Transport) InitStream(ctx context.Context, hdr *CallHdr) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Stream{
		t:    t,
		ctx:  ctx,
		done: make(chan struct{}),
		hdr:  hdr,
	}
	if hdr != nil {
		s.Path = hdr.Path
		s.Authority = hdr.Authority
	}
	if dl, ok := ctx.Deadline(); ok {
		s.deadline = dl
	}
	return s
}

// newServerStream builds the stream object for an inbound HEADERS
// frame; runs under the combiner.
func (t *Transport) newServerStream(id uint32) *Stream {
	s := &Stream{
		Id:         id,
		t:          t,
		ctx:        context.Background(),
		done:       make(chan struct{}),
		sendWindow: int32(t.peerInitialWindow),
		fc:         flowcontrol.NewStreamFlow(t.initialWindowSize),
	}
	return s
}

// DestroyStream releases the caller's ownership. Destruction requires
// the stream to be fully closed or never admitted; latched closures
// have all fired by then.
func (t *Transport) DestroyStream(s *Stream) {
	t.c.Run(func() {
		if s.Id != 0 {
			t.deleteStream(s)
			return
		}
		t.waitingForConcurrency.remove(s)
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	})
}

// PerformStreamOp submits an op batch. Processing happens under the
// combiner; completion closures fire from there.
func (t *Transport) PerformStreamOp(s *Stream, b *OpBatch) {
	// Snapshot caller-owned metadata before crossing goroutines.
	if b.HasSendInitialMetadata {
		b.SendInitialMetadata = cloneHeader(b.SendInitialMetadata)
	}
	if b.HasSendTrailingMetadata {
		b.SendTrailingMetadata = cloneHeader(b.SendTrailingMetadata)
	}
	t.c.Run(func() { t.performStreamOpLocked(s, b) })
}

func (t *Transport) performStreamOpLocked(s *Stream, b *OpBatch) {
	barrier := t.newBarrier(b.OnComplete, b.SendMessage != nil || b.HasSendTrailingMetadata)

	if b.Cancel != nil {
		t.cancelStreamLocked(s, b.Cancel, true)
	}

	if b.HasSendInitialMetadata && b.Cancel == nil {
		t.opSendInitialMetadata(s, b.SendInitialMetadata, barrier)
	}

	if b.SendMessage != nil && b.Cancel == nil {
		t.opSendMessage(s, b.SendMessage, barrier)
	}

	if b.HasSendTrailingMetadata && b.Cancel == nil {
		t.opSendTrailingMetadata(s, b.SendTrailingMetadata, barrier)
	}

	if b.RecvInitialMetadata != nil {
		s.recvInitialMD = b.RecvInitialMetadata
		t.maybeCompleteRecvInitialMetadata(s)
	}

	if b.RecvMessage != nil {
		s.recvMessage = b.RecvMessage
		t.maybeCompleteRecvTrailingMetadata(s)
	}

	if b.RecvTrailingMetadata != nil {
		s.recvTrailer = b.RecvTrailingMetadata
		s.finalMetadataRequested = true
		t.maybeCompleteRecvTrailingMetadata(s)
	}

	barrier.release(t, nil)
}

func (t *Transport) opSendInitialMetadata(s *Stream, md http.Header, barrier *opBarrier) {
	if s.sendInitialMDSet {
		t.log.Error("duplicate send_initial_metadata", zap.Uint32("stream", s.Id))
		barrier.ref()
		barrier.release(t, statusf(codes.Internal, "transport: initial metadata sent twice"))
		return
	}
	if s.writeClosed {
		barrier.ref()
		barrier.release(t, &Status{
			Code:    codes.Unavailable,
			Message: "transport: stream write closed",
			Err:     s.writeCloseErr,
		})
		return
	}
	s.sendInitialMD = md
	s.sendInitialMDSet = true

	if t.side == ClientSide {
		if s.Id == 0 {
			if t.closedWithError != nil {
				t.cancelStreamLocked(s, t.closedWithError, false)
				return
			}
			if t.goawayReceived {
				st := statusf(codes.Unavailable, "the connection is draining")
				st.NetworkState = NetworkStateNotSentOnWire
				t.cancelStreamLocked(s, st, false)
				return
			}
			t.waitingForConcurrency.push(s)
			t.maybeStartSomeStreams()
			return
		}
	}
	t.markWritable(s, "send_initial_metadata")
}

func (t *Transport) opSendMessage(s *Stream, m *SendMessage, barrier *opBarrier) {
	if s.writeClosed {
		// Not an error: the op completes immediately and reports the
		// closed write through the stream, not the batch.
		t.fireClosure(m.OnSent, nil)
		return
	}
	// 5-byte gRPC message framing: flag + big-endian length.
	hdr := make([]byte, 5)
	if m.Compressed {
		hdr[0] = 1
	}
	n := len(m.Data)
	hdr[1] = byte(n >> 24)
	hdr[2] = byte(n >> 16)
	hdr[3] = byte(n >> 8)
	hdr[4] = byte(n)
	s.sendBuf.put(hdr)
	if n > 0 {
		s.sendBuf.put(m.Data)
	}
	s.bytesFlowControlled += int64(5 + n)
	s.Stats.MessagesSent++

	if m.OnSent != nil {
		notifyOffset := s.bytesWritten + int64(s.sendBuf.len())
		if m.Flags&WriteBufferHint != 0 {
			// Fire early: the application gets its completion while
			// the tail may still sit in the stream buffer.
			notifyOffset -= int64(t.cfg.writeBufferSize)
			if notifyOffset < 0 {
				notifyOffset = 0
			}
		}
		oc := offsetClosure{offset: notifyOffset, f: m.OnSent}
		if m.Flags&WriteThrough == 0 {
			s.onWriteFinished = append(s.onWriteFinished, oc)
		} else {
			oc.offset = s.bytesFlowControlled
			s.onFlowControlled = append(s.onFlowControlled, oc)
			t.fireFlowControlledClosures(s)
		}
	}
	barrier.ref()
	barrier.release(t, nil)
	t.markWritable(s, "send_message")
}

func (t *Transport) opSendTrailingMetadata(s *Stream, md http.Header, barrier *opBarrier) {
	if s.writeClosed {
		barrier.ref()
		if len(md) == 0 {
			barrier.release(t, nil)
		} else {
			barrier.release(t, statusf(codes.Unavailable,
				"transport: trailing metadata after write close"))
		}
		return
	}
	s.sendTrailingMD = md
	s.sendTrailingSet = true
	s.eosQueued = true
	barrier.ref()
	barrier.release(t, nil)
	t.markWritable(s, "send_trailing_metadata")
}

// HalfClose queues END_STREAM after any buffered data (client side
// "finished sending" without a trailer batch).
func (t *Transport) HalfClose(s *Stream) {
	t.c.Run(func() {
		if s.writeClosed || s.eosQueued {
			return
		}
		s.eosQueued = true
		t.markWritable(s, "half_close")
	})
}

// sendTrailingStatus extracts the status to serialize in trailers.
func (s *Stream) sendTrailingStatus() *Status {
	if v := s.sendTrailingMD.Get("grpc-status"); v != "" {
		code := codes.OK
		if n, err := parseUint32(v); err == nil {
			code = codes.Code(n)
		}
		return &Status{Code: code, Message: decodeGrpcMessage(s.sendTrailingMD.Get("grpc-message"))}
	}
	return statusf(codes.OK, "")
}

func parseUint32(v string) (uint32, error) {
	var n uint64
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < '0' || c > '9' {
			return 0, statusf(codes.Internal, "transport: malformed integer %q", v)
		}
		n = n*10 + uint64(c-'0')
		if n > 1<<32-1 {
			return 0, statusf(codes.Internal, "transport: integer overflow in %q", v)
		}
	}
	return uint32(n), nil
}

// headerFields builds the HEADERS field list for a stream's initial
// metadata: pseudo headers on the client, :status on the server, then
// the application metadata.
func (t *Transport) headerFields(s *Stream) []hpack.HeaderField {
	var fields []hpack.HeaderField
	if t.side == ClientSide {
		hdr := s.hdr
		if hdr == nil {
			hdr = &CallHdr{}
		}
		method := hdr.Method
		if method == "" {
			method = "POST"
		}
		scheme := hdr.Scheme
		if scheme == "" {
			scheme = "http"
		}
		authority := hdr.Authority
		if authority == "" {
			authority = t.peerAddr()
		}
		ct := hdr.ContentType
		if ct == "" {
			ct = "application/grpc"
		}
		fields = append(fields,
			hpack.HeaderField{Name: ":method", Value: method},
			hpack.HeaderField{Name: ":scheme", Value: scheme},
			hpack.HeaderField{Name: ":path", Value: hdr.Path},
			hpack.HeaderField{Name: ":authority", Value: authority},
			hpack.HeaderField{Name: "content-type", Value: ct},
			hpack.HeaderField{Name: "te", Value: "trailers"},
		)
		if t.cfg.userAgent != "" {
			fields = append(fields, hpack.HeaderField{Name: "user-agent", Value: t.cfg.userAgent})
		}
		if !s.deadline.IsZero() {
			fields = append(fields, hpack.HeaderField{
				Name: "grpc-timeout", Value: encodeTimeout(time.Until(s.deadline)),
			})
		}
	} else {
		fields = append(fields,
			hpack.HeaderField{Name: ":status", Value: "200"},
			hpack.HeaderField{Name: "content-type", Value: "application/grpc"},
		)
	}
	return t.appendMetadata(fields, s.sendInitialMD)
}

func (t *Transport) appendMetadata(fields []hpack.HeaderField, md http.Header) []hpack.HeaderField {
	for k, vv := range md {
		lk := strings.ToLower(k)
		if isReservedHeader(lk) && !strings.HasSuffix(lk, binHdrSuffix) {
			continue
		}
		for _, v := range vv {
			fields = append(fields, hpack.HeaderField{
				Name:  lk,
				Value: encodeMetadataHeader(lk, v, t.peerAllowsTrueBinary),
			})
		}
	}
	return fields
}

// checkSendHeaderListSize enforces the peer's advertised
// MAX_HEADER_LIST_SIZE on outbound header lists; violating it fails
// the stream, not the connection.
func (t *Transport) checkSendHeaderListSize(fields []hpack.HeaderField) error {
	if t.peerMaxHeaderListSize == ^uint32(0) {
		return nil
	}
	var sz int64
	for _, f := range fields {
		if sz += int64(f.Size()); sz > int64(t.peerMaxHeaderListSize) {
			return statusf(codes.ResourceExhausted,
				"transport: header list size to send violates the maximum size (%d bytes) set by peer",
				t.peerMaxHeaderListSize)
		}
	}
	return nil
}
