package h2

import (
	"context"
	"encoding/binary"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/costinm/h2transport/flowcontrol"
)

// publishState tracks how a metadata slot (initial or trailing) was
// filled toward the receiving application.
type publishState uint8

const (
	notPublished publishState = iota
	// publishedFromWire: real HEADERS arrived from the peer.
	publishedFromWire
	// synthesizedFromFake: made up locally, e.g. from an HTTP/1 error
	// response.
	synthesizedFromFake
	// publishedAtClose: synthesized when the stream closed without
	// wire metadata.
	publishedAtClose
)

// streamListID names the intrusive lists a stream can be a member of.
type streamListID int

const (
	// listWritable: streams with pending intents for the next write.
	listWritable streamListID = iota
	// listStalledByTransport: writable but blocked on the connection
	// window.
	listStalledByTransport
	// listWaitingForConcurrency: client streams waiting for an id
	// under MAX_CONCURRENT_STREAMS.
	listWaitingForConcurrency

	streamListCount
)

type streamLink struct {
	next, prev *Stream
}

// streamList is an intrusive FIFO. A stream is on each list at most
// once; push on a member is a no-op returning false.
type streamList struct {
	id         streamListID
	head, tail *Stream
}

func (l *streamList) push(s *Stream) bool {
	if s.inList[l.id] {
		return false
	}
	s.inList[l.id] = true
	s.links[l.id] = streamLink{prev: l.tail}
	if l.tail != nil {
		l.tail.links[l.id].next = s
	} else {
		l.head = s
	}
	l.tail = s
	return true
}

func (l *streamList) pop() *Stream {
	s := l.head
	if s == nil {
		return nil
	}
	l.remove(s)
	return s
}

func (l *streamList) remove(s *Stream) bool {
	if !s.inList[l.id] {
		return false
	}
	lk := s.links[l.id]
	if lk.prev != nil {
		lk.prev.links[l.id].next = lk.next
	} else {
		l.head = lk.next
	}
	if lk.next != nil {
		lk.next.links[l.id].prev = lk.prev
	} else {
		l.tail = lk.prev
	}
	s.links[l.id] = streamLink{}
	s.inList[l.id] = false
	return true
}

func (l *streamList) empty() bool { return l.head == nil }

// byteQueue is a FIFO of byte slices with cheap length accounting.
// Slices are held by reference until consumed.
type byteQueue struct {
	bufs [][]byte
	// off is the consumed prefix of bufs[0].
	off  int
	size int
}

func (q *byteQueue) put(b []byte) {
	if len(b) == 0 {
		return
	}
	q.bufs = append(q.bufs, b)
	q.size += len(b)
}

func (q *byteQueue) len() int { return q.size }

// take removes and returns up to n bytes. The result aliases queue
// storage only when it fits in one chunk.
func (q *byteQueue) take(n int) []byte {
	if n > q.size {
		n = q.size
	}
	if n == 0 {
		return nil
	}
	if first := q.bufs[0][q.off:]; len(first) >= n {
		out := first[:n]
		q.off += n
		q.size -= n
		if q.off == len(q.bufs[0]) {
			q.bufs[0] = nil
			q.bufs = q.bufs[1:]
			q.off = 0
		}
		return out
	}
	out := make([]byte, 0, n)
	for n > 0 {
		first := q.bufs[0][q.off:]
		take := len(first)
		if take > n {
			take = n
		}
		out = append(out, first[:take]...)
		q.off += take
		q.size -= take
		n -= take
		if q.off == len(q.bufs[0]) {
			q.bufs[0] = nil
			q.bufs = q.bufs[1:]
			q.off = 0
		}
	}
	return out
}

func (q *byteQueue) reset() {
	q.bufs = nil
	q.off = 0
	q.size = 0
}

// offsetClosure fires when the stream's outbound byte offset passes a
// threshold.
type offsetClosure struct {
	offset int64
	f      func(error)
}

// CallHdr carries the information needed to open a client stream.
type CallHdr struct {
	// Path is the RPC path, e.g. "/svc/Method".
	Path string
	// Authority of the request; falls back to the peer address.
	Authority string
	// Method defaults to POST.
	Method string
	// Scheme defaults to http.
	Scheme string
	// ContentType defaults to application/grpc.
	ContentType string
}

// Stream represents one RPC in the transport layer.
//
// Everything in a Stream is owned by its transport's combiner except
// the few fields documented as set at creation. The stream itself is
// owned by the caller: the transport's stream map holds a non-owning
// reference, and the caller must eventually call DestroyStream.
type Stream struct {
	// Id is 0 until the stream is admitted (client streams wait for
	// concurrency quota before receiving one).
	Id uint32

	t *Transport

	// ctx supplies the deadline; set at creation.
	ctx context.Context
	// done is closed when the stream is fully closed.
	done chan struct{}

	hdr *CallHdr
	// Path, Authority and Method of an accepted server stream.
	Path      string
	Authority string
	Method    string

	links  [streamListCount]streamLink
	inList [streamListCount]bool

	// ---- send side ----
	sendInitialMD     http.Header
	sendInitialMDSet  bool
	sendInitialMDSent bool
	sendBuf           byteQueue
	sendTrailingMD    http.Header
	sendTrailingSet   bool
	sendTrailingSent  bool
	// eosQueued is set once the last byte of application data has been
	// admitted; END_STREAM rides the frame that drains sendBuf.
	eosQueued bool
	eosSent   bool

	// sendWindow is the peer-granted per-stream window; it may go
	// negative when the peer shrinks INITIAL_WINDOW_SIZE.
	sendWindow int32

	// bytesWritten is the stream offset written to the wire;
	// bytesFlowControlled is the offset admitted into transport flow
	// control.
	bytesWritten        int64
	bytesFlowControlled int64
	onWriteFinished     []offsetClosure
	onFlowControlled    []offsetClosure

	// ---- receive side ----
	fc           *flowcontrol.StreamFlow
	frameStorage byteQueue
	// deframe state: 5-byte header parsed, payload pending.
	msgLen       uint32
	msgFlags     byte
	msgHdrParsed bool
	minProgress  int64

	initialMD        http.Header
	trailingMD       http.Header
	publishedInitial publishState
	publishedTrailer publishState

	recvInitialMD *MetadataRecv
	recvMessage   *MessageRecv
	recvTrailer   *TrailerRecv
	// finalMetadataRequested records that the caller asked for
	// trailers; a later error then replaces any buffered message.
	finalMetadataRequested bool

	// ---- lifecycle ----
	readClosed    bool
	readCloseErr  *Status
	writeClosed   bool
	writeCloseErr *Status
	seenError     bool
	eosReceived   bool

	// status as received in trailers or synthesized at close.
	status *Status

	deadline time.Time

	// Stats visible to the upper layer after trailers.
	Stats StreamStats
}

// StreamStats is the per-stream accounting surfaced with trailers.
type StreamStats struct {
	BytesSent     int64
	BytesReceived int64
	MessagesSent  int64
	MessagesRecv  int64
}

// MetadataRecv latches the destination slot and ready closure for
// initial metadata.
type MetadataRecv struct {
	Dest  *http.Header
	Ready func(error)
}

// MessageRecv latches the destination for the next deframed message.
// After Ready(nil), a nil *Msg means the stream is read-closed with no
// message remaining.
type MessageRecv struct {
	Msg   *[]byte
	Ready func(error)
}

// TrailerRecv latches the destinations for trailing metadata, final
// status and stats.
type TrailerRecv struct {
	Dest   *http.Header
	Status **Status
	Stats  *StreamStats
	Ready  func(error)
}

// Context returns the stream context.
func (s *Stream) Context() context.Context { return s.ctx }

// Done is closed once the stream is fully closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) fullyClosed() bool { return s.readClosed && s.writeClosed }

// markReadClosed sets the read half closed with st, once.
func (s *Stream) markReadClosed(st *Status) {
	if s.readClosed {
		return
	}
	s.readClosed = true
	s.readCloseErr = st
	if st != nil && !st.OK() {
		s.seenError = true
	}
}

func (s *Stream) markWriteClosed(st *Status) {
	if s.writeClosed {
		return
	}
	s.writeClosed = true
	s.writeCloseErr = st
	if st != nil && !st.OK() {
		s.seenError = true
	}
}

// synthesizeTrailers fills the trailing-metadata slot from st when the
// stream closes without wire trailers.
func (s *Stream) synthesizeTrailers(st *Status, how publishState) {
	if s.publishedTrailer != notPublished {
		return
	}
	s.publishedTrailer = how
	if st == nil {
		st = statusf(codes.OK, "")
	}
	s.status = st
	md := http.Header{}
	md.Set("grpc-status", strconv.Itoa(int(st.Code)))
	if st.Message != "" {
		md.Set("grpc-message", encodeGrpcMessage(st.Message))
	}
	s.trailingMD = md
}

// ---- receive completion gates ----
//
// The three gates below keep the upper layer's ready closures firing
// in order: initial metadata, then messages, then trailing metadata.
// All run under the combiner.

func (t *Transport) maybeCompleteRecvInitialMetadata(s *Stream) {
	r := s.recvInitialMD
	if r == nil || s.publishedInitial == notPublished {
		return
	}
	s.recvInitialMD = nil
	if r.Dest != nil {
		*r.Dest = s.initialMD
	}
	t.fireClosure(r.Ready, nil)
}

// maybeCompleteRecvMessage drains the stream's accumulated bytes
// through the deframer. It makes a single completion decision at the
// end: deliver a message, deliver end-of-stream, or keep waiting with
// a minimum-progress hint.
func (t *Transport) maybeCompleteRecvMessage(s *Stream) {
	r := s.recvMessage
	if r == nil {
		return
	}

	var (
		deliver    []byte
		haveMsg    bool
		endOfData  bool
		deframeErr *Status
	)
	for {
		if !s.msgHdrParsed {
			if s.frameStorage.len() < 5 {
				break
			}
			hdr := s.frameStorage.take(5)
			s.msgFlags = hdr[0]
			s.msgLen = binary.BigEndian.Uint32(hdr[1:])
			if s.msgFlags > 1 {
				deframeErr = statusf(codes.Internal,
					"transport: invalid compressed flag %d in message header", s.msgFlags)
				break
			}
			s.msgHdrParsed = true
		}
		if s.frameStorage.len() < int(s.msgLen) {
			break
		}
		deliver = s.frameStorage.take(int(s.msgLen))
		if deliver == nil {
			deliver = []byte{}
		}
		haveMsg = true
		s.msgHdrParsed = false
		break
	}

	switch {
	case deframeErr != nil:
		s.seenError = true
		s.frameStorage.reset()
		s.msgHdrParsed = false
		s.markReadClosed(deframeErr)
		s.synthesizeTrailers(deframeErr, publishedAtClose)
		endOfData = true
	case haveMsg:
		// completion below
	case s.readClosed:
		if s.frameStorage.len() != 0 && !s.seenError {
			// The peer half-closed mid-message.
			deframeErr = statusf(codes.Internal,
				"transport: stream closed with truncated message")
			s.seenError = true
			s.msgHdrParsed = false
			s.synthesizeTrailers(deframeErr, publishedAtClose)
		}
		s.frameStorage.reset()
		endOfData = true
	default:
		// Need more bytes: record how many would make progress.
		want := int64(5)
		if s.msgHdrParsed {
			want = int64(s.msgLen) - int64(s.frameStorage.len())
		}
		s.minProgress = want
		return
	}

	if s.finalMetadataRequested && s.seenError {
		// An error replaces any buffered message.
		deliver = nil
		haveMsg = false
		endOfData = true
	}

	s.recvMessage = nil
	if haveMsg && !endOfData {
		s.Stats.MessagesRecv++
		if r.Msg != nil {
			*r.Msg = deliver
		}
		t.fireClosure(r.Ready, nil)
		return
	}
	if r.Msg != nil {
		*r.Msg = nil
	}
	t.fireClosure(r.Ready, nil)
}

func (t *Transport) maybeCompleteRecvTrailingMetadata(s *Stream) {
	t.maybeCompleteRecvMessage(s)
	r := s.recvTrailer
	if r == nil {
		return
	}
	if !(s.readClosed && s.writeClosed) {
		return
	}
	if s.frameStorage.len() != 0 {
		// Residual frame bytes are dropped when the stream errored or
		// when we are the server; otherwise a recv_message op still
		// gets to consume them.
		if !s.seenError && t.side != ServerSide {
			return
		}
		s.frameStorage.reset()
	}
	if s.publishedTrailer == notPublished {
		s.synthesizeTrailers(s.status, publishedAtClose)
	}
	s.recvTrailer = nil
	if r.Dest != nil {
		*r.Dest = s.trailingMD
	}
	if r.Status != nil {
		st := s.status
		if st == nil {
			st = statusf(codes.OK, "")
		}
		*r.Status = st
	}
	if r.Stats != nil {
		*r.Stats = s.Stats
	}
	t.fireClosure(r.Ready, nil)
}

// runRecvGates runs all gates; cheap when nothing is latched.
func (t *Transport) runRecvGates(s *Stream) {
	t.maybeCompleteRecvInitialMetadata(s)
	t.maybeCompleteRecvTrailingMetadata(s)
}

// fireClosure invokes a ready/complete closure. Closures run inline on
// the combiner; upper-layer callbacks must not block.
func (t *Transport) fireClosure(f func(error), err error) {
	if f == nil {
		return
	}
	f(err)
}
