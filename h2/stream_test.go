package h2

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteQueueTake(t *testing.T) {
	t.Parallel()
	var q byteQueue
	q.put([]byte("hello"))
	q.put([]byte(" "))
	q.put([]byte("world"))
	assert.Equal(t, 11, q.len())

	assert.Equal(t, []byte("hel"), q.take(3))
	assert.Equal(t, []byte("lo w"), q.take(4))
	assert.Equal(t, []byte("orld"), q.take(10))
	assert.Zero(t, q.len())
	assert.Nil(t, q.take(1))
}

func TestByteQueueReset(t *testing.T) {
	t.Parallel()
	var q byteQueue
	q.put([]byte("abc"))
	q.reset()
	assert.Zero(t, q.len())
	q.put([]byte("d"))
	assert.Equal(t, []byte("d"), q.take(1))
}

func TestStreamListMembershipAtMostOnce(t *testing.T) {
	t.Parallel()
	l := streamList{id: listWritable}
	a, b, c := &Stream{Id: 1}, &Stream{Id: 3}, &Stream{Id: 5}

	require.True(t, l.push(a))
	require.True(t, l.push(b))
	assert.False(t, l.push(a), "double push must be a no-op")
	require.True(t, l.push(c))

	// FIFO order.
	assert.Same(t, a, l.pop())
	assert.Same(t, b, l.pop())
	assert.False(t, a.inList[listWritable])

	// Remove from the middle.
	require.True(t, l.push(a))
	require.True(t, l.remove(c))
	assert.False(t, l.remove(c))
	assert.Same(t, a, l.pop())
	assert.True(t, l.empty())
}

func TestStreamListIndependentLists(t *testing.T) {
	t.Parallel()
	w := streamList{id: listWritable}
	st := streamList{id: listStalledByTransport}
	s := &Stream{Id: 1}
	require.True(t, w.push(s))
	require.True(t, st.push(s), "membership is per list")
	require.True(t, w.remove(s))
	assert.True(t, s.inList[listStalledByTransport])
	assert.False(t, s.inList[listWritable])
}

// gateTransport builds a transport that is never started; gates and op
// dispatch run through the combiner without touching an endpoint.
func gateTransport(side Side) *Transport {
	return NewTransport(side, Options{})
}

func TestRecvInitialMetadataGate(t *testing.T) {
	t.Parallel()
	tr := gateTransport(ClientSide)
	s := tr.InitStream(nil, &CallHdr{Path: "/x"})

	var got http.Header
	fired := 0
	tr.c.Run(func() {
		s.recvInitialMD = &MetadataRecv{}
		// Not published yet: must not fire.
		tr.maybeCompleteRecvInitialMetadata(s)
		require.NotNil(t, s.recvInitialMD)

		s.recvInitialMD = &MetadataRecv{
			Dest:  &got,
			Ready: func(err error) { fired++; require.NoError(t, err) },
		}
		s.initialMD = http.Header{"k": {"v"}}
		s.publishedInitial = publishedFromWire
		tr.maybeCompleteRecvInitialMetadata(s)
		// Latch consumed; a second pass is a no-op.
		tr.maybeCompleteRecvInitialMetadata(s)
	})
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"v"}, got["k"])
}

func TestRecvMessageGateDeframing(t *testing.T) {
	t.Parallel()
	tr := gateTransport(ClientSide)
	s := tr.InitStream(nil, &CallHdr{})

	var msg []byte
	fired := 0
	tr.c.Run(func() {
		s.recvMessage = &MessageRecv{Msg: &msg, Ready: func(err error) {
			fired++
			require.NoError(t, err)
		}}
		// Header split across two chunks, then the payload.
		s.frameStorage.put([]byte{0, 0, 0})
		tr.maybeCompleteRecvMessage(s)
		require.Zero(t, fired)
		s.frameStorage.put([]byte{0, 5})
		tr.maybeCompleteRecvMessage(s)
		require.Zero(t, fired, "payload not yet available")
		s.frameStorage.put([]byte("world"))
		tr.maybeCompleteRecvMessage(s)
	})
	assert.Equal(t, 1, fired)
	assert.Equal(t, []byte("world"), msg)
}

func TestRecvMessageGateEndOfStream(t *testing.T) {
	t.Parallel()
	tr := gateTransport(ClientSide)
	s := tr.InitStream(nil, &CallHdr{})

	var msg []byte
	fired := 0
	tr.c.Run(func() {
		s.markReadClosed(nil)
		s.recvMessage = &MessageRecv{Msg: &msg, Ready: func(err error) {
			fired++
			require.NoError(t, err)
		}}
		tr.maybeCompleteRecvMessage(s)
	})
	assert.Equal(t, 1, fired)
	assert.Nil(t, msg, "end of stream delivers no message")
}

func TestRecvMessageGateBadFlagSynthesizesTrailers(t *testing.T) {
	t.Parallel()
	tr := gateTransport(ClientSide)
	s := tr.InitStream(nil, &CallHdr{})

	var msg []byte
	tr.c.Run(func() {
		s.recvMessage = &MessageRecv{Msg: &msg, Ready: func(err error) {}}
		s.frameStorage.put([]byte{0xFF, 0, 0, 0, 1, 'x'})
		tr.maybeCompleteRecvMessage(s)
	})
	assert.True(t, s.seenError)
	assert.True(t, s.readClosed)
	assert.NotEqual(t, notPublished, s.publishedTrailer)
	assert.Zero(t, s.frameStorage.len(), "buffered bytes dropped on error")
}

func TestRecvTrailingGateWaitsForBothHalves(t *testing.T) {
	t.Parallel()
	tr := gateTransport(ClientSide)
	s := tr.InitStream(nil, &CallHdr{})

	fired := 0
	var st *Status
	tr.c.Run(func() {
		s.recvTrailer = &TrailerRecv{Status: &st, Ready: func(err error) { fired++ }}
		s.finalMetadataRequested = true
		s.markReadClosed(nil)
		tr.maybeCompleteRecvTrailingMetadata(s)
		require.Zero(t, fired, "write half still open")
		s.markWriteClosed(nil)
		tr.maybeCompleteRecvTrailingMetadata(s)
	})
	assert.Equal(t, 1, fired)
	require.NotNil(t, st)
	assert.True(t, st.OK())
}

func TestSynthesizedTrailersCarryStatus(t *testing.T) {
	t.Parallel()
	s := &Stream{}
	s.synthesizeTrailers(statusf(14, "boom"), publishedAtClose)
	assert.Equal(t, "14", s.trailingMD.Get("grpc-status"))
	assert.Equal(t, "boom", s.trailingMD.Get("grpc-message"))
	// Set once.
	s.synthesizeTrailers(statusf(0, ""), publishedFromWire)
	assert.Equal(t, "14", s.trailingMD.Get("grpc-status"))
}
