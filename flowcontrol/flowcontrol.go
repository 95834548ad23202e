// Package flowcontrol implements HTTP/2 flow-control accounting for a
// transport and its streams: inbound window bookkeeping (when to send
// WINDOW_UPDATE), outbound write quota (blocking senders until the peer
// opens the window), and the action values used to carry window/setting
// adjustments back into the transport's write path.
package flowcontrol

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Urgency says how an Action channel should be applied.
type Urgency uint8

const (
	// NoAction skips the channel entirely.
	NoAction Urgency = iota
	// QueueUpdate applies the change but does not initiate a write; the
	// update rides whatever write happens next.
	QueueUpdate
	// UpdateImmediately applies the change and requires the caller to
	// initiate a write.
	UpdateImmediately
)

func (u Urgency) String() string {
	switch u {
	case NoAction:
		return "no-action"
	case QueueUpdate:
		return "queue-update"
	case UpdateImmediately:
		return "update-immediately"
	}
	return fmt.Sprintf("urgency(%d)", uint8(u))
}

// Action is produced by window accounting and by the BDP estimator. The
// transport dispatches it under its combiner: each channel with urgency
// UpdateImmediately triggers a write for that reason, QueueUpdate only
// records the new value.
type Action struct {
	SendStreamUpdate        Urgency
	SendTransportUpdate     Urgency
	SendInitialWindowUpdate Urgency
	SendMaxFrameSizeUpdate  Urgency
	// SendRxCryptoFrameSizeUpdate is only honored when the transport was
	// built with the preferred-rx-crypto-frame-size feature enabled.
	SendRxCryptoFrameSizeUpdate Urgency

	InitialWindowSize uint32
	MaxFrameSize      uint32
	RxCryptoFrameSize uint32
}

// Empty reports whether the action carries no work.
func (a Action) Empty() bool {
	return a.SendStreamUpdate == NoAction &&
		a.SendTransportUpdate == NoAction &&
		a.SendInitialWindowUpdate == NoAction &&
		a.SendMaxFrameSizeUpdate == NoAction &&
		a.SendRxCryptoFrameSizeUpdate == NoAction
}

// TransportFlow tracks the connection-level inbound window. A
// WINDOW_UPDATE for stream 0 is produced once a quarter of the window
// has been consumed, decoupled from application reads so slow streams
// cannot starve fast ones.
type TransportFlow struct {
	mu      sync.Mutex
	limit   uint32
	unacked uint32
}

func NewTransportFlow(limit uint32) *TransportFlow {
	return &TransportFlow{limit: limit}
}

// NewLimit raises the connection window to n and returns the increment
// to announce to the peer; shrinking announces nothing.
func (f *TransportFlow) NewLimit(n uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := int64(n) - int64(f.limit)
	f.limit = n
	if d <= 0 {
		return 0
	}
	return uint32(d)
}

// OnData records n inbound flow-controlled bytes and returns a non-zero
// WINDOW_UPDATE increment when enough has accumulated.
func (f *TransportFlow) OnData(n uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unacked += n
	if f.unacked >= f.limit/4 {
		w := f.unacked
		f.unacked = 0
		return w
	}
	return 0
}

// Reset flushes the accumulated unacked bytes, returning them as an
// increment. Used before a BDP ping so the probe is not mistaken for
// an abusive ping by proxies.
func (f *TransportFlow) Reset() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.unacked
	f.unacked = 0
	return w
}

// Limit returns the current connection window limit.
func (f *TransportFlow) Limit() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

// StreamFlow tracks the inbound window of one stream.
//
// pendingData counts bytes received but not yet read by the
// application; pendingUpdate counts bytes read but not yet announced in
// a WINDOW_UPDATE. delta is the temporary enlargement produced by
// MaybeAdjust for oversized application reads.
type StreamFlow struct {
	mu            sync.Mutex
	limit         uint32
	pendingData   uint32
	pendingUpdate uint32
	delta         uint32
}

func NewStreamFlow(limit uint32) *StreamFlow {
	return &StreamFlow{limit: limit}
}

// NewLimit updates the allowed window and returns the increment to
// announce, if positive.
func (f *StreamFlow) NewLimit(n uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := int64(n) - int64(f.limit)
	f.limit = n
	if d <= 0 {
		return 0
	}
	return uint32(d)
}

// MaybeAdjust grows the window temporarily when the application asks
// for more than one window of data in a single read. Returns the
// increment to announce.
func (f *StreamFlow) MaybeAdjust(n uint32) uint32 {
	if n > uint32(maxStreamReadAdjust) {
		n = uint32(maxStreamReadAdjust)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// estSenderQuota is the receiver's view of the sender's remaining
	// quota: limit plus delta minus what is already in flight.
	estSenderQuota := int32(f.limit+f.delta) - int32(f.pendingData+f.pendingUpdate)
	estUntransmitted := int32(n) - int32(f.pendingData)
	if estUntransmitted > estSenderQuota {
		if f.limit+n > maxWindowSize {
			f.delta = maxWindowSize - f.limit
		} else {
			f.delta = n
		}
		return f.delta
	}
	return 0
}

// OnData records n bytes entering the stream buffer. An error means the
// peer violated flow control.
func (f *StreamFlow) OnData(n uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingData += n
	if f.pendingData+f.pendingUpdate > f.limit+f.delta {
		return fmt.Errorf("flowcontrol: received %d-bytes data exceeding the limit %d bytes",
			f.pendingData+f.pendingUpdate, f.limit+f.delta)
	}
	return nil
}

// OnRead records n bytes leaving the stream buffer toward the
// application and returns a non-zero WINDOW_UPDATE increment when a
// quarter of the window has been freed.
func (f *StreamFlow) OnRead(n uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingData == 0 {
		return 0
	}
	if n > f.pendingData {
		n = f.pendingData
	}
	f.pendingData -= n
	if f.delta > 0 {
		if f.delta >= n {
			f.delta -= n
			n = 0
		} else {
			n -= f.delta
			f.delta = 0
		}
	}
	f.pendingUpdate += n
	if f.pendingUpdate >= f.limit/4 {
		wu := f.pendingUpdate
		f.pendingUpdate = 0
		return wu
	}
	return 0
}

// PendingData returns bytes buffered but unread.
func (f *StreamFlow) PendingData() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingData
}

const (
	maxWindowSize       = 1<<31 - 1
	maxStreamReadAdjust = 1 << 24
)

// WriteQuota is the outbound quota of one stream, replenished by peer
// WINDOW_UPDATE frames. Get blocks the producer until quota is
// available or the stream is done; quota may go negative because a
// frame is never split once admitted.
type WriteQuota struct {
	quota int32
	// ch is signalled on replenish while writers wait.
	ch   chan struct{}
	done <-chan struct{}
	// replenish is called on quota return instead of the default when
	// set - used by tests.
	replenish func(n int)
}

func NewWriteQuota(sz int32, done <-chan struct{}) *WriteQuota {
	w := &WriteQuota{
		quota: sz,
		ch:    make(chan struct{}, 1),
		done:  done,
	}
	w.replenish = w.realReplenish
	return w
}

// Get consumes sz bytes of quota, blocking while none is available.
func (w *WriteQuota) Get(sz int32) error {
	for {
		if atomic.LoadInt32(&w.quota) > 0 {
			atomic.AddInt32(&w.quota, -sz)
			return nil
		}
		select {
		case <-w.ch:
			continue
		case <-w.done:
			return errStreamDone
		}
	}
}

// TryGet consumes up to sz bytes without blocking and returns how much
// it got (possibly 0).
func (w *WriteQuota) TryGet(sz int32) int32 {
	q := atomic.LoadInt32(&w.quota)
	if q <= 0 {
		return 0
	}
	if sz > q {
		sz = q
	}
	atomic.AddInt32(&w.quota, -sz)
	return sz
}

func (w *WriteQuota) Replenish(n int32) {
	w.replenish(int(n))
}

func (w *WriteQuota) realReplenish(n int) {
	sz := int32(n)
	a := atomic.AddInt32(&w.quota, sz)
	b := a - sz
	if b <= 0 && a > 0 {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

var errStreamDone = fmt.Errorf("flowcontrol: stream done")
