package flowcontrol

import (
	"sync"
	"time"
)

const (
	// bdpLimit is the maximum value the window will be increased to.
	bdpLimit = (1 << 20) * 16
	// alpha is a smoothing factor for the RTT moving average.
	alpha = 0.9
	// If the current byte sample is greater than or equal to
	// beta * the current bdp estimate, the limit may grow.
	beta = 0.66
	// gamma scales the sampled BDP into the advertised window.
	gamma = 2
)

// BDPPingData is the reserved payload of BDP probe pings.
var BDPPingData = [8]byte{2, 4, 16, 16, 9, 14, 7, 7}

// BDPEstimator measures the bandwidth-delay product of the connection
// by timing ping round-trips and counting the flow-controlled bytes
// that arrive between a probe and its ACK. The transport uses the
// result to grow the receive windows of the connection and of new
// streams.
type BDPEstimator struct {
	// sentAt is the time when the BDP ping was sent.
	sentAt time.Time

	mu sync.Mutex
	// bdp is the current window size estimate.
	bdp uint32
	// sample is the number of bytes received in one RTT.
	sample uint32
	// bwMax is the maximum bandwidth observed so far.
	bwMax float64
	// isSent is true while a BDP ping is in flight.
	isSent bool
	// rtt is the smoothed round-trip time, seconds.
	rtt float64
}

func NewBDPEstimator(initialWindow uint32) *BDPEstimator {
	return &BDPEstimator{bdp: initialWindow}
}

// Add records n freshly received flow-controlled bytes and reports
// whether a BDP ping should be sent now. No new ping is requested while
// one is in flight; an idle connection (accumulator empty) never asks
// for a ping.
func (b *BDPEstimator) Add(n uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isSent {
		b.sample += n
		return false
	}
	b.sample = n
	return b.sample > 0
}

// StartPing marks the probe as in flight and snapshots the send time.
func (b *BDPEstimator) StartPing() {
	b.mu.Lock()
	b.sentAt = time.Now()
	b.isSent = true
	b.mu.Unlock()
}

// IsPingInFlight reports whether a probe is outstanding.
func (b *BDPEstimator) IsPingInFlight() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isSent
}

// CompletePing consumes the probe ACK: it updates the RTT estimate,
// folds the bytes seen during the round trip into the bandwidth
// estimate, and returns an Action raising the receive windows when the
// estimate grew enough to matter.
func (b *BDPEstimator) CompletePing() Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	rttSample := time.Since(b.sentAt).Seconds()
	if b.rtt == 0 {
		b.rtt = rttSample
	} else {
		b.rtt += (rttSample - b.rtt) * (1 - alpha)
	}
	b.isSent = false
	// The bw sample is the sample with the up/down ratio.
	bwCurrent := float64(b.sample) / (b.rtt * float64(1.5))
	if bwCurrent > b.bwMax {
		b.bwMax = bwCurrent
	}
	// If the current sample is at least beta times the current
	// estimate, and the current bandwidth sample is the highest seen so
	// far, widen the window.
	if float64(b.sample) >= beta*float64(b.bdp) &&
		bwCurrent == b.bwMax && b.bdp != bdpLimit {
		sampleFloat := float64(b.sample)
		b.bdp = uint32(gamma * sampleFloat)
		if b.bdp > bdpLimit {
			b.bdp = bdpLimit
		}
		b.sample = 0
		return Action{
			SendInitialWindowUpdate: UpdateImmediately,
			SendTransportUpdate:     UpdateImmediately,
			InitialWindowSize:       b.bdp,
		}
	}
	b.sample = 0
	return Action{}
}

// RTT returns the smoothed round-trip estimate.
func (b *BDPEstimator) RTT() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.rtt * float64(time.Second))
}

// Window returns the current estimate.
func (b *BDPEstimator) Window() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bdp
}
