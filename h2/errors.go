// Package h2 implements an HTTP/2 transport core for RPC frameworks:
// it multiplexes many concurrent call streams over one connection,
// enforcing HTTP/2 framing, flow control, ping/keepalive liveness,
// graceful shutdown and per-stream lifecycle. Client and server roles
// share the same transport object and differ only by policy switches.
//
// All transport and stream state is mutated on a per-transport serial
// executor (combiner.Combiner); endpoint reads, endpoint writes and
// timers run outside it and re-enter it with their results.
package h2

import (
	"fmt"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
)

// StreamNetworkState annotates a stream error with how far the stream
// made it toward the peer, so the caller can decide about retries.
type StreamNetworkState uint8

const (
	// NetworkStateUnknown means nothing is known about wire state.
	NetworkStateUnknown StreamNetworkState = iota
	// NetworkStateNotSentOnWire means no byte of the stream was written.
	NetworkStateNotSentOnWire
	// NetworkStateNotSeenByServer means the stream was written but a
	// GOAWAY proved the peer never processed it.
	NetworkStateNotSeenByServer
	// NetworkStateSentToWire means at least the headers went out.
	NetworkStateSentToWire
)

func (s StreamNetworkState) String() string {
	switch s {
	case NetworkStateNotSentOnWire:
		return "not-sent-on-wire"
	case NetworkStateNotSeenByServer:
		return "not-seen-by-server"
	case NetworkStateSentToWire:
		return "sent-to-wire"
	}
	return "unknown"
}

// Status is the error surfaced by the transport to the layer above. It
// carries the gRPC code, the HTTP/2 error code when one applies, the
// peer address and an optional stream network-state annotation. It is
// also the value synthesized trailers are built from.
type Status struct {
	Code    codes.Code
	Message string

	// Http2Code is meaningful only when HasHttp2Code is set.
	Http2Code    http2.ErrCode
	HasHttp2Code bool

	PeerAddr     string
	NetworkState StreamNetworkState

	// ThrottledKeepalive, when non-zero, is the new recommended
	// keepalive interval after the peer complained about ping rate.
	ThrottledKeepalive time.Duration

	// Err is the underlying cause, if any.
	Err error
}

func (s *Status) Error() string {
	if s.Message != "" {
		return s.Message
	}
	if s.Err != nil {
		return s.Err.Error()
	}
	return s.Code.String()
}

func (s *Status) Unwrap() error { return s.Err }

// OK reports whether the status represents success.
func (s *Status) OK() bool { return s == nil || s.Code == codes.OK }

func statusf(code codes.Code, format string, args ...interface{}) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

func statusWithHTTP2(code codes.Code, h2code http2.ErrCode, format string, args ...interface{}) *Status {
	return &Status{
		Code:         code,
		Message:      fmt.Sprintf(format, args...),
		Http2Code:    h2code,
		HasHttp2Code: true,
	}
}

// asStatus converts an arbitrary error into a Status, preserving an
// existing one.
func asStatus(err error) *Status {
	if err == nil {
		return nil
	}
	if st, ok := err.(*Status); ok {
		return st
	}
	return &Status{Code: codes.Unavailable, Message: err.Error(), Err: err}
}

// connectionErrorf creates a ConnectionError with the specified error
// description.
func connectionErrorf(temp bool, e error, format string, a ...interface{}) ConnectionError {
	return ConnectionError{
		Desc: fmt.Sprintf(format, a...),
		temp: temp,
		err:  e,
	}
}

// ConnectionError is an error that results in the termination of the
// entire connection and the failure of all active streams.
type ConnectionError struct {
	Desc string
	temp bool
	err  error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection error: desc = %q", e.Desc)
}

// Temporary indicates if this connection error is temporary or fatal.
func (e ConnectionError) Temporary() bool {
	return e.temp
}

// Unwrap returns the original error of this connection error or nil
// when the origin is nil.
func (e ConnectionError) Unwrap() error {
	return e.err
}

// ErrConnClosing indicates that the transport is closing.
var ErrConnClosing = connectionErrorf(true, nil, "transport is closing")

// http2ErrConvTab maps HTTP/2 error codes received in RST_STREAM and
// GOAWAY frames to gRPC codes.
var http2ErrConvTab = map[http2.ErrCode]codes.Code{
	http2.ErrCodeNo:                 codes.Internal,
	http2.ErrCodeProtocol:           codes.Internal,
	http2.ErrCodeInternal:           codes.Internal,
	http2.ErrCodeFlowControl:        codes.Internal,
	http2.ErrCodeSettingsTimeout:    codes.Internal,
	http2.ErrCodeStreamClosed:       codes.Internal,
	http2.ErrCodeFrameSize:          codes.Internal,
	http2.ErrCodeRefusedStream:      codes.Unavailable,
	http2.ErrCodeCancel:             codes.Canceled,
	http2.ErrCodeCompression:        codes.Internal,
	http2.ErrCodeConnect:            codes.Internal,
	http2.ErrCodeEnhanceYourCalm:    codes.ResourceExhausted,
	http2.ErrCodeInadequateSecurity: codes.PermissionDenied,
	http2.ErrCodeHTTP11Required:     codes.Internal,
}

// httpStatusConvTab maps HTTP/1.x status codes, seen when the peer is
// not an HTTP/2 server at all, to gRPC codes.
var httpStatusConvTab = map[int]codes.Code{
	400: codes.Internal,
	401: codes.Unauthenticated,
	403: codes.PermissionDenied,
	404: codes.Unimplemented,
	429: codes.Unavailable,
	502: codes.Unavailable,
	503: codes.Unavailable,
	504: codes.Unavailable,
}

func httpStatusToCode(status int) codes.Code {
	if c, ok := httpStatusConvTab[status]; ok {
		return c
	}
	return codes.Unknown
}
