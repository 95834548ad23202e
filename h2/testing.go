package h2

import (
	"net"

	"go.uber.org/zap"
)

// TransportPair wires a client and a server transport over an
// in-memory connection. Used by tests and by embedders that want a
// loopback transport.
type TransportPair struct {
	Client *Transport
	Server *Transport

	// AcceptedStreams receives every stream the server admits.
	AcceptedStreams chan *Stream
}

// NewTransportPair builds both transports over net.Pipe and starts
// reading on each. Configs may be nil.
func NewTransportPair(log *zap.Logger, ccfg, scfg *Config) (*TransportPair, error) {
	cc, sc := net.Pipe()
	p := &TransportPair{
		AcceptedStreams: make(chan *Stream, 16),
	}
	p.Server = NewTransport(ServerSide, Options{
		Conn:   sc,
		Config: scfg,
		Logger: log,
		Accept: func(s *Stream) { p.AcceptedStreams <- s },
	})
	p.Client = NewTransport(ClientSide, Options{
		Conn:   cc,
		Config: ccfg,
		Logger: log,
	})
	if err := p.Server.StartReading(nil, nil); err != nil {
		return nil, err
	}
	if err := p.Client.StartReading(nil, nil); err != nil {
		return nil, err
	}
	return p, nil
}

// Close tears both transports down.
func (p *TransportPair) Close() {
	p.Client.Close(nil)
	p.Server.Close(nil)
}
