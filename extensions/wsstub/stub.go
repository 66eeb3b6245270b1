package wsstub

import (
	"encoding/json"
	"fmt"

	"github.com/vitalvas/ccrouter"
	"github.com/vitalvas/ccrouter/extensions/jsonwire"
)

// StubFactory creates stubs for ccrouter.WebSocketClientAddress values
// served by one Server.
type StubFactory struct {
	server *Server
}

// NewStubFactory creates a factory sending through server.
func NewStubFactory(server *Server) *StubFactory {
	return &StubFactory{server: server}
}

// Create returns a stub for the client addressed by addr.
func (f *StubFactory) Create(addr ccrouter.Address) (ccrouter.MessagingStub, error) {
	client, ok := addr.(ccrouter.WebSocketClientAddress)
	if !ok {
		return nil, ccrouter.NewConfigurationError("websocket stub factory",
			fmt.Errorf("%w: %s", ccrouter.ErrNoStubFactory, ccrouter.KindOf(addr)))
	}
	if client.ID == "" {
		return nil, fmt.Errorf("%w: websocket client id is empty", ccrouter.ErrInvalidAddress)
	}
	return &Stub{server: f.server, clientID: client.ID}, nil
}

// Stub sends messages to one WebSocket client.
type Stub struct {
	server   *Server
	clientID string
}

// Transmit queues msg on the client connection. The outcome is reported once
// the frame is written. A missing client fails immediately and the router
// retries until the client reconnects or the message expires.
func (s *Stub) Transmit(msg *ccrouter.ImmutableMessage, onSuccess func(), onFailure func(error)) {
	data, err := json.Marshal(Frame{Type: FrameTypeMessage, Message: jsonwire.FromMessage(msg)})
	if err != nil {
		onFailure(err)
		return
	}

	err = s.server.send(s.clientID, data, func(err error) {
		if err != nil {
			onFailure(err)
			return
		}
		onSuccess()
	})
	if err != nil {
		onFailure(err)
	}
}
