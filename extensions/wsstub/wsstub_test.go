package wsstub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/ccrouter"
	"github.com/vitalvas/ccrouter/extensions/jsonwire"
)

type routedMessages struct {
	mu   sync.Mutex
	msgs []*ccrouter.ImmutableMessage
}

func (r *routedMessages) RouteIn(msg *ccrouter.ImmutableMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *routedMessages) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *routedMessages, string) {
	t.Helper()

	router := &routedMessages{}
	srv := NewServer(router, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return srv, router, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialClient(t *testing.T, url, clientID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameTypeInit, ClientID: clientID}))
	return conn
}

func transmit(stub ccrouter.MessagingStub, msg *ccrouter.ImmutableMessage) chan error {
	result := make(chan error, 1)
	stub.Transmit(msg, func() { result <- nil }, func(err error) { result <- err })
	return result
}

func TestServer(t *testing.T) {
	t.Run("delivers to connected client", func(t *testing.T) {
		srv, _, url := newTestServer(t)
		conn := dialClient(t, url, "client-1")
		require.Eventually(t, func() bool { return srv.Connected("client-1") }, time.Second, 5*time.Millisecond)

		stub, err := NewStubFactory(srv).Create(ccrouter.WebSocketClientAddress{ID: "client-1"})
		require.NoError(t, err)

		result := transmit(stub, &ccrouter.ImmutableMessage{
			ID:        "m1",
			Type:      ccrouter.MessageTypeOneWay,
			Recipient: "participant",
			Payload:   []byte("hello"),
		})

		var frame Frame
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		require.NoError(t, conn.ReadJSON(&frame))
		assert.Equal(t, FrameTypeMessage, frame.Type)
		require.NotNil(t, frame.Message)
		assert.Equal(t, "m1", frame.Message.ID)
		assert.Equal(t, []byte("hello"), frame.Message.Payload)

		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("transmit not completed")
		}
	})

	t.Run("unknown client fails", func(t *testing.T) {
		srv, _, _ := newTestServer(t)
		stub, err := NewStubFactory(srv).Create(ccrouter.WebSocketClientAddress{ID: "ghost"})
		require.NoError(t, err)

		assert.ErrorIs(t, <-transmit(stub, &ccrouter.ImmutableMessage{ID: "m1"}), ErrClientNotConnected)
	})

	t.Run("routes inbound messages", func(t *testing.T) {
		_, router, url := newTestServer(t)
		conn := dialClient(t, url, "client-1")

		env := jsonwire.FromMessage(&ccrouter.ImmutableMessage{
			ID:        "m2",
			Type:      ccrouter.MessageTypeRequest,
			Sender:    "consumer",
			Recipient: "provider",
		})
		require.NoError(t, conn.WriteJSON(Frame{Type: FrameTypeMessage, Message: env}))

		require.Eventually(t, func() bool { return router.len() == 1 }, time.Second, 5*time.Millisecond)
		router.mu.Lock()
		defer router.mu.Unlock()
		assert.Equal(t, "m2", router.msgs[0].ID)
		assert.Equal(t, "provider", router.msgs[0].Recipient)
	})

	t.Run("malformed frames are skipped", func(t *testing.T) {
		_, router, url := newTestServer(t)
		conn := dialClient(t, url, "client-1")

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
		require.NoError(t, conn.WriteJSON(Frame{Type: FrameTypeMessage, Message: &jsonwire.Envelope{Recipient: "p"}}))
		require.NoError(t, conn.WriteJSON(Frame{Type: FrameTypeMessage, Message: &jsonwire.Envelope{ID: "m3", Type: "oneWay"}}))

		require.Eventually(t, func() bool { return router.len() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("missing init closes connection", func(t *testing.T) {
		srv, _, url := newTestServer(t)

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(Frame{Type: FrameTypeMessage}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)
		assert.Equal(t, 0, srv.Len())
	})

	t.Run("reconnect replaces connection", func(t *testing.T) {
		srv, _, url := newTestServer(t)

		first := dialClient(t, url, "client-1")
		require.Eventually(t, func() bool { return srv.Connected("client-1") }, time.Second, 5*time.Millisecond)
		dialClient(t, url, "client-1")

		require.NoError(t, first.SetReadDeadline(time.Now().Add(time.Second)))
		_, _, err := first.ReadMessage()
		assert.Error(t, err)
		assert.Eventually(t, func() bool { return srv.Len() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("connection hooks", func(t *testing.T) {
		var connected, disconnected atomic.Int32
		srv, _, url := newTestServer(t,
			OnClientConnected(func(addr ccrouter.WebSocketClientAddress) {
				if addr.ID == "client-1" {
					connected.Add(1)
				}
			}),
			OnClientDisconnected(func(ccrouter.WebSocketClientAddress) { disconnected.Add(1) }),
		)

		conn := dialClient(t, url, "client-1")
		require.Eventually(t, func() bool { return connected.Load() == 1 }, time.Second, 5*time.Millisecond)

		conn.Close()
		require.Eventually(t, func() bool { return disconnected.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.False(t, srv.Connected("client-1"))
	})

	t.Run("closed server refuses", func(t *testing.T) {
		srv, _, url := newTestServer(t)
		require.NoError(t, srv.Close())

		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp.Body.Close()

		stub, err := NewStubFactory(srv).Create(ccrouter.WebSocketClientAddress{ID: "client-1"})
		require.NoError(t, err)
		assert.ErrorIs(t, <-transmit(stub, &ccrouter.ImmutableMessage{ID: "m1"}), ErrServerClosed)
	})
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"same host", nil, "http://example.com", true},
		{"other host", nil, "http://evil.com", false},
		{"listed", []string{"http://app.local"}, "http://app.local", true},
		{"not listed", []string{"http://app.local"}, "http://example.com", false},
		{"wildcard", []string{"*"}, "http://evil.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(&routedMessages{}, WithAllowedOrigins(tt.allowed...))
			r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, srv.checkOrigin(r))
		})
	}
}

func TestStubFactory(t *testing.T) {
	f := NewStubFactory(NewServer(&routedMessages{}))

	_, err := f.Create(ccrouter.WebSocketClientAddress{})
	assert.ErrorIs(t, err, ccrouter.ErrInvalidAddress)
	assert.False(t, ccrouter.IsConfigurationError(err))

	_, err = f.Create(ccrouter.MqttAddress{BrokerURI: "tcp://b", Topic: "t"})
	assert.True(t, ccrouter.IsConfigurationError(err))
}
