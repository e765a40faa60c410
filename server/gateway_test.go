package server_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dylanconnolly/shop-gateway/auth"
	"github.com/dylanconnolly/shop-gateway/server"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("fake conn closed")

// fakeConn stands in for a websocket. Inbound frames are pushed on in, data
// frames written by the server come out of out.
type fakeConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once

	// when set, every data write fails
	failWrites bool
	// when set, data writes block until it is closed
	release chan struct{}

	mu        sync.Mutex
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:        make(chan []byte, 16),
		out:       make(chan []byte, 64),
		done:      make(chan struct{}),
		closeCode: -1,
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		return websocket.TextMessage, m, nil
	case <-f.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.isClosed() {
		return errConnClosed
	}
	switch messageType {
	case websocket.CloseMessage:
		f.recordClose(data)
		return nil
	case websocket.TextMessage:
		if f.failWrites {
			return errors.New("broken pipe")
		}
		if f.release != nil {
			<-f.release
		}
		b := make([]byte, len(data))
		copy(b, data)
		select {
		case f.out <- b:
		default:
		}
	}
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if f.isClosed() {
		return errConnClosed
	}
	if messageType == websocket.CloseMessage {
		f.recordClose(data)
	}
	return nil
}

func (f *fakeConn) recordClose(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCode == -1 && len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
}

func (f *fakeConn) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(func(appData string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// send pushes a client command as if it had arrived on the wire.
func (f *fakeConn) send(t *testing.T, eventType server.EventType, payload string) {
	t.Helper()
	cmd := server.ClientCommand{Type: eventType, Payload: json.RawMessage(payload)}
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	f.in <- b
}

func (f *fakeConn) nextEvent(t *testing.T) server.Event {
	t.Helper()
	select {
	case b := <-f.out:
		var e server.Event
		require.NoError(t, json.Unmarshal(b, &e))
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return server.Event{}
}

func (f *fakeConn) expectNoEvent(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case b := <-f.out:
		t.Fatalf("unexpected event %s", b)
	case <-time.After(wait):
	}
}

var testTokens = map[string]auth.Identity{
	"alice-token": alice,
	"bob-token":   bob,
}

var staticVerifier = auth.VerifierFunc(func(_ context.Context, credential string) (auth.Identity, error) {
	id, ok := testTokens[credential]
	if !ok {
		return auth.Identity{}, auth.ErrAuthentication
	}
	return id, nil
})

func newTestGateway(t *testing.T, opts server.Options) *server.Gateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := server.NewHub(nil)
	go hub.Run(ctx)
	return server.NewGateway(hub, server.NewRegistry(), staticVerifier, opts)
}

func accept(t *testing.T, g *server.Gateway, token string) (*server.Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	c, err := g.Accept(context.Background(), conn, token)
	require.NoError(t, err)
	return c, conn
}

func clientNames(t *testing.T, e server.Event) []string {
	t.Helper()
	require.Equal(t, server.EventClientsUpdated, e.Type)
	var clients []server.ClientSummary
	require.NoError(t, json.Unmarshal(e.Payload, &clients))
	names := make([]string, 0, len(clients))
	for _, c := range clients {
		names = append(names, c.FullName)
	}
	return names
}

func chatMessage(t *testing.T, e server.Event) server.ChatMessage {
	t.Helper()
	require.Equal(t, server.EventMessagesFromServer, e.Type)
	var m server.ChatMessage
	require.NoError(t, json.Unmarshal(e.Payload, &m))
	return m
}

func TestAcceptAnnouncesToEveryone(t *testing.T) {
	g := newTestGateway(t, server.Options{})

	a, aConn := accept(t, g, "alice-token")
	assert.Equal(t, server.StateAuthenticated, a.State())
	assert.Equal(t, alice, a.Identity())
	assert.Equal(t, []string{"alice"}, clientNames(t, aConn.nextEvent(t)))

	_, bConn := accept(t, g, "bob-token")
	assert.Equal(t, []string{"alice", "bob"}, clientNames(t, aConn.nextEvent(t)))
	assert.Equal(t, []string{"alice", "bob"}, clientNames(t, bConn.nextEvent(t)))
	assert.Equal(t, 2, g.Registry().Len())
}

func TestAcceptRejectsBadCredential(t *testing.T) {
	g := newTestGateway(t, server.Options{})
	_, aConn := accept(t, g, "alice-token")
	aConn.nextEvent(t)

	for _, credential := range []string{"", "forged"} {
		conn := newFakeConn()
		c, err := g.Accept(context.Background(), conn, credential)
		assert.ErrorIs(t, err, auth.ErrAuthentication)
		assert.Nil(t, c)
		assert.Equal(t, websocket.ClosePolicyViolation, conn.CloseCode())
		assert.True(t, conn.isClosed())
	}

	assert.Equal(t, 1, g.Registry().Len())
	aConn.expectNoEvent(t, 100*time.Millisecond)
}

func TestChatRelayedWithDisplayName(t *testing.T) {
	g := newTestGateway(t, server.Options{})
	_, aConn := accept(t, g, "alice-token")
	aConn.nextEvent(t)
	_, bConn := accept(t, g, "bob-token")
	aConn.nextEvent(t)
	bConn.nextEvent(t)

	aConn.send(t, server.EventMessagesFromServer, `{"message":"hi"}`)

	for _, conn := range []*fakeConn{aConn, bConn} {
		m := chatMessage(t, conn.nextEvent(t))
		assert.Equal(t, server.ChatMessage{FullName: "alice", Message: "hi"}, m)
	}
}

func TestChatEmptyMessageFallback(t *testing.T) {
	g := newTestGateway(t, server.Options{})
	_, aConn := accept(t, g, "alice-token")
	aConn.nextEvent(t)

	aConn.send(t, server.EventMessagesFromServer, `{}`)
	assert.Equal(t, server.NoMessageText, chatMessage(t, aConn.nextEvent(t)).Message)

	aConn.send(t, server.EventMessagesFromServer, `{"message":""}`)
	assert.Equal(t, server.NoMessageText, chatMessage(t, aConn.nextEvent(t)).Message)
}

func TestChatPreservesSenderOrder(t *testing.T) {
	g := newTestGateway(t, server.Options{})
	_, aConn := accept(t, g, "alice-token")
	aConn.nextEvent(t)
	_, bConn := accept(t, g, "bob-token")
	aConn.nextEvent(t)
	bConn.nextEvent(t)

	msgs := []string{"one", "two", "three", "four"}
	for _, m := range msgs {
		aConn.send(t, server.EventMessagesFromServer, `{"message":"`+m+`"}`)
	}
	for _, m := range msgs {
		assert.Equal(t, m, chatMessage(t, bConn.nextEvent(t)).Message)
	}
}

func TestMalformedFrameDoesNotDisconnect(t *testing.T) {
	g := newTestGateway(t, server.Options{})
	a, aConn := accept(t, g, "alice-token")
	aConn.nextEvent(t)

	aConn.in <- []byte(`not json at all`)
	aConn.in <- []byte(`{"payload":{"message":"no type"}}`)
	aConn.send(t, server.EventMessagesFromServer, `{"message":42}`)
	aConn.send(t, "some-other-event", `{}`)
	aConn.send(t, server.EventMessagesFromServer, `{"message":"still here"}`)

	assert.Equal(t, "still here", chatMessage(t, aConn.nextEvent(t)).Message)
	assert.Equal(t, server.StateAuthenticated, a.State())
	assert.Equal(t, 1, g.Registry().Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	g := newTestGateway(t, server.Options{})
	a, aConn := accept(t, g, "alice-token")
	aConn.nextEvent(t)
	_, bConn := accept(t, g, "bob-token")
	aConn.nextEvent(t)
	bConn.nextEvent(t)

	a.Close()
	a.Close()
	// the read pump sees the close too
	aConn.Close()

	assert.Equal(t, server.StateClosed, a.State())
	assert.Equal(t, []string{"bob"}, clientNames(t, bConn.nextEvent(t)))
	bConn.expectNoEvent(t, 150*time.Millisecond)
	assert.Equal(t, 1, g.Registry().Len())
	assert.Equal(t, websocket.CloseNormalClosure, aConn.CloseCode())
}

func TestClientSideDisconnect(t *testing.T) {
	g := newTestGateway(t, server.Options{})
	a, aConn := accept(t, g, "alice-token")
	aConn.nextEvent(t)
	_, bConn := accept(t, g, "bob-token")
	aConn.nextEvent(t)
	bConn.nextEvent(t)

	aConn.Close()

	assert.Equal(t, []string{"bob"}, clientNames(t, bConn.nextEvent(t)))
	assert.Eventually(t, func() bool { return a.State() == server.StateClosed }, time.Second, 10*time.Millisecond)

	// chat from the survivor still flows
	bConn.send(t, server.EventMessagesFromServer, `{"message":"anyone?"}`)
	assert.Equal(t, server.ChatMessage{FullName: "bob", Message: "anyone?"}, chatMessage(t, bConn.nextEvent(t)))
}

func TestWriteFailureIsolated(t *testing.T) {
	g := newTestGateway(t, server.Options{})
	_, aConn := accept(t, g, "alice-token")
	aConn.nextEvent(t)

	broken := newFakeConn()
	broken.failWrites = true
	_, err := g.Accept(context.Background(), broken, "bob-token")
	require.NoError(t, err)

	// alice sees bob join, then leave once his first write fails
	assert.Equal(t, []string{"alice", "bob"}, clientNames(t, aConn.nextEvent(t)))
	assert.Equal(t, []string{"alice"}, clientNames(t, aConn.nextEvent(t)))
	assert.Equal(t, 1, g.Registry().Len())

	aConn.send(t, server.EventMessagesFromServer, `{"message":"hi"}`)
	assert.Equal(t, "hi", chatMessage(t, aConn.nextEvent(t)).Message)
}

func TestSlowConsumerDropped(t *testing.T) {
	g := newTestGateway(t, server.Options{SendBuffer: 1})
	_, aConn := accept(t, g, "alice-token")
	aConn.nextEvent(t)

	slow := newFakeConn()
	slow.release = make(chan struct{})
	_, err := g.Accept(context.Background(), slow, "bob-token")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, clientNames(t, aConn.nextEvent(t)))

	for i := 0; i < 5; i++ {
		aConn.send(t, server.EventMessagesFromServer, `{"message":"flood"}`)
		assert.Equal(t, "flood", chatMessage(t, aConn.nextEvent(t)).Message)
	}

	// bob's write pump is stuck, the hub gives up on him
	close(slow.release)
	assert.Eventually(t, func() bool { return g.Registry().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alice"}, clientNames(t, aConn.nextEvent(t)))
}

func TestShutdown(t *testing.T) {
	g := newTestGateway(t, server.Options{})
	a, aConn := accept(t, g, "alice-token")
	b, bConn := accept(t, g, "bob-token")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))

	assert.Equal(t, server.StateClosed, a.State())
	assert.Equal(t, server.StateClosed, b.State())
	assert.True(t, aConn.isClosed())
	assert.True(t, bConn.isClosed())
	assert.Equal(t, 0, g.Registry().Len())

	conn := newFakeConn()
	_, err := g.Accept(context.Background(), conn, "alice-token")
	assert.ErrorIs(t, err, server.ErrShuttingDown)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, g.Registry().Len())
}

type recordingPresence struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresence) Online(_ context.Context, e server.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "online:"+e.Identity.ID)
	return nil
}

func (p *recordingPresence) Offline(_ context.Context, e server.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "offline:"+e.Identity.ID)
	return errors.New("presence store down")
}

func (p *recordingPresence) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func TestPresenceRecorded(t *testing.T) {
	presence := &recordingPresence{}
	g := newTestGateway(t, server.Options{Presence: presence})

	a, _ := accept(t, g, "alice-token")
	_, err := g.Accept(context.Background(), newFakeConn(), "forged")
	require.Error(t, err)
	a.Close()

	// a failing presence store does not affect the registry
	assert.Equal(t, []string{"online:u-alice", "offline:u-alice"}, presence.Events())
	assert.Equal(t, 0, g.Registry().Len())
}
