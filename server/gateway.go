package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dylanconnolly/shop-gateway/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrShuttingDown = errors.New("gateway is shutting down")

// PresenceRecorder mirrors registry changes somewhere outside the process.
// Calls are made after the registry mutation, outside any lock, with a
// bounded context; errors are only logged.
type PresenceRecorder interface {
	Online(ctx context.Context, e Entry) error
	Offline(ctx context.Context, e Entry) error
}

type Options struct {
	AuthHeader      string
	AllowedOrigins  []string
	SendBuffer      int
	MaxMessageBytes int64
	PongWait        time.Duration
	WriteWait       time.Duration
	PresenceTimeout time.Duration
	Presence        PresenceRecorder
	Logger          *zap.Logger
}

func (o *Options) norm() {
	if o.AuthHeader == "" {
		o.AuthHeader = auth.DefaultHeader
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Gateway owns the lifecycle of every connection: accept, authenticate,
// register, serve and tear down. It is the only writer of the registry.
type Gateway struct {
	hub      *Hub
	registry *Registry
	verifier auth.Verifier
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger

	// serializes snapshot+enqueue so clients-updated events leave in the
	// same order the snapshots were taken
	announceMu sync.Mutex

	mu       sync.Mutex
	live     map[*Client]struct{}
	draining bool
}

func NewGateway(hub *Hub, registry *Registry, verifier auth.Verifier, opts Options) *Gateway {
	opts.norm()
	g := &Gateway{
		hub:      hub,
		registry: registry,
		verifier: verifier,
		opts:     opts,
		log:      opts.Logger,
		live:     make(map[*Client]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return g
}

func (g *Gateway) Registry() *Registry { return g.registry }

// ServeWS upgrades the request and runs the connection through Accept. The
// credential comes from the handshake, never from a data frame.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Info("error upgrading connection", zap.Error(err))
		return
	}

	credential := auth.CredentialFromRequest(r, g.opts.AuthHeader)
	if _, err := g.Accept(r.Context(), conn, credential); err != nil {
		g.log.Info("connection rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

// Accept authenticates a freshly accepted connection. On success the
// connection is registered, attached to the hub, everyone receives the new
// clients-updated snapshot and the pumps are started. On failure the
// connection is closed with a policy-violation frame and nothing else
// happens.
func (g *Gateway) Accept(ctx context.Context, conn Conn, credential string) (*Client, error) {
	c := newClient(ConnID(uuid.NewString()), conn, g)

	if !g.track(c) {
		c.reject("shutting down")
		return nil, ErrShuttingDown
	}

	identity, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		c.reject("unauthorized")
		return nil, err
	}
	c.identity = identity
	c.log = c.log.With(zap.String("user", identity.ID))

	entry, err := g.registry.Register(c.id, identity)
	if err != nil {
		c.reject("internal error")
		return nil, err
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		// closed by Shutdown while verifying
		g.registry.Remove(c.id)
		return nil, ErrShuttingDown
	}

	if !g.hub.Attach(c) {
		c.teardown()
		return nil, ErrShuttingDown
	}
	g.announce()
	g.recordPresence(entry, true)

	c.log.Info("client connected", zap.String("name", identity.DisplayName))
	c.run()
	return c, nil
}

// relayChat broadcasts a chat message from an authenticated client.
func (g *Gateway) relayChat(c *Client, chat ClientChatCommand) {
	if c.State() != StateAuthenticated {
		return
	}
	name := g.registry.DisplayNameFor(c.id)
	g.hub.Broadcast(newChatMessageEvent(name, chat.Message))
}

// disconnect runs once per authenticated connection, from Client.teardown.
func (g *Gateway) disconnect(c *Client) {
	entry, removed := g.registry.Remove(c.id)
	g.hub.Detach(c)
	if !removed {
		return
	}
	g.announce()
	g.recordPresence(entry, false)
	c.log.Info("client disconnected")
}

func (g *Gateway) announce() {
	g.announceMu.Lock()
	defer g.announceMu.Unlock()
	g.hub.Broadcast(newClientsUpdatedEvent(g.registry.Snapshot()))
}

func (g *Gateway) recordPresence(e Entry, online bool) {
	p := g.opts.Presence
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.PresenceTimeout)
	defer cancel()

	var err error
	if online {
		err = p.Online(ctx, e)
	} else {
		err = p.Offline(ctx, e)
	}
	if err != nil {
		g.log.Warn("presence update failed", zap.String("conn", string(e.ConnID)), zap.Bool("online", online), zap.Error(err))
	}
}

func (g *Gateway) track(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.live[c] = struct{}{}
	return true
}

func (g *Gateway) forget(c *Client) {
	g.mu.Lock()
	delete(g.live, c)
	g.mu.Unlock()
}

func (g *Gateway) liveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Shutdown refuses new connections, closes the open ones and waits until
// every one has been torn down or ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	clients := make([]*Client, 0, len(g.live))
	for c := range g.live {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if g.liveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Clients writes the current registry snapshot.
func (g *Gateway) Clients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ClientsUpdated(g.registry.Snapshot()))
}

func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": g.registry.Len(),
	})
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 || set["*"] {
			return true
		}
		return set[origin]
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, obj any) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, err = w.Write(b)
	return err
}
