package ipcmux

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Endpoint names one logical channel on the server side. Tags are allocated
// independently by every client, so the pair is what makes them unique.
type Endpoint struct {
	ClientID uint64
	Tag      uint64
}

// ChannelFactory is called on the executor goroutine when the first message
// of a new channel arrives for its service id. payload is the opaque first
// message; it is only valid for the duration of the call. A factory that
// wants the channel must Subscribe on the gateway before returning,
// otherwise the channel is closed.
type ChannelFactory func(gw Gateway, payload []byte)

// ServerRouter demultiplexes channels from every connected client and
// spawns one gateway per channel through the registered factories. All
// event delivery happens on the executor goroutine; the public API may be
// called from any goroutine.
type ServerRouter struct {
	exec   *Executor
	pipe   *ServerPipe
	logger Logger

	mu        sync.Mutex
	factories map[uint64]ChannelFactory
	endpoints map[Endpoint]*serverGateway
}

// NewServerRouter creates a router and its underlying server pipe for the
// given listen address. Register factories, then call Start.
func NewServerRouter(exec *Executor, addr *SocketAddress, opt ...Option) (*ServerRouter, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	pipe, err := NewServerPipe(exec, addr, opt...)
	if err != nil {
		return nil, err
	}

	return &ServerRouter{
		exec:      exec,
		pipe:      pipe,
		logger:    opts.logger,
		factories: make(map[uint64]ChannelFactory),
		endpoints: make(map[Endpoint]*serverGateway),
	}, nil
}

// RegisterFactory installs the factory for one service id. Registering the
// same id twice is an error.
func (r *ServerRouter) RegisterFactory(serviceID uint64, factory ChannelFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[serviceID]; ok {
		return newError(CodeAlreadyExists, "channel factory already registered (service_id=%d)", serviceID)
	}
	r.factories[serviceID] = factory
	return nil
}

// Start binds the listener and begins serving clients.
func (r *ServerRouter) Start() error {
	return r.pipe.Start(r.handlePipeEvent)
}

// Addr returns the bound listener address, useful with port 0 listeners.
func (r *ServerRouter) Addr() net.Addr {
	return r.pipe.Addr()
}

// Close stops the listener and tears down every client connection. Gateways
// observe this as a Completed event with CodeDisconnected.
func (r *ServerRouter) Close() error {
	return r.pipe.Close()
}

// Executor returns the executor driving this router, for callers that need
// to schedule work on the event goroutine.
func (r *ServerRouter) Executor() *Executor {
	return r.exec
}

// handlePipeEvent runs on the executor goroutine.
func (r *ServerRouter) handlePipeEvent(event PipeEvent) error {
	switch e := event.(type) {
	case PipeConnected:
		// The routing handshake is client-initiated; nothing to do yet.
		return nil

	case PipeMessage:
		return r.handleFrame(e.ClientID, e.Payload)

	case PipeDisconnected:
		r.handleClientGone(e.ClientID, e.Err)
		return nil

	default:
		return nil
	}
}

func (r *ServerRouter) handleFrame(clientID uint64, frame []byte) error {
	env, consumed, err := decodeEnvelope(frame)
	if err != nil {
		r.logger.Warn("malformed route envelope", "client_id", clientID, "error", err)
		return err
	}
	payload := frame[consumed:]

	switch e := env.(type) {
	case RouteConnect:
		r.handleConnect(clientID, e)
	case RouteChannelMsg:
		r.handleChannelMsg(clientID, e, payload)
	case RouteChannelEnd:
		r.handleChannelEnd(clientID, e)
	case RouteEmpty:
		// Unknown variant from a newer peer; ignored.
	}
	return nil
}

func (r *ServerRouter) handleConnect(clientID uint64, e RouteConnect) {
	r.logger.Info("client route connected",
		"client_id", clientID, "peer_version_major", e.Major, "peer_version_minor", e.Minor)

	err := r.pipe.Send(clientID, net.Buffers{encodeEnvelope(RouteConnect{
		Major: ProtocolVersionMajor,
		Minor: ProtocolVersionMinor,
	})})
	if err != nil {
		r.logger.Warn("handshake reply failed", "client_id", clientID, "error", err)
	}
}

// handleChannelMsg routes to an existing endpoint or spawns one through the
// factory registered for the service id. A factory that does not subscribe
// declines the channel and the endpoint is closed again.
func (r *ServerRouter) handleChannelMsg(clientID uint64, e RouteChannelMsg, payload []byte) {
	ep := Endpoint{ClientID: clientID, Tag: e.Tag}

	r.mu.Lock()
	gw := r.endpoints[ep]
	r.mu.Unlock()

	if gw != nil {
		gw.deliver(Input{Sequence: e.Sequence, Payload: payload})
		return
	}

	r.mu.Lock()
	factory := r.factories[e.ServiceID]
	r.mu.Unlock()
	if factory == nil {
		r.logger.Debug("message for unknown service dropped",
			"client_id", clientID, "tag", e.Tag, "service_id", e.ServiceID)
		return
	}

	gw = &serverGateway{router: r, endpoint: ep}
	r.mu.Lock()
	r.endpoints[ep] = gw
	r.mu.Unlock()

	factory(gw, payload)
	if !gw.subscribed() {
		_ = gw.Close()
	}
}

func (r *ServerRouter) handleChannelEnd(clientID uint64, e RouteChannelEnd) {
	ep := Endpoint{ClientID: clientID, Tag: e.Tag}

	r.mu.Lock()
	gw := r.endpoints[ep]
	delete(r.endpoints, ep)
	r.mu.Unlock()

	if gw == nil {
		r.logger.Debug("end for unknown channel dropped", "client_id", clientID, "tag", e.Tag)
		return
	}
	gw.deliver(Completed{Err: codeToError(e.ErrorCode)})
}

// handleClientGone fails every endpoint of one disconnected client. cause,
// when non-nil, names the protocol violation that killed the connection and
// replaces the generic disconnect error in the Completed events.
func (r *ServerRouter) handleClientGone(clientID uint64, cause *Error) {
	r.mu.Lock()
	orphans := make([]*serverGateway, 0)
	for ep, gw := range r.endpoints {
		if ep.ClientID == clientID {
			orphans = append(orphans, gw)
			delete(r.endpoints, ep)
		}
	}
	r.mu.Unlock()

	fail := cause
	if fail == nil {
		fail = ErrDisconnected
	}
	for _, gw := range orphans {
		gw.deliver(Completed{Err: fail})
	}
}

func (r *ServerRouter) removeEndpoint(ep Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[ep]; !ok {
		return false
	}
	delete(r.endpoints, ep)
	return true
}

func (r *ServerRouter) hasEndpoint(ep Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.endpoints[ep]
	return ok
}

// serverGateway is one server-side endpoint, bound to the client connection
// the channel arrived on.
type serverGateway struct {
	router   *ServerRouter
	endpoint Endpoint

	mu       sync.Mutex
	handler  EventHandler
	sequence uint64
}

func (g *serverGateway) Send(serviceID uint64, payload []byte) error {
	if !g.router.hasEndpoint(g.endpoint) {
		return ErrNotConnected
	}

	g.mu.Lock()
	sequence := g.sequence
	g.sequence++
	g.mu.Unlock()

	prefix := encodeEnvelope(RouteChannelMsg{
		ServiceID: serviceID,
		Tag:       g.endpoint.Tag,
		Sequence:  sequence,
	})
	return g.router.pipe.Send(g.endpoint.ClientID, net.Buffers{prefix, payload})
}

// Subscribe registers the handler. The route to the client is already up by
// the time a server gateway exists, so Connected is delivered on the next
// executor turn, unless the endpoint has been removed by then.
func (g *serverGateway) Subscribe(handler EventHandler) {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()

	if handler != nil {
		g.router.exec.Submit(func() {
			if g.router.hasEndpoint(g.endpoint) {
				g.deliver(Connected{})
			}
		})
	}
}

func (g *serverGateway) Complete(code ErrorCode) error {
	if !g.router.removeEndpoint(g.endpoint) {
		return ErrNotConnected
	}
	return g.router.pipe.Send(g.endpoint.ClientID, net.Buffers{encodeEnvelope(RouteChannelEnd{
		Tag:       g.endpoint.Tag,
		ErrorCode: code,
	})})
}

func (g *serverGateway) Close() error {
	err := g.Complete(CodeOK)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (g *serverGateway) subscribed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handler != nil
}

func (g *serverGateway) deliver(event Event) {
	g.mu.Lock()
	handler := g.handler
	g.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}
