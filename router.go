package ipcmux

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// ClientRouter multiplexes many gateways over one client pipe. It performs
// the routing handshake when the pipe comes up and from then on dispatches
// every incoming frame to the gateway whose tag the envelope names. All
// event delivery happens on the executor goroutine; the public API may be
// called from any goroutine.
type ClientRouter struct {
	exec   *Executor
	pipe   *ClientPipe
	logger Logger

	mu        sync.Mutex
	lastTag   uint64
	connected bool
	endpoints map[uint64]*clientGateway
}

// NewClientRouter creates a router and its underlying client pipe for the
// given address. Call Start to connect.
func NewClientRouter(exec *Executor, addr *SocketAddress, opt ...Option) (*ClientRouter, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	pipe, err := NewClientPipe(exec, addr, opt...)
	if err != nil {
		return nil, err
	}

	return &ClientRouter{
		exec:      exec,
		pipe:      pipe,
		logger:    opts.logger,
		endpoints: make(map[uint64]*clientGateway),
	}, nil
}

// Start begins connecting. Gateways learn about the outcome through their
// Connected and Completed events.
func (r *ClientRouter) Start() error {
	return r.pipe.Start(r.handlePipeEvent)
}

// Close tears down the pipe. Every gateway still registered receives a
// Completed event with CodeDisconnected.
func (r *ClientRouter) Close() error {
	return r.pipe.Close()
}

// Executor returns the executor driving this router, for callers that need
// to schedule work on the event goroutine.
func (r *ClientRouter) Executor() *Executor {
	return r.exec
}

// MakeGateway allocates a new endpoint with a fresh tag. The gateway is
// inert until Subscribe is called on it.
func (r *ClientRouter) MakeGateway() Gateway {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastTag++
	gw := &clientGateway{router: r, tag: r.lastTag}
	r.endpoints[gw.tag] = gw
	return gw
}

// handlePipeEvent runs on the executor goroutine.
func (r *ClientRouter) handlePipeEvent(event PipeEvent) error {
	switch e := event.(type) {
	case PipeConnected:
		return r.pipe.Send(net.Buffers{encodeEnvelope(RouteConnect{
			Major: ProtocolVersionMajor,
			Minor: ProtocolVersionMinor,
		})})

	case PipeMessage:
		return r.handleFrame(e.Payload)

	case PipeDisconnected:
		r.handleDisconnect(e.Err)
		return nil

	default:
		return nil
	}
}

func (r *ClientRouter) handleFrame(frame []byte) error {
	env, consumed, err := decodeEnvelope(frame)
	if err != nil {
		r.logger.Warn("malformed route envelope", "error", err)
		return err
	}
	payload := frame[consumed:]

	switch e := env.(type) {
	case RouteConnect:
		r.handleConnect(e)
	case RouteChannelMsg:
		r.handleChannelMsg(e, payload)
	case RouteChannelEnd:
		r.handleChannelEnd(e)
	case RouteEmpty:
		// Unknown variant from a newer peer; ignored.
	}
	return nil
}

// handleConnect completes the handshake. The connected flag flips before
// any Connected event goes out, so a gateway sending from its own Connected
// handler already finds the route usable.
func (r *ClientRouter) handleConnect(e RouteConnect) {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return
	}
	r.connected = true
	subscribed := r.snapshotEndpoints()
	r.mu.Unlock()

	r.logger.Info("route connected", "peer_version_major", e.Major, "peer_version_minor", e.Minor)
	for _, gw := range subscribed {
		gw.deliver(Connected{})
	}
}

func (r *ClientRouter) handleChannelMsg(e RouteChannelMsg, payload []byte) {
	r.mu.Lock()
	gw := r.endpoints[e.Tag]
	r.mu.Unlock()

	if gw == nil {
		r.logger.Debug("message for unknown channel dropped", "tag", e.Tag, "service_id", e.ServiceID)
		return
	}
	gw.deliver(Input{Sequence: e.Sequence, Payload: payload})
}

func (r *ClientRouter) handleChannelEnd(e RouteChannelEnd) {
	r.mu.Lock()
	gw := r.endpoints[e.Tag]
	delete(r.endpoints, e.Tag)
	r.mu.Unlock()

	if gw == nil {
		r.logger.Debug("end for unknown channel dropped", "tag", e.Tag)
		return
	}
	gw.deliver(Completed{Err: codeToError(e.ErrorCode)})
}

// handleDisconnect fails every registered gateway exactly once and clears
// the handshake state; the pipe is not restarted. cause, when
// non-nil, names the protocol violation that killed the pipe and replaces
// the generic disconnect error in the Completed events.
func (r *ClientRouter) handleDisconnect(cause *Error) {
	r.mu.Lock()
	if !r.connected && len(r.endpoints) == 0 {
		r.mu.Unlock()
		return
	}
	r.connected = false
	orphans := r.snapshotEndpoints()
	r.endpoints = make(map[uint64]*clientGateway)
	r.mu.Unlock()

	fail := cause
	if fail == nil {
		fail = ErrDisconnected
	}
	for _, gw := range orphans {
		gw.deliver(Completed{Err: fail})
	}
}

// snapshotEndpoints is called with r.mu held. Broadcasting over a snapshot
// keeps handlers free to make or close gateways reentrantly. Gateways that
// never subscribed are included; delivery to them is a no-op.
func (r *ClientRouter) snapshotEndpoints() []*clientGateway {
	gws := make([]*clientGateway, 0, len(r.endpoints))
	for _, gw := range r.endpoints {
		gws = append(gws, gw)
	}
	return gws
}

func (r *ClientRouter) isConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// canSend reports whether the route is up and the tag still names a live
// endpoint. Completed or closed gateways fail their sends.
func (r *ClientRouter) canSend(tag uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, present := r.endpoints[tag]
	return r.connected && present
}

func (r *ClientRouter) removeEndpoint(tag uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[tag]; !ok {
		return false
	}
	delete(r.endpoints, tag)
	return true
}

// clientGateway is one client-side endpoint. The handler and sequence
// counter are guarded by mu; event delivery itself happens on the executor
// goroutine, already serialized.
type clientGateway struct {
	router *ClientRouter
	tag    uint64

	mu       sync.Mutex
	handler  EventHandler
	sequence uint64
}

func (g *clientGateway) Send(serviceID uint64, payload []byte) error {
	if !g.router.canSend(g.tag) {
		return ErrNotConnected
	}

	g.mu.Lock()
	sequence := g.sequence
	g.sequence++
	g.mu.Unlock()

	prefix := encodeEnvelope(RouteChannelMsg{
		ServiceID: serviceID,
		Tag:       g.tag,
		Sequence:  sequence,
	})
	return g.router.pipe.Send(net.Buffers{prefix, payload})
}

func (g *clientGateway) Subscribe(handler EventHandler) {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()

	if handler != nil && g.router.isConnected() {
		g.router.exec.Submit(func() {
			g.deliver(Connected{})
		})
	}
}

func (g *clientGateway) Complete(code ErrorCode) error {
	if !g.router.removeEndpoint(g.tag) {
		return ErrNotConnected
	}
	if !g.router.isConnected() {
		return ErrNotConnected
	}
	return g.router.pipe.Send(net.Buffers{encodeEnvelope(RouteChannelEnd{
		Tag:       g.tag,
		ErrorCode: code,
	})})
}

func (g *clientGateway) Close() error {
	err := g.Complete(CodeOK)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (g *clientGateway) deliver(event Event) {
	g.mu.Lock()
	handler := g.handler
	g.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}
