package ipcmux

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ServerPipe owns a listening socket and every connection accepted from it.
// Each accepted connection is assigned a ClientId that is unique for the
// lifetime of the pipe; events carry that id so the layer above can keep
// per-client state. Sends are addressed by ClientId.
type ServerPipe struct {
	addr   *SocketAddress
	exec   *Executor
	logger Logger
	opts   options

	handler  PipeEventHandler
	listener net.Listener
	cancel   context.CancelFunc

	mu           sync.Mutex
	started      bool
	clients      map[uint64]*serverClient
	lastClientID uint64

	closed atomic.Bool
}

type serverClient struct {
	id     uint64
	conn   net.Conn
	sendCh chan net.Buffers
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServerPipe creates an idle server pipe for the given listen address.
func NewServerPipe(exec *Executor, addr *SocketAddress, opt ...Option) (*ServerPipe, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &ServerPipe{
		addr:    addr,
		exec:    exec,
		logger:  opts.logger,
		opts:    opts,
		clients: make(map[uint64]*serverClient),
	}, nil
}

// Start binds, listens and begins accepting connections. Events for every
// accepted client are delivered to the handler on the executor goroutine.
func (p *ServerPipe) Start(handler PipeEventHandler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	listener, err := p.addr.Listen(context.Background())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.started = true
	p.handler = handler
	p.listener = listener
	p.cancel = cancel

	p.logger.Info("server pipe started", "addr", p.addr.String())
	go p.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listener address, useful with port 0 listeners.
func (p *ServerPipe) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Send enqueues the fragments of one frame for the given client. Unknown or
// already-closed clients yield ErrNotConnected.
func (p *ServerPipe) Send(clientID uint64, fragments net.Buffers) error {
	p.mu.Lock()
	client, ok := p.clients[clientID]
	p.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	select {
	case client.sendCh <- fragments:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting and tears down every client connection.
func (p *ServerPipe) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	listener := p.listener
	cancel := p.cancel
	clients := make([]*serverClient, 0, len(p.clients))
	for _, client := range p.clients {
		clients = append(clients, client)
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, client := range clients {
		client.conn.Close()
	}
	if listener != nil {
		return listener.Close()
	}
	return nil
}

func (p *ServerPipe) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.closed.Load() {
				p.logger.Info("server pipe stopped", "addr", p.addr.String())
				return
			}

			var netErr net.Error
			if isTransientAcceptError(err) || (errors.As(err, &netErr) && netErr.Timeout()) {
				p.logger.Debug("accept failed; retrying", "addr", p.addr.String(), "error", err)
				continue
			}

			p.logger.Error("accept error", "addr", p.addr.String(), "error", err)
			return
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		client := p.registerClient(ctx, conn)
		if client == nil {
			conn.Close()
			return
		}

		p.logger.Info("client connected", "client_id", client.id, "remote_addr", conn.RemoteAddr())
		go p.serveClient(client)
	}
}

func (p *ServerPipe) registerClient(ctx context.Context, conn net.Conn) *serverClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil
	}

	p.lastClientID++
	clientCtx, cancel := context.WithCancel(ctx)

	client := &serverClient{
		id:     p.lastClientID,
		conn:   conn,
		sendCh: make(chan net.Buffers, p.opts.bufferSize),
		ctx:    clientCtx,
		cancel: cancel,
	}
	p.clients[client.id] = client
	return client
}

func (p *ServerPipe) unregisterClient(client *serverClient) {
	p.mu.Lock()
	delete(p.clients, client.id)
	p.mu.Unlock()
}

// serveClient runs the read/write loop pair of one accepted connection and
// reports its lifecycle upward. Disconnected is delivered exactly once, when
// the loops are done and the client is already unregistered, so a send
// attempted from the Disconnected handler fails with ErrNotConnected.
func (p *ServerPipe) serveClient(client *serverClient) {
	if err := p.emit(PipeConnected{ClientID: client.id}); err != nil {
		p.dropClient(client, protocolError(err))
		return
	}

	group, child := errgroup.WithContext(client.ctx)
	group.Go(func() error {
		return p.clientReadLoop(child, client)
	})
	group.Go(func() error {
		return p.clientWriteLoop(child, client)
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && err != io.EOF {
		p.logger.Info("client closed with error", "client_id", client.id, "error", err)
	} else {
		p.logger.Info("client closed", "client_id", client.id)
	}

	p.dropClient(client, protocolError(err))
}

func (p *ServerPipe) dropClient(client *serverClient, cause *Error) {
	p.unregisterClient(client)
	client.cancel()
	client.conn.Close()
	_ = p.emit(PipeDisconnected{ClientID: client.id, Err: cause})
}

func (p *ServerPipe) clientReadLoop(ctx context.Context, client *serverClient) error {
	reader := bufio.NewReader(client.conn)
	scratch := make([]byte, smallPayloadSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := readFrame(reader, scratch, p.opts.maxPayload)
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("client read error", "client_id", client.id, "error", err)
			}
			return err
		}

		if err := p.emit(PipeMessage{ClientID: client.id, Payload: payload}); err != nil {
			return err
		}
	}
}

func (p *ServerPipe) clientWriteLoop(ctx context.Context, client *serverClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fragments := <-client.sendCh:
			if err := writeFrame(client.conn, fragments); err != nil {
				p.logger.Debug("client write error", "client_id", client.id, "error", err)
				return err
			}
		}
	}
}

func (p *ServerPipe) emit(event PipeEvent) error {
	var handlerErr error
	p.exec.submitWait(func() {
		handlerErr = p.handler(event)
	})
	return handlerErr
}
