// Package ipcmux implements the IPC routing core of a daemon-client system:
// a bidirectional, multiplexed, typed request/response-and-streaming channel
// layer carried over a single byte-oriented pipe (unix domain socket,
// abstract or filesystem, or TCP). Many independent logical channels share
// one pipe between a daemon and each of its clients; a single-threaded
// executor serializes all event delivery.
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

// PipeEvent is the byte-level event stream a pipe delivers to its handler.
// On the client side ClientID is always zero; on the server side it names
// the accepted connection the event belongs to.
type PipeEvent interface {
	isPipeEvent()
}

// PipeConnected reports that the socket is ready for traffic.
type PipeConnected struct {
	ClientID uint64
}

// PipeMessage carries one defragmented frame payload. The payload slice is
// only valid for the duration of the handler call; handlers that need it
// longer must copy.
type PipeMessage struct {
	ClientID uint64
	Payload  []byte
}

// PipeDisconnected reports that the socket is gone. It is delivered at most
// once per connection. Err is non-nil when the connection died because the
// peer violated the protocol, so the layer above can report the violation
// instead of a plain disconnect.
type PipeDisconnected struct {
	ClientID uint64
	Err      *Error
}

func (PipeConnected) isPipeEvent()    {}
func (PipeMessage) isPipeEvent()      {}
func (PipeDisconnected) isPipeEvent() {}

// PipeEventHandler consumes pipe events on the executor goroutine.
// Returning a non-nil error closes the connection the event came from.
type PipeEventHandler func(event PipeEvent) error

// Errors returned by pipe operations.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = &Error{Code: CodeAlreadyExists, Msg: "already started"}
	// ErrInvalidHandler is returned when no event handler is provided.
	ErrInvalidHandler = &Error{Code: CodeInvalidArgument, Msg: "invalid event handler"}
)

// ClientPipe drives one outgoing socket connection. Start dials in the
// background and delivers PipeConnected, PipeMessage and PipeDisconnected
// events to the handler on the executor goroutine. Send enqueues one frame
// for transmission and never blocks, so handlers may send reentrantly from
// inside their own event callback.
type ClientPipe struct {
	addr   *SocketAddress
	exec   *Executor
	logger Logger
	opts   options

	handler PipeEventHandler
	sendCh  chan net.Buffers

	mu      sync.Mutex
	conn    net.Conn
	started bool

	connected    atomic.Bool
	closed       atomic.Bool
	disconnected sync.Once
	cancel       context.CancelFunc
}

// NewClientPipe creates an idle client pipe for the given address.
func NewClientPipe(exec *Executor, addr *SocketAddress, opt ...Option) (*ClientPipe, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &ClientPipe{
		addr:   addr,
		exec:   exec,
		logger: opts.logger,
		opts:   opts,
		sendCh: make(chan net.Buffers, opts.bufferSize),
	}, nil
}

// Start initiates the connection and begins event delivery. It returns
// immediately; connection progress is reported through the handler.
func (p *ClientPipe) Start(handler PipeEventHandler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.handler = handler

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx)
	return nil
}

// Send enqueues the fragments of one frame for transmission as a single
// vectored write. It fails with ErrNotConnected before the socket is ready
// or after a disconnect, and with ErrBufferFull under backpressure.
func (p *ClientPipe) Send(fragments net.Buffers) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}

	select {
	case p.sendCh <- fragments:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close tears the pipe down. Safe to call multiple times.
func (p *ClientPipe) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	cancel, conn := p.cancel, p.conn
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (p *ClientPipe) run(ctx context.Context) {
	conn, err := p.addr.Dial(ctx, p.opts.dialTimeout)
	if err != nil {
		p.logger.Warn("pipe connect failed", "addr", p.addr.String(), "error", err)
		p.emitDisconnected(nil)
		return
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		conn.Close()
		p.emitDisconnected(nil)
		return
	}
	p.conn = conn
	p.mu.Unlock()

	p.logger.Info("pipe connected", "addr", p.addr.String())
	p.connected.Store(true)

	if err := p.emit(PipeConnected{}); err != nil {
		p.connected.Store(false)
		conn.Close()
		p.emitDisconnected(protocolError(err))
		return
	}

	group, child := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.readLoop(child, conn)
	})
	group.Go(func() error {
		return p.writeLoop(child, conn)
	})

	err = group.Wait()
	p.connected.Store(false)
	conn.Close()

	if err != nil && !errors.Is(err, context.Canceled) && err != io.EOF {
		p.logger.Info("pipe closed with error", "addr", p.addr.String(), "error", err)
	} else {
		p.logger.Info("pipe closed", "addr", p.addr.String())
	}

	p.emitDisconnected(protocolError(err))
}

// protocolError extracts the protocol violation behind a loop failure, if
// any. Ordinary disconnects and I/O failures return nil.
func protocolError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) && perr.Code == CodeInvalidArgument {
		return perr
	}
	return nil
}

// readLoop reads full frames and hands each one to the handler. The scratch
// buffer is reused across frames; delivery is synchronous with respect to
// the executor, so a frame is fully consumed before the next read.
func (p *ClientPipe) readLoop(ctx context.Context, conn net.Conn) error {
	reader := bufio.NewReader(conn)
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
				p.logger.Debug("pipe read error", "addr", p.addr.String(), "error", err)
			}
			return err
		}

		if err := p.emit(PipeMessage{Payload: payload}); err != nil {
			return err
		}
	}
}

func (p *ClientPipe) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fragments := <-p.sendCh:
			if err := writeFrame(conn, fragments); err != nil {
				p.logger.Debug("pipe write error", "addr", p.addr.String(), "error", err)
				return err
			}
		}
	}
}

// emit delivers one event on the executor goroutine and waits for the
// handler to finish with it.
func (p *ClientPipe) emit(event PipeEvent) error {
	var handlerErr error
	p.exec.submitWait(func() {
		handlerErr = p.handler(event)
	})
	return handlerErr
}

func (p *ClientPipe) emitDisconnected(cause *Error) {
	p.disconnected.Do(func() {
		_ = p.emit(PipeDisconnected{Err: cause})
	})
}
