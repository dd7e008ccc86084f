package ipcmux

// Event is the routed event stream one endpoint observes. Connected and
// Completed bracket the useful lifetime of a gateway; Input carries the
// opaque service payloads addressed to it.
type Event interface {
	isEvent()
}

// Connected reports that the routing handshake finished and the gateway may
// send. On the server side it is delivered before the first Input of a new
// endpoint.
type Connected struct{}

// Input carries one service payload addressed to this gateway. The payload
// slice is only valid for the duration of the handler call.
type Input struct {
	Sequence uint64
	Payload  []byte
}

// Completed is the final event of a gateway. Err is nil for a graceful
// close and otherwise carries the code the channel was ended with. When the
// underlying pipe went away it carries CodeDisconnected, or
// CodeInvalidArgument when the pipe was closed over a protocol violation.
// No further events follow.
type Completed struct {
	Err *Error
}

func (Connected) isEvent() {}
func (Input) isEvent()     {}
func (Completed) isEvent() {}

// EventHandler consumes gateway events on the executor goroutine.
type EventHandler func(event Event)

// Gateway is one end of a logical channel multiplexed over the pipe. A
// gateway is inert until Subscribe is called; events before that are
// dropped. All methods may be called from any goroutine.
type Gateway interface {
	// Send transmits one opaque payload to the peer endpoint. It fails
	// with ErrNotConnected before the handshake or after completion.
	Send(serviceID uint64, payload []byte) error

	// Subscribe registers the event handler and starts delivery. If the
	// route is already connected, Connected is delivered asynchronously.
	Subscribe(handler EventHandler)

	// Complete ends the channel from this side, telling the peer the
	// given code. CodeOK means a graceful close.
	Complete(code ErrorCode) error

	// Close releases the endpoint. If the route is connected the peer is
	// told the channel ended gracefully. Safe to call multiple times.
	Close() error
}
