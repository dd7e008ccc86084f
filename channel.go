package ipcmux

import (
	"bytes"
	"encoding/gob"
	"hash/fnv"
	"io"
	"reflect"
)

// ChannelCallbacks receives the typed events of one channel. Nil callbacks
// are skipped. All callbacks run on the executor goroutine.
type ChannelCallbacks[I any] struct {
	OnConnected func()
	OnInput     func(sequence uint64, msg *I)
	OnCompleted func(err *Error)
}

// Channel is a typed view over one gateway: it receives I messages and
// sends O messages, both encoded with gob. The client and server sides of
// the same service declare mirrored type parameters.
type Channel[I, O any] struct {
	gw        Gateway
	serviceID uint64
	logger    Logger
}

// NewChannel opens a client-side channel for the named service. The service
// id is derived from the name and the outgoing message type, so both sides
// must agree on the request type for the call to route.
func NewChannel[I, O any](r *ClientRouter, name string) *Channel[I, O] {
	return &Channel[I, O]{
		gw:        r.MakeGateway(),
		serviceID: serviceID(name, reflect.TypeOf((*O)(nil)).Elem()),
		logger:    r.logger,
	}
}

// RegisterChannel installs a server-side handler for the named service. The
// handler is called on the executor goroutine with a fresh channel and the
// decoded first message; it must Subscribe before returning to keep the
// channel, and may Send and Complete at any later point.
func RegisterChannel[I, O any](r *ServerRouter, name string, handler func(ch *Channel[I, O], first *I)) error {
	id := serviceID(name, reflect.TypeOf((*I)(nil)).Elem())
	return r.RegisterFactory(id, func(gw Gateway, payload []byte) {
		var first I
		if err := decodeMessage(payload, &first); err != nil {
			r.logger.Warn("channel open rejected; first message decode failed",
				"service", name, "error", err)
			_ = gw.Complete(CodeInvalidArgument)
			return
		}
		handler(&Channel[I, O]{gw: gw, serviceID: id, logger: r.logger}, &first)
	})
}

// Send encodes one message and transmits it on the channel.
func (c *Channel[I, O]) Send(msg *O) error {
	payload, err := encodeMessage(msg)
	if err != nil {
		return wrapError(CodeInvalidArgument, err, "message encode failed")
	}
	return c.gw.Send(c.serviceID, payload)
}

// Subscribe starts typed event delivery. An undecodable incoming message is
// a protocol error: the channel is completed with CodeInvalidArgument on
// both sides and no further events follow.
func (c *Channel[I, O]) Subscribe(cb ChannelCallbacks[I]) {
	c.gw.Subscribe(func(event Event) {
		switch e := event.(type) {
		case Connected:
			if cb.OnConnected != nil {
				cb.OnConnected()
			}

		case Input:
			var msg I
			if err := decodeMessage(e.Payload, &msg); err != nil {
				c.logger.Warn("channel message decode failed", "error", err)
				_ = c.gw.Complete(CodeInvalidArgument)
				if cb.OnCompleted != nil {
					cb.OnCompleted(wrapError(CodeInvalidArgument, err, "message decode failed"))
				}
				return
			}
			if cb.OnInput != nil {
				cb.OnInput(e.Sequence, &msg)
			}

		case Completed:
			if cb.OnCompleted != nil {
				cb.OnCompleted(e.Err)
			}
		}
	})
}

// Complete ends the channel, telling the peer the given code.
func (c *Channel[I, O]) Complete(code ErrorCode) error {
	return c.gw.Complete(code)
}

// Close releases the channel. Safe to call multiple times.
func (c *Channel[I, O]) Close() error {
	return c.gw.Close()
}

// serviceID derives the routing id of a service from its name and the type
// of the message that opens it.
func serviceID(name string, t reflect.Type) uint64 {
	h := fnv.New64a()
	_, _ = io.WriteString(h, name)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, t.String())
	return h.Sum64()
}

func encodeMessage(msg any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMessage(payload []byte, msg any) error {
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(msg)
}
