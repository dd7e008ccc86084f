package ipcmux

import (
	"encoding/binary"
)

// Routing protocol version exchanged during the handshake.
const (
	ProtocolVersionMajor = 1
	ProtocolVersionMinor = 0
)

// Envelope variant tags on the wire. Appending new variants is allowed;
// reordering is not.
const (
	envTagEmpty      = 0
	envTagConnect    = 1
	envTagChannelMsg = 2
	envTagChannelEnd = 3
)

// Envelope body sizes (fixed layout, little-endian fields).
const (
	envHeaderSize         = 3 // u8 tag + u16 body length
	envConnectBodySize    = 2
	envChannelMsgBodySize = 24
	envChannelEndBodySize = 12
)

// RouteEnvelope is the small tagged union prefixed to every frame. The
// routing layer reads it and never looks at the opaque service payload that
// follows.
type RouteEnvelope interface {
	isRouteEnvelope()
}

// RouteConnect opens the routing handshake and announces the protocol
// version of the sender.
type RouteConnect struct {
	Major uint8
	Minor uint8
}

// RouteChannelMsg prefixes one service payload addressed to an endpoint.
type RouteChannelMsg struct {
	ServiceID uint64
	Tag       uint64
	Sequence  uint64
}

// RouteChannelEnd is the final frame for an endpoint. ErrorCode CodeOK means
// a graceful close.
type RouteChannelEnd struct {
	Tag       uint64
	ErrorCode ErrorCode
}

// RouteEmpty stands in for variants this build does not understand. It is
// decoded and ignored, which keeps old peers compatible with newer ones.
type RouteEmpty struct{}

func (RouteConnect) isRouteEnvelope()    {}
func (RouteChannelMsg) isRouteEnvelope() {}
func (RouteChannelEnd) isRouteEnvelope() {}
func (RouteEmpty) isRouteEnvelope()      {}

// encodeEnvelope serializes env as [u8 tag][u16 bodyLen][body].
func encodeEnvelope(env RouteEnvelope) []byte {
	switch e := env.(type) {
	case RouteConnect:
		buf := makeEnvelope(envTagConnect, envConnectBodySize)
		buf[envHeaderSize] = e.Major
		buf[envHeaderSize+1] = e.Minor
		return buf
	case RouteChannelMsg:
		buf := makeEnvelope(envTagChannelMsg, envChannelMsgBodySize)
		binary.LittleEndian.PutUint64(buf[envHeaderSize:], e.ServiceID)
		binary.LittleEndian.PutUint64(buf[envHeaderSize+8:], e.Tag)
		binary.LittleEndian.PutUint64(buf[envHeaderSize+16:], e.Sequence)
		return buf
	case RouteChannelEnd:
		buf := makeEnvelope(envTagChannelEnd, envChannelEndBodySize)
		binary.LittleEndian.PutUint64(buf[envHeaderSize:], e.Tag)
		binary.LittleEndian.PutUint32(buf[envHeaderSize+8:], uint32(e.ErrorCode))
		return buf
	default:
		return makeEnvelope(envTagEmpty, 0)
	}
}

func makeEnvelope(tag uint8, bodyLen int) []byte {
	buf := make([]byte, envHeaderSize+bodyLen)
	buf[0] = tag
	binary.LittleEndian.PutUint16(buf[1:3], uint16(bodyLen))
	return buf
}

// decodeEnvelope parses the envelope prefix of a frame and returns the
// number of bytes it consumed; frame[consumed:] is the opaque service
// payload. Unknown variants decode to RouteEmpty with their body skipped.
func decodeEnvelope(frame []byte) (RouteEnvelope, int, error) {
	if len(frame) < envHeaderSize {
		return nil, 0, newError(CodeInvalidArgument, "envelope truncated: %d bytes", len(frame))
	}

	tag := frame[0]
	bodyLen := int(binary.LittleEndian.Uint16(frame[1:3]))
	consumed := envHeaderSize + bodyLen
	if consumed > len(frame) {
		return nil, 0, newError(CodeInvalidArgument, "envelope body exceeds frame: %d > %d", consumed, len(frame))
	}
	body := frame[envHeaderSize:consumed]

	switch tag {
	case envTagEmpty:
		return RouteEmpty{}, consumed, nil

	case envTagConnect:
		if bodyLen < envConnectBodySize {
			return nil, 0, newError(CodeInvalidArgument, "connect envelope body too short: %d", bodyLen)
		}
		return RouteConnect{Major: body[0], Minor: body[1]}, consumed, nil

	case envTagChannelMsg:
		if bodyLen < envChannelMsgBodySize {
			return nil, 0, newError(CodeInvalidArgument, "channel msg envelope body too short: %d", bodyLen)
		}
		return RouteChannelMsg{
			ServiceID: binary.LittleEndian.Uint64(body[0:8]),
			Tag:       binary.LittleEndian.Uint64(body[8:16]),
			Sequence:  binary.LittleEndian.Uint64(body[16:24]),
		}, consumed, nil

	case envTagChannelEnd:
		if bodyLen < envChannelEndBodySize {
			return nil, 0, newError(CodeInvalidArgument, "channel end envelope body too short: %d", bodyLen)
		}
		return RouteChannelEnd{
			Tag:       binary.LittleEndian.Uint64(body[0:8]),
			ErrorCode: ErrorCode(binary.LittleEndian.Uint32(body[8:12])),
		}, consumed, nil

	default:
		// Forward compatibility: skip the unknown variant and its body.
		return RouteEmpty{}, consumed, nil
	}
}
