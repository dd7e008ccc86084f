package ipcmux

import (
	"encoding/binary"
	"io"
	"net"
)

// Wire framing constants. Every message on the pipe is
// [u32 signature][u32 length][length bytes], little-endian.
const (
	frameSignature  = 0x5356434F // 'OCVS'
	frameHeaderSize = 8

	// MaxFramePayload is the protocol limit on a single frame payload.
	MaxFramePayload = 1 << 20

	// smallPayloadSize payloads fit the per-connection scratch buffer and
	// avoid an allocation per frame.
	smallPayloadSize = 256
)

// writeFrame writes one frame: the header followed by the given fragments.
// The fragments are handed to the kernel as a single vectored write, so an
// envelope prefix and its opaque payload go out without concatenation.
// Partial writes are completed by net.Buffers.
func writeFrame(w io.Writer, fragments net.Buffers) error {
	total := 0
	for _, fragment := range fragments {
		total += len(fragment)
	}
	if total == 0 || total > MaxFramePayload {
		return newError(CodeInvalidArgument, "frame payload length %d out of range [1, %d]", total, MaxFramePayload)
	}

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], frameSignature)
	binary.LittleEndian.PutUint32(header[4:8], uint32(total))

	buffers := make(net.Buffers, 0, len(fragments)+1)
	buffers = append(buffers, header[:])
	buffers = append(buffers, fragments...)

	if _, err := buffers.WriteTo(w); err != nil {
		return wrapError(CodeIO, err, "frame write failed")
	}
	return nil
}

// readFrame reads and validates one frame. Payloads no larger than the
// scratch buffer are read into it; the returned slice is then only valid
// until the next readFrame call on the same connection. A signature
// mismatch, a zero length or a length above maxPayload is a protocol error
// that must close the connection.
func readFrame(r io.Reader, scratch []byte, maxPayload int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, wrapError(CodeIO, err, "frame header read failed")
	}

	if signature := binary.LittleEndian.Uint32(header[0:4]); signature != frameSignature {
		return nil, newError(CodeInvalidArgument, "bad frame signature 0x%08X", signature)
	}

	length := int(binary.LittleEndian.Uint32(header[4:8]))
	if length == 0 || length > maxPayload {
		return nil, newError(CodeInvalidArgument, "frame payload length %d out of range [1, %d]", length, maxPayload)
	}

	payload := scratch[:0]
	if length <= len(scratch) {
		payload = scratch[:length]
	} else {
		payload = make([]byte, length)
	}

	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, wrapError(CodeIO, err, "frame payload read failed")
	}
	return payload, nil
}
