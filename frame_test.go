package ipcmux

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		fragments net.Buffers
	}{
		{"single fragment", net.Buffers{[]byte("hello")}},
		{"two fragments", net.Buffers{[]byte("head"), []byte("tail")}},
		{"scratch sized payload", net.Buffers{bytes.Repeat([]byte{0xAB}, smallPayloadSize)}},
		{"payload above scratch", net.Buffers{bytes.Repeat([]byte{0xCD}, smallPayloadSize+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var want []byte
			for _, fragment := range tt.fragments {
				want = append(want, fragment...)
			}

			var wire bytes.Buffer
			if err := writeFrame(&wire, tt.fragments); err != nil {
				t.Fatalf("writeFrame failed: %v", err)
			}

			scratch := make([]byte, smallPayloadSize)
			payload, err := readFrame(bufio.NewReader(&wire), scratch, MaxFramePayload)
			if err != nil {
				t.Fatalf("readFrame failed: %v", err)
			}
			if !bytes.Equal(payload, want) {
				t.Errorf("payload = %q, want %q", payload, want)
			}
		})
	}
}

func TestWriteFrame_LengthLimits(t *testing.T) {
	var wire bytes.Buffer

	if err := writeFrame(&wire, net.Buffers{}); err == nil {
		t.Error("empty frame accepted, want error")
	}

	big := net.Buffers{make([]byte, MaxFramePayload+1)}
	if err := writeFrame(&wire, big); err == nil {
		t.Error("oversized frame accepted, want error")
	}

	exact := net.Buffers{make([]byte, MaxFramePayload)}
	if err := writeFrame(&wire, exact); err != nil {
		t.Errorf("frame at the limit rejected: %v", err)
	}
}

func TestReadFrame_BadSignature(t *testing.T) {
	var wire bytes.Buffer
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(header[4:8], 4)
	wire.Write(header[:])
	wire.WriteString("body")

	scratch := make([]byte, smallPayloadSize)
	_, err := readFrame(bufio.NewReader(&wire), scratch, MaxFramePayload)
	if err == nil {
		t.Fatal("bad signature accepted, want error")
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeInvalidArgument {
		t.Errorf("error = %v, want code %v", err, CodeInvalidArgument)
	}
}

func TestReadFrame_BadLength(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
	}{
		{"zero length", 0},
		{"above max payload", MaxFramePayload + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wire bytes.Buffer
			var header [frameHeaderSize]byte
			binary.LittleEndian.PutUint32(header[0:4], frameSignature)
			binary.LittleEndian.PutUint32(header[4:8], tt.length)
			wire.Write(header[:])

			scratch := make([]byte, smallPayloadSize)
			_, err := readFrame(bufio.NewReader(&wire), scratch, MaxFramePayload)
			if err == nil {
				t.Fatal("bad length accepted, want error")
			}
		})
	}
}

func TestReadFrame_EOF(t *testing.T) {
	scratch := make([]byte, smallPayloadSize)
	_, err := readFrame(bufio.NewReader(bytes.NewReader(nil)), scratch, MaxFramePayload)
	if err != io.EOF {
		t.Errorf("error = %v, want io.EOF", err)
	}
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	var wire bytes.Buffer
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], frameSignature)
	binary.LittleEndian.PutUint32(header[4:8], 10)
	wire.Write(header[:])
	wire.WriteString("short")

	scratch := make([]byte, smallPayloadSize)
	_, err := readFrame(bufio.NewReader(&wire), scratch, MaxFramePayload)
	if err == nil {
		t.Fatal("truncated payload accepted, want error")
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeIO {
		t.Errorf("error = %v, want code %v", err, CodeIO)
	}
}

func TestReadFrame_ScratchReuse(t *testing.T) {
	scratch := make([]byte, smallPayloadSize)

	var wire bytes.Buffer
	if err := writeFrame(&wire, net.Buffers{[]byte("small")}); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}
	payload, err := readFrame(bufio.NewReader(&wire), scratch, MaxFramePayload)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if &payload[0] != &scratch[0] {
		t.Error("small payload not read into scratch buffer")
	}

	wire.Reset()
	big := bytes.Repeat([]byte{0x11}, smallPayloadSize*2)
	if err := writeFrame(&wire, net.Buffers{big}); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}
	payload, err = readFrame(bufio.NewReader(&wire), scratch, MaxFramePayload)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if &payload[0] == &scratch[0] {
		t.Error("large payload unexpectedly placed in scratch buffer")
	}
}
