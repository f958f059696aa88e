// Package nativebroker implements the portless native-messaging alternative
// to the WebSocket extension gateway: a broker process launched by the
// browser extension via Chrome Native Messaging, multiplexing between the
// extension (length-prefixed JSON frames on stdio) and server peers
// (length-prefixed JSON frames on Unix-domain sockets).
//
// Grounded on original_source/mcp_servers/browser/native_broker.py,
// native_broker_paths.py and native_broker_discovery.py.
package nativebroker

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes is the hard cap on a single frame's JSON payload length;
// frames exceeding it (or a zero-length frame) must drop the connection.
const maxFrameBytes = 8_000_000

// ReadFrame reads one little-endian uint32 length prefix followed by that
// many bytes of UTF-8 JSON. It returns an error (and the caller must close
// the connection) if the length is 0 or exceeds maxFrameBytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameBytes {
		return nil, fmt.Errorf("nativebroker: invalid frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || len(payload) > maxFrameBytes {
		return fmt.Errorf("nativebroker: invalid outgoing frame length %d", len(payload))
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
