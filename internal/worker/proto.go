// Package worker runs generated programs in sandboxed OS processes: a
// length-prefixed msgpack protocol over stdio, a serve loop for the worker
// side, and a supervising pool on the host side.
package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/parascope/parascope/internal/sandbox"
)

// maxFrame bounds a single protocol frame. Programs and result trees are
// small; anything near this size is a runaway.
const maxFrame = 64 << 20

// Request asks a worker to execute a program document. A document carrying a
// sweep plan runs its class once per scenario instead of once with the entry
// overrides.
type Request struct {
	ID      string `msgpack:"id"`
	Program []byte `msgpack:"program"`

	AllowedImports []string `msgpack:"allowed_imports,omitempty"`
	Preload        []string `msgpack:"preload,omitempty"`
}

// Reply is the worker's answer to one Request.
type Reply struct {
	ID      string `msgpack:"id"`
	Success bool   `msgpack:"success"`
	Error   string `msgpack:"error,omitempty"`

	// Results is the result tree of a single run.
	Results *sandbox.ResultTree `msgpack:"results,omitempty"`

	// Steps holds one result tree per sweep scenario, in order.
	Steps []*sandbox.ResultTree `msgpack:"steps,omitempty"`
}

// WriteFrame writes one length-prefixed msgpack message.
func WriteFrame(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// WriteShutdown writes the zero-length sentinel frame that tells a worker to
// exit cleanly.
func WriteShutdown(w io.Writer) error {
	var hdr [4]byte
	_, err := w.Write(hdr[:])
	return err
}

// ErrShutdown is returned by ReadFrame when the peer sent the shutdown
// sentinel.
var ErrShutdown = fmt.Errorf("shutdown frame")

// ReadFrame reads one length-prefixed msgpack message into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return ErrShutdown
	}
	if n > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return msgpack.Unmarshal(body, v)
}
