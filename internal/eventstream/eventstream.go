// Package eventstream frames completed SMEM events onto a length-prefixed
// TCP stream, the transport the example consumer process uses to observe a
// builder's output without attaching to a real shared-memory segment (spec
// §1 treats shared-memory primitives as an assumed external collaborator;
// this is the in-repo stand-in consumers actually connect to).
package eventstream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/yanet-platform/daqfabric/internal/smem"
)

// eventHeaderBytes is the wire size of an encoded smem.EventHeader:
// RunID, SubrunID, SequenceID, EventID, IsComplete.
const eventHeaderBytes = 4 + 4 + 8 + 8 + 1

// EncodeHeader renders h as its fixed little-endian byte layout.
func EncodeHeader(h smem.EventHeader) []byte {
	buf := make([]byte, eventHeaderBytes)
	binary.LittleEndian.PutUint32(buf[0:4], h.RunID)
	binary.LittleEndian.PutUint32(buf[4:8], h.SubrunID)
	binary.LittleEndian.PutUint64(buf[8:16], h.SequenceID)
	binary.LittleEndian.PutUint64(buf[16:24], h.EventID)
	if h.IsComplete {
		buf[24] = 1
	}
	return buf
}

// DecodeHeader parses the layout EncodeHeader produces.
func DecodeHeader(buf []byte) (smem.EventHeader, error) {
	if len(buf) < eventHeaderBytes {
		return smem.EventHeader{}, fmt.Errorf("eventstream: short event header: %d bytes", len(buf))
	}
	return smem.EventHeader{
		RunID:      binary.LittleEndian.Uint32(buf[0:4]),
		SubrunID:   binary.LittleEndian.Uint32(buf[4:8]),
		SequenceID: binary.LittleEndian.Uint64(buf[8:16]),
		EventID:    binary.LittleEndian.Uint64(buf[16:24]),
		IsComplete: buf[24] != 0,
	}, nil
}

// WriteEvent writes one framed event to w: a 4-byte little-endian length
// prefix followed by the encoded header and the event's data.
func WriteEvent(w io.Writer, ev *smem.ReleasedEvent) error {
	header := EncodeHeader(ev.Header)
	body := append(header, ev.Data...)

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(body)))

	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("eventstream: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("eventstream: write event body: %w", err)
	}
	return nil
}

// ReadEvent reads one framed event from r, as written by WriteEvent.
func ReadEvent(r io.Reader) (smem.EventHeader, []byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return smem.EventHeader{}, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf)

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return smem.EventHeader{}, nil, fmt.Errorf("eventstream: read event body: %w", err)
	}

	h, err := DecodeHeader(body)
	if err != nil {
		return smem.EventHeader{}, nil, err
	}
	return h, body[eventHeaderBytes:], nil
}
