// Package fragment defines the bit-exact wire format for the atomic
// transported unit of the fabric: a header, optional metadata, and a
// payload, laid out as a contiguous sequence of 64-bit little-endian words.
package fragment

import (
	"encoding/binary"
	"fmt"
)

// Type distinguishes user payload from control fragments.
type Type uint8

const (
	TypeData Type = iota
	TypeInit
	TypeEndOfData
	TypeEndOfRun
	TypeEndOfSubrun
	TypeShutdown
	TypeEmpty
	TypeContainer
	TypeError
	// InvalidType is the reserved sentinel for an unset/invalid fragment type.
	InvalidType Type = 0xff
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeInit:
		return "Init"
	case TypeEndOfData:
		return "EndOfData"
	case TypeEndOfRun:
		return "EndOfRun"
	case TypeEndOfSubrun:
		return "EndOfSubrun"
	case TypeShutdown:
		return "Shutdown"
	case TypeEmpty:
		return "Empty"
	case TypeContainer:
		return "Container"
	case TypeError:
		return "Error"
	case InvalidType:
		return "Invalid"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Reserved sentinel values, reproduced bit-exact from the original header
// layout.
const (
	InvalidSequenceID uint64 = ^uint64(0)
	InvalidTimestamp  uint64 = ^uint64(0)
	InvalidFragmentID uint16 = 0xffff
)

// HeaderWords is the number of 64-bit words occupied by RawHeader on the
// wire (H in §6).
const HeaderWords = 5

// HeaderBytes is HeaderWords expressed in bytes.
const HeaderBytes = HeaderWords * 8

// RawHeader is the fixed-size fragment header. Field order and width here
// are binding: every byte matters for interop with anything reading the
// raw word stream.
type RawHeader struct {
	WordCount         uint64 // total fragment size in 64-bit words, header included
	SequenceID        uint64
	FragmentID        uint16 // effectively 16-bit; wire word is 64-bit, high bits reserved
	Timestamp         uint64
	Type              Type
	MetadataWordCount uint16
}

// NumWords returns the number of 64-bit words this header describes,
// including the header itself.
func (h *RawHeader) NumWords() uint64 {
	return h.WordCount
}

// PayloadWords returns the number of words occupied by the payload alone
// (excluding header and metadata).
func (h *RawHeader) PayloadWords() uint64 {
	total := uint64(HeaderWords) + uint64(h.MetadataWordCount)
	if h.WordCount < total {
		return 0
	}
	return h.WordCount - total
}

// IsSystemType reports whether t is a control fragment rather than user
// payload.
func (t Type) IsSystemType() bool {
	switch t {
	case TypeInit, TypeEndOfData, TypeEndOfRun, TypeEndOfSubrun, TypeShutdown:
		return true
	default:
		return false
	}
}

// Encode serializes the header into HeaderBytes little-endian bytes.
func (h *RawHeader) Encode() []byte {
	buf := make([]byte, HeaderBytes)
	binary.LittleEndian.PutUint64(buf[0:8], h.WordCount)
	binary.LittleEndian.PutUint64(buf[8:16], h.SequenceID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.FragmentID))
	binary.LittleEndian.PutUint64(buf[24:32], h.Timestamp)
	// Word 4 packs type (low byte) and metadata word count (next two bytes).
	w4 := uint64(h.Type) | uint64(h.MetadataWordCount)<<8
	binary.LittleEndian.PutUint64(buf[32:40], w4)
	return buf
}

// DecodeHeader parses a RawHeader from HeaderBytes little-endian bytes.
func DecodeHeader(buf []byte) (RawHeader, error) {
	if len(buf) < HeaderBytes {
		return RawHeader{}, fmt.Errorf("fragment: short header: got %d bytes, want %d", len(buf), HeaderBytes)
	}

	var h RawHeader
	h.WordCount = binary.LittleEndian.Uint64(buf[0:8])
	h.SequenceID = binary.LittleEndian.Uint64(buf[8:16])
	h.FragmentID = uint16(binary.LittleEndian.Uint64(buf[16:24]))
	h.Timestamp = binary.LittleEndian.Uint64(buf[24:32])
	w4 := binary.LittleEndian.Uint64(buf[32:40])
	h.Type = Type(w4 & 0xff)
	h.MetadataWordCount = uint16((w4 >> 8) & 0xffff)
	return h, nil
}

// Fragment is a header plus its metadata and payload bytes, the in-memory
// counterpart of the wire format described in §6.
type Fragment struct {
	Header   RawHeader
	Metadata []byte
	Payload  []byte
}

// Bytes renders the fragment as its full wire representation: header,
// metadata, payload, in that order.
func (f *Fragment) Bytes() []byte {
	out := make([]byte, 0, HeaderBytes+len(f.Metadata)+len(f.Payload))
	out = append(out, f.Header.Encode()...)
	out = append(out, f.Metadata...)
	out = append(out, f.Payload...)
	return out
}

// NetMonHeader describes the opaque metadata blob carried by an Init
// fragment.
type NetMonHeader struct {
	DataLength uint64
}

// Encode serializes the header as a single little-endian word.
func (h NetMonHeader) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, h.DataLength)
	return buf
}

// EndOfDataPayload is the single-word payload of an EndOfData fragment:
// the sender's total fragment count.
type EndOfDataPayload struct {
	ExpectedFragments uint64
}

// Encode serializes the payload as a single little-endian word.
func (p EndOfDataPayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.ExpectedFragments)
	return buf
}

// DecodeEndOfDataPayload parses a one-word EndOfData payload.
func DecodeEndOfDataPayload(buf []byte) (EndOfDataPayload, error) {
	if len(buf) < 8 {
		return EndOfDataPayload{}, fmt.Errorf("fragment: short EndOfData payload: got %d bytes", len(buf))
	}
	return EndOfDataPayload{ExpectedFragments: binary.LittleEndian.Uint64(buf[:8])}, nil
}

// RunBoundaryPayload is the single-word payload of EndOfRun/EndOfSubrun
// fragments: the sender's rank.
type RunBoundaryPayload struct {
	SenderRank int32
}

// Encode serializes the payload as a single little-endian word.
func (p RunBoundaryPayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(uint32(p.SenderRank)))
	return buf
}

// DecodeRunBoundaryPayload parses a one-word run-boundary payload.
func DecodeRunBoundaryPayload(buf []byte) (RunBoundaryPayload, error) {
	if len(buf) < 8 {
		return RunBoundaryPayload{}, fmt.Errorf("fragment: short run-boundary payload: got %d bytes", len(buf))
	}
	return RunBoundaryPayload{SenderRank: int32(uint32(binary.LittleEndian.Uint64(buf[:8])))}, nil
}
