// Package transport implements the bit-exact wire encode/decode for every
// message in spec §6: routing tables, routing acks, routing tokens, and
// request datagrams.
package transport

import (
	"encoding/binary"
	"fmt"
)

// Magic numbers, reproduced bit-exact from §6.
const (
	RoutingTableMagic  uint32 = 0x1337beef
	RoutingTokenMagic  uint32 = 0xbeefcafe
	RequestHeaderMagic uint32 = 0x48454452 // "HEDR"
	RequestPacketMagic uint32 = 0x54524947 // "TRIG"
)

// MaxDatagramSize bounds any single UDP send, per §6.
const MaxDatagramSize = 65000

// RouteMode selects how a routing table's entries are keyed.
type RouteMode uint8

const (
	RouteBySequenceID RouteMode = iota
	RouteBySendCount
)

// RoutingPacketHeader precedes a routing table's entries on the wire.
type RoutingPacketHeader struct {
	Magic    uint32
	Mode     RouteMode
	NEntries uint64
}

const routingPacketHeaderSize = 4 + 1 + 8

// Encode serializes the header to its wire form.
func (h *RoutingPacketHeader) Encode() []byte {
	buf := make([]byte, routingPacketHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = byte(h.Mode)
	binary.BigEndian.PutUint64(buf[5:13], h.NEntries)
	return buf
}

// DecodeRoutingPacketHeader parses a RoutingPacketHeader.
func DecodeRoutingPacketHeader(buf []byte) (RoutingPacketHeader, error) {
	if len(buf) < routingPacketHeaderSize {
		return RoutingPacketHeader{}, fmt.Errorf("transport: short routing header: got %d bytes", len(buf))
	}
	h := RoutingPacketHeader{
		Magic:    binary.BigEndian.Uint32(buf[0:4]),
		Mode:     RouteMode(buf[4]),
		NEntries: binary.BigEndian.Uint64(buf[5:13]),
	}
	if h.Magic != RoutingTableMagic {
		return RoutingPacketHeader{}, fmt.Errorf("transport: %w: routing header magic %#x", ErrProtocolViolation, h.Magic)
	}
	return h, nil
}

// RoutingPacketEntry is one (sequence_id, destination_rank) pair.
type RoutingPacketEntry struct {
	SequenceID      uint64
	DestinationRank int32
}

const routingPacketEntrySize = 8 + 4

// EncodeRoutingEntries serializes a slice of entries.
func EncodeRoutingEntries(entries []RoutingPacketEntry) []byte {
	buf := make([]byte, len(entries)*routingPacketEntrySize)
	for i, e := range entries {
		off := i * routingPacketEntrySize
		binary.BigEndian.PutUint64(buf[off:off+8], e.SequenceID)
		binary.BigEndian.PutUint32(buf[off+8:off+12], uint32(e.DestinationRank))
	}
	return buf
}

// DecodeRoutingEntries parses n entries from buf.
func DecodeRoutingEntries(buf []byte, n uint64) ([]RoutingPacketEntry, error) {
	need := int(n) * routingPacketEntrySize
	if len(buf) < need {
		return nil, fmt.Errorf("transport: short routing entries: got %d bytes, want %d", len(buf), need)
	}
	entries := make([]RoutingPacketEntry, n)
	for i := range entries {
		off := i * routingPacketEntrySize
		entries[i] = RoutingPacketEntry{
			SequenceID:      binary.BigEndian.Uint64(buf[off : off+8]),
			DestinationRank: int32(binary.BigEndian.Uint32(buf[off+8 : off+12])),
		}
	}
	return entries, nil
}

// RoutingAckPacket acknowledges a range of a routing table.
type RoutingAckPacket struct {
	Rank            int32
	FirstSequenceID uint64
	LastSequenceID  uint64
}

const routingAckPacketSize = 4 + 8 + 8

// Encode serializes the ack packet.
func (p *RoutingAckPacket) Encode() []byte {
	buf := make([]byte, routingAckPacketSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.Rank))
	binary.BigEndian.PutUint64(buf[4:12], p.FirstSequenceID)
	binary.BigEndian.PutUint64(buf[12:20], p.LastSequenceID)
	return buf
}

// DecodeRoutingAckPacket parses a RoutingAckPacket.
func DecodeRoutingAckPacket(buf []byte) (RoutingAckPacket, error) {
	if len(buf) < routingAckPacketSize {
		return RoutingAckPacket{}, fmt.Errorf("transport: short ack packet: got %d bytes", len(buf))
	}
	return RoutingAckPacket{
		Rank:            int32(binary.BigEndian.Uint32(buf[0:4])),
		FirstSequenceID: binary.BigEndian.Uint64(buf[4:12]),
		LastSequenceID:  binary.BigEndian.Uint64(buf[12:20]),
	}, nil
}

// RoutingToken is a builder's credit message to the router: "one slot free."
type RoutingToken struct {
	Magic        uint32
	Rank         int32
	NewSlotsFree uint32
}

const routingTokenSize = 4 + 4 + 4

// Encode serializes the token.
func (t *RoutingToken) Encode() []byte {
	buf := make([]byte, routingTokenSize)
	binary.BigEndian.PutUint32(buf[0:4], RoutingTokenMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(t.Rank))
	binary.BigEndian.PutUint32(buf[8:12], t.NewSlotsFree)
	return buf
}

// DecodeRoutingToken parses a RoutingToken.
func DecodeRoutingToken(buf []byte) (RoutingToken, error) {
	if len(buf) < routingTokenSize {
		return RoutingToken{}, fmt.Errorf("transport: short token: got %d bytes", len(buf))
	}
	t := RoutingToken{
		Magic:        binary.BigEndian.Uint32(buf[0:4]),
		Rank:         int32(binary.BigEndian.Uint32(buf[4:8])),
		NewSlotsFree: binary.BigEndian.Uint32(buf[8:12]),
	}
	if t.Magic != RoutingTokenMagic {
		return RoutingToken{}, fmt.Errorf("transport: %w: token magic %#x", ErrProtocolViolation, t.Magic)
	}
	return t, nil
}

// RequestMode distinguishes a normal request batch from the final one of a
// run.
type RequestMode uint8

const (
	RequestModeNormal RequestMode = iota
	RequestModeEndOfRun
)

// RequestHeader precedes a batch of RequestPacket entries.
type RequestHeader struct {
	Magic       uint32
	PacketCount uint32
	Rank        int32
	Mode        RequestMode
}

const requestHeaderSize = 4 + 4 + 4 + 1

// Encode serializes the header.
func (h *RequestHeader) Encode() []byte {
	buf := make([]byte, requestHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], RequestHeaderMagic)
	binary.BigEndian.PutUint32(buf[4:8], h.PacketCount)
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Rank))
	buf[12] = byte(h.Mode)
	return buf
}

// DecodeRequestHeader parses a RequestHeader.
func DecodeRequestHeader(buf []byte) (RequestHeader, error) {
	if len(buf) < requestHeaderSize {
		return RequestHeader{}, fmt.Errorf("transport: short request header: got %d bytes", len(buf))
	}
	h := RequestHeader{
		Magic:       binary.BigEndian.Uint32(buf[0:4]),
		PacketCount: binary.BigEndian.Uint32(buf[4:8]),
		Rank:        int32(binary.BigEndian.Uint32(buf[8:12])),
		Mode:        RequestMode(buf[12]),
	}
	if h.Magic != RequestHeaderMagic {
		return RequestHeader{}, fmt.Errorf("transport: %w: request header magic %#x", ErrProtocolViolation, h.Magic)
	}
	return h, nil
}

// RequestPacket is a single (sequence_id, timestamp) request.
type RequestPacket struct {
	Magic      uint32
	SequenceID uint64
	Timestamp  uint64
}

// RequestPacketSize is the wire size in bytes of one RequestPacket, exported
// so receivers can slice a datagram into fixed-size packet frames.
const RequestPacketSize = 4 + 8 + 8

const requestPacketSize = RequestPacketSize

// Encode serializes the packet.
func (p *RequestPacket) Encode() []byte {
	buf := make([]byte, requestPacketSize)
	binary.BigEndian.PutUint32(buf[0:4], RequestPacketMagic)
	binary.BigEndian.PutUint64(buf[4:12], p.SequenceID)
	binary.BigEndian.PutUint64(buf[12:20], p.Timestamp)
	return buf
}

// DecodeRequestPacket parses a RequestPacket.
func DecodeRequestPacket(buf []byte) (RequestPacket, error) {
	if len(buf) < requestPacketSize {
		return RequestPacket{}, fmt.Errorf("transport: short request packet: got %d bytes", len(buf))
	}
	p := RequestPacket{
		Magic:      binary.BigEndian.Uint32(buf[0:4]),
		SequenceID: binary.BigEndian.Uint64(buf[4:12]),
		Timestamp:  binary.BigEndian.Uint64(buf[12:20]),
	}
	if p.Magic != RequestPacketMagic {
		return RequestPacket{}, fmt.Errorf("transport: %w: request packet magic %#x", ErrProtocolViolation, p.Magic)
	}
	return p, nil
}

// EncodeRequestPackets serializes a slice of RequestPacket.
func EncodeRequestPackets(packets []RequestPacket) []byte {
	buf := make([]byte, 0, len(packets)*requestPacketSize)
	for _, p := range packets {
		buf = append(buf, p.Encode()...)
	}
	return buf
}

// DecodeRequestPackets parses n packets from buf.
func DecodeRequestPackets(buf []byte, n uint32) ([]RequestPacket, error) {
	packets := make([]RequestPacket, 0, n)
	for i := uint32(0); i < n; i++ {
		off := int(i) * requestPacketSize
		if off+requestPacketSize > len(buf) {
			return nil, fmt.Errorf("transport: short request packets: got %d of %d", len(packets), n)
		}
		p, err := DecodeRequestPacket(buf[off : off+requestPacketSize])
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}
