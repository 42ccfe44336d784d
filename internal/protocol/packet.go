// Package protocol encodes and decodes the packets exchanged over the link.
//
// Every packet is one whole transport message: a single ASCII tag byte
// followed by a type-specific payload. There is no further framing.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrEmptyPacket   = errors.New("empty packet")
	ErrUnknownType   = errors.New("unknown packet type")
	ErrShortPacket   = errors.New("packet too short for its type")
	ErrInvalidName   = errors.New("filename must be non-empty printable ASCII")
	ErrOffsetOverrun = errors.New("chunk offset does not fit in 32 bits")
)

// Type is the tag byte that starts every packet.
type Type byte

const (
	TypeStart     Type = 's'
	TypeStartAck  Type = 'S'
	TypeChunk     Type = 'c'
	TypeChunkAck  Type = 'C'
	TypeFinish    Type = 'f'
	TypeFinishAck Type = 'F'
	TypeError     Type = 'e'
	TypeErrorAck  Type = 'E'
)

// OffsetSize is the width of the big-endian offset in a CHUNK packet.
const OffsetSize = 4

// String returns the string representation of Type
func (t Type) String() string {
	switch t {
	case TypeStart:
		return "START"
	case TypeStartAck:
		return "START_ACK"
	case TypeChunk:
		return "CHUNK"
	case TypeChunkAck:
		return "CHUNK_ACK"
	case TypeFinish:
		return "FINISH"
	case TypeFinishAck:
		return "FINISH_ACK"
	case TypeError:
		return "ERROR"
	case TypeErrorAck:
		return "ERROR_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%q)", byte(t))
	}
}

// Known reports whether t is one of the eight protocol tags.
func (t Type) Known() bool {
	switch t {
	case TypeStart, TypeStartAck, TypeChunk, TypeChunkAck,
		TypeFinish, TypeFinishAck, TypeError, TypeErrorAck:
		return true
	}
	return false
}

// Packet is a decoded wire packet. Which fields are meaningful depends on Type:
// Filename for START, Offset and Data for CHUNK, Ack for CHUNK_ACK and
// Message for ERROR.
type Packet struct {
	Type     Type
	Filename string
	Offset   uint32
	Data     []byte
	Ack      byte
	Message  string
}

// Start builds a START packet announcing filename.
func Start(filename string) Packet { return Packet{Type: TypeStart, Filename: filename} }

func StartAck() Packet { return Packet{Type: TypeStartAck} }

// Chunk builds a CHUNK packet carrying data at offset.
func Chunk(offset uint32, data []byte) Packet {
	return Packet{Type: TypeChunk, Offset: offset, Data: data}
}

func ChunkAck(ack byte) Packet { return Packet{Type: TypeChunkAck, Ack: ack} }

func Finish() Packet { return Packet{Type: TypeFinish} }

func FinishAck() Packet { return Packet{Type: TypeFinishAck} }

// Error builds an ERROR packet. message may be empty.
func Error(message string) Packet { return Packet{Type: TypeError, Message: message} }

func ErrorAck() Packet { return Packet{Type: TypeErrorAck} }

// Encode serializes p into its wire form.
func Encode(p Packet) []byte {
	switch p.Type {
	case TypeStart:
		buf := make([]byte, 0, 1+len(p.Filename))
		buf = append(buf, byte(TypeStart))
		return append(buf, p.Filename...)
	case TypeChunk:
		buf := make([]byte, 1+OffsetSize, 1+OffsetSize+len(p.Data))
		buf[0] = byte(TypeChunk)
		binary.BigEndian.PutUint32(buf[1:], p.Offset)
		return append(buf, p.Data...)
	case TypeChunkAck:
		return []byte{byte(TypeChunkAck), p.Ack}
	case TypeError:
		buf := make([]byte, 0, 1+len(p.Message))
		buf = append(buf, byte(TypeError))
		return append(buf, p.Message...)
	default:
		return []byte{byte(p.Type)}
	}
}

// Decode parses a wire packet. Payload slices alias b.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, ErrEmptyPacket
	}

	t := Type(b[0])
	payload := b[1:]

	switch t {
	case TypeStart:
		return Packet{Type: t, Filename: string(payload)}, nil
	case TypeChunk:
		if len(payload) < OffsetSize {
			return Packet{Type: t}, fmt.Errorf("%s with %d payload bytes: %w", t, len(payload), ErrShortPacket)
		}
		return Packet{
			Type:   t,
			Offset: binary.BigEndian.Uint32(payload[:OffsetSize]),
			Data:   payload[OffsetSize:],
		}, nil
	case TypeChunkAck:
		if len(payload) < 1 {
			return Packet{Type: t}, fmt.Errorf("%s without ack byte: %w", t, ErrShortPacket)
		}
		return Packet{Type: t, Ack: payload[0]}, nil
	case TypeError:
		return Packet{Type: t, Message: string(payload)}, nil
	case TypeStartAck, TypeFinish, TypeFinishAck, TypeErrorAck:
		return Packet{Type: t}, nil
	default:
		return Packet{Type: t}, fmt.Errorf("tag %q: %w", b[0], ErrUnknownType)
	}
}

// ValidFilename checks that name can be carried in a START packet.
func ValidFilename(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return fmt.Errorf("byte %d (0x%02x): %w", i, name[i], ErrInvalidName)
		}
	}
	return nil
}

// Offset converts a buffer position into a CHUNK offset.
func Offset(pos int) (uint32, error) {
	if pos < 0 || uint64(pos) > uint64(^uint32(0)) {
		return 0, fmt.Errorf("position %d: %w", pos, ErrOffsetOverrun)
	}
	return uint32(pos), nil
}
